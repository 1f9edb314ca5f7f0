package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// QueryService provides read-only access to projection tables.
// Queries are served over HTTP/JSON (grpc-gateway mux), reading from
// PostgreSQL projection tables. All responses include as_of_sequence for
// freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// Watermark returns the last sequence applied to the projections.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	return qs.getWatermark(ctx)
}

// GetAccount returns the projected state of a margin account.
func (qs *QueryService) GetAccount(ctx context.Context, accountID uuid.UUID) (*AccountResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	r := AccountResponse{AccountID: accountID, AsOfSequence: asOfSeq}
	var account []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT owner, airspace, liquidation_state, closed, account, last_sequence
		FROM projections.accounts
		WHERE account_id = $1
	`, accountID).Scan(&r.Owner, &r.Airspace, &r.LiquidationState, &r.Closed, &account, &r.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Account = json.RawMessage(account)
	return &r, nil
}

// GetAccountsByOwner lists the open margin accounts of an owner.
func (qs *QueryService) GetAccountsByOwner(ctx context.Context, owner uuid.UUID) ([]AccountResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_id, airspace, liquidation_state, account, last_sequence
		FROM projections.accounts
		WHERE owner = $1 AND NOT closed
		ORDER BY account_id
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []AccountResponse{}
	for rows.Next() {
		r := AccountResponse{Owner: owner, AsOfSequence: asOfSeq}
		var account []byte
		if err := rows.Scan(&r.AccountID, &r.Airspace, &r.LiquidationState, &account, &r.LastSequence); err != nil {
			return nil, err
		}
		r.Account = json.RawMessage(account)
		accounts = append(accounts, r)
	}
	return accounts, rows.Err()
}

// GetValuation returns the latest projected valuation of an account.
func (qs *QueryService) GetValuation(ctx context.Context, accountID uuid.UUID) (*ValuationResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	r := ValuationResponse{AccountID: accountID, AsOfSequence: asOfSeq}
	var valuation []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT valuation, last_sequence
		FROM projections.accounts
		WHERE account_id = $1
	`, accountID).Scan(&valuation, &r.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if valuation == nil {
		r.Valuation = json.RawMessage("null")
	} else {
		r.Valuation = json.RawMessage(valuation)
	}
	return &r, nil
}

// GetFills returns settled fills, newest first, optionally filtered by
// market and by participant. before is an exclusive sequence cursor.
func (qs *QueryService) GetFills(
	ctx context.Context,
	market *uuid.UUID,
	participant *uuid.UUID,
	limit int,
	before *int64,
) (*FillsPage, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	query := `
		SELECT sequence, fill_index, market, maker_order_id, taker_order_id, maker_side,
		       maker, taker, base_qty, quote_qty, price, maker_done
		FROM projections.fills
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if market != nil {
		query += fmt.Sprintf(" AND market = $%d", argIdx)
		args = append(args, *market)
		argIdx++
	}

	if participant != nil {
		query += fmt.Sprintf(" AND (maker = $%d OR taker = $%d)", argIdx, argIdx)
		args = append(args, *participant)
		argIdx++
	}

	if before != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *before)
		argIdx++
	}

	query += " ORDER BY sequence DESC, market, fill_index"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &FillsPage{Fills: []FillResponse{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var f FillResponse
		if err := rows.Scan(
			&f.Sequence, &f.FillIndex, &f.Market, &f.MakerOrderID, &f.TakerOrderID, &f.MakerSide,
			&f.Maker, &f.Taker, &f.BaseQty, &f.QuoteQty, &f.Price, &f.MakerDone,
		); err != nil {
			return nil, err
		}
		page.Fills = append(page.Fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	page.NextBefore = nextCursor(page.Fills, limit)
	return page, nil
}

// nextCursor pages by sequence. A full page ending mid-sequence would skip
// that sequence's remaining fills, so the cursor backs off to include it.
func nextCursor(fills []FillResponse, limit int) int64 {
	if len(fills) < limit || len(fills) == 0 {
		return 0
	}
	last := fills[len(fills)-1].Sequence
	if fills[0].Sequence == last {
		// A single sequence fills the page; move past it.
		return last
	}
	return last + 1
}

// GetLoans returns the open term loans of a margin account.
func (qs *QueryService) GetLoans(ctx context.Context, accountID uuid.UUID) ([]LoanResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT loan_id, market, principal, balance, price, started_at, maturity, auto_roll, last_sequence
		FROM projections.loans
		WHERE margin_account = $1
		ORDER BY maturity, loan_id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	loans := []LoanResponse{}
	for rows.Next() {
		l := LoanResponse{MarginAccount: accountID}
		if err := rows.Scan(
			&l.LoanID, &l.Market, &l.Principal, &l.Balance, &l.Price,
			&l.StartedAt, &l.Maturity, &l.AutoRoll, &l.LastSequence,
		); err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

// GetBook returns the projected order book depth of a market.
func (qs *QueryService) GetBook(ctx context.Context, market uuid.UUID) (*BookResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	r := BookResponse{Market: market, AsOfSequence: asOfSeq}
	var bids, asks []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT bids, asks, queue_depth, open_orders, last_sequence
		FROM projections.books
		WHERE market = $1
	`, market).Scan(&bids, &asks, &r.QueueDepth, &r.OpenOrders, &r.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(bids, &r.Bids); err != nil {
		return nil, fmt.Errorf("decode bids: %w", err)
	}
	if err := json.Unmarshal(asks, &r.Asks); err != nil {
		return nil, fmt.Errorf("decode asks: %w", err)
	}
	return &r, nil
}

// GetJournalHistory returns custody journals touching an entity's token
// accounts, user wallets or margin deposits, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	entityID uuid.UUID,
	limit int,
	before *int64,
) ([]JournalHistoryEntry, error) {
	userPrefix := fmt.Sprintf("user:%s:%%", entityID)
	marginPrefix := fmt.Sprintf("margin:%s:%%", entityID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, mint, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1
		       OR debit_account LIKE $2 OR credit_account LIKE $2)
	`
	args := []interface{}{userPrefix, marginPrefix}
	argIdx := 3

	if before != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *before)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Mint, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the instruction hash chain and that projected
// custody balances of every mint sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{AsOfSequence: asOfSeq}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.instructions e1
		JOIN event_log.instructions e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Every journal moves tokens between two accounts of one mint, so the
	// balances of a mint sum to zero across all scopes.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT mint, SUM(balance) AS total
		FROM projections.balances
		GROUP BY mint
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedMint
		if err := balanceRows.Scan(&u.Mint, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedMints = append(report.UnbalancedMints, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedMints) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
