package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"MarginLedger/internal/core"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/observability"
)

// WatermarkID names the projection worker in projections.watermark.
const WatermarkID = "main"

// ProjectionWorker updates projection tables from core outputs.
// The projection channel is non-blocking with drop: a dropped output leaves
// the rows it touched stale until the next output touching them, or until
// Rebuild is called with a full state output.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   atomic.Int64
	gaps      atomic.Int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			if last := pw.lastSeq.Load(); last > 0 && seq > last+1 {
				pw.gaps.Add(1)
				pw.log.Warn().
					Int64("last", last).
					Int64("sequence", seq).
					Msg("projection feed skipped outputs")
			}

			if err := pw.Apply(ctx, output); err != nil {
				// Projections are eventually consistent and can be
				// rebuilt from a full state output.
				pw.log.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
			pw.lastSeq.Store(seq)
		}
	}
}

// LastSequence is the last sequence applied to the projection tables.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// Gaps counts the times the feed skipped sequences.
func (pw *ProjectionWorker) Gaps() int64 {
	return pw.gaps.Load()
}

// Apply writes one output to every projection table in a single transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := pw.applyTx(ctx, tx, output); err != nil {
		return err
	}
	return tx.Commit()
}

// Rebuild replaces every projection table with the full state output
// produced by core.DeterministicCore.FullOutput.
func (pw *ProjectionWorker) Rebuild(ctx context.Context, full core.CoreOutput) error {
	start := time.Now()
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.accounts`,
		`TRUNCATE projections.loans`,
		`TRUNCATE projections.books`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if err := pw.applyTx(ctx, tx, full); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	pw.lastSeq.Store(full.Envelope.Sequence)
	pw.log.Info().
		Int64("sequence", full.Envelope.Sequence).
		Int("balances", len(full.Balances)).
		Int("accounts", len(full.Accounts)).
		Dur("took", time.Since(start)).
		Msg("projection rebuild complete")
	return nil
}

func (pw *ProjectionWorker) applyTx(ctx context.Context, tx *sql.Tx, output core.CoreOutput) error {
	seq := output.Envelope.Sequence

	steps := []struct {
		name string
		fn   func() error
	}{
		{"balances", func() error { return upsertBalances(ctx, tx, seq, output.Balances) }},
		{"accounts", func() error { return upsertAccounts(ctx, tx, seq, output.Accounts) }},
		{"markets", func() error { return applyMarkets(ctx, tx, seq, output.Markets) }},
	}
	for _, step := range steps {
		start := time.Now()
		if err := step.fn(); err != nil {
			return fmt.Errorf("%s projection: %w", step.name, err)
		}
		if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues(step.name).Observe(time.Since(start).Seconds())
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WatermarkID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// upsertBalances writes absolute balances; the core reports the balance
// after the instruction, not the change.
func upsertBalances(ctx context.Context, tx *sql.Tx, seq int64, entries []ledger.BalanceEntry) error {
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, scope, entity_id, mint, balance, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (account_path)
			DO UPDATE SET balance = $5, last_sequence = $6, updated_at = NOW()
		`, e.Path, e.Key.Scope.String(), entityID(e.Key), e.Key.Mint, e.Balance, seq); err != nil {
			return err
		}
	}
	return nil
}

// entityID is NULL for external boundary accounts, which belong to no one.
func entityID(key ledger.AccountKey) interface{} {
	if key.Scope == ledger.AccountScopeExternal {
		return nil
	}
	return uuid.UUID(key.EntityID)
}

func upsertAccounts(ctx context.Context, tx *sql.Tx, seq int64, updates []core.AccountUpdate) error {
	for _, u := range updates {
		if u.Closed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE projections.accounts SET closed = TRUE, last_sequence = $2, updated_at = NOW()
				WHERE account_id = $1
			`, u.ID, seq); err != nil {
				return err
			}
			continue
		}

		acct, err := json.Marshal(u.Account)
		if err != nil {
			return err
		}
		var valuation interface{}
		if u.Valuation != nil {
			v, err := json.Marshal(u.Valuation)
			if err != nil {
				return err
			}
			valuation = string(v)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.accounts
				(account_id, owner, airspace, liquidation_state, account, valuation, closed, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, NOW())
			ON CONFLICT (account_id) DO UPDATE SET
				liquidation_state = $4, account = $5, valuation = $6, last_sequence = $7, updated_at = NOW()
		`, u.ID, u.Account.Owner, u.Account.Airspace, u.Account.State().String(),
			string(acct), valuation, seq); err != nil {
			return err
		}
	}
	return nil
}

func applyMarkets(ctx context.Context, tx *sql.Tx, seq int64, updates []core.MarketUpdate) error {
	for _, m := range updates {
		for i, f := range m.Fills {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.fills
					(sequence, fill_index, market, maker_order_id, taker_order_id, maker_side,
					 maker, taker, base_qty, quote_qty, price, maker_done)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT DO NOTHING
			`, seq, i, m.Market, f.MakerOrderID.String(), f.TakerOrderID.String(), f.MakerSide.String(),
				f.Maker.Owner, f.Taker.Owner, int64(f.BaseQty), int64(f.QuoteQty), int64(f.Price), f.MakerDone); err != nil {
				return err
			}
		}

		// The update lists every open loan of the market; anything else
		// has been repaid or rolled.
		live := make([]string, 0, len(m.Loans))
		for _, l := range m.Loans {
			live = append(live, l.ID.String())
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM projections.loans WHERE market = $1 AND NOT (loan_id::text = ANY($2))
		`, m.Market, pq.Array(live)); err != nil {
			return err
		}
		for _, l := range m.Loans {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.loans
					(loan_id, market, margin_account, principal, balance, price, started_at, maturity, auto_roll, last_sequence)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (loan_id) DO UPDATE SET
					balance = $5, maturity = $8, auto_roll = $9, last_sequence = $10
			`, l.ID, l.Market, l.MarginAccount, int64(l.Principal), int64(l.Balance), int64(l.Price),
				l.StartedAt, l.Maturity, l.AutoRoll, seq); err != nil {
				return err
			}
		}

		bids, err := json.Marshal(nonNil(m.Bids))
		if err != nil {
			return err
		}
		asks, err := json.Marshal(nonNil(m.Asks))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.books (market, bids, asks, queue_depth, open_orders, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (market) DO UPDATE SET
				bids = $2, asks = $3, queue_depth = $4, open_orders = $5, last_sequence = $6, updated_at = NOW()
		`, m.Market, string(bids), string(asks), m.QueueDepth, m.OpenOrders, seq); err != nil {
			return err
		}
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

