package query

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// BalanceResponse is one projected token account balance.
type BalanceResponse struct {
	AccountPath  string    `json:"account_path"`
	Scope        string    `json:"scope"`
	Mint         uuid.UUID `json:"mint"`
	Balance      int64     `json:"balance"`
	LastSequence int64     `json:"last_sequence"`
}

// BalancesResponse lists every token account owned by one entity: a
// user's wallets or a margin account's deposit custody.
type BalancesResponse struct {
	EntityID     uuid.UUID         `json:"entity_id"`
	Balances     []BalanceResponse `json:"balances"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// GetBalances returns the token account balances of an entity.
func (qs *QueryService) GetBalances(ctx context.Context, entityID uuid.UUID) (*BalancesResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, scope, mint, balance, last_sequence
		FROM projections.balances
		WHERE entity_id = $1
		ORDER BY account_path
	`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalancesResponse{
		EntityID:     entityID,
		Balances:     []BalanceResponse{},
		AsOfSequence: asOfSeq,
	}
	for rows.Next() {
		var b BalanceResponse
		if err := rows.Scan(&b.AccountPath, &b.Scope, &b.Mint, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		resp.Balances = append(resp.Balances, b)
	}
	return resp, rows.Err()
}
