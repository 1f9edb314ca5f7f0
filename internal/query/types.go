package query

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"MarginLedger/internal/orderbook"
)

// ErrNotFound is returned when a projection row does not exist.
var ErrNotFound = errors.New("not found")

// AccountResponse is the projected state of one margin account.
type AccountResponse struct {
	AccountID        uuid.UUID       `json:"account_id"`
	Owner            uuid.UUID       `json:"owner"`
	Airspace         uuid.UUID       `json:"airspace"`
	LiquidationState string          `json:"liquidation_state"`
	Closed           bool            `json:"closed"`
	Account          json.RawMessage `json:"account"`
	LastSequence     int64           `json:"last_sequence"`
	AsOfSequence     int64           `json:"as_of_sequence"`
}

// ValuationResponse is the valuation computed when the account last changed.
// Valuation is null when the account could not be valued at that time, for
// example because a price was stale.
type ValuationResponse struct {
	AccountID    uuid.UUID       `json:"account_id"`
	Valuation    json.RawMessage `json:"valuation"`
	LastSequence int64           `json:"last_sequence"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// FillResponse represents a settled fill for API queries.
type FillResponse struct {
	Sequence     int64     `json:"sequence"`
	FillIndex    int       `json:"fill_index"`
	Market       uuid.UUID `json:"market"`
	MakerOrderID string    `json:"maker_order_id"`
	TakerOrderID string    `json:"taker_order_id"`
	MakerSide    string    `json:"maker_side"`
	Maker        uuid.UUID `json:"maker"`
	Taker        uuid.UUID `json:"taker"`
	BaseQty      int64     `json:"base_qty"`
	QuoteQty     int64     `json:"quote_qty"`
	Price        int64     `json:"price"`
	MakerDone    bool      `json:"maker_done"`
}

// FillsPage is one page of fills, newest first. NextBefore is the cursor
// for the following page, zero on the last one.
type FillsPage struct {
	Fills        []FillResponse `json:"fills"`
	NextBefore   int64          `json:"next_before,omitempty"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// LoanResponse represents an open term loan.
type LoanResponse struct {
	LoanID        uuid.UUID `json:"loan_id"`
	Market        uuid.UUID `json:"market"`
	MarginAccount uuid.UUID `json:"margin_account"`
	Principal     int64     `json:"principal"`
	Balance       int64     `json:"balance"`
	Price         int64     `json:"price"`
	StartedAt     int64     `json:"started_at"`
	Maturity      int64     `json:"maturity"`
	AutoRoll      bool      `json:"auto_roll"`
	LastSequence  int64     `json:"last_sequence"`
}

// BookResponse is the aggregated depth of one market's order book.
type BookResponse struct {
	Market       uuid.UUID              `json:"market"`
	Bids         []orderbook.DepthLevel `json:"bids"`
	Asks         []orderbook.DepthLevel `json:"asks"`
	QueueDepth   int                    `json:"queue_depth"`
	OpenOrders   int                    `json:"open_orders"`
	LastSequence int64                  `json:"last_sequence"`
	AsOfSequence int64                  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     uuid.UUID `json:"journal_id"`
	BatchID       uuid.UUID `json:"batch_id"`
	EventRef      string    `json:"event_ref"`
	Sequence      int64     `json:"sequence"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Mint          uuid.UUID `json:"mint"`
	Amount        int64     `json:"amount"`
	JournalType   string    `json:"journal_type"`
	Timestamp     int64     `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool             `json:"is_healthy"`
	HashChainBreaks []int64          `json:"hash_chain_breaks,omitempty"`
	UnbalancedMints []UnbalancedMint `json:"unbalanced_mints,omitempty"`
	AsOfSequence    int64            `json:"as_of_sequence"`
}

// UnbalancedMint is a mint whose projected balances do not sum to zero.
type UnbalancedMint struct {
	Mint      uuid.UUID `json:"mint"`
	Imbalance int64     `json:"imbalance"`
}
