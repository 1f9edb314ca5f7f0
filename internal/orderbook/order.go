// Package orderbook implements the price-time priority book of a fixed-term
// market and the bounded queue its matching events wait in until a crank
// settles them.
package orderbook

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	fp "MarginLedger/internal/math"
)

// Side of an order. Lenders bid for tickets, borrowers ask (sell tickets
// they mint against new debt).
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// Settlement is how the ticket leg of a fill is delivered.
type Settlement uint8

const (
	// SettleTokens credits tickets or underlying to the owner's wallet.
	SettleTokens Settlement = iota
	// SettleAutoStake stakes purchased tickets into a split ticket.
	SettleAutoStake
	// SettleNewDebt records sold tickets as a term loan.
	SettleNewDebt
)

func (s Settlement) String() string {
	switch s {
	case SettleAutoStake:
		return "auto_stake"
	case SettleNewDebt:
		return "new_debt"
	default:
		return "tokens"
	}
}

// Callback describes who an order belongs to and how its fills settle.
// It is resolved when the crank consumes the fill.
type Callback struct {
	Owner      uuid.UUID  `json:"owner"`
	MarginUser uuid.UUID  `json:"margin_user,omitempty"`
	Settlement Settlement `json:"settlement"`
	AutoRoll   bool       `json:"auto_roll,omitempty"`
	Adapter    uuid.UUID  `json:"adapter,omitempty"`
	RollFrom   uuid.UUID  `json:"roll_from,omitempty"`
}

// IsMargin reports whether the order was placed through a margin user.
func (c Callback) IsMargin() bool { return c.MarginUser != uuid.Nil }

// Order is a resting order. BaseQty is what remains unfilled. QuoteLocked
// is the underlying a resting bid still holds in the market vault.
type Order struct {
	ID          ulid.ULID `json:"id"`
	Side        Side      `json:"side"`
	BaseQty     uint64    `json:"base_qty"`
	Price       fp.Fp32   `json:"price"`
	QuoteLocked uint64    `json:"quote_locked,omitempty"`
	Sequence    uint64    `json:"sequence"`
	PostedAt    int64     `json:"posted_at"`
	Callback    Callback  `json:"callback"`
}

// OrderParams bound one placement. MaxQuoteQty of zero means unbounded.
type OrderParams struct {
	Side        Side    `json:"side"`
	MaxBaseQty  uint64  `json:"max_base_qty"`
	MaxQuoteQty uint64  `json:"max_quote_qty"`
	LimitPrice  fp.Fp32 `json:"limit_price"`
	MatchLimit  uint32  `json:"match_limit"`
	PostOnly    bool    `json:"post_only"`
	PostAllowed bool    `json:"post_allowed"`
}

// NewOrderID derives a time-sortable id from the instruction timestamp and
// a seed, so replaying the same instruction yields the same id.
func NewOrderID(now int64, seed uuid.UUID, sequence uint64) ulid.ULID {
	var buf [24]byte
	copy(buf[:16], seed[:])
	binary.LittleEndian.PutUint64(buf[16:], sequence)
	sum := sha256.Sum256(buf[:])

	ms := ulid.Timestamp(time.Unix(now, 0).UTC())
	id, err := ulid.New(ms, bytes.NewReader(sum[:]))
	if err != nil {
		panic("FATAL: order id entropy exhausted: " + err.Error())
	}
	return id
}
