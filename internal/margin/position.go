package margin

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"MarginLedger/internal/oracle"
)

// PositionKind decides how a position counts towards collateral.
type PositionKind uint8

const (
	KindDeposit PositionKind = iota
	KindClaim
	KindAdapterCollateral
)

func (k PositionKind) String() string {
	switch k {
	case KindDeposit:
		return "Deposit"
	case KindClaim:
		return "Claim"
	case KindAdapterCollateral:
		return "AdapterCollateral"
	default:
		return "Unknown"
	}
}

// ParsePositionKind is the inverse of PositionKind.String, ignoring case.
func ParsePositionKind(s string) (PositionKind, error) {
	for _, k := range []PositionKind{KindDeposit, KindClaim, KindAdapterCollateral} {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown position kind %q", s)
}

// IsCollateral reports whether the kind adds to effective collateral.
func (k PositionKind) IsCollateral() bool {
	return k == KindDeposit || k == KindAdapterCollateral
}

// Flags is the adapter-controlled bitset on a position.
type Flags uint8

const (
	// FlagRequired blocks closing the position while the adapter depends on it.
	FlagRequired Flags = 1 << iota
	// FlagPastDue marks a claim whose repayment deadline has passed.
	FlagPastDue
	// FlagDurable keeps the position registered when its balance drops to zero.
	FlagDurable
)

func (f Flags) Has(flag Flags) bool { return f&flag == flag }

func (f Flags) String() string {
	var parts []string
	if f.Has(FlagRequired) {
		parts = append(parts, "REQUIRED")
	}
	if f.Has(FlagPastDue) {
		parts = append(parts, "PAST_DUE")
	}
	if f.Has(FlagDurable) {
		parts = append(parts, "DURABLE")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// TokenConfig describes how a mint may be held inside an airspace.
type TokenConfig struct {
	Mint          uuid.UUID    `json:"mint" yaml:"mint"`
	Airspace      uuid.UUID    `json:"airspace" yaml:"airspace"`
	Underlying    uuid.UUID    `json:"underlying" yaml:"underlying"`
	Adapter       uuid.UUID    `json:"adapter,omitempty" yaml:"adapter"` // uuid.Nil for owner-managed deposits
	Oracle        uuid.UUID    `json:"oracle,omitempty" yaml:"oracle"`
	Kind          PositionKind `json:"kind" yaml:"kind"`
	Exponent      int32        `json:"exponent" yaml:"exponent"`
	ValueModifier uint16       `json:"value_modifier" yaml:"value_modifier"`
	MaxStaleness  int64        `json:"max_staleness" yaml:"max_staleness"`
}

// Position is one holding inside a margin account.
type Position struct {
	Address          uuid.UUID         `json:"address"`
	Mint             uuid.UUID         `json:"mint"`
	Adapter          uuid.UUID         `json:"adapter"`
	Kind             PositionKind      `json:"kind"`
	Exponent         int32             `json:"exponent"`
	Balance          uint64            `json:"balance"`
	BalanceTimestamp int64             `json:"balance_timestamp"`
	ValueModifier    uint16            `json:"value_modifier"`
	MaxStaleness     int64             `json:"max_staleness"`
	Price            *oracle.PriceInfo `json:"price,omitempty"`
	PriceStale       bool              `json:"price_stale"`
	Flags            Flags             `json:"flags"`
}

func (p *Position) markStale() {
	p.PriceStale = true
}

// SetPrice installs a freshly validated price.
func (p *Position) SetPrice(price oracle.PriceInfo) {
	cp := price
	p.Price = &cp
	p.PriceStale = false
}

// IsOwnedBy reports whether adapter manages the position. Deposits are
// managed by the account owner and carry uuid.Nil.
func (p *Position) IsOwnedBy(adapter uuid.UUID) bool {
	return p.Adapter == adapter
}
