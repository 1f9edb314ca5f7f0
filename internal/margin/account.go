package margin

import (
	"github.com/google/uuid"

	"MarginLedger/internal/oracle"
)

// MaxUserPositions caps the positions an account may register. The current
// liquidator is exempt so it can register positions while unwinding.
const MaxUserPositions = 24

// Account is a margin account holding heterogeneous positions.
type Account struct {
	ID          uuid.UUID          `json:"id"`
	Owner       uuid.UUID          `json:"owner"`
	Airspace    uuid.UUID          `json:"airspace"`
	Liquidation *LiquidationRecord `json:"liquidation,omitempty"`
	LastEnded   int64              `json:"last_liquidation_ended,omitempty"`
	Positions   []Position         `json:"positions"`

	invocation *Invocation
}

// PositionDescriptor is the request to register a position.
type PositionDescriptor struct {
	Address uuid.UUID
	Mint    uuid.UUID
	Adapter uuid.UUID
	Kind    PositionKind
}

func NewAccount(id, owner, airspace uuid.UUID) *Account {
	return &Account{ID: id, Owner: owner, Airspace: airspace}
}

// Liquidator returns the liquidator holding the slot, if any.
func (a *Account) Liquidator() (uuid.UUID, bool) {
	if a.Liquidation == nil {
		return uuid.Nil, false
	}
	return a.Liquidation.Liquidator, true
}

func (a *Account) isLiquidator(caller uuid.UUID) bool {
	l, ok := a.Liquidator()
	return ok && l == caller
}

// Position returns the position for mint.
func (a *Account) Position(mint uuid.UUID) (*Position, error) {
	for i := range a.Positions {
		if a.Positions[i].Mint == mint {
			return &a.Positions[i], nil
		}
	}
	return nil, ErrUnknownPosition
}

func (a *Account) hasPosition(mint uuid.UUID) bool {
	_, err := a.Position(mint)
	return err == nil
}

// Register adds a position configured by cfg. caller is used for the
// position cap exemption.
func (a *Account) Register(desc PositionDescriptor, cfg TokenConfig, caller uuid.UUID, now int64) (*Position, error) {
	if cfg.Airspace != a.Airspace {
		return nil, ErrPositionNotRegisterable
	}
	if cfg.Adapter != desc.Adapter || cfg.Kind != desc.Kind {
		return nil, ErrInvalidPositionOwner
	}
	if a.hasPosition(desc.Mint) {
		return nil, ErrPositionAlreadyRegistered
	}
	if len(a.Positions) >= MaxUserPositions && !a.isLiquidator(caller) {
		return nil, ErrMaxPositions
	}

	a.Positions = append(a.Positions, Position{
		Address:          desc.Address,
		Mint:             desc.Mint,
		Adapter:          desc.Adapter,
		Kind:             cfg.Kind,
		Exponent:         cfg.Exponent,
		BalanceTimestamp: now,
		ValueModifier:    cfg.ValueModifier,
		MaxStaleness:     cfg.MaxStaleness,
		PriceStale:       true,
	})
	return &a.Positions[len(a.Positions)-1], nil
}

// UpdateBalance sets the balance observed at now.
func (a *Account) UpdateBalance(mint uuid.UUID, balance uint64, now int64) error {
	p, err := a.Position(mint)
	if err != nil {
		return err
	}
	p.Balance = balance
	p.BalanceTimestamp = now
	p.markStale()
	return nil
}

// TokenBalances resolves custody token account balances by address.
type TokenBalances interface {
	TokenAccountBalance(address uuid.UUID) (uint64, error)
}

// SyncDeposits reconciles owner-managed deposit positions with the custody
// accounts backing them. A changed position is marked stale like
// UpdateBalance does; the returned mints are the positions it changed.
func (a *Account) SyncDeposits(src TokenBalances, now int64) ([]uuid.UUID, error) {
	var changed []uuid.UUID
	for i := range a.Positions {
		p := &a.Positions[i]
		if p.Kind != KindDeposit || p.Address == uuid.Nil {
			continue
		}
		bal, err := src.TokenAccountBalance(p.Address)
		if err != nil {
			return nil, err
		}
		if bal != p.Balance {
			p.Balance = bal
			p.BalanceTimestamp = now
			p.markStale()
			changed = append(changed, p.Mint)
		}
	}
	return changed, nil
}

// Revalue confirms the quote a position already holds after its balance or
// flags moved. A position stays stale when that quote is missing, invalid
// or older than MaxPriceQuoteAge. Unknown mints are skipped.
func (a *Account) Revalue(mints []uuid.UUID, now int64) {
	for _, mint := range mints {
		p, err := a.Position(mint)
		if err != nil || p.Price == nil || !p.Price.IsValid() {
			continue
		}
		if now-p.Price.PublishedAt > MaxPriceQuoteAge {
			continue
		}
		p.PriceStale = false
	}
}

// SetPrice installs a validated price without touching the balance.
func (a *Account) SetPrice(mint uuid.UUID, price oracle.PriceInfo) error {
	p, err := a.Position(mint)
	if err != nil {
		return err
	}
	p.SetPrice(price)
	return nil
}

// SetFlags sets or clears flags on a position.
func (a *Account) SetFlags(mint uuid.UUID, flags Flags, set bool) error {
	p, err := a.Position(mint)
	if err != nil {
		return err
	}
	if set {
		p.Flags |= flags
	} else {
		p.Flags &^= flags
	}
	p.markStale()
	return nil
}

// RefreshMetadata re-reads the configured weight, kind and staleness limit.
func (a *Account) RefreshMetadata(cfg TokenConfig) error {
	p, err := a.Position(cfg.Mint)
	if err != nil {
		return err
	}
	p.Kind = cfg.Kind
	p.Exponent = cfg.Exponent
	p.ValueModifier = cfg.ValueModifier
	p.MaxStaleness = cfg.MaxStaleness
	p.markStale()
	return nil
}

// Close removes a position. Only the liquidator may close a position that
// still holds a balance, and nobody may close a required one.
func (a *Account) Close(mint uuid.UUID, caller uuid.UUID) error {
	for i := range a.Positions {
		p := &a.Positions[i]
		if p.Mint != mint {
			continue
		}
		if p.Flags.Has(FlagRequired) {
			return ErrCloseRequiredPosition
		}
		if p.Balance != 0 && !a.isLiquidator(caller) {
			return ErrCloseNonZeroPosition
		}
		a.Positions = append(a.Positions[:i], a.Positions[i+1:]...)
		return nil
	}
	return ErrUnknownPosition
}

// IsEmpty reports whether the account can be closed.
func (a *Account) IsEmpty() bool {
	return len(a.Positions) == 0
}

// Clone returns a deep copy. Open invocations are not copied.
func (a *Account) Clone() *Account {
	out := *a
	out.invocation = nil
	out.Positions = make([]Position, len(a.Positions))
	copy(out.Positions, a.Positions)
	for i := range out.Positions {
		if p := a.Positions[i].Price; p != nil {
			cp := *p
			out.Positions[i].Price = &cp
		}
	}
	if a.Liquidation != nil {
		rec := a.Liquidation.clone()
		out.Liquidation = &rec
	}
	return &out
}
