package margin

import (
	"github.com/google/uuid"

	"MarginLedger/internal/oracle"
)

// InvokeKind selects the checks applied around an adapter invocation.
type InvokeKind uint8

const (
	// InvokeOwner is requested by the account owner; health is verified after.
	InvokeOwner InvokeKind = iota
	// InvokeAccounting may be requested by anyone and only refreshes state.
	InvokeAccounting
	// InvokeLiquidator is requested by the assigned liquidator.
	InvokeLiquidator
)

func (k InvokeKind) String() string {
	switch k {
	case InvokeOwner:
		return "adapter_invoke"
	case InvokeAccounting:
		return "accounting_invoke"
	case InvokeLiquidator:
		return "liquidator_invoke"
	default:
		return "unknown"
	}
}

type ChangeKind uint8

const (
	ChangeBalance ChangeKind = iota
	ChangePrice
	ChangeFlags
	ChangeRegister
	ChangeClose
)

// PositionChange is one edit an adapter requests for a position.
type PositionChange struct {
	Kind    ChangeKind       `json:"kind"`
	Balance uint64           `json:"balance,omitempty"`
	Price   oracle.PriceInfo `json:"price,omitempty"`
	Flags   Flags            `json:"flags,omitempty"`
	Set     bool             `json:"set,omitempty"`
	Address uuid.UUID        `json:"address,omitempty"`
}

func BalanceChange(balance uint64) PositionChange {
	return PositionChange{Kind: ChangeBalance, Balance: balance}
}

func PriceChange(price oracle.PriceInfo) PositionChange {
	return PositionChange{Kind: ChangePrice, Price: price}
}

func FlagsChange(flags Flags, set bool) PositionChange {
	return PositionChange{Kind: ChangeFlags, Flags: flags, Set: set}
}

func RegisterChange(address uuid.UUID) PositionChange {
	return PositionChange{Kind: ChangeRegister, Address: address}
}

func CloseChange() PositionChange {
	return PositionChange{Kind: ChangeClose}
}

// MintChanges groups the changes for one position, applied in order.
type MintChanges struct {
	Mint    uuid.UUID        `json:"mint"`
	Changes []PositionChange `json:"changes"`
}

// AdapterResult is what an adapter hands back to the ledger.
type AdapterResult struct {
	PositionChanges []MintChanges `json:"position_changes"`
}

// Add appends changes for mint, merging with an existing group.
func (r *AdapterResult) Add(mint uuid.UUID, changes ...PositionChange) {
	for i := range r.PositionChanges {
		if r.PositionChanges[i].Mint == mint {
			r.PositionChanges[i].Changes = append(r.PositionChanges[i].Changes, changes...)
			return
		}
	}
	r.PositionChanges = append(r.PositionChanges, MintChanges{Mint: mint, Changes: changes})
}

// Adapter is a program allowed to propose position changes.
type Adapter interface {
	ID() uuid.UUID
	Invoke(inv *Invocation, payload []byte) error
}

type resultSlot struct {
	writer uuid.UUID
	result AdapterResult
}

// Invocation is the handle an adapter receives while it runs. The adapter
// may read the account, call other adapters and must finish by writing its
// result with WriteAdapterResult.
type Invocation struct {
	Kind   InvokeKind
	Caller uuid.UUID
	Now    int64

	account *Account
	adapter uuid.UUID
	stack   []uuid.UUID
	slot    *resultSlot
	before  Valuation
	touched []uuid.UUID
}

// Account returns a copy of the account as it was when the call began.
func (inv *Invocation) Account() *Account {
	return inv.account.Clone()
}

func (inv *Invocation) AccountID() uuid.UUID { return inv.account.ID }

// Depth is 1 for the directly invoked adapter.
func (inv *Invocation) Depth() int { return len(inv.stack) }

func (inv *Invocation) current() uuid.UUID { return inv.stack[len(inv.stack)-1] }

// WriteAdapterResult records the result of the directly invoked adapter.
func (inv *Invocation) WriteAdapterResult(result AdapterResult) error {
	if len(inv.stack) != 1 {
		return ErrIndirectInvocation
	}
	inv.slot = &resultSlot{writer: inv.current(), result: result}
	return nil
}

// Return overwrites the result slot on behalf of whichever adapter is
// running, at any depth. The ledger rejects the result unless the writer
// is the invoked adapter.
func (inv *Invocation) Return(result AdapterResult) {
	inv.slot = &resultSlot{writer: inv.current(), result: result}
}

// Call runs callee nested inside the current invocation.
func (inv *Invocation) Call(callee Adapter, payload []byte) error {
	inv.stack = append(inv.stack, callee.ID())
	defer func() { inv.stack = inv.stack[:len(inv.stack)-1] }()
	return callee.Invoke(inv, payload)
}

// Gate mediates every adapter call that can change positions. When Custody
// is set, deposit positions are reconciled with custody after the adapter's
// changes are applied, before the health check.
type Gate struct {
	Registry *Registry
	Custody  TokenBalances
}

func NewGate(reg *Registry) *Gate {
	return &Gate{Registry: reg}
}

// Begin opens the invocation slot on acct.
func (g *Gate) Begin(acct *Account, adapterID uuid.UUID, kind InvokeKind, caller uuid.UUID, now int64) (*Invocation, error) {
	if acct.invocation != nil {
		return nil, ErrUnauthorizedInvocation.Wrap("invocation already in progress")
	}
	cfg, ok := g.Registry.Adapter(adapterID)
	if !ok || cfg.Airspace != acct.Airspace {
		return nil, ErrUnknownAdapter
	}

	switch kind {
	case InvokeOwner:
		if caller != acct.Owner {
			return nil, ErrUnauthorizedOwner
		}
		if acct.Liquidation != nil {
			return nil, ErrLiquidating
		}
	case InvokeLiquidator:
		if acct.Liquidation == nil {
			return nil, ErrNotLiquidating
		}
		if acct.Liquidation.Liquidator != caller {
			return nil, ErrUnauthorizedLiquidator
		}
	}

	inv := &Invocation{
		Kind:    kind,
		Caller:  caller,
		Now:     now,
		account: acct,
		adapter: adapterID,
		stack:   []uuid.UUID{adapterID},
	}
	if kind == InvokeLiquidator {
		before, err := Value(acct, now)
		if err != nil {
			return nil, err
		}
		inv.before = before
	}
	acct.invocation = inv
	return inv, nil
}

// Finish verifies the result slot, applies the changes and runs the
// post-invocation checks for the invocation kind. The slot is released
// whether or not the result is accepted.
func (g *Gate) Finish(acct *Account, inv *Invocation) (Valuation, error) {
	if acct.invocation != inv {
		return Valuation{}, ErrUnauthorizedInvocation.Wrap("invocation not open on this account")
	}
	defer func() { acct.invocation = nil }()

	if inv.slot != nil {
		if inv.slot.writer != inv.adapter {
			return Valuation{}, ErrWrongProgramAdapterResult.Wrapf("written by %s, invoked %s", inv.slot.writer, inv.adapter)
		}
		if err := g.apply(acct, inv, inv.slot.result); err != nil {
			return Valuation{}, err
		}
	}
	if g.Custody != nil {
		synced, err := acct.SyncDeposits(g.Custody, inv.Now)
		if err != nil {
			return Valuation{}, err
		}
		inv.touched = append(inv.touched, synced...)
	}
	// positions moved by this call keep their quote while it is fresh
	acct.Revalue(inv.touched, inv.Now)

	val, err := Value(acct, inv.Now)
	if err != nil {
		return Valuation{}, err
	}
	switch inv.Kind {
	case InvokeOwner:
		if err := val.Verify(); err != nil {
			return val, err
		}
	case InvokeLiquidator:
		if err := acct.RecordLiquidatorAction(inv.Caller, inv.before, val); err != nil {
			return val, err
		}
	}
	return val, nil
}

// Invoke runs adapter through the full begin/run/finish protocol.
func (g *Gate) Invoke(acct *Account, adapter Adapter, kind InvokeKind, caller uuid.UUID, payload []byte, now int64) (Valuation, error) {
	inv, err := g.Begin(acct, adapter.ID(), kind, caller, now)
	if err != nil {
		return Valuation{}, err
	}
	if err := adapter.Invoke(inv, payload); err != nil {
		acct.invocation = nil
		return Valuation{}, err
	}
	return g.Finish(acct, inv)
}

// Reconcile applies balance, price and flag changes an adapter settled for
// the account outside any invocation, such as a crank fill or a roll, and
// revalues the account. Registering and closing positions still need an
// invocation.
func (g *Gate) Reconcile(acct *Account, adapterID uuid.UUID, result AdapterResult, now int64) (Valuation, error) {
	if acct.invocation != nil {
		return Valuation{}, ErrUnauthorizedInvocation.Wrap("invocation in progress")
	}
	cfg, ok := g.Registry.Adapter(adapterID)
	if !ok || cfg.Airspace != acct.Airspace {
		return Valuation{}, ErrUnknownAdapter
	}

	var touched []uuid.UUID
	for _, group := range result.PositionChanges {
		pos, err := acct.Position(group.Mint)
		if err != nil {
			return Valuation{}, ErrPositionNotRegistered.Wrapf("mint %s", group.Mint)
		}
		if !pos.IsOwnedBy(adapterID) || !cfg.allows(pos.Kind) {
			return Valuation{}, ErrInvalidPositionAdapter.Wrapf("mint %s owned by %s", group.Mint, pos.Adapter)
		}
		for _, change := range group.Changes {
			switch change.Kind {
			case ChangeBalance:
				err = acct.UpdateBalance(group.Mint, change.Balance, now)
				touched = append(touched, group.Mint)
			case ChangePrice:
				err = acct.SetPrice(group.Mint, change.Price)
			case ChangeFlags:
				err = acct.SetFlags(group.Mint, change.Flags, change.Set)
				touched = append(touched, group.Mint)
			default:
				err = ErrUnauthorizedInvocation.Wrapf("reconcile cannot apply change kind %d", change.Kind)
			}
			if err != nil {
				return Valuation{}, err
			}
		}
	}
	if g.Custody != nil {
		synced, err := acct.SyncDeposits(g.Custody, now)
		if err != nil {
			return Valuation{}, err
		}
		touched = append(touched, synced...)
	}
	acct.Revalue(touched, now)
	return Value(acct, now)
}

func (g *Gate) apply(acct *Account, inv *Invocation, result AdapterResult) error {
	cfg, _ := g.Registry.Adapter(inv.adapter)

	for _, group := range result.PositionChanges {
		for _, change := range group.Changes {
			if change.Kind == ChangeRegister {
				if inv.Kind == InvokeAccounting {
					return ErrUnauthorizedInvocation.Wrap("accounting invocation cannot register positions")
				}
				token, err := g.Registry.TokenFor(acct.Airspace, group.Mint)
				if err != nil {
					return err
				}
				if token.Adapter != inv.adapter || !cfg.allows(token.Kind) {
					return ErrInvalidPositionAdapter
				}
				desc := PositionDescriptor{Address: change.Address, Mint: group.Mint, Adapter: inv.adapter, Kind: token.Kind}
				if _, err := acct.Register(desc, token, inv.Caller, inv.Now); err != nil {
					return err
				}
				continue
			}

			pos, err := acct.Position(group.Mint)
			if err != nil {
				return ErrPositionNotRegistered.Wrapf("mint %s", group.Mint)
			}
			if !pos.IsOwnedBy(inv.adapter) || !cfg.allows(pos.Kind) {
				return ErrInvalidPositionAdapter.Wrapf("mint %s owned by %s", group.Mint, pos.Adapter)
			}

			switch change.Kind {
			case ChangeBalance:
				if inv.Kind == InvokeAccounting && pos.Kind == KindClaim && change.Balance > pos.Balance {
					return ErrUnauthorizedInvocation.Wrap("accounting invocation cannot add exposure")
				}
				err = acct.UpdateBalance(group.Mint, change.Balance, inv.Now)
				inv.touched = append(inv.touched, group.Mint)
			case ChangePrice:
				err = acct.SetPrice(group.Mint, change.Price)
			case ChangeFlags:
				err = acct.SetFlags(group.Mint, change.Flags, change.Set)
				inv.touched = append(inv.touched, group.Mint)
			case ChangeClose:
				if inv.Kind == InvokeAccounting {
					return ErrUnauthorizedInvocation.Wrap("accounting invocation cannot close positions")
				}
				err = acct.Close(group.Mint, inv.Caller)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}
