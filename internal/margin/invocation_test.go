package margin_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"MarginLedger/internal/margin"
)

// scriptedAdapter runs fn when invoked.
type scriptedAdapter struct {
	id uuid.UUID
	fn func(inv *margin.Invocation) error
}

func (a *scriptedAdapter) ID() uuid.UUID { return a.id }

func (a *scriptedAdapter) Invoke(inv *margin.Invocation, _ []byte) error {
	return a.fn(inv)
}

func writesClaim(f *fixture, units uint64) *scriptedAdapter {
	return &scriptedAdapter{id: f.adapter, fn: func(inv *margin.Invocation) error {
		var res margin.AdapterResult
		res.Add(f.claim, margin.BalanceChange(units*1_000_000), margin.PriceChange(usd(1)))
		return inv.WriteAdapterResult(res)
	}}
}

// ============================================================================
// Adapter invocation gate
// ============================================================================

func TestGate_OwnerInvokeAppliesAndVerifiesHealth(t *testing.T) {
	f := healthy1000vs900(t)

	val, err := f.gate.Invoke(f.acct, writesClaim(f, 950), margin.InvokeOwner, f.owner, nil, now)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	p, _ := f.acct.Position(f.claim)
	if p.Balance != 950_000_000 {
		t.Errorf("claim balance = %d", p.Balance)
	}
	if !val.IsHealthy() {
		t.Errorf("1000 vs 950 should be healthy")
	}

	if _, err := f.gate.Invoke(f.acct, writesClaim(f, 1100), margin.InvokeOwner, f.owner, nil, now); !errors.Is(err, margin.ErrUnhealthy) {
		t.Fatalf("borrowing past collateral should fail health, got %v", err)
	}
}

func TestGate_OnlyOwnerMayInvoke(t *testing.T) {
	f := healthy1000vs900(t)
	if _, err := f.gate.Invoke(f.acct, writesClaim(f, 1), margin.InvokeOwner, uuid.New(), nil, now); !errors.Is(err, margin.ErrUnauthorizedOwner) {
		t.Fatalf("got %v", err)
	}
}

func TestGate_Reentrancy(t *testing.T) {
	f := healthy1000vs900(t)

	inv, err := f.gate.Begin(f.acct, f.adapter, margin.InvokeOwner, f.owner, now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.gate.Begin(f.acct, f.adapter, margin.InvokeAccounting, f.owner, now); !errors.Is(err, margin.ErrUnauthorizedInvocation) {
		t.Fatalf("second begin: got %v", err)
	}
	if _, err := f.gate.Finish(f.acct, inv); err != nil {
		t.Fatalf("finish without result: %v", err)
	}
	if _, err := f.gate.Begin(f.acct, f.adapter, margin.InvokeAccounting, f.owner, now); err != nil {
		t.Fatalf("begin after finish: %v", err)
	}
}

func TestGate_IndirectWriteRejected(t *testing.T) {
	f := healthy1000vs900(t)
	inner := &scriptedAdapter{id: uuid.New(), fn: func(inv *margin.Invocation) error {
		return inv.WriteAdapterResult(margin.AdapterResult{})
	}}
	outer := &scriptedAdapter{id: f.adapter, fn: func(inv *margin.Invocation) error {
		return inv.Call(inner, nil)
	}}

	if _, err := f.gate.Invoke(f.acct, outer, margin.InvokeOwner, f.owner, nil, now); !errors.Is(err, margin.ErrIndirectInvocation) {
		t.Fatalf("got %v", err)
	}
}

func TestGate_ResultOverwrittenByNestedProgram(t *testing.T) {
	f := healthy1000vs900(t)
	inner := &scriptedAdapter{id: uuid.New(), fn: func(inv *margin.Invocation) error {
		var res margin.AdapterResult
		res.Add(f.claim, margin.BalanceChange(0))
		inv.Return(res)
		return nil
	}}
	outer := &scriptedAdapter{id: f.adapter, fn: func(inv *margin.Invocation) error {
		var res margin.AdapterResult
		res.Add(f.claim, margin.BalanceChange(100_000_000), margin.PriceChange(usd(1)))
		if err := inv.WriteAdapterResult(res); err != nil {
			return err
		}
		return inv.Call(inner, nil)
	}}

	_, err := f.gate.Invoke(f.acct, outer, margin.InvokeOwner, f.owner, nil, now)
	if !errors.Is(err, margin.ErrWrongProgramAdapterResult) {
		t.Fatalf("got %v", err)
	}
	p, _ := f.acct.Position(f.claim)
	if p.Balance != 900_000_000 {
		t.Errorf("rejected result must not be applied, balance = %d", p.Balance)
	}
}

func TestGate_ForeignPositionRejected(t *testing.T) {
	f := healthy1000vs900(t)
	adapter := &scriptedAdapter{id: f.adapter, fn: func(inv *margin.Invocation) error {
		var res margin.AdapterResult
		res.Add(f.usdc, margin.BalanceChange(1))
		return inv.WriteAdapterResult(res)
	}}
	if _, err := f.gate.Invoke(f.acct, adapter, margin.InvokeOwner, f.owner, nil, now); !errors.Is(err, margin.ErrInvalidPositionAdapter) {
		t.Fatalf("got %v", err)
	}
}

func TestGate_AccountingCannotAddExposure(t *testing.T) {
	f := healthy1000vs900(t)

	if _, err := f.gate.Invoke(f.acct, writesClaim(f, 2000), margin.InvokeAccounting, uuid.New(), nil, now); !errors.Is(err, margin.ErrUnauthorizedInvocation) {
		t.Fatalf("claim increase via accounting: got %v", err)
	}

	// repayment accounting leaves an unhealthy account untouched by the health check
	f.setValue(t, f.usdc, 100)
	if _, err := f.gate.Invoke(f.acct, writesClaim(f, 800), margin.InvokeAccounting, uuid.New(), nil, now); err != nil {
		t.Fatalf("accounting should skip health check: %v", err)
	}
}

func TestGate_AdapterRegistersOwnPosition(t *testing.T) {
	f := newFixture(t)
	adapter := &scriptedAdapter{id: f.adapter, fn: func(inv *margin.Invocation) error {
		var res margin.AdapterResult
		res.Add(f.claim, margin.RegisterChange(uuid.New()))
		return inv.WriteAdapterResult(res)
	}}
	if _, err := f.gate.Invoke(f.acct, adapter, margin.InvokeOwner, f.owner, nil, now); err != nil {
		t.Fatalf("register via adapter: %v", err)
	}
	if _, err := f.acct.Position(f.claim); err != nil {
		t.Fatalf("position missing: %v", err)
	}
}

func TestGate_LiquidatorInvokeTracksEquity(t *testing.T) {
	f, val := unhealthyFixture(t)
	if err := f.acct.BeginLiquidation(f.liquidator, val, now); err != nil {
		t.Fatal(err)
	}

	if _, err := f.gate.Invoke(f.acct, writesClaim(f, 800), margin.InvokeOwner, f.owner, nil, now); !errors.Is(err, margin.ErrLiquidating) {
		t.Fatalf("owner during liquidation: got %v", err)
	}

	// claim reduced without matching collateral reduction: equity gain is fine
	if _, err := f.gate.Invoke(f.acct, writesClaim(f, 880), margin.InvokeLiquidator, f.liquidator, nil, now); err != nil {
		t.Fatalf("liquidator invoke: %v", err)
	}
	if f.acct.Liquidation.Actions != 1 {
		t.Errorf("actions = %d", f.acct.Liquidation.Actions)
	}

	// giving back the gain plus 6 more exceeds 10% of the 50 deficit
	if _, err := f.gate.Invoke(f.acct, writesClaim(f, 906), margin.InvokeLiquidator, f.liquidator, nil, now); !errors.Is(err, margin.ErrLiquidationLostValue) {
		t.Fatalf("expected LiquidationLostValue, got %v", err)
	}
}

type custodyBalances map[uuid.UUID]uint64

func (c custodyBalances) TokenAccountBalance(address uuid.UUID) (uint64, error) {
	bal, ok := c[address]
	if !ok {
		return 0, errors.New("unknown token account")
	}
	return bal, nil
}

func TestGate_CustodyReconcilesDeposits(t *testing.T) {
	f := healthy1000vs900(t)
	dep, _ := f.acct.Position(f.usdc)
	f.gate.Custody = custodyBalances{dep.Address: 1200_000_000}

	// custody grew during the call, so the larger claim is covered
	if _, err := f.gate.Invoke(f.acct, writesClaim(f, 1100), margin.InvokeOwner, f.owner, nil, now+5); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	dep, _ = f.acct.Position(f.usdc)
	if dep.Balance != 1200_000_000 || dep.BalanceTimestamp != now+5 {
		t.Errorf("deposit = %d at %d", dep.Balance, dep.BalanceTimestamp)
	}
	if dep.PriceStale {
		t.Errorf("reconciliation should keep the deposit price")
	}
}

func TestGate_LiquidatorBalanceOnlyChangesKeepQuotes(t *testing.T) {
	f, val := unhealthyFixture(t)
	if err := f.acct.BeginLiquidation(f.liquidator, val, now); err != nil {
		t.Fatal(err)
	}
	dep, _ := f.acct.Position(f.usdc)
	// 100 of the claim is repaid out of the deposit, neither side repriced
	f.gate.Custody = custodyBalances{dep.Address: 750_000_000}
	repay := &scriptedAdapter{id: f.adapter, fn: func(inv *margin.Invocation) error {
		var res margin.AdapterResult
		res.Add(f.claim, margin.BalanceChange(800_000_000))
		return inv.WriteAdapterResult(res)
	}}

	after, err := f.gate.Invoke(f.acct, repay, margin.InvokeLiquidator, f.liquidator, nil, now+5)
	if err != nil {
		t.Fatalf("equity-neutral repayment rejected: %v", err)
	}
	if len(after.Stale) != 0 {
		t.Errorf("moved positions left stale: %+v", after.Stale)
	}
	if !f.acct.Liquidation.ValuationChange.IsZero() || f.acct.Liquidation.Actions != 1 {
		t.Errorf("valuation change = %s after %d actions", f.acct.Liquidation.ValuationChange, f.acct.Liquidation.Actions)
	}
}

func TestGate_BalanceChangeWithExpiredQuoteStaysStale(t *testing.T) {
	f := healthy1000vs900(t)
	late := now + margin.MaxPriceQuoteAge + 1
	repay := &scriptedAdapter{id: f.adapter, fn: func(inv *margin.Invocation) error {
		var res margin.AdapterResult
		res.Add(f.claim, margin.BalanceChange(800_000_000))
		return inv.WriteAdapterResult(res)
	}}
	if _, err := f.gate.Invoke(f.acct, repay, margin.InvokeOwner, f.owner, nil, late); !errors.Is(err, margin.ErrStalePositions) {
		t.Fatalf("expected StalePositions, got %v", err)
	}
}

func TestGate_ReconcileSettledPositions(t *testing.T) {
	f := healthy1000vs900(t)

	// a crank fill added debt and the adapter reports the new claim
	var res margin.AdapterResult
	res.Add(f.claim, margin.BalanceChange(950_000_000))
	val, err := f.gate.Reconcile(f.acct, f.adapter, res, now+1)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	claim, _ := f.acct.Position(f.claim)
	if claim.Balance != 950_000_000 || claim.BalanceTimestamp != now+1 || claim.PriceStale {
		t.Errorf("claim = %+v", claim)
	}
	if len(val.Stale) != 0 || !val.IsHealthy() {
		t.Errorf("1000 vs 950 should value cleanly: %+v", val)
	}

	var register margin.AdapterResult
	register.Add(uuid.New(), margin.RegisterChange(uuid.New()))
	if _, err := f.gate.Reconcile(f.acct, f.adapter, register, now+1); !errors.Is(err, margin.ErrPositionNotRegistered) {
		t.Errorf("register through reconcile: got %v", err)
	}
	var closing margin.AdapterResult
	closing.Add(f.claim, margin.CloseChange())
	if _, err := f.gate.Reconcile(f.acct, f.adapter, closing, now+1); !errors.Is(err, margin.ErrUnauthorizedInvocation) {
		t.Errorf("close through reconcile: got %v", err)
	}
	if _, err := f.gate.Reconcile(f.acct, uuid.New(), res, now+1); !errors.Is(err, margin.ErrUnknownAdapter) {
		t.Errorf("unknown adapter: got %v", err)
	}
	var foreign margin.AdapterResult
	foreign.Add(f.usdc, margin.BalanceChange(1))
	if _, err := f.gate.Reconcile(f.acct, f.adapter, foreign, now+1); !errors.Is(err, margin.ErrInvalidPositionAdapter) {
		t.Errorf("deposit through reconcile: got %v", err)
	}
}
