package margin_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"MarginLedger/internal/margin"
)

func unhealthyFixture(t *testing.T) (*fixture, margin.Valuation) {
	t.Helper()
	f := healthy1000vs900(t)
	f.setValue(t, f.usdc, 850)
	return f, mustValue(t, f.acct, now)
}

// ============================================================================
// Liquidation state machine
// ============================================================================

func TestLiquidation_BeginRequiresUnhealthy(t *testing.T) {
	f := healthy1000vs900(t)
	val := mustValue(t, f.acct, now)
	if err := f.acct.BeginLiquidation(f.liquidator, val, now); !errors.Is(err, margin.ErrHealthy) {
		t.Fatalf("expected Healthy, got %v", err)
	}
}

func TestLiquidation_BeginRejectsStale(t *testing.T) {
	f, _ := unhealthyFixture(t)
	f.acct.UpdateBalance(f.claim, 950_000_000, now)
	val := mustValue(t, f.acct, now)
	if err := f.acct.BeginLiquidation(f.liquidator, val, now); !errors.Is(err, margin.ErrStalePositions) {
		t.Fatalf("expected StalePositions, got %v", err)
	}
}

func TestLiquidation_Exclusivity(t *testing.T) {
	f, val := unhealthyFixture(t)
	other := uuid.New()

	if err := f.acct.BeginLiquidation(f.liquidator, val, now); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := f.acct.BeginLiquidation(f.liquidator, val, now+1); err != nil {
		t.Errorf("same liquidator re-entry should be a no-op, got %v", err)
	}
	if f.acct.Liquidation.StartTime != now {
		t.Errorf("re-entry must not reset the start time")
	}
	if err := f.acct.BeginLiquidation(other, val, now+1); !errors.Is(err, margin.ErrLiquidating) {
		t.Errorf("second liquidator: got %v", err)
	}
	if err := f.acct.RecordLiquidatorAction(other, val, val); !errors.Is(err, margin.ErrUnauthorizedLiquidator) {
		t.Errorf("other liquidator acting: got %v", err)
	}
	if err := f.acct.EndLiquidation(other, val, now+margin.LiquidationTimeout); !errors.Is(err, margin.ErrUnauthorizedLiquidator) {
		t.Errorf("end before timeout by other: got %v", err)
	}
}

func TestLiquidation_TimeoutLetsAnyoneEnd(t *testing.T) {
	f, val := unhealthyFixture(t)
	if err := f.acct.BeginLiquidation(f.liquidator, val, now); err != nil {
		t.Fatal(err)
	}

	anyone := uuid.New()
	if err := f.acct.EndLiquidation(anyone, val, now+margin.LiquidationTimeout+1); err != nil {
		t.Fatalf("end after timeout: %v", err)
	}
	if f.acct.State() != margin.LiquidationStateClosed {
		t.Errorf("state = %s, want Closed", f.acct.State())
	}

	// still unhealthy: any liquidator may start again
	if err := f.acct.BeginLiquidation(anyone, val, now+100); err != nil {
		t.Errorf("re-initiate after end: %v", err)
	}
}

func TestLiquidation_EquityLossBound(t *testing.T) {
	f, val := unhealthyFixture(t)
	if err := f.acct.BeginLiquidation(f.liquidator, val, now); err != nil {
		t.Fatal(err)
	}
	// deficit = 900 - 850 = 50, bound = 10% = 5

	step := func(collateral uint64) error {
		before := mustValue(t, f.acct, now)
		f.setValue(t, f.usdc, collateral)
		after := mustValue(t, f.acct, now)
		return f.acct.RecordLiquidatorAction(f.liquidator, before, after)
	}

	if err := step(848); err != nil {
		t.Fatalf("loss of 2 should pass: %v", err)
	}
	if err := step(846); err != nil {
		t.Fatalf("cumulative loss of 4 should pass: %v", err)
	}
	if err := step(844); !errors.Is(err, margin.ErrLiquidationLostValue) {
		t.Fatalf("cumulative loss of 6 should fail, got %v", err)
	}
	if f.acct.Liquidation.Actions != 2 {
		t.Errorf("rejected action must not be recorded, actions = %d", f.acct.Liquidation.Actions)
	}
}

func TestLiquidation_OverExtraction(t *testing.T) {
	f, val := unhealthyFixture(t)
	if err := f.acct.BeginLiquidation(f.liquidator, val, now); err != nil {
		t.Fatal(err)
	}

	// liquidator repays most of the claim but leaves 500 of debt at health 1.4
	before := mustValue(t, f.acct, now)
	f.setValue(t, f.claim, 500)
	f.setValue(t, f.usdc, 700)
	after := mustValue(t, f.acct, now)
	if err := f.acct.RecordLiquidatorAction(f.liquidator, before, after); err != nil {
		t.Fatalf("action: %v", err)
	}

	if err := f.acct.EndLiquidation(f.liquidator, after, now+5); !errors.Is(err, margin.ErrLiquidationOverExtracted) {
		t.Fatalf("expected over-extraction, got %v", err)
	}

	// debt below the close threshold is a full unwind
	f.setValue(t, f.claim, 50)
	done := mustValue(t, f.acct, now)
	if err := f.acct.EndLiquidation(f.liquidator, done, now+6); err != nil {
		t.Fatalf("end after unwind: %v", err)
	}
	if !done.Unwound() {
		t.Error("expected unwound account")
	}
}

func TestLiquidationState_Transitions(t *testing.T) {
	cases := []struct {
		from, to margin.LiquidationState
		ok       bool
	}{
		{margin.LiquidationStateHealthy, margin.LiquidationStatePending, true},
		{margin.LiquidationStateHealthy, margin.LiquidationStateClosed, false},
		{margin.LiquidationStatePending, margin.LiquidationStateClosed, true},
		{margin.LiquidationStateClosed, margin.LiquidationStatePending, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Errorf("%s -> %s = %t, want %t", tc.from, tc.to, got, tc.ok)
		}
	}
}
