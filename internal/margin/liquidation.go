package margin

import (
	"github.com/google/uuid"

	fp "MarginLedger/internal/math"
)

const (
	// LiquidationMaxEquityLossBps bounds how much of the starting deficit a
	// liquidator may lose from the account's equity.
	LiquidationMaxEquityLossBps = 10_00

	// LiquidationMaxCollateralRatioBps caps the health (effective/required)
	// a liquidator may leave behind while liabilities remain.
	LiquidationMaxCollateralRatioBps = 125_00

	// LiquidationCloseThresholdUSD is the exposure below which an account
	// counts as fully unwound.
	LiquidationCloseThresholdUSD = 100

	// LiquidationTimeout is how long the liquidator keeps exclusive access.
	LiquidationTimeout = 60
)

// LiquidationState is the derived state of an account's liquidation slot.
type LiquidationState int32

const (
	LiquidationStateHealthy LiquidationState = iota
	LiquidationStatePending
	LiquidationStateClosed
)

func (ls LiquidationState) String() string {
	switch ls {
	case LiquidationStateHealthy:
		return "Healthy"
	case LiquidationStatePending:
		return "LiquidationPending"
	case LiquidationStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var validTransitions = map[LiquidationState][]LiquidationState{
	LiquidationStateHealthy: {
		LiquidationStatePending,
	},
	LiquidationStatePending: {
		LiquidationStatePending, // same liquidator re-entering
		LiquidationStateClosed,
	},
	LiquidationStateClosed: {
		LiquidationStatePending, // still unhealthy after end
		LiquidationStateHealthy,
	},
}

// CanTransitionTo validates state transitions
func (ls LiquidationState) CanTransitionTo(next LiquidationState) bool {
	for _, allowed := range validTransitions[ls] {
		if allowed == next {
			return true
		}
	}
	return false
}

// LiquidationRecord tracks one liquidator's exclusive session.
type LiquidationRecord struct {
	Liquidator         uuid.UUID    `json:"liquidator"`
	StartTime          int64        `json:"start_time"`
	StartValuation     Valuation    `json:"start_valuation"`
	MinValuationChange fp.Number128 `json:"min_valuation_change"`
	ValuationChange    fp.Number128 `json:"valuation_change"`
	Actions            int          `json:"actions"`
}

func (r LiquidationRecord) clone() LiquidationRecord {
	out := r
	out.StartValuation.Stale = append([]StaleEntry(nil), r.StartValuation.Stale...)
	return out
}

// State derives the liquidation state of the account.
func (a *Account) State() LiquidationState {
	switch {
	case a.Liquidation != nil:
		return LiquidationStatePending
	case a.LastEnded != 0:
		return LiquidationStateClosed
	default:
		return LiquidationStateHealthy
	}
}

// BeginLiquidation assigns liquidator to the account. The valuation must
// be fresh and unhealthy. Re-entry by the same liquidator is a no-op.
func (a *Account) BeginLiquidation(liquidator uuid.UUID, val Valuation, now int64) error {
	if a.Liquidation != nil {
		if a.Liquidation.Liquidator == liquidator {
			return nil
		}
		return ErrLiquidating
	}
	if len(val.Stale) > 0 {
		return ErrStalePositions
	}
	if val.IsHealthy() {
		return ErrHealthy
	}
	if !a.State().CanTransitionTo(LiquidationStatePending) {
		return ErrLiquidating
	}

	deficit, err := val.RequiredCollateral.Sub(val.EffectiveCollateral)
	if err != nil {
		return err
	}
	if deficit.Sign() < 0 {
		// past due but collateralized: any loss is too much
		deficit = fp.Zero
	}
	maxLoss, err := deficit.MulBps(LiquidationMaxEquityLossBps)
	if err != nil {
		return err
	}

	a.Liquidation = &LiquidationRecord{
		Liquidator:         liquidator,
		StartTime:          now,
		StartValuation:     val,
		MinValuationChange: maxLoss.Neg(),
	}
	return nil
}

// RecordLiquidatorAction accumulates the equity change caused by one
// liquidator invocation and enforces the loss bound.
func (a *Account) RecordLiquidatorAction(caller uuid.UUID, before, after Valuation) error {
	if a.Liquidation == nil {
		return ErrNotLiquidating
	}
	if a.Liquidation.Liquidator != caller {
		return ErrUnauthorizedLiquidator
	}

	prior, err := before.Equity()
	if err != nil {
		return err
	}
	current, err := after.Equity()
	if err != nil {
		return err
	}
	delta, err := current.Sub(prior)
	if err != nil {
		return err
	}
	total, err := a.Liquidation.ValuationChange.Add(delta)
	if err != nil {
		return err
	}
	if total.Cmp(a.Liquidation.MinValuationChange) < 0 {
		return ErrLiquidationLostValue.Wrapf("equity change %s below bound %s", total, a.Liquidation.MinValuationChange)
	}
	a.Liquidation.ValuationChange = total
	a.Liquidation.Actions++
	return nil
}

// EndLiquidation releases the slot. The liquidator may end at any time,
// anyone else only after LiquidationTimeout.
func (a *Account) EndLiquidation(caller uuid.UUID, val Valuation, now int64) error {
	rec := a.Liquidation
	if rec == nil {
		return ErrNotLiquidating
	}
	isLiquidator := rec.Liquidator == caller
	if !isLiquidator && now-rec.StartTime <= LiquidationTimeout {
		return ErrUnauthorizedLiquidator
	}

	if isLiquidator && rec.Actions > 0 && overExtracted(val) {
		ratio, _ := val.Health()
		return ErrLiquidationOverExtracted.Wrapf("health %s above %d bps", ratio, LiquidationMaxCollateralRatioBps)
	}

	a.Liquidation = nil
	a.LastEnded = now
	return nil
}

func overExtracted(val Valuation) bool {
	threshold, err := fp.NewNumber(LiquidationCloseThresholdUSD, 0)
	if err != nil {
		return false
	}
	if val.Liabilities.Cmp(threshold) < 0 {
		return false
	}
	ratio, ok := val.Health()
	if !ok {
		return false
	}
	return ratio.Cmp(fp.FromBps(LiquidationMaxCollateralRatioBps)) > 0
}

// Unwound reports whether the account is healthy or its remaining exposure
// is below the close threshold.
func (v Valuation) Unwound() bool {
	if v.IsHealthy() {
		return true
	}
	threshold, err := fp.NewNumber(LiquidationCloseThresholdUSD, 0)
	if err != nil {
		return false
	}
	return v.Liabilities.Cmp(threshold) < 0
}
