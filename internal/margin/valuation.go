package margin

import (
	"github.com/google/uuid"

	fp "MarginLedger/internal/math"
)

// MaxPriceQuoteAge is how long a position price stays usable after it was
// published.
const MaxPriceQuoteAge = 30

// StaleEntry records why a position was left out of a valuation.
type StaleEntry struct {
	Mint   uuid.UUID `json:"mint"`
	Reason error     `json:"-"`
	Code   string    `json:"reason"`
}

// Valuation is the fixed-point summary of an account at one instant.
type Valuation struct {
	EffectiveCollateral fp.Number128 `json:"effective_collateral"`
	RequiredCollateral  fp.Number128 `json:"required_collateral"`
	WeightedCollateral  fp.Number128 `json:"weighted_collateral"`
	Liabilities         fp.Number128 `json:"liabilities"`
	Assets              fp.Number128 `json:"assets"`
	PastDue             bool         `json:"past_due"`
	Stale               []StaleEntry `json:"stale,omitempty"`
	Timestamp           int64        `json:"timestamp"`
}

// Equity is raw asset value minus raw liabilities. It is negative when the
// account owes more than it holds.
func (v Valuation) Equity() (fp.Number128, error) {
	return v.Assets.Sub(v.Liabilities)
}

// AvailableCollateral is effective minus required collateral.
func (v Valuation) AvailableCollateral() (fp.Number128, error) {
	return v.EffectiveCollateral.Sub(v.RequiredCollateral)
}

// Health returns effective / required. ok is false when nothing is
// required, i.e. the ratio is unbounded.
func (v Valuation) Health() (ratio fp.Number128, ok bool) {
	if v.RequiredCollateral.IsZero() {
		return fp.Zero, false
	}
	r, err := v.EffectiveCollateral.DivRound(v.RequiredCollateral, fp.RoundDown)
	if err != nil {
		return fp.Zero, false
	}
	return r, true
}

// IsHealthy ignores staleness; callers wanting the full check use Verify.
func (v Valuation) IsHealthy() bool {
	return !v.PastDue && v.EffectiveCollateral.Cmp(v.RequiredCollateral) >= 0
}

// Verify fails with StalePositions when anything was excluded and with
// Unhealthy when the account is under-collateralized or past due.
func (v Valuation) Verify() error {
	if len(v.Stale) > 0 {
		return ErrStalePositions.Wrapf("%d stale position(s), first: %s", len(v.Stale), v.Stale[0].Code)
	}
	if !v.IsHealthy() {
		return ErrUnhealthy.Wrapf("effective %s required %s past_due=%t",
			v.EffectiveCollateral, v.RequiredCollateral, v.PastDue)
	}
	return nil
}

// Value computes the account valuation at now. Positions with stale or
// invalid inputs are left out of the sums and listed in Stale.
func Value(a *Account, now int64) (Valuation, error) {
	val := Valuation{Timestamp: now}

	for i := range a.Positions {
		p := &a.Positions[i]
		if p.Kind == KindClaim && p.Flags.Has(FlagPastDue) && p.Balance > 0 {
			val.PastDue = true
		}
		if p.Balance == 0 {
			continue
		}
		if reason := staleness(p, now); reason != nil {
			val.Stale = append(val.Stale, StaleEntry{Mint: p.Mint, Reason: reason, Code: reason.Error()})
			continue
		}

		value, err := positionValue(p)
		if err != nil {
			return Valuation{}, err
		}
		weighted, err := value.MulBps(uint64(p.ValueModifier))
		if err != nil {
			return Valuation{}, err
		}

		if p.Kind.IsCollateral() {
			if val.Assets, err = val.Assets.Add(value); err != nil {
				return Valuation{}, err
			}
			if val.WeightedCollateral, err = val.WeightedCollateral.Add(weighted); err != nil {
				return Valuation{}, err
			}
			continue
		}
		if val.Liabilities, err = val.Liabilities.Add(value); err != nil {
			return Valuation{}, err
		}
		if val.RequiredCollateral, err = val.RequiredCollateral.Add(weighted); err != nil {
			return Valuation{}, err
		}
	}

	val.EffectiveCollateral = val.WeightedCollateral
	return val, nil
}

func staleness(p *Position, now int64) error {
	if p.Price == nil || p.PriceStale {
		return ErrOutdatedPrice
	}
	if !p.Price.IsValid() {
		return ErrInvalidPrice
	}
	if now-p.Price.PublishedAt > MaxPriceQuoteAge {
		return ErrOutdatedPrice
	}
	if p.MaxStaleness > 0 && now-p.BalanceTimestamp > p.MaxStaleness {
		return ErrOutdatedBalance
	}
	return nil
}

// positionValue is balance × 10^exponent × price × 10^price_exponent.
func positionValue(p *Position) (fp.Number128, error) {
	amount, err := fp.FromUint64(p.Balance, p.Exponent)
	if err != nil {
		return fp.Zero, err
	}
	price, err := fp.NewNumber(p.Price.Value, p.Price.Exponent)
	if err != nil {
		return fp.Zero, err
	}
	return amount.MulRound(price, fp.RoundDown)
}
