package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies every mint is zero-sum across all accounts
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for mint, total := range totals {
		if total != 0 {
			return fmt.Errorf("global balance for mint %s is non-zero: %d", mint, total)
		}
	}

	return nil
}

// ValidateInternalNonNegative checks no wallet, custody or vault account is overdrawn
func (v *InvariantValidator) ValidateInternalNonNegative() error {
	for key := range v.tracker.balances {
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}

// ValidateAll runs every balance invariant
func (v *InvariantValidator) ValidateAll() error {
	if err := v.ValidateGlobalBalance(); err != nil {
		return err
	}
	return v.ValidateInternalNonNegative()
}
