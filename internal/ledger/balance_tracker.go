package ledger

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"MarginLedger/internal/fault"
)

var (
	ErrInsufficientFunds   = fault.Register(fault.ClassPolicy, "ledger", 1, "insufficient token balance")
	ErrUnknownTokenAccount = fault.Register(fault.ClassStructural, "ledger", 2, "unknown token account")
)

// BalanceTracker maintains in-memory token account balances
type BalanceTracker struct {
	balances  map[AccountKey]int64
	addresses map[uuid.UUID]AccountKey
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances:  make(map[AccountKey]int64),
		addresses: make(map[uuid.UUID]AccountKey),
	}
}

// Amount converts a token quantity into a journal amount.
func Amount(qty uint64) (int64, error) {
	if qty > math.MaxInt64 {
		return 0, fmt.Errorf("amount %d: %w", qty, fault.ErrOverflow)
	}
	return int64(qty), nil
}

func (bt *BalanceTracker) touch(key AccountKey) {
	if _, ok := bt.balances[key]; !ok {
		bt.balances[key] = 0
		bt.addresses[key.Address()] = key
	}
}

// Open registers a token account with a zero balance so its address
// resolves before any transfer reaches it.
func (bt *BalanceTracker) Open(key AccountKey) uuid.UUID {
	bt.touch(key)
	return key.Address()
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.touch(j.DebitAccount)
	bt.touch(j.CreditAccount)
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch, or none of them when an
// internal account would end up negative.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	after := make(map[AccountKey]int64)
	for _, j := range batch.Journals {
		for _, leg := range []struct {
			key   AccountKey
			delta int64
		}{{j.DebitAccount, j.Amount}, {j.CreditAccount, -j.Amount}} {
			cur, ok := after[leg.key]
			if !ok {
				cur = bt.balances[leg.key]
			}
			next := cur + leg.delta
			if (leg.delta > 0 && next < cur) || (leg.delta < 0 && next > cur) {
				return fmt.Errorf("account %s: %w", leg.key.AccountPath(), fault.ErrOverflow)
			}
			after[leg.key] = next
		}
	}
	for key, bal := range after {
		if bal < 0 && !key.MayGoNegative() {
			return ErrInsufficientFunds.Wrapf("account %s would hold %d", key.AccountPath(), bal)
		}
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// TokenAccountBalance resolves a token account by address.
func (bt *BalanceTracker) TokenAccountBalance(address uuid.UUID) (uint64, error) {
	key, ok := bt.addresses[address]
	if !ok {
		return 0, ErrUnknownTokenAccount.Wrapf("address %s", address)
	}
	bal := bt.balances[key]
	if bal < 0 {
		return 0, fmt.Errorf("token account %s negative: %d", key.AccountPath(), bal)
	}
	return uint64(bal), nil
}

// KeyOf returns the account key behind an address.
func (bt *BalanceTracker) KeyOf(address uuid.UUID) (AccountKey, bool) {
	key, ok := bt.addresses[address]
	return key, ok
}

// ValidateSufficient checks an internal account can pay amount.
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, amount int64) error {
	if have := bt.GetBalance(key); have < amount {
		return ErrInsufficientFunds.Wrapf("%s: have=%d, need=%d", key.AccountPath(), have, amount)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per mint (zero for a
// closed system)
func (bt *BalanceTracker) ComputeGlobalBalance() map[uuid.UUID]int64 {
	totals := make(map[uuid.UUID]int64)
	for key, balance := range bt.balances {
		totals[key.Mint] += balance
	}
	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 && !key.MayGoNegative() {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Clone returns an independent copy for scratch transactions.
func (bt *BalanceTracker) Clone() *BalanceTracker {
	out := &BalanceTracker{
		balances:  make(map[AccountKey]int64, len(bt.balances)),
		addresses: make(map[uuid.UUID]AccountKey, len(bt.addresses)),
	}
	for k, v := range bt.balances {
		out.balances[k] = v
	}
	for a, k := range bt.addresses {
		out.addresses[a] = k
	}
	return out
}

// BalanceEntry is one row of a balance snapshot.
type BalanceEntry struct {
	Key     AccountKey `json:"key"`
	Path    string     `json:"path"`
	Balance int64      `json:"balance"`
}

// Snapshot returns all balances ordered by account path (for hashing and
// persistence).
func (bt *BalanceTracker) Snapshot() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		out = append(out, BalanceEntry{Key: k, Path: k.AccountPath(), Balance: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// RestoreBalanceTracker rebuilds a tracker from Snapshot output.
func RestoreBalanceTracker(entries []BalanceEntry) *BalanceTracker {
	bt := NewBalanceTracker()
	for _, e := range entries {
		bt.touch(e.Key)
		bt.balances[e.Key] = e.Balance
	}
	return bt
}
