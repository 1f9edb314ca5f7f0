package core

import (
	"github.com/google/uuid"

	"MarginLedger/internal/fixedterm"
	"MarginLedger/internal/instruction"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/margin"
	"MarginLedger/internal/oracle"
	"MarginLedger/internal/orderbook"
)

// SnapshotState is the full in-memory state of the core at one sequence:
// accounts, genesis registry, markets, custody balances, oracle feeds,
// per-partition sequence counters and the recent idempotency keys.
type SnapshotState struct {
	Sequence        int64                   `json:"sequence"`
	StateHash       [32]byte                `json:"state_hash"`
	Accounts        []*margin.Account       `json:"accounts"`
	Registry        margin.RegistrySnapshot `json:"registry"`
	Markets         fixedterm.Snapshot      `json:"markets"`
	Balances        []ledger.BalanceEntry   `json:"balances"`
	Oracles         []oracle.Feed           `json:"oracles"`
	Partitions      []PartitionState        `json:"partitions"`
	IdempotencyKeys []string                `json:"idempotency_keys"`
}

// CreateSnapshotState captures the committed state. It must be called from
// the core goroutine, between instructions.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	ids := c.state.AccountIDs()
	accounts := make([]*margin.Account, 0, len(ids))
	for _, id := range ids {
		accounts = append(accounts, c.state.Accounts[id].Clone())
	}
	return &SnapshotState{
		Sequence:        c.sequence,
		StateHash:       c.hasher.GetPrevHash(),
		Accounts:        accounts,
		Registry:        c.state.Registry.Snapshot(),
		Markets:         c.state.Markets.Snapshot(),
		Balances:        c.state.Custody.Snapshot(),
		Oracles:         c.state.Oracles.Snapshot(),
		Partitions:      c.sequenceValidator.Partitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// RestoreFromSnapshot replaces the core's state with snap. Instructions
// after snap.Sequence are then replayed on top of it.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	state := &State{
		Accounts: make(map[uuid.UUID]*margin.Account, len(snap.Accounts)),
		Registry: margin.RestoreRegistry(snap.Registry),
		Oracles:  oracle.Restore(snap.Oracles),
		Custody:  ledger.RestoreBalanceTracker(snap.Balances),
		Markets:  fixedterm.Restore(snap.Markets),
	}
	for _, acct := range snap.Accounts {
		if _, dup := state.Accounts[acct.ID]; dup {
			return ErrAccountExists.Wrapf("snapshot lists account %s twice", acct.ID)
		}
		state.Accounts[acct.ID] = acct.Clone()
	}

	validator := NewSequenceValidator(c.metrics)
	for _, p := range snap.Partitions {
		validator.SetExpectedSequence(p.Partition, p.Next)
	}

	c.state = state
	c.sequence = snap.Sequence
	c.hasher.SetPrevHash(snap.StateHash)
	c.sequenceValidator = validator
	c.idempotency.Warm(snap.IdempotencyKeys)

	c.log.Info().
		Int64("sequence", snap.Sequence).
		Int("accounts", len(snap.Accounts)).
		Int("balances", len(snap.Balances)).
		Msg("restored state from snapshot")
	return nil
}

// FullOutput describes the whole committed state as a single output, valued
// at now. Projections rebuild from it after a restart or a dropped update.
// It must be called from the core goroutine.
func (c *DeterministicCore) FullOutput(now int64) CoreOutput {
	out := CoreOutput{
		Envelope: &instruction.Envelope{Sequence: c.sequence, StateHash: c.hasher.GetPrevHash()},
		Balances: c.state.Custody.Snapshot(),
	}
	for _, id := range c.state.AccountIDs() {
		acct := c.state.Accounts[id]
		update := AccountUpdate{ID: id, Account: acct}
		if val, err := margin.Value(acct, now); err == nil {
			update.Valuation = &val
		}
		out.Accounts = append(out.Accounts, update)
	}
	for _, id := range c.state.Markets.IDs() {
		s, err := c.state.Markets.Get(id)
		if err != nil {
			continue
		}
		update := MarketUpdate{
			Market:     id,
			Bids:       s.Book.Depth(orderbook.Bid, bookDepthLevels),
			Asks:       s.Book.Depth(orderbook.Ask, bookDepthLevels),
			QueueDepth: s.Queue.Len(),
			OpenOrders: s.Book.Len(),
		}
		for _, loanID := range sortedIDs(s.Loans) {
			update.Loans = append(update.Loans, *s.Loans[loanID])
		}
		out.Markets = append(out.Markets, update)
	}
	return out
}
