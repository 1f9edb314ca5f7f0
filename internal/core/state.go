package core

import (
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MarginLedger/internal/fixedterm"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/margin"
	"MarginLedger/internal/oracle"
	"MarginLedger/internal/orderbook"
)

// State is everything the deterministic core owns. Committed accounts are
// never mutated in place: a transaction clones an account before touching
// it, so readers holding a committed *margin.Account see a frozen value.
type State struct {
	Accounts map[uuid.UUID]*margin.Account
	Registry *margin.Registry
	Oracles  *oracle.Table
	Custody  *ledger.BalanceTracker
	Markets  *fixedterm.Markets
}

// NewState builds an empty ledger around the genesis configuration.
func NewState(reg *margin.Registry, oracles *oracle.Table, markets *fixedterm.Markets) *State {
	if reg == nil {
		reg = margin.NewRegistry()
	}
	if oracles == nil {
		oracles = oracle.NewTable()
	}
	if markets == nil {
		markets = fixedterm.NewMarkets()
	}
	return &State{
		Accounts: make(map[uuid.UUID]*margin.Account),
		Registry: reg,
		Oracles:  oracles,
		Custody:  ledger.NewBalanceTracker(),
		Markets:  markets,
	}
}

// AccountIDs lists accounts in a stable order.
func (s *State) AccountIDs() []uuid.UUID {
	return sortedIDs(s.Accounts)
}

// Tx is the scratch copy a single instruction runs against. Nothing it
// changes is visible until the core commits it.
type Tx struct {
	Sequence int64
	Now      int64

	Registry *margin.Registry
	Oracles  *oracle.Table
	Custody  *ledger.BalanceTracker
	Markets  *fixedterm.Markets

	base     map[uuid.UUID]*margin.Account
	accounts map[uuid.UUID]*margin.Account
	closed   map[uuid.UUID]struct{}
	markets  map[uuid.UUID]struct{}
	feeds    map[uuid.UUID]struct{}
	fills    map[uuid.UUID][]orderbook.Fill

	journal *ledger.JournalGenerator
	env     *fixedterm.Env
	gate    *margin.Gate
	hooks   []func()
}

func (s *State) begin(seq int64, eventRef string, now int64, log zerolog.Logger) *Tx {
	custody := s.Custody.Clone()
	oracles := s.Oracles.Clone()
	journal := ledger.NewJournalGenerator(custody, seq, eventRef, now)

	gate := margin.NewGate(s.Registry)
	gate.Custody = custody

	tx := &Tx{
		Sequence: seq,
		Now:      now,
		Registry: s.Registry,
		Oracles:  oracles,
		Custody:  custody,
		Markets:  s.Markets.Clone(),
		base:     s.Accounts,
		accounts: make(map[uuid.UUID]*margin.Account),
		closed:   make(map[uuid.UUID]struct{}),
		markets:  make(map[uuid.UUID]struct{}),
		feeds:    make(map[uuid.UUID]struct{}),
		fills:    make(map[uuid.UUID][]orderbook.Fill),
		journal:  journal,
		gate:     gate,
	}
	tx.env = &fixedterm.Env{Now: now, Custody: custody, Journal: journal, Oracles: oracles, Log: log}
	return tx
}

func (s *State) commit(tx *Tx) {
	for id, acct := range tx.accounts {
		s.Accounts[id] = acct
	}
	for id := range tx.closed {
		delete(s.Accounts, id)
	}
	s.Oracles = tx.Oracles
	s.Custody = tx.Custody
	s.Markets = tx.Markets
}

// Account returns a writable copy of an account.
func (tx *Tx) Account(id uuid.UUID) (*margin.Account, error) {
	if _, gone := tx.closed[id]; gone {
		return nil, ErrUnknownAccount.Wrapf("account %s", id)
	}
	if acct, ok := tx.accounts[id]; ok {
		return acct, nil
	}
	acct, ok := tx.base[id]
	if !ok {
		return nil, ErrUnknownAccount.Wrapf("account %s", id)
	}
	cp := acct.Clone()
	tx.accounts[id] = cp
	return cp, nil
}

func (tx *Tx) exists(id uuid.UUID) bool {
	if _, gone := tx.closed[id]; gone {
		return false
	}
	if _, ok := tx.accounts[id]; ok {
		return true
	}
	_, ok := tx.base[id]
	return ok
}

func (tx *Tx) create(acct *margin.Account) {
	delete(tx.closed, acct.ID)
	tx.accounts[acct.ID] = acct
}

func (tx *Tx) close(id uuid.UUID) {
	delete(tx.accounts, id)
	tx.closed[id] = struct{}{}
}

// Market returns a market and records it as touched.
func (tx *Tx) Market(id uuid.UUID) (*fixedterm.MarketState, error) {
	s, err := tx.Markets.Get(id)
	if err != nil {
		return nil, err
	}
	tx.markets[id] = struct{}{}
	return s, nil
}

func (tx *Tx) touchMarket(id uuid.UUID) {
	tx.markets[id] = struct{}{}
}

// afterCommit defers side effects (metrics) until the instruction commits.
func (tx *Tx) afterCommit(fn func()) {
	tx.hooks = append(tx.hooks, fn)
}

// syncDeposits reconciles the deposit positions of every margin account
// whose custody moved in this instruction.
func (tx *Tx) syncDeposits(batch *ledger.Batch) error {
	if batch == nil {
		return nil
	}
	touched := make(map[uuid.UUID]struct{})
	for _, j := range batch.Journals {
		for _, key := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if key.Scope == ledger.AccountScopeMargin {
				touched[uuid.UUID(key.EntityID)] = struct{}{}
			}
		}
	}
	for _, id := range sortedIDs(touched) {
		if !tx.exists(id) {
			continue
		}
		acct, err := tx.Account(id)
		if err != nil {
			return err
		}
		synced, err := acct.SyncDeposits(tx.Custody, tx.Now)
		if err != nil {
			return err
		}
		acct.Revalue(synced, tx.Now)
	}
	return nil
}

// mintKnown reports whether mint is configured as a token or is traded in
// some market.
func (tx *Tx) mintKnown(mint uuid.UUID) bool {
	if _, ok := tx.Registry.Token(mint); ok {
		return true
	}
	for _, id := range tx.Markets.IDs() {
		s, _ := tx.Markets.Get(id)
		if s.Market.UnderlyingMint == mint || s.Market.TicketMint == mint {
			return true
		}
	}
	return false
}

func sortedIDs[V any](m map[uuid.UUID]V) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
