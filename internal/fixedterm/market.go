// Package fixedterm runs fixed-term credit markets: lenders bid for tickets,
// borrowers ask against new debt, and a permissioned crank settles the
// maker side of every match from the market's event queue. Margin accounts
// take part through a margin user, with the market acting as their adapter.
package fixedterm

import (
	"sort"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"MarginLedger/internal/ledger"
	"MarginLedger/internal/orderbook"
	"MarginLedger/internal/oracle"
)

// DefaultEventQueueCapacity is used when a market does not configure one.
const DefaultEventQueueCapacity = 1024

// Market is the static configuration of one fixed-term market.
type Market struct {
	ID                       uuid.UUID `json:"id" yaml:"id"`
	Airspace                 uuid.UUID `json:"airspace" yaml:"airspace"`
	Adapter                  uuid.UUID `json:"adapter" yaml:"adapter"`
	UnderlyingMint           uuid.UUID `json:"underlying_mint" yaml:"underlying_mint"`
	TicketMint               uuid.UUID `json:"ticket_mint" yaml:"ticket_mint"`
	ClaimsMint               uuid.UUID `json:"claims_mint" yaml:"claims_mint"`
	TicketCollateralMint     uuid.UUID `json:"ticket_collateral_mint" yaml:"ticket_collateral_mint"`
	UnderlyingCollateralMint uuid.UUID `json:"underlying_collateral_mint" yaml:"underlying_collateral_mint"`
	UnderlyingOracle         uuid.UUID `json:"underlying_oracle" yaml:"underlying_oracle"`
	TicketOracle             uuid.UUID `json:"ticket_oracle" yaml:"ticket_oracle"`
	OrderbookID              uuid.UUID `json:"orderbook_id" yaml:"orderbook_id"`
	EventQueueID             uuid.UUID `json:"event_queue_id" yaml:"event_queue_id"`
	EventQueueCapacity       int       `json:"event_queue_capacity" yaml:"event_queue_capacity"`
	BorrowTenor              int64     `json:"borrow_tenor" yaml:"borrow_tenor"`
	LendTenor                int64     `json:"lend_tenor" yaml:"lend_tenor"`
}

// Validate checks the configuration is usable.
func (m Market) Validate() error {
	ids := []struct {
		name string
		id   uuid.UUID
	}{
		{"id", m.ID},
		{"airspace", m.Airspace},
		{"adapter", m.Adapter},
		{"underlying_mint", m.UnderlyingMint},
		{"ticket_mint", m.TicketMint},
		{"claims_mint", m.ClaimsMint},
		{"ticket_collateral_mint", m.TicketCollateralMint},
		{"underlying_collateral_mint", m.UnderlyingCollateralMint},
		{"underlying_oracle", m.UnderlyingOracle},
		{"ticket_oracle", m.TicketOracle},
		{"orderbook_id", m.OrderbookID},
		{"event_queue_id", m.EventQueueID},
	}
	for _, f := range ids {
		if f.id == uuid.Nil {
			return ErrInvalidMarketConfig.Wrapf("%s is not set", f.name)
		}
	}
	if m.BorrowTenor <= 0 || m.LendTenor <= 0 {
		return ErrInvalidMarketConfig.Wrap("tenors must be positive")
	}
	return nil
}

// Vault holds the underlying lenders have paid in.
func (m Market) Vault() ledger.AccountKey {
	return ledger.NewSystemAccountKey(m.ID, ledger.SubTypeMarketVault, m.UnderlyingMint)
}

// TicketEscrow holds tickets offered by resting sell orders.
func (m Market) TicketEscrow() ledger.AccountKey {
	return ledger.NewSystemAccountKey(m.ID, ledger.SubTypeTicketEscrow, m.TicketMint)
}

// CrankAuthorization permits one crank to consume events of one market.
type CrankAuthorization struct {
	ID       uuid.UUID `json:"id" yaml:"id"`
	Crank    uuid.UUID `json:"crank" yaml:"crank"`
	Airspace uuid.UUID `json:"airspace" yaml:"airspace"`
	Market   uuid.UUID `json:"market" yaml:"market"`
}

// EventAdapter is a user-owned queue that receives copies of the events of
// the user's orders.
type EventAdapter struct {
	ID    uuid.UUID             `json:"id"`
	Owner uuid.UUID             `json:"owner"`
	Queue *orderbook.EventQueue `json:"queue"`
}

// Env is what market operations need from the surrounding instruction.
type Env struct {
	Now     int64
	Custody *ledger.BalanceTracker
	Journal *ledger.JournalGenerator
	Oracles *oracle.Table
	Log     zerolog.Logger
}

// MarketState is the mutable state of one market.
type MarketState struct {
	Market     Market
	Book       *orderbook.Book
	Queue      *orderbook.EventQueue
	Users      map[uuid.UUID]*MarginUser
	Loans      map[uuid.UUID]*TermLoan
	Tickets    map[uuid.UUID]*SplitTicket
	Adapters   map[uuid.UUID]*EventAdapter
	OrderNonce uint64

	// margin users synced since the last TakeMarginSettlements; never
	// cloned or snapshotted
	settled map[uuid.UUID]struct{}
}

func NewMarketState(m Market) *MarketState {
	capacity := m.EventQueueCapacity
	if capacity <= 0 {
		capacity = DefaultEventQueueCapacity
	}
	return &MarketState{
		Market:   m,
		Book:     orderbook.NewBook(),
		Queue:    orderbook.NewEventQueue(m.EventQueueID, capacity),
		Users:    make(map[uuid.UUID]*MarginUser),
		Loans:    make(map[uuid.UUID]*TermLoan),
		Tickets:  make(map[uuid.UUID]*SplitTicket),
		Adapters: make(map[uuid.UUID]*EventAdapter),
	}
}

func (s *MarketState) nextOrderID(now int64) ulid.ULID {
	s.OrderNonce++
	return orderbook.NewOrderID(now, s.Market.ID, s.OrderNonce)
}

// Clone returns an independent copy.
func (s *MarketState) Clone() *MarketState {
	out := &MarketState{
		Market:     s.Market,
		Book:       s.Book.Clone(),
		Queue:      s.Queue.Clone(),
		Users:      make(map[uuid.UUID]*MarginUser, len(s.Users)),
		Loans:      make(map[uuid.UUID]*TermLoan, len(s.Loans)),
		Tickets:    make(map[uuid.UUID]*SplitTicket, len(s.Tickets)),
		Adapters:   make(map[uuid.UUID]*EventAdapter, len(s.Adapters)),
		OrderNonce: s.OrderNonce,
	}
	for id, u := range s.Users {
		cp := *u
		out.Users[id] = &cp
	}
	for id, l := range s.Loans {
		cp := *l
		out.Loans[id] = &cp
	}
	for id, t := range s.Tickets {
		cp := *t
		out.Tickets[id] = &cp
	}
	for id, a := range s.Adapters {
		out.Adapters[id] = &EventAdapter{ID: a.ID, Owner: a.Owner, Queue: a.Queue.Clone()}
	}
	return out
}

// Markets is every fixed-term market plus the crank authorizations.
type Markets struct {
	markets map[uuid.UUID]*MarketState
	cranks  map[uuid.UUID]CrankAuthorization
}

func NewMarkets() *Markets {
	return &Markets{
		markets: make(map[uuid.UUID]*MarketState),
		cranks:  make(map[uuid.UUID]CrankAuthorization),
	}
}

// AddMarket registers a market. Re-adding an existing id keeps its state.
func (ms *Markets) AddMarket(m Market) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if _, ok := ms.markets[m.ID]; ok {
		return nil
	}
	ms.markets[m.ID] = NewMarketState(m)
	return nil
}

func (ms *Markets) Get(id uuid.UUID) (*MarketState, error) {
	s, ok := ms.markets[id]
	if !ok {
		return nil, ErrUnknownMarket.Wrapf("market %s", id)
	}
	return s, nil
}

// ByAdapter finds the market whose margin adapter identity is adapter.
func (ms *Markets) ByAdapter(adapter uuid.UUID) (*MarketState, bool) {
	for _, s := range ms.markets {
		if s.Market.Adapter == adapter {
			return s, true
		}
	}
	return nil, false
}

// IDs lists markets in a stable order.
func (ms *Markets) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(ms.markets))
	for id := range ms.markets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (ms *Markets) AuthorizeCrank(auth CrankAuthorization) {
	ms.cranks[auth.ID] = auth
}

func (ms *Markets) CrankAuthorization(id uuid.UUID) (CrankAuthorization, bool) {
	auth, ok := ms.cranks[id]
	return auth, ok
}

// Clone returns an independent copy for scratch transactions.
func (ms *Markets) Clone() *Markets {
	out := &Markets{
		markets: make(map[uuid.UUID]*MarketState, len(ms.markets)),
		cranks:  make(map[uuid.UUID]CrankAuthorization, len(ms.cranks)),
	}
	for id, s := range ms.markets {
		out.markets[id] = s.Clone()
	}
	for id, c := range ms.cranks {
		out.cranks[id] = c
	}
	return out
}

// MarketSnapshot is the serializable form of a MarketState.
type MarketSnapshot struct {
	Market     Market                 `json:"market"`
	Book       orderbook.BookSnapshot `json:"book"`
	Queue      *orderbook.EventQueue  `json:"queue"`
	Users      []MarginUser           `json:"users"`
	Loans      []TermLoan             `json:"loans"`
	Tickets    []SplitTicket          `json:"tickets"`
	Adapters   []EventAdapter         `json:"adapters"`
	OrderNonce uint64                 `json:"order_nonce"`
}

// Snapshot is the serializable form of Markets, in a stable order.
type Snapshot struct {
	Markets []MarketSnapshot     `json:"markets"`
	Cranks  []CrankAuthorization `json:"cranks"`
}

func uuidLess(a, b uuid.UUID) bool { return a.String() < b.String() }

func (ms *Markets) Snapshot() Snapshot {
	var snap Snapshot
	for _, id := range ms.IDs() {
		s := ms.markets[id]
		m := MarketSnapshot{
			Market:     s.Market,
			Book:       s.Book.Snapshot(),
			Queue:      s.Queue.Clone(),
			OrderNonce: s.OrderNonce,
		}
		for _, u := range s.Users {
			m.Users = append(m.Users, *u)
		}
		for _, l := range s.Loans {
			m.Loans = append(m.Loans, *l)
		}
		for _, t := range s.Tickets {
			m.Tickets = append(m.Tickets, *t)
		}
		for _, a := range s.Adapters {
			m.Adapters = append(m.Adapters, EventAdapter{ID: a.ID, Owner: a.Owner, Queue: a.Queue.Clone()})
		}
		sort.Slice(m.Users, func(i, j int) bool { return uuidLess(m.Users[i].ID, m.Users[j].ID) })
		sort.Slice(m.Loans, func(i, j int) bool { return uuidLess(m.Loans[i].ID, m.Loans[j].ID) })
		sort.Slice(m.Tickets, func(i, j int) bool { return uuidLess(m.Tickets[i].ID, m.Tickets[j].ID) })
		sort.Slice(m.Adapters, func(i, j int) bool { return uuidLess(m.Adapters[i].ID, m.Adapters[j].ID) })
		snap.Markets = append(snap.Markets, m)
	}
	for _, c := range ms.cranks {
		snap.Cranks = append(snap.Cranks, c)
	}
	sort.Slice(snap.Cranks, func(i, j int) bool { return uuidLess(snap.Cranks[i].ID, snap.Cranks[j].ID) })
	return snap
}

// Restore rebuilds Markets from a Snapshot.
func Restore(snap Snapshot) *Markets {
	ms := NewMarkets()
	for _, m := range snap.Markets {
		s := NewMarketState(m.Market)
		s.Book = orderbook.RestoreBook(m.Book)
		if m.Queue != nil {
			s.Queue = m.Queue.Clone()
		}
		s.OrderNonce = m.OrderNonce
		for i := range m.Users {
			u := m.Users[i]
			s.Users[u.ID] = &u
		}
		for i := range m.Loans {
			l := m.Loans[i]
			s.Loans[l.ID] = &l
		}
		for i := range m.Tickets {
			t := m.Tickets[i]
			s.Tickets[t.ID] = &t
		}
		for i := range m.Adapters {
			a := m.Adapters[i]
			s.Adapters[a.ID] = &EventAdapter{ID: a.ID, Owner: a.Owner, Queue: a.Queue.Clone()}
		}
		ms.markets[m.Market.ID] = s
	}
	for _, c := range snap.Cranks {
		ms.cranks[c.ID] = c
	}
	return ms
}
