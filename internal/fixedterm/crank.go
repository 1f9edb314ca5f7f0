package fixedterm

import (
	"github.com/google/uuid"

	"MarginLedger/internal/ledger"
	"MarginLedger/internal/orderbook"
)

// LoanKind tells the crank which record a maker fill creates.
type LoanKind uint8

const (
	// LoanAutoStake is a split ticket for a staking lender.
	LoanAutoStake LoanKind = iota + 1
	// LoanNewDebt is a term loan for a margin borrower.
	LoanNewDebt
)

// LoanAccount names the record a maker fill creates.
type LoanAccount struct {
	Kind    LoanKind  `json:"kind"`
	Address uuid.UUID `json:"address"`
}

// FillAccounts accompany a fill event.
type FillAccounts struct {
	Maker        uuid.UUID    `json:"maker"`
	Loan         *LoanAccount `json:"loan,omitempty"`
	MakerAdapter uuid.UUID    `json:"maker_adapter,omitempty"`
	TakerAdapter uuid.UUID    `json:"taker_adapter,omitempty"`
}

// OutAccounts accompany an out event.
type OutAccounts struct {
	User    uuid.UUID `json:"user"`
	Adapter uuid.UUID `json:"adapter,omitempty"`
}

// EventAccounts are the accounts for one queued event. Exactly one of
// Fill and Out is set, matching the event kind.
type EventAccounts struct {
	Fill *FillAccounts `json:"fill,omitempty"`
	Out  *OutAccounts  `json:"out,omitempty"`
}

// ConsumeRequest is a crank call. The market relationships are checked
// before any event is touched; Accounts are matched to queued events in
// queue order.
type ConsumeRequest struct {
	Market        uuid.UUID       `json:"market"`
	Crank         uuid.UUID       `json:"crank"`
	Authorization uuid.UUID       `json:"authorization"`
	TicketMint    uuid.UUID       `json:"ticket_mint"`
	Vault         uuid.UUID       `json:"vault"`
	MarketState   uuid.UUID       `json:"market_state"`
	EventQueue    uuid.UUID       `json:"event_queue"`
	NumEvents     int             `json:"num_events"`
	Accounts      []EventAccounts `json:"accounts"`
}

// ConsumeResult reports what a crank call settled.
type ConsumeResult struct {
	Consumed int               `json:"consumed"`
	Events   []orderbook.Event `json:"events"`
	FirstSeq uint64            `json:"first_seq"`
}

// ConsumeEvents settles up to NumEvents queued events. Events are popped
// only after every one of them applied; on error the queue is untouched
// and the caller discards the unit of work.
func (ms *Markets) ConsumeEvents(env *Env, req ConsumeRequest) (ConsumeResult, error) {
	s, err := ms.Get(req.Market)
	if err != nil {
		return ConsumeResult{}, err
	}
	m := s.Market
	switch {
	case req.TicketMint != m.TicketMint:
		return ConsumeResult{}, ErrWrongTicketMint
	case req.Vault != m.Vault().Address():
		return ConsumeResult{}, ErrWrongVault
	case req.MarketState != m.OrderbookID:
		return ConsumeResult{}, ErrWrongMarketState
	case req.EventQueue != m.EventQueueID:
		return ConsumeResult{}, ErrWrongEventQueue
	}
	if err := ms.checkCrank(req.Authorization, req.Crank, m); err != nil {
		return ConsumeResult{}, err
	}

	n := min(req.NumEvents, s.Queue.Len())
	if len(req.Accounts) < n {
		return ConsumeResult{}, ErrMissingEventAccounts.Wrapf("%d events, %d account sets", n, len(req.Accounts))
	}

	res := ConsumeResult{Consumed: n, FirstSeq: s.Queue.HeadSeq()}
	for i := 0; i < n; i++ {
		ev, err := s.Queue.Peek(i)
		if err != nil {
			return ConsumeResult{}, err
		}
		seq := s.Queue.HeadSeq() + uint64(i)
		switch ev.Kind {
		case orderbook.EventFill:
			err = s.consumeFill(env, *ev.Fill, seq, req.Accounts[i].Fill)
		case orderbook.EventOut:
			err = s.consumeOut(env, *ev.Out, req.Accounts[i].Out)
		}
		if err != nil {
			return ConsumeResult{}, err
		}
		res.Events = append(res.Events, ev)
	}
	if err := s.Queue.Pop(n); err != nil {
		return ConsumeResult{}, err
	}

	env.Log.Debug().
		Str("market", m.ID.String()).
		Int("consumed", n).
		Int("remaining", s.Queue.Len()).
		Msg("events consumed")
	return res, nil
}

func (ms *Markets) checkCrank(authID, crank uuid.UUID, m Market) error {
	auth, ok := ms.cranks[authID]
	if !ok || auth.Crank != crank {
		return ErrWrongCrankAuthority
	}
	if auth.Airspace != m.Airspace {
		return ErrWrongAirspaceAuthorization
	}
	if auth.Market != m.ID {
		return ErrWrongCrankAuthority.Wrapf("authorization is for market %s", auth.Market)
	}
	return nil
}

// userAccount is the account the crank expects for an order's owner: the
// margin user for margin orders, otherwise the wallet (or owner, for split
// tickets) receiving the settled tokens.
func (s *MarketState) userAccount(cb orderbook.Callback, side orderbook.Side, out bool) uuid.UUID {
	if cb.IsMargin() {
		return cb.MarginUser
	}
	if cb.Settlement == orderbook.SettleAutoStake && !out {
		return cb.Owner
	}
	// fills pay bids in tickets and asks in underlying; outs refund the
	// opposite
	receivesTickets := side == orderbook.Bid
	if out {
		receivesTickets = !receivesTickets
	}
	if receivesTickets {
		return s.wallet(cb.Owner, s.Market.TicketMint).Address()
	}
	return s.wallet(cb.Owner, s.Market.UnderlyingMint).Address()
}

func (s *MarketState) forward(id, supplied uuid.UUID, ev orderbook.Event) error {
	if id != supplied {
		return ErrWrongAdapter.Wrapf("expected %s, got %s", id, supplied)
	}
	if id == uuid.Nil {
		return nil
	}
	a, ok := s.Adapters[id]
	if !ok {
		return ErrUnknownEventAdapter.Wrapf("adapter %s", id)
	}
	return a.Queue.PushAll(ev)
}

func (s *MarketState) consumeFill(env *Env, f orderbook.Fill, seq uint64, accts *FillAccounts) error {
	if accts == nil {
		return ErrMissingEventAccounts.Wrapf("event %d is a fill", seq)
	}
	maker := f.Maker
	if accts.Maker != s.userAccount(maker, f.MakerSide, false) {
		return ErrWrongUserAccount.Wrapf("event %d", seq)
	}

	var loanKind LoanKind
	switch maker.Settlement {
	case orderbook.SettleAutoStake:
		loanKind = LoanAutoStake
	case orderbook.SettleNewDebt:
		loanKind = LoanNewDebt
	}
	loanID := MakerLoanAddress(s.Market.ID, f.MakerOrderID, seq)
	switch {
	case loanKind == 0 && accts.Loan != nil:
		return ErrWrongLoanAccount.Wrapf("event %d settles in tokens", seq)
	case loanKind != 0 && accts.Loan == nil:
		return ErrMissingLoanAccount.Wrapf("event %d", seq)
	case loanKind != 0 && (accts.Loan.Kind != loanKind || accts.Loan.Address != loanID):
		return ErrWrongLoanAccount.Wrapf("event %d expects %s", seq, loanID)
	}

	ev := orderbook.FillEvent(f)
	if err := s.forward(maker.Adapter, accts.MakerAdapter, ev); err != nil {
		return err
	}
	if err := s.forward(f.Taker.Adapter, accts.TakerAdapter, ev); err != nil {
		return err
	}

	if f.MakerSide == orderbook.Bid {
		return s.settleMakerBid(env, f, loanID)
	}
	return s.settleMakerAsk(env, f, loanID)
}

func (s *MarketState) settleMakerBid(env *Env, f orderbook.Fill, loanID uuid.UUID) error {
	maker := f.Maker
	if !maker.IsMargin() {
		if maker.Settlement == orderbook.SettleAutoStake {
			if err := s.retireTickets(env, f.Taker, f.BaseQty); err != nil {
				return err
			}
			if _, err := s.addTicket(env, loanID, maker.Owner, false, f.BaseQty, f.QuoteQty, f.Price, maker.AutoRoll); err != nil {
				return err
			}
		} else if err := s.deliverTickets(env, f.Taker, s.wallet(maker.Owner, s.Market.TicketMint), f.BaseQty); err != nil {
			return err
		}
		return env.Journal.Transfer(s.Market.Vault(), s.wallet(maker.Owner, s.Market.UnderlyingMint), f.MakerRefund, ledger.JournalTypeOrderRelease)
	}

	mu, ok := s.Users[maker.MarginUser]
	if !ok {
		return ErrUserNotInMarket.Wrapf("margin user %s", maker.MarginUser)
	}
	if err := s.retireTickets(env, f.Taker, f.BaseQty); err != nil {
		return err
	}
	if _, err := s.addTicket(env, loanID, mu.ID, true, f.BaseQty, f.QuoteQty, f.Price, maker.AutoRoll); err != nil {
		return err
	}
	released, err := add(f.QuoteQty, f.MakerRefund)
	if err != nil {
		return err
	}
	if mu.Assets.PostedQuote, err = sub(mu.Assets.PostedQuote, released); err != nil {
		return err
	}
	if mu.Assets.EntitledTokens, err = add(mu.Assets.EntitledTokens, f.MakerRefund); err != nil {
		return err
	}
	return s.syncUser(env, mu)
}

func (s *MarketState) settleMakerAsk(env *Env, f orderbook.Fill, loanID uuid.UUID) error {
	maker := f.Maker
	if maker.Settlement != orderbook.SettleNewDebt {
		return env.Journal.Transfer(s.Market.Vault(), s.wallet(maker.Owner, s.Market.UnderlyingMint), f.QuoteQty, ledger.JournalTypeFillSettle)
	}

	mu, ok := s.Users[maker.MarginUser]
	if !ok {
		return ErrUserNotInMarket.Wrapf("margin user %s", maker.MarginUser)
	}
	pending, err := sub(mu.Debt.Pending, f.BaseQty)
	if err != nil {
		return err
	}
	mu.Debt.Pending = pending
	if _, err := s.addLoan(env, mu, loanID, f.BaseQty, f.QuoteQty, f.Price, maker.AutoRoll); err != nil {
		return err
	}
	proceeds, err := s.applyRoll(mu, maker.RollFrom, f.QuoteQty)
	if err != nil {
		return err
	}
	if mu.Assets.EntitledTokens, err = add(mu.Assets.EntitledTokens, proceeds); err != nil {
		return err
	}
	return s.syncUser(env, mu)
}

func (s *MarketState) consumeOut(env *Env, out orderbook.Out, accts *OutAccounts) error {
	if accts == nil {
		return ErrMissingEventAccounts.Wrapf("order %s left with an out event", out.OrderID)
	}
	cb := out.Callback
	if accts.User != s.userAccount(cb, out.Side, true) {
		return ErrWrongUserAccount.Wrapf("order %s", out.OrderID)
	}
	if err := s.forward(cb.Adapter, accts.Adapter, orderbook.OutEvent(out)); err != nil {
		return err
	}

	if !cb.IsMargin() {
		if out.Side == orderbook.Bid {
			return env.Journal.Transfer(s.Market.Vault(), s.wallet(cb.Owner, s.Market.UnderlyingMint), out.QuoteLocked, ledger.JournalTypeOrderRelease)
		}
		return env.Journal.Transfer(s.Market.TicketEscrow(), s.wallet(cb.Owner, s.Market.TicketMint), out.BaseQty, ledger.JournalTypeOrderRelease)
	}

	mu, ok := s.Users[cb.MarginUser]
	if !ok {
		return ErrUserNotInMarket.Wrapf("margin user %s", cb.MarginUser)
	}
	var err error
	if out.Side == orderbook.Bid {
		if mu.Assets.PostedQuote, err = sub(mu.Assets.PostedQuote, out.QuoteLocked); err != nil {
			return err
		}
		if mu.Assets.EntitledTokens, err = add(mu.Assets.EntitledTokens, out.QuoteLocked); err != nil {
			return err
		}
	} else if mu.Debt.Pending, err = sub(mu.Debt.Pending, out.BaseQty); err != nil {
		return err
	}
	return s.syncUser(env, mu)
}
