package fixedterm

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"MarginLedger/internal/ledger"
	"MarginLedger/internal/orderbook"
)

// OrderRequest is an order as submitted by a wallet owner or through a
// margin user.
type OrderRequest struct {
	Params    orderbook.OrderParams `json:"params"`
	AutoStake bool                  `json:"auto_stake,omitempty"`
	AutoRoll  bool                  `json:"auto_roll,omitempty"`
	Adapter   uuid.UUID             `json:"adapter,omitempty"`
}

// PlaceOrder places a wallet-funded order. Bids pay underlying from the
// owner's wallet and receive tickets; asks sell tickets from the wallet.
func (s *MarketState) PlaceOrder(env *Env, owner uuid.UUID, req OrderRequest) (orderbook.MatchSummary, error) {
	settlement := orderbook.SettleTokens
	if req.Params.Side == orderbook.Bid && req.AutoStake {
		settlement = orderbook.SettleAutoStake
	}
	if err := s.checkAdapter(req.Adapter, owner); err != nil {
		return orderbook.MatchSummary{}, err
	}
	cb := orderbook.Callback{
		Owner:      owner,
		Settlement: settlement,
		AutoRoll:   req.AutoRoll && settlement == orderbook.SettleAutoStake,
		Adapter:    req.Adapter,
	}
	return s.place(env, req.Params, cb, 0)
}

// placeMarginOrder places an order on behalf of a margin user. Margin
// borrows create term loans, margin lends are always staked.
func (s *MarketState) placeMarginOrder(env *Env, mu *MarginUser, req OrderRequest, rollFrom uuid.UUID, prefunded uint64) (orderbook.MatchSummary, error) {
	cb := orderbook.Callback{
		Owner:      mu.Owner,
		MarginUser: mu.ID,
		AutoRoll:   req.AutoRoll,
		Adapter:    req.Adapter,
		RollFrom:   rollFrom,
	}
	if req.Params.Side == orderbook.Bid {
		cb.Settlement = orderbook.SettleAutoStake
	} else {
		cb.Settlement = orderbook.SettleNewDebt
	}
	if err := s.checkAdapter(req.Adapter, mu.Owner); err != nil {
		return orderbook.MatchSummary{}, err
	}
	return s.place(env, req.Params, cb, prefunded)
}

func (s *MarketState) checkAdapter(id, owner uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	a, ok := s.Adapters[id]
	if !ok || a.Owner != owner {
		return ErrWrongAdapter.Wrapf("adapter %s", id)
	}
	return nil
}

// place matches the order, settles the taker side right away and queues
// the fills for the crank to settle the makers. prefunded is underlying
// already sitting in the vault on the taker's behalf.
func (s *MarketState) place(env *Env, params orderbook.OrderParams, cb orderbook.Callback, prefunded uint64) (orderbook.MatchSummary, error) {
	id := s.nextOrderID(env.Now)
	sum, err := s.Book.Place(id, params, cb, env.Now)
	if err != nil {
		return sum, err
	}

	if params.Side == orderbook.Bid {
		err = s.settleTakerBid(env, cb, sum, prefunded)
	} else {
		err = s.settleTakerAsk(env, cb, sum)
	}
	if err != nil {
		return sum, err
	}

	events := make([]orderbook.Event, 0, len(sum.Fills))
	for _, f := range sum.Fills {
		events = append(events, orderbook.FillEvent(f))
	}
	if len(events) > 0 {
		if err := s.Queue.PushAll(events...); err != nil {
			return sum, err
		}
	}

	env.Log.Debug().
		Str("market", s.Market.ID.String()).
		Str("order_id", id.String()).
		Str("side", params.Side.String()).
		Uint64("base_filled", sum.BaseFilled).
		Uint64("quote_filled", sum.QuoteFilled).
		Int("fills", len(sum.Fills)).
		Bool("posted", sum.Posted != nil).
		Msg("order placed")
	return sum, nil
}

// deliverTickets hands base tickets bought from an ask to a wallet. Asks
// backed by new debt mint fresh tickets, ticket sellers' are in escrow.
func (s *MarketState) deliverTickets(env *Env, ask orderbook.Callback, to ledger.AccountKey, base uint64) error {
	if ask.Settlement == orderbook.SettleNewDebt {
		return env.Journal.Issue(to, base)
	}
	return env.Journal.Transfer(s.Market.TicketEscrow(), to, base, ledger.JournalTypeFillSettle)
}

// retireTickets consumes tickets that were bought and staked at once.
func (s *MarketState) retireTickets(env *Env, ask orderbook.Callback, base uint64) error {
	if ask.Settlement == orderbook.SettleNewDebt {
		return nil
	}
	return env.Journal.Burn(s.Market.TicketEscrow(), base)
}

func (s *MarketState) wallet(owner, mint uuid.UUID) ledger.AccountKey {
	return ledger.NewWalletKey(owner, mint)
}

func (s *MarketState) settleTakerBid(env *Env, cb orderbook.Callback, sum orderbook.MatchSummary, prefunded uint64) error {
	var mu *MarginUser
	if cb.IsMargin() {
		var ok bool
		if mu, ok = s.Users[cb.MarginUser]; !ok {
			return ErrUserNotInMarket.Wrapf("margin user %s", cb.MarginUser)
		}
	}

	var locked uint64
	if sum.Posted != nil {
		locked = sum.Posted.QuoteLocked
	}
	need, err := add(sum.QuoteFilled, locked)
	if err != nil {
		return err
	}

	// fund the vault
	switch {
	case prefunded > 0:
		if need > prefunded {
			return ledger.ErrInsufficientFunds.Wrapf("order needs %d, %d rolled over", need, prefunded)
		}
		if left := prefunded - need; left > 0 {
			if mu != nil {
				if mu.Assets.EntitledTokens, err = add(mu.Assets.EntitledTokens, left); err != nil {
					return err
				}
			} else if err := env.Journal.Transfer(s.Market.Vault(), s.wallet(cb.Owner, s.Market.UnderlyingMint), left, ledger.JournalTypeOrderRelease); err != nil {
				return err
			}
		}
	case mu != nil:
		if err := env.Journal.Transfer(s.custodyKey(mu), s.Market.Vault(), need, ledger.JournalTypeOrderLock); err != nil {
			return err
		}
	default:
		if err := env.Journal.Transfer(s.wallet(cb.Owner, s.Market.UnderlyingMint), s.Market.Vault(), need, ledger.JournalTypeOrderLock); err != nil {
			return err
		}
	}

	for i, f := range sum.Fills {
		switch cb.Settlement {
		case orderbook.SettleAutoStake:
			if err := s.retireTickets(env, f.Maker, f.BaseQty); err != nil {
				return err
			}
			owner := cb.Owner
			if mu != nil {
				owner = mu.ID
			}
			id := TakerLoanAddress(s.Market.ID, sum.OrderID, uint64(i))
			if _, err := s.addTicket(env, id, owner, mu != nil, f.BaseQty, f.QuoteQty, f.Price, cb.AutoRoll); err != nil {
				return err
			}
		default:
			if err := s.deliverTickets(env, f.Maker, s.wallet(cb.Owner, s.Market.TicketMint), f.BaseQty); err != nil {
				return err
			}
		}
	}

	if mu == nil {
		return nil
	}
	if mu.Assets.PostedQuote, err = add(mu.Assets.PostedQuote, locked); err != nil {
		return err
	}
	return s.syncUser(env, mu)
}

func (s *MarketState) settleTakerAsk(env *Env, cb orderbook.Callback, sum orderbook.MatchSummary) error {
	var posted uint64
	if sum.Posted != nil {
		posted = sum.Posted.BaseQty
	}

	if cb.Settlement != orderbook.SettleNewDebt {
		offered, err := add(sum.BaseFilled, posted)
		if err != nil {
			return err
		}
		if err := env.Journal.Transfer(s.wallet(cb.Owner, s.Market.TicketMint), s.Market.TicketEscrow(), offered, ledger.JournalTypeOrderLock); err != nil {
			return err
		}
		return env.Journal.Transfer(s.Market.Vault(), s.wallet(cb.Owner, s.Market.UnderlyingMint), sum.QuoteFilled, ledger.JournalTypeFillSettle)
	}

	mu, ok := s.Users[cb.MarginUser]
	if !ok {
		return ErrUserNotInMarket.Wrapf("margin user %s", cb.MarginUser)
	}
	for i, f := range sum.Fills {
		id := TakerLoanAddress(s.Market.ID, sum.OrderID, uint64(i))
		if _, err := s.addLoan(env, mu, id, f.BaseQty, f.QuoteQty, f.Price, cb.AutoRoll); err != nil {
			return err
		}
	}
	proceeds, err := s.applyRoll(mu, cb.RollFrom, sum.QuoteFilled)
	if err != nil {
		return err
	}
	if err := env.Journal.Transfer(s.Market.Vault(), s.custodyKey(mu), proceeds, ledger.JournalTypeFillSettle); err != nil {
		return err
	}
	if mu.Debt.Pending, err = add(mu.Debt.Pending, posted); err != nil {
		return err
	}
	return s.syncUser(env, mu)
}

// applyRoll uses borrow proceeds to repay the loan being rolled and
// returns what is left for the borrower. The repaid part stays in the
// vault for the old loan's lenders.
func (s *MarketState) applyRoll(mu *MarginUser, rollFrom uuid.UUID, proceeds uint64) (uint64, error) {
	if rollFrom == uuid.Nil {
		return proceeds, nil
	}
	old, ok := s.Loans[rollFrom]
	if !ok {
		// already repaid by an earlier fill
		return proceeds, nil
	}
	repay := min(proceeds, old.Balance)
	if err := s.reduceLoan(mu, old, repay); err != nil {
		return 0, err
	}
	return proceeds - repay, nil
}

// CancelOrder removes a wallet owner's resting order. Its tokens are
// returned when the crank consumes the Out event.
func (s *MarketState) CancelOrder(env *Env, owner uuid.UUID, id ulid.ULID) (orderbook.Out, error) {
	return s.cancel(env, id, func(cb orderbook.Callback) bool {
		return !cb.IsMargin() && cb.Owner == owner
	})
}

func (s *MarketState) cancel(env *Env, id ulid.ULID, owns func(orderbook.Callback) bool) (orderbook.Out, error) {
	out, err := s.Book.Cancel(id, owns)
	if err != nil {
		return out, err
	}
	if err := s.Queue.PushAll(orderbook.OutEvent(out)); err != nil {
		return out, err
	}
	env.Log.Debug().
		Str("market", s.Market.ID.String()).
		Str("order_id", id.String()).
		Uint64("base_qty", out.BaseQty).
		Msg("order canceled")
	return out, nil
}

// StakeTickets converts wallet tickets into a split ticket redeemable at
// the end of the lend tenor.
func (s *MarketState) StakeTickets(env *Env, owner uuid.UUID, amount uint64) (*SplitTicket, error) {
	if err := env.Journal.Burn(s.wallet(owner, s.Market.TicketMint), amount); err != nil {
		return nil, err
	}
	s.OrderNonce++
	id := StakeAddress(s.Market.ID, owner, s.OrderNonce)
	return s.addTicket(env, id, owner, false, amount, amount, 0, false)
}

// RedeemTicket pays out a matured wallet-owned split ticket.
func (s *MarketState) RedeemTicket(env *Env, owner, ticket uuid.UUID) (uint64, error) {
	t, ok := s.Tickets[ticket]
	if !ok {
		return 0, ErrUnknownTicket.Wrapf("ticket %s", ticket)
	}
	if t.MarginUser || t.Owner != owner {
		return 0, ErrWrongTicketOwner
	}
	if t.Maturity > env.Now {
		return 0, ErrNotMatured.Wrapf("ticket matures at %d", t.Maturity)
	}
	if err := env.Journal.Transfer(s.Market.Vault(), s.wallet(owner, s.Market.UnderlyingMint), t.FaceValue, ledger.JournalTypeRedeem); err != nil {
		return 0, err
	}
	delete(s.Tickets, ticket)
	return t.FaceValue, nil
}

// RegisterEventAdapter creates a user event queue.
func (s *MarketState) RegisterEventAdapter(owner, id uuid.UUID, capacity int) error {
	if _, exists := s.Adapters[id]; exists {
		return ErrEventAdapterExists.Wrapf("adapter %s", id)
	}
	if capacity <= 0 {
		capacity = DefaultEventQueueCapacity
	}
	s.Adapters[id] = &EventAdapter{ID: id, Owner: owner, Queue: orderbook.NewEventQueue(id, capacity)}
	return nil
}

// PopAdapterEvents drops the oldest n events of an owner's event queue.
func (s *MarketState) PopAdapterEvents(owner, id uuid.UUID, n int) error {
	a, ok := s.Adapters[id]
	if !ok {
		return ErrUnknownEventAdapter.Wrapf("adapter %s", id)
	}
	if a.Owner != owner {
		return ErrWrongAdapter
	}
	return a.Queue.Pop(min(n, a.Queue.Len()))
}
