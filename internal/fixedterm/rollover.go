package fixedterm

import (
	"sort"

	"github.com/google/uuid"

	"MarginLedger/internal/orderbook"
)

// DefaultRollMatchLimit bounds matching for auto-roll orders.
const DefaultRollMatchLimit = 64

// RollRequest asks the crank to roll one matured loan or split ticket.
type RollRequest struct {
	Market        uuid.UUID `json:"market"`
	Crank         uuid.UUID `json:"crank"`
	Authorization uuid.UUID `json:"authorization"`
	Target        uuid.UUID `json:"target"`
}

// AutoRoll re-lends a matured split ticket, or re-borrows a matured term
// loan, at the price the original fill was made at. A rolled loan stays
// open until the new borrow's fills have repaid it.
func (ms *Markets) AutoRoll(env *Env, req RollRequest) (orderbook.MatchSummary, error) {
	s, err := ms.Get(req.Market)
	if err != nil {
		return orderbook.MatchSummary{}, err
	}
	if err := ms.checkCrank(req.Authorization, req.Crank, s.Market); err != nil {
		return orderbook.MatchSummary{}, err
	}
	if t, ok := s.Tickets[req.Target]; ok {
		return s.rollTicket(env, t)
	}
	if l, ok := s.Loans[req.Target]; ok {
		return s.rollLoan(env, l)
	}
	return orderbook.MatchSummary{}, ErrUnknownLoan.Wrapf("nothing to roll at %s", req.Target)
}

func (s *MarketState) rollTicket(env *Env, t *SplitTicket) (orderbook.MatchSummary, error) {
	if !t.AutoRoll {
		return orderbook.MatchSummary{}, ErrNotAutoRoll
	}
	if t.Maturity > env.Now {
		return orderbook.MatchSummary{}, ErrNotMatured.Wrapf("ticket matures at %d", t.Maturity)
	}
	base, err := t.Price.DivIntoU64(t.FaceValue)
	if err != nil {
		return orderbook.MatchSummary{}, err
	}
	req := OrderRequest{
		Params: orderbook.OrderParams{
			Side:        orderbook.Bid,
			MaxBaseQty:  base,
			MaxQuoteQty: t.FaceValue,
			LimitPrice:  t.Price,
			MatchLimit:  DefaultRollMatchLimit,
			PostAllowed: true,
		},
		AutoRoll: true,
	}
	delete(s.Tickets, t.ID)

	if !t.MarginUser {
		cb := orderbook.Callback{Owner: t.Owner, Settlement: orderbook.SettleAutoStake, AutoRoll: true}
		return s.place(env, req.Params, cb, t.FaceValue)
	}
	mu, ok := s.Users[t.Owner]
	if !ok {
		return orderbook.MatchSummary{}, ErrUserNotInMarket.Wrapf("margin user %s", t.Owner)
	}
	if mu.Assets.StakedTickets, err = sub(mu.Assets.StakedTickets, t.FaceValue); err != nil {
		return orderbook.MatchSummary{}, err
	}
	return s.placeMarginOrder(env, mu, req, uuid.Nil, t.FaceValue)
}

func (s *MarketState) rollLoan(env *Env, l *TermLoan) (orderbook.MatchSummary, error) {
	if !l.AutoRoll {
		return orderbook.MatchSummary{}, ErrNotAutoRoll
	}
	if l.Maturity > env.Now {
		return orderbook.MatchSummary{}, ErrNotMatured.Wrapf("loan matures at %d", l.Maturity)
	}
	mu, ok := s.Users[l.MarginUser]
	if !ok {
		return orderbook.MatchSummary{}, ErrUserNotInMarket.Wrapf("margin user %s", l.MarginUser)
	}

	// borrow enough face value that the proceeds cover the balance due
	base, err := l.Price.DivIntoU64(l.Balance)
	if err != nil {
		return orderbook.MatchSummary{}, err
	}
	if quote, err := l.Price.MulU64(base); err != nil {
		return orderbook.MatchSummary{}, err
	} else if quote < l.Balance {
		base++
	}
	req := OrderRequest{
		Params: orderbook.OrderParams{
			Side:        orderbook.Ask,
			MaxBaseQty:  base,
			LimitPrice:  l.Price,
			MatchLimit:  DefaultRollMatchLimit,
			PostAllowed: true,
		},
		AutoRoll: true,
	}
	// the matured loan no longer rolls; the new loans carry the flag
	l.AutoRoll = false
	return s.placeMarginOrder(env, mu, req, l.ID, 0)
}

func sortedTicketIDs(tickets map[uuid.UUID]*SplitTicket) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(tickets))
	for id := range tickets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return uuidLess(ids[i], ids[j]) })
	return ids
}
