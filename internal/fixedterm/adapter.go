package fixedterm

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"MarginLedger/internal/ledger"
	"MarginLedger/internal/margin"
	"MarginLedger/internal/orderbook"
	"MarginLedger/internal/oracle"
)

// Op names an adapter operation.
type Op string

const (
	OpCreateMarginUser  Op = "create_margin_user"
	OpMarginBorrowOrder Op = "margin_borrow_order"
	OpMarginLendOrder   Op = "margin_lend_order"
	OpCancelOrder       Op = "cancel_order"
	OpRepayLoan         Op = "repay_loan"
	OpSettleUser        Op = "settle_user"
	OpRefreshPosition   Op = "refresh_position"
)

// AdapterRequest is the payload a margin account forwards to the market.
type AdapterRequest struct {
	Op     Op        `json:"op"`
	Market uuid.UUID `json:"market"`

	Order   *OrderRequest `json:"order,omitempty"`
	OrderID ulid.ULID     `json:"order_id,omitempty"`
	Loan    uuid.UUID     `json:"loan,omitempty"`
	Amount  uint64        `json:"amount,omitempty"`

	// refresh_position
	MarginUser       uuid.UUID `json:"margin_user,omitempty"`
	UnderlyingOracle uuid.UUID `json:"underlying_oracle,omitempty"`
	TicketOracle     uuid.UUID `json:"ticket_oracle,omitempty"`
	ExpectPrice      bool      `json:"expect_price,omitempty"`
}

// Encode marshals the request into an invocation payload.
func (r AdapterRequest) Encode() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("FATAL: adapter request marshal: %v", err))
	}
	return data
}

// Adapter lets margin accounts trade in fixed-term markets. One Adapter
// serves every market whose Adapter identity matches its ID.
type Adapter struct {
	id      uuid.UUID
	markets *Markets
	env     *Env
}

func NewAdapter(id uuid.UUID, markets *Markets, env *Env) *Adapter {
	return &Adapter{id: id, markets: markets, env: env}
}

func (a *Adapter) ID() uuid.UUID { return a.id }

// Invoke runs one operation and writes the resulting position changes.
func (a *Adapter) Invoke(inv *margin.Invocation, payload []byte) error {
	var req AdapterRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return ErrUnknownOperation.Wrapf("decode payload: %v", err)
	}
	s, err := a.markets.Get(req.Market)
	if err != nil {
		return err
	}
	if s.Market.Adapter != a.id {
		return ErrUnknownMarket.Wrapf("market %s is served by adapter %s", s.Market.ID, s.Market.Adapter)
	}
	acct := inv.Account()
	if err := authorize(inv, acct, req.Op); err != nil {
		return err
	}

	var result margin.AdapterResult
	switch req.Op {
	case OpCreateMarginUser:
		result, err = a.createMarginUser(s, acct)
	case OpMarginBorrowOrder:
		result, err = a.marginOrder(s, acct, req, orderbook.Ask)
	case OpMarginLendOrder:
		result, err = a.marginOrder(s, acct, req, orderbook.Bid)
	case OpCancelOrder:
		result, err = a.cancelOrder(s, acct, req)
	case OpRepayLoan:
		result, err = a.repayLoan(s, acct, req)
	case OpSettleUser:
		result, err = a.settleUser(s, acct)
	case OpRefreshPosition:
		result, err = a.refreshPosition(s, acct, req)
	default:
		return ErrUnknownOperation.Wrapf("op %q", req.Op)
	}
	if err != nil {
		return err
	}
	return inv.WriteAdapterResult(result)
}

// authorize limits accounting invocations to refreshing positions. Every
// other op moves the account's funds and needs its owner or its assigned
// liquidator.
func authorize(inv *margin.Invocation, acct *margin.Account, op Op) error {
	if op == OpRefreshPosition {
		return nil
	}
	switch inv.Kind {
	case margin.InvokeOwner:
		if inv.Caller == acct.Owner {
			return nil
		}
	case margin.InvokeLiquidator:
		if acct.Liquidation != nil && acct.Liquidation.Liquidator == inv.Caller {
			return nil
		}
	}
	return margin.ErrUnauthorizedInvocation.Wrapf("%s via %s by %s", op, inv.Kind, inv.Caller)
}

func (a *Adapter) createMarginUser(s *MarketState, acct *margin.Account) (margin.AdapterResult, error) {
	id := MarginUserAddress(s.Market.ID, acct.ID)
	if _, exists := s.Users[id]; exists {
		return margin.AdapterResult{}, ErrMarginUserExists.Wrapf("account %s", acct.ID)
	}
	mu := &MarginUser{ID: id, MarginAccount: acct.ID, Owner: acct.Owner, Market: s.Market.ID}
	s.Users[id] = mu

	var result margin.AdapterResult
	for _, key := range []ledger.AccountKey{s.claimsKey(mu), s.ticketCollateralKey(mu), s.underlyingCollateralKey(mu)} {
		addr := a.env.Custody.Open(key)
		result.Add(key.Mint, margin.RegisterChange(addr))
	}
	// outstanding debt keeps the claims position open
	result.Add(s.Market.ClaimsMint, margin.FlagsChange(margin.FlagRequired, true))
	return result, nil
}

func (a *Adapter) marginOrder(s *MarketState, acct *margin.Account, req AdapterRequest, side orderbook.Side) (margin.AdapterResult, error) {
	mu, err := s.User(acct.ID)
	if err != nil {
		return margin.AdapterResult{}, err
	}
	if req.Order == nil || req.Order.Params.Side != side {
		return margin.AdapterResult{}, ErrWrongOrderSide.Wrapf("%s expects %s orders", req.Op, side)
	}
	if _, err := s.placeMarginOrder(a.env, mu, *req.Order, uuid.Nil, 0); err != nil {
		return margin.AdapterResult{}, err
	}
	return a.positionChanges(s, mu, true)
}

func (a *Adapter) cancelOrder(s *MarketState, acct *margin.Account, req AdapterRequest) (margin.AdapterResult, error) {
	mu, err := s.User(acct.ID)
	if err != nil {
		return margin.AdapterResult{}, err
	}
	_, err = s.cancel(a.env, req.OrderID, func(cb orderbook.Callback) bool { return cb.MarginUser == mu.ID })
	return margin.AdapterResult{}, err
}

func (a *Adapter) repayLoan(s *MarketState, acct *margin.Account, req AdapterRequest) (margin.AdapterResult, error) {
	mu, err := s.User(acct.ID)
	if err != nil {
		return margin.AdapterResult{}, err
	}
	loan, ok := s.Loans[req.Loan]
	if !ok || loan.MarginUser != mu.ID {
		return margin.AdapterResult{}, ErrUnknownLoan.Wrapf("loan %s", req.Loan)
	}
	if req.Amount > loan.Balance {
		return margin.AdapterResult{}, ErrRepayExceedsBalance.Wrapf("repay %d, balance %d", req.Amount, loan.Balance)
	}
	if err := a.env.Journal.Transfer(s.custodyKey(mu), s.Market.Vault(), req.Amount, ledger.JournalTypeLoanRepay); err != nil {
		return margin.AdapterResult{}, err
	}
	if err := s.reduceLoan(mu, loan, req.Amount); err != nil {
		return margin.AdapterResult{}, err
	}
	if err := s.syncUser(a.env, mu); err != nil {
		return margin.AdapterResult{}, err
	}
	return a.positionChanges(s, mu, false)
}

// settleUser redeems matured split tickets and moves entitled underlying
// from the vault into the margin account's custody.
func (a *Adapter) settleUser(s *MarketState, acct *margin.Account) (margin.AdapterResult, error) {
	mu, err := s.User(acct.ID)
	if err != nil {
		return margin.AdapterResult{}, err
	}
	if err := s.redeemMatured(a.env, mu); err != nil {
		return margin.AdapterResult{}, err
	}
	if err := a.env.Journal.Transfer(s.Market.Vault(), s.custodyKey(mu), mu.Assets.EntitledTokens, ledger.JournalTypeRedeem); err != nil {
		return margin.AdapterResult{}, err
	}
	mu.Assets.EntitledTokens = 0
	if err := s.syncUser(a.env, mu); err != nil {
		return margin.AdapterResult{}, err
	}
	return a.positionChanges(s, mu, false)
}

// redeemMatured turns matured, non-rolling split tickets of mu into
// entitled underlying.
func (s *MarketState) redeemMatured(env *Env, mu *MarginUser) error {
	for _, id := range sortedTicketIDs(s.Tickets) {
		t := s.Tickets[id]
		if !t.MarginUser || t.Owner != mu.ID || t.Maturity > env.Now || t.AutoRoll {
			continue
		}
		staked, err := sub(mu.Assets.StakedTickets, t.FaceValue)
		if err != nil {
			return err
		}
		entitled, err := add(mu.Assets.EntitledTokens, t.FaceValue)
		if err != nil {
			return err
		}
		mu.Assets.StakedTickets, mu.Assets.EntitledTokens = staked, entitled
		delete(s.Tickets, id)
	}
	return nil
}

// refreshPosition marks the claims position past due when it is, and
// reprices the adapter positions. With expectPrice false a price that
// cannot be loaded is logged and skipped, past due marking still happens.
func (a *Adapter) refreshPosition(s *MarketState, acct *margin.Account, req AdapterRequest) (margin.AdapterResult, error) {
	if req.UnderlyingOracle != s.Market.UnderlyingOracle || req.TicketOracle != s.Market.TicketOracle {
		return margin.AdapterResult{}, oracle.ErrWrongOracle.Wrapf("market %s", s.Market.ID)
	}
	mu, ok := s.Users[req.MarginUser]
	if !ok {
		return margin.AdapterResult{}, ErrUserNotInMarket.Wrapf("margin user %s", req.MarginUser)
	}
	if mu.MarginAccount != acct.ID {
		return margin.AdapterResult{}, ErrWrongClaimAccount
	}

	var result margin.AdapterResult
	result.Add(s.Market.ClaimsMint, margin.FlagsChange(margin.FlagPastDue, mu.Debt.IsPastDue(a.env.Now)))

	if price, err := oracle.Read(a.env.Oracles, s.Market.UnderlyingOracle, a.env.Now); err == nil {
		result.Add(s.Market.ClaimsMint, margin.PriceChange(price))
		result.Add(s.Market.UnderlyingCollateralMint, margin.PriceChange(price))
	} else if req.ExpectPrice {
		return margin.AdapterResult{}, err
	} else {
		a.env.Log.Warn().Err(err).Str("oracle", s.Market.UnderlyingOracle.String()).Msg("skipping underlying price update")
	}

	if price, err := oracle.Read(a.env.Oracles, s.Market.TicketOracle, a.env.Now); err == nil {
		result.Add(s.Market.TicketCollateralMint, margin.PriceChange(price))
	} else if req.ExpectPrice {
		return margin.AdapterResult{}, err
	} else {
		a.env.Log.Warn().Err(err).Str("oracle", s.Market.TicketOracle.String()).Msg("skipping ticket price update")
	}
	return result, nil
}

// positionChanges reports the adapter positions' new balances followed by
// fresh prices. With requirePrice false a missing price leaves the
// position to be refreshed later.
func (a *Adapter) positionChanges(s *MarketState, mu *MarginUser, requirePrice bool) (margin.AdapterResult, error) {
	return s.positionChanges(a.env, mu, requirePrice)
}

func (s *MarketState) positionChanges(env *Env, mu *MarginUser, requirePrice bool) (margin.AdapterResult, error) {
	claims, tickets, underlying, err := s.holdings(mu)
	if err != nil {
		return margin.AdapterResult{}, err
	}
	var result margin.AdapterResult
	result.Add(s.Market.ClaimsMint, margin.BalanceChange(claims))
	result.Add(s.Market.TicketCollateralMint, margin.BalanceChange(tickets))
	result.Add(s.Market.UnderlyingCollateralMint, margin.BalanceChange(underlying))

	for _, p := range []struct {
		feed  uuid.UUID
		mints []uuid.UUID
	}{
		{s.Market.UnderlyingOracle, []uuid.UUID{s.Market.ClaimsMint, s.Market.UnderlyingCollateralMint}},
		{s.Market.TicketOracle, []uuid.UUID{s.Market.TicketCollateralMint}},
	} {
		price, err := oracle.Read(env.Oracles, p.feed, env.Now)
		if err != nil {
			if requirePrice {
				return margin.AdapterResult{}, err
			}
			continue
		}
		for _, mint := range p.mints {
			result.Add(mint, margin.PriceChange(price))
		}
	}
	return result, nil
}

// MarginSettlement is the adapter position state of one margin account
// whose holdings moved outside its own invocation.
type MarginSettlement struct {
	MarginAccount uuid.UUID
	Result        margin.AdapterResult
}

// TakeMarginSettlements reports, for every margin user synced since the
// last call, its claim and collateral balances with whatever prices are
// fresh, ordered by margin account. The set is cleared.
func (s *MarketState) TakeMarginSettlements(env *Env) ([]MarginSettlement, error) {
	users := make([]*MarginUser, 0, len(s.settled))
	for id := range s.settled {
		if mu, ok := s.Users[id]; ok {
			users = append(users, mu)
		}
	}
	s.settled = nil
	sort.Slice(users, func(i, j int) bool { return uuidLess(users[i].MarginAccount, users[j].MarginAccount) })

	out := make([]MarginSettlement, 0, len(users))
	for _, mu := range users {
		result, err := s.positionChanges(env, mu, false)
		if err != nil {
			return nil, err
		}
		out = append(out, MarginSettlement{MarginAccount: mu.MarginAccount, Result: result})
	}
	return out, nil
}
