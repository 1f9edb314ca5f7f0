package fixedterm_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarginLedger/internal/fixedterm"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/margin"
	"MarginLedger/internal/orderbook"
	"MarginLedger/internal/oracle"
)

type marginHarness struct {
	*harness
	reg     *margin.Registry
	gate    *margin.Gate
	adapter *fixedterm.Adapter
	acct    *margin.Account
}

func newMarginHarness(t *testing.T) *marginHarness {
	t.Helper()
	h := newHarness(t)
	m := h.market
	reg := margin.NewRegistry()
	reg.SetToken(margin.TokenConfig{Mint: m.UnderlyingMint, Airspace: m.Airspace, Kind: margin.KindDeposit, ValueModifier: 10_000})
	reg.SetToken(margin.TokenConfig{Mint: m.ClaimsMint, Airspace: m.Airspace, Adapter: m.Adapter, Kind: margin.KindClaim, ValueModifier: 10_000})
	reg.SetToken(margin.TokenConfig{Mint: m.TicketCollateralMint, Airspace: m.Airspace, Adapter: m.Adapter, Kind: margin.KindAdapterCollateral, ValueModifier: 9_000})
	reg.SetToken(margin.TokenConfig{Mint: m.UnderlyingCollateralMint, Airspace: m.Airspace, Adapter: m.Adapter, Kind: margin.KindAdapterCollateral, ValueModifier: 10_000})
	reg.SetAdapter(margin.AdapterConfig{
		ID: m.Adapter, Airspace: m.Airspace,
		AllowedKinds: []margin.PositionKind{margin.KindClaim, margin.KindAdapterCollateral},
	})

	gate := margin.NewGate(reg)
	gate.Custody = h.env.Custody

	owner := uuid.New()
	acct := margin.NewAccount(uuid.New(), owner, m.Airspace)
	cfg, _ := reg.Token(m.UnderlyingMint)
	custody := ledger.NewMarginDepositKey(acct.ID, m.UnderlyingMint)
	desc := margin.PositionDescriptor{Address: h.env.Custody.Open(custody), Mint: m.UnderlyingMint, Kind: margin.KindDeposit}
	_, err := acct.Register(desc, cfg, owner, now)
	require.NoError(t, err)
	require.NoError(t, acct.SetPrice(m.UnderlyingMint, oracle.PriceInfo{Value: 1, PublishedAt: now}))

	h.fund(t, owner, m.UnderlyingMint, 1000)
	require.NoError(t, h.env.Journal.Transfer(h.wallet(owner, m.UnderlyingMint), custody, 1000, ledger.JournalTypeMarginDeposit))

	return &marginHarness{
		harness: h,
		reg:     reg,
		gate:    gate,
		adapter: fixedterm.NewAdapter(m.Adapter, h.markets, h.env),
		acct:    acct,
	}
}

func (mh *marginHarness) invoke(kind margin.InvokeKind, req fixedterm.AdapterRequest) (margin.Valuation, error) {
	req.Market = mh.market.ID
	return mh.gate.Invoke(mh.acct, mh.adapter, kind, mh.acct.Owner, req.Encode(), mh.env.Now)
}

func (mh *marginHarness) position(t *testing.T, mint uuid.UUID) *margin.Position {
	t.Helper()
	p, err := mh.acct.Position(mint)
	require.NoError(t, err)
	return p
}

func (mh *marginHarness) createUser(t *testing.T) {
	t.Helper()
	_, err := mh.invoke(margin.InvokeOwner, fixedterm.AdapterRequest{Op: fixedterm.OpCreateMarginUser})
	require.NoError(t, err)
}

// restingLender posts a wallet bid the margin borrower can hit.
func (mh *marginHarness) restingLender(t *testing.T, qty uint64) uuid.UUID {
	t.Helper()
	lender := uuid.New()
	mh.fund(t, lender, mh.market.UnderlyingMint, qty)
	_, err := mh.state(t).PlaceOrder(mh.env, lender, lend(qty))
	require.NoError(t, err)
	return lender
}

func TestAdapter_CreateMarginUser(t *testing.T) {
	mh := newMarginHarness(t)
	mh.createUser(t)

	claims := mh.position(t, mh.market.ClaimsMint)
	assert.True(t, claims.Flags.Has(margin.FlagRequired))
	assert.Equal(t, mh.market.Adapter, claims.Adapter)
	mh.position(t, mh.market.TicketCollateralMint)
	mh.position(t, mh.market.UnderlyingCollateralMint)

	_, err := mh.invoke(margin.InvokeOwner, fixedterm.AdapterRequest{Op: fixedterm.OpCreateMarginUser})
	assert.ErrorIs(t, err, fixedterm.ErrMarginUserExists)
}

func TestAdapter_BorrowRepay(t *testing.T) {
	mh := newMarginHarness(t)
	mh.createUser(t)
	lender := mh.restingLender(t, 1000)

	order := sell(400)
	val, err := mh.invoke(margin.InvokeOwner, fixedterm.AdapterRequest{Op: fixedterm.OpMarginBorrowOrder, Order: &order})
	require.NoError(t, err)
	assert.True(t, val.IsHealthy())

	// proceeds land in custody and the deposit position follows
	assert.Equal(t, uint64(1200), mh.position(t, mh.market.UnderlyingMint).Balance)
	claims := mh.position(t, mh.market.ClaimsMint)
	assert.Equal(t, uint64(400), claims.Balance)
	assert.False(t, claims.PriceStale)

	s := mh.state(t)
	mu, err := s.User(mh.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), mu.Debt.Committed)
	assert.Equal(t, now+tenor, mu.Debt.NextMaturity)
	require.Len(t, s.Loans, 1)

	var loanID uuid.UUID
	for id := range s.Loans {
		loanID = id
	}

	// the lender's tickets are minted when the crank settles the maker
	_, err = mh.markets.ConsumeEvents(mh.env, mh.consume(1, fixedterm.EventAccounts{
		Fill: &fixedterm.FillAccounts{Maker: mh.wallet(lender, mh.market.TicketMint).Address()},
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(400), mh.balance(mh.wallet(lender, mh.market.TicketMint)))

	_, err = mh.invoke(margin.InvokeOwner, fixedterm.AdapterRequest{Op: fixedterm.OpRepayLoan, Loan: loanID, Amount: 500})
	assert.ErrorIs(t, err, fixedterm.ErrRepayExceedsBalance)

	_, err = mh.invoke(margin.InvokeOwner, fixedterm.AdapterRequest{Op: fixedterm.OpRepayLoan, Loan: loanID, Amount: 400})
	require.NoError(t, err)
	assert.Equal(t, uint64(800), mh.position(t, mh.market.UnderlyingMint).Balance)
	assert.Zero(t, mh.position(t, mh.market.ClaimsMint).Balance)
	assert.Empty(t, s.Loans)
	assert.Zero(t, mu.Debt.NextMaturity)
	checkLedger(t, mh.harness)
}

func TestAdapter_OrderSideMustMatchOp(t *testing.T) {
	mh := newMarginHarness(t)
	mh.createUser(t)

	order := lend(100)
	_, err := mh.invoke(margin.InvokeOwner, fixedterm.AdapterRequest{Op: fixedterm.OpMarginBorrowOrder, Order: &order})
	assert.ErrorIs(t, err, fixedterm.ErrWrongOrderSide)

	_, err = mh.invoke(margin.InvokeOwner, fixedterm.AdapterRequest{Op: "liquidate"})
	assert.ErrorIs(t, err, fixedterm.ErrUnknownOperation)
}

func TestAdapter_MarginLendAndCancel(t *testing.T) {
	mh := newMarginHarness(t)
	mh.createUser(t)

	order := lend(600)
	_, err := mh.invoke(margin.InvokeOwner, fixedterm.AdapterRequest{Op: fixedterm.OpMarginLendOrder, Order: &order})
	require.NoError(t, err)
	// 300 locked moves from the deposit into underlying collateral
	assert.Equal(t, uint64(700), mh.position(t, mh.market.UnderlyingMint).Balance)
	assert.Equal(t, uint64(300), mh.position(t, mh.market.UnderlyingCollateralMint).Balance)

	s := mh.state(t)
	posted := s.Book.Orders(orderbook.Bid)
	require.Len(t, posted, 1)

	_, err = s.CancelOrder(mh.env, mh.acct.Owner, posted[0].ID)
	assert.ErrorIs(t, err, orderbook.ErrWrongOrderOwner, "margin orders cancel through the adapter")

	_, err = mh.invoke(margin.InvokeOwner, fixedterm.AdapterRequest{Op: fixedterm.OpCancelOrder, OrderID: posted[0].ID})
	require.NoError(t, err)

	mu, err := s.User(mh.acct.ID)
	require.NoError(t, err)
	_, err = mh.markets.ConsumeEvents(mh.env, mh.consume(1, fixedterm.EventAccounts{
		Out: &fixedterm.OutAccounts{User: mu.ID},
	}))
	require.NoError(t, err)
	assert.Zero(t, mu.Assets.PostedQuote)
	assert.Equal(t, uint64(300), mu.Assets.EntitledTokens)

	_, err = mh.invoke(margin.InvokeOwner, fixedterm.AdapterRequest{Op: fixedterm.OpSettleUser})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), mh.position(t, mh.market.UnderlyingMint).Balance)
	assert.Zero(t, mh.position(t, mh.market.UnderlyingCollateralMint).Balance)
	checkLedger(t, mh.harness)
}

func TestAdapter_RefreshMarksPastDue(t *testing.T) {
	mh := newMarginHarness(t)
	mh.createUser(t)
	mh.restingLender(t, 1000)

	order := sell(400)
	_, err := mh.invoke(margin.InvokeOwner, fixedterm.AdapterRequest{Op: fixedterm.OpMarginBorrowOrder, Order: &order})
	require.NoError(t, err)

	refresh := fixedterm.AdapterRequest{
		Op:               fixedterm.OpRefreshPosition,
		MarginUser:       fixedterm.MarginUserAddress(mh.market.ID, mh.acct.ID),
		UnderlyingOracle: mh.market.UnderlyingOracle,
		TicketOracle:     mh.market.TicketOracle,
	}

	wrong := refresh
	wrong.TicketOracle = uuid.New()
	_, err = mh.invoke(margin.InvokeAccounting, wrong)
	assert.ErrorIs(t, err, oracle.ErrWrongOracle)

	// past maturity the oracle readings are stale too
	mh.env.Now = now + tenor + 1

	strict := refresh
	strict.ExpectPrice = true
	_, err = mh.invoke(margin.InvokeAccounting, strict)
	assert.ErrorIs(t, err, oracle.ErrOutdatedPrice)
	assert.False(t, mh.position(t, mh.market.ClaimsMint).Flags.Has(margin.FlagPastDue))

	val, err := mh.invoke(margin.InvokeAccounting, refresh)
	require.NoError(t, err)
	assert.True(t, mh.position(t, mh.market.ClaimsMint).Flags.Has(margin.FlagPastDue))
	assert.True(t, val.PastDue)
	assert.False(t, val.IsHealthy())
}

func TestAdapter_RefreshRejectsForeignUser(t *testing.T) {
	mh := newMarginHarness(t)
	mh.createUser(t)

	other := &marginHarness{
		harness: mh.harness,
		reg:     mh.reg,
		gate:    mh.gate,
		adapter: mh.adapter,
		acct:    margin.NewAccount(uuid.New(), uuid.New(), mh.market.Airspace),
	}

	_, err := other.invoke(margin.InvokeAccounting, fixedterm.AdapterRequest{
		Op:               fixedterm.OpRefreshPosition,
		MarginUser:       fixedterm.MarginUserAddress(mh.market.ID, mh.acct.ID),
		UnderlyingOracle: mh.market.UnderlyingOracle,
		TicketOracle:     mh.market.TicketOracle,
	})
	assert.ErrorIs(t, err, fixedterm.ErrWrongClaimAccount)
}

func TestAdapter_AccountingInvokeCannotMoveFunds(t *testing.T) {
	mh := newMarginHarness(t)
	mh.createUser(t)
	attacker := uuid.New()

	// a stranger's resting ask the victim's funds would fill
	mh.fund(t, attacker, mh.market.TicketMint, 400)
	_, err := mh.state(t).PlaceOrder(mh.env, attacker, sell(400))
	require.NoError(t, err)

	bid := lend(400)
	borrowAsk := sell(100)
	requests := []fixedterm.AdapterRequest{
		{Op: fixedterm.OpMarginLendOrder, Order: &bid},
		{Op: fixedterm.OpMarginBorrowOrder, Order: &borrowAsk},
		{Op: fixedterm.OpRepayLoan, Loan: uuid.New(), Amount: 1},
		{Op: fixedterm.OpSettleUser},
		{Op: fixedterm.OpCancelOrder},
		{Op: fixedterm.OpCreateMarginUser},
	}
	for _, req := range requests {
		req.Market = mh.market.ID
		_, err := mh.gate.Invoke(mh.acct, mh.adapter, margin.InvokeAccounting, attacker, req.Encode(), mh.env.Now)
		assert.ErrorIs(t, err, margin.ErrUnauthorizedInvocation, "op %s", req.Op)

		// the owner cannot use the accounting path for these either
		_, err = mh.gate.Invoke(mh.acct, mh.adapter, margin.InvokeAccounting, mh.acct.Owner, req.Encode(), mh.env.Now)
		assert.ErrorIs(t, err, margin.ErrUnauthorizedInvocation, "owner op %s", req.Op)
	}

	assert.Equal(t, uint64(1000), mh.position(t, mh.market.UnderlyingMint).Balance)
	assert.Zero(t, mh.position(t, mh.market.UnderlyingCollateralMint).Balance)
	assert.Len(t, mh.state(t).Book.Orders(orderbook.Ask), 1)
	assert.Empty(t, mh.state(t).Book.Orders(orderbook.Bid))
	checkLedger(t, mh.harness)
}

func (mh *marginHarness) settle(t *testing.T) margin.Valuation {
	t.Helper()
	settlements, err := mh.state(t).TakeMarginSettlements(mh.env)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	require.Equal(t, mh.acct.ID, settlements[0].MarginAccount)
	val, err := mh.gate.Reconcile(mh.acct, mh.market.Adapter, settlements[0].Result, mh.env.Now)
	require.NoError(t, err)
	return val
}

func TestAdapter_CrankSettlesMarginMakerPositions(t *testing.T) {
	mh := newMarginHarness(t)
	mh.createUser(t)

	order := lend(400)
	_, err := mh.invoke(margin.InvokeOwner, fixedterm.AdapterRequest{Op: fixedterm.OpMarginLendOrder, Order: &order})
	require.NoError(t, err)
	assert.Equal(t, uint64(200), mh.position(t, mh.market.UnderlyingCollateralMint).Balance)

	seller := uuid.New()
	mh.fund(t, seller, mh.market.TicketMint, 400)
	s := mh.state(t)
	_, err = s.PlaceOrder(mh.env, seller, sell(400))
	require.NoError(t, err)

	mu, err := s.User(mh.acct.ID)
	require.NoError(t, err)
	ev, err := s.Queue.Peek(0)
	require.NoError(t, err)
	loanID := fixedterm.MakerLoanAddress(mh.market.ID, ev.Fill.MakerOrderID, s.Queue.HeadSeq())
	_, err = mh.markets.ConsumeEvents(mh.env, mh.consume(1, fixedterm.EventAccounts{
		Fill: &fixedterm.FillAccounts{Maker: mu.ID, Loan: &fixedterm.LoanAccount{Kind: fixedterm.LoanAutoStake, Address: loanID}},
	}))
	require.NoError(t, err)

	// the crank moved the adapter holdings, the account has not seen it yet
	assert.Zero(t, mh.position(t, mh.market.TicketCollateralMint).Balance)
	assert.Equal(t, uint64(200), mh.position(t, mh.market.UnderlyingCollateralMint).Balance)

	val := mh.settle(t)
	tickets := mh.position(t, mh.market.TicketCollateralMint)
	assert.Equal(t, uint64(400), tickets.Balance)
	assert.False(t, tickets.PriceStale)
	assert.Zero(t, mh.position(t, mh.market.UnderlyingCollateralMint).Balance)
	assert.Empty(t, val.Stale)

	again, err := s.TakeMarginSettlements(mh.env)
	require.NoError(t, err)
	assert.Empty(t, again)
	checkLedger(t, mh.harness)
}

func TestAdapter_RolledLoanSettlesClaims(t *testing.T) {
	mh := newMarginHarness(t)
	mh.createUser(t)
	mh.restingLender(t, 1000)

	order := sell(400)
	order.AutoRoll = true
	_, err := mh.invoke(margin.InvokeOwner, fixedterm.AdapterRequest{Op: fixedterm.OpMarginBorrowOrder, Order: &order})
	require.NoError(t, err)
	assert.Equal(t, uint64(400), mh.position(t, mh.market.ClaimsMint).Balance)

	s := mh.state(t)
	require.Len(t, s.Loans, 1)
	var loanID uuid.UUID
	for id := range s.Loans {
		loanID = id
	}
	_, err = s.TakeMarginSettlements(mh.env)
	require.NoError(t, err)

	mh.env.Now = now + tenor
	for _, feed := range []uuid.UUID{mh.market.UnderlyingOracle, mh.market.TicketOracle} {
		_, err := mh.env.Oracles.Apply(oracle.Feed{ID: feed, Price: 1, PublishTime: mh.env.Now})
		require.NoError(t, err)
	}
	mh.restingLender(t, 1000)

	_, err = mh.markets.AutoRoll(mh.env, fixedterm.RollRequest{
		Market: mh.market.ID, Crank: mh.crank.Crank, Authorization: mh.crank.ID, Target: loanID,
	})
	require.NoError(t, err)

	// 400 due is refinanced at half, so 800 of new face value is owed
	mu, err := s.User(mh.acct.ID)
	require.NoError(t, err)
	total, err := mu.Debt.Total()
	require.NoError(t, err)
	assert.Equal(t, uint64(800), total)
	assert.Equal(t, uint64(400), mh.position(t, mh.market.ClaimsMint).Balance)

	mh.settle(t)
	claims := mh.position(t, mh.market.ClaimsMint)
	assert.Equal(t, uint64(800), claims.Balance)
	assert.Equal(t, mh.env.Now, claims.BalanceTimestamp)
	assert.False(t, claims.PriceStale)
	checkLedger(t, mh.harness)
}
