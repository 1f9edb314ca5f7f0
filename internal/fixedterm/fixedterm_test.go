package fixedterm_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarginLedger/internal/fault"
	"MarginLedger/internal/fixedterm"
	"MarginLedger/internal/ledger"
	fp "MarginLedger/internal/math"
	"MarginLedger/internal/orderbook"
	"MarginLedger/internal/oracle"
)

const (
	now   = int64(1_700_000_000)
	tenor = int64(7 * 24 * 3600)
	half  = fp.Fp32One / 2
)

type harness struct {
	markets *fixedterm.Markets
	env     *fixedterm.Env
	market  fixedterm.Market
	crank   fixedterm.CrankAuthorization
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m := fixedterm.Market{
		ID:                       uuid.New(),
		Airspace:                 uuid.New(),
		Adapter:                  uuid.New(),
		UnderlyingMint:           uuid.New(),
		TicketMint:               uuid.New(),
		ClaimsMint:               uuid.New(),
		TicketCollateralMint:     uuid.New(),
		UnderlyingCollateralMint: uuid.New(),
		UnderlyingOracle:         uuid.New(),
		TicketOracle:             uuid.New(),
		OrderbookID:              uuid.New(),
		EventQueueID:             uuid.New(),
		EventQueueCapacity:       16,
		BorrowTenor:              tenor,
		LendTenor:                tenor,
	}
	markets := fixedterm.NewMarkets()
	require.NoError(t, markets.AddMarket(m))
	crank := fixedterm.CrankAuthorization{ID: uuid.New(), Crank: uuid.New(), Airspace: m.Airspace, Market: m.ID}
	markets.AuthorizeCrank(crank)

	tracker := ledger.NewBalanceTracker()
	oracles := oracle.NewTable()
	for _, id := range []uuid.UUID{m.UnderlyingOracle, m.TicketOracle} {
		oracles.Register(id)
		_, err := oracles.Apply(oracle.Feed{ID: id, Price: 1, PublishTime: now})
		require.NoError(t, err)
	}
	env := &fixedterm.Env{
		Now:     now,
		Custody: tracker,
		Journal: ledger.NewJournalGenerator(tracker, 1, "test", now),
		Oracles: oracles,
		Log:     zerolog.Nop(),
	}
	return &harness{markets: markets, env: env, market: m, crank: crank}
}

func (h *harness) state(t *testing.T) *fixedterm.MarketState {
	t.Helper()
	s, err := h.markets.Get(h.market.ID)
	require.NoError(t, err)
	return s
}

func (h *harness) fund(t *testing.T, owner, mint uuid.UUID, amount uint64) {
	t.Helper()
	require.NoError(t, h.env.Journal.Deposit(owner, mint, amount))
}

func (h *harness) balance(key ledger.AccountKey) int64 {
	return h.env.Custody.GetBalance(key)
}

func (h *harness) wallet(owner, mint uuid.UUID) ledger.AccountKey {
	return ledger.NewWalletKey(owner, mint)
}

func (h *harness) consume(n int, accounts ...fixedterm.EventAccounts) fixedterm.ConsumeRequest {
	return fixedterm.ConsumeRequest{
		Market:        h.market.ID,
		Crank:         h.crank.Crank,
		Authorization: h.crank.ID,
		TicketMint:    h.market.TicketMint,
		Vault:         h.market.Vault().Address(),
		MarketState:   h.market.OrderbookID,
		EventQueue:    h.market.EventQueueID,
		NumEvents:     n,
		Accounts:      accounts,
	}
}

func lend(qty uint64) fixedterm.OrderRequest {
	return fixedterm.OrderRequest{Params: orderbook.OrderParams{
		Side: orderbook.Bid, MaxBaseQty: qty, LimitPrice: half, MatchLimit: 16, PostAllowed: true,
	}}
}

func sell(qty uint64) fixedterm.OrderRequest {
	return fixedterm.OrderRequest{Params: orderbook.OrderParams{
		Side: orderbook.Ask, MaxBaseQty: qty, LimitPrice: half, MatchLimit: 16, PostAllowed: true,
	}}
}

func checkLedger(t *testing.T, h *harness) {
	t.Helper()
	v := ledger.NewInvariantValidator(h.env.Custody)
	require.NoError(t, v.ValidateAll())
}

// ============================================================================
// Wallet orders and the crank
// ============================================================================

func TestMarket_WalletLendSellCrankCancel(t *testing.T) {
	h := newHarness(t)
	s := h.state(t)
	lender, seller := uuid.New(), uuid.New()
	h.fund(t, lender, h.market.UnderlyingMint, 1000)
	h.fund(t, seller, h.market.TicketMint, 1000)

	bid, err := s.PlaceOrder(h.env, lender, lend(1000))
	require.NoError(t, err)
	require.NotNil(t, bid.Posted)
	assert.Equal(t, uint64(500), bid.Posted.QuoteLocked)
	assert.Equal(t, int64(500), h.balance(h.market.Vault()))

	ask, err := s.PlaceOrder(h.env, seller, sell(400))
	require.NoError(t, err)
	assert.Equal(t, uint64(400), ask.BaseFilled)
	assert.Equal(t, uint64(200), ask.QuoteFilled)
	assert.Equal(t, int64(200), h.balance(h.wallet(seller, h.market.UnderlyingMint)))
	assert.Equal(t, int64(400), h.balance(h.market.TicketEscrow()))
	require.Equal(t, 1, s.Queue.Len())

	makerWallet := h.wallet(lender, h.market.TicketMint).Address()
	res, err := h.markets.ConsumeEvents(h.env, h.consume(4, fixedterm.EventAccounts{
		Fill: &fixedterm.FillAccounts{Maker: makerWallet},
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Consumed)
	assert.Equal(t, 0, s.Queue.Len())
	assert.Equal(t, int64(400), h.balance(h.wallet(lender, h.market.TicketMint)))
	assert.Zero(t, h.balance(h.market.TicketEscrow()))
	assert.Equal(t, int64(300), h.balance(h.market.Vault()))

	out, err := s.CancelOrder(h.env, lender, bid.OrderID)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), out.BaseQty)
	assert.Equal(t, uint64(300), out.QuoteLocked)

	refundTo := h.wallet(lender, h.market.UnderlyingMint).Address()
	_, err = h.markets.ConsumeEvents(h.env, h.consume(1, fixedterm.EventAccounts{
		Out: &fixedterm.OutAccounts{User: refundTo},
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(800), h.balance(h.wallet(lender, h.market.UnderlyingMint)))
	assert.Zero(t, h.balance(h.market.Vault()))
	checkLedger(t, h)
}

func TestMarket_CancelRequiresOwner(t *testing.T) {
	h := newHarness(t)
	s := h.state(t)
	lender := uuid.New()
	h.fund(t, lender, h.market.UnderlyingMint, 100)

	bid, err := s.PlaceOrder(h.env, lender, lend(100))
	require.NoError(t, err)

	_, err = s.CancelOrder(h.env, uuid.New(), bid.OrderID)
	assert.ErrorIs(t, err, orderbook.ErrWrongOrderOwner)
	assert.Equal(t, 0, s.Queue.Len())
}

func TestMarket_UnfundedOrderFails(t *testing.T) {
	h := newHarness(t)
	s := h.state(t)

	_, err := s.PlaceOrder(h.env, uuid.New(), lend(100))
	require.Error(t, err)
	assert.Equal(t, fault.ClassPolicy, fault.ClassOf(err))
}

// ============================================================================
// Crank validation
// ============================================================================

func crossedBook(t *testing.T, h *harness, autoStake bool) (lender uuid.UUID) {
	t.Helper()
	s := h.state(t)
	lender, seller := uuid.New(), uuid.New()
	h.fund(t, lender, h.market.UnderlyingMint, 1000)
	h.fund(t, seller, h.market.TicketMint, 1000)

	req := lend(1000)
	req.AutoStake = autoStake
	_, err := s.PlaceOrder(h.env, lender, req)
	require.NoError(t, err)
	_, err = s.PlaceOrder(h.env, seller, sell(1000))
	require.NoError(t, err)
	require.Equal(t, 1, s.Queue.Len())
	return lender
}

func TestConsume_RejectsWrongAccountsAndLeavesQueue(t *testing.T) {
	h := newHarness(t)
	crossedBook(t, h, true)
	s := h.state(t)

	_, err := h.markets.ConsumeEvents(h.env, h.consume(1, fixedterm.EventAccounts{
		Fill: &fixedterm.FillAccounts{Maker: uuid.New()},
	}))
	assert.ErrorIs(t, err, fixedterm.ErrWrongUserAccount)
	assert.Equal(t, 1, s.Queue.Len())

	ev, err := s.Queue.Peek(0)
	require.NoError(t, err)
	_, err = h.markets.ConsumeEvents(h.env, h.consume(1, fixedterm.EventAccounts{
		Fill: &fixedterm.FillAccounts{Maker: ev.Fill.Maker.Owner},
	}))
	assert.ErrorIs(t, err, fixedterm.ErrMissingLoanAccount)
	assert.Equal(t, 1, s.Queue.Len())

	_, err = h.markets.ConsumeEvents(h.env, h.consume(1))
	assert.ErrorIs(t, err, fixedterm.ErrMissingEventAccounts)
	assert.Equal(t, 1, s.Queue.Len())
}

func TestConsume_MarketRelationships(t *testing.T) {
	h := newHarness(t)

	req := h.consume(1)
	req.Vault = uuid.New()
	_, err := h.markets.ConsumeEvents(h.env, req)
	assert.ErrorIs(t, err, fixedterm.ErrWrongVault)

	req = h.consume(1)
	req.TicketMint = uuid.New()
	_, err = h.markets.ConsumeEvents(h.env, req)
	assert.ErrorIs(t, err, fixedterm.ErrWrongTicketMint)

	req = h.consume(1)
	req.Crank = uuid.New()
	_, err = h.markets.ConsumeEvents(h.env, req)
	assert.ErrorIs(t, err, fixedterm.ErrWrongCrankAuthority)

	res, err := h.markets.ConsumeEvents(h.env, h.consume(8))
	require.NoError(t, err)
	assert.Zero(t, res.Consumed)
}

func TestConsume_AutoStakeCreatesSplitTicket(t *testing.T) {
	h := newHarness(t)
	lender := crossedBook(t, h, true)
	s := h.state(t)

	ev, err := s.Queue.Peek(0)
	require.NoError(t, err)
	loanID := fixedterm.MakerLoanAddress(h.market.ID, ev.Fill.MakerOrderID, s.Queue.HeadSeq())

	res, err := h.markets.ConsumeEvents(h.env, h.consume(1, fixedterm.EventAccounts{
		Fill: &fixedterm.FillAccounts{
			Maker: lender,
			Loan:  &fixedterm.LoanAccount{Kind: fixedterm.LoanAutoStake, Address: loanID},
		},
	}))
	require.NoError(t, err)
	require.Equal(t, 1, res.Consumed)

	ticket, ok := s.Tickets[loanID]
	require.True(t, ok)
	assert.Equal(t, lender, ticket.Owner)
	assert.Equal(t, uint64(1000), ticket.FaceValue)
	assert.Equal(t, uint64(500), ticket.Principal)
	assert.Equal(t, now+tenor, ticket.Maturity)
	assert.Zero(t, h.balance(h.market.TicketEscrow()))

	// a consumed event is gone, a repeated crank call has nothing to do
	res, err = h.markets.ConsumeEvents(h.env, h.consume(1))
	require.NoError(t, err)
	assert.Zero(t, res.Consumed)

	_, err = s.RedeemTicket(h.env, lender, loanID)
	assert.ErrorIs(t, err, fixedterm.ErrNotMatured)

	// borrowers repay face value into the vault
	payer := uuid.New()
	h.fund(t, payer, h.market.UnderlyingMint, 1000)
	require.NoError(t, h.env.Journal.Transfer(h.wallet(payer, h.market.UnderlyingMint), h.market.Vault(), 1000, ledger.JournalTypeLoanRepay))

	h.env.Now = now + tenor
	_, err = s.RedeemTicket(h.env, uuid.New(), loanID)
	assert.ErrorIs(t, err, fixedterm.ErrWrongTicketOwner)
	paid, err := s.RedeemTicket(h.env, lender, loanID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), paid)
	assert.Equal(t, int64(1500), h.balance(h.wallet(lender, h.market.UnderlyingMint)))
	checkLedger(t, h)
}

func TestConsume_ForwardsToEventAdapter(t *testing.T) {
	h := newHarness(t)
	s := h.state(t)
	lender, seller := uuid.New(), uuid.New()
	adapterID := uuid.New()
	require.NoError(t, s.RegisterEventAdapter(lender, adapterID, 4))
	assert.ErrorIs(t, s.RegisterEventAdapter(lender, adapterID, 4), fixedterm.ErrEventAdapterExists)

	h.fund(t, lender, h.market.UnderlyingMint, 100)
	h.fund(t, seller, h.market.TicketMint, 100)
	req := lend(100)
	req.Adapter = adapterID
	_, err := s.PlaceOrder(h.env, lender, req)
	require.NoError(t, err)
	_, err = s.PlaceOrder(h.env, seller, sell(100))
	require.NoError(t, err)

	makerWallet := h.wallet(lender, h.market.TicketMint).Address()
	_, err = h.markets.ConsumeEvents(h.env, h.consume(1, fixedterm.EventAccounts{
		Fill: &fixedterm.FillAccounts{Maker: makerWallet},
	}))
	assert.ErrorIs(t, err, fixedterm.ErrWrongAdapter)

	_, err = h.markets.ConsumeEvents(h.env, h.consume(1, fixedterm.EventAccounts{
		Fill: &fixedterm.FillAccounts{Maker: makerWallet, MakerAdapter: adapterID},
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Adapters[adapterID].Queue.Len())

	assert.ErrorIs(t, s.PopAdapterEvents(seller, adapterID, 1), fixedterm.ErrWrongAdapter)
	require.NoError(t, s.PopAdapterEvents(lender, adapterID, 5))
	assert.Zero(t, s.Adapters[adapterID].Queue.Len())
}

// ============================================================================
// Staking and auto roll
// ============================================================================

func TestMarket_StakeTickets(t *testing.T) {
	h := newHarness(t)
	s := h.state(t)
	owner := uuid.New()
	h.fund(t, owner, h.market.TicketMint, 250)

	ticket, err := s.StakeTickets(h.env, owner, 200)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), ticket.FaceValue)
	assert.Equal(t, int64(50), h.balance(h.wallet(owner, h.market.TicketMint)))

	_, err = s.StakeTickets(h.env, owner, 100)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestAutoRoll_RelendsMaturedTicket(t *testing.T) {
	h := newHarness(t)
	s := h.state(t)
	lender, seller := uuid.New(), uuid.New()
	h.fund(t, lender, h.market.UnderlyingMint, 1000)
	h.fund(t, seller, h.market.TicketMint, 1000)

	req := lend(1000)
	req.AutoStake, req.AutoRoll = true, true
	_, err := s.PlaceOrder(h.env, lender, req)
	require.NoError(t, err)
	_, err = s.PlaceOrder(h.env, seller, sell(1000))
	require.NoError(t, err)

	ev, err := s.Queue.Peek(0)
	require.NoError(t, err)
	loanID := fixedterm.MakerLoanAddress(h.market.ID, ev.Fill.MakerOrderID, s.Queue.HeadSeq())
	_, err = h.markets.ConsumeEvents(h.env, h.consume(1, fixedterm.EventAccounts{
		Fill: &fixedterm.FillAccounts{Maker: lender, Loan: &fixedterm.LoanAccount{Kind: fixedterm.LoanAutoStake, Address: loanID}},
	}))
	require.NoError(t, err)
	require.True(t, s.Tickets[loanID].AutoRoll)

	roll := fixedterm.RollRequest{Market: h.market.ID, Crank: h.crank.Crank, Authorization: h.crank.ID, Target: loanID}
	_, err = h.markets.AutoRoll(h.env, roll)
	assert.ErrorIs(t, err, fixedterm.ErrNotMatured)

	bad := roll
	bad.Crank = uuid.New()
	_, err = h.markets.AutoRoll(h.env, bad)
	assert.ErrorIs(t, err, fixedterm.ErrWrongCrankAuthority)

	// face value repaid into the vault at maturity
	payer := uuid.New()
	h.fund(t, payer, h.market.UnderlyingMint, 1000)
	require.NoError(t, h.env.Journal.Transfer(h.wallet(payer, h.market.UnderlyingMint), h.market.Vault(), 1000, ledger.JournalTypeLoanRepay))

	h.env.Now = now + tenor
	sum, err := h.markets.AutoRoll(h.env, roll)
	require.NoError(t, err)
	require.NotNil(t, sum.Posted)
	assert.Equal(t, uint64(2000), sum.Posted.BaseQty)
	assert.Equal(t, uint64(1000), sum.Posted.QuoteLocked)
	assert.True(t, sum.Posted.Callback.AutoRoll)
	assert.NotContains(t, s.Tickets, loanID)
	assert.Equal(t, int64(1000), h.balance(h.market.Vault()))
	checkLedger(t, h)
}

func TestAutoRoll_RequiresFlag(t *testing.T) {
	h := newHarness(t)
	s := h.state(t)
	owner := uuid.New()
	h.fund(t, owner, h.market.TicketMint, 10)
	ticket, err := s.StakeTickets(h.env, owner, 10)
	require.NoError(t, err)

	h.env.Now = now + tenor
	_, err = h.markets.AutoRoll(h.env, fixedterm.RollRequest{
		Market: h.market.ID, Crank: h.crank.Crank, Authorization: h.crank.ID, Target: ticket.ID,
	})
	assert.ErrorIs(t, err, fixedterm.ErrNotAutoRoll)
}

// ============================================================================
// Snapshots
// ============================================================================

func TestMarkets_SnapshotRestore(t *testing.T) {
	h := newHarness(t)
	lender := crossedBook(t, h, false)
	s := h.state(t)

	restored := fixedterm.Restore(h.markets.Snapshot())
	rs, err := restored.Get(h.market.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Queue.Len(), rs.Queue.Len())
	assert.Equal(t, s.Book.Len(), rs.Book.Len())
	assert.Equal(t, s.OrderNonce, rs.OrderNonce)

	_, err = restored.ConsumeEvents(h.env, h.consume(1, fixedterm.EventAccounts{
		Fill: &fixedterm.FillAccounts{Maker: h.wallet(lender, h.market.TicketMint).Address()},
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Queue.Len(), "original untouched by restored copy")
}

func TestMarket_Validate(t *testing.T) {
	h := newHarness(t)
	m := h.market
	m.BorrowTenor = 0
	assert.ErrorIs(t, m.Validate(), fixedterm.ErrInvalidMarketConfig)

	m = h.market
	m.TicketMint = uuid.Nil
	assert.ErrorIs(t, h.markets.AddMarket(m), fixedterm.ErrInvalidMarketConfig)
}
