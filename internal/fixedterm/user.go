package fixedterm

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"MarginLedger/internal/fault"
	"MarginLedger/internal/ledger"
	fp "MarginLedger/internal/math"
)

// Debt is what a margin user owes the market.
type Debt struct {
	// Pending is the face value of resting borrow orders.
	Pending uint64 `json:"pending"`
	// Committed is the face value of filled term loans not yet repaid.
	Committed uint64 `json:"committed"`
	// NextMaturity is the earliest maturity among unpaid loans, zero when
	// there are none.
	NextMaturity int64 `json:"next_maturity,omitempty"`
}

// Total is the debt the claims position reports.
func (d Debt) Total() (uint64, error) {
	return add(d.Pending, d.Committed)
}

// IsPastDue reports whether some loan has matured without being repaid.
func (d Debt) IsPastDue(now int64) bool {
	return d.NextMaturity != 0 && d.NextMaturity <= now
}

// Assets is what the market owes a margin user.
type Assets struct {
	// EntitledTokens is underlying the user may settle into custody.
	EntitledTokens uint64 `json:"entitled_tokens"`
	// PostedQuote is underlying locked by resting lend orders.
	PostedQuote uint64 `json:"posted_quote"`
	// StakedTickets is the face value of split tickets held.
	StakedTickets uint64 `json:"staked_tickets"`
}

// MarginUser binds one margin account to one market.
type MarginUser struct {
	ID            uuid.UUID `json:"id"`
	MarginAccount uuid.UUID `json:"margin_account"`
	Owner         uuid.UUID `json:"owner"`
	Market        uuid.UUID `json:"market"`
	Debt          Debt      `json:"debt"`
	Assets        Assets    `json:"assets"`
	LoanSequence  uint64    `json:"loan_sequence"`
}

// TermLoan is a filled borrow: Balance is the face value still owed at
// Maturity, Principal the underlying the borrower received.
type TermLoan struct {
	ID            uuid.UUID `json:"id"`
	Market        uuid.UUID `json:"market"`
	MarginUser    uuid.UUID `json:"margin_user"`
	MarginAccount uuid.UUID `json:"margin_account"`
	Principal     uint64    `json:"principal"`
	Balance       uint64    `json:"balance"`
	Price         fp.Fp32   `json:"price"`
	StartedAt     int64     `json:"started_at"`
	Maturity      int64     `json:"maturity"`
	AutoRoll      bool      `json:"auto_roll,omitempty"`
}

// SplitTicket is staked lending principal redeemable for FaceValue of
// underlying at Maturity. Owner is a wallet owner or a margin user.
type SplitTicket struct {
	ID         uuid.UUID `json:"id"`
	Market     uuid.UUID `json:"market"`
	Owner      uuid.UUID `json:"owner"`
	MarginUser bool      `json:"margin_user,omitempty"`
	Principal  uint64    `json:"principal"`
	FaceValue  uint64    `json:"face_value"`
	Price      fp.Fp32   `json:"price"`
	StakedAt   int64     `json:"staked_at"`
	Maturity   int64     `json:"maturity"`
	AutoRoll   bool      `json:"auto_roll,omitempty"`
}

// addressSpace namespaces every address derived by the market.
var addressSpace = uuid.MustParse("3f7a9d52-4c1e-4b0a-8e6d-91c2a7f05b38")

// MarginUserAddress is the margin user of account in market.
func MarginUserAddress(market, account uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(addressSpace, append(append([]byte("margin_user"), market[:]...), account[:]...))
}

// MakerLoanAddress is the term loan or split ticket the crank creates for
// the maker of the fill queued at eventSeq.
func MakerLoanAddress(market uuid.UUID, makerOrder ulid.ULID, eventSeq uint64) uuid.UUID {
	return loanAddress("maker", market, makerOrder, eventSeq)
}

// TakerLoanAddress is the term loan or split ticket created for the n-th
// fill of a taker order.
func TakerLoanAddress(market uuid.UUID, takerOrder ulid.ULID, n uint64) uuid.UUID {
	return loanAddress("taker", market, takerOrder, n)
}

// StakeAddress is the split ticket created by the n-th stake of owner.
func StakeAddress(market, owner uuid.UUID, n uint64) uuid.UUID {
	var id ulid.ULID
	copy(id[:], owner[:])
	return loanAddress("stake", market, id, n)
}

func loanAddress(role string, market uuid.UUID, order ulid.ULID, n uint64) uuid.UUID {
	buf := make([]byte, 0, len(role)+16+16+8)
	buf = append(buf, role...)
	buf = append(buf, market[:]...)
	buf = append(buf, order[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, n)
	return uuid.NewSHA1(addressSpace, buf)
}

func add(a, b uint64) (uint64, error) {
	if a > ^uint64(0)-b {
		return 0, fmt.Errorf("%d + %d: %w", a, b, fault.ErrOverflow)
	}
	return a + b, nil
}

func sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, fmt.Errorf("%d - %d: %w", a, b, fault.ErrNegativeResult)
	}
	return a - b, nil
}

// User returns the margin user of account.
func (s *MarketState) User(account uuid.UUID) (*MarginUser, error) {
	mu, ok := s.Users[MarginUserAddress(s.Market.ID, account)]
	if !ok {
		return nil, ErrUserNotInMarket.Wrapf("account %s", account)
	}
	return mu, nil
}

// claimsKey, ticketCollateralKey and underlyingCollateralKey are the
// custody accounts backing the adapter positions of a margin user.
func (s *MarketState) claimsKey(mu *MarginUser) ledger.AccountKey {
	return ledger.NewMarginDepositKey(mu.MarginAccount, s.Market.ClaimsMint)
}

func (s *MarketState) ticketCollateralKey(mu *MarginUser) ledger.AccountKey {
	return ledger.NewMarginDepositKey(mu.MarginAccount, s.Market.TicketCollateralMint)
}

func (s *MarketState) underlyingCollateralKey(mu *MarginUser) ledger.AccountKey {
	return ledger.NewMarginDepositKey(mu.MarginAccount, s.Market.UnderlyingCollateralMint)
}

// custodyKey is the margin account's own underlying custody.
func (s *MarketState) custodyKey(mu *MarginUser) ledger.AccountKey {
	return ledger.NewMarginDepositKey(mu.MarginAccount, s.Market.UnderlyingMint)
}

// holdings are the target balances of the adapter custody accounts.
func (s *MarketState) holdings(mu *MarginUser) (claims, tickets, underlying uint64, err error) {
	if claims, err = mu.Debt.Total(); err != nil {
		return 0, 0, 0, err
	}
	if underlying, err = add(mu.Assets.EntitledTokens, mu.Assets.PostedQuote); err != nil {
		return 0, 0, 0, err
	}
	return claims, mu.Assets.StakedTickets, underlying, nil
}

// syncUser issues or burns claim and collateral tokens so custody mirrors
// the margin user's books.
func (s *MarketState) syncUser(env *Env, mu *MarginUser) error {
	claims, tickets, underlying, err := s.holdings(mu)
	if err != nil {
		return err
	}
	if s.settled == nil {
		s.settled = make(map[uuid.UUID]struct{})
	}
	s.settled[mu.ID] = struct{}{}
	for _, h := range []struct {
		key  ledger.AccountKey
		want uint64
	}{
		{s.claimsKey(mu), claims},
		{s.ticketCollateralKey(mu), tickets},
		{s.underlyingCollateralKey(mu), underlying},
	} {
		have := env.Custody.GetBalance(h.key)
		if have < 0 {
			panic(fmt.Sprintf("FATAL: adapter custody %s negative: %d", h.key.AccountPath(), have))
		}
		switch {
		case h.want > uint64(have):
			err = env.Journal.Issue(h.key, h.want-uint64(have))
		case h.want < uint64(have):
			err = env.Journal.Burn(h.key, uint64(have)-h.want)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// refreshMaturity recomputes the earliest unpaid maturity of mu.
func (s *MarketState) refreshMaturity(mu *MarginUser) {
	var next int64
	for _, l := range s.Loans {
		if l.MarginUser != mu.ID || l.Balance == 0 {
			continue
		}
		if next == 0 || l.Maturity < next {
			next = l.Maturity
		}
	}
	mu.Debt.NextMaturity = next
}

// addLoan records a filled borrow against mu.
func (s *MarketState) addLoan(env *Env, mu *MarginUser, id uuid.UUID, base, quote uint64, price fp.Fp32, autoRoll bool) (*TermLoan, error) {
	if _, exists := s.Loans[id]; exists {
		return nil, ErrWrongLoanAccount.Wrapf("term loan %s already exists", id)
	}
	committed, err := add(mu.Debt.Committed, base)
	if err != nil {
		return nil, err
	}
	mu.Debt.Committed = committed
	mu.LoanSequence++
	loan := &TermLoan{
		ID:            id,
		Market:        s.Market.ID,
		MarginUser:    mu.ID,
		MarginAccount: mu.MarginAccount,
		Principal:     quote,
		Balance:       base,
		Price:         price,
		StartedAt:     env.Now,
		Maturity:      env.Now + s.Market.BorrowTenor,
		AutoRoll:      autoRoll,
	}
	s.Loans[id] = loan
	s.refreshMaturity(mu)
	return loan, nil
}

// reduceLoan lowers a loan balance by amount, removing it once repaid.
func (s *MarketState) reduceLoan(mu *MarginUser, loan *TermLoan, amount uint64) error {
	if amount > loan.Balance {
		return ErrRepayExceedsBalance.Wrapf("repay %d, balance %d", amount, loan.Balance)
	}
	committed, err := sub(mu.Debt.Committed, amount)
	if err != nil {
		return err
	}
	mu.Debt.Committed = committed
	loan.Balance -= amount
	if loan.Balance == 0 {
		delete(s.Loans, loan.ID)
	}
	s.refreshMaturity(mu)
	return nil
}

// addTicket records staked lending principal.
func (s *MarketState) addTicket(env *Env, id, owner uuid.UUID, margin bool, base, quote uint64, price fp.Fp32, autoRoll bool) (*SplitTicket, error) {
	if _, exists := s.Tickets[id]; exists {
		return nil, ErrWrongLoanAccount.Wrapf("split ticket %s already exists", id)
	}
	t := &SplitTicket{
		ID:         id,
		Market:     s.Market.ID,
		Owner:      owner,
		MarginUser: margin,
		Principal:  quote,
		FaceValue:  base,
		Price:      price,
		StakedAt:   env.Now,
		Maturity:   env.Now + s.Market.LendTenor,
		AutoRoll:   autoRoll,
	}
	s.Tickets[id] = t
	if margin {
		mu, ok := s.Users[owner]
		if !ok {
			return nil, ErrUserNotInMarket.Wrapf("margin user %s", owner)
		}
		staked, err := add(mu.Assets.StakedTickets, base)
		if err != nil {
			return nil, err
		}
		mu.Assets.StakedTickets = staked
	}
	return t, nil
}
