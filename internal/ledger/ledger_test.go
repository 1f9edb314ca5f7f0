package ledger_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"MarginLedger/internal/fault"
	"MarginLedger/internal/ledger"
)

var usdc = uuid.MustParse("9a1d2f40-0000-4000-8000-0000000000c1")

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_WalletPath(t *testing.T) {
	owner := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewWalletKey(owner, usdc)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:wallet:" + usdc.String()
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc)

	path := key.AccountPath()
	if path != "external:deposits:"+usdc.String() {
		t.Errorf("got %q", path)
	}
	if !key.MayGoNegative() {
		t.Error("external accounts mirror outside supply and may go negative")
	}
}

func TestAccountKey_AddressStable(t *testing.T) {
	owner := uuid.New()
	a := ledger.NewMarginDepositKey(owner, usdc).Address()
	b := ledger.NewMarginDepositKey(owner, usdc).Address()
	c := ledger.NewWalletKey(owner, usdc).Address()

	if a != b {
		t.Error("address must be derived deterministically from the key")
	}
	if a == c {
		t.Error("different sub-types must not share an address")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func deposit(t *testing.T, bt *ledger.BalanceTracker, owner uuid.UUID, amount uint64) {
	t.Helper()
	gen := ledger.NewJournalGenerator(bt, 1, "deposit", 0)
	if err := gen.Deposit(owner, usdc, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	balance := bt.GetBalance(ledger.NewWalletKey(uuid.New(), usdc))
	if balance != 0 {
		t.Errorf("initial balance should be 0, got %d", balance)
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewWalletKey(owner, usdc),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc),
				Mint:          usdc,
				Amount:        500_000,
			},
		},
	}

	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if bt.GetBalance(ledger.NewWalletKey(owner, usdc)) != 500_000 {
		t.Errorf("expected 500_000 after batch apply")
	}
}

func TestBalanceTracker_ApplyBatchRejectsOverdraftAtomically(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()
	deposit(t, bt, owner, 100)

	wallet := ledger.NewWalletKey(owner, usdc)
	custody := ledger.NewMarginDepositKey(uuid.New(), usdc)
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{JournalID: uuid.New(), BatchID: batchID, DebitAccount: custody, CreditAccount: wallet, Mint: usdc, Amount: 60},
			{JournalID: uuid.New(), BatchID: batchID, DebitAccount: custody, CreditAccount: wallet, Mint: usdc, Amount: 60},
		},
	}

	err := bt.ApplyBatch(batch)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if fault.ClassOf(err) != fault.ClassPolicy {
		t.Errorf("overdraft should classify as policy, got %s", fault.ClassOf(err))
	}
	if bt.GetBalance(wallet) != 100 || bt.GetBalance(custody) != 0 {
		t.Error("rejected batch must leave balances untouched")
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()
	deposit(t, bt, owner, 1_000_000)

	gen := ledger.NewJournalGenerator(bt, 2, "margin", 0)
	err := gen.Transfer(ledger.NewWalletKey(owner, usdc), ledger.NewMarginDepositKey(uuid.New(), usdc), 300_000, ledger.JournalTypeMarginDeposit)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	totals := bt.ComputeGlobalBalance()
	for mint, total := range totals {
		if total != 0 {
			t.Errorf("mint %s has non-zero global balance: %d", mint, total)
		}
	}
}

func TestBalanceTracker_ValidateSufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()
	wallet := ledger.NewWalletKey(owner, usdc)

	if err := bt.ValidateSufficient(wallet, 100); err == nil {
		t.Error("expected error for insufficient balance")
	}

	deposit(t, bt, owner, 1_000)

	if err := bt.ValidateSufficient(wallet, 1_000); err != nil {
		t.Errorf("should have sufficient balance: %v", err)
	}
	if err := bt.ValidateSufficient(wallet, 1_001); err == nil {
		t.Error("expected error for 1_001 > 1_000")
	}
}

func TestBalanceTracker_TokenAccountBalance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()

	custody := ledger.NewMarginDepositKey(owner, usdc)
	if _, err := bt.TokenAccountBalance(custody.Address()); !errors.Is(err, ledger.ErrUnknownTokenAccount) {
		t.Fatalf("expected ErrUnknownTokenAccount, got %v", err)
	}

	addr := bt.Open(custody)
	bal, err := bt.TokenAccountBalance(addr)
	if err != nil || bal != 0 {
		t.Fatalf("opened account: bal=%d err=%v", bal, err)
	}

	deposit(t, bt, owner, 250)
	gen := ledger.NewJournalGenerator(bt, 2, "fund", 0)
	if err := gen.Transfer(ledger.NewWalletKey(owner, usdc), custody, 250, ledger.JournalTypeMarginDeposit); err != nil {
		t.Fatal(err)
	}
	bal, _ = bt.TokenAccountBalance(addr)
	if bal != 250 {
		t.Errorf("got %d, want 250", bal)
	}
}

func TestBalanceTracker_CloneIsIsolated(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()
	deposit(t, bt, owner, 10)

	clone := bt.Clone()
	deposit(t, clone, owner, 5)

	if bt.GetBalance(ledger.NewWalletKey(owner, usdc)) != 10 {
		t.Error("clone mutation leaked into the original")
	}
	if clone.GetBalance(ledger.NewWalletKey(owner, usdc)) != 15 {
		t.Error("clone should hold its own deposit")
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()
	deposit(t, bt, owner, 999)

	snap := bt.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot should hold wallet and boundary account, got %d", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Path >= snap[i].Path {
			t.Error("snapshot must be sorted by path")
		}
	}

	restored := ledger.RestoreBalanceTracker(snap)
	if restored.GetBalance(ledger.NewWalletKey(owner, usdc)) != 999 {
		t.Error("restored tracker lost the wallet balance")
	}
	if _, err := restored.TokenAccountBalance(ledger.NewWalletKey(owner, usdc).Address()); err != nil {
		t.Errorf("restored tracker should index addresses: %v", err)
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestJournalGenerator_DeterministicIDs(t *testing.T) {
	owner := uuid.New()
	build := func() *ledger.Batch {
		gen := ledger.NewJournalGenerator(ledger.NewBalanceTracker(), 7, "ix-7", 42)
		if err := gen.Deposit(owner, usdc, 10); err != nil {
			t.Fatal(err)
		}
		return gen.Batch()
	}

	a, b := build(), build()
	if a.BatchID != b.BatchID || a.Journals[0].JournalID != b.Journals[0].JournalID {
		t.Error("replaying an instruction must produce identical journal ids")
	}
	if err := a.Validate(); err != nil {
		t.Errorf("generated batch should validate: %v", err)
	}
}

func TestJournalGenerator_ZeroAmountRecordsNothing(t *testing.T) {
	gen := ledger.NewJournalGenerator(ledger.NewBalanceTracker(), 1, "noop", 0)
	if err := gen.Deposit(uuid.New(), usdc, 0); err != nil {
		t.Fatal(err)
	}
	if gen.Batch() != nil {
		t.Error("no transfers should yield a nil batch")
	}
}

func TestJournalGenerator_CrossMintRejected(t *testing.T) {
	gen := ledger.NewJournalGenerator(ledger.NewBalanceTracker(), 1, "x", 0)
	err := gen.Transfer(ledger.NewWalletKey(uuid.New(), usdc), ledger.NewWalletKey(uuid.New(), uuid.New()), 1, ledger.JournalTypeAdjustment)
	if err == nil {
		t.Error("transfers between mints must fail")
	}
}

func TestJournalGenerator_IssueAndBurn(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	ticket := uuid.New()
	holder := ledger.NewWalletKey(uuid.New(), ticket)
	gen := ledger.NewJournalGenerator(bt, 1, "tickets", 0)

	if err := gen.Issue(holder, 40); err != nil {
		t.Fatal(err)
	}
	if err := gen.Burn(holder, 15); err != nil {
		t.Fatal(err)
	}
	if err := gen.Burn(holder, 30); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("burning more than held must fail, got %v", err)
	}
	if bt.GetBalance(holder) != 25 {
		t.Errorf("got %d, want 25", bt.GetBalance(holder))
	}
	if gen.Len() != 2 {
		t.Errorf("failed transfer must not be recorded, got %d journals", gen.Len())
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_Rules(t *testing.T) {
	owner := uuid.New()
	wallet := ledger.NewWalletKey(owner, usdc)
	external := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc)
	batchID := uuid.New()

	tests := []struct {
		name    string
		journal ledger.Journal
		wantErr bool
	}{
		{"valid", ledger.Journal{BatchID: batchID, DebitAccount: wallet, CreditAccount: external, Mint: usdc, Amount: 1}, false},
		{"zero amount", ledger.Journal{BatchID: batchID, DebitAccount: wallet, CreditAccount: external, Mint: usdc, Amount: 0}, true},
		{"negative amount", ledger.Journal{BatchID: batchID, DebitAccount: wallet, CreditAccount: external, Mint: usdc, Amount: -100}, true},
		{"self transfer", ledger.Journal{BatchID: batchID, DebitAccount: wallet, CreditAccount: wallet, Mint: usdc, Amount: 1}, true},
		{"mismatched batch id", ledger.Journal{BatchID: uuid.New(), DebitAccount: wallet, CreditAccount: external, Mint: usdc, Amount: 1}, true},
		{"wrong mint", ledger.Journal{BatchID: batchID, DebitAccount: wallet, CreditAccount: external, Mint: uuid.New(), Amount: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{tt.journal}}
			err := batch.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateAll(); err != nil {
		t.Errorf("empty ledger should pass: %v", err)
	}

	deposit(t, bt, uuid.New(), 1_000_000)

	if err := v.ValidateAll(); err != nil {
		t.Errorf("balanced ledger should pass: %v", err)
	}
}

func TestInvariantValidator_DetectsImbalance(t *testing.T) {
	// a one-legged restore leaves the mint out of balance
	broken := ledger.RestoreBalanceTracker([]ledger.BalanceEntry{{Key: ledger.NewWalletKey(uuid.New(), usdc), Balance: 5}})
	if err := ledger.NewInvariantValidator(broken).ValidateGlobalBalance(); err == nil {
		t.Error("expected non-zero global balance to be reported")
	}
}
