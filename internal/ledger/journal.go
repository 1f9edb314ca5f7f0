package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeMarginDeposit
	JournalTypeMarginWithdraw
	JournalTypeOrderLock
	JournalTypeOrderRelease
	JournalTypeFillSettle
	JournalTypeTicketMint
	JournalTypeTicketBurn
	JournalTypeLoanRepay
	JournalTypeRedeem
	JournalTypeAdjustment
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeMarginDeposit:
		return "margin_deposit"
	case JournalTypeMarginWithdraw:
		return "margin_withdraw"
	case JournalTypeOrderLock:
		return "order_lock"
	case JournalTypeOrderRelease:
		return "order_release"
	case JournalTypeFillSettle:
		return "fill_settle"
	case JournalTypeTicketMint:
		return "ticket_mint"
	case JournalTypeTicketBurn:
		return "ticket_burn"
	case JournalTypeLoanRepay:
		return "loan_repay"
	case JournalTypeRedeem:
		return "redeem"
	default:
		return "adjustment"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source instruction
	Sequence      int64       // Global instruction sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Mint          uuid.UUID   // Token being transferred
	Amount        int64       // Token amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Instruction timestamp (epoch seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Every journal moves one
// positive amount between two distinct accounts of the same mint, so each
// entry is balanced on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Mint != j.Mint || j.CreditAccount.Mint != j.Mint {
			return fmt.Errorf("journal %s moves %s between accounts of another mint", j.JournalID, j.Mint)
		}
	}

	return nil
}
