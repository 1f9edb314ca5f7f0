package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// journalSpace namespaces journal and batch ids derived from the instruction
// that produced them, so replay yields identical ids.
var journalSpace = uuid.MustParse("5c0f9a3e-7d21-4b8e-a4d6-2f9c81e07b13")

// JournalGenerator builds the balanced journal batch of one instruction.
// Every transfer is applied to the tracker as it is recorded, so later steps
// of the same instruction observe the new balances.
type JournalGenerator struct {
	tracker   *BalanceTracker
	sequence  int64
	eventRef  string
	timestamp int64
	batchID   uuid.UUID
	journals  []Journal
}

func NewJournalGenerator(tracker *BalanceTracker, sequence int64, eventRef string, timestamp int64) *JournalGenerator {
	return &JournalGenerator{
		tracker:   tracker,
		sequence:  sequence,
		eventRef:  eventRef,
		timestamp: timestamp,
		batchID:   uuid.NewSHA1(journalSpace, []byte(fmt.Sprintf("batch:%d:%s", sequence, eventRef))),
	}
}

// Transfer moves amount of the keys' mint from one account to another.
// A zero amount records nothing.
func (jg *JournalGenerator) Transfer(from, to AccountKey, amount uint64, typ JournalType) error {
	if amount == 0 {
		return nil
	}
	if from.Mint != to.Mint {
		return fmt.Errorf("transfer %s -> %s crosses mints", from.AccountPath(), to.AccountPath())
	}
	amt, err := Amount(amount)
	if err != nil {
		return err
	}

	id := uuid.NewSHA1(journalSpace, []byte(fmt.Sprintf("journal:%d:%s:%d", jg.sequence, jg.eventRef, len(jg.journals))))
	j := Journal{
		JournalID:     id,
		BatchID:       jg.batchID,
		EventRef:      jg.eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  to,
		CreditAccount: from,
		Mint:          from.Mint,
		Amount:        amt,
		JournalType:   typ,
		Timestamp:     jg.timestamp,
	}

	single := &Batch{
		BatchID:   jg.batchID,
		EventRef:  jg.eventRef,
		Sequence:  jg.sequence,
		Timestamp: jg.timestamp,
		Journals:  []Journal{j},
	}
	if err := jg.tracker.ApplyBatch(single); err != nil {
		return fmt.Errorf("%s: %w", typ, err)
	}
	jg.journals = append(jg.journals, j)
	return nil
}

// Deposit brings tokens from outside the system into a user's wallet.
func (jg *JournalGenerator) Deposit(owner, mint uuid.UUID, amount uint64) error {
	return jg.Transfer(NewExternalAccountKey(SubTypeExternalDeposits, mint), NewWalletKey(owner, mint), amount, JournalTypeDeposit)
}

// Withdraw sends tokens from a user's wallet out of the system.
func (jg *JournalGenerator) Withdraw(owner, mint uuid.UUID, amount uint64) error {
	return jg.Transfer(NewWalletKey(owner, mint), NewExternalAccountKey(SubTypeExternalWithdrawals, mint), amount, JournalTypeWithdrawal)
}

// Issue mints new tokens (tickets) into an account.
func (jg *JournalGenerator) Issue(to AccountKey, amount uint64) error {
	return jg.Transfer(NewExternalAccountKey(SubTypeExternalIssuance, to.Mint), to, amount, JournalTypeTicketMint)
}

// Burn destroys tokens (tickets) held in an account.
func (jg *JournalGenerator) Burn(from AccountKey, amount uint64) error {
	return jg.Transfer(from, NewExternalAccountKey(SubTypeExternalIssuance, from.Mint), amount, JournalTypeTicketBurn)
}

// Len returns the number of journals recorded so far.
func (jg *JournalGenerator) Len() int {
	return len(jg.journals)
}

// Batch returns the recorded journals, or nil when the instruction moved no
// tokens.
func (jg *JournalGenerator) Batch() *Batch {
	if len(jg.journals) == 0 {
		return nil
	}
	journals := make([]Journal, len(jg.journals))
	copy(journals, jg.journals)
	return &Batch{
		BatchID:   jg.batchID,
		EventRef:  jg.eventRef,
		Sequence:  jg.sequence,
		Timestamp: jg.timestamp,
		Journals:  journals,
	}
}
