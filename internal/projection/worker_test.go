package projection

import (
	"testing"

	"github.com/google/uuid"

	"MarginLedger/internal/ledger"
)

func TestEntityID_NullForExternalAccounts(t *testing.T) {
	mint := uuid.New()
	if got := entityID(ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, mint)); got != nil {
		t.Fatalf("external account entity = %v, want nil", got)
	}

	owner := uuid.New()
	got := entityID(ledger.NewWalletKey(owner, mint))
	if got != owner {
		t.Fatalf("wallet entity = %v, want %v", got, owner)
	}
}

func TestNonNil(t *testing.T) {
	var levels []int
	if got := nonNil(levels); got == nil || len(got) != 0 {
		t.Fatalf("nonNil(nil) = %#v, want empty slice", got)
	}
	if got := nonNil([]int{1}); len(got) != 1 {
		t.Fatalf("nonNil kept %d elements, want 1", len(got))
	}
}
