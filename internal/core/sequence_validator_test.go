package core

import (
	"errors"
	"testing"
)

func TestSequenceValidator_Strict(t *testing.T) {
	sv := NewSequenceValidator(nil)

	if err := sv.Check("global", 0); err != nil {
		t.Fatalf("first sequence rejected: %v", err)
	}
	// Check alone does not consume the sequence
	if err := sv.Check("global", 0); err != nil {
		t.Fatalf("unadvanced sequence rejected: %v", err)
	}
	sv.Advance("global", 0)

	if err := sv.Check("global", 0); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder, got %v", err)
	}
	if err := sv.Check("global", 2); !errors.Is(err, ErrSequenceGap) {
		t.Errorf("expected ErrSequenceGap, got %v", err)
	}
	if got := sv.GetExpectedSequence("global"); got != 1 {
		t.Errorf("expected next 1, got %d", got)
	}
}

func TestSequenceValidator_PriceTolerance(t *testing.T) {
	sv := NewSequenceValidator(nil)
	const p = "price:feed"

	if !IsPricePartition(p) || IsPricePartition("global") {
		t.Fatal("price partition detection is wrong")
	}
	if !sv.CheckPrice(p, 100) {
		t.Fatal("first reading rejected")
	}
	sv.Advance(p, 100)

	if sv.CheckPrice(p, 100) {
		t.Error("repeated reading accepted")
	}
	if sv.CheckPrice(p, 90) {
		t.Error("older reading accepted")
	}
	if !sv.CheckPrice(p, 250) {
		t.Error("reading after a gap rejected")
	}
}

func TestSequenceValidator_PartitionsSorted(t *testing.T) {
	sv := NewSequenceValidator(nil)
	sv.SetExpectedSequence("b", 3)
	sv.SetExpectedSequence("a", 7)

	parts := sv.Partitions()
	if len(parts) != 2 || parts[0].Partition != "a" || parts[1].Next != 3 {
		t.Errorf("unexpected partitions %+v", parts)
	}
}
