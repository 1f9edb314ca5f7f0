package math_test

import (
	"errors"
	"math/big"
	"testing"

	"MarginLedger/internal/fault"
	fp "MarginLedger/internal/math"
)

func mustNumber(t *testing.T, value int64, exponent int32) fp.Number128 {
	t.Helper()
	n, err := fp.NewNumber(value, exponent)
	if err != nil {
		t.Fatalf("NewNumber(%d, %d): %v", value, exponent, err)
	}
	return n
}

// ============================================================================
// Number128
// ============================================================================

func TestNumber128_ExponentScaling(t *testing.T) {
	cases := []struct {
		value    int64
		exponent int32
		want     string
	}{
		{1_000_000, -6, "1"},
		{12345, -2, "123.45"},
		{-5, 0, "-5"},
		{7, 3, "7000"},
		{1, -12, "0"}, // below 10 decimals truncates
	}
	for _, tc := range cases {
		got := mustNumber(t, tc.value, tc.exponent).String()
		if got != tc.want {
			t.Errorf("NewNumber(%d, %d) = %s, want %s", tc.value, tc.exponent, got, tc.want)
		}
	}
}

func TestNumber128_MulDiv(t *testing.T) {
	a := mustNumber(t, 15, -1) // 1.5
	b := mustNumber(t, 4, 0)

	prod, err := a.Mul(b)
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	if prod.String() != "6" {
		t.Errorf("1.5 * 4 = %s, want 6", prod)
	}

	q, err := mustNumber(t, 1000, 0).Div(mustNumber(t, 900, 0))
	if err != nil {
		t.Fatalf("div: %v", err)
	}
	if q.String() != "1.1111111111" {
		t.Errorf("1000/900 = %s", q)
	}

	if _, err := a.Div(fp.Zero); !errors.Is(err, fault.ErrDivideByZero) {
		t.Errorf("expected divide by zero, got %v", err)
	}
}

func TestNumber128_Overflow(t *testing.T) {
	huge, err := fp.NewNumber(1<<62, 10) // ~4.6e28, scaled 4.6e38 > 2^127
	if err == nil {
		t.Fatalf("expected overflow building %s", huge)
	}
	if fault.ClassOf(err) != fault.ClassNumeric {
		t.Errorf("class = %s, want numeric", fault.ClassOf(err))
	}

	big1 := mustNumber(t, 1<<62, 0)
	if _, err := big1.Mul(big1); !errors.Is(err, fault.ErrOverflow) {
		t.Errorf("expected overflow on 2^62 * 2^62, got %v", err)
	}
}

func TestNumber128_Bps(t *testing.T) {
	v := mustNumber(t, 1000, 0)
	weighted, err := v.MulBps(9_000)
	if err != nil {
		t.Fatal(err)
	}
	if weighted.String() != "900" {
		t.Errorf("1000 * 90%% = %s", weighted)
	}
	if fp.FromBps(12_500).ToBps() != 12_500 {
		t.Errorf("bps round trip failed")
	}
}

func TestDivideInt128_RoundingModes(t *testing.T) {
	cases := []struct {
		num, den int64
		mode     fp.RoundingMode
		want     int64
	}{
		{5, 2, fp.RoundHalfEven, 2},
		{7, 2, fp.RoundHalfEven, 4},
		{-5, 2, fp.RoundHalfEven, -2},
		{5, 3, fp.RoundHalfEven, 2},
		{5, 3, fp.RoundDown, 1},
		{5, 3, fp.RoundUp, 2},
		{-5, 3, fp.RoundDown, -1},
		{-5, 3, fp.RoundUp, -2},
		{6, 3, fp.RoundUp, 2},
	}
	for _, tc := range cases {
		got := fp.DivideInt128(big.NewInt(tc.num), big.NewInt(tc.den), tc.mode)
		if got.Int64() != tc.want {
			t.Errorf("%d/%d mode %d = %d, want %d", tc.num, tc.den, tc.mode, got.Int64(), tc.want)
		}
	}
}

func TestNumber128_JSON(t *testing.T) {
	v := mustNumber(t, -123456, -3)
	data, err := v.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"-123.456"` {
		t.Fatalf("marshal = %s", data)
	}
	var back fp.Number128
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if back.Cmp(v) != 0 {
		t.Errorf("unmarshal = %s, want %s", back, v)
	}
}
