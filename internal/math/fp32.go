package math

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"MarginLedger/internal/fault"
)

// Fp32 is an unsigned fixed-point number with 32 fractional bits. Ticket
// prices on the order book are Fp32 values: the amount of underlying paid
// per ticket, so a price of 1.0 means zero interest.
type Fp32 uint64

const (
	Fp32Shift        = 32
	Fp32One     Fp32 = 1 << Fp32Shift
	SecondsPerYear   = 31_536_000
	bpsDenominator   = 10_000
)

// Fp32FromInt builds an Fp32 holding the integer n.
func Fp32FromInt(n uint32) Fp32 {
	return Fp32(uint64(n) << Fp32Shift)
}

// Fp32FromRatio returns num / den in Fp32, rounded down.
func Fp32FromRatio(num, den uint64) (Fp32, error) {
	if den == 0 {
		return 0, fault.ErrDivideByZero
	}
	n := uint256.NewInt(num)
	n.Lsh(n, Fp32Shift)
	n.Div(n, uint256.NewInt(den))
	if !n.IsUint64() {
		return 0, fault.ErrOverflow
	}
	return Fp32(n.Uint64()), nil
}

func u64(v *uint256.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, fault.ErrOverflow
	}
	return v.Uint64(), nil
}

// MulU64 returns floor(p × qty). Used for the quote size of a fill.
func (p Fp32) MulU64(qty uint64) (uint64, error) {
	v, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(qty), uint256.NewInt(uint64(p)))
	if overflow {
		return 0, fault.ErrOverflow
	}
	v.Rsh(v, Fp32Shift)
	return u64(v)
}

// MulU64Ceil returns ceil(p × qty).
func (p Fp32) MulU64Ceil(qty uint64) (uint64, error) {
	v, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(qty), uint256.NewInt(uint64(p)))
	if overflow {
		return 0, fault.ErrOverflow
	}
	v.AddUint64(v, uint64(Fp32One)-1)
	v.Rsh(v, Fp32Shift)
	return u64(v)
}

// DivIntoU64 returns floor(quote / p): how many tickets a quote amount buys.
func (p Fp32) DivIntoU64(quote uint64) (uint64, error) {
	if p == 0 {
		return 0, fault.ErrDivideByZero
	}
	v := uint256.NewInt(quote)
	v.Lsh(v, Fp32Shift)
	v.Div(v, uint256.NewInt(uint64(p)))
	return u64(v)
}

// Number converts p into a Number128, rounding down below 10 decimals.
func (p Fp32) Number() Number128 {
	v := new(big.Int).SetUint64(uint64(p))
	v.Mul(v, oneRaw)
	v.Rsh(v, Fp32Shift)
	return Number128{raw: v}
}

func (p Fp32) String() string {
	return p.Number().String()
}

// RateToPrice converts an annualized simple interest rate in basis points
// into the ticket price for a tenor in seconds:
//
//	price = 1 / (1 + rate × tenor / (10_000 × YEAR))
func RateToPrice(rateBps uint64, tenorSeconds uint64) (Fp32, error) {
	denomUnit := uint256.NewInt(bpsDenominator * SecondsPerYear)

	interest, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(rateBps), uint256.NewInt(tenorSeconds))
	if overflow {
		return 0, fault.ErrOverflow
	}
	den := new(uint256.Int).Add(denomUnit, interest)

	num := new(uint256.Int).Lsh(denomUnit, Fp32Shift)
	num.Div(num, den)
	if num.IsZero() {
		return 0, fault.Wrapf(fault.ErrOverflow, "rate %d bps over %ds rounds to zero price", rateBps, tenorSeconds)
	}
	v, err := u64(num)
	return Fp32(v), err
}

// PriceToRate is the inverse of RateToPrice, rounded down to whole bps.
// Prices at or above 1.0 map to a zero rate.
func PriceToRate(price Fp32, tenorSeconds uint64) (uint64, error) {
	if price == 0 {
		return 0, fault.ErrDivideByZero
	}
	if tenorSeconds == 0 {
		return 0, fmt.Errorf("zero tenor: %w", fault.ErrDivideByZero)
	}
	if price >= Fp32One {
		return 0, nil
	}
	// rate = (ONE - price) × 10_000 × YEAR / (price × tenor)
	num := uint256.NewInt(uint64(Fp32One - price))
	num.Mul(num, uint256.NewInt(bpsDenominator*SecondsPerYear))
	den, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(price)), uint256.NewInt(tenorSeconds))
	if overflow {
		return 0, fault.ErrOverflow
	}
	num.Div(num, den)
	return u64(num)
}
