package math

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"MarginLedger/internal/fault"
)

// Number128 is a signed fixed-point number with 10 decimal places.
// Intermediate products use big.Int; any result whose scaled magnitude does
// not fit in 127 bits is rejected with fault.ErrOverflow.
type Number128 struct {
	raw *big.Int
}

const Decimals = 10

var (
	oneRaw  = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	bpsRaw  = big.NewInt(10_000)
	maxRaw  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minRaw  = new(big.Int).Neg(maxRaw)
	powTen  [40]*big.Int
	powOnce sync.Once
)

var (
	Zero = Number128{}
	One  = Number128{raw: new(big.Int).Set(oneRaw)}
)

// big.Int scratch values for intermediate products
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

func pow10(n int) *big.Int {
	powOnce.Do(func() {
		for i := range powTen {
			powTen[i] = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(i)), nil)
		}
	})
	if n < len(powTen) {
		return powTen[n]
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // toward zero
	RoundUp                           // away from zero
)

// DivideInt128 performs numerator / denominator with the given rounding.
// The result is written into a fresh big.Int.
func DivideInt128(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getInt128()
	defer putInt128(remainder)

	quotient.QuoRem(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	// sign of the exact result
	negative := (numerator.Sign() < 0) != (denominator.Sign() < 0)
	step := int64(1)
	if negative {
		step = -1
	}

	switch mode {
	case RoundDown:
	case RoundUp:
		quotient.Add(quotient, big.NewInt(step))
	default:
		twice := getInt128()
		defer putInt128(twice)
		twice.Abs(remainder)
		twice.Lsh(twice, 1)

		absDen := getInt128()
		defer putInt128(absDen)
		absDen.Abs(denominator)

		cmp := twice.Cmp(absDen)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(step))
		}
	}
	return quotient
}

func bounded(v *big.Int) (Number128, error) {
	if v.Cmp(maxRaw) > 0 || v.Cmp(minRaw) < 0 {
		return Zero, fault.ErrOverflow
	}
	return Number128{raw: v}, nil
}

func (n Number128) big() *big.Int {
	if n.raw == nil {
		return new(big.Int)
	}
	return n.raw
}

// NewNumber builds value × 10^exponent. Digits below the 10th decimal are
// truncated toward zero.
func NewNumber(value int64, exponent int32) (Number128, error) {
	return FromBig(big.NewInt(value), exponent)
}

// FromUint64 is NewNumber for unsigned token amounts.
func FromUint64(value uint64, exponent int32) (Number128, error) {
	return FromBig(new(big.Int).SetUint64(value), exponent)
}

func FromBig(value *big.Int, exponent int32) (Number128, error) {
	shift := int(exponent) + Decimals
	v := new(big.Int).Set(value)
	if shift >= 0 {
		v.Mul(v, pow10(shift))
	} else {
		v.Quo(v, pow10(-shift))
	}
	return bounded(v)
}

// FromBps converts basis points into a fraction: 10_000 bps == One.
func FromBps(bps uint64) Number128 {
	v := new(big.Int).SetUint64(bps)
	v.Mul(v, oneRaw)
	v.Quo(v, bpsRaw)
	return Number128{raw: v}
}

func (n Number128) Add(o Number128) (Number128, error) {
	return bounded(new(big.Int).Add(n.big(), o.big()))
}

func (n Number128) Sub(o Number128) (Number128, error) {
	return bounded(new(big.Int).Sub(n.big(), o.big()))
}

func (n Number128) Mul(o Number128) (Number128, error) {
	return n.MulRound(o, RoundHalfEven)
}

func (n Number128) MulRound(o Number128, mode RoundingMode) (Number128, error) {
	product := getInt128()
	defer putInt128(product)
	product.Mul(n.big(), o.big())
	return bounded(DivideInt128(product, oneRaw, mode))
}

func (n Number128) Div(o Number128) (Number128, error) {
	return n.DivRound(o, RoundHalfEven)
}

func (n Number128) DivRound(o Number128, mode RoundingMode) (Number128, error) {
	if o.big().Sign() == 0 {
		return Zero, fault.ErrDivideByZero
	}
	scaled := getInt128()
	defer putInt128(scaled)
	scaled.Mul(n.big(), oneRaw)
	return bounded(DivideInt128(scaled, o.big(), mode))
}

// MulBps scales n by bps / 10_000, rounding toward zero.
func (n Number128) MulBps(bps uint64) (Number128, error) {
	product := getInt128()
	defer putInt128(product)
	product.Mul(n.big(), new(big.Int).SetUint64(bps))
	return bounded(DivideInt128(product, bpsRaw, RoundDown))
}

func (n Number128) Neg() Number128 {
	return Number128{raw: new(big.Int).Neg(n.big())}
}

func (n Number128) Cmp(o Number128) int { return n.big().Cmp(o.big()) }
func (n Number128) Sign() int          { return n.big().Sign() }
func (n Number128) IsZero() bool       { return n.big().Sign() == 0 }

// ToBps returns n as basis points, rounded toward zero.
func (n Number128) ToBps() int64 {
	v := new(big.Int).Mul(n.big(), bpsRaw)
	v.Quo(v, oneRaw)
	return v.Int64()
}

// AsUint64 returns the integer part of n × 10^-exponent, e.g. a token amount.
func (n Number128) AsUint64(exponent int32) (uint64, error) {
	if n.Sign() < 0 {
		return 0, fault.ErrNegativeResult
	}
	shift := Decimals + int(exponent)
	v := new(big.Int).Set(n.big())
	if shift >= 0 {
		v.Quo(v, pow10(shift))
	} else {
		v.Mul(v, pow10(-shift))
	}
	if !v.IsUint64() {
		return 0, fault.ErrOverflow
	}
	return v.Uint64(), nil
}

// Raw exposes the scaled integer (value × 10^10).
func (n Number128) Raw() *big.Int { return new(big.Int).Set(n.big()) }

func (n Number128) String() string {
	v := n.big()
	sign := ""
	abs := new(big.Int).Abs(v)
	if v.Sign() < 0 {
		sign = "-"
	}
	q, r := new(big.Int).QuoRem(abs, oneRaw, new(big.Int))
	frac := r.String()
	frac = strings.Repeat("0", Decimals-len(frac)) + frac
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return sign + q.String()
	}
	return sign + q.String() + "." + frac
}

// ParseNumber parses a decimal string such as "-12.5".
func ParseNumber(s string) (Number128, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	intPart, fracPart, _ := strings.Cut(s, ".")
	if len(fracPart) > Decimals {
		fracPart = fracPart[:Decimals]
	}
	fracPart += strings.Repeat("0", Decimals-len(fracPart))
	v, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return Zero, fmt.Errorf("invalid number %q", s)
	}
	if neg {
		v.Neg(v)
	}
	return bounded(v)
}

func (n Number128) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

func (n *Number128) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseNumber(s)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// Min returns the smaller of a and b.
func Min(a, b Number128) Number128 {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
