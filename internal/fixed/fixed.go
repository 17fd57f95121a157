// Package fixed implements the fixed-point arithmetic shared by every
// pricing, fee and settlement component.
//
// All USD amounts and factors are integers scaled by FloatPrecision (1e30).
// A token price is the USD value of one indivisible token unit, so a token
// with d decimals carries a price of usd * 10^(30-d). Every division takes an
// explicit rounding direction; callers pick the direction that favours the
// pool.
package fixed

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals of the shared scale.
const Decimals = 30

var (
	// FloatPrecision is 1e30, the implicit scale of USD values and factors.
	FloatPrecision = Exp10(Decimals)

	// FloatPrecisionSqrt is 1e15, the extra scale carried by funding
	// per-size accumulators so small per-second deltas survive truncation.
	FloatPrecisionSqrt = Exp10(15)

	// WeiPrecision is 1e18, the unit of market tokens.
	WeiPrecision = Exp10(18)

	// FloatToWeiDivisor converts a 1e30 USD value into 1e18 market-token units.
	FloatToWeiDivisor = Exp10(12)

	// fundingScale is FloatPrecision * FloatPrecisionSqrt.
	fundingScale = new(big.Int).Mul(FloatPrecision, FloatPrecisionSqrt)
)

// ErrDivisionByZero is returned by the checked helpers.
var ErrDivisionByZero = errors.New("fixed: division by zero")

// Rounding selects how a quotient is rounded.
type Rounding int

const (
	// Down truncates toward zero.
	Down Rounding = iota
	// Up rounds away from zero whenever there is a remainder.
	Up
)

// Exp10 returns 10^n.
func Exp10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Expand returns n * 10^decimals.
func Expand(n int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Exp10(decimals))
}

// Float returns n expressed at the 1e30 scale.
func Float(n int64) *big.Int {
	return Expand(n, Decimals)
}

// FloatFrac returns n * 10^-decimals at the 1e30 scale, e.g. FloatFrac(2, 8)
// is 2e-8.
func FloatFrac(n int64, decimals int) *big.Int {
	return Expand(n, Decimals-decimals)
}

// FundingScale returns the combined scale of funding per-size accumulators.
func FundingScale() *big.Int {
	return new(big.Int).Set(fundingScale)
}

// Zero returns a fresh zero value.
func Zero() *big.Int { return new(big.Int) }

// Clone copies v, treating nil as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// OrZero returns v, or a fresh zero when v is nil.
func OrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// IsZero reports whether v is nil or zero.
func IsZero(v *big.Int) bool { return v == nil || v.Sign() == 0 }

// IsPositive reports whether v > 0.
func IsPositive(v *big.Int) bool { return v != nil && v.Sign() > 0 }

// IsNegative reports whether v < 0.
func IsNegative(v *big.Int) bool { return v != nil && v.Sign() < 0 }

// Add returns a + b.
func Add(a, b *big.Int) *big.Int { return new(big.Int).Add(OrZero(a), OrZero(b)) }

// Sub returns a - b.
func Sub(a, b *big.Int) *big.Int { return new(big.Int).Sub(OrZero(a), OrZero(b)) }

// Mul returns a * b.
func Mul(a, b *big.Int) *big.Int { return new(big.Int).Mul(OrZero(a), OrZero(b)) }

// Neg returns -v.
func Neg(v *big.Int) *big.Int { return new(big.Int).Neg(OrZero(v)) }

// Abs returns |v|.
func Abs(v *big.Int) *big.Int { return new(big.Int).Abs(OrZero(v)) }

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if OrZero(a).Cmp(OrZero(b)) <= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// Max returns the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if OrZero(a).Cmp(OrZero(b)) >= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// Div divides x by y with the given rounding. y must be non-zero.
func Div(x, y *big.Int, r Rounding) *big.Int {
	x = OrZero(x)
	q, m := new(big.Int).QuoRem(x, y, new(big.Int))
	if r == Up && m.Sign() != 0 {
		if (x.Sign() < 0) != (y.Sign() < 0) {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}

// RoundUpDiv is Div(x, y, Up).
func RoundUpDiv(x, y *big.Int) *big.Int { return Div(x, y, Up) }

// MulDiv computes x * y / z on an unbounded intermediate. z must be non-zero.
func MulDiv(x, y, z *big.Int, r Rounding) *big.Int {
	return Div(Mul(x, y), z, r)
}

// SafeMulDiv is MulDiv that reports a zero divisor instead of panicking.
func SafeMulDiv(x, y, z *big.Int, r Rounding) (*big.Int, error) {
	if IsZero(z) {
		return nil, ErrDivisionByZero
	}
	return MulDiv(x, y, z, r), nil
}

// ApplyFactor returns value * factor / 1e30, truncated.
func ApplyFactor(value, factor *big.Int) *big.Int {
	return MulDiv(value, factor, FloatPrecision, Down)
}

// ApplyFactorRounded returns value * factor / 1e30 with the given rounding.
func ApplyFactorRounded(value, factor *big.Int, r Rounding) *big.Int {
	return MulDiv(value, factor, FloatPrecision, r)
}

// ToFactor returns value / divisor at the 1e30 scale. A zero divisor yields
// zero; callers that must reject an empty denominator check it first.
func ToFactor(value, divisor *big.Int, r Rounding) *big.Int {
	if IsZero(divisor) {
		return new(big.Int)
	}
	return MulDiv(value, FloatPrecision, divisor, r)
}

// BoundMagnitude clamps |v| into [min, max] while keeping the sign of v. A
// zero v stays zero.
func BoundMagnitude(v, min, max *big.Int) *big.Int {
	if IsZero(v) {
		return new(big.Int)
	}
	mag := Abs(v)
	if mag.Cmp(min) < 0 {
		mag.Set(min)
	}
	if mag.Cmp(max) > 0 {
		mag.Set(max)
	}
	if v.Sign() < 0 {
		mag.Neg(mag)
	}
	return mag
}

// FromDecimal converts d to the 1e30 scale, truncating extra digits.
func FromDecimal(d decimal.Decimal) *big.Int {
	return d.Shift(Decimals).BigInt()
}

// FromDecimalString parses a decimal string such as "0.00000002" or "2e-8"
// into the 1e30 scale.
func FromDecimalString(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	return FromDecimal(d), nil
}

// ToDecimal converts a 1e30 value into a decimal for display.
func ToDecimal(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(OrZero(v), -Decimals)
}

// TokenToDecimal converts an amount of a token with the given decimals into
// a decimal for display.
func TokenToDecimal(v *big.Int, decimals int) decimal.Decimal {
	return decimal.NewFromBigInt(OrZero(v), -int32(decimals))
}

// PricePerUnit converts a USD price per whole token into the per-unit price
// of a token with the given decimals.
func PricePerUnit(usd decimal.Decimal, tokenDecimals int) *big.Int {
	return usd.Shift(int32(Decimals - tokenDecimals)).BigInt()
}
