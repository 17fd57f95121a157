package fixed

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// powPrecision is the number of decimal digits kept by the fractional power
// path. It exceeds the 30 digits of the shared scale.
const powPrecision = 40

// ErrInvalidExponent is returned for an exponent the power cannot be taken
// at.
var ErrInvalidExponent = errors.New("fixed: invalid exponent")

// ApplyExponentFactor raises value (at the 1e30 scale) to exponent (also at
// the 1e30 scale). Values below 1 return zero, matching the curve shape used
// by impact, funding and borrowing, where sub-dollar imbalances are ignored.
// Whole-number exponents are computed exactly; fractional exponents go
// through exp(e * ln(v)). Negative exponents are rejected.
func ApplyExponentFactor(value, exponent *big.Int) (*big.Int, error) {
	if IsNegative(exponent) {
		return nil, fmt.Errorf("%w: %s is negative", ErrInvalidExponent, ToDecimal(exponent))
	}
	value = OrZero(value)
	if value.Cmp(FloatPrecision) < 0 {
		return new(big.Int), nil
	}
	if IsZero(exponent) {
		return new(big.Int).Set(FloatPrecision), nil
	}
	if exponent.Cmp(FloatPrecision) == 0 {
		return new(big.Int).Set(value), nil
	}

	whole, rem := new(big.Int).QuoRem(exponent, FloatPrecision, new(big.Int))
	if rem.Sign() == 0 && whole.IsInt64() {
		return powWhole(value, whole.Int64()), nil
	}
	return powFrac(value, exponent)
}

// powWhole computes value^k / 1e30^(k-1).
func powWhole(value *big.Int, k int64) *big.Int {
	num := new(big.Int).Exp(value, big.NewInt(k), nil)
	den := new(big.Int).Exp(FloatPrecision, big.NewInt(k-1), nil)
	return num.Quo(num, den)
}

func powFrac(value, exponent *big.Int) (*big.Int, error) {
	base := decimal.NewFromBigInt(value, -Decimals)
	exp := decimal.NewFromBigInt(exponent, -Decimals)

	ln, err := base.Ln(powPrecision)
	if err != nil {
		return nil, fmt.Errorf("%w: ln of %s: %v", ErrInvalidExponent, base, err)
	}
	out, err := ln.Mul(exp).ExpTaylor(powPrecision)
	if err != nil {
		return nil, fmt.Errorf("%w: %s^%s: %v", ErrInvalidExponent, base, exp, err)
	}
	return out.Shift(Decimals).BigInt(), nil
}
