package fixed

import (
	"errors"
	"math/big"
	"testing"
)

func bi(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad int " + s)
	}
	return v
}

// --- Division and rounding ---

func TestDiv_Rounding(t *testing.T) {
	cases := []struct {
		x, y int64
		r    Rounding
		want int64
	}{
		{7, 2, Down, 3},
		{7, 2, Up, 4},
		{-7, 2, Down, -3},
		{-7, 2, Up, -4},
		{6, 2, Up, 3},
		{-6, 2, Up, -3},
		{7, -2, Up, -4},
	}
	for _, c := range cases {
		got := Div(big.NewInt(c.x), big.NewInt(c.y), c.r)
		if got.Int64() != c.want {
			t.Errorf("Div(%d, %d, %d) = %s, want %d", c.x, c.y, c.r, got, c.want)
		}
	}
}

func TestMulDiv_LargeIntermediate(t *testing.T) {
	// 1e45 * 1e45 overflows 256 bits before the divide.
	got := MulDiv(Exp10(45), Exp10(45), Exp10(60), Down)
	if got.Cmp(Exp10(30)) != 0 {
		t.Errorf("expected 1e30, got %s", got)
	}
}

func TestSafeMulDiv_ZeroDivisor(t *testing.T) {
	if _, err := SafeMulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(0), Down); err != ErrDivisionByZero {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestApplyFactor(t *testing.T) {
	// 1000 USD * 1% = 10 USD.
	got := ApplyFactor(Float(1000), FloatFrac(1, 2))
	if got.Cmp(Float(10)) != 0 {
		t.Errorf("expected 10 USD, got %s", got)
	}
}

func TestToFactor(t *testing.T) {
	got := ToFactor(Float(1), Float(4), Down)
	if got.Cmp(FloatFrac(25, 2)) != 0 {
		t.Errorf("expected 0.25, got %s", got)
	}
	if !IsZero(ToFactor(Float(1), Zero(), Down)) {
		t.Error("expected zero factor for zero divisor")
	}
}

func TestBoundMagnitude(t *testing.T) {
	if got := BoundMagnitude(big.NewInt(-50), big.NewInt(0), big.NewInt(10)); got.Int64() != -10 {
		t.Errorf("expected -10, got %s", got)
	}
	if got := BoundMagnitude(big.NewInt(3), big.NewInt(5), big.NewInt(10)); got.Int64() != 5 {
		t.Errorf("expected 5, got %s", got)
	}
	if got := BoundMagnitude(big.NewInt(0), big.NewInt(5), big.NewInt(10)); got.Sign() != 0 {
		t.Errorf("expected 0, got %s", got)
	}
}

// --- Exponent factor ---

func TestApplyExponentFactor_NegativeExponent(t *testing.T) {
	for _, exp := range []*big.Int{Float(-2), FloatFrac(-5, 1)} {
		got, err := ApplyExponentFactor(Float(10_000), exp)
		if !errors.Is(err, ErrInvalidExponent) {
			t.Errorf("exponent %s: expected ErrInvalidExponent, got %v", ToDecimal(exp), err)
		}
		if got != nil {
			t.Errorf("exponent %s: expected no value, got %s", ToDecimal(exp), got)
		}
	}
}

func TestApplyExponentFactor_BelowOne(t *testing.T) {
	got, err := ApplyExponentFactor(FloatFrac(5, 1), Float(2))
	if err != nil {
		t.Fatalf("ApplyExponentFactor: %v", err)
	}
	if got.Sign() != 0 {
		t.Errorf("values below 1 should map to zero, got %s", got)
	}
}

func TestApplyExponentFactor_Identity(t *testing.T) {
	v := Float(12345)
	if got, err := ApplyExponentFactor(v, Float(1)); err != nil || got.Cmp(v) != 0 {
		t.Errorf("exponent 1 should be identity, got %s", got)
	}
}

func TestApplyExponentFactor_Square(t *testing.T) {
	// 200,000^2 = 4e10.
	got, err := ApplyExponentFactor(Float(200_000), Float(2))
	if err != nil {
		t.Fatalf("ApplyExponentFactor: %v", err)
	}
	if got.Cmp(Float(40_000_000_000)) != 0 {
		t.Errorf("expected 4e10, got %s", got)
	}
}

func TestApplyExponentFactor_Fractional(t *testing.T) {
	// 10,000^1.5 = 1,000,000.
	got, err := ApplyExponentFactor(Float(10_000), FloatFrac(15, 1))
	if err != nil {
		t.Fatalf("ApplyExponentFactor: %v", err)
	}
	want := Float(1_000_000)
	diff := Abs(Sub(got, want))
	if diff.Cmp(Exp10(12)) > 0 {
		t.Errorf("expected ~1e6, got %s (diff %s)", ToDecimal(got), diff)
	}
}

// --- Conversions ---

func TestFromDecimalString(t *testing.T) {
	got, err := FromDecimalString("2e-8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(FloatFrac(2, 8)) != 0 {
		t.Errorf("expected 2e-8, got %s", got)
	}
	if _, err := FromDecimalString("abc"); err == nil {
		t.Error("expected parse error")
	}
}

func TestPricePerUnit(t *testing.T) {
	// 5000 USD per ETH with 18 decimals is 5000e12 per wei.
	got := PricePerUnit(ToDecimal(Float(5000)), 18)
	if got.Cmp(bi("5000000000000000")) != 0 {
		t.Errorf("expected 5000e12, got %s", got)
	}
}
