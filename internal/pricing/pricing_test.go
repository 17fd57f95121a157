package pricing

import (
	"errors"
	"math/big"
	"testing"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

func usd(n int64) *big.Int { return fixed.Float(n) }

func curve(pos, neg, exp *big.Int) Curve {
	return Curve{PositiveFactor: pos, NegativeFactor: neg, ExponentFactor: exp}
}

// ethPrice is 5000 USD per ETH (18 decimals) as a per-unit price.
func ethPrice() model.Price {
	return model.FlatPrice(fixed.Expand(5000, 12))
}

// --- Core curve ---

func TestImpactUsd_ZeroFactorIsZero(t *testing.T) {
	c := curve(fixed.Zero(), fixed.Zero(), fixed.Zero())
	got, err := ImpactUsd(
		Balance{Long: usd(0), Short: usd(0)},
		Balance{Long: usd(1000), Short: usd(0)},
		c,
	)
	if err != nil {
		t.Fatalf("ImpactUsd: %v", err)
	}
	if got.Sign() != 0 {
		t.Errorf("zero factor should give zero impact, got %s", got)
	}
}

func TestImpactUsd_BalancedStaysBalanced(t *testing.T) {
	c := curve(fixed.FloatFrac(2, 8), fixed.FloatFrac(1, 8), fixed.Float(2))
	got, err := ImpactUsd(
		Balance{Long: usd(1000), Short: usd(1000)},
		Balance{Long: usd(2000), Short: usd(2000)},
		c,
	)
	if err != nil {
		t.Fatalf("ImpactUsd: %v", err)
	}
	if got.Sign() != 0 {
		t.Errorf("balanced change should give zero impact, got %s", got)
	}
}

func TestPositionImpactUsd_OpenFromZero(t *testing.T) {
	// 200k long into an empty market at 1e-8, exponent 2 costs 400 USD.
	got, err := PositionImpactUsd(PositionParams{
		LongOpenInterest:  usd(0),
		ShortOpenInterest: usd(0),
		UsdDelta:          usd(200_000),
		IsLong:            true,
		Curve:             curve(fixed.FloatFrac(5, 9), fixed.FloatFrac(1, 8), fixed.Float(2)),
	})
	if err != nil {
		t.Fatalf("PositionImpactUsd: %v", err)
	}
	if got.Cmp(usd(-400)) != 0 {
		t.Errorf("expected -400 USD, got %s", fixed.ToDecimal(got))
	}
}

func TestPositionImpactUsd_BalancingLongIsPositive(t *testing.T) {
	// Shorts hold 200k; a 100k long halves the imbalance.
	got, err := PositionImpactUsd(PositionParams{
		LongOpenInterest:  usd(0),
		ShortOpenInterest: usd(200_000),
		UsdDelta:          usd(100_000),
		IsLong:            true,
		Curve:             curve(fixed.FloatFrac(2, 8), fixed.FloatFrac(2, 8), fixed.Float(2)),
	})
	if err != nil {
		t.Fatalf("PositionImpactUsd: %v", err)
	}
	// 2e-8 * (200k^2 - 100k^2) = 600.
	if got.Cmp(usd(600)) != 0 {
		t.Errorf("expected +600 USD, got %s", fixed.ToDecimal(got))
	}
}

func TestPositionImpactUsd_Crossover(t *testing.T) {
	// Long 0 / short 100k, then a 300k long flips the imbalance to 200k long.
	got, err := PositionImpactUsd(PositionParams{
		LongOpenInterest:  usd(0),
		ShortOpenInterest: usd(100_000),
		UsdDelta:          usd(300_000),
		IsLong:            true,
		Curve:             curve(fixed.FloatFrac(1, 8), fixed.FloatFrac(2, 8), fixed.Float(2)),
	})
	if err != nil {
		t.Fatalf("PositionImpactUsd: %v", err)
	}
	// positive 1e-8 * 100k^2 = 100, negative 2e-8 * 200k^2 = 800.
	if got.Cmp(usd(-700)) != 0 {
		t.Errorf("expected -700 USD, got %s", fixed.ToDecimal(got))
	}
}

func TestPositionImpactUsd_VirtualInventoryTakesWorse(t *testing.T) {
	c := curve(fixed.FloatFrac(1, 8), fixed.FloatFrac(1, 8), fixed.Float(2))
	// Locally the long balances the market, but the shared inventory is
	// already long-heavy by 500k, so the virtual impact is negative.
	got, err := PositionImpactUsd(PositionParams{
		LongOpenInterest:  usd(0),
		ShortOpenInterest: usd(100_000),
		UsdDelta:          usd(100_000),
		IsLong:            true,
		Curve:             c,
		HasVirtual:        true,
		VirtualInventory:  usd(-500_000),
	})
	if err != nil {
		t.Fatalf("PositionImpactUsd: %v", err)
	}
	if got.Sign() >= 0 {
		t.Errorf("expected negative impact from virtual inventory, got %s", fixed.ToDecimal(got))
	}
}

func TestSwapImpactUsd_RebalancingSwapIsPositive(t *testing.T) {
	c := curve(fixed.FloatFrac(2, 8), fixed.FloatFrac(2, 8), fixed.Float(2))
	// Pool holds 1M of A and 2M of B; swapping 100k of A in for B helps.
	got, err := SwapImpactUsd(SwapParams{
		PoolUsdA:  usd(1_000_000),
		PoolUsdB:  usd(2_000_000),
		DeltaUsdA: usd(100_000),
		DeltaUsdB: usd(-100_000),
		Curve:     c,
	})
	if err != nil {
		t.Fatalf("SwapImpactUsd: %v", err)
	}
	if got.Sign() <= 0 {
		t.Errorf("expected positive impact, got %s", fixed.ToDecimal(got))
	}
}

func TestImpactUsd_NegativeExponentIsInvalidConfig(t *testing.T) {
	c := curve(fixed.FloatFrac(1, 8), fixed.FloatFrac(1, 8), fixed.Float(-1))
	_, err := ImpactUsd(
		Balance{Long: usd(0), Short: usd(0)},
		Balance{Long: usd(1000), Short: usd(0)},
		c,
	)
	if !errors.Is(err, model.ErrInvalidConfig) || !errors.Is(err, fixed.ErrInvalidExponent) {
		t.Fatalf("expected an invalid exponent config error, got %v", err)
	}
}

// --- Caps and conversions ---

func TestCapPositiveImpact_BoundedByPool(t *testing.T) {
	// Pool holds 0.01 ETH = 50 USD.
	pool := fixed.Expand(1, 16)
	got := CapPositiveImpact(usd(600), pool, ethPrice(), usd(100_000), fixed.FloatFrac(1, 2))
	if got.Cmp(usd(50)) != 0 {
		t.Errorf("expected 50 USD cap, got %s", fixed.ToDecimal(got))
	}
}

func TestCapPositiveImpact_BoundedByFactor(t *testing.T) {
	pool := fixed.Expand(100, 18)
	got := CapPositiveImpact(usd(600), pool, ethPrice(), usd(10_000), fixed.FloatFrac(1, 3))
	if got.Cmp(usd(10)) != 0 {
		t.Errorf("expected 10 USD cap, got %s", fixed.ToDecimal(got))
	}
}

func TestCapNegativeImpact(t *testing.T) {
	capped, diff := CapNegativeImpact(usd(-400), usd(10_000), fixed.FloatFrac(1, 2))
	if capped.Cmp(usd(-100)) != 0 {
		t.Errorf("expected -100, got %s", fixed.ToDecimal(capped))
	}
	if diff.Cmp(usd(300)) != 0 {
		t.Errorf("expected diff 300, got %s", fixed.ToDecimal(diff))
	}
}

func TestPositionImpactAmount_RoundsAgainstTrader(t *testing.T) {
	// -400 USD at 5000 is exactly -0.08 ETH.
	got := PositionImpactAmount(usd(-400), ethPrice())
	if got.Cmp(fixed.Neg(fixed.Expand(8, 16))) != 0 {
		t.Errorf("expected -0.08 ETH, got %s", got)
	}
	// One unit of USD dust still costs a whole token unit.
	dust := PositionImpactAmount(big.NewInt(-1), ethPrice())
	if dust.Cmp(big.NewInt(-1)) != 0 {
		t.Errorf("expected -1 unit, got %s", dust)
	}
}

func TestSwapImpactAmount_CapsAtPool(t *testing.T) {
	amount, diff := SwapImpactAmount(usd(100), ethPrice(), fixed.Expand(1, 16))
	if amount.Cmp(fixed.Expand(1, 16)) != 0 {
		t.Errorf("expected amount capped at pool, got %s", amount)
	}
	if diff.Cmp(usd(50)) != 0 {
		t.Errorf("expected 50 USD unpaid, got %s", fixed.ToDecimal(diff))
	}
}
