package pricing

import (
	"math/big"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// CapPositiveImpact bounds a positive position impact by what the impact
// pool can pay at the index min price and by maxFactor * sizeDeltaUsd.
// Negative impact is returned unchanged.
func CapPositiveImpact(impactUsd, impactPoolAmount *big.Int, indexPrice model.Price, sizeDeltaUsd, maxFactor *big.Int) *big.Int {
	if !fixed.IsPositive(impactUsd) {
		return fixed.Clone(impactUsd)
	}
	capped := fixed.Clone(impactUsd)

	poolUsd := fixed.Mul(impactPoolAmount, indexPrice.Min)
	if capped.Cmp(poolUsd) > 0 {
		capped = poolUsd
	}
	maxUsd := fixed.ApplyFactor(sizeDeltaUsd, maxFactor)
	if capped.Cmp(maxUsd) > 0 {
		capped = maxUsd
	}
	return capped
}

// CapNegativeImpact bounds a negative impact at -maxFactor * sizeDeltaUsd.
// It returns the capped impact and the uncharged excess as a positive USD
// amount.
func CapNegativeImpact(impactUsd, sizeDeltaUsd, maxFactor *big.Int) (capped, diffUsd *big.Int) {
	if !fixed.IsNegative(impactUsd) {
		return fixed.Clone(impactUsd), new(big.Int)
	}
	floor := fixed.Neg(fixed.ApplyFactor(sizeDeltaUsd, maxFactor))
	if impactUsd.Cmp(floor) < 0 {
		return floor, fixed.Sub(floor, impactUsd)
	}
	return fixed.Clone(impactUsd), new(big.Int)
}

// CapForLiquidation returns the impact considered by the liquidation check:
// positive impact is ignored and negative impact is bounded by maxFactor.
func CapForLiquidation(impactUsd, sizeInUsd, maxFactor *big.Int) *big.Int {
	if !fixed.IsNegative(impactUsd) {
		return new(big.Int)
	}
	capped, _ := CapNegativeImpact(impactUsd, sizeInUsd, maxFactor)
	return capped
}

// PositionImpactAmount converts a position impact into index token units.
// Positive impact rounds down at the max price; negative impact rounds away
// from zero at the min price.
func PositionImpactAmount(impactUsd *big.Int, indexPrice model.Price) *big.Int {
	if fixed.IsPositive(impactUsd) {
		return fixed.Div(impactUsd, indexPrice.Max, fixed.Down)
	}
	return fixed.Neg(fixed.RoundUpDiv(fixed.Neg(impactUsd), indexPrice.Min))
}

// SwapImpactAmount converts a swap impact into token units, bounded for
// positive impact by the impact pool balance. It returns the signed amount
// (positive is paid out of the pool, negative taken into it) and, for a
// capped positive impact, the USD that could not be paid.
func SwapImpactAmount(impactUsd *big.Int, price model.Price, impactPoolAmount *big.Int) (amount, cappedDiffUsd *big.Int) {
	if fixed.IsPositive(impactUsd) {
		amount = fixed.Div(impactUsd, price.Max, fixed.Down)
		pool := fixed.OrZero(impactPoolAmount)
		if amount.Cmp(pool) > 0 {
			cappedDiffUsd = fixed.Mul(fixed.Sub(amount, pool), price.Max)
			return fixed.Clone(pool), cappedDiffUsd
		}
		return amount, new(big.Int)
	}
	return fixed.Neg(fixed.RoundUpDiv(fixed.Neg(impactUsd), price.Min)), new(big.Int)
}
