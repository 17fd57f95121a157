// Package position settles position increases and decreases against a
// market: price impact, fees, capped PnL, the cost cascade and solvency.
//
// Callers advance the market's funding and borrowing state before calling
// into this package. Functions work on a copy of the position and mutate
// the market they are given, so callers pass a market clone and discard it
// on error.
package position

import (
	"math/big"

	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pricing"
)

// Pnl is the realisable PnL of part of a position.
type Pnl struct {
	// TotalPnlUsd is the PnL of the whole position after the pool cap.
	TotalPnlUsd *big.Int
	// UncappedPnlUsd is the PnL of the whole position before the cap.
	UncappedPnlUsd    *big.Int
	PnlUsd            *big.Int
	SizeDeltaInTokens *big.Int
}

// PositionPnl returns the PnL realised by closing sizeDeltaUsd of p. The
// index price is picked against the trader. Profit is scaled down when the
// side's pool PnL exceeds the traders' cap.
func PositionPnl(m *market.Market, prices model.MarketPrices, p *model.Position, sizeDeltaUsd *big.Int) Pnl {
	price := prices.Index.PickForPnl(p.IsLong, false)
	value := fixed.Mul(p.SizeInTokens, price)
	total := fixed.Sub(p.SizeInUsd, value)
	if p.IsLong {
		total = fixed.Sub(value, p.SizeInUsd)
	}
	out := Pnl{UncappedPnlUsd: fixed.Clone(total)}

	if total.Sign() > 0 {
		poolPnl := m.Pool.Pnl(prices.Index, p.IsLong, true)
		capped := m.Pool.CappedPnl(m.Props, m.Config, prices, p.IsLong, true, model.PnlFactorTraders)
		if capped.Cmp(poolPnl) != 0 && capped.Sign() > 0 && poolPnl.Sign() > 0 {
			total = fixed.MulDiv(total, capped, poolPnl, fixed.Down)
		}
	}
	out.TotalPnlUsd = total

	delta := fixed.OrZero(sizeDeltaUsd)
	switch {
	case delta.Cmp(p.SizeInUsd) == 0:
		out.SizeDeltaInTokens = fixed.Clone(p.SizeInTokens)
	case p.IsLong:
		out.SizeDeltaInTokens = fixed.MulDiv(p.SizeInTokens, delta, p.SizeInUsd, fixed.Up)
	default:
		out.SizeDeltaInTokens = fixed.MulDiv(p.SizeInTokens, delta, p.SizeInUsd, fixed.Down)
	}
	if fixed.IsZero(p.SizeInTokens) {
		out.PnlUsd = new(big.Int)
		return out
	}
	out.PnlUsd = fixed.MulDiv(total, out.SizeDeltaInTokens, p.SizeInTokens, fixed.Down)
	return out
}

// LiquidationInfo explains a solvency check.
type LiquidationInfo struct {
	Liquidatable bool
	Reason       string

	CollateralUsd               *big.Int
	PnlUsd                      *big.Int
	PriceImpactUsd              *big.Int
	CostUsd                     *big.Int
	RemainingCollateralUsd      *big.Int
	MinCollateralUsdForLeverage *big.Int
}

// CheckLiquidation values p as if it were closed in full by a liquidation
// and reports whether what remains is below the collateral requirements.
func CheckLiquidation(m *market.Market, prices model.MarketPrices, p *model.Position, validateMinCollateralUsd bool) (LiquidationInfo, error) {
	bucket, err := m.Props.CollateralBucket(p.CollateralToken)
	if err != nil {
		return LiquidationInfo{}, err
	}
	collPrice := prices.Collateral(bucket)
	cfg := m.Config

	info := LiquidationInfo{
		CollateralUsd: fixed.Mul(p.CollateralAmount, collPrice.Min),
		PnlUsd:        PositionPnl(m, prices, p, p.SizeInUsd).PnlUsd,
	}

	impact, err := m.PositionImpactUsd(fixed.Neg(p.SizeInUsd), p.IsLong)
	if err != nil {
		return LiquidationInfo{}, err
	}
	if fixed.IsPositive(cfg.MaxPositionImpactFactorForLiquidations) {
		impact = pricing.CapForLiquidation(impact, p.SizeInUsd, cfg.MaxPositionImpactFactorForLiquidations)
	} else {
		impact = fixed.Min(impact, new(big.Int))
	}
	info.PriceImpactUsd = impact

	f := fees.Position(fees.PositionParams{
		Config:          cfg,
		CollateralPrice: collPrice,
		SizeDeltaUsd:    p.SizeInUsd,
		BorrowingFeeUsd: m.Borrowing.PositionFeeUsd(p),
		Funding:         m.Funding.PositionFeesFor(p, bucket),
		IsLiquidation:   true,
	})
	info.CostUsd = f.TotalCostUsd(collPrice)

	remaining := fixed.Add(info.CollateralUsd, info.PnlUsd)
	remaining.Add(remaining, impact)
	remaining.Sub(remaining, info.CostUsd)
	info.RemainingCollateralUsd = remaining
	info.MinCollateralUsdForLeverage = fixed.ApplyFactor(p.SizeInUsd, minCollateralFactor(m, p.IsLong))

	switch {
	case validateMinCollateralUsd && remaining.Cmp(cfg.MinCollateralUsd) < 0:
		info.Liquidatable, info.Reason = true, "min collateral"
	case remaining.Sign() <= 0:
		info.Liquidatable, info.Reason = true, "collateral exhausted"
	case remaining.Cmp(info.MinCollateralUsdForLeverage) < 0:
		info.Liquidatable, info.Reason = true, "min collateral for leverage"
	}
	return info, nil
}

// minCollateralFactor is the larger of the flat factor and the factor
// implied by the side's open interest.
func minCollateralFactor(m *market.Market, isLong bool) *big.Int {
	forOI := fixed.ApplyFactor(m.Pool.SideOpenInterest(isLong), m.Config.MinCollateralFactorForOI.Get(isLong))
	return fixed.Max(m.Config.MinCollateralFactor, forOI)
}

// capImpact applies the configured positive and negative bounds. A zero
// bound leaves that sign uncapped.
func capImpact(m *market.Market, prices model.MarketPrices, impactUsd, sizeDeltaUsd *big.Int) *big.Int {
	cfg := m.Config
	if fixed.IsPositive(impactUsd) {
		maxFactor := cfg.MaxPositionImpactFactorPositive
		if !fixed.IsPositive(maxFactor) {
			maxFactor = fixed.FloatPrecision
		}
		return pricing.CapPositiveImpact(impactUsd, m.Pool.PositionImpactPool(), prices.Index, sizeDeltaUsd, maxFactor)
	}
	if fixed.IsPositive(cfg.MaxPositionImpactFactorNegative) {
		capped, _ := pricing.CapNegativeImpact(impactUsd, sizeDeltaUsd, cfg.MaxPositionImpactFactorNegative)
		return capped
	}
	return fixed.Clone(impactUsd)
}

// validate checks an open position after a change.
func validate(m *market.Market, prices model.MarketPrices, p *model.Position) error {
	cfg := m.Config
	if !p.IsOpen() || !fixed.IsPositive(p.SizeInTokens) {
		return wrap(model.ErrInvariantViolation, "position %s has size %s and %s tokens", p.Key(), p.SizeInUsd, p.SizeInTokens)
	}
	if p.SizeInUsd.Cmp(cfg.MinPositionSizeUsd) < 0 {
		return wrap(model.ErrMinPositionSize, "size %s", fixed.ToDecimal(p.SizeInUsd).StringFixed(2))
	}
	bucket, err := m.Props.CollateralBucket(p.CollateralToken)
	if err != nil {
		return err
	}
	collateralUsd := fixed.Mul(p.CollateralAmount, prices.Collateral(bucket).Min)
	if collateralUsd.Cmp(cfg.MinCollateralUsd) < 0 {
		return wrap(model.ErrInsufficientCollateralUsd, "collateral %s", fixed.ToDecimal(collateralUsd).StringFixed(2))
	}
	info, err := CheckLiquidation(m, prices, p, false)
	if err != nil {
		return err
	}
	if info.Liquidatable {
		return wrap(model.ErrLiquidatablePosition, "%s", info.Reason)
	}
	return nil
}
