package position

import (
	"math/big"
	"time"

	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pricing"
)

// IncreaseParams describes a position increase. CollateralDeltaAmount is
// already in the position's collateral token.
type IncreaseParams struct {
	OrderID               string
	CollateralDeltaAmount *big.Int
	SizeDeltaUsd          *big.Int
	// AcceptablePrice bounds the execution price; nil disables the check.
	AcceptablePrice *big.Int
}

// IncreaseResult is the outcome of an increase.
type IncreaseResult struct {
	Position          *model.Position
	ExecutionPrice    *big.Int
	PriceImpactUsd    *big.Int
	PriceImpactAmount *big.Int
	SizeDeltaInTokens *big.Int
	Fees              fees.PositionFees
	Events            []model.Event
}

// Increase opens or grows pos.
func Increase(m *market.Market, prices model.MarketPrices, pos *model.Position, p IncreaseParams, now time.Time) (IncreaseResult, error) {
	var res IncreaseResult
	bucket, err := m.Props.CollateralBucket(pos.CollateralToken)
	if err != nil {
		return res, err
	}
	size := fixed.Clone(p.SizeDeltaUsd)
	collateralDelta := fixed.Clone(p.CollateralDeltaAmount)
	if size.Sign() == 0 && !pos.IsOpen() {
		return res, wrap(model.ErrInvalidOrder, "increase of empty position %s needs a size", pos.Key())
	}

	pos = pos.Clone()
	cfg := m.Config
	collPrice := prices.Collateral(bucket)

	impact := new(big.Int)
	impactAmount := new(big.Int)
	deltaTokens := new(big.Int)
	execPrice := prices.Index.Pick(pos.IsLong)
	if size.Sign() > 0 {
		raw, err := m.PositionImpactUsd(size, pos.IsLong)
		if err != nil {
			return res, err
		}
		impact = capImpact(m, prices, raw, size)
		impactAmount = pricing.PositionImpactAmount(impact, prices.Index)

		if pos.IsLong {
			deltaTokens = fixed.Div(size, prices.Index.Max, fixed.Down)
			deltaTokens.Add(deltaTokens, impactAmount)
		} else {
			deltaTokens = fixed.RoundUpDiv(size, prices.Index.Min)
			deltaTokens.Sub(deltaTokens, impactAmount)
		}
		if deltaTokens.Sign() <= 0 {
			return res, wrap(model.ErrPriceImpactLargerThanOrderSize, "impact %s on size %s",
				fixed.ToDecimal(impact).StringFixed(2), fixed.ToDecimal(size).StringFixed(2))
		}
		execPrice = fixed.Div(size, deltaTokens, fixed.Down)
		if err := checkAcceptable(execPrice, p.AcceptablePrice, pos.IsLong); err != nil {
			return res, err
		}
	}

	fund := m.Funding.PositionFeesFor(pos, bucket)
	f := fees.Position(fees.PositionParams{
		Config:            cfg,
		CollateralPrice:   collPrice,
		SizeDeltaUsd:      size,
		ForPositiveImpact: impact.Sign() > 0,
		BorrowingFeeUsd:   m.Borrowing.PositionFeeUsd(pos),
		Funding:           fund,
	})

	prevCollateral := fixed.Clone(pos.CollateralAmount)
	nextCollateral := fixed.Add(prevCollateral, collateralDelta)
	nextCollateral.Sub(nextCollateral, f.TotalCostAmount)
	if nextCollateral.Sign() < 0 {
		return res, wrap(model.ErrInsufficientCollateralAmount, "costs %s exceed collateral %s", f.TotalCostAmount, fixed.Add(prevCollateral, collateralDelta))
	}

	if err := m.ApplyPoolDelta(pos.CollateralToken, f.FeeAmountForPool); err != nil {
		return res, err
	}
	if err := m.Pool.AddClaimableFee(pos.CollateralToken, f.FeeReceiverAmount); err != nil {
		return res, err
	}
	m.Funding.RecordPaid(pos.CollateralToken, fund.FundingFeeAmount)
	creditFunding(m, pos, fund)
	if _, err := m.Pool.ApplyPositionImpactDelta(fixed.Neg(impactAmount)); err != nil {
		return res, err
	}
	if err := m.Pool.ApplyCollateralSumDelta(bucket, pos.IsLong, fixed.Sub(nextCollateral, prevCollateral)); err != nil {
		return res, err
	}

	prevSize, prevFactor := fixed.Clone(pos.SizeInUsd), fixed.Clone(pos.BorrowingFactor)
	pos.CollateralAmount = nextCollateral
	pos.SizeInUsd = fixed.Add(pos.SizeInUsd, size)
	pos.SizeInTokens = fixed.Add(pos.SizeInTokens, deltaTokens)
	fund.Snapshot(pos)
	cumulative := m.Borrowing.Cumulative.Get(pos.IsLong)
	pos.BorrowingFactor = fixed.Clone(cumulative)
	m.Borrowing.UpdateTotalBorrowing(pos.IsLong, prevSize, prevFactor, pos.SizeInUsd, cumulative)
	if err := m.ApplyOpenInterestDelta(pos.CollateralToken, pos.IsLong, size, deltaTokens); err != nil {
		return res, err
	}
	pos.IncreasedAt = now

	if err := m.Pool.ValidateReserve(m.Props, cfg, prices, pos.IsLong); err != nil {
		return res, err
	}
	if err := m.Pool.ValidateOpenInterest(cfg, pos.IsLong); err != nil {
		return res, err
	}
	if err := validate(m, prices, pos); err != nil {
		return res, err
	}

	res = IncreaseResult{
		Position:          pos,
		ExecutionPrice:    execPrice,
		PriceImpactUsd:    impact,
		PriceImpactAmount: impactAmount,
		SizeDeltaInTokens: deltaTokens,
		Fees:              f,
	}
	res.Events = []model.Event{
		positionEvent(model.EventPositionIncrease, pos, p.OrderID, now).
			With("size_delta_usd", size).
			With("size_delta_in_tokens", deltaTokens).
			With("collateral_delta_amount", collateralDelta).
			With("execution_price", execPrice).
			With("price_impact_usd", impact).
			With("price_impact_amount", impactAmount).
			With("size_in_usd", pos.SizeInUsd).
			With("size_in_tokens", pos.SizeInTokens).
			With("collateral_amount", pos.CollateralAmount),
		feesEvent(pos, p.OrderID, now, f, true),
	}
	return res, nil
}

// checkAcceptable bounds an increase: longs may not pay more than the
// acceptable price, shorts may not sell for less.
func checkAcceptable(execPrice, acceptable *big.Int, isLong bool) error {
	if acceptable == nil {
		return nil
	}
	if (isLong && execPrice.Cmp(acceptable) > 0) || (!isLong && execPrice.Cmp(acceptable) < 0) {
		return wrap(model.ErrOrderNotFulfillableAtAcceptablePrice, "execution price %s, acceptable %s", execPrice, acceptable)
	}
	return nil
}

// creditFunding records the funding a position earned in both collateral
// tokens.
func creditFunding(m *market.Market, pos *model.Position, f funding.PositionFees) {
	m.Funding.Credit(pos.Account, m.Props.LongToken, f.ClaimableLongTokenAmount)
	m.Funding.Credit(pos.Account, m.Props.ShortToken, f.ClaimableShortTokenAmount)
}
