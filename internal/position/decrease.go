package position

import (
	"math/big"
	"time"

	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
)

// DecreaseParams describes a position decrease.
type DecreaseParams struct {
	OrderID               string
	OrderType             model.OrderType
	SizeDeltaUsd          *big.Int
	CollateralDeltaAmount *big.Int
	// AcceptablePrice bounds the execution price; nil disables the check.
	AcceptablePrice *big.Int
	SwapType        model.DecreaseSwapType

	// Liquidations and ADL skip the acceptable price and may close a
	// position that cannot cover its costs.
	IsLiquidation bool
	IsAdl         bool
}

func (p DecreaseParams) forced() bool { return p.IsLiquidation || p.IsAdl }

// DecreaseResult is the outcome of a decrease. OutputAmount is paid in
// OutputToken and SecondaryOutputAmount in SecondaryOutputToken.
type DecreaseResult struct {
	Position *model.Position
	Closed   bool

	SizeDeltaUsd          *big.Int
	CollateralDeltaAmount *big.Int
	ExecutionPrice        *big.Int
	PriceImpactUsd        *big.Int
	BasePnlUsd            *big.Int
	PnlUsd                *big.Int
	Fees                  fees.PositionFees

	OutputToken           model.Token
	OutputAmount          *big.Int
	SecondaryOutputToken  model.Token
	SecondaryOutputAmount *big.Int

	// ShortfallUsd is what an insolvent close left unpaid.
	Insolvent    bool
	ShortfallUsd *big.Int

	Events []model.Event
}

// Decrease shrinks or closes pos and settles its PnL and costs.
func Decrease(m *market.Market, prices model.MarketPrices, pos *model.Position, p DecreaseParams, now time.Time) (DecreaseResult, error) {
	var res DecreaseResult
	if !pos.IsOpen() {
		return res, wrap(model.ErrEmptyPosition, "%s", pos.Key())
	}
	bucket, err := m.Props.CollateralBucket(pos.CollateralToken)
	if err != nil {
		return res, err
	}
	pos = pos.Clone()
	cfg := m.Config
	var events []model.Event

	size := fixed.Clone(p.SizeDeltaUsd)
	collateralDelta := fixed.Clone(p.CollateralDeltaAmount)
	if size.Cmp(pos.SizeInUsd) > 0 {
		if p.OrderType != model.LimitDecrease && p.OrderType != model.StopLossDecrease {
			return res, wrap(model.ErrInvalidDecreaseOrderSize, "size delta %s exceeds size %s", size, pos.SizeInUsd)
		}
		events = append(events, autoUpdated(model.EventOrderSizeDeltaAutoUpdated, pos, p.OrderID, now, size, pos.SizeInUsd, "size delta exceeds position size"))
		size = fixed.Clone(pos.SizeInUsd)
	}
	if size.Sign() == 0 && collateralDelta.Sign() == 0 {
		return res, wrap(model.ErrInvalidOrder, "empty decrease of %s", pos.Key())
	}

	full := size.Cmp(pos.SizeInUsd) == 0
	if !full {
		if collateralDelta.Sign() > 0 && !collateralSufficient(m, prices, pos, size, collateralDelta) {
			if size.Sign() == 0 {
				return res, wrap(model.ErrInsufficientCollateralAmount, "withdrawal of %s would undercollateralize %s", collateralDelta, pos.Key())
			}
			events = append(events, autoUpdated(model.EventOrderCollateralDeltaAmountAutoUpdated, pos, p.OrderID, now, collateralDelta, new(big.Int), "insufficient remaining collateral"))
			collateralDelta = new(big.Int)
		}
		if remaining := fixed.Sub(pos.SizeInUsd, size); remaining.Cmp(cfg.MinPositionSizeUsd) < 0 {
			events = append(events, autoUpdated(model.EventOrderSizeDeltaAutoUpdated, pos, p.OrderID, now, size, pos.SizeInUsd, "remaining size below minimum"))
			size = fixed.Clone(pos.SizeInUsd)
			full = true
		}
	}
	insolventAllowed := full && p.forced()

	impact := new(big.Int)
	if size.Sign() > 0 {
		raw, err := m.PositionImpactUsd(fixed.Neg(size), pos.IsLong)
		if err != nil {
			return res, err
		}
		impact = capImpact(m, prices, raw, size)
	}
	execPrice, err := decreaseExecutionPrice(prices, pos, size, impact)
	if err != nil {
		return res, err
	}
	if !p.forced() && p.AcceptablePrice != nil {
		if (pos.IsLong && execPrice.Cmp(p.AcceptablePrice) < 0) || (!pos.IsLong && execPrice.Cmp(p.AcceptablePrice) > 0) {
			return res, wrap(model.ErrOrderNotFulfillableAtAcceptablePrice, "execution price %s, acceptable %s", execPrice, p.AcceptablePrice)
		}
	}

	pnl := PositionPnl(m, prices, pos, size)
	fund := m.Funding.PositionFeesFor(pos, bucket)
	f := fees.Position(fees.PositionParams{
		Config:            cfg,
		CollateralPrice:   prices.Collateral(bucket),
		SizeDeltaUsd:      size,
		ForPositiveImpact: impact.Sign() > 0,
		BorrowingFeeUsd:   m.Borrowing.PositionFeeUsd(pos),
		Funding:           fund,
		IsLiquidation:     p.IsLiquidation,
	})

	s := newSettlement(m, prices, pos)
	prevCollateral := fixed.Clone(pos.CollateralAmount)
	if err := s.collectProfit(pnl.PnlUsd, impact); err != nil {
		return res, err
	}
	if err := s.payCosts(&f, pnl.PnlUsd, impact, insolventAllowed, p.OrderID, now); err != nil {
		return res, err
	}

	if !full && collateralDelta.Sign() > 0 {
		if collateralDelta.Cmp(s.collateral) > 0 {
			s.events = append(s.events, autoUpdated(model.EventOrderCollateralDeltaAmountAutoUpdated, pos, p.OrderID, now, collateralDelta, s.collateral, "collateral delta exceeds remaining collateral"))
			collateralDelta = fixed.Clone(s.collateral)
		}
		s.collateral.Sub(s.collateral, collateralDelta)
		s.output.Add(s.output, collateralDelta)
	}

	prevSize, prevFactor := fixed.Clone(pos.SizeInUsd), fixed.Clone(pos.BorrowingFactor)
	pos.SizeInUsd = fixed.Sub(pos.SizeInUsd, size)
	pos.SizeInTokens = fixed.Sub(pos.SizeInTokens, pnl.SizeDeltaInTokens)
	if err := m.ApplyOpenInterestDelta(pos.CollateralToken, pos.IsLong, fixed.Neg(size), fixed.Neg(pnl.SizeDeltaInTokens)); err != nil {
		return res, err
	}
	creditFunding(m, pos, fund)
	fund.Snapshot(pos)
	cumulative := m.Borrowing.Cumulative.Get(pos.IsLong)
	pos.BorrowingFactor = fixed.Clone(cumulative)
	m.Borrowing.UpdateTotalBorrowing(pos.IsLong, prevSize, prevFactor, pos.SizeInUsd, cumulative)

	closed := pos.SizeInUsd.Sign() == 0
	if closed {
		s.output.Add(s.output, s.collateral)
		s.collateral = new(big.Int)
	}
	pos.CollateralAmount = fixed.Clone(s.collateral)
	if err := m.Pool.ApplyCollateralSumDelta(bucket, pos.IsLong, fixed.Sub(pos.CollateralAmount, prevCollateral)); err != nil {
		return res, err
	}
	pos.DecreasedAt = now
	if !closed && !p.forced() {
		if err := validate(m, prices, pos); err != nil {
			return res, err
		}
	}

	s.swapOutputs(p.SwapType, p.OrderID, now)

	res = DecreaseResult{
		Position:              pos,
		Closed:                closed,
		SizeDeltaUsd:          size,
		CollateralDeltaAmount: collateralDelta,
		ExecutionPrice:        execPrice,
		PriceImpactUsd:        impact,
		BasePnlUsd:            pnl.UncappedPnlUsd,
		PnlUsd:                pnl.PnlUsd,
		Fees:                  f,
		OutputToken:           s.outputToken,
		OutputAmount:          s.output,
		SecondaryOutputToken:  s.secondaryToken,
		SecondaryOutputAmount: s.secondary,
		Insolvent:             s.shortfallUsd.Sign() > 0,
		ShortfallUsd:          s.shortfallUsd,
	}
	events = append(events, s.events...)
	events = append(events,
		positionEvent(model.EventPositionDecrease, pos, p.OrderID, now).
			WithAttr("order_type", p.OrderType.String()).
			With("size_delta_usd", size).
			With("size_delta_in_tokens", pnl.SizeDeltaInTokens).
			With("collateral_delta_amount", collateralDelta).
			With("execution_price", execPrice).
			With("price_impact_usd", impact).
			With("base_pnl_usd", pnl.UncappedPnlUsd).
			With("pnl_usd", pnl.PnlUsd).
			With("output_amount", s.output).
			With("secondary_output_amount", s.secondary).
			With("size_in_usd", pos.SizeInUsd).
			With("size_in_tokens", pos.SizeInTokens).
			With("collateral_amount", pos.CollateralAmount),
		feesEvent(pos, p.OrderID, now, f, false),
	)
	res.Events = events
	return res, nil
}

// decreaseExecutionPrice spreads the impact over the position's average
// entry: price + size/tokens * impact/sizeDelta, signed for the side.
func decreaseExecutionPrice(prices model.MarketPrices, pos *model.Position, size, impact *big.Int) (*big.Int, error) {
	price := fixed.Clone(prices.Index.Pick(!pos.IsLong))
	if size.Sign() == 0 || !fixed.IsPositive(pos.SizeInTokens) {
		return price, nil
	}
	adjusted := fixed.Clone(impact)
	if !pos.IsLong {
		adjusted.Neg(adjusted)
	}
	if adjusted.Sign() < 0 && fixed.Neg(adjusted).Cmp(size) > 0 {
		return nil, wrap(model.ErrPriceImpactLargerThanOrderSize, "impact %s on size %s",
			fixed.ToDecimal(impact).StringFixed(2), fixed.ToDecimal(size).StringFixed(2))
	}
	adjustment := fixed.Div(fixed.MulDiv(pos.SizeInUsd, adjusted, pos.SizeInTokens, fixed.Down), size, fixed.Down)
	price.Add(price, adjustment)
	if price.Sign() <= 0 {
		return nil, wrap(model.ErrPriceImpactLargerThanOrderSize, "execution price %s", price)
	}
	return price, nil
}

// collateralSufficient reports whether withdrawing collateralDelta while
// closing size leaves enough collateral for the remaining leverage.
func collateralSufficient(m *market.Market, prices model.MarketPrices, pos *model.Position, size, collateralDelta *big.Int) bool {
	bucket, _ := m.Props.CollateralBucket(pos.CollateralToken)
	remaining := fixed.Mul(fixed.Sub(pos.CollateralAmount, collateralDelta), prices.Collateral(bucket).Min)
	if realized := PositionPnl(m, prices, pos, size).PnlUsd; realized.Sign() < 0 {
		remaining.Add(remaining, realized)
	}
	if remaining.Sign() < 0 {
		return false
	}
	minUsd := fixed.ApplyFactor(fixed.Sub(pos.SizeInUsd, size), minCollateralFactor(m, pos.IsLong))
	return remaining.Cmp(minUsd) >= 0
}
