// Package risk closes positions the pool can no longer carry: liquidation
// of undercollateralized positions and auto-deleveraging of profitable ones
// when a side's PnL grows too large against its pool.
package risk

import (
	"fmt"
	"time"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
)

// Liquidation is the outcome of a liquidation.
type Liquidation struct {
	position.DecreaseResult
	Info position.LiquidationInfo
}

// Liquidate closes pos in full when it fails the solvency check. The close
// ignores the acceptable price, charges the liquidation fee and may leave a
// shortfall; any collateral left is returned to the owner as output.
func Liquidate(m *market.Market, prices model.MarketPrices, pos *model.Position, orderID string, now time.Time) (Liquidation, error) {
	info, err := position.CheckLiquidation(m, prices, pos, true)
	if err != nil {
		return Liquidation{}, err
	}
	if !info.Liquidatable {
		return Liquidation{Info: info}, fmt.Errorf("%w: %s has %s remaining collateral USD", model.ErrPositionShouldNotBeLiquidated,
			pos.Key(), info.RemainingCollateralUsd)
	}

	res, err := position.Decrease(m, prices, pos, position.DecreaseParams{
		OrderID:       orderID,
		OrderType:     model.Liquidation,
		SizeDeltaUsd:  pos.SizeInUsd,
		IsLiquidation: true,
	}, now)
	if err != nil {
		return Liquidation{Info: info}, fmt.Errorf("liquidate %s: %w", pos.Key(), err)
	}

	e := model.NewEvent(model.EventPositionLiquidated, m.Token(), now).ForPosition(pos).
		WithAttr("reason", info.Reason).
		With("size_in_usd", pos.SizeInUsd).
		With("collateral_usd", info.CollateralUsd).
		With("pnl_usd", info.PnlUsd).
		With("price_impact_usd", info.PriceImpactUsd).
		With("remaining_collateral_usd", info.RemainingCollateralUsd).
		With("output_amount", res.OutputAmount).
		With("shortfall_usd", res.ShortfallUsd)
	e.OrderID = orderID
	res.Events = append(res.Events, e)
	return Liquidation{DecreaseResult: res, Info: info}, nil
}
