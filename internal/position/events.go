package position

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/model"
)

func wrap(err error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))
}

func positionEvent(kind model.EventKind, p *model.Position, orderID string, at time.Time) model.Event {
	e := model.NewEvent(kind, p.Market, at).ForPosition(p)
	e.OrderID = orderID
	return e.
		WithAttr("collateral_token", string(p.CollateralToken)).
		WithAttr("is_long", strconv.FormatBool(p.IsLong))
}

func autoUpdated(kind model.EventKind, p *model.Position, orderID string, at time.Time, prev, next *big.Int, reason string) model.Event {
	return positionEvent(kind, p, orderID, at).
		With("prev", prev).
		With("next", next).
		WithAttr("reason", reason)
}

func feesEvent(p *model.Position, orderID string, at time.Time, f fees.PositionFees, isIncrease bool) model.Event {
	return positionEvent(model.EventPositionFeesCollected, p, orderID, at).
		WithAttr("is_increase", strconv.FormatBool(isIncrease)).
		With("position_fee_amount", f.PositionFeeAmount).
		With("position_fee_receiver_amount", f.PositionFeeReceiverAmount).
		With("borrowing_fee_usd", f.BorrowingFeeUsd).
		With("borrowing_fee_amount", f.BorrowingFeeAmount).
		With("liquidation_fee_amount", f.LiquidationFeeAmount).
		With("funding_fee_amount", f.Funding.FundingFeeAmount).
		With("claimable_long_token_amount", f.Funding.ClaimableLongTokenAmount).
		With("claimable_short_token_amount", f.Funding.ClaimableShortTokenAmount).
		With("fee_receiver_amount", f.FeeReceiverAmount).
		With("fee_amount_for_pool", f.FeeAmountForPool).
		With("total_cost_amount", f.TotalCostAmount)
}
