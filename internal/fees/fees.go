// Package fees computes swap and position fees and their split between the
// pool and the fee receiver.
package fees

import (
	"math/big"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/model"
)

// SwapFees is the fee charged on a swap or liquidity action.
type SwapFees struct {
	FeeReceiverAmount *big.Int
	FeeAmountForPool  *big.Int
	AmountAfterFees   *big.Int
}

// Swap charges the swap fee on amount. Actions that improve pool balance
// use the positive-impact fee factor.
func Swap(cfg *model.MarketConfig, amount *big.Int, forPositiveImpact bool) SwapFees {
	factor := cfg.SwapFeeFactorNegative
	if forPositiveImpact {
		factor = cfg.SwapFeeFactorPositive
	}
	fee := fixed.ApplyFactor(amount, factor)
	receiver := fixed.ApplyFactor(fee, cfg.SwapFeeReceiverFactor)
	return SwapFees{
		FeeReceiverAmount: receiver,
		FeeAmountForPool:  fixed.Sub(fee, receiver),
		AmountAfterFees:   fixed.Sub(amount, fee),
	}
}

// Fee returns the total fee charged.
func (f SwapFees) Fee() *big.Int { return fixed.Add(f.FeeReceiverAmount, f.FeeAmountForPool) }

// PositionParams are the inputs to position fee computation.
type PositionParams struct {
	Config            *model.MarketConfig
	CollateralPrice   model.Price
	SizeDeltaUsd      *big.Int
	ForPositiveImpact bool
	BorrowingFeeUsd   *big.Int
	Funding           funding.PositionFees
	IsLiquidation     bool
}

// PositionFees are the costs of one position change, in collateral tokens.
type PositionFees struct {
	PositionFeeAmount         *big.Int
	PositionFeeReceiverAmount *big.Int
	PositionFeeAmountForPool  *big.Int

	BorrowingFeeUsd            *big.Int
	BorrowingFeeAmount         *big.Int
	BorrowingFeeReceiverAmount *big.Int

	LiquidationFeeAmount         *big.Int
	LiquidationFeeReceiverAmount *big.Int

	Funding funding.PositionFees

	// FeeReceiverAmount and FeeAmountForPool split every fee except funding.
	FeeReceiverAmount *big.Int
	FeeAmountForPool  *big.Int

	TotalCostAmountExcludingFunding *big.Int
	TotalCostAmount                 *big.Int
}

// Position computes the fees of a position change.
func Position(p PositionParams) PositionFees {
	cfg := p.Config
	minPrice := p.CollateralPrice.Min

	factor := cfg.PositionFeeFactorNegative
	if p.ForPositiveImpact {
		factor = cfg.PositionFeeFactorPositive
	}
	positionFee := fixed.Div(fixed.ApplyFactor(p.SizeDeltaUsd, factor), minPrice, fixed.Down)
	positionReceiver := fixed.ApplyFactor(positionFee, cfg.PositionFeeReceiverFactor)

	borrowingUsd := fixed.Clone(p.BorrowingFeeUsd)
	borrowingFee := fixed.Div(borrowingUsd, minPrice, fixed.Down)
	borrowingReceiver := fixed.ApplyFactor(borrowingFee, cfg.BorrowingFeeReceiverFactor)

	liquidationFee, liquidationReceiver := new(big.Int), new(big.Int)
	if p.IsLiquidation {
		liquidationFee = fixed.RoundUpDiv(fixed.ApplyFactor(p.SizeDeltaUsd, cfg.LiquidationFeeFactor), minPrice)
		liquidationReceiver = fixed.ApplyFactor(liquidationFee, cfg.LiquidationFeeReceiverFactor)
	}

	f := PositionFees{
		PositionFeeAmount:            positionFee,
		PositionFeeReceiverAmount:    positionReceiver,
		PositionFeeAmountForPool:     fixed.Sub(positionFee, positionReceiver),
		BorrowingFeeUsd:              borrowingUsd,
		BorrowingFeeAmount:           borrowingFee,
		BorrowingFeeReceiverAmount:   borrowingReceiver,
		LiquidationFeeAmount:         liquidationFee,
		LiquidationFeeReceiverAmount: liquidationReceiver,
		Funding:                      p.Funding,
	}
	f.FeeReceiverAmount = fixed.Add(fixed.Add(positionReceiver, borrowingReceiver), liquidationReceiver)
	f.TotalCostAmountExcludingFunding = fixed.Add(fixed.Add(positionFee, borrowingFee), liquidationFee)
	f.FeeAmountForPool = fixed.Sub(f.TotalCostAmountExcludingFunding, f.FeeReceiverAmount)
	f.TotalCostAmount = fixed.Add(f.TotalCostAmountExcludingFunding, fixed.OrZero(p.Funding.FundingFeeAmount))
	return f
}

// DropReceiverShare moves the fee-receiver share to the pool. Forced closes
// that cannot cover their costs keep every collected fee in the pool.
func (f *PositionFees) DropReceiverShare() {
	f.FeeAmountForPool = fixed.Clone(f.TotalCostAmountExcludingFunding)
	f.FeeReceiverAmount = new(big.Int)
	f.PositionFeeReceiverAmount = new(big.Int)
	f.BorrowingFeeReceiverAmount = new(big.Int)
	f.LiquidationFeeReceiverAmount = new(big.Int)
}

// TotalCostUsd values the total cost at the collateral min price.
func (f PositionFees) TotalCostUsd(collateral model.Price) *big.Int {
	return fixed.Mul(f.TotalCostAmount, collateral.Min)
}
