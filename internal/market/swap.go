package market

import (
	"fmt"
	"math/big"

	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// SwapResult is the outcome of swapping through one market.
type SwapResult struct {
	TokenOut       model.Token
	AmountIn       *big.Int
	AmountOut      *big.Int
	PriceImpactUsd *big.Int
	Fees           fees.SwapFees
}

// Swap exchanges amountIn of tokenIn for the market's other collateral
// token. The minimum output is checked by the caller over the whole path.
func (m *Market) Swap(prices model.MarketPrices, tokenIn model.Token, amountIn *big.Int) (SwapResult, error) {
	res := SwapResult{AmountIn: fixed.Clone(amountIn), AmountOut: new(big.Int), PriceImpactUsd: new(big.Int)}
	if m.Props.IsSingleToken() {
		return res, fmt.Errorf("%w: cannot swap in single-token market %s", model.ErrInvalidOrder, m.Props.MarketToken)
	}
	if !m.Props.IsCollateral(tokenIn) {
		return res, fmt.Errorf("%w: %s not in market %s", model.ErrInvalidCollateralToken, tokenIn, m.Props.MarketToken)
	}
	if !fixed.IsPositive(amountIn) {
		return res, fmt.Errorf("%w: swap amount must be positive", model.ErrInvalidOrder)
	}
	tokenOut := m.Props.OtherToken(tokenIn)
	res.TokenOut = tokenOut
	inPrice, _ := prices.ForToken(m.Props, tokenIn)
	outPrice, _ := prices.ForToken(m.Props, tokenOut)

	deltaUsd := fixed.Mul(amountIn, inPrice.Mid())
	impact, err := m.SwapImpactUsd(prices, tokenIn, tokenOut, deltaUsd, fixed.Neg(deltaUsd))
	if err != nil {
		return res, err
	}
	res.PriceImpactUsd = impact

	f := fees.Swap(m.Config, amountIn, impact.Sign() > 0)
	res.Fees = f
	if err := m.Pool.AddClaimableFee(tokenIn, f.FeeReceiverAmount); err != nil {
		return res, err
	}

	in := fixed.Clone(f.AmountAfterFees)
	var amountOut, poolAmountOut *big.Int
	if impact.Sign() > 0 {
		bonus, diffUsd, err := m.applySwapImpactWithCap(tokenOut, outPrice, impact)
		if err != nil {
			return res, err
		}
		if diffUsd.Sign() > 0 {
			extra, _, err := m.applySwapImpactWithCap(tokenIn, inPrice, diffUsd)
			if err != nil {
				return res, err
			}
			in.Add(in, extra)
		}
		poolAmountOut = fixed.Div(fixed.Mul(in, inPrice.Min), outPrice.Max, fixed.Down)
		amountOut = fixed.Add(poolAmountOut, bonus)
	} else {
		charged, _, err := m.applySwapImpactWithCap(tokenIn, inPrice, impact)
		if err != nil {
			return res, err
		}
		if f.AmountAfterFees.Cmp(fixed.Neg(charged)) <= 0 {
			return res, fmt.Errorf("%w: impact %s exceeds %s", model.ErrSwapPriceImpactExceedsAmountIn, fixed.Neg(charged), f.AmountAfterFees)
		}
		in.Add(in, charged)
		poolAmountOut = fixed.Div(fixed.Mul(in, inPrice.Min), outPrice.Max, fixed.Down)
		amountOut = poolAmountOut
	}

	if poolAmountOut.Cmp(m.Pool.PoolAmount.Get(tokenOut)) > 0 {
		return res, fmt.Errorf("%w: %s wanted %s, pool holds %s", model.ErrInsufficientPoolAmount, tokenOut, poolAmountOut, m.Pool.PoolAmount.Get(tokenOut))
	}
	if err := m.ApplyPoolDelta(tokenIn, fixed.Add(in, f.FeeAmountForPool)); err != nil {
		return res, err
	}
	if err := m.ApplyPoolDelta(tokenOut, fixed.Neg(poolAmountOut)); err != nil {
		return res, err
	}
	if err := m.Pool.ValidatePoolAmount(m.Config, tokenIn); err != nil {
		return res, err
	}
	outIsLong, _ := m.Props.CollateralBucket(tokenOut)
	if err := m.Pool.ValidateReserve(m.Props, m.Config, prices, outIsLong); err != nil {
		return res, err
	}
	res.AmountOut = amountOut
	return res, nil
}
