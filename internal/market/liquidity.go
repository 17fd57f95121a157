package market

import (
	"fmt"
	"math/big"

	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// DepositParams describes a liquidity deposit.
type DepositParams struct {
	LongTokenAmount  *big.Int
	ShortTokenAmount *big.Int
	MinMarketTokens  *big.Int
}

// DepositResult is the outcome of a deposit.
type DepositResult struct {
	MintAmount     *big.Int
	PriceImpactUsd *big.Int
	LongFees       fees.SwapFees
	ShortFees      fees.SwapFees
}

// Deposit adds liquidity and mints market tokens. Price impact is computed
// on the combined deposit and split across the two legs by USD share.
func (m *Market) Deposit(prices model.MarketPrices, p DepositParams) (DepositResult, error) {
	long := fixed.OrZero(p.LongTokenAmount)
	short := fixed.OrZero(p.ShortTokenAmount)
	res := DepositResult{MintAmount: new(big.Int), PriceImpactUsd: new(big.Int)}
	if long.Sign() == 0 && short.Sign() == 0 {
		return res, model.ErrEmptyDeposit
	}

	info := m.PoolValue(prices, true, model.PnlFactorDeposits)
	if info.PoolValue.Sign() < 0 {
		return res, fmt.Errorf("%w: %s", model.ErrInvalidPoolValue, fixed.ToDecimal(info.PoolValue))
	}
	supply := m.Pool.Supply()

	if m.Props.IsSingleToken() {
		long = fixed.Add(long, short)
		short = new(big.Int)
	}

	longUsd := fixed.Mul(long, prices.Long.Mid())
	shortUsd := fixed.Mul(short, prices.Short.Mid())
	impact, err := m.SwapImpactUsd(prices, m.Props.LongToken, m.Props.ShortToken, longUsd, shortUsd)
	if err != nil {
		return res, err
	}
	res.PriceImpactUsd = impact
	totalUsd := fixed.Add(longUsd, shortUsd)

	mintUsd := new(big.Int)
	if long.Sign() > 0 {
		legImpact := fixed.MulDiv(impact, longUsd, totalUsd, fixed.Down)
		usd, f, err := m.depositLeg(prices, m.Props.LongToken, m.Props.ShortToken, long, legImpact)
		if err != nil {
			return res, err
		}
		mintUsd.Add(mintUsd, usd)
		res.LongFees = f
	}
	if short.Sign() > 0 {
		legImpact := fixed.MulDiv(impact, shortUsd, totalUsd, fixed.Down)
		usd, f, err := m.depositLeg(prices, m.Props.ShortToken, m.Props.LongToken, short, legImpact)
		if err != nil {
			return res, err
		}
		mintUsd.Add(mintUsd, usd)
		res.ShortFees = f
	}

	mint, err := UsdToMarketTokenAmount(mintUsd, info.PoolValue, supply)
	if err != nil {
		return res, err
	}
	res.MintAmount = mint
	if res.MintAmount.Cmp(fixed.OrZero(p.MinMarketTokens)) < 0 {
		return res, fmt.Errorf("%w: minted %s, want %s", model.ErrInsufficientMarketTokens, res.MintAmount, p.MinMarketTokens)
	}
	if err := m.Pool.ApplySupplyDelta(res.MintAmount); err != nil {
		return res, err
	}
	return res, nil
}

// depositLeg settles one token of a deposit and returns the USD value it
// contributes to the mint.
func (m *Market) depositLeg(prices model.MarketPrices, tokenIn, tokenOut model.Token, amount, impactUsd *big.Int) (*big.Int, fees.SwapFees, error) {
	inPrice, _ := prices.ForToken(m.Props, tokenIn)
	outPrice, _ := prices.ForToken(m.Props, tokenOut)

	f := fees.Swap(m.Config, amount, impactUsd.Sign() > 0)
	if err := m.Pool.AddClaimableFee(tokenIn, f.FeeReceiverAmount); err != nil {
		return nil, f, err
	}
	mintUsd := new(big.Int)
	amountIn := fixed.Clone(f.AmountAfterFees)

	switch impactUsd.Sign() {
	case 1:
		bonus, diffUsd, err := m.applySwapImpactWithCap(tokenOut, outPrice, impactUsd)
		if err != nil {
			return nil, f, err
		}
		if bonus.Sign() > 0 {
			mintUsd.Add(mintUsd, fixed.Mul(bonus, outPrice.Max))
			if err := m.ApplyPoolDelta(tokenOut, bonus); err != nil {
				return nil, f, err
			}
			if err := m.Pool.ValidatePoolAmount(m.Config, tokenOut); err != nil {
				return nil, f, err
			}
		}
		if diffUsd.Sign() > 0 {
			extra, _, err := m.applySwapImpactWithCap(tokenIn, inPrice, diffUsd)
			if err != nil {
				return nil, f, err
			}
			amountIn.Add(amountIn, extra)
		}
	case -1:
		charged, _, err := m.applySwapImpactWithCap(tokenIn, inPrice, impactUsd)
		if err != nil {
			return nil, f, err
		}
		amountIn.Add(amountIn, charged)
		if amountIn.Sign() < 0 {
			return nil, f, fmt.Errorf("%w: deposit of %s %s", model.ErrSwapPriceImpactExceedsAmountIn, amount, tokenIn)
		}
	}

	mintUsd.Add(mintUsd, fixed.Mul(amountIn, inPrice.Min))
	if err := m.ApplyPoolDelta(tokenIn, fixed.Add(amountIn, f.FeeAmountForPool)); err != nil {
		return nil, f, err
	}
	if err := m.Pool.ValidatePoolAmount(m.Config, tokenIn); err != nil {
		return nil, f, err
	}
	return mintUsd, f, nil
}

// WithdrawParams describes a liquidity withdrawal.
type WithdrawParams struct {
	MarketTokenAmount   *big.Int
	MinLongTokenAmount  *big.Int
	MinShortTokenAmount *big.Int
}

// WithdrawResult is the outcome of a withdrawal. Amounts are after fees.
type WithdrawResult struct {
	UsdValue         *big.Int
	LongTokenAmount  *big.Int
	ShortTokenAmount *big.Int
	LongFees         fees.SwapFees
	ShortFees        fees.SwapFees
}

// Withdraw burns market tokens and pays out both pool tokens in proportion
// to their share of pool value.
func (m *Market) Withdraw(prices model.MarketPrices, p WithdrawParams) (WithdrawResult, error) {
	res := WithdrawResult{UsdValue: new(big.Int), LongTokenAmount: new(big.Int), ShortTokenAmount: new(big.Int)}
	amount := fixed.OrZero(p.MarketTokenAmount)
	if amount.Sign() == 0 {
		return res, model.ErrEmptyWithdrawal
	}
	supply := m.Pool.Supply()
	if amount.Cmp(supply) > 0 {
		return res, fmt.Errorf("%w: burn %s of supply %s", model.ErrInsufficientMarketTokens, amount, supply)
	}

	info := m.PoolValue(prices, false, model.PnlFactorWithdrawals)
	if info.PoolValue.Sign() <= 0 {
		return res, fmt.Errorf("%w: %s", model.ErrInvalidPoolValue, fixed.ToDecimal(info.PoolValue))
	}
	res.UsdValue = MarketTokenAmountToUsd(amount, info.PoolValue, supply)

	longPoolUsd := fixed.Mul(m.Pool.AmountForSide(m.Props, true), prices.Long.Max)
	shortPoolUsd := fixed.Mul(m.Pool.AmountForSide(m.Props, false), prices.Short.Max)
	totalPoolUsd := fixed.Add(longPoolUsd, shortPoolUsd)
	if totalPoolUsd.Sign() == 0 {
		return res, fmt.Errorf("%w: empty pool", model.ErrInsufficientPoolAmount)
	}
	longUsd := fixed.MulDiv(res.UsdValue, longPoolUsd, totalPoolUsd, fixed.Down)
	shortUsd := fixed.Sub(res.UsdValue, longUsd)

	legs := []struct {
		token  model.Token
		usd    *big.Int
		price  model.Price
		out    **big.Int
		fees   *fees.SwapFees
		minOut *big.Int
	}{
		{m.Props.LongToken, longUsd, prices.Long, &res.LongTokenAmount, &res.LongFees, p.MinLongTokenAmount},
		{m.Props.ShortToken, shortUsd, prices.Short, &res.ShortTokenAmount, &res.ShortFees, p.MinShortTokenAmount},
	}
	for _, leg := range legs {
		gross := fixed.Div(leg.usd, leg.price.Max, fixed.Down)
		f := fees.Swap(m.Config, gross, false)
		if err := m.Pool.AddClaimableFee(leg.token, f.FeeReceiverAmount); err != nil {
			return res, err
		}
		if m.Pool.PoolAmount.Get(leg.token).Cmp(fixed.Sub(gross, f.FeeAmountForPool)) < 0 {
			return res, fmt.Errorf("%w: %s", model.ErrInsufficientPoolAmount, leg.token)
		}
		if err := m.ApplyPoolDelta(leg.token, fixed.Neg(fixed.Sub(gross, f.FeeAmountForPool))); err != nil {
			return res, err
		}
		if f.AmountAfterFees.Cmp(fixed.OrZero(leg.minOut)) < 0 {
			return res, fmt.Errorf("%w: %s %s below minimum", model.ErrInsufficientSwapOutputAmount, f.AmountAfterFees, leg.token)
		}
		*leg.out = f.AmountAfterFees
		*leg.fees = f
	}

	if err := m.Pool.ApplySupplyDelta(fixed.Neg(amount)); err != nil {
		return res, err
	}
	for _, isLong := range []bool{true, false} {
		if err := m.Pool.ValidatePnlFactor(m.Props, m.Config, prices, isLong, model.PnlFactorWithdrawals); err != nil {
			return res, err
		}
		if err := m.Pool.ValidateReserve(m.Props, m.Config, prices, isLong); err != nil {
			return res, err
		}
	}
	return res, nil
}
