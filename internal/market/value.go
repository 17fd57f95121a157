package market

import (
	"fmt"
	"math/big"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pool"
)

// PoolValueInfo breaks down the value backing the market token.
type PoolValueInfo struct {
	PoolValue            *big.Int
	LongTokenUsd         *big.Int
	ShortTokenUsd        *big.Int
	LongPnl              *big.Int
	ShortPnl             *big.Int
	NetPnl               *big.Int
	TotalBorrowingFees   *big.Int
	ImpactPoolAmount     *big.Int
	ImpactPoolUsd        *big.Int
	BorrowingFeePoolPart *big.Int
}

// PoolValue values the pool for market-token pricing. Token balances use
// the maximize side of their prices and trader PnL the opposite side, so a
// maximized pool value is always the more favourable one for the pool.
func (m *Market) PoolValue(prices model.MarketPrices, maximize bool, t model.PnlFactorType) PoolValueInfo {
	info := PoolValueInfo{
		LongTokenUsd:  fixed.Mul(m.Pool.AmountForSide(m.Props, true), prices.Long.Pick(maximize)),
		ShortTokenUsd: fixed.Mul(m.Pool.AmountForSide(m.Props, false), prices.Short.Pick(maximize)),
	}
	value := fixed.Add(info.LongTokenUsd, info.ShortTokenUsd)

	info.TotalBorrowingFees = fixed.Add(
		m.Borrowing.PendingFees(true, m.Pool.SideOpenInterest(true)),
		m.Borrowing.PendingFees(false, m.Pool.SideOpenInterest(false)),
	)
	poolFactor := fixed.Sub(fixed.FloatPrecision, m.Config.BorrowingFeeReceiverFactor)
	info.BorrowingFeePoolPart = fixed.ApplyFactor(info.TotalBorrowingFees, poolFactor)
	value.Add(value, info.BorrowingFeePoolPart)

	info.ImpactPoolAmount = m.Pool.PositionImpactPool()
	info.ImpactPoolUsd = fixed.Mul(info.ImpactPoolAmount, prices.Index.Pick(maximize))
	value.Sub(value, info.ImpactPoolUsd)

	info.LongPnl = pool.CapPnl(m.Pool.Pnl(prices.Index, true, !maximize), info.LongTokenUsd, m.Config.MaxPnlFactorFor(t, true))
	info.ShortPnl = pool.CapPnl(m.Pool.Pnl(prices.Index, false, !maximize), info.ShortTokenUsd, m.Config.MaxPnlFactorFor(t, false))
	info.NetPnl = fixed.Add(info.LongPnl, info.ShortPnl)
	value.Sub(value, info.NetPnl)

	info.PoolValue = value
	return info
}

// MarketTokenPrice returns the USD value of one whole market token. An
// empty market prices its token at 1 USD.
func (m *Market) MarketTokenPrice(prices model.MarketPrices, maximize bool, t model.PnlFactorType) (*big.Int, PoolValueInfo) {
	info := m.PoolValue(prices, maximize, t)
	supply := m.Pool.Supply()
	if supply.Sign() == 0 {
		return fixed.Clone(fixed.FloatPrecision), info
	}
	if info.PoolValue.Sign() == 0 {
		return new(big.Int), info
	}
	return fixed.MulDiv(fixed.WeiPrecision, info.PoolValue, supply, fixed.Down), info
}

// UsdToMarketTokenAmount converts a USD value into market tokens at the
// given pool value and supply. Outstanding tokens backed by a non-positive
// pool value cannot be priced.
func UsdToMarketTokenAmount(usd, poolValue, supply *big.Int) (*big.Int, error) {
	if fixed.IsZero(supply) {
		if fixed.IsZero(poolValue) {
			return fixed.Div(usd, fixed.FloatToWeiDivisor, fixed.Down), nil
		}
		return fixed.Div(fixed.Add(poolValue, usd), fixed.FloatToWeiDivisor, fixed.Down), nil
	}
	if !fixed.IsPositive(poolValue) {
		return nil, fmt.Errorf("%w: %s backing %s market tokens", model.ErrInvalidPoolValue, fixed.ToDecimal(poolValue), supply)
	}
	return fixed.MulDiv(supply, usd, poolValue, fixed.Down), nil
}

// MarketTokenAmountToUsd values an amount of market tokens.
func MarketTokenAmountToUsd(amount, poolValue, supply *big.Int) *big.Int {
	if fixed.IsZero(supply) {
		return new(big.Int)
	}
	return fixed.MulDiv(poolValue, amount, supply, fixed.Down)
}
