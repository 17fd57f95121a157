package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
)

// MarketInfo is a read-only view of a market at current prices with
// funding and borrowing advanced to now.
type MarketInfo struct {
	Props            model.MarketProps        `json:"props"`
	MarketTokenPrice *big.Int                 `json:"market_token_price"`
	PoolValue        *big.Int                 `json:"pool_value"`
	Supply           *big.Int                 `json:"supply"`
	PoolAmounts      map[model.Token]*big.Int `json:"pool_amounts"`
	ImpactPoolAmount *big.Int                 `json:"impact_pool_amount"`
	OpenInterest     model.BigPair            `json:"open_interest"`
	PnlToPoolFactor  model.BigPair            `json:"pnl_to_pool_factor"`

	// FundingFactorPerSecond is signed; positive means longs pay shorts.
	FundingFactorPerSecond *big.Int                    `json:"funding_factor_per_second"`
	BorrowingRate          model.BigPair               `json:"borrowing_rate"`
	Adl                    model.Pair[market.AdlState] `json:"adl"`
}

// MarketInfo values a market without changing it.
func (e *Engine) MarketInfo(ctx context.Context, token model.Token) (MarketInfo, error) {
	var info MarketInfo
	err := e.view(ctx, "market_info", []model.Token{token}, func(t *tx) error {
		m, err := t.market(token)
		if err != nil {
			return err
		}
		prices, err := t.pricesFor(m)
		if err != nil {
			return err
		}
		price, value := m.MarketTokenPrice(prices, true, model.PnlFactorTraders)
		info = MarketInfo{
			Props:                  m.Props,
			MarketTokenPrice:       price,
			PoolValue:              value.PoolValue,
			Supply:                 m.Pool.Supply(),
			PoolAmounts:            make(map[model.Token]*big.Int),
			ImpactPoolAmount:       m.Pool.PositionImpactPool(),
			OpenInterest:           model.NewBigPair(),
			PnlToPoolFactor:        model.NewBigPair(),
			FundingFactorPerSecond: new(big.Int).Set(m.Funding.SavedFactorPerSecond),
			BorrowingRate:          model.NewBigPair(),
			Adl:                    m.Adl,
		}
		for _, tok := range collateralTokens(m.Props) {
			info.PoolAmounts[tok] = m.Pool.PoolAmount.Get(tok)
		}
		for _, isLong := range []bool{true, false} {
			info.OpenInterest.Set(isLong, m.Pool.SideOpenInterest(isLong))
			info.PnlToPoolFactor.Set(isLong, m.Pool.PnlToPoolFactor(m.Props, prices, isLong, true))
			rate, err := m.BorrowingRate(prices, isLong)
			if err != nil {
				return err
			}
			info.BorrowingRate.Set(isLong, rate)
		}
		return nil
	})
	return info, err
}

// PositionInfo is a position valued at current prices.
type PositionInfo struct {
	Position    *model.Position          `json:"position"`
	PnlUsd      *big.Int                 `json:"pnl_usd"`
	Liquidation position.LiquidationInfo `json:"liquidation"`
}

// Position values the open position at key.
func (e *Engine) Position(ctx context.Context, key model.PositionKey) (PositionInfo, error) {
	pos, err := e.store.GetPosition(ctx, key)
	if isNotFound(err) {
		return PositionInfo{}, fmt.Errorf("%w: %s", model.ErrEmptyPosition, key)
	}
	if err != nil {
		return PositionInfo{}, fmt.Errorf("load position %s: %w", key, err)
	}
	var info PositionInfo
	err = e.view(ctx, "position_info", []model.Token{pos.Market}, func(t *tx) error {
		m, err := t.market(pos.Market)
		if err != nil {
			return err
		}
		prices, err := t.pricesFor(m)
		if err != nil {
			return err
		}
		liq, err := position.CheckLiquidation(m, prices, pos, true)
		if err != nil {
			return err
		}
		info = PositionInfo{
			Position:    pos,
			PnlUsd:      position.PositionPnl(m, prices, pos, pos.SizeInUsd).PnlUsd,
			Liquidation: liq,
		}
		return nil
	})
	return info, err
}

// Positions lists the open positions of an account.
func (e *Engine) Positions(ctx context.Context, account string) ([]*model.Position, error) {
	return e.store.ListPositionsByAccount(ctx, account)
}

// ClaimableFunding returns the account's unclaimed funding in a market per
// collateral token.
func (e *Engine) ClaimableFunding(token model.Token, account string) (map[model.Token]*big.Int, error) {
	slots, unlock, err := e.lock([]model.Token{token})
	if err != nil {
		return nil, err
	}
	defer unlock()
	m := slots[0].m
	out := make(map[model.Token]*big.Int)
	for _, tok := range collateralTokens(m.Props) {
		out[tok] = m.Funding.ClaimableFor(account, tok)
	}
	return out, nil
}
