package pool

import (
	"fmt"
	"math/big"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// AmountForSide returns the pool amount backing a side. In a single-token
// market each side sees half of the shared balance.
func (s *State) AmountForSide(props model.MarketProps, isLong bool) *big.Int {
	amount := s.PoolAmount.Get(props.PnlToken(isLong))
	if props.IsSingleToken() {
		amount.Quo(amount, big.NewInt(2))
	}
	return amount
}

// PoolUsd values the pool amount backing a side.
func (s *State) PoolUsd(props model.MarketProps, prices model.MarketPrices, isLong, maximize bool) *big.Int {
	return fixed.Mul(s.AmountForSide(props, isLong), prices.Collateral(isLong).Pick(maximize))
}

// Pnl returns the unrealised PnL of all positions on a side.
func (s *State) Pnl(index model.Price, isLong, maximize bool) *big.Int {
	oi := s.SideOpenInterest(isLong)
	value := fixed.Mul(s.SideOpenInterestInTokens(isLong), index.PickForPnl(isLong, maximize))
	if isLong {
		return fixed.Sub(value, oi)
	}
	return fixed.Sub(oi, value)
}

// CapPnl bounds a positive side PnL by maxFactor of poolUsd. A nil factor
// leaves PnL uncapped.
func CapPnl(pnl, poolUsd, maxFactor *big.Int) *big.Int {
	if maxFactor == nil || !fixed.IsPositive(pnl) {
		return fixed.Clone(pnl)
	}
	return fixed.Min(pnl, fixed.ApplyFactor(poolUsd, maxFactor))
}

// CappedPnl returns the side PnL capped by the configured factor of type t.
func (s *State) CappedPnl(props model.MarketProps, cfg *model.MarketConfig, prices model.MarketPrices, isLong, maximize bool, t model.PnlFactorType) *big.Int {
	pnl := s.Pnl(prices.Index, isLong, maximize)
	return CapPnl(pnl, s.PoolUsd(props, prices, isLong, !maximize), cfg.MaxPnlFactorFor(t, isLong))
}

// PnlToPoolFactor returns side PnL as a factor of the side pool value.
// An empty pool yields zero.
func (s *State) PnlToPoolFactor(props model.MarketProps, prices model.MarketPrices, isLong, maximize bool) *big.Int {
	poolUsd := s.PoolUsd(props, prices, isLong, !maximize)
	if poolUsd.Sign() == 0 {
		return new(big.Int)
	}
	return fixed.ToFactor(s.Pnl(prices.Index, isLong, maximize), poolUsd, fixed.Down)
}

// ReservedUsd is what the pool must be able to pay out to a side: the
// current value of long tokens, or the entry notional of shorts.
func (s *State) ReservedUsd(index model.Price, isLong bool) *big.Int {
	if isLong {
		return fixed.Mul(s.SideOpenInterestInTokens(true), index.Max)
	}
	return s.SideOpenInterest(false)
}

// ValidateReserve checks reserved USD against reserveFactor of the side pool
// value. A zero reserve factor disables the check.
func (s *State) ValidateReserve(props model.MarketProps, cfg *model.MarketConfig, prices model.MarketPrices, isLong bool) error {
	factor := cfg.ReserveFactor.Get(isLong)
	if fixed.IsZero(factor) {
		return nil
	}
	maxReserved := fixed.ApplyFactor(s.PoolUsd(props, prices, isLong, false), factor)
	reserved := s.ReservedUsd(prices.Index, isLong)
	if reserved.Cmp(maxReserved) > 0 {
		return fmt.Errorf("%w: reserved %s > max %s", model.ErrInsufficientReserve,
			fixed.ToDecimal(reserved).StringFixed(2), fixed.ToDecimal(maxReserved).StringFixed(2))
	}
	return nil
}

// ValidateOpenInterest checks side open interest against the configured
// maximum. Zero means uncapped.
func (s *State) ValidateOpenInterest(cfg *model.MarketConfig, isLong bool) error {
	max := cfg.MaxOpenInterest.Get(isLong)
	if fixed.IsZero(max) {
		return nil
	}
	if oi := s.SideOpenInterest(isLong); oi.Cmp(max) > 0 {
		return fmt.Errorf("%w: %s", model.ErrMaxOpenInterestExceeded, fixed.ToDecimal(oi).StringFixed(2))
	}
	return nil
}

// ValidatePoolAmount checks the pool amount of t against its cap.
func (s *State) ValidatePoolAmount(cfg *model.MarketConfig, t model.Token) error {
	max := cfg.MaxPoolAmountFor(t)
	if fixed.IsZero(max) {
		return nil
	}
	if amount := s.PoolAmount.Get(t); amount.Cmp(max) > 0 {
		return fmt.Errorf("%w: %s holds %s", model.ErrMaxPoolAmountExceeded, t, amount)
	}
	return nil
}

// ValidatePnlFactor checks a side's PnL-to-pool factor against the cap of
// type t. Missing caps pass.
func (s *State) ValidatePnlFactor(props model.MarketProps, cfg *model.MarketConfig, prices model.MarketPrices, isLong bool, t model.PnlFactorType) error {
	max := cfg.MaxPnlFactorFor(t, isLong)
	if max == nil {
		return nil
	}
	if f := s.PnlToPoolFactor(props, prices, isLong, true); f.Cmp(max) > 0 {
		return fmt.Errorf("%w: %s side factor %s", model.ErrMaxPnlFactorExceeded, sideName(isLong), fixed.ToDecimal(f))
	}
	return nil
}

func sideName(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
