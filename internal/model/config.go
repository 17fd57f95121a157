package model

import (
	"math/big"
	"time"
)

// PnlFactorType selects which max-PnL factor caps PnL for a computation.
type PnlFactorType int

const (
	PnlFactorTraders PnlFactorType = iota
	PnlFactorAdl
	PnlFactorDeposits
	PnlFactorWithdrawals
)

func (t PnlFactorType) String() string {
	switch t {
	case PnlFactorTraders:
		return "traders"
	case PnlFactorAdl:
		return "adl"
	case PnlFactorDeposits:
		return "deposits"
	case PnlFactorWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

// MarketConfig holds the read-only factors of one market. Factors are at
// the 1e30 scale; USD amounts carry 30 decimals. Pair fields are per side.
type MarketConfig struct {
	// Swaps.
	SwapFeeFactorPositive    *big.Int `json:"swap_fee_factor_positive"`
	SwapFeeFactorNegative    *big.Int `json:"swap_fee_factor_negative"`
	SwapFeeReceiverFactor    *big.Int `json:"swap_fee_receiver_factor"`
	SwapImpactFactorPositive *big.Int `json:"swap_impact_factor_positive"`
	SwapImpactFactorNegative *big.Int `json:"swap_impact_factor_negative"`
	SwapImpactExponentFactor *big.Int `json:"swap_impact_exponent_factor"`

	// Positions.
	PositionFeeFactorPositive              *big.Int `json:"position_fee_factor_positive"`
	PositionFeeFactorNegative              *big.Int `json:"position_fee_factor_negative"`
	PositionFeeReceiverFactor              *big.Int `json:"position_fee_receiver_factor"`
	PositionImpactFactorPositive           *big.Int `json:"position_impact_factor_positive"`
	PositionImpactFactorNegative           *big.Int `json:"position_impact_factor_negative"`
	PositionImpactExponentFactor           *big.Int `json:"position_impact_exponent_factor"`
	MaxPositionImpactFactorPositive        *big.Int `json:"max_position_impact_factor_positive"`
	MaxPositionImpactFactorNegative        *big.Int `json:"max_position_impact_factor_negative"`
	MaxPositionImpactFactorForLiquidations *big.Int `json:"max_position_impact_factor_for_liquidations"`

	// Liquidation.
	LiquidationFeeFactor         *big.Int `json:"liquidation_fee_factor"`
	LiquidationFeeReceiverFactor *big.Int `json:"liquidation_fee_receiver_factor"`
	MinCollateralFactor          *big.Int `json:"min_collateral_factor"`
	MinCollateralFactorForOI     BigPair  `json:"min_collateral_factor_for_open_interest_multiplier"`
	MinCollateralUsd             *big.Int `json:"min_collateral_usd"`
	MinPositionSizeUsd           *big.Int `json:"min_position_size_usd"`

	// Funding.
	FundingFactor                  *big.Int `json:"funding_factor"`
	FundingExponentFactor          *big.Int `json:"funding_exponent_factor"`
	FundingIncreaseFactorPerSecond *big.Int `json:"funding_increase_factor_per_second"`
	FundingDecreaseFactorPerSecond *big.Int `json:"funding_decrease_factor_per_second"`
	ThresholdForStableFunding      *big.Int `json:"threshold_for_stable_funding"`
	ThresholdForDecreaseFunding    *big.Int `json:"threshold_for_decrease_funding"`
	MinFundingFactorPerSecond      *big.Int `json:"min_funding_factor_per_second"`
	MaxFundingFactorPerSecond      *big.Int `json:"max_funding_factor_per_second"`

	// Borrowing.
	BorrowingFactor                  BigPair  `json:"borrowing_factor"`
	BorrowingExponentFactor          BigPair  `json:"borrowing_exponent_factor"`
	OptimalUsageFactor               BigPair  `json:"optimal_usage_factor"`
	BaseBorrowingFactor              BigPair  `json:"base_borrowing_factor"`
	AboveOptimalUsageBorrowingFactor BigPair  `json:"above_optimal_usage_borrowing_factor"`
	BorrowingFeeReceiverFactor       *big.Int `json:"borrowing_fee_receiver_factor"`
	SkipBorrowingFeeForSmallerSide   bool     `json:"skip_borrowing_fee_for_smaller_side"`

	// Capacity.
	ReserveFactor   BigPair            `json:"reserve_factor"`
	MaxOpenInterest BigPair            `json:"max_open_interest"`
	MaxPoolAmount   map[Token]*big.Int `json:"max_pool_amount"`

	// PnL caps per PnlFactorType, per side.
	MaxPnlFactor         map[PnlFactorType]BigPair `json:"max_pnl_factor"`
	MinPnlFactorAfterAdl BigPair                   `json:"min_pnl_factor_after_adl"`

	// Virtual inventory groups. Empty means no shared inventory.
	VirtualMarketID string `json:"virtual_market_id"`
	VirtualTokenID  string `json:"virtual_token_id"`
}

// MaxPnlFactorFor returns the cap for a PnL factor type and side. Missing
// entries mean no cap is configured and return nil.
func (c *MarketConfig) MaxPnlFactorFor(t PnlFactorType, isLong bool) *big.Int {
	p, ok := c.MaxPnlFactor[t]
	if !ok {
		return nil
	}
	return p.Get(isLong)
}

// MaxPoolAmountFor returns the pool cap for a token, or nil when uncapped.
func (c *MarketConfig) MaxPoolAmountFor(t Token) *big.Int {
	if c.MaxPoolAmount == nil {
		return nil
	}
	return c.MaxPoolAmount[t]
}

// Normalize replaces nil factors with zero so calculators never see nil.
func (c *MarketConfig) Normalize() {
	for _, f := range []**big.Int{
		&c.SwapFeeFactorPositive, &c.SwapFeeFactorNegative, &c.SwapFeeReceiverFactor,
		&c.SwapImpactFactorPositive, &c.SwapImpactFactorNegative, &c.SwapImpactExponentFactor,
		&c.PositionFeeFactorPositive, &c.PositionFeeFactorNegative, &c.PositionFeeReceiverFactor,
		&c.PositionImpactFactorPositive, &c.PositionImpactFactorNegative, &c.PositionImpactExponentFactor,
		&c.MaxPositionImpactFactorPositive, &c.MaxPositionImpactFactorNegative, &c.MaxPositionImpactFactorForLiquidations,
		&c.LiquidationFeeFactor, &c.LiquidationFeeReceiverFactor,
		&c.MinCollateralFactor, &c.MinCollateralUsd, &c.MinPositionSizeUsd,
		&c.FundingFactor, &c.FundingExponentFactor, &c.FundingIncreaseFactorPerSecond,
		&c.FundingDecreaseFactorPerSecond, &c.ThresholdForStableFunding, &c.ThresholdForDecreaseFunding,
		&c.MinFundingFactorPerSecond, &c.MaxFundingFactorPerSecond,
		&c.BorrowingFeeReceiverFactor,
	} {
		if *f == nil {
			*f = new(big.Int)
		}
	}
	for _, p := range []*BigPair{
		&c.MinCollateralFactorForOI, &c.BorrowingFactor, &c.BorrowingExponentFactor,
		&c.OptimalUsageFactor, &c.BaseBorrowingFactor, &c.AboveOptimalUsageBorrowingFactor,
		&c.ReserveFactor, &c.MaxOpenInterest, &c.MinPnlFactorAfterAdl,
	} {
		if p.Long == nil {
			p.Long = new(big.Int)
		}
		if p.Short == nil {
			p.Short = new(big.Int)
		}
	}
	if c.MaxPnlFactor == nil {
		c.MaxPnlFactor = make(map[PnlFactorType]BigPair)
	}
}

// EngineConfig holds engine-wide settings.
type EngineConfig struct {
	MaxPriceAge time.Duration `json:"max_price_age"`
	FeeReceiver string        `json:"fee_receiver"`
	// AdlMaxSteps bounds the keeper's ADL loop for one side.
	AdlMaxSteps int `json:"adl_max_steps"`
}
