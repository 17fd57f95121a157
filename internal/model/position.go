package model

import (
	"fmt"
	"math/big"
	"time"
)

// PositionKey identifies a position: one per (account, market, collateral
// token, side).
type PositionKey string

// KeyOf builds the key of a position.
func KeyOf(account string, market, collateral Token, isLong bool) PositionKey {
	side := "short"
	if isLong {
		side = "long"
	}
	return PositionKey(fmt.Sprintf("%s:%s:%s:%s", account, market, collateral, side))
}

// Position is a leveraged exposure owned by an account. It refers to its
// market by token only.
type Position struct {
	Account         string `json:"account" db:"account"`
	Market          Token  `json:"market" db:"market"`
	CollateralToken Token  `json:"collateral_token" db:"collateral_token"`
	IsLong          bool   `json:"is_long" db:"is_long"`

	SizeInUsd        *big.Int `json:"size_in_usd" db:"size_in_usd"`
	SizeInTokens     *big.Int `json:"size_in_tokens" db:"size_in_tokens"`
	CollateralAmount *big.Int `json:"collateral_amount" db:"collateral_amount"`

	// Accumulator snapshots taken at the last touch.
	BorrowingFactor                         *big.Int `json:"borrowing_factor"`
	FundingFeeAmountPerSize                 *big.Int `json:"funding_fee_amount_per_size"`
	LongTokenClaimableFundingAmountPerSize  *big.Int `json:"long_token_claimable_funding_amount_per_size"`
	ShortTokenClaimableFundingAmountPerSize *big.Int `json:"short_token_claimable_funding_amount_per_size"`

	IncreasedAt time.Time `json:"increased_at" db:"increased_at"`
	DecreasedAt time.Time `json:"decreased_at" db:"decreased_at"`
}

// NewPosition returns an empty position for the key fields.
func NewPosition(account string, market, collateral Token, isLong bool) *Position {
	return &Position{
		Account:                                 account,
		Market:                                  market,
		CollateralToken:                         collateral,
		IsLong:                                  isLong,
		SizeInUsd:                               new(big.Int),
		SizeInTokens:                            new(big.Int),
		CollateralAmount:                        new(big.Int),
		BorrowingFactor:                         new(big.Int),
		FundingFeeAmountPerSize:                 new(big.Int),
		LongTokenClaimableFundingAmountPerSize:  new(big.Int),
		ShortTokenClaimableFundingAmountPerSize: new(big.Int),
	}
}

// Key returns the position key.
func (p *Position) Key() PositionKey {
	return KeyOf(p.Account, p.Market, p.CollateralToken, p.IsLong)
}

// IsOpen reports whether the position has size.
func (p *Position) IsOpen() bool {
	return p.SizeInUsd != nil && p.SizeInUsd.Sign() > 0
}

// Clone deep-copies the position.
func (p *Position) Clone() *Position {
	c := *p
	c.SizeInUsd = cloneInt(p.SizeInUsd)
	c.SizeInTokens = cloneInt(p.SizeInTokens)
	c.CollateralAmount = cloneInt(p.CollateralAmount)
	c.BorrowingFactor = cloneInt(p.BorrowingFactor)
	c.FundingFeeAmountPerSize = cloneInt(p.FundingFeeAmountPerSize)
	c.LongTokenClaimableFundingAmountPerSize = cloneInt(p.LongTokenClaimableFundingAmountPerSize)
	c.ShortTokenClaimableFundingAmountPerSize = cloneInt(p.ShortTokenClaimableFundingAmountPerSize)
	return &c
}

// Zero clears size and collateral, leaving the key fields.
func (p *Position) Zero() {
	p.SizeInUsd = new(big.Int)
	p.SizeInTokens = new(big.Int)
	p.CollateralAmount = new(big.Int)
}
