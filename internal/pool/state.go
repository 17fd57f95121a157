// Package pool holds the token ledgers of a market: pool amounts, impact
// pools, open interest, collateral sums, market-token supply and fee
// receiver balances.
//
// Token ledgers are unsigned 256-bit integers so the non-negative invariant
// is a property of the type; signed deltas that would underflow are reported
// as fatal errors and never clamped.
package pool

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/model"
)

// Ledger maps tokens to unsigned balances.
type Ledger map[model.Token]*uint256.Int

// Get returns the balance of t as a big integer.
func (l Ledger) Get(t model.Token) *big.Int {
	v, ok := l[t]
	if !ok {
		return new(big.Int)
	}
	return v.ToBig()
}

func (l Ledger) clone() Ledger {
	out := make(Ledger, len(l))
	for t, v := range l {
		out[t] = new(uint256.Int).Set(v)
	}
	return out
}

// State is the ledger state of one market.
type State struct {
	PoolAmount               Ledger       `json:"pool_amount"`
	SwapImpactPoolAmount     Ledger       `json:"swap_impact_pool_amount"`
	PositionImpactPoolAmount *uint256.Int `json:"position_impact_pool_amount"`

	// Open interest and collateral by collateral bucket, then side.
	OpenInterest         model.Grid `json:"open_interest"`
	OpenInterestInTokens model.Grid `json:"open_interest_in_tokens"`
	CollateralSum        model.Grid `json:"collateral_sum"`

	MarketTokenSupply *uint256.Int `json:"market_token_supply"`

	// ClaimableFeeAmount is owed to the fee receiver, per token.
	ClaimableFeeAmount Ledger `json:"claimable_fee_amount"`
}

// New returns an empty pool state.
func New() *State {
	return &State{
		PoolAmount:               make(Ledger),
		SwapImpactPoolAmount:     make(Ledger),
		PositionImpactPoolAmount: new(uint256.Int),
		OpenInterest:             model.NewGrid(),
		OpenInterestInTokens:     model.NewGrid(),
		CollateralSum:            model.NewGrid(),
		MarketTokenSupply:        new(uint256.Int),
		ClaimableFeeAmount:       make(Ledger),
	}
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	return &State{
		PoolAmount:               s.PoolAmount.clone(),
		SwapImpactPoolAmount:     s.SwapImpactPoolAmount.clone(),
		PositionImpactPoolAmount: new(uint256.Int).Set(s.PositionImpactPoolAmount),
		OpenInterest:             model.CloneGrid(s.OpenInterest),
		OpenInterestInTokens:     model.CloneGrid(s.OpenInterestInTokens),
		CollateralSum:            model.CloneGrid(s.CollateralSum),
		MarketTokenSupply:        new(uint256.Int).Set(s.MarketTokenSupply),
		ClaimableFeeAmount:       s.ClaimableFeeAmount.clone(),
	}
}

// applySigned adds a signed delta to an unsigned balance. It returns false
// when the result would be negative or overflow.
func applySigned(cur *uint256.Int, delta *big.Int) (*uint256.Int, bool) {
	if delta == nil || delta.Sign() == 0 {
		return new(uint256.Int).Set(cur), true
	}
	abs, overflow := uint256.FromBig(new(big.Int).Abs(delta))
	if overflow {
		return nil, false
	}
	if delta.Sign() > 0 {
		next, carry := new(uint256.Int).AddOverflow(cur, abs)
		return next, !carry
	}
	if cur.Lt(abs) {
		return nil, false
	}
	return new(uint256.Int).Sub(cur, abs), true
}

func applyLedger(l Ledger, t model.Token, delta *big.Int, errNegative error) (*big.Int, error) {
	cur, ok := l[t]
	if !ok {
		cur = new(uint256.Int)
	}
	next, ok := applySigned(cur, delta)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s by %s", errNegative, t, cur.Dec(), delta)
	}
	l[t] = next
	return next.ToBig(), nil
}

// ApplyPoolDelta adds delta to the pool amount of t and returns the new
// balance.
func (s *State) ApplyPoolDelta(t model.Token, delta *big.Int) (*big.Int, error) {
	return applyLedger(s.PoolAmount, t, delta, model.ErrNegativePoolAmount)
}

// ApplySwapImpactDelta adds delta to the swap impact pool of t.
func (s *State) ApplySwapImpactDelta(t model.Token, delta *big.Int) (*big.Int, error) {
	return applyLedger(s.SwapImpactPoolAmount, t, delta, model.ErrNegativeImpactPoolAmount)
}

// ApplyPositionImpactDelta adds delta, in index tokens, to the position
// impact pool.
func (s *State) ApplyPositionImpactDelta(delta *big.Int) (*big.Int, error) {
	next, ok := applySigned(s.PositionImpactPoolAmount, delta)
	if !ok {
		return nil, fmt.Errorf("%w: position impact pool %s by %s",
			model.ErrNegativeImpactPoolAmount, s.PositionImpactPoolAmount.Dec(), delta)
	}
	s.PositionImpactPoolAmount = next
	return next.ToBig(), nil
}

// PositionImpactPool returns the position impact pool in index tokens.
func (s *State) PositionImpactPool() *big.Int { return s.PositionImpactPoolAmount.ToBig() }

// Supply returns the market-token supply.
func (s *State) Supply() *big.Int { return s.MarketTokenSupply.ToBig() }

// ApplySupplyDelta mints (positive) or burns (negative) market tokens.
func (s *State) ApplySupplyDelta(delta *big.Int) error {
	next, ok := applySigned(s.MarketTokenSupply, delta)
	if !ok {
		return fmt.Errorf("%w: burn %s exceeds supply %s", model.ErrInsufficientMarketTokens,
			new(big.Int).Neg(delta), s.MarketTokenSupply.Dec())
	}
	s.MarketTokenSupply = next
	return nil
}

func applyGrid(g *model.Grid, bucketIsLong, isLong bool, delta *big.Int, what string) error {
	p := g.Get(bucketIsLong)
	next := new(big.Int).Add(p.Get(isLong), delta)
	if next.Sign() < 0 {
		return fmt.Errorf("%w: %s below zero", model.ErrInvariantViolation, what)
	}
	p.Set(isLong, next)
	g.Set(bucketIsLong, p)
	return nil
}

// ApplyOpenInterestDelta moves open interest (USD and tokens) for a
// collateral bucket and side.
func (s *State) ApplyOpenInterestDelta(bucketIsLong, isLong bool, usd, tokens *big.Int) error {
	if err := applyGrid(&s.OpenInterest, bucketIsLong, isLong, usd, "open interest"); err != nil {
		return err
	}
	return applyGrid(&s.OpenInterestInTokens, bucketIsLong, isLong, tokens, "open interest in tokens")
}

// ApplyCollateralSumDelta moves the collateral sum of a bucket and side.
func (s *State) ApplyCollateralSumDelta(bucketIsLong, isLong bool, delta *big.Int) error {
	return applyGrid(&s.CollateralSum, bucketIsLong, isLong, delta, "collateral sum")
}

// OpenInterestFor returns the USD open interest of one bucket and side.
func (s *State) OpenInterestFor(bucketIsLong, isLong bool) *big.Int {
	return new(big.Int).Set(s.OpenInterest.Get(bucketIsLong).Get(isLong))
}

// SideOpenInterest returns the USD open interest of a side.
func (s *State) SideOpenInterest(isLong bool) *big.Int {
	return model.SideTotal(s.OpenInterest, isLong)
}

// SideOpenInterestInTokens returns the open interest of a side in index
// tokens.
func (s *State) SideOpenInterestInTokens(isLong bool) *big.Int {
	return model.SideTotal(s.OpenInterestInTokens, isLong)
}

// AddClaimableFee credits amount of t to the fee receiver.
func (s *State) AddClaimableFee(t model.Token, amount *big.Int) error {
	_, err := applyLedger(s.ClaimableFeeAmount, t, amount, model.ErrInvariantViolation)
	return err
}

// TakeClaimableFee zeroes and returns the fee receiver balance of t.
func (s *State) TakeClaimableFee(t model.Token) *big.Int {
	v := s.ClaimableFeeAmount.Get(t)
	delete(s.ClaimableFeeAmount, t)
	return v
}
