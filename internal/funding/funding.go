// Package funding accrues funding fees between the long and short sides of a
// market.
//
// The larger side pays the smaller side. Accrual is expressed as per-size
// accumulators in collateral-token units, keyed by collateral bucket and
// side, and realised on each position touch as the difference between the
// latest accumulator and the position's snapshot. Accumulators carry an
// extra 1e15 of precision on top of the 1e30 shared scale.
package funding

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// Mode is the closed set of funding curves.
type Mode int

const (
	// ModeStatic derives the rate from the open-interest skew alone.
	ModeStatic Mode = iota
	// ModeAdaptive moves a saved rate up or down over time depending on
	// how the skew relates to configured thresholds.
	ModeAdaptive
)

func (m Mode) String() string {
	switch m {
	case ModeStatic:
		return "static"
	case ModeAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// ModeFor selects the curve configured for a market.
func ModeFor(cfg *model.MarketConfig) Mode {
	if fixed.IsPositive(cfg.FundingIncreaseFactorPerSecond) {
		return ModeAdaptive
	}
	return ModeStatic
}

// State is the funding state of one market.
type State struct {
	// FeeAmountPerSize is paid by positions, per collateral bucket and side.
	FeeAmountPerSize model.Grid `json:"fee_amount_per_size"`
	// ClaimableAmountPerSize is earned by positions, per token and side.
	ClaimableAmountPerSize model.Grid `json:"claimable_amount_per_size"`

	// SavedFactorPerSecond is the signed adaptive rate; positive means
	// longs pay shorts.
	SavedFactorPerSecond *big.Int  `json:"saved_factor_per_second"`
	UpdatedAt            time.Time `json:"updated_at"`

	Claimable      map[string]map[model.Token]*big.Int `json:"claimable"`
	ClaimableTotal map[model.Token]*big.Int            `json:"claimable_total"`
	Paid           map[model.Token]*big.Int            `json:"paid"`
	Claimed        map[model.Token]*big.Int            `json:"claimed"`
}

// NewState returns an empty funding state that starts accruing at now.
func NewState(now time.Time) *State {
	return &State{
		FeeAmountPerSize:       model.NewGrid(),
		ClaimableAmountPerSize: model.NewGrid(),
		SavedFactorPerSecond:   new(big.Int),
		UpdatedAt:              now,
		Claimable:              make(map[string]map[model.Token]*big.Int),
		ClaimableTotal:         make(map[model.Token]*big.Int),
		Paid:                   make(map[model.Token]*big.Int),
		Claimed:                make(map[model.Token]*big.Int),
	}
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	c := &State{
		FeeAmountPerSize:       model.CloneGrid(s.FeeAmountPerSize),
		ClaimableAmountPerSize: model.CloneGrid(s.ClaimableAmountPerSize),
		SavedFactorPerSecond:   fixed.Clone(s.SavedFactorPerSecond),
		UpdatedAt:              s.UpdatedAt,
		Claimable:              make(map[string]map[model.Token]*big.Int, len(s.Claimable)),
		ClaimableTotal:         cloneTokens(s.ClaimableTotal),
		Paid:                   cloneTokens(s.Paid),
		Claimed:                cloneTokens(s.Claimed),
	}
	for account, m := range s.Claimable {
		c.Claimable[account] = cloneTokens(m)
	}
	return c
}

func cloneTokens(m map[model.Token]*big.Int) map[model.Token]*big.Int {
	out := make(map[model.Token]*big.Int, len(m))
	for t, v := range m {
		out[t] = fixed.Clone(v)
	}
	return out
}

func addTo(m map[model.Token]*big.Int, t model.Token, v *big.Int) {
	m[t] = fixed.Add(m[t], v)
}

// Rate is the outcome of one funding-rate computation.
type Rate struct {
	FactorPerSecond *big.Int
	LongsPayShorts  bool
	// NextSaved is the signed value stored for adaptive funding.
	NextSaved *big.Int
}

// NextRate computes the funding rate for the given open interest over an
// elapsed duration in seconds.
func NextRate(cfg *model.MarketConfig, saved, longOI, shortOI *big.Int, seconds int64) (Rate, error) {
	diff := fixed.Abs(fixed.Sub(longOI, shortOI))
	total := fixed.Add(longOI, shortOI)
	mode := ModeFor(cfg)

	if (diff.Sign() == 0 && mode == ModeStatic) || total.Sign() == 0 {
		return Rate{FactorPerSecond: new(big.Int), LongsPayShorts: true, NextSaved: fixed.Clone(saved)}, nil
	}

	weighted, err := fixed.ApplyExponentFactor(diff, cfg.FundingExponentFactor)
	if err != nil {
		return Rate{}, fmt.Errorf("%w: funding exponent: %w", model.ErrInvalidConfig, err)
	}
	skew := fixed.ToFactor(weighted, total, fixed.Down)

	if mode == ModeStatic {
		perSecond := fixed.ApplyFactor(skew, cfg.FundingFactor)
		if fixed.IsPositive(cfg.MaxFundingFactorPerSecond) && perSecond.Cmp(cfg.MaxFundingFactorPerSecond) > 0 {
			perSecond = fixed.Clone(cfg.MaxFundingFactorPerSecond)
		}
		return Rate{FactorPerSecond: perSecond, LongsPayShorts: longOI.Cmp(shortOI) > 0, NextSaved: new(big.Int)}, nil
	}

	saved = fixed.OrZero(saved)
	longHeavier := longOI.Cmp(shortOI) > 0
	shortHeavier := shortOI.Cmp(longOI) > 0
	sameDirection := (saved.Sign() > 0 && longHeavier) || (saved.Sign() < 0 && shortHeavier)

	increase, decrease := false, false
	if sameDirection {
		switch {
		case skew.Cmp(fixed.OrZero(cfg.ThresholdForStableFunding)) > 0:
			increase = true
		case skew.Cmp(fixed.OrZero(cfg.ThresholdForDecreaseFunding)) < 0:
			decrease = true
		}
	} else {
		increase = true
	}

	next := fixed.Clone(saved)
	secs := big.NewInt(seconds)
	switch {
	case increase:
		step := fixed.Mul(fixed.ApplyFactor(skew, cfg.FundingIncreaseFactorPerSecond), secs)
		if longOI.Cmp(shortOI) < 0 {
			step.Neg(step)
		}
		next = fixed.Add(saved, step)
	case decrease && saved.Sign() != 0:
		step := fixed.Mul(cfg.FundingDecreaseFactorPerSecond, secs)
		mag := fixed.Abs(saved)
		if mag.Cmp(step) <= 0 {
			next = big.NewInt(int64(saved.Sign()))
		} else {
			next = mag.Sub(mag, step)
			if saved.Sign() < 0 {
				next.Neg(next)
			}
		}
	}

	max := fixed.OrZero(cfg.MaxFundingFactorPerSecond)
	next = fixed.BoundMagnitude(next, new(big.Int), max)
	withMin := fixed.BoundMagnitude(next, fixed.OrZero(cfg.MinFundingFactorPerSecond), max)
	return Rate{FactorPerSecond: fixed.Abs(withMin), LongsPayShorts: withMin.Sign() > 0, NextSaved: next}, nil
}

// Prices are the collateral prices funding accrues against.
type Prices struct {
	Long  model.Price
	Short model.Price
}

// Update is the accumulator change produced by one Advance.
type Update struct {
	Seconds        int64
	Rate           Rate
	FundingUsd     *big.Int
	FeeDelta       model.Grid
	ClaimableDelta model.Grid
}

// Advance brings the accumulators forward to now. oi is the USD open
// interest by collateral bucket and side.
func (s *State) Advance(cfg *model.MarketConfig, oi model.Grid, prices Prices, now time.Time) (Update, error) {
	u := Update{FundingUsd: new(big.Int), FeeDelta: model.NewGrid(), ClaimableDelta: model.NewGrid()}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
		return u, nil
	}
	seconds := int64(now.Sub(s.UpdatedAt) / time.Second)
	if seconds <= 0 {
		return u, nil
	}

	longOI := model.SideTotal(oi, true)
	shortOI := model.SideTotal(oi, false)
	rate, err := NextRate(cfg, s.SavedFactorPerSecond, longOI, shortOI, seconds)
	if err != nil {
		return u, err
	}
	s.UpdatedAt = s.UpdatedAt.Add(time.Duration(seconds) * time.Second)
	s.SavedFactorPerSecond = rate.NextSaved
	u.Seconds = seconds
	u.Rate = rate

	if longOI.Sign() == 0 || shortOI.Sign() == 0 || u.Rate.FactorPerSecond.Sign() == 0 {
		return u, nil
	}

	payerIsLong := u.Rate.LongsPayShorts
	payerOI := longOI
	receiverOI := shortOI
	if !payerIsLong {
		payerOI, receiverOI = shortOI, longOI
	}
	u.FundingUsd = fixed.ApplyFactor(payerOI, fixed.Mul(big.NewInt(seconds), u.Rate.FactorPerSecond))

	for _, bucketIsLong := range []bool{true, false} {
		bucketOI := oi.Get(bucketIsLong).Get(payerIsLong)
		usd := fixed.MulDiv(u.FundingUsd, bucketOI, payerOI, fixed.Down)
		price := prices.Short
		if bucketIsLong {
			price = prices.Long
		}

		fee := amountPerSizeDelta(usd, bucketOI, price.Max, fixed.Up)
		claim := amountPerSizeDelta(usd, receiverOI, price.Max, fixed.Down)

		feeRow := u.FeeDelta.Get(bucketIsLong)
		feeRow.Set(payerIsLong, fee)
		u.FeeDelta.Set(bucketIsLong, feeRow)
		claimRow := u.ClaimableDelta.Get(bucketIsLong)
		claimRow.Set(!payerIsLong, claim)
		u.ClaimableDelta.Set(bucketIsLong, claimRow)
	}

	s.FeeAmountPerSize = addGrid(s.FeeAmountPerSize, u.FeeDelta)
	s.ClaimableAmountPerSize = addGrid(s.ClaimableAmountPerSize, u.ClaimableDelta)
	return u, nil
}

func amountPerSizeDelta(usd, oi, price *big.Int, r fixed.Rounding) *big.Int {
	if fixed.IsZero(usd) || fixed.IsZero(oi) {
		return new(big.Int)
	}
	perSize := fixed.MulDiv(usd, fixed.FundingScale(), oi, r)
	return fixed.Div(perSize, price, r)
}

func addGrid(a, b model.Grid) model.Grid {
	return model.Grid{
		Long:  model.BigPair{Long: fixed.Add(a.Long.Long, b.Long.Long), Short: fixed.Add(a.Long.Short, b.Long.Short)},
		Short: model.BigPair{Long: fixed.Add(a.Short.Long, b.Short.Long), Short: fixed.Add(a.Short.Short, b.Short.Short)},
	}
}

// PositionFees are the funding amounts realised by one position touch.
type PositionFees struct {
	FundingFeeAmount          *big.Int
	ClaimableLongTokenAmount  *big.Int
	ClaimableShortTokenAmount *big.Int

	LatestFundingFeeAmountPerSize           *big.Int
	LatestLongTokenClaimableFundingPerSize  *big.Int
	LatestShortTokenClaimableFundingPerSize *big.Int
}

// PositionFeesFor computes what a position owes and earns since its last
// snapshot. bucketIsLong is the collateral bucket of the position.
func (s *State) PositionFeesFor(p *model.Position, bucketIsLong bool) PositionFees {
	latestFee := fixed.Clone(s.FeeAmountPerSize.Get(bucketIsLong).Get(p.IsLong))
	latestLong := fixed.Clone(s.ClaimableAmountPerSize.Long.Get(p.IsLong))
	latestShort := fixed.Clone(s.ClaimableAmountPerSize.Short.Get(p.IsLong))

	return PositionFees{
		FundingFeeAmount:                        fundingAmount(latestFee, p.FundingFeeAmountPerSize, p.SizeInUsd, fixed.Up),
		ClaimableLongTokenAmount:                fundingAmount(latestLong, p.LongTokenClaimableFundingAmountPerSize, p.SizeInUsd, fixed.Down),
		ClaimableShortTokenAmount:               fundingAmount(latestShort, p.ShortTokenClaimableFundingAmountPerSize, p.SizeInUsd, fixed.Down),
		LatestFundingFeeAmountPerSize:           latestFee,
		LatestLongTokenClaimableFundingPerSize:  latestLong,
		LatestShortTokenClaimableFundingPerSize: latestShort,
	}
}

func fundingAmount(latest, snapshot, size *big.Int, r fixed.Rounding) *big.Int {
	diff := fixed.Sub(latest, snapshot)
	if diff.Sign() <= 0 || fixed.IsZero(size) {
		return new(big.Int)
	}
	return fixed.MulDiv(size, diff, fixed.FundingScale(), r)
}

// Snapshot advances the position's funding snapshots to the latest values.
func (f PositionFees) Snapshot(p *model.Position) {
	p.FundingFeeAmountPerSize = fixed.Clone(f.LatestFundingFeeAmountPerSize)
	p.LongTokenClaimableFundingAmountPerSize = fixed.Clone(f.LatestLongTokenClaimableFundingPerSize)
	p.ShortTokenClaimableFundingAmountPerSize = fixed.Clone(f.LatestShortTokenClaimableFundingPerSize)
}

// Credit records funding earned by account in token.
func (s *State) Credit(account string, t model.Token, amount *big.Int) {
	if !fixed.IsPositive(amount) {
		return
	}
	m, ok := s.Claimable[account]
	if !ok {
		m = make(map[model.Token]*big.Int)
		s.Claimable[account] = m
	}
	addTo(m, t, amount)
	addTo(s.ClaimableTotal, t, amount)
}

// RecordPaid records funding collected from a payer.
func (s *State) RecordPaid(t model.Token, amount *big.Int) {
	if fixed.IsPositive(amount) {
		addTo(s.Paid, t, amount)
	}
}

// ClaimableFor returns the unclaimed funding of an account in token.
func (s *State) ClaimableFor(account string, t model.Token) *big.Int {
	return fixed.Clone(s.Claimable[account][t])
}

// Claim zeroes and returns the claimable funding of an account. A second
// claim with no accrual in between returns zero.
func (s *State) Claim(account string, t model.Token) *big.Int {
	amount := s.ClaimableFor(account, t)
	if amount.Sign() == 0 {
		return amount
	}
	delete(s.Claimable[account], t)
	if len(s.Claimable[account]) == 0 {
		delete(s.Claimable, account)
	}
	s.ClaimableTotal[t] = fixed.Sub(s.ClaimableTotal[t], amount)
	addTo(s.Claimed, t, amount)
	return amount
}

// Reserve is funding collected but neither credited nor claimed. Receivers
// can realise funding before the payers that owe it settle, so it dips below
// zero until every paying position has been touched. Fees per size round up
// and claims round down, so it is non-negative once they have.
func (s *State) Reserve(t model.Token) *big.Int {
	return fixed.Sub(fixed.Sub(s.Paid[t], s.Claimed[t]), s.ClaimableTotal[t])
}

// ErrNonMonotonic is returned by CheckMonotonic.
var ErrNonMonotonic = errors.New("funding: accumulator decreased")

// CheckMonotonic verifies that no accumulator of next is below prev.
func CheckMonotonic(prev, next *State) error {
	for _, g := range [][2]model.Grid{
		{prev.FeeAmountPerSize, next.FeeAmountPerSize},
		{prev.ClaimableAmountPerSize, next.ClaimableAmountPerSize},
	} {
		for _, bucket := range []bool{true, false} {
			for _, side := range []bool{true, false} {
				if g[1].Get(bucket).Get(side).Cmp(g[0].Get(bucket).Get(side)) < 0 {
					return ErrNonMonotonic
				}
			}
		}
	}
	return nil
}
