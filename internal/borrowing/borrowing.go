// Package borrowing accrues the per-side cumulative borrowing factor that
// positions pay to the pool for the liquidity they reserve.
package borrowing

import (
	"fmt"
	"math/big"
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// Mode is the closed set of borrowing curves.
type Mode int

const (
	// ModeExponent prices reserved USD raised to an exponent against the
	// pool value.
	ModeExponent Mode = iota
	// ModeKink is a two-slope curve around an optimal usage factor.
	ModeKink
)

func (m Mode) String() string {
	switch m {
	case ModeExponent:
		return "exponent"
	case ModeKink:
		return "kink"
	default:
		return "unknown"
	}
}

// ModeFor selects the curve configured for a side.
func ModeFor(cfg *model.MarketConfig, isLong bool) Mode {
	if fixed.IsPositive(cfg.OptimalUsageFactor.Get(isLong)) {
		return ModeKink
	}
	return ModeExponent
}

// Inputs are the pool figures a side's rate depends on.
type Inputs struct {
	ReservedUsd       *big.Int
	PoolUsd           *big.Int
	OpenInterest      *big.Int
	OtherOpenInterest *big.Int
}

// RatePerSecond returns the borrowing factor per second of a side.
func RatePerSecond(cfg *model.MarketConfig, isLong bool, in Inputs) (*big.Int, error) {
	if fixed.IsZero(in.ReservedUsd) {
		return new(big.Int), nil
	}
	if cfg.SkipBorrowingFeeForSmallerSide && fixed.OrZero(in.OpenInterest).Cmp(fixed.OrZero(in.OtherOpenInterest)) < 0 {
		return new(big.Int), nil
	}
	if fixed.IsZero(in.PoolUsd) {
		return nil, fmt.Errorf("%w: %s side", model.ErrUnableToGetBorrowingFactorEmptyPool, side(isLong))
	}

	if ModeFor(cfg, isLong) == ModeKink {
		return kinkRate(cfg, isLong, in), nil
	}
	reserved, err := fixed.ApplyExponentFactor(in.ReservedUsd, cfg.BorrowingExponentFactor.Get(isLong))
	if err != nil {
		return nil, fmt.Errorf("%w: borrowing exponent: %w", model.ErrInvalidConfig, err)
	}
	return fixed.ApplyFactor(fixed.ToFactor(reserved, in.PoolUsd, fixed.Down), cfg.BorrowingFactor.Get(isLong)), nil
}

// UsageFactor is the larger of reserve usage and open-interest usage.
// Terms whose cap is not configured are skipped.
func UsageFactor(cfg *model.MarketConfig, isLong bool, in Inputs) *big.Int {
	usage := new(big.Int)
	if rf := cfg.ReserveFactor.Get(isLong); fixed.IsPositive(rf) {
		usage = fixed.ToFactor(in.ReservedUsd, fixed.ApplyFactor(in.PoolUsd, rf), fixed.Down)
	}
	if maxOI := cfg.MaxOpenInterest.Get(isLong); fixed.IsPositive(maxOI) {
		usage = fixed.Max(usage, fixed.ToFactor(in.OpenInterest, maxOI, fixed.Down))
	}
	return usage
}

func kinkRate(cfg *model.MarketConfig, isLong bool, in Inputs) *big.Int {
	usage := UsageFactor(cfg, isLong, in)
	base := fixed.Clone(cfg.BaseBorrowingFactor.Get(isLong))
	optimal := cfg.OptimalUsageFactor.Get(isLong)
	if usage.Cmp(optimal) <= 0 {
		return base
	}
	return base.Add(base, fixed.ApplyFactor(fixed.Sub(usage, optimal), cfg.AboveOptimalUsageBorrowingFactor.Get(isLong)))
}

// State is the borrowing state of one market.
type State struct {
	Cumulative model.BigPair         `json:"cumulative"`
	UpdatedAt  model.Pair[time.Time] `json:"updated_at"`
	// TotalBorrowing is the sum of size * snapshot over open positions.
	TotalBorrowing model.BigPair `json:"total_borrowing"`
}

// NewState returns a zero borrowing state starting at now.
func NewState(now time.Time) *State {
	return &State{
		Cumulative:     model.NewBigPair(),
		UpdatedAt:      model.Pair[time.Time]{Long: now, Short: now},
		TotalBorrowing: model.NewBigPair(),
	}
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	return &State{
		Cumulative:     model.CloneBigPair(s.Cumulative),
		UpdatedAt:      s.UpdatedAt,
		TotalBorrowing: model.CloneBigPair(s.TotalBorrowing),
	}
}

// Advance accrues a side's cumulative factor up to now and returns the
// increment.
func (s *State) Advance(cfg *model.MarketConfig, isLong bool, in Inputs, now time.Time) (*big.Int, error) {
	last := s.UpdatedAt.Get(isLong)
	if last.IsZero() {
		s.UpdatedAt.Set(isLong, now)
		return new(big.Int), nil
	}
	seconds := int64(now.Sub(last) / time.Second)
	if seconds <= 0 {
		return new(big.Int), nil
	}
	rate, err := RatePerSecond(cfg, isLong, in)
	if err != nil {
		return nil, err
	}
	delta := fixed.Mul(rate, big.NewInt(seconds))
	s.Cumulative.Set(isLong, fixed.Add(s.Cumulative.Get(isLong), delta))
	s.UpdatedAt.Set(isLong, last.Add(time.Duration(seconds)*time.Second))
	return delta, nil
}

// PositionFeeUsd is what a position owes since its snapshot.
func (s *State) PositionFeeUsd(p *model.Position) *big.Int {
	diff := fixed.Sub(s.Cumulative.Get(p.IsLong), p.BorrowingFactor)
	if diff.Sign() <= 0 {
		return new(big.Int)
	}
	return fixed.ApplyFactor(p.SizeInUsd, diff)
}

// UpdateTotalBorrowing replaces a position's contribution to the side total.
func (s *State) UpdateTotalBorrowing(isLong bool, prevSize, prevFactor, nextSize, nextFactor *big.Int) {
	total := fixed.Add(s.TotalBorrowing.Get(isLong), fixed.ApplyFactor(nextSize, nextFactor))
	total.Sub(total, fixed.ApplyFactor(prevSize, prevFactor))
	if total.Sign() < 0 {
		total.SetInt64(0)
	}
	s.TotalBorrowing.Set(isLong, total)
}

// PendingFees is the borrowing USD owed by all open positions of a side.
func (s *State) PendingFees(isLong bool, openInterest *big.Int) *big.Int {
	pending := fixed.Sub(fixed.ApplyFactor(openInterest, s.Cumulative.Get(isLong)), s.TotalBorrowing.Get(isLong))
	if pending.Sign() < 0 {
		return new(big.Int)
	}
	return pending
}

func side(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
