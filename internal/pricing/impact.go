// Package pricing computes price impact for swaps and position changes.
//
// Impact is a power curve over the imbalance between two balances (pool USD
// of the long and short tokens for swaps, long and short open interest for
// positions). Trades that reduce the imbalance earn positive impact paid from
// an impact pool; trades that widen it pay negative impact into that pool.
//
// The package is stateless: callers pass balances and deltas, and apply the
// resulting amounts to the pool themselves.
package pricing

import (
	"fmt"
	"math/big"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// Kind is the closed set of impact computations.
type Kind int

const (
	// KindSwap values the imbalance of pool token reserves.
	KindSwap Kind = iota
	// KindPosition values the imbalance of long and short open interest.
	KindPosition
)

func (k Kind) String() string {
	switch k {
	case KindSwap:
		return "swap"
	case KindPosition:
		return "position"
	default:
		return "unknown"
	}
}

// Curve holds the sign-dependent factors and the shared exponent.
type Curve struct {
	PositiveFactor *big.Int
	NegativeFactor *big.Int
	ExponentFactor *big.Int
}

// Balance is a two-sided quantity in USD.
type Balance struct {
	Long  *big.Int
	Short *big.Int
}

// Diff returns |Long - Short|.
func (b Balance) Diff() *big.Int {
	return fixed.Abs(fixed.Sub(b.Long, b.Short))
}

// longLE reports whether the long side is at most the short side, the
// orientation used to detect crossovers.
func (b Balance) longLE() bool {
	return fixed.OrZero(b.Long).Cmp(fixed.OrZero(b.Short)) <= 0
}

// ImpactUsd returns the signed USD impact of moving from initial to next.
//
// When the larger side stays the larger side the impact is
// f(initialDiff) - f(nextDiff), using the positive factor when the
// imbalance shrinks and the negative one when it grows. When the trade flips
// the imbalance, the part that closes the old imbalance earns the positive
// factor and the part that opens the new one pays the negative factor.
func ImpactUsd(initial, next Balance, c Curve) (*big.Int, error) {
	initialDiff := initial.Diff()
	nextDiff := next.Diff()

	positiveFactor, negativeFactor := c.PositiveFactor, c.NegativeFactor
	if initial.longLE() == next.longLE() {
		factor := c.NegativeFactor
		if nextDiff.Cmp(initialDiff) < 0 {
			factor = c.PositiveFactor
		}
		positiveFactor, negativeFactor = factor, factor
	}

	positive, err := applyImpactFactor(initialDiff, positiveFactor, c.ExponentFactor)
	if err != nil {
		return nil, err
	}
	negative, err := applyImpactFactor(nextDiff, negativeFactor, c.ExponentFactor)
	if err != nil {
		return nil, err
	}
	return fixed.Sub(positive, negative), nil
}

// applyImpactFactor returns factor * diff^exponent. A zero factor is zero for
// any exponent.
func applyImpactFactor(diff, factor, exponent *big.Int) (*big.Int, error) {
	if fixed.IsZero(factor) || fixed.IsZero(diff) {
		return new(big.Int), nil
	}
	v, err := fixed.ApplyExponentFactor(diff, exponent)
	if err != nil {
		return nil, fmt.Errorf("%w: impact exponent: %w", model.ErrInvalidConfig, err)
	}
	return fixed.ApplyFactor(v, factor), nil
}

// SwapParams describes a swap between the two tokens of a pool. Token A is
// the token going in.
type SwapParams struct {
	PoolUsdA *big.Int
	PoolUsdB *big.Int
	// DeltaUsdA is the USD value added to token A (negative for removal).
	DeltaUsdA *big.Int
	// DeltaUsdB is the USD value added to token B.
	DeltaUsdB *big.Int
	Curve     Curve

	// Virtual inventory valued in USD, when the market shares one.
	HasVirtual      bool
	VirtualPoolUsdA *big.Int
	VirtualPoolUsdB *big.Int
}

// SwapImpactUsd returns the impact of a swap. With virtual inventory the
// more negative of the pool and virtual impact is used.
func SwapImpactUsd(p SwapParams) (*big.Int, error) {
	impact, err := ImpactUsd(
		Balance{Long: p.PoolUsdA, Short: p.PoolUsdB},
		Balance{Long: fixed.Add(p.PoolUsdA, p.DeltaUsdA), Short: fixed.Add(p.PoolUsdB, p.DeltaUsdB)},
		p.Curve,
	)
	if err != nil || !p.HasVirtual {
		return impact, err
	}
	virtual, err := ImpactUsd(
		Balance{Long: p.VirtualPoolUsdA, Short: p.VirtualPoolUsdB},
		Balance{
			Long:  clampZero(fixed.Add(p.VirtualPoolUsdA, p.DeltaUsdA)),
			Short: clampZero(fixed.Add(p.VirtualPoolUsdB, p.DeltaUsdB)),
		},
		p.Curve,
	)
	if err != nil {
		return nil, err
	}
	return fixed.Min(impact, virtual), nil
}

// PositionParams describes a change of open interest.
type PositionParams struct {
	LongOpenInterest  *big.Int
	ShortOpenInterest *big.Int
	// UsdDelta is +sizeDelta on increase and -sizeDelta on decrease.
	UsdDelta *big.Int
	IsLong   bool
	Curve    Curve

	// VirtualInventory is the signed shared inventory for the index token:
	// positive means virtual shorts, negative virtual longs.
	HasVirtual       bool
	VirtualInventory *big.Int
}

// PositionImpactUsd returns the impact of changing open interest.
func PositionImpactUsd(p PositionParams) (*big.Int, error) {
	impact, err := ImpactUsd(
		Balance{Long: p.LongOpenInterest, Short: p.ShortOpenInterest},
		nextOpenInterest(p.LongOpenInterest, p.ShortOpenInterest, p.UsdDelta, p.IsLong),
		p.Curve,
	)
	if err != nil || !p.HasVirtual {
		return impact, err
	}

	virtualLong, virtualShort := new(big.Int), new(big.Int)
	vi := fixed.OrZero(p.VirtualInventory)
	if vi.Sign() > 0 {
		virtualShort.Set(vi)
	} else {
		virtualLong.Neg(vi)
	}
	// A decrease must be able to reduce either virtual side.
	if fixed.IsNegative(p.UsdDelta) {
		offset := fixed.Neg(p.UsdDelta)
		virtualLong.Add(virtualLong, offset)
		virtualShort.Add(virtualShort, offset)
	}

	virtual, err := ImpactUsd(
		Balance{Long: virtualLong, Short: virtualShort},
		nextOpenInterest(virtualLong, virtualShort, p.UsdDelta, p.IsLong),
		p.Curve,
	)
	if err != nil {
		return nil, err
	}
	return fixed.Min(impact, virtual), nil
}

func nextOpenInterest(long, short, delta *big.Int, isLong bool) Balance {
	if isLong {
		return Balance{Long: fixed.Add(long, delta), Short: fixed.Clone(short)}
	}
	return Balance{Long: fixed.Clone(long), Short: fixed.Add(short, delta)}
}

// VirtualPositionDelta returns the change to a shared position inventory for
// a size change. Longs reduce it, shorts grow it.
func VirtualPositionDelta(usdDelta *big.Int, isLong bool) *big.Int {
	if isLong {
		return fixed.Neg(usdDelta)
	}
	return fixed.Clone(usdDelta)
}

func clampZero(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		return new(big.Int)
	}
	return v
}
