// Package market is the aggregate of one perpetual market: its tokens,
// configuration, pool ledgers, funding, borrowing and ADL state.
//
// A Market is not safe for concurrent use. The engine locks a market, works
// on a Clone and swaps the clone in when the action commits.
package market

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/atmx/perp-engine/internal/borrowing"
	"github.com/atmx/perp-engine/internal/correlation"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/pricing"
)

// AdlStatus is the auto-deleveraging state of one side.
type AdlStatus int

const (
	AdlDisabled AdlStatus = iota
	AdlEnabled
	AdlExecuting
)

func (s AdlStatus) String() string {
	switch s {
	case AdlDisabled:
		return "disabled"
	case AdlEnabled:
		return "enabled"
	case AdlExecuting:
		return "executing"
	default:
		return "unknown"
	}
}

// AdlState records the last ADL evaluation of a side.
type AdlState struct {
	Status    AdlStatus `json:"status"`
	Factor    *big.Int  `json:"factor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Inventory is the shared virtual inventory a market reads and stages
// changes to. It is provided per action and never persisted with the market.
type Inventory interface {
	SwapInventory(id string) (model.BigPair, bool)
	PositionInventory(id string) (*big.Int, bool)
	Stage(d correlation.Delta)
}

// Market is the state of one market.
type Market struct {
	Props     model.MarketProps
	Config    *model.MarketConfig
	Pool      *pool.State
	Funding   *funding.State
	Borrowing *borrowing.State
	Adl       model.Pair[AdlState]
	CreatedAt time.Time

	Inventory Inventory
}

// New creates an empty market.
func New(props model.MarketProps, cfg *model.MarketConfig, now time.Time) (*Market, error) {
	if err := props.Validate(); err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing config for %s", model.ErrInvalidConfig, props.MarketToken)
	}
	cfg.Normalize()
	return &Market{
		Props:     props,
		Config:    cfg,
		Pool:      pool.New(),
		Funding:   funding.NewState(now),
		Borrowing: borrowing.NewState(now),
		Adl: model.Pair[AdlState]{
			Long:  AdlState{Factor: new(big.Int)},
			Short: AdlState{Factor: new(big.Int)},
		},
		CreatedAt: now,
	}, nil
}

// Clone deep-copies the mutable state. Config and Inventory are shared.
func (m *Market) Clone() *Market {
	c := *m
	c.Pool = m.Pool.Clone()
	c.Funding = m.Funding.Clone()
	c.Borrowing = m.Borrowing.Clone()
	c.Adl = model.Pair[AdlState]{Long: cloneAdl(m.Adl.Long), Short: cloneAdl(m.Adl.Short)}
	return &c
}

func cloneAdl(s AdlState) AdlState {
	s.Factor = fixed.Clone(s.Factor)
	return s
}

// Try runs fn against a copy of m and adopts the copy only when fn
// succeeds. Inventory deltas staged by fn are forwarded on success.
func (m *Market) Try(fn func(*Market) error) error {
	trial := m.Clone()
	var overlay *correlation.Overlay
	if m.Inventory != nil {
		overlay = correlation.NewOverlay(m.Inventory)
		trial.Inventory = overlay
	}
	if err := fn(trial); err != nil {
		return err
	}
	if overlay != nil {
		for _, d := range overlay.Staged() {
			m.Inventory.Stage(d)
		}
	}
	trial.Inventory = m.Inventory
	*m = *trial
	return nil
}

// Token returns the market token.
func (m *Market) Token() model.Token { return m.Props.MarketToken }

// Advance brings funding and borrowing forward to now. It must run before
// any accumulator is read within an action.
func (m *Market) Advance(prices model.MarketPrices, now time.Time) error {
	if _, err := m.Funding.Advance(m.Config, m.Pool.OpenInterest, funding.Prices{Long: prices.Long, Short: prices.Short}, now); err != nil {
		return err
	}
	for _, isLong := range []bool{true, false} {
		if _, err := m.Borrowing.Advance(m.Config, isLong, m.borrowingInputs(prices, isLong), now); err != nil {
			return err
		}
	}
	return nil
}

func (m *Market) borrowingInputs(prices model.MarketPrices, isLong bool) borrowing.Inputs {
	return borrowing.Inputs{
		ReservedUsd:       m.Pool.ReservedUsd(prices.Index, isLong),
		PoolUsd:           m.Pool.PoolUsd(m.Props, prices, isLong, false),
		OpenInterest:      m.Pool.SideOpenInterest(isLong),
		OtherOpenInterest: m.Pool.SideOpenInterest(!isLong),
	}
}

// BorrowingRate returns the current borrowing factor per second of a side.
func (m *Market) BorrowingRate(prices model.MarketPrices, isLong bool) (*big.Int, error) {
	return borrowing.RatePerSecond(m.Config, isLong, m.borrowingInputs(prices, isLong))
}

// ApplyPoolDelta changes a pool amount and stages the matching swap
// inventory change.
func (m *Market) ApplyPoolDelta(t model.Token, delta *big.Int) error {
	if _, err := m.Pool.ApplyPoolDelta(t, delta); err != nil {
		return err
	}
	if m.Inventory != nil && m.Config.VirtualMarketID != "" {
		m.Inventory.Stage(correlation.Delta{
			Scope:       correlation.ScopeSwap,
			ID:          m.Config.VirtualMarketID,
			IsLongToken: t == m.Props.LongToken,
			Amount:      delta,
		})
	}
	return nil
}

// ApplyOpenInterestDelta changes open interest and stages the matching
// position inventory change.
func (m *Market) ApplyOpenInterestDelta(collateral model.Token, isLong bool, usd, tokens *big.Int) error {
	bucket, err := m.Props.CollateralBucket(collateral)
	if err != nil {
		return err
	}
	if err := m.Pool.ApplyOpenInterestDelta(bucket, isLong, usd, tokens); err != nil {
		return err
	}
	if m.Inventory != nil && m.Config.VirtualTokenID != "" {
		m.Inventory.Stage(correlation.Delta{
			Scope:  correlation.ScopePosition,
			ID:     m.Config.VirtualTokenID,
			Amount: pricing.VirtualPositionDelta(usd, isLong),
		})
	}
	return nil
}

func (m *Market) positionCurve() pricing.Curve {
	return pricing.Curve{
		PositiveFactor: m.Config.PositionImpactFactorPositive,
		NegativeFactor: m.Config.PositionImpactFactorNegative,
		ExponentFactor: m.Config.PositionImpactExponentFactor,
	}
}

func (m *Market) swapCurve() pricing.Curve {
	return pricing.Curve{
		PositiveFactor: m.Config.SwapImpactFactorPositive,
		NegativeFactor: m.Config.SwapImpactFactorNegative,
		ExponentFactor: m.Config.SwapImpactExponentFactor,
	}
}

// PositionImpactUsd returns the impact of changing a side's open interest by
// usdDelta, taking shared inventory into account.
func (m *Market) PositionImpactUsd(usdDelta *big.Int, isLong bool) (*big.Int, error) {
	p := pricing.PositionParams{
		LongOpenInterest:  m.Pool.SideOpenInterest(true),
		ShortOpenInterest: m.Pool.SideOpenInterest(false),
		UsdDelta:          usdDelta,
		IsLong:            isLong,
		Curve:             m.positionCurve(),
	}
	if m.Inventory != nil {
		if vi, ok := m.Inventory.PositionInventory(m.Config.VirtualTokenID); ok {
			p.HasVirtual = true
			p.VirtualInventory = vi
		}
	}
	return pricing.PositionImpactUsd(p)
}

// SwapImpactUsd returns the impact of moving deltaUsdIn of tokenIn into the
// pool and deltaUsdOut of tokenOut. Balances are valued at mid price.
func (m *Market) SwapImpactUsd(prices model.MarketPrices, tokenIn, tokenOut model.Token, deltaUsdIn, deltaUsdOut *big.Int) (*big.Int, error) {
	if m.Props.IsSingleToken() {
		return new(big.Int), nil
	}
	inPrice, err := prices.ForToken(m.Props, tokenIn)
	if err != nil {
		return nil, err
	}
	outPrice, err := prices.ForToken(m.Props, tokenOut)
	if err != nil {
		return nil, err
	}
	p := pricing.SwapParams{
		PoolUsdA:  fixed.Mul(m.Pool.PoolAmount.Get(tokenIn), inPrice.Mid()),
		PoolUsdB:  fixed.Mul(m.Pool.PoolAmount.Get(tokenOut), outPrice.Mid()),
		DeltaUsdA: deltaUsdIn,
		DeltaUsdB: deltaUsdOut,
		Curve:     m.swapCurve(),
	}
	if m.Inventory != nil {
		if inv, ok := m.Inventory.SwapInventory(m.Config.VirtualMarketID); ok {
			p.HasVirtual = true
			p.VirtualPoolUsdA = fixed.Mul(inv.Get(tokenIn == m.Props.LongToken), inPrice.Mid())
			p.VirtualPoolUsdB = fixed.Mul(inv.Get(tokenOut == m.Props.LongToken), outPrice.Mid())
		}
	}
	return pricing.SwapImpactUsd(p)
}

// applySwapImpactWithCap converts a swap impact into tokens of t and moves
// them through the swap impact pool. Positive impact is bounded by the pool
// balance; the returned diff is the USD that could not be paid.
func (m *Market) applySwapImpactWithCap(t model.Token, price model.Price, impactUsd *big.Int) (amount, cappedDiffUsd *big.Int, err error) {
	amount, cappedDiffUsd = pricing.SwapImpactAmount(impactUsd, price, m.Pool.SwapImpactPoolAmount.Get(t))
	if _, err := m.Pool.ApplySwapImpactDelta(t, fixed.Neg(amount)); err != nil {
		return nil, nil, err
	}
	return amount, cappedDiffUsd, nil
}

// Snapshot is the persisted form of a market.
type Snapshot struct {
	Props     model.MarketProps    `json:"props"`
	Pool      *pool.State          `json:"pool"`
	Funding   *funding.State       `json:"funding"`
	Borrowing *borrowing.State     `json:"borrowing"`
	Adl       model.Pair[AdlState] `json:"adl"`
	CreatedAt time.Time            `json:"created_at"`
}

// MarshalSnapshot encodes the market state as JSON.
func (m *Market) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(Snapshot{
		Props:     m.Props,
		Pool:      m.Pool,
		Funding:   m.Funding,
		Borrowing: m.Borrowing,
		Adl:       m.Adl,
		CreatedAt: m.CreatedAt,
	})
}

// Restore decodes a snapshot and attaches cfg.
func Restore(data []byte, cfg *model.MarketConfig) (*Market, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode market snapshot: %w", err)
	}
	if s.Pool == nil || s.Funding == nil || s.Borrowing == nil {
		return nil, fmt.Errorf("%w: incomplete snapshot for %s", model.ErrInvariantViolation, s.Props.MarketToken)
	}
	cfg.Normalize()
	return &Market{
		Props:     s.Props,
		Config:    cfg,
		Pool:      s.Pool,
		Funding:   s.Funding,
		Borrowing: s.Borrowing,
		Adl:       s.Adl,
		CreatedAt: s.CreatedAt,
	}, nil
}
