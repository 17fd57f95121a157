package risk

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
)

// PnlToPoolFactor is the side's PnL at maximized prices over its pool value
// at minimized prices.
func PnlToPoolFactor(m *market.Market, prices model.MarketPrices, isLong bool) *big.Int {
	return m.Pool.PnlToPoolFactor(m.Props, prices, isLong, true)
}

// UpdateAdlState enables ADL for a side whose PnL-to-pool factor exceeds
// the ADL cap and disables it otherwise.
func UpdateAdlState(m *market.Market, prices model.MarketPrices, isLong bool, now time.Time) model.Event {
	factor := PnlToPoolFactor(m, prices, isLong)
	maxFactor := m.Config.MaxPnlFactorFor(model.PnlFactorAdl, isLong)

	status := market.AdlDisabled
	if fixed.IsPositive(maxFactor) && factor.Cmp(maxFactor) > 0 {
		status = market.AdlEnabled
	}
	m.Adl.Set(isLong, market.AdlState{Status: status, Factor: factor, UpdatedAt: now})
	return adlEvent(m, isLong, now).With("max_pnl_factor", maxFactor)
}

func adlEvent(m *market.Market, isLong bool, now time.Time) model.Event {
	s := m.Adl.Get(isLong)
	return model.NewEvent(model.EventAdlStateUpdated, m.Token(), now).
		WithAttr("is_long", strconv.FormatBool(isLong)).
		WithAttr("status", s.Status.String()).
		With("pnl_to_pool_factor", s.Factor)
}

// ExecuteAdl decreases pos by sizeDelta on an ADL-enabled side. The
// decrease must strictly lower the side's PnL-to-pool factor; the side is
// disabled once the factor is at or below the post-ADL floor.
func ExecuteAdl(m *market.Market, prices model.MarketPrices, pos *model.Position, sizeDelta *big.Int, orderID string, now time.Time) (position.DecreaseResult, error) {
	if err := checkAdlRequired(m, prices, pos.IsLong); err != nil {
		return position.DecreaseResult{}, err
	}
	if !fixed.IsPositive(sizeDelta) {
		return position.DecreaseResult{}, fmt.Errorf("%w: size delta %s", model.ErrInvalidAdl, sizeDelta)
	}
	size := fixed.Min(sizeDelta, pos.SizeInUsd)

	var res position.DecreaseResult
	err := m.Try(func(trial *market.Market) error {
		before := PnlToPoolFactor(trial, prices, pos.IsLong)
		var err error
		res, err = position.Decrease(trial, prices, pos, position.DecreaseParams{
			OrderID:      orderID,
			OrderType:    model.MarketDecrease,
			SizeDeltaUsd: size,
			IsAdl:        true,
		}, now)
		if err != nil {
			return err
		}
		after := PnlToPoolFactor(trial, prices, pos.IsLong)
		if after.Cmp(before) >= 0 {
			return fmt.Errorf("%w: pnl to pool factor went from %s to %s", model.ErrInvalidAdl, before, after)
		}

		status := market.AdlExecuting
		if after.Cmp(trial.Config.MinPnlFactorAfterAdl.Get(pos.IsLong)) <= 0 {
			status = market.AdlDisabled
		}
		trial.Adl.Set(pos.IsLong, market.AdlState{Status: status, Factor: after, UpdatedAt: now})
		res.Events = append(res.Events, adlEvent(trial, pos.IsLong, now))
		return nil
	})
	if err != nil {
		return position.DecreaseResult{}, err
	}
	return res, nil
}

// checkAdlRequired recomputes the side's factor at current prices. A side
// flagged Enabled must still exceed the ADL cap; a side already Executing
// continues while the factor is above the post-ADL floor.
func checkAdlRequired(m *market.Market, prices model.MarketPrices, isLong bool) error {
	state := m.Adl.Get(isLong)
	if state.Status == market.AdlDisabled {
		return fmt.Errorf("%w: %s side of %s", model.ErrAdlNotEnabled, sideName(isLong), m.Token())
	}
	maxFactor := m.Config.MaxPnlFactorFor(model.PnlFactorAdl, isLong)
	if !fixed.IsPositive(maxFactor) {
		return fmt.Errorf("%w: %s side of %s has no adl cap", model.ErrAdlNotRequired, sideName(isLong), m.Token())
	}
	threshold := maxFactor
	if state.Status == market.AdlExecuting {
		threshold = m.Config.MinPnlFactorAfterAdl.Get(isLong)
	}
	factor := PnlToPoolFactor(m, prices, isLong)
	if factor.Cmp(threshold) <= 0 {
		return fmt.Errorf("%w: %s side of %s at %s, threshold %s", model.ErrAdlNotRequired,
			sideName(isLong), m.Token(), fixed.ToDecimal(factor), fixed.ToDecimal(threshold))
	}
	return nil
}

// AdlSizeDelta returns the size to close from pos to bring the side's
// factor down to the post-ADL floor, or zero when pos is not in profit.
//
// Closing a fraction f of a position removes f*u from the side PnL P and
// pays f*c out of the pool value V, where u and c are the uncapped and
// capped PnL of the whole position. Solving (P - f*u) / (V - f*c) <= min
// gives f >= (P - min*V) / (u - min*c).
func AdlSizeDelta(m *market.Market, prices model.MarketPrices, pos *model.Position) *big.Int {
	pnl := position.PositionPnl(m, prices, pos, pos.SizeInUsd)
	if !fixed.IsPositive(pnl.PnlUsd) {
		return new(big.Int)
	}
	floor := m.Config.MinPnlFactorAfterAdl.Get(pos.IsLong)
	sidePnl := m.Pool.Pnl(prices.Index, pos.IsLong, true)
	poolUsd := m.Pool.PoolUsd(m.Props, prices, pos.IsLong, false)

	excess := fixed.Sub(sidePnl, fixed.ApplyFactor(poolUsd, floor))
	if excess.Sign() <= 0 {
		return new(big.Int)
	}
	per := fixed.Sub(pnl.UncappedPnlUsd, fixed.ApplyFactor(pnl.PnlUsd, floor))
	if per.Sign() <= 0 {
		return fixed.Clone(pos.SizeInUsd)
	}
	f := fixed.ToFactor(excess, per, fixed.Up)
	if f.Cmp(fixed.FloatPrecision) >= 0 {
		return fixed.Clone(pos.SizeInUsd)
	}
	return fixed.Min(fixed.ApplyFactorRounded(pos.SizeInUsd, f, fixed.Up), pos.SizeInUsd)
}

// AdlRun is the outcome of deleveraging one side.
type AdlRun struct {
	Results []position.DecreaseResult
	Factor  *big.Int
	Events  []model.Event
}

// RunAdl deleverages the isLong side of m, closing the most profitable
// positions per unit of size first until the factor reaches the post-ADL
// floor or maxSteps decreases have run. Positions whose close would not
// lower the factor are skipped. Results carry the updated positions.
func RunAdl(m *market.Market, prices model.MarketPrices, positions []*model.Position, isLong bool, maxSteps int, now time.Time) (AdlRun, error) {
	run := AdlRun{Factor: PnlToPoolFactor(m, prices, isLong)}
	if m.Adl.Get(isLong).Status == market.AdlDisabled {
		return run, nil
	}

	type candidate struct {
		pos *model.Position
		pnl *big.Int
	}
	var ranked []candidate
	for _, p := range positions {
		if p.Market != m.Token() || p.IsLong != isLong || !p.IsOpen() {
			continue
		}
		pnl := position.PositionPnl(m, prices, p, p.SizeInUsd).PnlUsd
		if pnl.Sign() > 0 {
			ranked = append(ranked, candidate{pos: p, pnl: pnl})
		}
	}
	// Highest PnL per size first: a.pnl/a.size > b.pnl/b.size.
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		return fixed.Mul(a.pnl, b.pos.SizeInUsd).Cmp(fixed.Mul(b.pnl, a.pos.SizeInUsd)) > 0
	})

	steps := 0
	for _, c := range ranked {
		pos := c.pos
		for pos.IsOpen() && (maxSteps <= 0 || steps < maxSteps) {
			if m.Adl.Get(isLong).Status == market.AdlDisabled {
				run.Factor = PnlToPoolFactor(m, prices, isLong)
				return run, nil
			}
			delta := AdlSizeDelta(m, prices, pos)
			if delta.Sign() == 0 {
				break
			}
			steps++
			res, err := ExecuteAdl(m, prices, pos, delta, "", now)
			if errors.Is(err, model.ErrAdlNotRequired) {
				run.Factor = PnlToPoolFactor(m, prices, isLong)
				return run, nil
			}
			if errors.Is(err, model.ErrInvalidAdl) {
				break
			}
			if err != nil {
				return run, fmt.Errorf("adl %s: %w", pos.Key(), err)
			}
			run.Results = append(run.Results, res)
			run.Events = append(run.Events, res.Events...)
			pos = res.Position
		}
	}
	run.Factor = PnlToPoolFactor(m, prices, isLong)
	return run, nil
}

func sideName(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
