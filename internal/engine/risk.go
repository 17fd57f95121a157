package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/risk"
)

// Liquidate closes the position at key when it fails the solvency check.
func (e *Engine) Liquidate(ctx context.Context, key model.PositionKey) (risk.Liquidation, error) {
	pos, err := e.store.GetPosition(ctx, key)
	if isNotFound(err) {
		return risk.Liquidation{}, fmt.Errorf("%w: %s", model.ErrEmptyPosition, key)
	}
	if err != nil {
		return risk.Liquidation{}, fmt.Errorf("load position %s: %w", key, err)
	}

	var l risk.Liquidation
	err = e.run(ctx, "liquidation", []model.Token{pos.Market}, func(t *tx) error {
		var err error
		l, err = t.liquidate(key, uuid.New().String())
		return err
	})
	if err != nil {
		return l, err
	}
	metrics.Liquidations.WithLabelValues(string(pos.Market)).Inc()
	e.log.Info("position liquidated", "market", pos.Market, "account", pos.Account, "position", key,
		"reason", l.Info.Reason, "insolvent", l.Insolvent)
	return l, nil
}

// Liquidatable lists the positions of a market that fail the solvency check
// at current prices. Nothing is committed.
func (e *Engine) Liquidatable(ctx context.Context, token model.Token) ([]model.PositionKey, error) {
	var keys []model.PositionKey
	err := e.view(ctx, "liquidatable", []model.Token{token}, func(t *tx) error {
		m, err := t.market(token)
		if err != nil {
			return err
		}
		prices, err := t.pricesFor(m)
		if err != nil {
			return err
		}
		positions, err := t.marketPositions(token)
		if err != nil {
			return err
		}
		for _, p := range positions {
			info, err := position.CheckLiquidation(m, prices, p, true)
			if err != nil {
				return err
			}
			if info.Liquidatable {
				keys = append(keys, p.Key())
			}
		}
		return nil
	})
	return keys, err
}

// UpdateAdlState re-evaluates whether a side of a market needs
// deleveraging.
func (e *Engine) UpdateAdlState(ctx context.Context, token model.Token, isLong bool) (market.AdlState, error) {
	var state market.AdlState
	err := e.run(ctx, "adl_update", []model.Token{token}, func(t *tx) error {
		m, err := t.market(token)
		if err != nil {
			return err
		}
		prices, err := t.pricesFor(m)
		if err != nil {
			return err
		}
		t.emit(risk.UpdateAdlState(m, prices, isLong, t.now))
		state = m.Adl.Get(isLong)
		return nil
	})
	return state, err
}

// ExecuteAdl decreases the position at key by sizeDelta while its side is
// flagged for deleveraging.
func (e *Engine) ExecuteAdl(ctx context.Context, key model.PositionKey, sizeDelta *big.Int) (position.DecreaseResult, error) {
	pos, err := e.store.GetPosition(ctx, key)
	if isNotFound(err) {
		return position.DecreaseResult{}, fmt.Errorf("%w: %s", model.ErrEmptyPosition, key)
	}
	if err != nil {
		return position.DecreaseResult{}, fmt.Errorf("load position %s: %w", key, err)
	}

	var res position.DecreaseResult
	err = e.run(ctx, "adl", []model.Token{pos.Market}, func(t *tx) error {
		m, err := t.market(pos.Market)
		if err != nil {
			return err
		}
		prices, err := t.pricesFor(m)
		if err != nil {
			return err
		}
		cur, err := t.position(key)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: %s", model.ErrEmptyPosition, key)
		}
		res, err = risk.ExecuteAdl(m, prices, cur, sizeDelta, uuid.New().String(), t.now)
		if err != nil {
			return err
		}
		t.putPosition(res.Position)
		t.emit(res.Events...)
		t.payOutputs(res, cur.Account)
		return nil
	})
	if err != nil {
		return res, err
	}
	metrics.AdlExecutions.WithLabelValues(string(pos.Market), sideLabel(pos.IsLong)).Inc()
	return res, nil
}

// RunAdl deleverages a flagged side of a market until its PnL factor is
// back under the post-ADL floor.
func (e *Engine) RunAdl(ctx context.Context, token model.Token, isLong bool) (risk.AdlRun, error) {
	var run risk.AdlRun
	err := e.run(ctx, "adl_run", []model.Token{token}, func(t *tx) error {
		m, err := t.market(token)
		if err != nil {
			return err
		}
		prices, err := t.pricesFor(m)
		if err != nil {
			return err
		}
		positions, err := t.marketPositions(token)
		if err != nil {
			return err
		}
		run, err = risk.RunAdl(m, prices, positions, isLong, e.cfg.AdlMaxSteps, t.now)
		if err != nil {
			return err
		}
		for _, r := range run.Results {
			t.putPosition(r.Position)
			t.payOutputs(r, r.Position.Account)
		}
		t.emit(run.Events...)
		return nil
	})
	if err != nil {
		return run, err
	}
	if n := len(run.Results); n > 0 {
		metrics.AdlExecutions.WithLabelValues(string(token), sideLabel(isLong)).Add(float64(n))
		e.log.Info("adl run", "market", token, "side", sideLabel(isLong), "decreases", n, "factor", run.Factor.String())
	}
	return run, nil
}

func sideLabel(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
