// Package keeper runs periodic risk passes over every market: liquidations
// first, then auto-deleveraging for each side the engine flags.
package keeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/risk"
)

// Engine is the subset of the engine a keeper drives.
type Engine interface {
	Markets() []model.MarketProps
	Liquidatable(ctx context.Context, token model.Token) ([]model.PositionKey, error)
	Liquidate(ctx context.Context, key model.PositionKey) (risk.Liquidation, error)
	UpdateAdlState(ctx context.Context, token model.Token, isLong bool) (market.AdlState, error)
	RunAdl(ctx context.Context, token model.Token, isLong bool) (risk.AdlRun, error)
}

// Config controls pass frequency and fan-out.
type Config struct {
	Interval time.Duration
	// Concurrency bounds the markets processed at once. Zero means one.
	Concurrency int
}

// Report summarizes one pass.
type Report struct {
	Markets    int
	Liquidated int
	AdlRuns    int
	Decreases  int
}

// Keeper is safe to run once per engine.
type Keeper struct {
	eng Engine
	cfg Config
	log *slog.Logger
}

// New creates a keeper. A nil logger uses slog.Default.
func New(eng Engine, cfg Config, log *slog.Logger) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Keeper{eng: eng, cfg: cfg, log: log}
}

// Run executes a pass every interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := k.RunOnce(ctx)
			if err != nil {
				k.log.Error("keeper pass failed", "err", err)
			}
			if rep.Liquidated > 0 || rep.Decreases > 0 {
				k.log.Info("keeper pass", "markets", rep.Markets, "liquidated", rep.Liquidated,
					"adl_runs", rep.AdlRuns, "adl_decreases", rep.Decreases)
			}
		}
	}
}

// RunOnce processes every market once, in parallel up to the configured
// concurrency. A failing market does not stop the others; their errors are
// aggregated.
func (k *Keeper) RunOnce(ctx context.Context) (Report, error) {
	markets := k.eng.Markets()

	var (
		mu   sync.Mutex
		rep  = Report{Markets: len(markets)}
		errs *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.Concurrency)
	for _, p := range markets {
		token := p.MarketToken
		g.Go(func() error {
			r, err := k.processMarket(gctx, token)
			mu.Lock()
			defer mu.Unlock()
			rep.Liquidated += r.Liquidated
			rep.AdlRuns += r.AdlRuns
			rep.Decreases += r.Decreases
			if err != nil {
				errs = multierror.Append(errs, err)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	return rep, errs.ErrorOrNil()
}

func (k *Keeper) processMarket(ctx context.Context, token model.Token) (Report, error) {
	var (
		rep  Report
		errs *multierror.Error
	)
	keys, err := k.eng.Liquidatable(ctx, token)
	if err != nil {
		return rep, multierror.Prefix(err, string(token)+":")
	}
	for _, key := range keys {
		if ctx.Err() != nil {
			return rep, nil
		}
		_, err := k.eng.Liquidate(ctx, key)
		switch {
		case err == nil:
			rep.Liquidated++
		case model.IsFatal(err):
			errs = multierror.Append(errs, err)
		default:
			// Prices moved or the owner closed first.
			k.log.Debug("liquidation skipped", "market", token, "position", key, "reason", model.ReasonOf(err))
		}
	}

	for _, isLong := range []bool{true, false} {
		if ctx.Err() != nil {
			break
		}
		state, err := k.eng.UpdateAdlState(ctx, token, isLong)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if state.Status != market.AdlEnabled {
			continue
		}
		run, err := k.eng.RunAdl(ctx, token, isLong)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		rep.AdlRuns++
		rep.Decreases += len(run.Results)
	}
	if errs != nil {
		return rep, multierror.Prefix(errs, string(token)+":")
	}
	return rep, nil
}
