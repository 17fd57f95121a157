// Package engine executes market actions: liquidity, swaps, orders,
// liquidations, ADL and claims.
//
// Each market has its own lock. Markets sharing a virtual inventory group
// also share a group lock, taken before any market lock, so impact is never
// priced against inventory another action is about to change. An action
// locks the groups and markets it touches in name order, works on clones, and commits transfers, persistence, the new
// market state, inventory deltas and events in that order. A failed action
// leaves nothing behind.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/atmx/perp-engine/internal/correlation"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pricing"
	"github.com/atmx/perp-engine/internal/store"
)

// Oracle reports current prices.
type Oracle interface {
	Prices(ctx context.Context, tokens []model.Token) (map[model.Token]model.OraclePrice, error)
}

// Transferer moves tokens between accounts.
type Transferer interface {
	Transfer(ctx context.Context, token model.Token, from, to string, amount *big.Int) error
	BalanceOf(ctx context.Context, token model.Token, owner string) (*big.Int, error)
}

// ConfigSource provides the read-only configuration of a market.
type ConfigSource interface {
	MarketConfig(token model.Token) (*model.MarketConfig, error)
}

// EventSink receives the events of committed actions.
type EventSink interface {
	Publish(events []model.Event)
}

type nopSink struct{}

func (nopSink) Publish([]model.Event) {}

// Vault returns the account holding a market's tokens.
func Vault(market model.Token) string { return "vault:" + string(market) }

// Deps are the collaborators of an Engine. Sink, Logger and Clock are
// optional.
type Deps struct {
	Store   store.Store
	Oracle  Oracle
	Bank    Transferer
	Configs ConfigSource
	Sink    EventSink
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg       model.EngineConfig
	store     store.Store
	oracle    Oracle
	bank      Transferer
	configs   ConfigSource
	sink      EventSink
	log       *slog.Logger
	now       func() time.Time
	inventory *correlation.Inventory

	mu      sync.RWMutex
	markets map[model.Token]*slot
	groups  map[string]*sync.Mutex
}

// slot guards one market. m is replaced, never mutated, once committed.
type slot struct {
	props  model.MarketProps
	groups []string

	mu sync.Mutex
	m  *market.Market
}

// New creates an engine with no markets. Call Load to restore persisted
// markets.
func New(cfg model.EngineConfig, d Deps) (*Engine, error) {
	if d.Store == nil || d.Oracle == nil || d.Bank == nil || d.Configs == nil {
		return nil, fmt.Errorf("%w: engine needs a store, oracle, bank and config source", model.ErrInvalidConfig)
	}
	e := &Engine{
		cfg:       cfg,
		store:     d.Store,
		oracle:    d.Oracle,
		bank:      d.Bank,
		configs:   d.Configs,
		sink:      d.Sink,
		log:       d.Logger,
		now:       d.Clock,
		inventory: correlation.NewInventory(),
		markets:   make(map[model.Token]*slot),
		groups:    make(map[string]*sync.Mutex),
	}
	if e.sink == nil {
		e.sink = nopSink{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Load restores every persisted market and rebuilds the shared virtual
// inventory from their pools and open interest.
func (e *Engine) Load(ctx context.Context) error {
	recs, err := e.store.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("list markets: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range recs {
		cfg, err := e.configs.MarketConfig(rec.Token)
		if err != nil {
			return fmt.Errorf("config for %s: %w", rec.Token, err)
		}
		m, err := market.Restore(rec.Snapshot, cfg)
		if err != nil {
			return fmt.Errorf("restore %s: %w", rec.Token, err)
		}
		e.markets[rec.Token] = e.newSlot(m)
		e.inventory.Apply(inventoryOf(m))
	}
	metrics.ActiveMarkets.Set(float64(len(e.markets)))
	e.log.Info("markets loaded", "count", len(recs))
	return nil
}

// newSlot wraps m and registers its inventory groups. The caller holds e.mu.
func (e *Engine) newSlot(m *market.Market) *slot {
	s := &slot{props: m.Props, groups: groupsOf(m.Config), m: m}
	for _, g := range s.groups {
		if _, ok := e.groups[g]; !ok {
			e.groups[g] = new(sync.Mutex)
		}
	}
	return s
}

// groupsOf names the virtual inventory groups of a market config.
func groupsOf(cfg *model.MarketConfig) []string {
	var out []string
	if cfg.VirtualMarketID != "" {
		out = append(out, "swap:"+cfg.VirtualMarketID)
	}
	if cfg.VirtualTokenID != "" {
		out = append(out, "position:"+cfg.VirtualTokenID)
	}
	return out
}

// inventoryOf returns the inventory a market contributes to its groups.
func inventoryOf(m *market.Market) []correlation.Delta {
	var out []correlation.Delta
	if id := m.Config.VirtualMarketID; id != "" {
		out = append(out, correlation.Delta{Scope: correlation.ScopeSwap, ID: id, IsLongToken: true,
			Amount: m.Pool.PoolAmount.Get(m.Props.LongToken)})
		if !m.Props.IsSingleToken() {
			out = append(out, correlation.Delta{Scope: correlation.ScopeSwap, ID: id,
				Amount: m.Pool.PoolAmount.Get(m.Props.ShortToken)})
		}
	}
	if id := m.Config.VirtualTokenID; id != "" {
		for _, isLong := range []bool{true, false} {
			out = append(out, correlation.Delta{Scope: correlation.ScopePosition, ID: id,
				Amount: pricing.VirtualPositionDelta(m.Pool.SideOpenInterest(isLong), isLong)})
		}
	}
	return out
}

// CreateMarket registers and persists an empty market. Its configuration
// comes from the config source.
func (e *Engine) CreateMarket(ctx context.Context, props model.MarketProps) (model.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.markets[props.MarketToken]; ok {
		return model.Event{}, fmt.Errorf("%w: %s", model.ErrDuplicateMarket, props.MarketToken)
	}
	cfg, err := e.configs.MarketConfig(props.MarketToken)
	if err != nil {
		return model.Event{}, fmt.Errorf("config for %s: %w", props.MarketToken, err)
	}
	now := e.now()
	m, err := market.New(props, cfg, now)
	if err != nil {
		return model.Event{}, err
	}
	rec, err := record(m, now)
	if err != nil {
		return model.Event{}, err
	}
	if err := e.store.Commit(ctx, store.Batch{Markets: []store.MarketRecord{rec}}); err != nil {
		return model.Event{}, fmt.Errorf("persist %s: %w", props.MarketToken, err)
	}
	e.markets[props.MarketToken] = e.newSlot(m)
	metrics.ActiveMarkets.Set(float64(len(e.markets)))

	ev := model.NewEvent(model.EventMarketCreated, props.MarketToken, now).
		WithAttr("index_token", string(props.IndexToken)).
		WithAttr("long_token", string(props.LongToken)).
		WithAttr("short_token", string(props.ShortToken))
	e.sink.Publish([]model.Event{ev})
	e.log.Info("market created", "market", props.MarketToken, "index", props.IndexToken,
		"long", props.LongToken, "short", props.ShortToken)
	return ev, nil
}

func record(m *market.Market, now time.Time) (store.MarketRecord, error) {
	snap, err := m.MarshalSnapshot()
	if err != nil {
		return store.MarketRecord{}, fmt.Errorf("snapshot %s: %w", m.Token(), err)
	}
	return store.MarketRecord{Token: m.Token(), Props: m.Props, Snapshot: snap, UpdatedAt: now}, nil
}

// Markets lists the registered markets ordered by token.
func (e *Engine) Markets() []model.MarketProps {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.MarketProps, 0, len(e.markets))
	for _, s := range e.markets {
		out = append(out, s.props)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketToken < out[j].MarketToken })
	return out
}

// lock acquires the inventory groups of tokens, then their slots, each in
// sorted order. Duplicates are locked once.
func (e *Engine) lock(tokens []model.Token) ([]*slot, func(), error) {
	uniq := make([]model.Token, 0, len(tokens))
	seen := make(map[model.Token]bool, len(tokens))
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			uniq = append(uniq, t)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	e.mu.RLock()
	slots := make([]*slot, 0, len(uniq))
	for _, t := range uniq {
		s, ok := e.markets[t]
		if !ok {
			e.mu.RUnlock()
			return nil, nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, t)
		}
		slots = append(slots, s)
	}
	var names []string
	held := make(map[string]bool)
	for _, s := range slots {
		for _, g := range s.groups {
			if !held[g] {
				held[g] = true
				names = append(names, g)
			}
		}
	}
	sort.Strings(names)
	groups := make([]*sync.Mutex, 0, len(names))
	for _, g := range names {
		groups = append(groups, e.groups[g])
	}
	e.mu.RUnlock()

	for _, g := range groups {
		g.Lock()
	}
	for _, s := range slots {
		s.mu.Lock()
	}
	return slots, func() {
		for i := len(slots) - 1; i >= 0; i-- {
			slots[i].mu.Unlock()
		}
		for i := len(groups) - 1; i >= 0; i-- {
			groups[i].Unlock()
		}
	}, nil
}

// observe records the outcome of an action.
func (e *Engine) observe(kind string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = model.ClassOf(err).String()
	}
	metrics.ActionsTotal.WithLabelValues(kind, outcome).Inc()
	metrics.SettlementLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
	case model.IsFatal(err):
		e.log.Error("action aborted", "kind", kind, "reason", model.ReasonOf(err), "error", err)
	default:
		e.log.Info("action failed", "kind", kind, "reason", model.ReasonOf(err), "error", err)
	}
}

// isNotFound reports a missing record as opposed to a store failure.
func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }
