package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/atmx/perp-engine/internal/correlation"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
)

type transfer struct {
	token    model.Token
	from, to string
	amount   *big.Int
}

// tx is the staging area of one action. Nothing it holds is visible to
// other actions until commit.
type tx struct {
	ctx     context.Context
	e       *Engine
	kind    string
	now     time.Time
	overlay *correlation.Overlay

	markets map[model.Token]*market.Market
	order   []model.Token
	prices  map[model.Token]model.Price

	positions map[model.PositionKey]*model.Position
	written   []model.PositionKey
	transfers []transfer
	events    []model.Event
}

// run executes fn as one action over the markets in tokens and commits its
// staged effects when fn succeeds.
func (e *Engine) run(ctx context.Context, kind string, tokens []model.Token, fn func(*tx) error) error {
	return e.exec(ctx, kind, tokens, true, fn)
}

// view runs fn like run but discards every effect. It serves queries that
// need advanced accumulators.
func (e *Engine) view(ctx context.Context, kind string, tokens []model.Token, fn func(*tx) error) error {
	return e.exec(ctx, kind, tokens, false, fn)
}

func (e *Engine) exec(ctx context.Context, kind string, tokens []model.Token, commit bool, fn func(*tx) error) (err error) {
	start := time.Now()
	if commit {
		defer func() { e.observe(kind, start, err) }()
	}

	slots, unlock, err := e.lock(tokens)
	if err != nil {
		return err
	}
	defer unlock()

	t := e.begin(ctx, kind, slots)
	if err := t.loadPrices(); err != nil {
		return err
	}
	if err := t.settle(fn); err != nil {
		return err
	}
	if !commit {
		return nil
	}
	return e.commit(t, slots)
}

func (e *Engine) begin(ctx context.Context, kind string, slots []*slot) *tx {
	t := &tx{
		ctx:       ctx,
		e:         e,
		kind:      kind,
		now:       e.now(),
		overlay:   correlation.NewOverlay(e.inventory),
		markets:   make(map[model.Token]*market.Market, len(slots)),
		positions: make(map[model.PositionKey]*model.Position),
	}
	for _, s := range slots {
		c := s.m.Clone()
		c.Inventory = t.overlay
		t.markets[c.Token()] = c
		t.order = append(t.order, c.Token())
	}
	return t
}

// settle advances every market and runs fn. A panic is reported as an
// invariant violation.
func (t *tx) settle(fn func(*tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", model.ErrInvariantViolation, t.kind, r)
		}
	}()
	for _, token := range t.order {
		m := t.markets[token]
		prices, err := t.pricesFor(m)
		if err != nil {
			return err
		}
		if err := m.Advance(prices, t.now); err != nil {
			return fmt.Errorf("advance %s: %w", token, err)
		}
	}
	return fn(t)
}

// loadPrices consults the oracle once for every token of the locked
// markets.
func (t *tx) loadPrices() error {
	var tokens []model.Token
	seen := make(map[model.Token]bool)
	for _, token := range t.order {
		for _, tok := range t.markets[token].Props.Tokens() {
			if !seen[tok] {
				seen[tok] = true
				tokens = append(tokens, tok)
			}
		}
	}
	quotes, err := t.e.oracle.Prices(t.ctx, tokens)
	if err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	t.prices = make(map[model.Token]model.Price, len(tokens))
	for _, tok := range tokens {
		q, ok := quotes[tok]
		if !ok {
			return fmt.Errorf("%w: no price for %s", model.ErrInvalidPrice, tok)
		}
		if err := q.Price.Validate(); err != nil {
			return fmt.Errorf("price of %s: %w", tok, err)
		}
		if age := t.now.Sub(q.Timestamp); t.e.cfg.MaxPriceAge > 0 && age > t.e.cfg.MaxPriceAge {
			return fmt.Errorf("%w: %s price is %s old", model.ErrStalePrice, tok, age)
		}
		t.prices[tok] = q.Price
	}
	return nil
}

func (t *tx) market(token model.Token) (*market.Market, error) {
	m, ok := t.markets[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s not locked by %s", model.ErrMarketNotFound, token, t.kind)
	}
	return m, nil
}

func (t *tx) pricesFor(m *market.Market) (model.MarketPrices, error) {
	mp := model.MarketPrices{
		Index: t.prices[m.Props.IndexToken],
		Long:  t.prices[m.Props.LongToken],
		Short: t.prices[m.Props.ShortToken],
	}
	if err := mp.Validate(); err != nil {
		return mp, fmt.Errorf("prices for %s: %w", m.Token(), err)
	}
	return mp, nil
}

// position returns the staged or persisted position for key, or nil when
// none is open.
func (t *tx) position(key model.PositionKey) (*model.Position, error) {
	if p, ok := t.positions[key]; ok {
		if !p.IsOpen() {
			return nil, nil
		}
		return p.Clone(), nil
	}
	p, err := t.e.store.GetPosition(t.ctx, key)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", key, err)
	}
	return p, nil
}

// marketPositions lists the open positions of a market, with staged writes
// applied.
func (t *tx) marketPositions(token model.Token) ([]*model.Position, error) {
	stored, err := t.e.store.ListPositionsByMarket(t.ctx, token)
	if err != nil {
		return nil, fmt.Errorf("list positions of %s: %w", token, err)
	}
	var out []*model.Position
	for _, p := range stored {
		if _, ok := t.positions[p.Key()]; !ok {
			out = append(out, p)
		}
	}
	for _, key := range t.written {
		if p := t.positions[key]; p.Market == token && p.IsOpen() {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (t *tx) putPosition(p *model.Position) {
	key := p.Key()
	if _, ok := t.positions[key]; !ok {
		t.written = append(t.written, key)
	}
	t.positions[key] = p.Clone()
}

// move stages a transfer. Empty and self transfers are dropped.
func (t *tx) move(token model.Token, from, to string, amount *big.Int) {
	if !fixed.IsPositive(amount) || from == to || token == "" {
		return
	}
	t.transfers = append(t.transfers, transfer{token: token, from: from, to: to, amount: fixed.Clone(amount)})
}

func (t *tx) emit(events ...model.Event) {
	t.events = append(t.events, events...)
}

// commit publishes a settled action: transfers, persistence, market state,
// inventory and events, in that order.
func (e *Engine) commit(t *tx, slots []*slot) error {
	if err := e.checkVaults(t); err != nil {
		return err
	}
	done, err := e.transfer(t.ctx, t.transfers)
	if err != nil {
		e.compensate(t.ctx, done)
		return err
	}

	batch := store.Batch{}
	for _, token := range t.order {
		rec, err := record(t.markets[token], t.now)
		if err != nil {
			e.compensate(t.ctx, done)
			return err
		}
		batch.Markets = append(batch.Markets, rec)
	}
	for _, key := range t.written {
		batch.Positions = append(batch.Positions, t.positions[key])
	}
	if err := e.store.Commit(t.ctx, batch); err != nil {
		e.compensate(t.ctx, done)
		return fmt.Errorf("persist %s: %w", t.kind, err)
	}

	for _, s := range slots {
		m := t.markets[s.props.MarketToken]
		m.Inventory = nil
		s.m = m
		observePool(m)
	}
	e.inventory.Apply(t.overlay.Staged())
	if len(t.events) > 0 {
		e.sink.Publish(t.events)
	}
	return nil
}

// checkVaults verifies that every vault can cover its net outflow before
// any transfer runs.
func (e *Engine) checkVaults(t *tx) error {
	type key struct {
		token model.Token
		owner string
	}
	net := make(map[key]*big.Int)
	for _, tr := range t.transfers {
		if strings.HasPrefix(tr.from, "vault:") {
			k := key{tr.token, tr.from}
			net[k] = fixed.Add(net[k], tr.amount)
		}
		if strings.HasPrefix(tr.to, "vault:") {
			k := key{tr.token, tr.to}
			net[k] = fixed.Sub(net[k], tr.amount)
		}
	}
	for k, out := range net {
		if out.Sign() <= 0 {
			continue
		}
		bal, err := e.bank.BalanceOf(t.ctx, k.token, k.owner)
		if err != nil {
			return fmt.Errorf("%w: balance of %s: %v", model.ErrTransferFailed, k.owner, err)
		}
		if bal.Cmp(out) < 0 {
			return fmt.Errorf("%w: %s holds %s %s, needs %s", model.ErrTransferFailed, k.owner, bal, k.token, out)
		}
	}
	return nil
}

// transfer runs transfers in order and returns those that completed.
func (e *Engine) transfer(ctx context.Context, transfers []transfer) ([]transfer, error) {
	for i, tr := range transfers {
		if err := e.bank.Transfer(ctx, tr.token, tr.from, tr.to, tr.amount); err != nil {
			if !errors.Is(err, model.ErrTransferFailed) {
				err = fmt.Errorf("%w: %v", model.ErrTransferFailed, err)
			}
			return transfers[:i], fmt.Errorf("transfer %s %s from %s to %s: %w", tr.amount, tr.token, tr.from, tr.to, err)
		}
	}
	return transfers, nil
}

// compensate reverses completed transfers, newest first.
func (e *Engine) compensate(ctx context.Context, done []transfer) {
	for i := len(done) - 1; i >= 0; i-- {
		tr := done[i]
		if err := e.bank.Transfer(ctx, tr.token, tr.to, tr.from, tr.amount); err != nil {
			e.log.Error("transfer compensation failed", "token", tr.token, "from", tr.to, "to", tr.from,
				"amount", tr.amount.String(), "error", err)
		}
	}
}

func observePool(m *market.Market) {
	for _, tok := range []model.Token{m.Props.LongToken, m.Props.ShortToken} {
		v, _ := new(big.Float).SetInt(m.Pool.PoolAmount.Get(tok)).Float64()
		metrics.PoolAmount.WithLabelValues(string(m.Token()), string(tok)).Set(v)
	}
}
