// Package oracle provides price sources for the engine. Prices are per
// token unit at 30 decimals, as min/max pairs with an observation time.
package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/perp-engine/internal/model"
)

// Feed is an in-memory price source.
type Feed struct {
	mu     sync.RWMutex
	prices map[model.Token]model.OraclePrice
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{prices: make(map[model.Token]model.OraclePrice)}
}

// Set records the latest price of t.
func (f *Feed) Set(t model.Token, p model.OraclePrice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[t] = model.OraclePrice{Price: model.NewPrice(p.Min, p.Max), Timestamp: p.Timestamp}
}

// Prices returns the latest price of each token. A token without a price
// fails the whole read.
func (f *Feed) Prices(_ context.Context, tokens []model.Token) (map[model.Token]model.OraclePrice, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[model.Token]model.OraclePrice, len(tokens))
	for _, t := range tokens {
		p, ok := f.prices[t]
		if !ok {
			return nil, fmt.Errorf("%w: no price for %s", model.ErrInvalidPrice, t)
		}
		out[t] = model.OraclePrice{Price: model.NewPrice(p.Min, p.Max), Timestamp: p.Timestamp}
	}
	return out, nil
}
