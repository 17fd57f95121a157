// Package correlation tracks virtual inventory shared by correlated markets.
//
// Markets listing the same asset (or assets that move together) can share an
// inventory so that splitting a large trade across them does not dodge price
// impact. Swap inventory is grouped by a virtual market id and holds token
// amounts per side; position inventory is grouped by a virtual token id and
// holds a signed USD open-interest imbalance (positive means net short).
package correlation

import (
	"math/big"
	"sync"

	"github.com/atmx/perp-engine/internal/model"
)

// Scope selects which inventory a Delta applies to.
type Scope int

const (
	ScopeSwap Scope = iota
	ScopePosition
)

// Delta is one staged inventory change.
type Delta struct {
	Scope Scope
	ID    string
	// IsLongToken selects the token side for swap deltas.
	IsLongToken bool
	Amount      *big.Int
}

// Inventory is safe for concurrent use. Each market action reads it under
// its own market lock and applies deltas at commit; deltas are additive, so
// interleaved commits from different markets compose in any order.
type Inventory struct {
	mu        sync.RWMutex
	swaps     map[string]model.BigPair
	positions map[string]*big.Int
}

// NewInventory creates an empty inventory.
func NewInventory() *Inventory {
	return &Inventory{
		swaps:     make(map[string]model.BigPair),
		positions: make(map[string]*big.Int),
	}
}

// SwapInventory returns the token amounts held for a virtual market id.
func (i *Inventory) SwapInventory(id string) (model.BigPair, bool) {
	if id == "" {
		return model.BigPair{}, false
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	p, ok := i.swaps[id]
	if !ok {
		return model.NewBigPair(), true
	}
	return model.CloneBigPair(p), true
}

// PositionInventory returns the signed imbalance for a virtual token id.
func (i *Inventory) PositionInventory(id string) (*big.Int, bool) {
	if id == "" {
		return nil, false
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	v, ok := i.positions[id]
	if !ok {
		return new(big.Int), true
	}
	return new(big.Int).Set(v), true
}

// Apply commits staged deltas. Swap inventory is bounded at zero.
func (i *Inventory) Apply(deltas []Delta) {
	if len(deltas) == 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, d := range deltas {
		if d.ID == "" {
			continue
		}
		switch d.Scope {
		case ScopeSwap:
			p, ok := i.swaps[d.ID]
			if !ok {
				p = model.NewBigPair()
			}
			next := new(big.Int).Add(p.Get(d.IsLongToken), d.Amount)
			if next.Sign() < 0 {
				next.SetInt64(0)
			}
			p.Set(d.IsLongToken, next)
			i.swaps[d.ID] = p
		case ScopePosition:
			v, ok := i.positions[d.ID]
			if !ok {
				v = new(big.Int)
			}
			i.positions[d.ID] = new(big.Int).Add(v, d.Amount)
		}
	}
}

// Reader is the read side of an inventory. Both Inventory and Overlay
// implement it, so overlays nest.
type Reader interface {
	SwapInventory(id string) (model.BigPair, bool)
	PositionInventory(id string) (*big.Int, bool)
}

// Overlay layers uncommitted deltas over a committed inventory so an action
// sees its own staged changes.
type Overlay struct {
	base   Reader
	staged []Delta
}

// NewOverlay wraps base. A nil base reports no shared inventory.
func NewOverlay(base Reader) *Overlay {
	return &Overlay{base: base}
}

// Stage records a delta to apply at commit.
func (o *Overlay) Stage(d Delta) {
	if d.ID == "" || d.Amount == nil || d.Amount.Sign() == 0 {
		return
	}
	o.staged = append(o.staged, Delta{Scope: d.Scope, ID: d.ID, IsLongToken: d.IsLongToken, Amount: new(big.Int).Set(d.Amount)})
}

// Staged returns the recorded deltas.
func (o *Overlay) Staged() []Delta { return o.staged }

// SwapInventory returns committed plus staged swap inventory.
func (o *Overlay) SwapInventory(id string) (model.BigPair, bool) {
	if o.base == nil {
		return model.BigPair{}, false
	}
	p, ok := o.base.SwapInventory(id)
	if !ok {
		return p, false
	}
	for _, d := range o.staged {
		if d.Scope == ScopeSwap && d.ID == id {
			next := new(big.Int).Add(p.Get(d.IsLongToken), d.Amount)
			if next.Sign() < 0 {
				next.SetInt64(0)
			}
			p.Set(d.IsLongToken, next)
		}
	}
	return p, true
}

// PositionInventory returns committed plus staged position inventory.
func (o *Overlay) PositionInventory(id string) (*big.Int, bool) {
	if o.base == nil {
		return nil, false
	}
	v, ok := o.base.PositionInventory(id)
	if !ok {
		return nil, false
	}
	for _, d := range o.staged {
		if d.Scope == ScopePosition && d.ID == id {
			v.Add(v, d.Amount)
		}
	}
	return v, true
}
