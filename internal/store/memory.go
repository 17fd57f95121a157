package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/atmx/perp-engine/internal/model"
)

const treeDegree = 16

// indexItem orders positions under a prefix (market token or account).
type indexItem struct {
	prefix string
	key    model.PositionKey
}

func (a indexItem) Less(b indexItem) bool {
	if a.prefix != b.prefix {
		return a.prefix < b.prefix
	}
	return a.key < b.key
}

// MemoryStore implements Store with in-memory maps and btree indexes. Used
// for testing and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   *btree.BTreeG[MarketRecord]
	positions map[model.PositionKey]*model.Position
	byMarket  *btree.BTreeG[indexItem]
	byAccount *btree.BTreeG[indexItem]
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets: btree.NewG(treeDegree, func(a, b MarketRecord) bool {
			return a.Token < b.Token
		}),
		positions: make(map[model.PositionKey]*model.Position),
		byMarket:  btree.NewG(treeDegree, indexItem.Less),
		byAccount: btree.NewG(treeDegree, indexItem.Less),
	}
}

func (s *MemoryStore) GetMarket(_ context.Context, token model.Token) (MarketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.markets.Get(MarketRecord{Token: token})
	if !ok {
		return MarketRecord{}, fmt.Errorf("market %s: %w", token, ErrNotFound)
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]MarketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]MarketRecord, 0, s.markets.Len())
	s.markets.Ascend(func(rec MarketRecord) bool {
		out = append(out, copyRecord(rec))
		return true
	})
	return out, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, key model.PositionKey) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", key, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, market model.Token) ([]*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scan(s.byMarket, string(market)), nil
}

func (s *MemoryStore) ListPositionsByAccount(_ context.Context, account string) ([]*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scan(s.byAccount, account), nil
}

// scan returns the positions under prefix in key order. Caller holds mu.
func (s *MemoryStore) scan(idx *btree.BTreeG[indexItem], prefix string) []*model.Position {
	var out []*model.Position
	idx.AscendGreaterOrEqual(indexItem{prefix: prefix}, func(it indexItem) bool {
		if it.prefix != prefix {
			return false
		}
		out = append(out, s.positions[it.key].Clone())
		return true
	})
	return out
}

// Commit applies the batch under one lock, so readers see all of it or
// none of it.
func (s *MemoryStore) Commit(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range b.Markets {
		s.markets.ReplaceOrInsert(copyRecord(rec))
	}
	for _, p := range b.Positions {
		key := p.Key()
		if !p.IsOpen() {
			delete(s.positions, key)
			s.byMarket.Delete(indexItem{prefix: string(p.Market), key: key})
			s.byAccount.Delete(indexItem{prefix: p.Account, key: key})
			continue
		}
		s.positions[key] = p.Clone()
		s.byMarket.ReplaceOrInsert(indexItem{prefix: string(p.Market), key: key})
		s.byAccount.ReplaceOrInsert(indexItem{prefix: p.Account, key: key})
	}
	return nil
}

func copyRecord(rec MarketRecord) MarketRecord {
	rec.Snapshot = append([]byte(nil), rec.Snapshot...)
	return rec
}
