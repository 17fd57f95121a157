package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, b Batch) error {
	if err := s.primary.Commit(ctx, b); err != nil {
		return err
	}
	keys := make([]string, 0, len(b.Markets)+2*len(b.Positions))
	for _, rec := range b.Markets {
		keys = append(keys, marketKey(rec.Token))
	}
	for _, p := range b.Positions {
		keys = append(keys, positionKey(p.Key()), accountKey(p.Account))
	}
	if len(keys) > 0 {
		// Invalidate; next read will re-populate.
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, token model.Token) (MarketRecord, error) {
	var rec MarketRecord
	if s.cached(ctx, marketKey(token), &rec) {
		return rec, nil
	}
	rec, err := s.primary.GetMarket(ctx, token)
	if err != nil {
		return MarketRecord{}, err
	}
	s.cache(ctx, marketKey(token), rec)
	return rec, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	var p model.Position
	if s.cached(ctx, positionKey(key), &p) {
		return &p, nil
	}
	got, err := s.primary.GetPosition(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionKey(key), got)
	return got, nil
}

func (s *CachedStore) ListPositionsByAccount(ctx context.Context, account string) ([]*model.Position, error) {
	var positions []*model.Position
	if s.cached(ctx, accountKey(account), &positions) {
		return positions, nil
	}
	positions, err := s.primary.ListPositionsByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(account), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]MarketRecord, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, market model.Token) ([]*model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, market)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketKey(t model.Token) string         { return fmt.Sprintf("market:%s", t) }
func positionKey(k model.PositionKey) string { return fmt.Sprintf("position:%s", k) }
func accountKey(a string) string             { return fmt.Sprintf("positions:%s", a) }
