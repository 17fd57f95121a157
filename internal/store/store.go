// Package store defines the persistence interface for the perp engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/perp-engine/internal/model"
)

// ErrNotFound is returned when a market or position does not exist.
var ErrNotFound = errors.New("store: not found")

// MarketRecord is the persisted form of a market. Snapshot is the opaque
// JSON state produced by the market package.
type MarketRecord struct {
	Token     model.Token       `json:"token"`
	Props     model.MarketProps `json:"props"`
	Snapshot  []byte            `json:"snapshot"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Batch is the set of writes one engine action commits. Positions with no
// size are deleted.
type Batch struct {
	Markets   []MarketRecord
	Positions []*model.Position
}

// Empty reports whether the batch has nothing to write.
func (b Batch) Empty() bool { return len(b.Markets) == 0 && len(b.Positions) == 0 }

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Markets ---

	// GetMarket retrieves a market by its market token.
	GetMarket(ctx context.Context, token model.Token) (MarketRecord, error)

	// ListMarkets returns all markets ordered by token.
	ListMarkets(ctx context.Context) ([]MarketRecord, error)

	// --- Positions ---

	// GetPosition retrieves an open position by key.
	GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error)

	// ListPositionsByMarket returns the open positions of a market.
	ListPositionsByMarket(ctx context.Context, market model.Token) ([]*model.Position, error)

	// ListPositionsByAccount returns the open positions of an account.
	ListPositionsByAccount(ctx context.Context, account string) ([]*model.Position, error)

	// --- Writes ---

	// Commit applies a batch atomically.
	Commit(ctx context.Context, b Batch) error
}
