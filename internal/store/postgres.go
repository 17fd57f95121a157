package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/perp-engine/internal/model"
)

// Schema creates the tables PostgresStore expects. Sizes are NUMERIC for
// queries and reporting; the JSONB document is what gets loaded back.
const Schema = `
CREATE TABLE IF NOT EXISTS markets (
	token      TEXT PRIMARY KEY,
	props      JSONB NOT NULL,
	snapshot   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	key               TEXT PRIMARY KEY,
	account           TEXT NOT NULL,
	market            TEXT NOT NULL REFERENCES markets (token),
	collateral_token  TEXT NOT NULL,
	is_long           BOOLEAN NOT NULL,
	size_in_usd       NUMERIC NOT NULL,
	size_in_tokens    NUMERIC NOT NULL,
	collateral_amount NUMERIC NOT NULL,
	data              JSONB NOT NULL,
	increased_at      TIMESTAMPTZ,
	decreased_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS positions_market_idx ON positions (market);
CREATE INDEX IF NOT EXISTS positions_account_idx ON positions (account);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, token model.Token) (MarketRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT token, props, snapshot, updated_at FROM markets WHERE token = $1`, token)
	rec, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return MarketRecord{}, fmt.Errorf("market %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return MarketRecord{}, fmt.Errorf("get market %s: %w", token, err)
	}
	return rec, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]MarketRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token, props, snapshot, updated_at FROM markets ORDER BY token`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MarketRecord
	for rows.Next() {
		rec, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM positions WHERE key = $1`, string(key)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", key, err)
	}
	return decodePosition(data)
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, market model.Token) ([]*model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM positions WHERE market = $1 ORDER BY key`, string(market))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsByAccount(ctx context.Context, account string) ([]*model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM positions WHERE account = $1 ORDER BY key`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

// Commit writes the batch in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, b Batch) error {
	if b.Empty() {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, rec := range b.Markets {
			props, err := json.Marshal(rec.Props)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO markets (token, props, snapshot, updated_at)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (token) DO UPDATE
				 SET props = EXCLUDED.props, snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at`,
				string(rec.Token), props, rec.Snapshot, rec.UpdatedAt,
			); err != nil {
				return fmt.Errorf("upsert market %s: %w", rec.Token, err)
			}
		}
		for _, p := range b.Positions {
			if err := upsertPosition(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertPosition(ctx context.Context, tx pgx.Tx, p *model.Position) error {
	key := string(p.Key())
	if !p.IsOpen() {
		if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE key = $1`, key); err != nil {
			return fmt.Errorf("delete position %s: %w", key, err)
		}
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO positions (key, account, market, collateral_token, is_long,
		                        size_in_usd, size_in_tokens, collateral_amount, data, increased_at, decreased_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)
		 ON CONFLICT (key) DO UPDATE
		 SET size_in_usd = EXCLUDED.size_in_usd, size_in_tokens = EXCLUDED.size_in_tokens,
		     collateral_amount = EXCLUDED.collateral_amount, data = EXCLUDED.data,
		     increased_at = EXCLUDED.increased_at, decreased_at = EXCLUDED.decreased_at`,
		key, p.Account, string(p.Market), string(p.CollateralToken), p.IsLong,
		p.SizeInUsd.String(), p.SizeInTokens.String(), p.CollateralAmount.String(),
		data, p.IncreasedAt, p.DecreasedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", key, err)
	}
	return nil
}

type pgxRow interface {
	Scan(dest ...any) error
}

func scanMarket(row pgxRow) (MarketRecord, error) {
	var rec MarketRecord
	var token string
	var props []byte
	if err := row.Scan(&token, &props, &rec.Snapshot, &rec.UpdatedAt); err != nil {
		return MarketRecord{}, err
	}
	rec.Token = model.Token(token)
	if err := json.Unmarshal(props, &rec.Props); err != nil {
		return MarketRecord{}, fmt.Errorf("decode props of %s: %w", token, err)
	}
	return rec, nil
}

// scanPositions reads pgx rows of position documents.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPositions(rows pgxRows) ([]*model.Position, error) {
	var out []*model.Position
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		p, err := decodePosition(data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func decodePosition(data []byte) (*model.Position, error) {
	var p model.Position
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	return &p, nil
}
