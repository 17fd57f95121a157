package store

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/atmx/perp-engine/internal/model"
)

func openPosition(account string, market model.Token, isLong bool, size int64) *model.Position {
	p := model.NewPosition(account, market, "USDC", isLong)
	p.SizeInUsd = big.NewInt(size)
	p.SizeInTokens = big.NewInt(size / 10)
	p.CollateralAmount = big.NewInt(100)
	return p
}

func TestMemoryStore_MarketRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := MarketRecord{
		Token:     "GM-ETH",
		Props:     model.MarketProps{MarketToken: "GM-ETH", IndexToken: "ETH", LongToken: "ETH", ShortToken: "USDC"},
		Snapshot:  []byte(`{"pool":{}}`),
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.Commit(ctx, Batch{Markets: []MarketRecord{rec}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err := s.GetMarket(ctx, "GM-ETH")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Snapshot) != string(rec.Snapshot) || got.Props.IndexToken != "ETH" {
		t.Errorf("unexpected record %+v", got)
	}
	got.Snapshot[0] = 'x'
	again, _ := s.GetMarket(ctx, "GM-ETH")
	if again.Snapshot[0] != '{' {
		t.Error("returned snapshot aliases the stored one")
	}
	if _, err := s.GetMarket(ctx, "GM-BTC"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_PositionIndexes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := openPosition("alice", "GM-ETH", true, 1000)
	b := openPosition("alice", "GM-BTC", false, 2000)
	c := openPosition("bob", "GM-ETH", false, 3000)
	if err := s.Commit(ctx, Batch{Positions: []*model.Position{a, b, c}}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	eth, _ := s.ListPositionsByMarket(ctx, "GM-ETH")
	if len(eth) != 2 {
		t.Fatalf("expected 2 GM-ETH positions, got %d", len(eth))
	}
	alice, _ := s.ListPositionsByAccount(ctx, "alice")
	if len(alice) != 2 {
		t.Fatalf("expected 2 positions for alice, got %d", len(alice))
	}
	// "alice" must not match a longer account sharing the prefix.
	if got, _ := s.ListPositionsByAccount(ctx, "ali"); len(got) != 0 {
		t.Errorf("expected no positions for ali, got %d", len(got))
	}

	closed := a.Clone()
	closed.Zero()
	if err := s.Commit(ctx, Batch{Positions: []*model.Position{closed}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := s.GetPosition(ctx, a.Key()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected closed position deleted, got %v", err)
	}
	eth, _ = s.ListPositionsByMarket(ctx, "GM-ETH")
	if len(eth) != 1 || eth[0].Account != "bob" {
		t.Errorf("expected only bob in GM-ETH, got %d", len(eth))
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := openPosition("alice", "GM-ETH", true, 1000)
	if err := s.Commit(ctx, Batch{Positions: []*model.Position{p}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	p.SizeInUsd.SetInt64(1)
	got, err := s.GetPosition(ctx, p.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SizeInUsd.Int64() != 1000 {
		t.Errorf("stored position aliased the caller's, size %s", got.SizeInUsd)
	}
}
