package bank

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/atmx/perp-engine/internal/model"
)

func TestLedger_MintTransferBurn(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	if err := l.Transfer(ctx, "USDC", Issuer, "alice", big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Transfer(ctx, "USDC", "alice", "bob", big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := l.Transfer(ctx, "USDC", "bob", Issuer, big.NewInt(10)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	for owner, want := range map[string]int64{"alice": 60, "bob": 30} {
		got, _ := l.BalanceOf(ctx, "USDC", owner)
		if got.Int64() != want {
			t.Errorf("%s: expected %d, got %s", owner, want, got)
		}
	}
}

func TestLedger_RejectsOverdraft(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	_ = l.Transfer(ctx, "ETH", Issuer, "alice", big.NewInt(5))

	err := l.Transfer(ctx, "ETH", "alice", "bob", big.NewInt(6))
	if !errors.Is(err, model.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if got, _ := l.BalanceOf(ctx, "ETH", "alice"); got.Int64() != 5 {
		t.Errorf("failed transfer changed the balance to %s", got)
	}
	if err := l.Transfer(ctx, "ETH", "alice", "bob", big.NewInt(-1)); !errors.Is(err, model.ErrTransferFailed) {
		t.Errorf("expected negative amounts rejected, got %v", err)
	}
}

func TestLedger_TokensAreSeparate(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	_ = l.Transfer(ctx, "ETH", Issuer, "alice", big.NewInt(5))
	if got, _ := l.BalanceOf(ctx, "USDC", "alice"); got.Sign() != 0 {
		t.Errorf("expected no USDC, got %s", got)
	}
}
