// Package bank keeps token balances for accounts and market vaults.
package bank

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/model"
)

// Issuer is the counterparty for minting and burning. Transfers from it
// create tokens and transfers to it destroy them. It is used for market
// tokens and for funding test accounts.
const Issuer = "issuer"

type account struct {
	token model.Token
	owner string
}

// Ledger is an in-memory balance sheet. Balances are unsigned, so an
// overdraft cannot be represented and is rejected.
type Ledger struct {
	mu       sync.Mutex
	balances map[account]*uint256.Int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[account]*uint256.Int)}
}

// Transfer moves amount of token from one owner to another.
func (l *Ledger) Transfer(_ context.Context, token model.Token, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative amount %s of %s", model.ErrTransferFailed, amount, token)
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return fmt.Errorf("%w: amount %s of %s overflows", model.ErrTransferFailed, amount, token)
	}
	if from == to {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if from != Issuer {
		src := l.balance(token, from)
		if src.Lt(v) {
			return fmt.Errorf("%w: %s holds %s %s, needs %s", model.ErrTransferFailed, from, src.Dec(), token, v.Dec())
		}
		src.Sub(src, v)
	}
	if to != Issuer {
		dst := l.balance(token, to)
		if _, overflow := dst.AddOverflow(dst, v); overflow {
			return fmt.Errorf("%w: balance of %s in %s overflows", model.ErrTransferFailed, to, token)
		}
	}
	return nil
}

// BalanceOf returns the balance of owner in token.
func (l *Ledger) BalanceOf(_ context.Context, token model.Token, owner string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[account{token, owner}]; ok {
		return b.ToBig(), nil
	}
	return new(big.Int), nil
}

// balance returns the mutable balance slot. Caller holds mu.
func (l *Ledger) balance(token model.Token, owner string) *uint256.Int {
	k := account{token, owner}
	b, ok := l.balances[k]
	if !ok {
		b = new(uint256.Int)
		l.balances[k] = b
	}
	return b
}
