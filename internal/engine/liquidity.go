package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/atmx/perp-engine/internal/bank"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
)

// DepositRequest adds liquidity to a market. Receiver defaults to Account.
type DepositRequest struct {
	Account          string      `json:"account"`
	Receiver         string      `json:"receiver,omitempty"`
	Market           model.Token `json:"market"`
	LongTokenAmount  *big.Int    `json:"long_token_amount"`
	ShortTokenAmount *big.Int    `json:"short_token_amount"`
	MinMarketTokens  *big.Int    `json:"min_market_tokens"`
}

// Deposit moves the deposited tokens into the market vault and mints market
// tokens to the receiver.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (market.DepositResult, error) {
	var res market.DepositResult
	if req.Account == "" {
		return res, fmt.Errorf("%w: account is required", model.ErrInvalidOrder)
	}
	receiver := orDefault(req.Receiver, req.Account)
	err := e.run(ctx, "deposit", []model.Token{req.Market}, func(t *tx) error {
		m, err := t.market(req.Market)
		if err != nil {
			return err
		}
		prices, err := t.pricesFor(m)
		if err != nil {
			return err
		}
		res, err = m.Deposit(prices, market.DepositParams{
			LongTokenAmount:  req.LongTokenAmount,
			ShortTokenAmount: req.ShortTokenAmount,
			MinMarketTokens:  req.MinMarketTokens,
		})
		if err != nil {
			return err
		}

		vault := Vault(req.Market)
		t.move(m.Props.LongToken, req.Account, vault, req.LongTokenAmount)
		t.move(m.Props.ShortToken, req.Account, vault, req.ShortTokenAmount)
		t.move(m.Token(), bank.Issuer, receiver, res.MintAmount)

		ev := model.NewEvent(model.EventDeposit, m.Token(), t.now).
			With("long_token_amount", fixed.OrZero(req.LongTokenAmount)).
			With("short_token_amount", fixed.OrZero(req.ShortTokenAmount)).
			With("market_tokens_minted", res.MintAmount).
			With("price_impact_usd", res.PriceImpactUsd).
			WithAttr("receiver", receiver)
		ev.Account = req.Account
		t.emit(ev)
		return nil
	})
	if err != nil {
		return market.DepositResult{}, err
	}
	e.log.Info("deposit", "market", req.Market, "account", req.Account, "minted", res.MintAmount.String())
	return res, nil
}

// WithdrawRequest burns market tokens for the pool's tokens.
type WithdrawRequest struct {
	Account             string      `json:"account"`
	Receiver            string      `json:"receiver,omitempty"`
	Market              model.Token `json:"market"`
	MarketTokenAmount   *big.Int    `json:"market_token_amount"`
	MinLongTokenAmount  *big.Int    `json:"min_long_token_amount"`
	MinShortTokenAmount *big.Int    `json:"min_short_token_amount"`
}

// Withdraw burns the account's market tokens and pays both pool tokens to
// the receiver.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (market.WithdrawResult, error) {
	var res market.WithdrawResult
	if req.Account == "" {
		return res, fmt.Errorf("%w: account is required", model.ErrInvalidOrder)
	}
	receiver := orDefault(req.Receiver, req.Account)
	err := e.run(ctx, "withdrawal", []model.Token{req.Market}, func(t *tx) error {
		m, err := t.market(req.Market)
		if err != nil {
			return err
		}
		prices, err := t.pricesFor(m)
		if err != nil {
			return err
		}
		res, err = m.Withdraw(prices, market.WithdrawParams{
			MarketTokenAmount:   req.MarketTokenAmount,
			MinLongTokenAmount:  req.MinLongTokenAmount,
			MinShortTokenAmount: req.MinShortTokenAmount,
		})
		if err != nil {
			return err
		}

		vault := Vault(req.Market)
		t.move(m.Token(), req.Account, bank.Issuer, req.MarketTokenAmount)
		t.move(m.Props.LongToken, vault, receiver, res.LongTokenAmount)
		t.move(m.Props.ShortToken, vault, receiver, res.ShortTokenAmount)

		ev := model.NewEvent(model.EventWithdrawal, m.Token(), t.now).
			With("market_tokens_burned", req.MarketTokenAmount).
			With("usd_value", res.UsdValue).
			With("long_token_amount", res.LongTokenAmount).
			With("short_token_amount", res.ShortTokenAmount).
			WithAttr("receiver", receiver)
		ev.Account = req.Account
		t.emit(ev)
		return nil
	})
	if err != nil {
		return market.WithdrawResult{}, err
	}
	e.log.Info("withdrawal", "market", req.Market, "account", req.Account, "usd", fixed.ToDecimal(res.UsdValue).String())
	return res, nil
}

// SwapRequest swaps a token through a path of markets.
type SwapRequest struct {
	Account         string        `json:"account"`
	Receiver        string        `json:"receiver,omitempty"`
	TokenIn         model.Token   `json:"token_in"`
	AmountIn        *big.Int      `json:"amount_in"`
	Path            []model.Token `json:"path"`
	MinOutputAmount *big.Int      `json:"min_output_amount"`
}

// SwapResult is the outcome of a path swap.
type SwapResult struct {
	TokenOut  model.Token         `json:"token_out"`
	AmountOut *big.Int            `json:"amount_out"`
	Steps     []market.SwapResult `json:"-"`
	Events    []model.Event       `json:"events"`
}

// Swap moves AmountIn from the account into the first market of the path,
// swaps through each market and pays the final token to the receiver.
func (e *Engine) Swap(ctx context.Context, req SwapRequest) (SwapResult, error) {
	var res SwapResult
	if req.Account == "" {
		return res, fmt.Errorf("%w: account is required", model.ErrInvalidOrder)
	}
	if err := validatePath(req.Path); err != nil {
		return res, err
	}
	receiver := orDefault(req.Receiver, req.Account)
	err := e.run(ctx, "swap", req.Path, func(t *tx) error {
		t.move(req.TokenIn, req.Account, Vault(req.Path[0]), req.AmountIn)
		out, err := t.swapPath(req.TokenIn, req.AmountIn, req.Path, "")
		if err != nil {
			return err
		}
		if out.amount.Cmp(fixed.OrZero(req.MinOutputAmount)) < 0 {
			return fmt.Errorf("%w: got %s %s, want %s", model.ErrInsufficientSwapOutputAmount, out.amount, out.token, req.MinOutputAmount)
		}
		t.move(out.token, out.vault, receiver, out.amount)
		res = SwapResult{TokenOut: out.token, AmountOut: out.amount, Steps: out.steps, Events: t.events}
		return nil
	})
	if err != nil {
		return SwapResult{}, err
	}
	return res, nil
}

type pathOutput struct {
	token  model.Token
	amount *big.Int
	// vault holds the output after the last step.
	vault  string
	steps  []market.SwapResult
}

// swapPath swaps amount of tokenIn, already held by the vault of path[0],
// through every market of path. Intermediate outputs move vault to vault.
func (t *tx) swapPath(tokenIn model.Token, amount *big.Int, path []model.Token, orderID string) (pathOutput, error) {
	out := pathOutput{token: tokenIn, amount: fixed.Clone(amount)}
	for i, token := range path {
		m, err := t.market(token)
		if err != nil {
			return out, err
		}
		prices, err := t.pricesFor(m)
		if err != nil {
			return out, err
		}
		step, err := m.Swap(prices, out.token, out.amount)
		if err != nil {
			return out, fmt.Errorf("swap in %s: %w", token, err)
		}
		ev := model.NewEvent(model.EventSwap, token, t.now).
			WithAttr("token_in", string(out.token)).
			WithAttr("token_out", string(step.TokenOut)).
			With("amount_in", step.AmountIn).
			With("amount_out", step.AmountOut).
			With("price_impact_usd", step.PriceImpactUsd).
			With("fee_receiver_amount", step.Fees.FeeReceiverAmount)
		ev.OrderID = orderID
		t.emit(ev)

		if i+1 < len(path) {
			t.move(step.TokenOut, Vault(token), Vault(path[i+1]), step.AmountOut)
		}
		out.token, out.amount, out.vault = step.TokenOut, step.AmountOut, Vault(token)
		out.steps = append(out.steps, step)
	}
	return out, nil
}

// validatePath rejects empty paths and paths that visit a market twice.
func validatePath(path []model.Token) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty swap path", model.ErrInvalidOrder)
	}
	seen := make(map[model.Token]bool, len(path))
	for _, t := range path {
		if seen[t] {
			return fmt.Errorf("%w: market %s repeats in swap path", model.ErrInvalidOrder, t)
		}
		seen[t] = true
	}
	return nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
