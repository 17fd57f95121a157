package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// ClaimFundingFees pays the account's claimable funding in each market to
// receiver. It returns the amounts paid per market and token; a repeated
// claim pays nothing.
func (e *Engine) ClaimFundingFees(ctx context.Context, account string, markets []model.Token, receiver string) (map[model.Token]map[model.Token]*big.Int, error) {
	if account == "" {
		return nil, fmt.Errorf("%w: account is required", model.ErrInvalidOrder)
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("%w: no markets to claim from", model.ErrInvalidOrder)
	}
	receiver = orDefault(receiver, account)
	paid := make(map[model.Token]map[model.Token]*big.Int)
	err := e.run(ctx, "claim_funding", markets, func(t *tx) error {
		for _, token := range t.order {
			m := t.markets[token]
			for _, tok := range collateralTokens(m.Props) {
				amount := m.Funding.Claim(account, tok)
				if amount.Sign() == 0 {
					continue
				}
				t.move(tok, Vault(token), receiver, amount)
				if paid[token] == nil {
					paid[token] = make(map[model.Token]*big.Int)
				}
				paid[token][tok] = amount
				ev := model.NewEvent(model.EventFundingFeesClaimed, token, t.now).
					WithAttr("token", string(tok)).
					WithAttr("receiver", receiver).
					With("amount", amount)
				ev.Account = account
				t.emit(ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// ClaimFees pays a market's accumulated fee-receiver share to the
// configured fee receiver.
func (e *Engine) ClaimFees(ctx context.Context, token model.Token) (map[model.Token]*big.Int, error) {
	if e.cfg.FeeReceiver == "" {
		return nil, fmt.Errorf("%w: no fee receiver configured", model.ErrInvalidConfig)
	}
	paid := make(map[model.Token]*big.Int)
	err := e.run(ctx, "claim_fees", []model.Token{token}, func(t *tx) error {
		m, err := t.market(token)
		if err != nil {
			return err
		}
		for _, tok := range collateralTokens(m.Props) {
			amount := m.Pool.TakeClaimableFee(tok)
			if !fixed.IsPositive(amount) {
				continue
			}
			t.move(tok, Vault(token), e.cfg.FeeReceiver, amount)
			paid[tok] = amount
			t.emit(model.NewEvent(model.EventFeesClaimed, token, t.now).
				WithAttr("token", string(tok)).
				WithAttr("receiver", e.cfg.FeeReceiver).
				With("amount", amount))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// collateralTokens lists the distinct collateral tokens of a market.
func collateralTokens(p model.MarketProps) []model.Token {
	if p.IsSingleToken() {
		return []model.Token{p.LongToken}
	}
	return []model.Token{p.LongToken, p.ShortToken}
}
