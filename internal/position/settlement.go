package position

import (
	"math/big"
	"time"

	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
)

// settlement tracks the amounts owed to the trader while a decrease pays out
// profit and collects costs. The output is in the collateral token and the
// secondary output in the PnL token.
type settlement struct {
	m      *market.Market
	prices model.MarketPrices
	pos    *model.Position

	outputToken    model.Token
	outputPrice    model.Price
	secondaryToken model.Token
	secondaryPrice model.Price

	output     *big.Int
	secondary  *big.Int
	collateral *big.Int

	shortfallUsd *big.Int
	events       []model.Event
}

func newSettlement(m *market.Market, prices model.MarketPrices, pos *model.Position) *settlement {
	pnlToken := m.Props.PnlToken(pos.IsLong)
	outputPrice, _ := prices.ForToken(m.Props, pos.CollateralToken)
	secondaryPrice, _ := prices.ForToken(m.Props, pnlToken)
	return &settlement{
		m:              m,
		prices:         prices,
		pos:            pos,
		outputToken:    pos.CollateralToken,
		outputPrice:    outputPrice,
		secondaryToken: pnlToken,
		secondaryPrice: secondaryPrice,
		output:         new(big.Int),
		secondary:      new(big.Int),
		collateral:     fixed.Clone(pos.CollateralAmount),
		shortfallUsd:   new(big.Int),
	}
}

func (s *settlement) credit(t model.Token, amount *big.Int) {
	if t == s.outputToken {
		s.output.Add(s.output, amount)
		return
	}
	s.secondary.Add(s.secondary, amount)
}

func (s *settlement) takeFromPool(t model.Token, amount *big.Int) error {
	if held := s.m.Pool.PoolAmount.Get(t); amount.Cmp(held) > 0 {
		return wrap(model.ErrInsufficientPoolAmount, "%s wanted %s, pool holds %s", t, amount, held)
	}
	return s.m.ApplyPoolDelta(t, fixed.Neg(amount))
}

// collectProfit pays positive PnL and positive impact out of the pool in
// the PnL token.
func (s *settlement) collectProfit(pnlUsd, impactUsd *big.Int) error {
	if pnlUsd.Sign() > 0 {
		amount := fixed.Div(pnlUsd, s.secondaryPrice.Max, fixed.Down)
		if err := s.takeFromPool(s.secondaryToken, amount); err != nil {
			return err
		}
		s.credit(s.secondaryToken, amount)
	}
	if impactUsd.Sign() > 0 {
		deduction := fixed.RoundUpDiv(impactUsd, s.prices.Index.Min)
		if _, err := s.m.Pool.ApplyPositionImpactDelta(fixed.Neg(deduction)); err != nil {
			return err
		}
		amount := fixed.Div(impactUsd, s.secondaryPrice.Max, fixed.Down)
		if err := s.takeFromPool(s.secondaryToken, amount); err != nil {
			return err
		}
		s.credit(s.secondaryToken, amount)
	}
	return nil
}

type payment struct {
	collateral   *big.Int
	secondary    *big.Int
	shortfallUsd *big.Int
}

// pay deducts costUsd from the output, then the remaining collateral, then
// the secondary output. Whatever is left is returned as a USD shortfall.
func (s *settlement) pay(costUsd *big.Int) payment {
	pm := payment{collateral: new(big.Int), secondary: new(big.Int), shortfallUsd: new(big.Int)}
	if !fixed.IsPositive(costUsd) {
		return pm
	}
	remaining := fixed.RoundUpDiv(costUsd, s.outputPrice.Min)
	for _, src := range []*big.Int{s.output, s.collateral} {
		take := fixed.Clone(fixed.Min(remaining, src))
		src.Sub(src, take)
		pm.collateral.Add(pm.collateral, take)
		remaining.Sub(remaining, take)
	}
	if remaining.Sign() == 0 {
		return pm
	}
	remainingUsd := fixed.Mul(remaining, s.outputPrice.Min)
	if s.secondary.Sign() > 0 {
		need := fixed.RoundUpDiv(remainingUsd, s.secondaryPrice.Min)
		take := fixed.Clone(fixed.Min(need, s.secondary))
		s.secondary.Sub(s.secondary, take)
		pm.secondary = take
		remainingUsd = fixed.Mul(fixed.Sub(need, take), s.secondaryPrice.Min)
	}
	pm.shortfallUsd = remainingUsd
	return pm
}

func (s *settlement) toPool(pm payment) error {
	if pm.collateral.Sign() > 0 {
		if err := s.m.ApplyPoolDelta(s.outputToken, pm.collateral); err != nil {
			return err
		}
	}
	if pm.secondary.Sign() > 0 {
		if err := s.m.ApplyPoolDelta(s.secondaryToken, pm.secondary); err != nil {
			return err
		}
	}
	return nil
}

func (s *settlement) absorb(pm payment, insolventAllowed bool, what string) error {
	if pm.shortfallUsd.Sign() == 0 {
		return nil
	}
	if !insolventAllowed {
		return wrap(model.ErrInsufficientFundsToPayForCosts, "%s short by %s USD", what, fixed.ToDecimal(pm.shortfallUsd).StringFixed(2))
	}
	s.shortfallUsd.Add(s.shortfallUsd, pm.shortfallUsd)
	return nil
}

// payCosts runs the cost cascade: funding, then negative PnL, then fees,
// then negative impact. Funding shortfalls are reported and forgiven; other
// shortfalls fail the decrease unless an insolvent close is allowed.
func (s *settlement) payCosts(f *fees.PositionFees, pnlUsd, impactUsd *big.Int, insolventAllowed bool, orderID string, now time.Time) error {
	if amount := f.Funding.FundingFeeAmount; fixed.IsPositive(amount) {
		pm := s.pay(fixed.Mul(amount, s.outputPrice.Min))
		s.m.Funding.RecordPaid(s.outputToken, pm.collateral)
		if pm.secondary.Sign() > 0 {
			if err := s.m.ApplyPoolDelta(s.secondaryToken, pm.secondary); err != nil {
				return err
			}
		}
		if pm.shortfallUsd.Sign() > 0 {
			s.events = append(s.events, positionEvent(model.EventInsufficientFundingFeePayment, s.pos, orderID, now).
				With("funding_fee_amount", amount).
				With("collateral_paid", pm.collateral).
				With("secondary_paid", pm.secondary).
				With("shortfall_usd", pm.shortfallUsd))
		}
	}

	if pnlUsd.Sign() < 0 {
		pm := s.pay(fixed.Neg(pnlUsd))
		if err := s.toPool(pm); err != nil {
			return err
		}
		if err := s.absorb(pm, insolventAllowed, "pnl"); err != nil {
			return err
		}
	}

	pm := s.pay(fixed.Mul(f.TotalCostAmountExcludingFunding, s.outputPrice.Min))
	if pm.shortfallUsd.Sign() > 0 {
		if err := s.absorb(pm, insolventAllowed, "fees"); err != nil {
			return err
		}
		f.DropReceiverShare()
		if err := s.toPool(pm); err != nil {
			return err
		}
	} else {
		receiver := fixed.Clone(fixed.Min(f.FeeReceiverAmount, pm.collateral))
		if err := s.m.Pool.AddClaimableFee(s.outputToken, receiver); err != nil {
			return err
		}
		pm.collateral = fixed.Sub(pm.collateral, receiver)
		if err := s.toPool(pm); err != nil {
			return err
		}
	}

	if impactUsd.Sign() < 0 {
		cost := fixed.Neg(impactUsd)
		pm := s.pay(cost)
		if err := s.toPool(pm); err != nil {
			return err
		}
		if paid := fixed.Sub(cost, pm.shortfallUsd); paid.Sign() > 0 {
			if _, err := s.m.Pool.ApplyPositionImpactDelta(fixed.RoundUpDiv(paid, s.prices.Index.Min)); err != nil {
				return err
			}
		}
		if err := s.absorb(pm, insolventAllowed, "price impact"); err != nil {
			return err
		}
	}

	if s.shortfallUsd.Sign() > 0 {
		s.events = append(s.events, positionEvent(model.EventInsolventClose, s.pos, orderID, now).
			With("shortfall_usd", s.shortfallUsd))
	}
	return nil
}

// swapOutputs converts one output into the other token within the same
// market. A failed swap leaves both outputs as they were.
func (s *settlement) swapOutputs(t model.DecreaseSwapType, orderID string, now time.Time) {
	if s.outputToken == s.secondaryToken {
		return
	}
	switch t {
	case model.SwapPnlTokenToCollateralToken:
		if s.secondary.Sign() == 0 {
			return
		}
		if out, ok := s.trySwap(s.secondaryToken, s.secondary, orderID, now); ok {
			s.output.Add(s.output, out)
			s.secondary = new(big.Int)
		}
	case model.SwapCollateralTokenToPnlToken:
		if s.output.Sign() == 0 {
			return
		}
		if out, ok := s.trySwap(s.outputToken, s.output, orderID, now); ok {
			s.output = fixed.Add(out, s.secondary)
			s.secondary = new(big.Int)
			s.outputToken, s.secondaryToken = s.secondaryToken, s.outputToken
		}
	}
}

func (s *settlement) trySwap(tokenIn model.Token, amount *big.Int, orderID string, now time.Time) (*big.Int, bool) {
	var res market.SwapResult
	err := s.m.Try(func(trial *market.Market) error {
		var err error
		res, err = trial.Swap(s.prices, tokenIn, amount)
		return err
	})
	if err != nil {
		s.events = append(s.events, positionEvent(model.EventSwapUnableToSwap, s.pos, orderID, now).
			WithAttr("token_in", string(tokenIn)).
			WithAttr("reason", model.ReasonOf(err)).
			With("amount_in", amount))
		return nil, false
	}
	s.events = append(s.events, model.NewEvent(model.EventSwap, s.m.Token(), now).
		WithAttr("token_in", string(tokenIn)).
		WithAttr("token_out", string(res.TokenOut)).
		With("amount_in", amount).
		With("amount_out", res.AmountOut).
		With("price_impact_usd", res.PriceImpactUsd))
	return res.AmountOut, true
}
