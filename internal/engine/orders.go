package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/risk"
)

// OrderResult reports an executed or failed order. On failure Disposition
// tells the order collaborator whether to cancel or freeze it.
type OrderResult struct {
	OrderID     string            `json:"order_id"`
	Type        model.OrderType   `json:"type"`
	Disposition model.Disposition `json:"-"`
	Reason      string            `json:"reason,omitempty"`

	Position       *model.Position `json:"position,omitempty"`
	ExecutionPrice *big.Int        `json:"execution_price,omitempty"`

	OutputToken           model.Token `json:"output_token,omitempty"`
	OutputAmount          *big.Int    `json:"output_amount,omitempty"`
	SecondaryOutputToken  model.Token `json:"secondary_output_token,omitempty"`
	SecondaryOutputAmount *big.Int    `json:"secondary_output_amount,omitempty"`

	Events []model.Event `json:"events"`
}

// ExecuteOrder executes o atomically at the current oracle prices.
func (e *Engine) ExecuteOrder(ctx context.Context, o model.Order) (OrderResult, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	res := OrderResult{OrderID: o.ID, Type: o.Type}
	err := o.Validate()
	if err == nil {
		err = e.run(ctx, "order:"+o.Type.String(), orderMarkets(o), func(t *tx) error {
			var err error
			switch {
			case o.Type.IsSwap():
				err = t.executeSwap(o, &res)
			case o.Type.IsIncrease():
				err = t.executeIncrease(o, &res)
			case o.Type == model.Liquidation:
				err = t.executeLiquidation(o, &res)
			case o.Type.IsDecrease():
				err = t.executeDecrease(o, &res)
			default:
				err = fmt.Errorf("%w: unsupported type %s", model.ErrInvalidOrder, o.Type)
			}
			res.Events = t.events
			return err
		})
	}
	if err != nil {
		res = OrderResult{OrderID: o.ID, Type: o.Type}
		res.Disposition = model.DispositionFor(o.Type, err)
		res.Reason = model.ReasonOf(err)
		attrs := []any{"order", o.ID, "type", o.Type.String(), "market", o.Market, "account", o.Account, "reason", res.Reason}
		switch {
		case model.IsFatal(err):
			// Logged by observe.
		case res.Disposition == model.DispositionFreeze:
			e.log.Warn("order frozen", attrs...)
		default:
			e.log.Info("order cancelled", attrs...)
		}
		return res, err
	}
	e.log.Info("order executed", "order", o.ID, "type", o.Type.String(), "market", o.Market, "account", o.Account)
	return res, nil
}

func orderMarkets(o model.Order) []model.Token {
	tokens := append([]model.Token(nil), o.SwapPath...)
	if o.Market != "" {
		tokens = append(tokens, o.Market)
	}
	return tokens
}

func (t *tx) executeSwap(o model.Order, res *OrderResult) error {
	if err := validatePath(o.SwapPath); err != nil {
		return err
	}
	t.move(o.InitialCollateralToken, o.Account, Vault(o.SwapPath[0]), o.InitialCollateralDeltaAmount)
	out, err := t.swapPath(o.InitialCollateralToken, fixed.OrZero(o.InitialCollateralDeltaAmount), o.SwapPath, o.ID)
	if err != nil {
		return err
	}
	if out.amount.Cmp(fixed.OrZero(o.MinOutputAmount)) < 0 {
		return fmt.Errorf("%w: got %s %s, want %s", model.ErrInsufficientSwapOutputAmount, out.amount, out.token, o.MinOutputAmount)
	}
	t.move(out.token, out.vault, o.ReceiverOrAccount(), out.amount)
	res.OutputToken, res.OutputAmount = out.token, out.amount
	return nil
}

// executeIncrease swaps the initial collateral along the path, moves it into
// the position's market and grows the position.
func (t *tx) executeIncrease(o model.Order, res *OrderResult) error {
	m, err := t.market(o.Market)
	if err != nil {
		return err
	}
	vault := Vault(o.Market)
	collateral, amount := o.InitialCollateralToken, fixed.OrZero(o.InitialCollateralDeltaAmount)
	if len(o.SwapPath) > 0 && amount.Sign() > 0 {
		if err := validatePath(o.SwapPath); err != nil {
			return err
		}
		t.move(collateral, o.Account, Vault(o.SwapPath[0]), amount)
		out, err := t.swapPath(collateral, amount, o.SwapPath, o.ID)
		if err != nil {
			return err
		}
		t.move(out.token, out.vault, vault, out.amount)
		collateral, amount = out.token, out.amount
	} else {
		t.move(collateral, o.Account, vault, amount)
	}
	if !m.Props.IsCollateral(collateral) {
		return fmt.Errorf("%w: %s not in market %s", model.ErrInvalidCollateralToken, collateral, o.Market)
	}

	key := model.KeyOf(o.Account, o.Market, collateral, o.IsLong)
	pos, err := t.position(key)
	if err != nil {
		return err
	}
	if pos == nil {
		pos = model.NewPosition(o.Account, o.Market, collateral, o.IsLong)
	}
	prices, err := t.pricesFor(m)
	if err != nil {
		return err
	}
	r, err := position.Increase(m, prices, pos, position.IncreaseParams{
		OrderID:               o.ID,
		CollateralDeltaAmount: amount,
		SizeDeltaUsd:          fixed.OrZero(o.SizeDeltaUsd),
		AcceptablePrice:       o.AcceptablePrice,
	}, t.now)
	if err != nil {
		return err
	}
	t.putPosition(r.Position)
	t.emit(r.Events...)
	res.Position, res.ExecutionPrice = r.Position, r.ExecutionPrice
	return nil
}

// executeDecrease shrinks the position, optionally swaps the primary output
// along the path and pays the outputs to the receiver.
func (t *tx) executeDecrease(o model.Order, res *OrderResult) error {
	m, err := t.market(o.Market)
	if err != nil {
		return err
	}
	key := model.KeyOf(o.Account, o.Market, o.InitialCollateralToken, o.IsLong)
	pos, err := t.position(key)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("%w: %s", model.ErrEmptyPosition, key)
	}
	prices, err := t.pricesFor(m)
	if err != nil {
		return err
	}
	r, err := position.Decrease(m, prices, pos, position.DecreaseParams{
		OrderID:               o.ID,
		OrderType:             o.Type,
		SizeDeltaUsd:          fixed.OrZero(o.SizeDeltaUsd),
		CollateralDeltaAmount: fixed.OrZero(o.InitialCollateralDeltaAmount),
		AcceptablePrice:       o.AcceptablePrice,
		SwapType:              o.DecreaseSwapType,
	}, t.now)
	if err != nil {
		return err
	}
	t.putPosition(r.Position)
	t.emit(r.Events...)

	receiver := o.ReceiverOrAccount()
	vault := Vault(o.Market)
	outToken, outAmount, from := r.OutputToken, fixed.OrZero(r.OutputAmount), vault
	if len(o.SwapPath) > 0 && outAmount.Sign() > 0 {
		if err := validatePath(o.SwapPath); err != nil {
			return err
		}
		t.move(outToken, vault, Vault(o.SwapPath[0]), outAmount)
		out, err := t.swapPath(outToken, outAmount, o.SwapPath, o.ID)
		if err != nil {
			return err
		}
		outToken, outAmount, from = out.token, out.amount, out.vault
	}
	if !fixed.IsZero(o.MinOutputAmount) {
		total := fixed.Clone(outAmount)
		if r.SecondaryOutputToken == outToken {
			total.Add(total, fixed.OrZero(r.SecondaryOutputAmount))
		}
		if total.Cmp(o.MinOutputAmount) < 0 {
			return fmt.Errorf("%w: got %s %s, want %s", model.ErrInsufficientSwapOutputAmount, total, outToken, o.MinOutputAmount)
		}
	}
	t.move(outToken, from, receiver, outAmount)
	t.move(r.SecondaryOutputToken, vault, receiver, r.SecondaryOutputAmount)

	res.Position, res.ExecutionPrice = r.Position, r.ExecutionPrice
	res.OutputToken, res.OutputAmount = outToken, outAmount
	res.SecondaryOutputToken, res.SecondaryOutputAmount = r.SecondaryOutputToken, r.SecondaryOutputAmount
	return nil
}

func (t *tx) executeLiquidation(o model.Order, res *OrderResult) error {
	key := model.KeyOf(o.Account, o.Market, o.InitialCollateralToken, o.IsLong)
	l, err := t.liquidate(key, o.ID)
	if err != nil {
		return err
	}
	res.Position, res.ExecutionPrice = l.Position, l.ExecutionPrice
	res.OutputToken, res.OutputAmount = l.OutputToken, l.OutputAmount
	res.SecondaryOutputToken, res.SecondaryOutputAmount = l.SecondaryOutputToken, l.SecondaryOutputAmount
	return nil
}

// liquidate closes the position at key when it is liquidatable and pays
// what remains to its owner.
func (t *tx) liquidate(key model.PositionKey, orderID string) (risk.Liquidation, error) {
	pos, err := t.position(key)
	if err != nil {
		return risk.Liquidation{}, err
	}
	if pos == nil {
		return risk.Liquidation{}, fmt.Errorf("%w: %s", model.ErrEmptyPosition, key)
	}
	m, err := t.market(pos.Market)
	if err != nil {
		return risk.Liquidation{}, err
	}
	prices, err := t.pricesFor(m)
	if err != nil {
		return risk.Liquidation{}, err
	}
	l, err := risk.Liquidate(m, prices, pos, orderID, t.now)
	if err != nil {
		return l, err
	}
	t.putPosition(l.Position)
	t.emit(l.Events...)
	t.payOutputs(l.DecreaseResult, pos.Account)
	return l, nil
}

// payOutputs pays a forced decrease's outputs from the market vault.
func (t *tx) payOutputs(r position.DecreaseResult, to string) {
	vault := Vault(r.Position.Market)
	t.move(r.OutputToken, vault, to, r.OutputAmount)
	t.move(r.SecondaryOutputToken, vault, to, r.SecondaryOutputAmount)
}
