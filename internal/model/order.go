package model

import (
	"fmt"
	"math/big"
	"time"
)

// OrderType is the kind of order handed to the engine for execution.
type OrderType int

const (
	MarketSwap OrderType = iota
	LimitSwap
	MarketIncrease
	LimitIncrease
	MarketDecrease
	LimitDecrease
	StopLossDecrease
	Liquidation
)

var orderTypeNames = map[OrderType]string{
	MarketSwap:       "MarketSwap",
	LimitSwap:        "LimitSwap",
	MarketIncrease:   "MarketIncrease",
	LimitIncrease:    "LimitIncrease",
	MarketDecrease:   "MarketDecrease",
	LimitDecrease:    "LimitDecrease",
	StopLossDecrease: "StopLossDecrease",
	Liquidation:      "Liquidation",
}

func (t OrderType) String() string {
	if s, ok := orderTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("OrderType(%d)", int(t))
}

// ParseOrderType resolves a name produced by String.
func ParseOrderType(s string) (OrderType, error) {
	for t, name := range orderTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, s)
}

// MarshalText implements encoding.TextMarshaler.
func (t OrderType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *OrderType) UnmarshalText(b []byte) error {
	v, err := ParseOrderType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// IsMarket reports whether the order executes at the current price.
func (t OrderType) IsMarket() bool {
	return t == MarketSwap || t == MarketIncrease || t == MarketDecrease || t == Liquidation
}

// IsSwap reports whether the order is a swap.
func (t OrderType) IsSwap() bool { return t == MarketSwap || t == LimitSwap }

// IsIncrease reports whether the order opens or grows a position.
func (t OrderType) IsIncrease() bool { return t == MarketIncrease || t == LimitIncrease }

// IsDecrease reports whether the order shrinks a position.
func (t OrderType) IsDecrease() bool {
	return t == MarketDecrease || t == LimitDecrease || t == StopLossDecrease || t == Liquidation
}

// DecreaseSwapType routes the outputs of a decrease.
type DecreaseSwapType int

const (
	NoSwap DecreaseSwapType = iota
	SwapPnlTokenToCollateralToken
	SwapCollateralTokenToPnlToken
)

func (s DecreaseSwapType) String() string {
	switch s {
	case NoSwap:
		return "NoSwap"
	case SwapPnlTokenToCollateralToken:
		return "SwapPnlTokenToCollateralToken"
	case SwapCollateralTokenToPnlToken:
		return "SwapCollateralTokenToPnlToken"
	default:
		return fmt.Sprintf("DecreaseSwapType(%d)", int(s))
	}
}

// Order is the immutable request handed over by the order collaborator.
type Order struct {
	ID       string    `json:"id"`
	Type     OrderType `json:"type"`
	Account  string    `json:"account"`
	Receiver string    `json:"receiver"`
	Market   Token     `json:"market"`

	InitialCollateralToken       Token    `json:"initial_collateral_token"`
	InitialCollateralDeltaAmount *big.Int `json:"initial_collateral_delta_amount"`
	SwapPath                     []Token  `json:"swap_path"`

	SizeDeltaUsd     *big.Int         `json:"size_delta_usd"`
	AcceptablePrice  *big.Int         `json:"acceptable_price"`
	MinOutputAmount  *big.Int         `json:"min_output_amount"`
	IsLong           bool             `json:"is_long"`
	DecreaseSwapType DecreaseSwapType `json:"decrease_swap_type"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ReceiverOrAccount returns the receiver, defaulting to the account.
func (o *Order) ReceiverOrAccount() string {
	if o.Receiver != "" {
		return o.Receiver
	}
	return o.Account
}

// Validate checks the shape of the order.
func (o *Order) Validate() error {
	if o.Account == "" {
		return fmt.Errorf("%w: account is required", ErrInvalidOrder)
	}
	if o.Type.IsSwap() {
		if len(o.SwapPath) == 0 {
			return fmt.Errorf("%w: swap requires a swap path", ErrInvalidOrder)
		}
	} else if o.Market == "" {
		return fmt.Errorf("%w: market is required", ErrInvalidOrder)
	}
	if o.SizeDeltaUsd != nil && o.SizeDeltaUsd.Sign() < 0 {
		return fmt.Errorf("%w: negative size delta", ErrInvalidOrder)
	}
	if o.InitialCollateralDeltaAmount != nil && o.InitialCollateralDeltaAmount.Sign() < 0 {
		return fmt.Errorf("%w: negative collateral delta", ErrInvalidOrder)
	}
	return nil
}
