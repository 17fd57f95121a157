package model

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// EventKind names an observable engine outcome.
type EventKind string

const (
	EventMarketCreated                         EventKind = "MarketCreated"
	EventDeposit                               EventKind = "Deposit"
	EventWithdrawal                            EventKind = "Withdrawal"
	EventSwap                                  EventKind = "Swap"
	EventSwapUnableToSwap                      EventKind = "SwapUnableToSwap"
	EventPositionIncrease                      EventKind = "PositionIncrease"
	EventPositionDecrease                      EventKind = "PositionDecrease"
	EventPositionFeesCollected                 EventKind = "PositionFeesCollected"
	EventInsufficientFundingFeePayment         EventKind = "InsufficientFundingFeePayment"
	EventInsolventClose                        EventKind = "InsolventClose"
	EventOrderSizeDeltaAutoUpdated             EventKind = "OrderSizeDeltaAutoUpdated"
	EventOrderCollateralDeltaAmountAutoUpdated EventKind = "OrderCollateralDeltaAmountAutoUpdated"
	EventFundingFeesClaimed                    EventKind = "FundingFeesClaimed"
	EventFeesClaimed                           EventKind = "FeesClaimed"
	EventAdlStateUpdated                       EventKind = "AdlStateUpdated"
	EventPositionLiquidated                    EventKind = "PositionLiquidated"
)

// Event is an immutable record of something the engine did.
type Event struct {
	ID       string              `json:"id"`
	Kind     EventKind           `json:"kind"`
	Market   Token               `json:"market,omitempty"`
	Account  string              `json:"account,omitempty"`
	Position PositionKey         `json:"position,omitempty"`
	OrderID  string              `json:"order_id,omitempty"`
	Time     time.Time           `json:"time"`
	Values   map[string]*big.Int `json:"values,omitempty"`
	Attrs    map[string]string   `json:"attrs,omitempty"`
}

// NewEvent creates an event with a fresh ID.
func NewEvent(kind EventKind, market Token, at time.Time) Event {
	return Event{
		ID:     uuid.New().String(),
		Kind:   kind,
		Market: market,
		Time:   at,
		Values: make(map[string]*big.Int),
		Attrs:  make(map[string]string),
	}
}

// With records a numeric value and returns the event for chaining.
func (e Event) With(name string, v *big.Int) Event {
	e.Values[name] = cloneInt(v)
	return e
}

// WithAttr records a string attribute.
func (e Event) WithAttr(name, v string) Event {
	e.Attrs[name] = v
	return e
}

// ForPosition stamps the owner and key of p.
func (e Event) ForPosition(p *Position) Event {
	e.Account = p.Account
	e.Position = p.Key()
	return e
}

// Value returns a recorded value, or zero when absent.
func (e Event) Value(name string) *big.Int {
	if v, ok := e.Values[name]; ok {
		return v
	}
	return new(big.Int)
}

// FindEvent returns the first event of kind k.
func FindEvent(events []Event, k EventKind) (Event, bool) {
	for _, e := range events {
		if e.Kind == k {
			return e, true
		}
	}
	return Event{}, false
}
