package model

import "errors"

// Class groups failures by what happens to the action that produced them.
type Class int

const (
	// ClassRejected failures are detected before any effect is attempted.
	ClassRejected Class = iota
	// ClassCancelled failures depend on prices or liquidity; the attempt is
	// rolled back atomically.
	ClassCancelled
	// ClassFatal failures are invariant violations. They abort the action
	// and are never clamped.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRejected:
		return "rejected"
	case ClassCancelled:
		return "cancelled"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified engine failure. Code is the machine-readable reason
// reported to order tooling.
type Error struct {
	Code  string
	Class Class
	// Retryable marks liquidity- or price-dependent failures that freeze a
	// limit order instead of cancelling it.
	Retryable bool
}

func (e *Error) Error() string { return "perp: " + e.Code }

func rejected(code string) *Error  { return &Error{Code: code, Class: ClassRejected} }
func cancelled(code string) *Error { return &Error{Code: code, Class: ClassCancelled} }
func retryable(code string) *Error { return &Error{Code: code, Class: ClassCancelled, Retryable: true} }
func fatal(code string) *Error     { return &Error{Code: code, Class: ClassFatal} }

// Rejected before effect.
var (
	ErrInvalidOrder                  = rejected("InvalidOrder")
	ErrMarketNotFound                = rejected("MarketNotFound")
	ErrDuplicateMarket               = rejected("DuplicateMarket")
	ErrEmptyPosition                 = rejected("EmptyPosition")
	ErrInvalidCollateralToken        = rejected("InvalidCollateralToken")
	ErrInvalidPrice                  = rejected("InvalidPrice")
	ErrStalePrice                    = rejected("StalePrice")
	ErrMinPositionSize               = rejected("MinPositionSize")
	ErrInsufficientCollateralUsd     = rejected("InsufficientCollateralUsd")
	ErrInvalidDecreaseOrderSize      = rejected("InvalidDecreaseOrderSize")
	ErrEmptyDeposit                  = rejected("EmptyDeposit")
	ErrEmptyWithdrawal               = rejected("EmptyWithdrawal")
	ErrPositionShouldNotBeLiquidated = rejected("PositionShouldNotBeLiquidated")
	ErrAdlNotEnabled                 = rejected("AdlNotEnabled")
	ErrAdlNotRequired                = rejected("AdlNotRequired")
	ErrInvalidAdl                    = rejected("InvalidAdl")
	ErrInvalidConfig                 = rejected("InvalidConfig")
)

// Cancelled after attempt.
var (
	ErrOrderNotFulfillableAtAcceptablePrice = retryable("OrderNotFulfillableAtAcceptablePrice")
	ErrPriceImpactLargerThanOrderSize       = cancelled("PriceImpactLargerThanOrderSize")
	ErrInsufficientReserve                  = retryable("InsufficientReserve")
	ErrMaxOpenInterestExceeded              = retryable("MaxOpenInterestExceeded")
	ErrMaxPoolAmountExceeded                = retryable("MaxPoolAmountExceeded")
	ErrInsufficientPoolAmount               = retryable("InsufficientPoolAmount")
	ErrUnableToGetBorrowingFactorEmptyPool  = retryable("UnableToGetBorrowingFactorEmptyPoolUsd")
	ErrInsufficientSwapOutputAmount         = cancelled("InsufficientSwapOutputAmount")
	ErrSwapPriceImpactExceedsAmountIn       = cancelled("SwapPriceImpactExceedsAmountIn")
	ErrInsufficientMarketTokens             = cancelled("InsufficientMarketTokens")
	ErrLiquidatablePosition                 = cancelled("LiquidatablePosition")
	ErrInsufficientCollateralAmount         = cancelled("InsufficientCollateralAmount")
	ErrInsufficientFundsToPayForCosts       = cancelled("InsufficientFundsToPayForCosts")
	ErrMaxPnlFactorExceeded                 = cancelled("MaxPnlFactorExceeded")
	ErrInvalidPoolValue                     = cancelled("InvalidPoolValue")
	ErrTransferFailed                       = cancelled("TransferFailed")
)

// Fatal invariant violations.
var (
	ErrNegativePoolAmount       = fatal("NegativePoolAmount")
	ErrNegativeImpactPoolAmount = fatal("NegativeImpactPoolAmount")
	ErrInvariantViolation       = fatal("InvariantViolation")
)

// ClassOf classifies err. Unclassified errors are treated as fatal so they
// can never pass for a benign outcome.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassFatal
}

// ReasonOf returns the machine-readable code of err, or "Unknown".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "Unknown"
}

// IsRejected reports whether err was raised before any effect.
func IsRejected(err error) bool { return err != nil && ClassOf(err) == ClassRejected }

// IsCancelled reports whether err rolled back an attempted action.
func IsCancelled(err error) bool { return err != nil && ClassOf(err) == ClassCancelled }

// IsFatal reports whether err is an invariant violation.
func IsFatal(err error) bool { return err != nil && ClassOf(err) == ClassFatal }

// IsRetryable reports whether err depends on transient market conditions.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// Disposition tells the order collaborator what to do with a failed order.
type Disposition int

const (
	// DispositionNone means the order succeeded.
	DispositionNone Disposition = iota
	// DispositionCancel removes the order and returns its funds.
	DispositionCancel
	// DispositionFreeze keeps the order so its owner can adjust and retry.
	DispositionFreeze
)

func (d Disposition) String() string {
	switch d {
	case DispositionNone:
		return "none"
	case DispositionCancel:
		return "cancel"
	case DispositionFreeze:
		return "freeze"
	default:
		return "unknown"
	}
}

// DispositionFor decides between cancel and freeze. Market orders are always
// cancelled; limit orders freeze on retryable failures.
func DispositionFor(t OrderType, err error) Disposition {
	if err == nil {
		return DispositionNone
	}
	if t.IsMarket() || !IsRetryable(err) {
		return DispositionCancel
	}
	return DispositionFreeze
}
