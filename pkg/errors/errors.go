package apperrors

import "errors"

// Call-site errors: reported to the caller, the run continues.
var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownSymbol     = errors.New("unknown symbol")
	ErrAlreadyTerminal   = errors.New("order already terminal")
	ErrOrderNotFound     = errors.New("order not found")
)

// Fatal errors: the run aborts with a structured reason.
var (
	ErrDataGap         = errors.New("data gap")
	ErrClockRegression = errors.New("clock regression")
	ErrMalformedCandle = errors.New("malformed candle")
)

// Per-step soft failures: logged, the step produces no orders.
var (
	ErrStrategyUnavailable = errors.New("strategy service unavailable")
	ErrStrategyTimeout     = errors.New("strategy service timeout")
)

// ErrEngineInvariant marks a violated engine invariant. The run aborts and
// commits no further state.
var ErrEngineInvariant = errors.New("engine invariant violated")

// Fatal reports whether err ends the run regardless of the caller.
func Fatal(err error) bool {
	return errors.Is(err, ErrDataGap) ||
		errors.Is(err, ErrClockRegression) ||
		errors.Is(err, ErrMalformedCandle) ||
		errors.Is(err, ErrEngineInvariant)
}
