package apperrors

import (
	"context"
	"errors"
	"fmt"
)

// Standardized venue errors
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOrderRejected     = errors.New("order rejected")
	ErrOrderTimeout      = errors.New("order timeout")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrNetwork           = errors.New("network error")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrBelowMinimum      = errors.New("order below venue minimum")
	ErrPartialFill       = errors.New("order partially filled")
)

// Core errors
var (
	ErrDataUnavailable     = errors.New("data unavailable")
	ErrFilterRejected      = errors.New("filter rejected")
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
	ErrConfigInvalid       = errors.New("config invalid")
	ErrSymbolBusy          = errors.New("symbol busy")
)

// LegError ties a failure to the venue and leg it happened on
type LegError struct {
	Venue  string
	Symbol string
	Side   string
	Action string
	Err    error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("%s %s leg on %s for %s: %v", e.Action, e.Side, e.Venue, e.Symbol, e.Err)
}

func (e *LegError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOrderRejected) || errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidSymbol) || errors.Is(err, ErrBelowMinimum) {
		return false
	}
	return errors.Is(err, ErrOrderTimeout) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrDataUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
