package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by engine operations. Broker-side failures
// (unavailable, timeout, reject) pass through from the broker package
// unchanged.
var (
	// ErrOrderNotFound means the gateway has no order with the given ID.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderNotCancellable means the order is already in a terminal
	// state, or completed before the cancel took effect.
	ErrOrderNotCancellable = errors.New("order not cancellable")

	// ErrTradingDisabled means the gateway is configured with trading off.
	ErrTradingDisabled = errors.New("trading is disabled")

	// ErrOrdersDisabled means new submissions are administratively paused.
	// Cancels and reads still work.
	ErrOrdersDisabled = errors.New("order submission is disabled")
)

// DuplicateSubmissionError is returned when an idempotency key is reused
// with a different order spec. Replaying the identical spec is not an
// error; it returns the existing order.
type DuplicateSubmissionError struct {
	Key             string
	ExistingOrderID string
}

func (e *DuplicateSubmissionError) Error() string {
	return fmt.Sprintf("idempotency key %q already used by order %s with a different spec", e.Key, e.ExistingOrderID)
}
