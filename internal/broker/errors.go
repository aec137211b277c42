package broker

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every Session implementation. The engine maps
// these onto its own error taxonomy, so new session backends should return
// them (or wrap them) rather than invent parallel conditions.
var (
	// ErrUnavailable means the broker could not be reached or refused the
	// connection. The operation may be retried.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrTimeout means the call did not complete within the pipeline's
	// deadline. The underlying operation may still finish broker-side.
	ErrTimeout = errors.New("broker call timed out")

	// ErrOrderNotFound means the broker has no order with the given ID.
	ErrOrderNotFound = errors.New("order not found at broker")

	// ErrClosed means the pipeline has been shut down.
	ErrClosed = errors.New("broker pipeline closed")
)

// RejectError is returned when the broker actively refuses an operation,
// as opposed to failing to perform it. A rejected submission is final and
// must not be retried unchanged.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("broker rejected order: %s", e.Reason)
}
