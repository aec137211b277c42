// Package broker defines the Session interface over a single brokerage
// connection and provides the real (Alpaca) and simulated implementations,
// plus the pipeline that serializes every call onto one session.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

// Session abstracts one live brokerage connection. Implementations are
// synchronous and need not be safe for concurrent use: the gateway drives
// every session through a Pipeline, which guarantees at most one call in
// flight.
//
// A submission the venue refuses outright is signalled with a *RejectError,
// never with a rejected SubmitResult.
type Session interface {
	// Name returns the backend identifier (e.g. "alpaca", "sim").
	Name() string

	// Ping verifies the session is usable.
	Ping(ctx context.Context) error

	// Quote returns a top-of-book snapshot for the instrument.
	Quote(ctx context.Context, ins domain.Instrument) (domain.Quote, error)

	// Submit places an order and reports the broker's order ID plus any
	// execution that happened synchronously.
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)

	// Cancel requests cancellation of an open order by its broker ID.
	Cancel(ctx context.Context, brokerOrderID string) (CancelResult, error)

	// Status reports the broker-side state of an order by its broker ID.
	Status(ctx context.Context, brokerOrderID string) (StatusReport, error)
}

// SubmitRequest carries an order to the broker. ClientOrderID is the
// gateway's own order ID, passed through so a submission whose reply was
// lost can still be identified broker-side.
type SubmitRequest struct {
	ClientOrderID string
	Account       string
	Spec          domain.OrderSpec
}

// SubmitResult reports a successful submission. Filled quantity and average
// price are cumulative; a fully synchronous fill arrives here with Status
// filled.
type SubmitResult struct {
	BrokerOrderID  string
	Status         domain.Status
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
}

// CancelResult reports the outcome of a cancel request. Cancelled is false
// when the order completed before the cancel could take effect; the
// cumulative fill fields let the caller account for executions that raced
// the cancel.
type CancelResult struct {
	Cancelled      bool
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
}

// StatusReport is the broker-side view of an order, with fills reported
// cumulatively. Reason is set when Status is rejected.
type StatusReport struct {
	BrokerOrderID  string
	Status         domain.Status
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Reason         string
}
