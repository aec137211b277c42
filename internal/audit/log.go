package audit

import (
	"context"
	"errors"
	"time"

	"tradegate/internal/domain"
)

// ErrNotFound is returned when no order-history record exists for an ID.
var ErrNotFound = errors.New("audit: order not found")

// DefaultQueryLimit caps Query results when the filter gives no limit.
const DefaultQueryLimit = 500

// Filter selects audit events. Zero fields match everything; the time range
// is half-open [From, To).
type Filter struct {
	Account       string
	CorrelationID string
	OrderID       string
	Types         []EventType
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// HistoryFilter selects order-history records.
type HistoryFilter struct {
	Account string
	Symbol  string
	Status  domain.Status
	Limit   int
	Offset  int
}

// Log is the append-only audit store. There is no update or delete surface;
// Query returns events ordered by (timestamp, id) ascending, so repeated
// queries over an unchanged range are deterministic.
type Log interface {
	// Record appends one event, assigning its ID and timestamp if unset.
	// A failed Record means the event is not durable and must be treated as
	// an operation failure by the caller.
	Record(ctx context.Context, ev Event) error

	// Query returns events matching the filter.
	Query(ctx context.Context, f Filter) ([]Event, error)

	// OrderHistory returns the projected record for one order, or
	// ErrNotFound.
	OrderHistory(ctx context.Context, orderID string) (*OrderRecord, error)

	// ListOrderHistory returns projected records, newest first.
	ListOrderHistory(ctx context.Context, f HistoryFilter) ([]OrderRecord, error)

	Close() error
}

func (f Filter) matches(ev Event) bool {
	if f.Account != "" && ev.Account != f.Account {
		return false
	}
	if f.CorrelationID != "" && ev.CorrelationID != f.CorrelationID {
		return false
	}
	if f.OrderID != "" && ev.OrderID != f.OrderID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !ev.Timestamp.Before(f.To) {
		return false
	}
	return true
}
