// Package httpapi exposes the order gateway over REST: lifecycle operations
// on the engine, the audit log's query surface, and operational endpoints,
// all in JSON.
package httpapi

import (
	"time"

	"tradegate/internal/audit"
)

// healthResponse answers the liveness probe.
type healthResponse struct {
	Status  string    `json:"status"`
	Backend string    `json:"backend"`
	Time    time.Time `json:"time"`
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

// ordersEnabledRequest toggles the submission kill switch.
type ordersEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ordersResponse lists order-history records.
type ordersResponse struct {
	Orders []audit.OrderRecord `json:"orders"`
}

// orderHistoryResponse pairs one order's projected record with the raw
// audit events it was derived from.
type orderHistoryResponse struct {
	Record *audit.OrderRecord `json:"record"`
	Events []audit.Event      `json:"events"`
}

// eventsResponse lists raw audit events.
type eventsResponse struct {
	Events []audit.Event `json:"events"`
}
