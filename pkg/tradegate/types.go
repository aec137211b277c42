package tradegate

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Order vocabulary accepted by the gateway.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeMarket = "market"
	TypeLimit  = "limit"

	TIFDay = "day"
	TIFGTC = "gtc"
	TIFIOC = "ioc"
)

// Order lifecycle states reported by the gateway.
const (
	StatusSubmitted       = "submitted"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
	StatusRejected        = "rejected"
)

// Instrument identifies a tradable security.
type Instrument struct {
	Symbol   string `json:"symbol"`
	SecType  string `json:"sec_type,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// OrderSpec describes an order to preview or place.
type OrderSpec struct {
	Instrument     Instrument      `json:"instrument"`
	Side           string          `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Type           string          `json:"type"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	TimeInForce    string          `json:"time_in_force,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Order is a placed order as the gateway tracks it.
type Order struct {
	ID             string          `json:"id"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	Account        string          `json:"account"`
	Spec           OrderSpec       `json:"spec"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	BidSize   int64           `json:"bid_size"`
	AskSize   int64           `json:"ask_size"`
	Timestamp time.Time       `json:"timestamp"`
}

// Preview is the estimated outcome of an order that was not placed.
type Preview struct {
	Spec                OrderSpec       `json:"spec"`
	Quote               Quote           `json:"quote"`
	EstimatedPrice      decimal.Decimal `json:"estimated_price"`
	EstimatedValue      decimal.Decimal `json:"estimated_value"`
	EstimatedCommission decimal.Decimal `json:"estimated_commission"`
	Warnings            []string        `json:"warnings,omitempty"`
}

// Health is the liveness report.
type Health struct {
	Status  string    `json:"status"`
	Backend string    `json:"backend"`
	Time    time.Time `json:"time"`
}

// GatewayStatus is the gateway's operational summary.
type GatewayStatus struct {
	Backend        string `json:"backend"`
	Account        string `json:"account"`
	TradingEnabled bool   `json:"trading_enabled"`
	OrdersEnabled  bool   `json:"orders_enabled"`
	OpenOrders     int    `json:"open_orders"`
	TotalOrders    int    `json:"total_orders"`
}

// OrderRecord is one row of the gateway's order-history projection.
type OrderRecord struct {
	OrderID        string          `json:"order_id"`
	Account        string          `json:"account"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Type           string          `json:"type"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Event is one audit record. Payload is the event-type-specific JSON body.
type Event struct {
	ID            int64           `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Account       string          `json:"account"`
	OrderID       string          `json:"order_id,omitempty"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
}

// HistogramStats summarizes one latency series.
type HistogramStats struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Metrics is the gateway's metrics snapshot.
type Metrics struct {
	Counters   map[string]int64          `json:"counters"`
	Gauges     map[string]float64        `json:"gauges"`
	Histograms map[string]HistogramStats `json:"histograms"`
}

// OrdersFilter narrows the order-history listing. Zero fields match
// everything.
type OrdersFilter struct {
	Account string
	Symbol  string
	Status  string
	Limit   int
	Offset  int
}

func (f OrdersFilter) values() url.Values {
	q := url.Values{}
	if f.Account != "" {
		q.Set("account", f.Account)
	}
	if f.Symbol != "" {
		q.Set("symbol", f.Symbol)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	return q
}

// EventsFilter narrows audit event queries. The time range is half-open
// [From, To).
type EventsFilter struct {
	Account       string
	CorrelationID string
	OrderID       string
	Types         []string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

func (f EventsFilter) values() url.Values {
	q := url.Values{}
	if f.Account != "" {
		q.Set("account", f.Account)
	}
	if f.CorrelationID != "" {
		q.Set("correlation_id", f.CorrelationID)
	}
	if f.OrderID != "" {
		q.Set("order_id", f.OrderID)
	}
	for _, t := range f.Types {
		q.Add("type", t)
	}
	if !f.From.IsZero() {
		q.Set("from", f.From.Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		q.Set("to", f.To.Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	return q
}

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status        int
	Message       string
	CorrelationID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %s (status %d)", e.Message, e.Status)
}
