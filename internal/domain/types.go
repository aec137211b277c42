// Package domain holds the order vocabulary shared by every layer of the
// gateway: instruments, order specs, placed orders, quotes, and previews.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

// Order sides.
const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType selects the execution style of an order.
type OrderType string

// Order types.
const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce controls how long an order stays working at the broker.
type TimeInForce string

// Time-in-force values.
const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// Status is the lifecycle state of an order.
//
// The machine is monotonic: submitted may fill (partially or fully), cancel,
// or reject; partially_filled may keep filling or cancel; filled, cancelled,
// and rejected are terminal.
type Status string

// Order lifecycle states.
const (
	StatusSubmitted       Status = "submitted"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether an order in state s may move to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusSubmitted:
		switch next {
		case StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected:
			return true
		}
	case StatusPartiallyFilled:
		switch next {
		case StatusPartiallyFilled, StatusFilled, StatusCancelled:
			return true
		}
	}
	return false
}

// Instrument defaults applied by Normalize.
const (
	SecTypeStock    = "stock"
	DefaultCurrency = "USD"
)

// Instrument identifies a tradable security. Routing is the broker's concern;
// Exchange is advisory.
type Instrument struct {
	Symbol   string `json:"symbol"`
	SecType  string `json:"sec_type,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// Normalize uppercases the symbol and fills defaults for empty fields.
func (i Instrument) Normalize() Instrument {
	i.Symbol = strings.ToUpper(strings.TrimSpace(i.Symbol))
	if i.SecType == "" {
		i.SecType = SecTypeStock
	}
	if i.Currency == "" {
		i.Currency = DefaultCurrency
	}
	return i
}

// OrderSpec is a request to trade: everything needed to place an order,
// before the gateway has assigned it an identity.
type OrderSpec struct {
	Instrument     Instrument      `json:"instrument"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Type           OrderType       `json:"type"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	TimeInForce    TimeInForce     `json:"time_in_force,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Normalize returns the spec with its instrument normalized and the
// time-in-force defaulted to day.
func (s OrderSpec) Normalize() OrderSpec {
	s.Instrument = s.Instrument.Normalize()
	if s.TimeInForce == "" {
		s.TimeInForce = TIFDay
	}
	return s
}

// Validate checks the spec for placement. It returns a *ValidationError
// naming the offending field, or nil.
func (s OrderSpec) Validate() error {
	if s.Instrument.Symbol == "" {
		return &ValidationError{Field: "instrument.symbol", Reason: "required"}
	}
	switch s.Side {
	case SideBuy, SideSell:
	default:
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", s.Side)}
	}
	if !s.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	switch s.Type {
	case OrderTypeMarket:
		if !s.LimitPrice.IsZero() {
			return &ValidationError{Field: "limit_price", Reason: "not allowed on market orders"}
		}
	case OrderTypeLimit:
		if !s.LimitPrice.IsPositive() {
			return &ValidationError{Field: "limit_price", Reason: "must be positive for limit orders"}
		}
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown order type %q", s.Type)}
	}
	switch s.TimeInForce {
	case TIFDay, TIFGTC, TIFIOC:
	default:
		return &ValidationError{Field: "time_in_force", Reason: fmt.Sprintf("unknown time in force %q", s.TimeInForce)}
	}
	return nil
}

// Equal reports whether two specs describe the same order. The idempotency
// key is excluded: it names a submission attempt, not the order itself.
func (s OrderSpec) Equal(o OrderSpec) bool {
	a, b := s.Normalize(), o.Normalize()
	return a.Instrument == b.Instrument &&
		a.Side == b.Side &&
		a.Quantity.Equal(b.Quantity) &&
		a.Type == b.Type &&
		a.LimitPrice.Equal(b.LimitPrice) &&
		a.TimeInForce == b.TimeInForce
}

// Order is a placed order as the gateway tracks it. ID is assigned by the
// gateway exactly once, at placement; BrokerOrderID is the broker's handle.
type Order struct {
	ID             string          `json:"id"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	Account        string          `json:"account"`
	Spec           OrderSpec       `json:"spec"`
	Status         Status          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Spec.Quantity.Sub(o.FilledQuantity)
}

// Clone returns a copy safe to hand outside the owning registry. All fields
// are values or immutable, so a shallow copy suffices.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Quote is a top-of-book snapshot for one instrument.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	BidSize   int64           `json:"bid_size"`
	AskSize   int64           `json:"ask_size"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mid returns the bid/ask midpoint, falling back to Last when either side is
// missing.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return q.Last
}

// Touch returns the quote side a marketable order of the given side would
// trade against: the ask for buys, the bid for sells.
func (q Quote) Touch(side Side) decimal.Decimal {
	if side == SideBuy {
		return q.Ask
	}
	return q.Bid
}

// Preview is the estimated outcome of an order that was not placed. No order
// ID exists at preview time.
type Preview struct {
	Spec                OrderSpec       `json:"spec"`
	Quote               Quote           `json:"quote"`
	EstimatedPrice      decimal.Decimal `json:"estimated_price"`
	EstimatedValue      decimal.Decimal `json:"estimated_value"`
	EstimatedCommission decimal.Decimal `json:"estimated_commission"`
	Warnings            []string        `json:"warnings,omitempty"`
}
