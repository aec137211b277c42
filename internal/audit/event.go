// Package audit records every gateway action in an append-only log and
// derives the order-history projection from it. The log is the durable
// record: the engine's in-memory registry can always be explained by, and the
// projection rebuilt from, the events here.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

// EventType classifies an audit event.
type EventType string

// Audit event types. Lifecycle events (SUBMIT, FILL, CANCEL, REJECT) describe
// order transitions; PREVIEW records estimates; ERROR records failed
// operations that produced no transition.
const (
	EventOrderPreview EventType = "ORDER_PREVIEW"
	EventOrderSubmit  EventType = "ORDER_SUBMIT"
	EventOrderFill    EventType = "ORDER_FILL"
	EventOrderCancel  EventType = "ORDER_CANCEL"
	EventOrderReject  EventType = "ORDER_REJECT"
	EventOrderError   EventType = "ORDER_ERROR"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventOrderPreview, EventOrderSubmit, EventOrderFill,
		EventOrderCancel, EventOrderReject, EventOrderError:
		return true
	}
	return false
}

// Event is one audit record. ID and Timestamp are assigned by the log when
// zero; OrderID is empty for events that concern no placed order (previews,
// pre-placement failures).
type Event struct {
	ID            int64           `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Account       string          `json:"account"`
	OrderID       string          `json:"order_id,omitempty"`
	Type          EventType       `json:"type"`
	Payload       json.RawMessage `json:"payload"`
}

// New builds an event with its payload marshaled. The zero ID and Timestamp
// are filled in by the log on Record.
func New(typ EventType, correlationID, account, orderID string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling %s payload: %w", typ, err)
	}
	return Event{
		CorrelationID: correlationID,
		Account:       account,
		OrderID:       orderID,
		Type:          typ,
		Payload:       raw,
	}, nil
}

// ---------------------------------------------------------------------------
// Payload schemas
// ---------------------------------------------------------------------------

// OrderPayload snapshots an order spec (and, once placed, its state) at a
// lifecycle edge. Carried by ORDER_SUBMIT and embedded in ORDER_REJECT.
type OrderPayload struct {
	Symbol         string             `json:"symbol"`
	SecType        string             `json:"sec_type,omitempty"`
	Side           domain.Side        `json:"side"`
	Quantity       decimal.Decimal    `json:"quantity"`
	Type           domain.OrderType   `json:"type"`
	LimitPrice     decimal.Decimal    `json:"limit_price"`
	TimeInForce    domain.TimeInForce `json:"time_in_force,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	BrokerOrderID  string             `json:"broker_order_id,omitempty"`
	Status         domain.Status      `json:"status,omitempty"`
}

// OrderPayloadFrom snapshots a placed order.
func OrderPayloadFrom(o *domain.Order) OrderPayload {
	return OrderPayload{
		Symbol:         o.Spec.Instrument.Symbol,
		SecType:        o.Spec.Instrument.SecType,
		Side:           o.Spec.Side,
		Quantity:       o.Spec.Quantity,
		Type:           o.Spec.Type,
		LimitPrice:     o.Spec.LimitPrice,
		TimeInForce:    o.Spec.TimeInForce,
		IdempotencyKey: o.Spec.IdempotencyKey,
		BrokerOrderID:  o.BrokerOrderID,
		Status:         o.Status,
	}
}

// SpecPayload snapshots a spec that never became an order.
func SpecPayload(spec domain.OrderSpec) OrderPayload {
	return OrderPayload{
		Symbol:         spec.Instrument.Symbol,
		SecType:        spec.Instrument.SecType,
		Side:           spec.Side,
		Quantity:       spec.Quantity,
		Type:           spec.Type,
		LimitPrice:     spec.LimitPrice,
		TimeInForce:    spec.TimeInForce,
		IdempotencyKey: spec.IdempotencyKey,
	}
}

// FillPayload describes one execution. Cumulative fields carry the order's
// state after the fill so the projection can be updated without a read.
type FillPayload struct {
	FillQuantity   decimal.Decimal `json:"fill_quantity"`
	FillPrice      decimal.Decimal `json:"fill_price"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Status         domain.Status   `json:"status"`
}

// CancelPayload describes a confirmed cancellation; RemainingVoided is the
// quantity that will never fill.
type CancelPayload struct {
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	RemainingVoided decimal.Decimal `json:"remaining_voided"`
	Status          domain.Status   `json:"status"`
}

// RejectPayload describes a broker rejection, synchronous (no order ID) or
// discovered on reconciliation (order ID set).
type RejectPayload struct {
	OrderPayload
	Reason string `json:"reason"`
}

// PreviewPayload records an estimate, or the failure to produce one.
type PreviewPayload struct {
	Symbol              string           `json:"symbol"`
	Side                domain.Side      `json:"side"`
	Quantity            decimal.Decimal  `json:"quantity"`
	Type                domain.OrderType `json:"type"`
	LimitPrice          decimal.Decimal  `json:"limit_price"`
	EstimatedPrice      decimal.Decimal  `json:"estimated_price"`
	EstimatedValue      decimal.Decimal  `json:"estimated_value"`
	EstimatedCommission decimal.Decimal  `json:"estimated_commission"`
	Warnings            []string         `json:"warnings,omitempty"`
	Outcome             string           `json:"outcome"` // "ok" or "error"
	Error               string           `json:"error,omitempty"`
}

// ErrorPayload records a failed operation: what was attempted and how it
// failed.
type ErrorPayload struct {
	Op    string `json:"op"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}
