package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

// OrderRecord is one row of the order-history projection: the current shape
// of an order as derived purely from its audit events.
type OrderRecord struct {
	OrderID        string           `json:"order_id"`
	Account        string           `json:"account"`
	Symbol         string           `json:"symbol"`
	Side           domain.Side      `json:"side"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Type           domain.OrderType `json:"type"`
	LimitPrice     decimal.Decimal  `json:"limit_price"`
	Status         domain.Status    `json:"status"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal  `json:"avg_fill_price"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func (r *OrderRecord) clone() *OrderRecord {
	c := *r
	return &c
}

// applyEvent folds one event into the projection map. Both the incremental
// path (Record) and RebuildHistory run through this switch, so the two can
// never diverge. Events that name no order, and lifecycle events for orders
// the projection has not seen, are skipped.
func applyEvent(records map[string]*OrderRecord, ev Event) error {
	if ev.OrderID == "" {
		return nil
	}
	switch ev.Type {
	case EventOrderSubmit:
		var p OrderPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decoding %s payload: %w", ev.Type, err)
		}
		records[ev.OrderID] = &OrderRecord{
			OrderID:        ev.OrderID,
			Account:        ev.Account,
			Symbol:         p.Symbol,
			Side:           p.Side,
			Quantity:       p.Quantity,
			Type:           p.Type,
			LimitPrice:     p.LimitPrice,
			Status:         p.Status,
			FilledQuantity: decimal.Zero,
			AvgFillPrice:   decimal.Zero,
			CreatedAt:      ev.Timestamp,
			UpdatedAt:      ev.Timestamp,
		}
	case EventOrderFill:
		rec, ok := records[ev.OrderID]
		if !ok {
			return nil
		}
		var p FillPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decoding %s payload: %w", ev.Type, err)
		}
		rec.FilledQuantity = p.FilledQuantity
		rec.AvgFillPrice = p.AvgFillPrice
		rec.Status = p.Status
		rec.UpdatedAt = ev.Timestamp
	case EventOrderCancel:
		rec, ok := records[ev.OrderID]
		if !ok {
			return nil
		}
		var p CancelPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decoding %s payload: %w", ev.Type, err)
		}
		rec.FilledQuantity = p.FilledQuantity
		rec.AvgFillPrice = p.AvgFillPrice
		rec.Status = p.Status
		rec.UpdatedAt = ev.Timestamp
	case EventOrderReject:
		rec, ok := records[ev.OrderID]
		if !ok {
			return nil
		}
		rec.Status = domain.StatusRejected
		rec.UpdatedAt = ev.Timestamp
	}
	return nil
}
