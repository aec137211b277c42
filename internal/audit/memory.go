package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradegate/internal/domain"
)

// Compile-time interface check.
var _ Log = (*MemoryLog)(nil)

// MemoryLog keeps the audit log and its projection in memory. It backs tests
// and ephemeral runs (storage.backend "memory"); nothing survives a restart.
type MemoryLog struct {
	mu      sync.RWMutex
	events  []Event
	nextID  int64
	records map[string]*OrderRecord
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		nextID:  1,
		records: make(map[string]*OrderRecord),
	}
}

// Record appends the event and folds it into the projection.
func (l *MemoryLog) Record(_ context.Context, ev Event) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("audit: unknown event type %q", ev.Type)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.ID == 0 {
		ev.ID = l.nextID
	}
	if ev.ID >= l.nextID {
		l.nextID = ev.ID + 1
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := applyEvent(l.records, ev); err != nil {
		return err
	}
	l.events = append(l.events, ev)
	return nil
}

// Query returns matching events ordered by (timestamp, id).
func (l *MemoryLog) Query(_ context.Context, f Filter) ([]Event, error) {
	l.mu.RLock()
	var matched []Event
	for _, ev := range l.events {
		if f.matches(ev) {
			matched = append(matched, ev)
		}
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		}
		return matched[i].ID < matched[j].ID
	})

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if f.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// OrderHistory returns the projected record for one order.
func (l *MemoryLog) OrderHistory(_ context.Context, orderID string) (*OrderRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// ListOrderHistory returns projected records, newest first.
func (l *MemoryLog) ListOrderHistory(_ context.Context, f HistoryFilter) ([]OrderRecord, error) {
	l.mu.RLock()
	var matched []OrderRecord
	for _, rec := range l.records {
		if f.Account != "" && rec.Account != f.Account {
			continue
		}
		if f.Symbol != "" && rec.Symbol != f.Symbol {
			continue
		}
		if f.Status != domain.Status("") && rec.Status != f.Status {
			continue
		}
		matched = append(matched, *rec)
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].OrderID < matched[j].OrderID
	})

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if f.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Close is a no-op.
func (l *MemoryLog) Close() error { return nil }
