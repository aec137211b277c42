// Package engine owns the order lifecycle: placement, cancellation and
// status reconciliation against a single broker session, with every
// transition written to the audit log before it becomes visible in the
// in-memory order registry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/correlation"
	"tradegate/internal/domain"
	"tradegate/internal/metrics"
)

// Options configures an Engine.
type Options struct {
	// Account tags every order and audit event.
	Account string
	// TradingEnabled gates all trading operations. When false the gateway
	// only serves reads.
	TradingEnabled bool
	// OrdersEnabled is the initial state of the runtime submission gate.
	OrdersEnabled bool
	// CommissionPerShare and MinCommission drive preview estimates.
	CommissionPerShare decimal.Decimal
	MinCommission      decimal.Decimal
	// StaleQuoteAfter marks preview quotes older than this with a warning.
	StaleQuoteAfter time.Duration
}

// Engine coordinates the order lifecycle across the broker pipeline, the
// audit log and the in-memory registry. Orders reach the registry only
// after their events are durably recorded, so the registry can always be
// explained by the log.
type Engine struct {
	pipeline *broker.Pipeline
	auditLog audit.Log
	reg      *metrics.Registry
	log      *slog.Logger

	account         string
	tradingEnabled  bool
	staleQuoteAfter time.Duration
	costs           CostModel

	ordersEnabled atomic.Bool

	// commitMu serializes every order mutation together with its audit
	// write, so the log's per-order event sequence matches what happened.
	commitMu sync.Mutex

	mu      sync.RWMutex
	orders  map[string]*domain.Order
	byKey   map[string]string // idempotency key -> committed order ID
	pending map[string]string // idempotency key -> order ID awaiting broker outcome

	placing singleflight.Group
}

// New wires an engine. The pipeline is owned by the engine from here on;
// Close releases it.
func New(pipeline *broker.Pipeline, auditLog audit.Log, reg *metrics.Registry, log *slog.Logger, opts Options) *Engine {
	e := &Engine{
		pipeline:        pipeline,
		auditLog:        auditLog,
		reg:             reg,
		log:             log.With("component", "engine"),
		account:         opts.Account,
		tradingEnabled:  opts.TradingEnabled,
		staleQuoteAfter: opts.StaleQuoteAfter,
		costs: CostModel{
			CommissionPerShare: opts.CommissionPerShare,
			MinCommission:      opts.MinCommission,
		},
		orders:  make(map[string]*domain.Order),
		byKey:   make(map[string]string),
		pending: make(map[string]string),
	}
	e.ordersEnabled.Store(opts.OrdersEnabled)
	reg.Gauge("orders_open").Set(0)
	reg.Gauge("orders_accepting").Set(boolToGauge(opts.TradingEnabled && opts.OrdersEnabled))
	return e
}

// Account returns the account this gateway trades for.
func (e *Engine) Account() string { return e.account }

// Close shuts down the broker pipeline. In-flight work and its late
// callbacks finish first.
func (e *Engine) Close() {
	e.pipeline.Close()
}

// placeOutcome distinguishes a fresh submission from an idempotent replay
// inside the singleflight group.
type placeOutcome struct {
	order  *domain.Order
	replay bool
}

// Place submits a new order. With an idempotency key, replaying the same
// spec returns the existing order instead of submitting twice, and
// concurrent calls with the same key collapse into a single submission.
func (e *Engine) Place(ctx context.Context, corr correlation.Context, spec domain.OrderSpec) (o *domain.Order, err error) {
	start := time.Now()
	defer func() { e.observe("place", start, err) }()

	if err = e.gate(true); err != nil {
		e.recordError(ctx, corr, "place", "", err)
		return nil, err
	}
	spec = spec.Normalize()
	if err = spec.Validate(); err != nil {
		e.recordError(ctx, corr, "place", "", err)
		return nil, err
	}

	key := spec.IdempotencyKey
	if key == "" {
		// Keyless submissions are never deduplicated.
		return e.submit(ctx, corr, spec, "")
	}

	if prev, derr := e.replay(key, spec); prev != nil || derr != nil {
		if derr != nil {
			e.recordError(ctx, corr, "place", "", derr)
			return nil, derr
		}
		e.reg.Counter("orders_place_duplicate_total").Inc()
		return prev, nil
	}

	v, serr, shared := e.placing.Do(key, func() (any, error) {
		if prev, derr := e.replay(key, spec); prev != nil || derr != nil {
			return placeOutcome{order: prev, replay: true}, derr
		}
		placed, perr := e.submit(ctx, corr, spec, key)
		return placeOutcome{order: placed}, perr
	})
	if serr != nil {
		var dup *DuplicateSubmissionError
		if errors.As(serr, &dup) {
			e.recordError(ctx, corr, "place", "", serr)
		}
		return nil, serr
	}
	out, _ := v.(placeOutcome)
	if out.replay || shared {
		e.reg.Counter("orders_place_duplicate_total").Inc()
	}
	return out.order, nil
}

// replay resolves an idempotency key against committed and in-flight
// submissions: the existing order for an identical spec, a conflict error
// for a different spec, and a timeout for a submission whose broker
// outcome is still unknown.
func (e *Engine) replay(key string, spec domain.OrderSpec) (*domain.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if id, ok := e.byKey[key]; ok {
		existing := e.orders[id]
		if existing.Spec.Equal(spec) {
			return existing.Clone(), nil
		}
		return nil, &DuplicateSubmissionError{Key: key, ExistingOrderID: id}
	}
	if id, ok := e.pending[key]; ok {
		return nil, fmt.Errorf("%w: submission %s for key %q still awaiting broker outcome", broker.ErrTimeout, id, key)
	}
	return nil, nil
}

func (e *Engine) submit(ctx context.Context, corr correlation.Context, spec domain.OrderSpec, key string) (*domain.Order, error) {
	now := time.Now().UTC()
	pending := domain.Order{
		ID:        uuid.NewString(),
		Account:   e.account,
		Spec:      spec,
		Status:    domain.StatusSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if key != "" {
		e.mu.Lock()
		e.pending[key] = pending.ID
		e.mu.Unlock()
	}

	res, err := e.pipeline.Submit(ctx, broker.SubmitRequest{
		ClientOrderID: pending.ID,
		Account:       e.account,
		Spec:          spec,
	}, e.lateSubmit(corr, pending, key))
	if err != nil {
		return nil, e.submitFailed(ctx, corr, spec, key, err)
	}
	return e.commitSubmit(ctx, corr, pending, key, res)
}

// submitFailed sorts out a failed submission. Broker answers release the
// idempotency key immediately; timeouts leave it reserved until the late
// callback reports what actually happened.
func (e *Engine) submitFailed(ctx context.Context, corr correlation.Context, spec domain.OrderSpec, key string, err error) error {
	timedOut := errors.Is(err, broker.ErrTimeout) || errors.Is(err, context.Canceled)
	if !timedOut {
		e.clearPending(key)
	}
	var reject *broker.RejectError
	if errors.As(err, &reject) {
		e.record(ctx, audit.EventOrderReject, corr, "", audit.RejectPayload{
			OrderPayload: audit.SpecPayload(spec),
			Reason:       reject.Reason,
		})
		return err
	}
	e.recordError(ctx, corr, "place", "", err)
	return err
}

// lateSubmit handles a submission outcome that arrived after the caller
// stopped waiting. A successful submission is committed as if it had been
// on time, so a retried place with the same key converges on it.
func (e *Engine) lateSubmit(corr correlation.Context, pending domain.Order, key string) func(broker.SubmitResult, error) {
	return func(res broker.SubmitResult, err error) {
		ctx := context.Background()
		if err == nil {
			e.log.Warn("committing order after caller gave up", "orderID", pending.ID)
			if _, cerr := e.commitSubmit(ctx, corr, pending, key, res); cerr != nil {
				e.log.Error("late order commit failed", "orderID", pending.ID, "err", cerr)
			}
			return
		}
		e.clearPending(key)
		var reject *broker.RejectError
		switch {
		case errors.As(err, &reject):
			e.record(ctx, audit.EventOrderReject, corr, "", audit.RejectPayload{
				OrderPayload: audit.SpecPayload(pending.Spec),
				Reason:       reject.Reason,
			})
		case errors.Is(err, broker.ErrTimeout), errors.Is(err, context.Canceled):
			e.log.Warn("submission never reached the broker or its outcome is unknown", "orderID", pending.ID)
		default:
			e.recordError(ctx, corr, "place", "", err)
		}
	}
}

// commitSubmit makes an accepted submission durable and visible: the audit
// record first, then the registry. A synchronous fill arrives as a
// separate fill event on top of the submitted record.
func (e *Engine) commitSubmit(ctx context.Context, corr correlation.Context, pending domain.Order, key string, res broker.SubmitResult) (*domain.Order, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	pending.BrokerOrderID = res.BrokerOrderID
	pending.UpdatedAt = time.Now().UTC()

	if err := e.record(ctx, audit.EventOrderSubmit, corr, pending.ID, audit.OrderPayloadFrom(&pending)); err != nil {
		// Without a durable submit record the order does not exist to the
		// gateway. Release the key so a retry can run.
		e.clearPending(key)
		return nil, fmt.Errorf("recording order submission: %w", err)
	}

	e.mu.Lock()
	e.orders[pending.ID] = pending.Clone()
	if key != "" {
		e.byKey[key] = pending.ID
		delete(e.pending, key)
	}
	e.recalcOpenLocked()
	e.mu.Unlock()

	if _, err := e.applyReportLocked(ctx, corr, pending.ID, reported{
		status: res.Status,
		filled: res.FilledQuantity,
		avg:    res.AvgFillPrice,
	}); err != nil {
		e.log.Warn("applying synchronous fill failed", "orderID", pending.ID, "err", err)
	}
	return e.orderClone(pending.ID)
}

// Cancel asks the broker to cancel an open order. Fills that raced the
// cancel are applied first; if they completed the order, Cancel fails with
// ErrOrderNotCancellable and the order stands filled.
func (e *Engine) Cancel(ctx context.Context, corr correlation.Context, orderID string) (o *domain.Order, err error) {
	start := time.Now()
	defer func() { e.observe("cancel", start, err) }()

	if err = e.gate(false); err != nil {
		e.recordError(ctx, corr, "cancel", orderID, err)
		return nil, err
	}
	cur, err := e.orderClone(orderID)
	if err != nil {
		e.recordError(ctx, corr, "cancel", orderID, err)
		return nil, err
	}
	if cur.Status.Terminal() {
		err = fmt.Errorf("%w: order %s is %s", ErrOrderNotCancellable, orderID, cur.Status)
		e.recordError(ctx, corr, "cancel", orderID, err)
		return nil, err
	}

	res, err := e.pipeline.Cancel(ctx, cur.BrokerOrderID, e.lateCancel(corr, orderID))
	if err != nil {
		e.recordError(ctx, corr, "cancel", orderID, err)
		return nil, err
	}
	return e.commitCancel(ctx, corr, orderID, res)
}

func (e *Engine) commitCancel(ctx context.Context, corr correlation.Context, orderID string, res broker.CancelResult) (*domain.Order, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	rep := reported{filled: res.FilledQuantity, avg: res.AvgFillPrice}
	if res.Cancelled {
		rep.status = domain.StatusCancelled
	}
	o, err := e.applyReportLocked(ctx, corr, orderID, rep)
	if err != nil {
		return nil, err
	}
	if o.Status != domain.StatusCancelled {
		err = fmt.Errorf("%w: order %s completed before cancellation", ErrOrderNotCancellable, orderID)
		e.recordError(ctx, corr, "cancel", orderID, err)
		return nil, err
	}
	return o, nil
}

// lateCancel applies a cancel outcome that arrived after the caller gave
// up, so the registry still converges on what the broker did.
func (e *Engine) lateCancel(corr correlation.Context, orderID string) func(broker.CancelResult, error) {
	return func(res broker.CancelResult, err error) {
		if err != nil {
			return
		}
		e.log.Warn("applying cancel result after caller gave up", "orderID", orderID)
		if _, cerr := e.commitCancel(context.Background(), corr, orderID, res); cerr != nil && !errors.Is(cerr, ErrOrderNotCancellable) {
			e.log.Error("late cancel commit failed", "orderID", orderID, "err", cerr)
		}
	}
}

// Order returns one order. Open orders are reconciled against the broker
// first, so lazy fills and broker-side terminal transitions become
// visible; terminal orders answer from the registry alone. A failed
// reconcile surfaces its error rather than inventing state; the read is
// idempotent and safe to retry.
func (e *Engine) Order(ctx context.Context, corr correlation.Context, orderID string) (o *domain.Order, err error) {
	start := time.Now()
	defer func() { e.observe("status", start, err) }()

	cur, err := e.orderClone(orderID)
	if err != nil {
		e.recordError(ctx, corr, "status", orderID, err)
		return nil, err
	}
	if cur.Status.Terminal() {
		return cur, nil
	}

	rep, rerr := e.pipeline.Status(ctx, cur.BrokerOrderID)
	if rerr != nil {
		err = fmt.Errorf("reconciling order %s: %w", orderID, rerr)
		e.recordError(ctx, corr, "status", orderID, err)
		return nil, err
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	o, err = e.applyReportLocked(ctx, corr, orderID, reported{
		status: rep.Status,
		filled: rep.FilledQuantity,
		avg:    rep.AvgFillPrice,
		reason: rep.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("recording reconciled state for order %s: %w", orderID, err)
	}
	return o, nil
}

// Orders lists orders newest first. status filters the result: "" for
// all, "open" for non-terminal, or an exact status value.
func (e *Engine) Orders(status string) []*domain.Order {
	e.mu.RLock()
	list := make([]*domain.Order, 0, len(e.orders))
	for _, o := range e.orders {
		switch status {
		case "":
		case "open":
			if o.Status.Terminal() {
				continue
			}
		default:
			if string(o.Status) != status {
				continue
			}
		}
		list = append(list, o.Clone())
	}
	e.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// SetOrdersEnabled toggles acceptance of new submissions at runtime.
// Cancels and reads are unaffected.
func (e *Engine) SetOrdersEnabled(corr correlation.Context, enabled bool) {
	prev := e.ordersEnabled.Swap(enabled)
	e.reg.Gauge("orders_accepting").Set(boolToGauge(e.tradingEnabled && enabled))
	if prev != enabled {
		e.log.Info("order acceptance toggled", "enabled", enabled, "correlationID", corr.ID)
	}
}

// GatewayStatus is a point-in-time operational summary.
type GatewayStatus struct {
	Backend        string `json:"backend"`
	Account        string `json:"account"`
	TradingEnabled bool   `json:"trading_enabled"`
	OrdersEnabled  bool   `json:"orders_enabled"`
	OpenOrders     int    `json:"open_orders"`
	TotalOrders    int    `json:"total_orders"`
}

// Snapshot reports the gateway's operational state.
func (e *Engine) Snapshot() GatewayStatus {
	e.mu.RLock()
	total := len(e.orders)
	open := 0
	for _, o := range e.orders {
		if !o.Status.Terminal() {
			open++
		}
	}
	e.mu.RUnlock()

	return GatewayStatus{
		Backend:        e.pipeline.Name(),
		Account:        e.account,
		TradingEnabled: e.tradingEnabled,
		OrdersEnabled:  e.ordersEnabled.Load(),
		OpenOrders:     open,
		TotalOrders:    total,
	}
}

// ---------------------------------------------------------------------------
// Broker report application
// ---------------------------------------------------------------------------

// reported is a broker-side view of an order, with cumulative fills.
type reported struct {
	status domain.Status
	filled decimal.Decimal
	avg    decimal.Decimal
	reason string
}

// applyReportLocked folds a broker report into an order: one audit event
// per change (a fill, then a terminal transition), with the registry
// updated only after each event is durable. Fills never regress and
// terminal states never change. The caller holds commitMu.
func (e *Engine) applyReportLocked(ctx context.Context, corr correlation.Context, orderID string, rep reported) (*domain.Order, error) {
	cur, err := e.orderClone(orderID)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return cur, nil
	}

	if rep.filled.LessThan(cur.FilledQuantity) {
		rep.filled = cur.FilledQuantity
		rep.avg = cur.AvgFillPrice
	}
	if rep.status == "" {
		rep.status = cur.Status
	}

	if delta := rep.filled.Sub(cur.FilledQuantity); delta.IsPositive() {
		next := cur.Clone()
		next.FilledQuantity = rep.filled
		next.AvgFillPrice = rep.avg
		fillStatus := domain.StatusPartiallyFilled
		if next.FilledQuantity.GreaterThanOrEqual(next.Spec.Quantity) {
			fillStatus = domain.StatusFilled
		}
		if cur.Status.CanTransition(fillStatus) {
			next.Status = fillStatus
		}
		next.UpdatedAt = time.Now().UTC()

		if err := e.record(ctx, audit.EventOrderFill, corr, orderID, audit.FillPayload{
			FillQuantity:   delta,
			FillPrice:      fillPrice(cur, next, delta),
			FilledQuantity: next.FilledQuantity,
			AvgFillPrice:   next.AvgFillPrice,
			Status:         next.Status,
		}); err != nil {
			return cur, err
		}
		e.storeOrder(next)
		cur = next
	}

	if cur.Status.Terminal() {
		return cur, nil
	}

	switch rep.status {
	case domain.StatusCancelled:
		if !cur.Status.CanTransition(domain.StatusCancelled) {
			return cur, nil
		}
		next := cur.Clone()
		next.Status = domain.StatusCancelled
		next.UpdatedAt = time.Now().UTC()
		if err := e.record(ctx, audit.EventOrderCancel, corr, orderID, audit.CancelPayload{
			FilledQuantity:  next.FilledQuantity,
			AvgFillPrice:    next.AvgFillPrice,
			RemainingVoided: next.Remaining(),
			Status:          domain.StatusCancelled,
		}); err != nil {
			return cur, err
		}
		e.storeOrder(next)
		cur = next
	case domain.StatusRejected:
		if !cur.Status.CanTransition(domain.StatusRejected) {
			return cur, nil
		}
		next := cur.Clone()
		next.Status = domain.StatusRejected
		next.UpdatedAt = time.Now().UTC()
		if err := e.record(ctx, audit.EventOrderReject, corr, orderID, audit.RejectPayload{
			OrderPayload: audit.OrderPayloadFrom(next),
			Reason:       rep.reason,
		}); err != nil {
			return cur, err
		}
		e.storeOrder(next)
		cur = next
	}
	return cur, nil
}

// fillPrice recovers the price of this fill from the cumulative averages.
func fillPrice(prev, next *domain.Order, delta decimal.Decimal) decimal.Decimal {
	prevNotional := prev.AvgFillPrice.Mul(prev.FilledQuantity)
	nextNotional := next.AvgFillPrice.Mul(next.FilledQuantity)
	return nextNotional.Sub(prevNotional).Div(delta).Round(4)
}

// ---------------------------------------------------------------------------
// Registry and bookkeeping helpers
// ---------------------------------------------------------------------------

func (e *Engine) gate(requireAccepting bool) error {
	if !e.tradingEnabled {
		return ErrTradingDisabled
	}
	if requireAccepting && !e.ordersEnabled.Load() {
		return ErrOrdersDisabled
	}
	return nil
}

func (e *Engine) orderClone(id string) (*domain.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return o.Clone(), nil
}

func (e *Engine) storeOrder(o *domain.Order) {
	e.mu.Lock()
	e.orders[o.ID] = o.Clone()
	e.recalcOpenLocked()
	e.mu.Unlock()
}

func (e *Engine) clearPending(key string) {
	if key == "" {
		return
	}
	e.mu.Lock()
	delete(e.pending, key)
	e.mu.Unlock()
}

func (e *Engine) recalcOpenLocked() {
	open := 0
	for _, o := range e.orders {
		if !o.Status.Terminal() {
			open++
		}
	}
	e.reg.Gauge("orders_open").Set(float64(open))
}

// record appends an audit event, counting and logging a failed write.
func (e *Engine) record(ctx context.Context, typ audit.EventType, corr correlation.Context, orderID string, payload any) error {
	ev, err := audit.New(typ, corr.ID, e.account, orderID, payload)
	if err == nil {
		err = e.auditLog.Record(ctx, ev)
	}
	if err != nil {
		e.reg.Counter("audit_record_failures_total").Inc()
		e.log.Error("audit record failed", "type", typ, "orderID", orderID, "err", err)
	}
	return err
}

// recordError best-effort audits a failed operation.
func (e *Engine) recordError(ctx context.Context, corr correlation.Context, op, orderID string, err error) {
	e.record(ctx, audit.EventOrderError, corr, orderID, audit.ErrorPayload{
		Op:    op,
		Kind:  errKind(err),
		Error: err.Error(),
	})
}

func (e *Engine) observe(op string, start time.Time, err error) {
	e.reg.Counter("orders_" + op + "_total").Inc()
	if err != nil {
		e.reg.Counter("orders_" + op + "_errors_total").Inc()
	}
	e.reg.Histogram("orders_" + op + "_seconds").Observe(time.Since(start).Seconds())
}

// errKind names an error for audit payloads.
func errKind(err error) string {
	var verr *domain.ValidationError
	var dup *DuplicateSubmissionError
	var reject *broker.RejectError
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.Is(err, ErrTradingDisabled):
		return "trading_disabled"
	case errors.Is(err, ErrOrdersDisabled):
		return "orders_disabled"
	case errors.Is(err, ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, ErrOrderNotCancellable):
		return "not_cancellable"
	case errors.As(err, &dup):
		return "duplicate_key"
	case errors.As(err, &reject):
		return "broker_reject"
	case errors.Is(err, broker.ErrTimeout):
		return "broker_timeout"
	case errors.Is(err, broker.ErrUnavailable):
		return "broker_unavailable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
