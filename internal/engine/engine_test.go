package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/correlation"
	"tradegate/internal/domain"
	"tradegate/internal/metrics"
)

type testRig struct {
	engine *Engine
	sim    *broker.SimSession
	log    audit.Log
	reg    *metrics.Registry
	corr   correlation.Context
}

func newRig(t *testing.T, simOpts broker.SimOptions, timeout time.Duration, mutate func(*Options)) *testRig {
	t.Helper()
	return newRigWithLog(t, simOpts, timeout, mutate, audit.NewMemoryLog())
}

func newRigWithLog(t *testing.T, simOpts broker.SimOptions, timeout time.Duration, mutate func(*Options), alog audit.Log) *testRig {
	t.Helper()
	reg := metrics.NewRegistry()
	sim := broker.NewSimSession(simOpts)
	pipe := broker.NewPipeline(sim, timeout, reg, slog.New(slog.DiscardHandler))

	opts := Options{
		Account:            "acct-1",
		TradingEnabled:     true,
		OrdersEnabled:      true,
		CommissionPerShare: decimal.NewFromFloat(0.005),
		MinCommission:      decimal.NewFromInt(1),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e := New(pipe, alog, reg, slog.New(slog.DiscardHandler), opts)
	t.Cleanup(e.Close)

	return &testRig{
		engine: e,
		sim:    sim,
		log:    alog,
		reg:    reg,
		corr:   correlation.New("acct-1"),
	}
}

func (r *testRig) orderEvents(t *testing.T, orderID string) []audit.EventType {
	t.Helper()
	evs, err := r.log.Query(context.Background(), audit.Filter{OrderID: orderID, Limit: 100})
	require.NoError(t, err)
	types := make([]audit.EventType, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

func (r *testRig) eventsOfType(t *testing.T, typ audit.EventType) []audit.Event {
	t.Helper()
	evs, err := r.log.Query(context.Background(), audit.Filter{Types: []audit.EventType{typ}, Limit: 100})
	require.NoError(t, err)
	return evs
}

func marketBuy(sym string, qty int64) domain.OrderSpec {
	return domain.OrderSpec{
		Instrument: domain.Instrument{Symbol: sym},
		Side:       domain.SideBuy,
		Quantity:   decimal.NewFromInt(qty),
		Type:       domain.OrderTypeMarket,
	}
}

func limitBuy(sym string, qty int64, limit decimal.Decimal) domain.OrderSpec {
	return domain.OrderSpec{
		Instrument: domain.Instrument{Symbol: sym},
		Side:       domain.SideBuy,
		Quantity:   decimal.NewFromInt(qty),
		Type:       domain.OrderTypeLimit,
		LimitPrice: limit,
	}
}

// unmarketableLimit returns a limit far below anything the simulated price
// cycle reaches, so a buy at it rests forever.
func unmarketableLimit(t *testing.T, sym string) decimal.Decimal {
	t.Helper()
	probe := broker.NewSimSession(broker.SimOptions{})
	q, err := probe.Quote(context.Background(), domain.Instrument{Symbol: sym})
	require.NoError(t, err)
	return q.Bid.Div(decimal.NewFromInt(2)).Round(4)
}

// ---------------------------------------------------------------------------
// Placement
// ---------------------------------------------------------------------------

func TestPlaceMarketOrderFills(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)
	ctx := context.Background()

	o, err := r.engine.Place(ctx, r.corr, marketBuy("AAPL", 100))
	require.NoError(t, err)
	require.NotNil(t, o)

	assert.NotEmpty(t, o.ID)
	assert.Equal(t, "SIM-000001", o.BrokerOrderID)
	assert.Equal(t, "acct-1", o.Account)
	assert.Equal(t, domain.StatusFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(100)))
	assert.True(t, o.AvgFillPrice.IsPositive())
	assert.True(t, o.Remaining().IsZero())

	assert.Equal(t,
		[]audit.EventType{audit.EventOrderSubmit, audit.EventOrderFill},
		r.orderEvents(t, o.ID))

	rec, err := r.log.OrderHistory(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, rec.Status)
	assert.True(t, rec.FilledQuantity.Equal(decimal.NewFromInt(100)))

	assert.Equal(t, int64(1), r.reg.Counter("orders_place_total").Value())
	assert.Equal(t, int64(0), r.reg.Counter("orders_place_errors_total").Value())
	assert.Equal(t, float64(0), r.reg.Gauge("orders_open").Value())
}

func TestPlaceValidationError(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)

	spec := marketBuy("AAPL", 100)
	spec.Quantity = decimal.NewFromInt(-5)
	_, err := r.engine.Place(context.Background(), r.corr, spec)

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, int64(1), r.reg.Counter("orders_place_errors_total").Value())

	evs := r.eventsOfType(t, audit.EventOrderError)
	require.Len(t, evs, 1)
	assert.Contains(t, string(evs[0].Payload), `"kind":"validation"`)
}

func TestPlaceBrokerReject(t *testing.T) {
	r := newRig(t, broker.SimOptions{RejectSymbols: []string{"BAD"}}, time.Second, nil)

	_, err := r.engine.Place(context.Background(), r.corr, marketBuy("BAD", 10))
	var reject *broker.RejectError
	require.True(t, errors.As(err, &reject))

	assert.Empty(t, r.engine.Orders(""), "rejected submission must not create an order")
	evs := r.eventsOfType(t, audit.EventOrderReject)
	require.Len(t, evs, 1)
	assert.Empty(t, evs[0].OrderID, "synchronous reject carries no order ID")
}

func TestPlaceBrokerUnavailable(t *testing.T) {
	r := newRig(t, broker.SimOptions{HaltedSymbols: []string{"HALT"}}, time.Second, nil)

	_, err := r.engine.Place(context.Background(), r.corr, marketBuy("HALT", 10))
	assert.ErrorIs(t, err, broker.ErrUnavailable)
	assert.Empty(t, r.engine.Orders(""))

	evs := r.eventsOfType(t, audit.EventOrderError)
	require.Len(t, evs, 1)
	assert.Contains(t, string(evs[0].Payload), `"kind":"broker_unavailable"`)
}

func TestPlaceConcurrentDistinctOrders(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.engine.Place(ctx, r.corr, marketBuy("AAPL", 10))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, r.engine.Orders(""), 10)
	assert.Len(t, r.eventsOfType(t, audit.EventOrderSubmit), 10)
}

// ---------------------------------------------------------------------------
// Idempotency
// ---------------------------------------------------------------------------

func TestPlaceIdempotentReplay(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)
	ctx := context.Background()

	spec := marketBuy("AAPL", 100)
	spec.IdempotencyKey = "key-1"

	first, err := r.engine.Place(ctx, r.corr, spec)
	require.NoError(t, err)
	second, err := r.engine.Place(ctx, r.corr, spec)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, r.eventsOfType(t, audit.EventOrderSubmit), 1)
	assert.Equal(t, int64(1), r.reg.Counter("orders_place_duplicate_total").Value())
}

func TestPlaceDuplicateKeyDifferentSpec(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)
	ctx := context.Background()

	spec := marketBuy("AAPL", 100)
	spec.IdempotencyKey = "key-1"
	first, err := r.engine.Place(ctx, r.corr, spec)
	require.NoError(t, err)

	other := marketBuy("AAPL", 999)
	other.IdempotencyKey = "key-1"
	_, err = r.engine.Place(ctx, r.corr, other)

	var dup *DuplicateSubmissionError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "key-1", dup.Key)
	assert.Equal(t, first.ID, dup.ExistingOrderID)
}

func TestPlaceKeylessNeverDeduped(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)
	ctx := context.Background()

	a, err := r.engine.Place(ctx, r.corr, marketBuy("AAPL", 10))
	require.NoError(t, err)
	b, err := r.engine.Place(ctx, r.corr, marketBuy("AAPL", 10))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, r.eventsOfType(t, audit.EventOrderSubmit), 2)
}

func TestPlaceConcurrentSameKey(t *testing.T) {
	r := newRig(t, broker.SimOptions{SubmitDelay: 50 * time.Millisecond}, time.Second, nil)
	ctx := context.Background()

	spec := marketBuy("AAPL", 100)
	spec.IdempotencyKey = "key-1"

	type placed struct {
		order *domain.Order
		err   error
	}
	results := make(chan placed, 2)
	for i := 0; i < 2; i++ {
		go func() {
			o, err := r.engine.Place(ctx, r.corr, spec)
			results <- placed{order: o, err: err}
		}()
	}

	var ids []string
	for i := 0; i < 2; i++ {
		p := <-results
		require.NoError(t, p.err)
		ids = append(ids, p.order.ID)
	}
	assert.Equal(t, ids[0], ids[1], "concurrent same-key placements must converge")
	assert.Len(t, r.eventsOfType(t, audit.EventOrderSubmit), 1)
}

func TestPlaceTimeoutConvergesViaLateCommit(t *testing.T) {
	r := newRig(t, broker.SimOptions{SubmitDelay: 300 * time.Millisecond}, 50*time.Millisecond, nil)
	ctx := context.Background()

	spec := marketBuy("AAPL", 100)
	spec.IdempotencyKey = "key-1"

	_, err := r.engine.Place(ctx, r.corr, spec)
	require.ErrorIs(t, err, broker.ErrTimeout)
	assert.Empty(t, r.engine.Orders(""), "timed-out place must not register an order yet")

	// While the broker outcome is unknown, the key stays reserved.
	_, err = r.engine.Place(ctx, r.corr, spec)
	require.ErrorIs(t, err, broker.ErrTimeout)

	// The submission completes broker-side and commits late.
	require.Eventually(t, func() bool {
		return len(r.engine.Orders("")) == 1
	}, 2*time.Second, 10*time.Millisecond, "late commit never landed")

	// A retry with the same key now converges on the committed order.
	o, err := r.engine.Place(ctx, r.corr, spec)
	require.NoError(t, err)
	assert.Equal(t, "SIM-000001", o.BrokerOrderID)
	assert.Len(t, r.eventsOfType(t, audit.EventOrderSubmit), 1, "exactly one submission must reach the broker")
}

// ---------------------------------------------------------------------------
// Fills over time and cancellation
// ---------------------------------------------------------------------------

func TestOrderReconcilesPartialFills(t *testing.T) {
	r := newRig(t, broker.SimOptions{MaxFillQuantity: decimal.NewFromInt(40)}, time.Second, nil)
	ctx := context.Background()

	o, err := r.engine.Place(ctx, r.corr, marketBuy("AAPL", 100))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartiallyFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, float64(1), r.reg.Gauge("orders_open").Value())

	o, err = r.engine.Order(ctx, r.corr, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartiallyFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(80)))
	assert.True(t, o.Remaining().Equal(decimal.NewFromInt(20)))

	o, err = r.engine.Order(ctx, r.corr, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, float64(0), r.reg.Gauge("orders_open").Value())

	assert.Equal(t,
		[]audit.EventType{
			audit.EventOrderSubmit,
			audit.EventOrderFill,
			audit.EventOrderFill,
			audit.EventOrderFill,
		},
		r.orderEvents(t, o.ID))

	rec, err := r.log.OrderHistory(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, rec.Status)
}

func TestCancelRestingOrder(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)
	ctx := context.Background()

	o, err := r.engine.Place(ctx, r.corr, limitBuy("AAPL", 100, unmarketableLimit(t, "AAPL")))
	require.NoError(t, err)
	require.Equal(t, domain.StatusSubmitted, o.Status)

	cancelled, err := r.engine.Cancel(ctx, r.corr, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.FilledQuantity.IsZero())

	assert.Equal(t,
		[]audit.EventType{audit.EventOrderSubmit, audit.EventOrderCancel},
		r.orderEvents(t, o.ID))

	// Terminal states are immutable: a second cancel is refused.
	_, err = r.engine.Cancel(ctx, r.corr, o.ID)
	assert.ErrorIs(t, err, ErrOrderNotCancellable)
}

func TestCancelUnknownOrder(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)
	_, err := r.engine.Cancel(context.Background(), r.corr, "no-such-order")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestFillBeatsCancel(t *testing.T) {
	r := newRig(t, broker.SimOptions{MaxFillQuantity: decimal.NewFromInt(50)}, time.Second, nil)
	ctx := context.Background()

	o, err := r.engine.Place(ctx, r.corr, marketBuy("AAPL", 100))
	require.NoError(t, err)
	require.Equal(t, domain.StatusPartiallyFilled, o.Status)

	// The remaining half executes while the cancel is being processed, so
	// the cancel loses and the fill is applied first.
	_, err = r.engine.Cancel(ctx, r.corr, o.ID)
	assert.ErrorIs(t, err, ErrOrderNotCancellable)

	final, err := r.engine.Order(ctx, r.corr, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, final.Status)
	assert.True(t, final.FilledQuantity.Equal(decimal.NewFromInt(100)))

	assert.Equal(t,
		[]audit.EventType{
			audit.EventOrderSubmit,
			audit.EventOrderFill,
			audit.EventOrderFill,
			audit.EventOrderError,
		},
		r.orderEvents(t, o.ID))
}

// ---------------------------------------------------------------------------
// Status and listing
// ---------------------------------------------------------------------------

func TestOrderUnknown(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)
	_, err := r.engine.Order(context.Background(), r.corr, "nope")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestOrderTerminalSkipsBroker(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)
	ctx := context.Background()

	o, err := r.engine.Place(ctx, r.corr, marketBuy("AAPL", 10))
	require.NoError(t, err)
	require.Equal(t, domain.StatusFilled, o.Status)

	before := r.reg.Counter("broker_calls_total").Value()
	got, err := r.engine.Order(ctx, r.corr, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, got.Status)
	assert.Equal(t, before, r.reg.Counter("broker_calls_total").Value(),
		"terminal orders must answer from the registry")
}

func TestOrdersListingAndFilter(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)
	ctx := context.Background()

	filled, err := r.engine.Place(ctx, r.corr, marketBuy("AAPL", 10))
	require.NoError(t, err)
	resting, err := r.engine.Place(ctx, r.corr, limitBuy("MSFT", 10, unmarketableLimit(t, "MSFT")))
	require.NoError(t, err)

	all := r.engine.Orders("")
	assert.Len(t, all, 2)

	open := r.engine.Orders("open")
	require.Len(t, open, 1)
	assert.Equal(t, resting.ID, open[0].ID)

	done := r.engine.Orders(string(domain.StatusFilled))
	require.Len(t, done, 1)
	assert.Equal(t, filled.ID, done[0].ID)
}

func TestSnapshot(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)
	ctx := context.Background()

	_, err := r.engine.Place(ctx, r.corr, marketBuy("AAPL", 10))
	require.NoError(t, err)
	_, err = r.engine.Place(ctx, r.corr, limitBuy("MSFT", 10, unmarketableLimit(t, "MSFT")))
	require.NoError(t, err)

	snap := r.engine.Snapshot()
	assert.Equal(t, "sim", snap.Backend)
	assert.Equal(t, "acct-1", snap.Account)
	assert.True(t, snap.TradingEnabled)
	assert.True(t, snap.OrdersEnabled)
	assert.Equal(t, 2, snap.TotalOrders)
	assert.Equal(t, 1, snap.OpenOrders)
}

// ---------------------------------------------------------------------------
// Gates
// ---------------------------------------------------------------------------

func TestTradingDisabledBlocksEverything(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, func(o *Options) {
		o.TradingEnabled = false
	})
	ctx := context.Background()

	_, err := r.engine.Preview(ctx, r.corr, marketBuy("AAPL", 10))
	assert.ErrorIs(t, err, ErrTradingDisabled)
	_, err = r.engine.Place(ctx, r.corr, marketBuy("AAPL", 10))
	assert.ErrorIs(t, err, ErrTradingDisabled)
	_, err = r.engine.Cancel(ctx, r.corr, "any")
	assert.ErrorIs(t, err, ErrTradingDisabled)

	snap := r.engine.Snapshot()
	assert.False(t, snap.TradingEnabled)
}

func TestOrdersDisabledStillAllowsCancel(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)
	ctx := context.Background()

	resting, err := r.engine.Place(ctx, r.corr, limitBuy("AAPL", 10, unmarketableLimit(t, "AAPL")))
	require.NoError(t, err)

	r.engine.SetOrdersEnabled(r.corr, false)

	_, err = r.engine.Place(ctx, r.corr, marketBuy("AAPL", 10))
	assert.ErrorIs(t, err, ErrOrdersDisabled)

	// Previews and cancels keep working during a submission pause.
	_, err = r.engine.Preview(ctx, r.corr, marketBuy("AAPL", 10))
	require.NoError(t, err)
	cancelled, err := r.engine.Cancel(ctx, r.corr, resting.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	r.engine.SetOrdersEnabled(r.corr, true)
	_, err = r.engine.Place(ctx, r.corr, marketBuy("AAPL", 10))
	require.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Preview
// ---------------------------------------------------------------------------

func TestPreviewMarketBuy(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)

	p, err := r.engine.Preview(context.Background(), r.corr, marketBuy("AAPL", 100))
	require.NoError(t, err)

	probe := broker.NewSimSession(broker.SimOptions{})
	q, err := probe.Quote(context.Background(), domain.Instrument{Symbol: "AAPL"})
	require.NoError(t, err)

	assert.True(t, p.EstimatedPrice.Equal(q.Ask), "market buy estimates at the ask")
	assert.True(t, p.EstimatedValue.Equal(q.Ask.Mul(decimal.NewFromInt(100)).Round(4)))
	// 100 shares at 0.005/share is 0.50, below the 1.00 floor.
	assert.True(t, p.EstimatedCommission.Equal(decimal.NewFromInt(1)))
	assert.Empty(t, p.Warnings)

	evs := r.eventsOfType(t, audit.EventOrderPreview)
	require.Len(t, evs, 1)
	assert.Contains(t, string(evs[0].Payload), `"outcome":"ok"`)
}

func TestPreviewCommissionAboveFloor(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)

	p, err := r.engine.Preview(context.Background(), r.corr, marketBuy("AAPL", 1000))
	require.NoError(t, err)
	assert.True(t, p.EstimatedCommission.Equal(decimal.NewFromInt(5)))
}

func TestPreviewUnmarketableLimitWarns(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)

	limit := unmarketableLimit(t, "AAPL")
	p, err := r.engine.Preview(context.Background(), r.corr, limitBuy("AAPL", 10, limit))
	require.NoError(t, err)

	assert.True(t, p.EstimatedPrice.Equal(limit), "unmarketable limit estimates at the limit price")
	require.NotEmpty(t, p.Warnings)
	assert.Contains(t, p.Warnings[0], "not marketable")
}

func TestPreviewBrokerUnavailable(t *testing.T) {
	r := newRig(t, broker.SimOptions{HaltedSymbols: []string{"HALT"}}, time.Second, nil)

	_, err := r.engine.Preview(context.Background(), r.corr, marketBuy("HALT", 10))
	assert.ErrorIs(t, err, broker.ErrUnavailable)

	evs := r.eventsOfType(t, audit.EventOrderPreview)
	require.Len(t, evs, 1)
	assert.Contains(t, string(evs[0].Payload), `"outcome":"error"`)
}

func TestPreviewValidationError(t *testing.T) {
	r := newRig(t, broker.SimOptions{}, time.Second, nil)

	spec := marketBuy("AAPL", 10)
	spec.LimitPrice = decimal.NewFromInt(50) // market orders take no limit price

	_, err := r.engine.Preview(context.Background(), r.corr, spec)
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))

	evs := r.eventsOfType(t, audit.EventOrderPreview)
	require.Len(t, evs, 1)
	assert.Contains(t, string(evs[0].Payload), `"outcome":"error"`)
}

// ---------------------------------------------------------------------------
// Audit durability
// ---------------------------------------------------------------------------

// vetoLog fails Record for selected event types, standing in for a full
// audit disk.
type vetoLog struct {
	audit.Log
	mu   sync.Mutex
	veto map[audit.EventType]bool
}

func newVetoLog() *vetoLog {
	return &vetoLog{Log: audit.NewMemoryLog(), veto: make(map[audit.EventType]bool)}
}

func (l *vetoLog) setVeto(typ audit.EventType, on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.veto[typ] = on
}

func (l *vetoLog) Record(ctx context.Context, ev audit.Event) error {
	l.mu.Lock()
	vetoed := l.veto[ev.Type]
	l.mu.Unlock()
	if vetoed {
		return errors.New("audit store unavailable")
	}
	return l.Log.Record(ctx, ev)
}

func TestPlaceRollsBackWhenAuditFails(t *testing.T) {
	vlog := newVetoLog()
	vlog.setVeto(audit.EventOrderSubmit, true)
	r := newRigWithLog(t, broker.SimOptions{}, time.Second, nil, vlog)
	ctx := context.Background()

	spec := marketBuy("AAPL", 100)
	spec.IdempotencyKey = "key-1"

	_, err := r.engine.Place(ctx, r.corr, spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording order submission")
	assert.Empty(t, r.engine.Orders(""), "order must not be visible without its audit record")
	assert.GreaterOrEqual(t, r.reg.Counter("audit_record_failures_total").Value(), int64(1))

	// Once the audit store recovers, the same key can submit again.
	vlog.setVeto(audit.EventOrderSubmit, false)
	o, err := r.engine.Place(ctx, r.corr, spec)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, o.Status)
}
