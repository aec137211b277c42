package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/metrics"
)

// queueDepth bounds how many calls may wait for the session at once.
// Callers beyond that block until space frees or their context expires.
const queueDepth = 64

// defaultCallTimeout applies when the configured timeout is missing.
const defaultCallTimeout = 5 * time.Second

// Lifecycle of a queued call. A call moves pending -> running -> delivered
// on the happy path; the caller can move it to abandoned from either
// non-terminal state when its context expires.
const (
	statePending int32 = iota
	stateRunning
	stateDelivered
	stateAbandoned
)

type callResult struct {
	result any
	err    error
}

type call struct {
	name  string
	fn    func(ctx context.Context) (any, error)
	late  func(result any, err error)
	reply chan callResult
	state atomic.Int32
}

// Pipeline serializes all access to a Session through a single worker
// goroutine, so the session never sees concurrent calls and requests are
// served strictly in arrival order. Callers wait at most the configured
// timeout; a call that is already on the wire when its caller gives up is
// completed anyway and routed to the caller-supplied late callback, so
// work the broker may have committed is never silently dropped.
type Pipeline struct {
	session Session
	timeout time.Duration
	log     *slog.Logger

	queue  chan *call
	stop   context.Context
	stopFn context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	calls     *metrics.Counter
	errs      *metrics.Counter
	abandoned *metrics.Counter
	latency   *metrics.Histogram
	connected *metrics.Gauge
}

// NewPipeline starts the worker goroutine for session. Close releases it.
func NewPipeline(session Session, timeout time.Duration, reg *metrics.Registry, log *slog.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	stop, stopFn := context.WithCancel(context.Background())
	p := &Pipeline{
		session:   session,
		timeout:   timeout,
		log:       log,
		queue:     make(chan *call, queueDepth),
		stop:      stop,
		stopFn:    stopFn,
		done:      make(chan struct{}),
		calls:     reg.Counter("broker_calls_total"),
		errs:      reg.Counter("broker_call_errors_total"),
		abandoned: reg.Counter("broker_calls_abandoned_total"),
		latency:   reg.Histogram("broker_call_seconds"),
		connected: reg.Gauge("broker_connected"),
	}
	go p.worker()
	return p
}

// Name reports the underlying session's backend identifier.
func (p *Pipeline) Name() string { return p.session.Name() }

// Timeout reports the per-call deadline the pipeline enforces.
func (p *Pipeline) Timeout() time.Duration { return p.timeout }

// Close stops the worker after the in-flight call (if any) finishes.
// Queued calls that never ran fail with ErrClosed.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.stopFn()
	<-p.done
}

// Ping checks the session through the pipeline.
func (p *Pipeline) Ping(ctx context.Context) error {
	_, err := Call(ctx, p, "ping", nil, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.session.Ping(ctx)
	})
	return err
}

// Quote fetches a quote through the pipeline.
func (p *Pipeline) Quote(ctx context.Context, ins domain.Instrument) (domain.Quote, error) {
	return Call(ctx, p, "quote", nil, func(ctx context.Context) (domain.Quote, error) {
		return p.session.Quote(ctx, ins)
	})
}

// Submit places an order through the pipeline. If the caller's wait
// expires, late fires exactly once with the final outcome: the broker's
// result when the submission was already on the wire, or the wait error
// when it never got there. late may run on the worker goroutine or the
// caller's.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest, late func(SubmitResult, error)) (SubmitResult, error) {
	return Call(ctx, p, "submit", late, func(ctx context.Context) (SubmitResult, error) {
		return p.session.Submit(ctx, req)
	})
}

// Cancel requests cancellation through the pipeline, with the same late
// delivery contract as Submit.
func (p *Pipeline) Cancel(ctx context.Context, brokerOrderID string, late func(CancelResult, error)) (CancelResult, error) {
	return Call(ctx, p, "cancel", late, func(ctx context.Context) (CancelResult, error) {
		return p.session.Cancel(ctx, brokerOrderID)
	})
}

// Status queries order state through the pipeline.
func (p *Pipeline) Status(ctx context.Context, brokerOrderID string) (StatusReport, error) {
	return Call(ctx, p, "status", nil, func(ctx context.Context) (StatusReport, error) {
		return p.session.Status(ctx, brokerOrderID)
	})
}

// Call enqueues fn on p's worker and waits for the result, bounded by the
// pipeline timeout. When the wait expires, late (if non-nil) fires exactly
// once: with fn's eventual outcome if it was already executing, or with
// the wait error if it never ran.
func Call[T any](ctx context.Context, p *Pipeline, name string, late func(T, error), fn func(context.Context) (T, error)) (T, error) {
	c := &call{
		name:  name,
		reply: make(chan callResult, 1),
		fn: func(ctx context.Context) (any, error) {
			return fn(ctx)
		},
	}
	if late != nil {
		c.late = func(result any, err error) {
			v, _ := result.(T)
			late(v, err)
		}
	}
	result, err := p.do(ctx, c)
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := result.(T)
	return v, nil
}

func (p *Pipeline) do(ctx context.Context, c *call) (any, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	// One deadline covers both queueing and execution.
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	select {
	case p.queue <- c:
	case <-ctx.Done():
		err := waitErr(ctx)
		if c.late != nil {
			c.late(nil, err)
		}
		return nil, err
	case <-p.stop.Done():
		return nil, ErrClosed
	}

	select {
	case r := <-c.reply:
		return r.result, r.err
	case <-ctx.Done():
		return p.abandon(c, ctx)
	}
}

// abandon resolves a call whose caller stopped waiting. The outcome depends
// on how far the call got: still queued means it is skipped and the late
// callback fires immediately with the wait error, already running means the
// worker finishes it and fires the late callback with the real outcome, and
// already delivered means the result raced the deadline and we take it.
func (p *Pipeline) abandon(c *call, ctx context.Context) (any, error) {
	if c.state.CompareAndSwap(statePending, stateAbandoned) {
		err := waitErr(ctx)
		if c.late != nil {
			c.late(nil, err)
		}
		return nil, err
	}
	if c.state.CompareAndSwap(stateRunning, stateAbandoned) {
		p.abandoned.Inc()
		p.log.Warn("broker call abandoned in flight", "call", c.name)
		return nil, waitErr(ctx)
	}
	r := <-c.reply
	return r.result, r.err
}

func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

func (p *Pipeline) worker() {
	defer close(p.done)
	for {
		// Prefer shutdown over more queued work.
		select {
		case <-p.stop.Done():
			p.drain()
			return
		default:
		}
		select {
		case c := <-p.queue:
			p.run(c)
		case <-p.stop.Done():
			p.drain()
			return
		}
	}
}

func (p *Pipeline) run(c *call) {
	if !c.state.CompareAndSwap(statePending, stateRunning) {
		return // caller gave up before dispatch
	}

	// Detached from the caller: once a call reaches the broker its fate is
	// decided there, not by the caller's patience. Twice the pipeline
	// timeout still bounds a wedged session.
	ctx, cancel := context.WithTimeout(context.Background(), 2*p.timeout)
	defer cancel()

	start := time.Now()
	result, err := c.fn(ctx)
	p.calls.Inc()
	if err != nil {
		p.errs.Inc()
	}
	p.latency.Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		p.connected.Set(0)
	default:
		// Any answer, even an unhappy one, proves the broker is reachable.
		p.connected.Set(1)
	}

	if c.state.CompareAndSwap(stateRunning, stateDelivered) {
		c.reply <- callResult{result: result, err: err}
		return
	}
	// Caller is gone; hand the outcome to the late callback so completed
	// broker work still reaches the order registry.
	p.log.Warn("broker call finished after caller gave up", "call", c.name, "err", err)
	if c.late != nil {
		c.late(result, err)
	}
}

func (p *Pipeline) drain() {
	for {
		select {
		case c := <-p.queue:
			p.fail(c, ErrClosed)
		default:
			return
		}
	}
}

// fail delivers err for a call that will never execute.
func (p *Pipeline) fail(c *call, err error) {
	if !c.state.CompareAndSwap(statePending, stateRunning) {
		return // already abandoned; nobody is waiting
	}
	if c.state.CompareAndSwap(stateRunning, stateDelivered) {
		c.reply <- callResult{err: err}
	}
}
