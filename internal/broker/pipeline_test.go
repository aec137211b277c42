package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"tradegate/internal/domain"
	"tradegate/internal/metrics"
)

// stubSession is a scriptable Session for pipeline tests. It records every
// call and fails the test if two calls ever overlap.
type stubSession struct {
	t         *testing.T
	callDelay time.Duration

	active    atomic.Int32
	maxActive atomic.Int32

	mu      sync.Mutex
	quotes  []string
	submits int
}

func newStubSession(t *testing.T, delay time.Duration) *stubSession {
	return &stubSession{t: t, callDelay: delay}
}

func (s *stubSession) enter() {
	n := s.active.Add(1)
	for {
		prev := s.maxActive.Load()
		if n <= prev || s.maxActive.CompareAndSwap(prev, n) {
			break
		}
	}
	if s.callDelay > 0 {
		time.Sleep(s.callDelay)
	}
}

func (s *stubSession) exit() { s.active.Add(-1) }

func (s *stubSession) Name() string { return "stub" }

func (s *stubSession) Ping(ctx context.Context) error {
	s.enter()
	defer s.exit()
	return nil
}

func (s *stubSession) Quote(ctx context.Context, ins domain.Instrument) (domain.Quote, error) {
	s.enter()
	defer s.exit()
	s.mu.Lock()
	s.quotes = append(s.quotes, ins.Symbol)
	s.mu.Unlock()
	return domain.Quote{Symbol: ins.Symbol}, nil
}

func (s *stubSession) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	s.enter()
	defer s.exit()
	s.mu.Lock()
	s.submits++
	s.mu.Unlock()
	return SubmitResult{BrokerOrderID: "STUB-1", Status: domain.StatusSubmitted}, nil
}

func (s *stubSession) Cancel(ctx context.Context, brokerOrderID string) (CancelResult, error) {
	s.enter()
	defer s.exit()
	return CancelResult{Cancelled: true}, nil
}

func (s *stubSession) Status(ctx context.Context, brokerOrderID string) (StatusReport, error) {
	s.enter()
	defer s.exit()
	return StatusReport{BrokerOrderID: brokerOrderID, Status: domain.StatusSubmitted}, nil
}

func (s *stubSession) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func (s *stubSession) quoteOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.quotes...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestPipelineSerializesCalls(t *testing.T) {
	stub := newStubSession(t, 10*time.Millisecond)
	p := NewPipeline(stub, time.Second, metrics.NewRegistry(), testLogger())
	defer p.Close()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := p.Quote(context.Background(), domain.Instrument{Symbol: "AAPL"})
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), stub.maxActive.Load(), "session saw concurrent calls")
	assert.Len(t, stub.quoteOrder(), 8)
}

func TestPipelineFIFO(t *testing.T) {
	stub := newStubSession(t, 0)
	p := NewPipeline(stub, time.Second, metrics.NewRegistry(), testLogger())
	defer p.Close()

	// Hold the worker, then queue three quotes with enough spacing that
	// their arrival order is unambiguous.
	release := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		_, err := Call(context.Background(), p, "block", nil, func(ctx context.Context) (struct{}, error) {
			<-release
			return struct{}{}, nil
		})
		return err
	})
	time.Sleep(20 * time.Millisecond)

	for _, sym := range []string{"A", "B", "C"} {
		g.Go(func() error {
			_, err := p.Quote(context.Background(), domain.Instrument{Symbol: sym})
			return err
		})
		time.Sleep(20 * time.Millisecond)
	}
	close(release)
	require.NoError(t, g.Wait())

	assert.Equal(t, []string{"A", "B", "C"}, stub.quoteOrder())
}

func TestPipelineTimeoutWhileRunning(t *testing.T) {
	sim := NewSimSession(SimOptions{SubmitDelay: 300 * time.Millisecond})
	reg := metrics.NewRegistry()
	p := NewPipeline(sim, 50*time.Millisecond, reg, testLogger())
	defer p.Close()

	late := make(chan SubmitResult, 1)
	_, err := p.Submit(context.Background(), SubmitRequest{ClientOrderID: "o1", Spec: marketBuy("AAPL", 10)},
		func(res SubmitResult, err error) {
			if err == nil {
				late <- res
			}
		})
	assert.ErrorIs(t, err, ErrTimeout)

	// The submission still completes broker-side and reaches the late
	// callback.
	select {
	case res := <-late:
		assert.Equal(t, "SIM-000001", res.BrokerOrderID)
		assert.Equal(t, domain.StatusFilled, res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("late callback never fired")
	}
	assert.Equal(t, int64(1), reg.Counter("broker_calls_abandoned_total").Value())
}

func TestPipelineTimeoutWhileQueued(t *testing.T) {
	stub := newStubSession(t, 0)
	p := NewPipeline(stub, 80*time.Millisecond, metrics.NewRegistry(), testLogger())
	defer p.Close()

	release := make(chan struct{})
	blocked := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		_, err := Call(context.Background(), p, "block", nil, func(ctx context.Context) (struct{}, error) {
			close(blocked)
			<-release
			return struct{}{}, nil
		})
		return err
	})
	<-blocked

	// This submit expires while still queued; the session must never see
	// it, and the late callback reports the wait error.
	lateErr := make(chan error, 1)
	_, err := p.Submit(context.Background(), SubmitRequest{ClientOrderID: "o1", Spec: marketBuy("AAPL", 10)},
		func(_ SubmitResult, err error) { lateErr <- err })
	assert.ErrorIs(t, err, ErrTimeout)

	select {
	case err := <-lateErr:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("late callback never fired for the abandoned submit")
	}

	close(release)
	require.NoError(t, g.Wait())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, stub.submitCount(), "abandoned queued submit reached the session")
}

func TestPipelineClose(t *testing.T) {
	stub := newStubSession(t, 0)
	p := NewPipeline(stub, time.Second, metrics.NewRegistry(), testLogger())

	release := make(chan struct{})
	blocked := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		_, err := Call(context.Background(), p, "block", nil, func(ctx context.Context) (struct{}, error) {
			close(blocked)
			<-release
			return struct{}{}, nil
		})
		return err
	})
	<-blocked

	queuedErr := make(chan error, 1)
	go func() {
		_, err := p.Quote(context.Background(), domain.Instrument{Symbol: "Q"})
		queuedErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// Close while the worker is mid-call: the in-flight call completes,
	// the queued one is refused.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	p.Close()

	require.NoError(t, g.Wait(), "in-flight call must finish cleanly")
	assert.ErrorIs(t, <-queuedErr, ErrClosed)

	// Calls after close fail fast.
	_, err := p.Quote(context.Background(), domain.Instrument{Symbol: "Q"})
	assert.ErrorIs(t, err, ErrClosed)

	// Close is idempotent.
	p.Close()
}

func TestPipelinePassthrough(t *testing.T) {
	ctx := context.Background()
	sim := NewSimSession(SimOptions{})
	reg := metrics.NewRegistry()
	p := NewPipeline(sim, time.Second, reg, testLogger())
	defer p.Close()

	assert.Equal(t, "sim", p.Name())
	assert.Equal(t, time.Second, p.Timeout())
	require.NoError(t, p.Ping(ctx))

	q, err := p.Quote(ctx, domain.Instrument{Symbol: "AAPL"})
	require.NoError(t, err)
	probe := NewSimSession(SimOptions{})
	want, err := probe.Quote(ctx, domain.Instrument{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.True(t, q.Ask.Equal(want.Ask))

	res, err := p.Submit(ctx, SubmitRequest{ClientOrderID: "o1", Spec: marketBuy("AAPL", 5)}, nil)
	require.NoError(t, err)
	st, err := p.Status(ctx, res.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, st.Status)

	assert.Equal(t, int64(4), reg.Counter("broker_calls_total").Value())
	assert.Equal(t, int64(0), reg.Counter("broker_call_errors_total").Value())
	assert.Equal(t, float64(1), reg.Gauge("broker_connected").Value())
}

func TestPipelineCountsErrors(t *testing.T) {
	sim := NewSimSession(SimOptions{HaltedSymbols: []string{"HALT"}})
	reg := metrics.NewRegistry()
	p := NewPipeline(sim, time.Second, reg, testLogger())
	defer p.Close()

	_, err := p.Quote(context.Background(), domain.Instrument{Symbol: "HALT"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int64(1), reg.Counter("broker_call_errors_total").Value())
	assert.Equal(t, float64(0), reg.Gauge("broker_connected").Value())
}
