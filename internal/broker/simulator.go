package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

// Compile-time interface check.
var _ Session = (*SimSession)(nil)

// wavePeriod is the length, in ticks, of the simulated price cycle.
const wavePeriod = 64

// defaultSpreadBPS is the full bid/ask spread in basis points.
const defaultSpreadBPS = 10

// SimOptions configures the simulated session. The zero value gives an
// always-up venue with a 10 bps spread and unbounded fills.
type SimOptions struct {
	// SpreadBPS is the full bid/ask spread in basis points.
	SpreadBPS int64
	// MaxFillQuantity caps how much of an order fills per observation.
	// Zero means orders fill completely on first touch.
	MaxFillQuantity decimal.Decimal
	// HaltedSymbols fail quotes and submissions with ErrUnavailable.
	HaltedSymbols []string
	// RejectSymbols fail submissions with a RejectError.
	RejectSymbols []string
	// SubmitDelay adds artificial venue latency to every submission.
	SubmitDelay time.Duration
}

// SimSession is a deterministic in-process brokerage. Prices follow a
// triangle wave (period wavePeriod ticks, amplitude 1% around a base price
// derived from the symbol), so a given symbol always quotes the same price
// at the same tick. The tick advances on every Quote and via Advance;
// resting orders fill lazily, whenever Submit, Status or Cancel next
// observes them against the current price.
type SimSession struct {
	spreadBPS   int64
	maxFill     decimal.Decimal
	submitDelay time.Duration
	halted      map[string]bool
	reject      map[string]bool

	mu       sync.Mutex
	tick     int64
	seq      int64
	orders   map[string]*simOrder
	byClient map[string]string
}

type simOrder struct {
	brokerID string
	clientID string
	spec     domain.OrderSpec
	status   domain.Status
	filled   decimal.Decimal
	notional decimal.Decimal
}

// NewSimSession builds a simulated session.
func NewSimSession(opts SimOptions) *SimSession {
	s := &SimSession{
		spreadBPS:   opts.SpreadBPS,
		maxFill:     opts.MaxFillQuantity,
		submitDelay: opts.SubmitDelay,
		halted:      make(map[string]bool),
		reject:      make(map[string]bool),
		orders:      make(map[string]*simOrder),
		byClient:    make(map[string]string),
	}
	if s.spreadBPS <= 0 {
		s.spreadBPS = defaultSpreadBPS
	}
	for _, sym := range opts.HaltedSymbols {
		s.halted[normalizeSymbol(sym)] = true
	}
	for _, sym := range opts.RejectSymbols {
		s.reject[normalizeSymbol(sym)] = true
	}
	return s
}

// Name returns "sim".
func (s *SimSession) Name() string { return "sim" }

// Ping always succeeds; the simulated venue is in-process.
func (s *SimSession) Ping(ctx context.Context) error { return nil }

// Advance moves the simulated clock forward n ticks without quoting.
func (s *SimSession) Advance(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick += n
}

// Quote returns the current top of book and advances the clock one tick.
func (s *SimSession) Quote(ctx context.Context, ins domain.Instrument) (domain.Quote, error) {
	sym := normalizeSymbol(ins.Symbol)
	if s.halted[sym] {
		return domain.Quote{}, fmt.Errorf("%w: %s is halted", ErrUnavailable, sym)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.quoteAt(sym, s.tick)
	s.tick++
	return q, nil
}

// Submit accepts the order and attempts an immediate fill at the current
// price. Unfilled remainder rests until a later observation.
func (s *SimSession) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if s.submitDelay > 0 {
		time.Sleep(s.submitDelay)
	}
	spec := req.Spec.Normalize()
	sym := spec.Instrument.Symbol
	if s.halted[sym] {
		return SubmitResult{}, fmt.Errorf("%w: %s is halted", ErrUnavailable, sym)
	}
	if s.reject[sym] {
		return SubmitResult{}, &RejectError{Reason: fmt.Sprintf("symbol %s not accepted", sym)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ClientOrderID != "" {
		if _, ok := s.byClient[req.ClientOrderID]; ok {
			return SubmitResult{}, &RejectError{Reason: fmt.Sprintf("duplicate client order id %s", req.ClientOrderID)}
		}
	}
	s.seq++
	o := &simOrder{
		brokerID: fmt.Sprintf("SIM-%06d", s.seq),
		clientID: req.ClientOrderID,
		spec:     spec,
		status:   domain.StatusSubmitted,
	}
	s.orders[o.brokerID] = o
	if o.clientID != "" {
		s.byClient[o.clientID] = o.brokerID
	}
	s.checkFillLocked(o)
	return SubmitResult{
		BrokerOrderID:  o.brokerID,
		Status:         o.status,
		FilledQuantity: o.filled,
		AvgFillPrice:   o.avgPrice(),
	}, nil
}

// Cancel observes the order once more, then cancels whatever remains open.
// Cancelled is false when the order had already completed.
func (s *SimSession) Cancel(ctx context.Context, brokerOrderID string) (CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[brokerOrderID]
	if !ok {
		return CancelResult{}, fmt.Errorf("%w: %s", ErrOrderNotFound, brokerOrderID)
	}
	s.checkFillLocked(o)
	res := CancelResult{FilledQuantity: o.filled, AvgFillPrice: o.avgPrice()}
	switch o.status {
	case domain.StatusFilled, domain.StatusRejected:
		return res, nil
	case domain.StatusCancelled:
		res.Cancelled = true
		return res, nil
	}
	o.status = domain.StatusCancelled
	res.Cancelled = true
	return res, nil
}

// Status observes the order against the current price and reports it.
func (s *SimSession) Status(ctx context.Context, brokerOrderID string) (StatusReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[brokerOrderID]
	if !ok {
		return StatusReport{}, fmt.Errorf("%w: %s", ErrOrderNotFound, brokerOrderID)
	}
	s.checkFillLocked(o)
	return StatusReport{
		BrokerOrderID:  o.brokerID,
		Status:         o.status,
		FilledQuantity: o.filled,
		AvgFillPrice:   o.avgPrice(),
	}, nil
}

// checkFillLocked fills an open order against the current tick's price.
// Market orders always trade; limit orders trade only when the touch price
// satisfies the limit. At most maxFill quantity trades per observation.
func (s *SimSession) checkFillLocked(o *simOrder) {
	if o.status.Terminal() {
		return
	}
	q := s.quoteAt(o.spec.Instrument.Symbol, s.tick)
	price := q.Touch(o.spec.Side)
	if o.spec.Type == domain.OrderTypeLimit {
		if o.spec.Side == domain.SideBuy && price.GreaterThan(o.spec.LimitPrice) {
			return
		}
		if o.spec.Side == domain.SideSell && price.LessThan(o.spec.LimitPrice) {
			return
		}
	}
	qty := o.spec.Quantity.Sub(o.filled)
	if s.maxFill.IsPositive() && qty.GreaterThan(s.maxFill) {
		qty = s.maxFill
	}
	if !qty.IsPositive() {
		return
	}
	o.filled = o.filled.Add(qty)
	o.notional = o.notional.Add(qty.Mul(price))
	if o.filled.GreaterThanOrEqual(o.spec.Quantity) {
		o.status = domain.StatusFilled
	} else {
		o.status = domain.StatusPartiallyFilled
	}
}

func (o *simOrder) avgPrice() decimal.Decimal {
	if !o.filled.IsPositive() {
		return decimal.Zero
	}
	return o.notional.Div(o.filled).Round(4)
}

// quoteAt prices sym at the given tick. The base price is hashed from the
// symbol into [$10, $499.99]; a triangle wave walks the mid up and down 1%
// around it, and the configured spread is split evenly around the mid.
func (s *SimSession) quoteAt(sym string, tick int64) domain.Quote {
	hv := symbolHash(sym)
	base := decimal.New(int64(1000+hv%49000), -2)

	phase := int64((hv >> 16)) % wavePeriod
	pos := (phase + tick) % wavePeriod
	if pos < 0 {
		pos += wavePeriod
	}
	units := 2*pos - wavePeriod/2
	if pos >= wavePeriod/2 {
		units = 3*wavePeriod/2 - 2*pos
	}

	// units spans [-32, 32]; dividing by 3200 scales that to +/-1%.
	mid := base.Add(base.Mul(decimal.New(units, 0)).Div(decimal.New(3200, 0))).Round(4)
	half := mid.Mul(decimal.New(s.spreadBPS, 0)).Div(decimal.New(20000, 0))
	return domain.Quote{
		Symbol:    sym,
		Bid:       mid.Sub(half).Round(4),
		Ask:       mid.Add(half).Round(4),
		Last:      mid,
		BidSize:   100,
		AskSize:   100,
		Timestamp: time.Now().UTC(),
	}
}

func symbolHash(sym string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(sym))
	return h.Sum32()
}

func normalizeSymbol(sym string) string {
	return domain.Instrument{Symbol: sym}.Normalize().Symbol
}
