package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
	"tradegate/internal/util"
)

// Compile-time interface check.
var _ Session = (*AlpacaSession)(nil)

// defaultRateLimitPerMin matches Alpaca's standard per-key request budget.
const defaultRateLimitPerMin = 200

// AlpacaOptions configures the Alpaca-backed session.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	// BaseURL is the trading API endpoint, e.g. the paper-trading host.
	BaseURL string
	// DataBaseURL overrides the market-data endpoint when set.
	DataBaseURL string
	// RateLimitPerMin throttles outbound API calls.
	RateLimitPerMin int
}

// AlpacaSession implements Session against the Alpaca trading and
// market-data APIs. Every outbound call waits on a shared rate limiter so
// the gateway stays inside the per-key request budget.
type AlpacaSession struct {
	trading *alpaca.Client
	data    *marketdata.Client
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewAlpacaSession creates a session from API credentials. It does not
// contact the broker; use Ping to verify connectivity.
func NewAlpacaSession(opts AlpacaOptions, log *slog.Logger) *AlpacaSession {
	perMin := opts.RateLimitPerMin
	if perMin <= 0 {
		perMin = defaultRateLimitPerMin
	}
	dataOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataBaseURL != "" {
		dataOpts.BaseURL = opts.DataBaseURL
	}
	return &AlpacaSession{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		data:    marketdata.NewClient(dataOpts),
		limiter: util.NewRateLimiter(perMin),
		log:     log.With("session", "alpaca"),
	}
}

// Name returns "alpaca".
func (s *AlpacaSession) Name() string { return "alpaca" }

// Ping fetches the account to confirm credentials and connectivity.
func (s *AlpacaSession) Ping(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := s.trading.GetAccount(); err != nil {
		return classifyAlpacaErr(err)
	}
	return nil
}

// Quote combines the latest NBBO quote with the latest trade. A missing
// last trade is not fatal; the mid price stands in for it.
func (s *AlpacaSession) Quote(ctx context.Context, ins domain.Instrument) (domain.Quote, error) {
	sym := ins.Normalize().Symbol
	if err := s.limiter.Wait(ctx); err != nil {
		return domain.Quote{}, err
	}
	aq, err := s.data.GetLatestQuote(sym, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return domain.Quote{}, classifyAlpacaErr(err)
	}
	q := domain.Quote{
		Symbol:    sym,
		Bid:       decimal.NewFromFloat(aq.BidPrice),
		Ask:       decimal.NewFromFloat(aq.AskPrice),
		BidSize:   int64(aq.BidSize),
		AskSize:   int64(aq.AskSize),
		Timestamp: aq.Timestamp,
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return domain.Quote{}, err
	}
	if at, err := s.data.GetLatestTrade(sym, marketdata.GetLatestTradeRequest{}); err == nil {
		q.Last = decimal.NewFromFloat(at.Price)
	} else {
		s.log.Warn("latest trade unavailable, using mid", "symbol", sym, "err", err)
		q.Last = q.Mid()
	}
	return q, nil
}

// Submit places the order with Alpaca, passing the gateway order ID through
// as the client order ID so the submission stays identifiable even if the
// reply is lost.
func (s *AlpacaSession) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	spec := req.Spec.Normalize()
	if err := s.limiter.Wait(ctx); err != nil {
		return SubmitResult{}, err
	}

	qty := spec.Quantity
	por := alpaca.PlaceOrderRequest{
		Symbol:        spec.Instrument.Symbol,
		Qty:           &qty,
		Side:          alpacaSide(spec.Side),
		Type:          alpacaOrderType(spec.Type),
		TimeInForce:   alpacaTIF(spec.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	}
	if spec.Type == domain.OrderTypeLimit {
		limit := spec.LimitPrice
		por.LimitPrice = &limit
	}

	order, err := s.trading.PlaceOrder(por)
	if err != nil {
		return SubmitResult{}, classifyAlpacaErr(err)
	}
	status := mapAlpacaStatus(order.Status, order.FilledQty)
	if status == domain.StatusRejected {
		return SubmitResult{}, &RejectError{Reason: fmt.Sprintf("order %s rejected by venue", order.ID)}
	}
	return SubmitResult{
		BrokerOrderID:  order.ID,
		Status:         status,
		FilledQuantity: order.FilledQty,
		AvgFillPrice:   derefPrice(order.FilledAvgPrice),
	}, nil
}

// Cancel asks Alpaca to cancel the order, then reads it back for the final
// fill tally. A cancel refused because the order already completed reports
// Cancelled false rather than an error.
func (s *AlpacaSession) Cancel(ctx context.Context, brokerOrderID string) (CancelResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return CancelResult{}, err
	}
	cancelErr := s.trading.CancelOrder(brokerOrderID)
	if cancelErr != nil {
		cancelErr = classifyAlpacaErr(cancelErr)
		var reject *RejectError
		if !errors.As(cancelErr, &reject) {
			return CancelResult{}, cancelErr
		}
		// Refused cancel: the order finished first. Fall through and read
		// the final state.
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return CancelResult{}, err
	}
	order, err := s.trading.GetOrder(brokerOrderID)
	if err != nil {
		if cancelErr == nil {
			// The cancel went through but the follow-up read failed.
			// Report the cancel; fills reconcile through Status later.
			s.log.Warn("order read after cancel failed", "brokerOrderID", brokerOrderID, "err", err)
			return CancelResult{Cancelled: true}, nil
		}
		return CancelResult{}, classifyAlpacaErr(err)
	}
	status := mapAlpacaStatus(order.Status, order.FilledQty)
	return CancelResult{
		Cancelled:      status != domain.StatusFilled && status != domain.StatusRejected,
		FilledQuantity: order.FilledQty,
		AvgFillPrice:   derefPrice(order.FilledAvgPrice),
	}, nil
}

// Status reads the broker-side order state.
func (s *AlpacaSession) Status(ctx context.Context, brokerOrderID string) (StatusReport, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return StatusReport{}, err
	}
	order, err := s.trading.GetOrder(brokerOrderID)
	if err != nil {
		return StatusReport{}, classifyAlpacaErr(err)
	}
	report := StatusReport{
		BrokerOrderID:  order.ID,
		Status:         mapAlpacaStatus(order.Status, order.FilledQty),
		FilledQuantity: order.FilledQty,
		AvgFillPrice:   derefPrice(order.FilledAvgPrice),
	}
	if report.Status == domain.StatusRejected {
		report.Reason = "rejected by venue"
	}
	return report, nil
}

// classifyAlpacaErr maps SDK errors onto the broker error taxonomy.
func classifyAlpacaErr(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 404:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, apiErr.Message)
		case apiErr.StatusCode == 403 || apiErr.StatusCode == 422:
			return &RejectError{Reason: apiErr.Message}
		default:
			return fmt.Errorf("%w: %s", ErrUnavailable, apiErr.Message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// mapAlpacaStatus folds Alpaca's order states onto the gateway lifecycle.
// Open states differ only by whether anything has filled yet.
func mapAlpacaStatus(status string, filled decimal.Decimal) domain.Status {
	switch status {
	case "filled":
		return domain.StatusFilled
	case "partially_filled":
		return domain.StatusPartiallyFilled
	case "canceled", "expired", "done_for_day":
		return domain.StatusCancelled
	case "rejected", "suspended":
		return domain.StatusRejected
	default:
		if filled.IsPositive() {
			return domain.StatusPartiallyFilled
		}
		return domain.StatusSubmitted
	}
}

func alpacaSide(side domain.Side) alpaca.Side {
	if side == domain.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func alpacaOrderType(t domain.OrderType) alpaca.OrderType {
	if t == domain.OrderTypeLimit {
		return alpaca.Limit
	}
	return alpaca.Market
}

func alpacaTIF(tif domain.TimeInForce) alpaca.TimeInForce {
	switch tif {
	case domain.TIFGTC:
		return alpaca.GTC
	case domain.TIFIOC:
		return alpaca.IOC
	default:
		return alpaca.Day
	}
}

// derefPrice unwraps Alpaca's nullable average fill price.
func derefPrice(p *decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return *p
}
