package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/audit"
	"tradegate/internal/correlation"
	"tradegate/internal/domain"
)

// CostModel estimates execution costs for previews: a per-share commission
// with a floor.
type CostModel struct {
	CommissionPerShare decimal.Decimal
	MinCommission      decimal.Decimal
}

// Commission returns the estimated commission for qty shares.
func (m CostModel) Commission(qty decimal.Decimal) decimal.Decimal {
	c := m.CommissionPerShare.Mul(qty)
	if c.LessThan(m.MinCommission) {
		return m.MinCommission
	}
	return c
}

// Preview prices a prospective order against the current quote without
// submitting anything. The estimate is best-effort: a stale quote or an
// unmarketable limit price downgrade to warnings, not errors. Every
// preview attempt is audited, successful or not.
func (e *Engine) Preview(ctx context.Context, corr correlation.Context, spec domain.OrderSpec) (p *domain.Preview, err error) {
	start := time.Now()
	defer func() { e.observe("preview", start, err) }()

	spec = spec.Normalize()
	if !e.tradingEnabled {
		err = ErrTradingDisabled
		e.recordPreview(ctx, corr, spec, nil, err)
		return nil, err
	}
	if err = spec.Validate(); err != nil {
		e.recordPreview(ctx, corr, spec, nil, err)
		return nil, err
	}

	quote, qerr := e.pipeline.Quote(ctx, spec.Instrument)
	if qerr != nil {
		err = qerr
		e.recordPreview(ctx, corr, spec, nil, err)
		return nil, err
	}

	p = e.buildPreview(spec, quote)
	e.recordPreview(ctx, corr, spec, p, nil)
	return p, nil
}

func (e *Engine) buildPreview(spec domain.OrderSpec, quote domain.Quote) *domain.Preview {
	p := &domain.Preview{Spec: spec, Quote: quote}

	touch := quote.Touch(spec.Side)
	est := touch
	if spec.Type == domain.OrderTypeLimit {
		marketable := true
		if spec.Side == domain.SideBuy && touch.GreaterThan(spec.LimitPrice) {
			marketable = false
		}
		if spec.Side == domain.SideSell && touch.LessThan(spec.LimitPrice) {
			marketable = false
		}
		if !marketable {
			est = spec.LimitPrice
			p.Warnings = append(p.Warnings, fmt.Sprintf("limit price %s is not marketable against touch %s", spec.LimitPrice, touch))
		}
	}
	if !est.IsPositive() {
		est = quote.Last
		p.Warnings = append(p.Warnings, "no usable touch price, estimating from last trade")
	}
	if e.staleQuoteAfter > 0 && time.Since(quote.Timestamp) > e.staleQuoteAfter {
		p.Warnings = append(p.Warnings, fmt.Sprintf("quote is %s old", time.Since(quote.Timestamp).Round(time.Millisecond)))
	}

	p.EstimatedPrice = est
	p.EstimatedValue = est.Mul(spec.Quantity).Round(4)
	p.EstimatedCommission = e.costs.Commission(spec.Quantity)
	return p
}

// recordPreview audits one preview attempt.
func (e *Engine) recordPreview(ctx context.Context, corr correlation.Context, spec domain.OrderSpec, p *domain.Preview, perr error) {
	payload := audit.PreviewPayload{
		Symbol:     spec.Instrument.Symbol,
		Side:       spec.Side,
		Quantity:   spec.Quantity,
		Type:       spec.Type,
		LimitPrice: spec.LimitPrice,
		Outcome:    "ok",
	}
	if perr != nil {
		payload.Outcome = "error"
		payload.Error = perr.Error()
	} else if p != nil {
		payload.EstimatedPrice = p.EstimatedPrice
		payload.EstimatedValue = p.EstimatedValue
		payload.EstimatedCommission = p.EstimatedCommission
		payload.Warnings = p.Warnings
	}
	e.record(ctx, audit.EventOrderPreview, corr, "", payload)
}
