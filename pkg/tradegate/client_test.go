package tradegate

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/engine"
	"tradegate/internal/httpapi"
	"tradegate/internal/metrics"
)

// newTestGateway spins up a full gateway on a simulated session and returns
// a client pointed at it.
func newTestGateway(t *testing.T, simOpts broker.SimOptions) *Client {
	t.Helper()
	alog := audit.NewMemoryLog()
	reg := metrics.NewRegistry()
	sim := broker.NewSimSession(simOpts)
	pipe := broker.NewPipeline(sim, time.Second, reg, slog.New(slog.DiscardHandler))

	eng := engine.New(pipe, alog, reg, slog.New(slog.DiscardHandler), engine.Options{
		Account:            "acct-1",
		TradingEnabled:     true,
		OrdersEnabled:      true,
		CommissionPerShare: decimal.NewFromFloat(0.005),
		MinCommission:      decimal.NewFromInt(1),
	})
	t.Cleanup(eng.Close)

	srv := httpapi.NewServer(eng, alog, reg, slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return New(ts.URL)
}

func marketBuy(symbol string, qty int64) OrderSpec {
	return OrderSpec{
		Instrument: Instrument{Symbol: symbol},
		Side:       SideBuy,
		Quantity:   decimal.NewFromInt(qty),
		Type:       TypeMarket,
	}
}

func limitBuy(symbol string, qty int64, limit decimal.Decimal) OrderSpec {
	return OrderSpec{
		Instrument: Instrument{Symbol: symbol},
		Side:       SideBuy,
		Quantity:   decimal.NewFromInt(qty),
		Type:       TypeLimit,
		LimitPrice: limit,
	}
}

// restingLimit derives a buy limit the simulated market will never reach,
// using the quote echoed by a preview.
func restingLimit(t *testing.T, c *Client, symbol string) decimal.Decimal {
	t.Helper()
	p, err := c.Preview(context.Background(), marketBuy(symbol, 1))
	require.NoError(t, err)
	return p.Quote.Bid.Div(decimal.NewFromInt(2)).Round(4)
}

func TestNewClient(t *testing.T) {
	hc := &http.Client{Timeout: time.Second}
	c := New("http://localhost:8090/", WithAccount("acct-9"), WithHTTPClient(hc))

	assert.Equal(t, "http://localhost:8090", c.baseURL)
	assert.Equal(t, "acct-9", c.account)
	assert.Same(t, hc, c.httpClient)
}

func TestClientHealthAndStatus(t *testing.T) {
	c := newTestGateway(t, broker.SimOptions{})
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "sim", h.Backend)

	st, err := c.GatewayStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", st.Account)
	assert.True(t, st.TradingEnabled)
	assert.True(t, st.OrdersEnabled)
}

func TestClientPlaceAndFetch(t *testing.T) {
	c := newTestGateway(t, broker.SimOptions{})
	ctx := context.Background()

	placed, err := c.Place(ctx, marketBuy("AAPL", 100))
	require.NoError(t, err)
	require.NotEmpty(t, placed.ID)
	assert.Equal(t, StatusFilled, placed.Status)
	assert.True(t, placed.FilledQuantity.Equal(decimal.NewFromInt(100)))

	got, err := c.Order(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, placed.ID, got.ID)
	assert.Equal(t, StatusFilled, got.Status)

	records, err := c.Orders(ctx, OrdersFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, placed.ID, records[0].OrderID)
	assert.Equal(t, "AAPL", records[0].Symbol)
}

func TestClientPlaceIdempotent(t *testing.T) {
	c := newTestGateway(t, broker.SimOptions{})
	ctx := context.Background()

	spec := marketBuy("MSFT", 10)
	spec.IdempotencyKey = "key-1"

	first, err := c.Place(ctx, spec)
	require.NoError(t, err)
	second, err := c.Place(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	submits, err := c.Events(ctx, EventsFilter{Types: []string{"ORDER_SUBMIT"}})
	require.NoError(t, err)
	assert.Len(t, submits, 1)
}

func TestClientCancelFlow(t *testing.T) {
	c := newTestGateway(t, broker.SimOptions{})
	ctx := context.Background()

	placed, err := c.Place(ctx, limitBuy("AAPL", 100, restingLimit(t, c, "AAPL")))
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, placed.Status)

	cancelled, err := c.Cancel(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = c.Cancel(ctx, placed.ID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}

func TestClientValidationError(t *testing.T) {
	c := newTestGateway(t, broker.SimOptions{})

	_, err := c.Place(context.Background(), marketBuy("AAPL", -5))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Message, "quantity")
	assert.NotEmpty(t, apiErr.CorrelationID)
}

func TestClientBrokerUnavailable(t *testing.T) {
	c := newTestGateway(t, broker.SimOptions{HaltedSymbols: []string{"HALT"}})

	_, err := c.Place(context.Background(), marketBuy("HALT", 10))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
}

func TestClientPreview(t *testing.T) {
	c := newTestGateway(t, broker.SimOptions{})
	ctx := context.Background()

	p, err := c.Preview(ctx, marketBuy("AAPL", 100))
	require.NoError(t, err)
	assert.True(t, p.EstimatedPrice.IsPositive())
	assert.True(t, p.EstimatedValue.IsPositive())
	assert.True(t, p.EstimatedCommission.IsPositive())

	records, err := c.Orders(ctx, OrdersFilter{})
	require.NoError(t, err)
	assert.Empty(t, records, "a preview must not create an order")
}

func TestClientEventsByOrder(t *testing.T) {
	c := newTestGateway(t, broker.SimOptions{})
	ctx := context.Background()

	placed, err := c.Place(ctx, marketBuy("AAPL", 100))
	require.NoError(t, err)
	_, err = c.Place(ctx, marketBuy("MSFT", 10))
	require.NoError(t, err)

	events, err := c.Events(ctx, EventsFilter{OrderID: placed.ID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ORDER_SUBMIT", events[0].Type)
	assert.Equal(t, "ORDER_FILL", events[1].Type)
	for _, ev := range events {
		assert.Equal(t, placed.ID, ev.OrderID)
	}
}

func TestClientSetOrdersEnabled(t *testing.T) {
	c := newTestGateway(t, broker.SimOptions{})
	ctx := context.Background()

	st, err := c.SetOrdersEnabled(ctx, false)
	require.NoError(t, err)
	assert.False(t, st.OrdersEnabled)

	_, err = c.Place(ctx, marketBuy("AAPL", 100))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)

	st, err = c.SetOrdersEnabled(ctx, true)
	require.NoError(t, err)
	assert.True(t, st.OrdersEnabled)

	_, err = c.Place(ctx, marketBuy("AAPL", 100))
	require.NoError(t, err)
}

func TestClientMetrics(t *testing.T) {
	c := newTestGateway(t, broker.SimOptions{})
	ctx := context.Background()

	_, err := c.Place(ctx, marketBuy("AAPL", 100))
	require.NoError(t, err)

	m, err := c.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Counters["orders_place_total"])
	assert.Equal(t, float64(1), m.Gauges["broker_connected"])

	lat, ok := m.Histograms["orders_place_seconds"]
	require.True(t, ok)
	assert.Equal(t, int64(1), lat.Count)
	assert.LessOrEqual(t, lat.P50, lat.P99)
}
