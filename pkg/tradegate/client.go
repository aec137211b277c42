// Package tradegate provides a Go client for the gateway REST API.
package tradegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to one gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
	account    string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAccount sets the X-Account header sent with every request.
func WithAccount(account string) Option {
	return func(c *Client) { c.account = account }
}

// New creates a gateway API client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks gateway liveness.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// GatewayStatus reports the gateway's operational state.
func (c *Client) GatewayStatus(ctx context.Context) (*GatewayStatus, error) {
	var st GatewayStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Preview estimates the outcome of an order without placing it.
func (c *Client) Preview(ctx context.Context, spec OrderSpec) (*Preview, error) {
	var p Preview
	if err := c.do(ctx, http.MethodPost, "/api/orders/preview", spec, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Place submits an order. A non-empty IdempotencyKey travels as the
// Idempotency-Key header, making the placement safe to retry.
func (c *Client) Place(ctx context.Context, spec OrderSpec) (*Order, error) {
	var hdr http.Header
	if spec.IdempotencyKey != "" {
		hdr = http.Header{"Idempotency-Key": []string{spec.IdempotencyKey}}
	}
	var o Order
	if err := c.do(ctx, http.MethodPost, "/api/orders", spec, hdr, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Order fetches the current state of one order.
func (c *Client) Order(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+orderID, nil, nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Cancel requests cancellation of an open order and returns its final state.
func (c *Client) Cancel(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	if err := c.do(ctx, http.MethodDelete, "/api/orders/"+orderID, nil, nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Orders lists order-history records, newest first.
func (c *Client) Orders(ctx context.Context, f OrdersFilter) ([]OrderRecord, error) {
	path := "/api/orders"
	if q := f.values().Encode(); q != "" {
		path += "?" + q
	}
	var out struct {
		Orders []OrderRecord `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// Events queries the audit log.
func (c *Client) Events(ctx context.Context, f EventsFilter) ([]Event, error) {
	path := "/api/audit/events"
	if q := f.values().Encode(); q != "" {
		path += "?" + q
	}
	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Metrics fetches the gateway's metrics snapshot.
func (c *Client) Metrics(ctx context.Context) (*Metrics, error) {
	var m Metrics
	if err := c.do(ctx, http.MethodGet, "/metrics", nil, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SetOrdersEnabled toggles the gateway's submission kill switch and returns
// the resulting status.
func (c *Client) SetOrdersEnabled(ctx context.Context, enabled bool) (*GatewayStatus, error) {
	body := map[string]bool{"enabled": enabled}
	var st GatewayStatus
	if err := c.do(ctx, http.MethodPost, "/api/admin/orders-enabled", body, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// do runs one request and decodes the response into out. Non-2xx responses
// come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, body any, header http.Header, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.account != "" {
		req.Header.Set("X-Account", c.account)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return decodeAPIError(res)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// decodeAPIError reads an error response body. Bodies that are not the
// gateway's JSON error shape degrade to the raw text.
func decodeAPIError(res *http.Response) error {
	apiErr := &APIError{Status: res.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))

	var body struct {
		Error         string `json:"error"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.CorrelationID = body.CorrelationID
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(data))
	if apiErr.Message == "" {
		apiErr.Message = res.Status
	}
	return apiErr
}
