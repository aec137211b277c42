package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/correlation"
	"tradegate/internal/domain"
	"tradegate/internal/engine"
	"tradegate/internal/metrics"
)

// Request and response headers understood by the API.
const (
	headerCorrelationID  = "X-Correlation-ID"
	headerAccount        = "X-Account"
	headerIdempotencyKey = "Idempotency-Key"
)

const maxBodyBytes = 1 << 20

// Server serves the gateway REST API.
type Server struct {
	engine         *engine.Engine
	auditLog       audit.Log
	metrics        *metrics.Registry
	log            *slog.Logger
	defaultAccount string
}

// NewServer creates the API server. The default account for requests without
// an X-Account header is the engine's own.
func NewServer(eng *engine.Engine, auditLog audit.Log, reg *metrics.Registry, log *slog.Logger) *Server {
	return &Server{
		engine:         eng,
		auditLog:       auditLog,
		metrics:        reg,
		log:            log.With("component", "httpapi"),
		defaultAccount: eng.Account(),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/orders/preview", s.handlePreview)
	mux.HandleFunc("POST /api/orders", s.handlePlace)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancel)
	mux.HandleFunc("GET /api/orders/{id}/history", s.handleOrderHistory)
	mux.HandleFunc("GET /api/audit/events", s.handleEvents)
	mux.HandleFunc("POST /api/admin/orders-enabled", s.handleOrdersEnabled)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
}

// Handler returns the full handler chain: CORS, then correlation and request
// logging, then the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(s.requestMiddleware(mux))
}

// requestMiddleware stamps every request with a correlation ID, echoes it on
// the response, and logs one line per request.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.Header.Get(headerCorrelationID) == "" {
			r.Header.Set(headerCorrelationID, uuid.NewString())
		}
		corrID := r.Header.Get(headerCorrelationID)
		w.Header().Set(headerCorrelationID, corrID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Microsecond).String(),
			"correlationID", corrID,
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Correlation-ID, X-Account, Idempotency-Key")
		w.Header().Set("Access-Control-Expose-Headers", "X-Correlation-ID")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// correlate builds the operation identity for a request: the correlation ID
// stamped by the middleware plus the acting account.
func (s *Server) correlate(r *http.Request) correlation.Context {
	account := r.Header.Get(headerAccount)
	if account == "" {
		account = s.defaultAccount
	}
	return correlation.WithID(r.Header.Get(headerCorrelationID), account)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, corrID, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, CorrelationID: corrID})
}

// writeOpError maps a gateway error onto its HTTP status.
func writeOpError(w http.ResponseWriter, corr correlation.Context, err error) {
	writeError(w, errStatus(err), corr.ID, err.Error())
}

// errStatus translates the gateway error taxonomy into HTTP statuses.
func errStatus(err error) int {
	var verr *domain.ValidationError
	var dup *engine.DuplicateSubmissionError
	var reject *broker.RejectError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrOrderNotFound),
		errors.Is(err, broker.ErrOrderNotFound),
		errors.Is(err, audit.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrOrderNotCancellable), errors.As(err, &dup):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTradingDisabled), errors.Is(err, engine.ErrOrdersDisabled):
		return http.StatusServiceUnavailable
	case errors.As(err, &reject):
		return http.StatusUnprocessableEntity
	case errors.Is(err, broker.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, broker.ErrUnavailable), errors.Is(err, broker.ErrClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes a JSON request body into v, capping the body size.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// parseIntParam reads a non-negative integer query parameter, falling back
// to def when absent or malformed.
func parseIntParam(q url.Values, name string, def int) int {
	v := q.Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Backend: s.engine.Snapshot().Backend,
		Time:    time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	corr := s.correlate(r)
	var spec domain.OrderSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, corr.ID, "decoding order spec: "+err.Error())
		return
	}
	p, err := s.engine.Preview(r.Context(), corr, spec)
	if err != nil {
		writeOpError(w, corr, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	corr := s.correlate(r)
	var spec domain.OrderSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, corr.ID, "decoding order spec: "+err.Error())
		return
	}
	// The header wins over the body field when both are present.
	if key := r.Header.Get(headerIdempotencyKey); key != "" {
		spec.IdempotencyKey = key
	}
	order, err := s.engine.Place(r.Context(), corr, spec)
	if err != nil {
		writeOpError(w, corr, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	corr := s.correlate(r)
	order, err := s.engine.Order(r.Context(), corr, r.PathValue("id"))
	if err != nil {
		writeOpError(w, corr, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	corr := s.correlate(r)
	order, err := s.engine.Cancel(r.Context(), corr, r.PathValue("id"))
	if err != nil {
		writeOpError(w, corr, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	corr := s.correlate(r)
	q := r.URL.Query()
	f := audit.HistoryFilter{
		Account: q.Get("account"),
		Symbol:  strings.ToUpper(q.Get("symbol")),
		Status:  domain.Status(q.Get("status")),
		Limit:   parseIntParam(q, "limit", 0),
		Offset:  parseIntParam(q, "offset", 0),
	}
	records, err := s.auditLog.ListOrderHistory(r.Context(), f)
	if err != nil {
		writeOpError(w, corr, err)
		return
	}
	if records == nil {
		records = []audit.OrderRecord{}
	}
	writeJSON(w, http.StatusOK, ordersResponse{Orders: records})
}

func (s *Server) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	corr := s.correlate(r)
	id := r.PathValue("id")

	record, err := s.auditLog.OrderHistory(r.Context(), id)
	if err != nil {
		writeOpError(w, corr, err)
		return
	}
	events, err := s.auditLog.Query(r.Context(), audit.Filter{OrderID: id})
	if err != nil {
		writeOpError(w, corr, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, orderHistoryResponse{Record: record, Events: events})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	corr := s.correlate(r)
	q := r.URL.Query()
	f := audit.Filter{
		Account:       q.Get("account"),
		CorrelationID: q.Get("correlation_id"),
		OrderID:       q.Get("order_id"),
		Limit:         parseIntParam(q, "limit", 0),
		Offset:        parseIntParam(q, "offset", 0),
	}
	for _, t := range q["type"] {
		et := audit.EventType(strings.ToUpper(t))
		if !et.Valid() {
			writeError(w, http.StatusBadRequest, corr.ID, fmt.Sprintf("unknown event type %q", t))
			return
		}
		f.Types = append(f.Types, et)
	}
	var err error
	if f.From, err = parseTimeParam(q, "from"); err != nil {
		writeError(w, http.StatusBadRequest, corr.ID, err.Error())
		return
	}
	if f.To, err = parseTimeParam(q, "to"); err != nil {
		writeError(w, http.StatusBadRequest, corr.ID, err.Error())
		return
	}

	events, err := s.auditLog.Query(r.Context(), f)
	if err != nil {
		writeOpError(w, corr, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

// parseTimeParam reads an RFC 3339 timestamp query parameter.
func parseTimeParam(q url.Values, name string) (time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: want RFC 3339, got %q", name, v)
	}
	return ts, nil
}

func (s *Server) handleOrdersEnabled(w http.ResponseWriter, r *http.Request) {
	corr := s.correlate(r)
	var req ordersEnabledRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, corr.ID, "decoding request: "+err.Error())
		return
	}
	s.engine.SetOrdersEnabled(corr, req.Enabled)
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
