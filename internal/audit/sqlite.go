package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Log = (*SQLiteLog)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp      INTEGER NOT NULL,
	correlation_id TEXT NOT NULL,
	account        TEXT NOT NULL,
	order_id       TEXT NOT NULL DEFAULT '',
	event_type     TEXT NOT NULL,
	payload        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_log(correlation_id);
CREATE INDEX IF NOT EXISTS idx_audit_order ON audit_log(order_id);

CREATE TABLE IF NOT EXISTS order_history (
	order_id        TEXT PRIMARY KEY,
	account         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	limit_price     TEXT NOT NULL,
	status          TEXT NOT NULL,
	filled_quantity TEXT NOT NULL,
	avg_fill_price  TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_account ON order_history(account);
CREATE INDEX IF NOT EXISTS idx_history_symbol ON order_history(symbol);
`

// SQLiteLog implements Log backed by a SQLite database. Every Record runs in
// one transaction that appends the event and folds it into the order_history
// projection, so the projection can never run ahead of or behind the log.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog opens (or creates) the database at dbPath and ensures the
// schema exists.
func NewSQLiteLog(dbPath string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// Close closes the underlying database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

// Record appends the event and updates the projection in one transaction.
func (l *SQLiteLog) Record(ctx context.Context, ev Event) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("audit: unknown event type %q", ev.Type)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning audit tx: %w", err)
	}
	defer tx.Rollback()

	var idArg any
	if ev.ID != 0 {
		idArg = ev.ID
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (id, timestamp, correlation_id, account, order_id, event_type, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		idArg, ev.Timestamp.UnixMilli(), ev.CorrelationID, ev.Account, ev.OrderID,
		string(ev.Type), string(ev.Payload))
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	if ev.ID == 0 {
		if id, err := res.LastInsertId(); err == nil {
			ev.ID = id
		}
	}

	if err := l.applyTx(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing audit event: %w", err)
	}
	return nil
}

// applyTx mirrors applyEvent in SQL: the same switch, same skip rules.
func (l *SQLiteLog) applyTx(ctx context.Context, tx *sql.Tx, ev Event) error {
	if ev.OrderID == "" {
		return nil
	}
	ts := ev.Timestamp.UnixMilli()
	switch ev.Type {
	case EventOrderSubmit:
		var p OrderPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decoding %s payload: %w", ev.Type, err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO order_history
			 (order_id, account, symbol, side, quantity, order_type, limit_price,
			  status, filled_quantity, avg_fill_price, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.OrderID, ev.Account, p.Symbol, string(p.Side), p.Quantity.String(),
			string(p.Type), p.LimitPrice.String(), string(p.Status),
			decimal.Zero.String(), decimal.Zero.String(), ts, ts)
		if err != nil {
			return fmt.Errorf("projecting submit: %w", err)
		}
	case EventOrderFill:
		var p FillPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decoding %s payload: %w", ev.Type, err)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE order_history SET status = ?, filled_quantity = ?, avg_fill_price = ?, updated_at = ?
			 WHERE order_id = ?`,
			string(p.Status), p.FilledQuantity.String(), p.AvgFillPrice.String(), ts, ev.OrderID)
		if err != nil {
			return fmt.Errorf("projecting fill: %w", err)
		}
	case EventOrderCancel:
		var p CancelPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decoding %s payload: %w", ev.Type, err)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE order_history SET status = ?, filled_quantity = ?, avg_fill_price = ?, updated_at = ?
			 WHERE order_id = ?`,
			string(p.Status), p.FilledQuantity.String(), p.AvgFillPrice.String(), ts, ev.OrderID)
		if err != nil {
			return fmt.Errorf("projecting cancel: %w", err)
		}
	case EventOrderReject:
		_, err := tx.ExecContext(ctx,
			`UPDATE order_history SET status = ?, updated_at = ? WHERE order_id = ?`,
			string(domain.StatusRejected), ts, ev.OrderID)
		if err != nil {
			return fmt.Errorf("projecting reject: %w", err)
		}
	}
	return nil
}

// Query returns events matching the filter, ordered by (timestamp, id).
func (l *SQLiteLog) Query(ctx context.Context, f Filter) ([]Event, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT id, timestamp, correlation_id, account, order_id, event_type, payload FROM audit_log`)

	var conds []string
	var args []any
	if f.Account != "" {
		conds = append(conds, "account = ?")
		args = append(args, f.Account)
	}
	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if f.OrderID != "" {
		conds = append(conds, "order_id = ?")
		args = append(args, f.OrderID)
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "event_type IN ("+strings.Join(ph, ",")+")")
	}
	if !f.From.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, f.To.UnixMilli())
	}
	if len(conds) > 0 {
		q.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	q.WriteString(" ORDER BY timestamp ASC, id ASC LIMIT ? OFFSET ?")
	args = append(args, limit, f.Offset)

	rows, err := l.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		ev      Event
		ts      int64
		typ     string
		payload string
	)
	if err := rows.Scan(&ev.ID, &ts, &ev.CorrelationID, &ev.Account, &ev.OrderID, &typ, &payload); err != nil {
		return Event{}, fmt.Errorf("scanning audit event: %w", err)
	}
	ev.Timestamp = time.UnixMilli(ts).UTC()
	ev.Type = EventType(typ)
	ev.Payload = json.RawMessage(payload)
	return ev, nil
}

// OrderHistory returns the projected record for one order.
func (l *SQLiteLog) OrderHistory(ctx context.Context, orderID string) (*OrderRecord, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT order_id, account, symbol, side, quantity, order_type, limit_price,
		        status, filled_quantity, avg_fill_price, created_at, updated_at
		 FROM order_history WHERE order_id = ?`, orderID)
	rec, err := scanOrderRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListOrderHistory returns projected records, newest first.
func (l *SQLiteLog) ListOrderHistory(ctx context.Context, f HistoryFilter) ([]OrderRecord, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT order_id, account, symbol, side, quantity, order_type, limit_price,
	                      status, filled_quantity, avg_fill_price, created_at, updated_at
	               FROM order_history`)
	var conds []string
	var args []any
	if f.Account != "" {
		conds = append(conds, "account = ?")
		args = append(args, f.Account)
	}
	if f.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) > 0 {
		q.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	q.WriteString(" ORDER BY created_at DESC, order_id ASC LIMIT ? OFFSET ?")
	args = append(args, limit, f.Offset)

	rows, err := l.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying order history: %w", err)
	}
	defer rows.Close()

	var records []OrderRecord
	for rows.Next() {
		rec, err := scanOrderRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrderRecord(s scanner) (*OrderRecord, error) {
	var (
		rec                  OrderRecord
		side, otype, status  string
		qty, limitPx         string
		filledQty, avgPx     string
		createdAt, updatedAt int64
	)
	if err := s.Scan(&rec.OrderID, &rec.Account, &rec.Symbol, &side, &qty, &otype,
		&limitPx, &status, &filledQty, &avgPx, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Side = domain.Side(side)
	rec.Type = domain.OrderType(otype)
	rec.Status = domain.Status(status)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	var err error
	if rec.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("parsing quantity %q: %w", qty, err)
	}
	if rec.LimitPrice, err = decimal.NewFromString(limitPx); err != nil {
		return nil, fmt.Errorf("parsing limit price %q: %w", limitPx, err)
	}
	if rec.FilledQuantity, err = decimal.NewFromString(filledQty); err != nil {
		return nil, fmt.Errorf("parsing filled quantity %q: %w", filledQty, err)
	}
	if rec.AvgFillPrice, err = decimal.NewFromString(avgPx); err != nil {
		return nil, fmt.Errorf("parsing avg fill price %q: %w", avgPx, err)
	}
	return &rec, nil
}

// RebuildHistory drops the projection and replays every event through the
// same fold Record uses. The result must match what incremental maintenance
// produced; anything else is a bug in one of the two paths.
func (l *SQLiteLog) RebuildHistory(ctx context.Context) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rebuild tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, timestamp, correlation_id, account, order_id, event_type, payload
		 FROM audit_log ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return fmt.Errorf("reading audit log: %w", err)
	}
	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	records := make(map[string]*OrderRecord)
	for _, ev := range events {
		if err := applyEvent(records, ev); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM order_history`); err != nil {
		return fmt.Errorf("clearing order history: %w", err)
	}

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := records[id]
		_, err := tx.ExecContext(ctx,
			`INSERT INTO order_history
			 (order_id, account, symbol, side, quantity, order_type, limit_price,
			  status, filled_quantity, avg_fill_price, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.OrderID, rec.Account, rec.Symbol, string(rec.Side), rec.Quantity.String(),
			string(rec.Type), rec.LimitPrice.String(), string(rec.Status),
			rec.FilledQuantity.String(), rec.AvgFillPrice.String(),
			rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("rewriting order history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rebuild: %w", err)
	}
	return nil
}
