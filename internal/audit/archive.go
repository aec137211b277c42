package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/parquet-go/parquet-go"
	"golang.org/x/sync/errgroup"
)

// Archiver exports audit events to day-partitioned Parquet files for cold
// storage and offline analysis. The SQLite log stays authoritative; archives
// are copies.
type Archiver struct {
	source Log
	dir    string
	log    *slog.Logger
}

// NewArchiver creates an archiver writing under dir.
func NewArchiver(source Log, dir string, log *slog.Logger) *Archiver {
	return &Archiver{source: source, dir: dir, log: log}
}

// eventRow is the Parquet schema for archived audit events.
type eventRow struct {
	ID            int64  `parquet:"id"`
	Timestamp     int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	CorrelationID string `parquet:"correlation_id"`
	Account       string `parquet:"account"`
	OrderID       string `parquet:"order_id"`
	EventType     string `parquet:"event_type"`
	Payload       string `parquet:"payload"`
}

// ExportDay writes every event of one UTC day to
// <dir>/audit/events-YYYY-MM-DD.parquet, merging with any previous export of
// the same day. It returns the number of events in the archive file.
func (a *Archiver) ExportDay(ctx context.Context, day time.Time) (int, error) {
	from := day.UTC().Truncate(24 * time.Hour)
	to := from.AddDate(0, 0, 1)

	var rows []eventRow
	for offset := 0; ; {
		events, err := a.source.Query(ctx, Filter{From: from, To: to, Limit: 1000, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("reading events for %s: %w", from.Format("2006-01-02"), err)
		}
		for _, ev := range events {
			rows = append(rows, eventRow{
				ID:            ev.ID,
				Timestamp:     ev.Timestamp.UnixMilli(),
				CorrelationID: ev.CorrelationID,
				Account:       ev.Account,
				OrderID:       ev.OrderID,
				EventType:     string(ev.Type),
				Payload:       string(ev.Payload),
			})
		}
		if len(events) < 1000 {
			break
		}
		offset += len(events)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	path := a.archivePath(from)
	existing, _ := readParquetFile[eventRow](path)
	merged := mergeEventRows(existing, rows)

	if err := writeParquetFile(path, merged); err != nil {
		return 0, fmt.Errorf("writing archive for %s: %w", from.Format("2006-01-02"), err)
	}
	a.log.Info("audit day archived", "date", from.Format("2006-01-02"), "events", len(merged), "path", path)
	return len(merged), nil
}

// ExportRange exports every day in [from, to] with up to parallel days in
// flight. It returns the total number of archived events.
func (a *Archiver) ExportRange(ctx context.Context, from, to time.Time, parallel int) (int, error) {
	if parallel < 1 {
		parallel = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	var total atomic.Int64
	for day := from.UTC().Truncate(24 * time.Hour); !day.After(to); day = day.AddDate(0, 0, 1) {
		g.Go(func() error {
			n, err := a.ExportDay(ctx, day)
			if err != nil {
				return err
			}
			total.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(total.Load()), err
	}
	return int(total.Load()), nil
}

// ReadDay loads one day's archive back into events.
func (a *Archiver) ReadDay(day time.Time) ([]Event, error) {
	rows, err := readParquetFile[eventRow](a.archivePath(day.UTC().Truncate(24 * time.Hour)))
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, Event{
			ID:            r.ID,
			Timestamp:     time.UnixMilli(r.Timestamp).UTC(),
			CorrelationID: r.CorrelationID,
			Account:       r.Account,
			OrderID:       r.OrderID,
			Type:          EventType(r.EventType),
			Payload:       json.RawMessage(r.Payload),
		})
	}
	return events, nil
}

// archivePath returns the file for a day.
// Layout: <dir>/audit/events-YYYY-MM-DD.parquet
func (a *Archiver) archivePath(day time.Time) string {
	return filepath.Join(a.dir, "audit", "events-"+day.Format("2006-01-02")+".parquet")
}

// mergeEventRows deduplicates rows by event ID, preferring incoming rows, and
// sorts by (timestamp, id).
func mergeEventRows(existing, incoming []eventRow) []eventRow {
	seen := make(map[int64]eventRow, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}
	merged := make([]eventRow, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
