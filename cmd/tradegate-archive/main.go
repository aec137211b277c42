// One-shot tool: export audit events from the SQLite log to
// day-partitioned Parquet archives.
//
// Re-running a day merges with the existing archive file, so the tool is
// safe to run from cron while the gateway is live.
//
// Usage:
//
//	go build -o bin/tradegate-archive ./cmd/tradegate-archive/
//	bin/tradegate-archive -date 2025-03-14
//	bin/tradegate-archive -from 2025-03-01 -to 2025-03-14 [-parallel 4]
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"tradegate/internal/audit"
	"tradegate/internal/config"
	"tradegate/internal/util"
)

func main() {
	date := flag.String("date", "", "single UTC day to export (YYYY-MM-DD, default today)")
	fromArg := flag.String("from", "", "first UTC day of a range (YYYY-MM-DD)")
	toArg := flag.String("to", "", "last UTC day of a range (YYYY-MM-DD)")
	out := flag.String("out", "", "archive directory (default storage.archive_dir)")
	parallel := flag.Int("parallel", 4, "days exported concurrently")
	flag.Parse()

	cfgPath := "config/tradegate.yaml"
	if p := os.Getenv("TRADEGATE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if cfg.Storage.Backend != config.StorageSQLite {
		log.Fatalf("archiving needs the sqlite audit backend, have %q", cfg.Storage.Backend)
	}

	dir := cfg.Storage.ArchiveDir
	if *out != "" {
		dir = *out
	}
	if dir == "" {
		log.Fatalf("archive directory required (-out or storage.archive_dir)")
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	source, err := audit.NewSQLiteLog(cfg.Storage.AuditPath)
	if err != nil {
		log.Fatalf("opening audit log: %v", err)
	}
	defer source.Close()

	arch := audit.NewArchiver(source, dir, logger)
	ctx := context.Background()

	switch {
	case *fromArg != "" || *toArg != "":
		if *fromArg == "" || *toArg == "" {
			log.Fatalf("-from and -to must be given together")
		}
		from, err := parseDay(*fromArg)
		if err != nil {
			log.Fatalf("parsing -from: %v", err)
		}
		to, err := parseDay(*toArg)
		if err != nil {
			log.Fatalf("parsing -to: %v", err)
		}
		if to.Before(from) {
			log.Fatalf("-to is before -from")
		}
		n, err := arch.ExportRange(ctx, from, to, *parallel)
		if err != nil {
			log.Fatalf("exporting %s..%s: %v", *fromArg, *toArg, err)
		}
		logger.Info("archive range complete", "from", *fromArg, "to", *toArg, "events", n)

	default:
		day := time.Now().UTC()
		if *date != "" {
			day, err = parseDay(*date)
			if err != nil {
				log.Fatalf("parsing -date: %v", err)
			}
		}
		n, err := arch.ExportDay(ctx, day)
		if err != nil {
			log.Fatalf("exporting %s: %v", day.Format("2006-01-02"), err)
		}
		if n == 0 {
			logger.Info("no events to archive", "date", day.Format("2006-01-02"))
		} else {
			logger.Info("archive complete", "date", day.Format("2006-01-02"), "events", n)
		}
	}
}

func parseDay(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}
