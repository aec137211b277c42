package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/engine"
	"tradegate/internal/httpapi"
	"tradegate/internal/metrics"
	"tradegate/internal/util"
)

func main() {
	// Load config.
	cfgPath := "config/tradegate.yaml"
	if p := os.Getenv("TRADEGATE_CONFIG"); p != "" {
		cfgPath = p
	} else if _, err := os.Stat(cfgPath); err != nil {
		// No config file: run on defaults (simulated broker, in-memory audit log).
		cfgPath = ""
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// Setup logging.
	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	// Audit log backend.
	var auditLog audit.Log
	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		sl, err := audit.NewSQLiteLog(cfg.Storage.AuditPath)
		if err != nil {
			log.Fatalf("opening audit log: %v", err)
		}
		auditLog = sl
	default:
		auditLog = audit.NewMemoryLog()
	}
	defer auditLog.Close()

	reg := metrics.NewRegistry()

	// Broker session.
	var session broker.Session
	switch cfg.Broker.Backend {
	case config.BrokerAlpaca:
		session = broker.NewAlpacaSession(broker.AlpacaOptions{
			APIKey:          cfg.Broker.Alpaca.APIKey,
			APISecret:       cfg.Broker.Alpaca.APISecret,
			BaseURL:         cfg.Broker.Alpaca.BaseURL,
			DataBaseURL:     cfg.Broker.Alpaca.DataURL,
			RateLimitPerMin: cfg.Broker.Alpaca.RateLimitPerMin,
		}, logger)
	default:
		session = broker.NewSimSession(broker.SimOptions{
			SpreadBPS:       cfg.Broker.Sim.SpreadBPS,
			MaxFillQuantity: decimal.NewFromInt(cfg.Broker.Sim.MaxFillQuantity),
			HaltedSymbols:   cfg.Broker.Sim.HaltedSymbols,
			RejectSymbols:   cfg.Broker.Sim.RejectSymbols,
			SubmitDelay:     cfg.Broker.Sim.SubmitDelay(),
		})
	}

	pipeline := broker.NewPipeline(session, cfg.Broker.CallTimeout(), reg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Probe broker connectivity. A failed probe is logged but not fatal:
	// the simulated backend never fails, and the Alpaca API may recover
	// after the gateway is up.
	if err := util.Retry(ctx, 3, 2*time.Second, func() error {
		return pipeline.Ping(ctx)
	}); err != nil {
		logger.Warn("broker unreachable at startup", "backend", pipeline.Name(), "error", err)
	}

	eng := engine.New(pipeline, auditLog, reg, logger, engine.Options{
		Account:            cfg.Trading.Account,
		TradingEnabled:     cfg.Trading.Enabled,
		OrdersEnabled:      true,
		CommissionPerShare: decimal.NewFromFloat(cfg.Trading.CommissionPerShare),
		MinCommission:      decimal.NewFromFloat(cfg.Trading.MinCommission),
		StaleQuoteAfter:    cfg.Trading.StaleQuoteAfter(),
	})
	defer eng.Close()

	srv := httpapi.NewServer(eng, auditLog, reg, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("gateway listening",
			"addr", httpServer.Addr,
			"backend", pipeline.Name(),
			"trading_enabled", cfg.Trading.Enabled)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
