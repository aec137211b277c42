// Package config loads the gateway's YAML configuration and applies
// environment overrides. Load fills defaults and validates, so a Config
// that comes back without error is ready to wire.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend identifiers accepted in the configuration.
const (
	BrokerSimulated = "simulated"
	BrokerAlpaca    = "alpaca"

	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tradegate service.
type Config struct {
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
	Storage Storage `yaml:"storage"`
	Broker  Broker  `yaml:"broker"`
	Trading Trading `yaml:"trading"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Storage selects where the audit log lives.
type Storage struct {
	// Backend is "sqlite" for a durable log or "memory" for ephemeral runs.
	Backend   string `yaml:"backend"`
	AuditPath string `yaml:"audit_path"`
	// ArchiveDir is where Parquet exports are written.
	ArchiveDir string `yaml:"archive_dir"`
}

// Broker selects and configures the brokerage session.
type Broker struct {
	// Backend is "simulated" or "alpaca".
	Backend       string       `yaml:"backend"`
	CallTimeoutMS int          `yaml:"call_timeout_ms"`
	Alpaca        AlpacaConfig `yaml:"alpaca"`
	Sim           SimConfig    `yaml:"sim"`
}

// AlpacaConfig holds credentials and endpoints for the Alpaca broker API.
type AlpacaConfig struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// SimConfig tunes the deterministic simulated session.
type SimConfig struct {
	SpreadBPS       int64    `yaml:"spread_bps"`
	MaxFillQuantity int64    `yaml:"max_fill_quantity"`
	HaltedSymbols   []string `yaml:"halted_symbols"`
	RejectSymbols   []string `yaml:"reject_symbols"`
	SubmitDelayMS   int      `yaml:"submit_delay_ms"`
}

// Trading gates and prices order flow. Enabled defaults to false: a
// gateway never trades unless the configuration says so.
type Trading struct {
	Enabled            bool    `yaml:"enabled"`
	Account            string  `yaml:"account"`
	CommissionPerShare float64 `yaml:"commission_per_share"`
	MinCommission      float64 `yaml:"min_commission"`
	StaleQuoteMS       int     `yaml:"stale_quote_ms"`
}

// CallTimeout returns the broker call deadline as a duration.
func (b Broker) CallTimeout() time.Duration {
	return time.Duration(b.CallTimeoutMS) * time.Millisecond
}

// SubmitDelay returns the simulated venue latency as a duration.
func (s SimConfig) SubmitDelay() time.Duration {
	return time.Duration(s.SubmitDelayMS) * time.Millisecond
}

// StaleQuoteAfter returns the preview staleness threshold as a duration.
func (t Trading) StaleQuoteAfter() time.Duration {
	return time.Duration(t.StaleQuoteMS) * time.Millisecond
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration at path, fills defaults, applies
// environment overrides, and validates. An empty path skips the file and
// yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageMemory
	}
	if cfg.Broker.Backend == "" {
		cfg.Broker.Backend = BrokerSimulated
	}
	if cfg.Broker.CallTimeoutMS == 0 {
		cfg.Broker.CallTimeoutMS = 5000
	}
	if cfg.Trading.Account == "" {
		cfg.Trading.Account = "default"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Broker.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Broker.Alpaca.APISecret = v
	}

	if v := os.Getenv("TRADEGATE_AUDIT_PATH"); v != "" {
		cfg.Storage.AuditPath = v
	}
	if v := os.Getenv("TRADEGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRADEGATE_TRADING_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Trading.Enabled = enabled
		}
	}

	// Canonical Alpaca env vars win over everything else.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Broker.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Broker.Alpaca.APISecret = v
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Storage.Backend {
	case StorageSQLite:
		if c.Storage.AuditPath == "" {
			return fmt.Errorf("storage.audit_path required for the %s backend", StorageSQLite)
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	switch c.Broker.Backend {
	case BrokerAlpaca:
		if c.Broker.Alpaca.APIKey == "" || c.Broker.Alpaca.APISecret == "" {
			return fmt.Errorf("broker.alpaca credentials required for the %s backend", BrokerAlpaca)
		}
	case BrokerSimulated:
	default:
		return fmt.Errorf("unknown broker.backend %q", c.Broker.Backend)
	}

	if c.Broker.CallTimeoutMS < 0 {
		return fmt.Errorf("broker.call_timeout_ms must not be negative")
	}
	return nil
}
