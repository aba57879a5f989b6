// Package config defines the top-level configuration for the funding bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FUNDINGHUNTER_* environment variables.
type Config struct {
	Binance   BinanceConfig   `toml:"binance"`
	Strategy  StrategyConfig  `toml:"strategy"`
	Risk      RiskConfig      `toml:"risk"`
	Engine    EngineConfig    `toml:"engine"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Notify    NotifyConfig    `toml:"notify"`
	Server    ServerConfig    `toml:"server"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// BinanceConfig holds Binance USDT-M futures API endpoints and credentials.
type BinanceConfig struct {
	BaseURL string `toml:"base_url"`
	WsURL   string `toml:"ws_url"`
	ApiKey  string `toml:"api_key"`
	// ApiSecret is the raw secret. Prefer EncryptedSecretPath in deployments.
	ApiSecret string `toml:"api_secret"`
	// EncryptedSecretPath points to a JSON file produced by the encrypt-secret
	// helper; SecretPassword decrypts it.
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`
	RecvWindowMs        int    `toml:"recv_window_ms"`
	OrdersPerSecond     int    `toml:"orders_per_second"`
}

// StrategyConfig holds the signal evaluation policy.
type StrategyConfig struct {
	// ThresholdPct is the funding-rate threshold in percent (0.3 = 0.30%).
	ThresholdPct float64 `toml:"threshold_pct"`
	// LongThresholdPct / ShortThresholdPct override ThresholdPct per
	// direction when non-zero.
	LongThresholdPct  float64 `toml:"long_threshold_pct"`
	ShortThresholdPct float64 `toml:"short_threshold_pct"`
	// DirectionPolicy maps funding-rate sign to position direction:
	// "contrarian" shorts positive funding, "momentum" follows it.
	DirectionPolicy string `toml:"direction_policy"`
	// QuoteAmount is the USDT notional allocated per position.
	QuoteAmount float64 `toml:"quote_amount"`
	// MaxNewEntries caps simultaneous new entries per scan cycle.
	MaxNewEntries int `toml:"max_new_entries"`
	// SignalTTL bounds how long an emitted signal stays actionable.
	SignalTTL duration `toml:"signal_ttl"`
}

// RiskConfig holds the protective-order price policy.
type RiskConfig struct {
	// StopLossPct is the adverse move, in percent of entry, that triggers the
	// stop-loss.
	StopLossPct float64 `toml:"stop_loss_pct"`
	// TakeProfitBufferPct is added on top of |funding rate| to set the
	// take-profit offset in percent of entry.
	TakeProfitBufferPct float64 `toml:"take_profit_buffer_pct"`
}

// EngineConfig holds lifecycle-engine timing and retry parameters.
type EngineConfig struct {
	OrderTimeout      duration `toml:"order_timeout"`
	ReconcileInterval duration `toml:"reconcile_interval"`
	// EntryMaxAttempts bounds entry placement retries; exhausting them is
	// terminal for the signal.
	EntryMaxAttempts int      `toml:"entry_max_attempts"`
	EntryBackoffBase duration `toml:"entry_backoff_base"`
	// Protection retries are unbounded in attempts; the backoff delay is
	// capped at ProtectionBackoffCeiling.
	ProtectionBackoffBase    duration `toml:"protection_backoff_base"`
	ProtectionBackoffCeiling duration `toml:"protection_backoff_ceiling"`
	CancelMaxAttempts        int      `toml:"cancel_max_attempts"`
	// DistributedLock guards entry with a Redis lock so two bot instances
	// cannot double-enter the same symbol.
	DistributedLock bool     `toml:"distributed_lock"`
	LockTTL         duration `toml:"lock_ttl"`
}

// SchedulerConfig holds scan-cycle timing.
type SchedulerConfig struct {
	// Mode selects the trigger: "funding_window" fires within WindowSec of
	// the top of the hour (funding settlement); "interval" scans on a fixed
	// ticker.
	Mode         string   `toml:"mode"`
	WindowSec    int      `toml:"window_sec"`
	ScanInterval duration `toml:"scan_interval"`
	// ScanRetries bounds feed retries within one cycle.
	ScanRetries int `toml:"scan_retries"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig holds ops HTTP server parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`

	// APIKey protects the ops API; empty disables authentication.
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`

	// RateLimitPerMin is the per-client request budget, enforced only when
	// redis is enabled. Zero uses the built-in default.
	RateLimitPerMin int `toml:"rate_limit_per_min"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Binance: BinanceConfig{
			BaseURL:         "https://fapi.binance.com",
			WsURL:           "wss://fstream.binance.com",
			RecvWindowMs:    5000,
			OrdersPerSecond: 10,
		},
		Strategy: StrategyConfig{
			ThresholdPct:    0.3,
			DirectionPolicy: "contrarian",
			QuoteAmount:     100.0,
			MaxNewEntries:   5,
			SignalTTL:       duration{2 * time.Minute},
		},
		Risk: RiskConfig{
			StopLossPct:         0.5,
			TakeProfitBufferPct: 0.5,
		},
		Engine: EngineConfig{
			OrderTimeout:             duration{10 * time.Second},
			ReconcileInterval:        duration{30 * time.Second},
			EntryMaxAttempts:         4,
			EntryBackoffBase:         duration{500 * time.Millisecond},
			ProtectionBackoffBase:    duration{time.Second},
			ProtectionBackoffCeiling: duration{time.Minute},
			CancelMaxAttempts:        5,
			DistributedLock:          false,
			LockTTL:                  duration{30 * time.Second},
		},
		Scheduler: SchedulerConfig{
			Mode:         "funding_window",
			WindowSec:    10,
			ScanInterval: duration{time.Minute},
			ScanRetries:  3,
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "fundinghunter",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "fundinghunter-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{
				"signal_accepted", "entry_filled", "entry_failed",
				"protection_degraded", "protection_restored",
				"position_closed", "reconciliation_corrected",
			},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validDirectionPolicies enumerates the accepted direction policies.
var validDirectionPolicies = map[string]bool{
	"contrarian": true,
	"momentum":   true,
}

// validSchedulerModes enumerates the accepted scheduler trigger modes.
var validSchedulerModes = map[string]bool{
	"funding_window": true,
	"interval":       true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Binance — credentials are mandatory for trading modes.
	needsKeys := c.Mode == "trade" || c.Mode == "full"
	if needsKeys {
		if c.Binance.ApiKey == "" {
			errs = append(errs, "binance: api_key must be set for mode "+c.Mode)
		}
		if c.Binance.ApiSecret == "" && c.Binance.EncryptedSecretPath == "" {
			errs = append(errs, "binance: either api_secret or encrypted_secret_path must be set for mode "+c.Mode)
		}
		if c.Binance.EncryptedSecretPath != "" && c.Binance.SecretPassword == "" {
			errs = append(errs, "binance: secret_password is required when encrypted_secret_path is set")
		}
	}
	if c.Binance.BaseURL == "" {
		errs = append(errs, "binance: base_url must not be empty")
	}
	if c.Binance.RecvWindowMs <= 0 {
		errs = append(errs, "binance: recv_window_ms must be positive")
	}

	// Strategy
	if c.Strategy.ThresholdPct < 0 || c.Strategy.LongThresholdPct < 0 || c.Strategy.ShortThresholdPct < 0 {
		errs = append(errs, "strategy: thresholds must be non-negative")
	}
	if !validDirectionPolicies[c.Strategy.DirectionPolicy] {
		errs = append(errs, fmt.Sprintf("strategy: unknown direction_policy %q (valid: contrarian, momentum)", c.Strategy.DirectionPolicy))
	}
	if c.Strategy.QuoteAmount <= 0 {
		errs = append(errs, "strategy: quote_amount must be > 0")
	}
	if c.Strategy.MaxNewEntries < 1 {
		errs = append(errs, "strategy: max_new_entries must be >= 1")
	}

	// Risk
	if c.Risk.StopLossPct <= 0 {
		errs = append(errs, "risk: stop_loss_pct must be > 0")
	}
	if c.Risk.TakeProfitBufferPct < 0 {
		errs = append(errs, "risk: take_profit_buffer_pct must be >= 0")
	}

	// Engine
	if c.Engine.OrderTimeout.Duration <= 0 {
		errs = append(errs, "engine: order_timeout must be > 0")
	}
	if c.Engine.ReconcileInterval.Duration <= 0 {
		errs = append(errs, "engine: reconcile_interval must be > 0")
	}
	if c.Engine.EntryMaxAttempts < 1 {
		errs = append(errs, "engine: entry_max_attempts must be >= 1")
	}
	if c.Engine.ProtectionBackoffCeiling.Duration < c.Engine.ProtectionBackoffBase.Duration {
		errs = append(errs, "engine: protection_backoff_ceiling must be >= protection_backoff_base")
	}

	// Scheduler
	if !validSchedulerModes[c.Scheduler.Mode] {
		errs = append(errs, fmt.Sprintf("scheduler: unknown mode %q (valid: funding_window, interval)", c.Scheduler.Mode))
	}
	if c.Scheduler.Mode == "funding_window" && (c.Scheduler.WindowSec < 1 || c.Scheduler.WindowSec > 3599) {
		errs = append(errs, fmt.Sprintf("scheduler: window_sec must be 1-3599, got %d", c.Scheduler.WindowSec))
	}
	if c.Scheduler.Mode == "interval" && c.Scheduler.ScanInterval.Duration <= 0 {
		errs = append(errs, "scheduler: scan_interval must be > 0 in interval mode")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}
	if c.Engine.DistributedLock && !c.Redis.Enabled {
		errs = append(errs, "engine: distributed_lock requires redis.enabled")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive.enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive.enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "archive: requires postgres.enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
