package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// monitorDefaults returns a config that validates without exchange
// credentials.
func monitorDefaults() Config {
	cfg := Defaults()
	cfg.Mode = "monitor"
	return cfg
}

func TestDefaultsValidateInMonitorMode(t *testing.T) {
	cfg := monitorDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRequiresCredentialsForTrading(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for trade mode without credentials")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Errorf("error %q does not mention api_key", err)
	}

	cfg.Binance.ApiKey = "key"
	cfg.Binance.ApiSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate with credentials: %v", err)
	}
}

func TestValidateEncryptedSecretNeedsPassword(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Binance.ApiKey = "key"
	cfg.Binance.EncryptedSecretPath = "/etc/fundinghunter/secret.enc"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "secret_password") {
		t.Fatalf("Validate = %v, want secret_password error", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "dry_run" }, "unknown mode"},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"unknown policy", func(c *Config) { c.Strategy.DirectionPolicy = "neutral" }, "direction_policy"},
		{"zero quote amount", func(c *Config) { c.Strategy.QuoteAmount = 0 }, "quote_amount"},
		{"zero stop loss", func(c *Config) { c.Risk.StopLossPct = 0 }, "stop_loss_pct"},
		{"backoff ceiling below base", func(c *Config) {
			c.Engine.ProtectionBackoffBase = duration{time.Minute}
			c.Engine.ProtectionBackoffCeiling = duration{time.Second}
		}, "protection_backoff_ceiling"},
		{"unknown scheduler mode", func(c *Config) { c.Scheduler.Mode = "cron" }, "scheduler"},
		{"window out of range", func(c *Config) { c.Scheduler.WindowSec = 7200 }, "window_sec"},
		{"lock without redis", func(c *Config) { c.Engine.DistributedLock = true }, "distributed_lock"},
		{"archive without postgres", func(c *Config) { c.Archive.Enabled = true }, "archive"},
		{"bad server port", func(c *Config) { c.Server.Port = 70000 }, "server"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := monitorDefaults()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "monitor"
log_level = "debug"

[strategy]
threshold_pct = 0.8
direction_policy = "momentum"
signal_ttl = "90s"

[scheduler]
mode = "interval"
scan_interval = "45s"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Strategy.ThresholdPct != 0.8 || cfg.Strategy.DirectionPolicy != "momentum" {
		t.Errorf("strategy = %+v", cfg.Strategy)
	}
	if cfg.Strategy.SignalTTL.Duration != 90*time.Second {
		t.Errorf("signal_ttl = %v, want 90s", cfg.Strategy.SignalTTL.Duration)
	}
	if cfg.Scheduler.ScanInterval.Duration != 45*time.Second {
		t.Errorf("scan_interval = %v, want 45s", cfg.Scheduler.ScanInterval.Duration)
	}
	// Untouched sections keep their defaults.
	if cfg.Risk.StopLossPct != 0.5 {
		t.Errorf("stop_loss_pct = %v, want default 0.5", cfg.Risk.StopLossPct)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "monitor"

[strategy]
treshold_pct = 0.8
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown config keys") {
		t.Fatalf("Load = %v, want unknown-keys error", err)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("FUNDINGHUNTER_MODE", "monitor")
	t.Setenv("FUNDINGHUNTER_STRATEGY_THRESHOLD_PCT", "1.25")
	t.Setenv("FUNDINGHUNTER_ENGINE_ORDER_TIMEOUT", "7s")
	t.Setenv("FUNDINGHUNTER_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "monitor" {
		t.Errorf("mode = %q, want monitor", cfg.Mode)
	}
	if cfg.Strategy.ThresholdPct != 1.25 {
		t.Errorf("threshold_pct = %v, want 1.25", cfg.Strategy.ThresholdPct)
	}
	if cfg.Engine.OrderTimeout.Duration != 7*time.Second {
		t.Errorf("order_timeout = %v, want 7s", cfg.Engine.OrderTimeout.Duration)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[0] != want[0] || cfg.Server.CORSOrigins[1] != want[1] {
		t.Errorf("cors_origins = %v, want %v", cfg.Server.CORSOrigins, want)
	}
}

func TestLoadRejectsMalformedEnvValue(t *testing.T) {
	t.Setenv("FUNDINGHUNTER_MODE", "monitor")
	t.Setenv("FUNDINGHUNTER_ENGINE_ORDER_TIMEOUT", "soon")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "ENGINE_ORDER_TIMEOUT") {
		t.Fatalf("Load = %v, want ENGINE_ORDER_TIMEOUT parse error", err)
	}
}
