package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix namespaces all environment overrides.
const envPrefix = "FUNDINGHUNTER_"

// Load reads configuration from the TOML file at path (when non-empty),
// layered over Defaults, then applies FUNDINGHUNTER_* environment overrides
// and validates the result. A .env file in the working directory is loaded
// first when present.
func Load(path string) (Config, error) {
	// Best effort; absence of .env is not an error.
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides overwrites config fields from FUNDINGHUNTER_* environment
// variables. Only variables that are set override the file values.
func applyEnvOverrides(cfg *Config) error {
	var err error

	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")

	setStr(&cfg.Binance.BaseURL, "BINANCE_BASE_URL")
	setStr(&cfg.Binance.WsURL, "BINANCE_WS_URL")
	setStr(&cfg.Binance.ApiKey, "BINANCE_API_KEY")
	setStr(&cfg.Binance.ApiSecret, "BINANCE_API_SECRET")
	setStr(&cfg.Binance.EncryptedSecretPath, "BINANCE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Binance.SecretPassword, "BINANCE_SECRET_PASSWORD")
	err = firstErr(err, setInt(&cfg.Binance.RecvWindowMs, "BINANCE_RECV_WINDOW_MS"))
	err = firstErr(err, setInt(&cfg.Binance.OrdersPerSecond, "BINANCE_ORDERS_PER_SECOND"))

	err = firstErr(err, setFloat64(&cfg.Strategy.ThresholdPct, "STRATEGY_THRESHOLD_PCT"))
	err = firstErr(err, setFloat64(&cfg.Strategy.LongThresholdPct, "STRATEGY_LONG_THRESHOLD_PCT"))
	err = firstErr(err, setFloat64(&cfg.Strategy.ShortThresholdPct, "STRATEGY_SHORT_THRESHOLD_PCT"))
	setStr(&cfg.Strategy.DirectionPolicy, "STRATEGY_DIRECTION_POLICY")
	err = firstErr(err, setFloat64(&cfg.Strategy.QuoteAmount, "STRATEGY_QUOTE_AMOUNT"))
	err = firstErr(err, setInt(&cfg.Strategy.MaxNewEntries, "STRATEGY_MAX_NEW_ENTRIES"))
	err = firstErr(err, setDuration(&cfg.Strategy.SignalTTL, "STRATEGY_SIGNAL_TTL"))

	err = firstErr(err, setFloat64(&cfg.Risk.StopLossPct, "RISK_STOP_LOSS_PCT"))
	err = firstErr(err, setFloat64(&cfg.Risk.TakeProfitBufferPct, "RISK_TAKE_PROFIT_BUFFER_PCT"))

	err = firstErr(err, setDuration(&cfg.Engine.OrderTimeout, "ENGINE_ORDER_TIMEOUT"))
	err = firstErr(err, setDuration(&cfg.Engine.ReconcileInterval, "ENGINE_RECONCILE_INTERVAL"))
	err = firstErr(err, setInt(&cfg.Engine.EntryMaxAttempts, "ENGINE_ENTRY_MAX_ATTEMPTS"))
	err = firstErr(err, setDuration(&cfg.Engine.EntryBackoffBase, "ENGINE_ENTRY_BACKOFF_BASE"))
	err = firstErr(err, setDuration(&cfg.Engine.ProtectionBackoffBase, "ENGINE_PROTECTION_BACKOFF_BASE"))
	err = firstErr(err, setDuration(&cfg.Engine.ProtectionBackoffCeiling, "ENGINE_PROTECTION_BACKOFF_CEILING"))
	err = firstErr(err, setInt(&cfg.Engine.CancelMaxAttempts, "ENGINE_CANCEL_MAX_ATTEMPTS"))
	err = firstErr(err, setBool(&cfg.Engine.DistributedLock, "ENGINE_DISTRIBUTED_LOCK"))
	err = firstErr(err, setDuration(&cfg.Engine.LockTTL, "ENGINE_LOCK_TTL"))

	setStr(&cfg.Scheduler.Mode, "SCHEDULER_MODE")
	err = firstErr(err, setInt(&cfg.Scheduler.WindowSec, "SCHEDULER_WINDOW_SEC"))
	err = firstErr(err, setDuration(&cfg.Scheduler.ScanInterval, "SCHEDULER_SCAN_INTERVAL"))
	err = firstErr(err, setInt(&cfg.Scheduler.ScanRetries, "SCHEDULER_SCAN_RETRIES"))

	err = firstErr(err, setBool(&cfg.Postgres.Enabled, "POSTGRES_ENABLED"))
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	err = firstErr(err, setInt(&cfg.Postgres.Port, "POSTGRES_PORT"))
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	err = firstErr(err, setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS"))

	err = firstErr(err, setBool(&cfg.Redis.Enabled, "REDIS_ENABLED"))
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	err = firstErr(err, setInt(&cfg.Redis.DB, "REDIS_DB"))
	err = firstErr(err, setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED"))

	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")

	err = firstErr(err, setBool(&cfg.Archive.Enabled, "ARCHIVE_ENABLED"))
	err = firstErr(err, setInt(&cfg.Archive.RetentionDays, "ARCHIVE_RETENTION_DAYS"))
	err = firstErr(err, setDuration(&cfg.Archive.Interval, "ARCHIVE_INTERVAL"))

	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	err = firstErr(err, setBool(&cfg.Server.Enabled, "SERVER_ENABLED"))
	err = firstErr(err, setInt(&cfg.Server.Port, "SERVER_PORT"))
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")

	return err
}

func lookup(key string) (string, bool) {
	return os.LookupEnv(envPrefix + key)
}

func setStr(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

func setFloat64(dst *float64, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	dst.Duration = d
	return nil
}

func setStringSlice(dst *[]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
