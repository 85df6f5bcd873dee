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

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LOTGUARD_* environment variable overrides, and
// returns the final Config. An empty path uses the defaults alone. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LOTGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LOTGUARD_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxConns, "LOTGUARD_POSTGRES_MAX_CONNS")
	setInt(&cfg.Postgres.MinConns, "LOTGUARD_POSTGRES_MIN_CONNS")
	setDuration(&cfg.Postgres.StatementTimeout, "LOTGUARD_POSTGRES_STATEMENT_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "LOTGUARD_POSTGRES_RUN_MIGRATIONS")

	// ── SQLite ──
	setStr(&cfg.SQLite.Path, "LOTGUARD_SQLITE_PATH")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LOTGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LOTGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LOTGUARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LOTGUARD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LOTGUARD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LOTGUARD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "LOTGUARD_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LOTGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LOTGUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "LOTGUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LOTGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LOTGUARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LOTGUARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LOTGUARD_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "LOTGUARD_S3_PREFIX")

	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "LOTGUARD_FEED_WS_URL")
	setInt(&cfg.Feed.TickBuffer, "LOTGUARD_FEED_TICK_BUFFER")
	setStr(&cfg.Feed.OrderStream, "LOTGUARD_FEED_ORDER_STREAM")
	setStr(&cfg.Feed.IntentStream, "LOTGUARD_FEED_INTENT_STREAM")
	setDuration(&cfg.Feed.IntentMaxAge, "LOTGUARD_FEED_INTENT_MAX_AGE")
	setDuration(&cfg.Feed.PollInterval, "LOTGUARD_FEED_POLL_INTERVAL")

	// ── Broker ──
	setStr(&cfg.Broker.RequestStream, "LOTGUARD_BROKER_REQUEST_STREAM")
	setInt(&cfg.Broker.OrderRateLimit, "LOTGUARD_BROKER_ORDER_RATE_LIMIT")
	setDuration(&cfg.Broker.OrderRateWindow, "LOTGUARD_BROKER_ORDER_RATE_WINDOW")

	// ── Store ──
	setStr(&cfg.Store.Driver, "LOTGUARD_STORE_DRIVER")

	// ── Sizing ──
	setFloat64(&cfg.Sizing.Equity, "LOTGUARD_SIZING_EQUITY")
	setFloat64(&cfg.Sizing.AssumedStopFraction, "LOTGUARD_SIZING_ASSUMED_STOP_FRACTION")

	// ── Engine ──
	setDuration(&cfg.Engine.BarDuration, "LOTGUARD_ENGINE_BAR_DURATION")

	// ── Manager ──
	setDuration(&cfg.Manager.ExitTimeout, "LOTGUARD_MANAGER_EXIT_TIMEOUT")
	setDuration(&cfg.Manager.SweepInterval, "LOTGUARD_MANAGER_SWEEP_INTERVAL")
	setDuration(&cfg.Manager.PnLInterval, "LOTGUARD_MANAGER_PNL_INTERVAL")
	setInt(&cfg.Manager.ExitWorkers, "LOTGUARD_MANAGER_EXIT_WORKERS")
	setInt(&cfg.Manager.ExitQueueSize, "LOTGUARD_MANAGER_EXIT_QUEUE_SIZE")

	// ── Paper ──
	setDuration(&cfg.Paper.FillDelay, "LOTGUARD_PAPER_FILL_DELAY")
	setInt64(&cfg.Paper.DefaultLotSize, "LOTGUARD_PAPER_DEFAULT_LOT_SIZE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LOTGUARD_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "LOTGUARD_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "LOTGUARD_ARCHIVE_RETENTION")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "LOTGUARD_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "LOTGUARD_METRICS_ADDR")

	// ── Top-level ──
	setStr(&cfg.Mode, "LOTGUARD_MODE")
	setStr(&cfg.LogLevel, "LOTGUARD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
