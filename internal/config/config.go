// Package config defines the top-level configuration for lotguard and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LOTGUARD_* environment variables.
type Config struct {
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`

	Postgres PostgresConfig          `toml:"postgres"`
	SQLite   SQLiteConfig            `toml:"sqlite"`
	Redis    RedisConfig             `toml:"redis"`
	S3       S3Config                `toml:"s3"`
	Feed     FeedConfig              `toml:"feed"`
	Broker   BrokerConfig            `toml:"broker"`
	Store    StoreConfig             `toml:"store"`
	Sizing   SizingConfig            `toml:"sizing"`
	Schedule ScheduleConfig          `toml:"schedule"`
	Engine   EngineConfig            `toml:"engine"`
	Policy   map[string]PolicyConfig `toml:"policy"`
	Manager  ManagerConfig           `toml:"manager"`
	Paper    PaperConfig             `toml:"paper"`
	Archive  ArchiveConfig           `toml:"archive"`
	Metrics  MetricsConfig           `toml:"metrics"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN              string   `toml:"dsn"`
	MaxConns         int      `toml:"max_conns"`
	MinConns         int      `toml:"min_conns"`
	StatementTimeout duration `toml:"statement_timeout"`
	RunMigrations    bool     `toml:"run_migrations"`
}

// SQLiteConfig holds the local database file location.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
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
	Prefix         string `toml:"prefix"`
}

// FeedConfig holds the live tick feed and the order-update stream settings.
type FeedConfig struct {
	WSURL             string   `toml:"ws_url"`
	HandshakeTimeout  duration `toml:"handshake_timeout"`
	PongWait          duration `toml:"pong_wait"`
	ReconnectDelay    duration `toml:"reconnect_delay"`
	MaxReconnectDelay duration `toml:"max_reconnect_delay"`
	TickBuffer        int      `toml:"tick_buffer"`
	PriceTTL          duration `toml:"price_ttl"`
	OrderStream       string   `toml:"order_stream"`
	IntentStream      string   `toml:"intent_stream"`
	IntentMaxAge      duration `toml:"intent_max_age"`      // older intents are dropped
	EntryPriceMaxAge  duration `toml:"entry_price_max_age"` // cached price age accepted for intents without a price
	StreamBatch       int      `toml:"stream_batch"`
	PollInterval      duration `toml:"poll_interval"`
}

// BrokerConfig holds the live order gateway settings.
type BrokerConfig struct {
	RequestStream   string   `toml:"request_stream"`
	OrderRateLimit  int      `toml:"order_rate_limit"`
	OrderRateWindow duration `toml:"order_rate_window"`
}

// StoreConfig selects the position store backend.
type StoreConfig struct {
	Driver string `toml:"driver"` // postgres | sqlite | memory
}

// BandConfig is one equity band of the capital allocator.
type BandConfig struct {
	Name          string  `toml:"name"`
	UpTo          float64 `toml:"up_to"` // 0 means unbounded
	AllocationPct float64 `toml:"allocation_pct"`
	RiskPct       float64 `toml:"risk_pct"`
}

// SizingConfig holds the capital allocator parameters.
type SizingConfig struct {
	Equity              float64      `toml:"equity"`
	AssumedStopFraction float64      `toml:"assumed_stop_fraction"`
	Bands               []BandConfig `toml:"bands"`
}

// ProfitCurveConfig shapes the allowed giveback from peak profit.
type ProfitCurveConfig struct {
	ActivationPct  float64 `toml:"activation_pct"`
	MaxGivebackPct float64 `toml:"max_giveback_pct"`
	MinGivebackPct float64 `toml:"min_giveback_pct"`
	SaturationPct  float64 `toml:"saturation_pct"`
	Steepness      float64 `toml:"steepness"`
}

// LossCurveConfig shapes the reverse stop for losing positions.
type LossCurveConfig struct {
	MaxStopPct         float64 `toml:"max_stop_pct"`
	MinStopPct         float64 `toml:"min_stop_pct"`
	FullDepthLossPct   float64 `toml:"full_depth_loss_pct"`
	TightenPerMinute   float64 `toml:"tighten_per_minute"`
	ATRRatioThreshold  float64 `toml:"atr_ratio_threshold"`
	CompressionPenalty float64 `toml:"compression_penalty"`
}

// ScheduleConfig holds the drawdown and stop curves.
type ScheduleConfig struct {
	Profit ProfitCurveConfig  `toml:"profit"`
	Loss   LossCurveConfig    `toml:"loss"`
	Floors map[string]float64 `toml:"floors"`
}

// EngineConfig holds the early trend-failure thresholds and the time-stop
// bar length.
type EngineConfig struct {
	TrendScoreDropPct float64  `toml:"trend_score_drop_pct"`
	MinADX            float64  `toml:"min_adx"`
	MinATRRatio       float64  `toml:"min_atr_ratio"`
	RejectionPct      float64  `toml:"rejection_pct"`
	BarDuration       duration `toml:"bar_duration"`
}

// PolicyConfig overrides the execution policy of one permission level. The
// map key is the permission name (execution_only, scale_ready, full_deploy).
type PolicyConfig struct {
	MaxLots        int64     `toml:"max_lots"`
	ScalingAllowed bool      `toml:"scaling_allowed"`
	MaxScaleSteps  int       `toml:"max_scale_steps"`
	ProfitTargets  []float64 `toml:"profit_targets"`
	HardStopPct    float64   `toml:"hard_stop_pct"`
	TimeStopBars   int       `toml:"time_stop_bars"`
	RunnerExit     bool      `toml:"runner_exit"`
}

// ManagerConfig holds position manager timing and queue sizes.
type ManagerConfig struct {
	ExitTimeout     duration `toml:"exit_timeout"`
	FeedTimeout     duration `toml:"feed_timeout"`
	ExitLockTTL     duration `toml:"exit_lock_ttl"`
	SweepInterval   duration `toml:"sweep_interval"`
	PnLInterval     duration `toml:"pnl_interval"`
	CacheTTL        duration `toml:"cache_ttl"`
	CacheMaxEntries int      `toml:"cache_max_entries"`
	DedupTTL        duration `toml:"dedup_ttl"`
	EventBuffer     int      `toml:"event_buffer"`
	EnqueueTimeout  duration `toml:"enqueue_timeout"`
	ExitWorkers     int      `toml:"exit_workers"`
	ExitQueueSize   int      `toml:"exit_queue_size"`
	SnapshotMaxAge  duration `toml:"snapshot_max_age"`
}

// PaperConfig holds the simulated broker settings.
type PaperConfig struct {
	FillDelay      duration         `toml:"fill_delay"`
	MaxPriceAge    duration         `toml:"max_price_age"`
	DefaultLotSize int64            `toml:"default_lot_size"`
	LotSizes       map[string]int64 `toml:"lot_sizes"` // "segment:security_id" -> lot size
}

// ArchiveConfig controls moving terminal positions to object storage.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
	BatchSize int      `toml:"batch_size"`
	MaxFiles  int      `toml:"max_files"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "paper",
		LogLevel: "info",
		Postgres: PostgresConfig{
			MaxConns:         10,
			MinConns:         2,
			StatementTimeout: duration{5 * time.Second},
			RunMigrations:    true,
		},
		SQLite: SQLiteConfig{Path: "./data/lotguard.db"},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "lotguard:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "lotguard-archive",
			ForcePathStyle: true,
		},
		Feed: FeedConfig{
			WSURL:             "ws://localhost:8765/ticks",
			HandshakeTimeout:  duration{10 * time.Second},
			PongWait:          duration{60 * time.Second},
			ReconnectDelay:    duration{time.Second},
			MaxReconnectDelay: duration{30 * time.Second},
			TickBuffer:        4096,
			PriceTTL:          duration{10 * time.Minute},
			OrderStream:       "order_updates",
			IntentStream:      "entry_intents",
			IntentMaxAge:      duration{30 * time.Second},
			EntryPriceMaxAge:  duration{time.Minute},
			StreamBatch:       100,
			PollInterval:      duration{200 * time.Millisecond},
		},
		Broker: BrokerConfig{
			RequestStream:   "order_requests",
			OrderRateLimit:  10,
			OrderRateWindow: duration{time.Second},
		},
		Store: StoreConfig{Driver: "sqlite"},
		Sizing: SizingConfig{
			AssumedStopFraction: 0.30,
		},
		Schedule: ScheduleConfig{
			Profit: ProfitCurveConfig{
				ActivationPct:  3,
				MaxGivebackPct: 15,
				MinGivebackPct: 1,
				SaturationPct:  30,
				Steepness:      3,
			},
			Loss: LossCurveConfig{
				MaxStopPct:         20,
				MinStopPct:         5,
				FullDepthLossPct:   -30,
				TightenPerMinute:   2,
				ATRRatioThreshold:  0.8,
				CompressionPenalty: 4,
			},
			Floors: map[string]float64{},
		},
		Engine: EngineConfig{
			TrendScoreDropPct: 30,
			MinADX:            15,
			MinATRRatio:       0.65,
			RejectionPct:      0.2,
			BarDuration:       duration{5 * time.Minute},
		},
		Policy: map[string]PolicyConfig{},
		Manager: ManagerConfig{
			ExitTimeout:     duration{5 * time.Second},
			FeedTimeout:     duration{3 * time.Second},
			ExitLockTTL:     duration{10 * time.Second},
			SweepInterval:   duration{5 * time.Second},
			PnLInterval:     duration{30 * time.Second},
			CacheTTL:        duration{2 * time.Second},
			CacheMaxEntries: 1000,
			DedupTTL:        duration{10 * time.Minute},
			EventBuffer:     256,
			EnqueueTimeout:  duration{2 * time.Second},
			ExitWorkers:     4,
			ExitQueueSize:   64,
			SnapshotMaxAge:  duration{2 * time.Minute},
		},
		Paper: PaperConfig{
			FillDelay:      duration{50 * time.Millisecond},
			MaxPriceAge:    duration{time.Minute},
			DefaultLotSize: 1,
			LotSizes:       map[string]int64{},
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Interval:  duration{time.Hour},
			Retention: duration{7 * 24 * time.Hour},
			BatchSize: 500,
			MaxFiles:  20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9108",
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":      true,
	"paper":     true,
	"reconcile": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
	"memory":   true,
}

var validPolicyKeys = map[string]bool{
	"execution_only": true,
	"scale_ready":    true,
	"full_deploy":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: live, paper, reconcile)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Store
	driver := strings.ToLower(c.Store.Driver)
	switch {
	case !validDrivers[driver]:
		add("store: unknown driver %q (valid: postgres, sqlite, memory)", c.Store.Driver)
	case driver == "postgres" && strings.TrimSpace(c.Postgres.DSN) == "":
		add("postgres: dsn is required when store.driver is postgres")
	case driver == "sqlite" && c.SQLite.Path == "":
		add("sqlite: path is required when store.driver is sqlite")
	case driver == "memory" && strings.ToLower(c.Mode) == "live":
		add("store: driver memory is not allowed in live mode")
	}
	if c.Postgres.DSN != "" {
		if c.Postgres.MaxConns < 1 {
			add("postgres: max_conns must be >= 1")
		}
		if c.Postgres.MinConns < 0 || c.Postgres.MinConns > c.Postgres.MaxConns {
			add("postgres: min_conns must be between 0 and max_conns")
		}
	}

	// Redis
	if c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	// S3
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty when archive is enabled")
		}
		if c.Archive.Retention.Duration <= 0 {
			add("archive: retention must be > 0")
		}
		if c.Archive.Interval.Duration <= 0 {
			add("archive: interval must be > 0")
		}
	}

	// Feed
	if strings.ToLower(c.Mode) != "reconcile" && c.Feed.WSURL == "" {
		add("feed: ws_url must not be empty")
	}
	if c.Feed.TickBuffer < 1 {
		add("feed: tick_buffer must be >= 1")
	}
	if c.Feed.OrderStream == "" {
		add("feed: order_stream must not be empty")
	}

	// Broker
	if strings.ToLower(c.Mode) == "live" && c.Broker.RequestStream == "" {
		add("broker: request_stream must not be empty in live mode")
	}
	if c.Broker.OrderRateLimit < 0 {
		add("broker: order_rate_limit must be >= 0")
	}

	// Sizing
	if c.Sizing.Equity < 0 {
		add("sizing: equity must be >= 0")
	}
	if f := c.Sizing.AssumedStopFraction; f <= 0 || f > 1 {
		add("sizing: assumed_stop_fraction must be in (0, 1], got %g", f)
	}
	for i, b := range c.Sizing.Bands {
		if b.AllocationPct <= 0 || b.RiskPct <= 0 {
			add("sizing: band %d (%s) needs positive allocation_pct and risk_pct", i, b.Name)
		}
	}

	// Schedule
	p := c.Schedule.Profit
	if p.MinGivebackPct < 0 || p.MinGivebackPct > p.MaxGivebackPct {
		add("schedule: profit min_giveback_pct must be between 0 and max_giveback_pct")
	}
	if p.SaturationPct <= p.ActivationPct {
		add("schedule: profit saturation_pct must exceed activation_pct")
	}
	l := c.Schedule.Loss
	if l.MinStopPct <= 0 || l.MinStopPct > l.MaxStopPct {
		add("schedule: loss min_stop_pct must be in (0, max_stop_pct]")
	}
	if l.FullDepthLossPct >= 0 {
		add("schedule: loss full_depth_loss_pct must be negative")
	}
	for k, v := range c.Schedule.Floors {
		if v < 0 {
			add("schedule: floor for %s must be >= 0", k)
		}
	}

	// Engine
	if c.Engine.BarDuration.Duration <= 0 {
		add("engine: bar_duration must be > 0")
	}

	// Policy
	for name, pol := range c.Policy {
		if !validPolicyKeys[name] {
			add("policy: unknown permission %q (valid: execution_only, scale_ready, full_deploy)", name)
			continue
		}
		if pol.MaxLots < 1 {
			add("policy.%s: max_lots must be >= 1", name)
		}
		if pol.HardStopPct <= 0 {
			add("policy.%s: hard_stop_pct must be > 0", name)
		}
		for i := 1; i < len(pol.ProfitTargets); i++ {
			if pol.ProfitTargets[i] <= pol.ProfitTargets[i-1] {
				add("policy.%s: profit_targets must be ascending", name)
				break
			}
		}
	}

	// Manager
	if c.Manager.ExitTimeout.Duration <= 0 {
		add("manager: exit_timeout must be > 0")
	}
	if c.Manager.SweepInterval.Duration <= 0 || c.Manager.PnLInterval.Duration <= 0 {
		add("manager: sweep_interval and pnl_interval must be > 0")
	}
	if c.Manager.ExitWorkers < 1 || c.Manager.ExitQueueSize < 1 {
		add("manager: exit_workers and exit_queue_size must be >= 1")
	}
	if c.Manager.EventBuffer < 1 {
		add("manager: event_buffer must be >= 1")
	}

	// Paper
	if strings.ToLower(c.Mode) == "paper" && c.Paper.DefaultLotSize < 1 {
		add("paper: default_lot_size must be >= 1")
	}

	// Metrics
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics: addr must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
