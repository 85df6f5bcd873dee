package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lotguard.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeTOML(t, `
mode = "live"
log_level = "debug"

[store]
driver = "postgres"

[postgres]
dsn = "postgres://lotguard:hunter2@db:5432/lotguard"

[manager]
exit_timeout = "7s"
exit_workers = 8

[schedule.floors]
"NSE_FNO:43001" = 2.5

[policy.full_deploy]
max_lots = 4
scaling_allowed = true
max_scale_steps = 1
profit_targets = [10.0, 20.0]
hard_stop_pct = 25.0
time_stop_bars = 30
runner_exit = true

[[sizing.bands]]
name = "small"
up_to = 100000.0
allocation_pct = 20.0
risk_pct = 2.0

[[sizing.bands]]
name = "rest"
allocation_pct = 10.0
risk_pct = 1.0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 7*time.Second, cfg.Manager.ExitTimeout.Duration)
	assert.Equal(t, 8, cfg.Manager.ExitWorkers)
	// Untouched keys keep their defaults.
	assert.Equal(t, 64, cfg.Manager.ExitQueueSize)
	assert.InDelta(t, 2.5, cfg.Schedule.Floors["NSE_FNO:43001"], 1e-9)
	assert.Equal(t, int64(4), cfg.Policy["full_deploy"].MaxLots)
	assert.Equal(t, []float64{10, 20}, cfg.Policy["full_deploy"].ProfitTargets)
	require.Len(t, cfg.Sizing.Bands, 2)
	assert.Zero(t, cfg.Sizing.Bands[1].UpTo)
}

func TestLoad_UnknownKeysRejected(t *testing.T) {
	path := writeTOML(t, `
[manager]
exit_timout = "7s"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manager.exit_timout")
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	def := Defaults()
	assert.Equal(t, def.Manager, cfg.Manager)
	assert.Equal(t, def.Feed, cfg.Feed)
	assert.Equal(t, def.Schedule.Profit, cfg.Schedule.Profit)
	assert.Len(t, cfg.Sizing.Bands, 4)
	assert.Equal(t, int64(75), cfg.Paper.LotSizes["NSE_FNO:43885"])
	assert.Equal(t, []float64{12, 25}, cfg.Policy["scale_ready"].ProfitTargets)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LOTGUARD_MODE", "reconcile")
	t.Setenv("LOTGUARD_REDIS_ADDR", "redis:6380")
	t.Setenv("LOTGUARD_MANAGER_SWEEP_INTERVAL", "750ms")
	t.Setenv("LOTGUARD_SIZING_EQUITY", "250000")
	t.Setenv("LOTGUARD_ARCHIVE_ENABLED", "true")
	t.Setenv("LOTGUARD_MANAGER_EXIT_WORKERS", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "reconcile", cfg.Mode)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 750*time.Millisecond, cfg.Manager.SweepInterval.Duration)
	assert.InDelta(t, 250000, cfg.Sizing.Equity, 1e-9)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, 4, cfg.Manager.ExitWorkers)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	cfg.Store.Driver = "postgres"
	cfg.Redis.Addr = ""
	cfg.Sizing.AssumedStopFraction = 0
	cfg.Schedule.Loss.FullDepthLossPct = 5
	cfg.Policy = map[string]PolicyConfig{
		"blocked":     {MaxLots: 1, HardStopPct: 10},
		"scale_ready": {MaxLots: 2, HardStopPct: 10, ProfitTargets: []float64{20, 10}},
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "yolo"`,
		"postgres: dsn is required",
		"redis: addr must not be empty",
		"assumed_stop_fraction",
		"full_depth_loss_pct must be negative",
		`unknown permission "blocked"`,
		"policy.scale_ready: profit_targets must be ascending",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidate_MemoryStoreNotAllowedLive(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Store.Driver = "memory"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver memory is not allowed in live mode")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.DSN = "postgres://lotguard:hunter2@db:5432/lotguard"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.AccessKey = "AKIA"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Policy = map[string]PolicyConfig{"full_deploy": {ProfitTargets: []float64{10}}}

	out := RedactedConfig(&cfg)
	assert.NotContains(t, out.Postgres.DSN, "hunter2")
	assert.Contains(t, out.Postgres.DSN, "db:5432")
	assert.Equal(t, redacted, out.Redis.Password)
	assert.Equal(t, redacted, out.S3.AccessKey)
	assert.Equal(t, redacted, out.S3.SecretKey)

	out.Policy["full_deploy"].ProfitTargets[0] = 99
	assert.InDelta(t, 10, cfg.Policy["full_deploy"].ProfitTargets[0], 1e-9)
	assert.Equal(t, "redis-secret", cfg.Redis.Password)

	assert.Equal(t, redacted, redactDSN("host=db password=x"))
	assert.Empty(t, redactDSN(""))
}
