package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sniper-core/internal/domain"
)

const sampleYAML = `
mode: normal
log:
  level: debug
  format: console
strategy:
  type: MOMENTUM
  base_notional: 250
  min_magnitude: 0.04
  ttl_ms: 1500
  min_units:
    dex: 10
  exits:
    take_profit_pct: 0.2
    stop_loss_pct: 0.1
policy:
  blocked_instruments: [SCAM/WETH]
  max_notional: 1000
simulation:
  execution: orderbook
  latency_ms: 150
dispatch:
  store_timeout: 500ms
storage:
  backend: postgres
  postgres_dsn: postgres://localhost/sniper
telemetry:
  kafka:
    brokers: [localhost:9092]
walk_forward:
  train_window_ms: 86400000
  test_window_ms: 3600000
  step_ms: 3600000
  base_notionals: [100, 200]
chaos:
  scenarios:
    - name: outage
      kind: venue_outage
      start_ms: 1000
      duration_ms: 5000
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, domain.ModeShadow, cfg.Mode)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, domain.StrategyTypeListing, cfg.Strategy.StrategyType)
	assert.Equal(t, int64(300_000), cfg.Intake.Normalizer.StalenessMs)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.StoreTimeout)
	assert.Equal(t, 10_000.0, cfg.Risk.InitialEquity)
	assert.Equal(t, 24*time.Hour, cfg.Storage.Redis.KeyTTL)
	assert.Equal(t, 10*time.Minute, cfg.Engine.BookRetention)
	assert.Equal(t, 30, cfg.Report.MinTrades)
	assert.Equal(t, 50.0, cfg.Report.MaxChaosReturnLossPct)
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, domain.ModeNormal, cfg.Mode)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, domain.StrategyTypeMomentum, cfg.Strategy.StrategyType)
	assert.Equal(t, 250.0, cfg.Strategy.BaseNotional)
	assert.Equal(t, int64(1500), cfg.Strategy.TTLMs)
	assert.Equal(t, 10.0, cfg.Strategy.MinUnits["dex"])
	assert.Equal(t, 0.2, cfg.Strategy.Exits.TakeProfitPct)
	assert.Equal(t, []string{"SCAM/WETH"}, cfg.Policy.BlockedInstruments)
	assert.Equal(t, domain.ExecutionOrderBook, cfg.Simulation.Execution)
	assert.Equal(t, int64(150), cfg.Simulation.LatencyMs)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.StoreTimeout)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Telemetry.Kafka.Brokers)
	assert.Equal(t, int64(3_600_000), cfg.WalkForward.StepMs)
	assert.Equal(t, []float64{100, 200}, cfg.WalkForward.BaseNotionals)
	require.Len(t, cfg.Chaos.Scenarios, 1)
	assert.Equal(t, domain.ChaosVenueOutage, cfg.Chaos.Scenarios[0].Kind)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SNIPER_MODE", "observe_only")
	t.Setenv("SNIPER_STORAGE_BACKEND", "redis")
	t.Setenv("SNIPER_STORAGE_REDIS_ADDR", "cache:6379")
	t.Setenv("SNIPER_SIMULATION_LATENCY_MS", "75")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeObserveOnly, cfg.Mode)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "cache:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, int64(75), cfg.Simulation.LatencyMs)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown mode", func(c *Config) { c.Mode = "turbo" }},
		{"zero staleness", func(c *Config) { c.Intake.Normalizer.StalenessMs = 0 }},
		{"zero base notional", func(c *Config) { c.Strategy.BaseNotional = 0 }},
		{"zero ttl", func(c *Config) { c.Strategy.TTLMs = 0 }},
		{"negative min unit", func(c *Config) { c.Strategy.MinUnits = map[string]float64{"dex": -1} }},
		{"bad risk", func(c *Config) { c.Risk.InitialEquity = 0 }},
		{"unknown fee", func(c *Config) { c.Simulation.Fee.Kind = "free" }},
		{"unknown execution", func(c *Config) { c.Simulation.Execution = "magic" }},
		{"negative latency", func(c *Config) { c.Simulation.LatencyMs = -1 }},
		{"negative impact lambda", func(c *Config) { c.Simulation.ImpactLambda = -0.5 }},
		{"slippage cap of whole price", func(c *Config) { c.Simulation.Slippage.MaxBps = 10_000 }},
		{"zero workers", func(c *Config) { c.Dispatch.Workers = 0 }},
		{"zero engine workers", func(c *Config) { c.Engine.Workers = 0 }},
		{"negative report threshold", func(c *Config) { c.Report.MaxDrawdown = -0.1 }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"backtest range", func(c *Config) { c.Backtest.StartMs, c.Backtest.EndMs = 10, 5 }},
		{"negative window", func(c *Config) { c.WalkForward.TestWindowMs = -1 }},
		{"bad scenario", func(c *Config) {
			c.Chaos.Scenarios = []domain.ChaosScenario{{Kind: "meteor", DurationMs: 1}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			err := c.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
