// Package config loads the service and backtest configuration from YAML and
// SNIPER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"

	"sniper-core/internal/domain"
	"sniper-core/internal/intake"
	"sniper-core/internal/policy"
	"sniper-core/internal/reporting"
	"sniper-core/internal/risk"
	"sniper-core/internal/telemetry"
)

// EnvPrefix is prepended to every environment override, e.g.
// SNIPER_STORAGE_POSTGRES_DSN.
const EnvPrefix = "SNIPER"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// IntakeConfig configures the websocket feed and normalization.
type IntakeConfig struct {
	Endpoint   string                  `mapstructure:"endpoint"`
	Subscribe  string                  `mapstructure:"subscribe"`
	WS         intake.WSConfig         `mapstructure:"ws"`
	Normalizer intake.NormalizerConfig `mapstructure:"normalizer"`
}

// StrategyConfig selects the strategy and venue minimum units.
type StrategyConfig struct {
	domain.StrategyConfig `mapstructure:",squash"`

	// MinUnits overrides the minimum tradable size per venue.
	MinUnits map[string]float64 `mapstructure:"min_units"`
}

// EngineConfig sizes the live service loop.
type EngineConfig struct {
	Workers int `mapstructure:"workers"`
	Buffer  int `mapstructure:"buffer"`
	// BookRetention bounds the price history kept per instrument.
	BookRetention time.Duration `mapstructure:"book_retention"`
}

// DispatchConfig tunes the dispatcher and live venue adapter.
type DispatchConfig struct {
	Workers         int           `mapstructure:"workers"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	MaxRetries      uint64        `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	RateBurst       int           `mapstructure:"rate_burst"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
}

// RedisConfig addresses the shared idempotency cache and lock.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	PoolSize  int           `mapstructure:"pool_size"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	KeyTTL    time.Duration `mapstructure:"key_ttl"`
}

// StorageConfig selects the idempotency backend and history source.
type StorageConfig struct {
	Backend       string      `mapstructure:"backend"`
	PostgresDSN   string      `mapstructure:"postgres_dsn"`
	ClickhouseDSN string      `mapstructure:"clickhouse_dsn"`
	Redis         RedisConfig `mapstructure:"redis"`
}

// TelemetryConfig selects telemetry sinks. Kafka is enabled when brokers
// are set.
type TelemetryConfig struct {
	Log   bool                  `mapstructure:"log"`
	Kafka telemetry.KafkaConfig `mapstructure:"kafka"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// BacktestConfig selects the historical range and run identity.
type BacktestConfig struct {
	RunID   string `mapstructure:"run_id"`
	StartMs int64  `mapstructure:"start_ms"`
	EndMs   int64  `mapstructure:"end_ms"`
}

// WalkForwardConfig adds the parameter grid and parallelism to the window layout.
type WalkForwardConfig struct {
	domain.WalkForwardConfig `mapstructure:",squash"`

	Parallelism int `mapstructure:"parallelism"`

	// Grid values tried for each window; empty keeps the base value.
	BaseNotionals  []float64 `mapstructure:"base_notionals"`
	MinConfidences []float64 `mapstructure:"min_confidences"`
	MinMagnitudes  []float64 `mapstructure:"min_magnitudes"`
}

// ChaosConfig lists perturbations for a chaos run.
type ChaosConfig struct {
	Scenarios []domain.ChaosScenario `mapstructure:"scenarios"`
}

// Config is the complete configuration.
type Config struct {
	Mode        domain.Mode             `mapstructure:"mode"`
	Log         LogConfig               `mapstructure:"log"`
	Intake      IntakeConfig            `mapstructure:"intake"`
	Engine      EngineConfig            `mapstructure:"engine"`
	Strategy    StrategyConfig          `mapstructure:"strategy"`
	Policy      policy.Rules            `mapstructure:"policy"`
	Risk        risk.Config             `mapstructure:"risk"`
	Simulation  domain.SimulationConfig `mapstructure:"simulation"`
	Dispatch    DispatchConfig          `mapstructure:"dispatch"`
	Storage     StorageConfig           `mapstructure:"storage"`
	Telemetry   TelemetryConfig         `mapstructure:"telemetry"`
	Metrics     MetricsConfig           `mapstructure:"metrics"`
	Backtest    BacktestConfig          `mapstructure:"backtest"`
	WalkForward WalkForwardConfig       `mapstructure:"walk_forward"`
	Chaos       ChaosConfig             `mapstructure:"chaos"`
	Report      reporting.Thresholds    `mapstructure:"report"`
}

// Load reads path (optional) and environment overrides on top of defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(domain.ModeShadow))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	ws := intake.DefaultWSConfig()
	v.SetDefault("intake.endpoint", "")
	v.SetDefault("intake.subscribe", "")
	v.SetDefault("intake.ws.reconnect_delay", ws.ReconnectDelay)
	v.SetDefault("intake.ws.max_reconnect_delay", ws.MaxReconnectDelay)
	v.SetDefault("intake.ws.ping_interval", ws.PingInterval)
	v.SetDefault("intake.ws.read_timeout", ws.ReadTimeout)
	v.SetDefault("intake.ws.write_timeout", ws.WriteTimeout)
	v.SetDefault("intake.ws.buffer_size", ws.BufferSize)
	n := intake.DefaultNormalizerConfig()
	v.SetDefault("intake.normalizer.staleness_ms", n.StalenessMs)
	v.SetDefault("intake.normalizer.max_future_skew_ms", n.MaxFutureSkewMs)
	v.SetDefault("intake.normalizer.min_confidence", n.MinConfidence)
	v.SetDefault("intake.normalizer.default_confidence", n.DefaultConfidence)

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.buffer", 256)
	v.SetDefault("engine.book_retention", 10*time.Minute)

	v.SetDefault("strategy.type", domain.StrategyTypeListing)
	v.SetDefault("strategy.base_notional", 100.0)
	v.SetDefault("strategy.min_confidence", 0.5)
	v.SetDefault("strategy.min_magnitude", 0.05)
	v.SetDefault("strategy.max_slippage_bps", 150.0)
	v.SetDefault("strategy.ttl_ms", 2_000)
	v.SetDefault("strategy.min_unit", 0.0)
	v.SetDefault("strategy.exits.take_profit_pct", 0.0)
	v.SetDefault("strategy.exits.stop_loss_pct", 0.0)
	v.SetDefault("strategy.exits.trailing_pct", 0.0)
	v.SetDefault("strategy.exits.max_hold_ms", 0)

	v.SetDefault("policy.max_notional", 0.0)

	r := risk.DefaultConfig()
	v.SetDefault("risk.initial_equity", r.InitialEquity)
	v.SetDefault("risk.sizing.method", string(r.Sizing.Method))
	v.SetDefault("risk.sizing.fraction", r.Sizing.Fraction)
	v.SetDefault("risk.sizing.target_volatility", r.Sizing.TargetVolatility)
	v.SetDefault("risk.sizing.win_probability", r.Sizing.WinProbability)
	v.SetDefault("risk.sizing.payoff_ratio", r.Sizing.PayoffRatio)
	v.SetDefault("risk.sizing.kelly_fraction", r.Sizing.KellyFraction)
	v.SetDefault("risk.sizing.risk_budget", r.Sizing.RiskBudget)
	v.SetDefault("risk.sizing.max_position_fraction", r.Sizing.MaxPositionFraction)
	v.SetDefault("risk.drawdown.enabled", r.Drawdown.Enabled)
	v.SetDefault("risk.drawdown.recovery_threshold", r.Drawdown.RecoveryThreshold)
	v.SetDefault("risk.drawdown.reduction_threshold", r.Drawdown.ReductionThreshold)
	v.SetDefault("risk.drawdown.reduction_factor", r.Drawdown.ReductionFactor)
	v.SetDefault("risk.drawdown.max_drawdown", r.Drawdown.MaxDrawdown)
	v.SetDefault("risk.drawdown.floor_multiplier", r.Drawdown.FloorMultiplier)
	v.SetDefault("risk.limits.max_exposure", r.Limits.MaxExposure)
	v.SetDefault("risk.limits.max_instrument_units", r.Limits.MaxInstrumentUnits)
	v.SetDefault("risk.limits.max_correlation", r.Limits.MaxCorrelation)
	v.SetDefault("risk.limits.max_open_positions", r.Limits.MaxOpenPositions)
	v.SetDefault("risk.limits.max_daily_loss_pct", r.Limits.MaxDailyLossPct)
	v.SetDefault("risk.limits.min_unit", r.Limits.MinUnit)
	v.SetDefault("risk.breaker.enabled", r.Breaker.Enabled)
	v.SetDefault("risk.breaker.max_drawdown", r.Breaker.MaxDrawdown)
	v.SetDefault("risk.breaker.max_spread_bps", r.Breaker.MaxSpreadBps)
	v.SetDefault("risk.breaker.liquidity_drop_pct", r.Breaker.LiquidityDropPct)
	v.SetDefault("risk.breaker.cooldown_ms", r.Breaker.CooldownMs)

	v.SetDefault("simulation.fee.kind", string(domain.FeeFixedPct))
	v.SetDefault("simulation.fee.bps", 30.0)
	v.SetDefault("simulation.fee.flat_fee", 0.0)
	v.SetDefault("simulation.slippage.kind", string(domain.SlippageSqrt))
	v.SetDefault("simulation.slippage.bps", 5.0)
	v.SetDefault("simulation.slippage.coefficient", 50.0)
	v.SetDefault("simulation.slippage.max_bps", 500.0)
	v.SetDefault("simulation.execution", string(domain.ExecutionSimple))
	v.SetDefault("simulation.require_full_fill", false)
	v.SetDefault("simulation.impact_lambda", 0.0)
	v.SetDefault("simulation.max_price_age_ms", 30_000)
	v.SetDefault("simulation.latency_ms", 200)
	v.SetDefault("simulation.trailing_volume", 0.0)

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.store_timeout", 2*time.Second)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.initial_interval", 50*time.Millisecond)
	v.SetDefault("dispatch.max_interval", time.Second)
	v.SetDefault("dispatch.default_timeout", 5*time.Second)
	v.SetDefault("dispatch.rate_per_second", 10.0)
	v.SetDefault("dispatch.rate_burst", 5)
	v.SetDefault("dispatch.lock_ttl", 10*time.Second)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.clickhouse_dsn", "")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.key_prefix", "sniper:")
	v.SetDefault("storage.redis.key_ttl", 24*time.Hour)

	v.SetDefault("telemetry.log", true)
	v.SetDefault("telemetry.kafka.brokers", []string{})
	v.SetDefault("telemetry.kafka.topic", "sniper.telemetry")
	v.SetDefault("telemetry.kafka.batch_size", 100)
	v.SetDefault("telemetry.kafka.batch_timeout", 10*time.Millisecond)
	v.SetDefault("telemetry.kafka.max_attempts", 3)

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("backtest.run_id", "")
	v.SetDefault("backtest.start_ms", 0)
	v.SetDefault("backtest.end_ms", 0)

	v.SetDefault("walk_forward.train_window_ms", 0)
	v.SetDefault("walk_forward.test_window_ms", 0)
	v.SetDefault("walk_forward.step_ms", 0)
	v.SetDefault("walk_forward.test_offset_ms", 0)
	v.SetDefault("walk_forward.min_train_trades", 0)
	v.SetDefault("walk_forward.min_test_trades", 0)
	v.SetDefault("walk_forward.parallelism", 4)

	th := reporting.DefaultThresholds()
	v.SetDefault("report.min_trades", th.MinTrades)
	v.SetDefault("report.max_drawdown", th.MaxDrawdown)
	v.SetDefault("report.min_completed_window_pct", th.MinCompletedWindowPct)
	v.SetDefault("report.max_chaos_return_loss_pct", th.MaxChaosReturnLossPct)
}

// Validate checks ranges across all sections.
func (c *Config) Validate() error {
	if !c.Mode.IsValid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	if c.Intake.Normalizer.StalenessMs <= 0 {
		return fmt.Errorf("%w: intake.normalizer.staleness_ms must be positive", ErrInvalidConfig)
	}
	if c.Intake.Normalizer.MaxFutureSkewMs < 0 {
		return fmt.Errorf("%w: intake.normalizer.max_future_skew_ms must be non-negative", ErrInvalidConfig)
	}
	if c.Strategy.BaseNotional <= 0 {
		return fmt.Errorf("%w: strategy.base_notional must be positive", ErrInvalidConfig)
	}
	if c.Strategy.MaxSlippageBps < 0 {
		return fmt.Errorf("%w: strategy.max_slippage_bps must be non-negative", ErrInvalidConfig)
	}
	if c.Strategy.TTLMs <= 0 {
		return fmt.Errorf("%w: strategy.ttl_ms must be positive", ErrInvalidConfig)
	}
	for venue, unit := range c.Strategy.MinUnits {
		if unit < 0 {
			return fmt.Errorf("%w: strategy.min_units[%s] must be non-negative", ErrInvalidConfig, venue)
		}
	}
	if c.Policy.MaxNotional < 0 {
		return fmt.Errorf("%w: policy.max_notional must be non-negative", ErrInvalidConfig)
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := validateSimulation(c.Simulation); err != nil {
		return err
	}

	if c.Engine.Workers <= 0 || c.Engine.Buffer < 0 || c.Engine.BookRetention < 0 {
		return fmt.Errorf("%w: engine workers must be positive, buffer and book_retention non-negative", ErrInvalidConfig)
	}

	d := c.Dispatch
	if d.Workers <= 0 {
		return fmt.Errorf("%w: dispatch.workers must be positive", ErrInvalidConfig)
	}
	if d.StoreTimeout <= 0 || d.DefaultTimeout <= 0 {
		return fmt.Errorf("%w: dispatch timeouts must be positive", ErrInvalidConfig)
	}
	if d.RatePerSecond < 0 || d.RateBurst < 0 {
		return fmt.Errorf("%w: dispatch rate limit must be non-negative", ErrInvalidConfig)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("%w: storage.postgres_dsn required for postgres backend", ErrInvalidConfig)
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("%w: storage.redis.addr required for redis backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", ErrInvalidConfig, c.Storage.Backend)
	}

	if len(c.Telemetry.Kafka.Brokers) > 0 && c.Telemetry.Kafka.Topic == "" {
		return fmt.Errorf("%w: telemetry.kafka.topic required with brokers", ErrInvalidConfig)
	}

	if c.Backtest.EndMs < c.Backtest.StartMs {
		return fmt.Errorf("%w: backtest.end_ms before start_ms", ErrInvalidConfig)
	}
	wf := c.WalkForward
	if wf.TrainWindowMs < 0 || wf.TestWindowMs < 0 || wf.StepMs < 0 || wf.TestOffsetMs < 0 {
		return fmt.Errorf("%w: walk_forward lengths must be non-negative", ErrInvalidConfig)
	}
	if wf.Parallelism <= 0 {
		return fmt.Errorf("%w: walk_forward.parallelism must be positive", ErrInvalidConfig)
	}
	for i, s := range c.Chaos.Scenarios {
		if !s.Kind.IsValid() {
			return fmt.Errorf("%w: chaos.scenarios[%d]: unknown kind %q", ErrInvalidConfig, i, s.Kind)
		}
		if s.DurationMs <= 0 {
			return fmt.Errorf("%w: chaos.scenarios[%d]: duration_ms must be positive", ErrInvalidConfig, i)
		}
	}
	if c.Report.MinTrades < 0 || c.Report.MaxDrawdown < 0 || c.Report.MinCompletedWindowPct < 0 || c.Report.MaxChaosReturnLossPct < 0 {
		return fmt.Errorf("%w: report thresholds must be non-negative", ErrInvalidConfig)
	}
	return nil
}

func validateSimulation(s domain.SimulationConfig) error {
	switch s.Fee.Kind {
	case domain.FeeFixedPct, domain.FeeTiered, domain.FeeTimeOfDay, domain.FeeVolumeWeighted:
	default:
		return fmt.Errorf("%w: unknown simulation.fee.kind %q", ErrInvalidConfig, s.Fee.Kind)
	}
	switch s.Slippage.Kind {
	case domain.SlippageFixedBps, domain.SlippageLinear, domain.SlippageSqrt,
		domain.SlippagePowerLaw, domain.SlippageVolatility, domain.SlippageKyle:
	default:
		return fmt.Errorf("%w: unknown simulation.slippage.kind %q", ErrInvalidConfig, s.Slippage.Kind)
	}
	switch s.Execution {
	case domain.ExecutionSimple, domain.ExecutionOrderBook, domain.ExecutionImpact:
	default:
		return fmt.Errorf("%w: unknown simulation.execution %q", ErrInvalidConfig, s.Execution)
	}
	if s.Fee.Bps < 0 || s.Fee.FlatFee < 0 || s.Slippage.Bps < 0 || s.Slippage.MaxBps < 0 {
		return fmt.Errorf("%w: simulation bps must be non-negative", ErrInvalidConfig)
	}
	if s.Slippage.MaxBps >= 10000 {
		return fmt.Errorf("%w: simulation.slippage.max_bps must be below 10000", ErrInvalidConfig)
	}
	if s.ImpactLambda < 0 || math.IsNaN(s.ImpactLambda) {
		return fmt.Errorf("%w: simulation.impact_lambda must be non-negative", ErrInvalidConfig)
	}
	if s.LatencyMs < 0 || s.MaxPriceAgeMs < 0 {
		return fmt.Errorf("%w: simulation latency and max age must be non-negative", ErrInvalidConfig)
	}
	return nil
}
