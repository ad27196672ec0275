// Package main runs the live engine:
// - Intake (continuous): websocket signal feed, normalization, dedup
// - Pipeline workers: strategy → policy → risk → dispatch → ledger
// - Exits: open positions closed on take-profit, stop-loss, trailing or max hold
// - Metrics: Prometheus /metrics and /healthz, circuit breaker control on /breaker
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sniper-core/internal/config"
	"sniper-core/internal/dispatch"
	"sniper-core/internal/domain"
	"sniper-core/internal/intake"
	"sniper-core/internal/lookup"
	"sniper-core/internal/observability"
	"sniper-core/internal/orchestrator"
	"sniper-core/internal/pipeline"
	"sniper-core/internal/policy"
	"sniper-core/internal/risk"
	"sniper-core/internal/storage"
	"sniper-core/internal/storage/memory"
	"sniper-core/internal/storage/migrations"
	pgstore "sniper-core/internal/storage/postgres"
	redisstore "sniper-core/internal/storage/redis"
	"sniper-core/internal/strategy"
	"sniper-core/internal/telemetry"
)

// stores holds the backend chosen by storage.backend.
type stores struct {
	idempotency storage.IdempotencyStore
	positions   storage.PositionStore
	log         storage.ExecutionLogStore // nil with redis
	locker      dispatch.Locker           // nil without redis
	close       func()
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config (env SNIPER_* overrides)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Intake.Endpoint == "" {
		logger.Fatal("intake.endpoint is required")
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
		cancel()

		// Wait for second signal for immediate shutdown
		<-sigCh
		logger.Warn("received second signal, forcing exit")
		os.Exit(1)
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("engine error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	start := time.Now()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	sink, closeSink, err := buildSink(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	// Books are marked from signal prices; the paper venue fills against them.
	books := lookup.NewIndex()
	sim := dispatch.NewSimVenue(cfg.Simulation, books, nil)
	var venue dispatch.Venue
	if cfg.Mode == domain.ModeNormal {
		venue = sim
		if cfg.Dispatch.RatePerSecond > 0 {
			venue = dispatch.NewRateLimitedVenue(sim, cfg.Dispatch.RatePerSecond, cfg.Dispatch.RateBurst)
		}
	}

	strat, err := strategy.FromConfig(cfg.Strategy.StrategyConfig)
	if err != nil {
		return fmt.Errorf("create strategy: %w", err)
	}
	engine, err := strategy.NewEngine(strategy.EngineOptions{
		Mode:           cfg.Mode,
		Strategy:       strat,
		MinUnits:       cfg.Strategy.MinUnits,
		DefaultMinUnit: cfg.Strategy.MinUnit,
		Quoter:         sim,
		Sink:           sink,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("create strategy engine: %w", err)
	}

	ledger := risk.NewLedger(cfg.Risk.InitialEquity)
	if err := restorePositions(ctx, st.positions, ledger, logger); err != nil {
		return err
	}
	riskEngine := risk.NewEngine(risk.Options{Config: cfg.Risk, Ledger: ledger, Logger: logger})

	srv := startMetricsServer(cfg.Metrics.Addr, riskEngine.Breaker(), logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	p, err := pipeline.New(pipeline.Options{
		Env: pipeline.Env{
			Venue:     venue,
			Simulator: sim,
			Store:     st.idempotency,
			Locker:    st.locker,
			Log:       st.log,
		},
		Strategy: engine,
		Policy:   policy.NewRuleOracle(cfg.Policy),
		Risk:     riskEngine,
		Dispatch: dispatch.Options{
			DefaultTimeout:  cfg.Dispatch.DefaultTimeout,
			StoreTimeout:    cfg.Dispatch.StoreTimeout,
			MaxRetries:      cfg.Dispatch.MaxRetries,
			InitialInterval: cfg.Dispatch.InitialInterval,
			MaxInterval:     cfg.Dispatch.MaxInterval,
		},
		Positions: st.positions,
		Sink:      sink,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	var subscribe any
	if cfg.Intake.Subscribe != "" {
		subscribe = json.RawMessage(cfg.Intake.Subscribe)
	}
	src, err := intake.NewWSSource(ctx, cfg.Intake.Endpoint, subscribe, &cfg.Intake.WS, logger)
	if err != nil {
		return fmt.Errorf("connect intake: %w", err)
	}
	defer src.Close()

	orch, err := orchestrator.New(orchestrator.Options{
		Intake: intake.New(intake.Options{
			Normalizer: intake.NewNormalizer(cfg.Intake.Normalizer),
			Sink:       sink,
			Logger:     logger,
		}),
		Source:        src,
		Pipeline:      p,
		Books:         books,
		Mode:          cfg.Mode,
		Exits:         cfg.Strategy.Exits,
		TTLMs:         cfg.Strategy.TTLMs,
		BookRetention: cfg.Engine.BookRetention,
		Workers:       cfg.Engine.Workers,
		Buffer:        cfg.Engine.Buffer,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	logger.Info("engine started",
		zap.String("mode", string(cfg.Mode)),
		zap.String("strategy", strat.ID()),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("endpoint", cfg.Intake.Endpoint),
	)
	res, err := orch.Run(ctx)
	status := "completed"
	if err != nil {
		status = "failed"
	}
	observability.RecordRun("live", status, time.Since(start).Seconds())
	if err != nil {
		return err
	}
	logger.Info("engine stopped",
		zap.Int("processed", res.Processed),
		zap.Int("exits", res.Exits),
		zap.Int("open_positions", orch.Open()),
		zap.Int64("reconnects", src.Reconnects()),
	)
	return nil
}

// openStores connects the configured backend. Postgres keeps idempotency,
// positions and the execution log durable; redis shares idempotency and a
// dispatch lock between processes.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		logger.Info("using postgres storage")
		return &stores{
			idempotency: pgstore.NewIdempotencyStore(pool),
			positions:   pgstore.NewPositionStore(pool),
			log:         pgstore.NewExecutionLogStore(pool),
			close:       pool.Close,
		}, nil

	case config.BackendRedis:
		rc := cfg.Storage.Redis
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Addr:      rc.Addr,
			Password:  rc.Password,
			DB:        rc.DB,
			PoolSize:  rc.PoolSize,
			KeyPrefix: rc.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("using redis storage", zap.String("addr", rc.Addr))
		return &stores{
			idempotency: redisstore.NewIdempotencyStore(client, rc.KeyPrefix, rc.KeyTTL),
			positions:   memory.NewPositionStore(),
			locker:      redisstore.NewLocker(client, rc.KeyPrefix, cfg.Dispatch.LockTTL, 0, logger),
			close:       closeRedis(client, logger),
		}, nil

	default:
		logger.Info("using in-memory storage")
		return &stores{
			idempotency: memory.NewIdempotencyStore(),
			positions:   memory.NewPositionStore(),
			log:         memory.NewExecutionLogStore(),
			close:       func() {},
		}, nil
	}
}

func closeRedis(client *goredis.Client, logger *zap.Logger) func() {
	return func() {
		if err := client.Close(); err != nil {
			logger.Warn("close redis", zap.Error(err))
		}
	}
}

// restorePositions seeds the ledger from persisted positions so a restart
// keeps exposure limits accurate.
func restorePositions(ctx context.Context, ps storage.PositionStore, ledger *risk.Ledger, logger *zap.Logger) error {
	stored, err := ps.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	positions := make([]domain.Position, 0, len(stored))
	for _, p := range stored {
		if p.IsOpen() {
			positions = append(positions, *p)
		}
	}
	ledger.Restore(positions)
	if len(positions) > 0 {
		logger.Info("restored open positions", zap.Int("count", len(positions)))
	}
	return nil
}

// buildSink fans telemetry out to the log and, when brokers are set, Kafka.
func buildSink(cfg *config.Config, logger *zap.Logger) (telemetry.Sink, func(), error) {
	var sinks []telemetry.Sink
	closeFn := func() {}
	if cfg.Telemetry.Log {
		sinks = append(sinks, telemetry.NewLogSink(logger))
	}
	if len(cfg.Telemetry.Kafka.Brokers) > 0 {
		k, err := telemetry.NewKafkaSink(cfg.Telemetry.Kafka, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create kafka sink: %w", err)
		}
		sinks = append(sinks, k)
		closeFn = func() {
			if err := k.Close(); err != nil {
				logger.Warn("close kafka sink", zap.Error(err))
			}
		}
	}
	if len(sinks) == 0 {
		return telemetry.NopSink{}, closeFn, nil
	}
	return telemetry.NewMultiSink(logger, sinks...), closeFn, nil
}

func startMetricsServer(addr string, breaker http.Handler, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.Handle("/breaker", breaker)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("starting metrics server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return srv
}
