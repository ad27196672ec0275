// Package main replays recorded history through the decision pipeline:
// a single backtest, a walk-forward evaluation, or a chaos run comparing
// perturbed runs against a baseline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sniper-core/internal/backtest"
	"sniper-core/internal/chaos"
	"sniper-core/internal/config"
	"sniper-core/internal/observability"
	"sniper-core/internal/policy"
	"sniper-core/internal/reporting"
	"sniper-core/internal/storage"
	chstore "sniper-core/internal/storage/clickhouse"
	"sniper-core/internal/storage/memory"
	"sniper-core/internal/storage/migrations"
	"sniper-core/internal/telemetry"
	"sniper-core/internal/verification"
)

// Run modes.
const (
	modeBacktest    = "backtest"
	modeWalkForward = "walkforward"
	modeChaos       = "chaos"
	modeVerify      = "verify"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (env SNIPER_* overrides)")
	mode := flag.String("mode", modeBacktest, "Run mode: backtest, walkforward, chaos, verify")
	historyFile := flag.String("history", "", "JSON history dump; ClickHouse (storage.clickhouse_dsn) when empty")
	format := flag.String("format", "markdown", "Output format: markdown, json")
	outPath := flag.String("out", "", "Output file (default stdout)")
	tradesCSV := flag.String("trades-csv", "", "Also write closed trades as CSV to this file")
	metricsCSV := flag.String("metrics-csv", "", "Also write run metrics as CSV to this file")
	objective := flag.String("objective", "sharpe", "Walk-forward fit objective: sharpe, return")
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := runOptions{
		mode:        *mode,
		historyFile: *historyFile,
		format:      *format,
		outPath:     *outPath,
		tradesCSV:   *tradesCSV,
		metricsCSV:  *metricsCSV,
		objective:   *objective,
	}
	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Fatal("backtest failed", zap.String("mode", *mode), zap.Error(err))
	}
}

type runOptions struct {
	mode        string
	historyFile string
	format      string
	outPath     string
	tradesCSV   string
	metricsCSV  string
	objective   string
}

func run(ctx context.Context, cfg *config.Config, opts runOptions, logger *zap.Logger) error {
	if opts.format != "markdown" && opts.format != "json" {
		return fmt.Errorf("unknown format %q", opts.format)
	}

	runID := cfg.Backtest.RunID
	if opts.mode == modeVerify && runID == "" && opts.historyFile == "" {
		return errors.New("verify against the audit log requires backtest.run_id")
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	history, execLog, startMs, endMs, cleanup, err := openHistory(ctx, cfg, opts.historyFile, runID, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	if endMs <= startMs {
		return errors.New("empty backtest range: set backtest.start_ms and backtest.end_ms")
	}

	runner := backtest.NewRunner(backtest.Options{
		History: history,
		Log:     execLog,
		Sink:    telemetry.NewLogSink(logger),
		Logger:  logger,
	})
	base := backtest.RunConfig{
		RunID:      runID,
		StartMs:    startMs,
		EndMs:      endMs,
		Strategy:   cfg.Strategy.StrategyConfig,
		MinUnits:   cfg.Strategy.MinUnits,
		Policy:     policy.NewRuleOracle(cfg.Policy),
		Risk:       cfg.Risk,
		Simulation: cfg.Simulation,
	}
	if opts.mode == modeVerify {
		return verify(ctx, history, execLog, base, opts.outPath, logger)
	}
	gen := reporting.NewGenerator(cfg.Report)

	var (
		raw    any
		report *reporting.Report
	)
	switch opts.mode {
	case modeBacktest:
		r, err := runner.Run(ctx, base)
		if err != nil {
			return err
		}
		raw, report = r, gen.Backtest(r)

	case modeWalkForward:
		fit := backtest.BySharpe
		if opts.objective == "return" {
			fit = backtest.ByTotalReturn
		}
		wf := cfg.WalkForward
		r, err := runner.WalkForward(ctx, backtest.WalkForwardConfig{
			WalkForwardConfig: wf.WalkForwardConfig,
			StartMs:           startMs,
			EndMs:             endMs,
			Base:              base,
			Fitter: backtest.GridFitter{
				Candidates: backtest.Grid(base.Strategy, wf.BaseNotionals, wf.MinConfidences, wf.MinMagnitudes),
				Objective:  fit,
				Logger:     logger,
			},
			Parallelism: wf.Parallelism,
		})
		if err != nil {
			return err
		}
		raw, report = r, gen.WalkForward(r)

	case modeChaos:
		if len(cfg.Chaos.Scenarios) == 0 {
			return errors.New("chaos mode requires chaos.scenarios")
		}
		harness := chaos.NewHarness(runner, chaos.Options{
			Sink:        telemetry.NewLogSink(logger),
			Logger:      logger,
			Parallelism: cfg.WalkForward.Parallelism,
		})
		r, err := harness.Run(ctx, base, cfg.Chaos.Scenarios)
		if err != nil {
			return err
		}
		raw, report = r, gen.Chaos(r)

	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}

	var out []byte
	if opts.format == "json" {
		out, err = json.MarshalIndent(raw, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		out = append(out, '\n')
	} else {
		out = []byte(reporting.RenderMarkdown(report))
	}
	if err := writeOutput(opts.outPath, out); err != nil {
		return err
	}
	if opts.tradesCSV != "" {
		if err := writeOutput(opts.tradesCSV, []byte(reporting.RenderTradesCSV(report.Trades))); err != nil {
			return err
		}
	}
	if opts.metricsCSV != "" {
		if err := writeOutput(opts.metricsCSV, []byte(reporting.RenderMetricsCSV(report.Metrics))); err != nil {
			return err
		}
	}

	logger.Info("run completed",
		zap.String("mode", opts.mode),
		zap.String("run_id", runID),
		zap.String("verdict", string(report.Verdict)),
		zap.Int("trades", len(report.Trades)),
	)
	return nil
}

// verify replays base and compares it with the stored audit log of the same
// run id, or with a second replay when no log is available.
func verify(ctx context.Context, history storage.HistoryStore, audit storage.ExecutionLogStore, base backtest.RunConfig, outPath string, logger *zap.Logger) error {
	runner := backtest.NewRunner(backtest.Options{History: history, Logger: logger})

	var (
		report *verification.Report
		err    error
	)
	if audit != nil {
		report, err = verification.NewReplayVerifier(runner, audit, logger).Verify(ctx, base)
	} else {
		var first, second *backtest.Report
		if first, err = runner.Run(ctx, base); err == nil {
			if second, err = runner.Run(ctx, base); err == nil {
				report = verification.CompareRuns(first, second)
			}
		}
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal verification: %w", err)
	}
	if err := writeOutput(outPath, append(out, '\n')); err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("verification failed: %d divergent, %d missing of %d", report.Divergent, report.Missing, report.Total)
	}
	return nil
}

// openHistory returns the history source and the run range. A dump file is
// loaded into memory and, when the config sets no range, its full span is
// used. Otherwise history and the execution audit come from ClickHouse.
func openHistory(ctx context.Context, cfg *config.Config, path, runID string, logger *zap.Logger) (storage.HistoryStore, storage.ExecutionLogStore, int64, int64, func(), error) {
	startMs, endMs := cfg.Backtest.StartMs, cfg.Backtest.EndMs

	if path != "" {
		h := memory.NewHistoryStore()
		d, err := storage.LoadHistoryFile(ctx, path, h)
		if err != nil {
			return nil, nil, 0, 0, nil, err
		}
		if startMs == 0 && endMs == 0 {
			startMs, endMs = dumpRange(d)
		}
		logger.Info("loaded history file",
			zap.String("path", path),
			zap.Int("signals", len(d.Signals)),
			zap.Int("books", len(d.Books)),
		)
		return h, nil, startMs, endMs, func() {}, nil
	}

	if cfg.Storage.ClickhouseDSN == "" {
		return nil, nil, 0, 0, nil, errors.New("either -history or storage.clickhouse_dsn is required")
	}
	conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickhouseDSN)
	if err != nil {
		return nil, nil, 0, 0, nil, fmt.Errorf("clickhouse: %w", err)
	}
	cleanup := func() {
		if err := conn.Close(); err != nil {
			logger.Warn("close clickhouse", zap.Error(err))
		}
	}
	return chstore.NewHistoryStore(conn), chstore.NewExecutionLogStore(conn, runID), startMs, endMs, cleanup, nil
}

// dumpRange spans every event in d; the end is exclusive.
func dumpRange(d *storage.HistoryDump) (int64, int64) {
	var lo, hi int64
	see := func(ts int64) {
		if lo == 0 || ts < lo {
			lo = ts
		}
		if ts > hi {
			hi = ts
		}
	}
	for _, s := range d.Signals {
		see(s.TimestampMs)
	}
	for _, b := range d.Books {
		see(b.TimestampMs)
	}
	if hi == 0 {
		return 0, 0
	}
	return lo, hi + 1
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
