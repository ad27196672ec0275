package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sniper-core/internal/domain"
	"sniper-core/internal/observability"
	"sniper-core/internal/telemetry"
)

// Walk-forward errors
var (
	ErrInvalidWindow = errors.New("invalid walk-forward window")
	ErrLookAhead     = errors.New("testing window starts before training window ends")
	ErrNoWindows     = errors.New("range too short for one walk-forward window")
	ErrTooFewTrades  = errors.New("too few trades")
)

// Window status values.
const (
	WindowCompleted = "completed"
	WindowFailed    = "failed"
)

// Validate rejects non-positive window lengths and any layout in which the
// testing window could start before the training window ends.
func Validate(cfg domain.WalkForwardConfig) error {
	if cfg.TrainWindowMs <= 0 || cfg.TestWindowMs <= 0 || cfg.StepMs <= 0 {
		return fmt.Errorf("%w: train %d, test %d, step %d", ErrInvalidWindow, cfg.TrainWindowMs, cfg.TestWindowMs, cfg.StepMs)
	}
	if cfg.TestOffsetMs < 0 {
		return fmt.Errorf("%w: test offset %dms", ErrLookAhead, cfg.TestOffsetMs)
	}
	if cfg.MinTrainTrades < 0 || cfg.MinTestTrades < 0 {
		return fmt.Errorf("%w: negative minimum trade count", ErrInvalidWindow)
	}
	return nil
}

// ValidateWindow checks a single window for look-ahead.
func ValidateWindow(w domain.BacktestWindow) error {
	if w.TrainEndMs <= w.TrainStartMs || w.TestEndMs <= w.TestStartMs {
		return fmt.Errorf("%w: window %d", ErrInvalidWindow, w.Index)
	}
	if w.TestStartMs < w.TrainEndMs {
		return fmt.Errorf("%w: window %d test start %d < train end %d", ErrLookAhead, w.Index, w.TestStartMs, w.TrainEndMs)
	}
	return nil
}

// Windows partitions [startMs, endMs) into rolling (train, test) pairs
// advanced by cfg.StepMs. Only windows whose test range ends by endMs are
// returned.
func Windows(cfg domain.WalkForwardConfig, startMs, endMs int64) ([]domain.BacktestWindow, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	var out []domain.BacktestWindow
	for trainStart := startMs; ; trainStart += cfg.StepMs {
		trainEnd := trainStart + cfg.TrainWindowMs
		testStart := trainEnd + cfg.TestOffsetMs
		testEnd := testStart + cfg.TestWindowMs
		if testEnd > endMs {
			break
		}
		out = append(out, domain.BacktestWindow{
			Index:        len(out),
			TrainStartMs: trainStart,
			TrainEndMs:   trainEnd,
			TestStartMs:  testStart,
			TestEndMs:    testEnd,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrNoWindows, startMs, endMs)
	}
	return out, nil
}

// WalkForwardConfig describes a walk-forward evaluation.
type WalkForwardConfig struct {
	domain.WalkForwardConfig
	StartMs int64
	EndMs   int64 // exclusive

	// Base is the run template. Its range and strategy are replaced per
	// window.
	Base RunConfig

	// Fitter selects the strategy for each window from training data.
	// Base.Strategy is used unchanged when nil.
	Fitter Fitter

	// Parallelism bounds concurrently evaluated windows. Zero means 1.
	Parallelism int
}

// WindowReport is the outcome of one window.
type WindowReport struct {
	Window domain.BacktestWindow `json:"window"`
	Status string                `json:"status"`
	Error  string                `json:"error,omitempty"`
	Train  *Metrics              `json:"train,omitempty"`
	Test   *Report               `json:"test,omitempty"`
}

// WalkForwardReport holds one report per window and the combined
// out-of-sample result.
type WalkForwardReport struct {
	Config    domain.WalkForwardConfig `json:"config"`
	Windows   []WindowReport           `json:"windows"`
	Completed int                      `json:"completed"`
	Failed    int                      `json:"failed"`
	Combined  Metrics                  `json:"combined"` // over every completed test window
	Trades    []domain.ClosedTrade     `json:"trades"`   // out-of-sample trades
}

// WalkForward evaluates every window: the fitter chooses a strategy on the
// training range, which is then frozen and replayed on the testing range.
// A failing window is reported with its reason and never stops the others.
func (r *Runner) WalkForward(ctx context.Context, cfg WalkForwardConfig) (*WalkForwardReport, error) {
	windows, err := Windows(cfg.WalkForwardConfig, cfg.StartMs, cfg.EndMs)
	if err != nil {
		return nil, err
	}
	for _, w := range windows {
		if err := ValidateWindow(w); err != nil {
			return nil, err
		}
	}

	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	reports := make([]WindowReport, len(windows))
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i := range windows {
		w := windows[i]
		g.Go(func() error {
			start := time.Now()
			reports[w.Index] = r.evaluateWindow(ctx, cfg, w)
			observability.RecordRun("walk_forward_window", reports[w.Index].Status, time.Since(start).Seconds())
			r.emitWindow(ctx, &reports[w.Index])
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &WalkForwardReport{
		Config:  cfg.WalkForwardConfig,
		Windows: reports,
		Trades:  []domain.ClosedTrade{},
	}
	for i := range reports {
		if reports[i].Status != WindowCompleted {
			out.Failed++
			continue
		}
		out.Completed++
		out.Trades = append(out.Trades, reports[i].Test.Trades...)
	}
	SortTrades(out.Trades)
	out.Combined = ComputeMetrics(out.Trades, cfg.Base.Risk.InitialEquity)

	r.logger.Info("walk-forward completed",
		zap.Int("windows", len(reports)),
		zap.Int("completed", out.Completed),
		zap.Int("failed", out.Failed),
		zap.Float64("oos_return", out.Combined.TotalReturn),
	)
	return out, nil
}

func (r *Runner) evaluateWindow(ctx context.Context, cfg WalkForwardConfig, w domain.BacktestWindow) WindowReport {
	fail := func(err error) WindowReport {
		r.logger.Warn("walk-forward window failed", zap.Int("window", w.Index), zap.Error(err))
		return WindowReport{Window: w, Status: WindowFailed, Error: err.Error()}
	}

	train := cfg.Base
	train.RunID = fmt.Sprintf("%s-w%d-train", cfg.Base.RunID, w.Index)
	train.StartMs, train.EndMs = w.TrainStartMs, w.TrainEndMs

	fitter := cfg.Fitter
	if fitter == nil {
		fitter = FixedFitter{}
	}
	fit, err := fitter.Fit(ctx, r, train, cfg.MinTrainTrades)
	if err != nil {
		return fail(fmt.Errorf("fit: %w", err))
	}
	w.Config = fit.Config

	test := cfg.Base
	test.RunID = fmt.Sprintf("%s-w%d-test", cfg.Base.RunID, w.Index)
	test.StartMs, test.EndMs = w.TestStartMs, w.TestEndMs
	test.Strategy = fit.Config
	report, err := r.Run(ctx, test)
	if err != nil {
		return fail(fmt.Errorf("test: %w", err))
	}
	if report.Metrics.Trades < cfg.MinTestTrades {
		return fail(fmt.Errorf("test: %w: %d < %d", ErrTooFewTrades, report.Metrics.Trades, cfg.MinTestTrades))
	}

	return WindowReport{
		Window: w,
		Status: WindowCompleted,
		Train:  &fit.Train,
		Test:   report,
	}
}

func (r *Runner) emitWindow(ctx context.Context, wr *WindowReport) {
	ev := telemetry.NewEvent(telemetry.EventWindowCompleted, wr.Window.TestEndMs, wr)
	if err := r.sink.Emit(ctx, ev); err != nil {
		r.logger.Warn("telemetry emit failed", zap.Int("window", wr.Window.Index), zap.Error(err))
	}
}
