// Package chaos measures how a strategy degrades when the backtest it runs
// in is perturbed by latency, venue outages, price spikes and stale feeds.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sniper-core/internal/backtest"
	"sniper-core/internal/domain"
	"sniper-core/internal/observability"
	"sniper-core/internal/telemetry"
)

// ErrInvalidScenario is returned for a scenario that cannot be applied.
var ErrInvalidScenario = errors.New("invalid chaos scenario")

// Scenario status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Validate checks s against the simulation it will perturb.
func Validate(s domain.ChaosScenario, sim domain.SimulationConfig) error {
	if !s.Kind.IsValid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidScenario, s.Kind)
	}
	if s.DurationMs <= 0 {
		return fmt.Errorf("%w: %s: duration must be positive", ErrInvalidScenario, s.Name)
	}
	switch s.Kind {
	case domain.ChaosLatency:
		if s.LatencyMs <= 0 {
			return fmt.Errorf("%w: %s: latency must be positive", ErrInvalidScenario, s.Name)
		}
	case domain.ChaosPriceSpike:
		if s.SlippageMultiplier <= 1 {
			return fmt.Errorf("%w: %s: slippage multiplier must exceed 1", ErrInvalidScenario, s.Name)
		}
	case domain.ChaosFeedStaleness:
		if s.StaleByMs <= 0 {
			return fmt.Errorf("%w: %s: stale_by_ms must be positive", ErrInvalidScenario, s.Name)
		}
		if sim.MaxPriceAgeMs <= 0 {
			return fmt.Errorf("%w: %s: feed staleness needs simulation max_price_age_ms", ErrInvalidScenario, s.Name)
		}
	}
	return nil
}

// Options configures a Harness.
type Options struct {
	Sink   telemetry.Sink
	Logger *zap.Logger

	// Parallelism bounds concurrent runs, baseline included. Zero runs
	// everything at once.
	Parallelism int
}

// Harness runs a baseline backtest and one perturbed backtest per scenario
// over the same range, then compares them plan by plan.
type Harness struct {
	runner      *backtest.Runner
	sink        telemetry.Sink
	logger      *zap.Logger
	parallelism int
}

// NewHarness creates a harness over runner.
func NewHarness(runner *backtest.Runner, opts Options) *Harness {
	if opts.Sink == nil {
		opts.Sink = telemetry.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Harness{
		runner:      runner,
		sink:        opts.Sink,
		logger:      opts.Logger,
		parallelism: opts.Parallelism,
	}
}

// ScenarioReport is the impact of one scenario.
type ScenarioReport struct {
	Scenario  domain.ChaosScenario `json:"scenario"`
	Status    string               `json:"status"`
	Error     string               `json:"error,omitempty"`
	Applied   int                  `json:"applied"`
	Perturbed *backtest.Report     `json:"perturbed,omitempty"`
	Delta     Delta                `json:"delta"`
	Impact    Impact               `json:"impact"`
}

// Report holds the baseline run and every scenario's impact.
type Report struct {
	Baseline  *backtest.Report `json:"baseline"`
	Scenarios []ScenarioReport `json:"scenarios"`
}

// Run executes the baseline and perturbed runs in parallel. A baseline
// failure fails the whole run; a failed scenario is reported and does not
// affect the others.
func (h *Harness) Run(ctx context.Context, base backtest.RunConfig, scenarios []domain.ChaosScenario) (*Report, error) {
	for _, s := range scenarios {
		if err := Validate(s, base.Simulation); err != nil {
			return nil, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if h.parallelism > 0 {
		g.SetLimit(h.parallelism)
	}

	var baseline *backtest.Report
	g.Go(func() error {
		run := base
		run.RunID = base.RunID + "-baseline"
		run.Perturb = nil
		r, err := h.runner.Run(gctx, run)
		if err != nil {
			return fmt.Errorf("baseline: %w", err)
		}
		baseline = r
		return nil
	})

	results := make([]ScenarioReport, len(scenarios))
	injectors := make([]*injector, len(scenarios))
	for i, s := range scenarios {
		results[i] = ScenarioReport{Scenario: s}
		injectors[i] = newInjector(s, h.sink, h.logger)
		g.Go(func() error {
			run := base
			run.RunID = fmt.Sprintf("%s-chaos-%d", base.RunID, i)
			run.Perturb = injectors[i]
			start := time.Now()
			r, err := h.runner.Run(gctx, run)
			status := StatusCompleted
			if err != nil {
				status = StatusFailed
				results[i].Error = err.Error()
				h.logger.Warn("chaos scenario failed", zap.String("scenario", s.Name), zap.Error(err))
			}
			observability.RecordRun("chaos", status, time.Since(start).Seconds())
			results[i].Status = status
			results[i].Perturbed = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range results {
		results[i].Applied = injectors[i].Count()
		if results[i].Status != StatusCompleted {
			continue
		}
		results[i].Delta = ComputeDelta(baseline, results[i].Perturbed)
		results[i].Impact = ClassifyPlans(baseline, results[i].Perturbed)
		h.logger.Info("chaos scenario completed",
			zap.String("scenario", results[i].Scenario.Name),
			zap.String("kind", string(results[i].Scenario.Kind)),
			zap.Int("applied", results[i].Applied),
			zap.Int("failed", results[i].Impact.Failed),
			zap.Int("degraded", results[i].Impact.Degraded),
			zap.Int("unaffected", results[i].Impact.Unaffected),
		)
	}
	return &Report{Baseline: baseline, Scenarios: results}, nil
}
