package backtest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sniper-core/internal/domain"
)

// ErrNoCandidate is returned when no candidate qualifies on a training range.
var ErrNoCandidate = errors.New("no candidate qualified on training data")

// Fit is the strategy chosen for a window and its training statistics.
type Fit struct {
	Config domain.StrategyConfig
	Train  Metrics
}

// Fitter chooses strategy parameters using only the training range of
// train. Implementations must not read data outside [train.StartMs,
// train.EndMs).
type Fitter interface {
	Fit(ctx context.Context, r *Runner, train RunConfig, minTrades int) (Fit, error)
}

// FixedFitter keeps the base strategy and only measures it.
type FixedFitter struct{}

// Fit replays train with its own strategy.
func (FixedFitter) Fit(ctx context.Context, r *Runner, train RunConfig, minTrades int) (Fit, error) {
	report, err := r.Run(ctx, train)
	if err != nil {
		return Fit{}, err
	}
	if report.Metrics.Trades < minTrades {
		return Fit{}, fmt.Errorf("%w: %d < %d", ErrTooFewTrades, report.Metrics.Trades, minTrades)
	}
	return Fit{Config: train.Strategy, Train: report.Metrics}, nil
}

// Objective scores training metrics; higher is better.
type Objective func(Metrics) float64

// BySharpe is the default objective.
func BySharpe(m Metrics) float64 { return m.Sharpe }

// ByTotalReturn ranks by total return.
func ByTotalReturn(m Metrics) float64 { return m.TotalReturn }

// GridFitter replays every candidate on the training range and keeps the
// best scoring one. Ties keep the earlier candidate.
type GridFitter struct {
	Candidates []domain.StrategyConfig
	Objective  Objective
	Logger     *zap.Logger
}

// Fit evaluates the candidates in order.
func (f GridFitter) Fit(ctx context.Context, r *Runner, train RunConfig, minTrades int) (Fit, error) {
	objective := f.Objective
	if objective == nil {
		objective = BySharpe
	}
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	candidates := f.Candidates
	if len(candidates) == 0 {
		candidates = []domain.StrategyConfig{train.Strategy}
	}

	var best *Fit
	bestScore := 0.0
	var lastErr error
	for i, c := range candidates {
		run := train
		run.RunID = fmt.Sprintf("%s-c%d", train.RunID, i)
		run.Strategy = c
		report, err := r.Run(ctx, run)
		if err != nil {
			if ctx.Err() != nil {
				return Fit{}, ctx.Err()
			}
			lastErr = err
			continue
		}
		if report.Metrics.Trades < minTrades {
			lastErr = fmt.Errorf("%w: %d < %d", ErrTooFewTrades, report.Metrics.Trades, minTrades)
			continue
		}
		score := objective(report.Metrics)
		logger.Debug("candidate scored",
			zap.String("run_id", run.RunID),
			zap.String("strategy_id", report.StrategyID),
			zap.Float64("score", score),
		)
		if best == nil || score > bestScore {
			best = &Fit{Config: c, Train: report.Metrics}
			bestScore = score
		}
	}
	if best == nil {
		if lastErr != nil {
			return Fit{}, fmt.Errorf("%w: %w", ErrNoCandidate, lastErr)
		}
		return Fit{}, ErrNoCandidate
	}
	return *best, nil
}

// Grid expands base into every combination of the given values. An empty
// list keeps the base value for that parameter.
func Grid(base domain.StrategyConfig, notionals, confidences, magnitudes []float64) []domain.StrategyConfig {
	if len(notionals) == 0 {
		notionals = []float64{base.BaseNotional}
	}
	if len(confidences) == 0 {
		confidences = []float64{base.MinConfidence}
	}
	if len(magnitudes) == 0 {
		magnitudes = []float64{base.MinMagnitude}
	}

	out := make([]domain.StrategyConfig, 0, len(notionals)*len(confidences)*len(magnitudes))
	for _, n := range notionals {
		for _, c := range confidences {
			for _, m := range magnitudes {
				cfg := base
				cfg.BaseNotional = n
				cfg.MinConfidence = c
				cfg.MinMagnitude = m
				out = append(out, cfg)
			}
		}
	}
	return out
}
