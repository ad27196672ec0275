package verification

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sniper-core/internal/backtest"
	"sniper-core/internal/storage"
)

// ReplayVerifier re-runs a backtest and compares every execution with the
// audit record stored when the run first executed.
type ReplayVerifier struct {
	runner *backtest.Runner
	log    storage.ExecutionLogStore
	logger *zap.Logger
}

// NewReplayVerifier creates a verifier. runner must not write to log.
func NewReplayVerifier(runner *backtest.Runner, log storage.ExecutionLogStore, logger *zap.Logger) *ReplayVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplayVerifier{runner: runner, log: log, logger: logger}
}

// Verify replays cfg. Executions without a result (rejected by risk) are
// not logged and are skipped.
func (v *ReplayVerifier) Verify(ctx context.Context, cfg backtest.RunConfig) (*Report, error) {
	replayed, err := v.runner.Run(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("replay run: %w", err)
	}

	report := &Report{}
	for _, e := range replayed.Executions {
		if e.Result == nil {
			continue
		}
		stored, err := v.log.GetByPlanID(ctx, e.PlanID)
		if errors.Is(err, storage.ErrNotFound) {
			report.add(Result{PlanID: e.PlanID, Missing: true})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load execution %s: %w", e.PlanID, err)
		}
		report.add(compare(e.PlanID, &stored.Result, e.Result))
	}

	v.logger.Info("replay verification completed",
		zap.String("run_id", cfg.RunID),
		zap.Int("total", report.Total),
		zap.Int("matched", report.Matched),
		zap.Int("divergent", report.Divergent),
		zap.Int("missing", report.Missing),
	)
	return report, nil
}
