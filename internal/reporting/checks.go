package reporting

import (
	"fmt"

	"sniper-core/internal/backtest"
	"sniper-core/internal/chaos"
)

// Thresholds parameterize the robustness checklist.
type Thresholds struct {
	MinTrades             int     `mapstructure:"min_trades"`
	MaxDrawdown           float64 `mapstructure:"max_drawdown"`             // fraction of peak equity
	MinCompletedWindowPct float64 `mapstructure:"min_completed_window_pct"` // 0..100
	MaxChaosReturnLossPct float64 `mapstructure:"max_chaos_return_loss_pct"`
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinTrades:             30,
		MaxDrawdown:           0.25,
		MinCompletedWindowPct: 50,
		MaxChaosReturnLossPct: 50,
	}
}

// sufficiency is always the first check: when it fails the verdict is
// INSUFFICIENT_DATA regardless of the others.
func sufficiency(m backtest.Metrics, th Thresholds) CheckRow {
	return CheckRow{
		Name:      "Closed trades",
		Threshold: fmt.Sprintf(">= %d", th.MinTrades),
		Actual:    fmt.Sprintf("%d", m.Trades),
		Pass:      m.Trades >= th.MinTrades,
	}
}

func performanceChecks(m backtest.Metrics, th Thresholds) []CheckRow {
	return []CheckRow{
		sufficiency(m, th),
		{
			Name:      "Total return",
			Threshold: "> 0",
			Actual:    fmt.Sprintf("%.4f", m.TotalReturn),
			Pass:      m.TotalReturn > 0,
		},
		{
			Name:      "Median trade return",
			Threshold: "> 0",
			Actual:    fmt.Sprintf("%.4f", m.ReturnMedian),
			Pass:      m.ReturnMedian > 0,
		},
		{
			Name:      "Max drawdown",
			Threshold: fmt.Sprintf("<= %.2f", th.MaxDrawdown),
			Actual:    fmt.Sprintf("%.4f", m.MaxDrawdown),
			Pass:      m.MaxDrawdown <= th.MaxDrawdown,
		},
	}
}

func windowCheck(r *backtest.WalkForwardReport, th Thresholds) CheckRow {
	pct := 0.0
	if n := len(r.Windows); n > 0 {
		pct = float64(r.Completed) / float64(n) * 100
	}
	return CheckRow{
		Name:      "Completed windows",
		Threshold: fmt.Sprintf(">= %.0f%%", th.MinCompletedWindowPct),
		Actual:    fmt.Sprintf("%.2f%% (%d/%d)", pct, r.Completed, len(r.Windows)),
		Pass:      pct >= th.MinCompletedWindowPct,
	}
}

// scenarioCheck passes when the scenario ran and did not cut the baseline
// return by more than the allowed percentage.
func scenarioCheck(s chaos.ScenarioReport, th Thresholds) CheckRow {
	row := CheckRow{
		Name:      "Stable under " + s.Scenario.Name,
		Threshold: fmt.Sprintf("return delta >= -%.0f%%", th.MaxChaosReturnLossPct),
	}
	if s.Status != chaos.StatusCompleted {
		row.Actual = "run failed: " + s.Error
		return row
	}
	row.Actual = fmt.Sprintf("%.2f%%", s.Delta.TotalReturnPct)
	row.Pass = s.Delta.TotalReturnPct >= -th.MaxChaosReturnLossPct
	return row
}

// verdict is PASS only if every check passes.
func verdict(checks []CheckRow) Verdict {
	if len(checks) == 0 || !checks[0].Pass {
		return VerdictInsufficient
	}
	for _, c := range checks {
		if !c.Pass {
			return VerdictFail
		}
	}
	return VerdictPass
}
