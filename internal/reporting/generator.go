package reporting

import (
	"fmt"
	"sort"
	"time"

	"sniper-core/internal/backtest"
	"sniper-core/internal/chaos"
	"sniper-core/internal/domain"
	"sniper-core/internal/pipeline"
)

// Report kinds.
const (
	KindBacktest    = "backtest"
	KindWalkForward = "walk_forward"
	KindChaos       = "chaos"
)

// Generator builds reports from run results.
type Generator struct {
	thresholds Thresholds
	now        func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a new report generator.
func NewGenerator(th Thresholds) *Generator {
	return &Generator{
		thresholds: th,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Backtest builds the report of a single run.
func (g *Generator) Backtest(r *backtest.Report) *Report {
	checks := performanceChecks(r.Metrics, g.thresholds)
	return &Report{
		Title:       "Backtest " + r.RunID,
		Kind:        KindBacktest,
		GeneratedAt: g.now(),
		StartMs:     r.StartMs,
		EndMs:       r.EndMs,
		Summary:     runSummary(r),
		Metrics:     []MetricRow{metricRow(r.RunID, r.Metrics)},
		Trades:      tradeRows(r.RunID, r.Trades),
		Checks:      checks,
		Verdict:     verdict(checks),
	}
}

// WalkForward builds the report of a walk-forward evaluation. Checks run
// against the combined out-of-sample metrics.
func (g *Generator) WalkForward(r *backtest.WalkForwardReport) *Report {
	rep := &Report{
		Title:       "Walk-forward",
		Kind:        KindWalkForward,
		GeneratedAt: g.now(),
		Summary: []SummaryRow{
			{"Train window (ms)", fmt.Sprintf("%d", r.Config.TrainWindowMs)},
			{"Test window (ms)", fmt.Sprintf("%d", r.Config.TestWindowMs)},
			{"Step (ms)", fmt.Sprintf("%d", r.Config.StepMs)},
			{"Test offset (ms)", fmt.Sprintf("%d", r.Config.TestOffsetMs)},
			{"Windows", fmt.Sprintf("%d", len(r.Windows))},
			{"Completed", fmt.Sprintf("%d", r.Completed)},
			{"Failed", fmt.Sprintf("%d", r.Failed)},
		},
	}
	if len(r.Windows) > 0 {
		rep.StartMs = r.Windows[0].Window.TrainStartMs
		rep.EndMs = r.Windows[len(r.Windows)-1].Window.TestEndMs
	}

	for _, w := range r.Windows {
		row := WindowRow{
			Index:        w.Window.Index,
			TrainStartMs: w.Window.TrainStartMs,
			TrainEndMs:   w.Window.TrainEndMs,
			TestStartMs:  w.Window.TestStartMs,
			TestEndMs:    w.Window.TestEndMs,
			Status:       w.Status,
			Error:        w.Error,
			BaseNotional: w.Window.Config.BaseNotional,
		}
		if w.Train != nil {
			row.TrainTrades = w.Train.Trades
		}
		if w.Test != nil {
			row.TestTrades = w.Test.Metrics.Trades
			row.TestReturn = w.Test.Metrics.TotalReturn
			rep.Metrics = append(rep.Metrics, metricRow(fmt.Sprintf("window %d", w.Window.Index), w.Test.Metrics))
		}
		rep.Windows = append(rep.Windows, row)
	}
	rep.Metrics = append(rep.Metrics, metricRow("combined", r.Combined))
	rep.Trades = tradeRows("out-of-sample", r.Trades)

	rep.Checks = append(performanceChecks(r.Combined, g.thresholds), windowCheck(r, g.thresholds))
	rep.Verdict = verdict(rep.Checks)
	return rep
}

// Chaos builds the report of a chaos run. Trades are the baseline's.
func (g *Generator) Chaos(r *chaos.Report) *Report {
	rep := &Report{
		Title:       "Chaos " + r.Baseline.RunID,
		Kind:        KindChaos,
		GeneratedAt: g.now(),
		StartMs:     r.Baseline.StartMs,
		EndMs:       r.Baseline.EndMs,
		Summary:     runSummary(r.Baseline),
		Metrics:     []MetricRow{metricRow("baseline", r.Baseline.Metrics)},
		Trades:      tradeRows("baseline", r.Baseline.Trades),
	}
	rep.Summary = append(rep.Summary, SummaryRow{"Scenarios", fmt.Sprintf("%d", len(r.Scenarios))})

	rep.Checks = performanceChecks(r.Baseline.Metrics, g.thresholds)
	for _, s := range r.Scenarios {
		row := ScenarioRow{
			Name:           s.Scenario.Name,
			Kind:           string(s.Scenario.Kind),
			Status:         s.Status,
			Error:          s.Error,
			Applied:        s.Applied,
			Failed:         s.Impact.Failed,
			Degraded:       s.Impact.Degraded,
			Unaffected:     s.Impact.Unaffected,
			DeltaReturn:    s.Delta.TotalReturn,
			DeltaReturnPct: s.Delta.TotalReturnPct,
			DeltaSlippage:  s.Delta.AdditionalSlippage,
			FailedTradePct: s.Delta.FailedTradePct,
		}
		rep.Scenarios = append(rep.Scenarios, row)
		if s.Perturbed != nil {
			rep.Metrics = append(rep.Metrics, metricRow(s.Scenario.Name, s.Perturbed.Metrics))
		}
		rep.Checks = append(rep.Checks, scenarioCheck(s, g.thresholds))
	}
	rep.Verdict = verdict(rep.Checks)
	return rep
}

func runSummary(r *backtest.Report) []SummaryRow {
	rows := []SummaryRow{
		{"Run", r.RunID},
		{"Strategy", r.StrategyID},
		{"Events", fmt.Sprintf("%d", r.Events)},
		{"Signals", fmt.Sprintf("%d", r.Signals)},
	}

	// Outcome counts sorted by name
	outcomes := make([]pipeline.Outcome, 0, len(r.Outcomes))
	for o := range r.Outcomes {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i] < outcomes[j] })
	for _, o := range outcomes {
		rows = append(rows, SummaryRow{"Outcome " + string(o), fmt.Sprintf("%d", r.Outcomes[o])})
	}
	return rows
}

func metricRow(label string, m backtest.Metrics) MetricRow {
	return MetricRow{
		Label:                label,
		Trades:               m.Trades,
		WinRate:              m.WinRate,
		TotalPnL:             m.TotalPnL,
		TotalReturn:          m.TotalReturn,
		ReturnMedian:         m.ReturnMedian,
		ReturnP10:            m.ReturnP10,
		ReturnP90:            m.ReturnP90,
		MaxDrawdown:          m.MaxDrawdown,
		Sharpe:               m.Sharpe,
		Sortino:              m.Sortino,
		ProfitFactor:         m.ProfitFactor,
		MaxConsecutiveLosses: m.MaxConsecutiveLosses,
		Fees:                 m.TotalFees,
	}
}

func tradeRows(run string, trades []domain.ClosedTrade) []TradeRow {
	sorted := append([]domain.ClosedTrade(nil), trades...)
	backtest.SortTrades(sorted)

	rows := make([]TradeRow, len(sorted))
	for i, t := range sorted {
		rows[i] = TradeRow{
			Run:         run,
			PlanID:      t.PlanID,
			Instrument:  t.Instrument,
			Side:        string(t.Side),
			Size:        t.Size,
			EntryTimeMs: t.EntryTimeMs,
			EntryPrice:  t.EntryPrice,
			ExitTimeMs:  t.ExitTimeMs,
			ExitPrice:   t.ExitPrice,
			Fees:        t.Fees,
			PnL:         t.PnL,
			ReturnPct:   t.ReturnPct,
			ExitReason:  t.ExitReason,
		}
	}
	return rows
}
