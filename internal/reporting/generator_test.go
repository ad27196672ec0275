package reporting

import (
	"strings"
	"testing"
	"time"

	"sniper-core/internal/backtest"
	"sniper-core/internal/chaos"
	"sniper-core/internal/domain"
	"sniper-core/internal/pipeline"
)

var fixedTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func testThresholds() Thresholds {
	return Thresholds{MinTrades: 2, MaxDrawdown: 0.25, MinCompletedWindowPct: 50, MaxChaosReturnLossPct: 50}
}

func testTrades() []domain.ClosedTrade {
	return []domain.ClosedTrade{
		{PlanID: "plan-b", Instrument: "PEPE/WETH", Side: domain.SideBuy, Size: 100, EntryTimeMs: 2_000, EntryPrice: 1, ExitTimeMs: 4_000, ExitPrice: 1.1, PnL: 10, ReturnPct: 0.1, ExitReason: domain.ExitReasonTakeProfit},
		{PlanID: "plan-a", Instrument: "PEPE/WETH", Side: domain.SideBuy, Size: 100, EntryTimeMs: 1_000, EntryPrice: 1, ExitTimeMs: 3_000, ExitPrice: 1.05, PnL: 5, ReturnPct: 0.05, ExitReason: domain.ExitReasonMaxHold},
	}
}

func testBacktest() *backtest.Report {
	trades := testTrades()
	return &backtest.Report{
		RunID:      "run-1",
		StartMs:    0,
		EndMs:      10_000,
		StrategyID: "listing",
		Events:     6,
		Signals:    2,
		Outcomes:   map[pipeline.Outcome]int{pipeline.OutcomeFilled: 4, pipeline.OutcomeDenied: 1},
		Metrics:    backtest.ComputeMetrics(trades, 10_000),
		Trades:     trades,
	}
}

func TestBacktest_Deterministic(t *testing.T) {
	var first string
	for run := 0; run < 5; run++ {
		g := NewGenerator(testThresholds()).WithClock(func() time.Time { return fixedTime })
		out := RenderMarkdown(g.Backtest(testBacktest()))
		if first == "" {
			first = out
			continue
		}
		if out != first {
			t.Fatalf("Run %d: markdown differs", run)
		}
	}
}

func TestBacktest_Report(t *testing.T) {
	g := NewGenerator(testThresholds()).WithClock(func() time.Time { return fixedTime })
	report := g.Backtest(testBacktest())

	if !report.GeneratedAt.Equal(fixedTime) {
		t.Errorf("Expected GeneratedAt %v, got %v", fixedTime, report.GeneratedAt)
	}
	if report.Kind != KindBacktest {
		t.Errorf("Expected kind %s, got %s", KindBacktest, report.Kind)
	}
	if len(report.Trades) != 2 {
		t.Fatalf("Expected 2 trades, got %d", len(report.Trades))
	}
	if report.Trades[0].PlanID != "plan-a" {
		t.Errorf("Trades must be sorted by exit time, first is %s", report.Trades[0].PlanID)
	}
	if report.Verdict != VerdictPass {
		t.Errorf("Expected PASS, got %s (%+v)", report.Verdict, report.Checks)
	}

	// Outcomes appear sorted by name
	var names []string
	for _, row := range report.Summary {
		if strings.HasPrefix(row.Name, "Outcome ") {
			names = append(names, row.Name)
		}
	}
	if len(names) != 2 || names[0] != "Outcome denied" || names[1] != "Outcome filled" {
		t.Errorf("Unexpected outcome rows: %v", names)
	}
}

func TestVerdict(t *testing.T) {
	tests := []struct {
		name   string
		trades []domain.ClosedTrade
		want   Verdict
	}{
		{"too few trades", testTrades()[:1], VerdictInsufficient},
		{"losing", []domain.ClosedTrade{
			{PlanID: "a", ExitTimeMs: 1, PnL: -5, ReturnPct: -0.05},
			{PlanID: "b", ExitTimeMs: 2, PnL: -5, ReturnPct: -0.05},
		}, VerdictFail},
		{"winning", testTrades(), VerdictPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checks := performanceChecks(backtest.ComputeMetrics(tt.trades, 10_000), testThresholds())
			if got := verdict(checks); got != tt.want {
				t.Errorf("verdict() = %s, want %s", got, tt.want)
			}
		})
	}
	if got := verdict(nil); got != VerdictInsufficient {
		t.Errorf("verdict(nil) = %s, want %s", got, VerdictInsufficient)
	}
}

func TestWalkForward_Report(t *testing.T) {
	test := testBacktest()
	train := backtest.ComputeMetrics(testTrades(), 10_000)
	wf := &backtest.WalkForwardReport{
		Config: domain.WalkForwardConfig{TrainWindowMs: 2_000, TestWindowMs: 1_000, StepMs: 1_000},
		Windows: []backtest.WindowReport{
			{
				Window: domain.BacktestWindow{Index: 0, TrainStartMs: 0, TrainEndMs: 2_000, TestStartMs: 2_000, TestEndMs: 3_000, Config: domain.StrategyConfig{BaseNotional: 150}},
				Status: backtest.WindowCompleted,
				Train:  &train,
				Test:   test,
			},
			{
				Window: domain.BacktestWindow{Index: 1, TrainStartMs: 1_000, TrainEndMs: 3_000, TestStartMs: 3_000, TestEndMs: 4_000},
				Status: backtest.WindowFailed,
				Error:  "no data | gap",
			},
		},
		Completed: 1,
		Failed:    1,
		Combined:  test.Metrics,
		Trades:    test.Trades,
	}

	report := NewGenerator(testThresholds()).WithClock(func() time.Time { return fixedTime }).WalkForward(wf)
	if len(report.Windows) != 2 {
		t.Fatalf("Expected 2 windows, got %d", len(report.Windows))
	}
	if report.Windows[0].BaseNotional != 150 || report.Windows[0].TestTrades != 2 {
		t.Errorf("Unexpected window row: %+v", report.Windows[0])
	}
	if report.StartMs != 0 || report.EndMs != 4_000 {
		t.Errorf("Unexpected range %d-%d", report.StartMs, report.EndMs)
	}
	// window 0 and combined
	if len(report.Metrics) != 2 || report.Metrics[1].Label != "combined" {
		t.Errorf("Unexpected metric rows: %+v", report.Metrics)
	}
	if report.Verdict != VerdictPass {
		t.Errorf("Expected PASS with 50%% completed windows, got %s", report.Verdict)
	}

	md := RenderMarkdown(report)
	for _, section := range []string{"## Summary", "## Performance", "## Windows", "## Robustness Checks", "## Trades"} {
		if !strings.Contains(md, section) {
			t.Errorf("Markdown missing section %q", section)
		}
	}
	if strings.Contains(md, "## Chaos Scenarios") {
		t.Error("Walk-forward markdown must not contain a chaos section")
	}
	if !strings.Contains(md, `no data \| gap`) {
		t.Error("Pipes in errors must be escaped")
	}
}

func TestChaos_Report(t *testing.T) {
	baseline := testBacktest()
	perturbed := testBacktest()
	perturbed.Trades = perturbed.Trades[1:]
	perturbed.Metrics = backtest.ComputeMetrics(perturbed.Trades, 10_000)

	cr := &chaos.Report{
		Baseline: baseline,
		Scenarios: []chaos.ScenarioReport{
			{
				Scenario:  domain.ChaosScenario{Name: "outage", Kind: domain.ChaosVenueOutage},
				Status:    chaos.StatusCompleted,
				Applied:   1,
				Perturbed: perturbed,
				Delta:     chaos.ComputeDelta(baseline, perturbed),
				Impact:    chaos.Impact{Failed: 1, Unaffected: 1},
			},
			{
				Scenario: domain.ChaosScenario{Name: "broken", Kind: domain.ChaosLatency},
				Status:   chaos.StatusFailed,
				Error:    "boom",
			},
		},
	}

	report := NewGenerator(testThresholds()).WithClock(func() time.Time { return fixedTime }).Chaos(cr)
	if len(report.Scenarios) != 2 {
		t.Fatalf("Expected 2 scenario rows, got %d", len(report.Scenarios))
	}
	if report.Scenarios[0].Failed != 1 || report.Scenarios[0].Applied != 1 {
		t.Errorf("Unexpected scenario row: %+v", report.Scenarios[0])
	}
	// baseline and the completed scenario
	if len(report.Metrics) != 2 {
		t.Errorf("Expected 2 metric rows, got %d", len(report.Metrics))
	}

	// 4 performance checks plus one per scenario
	if len(report.Checks) != 6 {
		t.Fatalf("Expected 6 checks, got %d", len(report.Checks))
	}
	outage, broken := report.Checks[4], report.Checks[5]
	if outage.Pass {
		t.Errorf("Losing two thirds of the return must fail the outage check: %+v", outage)
	}
	if broken.Pass || !strings.Contains(broken.Actual, "boom") {
		t.Errorf("A failed scenario must fail its check: %+v", broken)
	}
	if report.Verdict != VerdictFail {
		t.Errorf("Expected FAIL, got %s", report.Verdict)
	}
	if !strings.Contains(RenderMarkdown(report), "## Chaos Scenarios") {
		t.Error("Chaos markdown missing scenarios section")
	}
}

func TestRenderTradesCSV(t *testing.T) {
	rows := tradeRows("run,1", testTrades())
	out := RenderTradesCSV(rows)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected header plus 2 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "run,plan_id,instrument") {
		t.Errorf("Unexpected header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], `"run,1",plan-a,`) {
		t.Errorf("Unexpected first row %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], ","+domain.ExitReasonTakeProfit) {
		t.Errorf("Unexpected second row %q", lines[2])
	}
}

func TestRenderMetricsCSV(t *testing.T) {
	out := RenderMetricsCSV([]MetricRow{metricRow("combined", backtest.ComputeMetrics(testTrades(), 10_000))})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[1], "combined,2,1.000000,15.000000,0.001500,") {
		t.Errorf("Unexpected row %q", lines[1])
	}
}
