package reporting

import "time"

// Report is the rendered view of a backtest, walk-forward or chaos run.
type Report struct {
	// Metadata
	Title       string
	Kind        string // backtest, walk_forward or chaos
	GeneratedAt time.Time
	StartMs     int64
	EndMs       int64

	// Key/value summary shown first
	Summary []SummaryRow

	// One row per run, window or scenario
	Metrics []MetricRow

	// Walk-forward windows (empty for other kinds)
	Windows []WindowRow

	// Chaos scenarios (empty for other kinds)
	Scenarios []ScenarioRow

	// Closed trades, sorted by exit time
	Trades []TradeRow

	// Robustness checklist
	Checks  []CheckRow
	Verdict Verdict
}

// SummaryRow is one line of the summary table.
type SummaryRow struct {
	Name  string
	Value string
}

// MetricRow is the performance of one run.
type MetricRow struct {
	Label                string
	Trades               int
	WinRate              float64
	TotalPnL             float64
	TotalReturn          float64
	ReturnMedian         float64
	ReturnP10            float64
	ReturnP90            float64
	MaxDrawdown          float64
	Sharpe               float64
	Sortino              float64
	ProfitFactor         float64
	MaxConsecutiveLosses int
	Fees                 float64
}

// WindowRow describes one walk-forward window.
type WindowRow struct {
	Index        int
	TrainStartMs int64
	TrainEndMs   int64
	TestStartMs  int64
	TestEndMs    int64
	Status       string
	Error        string
	TrainTrades  int
	TestTrades   int
	TestReturn   float64
	BaseNotional float64
}

// ScenarioRow summarizes one chaos scenario.
type ScenarioRow struct {
	Name           string
	Kind           string
	Status         string
	Error          string
	Applied        int
	Failed         int
	Degraded       int
	Unaffected     int
	DeltaReturn    float64
	DeltaReturnPct float64
	DeltaSlippage  float64
	FailedTradePct float64
}

// TradeRow is one closed trade.
type TradeRow struct {
	Run         string
	PlanID      string
	Instrument  string
	Side        string
	Size        float64
	EntryTimeMs int64
	EntryPrice  float64
	ExitTimeMs  int64
	ExitPrice   float64
	Fees        float64
	PnL         float64
	ReturnPct   float64
	ExitReason  string
}

// CheckRow is one robustness criterion.
type CheckRow struct {
	Name      string
	Threshold string
	Actual    string
	Pass      bool
}

// Verdict is the overall outcome of the checklist.
type Verdict string

const (
	VerdictPass         Verdict = "PASS"
	VerdictFail         Verdict = "FAIL"
	VerdictInsufficient Verdict = "INSUFFICIENT_DATA"
)
