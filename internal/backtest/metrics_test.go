package backtest

import (
	"math"
	"testing"

	"sniper-core/internal/domain"
)

func tradesFromPnL(pnls ...float64) []domain.ClosedTrade {
	trades := make([]domain.ClosedTrade, len(pnls))
	for i, p := range pnls {
		trades[i] = domain.ClosedTrade{
			PlanID:       string(rune('a' + i)),
			ExitTimeMs:   int64(i + 1),
			PnL:          p,
			ReturnPct:    p / 100,
			Fees:         1,
			SlippageCost: 0.5,
		}
	}
	return trades
}

func approx(t *testing.T, name string, want, got float64) {
	t.Helper()
	if math.Abs(want-got) > 1e-9 {
		t.Errorf("%s: expected %v, got %v", name, want, got)
	}
}

func TestComputeMetrics_KnownSequence(t *testing.T) {
	m := ComputeMetrics(tradesFromPnL(10, -5, 20, -10, -10), 100)

	if m.Trades != 5 || m.Wins != 2 || m.Losses != 3 {
		t.Fatalf("unexpected counts: %+v", m)
	}
	approx(t, "WinRate", 0.4, m.WinRate)
	approx(t, "TotalPnL", 5, m.TotalPnL)
	approx(t, "TotalReturn", 0.05, m.TotalReturn)
	approx(t, "FinalEquity", 105, m.FinalEquity)

	// Equity 110, 105, 125, 115, 105: worst decline is 125 -> 105.
	approx(t, "MaxDrawdown", 0.16, m.MaxDrawdown)

	// Returns 0.1, -0.05, 0.2, -0.1, -0.1: mean 0.01, population stddev 0.12.
	approx(t, "ReturnMean", 0.01, m.ReturnMean)
	approx(t, "ReturnStddev", 0.12, m.ReturnStddev)
	approx(t, "Sharpe", 0.01/0.12, m.Sharpe)
	approx(t, "Sortino", 0.01/math.Sqrt(0.0225/5), m.Sortino)
	approx(t, "Calmar", 0.05/0.16, m.Calmar)
	approx(t, "ReturnMedian", -0.05, m.ReturnMedian)

	approx(t, "TotalFees", 5, m.TotalFees)
	approx(t, "TotalSlippage", 2.5, m.TotalSlippage)

	if m.MaxConsecutiveWins != 1 {
		t.Errorf("MaxConsecutiveWins: expected 1, got %d", m.MaxConsecutiveWins)
	}
	if m.MaxConsecutiveLosses != 2 {
		t.Errorf("MaxConsecutiveLosses: expected 2, got %d", m.MaxConsecutiveLosses)
	}
	approx(t, "ProfitFactor", 30.0/25.0, m.ProfitFactor)
	approx(t, "AvgWin", 15, m.AvgWin)
	approx(t, "AvgLoss", -25.0/3.0, m.AvgLoss)
}

func TestComputeMetrics_OrdersByExitTime(t *testing.T) {
	trades := tradesFromPnL(10, -5, 20, -10, -10)
	reversed := make([]domain.ClosedTrade, len(trades))
	for i := range trades {
		reversed[len(trades)-1-i] = trades[i]
	}

	a := ComputeMetrics(trades, 100)
	b := ComputeMetrics(reversed, 100)
	if a != b {
		t.Errorf("metrics depend on input order:\n%+v\n%+v", a, b)
	}
	if reversed[0].ExitTimeMs != 5 {
		t.Error("ComputeMetrics must not reorder the caller's slice")
	}
}

func TestComputeMetrics_Empty(t *testing.T) {
	m := ComputeMetrics(nil, 1_000)
	if m.Trades != 0 || m.TotalReturn != 0 || m.Sharpe != 0 {
		t.Errorf("expected zero metrics, got %+v", m)
	}
	approx(t, "FinalEquity", 1_000, m.FinalEquity)
}

func TestComputeMetrics_NoLosses(t *testing.T) {
	m := ComputeMetrics(tradesFromPnL(5, 5), 100)
	if m.MaxDrawdown != 0 || m.Calmar != 0 || m.Sortino != 0 {
		t.Errorf("expected undefined ratios to be zero, got %+v", m)
	}
	if m.ProfitFactor != 0 {
		t.Errorf("expected ProfitFactor 0 without losses, got %v", m.ProfitFactor)
	}
	if m.MaxConsecutiveWins != 2 {
		t.Errorf("expected 2 consecutive wins, got %d", m.MaxConsecutiveWins)
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1},
		{0.5, 3},
		{0.1, 1.4},
		{0.9, 4.6},
		{1, 5},
	}
	for _, tt := range tests {
		approx(t, "percentile", tt.want, percentile(values, tt.p))
	}
}
