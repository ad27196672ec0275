package backtest

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"

	"sniper-core/internal/domain"
)

// Metrics are the aggregate statistics of a set of closed trades.
// Ratios are per trade and not annualized.
type Metrics struct {
	// Counts
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
	WinRate float64 `json:"win_rate"`

	// Returns
	InitialEquity float64 `json:"initial_equity"`
	FinalEquity   float64 `json:"final_equity"`
	TotalPnL      float64 `json:"total_pnl"`
	TotalReturn   float64 `json:"total_return"` // fraction of initial equity
	ReturnMean    float64 `json:"return_mean"`
	ReturnMedian  float64 `json:"return_median"`
	ReturnP10     float64 `json:"return_p10"`
	ReturnP90     float64 `json:"return_p90"`
	ReturnStddev  float64 `json:"return_stddev"` // population

	// Risk-adjusted
	MaxDrawdown float64 `json:"max_drawdown"` // fraction of peak equity
	Sharpe      float64 `json:"sharpe"`
	Sortino     float64 `json:"sortino"`
	Calmar      float64 `json:"calmar"`

	// Costs
	TotalFees     float64 `json:"total_fees"`
	TotalSlippage float64 `json:"total_slippage"`

	// Streaks and payoff
	MaxConsecutiveWins   int     `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	ProfitFactor         float64 `json:"profit_factor"`
	AvgWin               float64 `json:"avg_win"`
	AvgLoss              float64 `json:"avg_loss"` // negative or zero
}

// ComputeMetrics calculates statistics over trades starting from
// initialEquity. Trades are ordered by exit time, then plan id, before the
// order-dependent metrics (drawdown, streaks) are computed.
func ComputeMetrics(trades []domain.ClosedTrade, initialEquity float64) Metrics {
	m := Metrics{
		InitialEquity: initialEquity,
		FinalEquity:   initialEquity,
	}
	n := len(trades)
	if n == 0 {
		return m
	}

	sorted := make([]domain.ClosedTrade, n)
	copy(sorted, trades)
	SortTrades(sorted)

	returns := make([]float64, n)
	pnls := make([]float64, n)
	grossWin, grossLoss := 0.0, 0.0
	for i, t := range sorted {
		returns[i] = t.ReturnPct
		pnls[i] = t.PnL
		m.TotalFees += t.Fees
		m.TotalSlippage += t.SlippageCost
		if t.PnL > 0 {
			m.Wins++
			grossWin += t.PnL
		} else {
			m.Losses++
			grossLoss += t.PnL
		}
	}

	m.Trades = n
	m.WinRate = float64(m.Wins) / float64(n)
	m.TotalPnL, _ = stats.Sum(pnls)
	m.FinalEquity = initialEquity + m.TotalPnL
	if initialEquity > 0 {
		m.TotalReturn = m.TotalPnL / initialEquity
	}

	m.ReturnMean, _ = stats.Mean(returns)
	m.ReturnMedian, _ = stats.Median(returns)
	m.ReturnStddev, _ = stats.StandardDeviationPopulation(returns)
	m.ReturnP10 = percentile(returns, 0.10)
	m.ReturnP90 = percentile(returns, 0.90)

	m.MaxDrawdown = maxDrawdown(pnls, initialEquity)
	if m.ReturnStddev > 0 {
		m.Sharpe = m.ReturnMean / m.ReturnStddev
	}
	if dd := downsideDeviation(returns); dd > 0 {
		m.Sortino = m.ReturnMean / dd
	}
	if m.MaxDrawdown > 0 {
		m.Calmar = m.TotalReturn / m.MaxDrawdown
	}

	m.MaxConsecutiveWins, m.MaxConsecutiveLosses = streaks(pnls)
	if grossLoss < 0 {
		m.ProfitFactor = grossWin / -grossLoss
	}
	if m.Wins > 0 {
		m.AvgWin = grossWin / float64(m.Wins)
	}
	if m.Losses > 0 {
		m.AvgLoss = grossLoss / float64(m.Losses)
	}
	return m
}

// SortTrades orders trades by exit time, then plan id, then entry time.
func SortTrades(trades []domain.ClosedTrade) {
	sort.SliceStable(trades, func(i, j int) bool {
		a, b := &trades[i], &trades[j]
		if a.ExitTimeMs != b.ExitTimeMs {
			return a.ExitTimeMs < b.ExitTimeMs
		}
		if a.PlanID != b.PlanID {
			return a.PlanID < b.PlanID
		}
		return a.EntryTimeMs < b.EntryTimeMs
	})
}

// percentile uses linear interpolation between closest ranks.
// p is a fraction (0.10 = 10th percentile).
func percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n == 1 {
		return sorted[0]
	}

	idx := p * float64(n-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}
	frac := idx - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// maxDrawdown is the worst peak-to-trough decline of the equity curve built
// by adding pnls to initialEquity, as a fraction of the peak.
// pnls must be in chronological order.
func maxDrawdown(pnls []float64, initialEquity float64) float64 {
	equity := initialEquity
	peak := initialEquity
	worst := 0.0
	for _, p := range pnls {
		equity += p
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - equity) / peak; dd > worst {
			worst = dd
		}
	}
	return worst
}

// downsideDeviation is the root mean square of the negative returns over
// all observations.
func downsideDeviation(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sumSq := 0.0
	for _, r := range returns {
		if r < 0 {
			sumSq += r * r
		}
	}
	return math.Sqrt(sumSq / float64(len(returns)))
}

// streaks returns the longest runs of winning (pnl > 0) and losing
// (pnl <= 0) trades.
func streaks(pnls []float64) (int, int) {
	maxWins, maxLosses := 0, 0
	wins, losses := 0, 0
	for _, p := range pnls {
		if p > 0 {
			wins++
			losses = 0
		} else {
			losses++
			wins = 0
		}
		maxWins = max(maxWins, wins)
		maxLosses = max(maxLosses, losses)
	}
	return maxWins, maxLosses
}
