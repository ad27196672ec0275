package reporting

import (
	"fmt"
	"strings"
)

// RenderTradesCSV renders closed trades as CSV string.
func RenderTradesCSV(trades []TradeRow) string {
	var sb strings.Builder

	// Header
	sb.WriteString("run,plan_id,instrument,side,size,entry_time_ms,entry_price,")
	sb.WriteString("exit_time_ms,exit_price,fees,pnl,return_pct,exit_reason\n")

	// Rows
	for _, t := range trades {
		sb.WriteString(fmt.Sprintf("%s,%s,%s,%s,%.8f,%d,%.8f,%d,%.8f,%.6f,%.6f,%.6f,%s\n",
			csvField(t.Run),
			t.PlanID,
			csvField(t.Instrument),
			t.Side,
			t.Size,
			t.EntryTimeMs,
			t.EntryPrice,
			t.ExitTimeMs,
			t.ExitPrice,
			t.Fees,
			t.PnL,
			t.ReturnPct,
			t.ExitReason,
		))
	}

	return sb.String()
}

// RenderMetricsCSV renders one row per run as CSV string.
func RenderMetricsCSV(metrics []MetricRow) string {
	var sb strings.Builder

	sb.WriteString("run,trades,win_rate,total_pnl,total_return,return_median,return_p10,return_p90,")
	sb.WriteString("max_drawdown,sharpe,sortino,profit_factor,max_consecutive_losses,fees\n")

	for _, m := range metrics {
		sb.WriteString(fmt.Sprintf("%s,%d,%.6f,%.6f,%.6f,%.6f,%.6f,%.6f,%.6f,%.6f,%.6f,%.6f,%d,%.6f\n",
			csvField(m.Label),
			m.Trades,
			m.WinRate,
			m.TotalPnL,
			m.TotalReturn,
			m.ReturnMedian,
			m.ReturnP10,
			m.ReturnP90,
			m.MaxDrawdown,
			m.Sharpe,
			m.Sortino,
			m.ProfitFactor,
			m.MaxConsecutiveLosses,
			m.Fees,
		))
	}

	return sb.String()
}

// csvField quotes s when it contains a separator or quote.
func csvField(s string) string {
	if !strings.ContainsAny(s, ",\"\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
