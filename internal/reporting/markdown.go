package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	// Header
	sb.WriteString(fmt.Sprintf("# %s\n\n", r.Title))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Range (ms): %d - %d\n\n", r.StartMs, r.EndMs))

	// Summary
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	for _, row := range r.Summary {
		sb.WriteString(fmt.Sprintf("| %s | %s |\n", row.Name, row.Value))
	}
	sb.WriteString("\n")

	// Performance
	sb.WriteString("## Performance\n\n")
	if len(r.Metrics) > 0 {
		sb.WriteString("| Run | Trades | WinRate | PnL | Return | Median | P10 | P90 | MaxDD | Sharpe | Sortino | PF | MaxLoss | Fees |\n")
		sb.WriteString("|-----|--------|---------|-----|--------|--------|-----|-----|-------|--------|---------|----|---------|------|\n")
		for _, m := range r.Metrics {
			sb.WriteString(fmt.Sprintf("| %s | %d | %.4f | %.4f | %.4f | %.4f | %.4f | %.4f | %.4f | %.4f | %.4f | %.4f | %d | %.4f |\n",
				m.Label, m.Trades, m.WinRate, m.TotalPnL, m.TotalReturn,
				m.ReturnMedian, m.ReturnP10, m.ReturnP90, m.MaxDrawdown,
				m.Sharpe, m.Sortino, m.ProfitFactor, m.MaxConsecutiveLosses, m.Fees))
		}
	} else {
		sb.WriteString("No metrics available.\n")
	}
	sb.WriteString("\n")

	// Windows
	if r.Kind == KindWalkForward {
		sb.WriteString("## Windows\n\n")
		if len(r.Windows) > 0 {
			sb.WriteString("| # | Train | Test | Status | Notional | Train Trades | Test Trades | Test Return | Error |\n")
			sb.WriteString("|---|-------|------|--------|----------|--------------|-------------|-------------|-------|\n")
			for _, w := range r.Windows {
				sb.WriteString(fmt.Sprintf("| %d | %d-%d | %d-%d | %s | %.2f | %d | %d | %.4f | %s |\n",
					w.Index, w.TrainStartMs, w.TrainEndMs, w.TestStartMs, w.TestEndMs,
					w.Status, w.BaseNotional, w.TrainTrades, w.TestTrades, w.TestReturn, escape(w.Error)))
			}
		} else {
			sb.WriteString("No windows evaluated.\n")
		}
		sb.WriteString("\n")
	}

	// Scenarios
	if r.Kind == KindChaos {
		sb.WriteString("## Chaos Scenarios\n\n")
		if len(r.Scenarios) > 0 {
			sb.WriteString("| Scenario | Kind | Status | Applied | Failed | Degraded | Unaffected | dReturn | dReturn% | dSlippage | Failed% |\n")
			sb.WriteString("|----------|------|--------|---------|--------|----------|------------|---------|----------|-----------|---------|\n")
			for _, s := range r.Scenarios {
				status := s.Status
				if s.Error != "" {
					status += ": " + escape(s.Error)
				}
				sb.WriteString(fmt.Sprintf("| %s | %s | %s | %d | %d | %d | %d | %.4f | %.2f | %.4f | %.2f |\n",
					s.Name, s.Kind, status, s.Applied, s.Failed, s.Degraded, s.Unaffected,
					s.DeltaReturn, s.DeltaReturnPct, s.DeltaSlippage, s.FailedTradePct))
			}
		} else {
			sb.WriteString("No scenarios run.\n")
		}
		sb.WriteString("\n")
	}

	// Checklist
	sb.WriteString("## Robustness Checks\n\n")
	if len(r.Checks) > 0 {
		sb.WriteString("| Check | Threshold | Actual | Status |\n")
		sb.WriteString("|-------|-----------|--------|--------|\n")
		for _, c := range r.Checks {
			status := "FAIL"
			if c.Pass {
				status = "PASS"
			}
			sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n", c.Name, c.Threshold, escape(c.Actual), status))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("**Verdict: %s**\n\n", r.Verdict))

	// Trades
	sb.WriteString("## Trades\n\n")
	if len(r.Trades) > 0 {
		sb.WriteString("| Plan | Instrument | Side | Size | Entry | Entry Price | Exit | Exit Price | Fees | PnL | Return | Reason |\n")
		sb.WriteString("|------|------------|------|------|-------|-------------|------|------------|------|-----|--------|--------|\n")
		for _, t := range r.Trades {
			sb.WriteString(fmt.Sprintf("| %s | %s | %s | %.6f | %d | %.6f | %d | %.6f | %.4f | %.4f | %.4f | %s |\n",
				shortID(t.PlanID), t.Instrument, t.Side, t.Size,
				t.EntryTimeMs, t.EntryPrice, t.ExitTimeMs, t.ExitPrice,
				t.Fees, t.PnL, t.ReturnPct, t.ExitReason))
		}
	} else {
		sb.WriteString("No trades closed.\n")
	}
	sb.WriteString("\n")

	return sb.String()
}

func escape(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
