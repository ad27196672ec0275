package chaos

import (
	"math"
	"sort"

	"sniper-core/internal/backtest"
	"sniper-core/internal/domain"
)

const priceEpsilon = 1e-12

// Delta compares perturbed metrics with the baseline. Absolute values are
// perturbed minus baseline.
type Delta struct {
	TotalReturn        float64 `json:"total_return"`
	TotalReturnPct     float64 `json:"total_return_pct"` // relative to |baseline|, 0 when the baseline is flat
	TotalPnL           float64 `json:"total_pnl"`
	Sharpe             float64 `json:"sharpe"`
	MaxDrawdown        float64 `json:"max_drawdown"`
	WinRate            float64 `json:"win_rate"`
	Fees               float64 `json:"fees"`
	AdditionalSlippage float64 `json:"additional_slippage"`
	FailedTradePct     float64 `json:"failed_trade_pct"` // failed entry dispatches in the perturbed run
}

// ComputeDelta returns the performance delta of perturbed against baseline.
func ComputeDelta(baseline, perturbed *backtest.Report) Delta {
	b, p := baseline.Metrics, perturbed.Metrics
	d := Delta{
		TotalReturn:        p.TotalReturn - b.TotalReturn,
		TotalPnL:           p.TotalPnL - b.TotalPnL,
		Sharpe:             p.Sharpe - b.Sharpe,
		MaxDrawdown:        p.MaxDrawdown - b.MaxDrawdown,
		WinRate:            p.WinRate - b.WinRate,
		Fees:               p.TotalFees - b.TotalFees,
		AdditionalSlippage: p.TotalSlippage - b.TotalSlippage,
	}
	if b.TotalReturn != 0 {
		d.TotalReturnPct = d.TotalReturn / math.Abs(b.TotalReturn) * 100
	}

	dispatched, failed := 0, 0
	for _, e := range perturbed.Entries() {
		if e.Result == nil {
			continue
		}
		dispatched++
		if !e.Result.Success {
			failed++
		}
	}
	if dispatched > 0 {
		d.FailedTradePct = float64(failed) / float64(dispatched) * 100
	}
	return d
}

// Class is the effect of a perturbation on one plan.
type Class string

const (
	ClassFailed     Class = "failed"
	ClassDegraded   Class = "degraded"
	ClassUnaffected Class = "unaffected"
)

// PlanImpact is the comparison of one entry plan across the two runs.
type PlanImpact struct {
	PlanID    string `json:"plan_id"`
	Class     Class  `json:"class"`
	Baseline  string `json:"baseline"`
	Perturbed string `json:"perturbed"`
}

// Impact counts plans by class.
type Impact struct {
	Failed     int          `json:"failed"`
	Degraded   int          `json:"degraded"`
	Unaffected int          `json:"unaffected"`
	Plans      []PlanImpact `json:"plans"`
}

// ClassifyPlans compares the entry plans of both runs by plan id:
//   - a retryable infrastructure failure, or a fill at a worse price, smaller
//     size or higher fee than the baseline, is degraded
//   - a plan that filled in the baseline but did not fill, or was never
//     dispatched, in the perturbed run is failed
//   - anything else is unaffected
func ClassifyPlans(baseline, perturbed *backtest.Report) Impact {
	base := indexEntries(baseline)
	pert := indexEntries(perturbed)

	ids := make([]string, 0, len(base)+len(pert))
	for id := range base {
		ids = append(ids, id)
	}
	for id := range pert {
		if _, ok := base[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	impact := Impact{Plans: make([]PlanImpact, 0, len(ids))}
	for _, id := range ids {
		b, p := base[id], pert[id]
		class := classify(b, p)
		switch class {
		case ClassFailed:
			impact.Failed++
		case ClassDegraded:
			impact.Degraded++
		default:
			impact.Unaffected++
		}
		impact.Plans = append(impact.Plans, PlanImpact{
			PlanID:    id,
			Class:     class,
			Baseline:  describe(b),
			Perturbed: describe(p),
		})
	}
	return impact
}

func indexEntries(r *backtest.Report) map[string]*backtest.Execution {
	out := make(map[string]*backtest.Execution)
	entries := r.Entries()
	for i := range entries {
		out[entries[i].PlanID] = &entries[i]
	}
	return out
}

func filled(e *backtest.Execution) bool {
	return e != nil && e.Result != nil && e.Result.Success
}

func classify(b, p *backtest.Execution) Class {
	if p != nil && p.Result != nil && !p.Result.Success && p.Result.Retryable {
		return ClassDegraded
	}
	if !filled(b) {
		return ClassUnaffected
	}
	if !filled(p) {
		return ClassFailed
	}

	br, pr := b.Result, p.Result
	worsePrice := p.Side.Sign()*(pr.FillPrice-br.FillPrice) > priceEpsilon
	if worsePrice || pr.FillSize < br.FillSize-priceEpsilon || pr.Fees > br.Fees+priceEpsilon {
		return ClassDegraded
	}
	return ClassUnaffected
}

func describe(e *backtest.Execution) string {
	switch {
	case e == nil:
		return "absent"
	case e.Result == nil:
		return string(e.Verdict)
	case e.Result.Success:
		return "filled"
	case e.Result.Reason != "":
		return e.Result.Reason
	default:
		return string(domain.PlanFailed)
	}
}
