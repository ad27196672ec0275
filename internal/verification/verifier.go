// Package verification checks that a backtest run reproduces: replayed
// execution results are compared field by field with the stored audit log
// or with another run of the same configuration.
package verification

import (
	"math"

	"sniper-core/internal/backtest"
	"sniper-core/internal/domain"
)

// FloatTolerance is the tolerance for float64 comparisons.
const FloatTolerance = 1e-7

// FieldDivergence represents a mismatch between stored and replayed values.
type FieldDivergence struct {
	Field    string `json:"field"`
	Expected any    `json:"expected"` // stored value
	Actual   any    `json:"actual"`   // replayed value
}

// Result is the verification of one plan's execution.
type Result struct {
	PlanID      string            `json:"plan_id"`
	Match       bool              `json:"match"`
	Missing     bool              `json:"missing,omitempty"` // no stored counterpart
	Divergences []FieldDivergence `json:"divergences,omitempty"`
}

// Report contains results for a whole run.
type Report struct {
	Total     int      `json:"total"`
	Matched   int      `json:"matched"`
	Divergent int      `json:"divergent"`
	Missing   int      `json:"missing"`
	Results   []Result `json:"results"`
}

// OK reports whether every execution matched.
func (r *Report) OK() bool {
	return r.Matched == r.Total
}

func (r *Report) add(res Result) {
	r.Total++
	switch {
	case res.Missing:
		r.Missing++
	case res.Match:
		r.Matched++
	default:
		r.Divergent++
	}
	r.Results = append(r.Results, res)
}

// CompareResults compares two execution results and returns divergences.
// Uses FloatTolerance for float64 comparisons. Idempotency keys are derived
// from plan ids and are not compared.
func CompareResults(stored, replayed *domain.ExecutionResult) []FieldDivergence {
	var divergences []FieldDivergence
	exact := func(field string, expected, actual any) {
		if expected != actual {
			divergences = append(divergences, FieldDivergence{Field: field, Expected: expected, Actual: actual})
		}
	}
	approx := func(field string, expected, actual float64) {
		if !floatEquals(expected, actual) {
			divergences = append(divergences, FieldDivergence{Field: field, Expected: expected, Actual: actual})
		}
	}

	// Outcome
	exact("Success", stored.Success, replayed.Success)
	exact("Partial", stored.Partial, replayed.Partial)
	exact("FailureKind", stored.FailureKind, replayed.FailureKind)
	exact("Reason", stored.Reason, replayed.Reason)
	exact("Retryable", stored.Retryable, replayed.Retryable)
	exact("CompletedAtMs", stored.CompletedAtMs, replayed.CompletedAtMs)

	// Fill
	approx("FillPrice", stored.FillPrice, replayed.FillPrice)
	approx("FillSize", stored.FillSize, replayed.FillSize)

	// Costs
	approx("Fees", stored.Fees, replayed.Fees)
	approx("SlippageBps", stored.SlippageBps, replayed.SlippageBps)
	approx("SlippageCost", stored.SlippageCost, replayed.SlippageCost)

	return divergences
}

// CompareRuns matches the executions of two runs by plan id. A plan present
// in only one run is reported as missing.
func CompareRuns(expected, actual *backtest.Report) *Report {
	byPlan := make(map[string]*domain.ExecutionResult, len(actual.Executions))
	for _, e := range actual.Executions {
		byPlan[e.PlanID] = e.Result
	}

	report := &Report{}
	seen := make(map[string]struct{}, len(expected.Executions))
	for _, e := range expected.Executions {
		seen[e.PlanID] = struct{}{}
		got, ok := byPlan[e.PlanID]
		if !ok {
			report.add(Result{PlanID: e.PlanID, Missing: true})
			continue
		}
		report.add(compare(e.PlanID, e.Result, got))
	}
	for _, e := range actual.Executions {
		if _, ok := seen[e.PlanID]; !ok {
			report.add(Result{PlanID: e.PlanID, Missing: true})
		}
	}
	return report
}

// compare handles plans that never reached the venue on either side.
func compare(planID string, stored, replayed *domain.ExecutionResult) Result {
	res := Result{PlanID: planID}
	switch {
	case stored == nil && replayed == nil:
	case stored == nil || replayed == nil:
		res.Divergences = []FieldDivergence{{Field: "Result", Expected: stored != nil, Actual: replayed != nil}}
	default:
		res.Divergences = CompareResults(stored, replayed)
	}
	res.Match = len(res.Divergences) == 0
	return res
}

// floatEquals compares two float64 values within FloatTolerance.
func floatEquals(a, b float64) bool {
	return math.Abs(a-b) <= FloatTolerance
}
