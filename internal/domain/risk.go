package domain

// Verdict is the outcome of a risk evaluation.
type Verdict string

const (
	VerdictApprove    Verdict = "approve"
	VerdictAdjustSize Verdict = "adjust_size"
	VerdictReject     Verdict = "reject"
)

// Constraint names a risk rule that was triggered.
type Constraint string

const (
	ConstraintPolicy          Constraint = "policy"
	ConstraintExposure        Constraint = "exposure"
	ConstraintCorrelation     Constraint = "correlation"
	ConstraintOpenPositions   Constraint = "open_positions"
	ConstraintInstrumentLimit Constraint = "instrument_limit"
	ConstraintDailyLoss       Constraint = "daily_loss"
	ConstraintSizing          Constraint = "sizing"
	ConstraintMinSize         Constraint = "min_size"
	ConstraintCircuitBreaker  Constraint = "circuit_breaker"
)

// RiskDecision is produced exactly once per plan and never mutated.
type RiskDecision struct {
	PlanID        string       `json:"plan_id"`
	Verdict       Verdict      `json:"verdict"`
	RequestedSize float64      `json:"requested_size"`
	ApprovedSize  float64      `json:"approved_size"` // 0 on reject
	Multiplier    float64      `json:"multiplier"`    // drawdown multiplier applied
	Triggered     []Constraint `json:"triggered,omitempty"`
	Reasons       []string     `json:"reasons,omitempty"`
	DecidedAtMs   int64        `json:"decided_at_ms"`
}

// Approved reports whether the decision allows any size to trade.
func (d *RiskDecision) Approved() bool {
	return d.Verdict == VerdictApprove || d.Verdict == VerdictAdjustSize
}
