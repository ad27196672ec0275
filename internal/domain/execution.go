package domain

// FailureKind classifies why an execution did not succeed.
type FailureKind string

const (
	FailureNone           FailureKind = ""
	FailureValidation     FailureKind = "validation"
	FailureInfrastructure FailureKind = "infrastructure"
	FailureLiquidity      FailureKind = "liquidity"
	FailureDeadline       FailureKind = "deadline"
	FailurePolicy         FailureKind = "policy"
)

// Failure reasons carried in ExecutionResult.Reason.
const (
	ReasonExpired               = "Expired"
	ReasonInsufficientLiquidity = "InsufficientLiquidity"
	ReasonStalePriceState       = "StalePriceState"
	ReasonSlippageExceeded      = "SlippageExceeded"
	ReasonVenueUnavailable      = "VenueUnavailable"
	ReasonStoreUnavailable      = "StoreUnavailable"
	ReasonInFlight              = "InFlight"
	ReasonOutcomeUnknown        = "OutcomeUnknown"
	ReasonNoPriceState          = "NoPriceState"
)

// ExecutionRequest is created by the dispatcher for one plan.
type ExecutionRequest struct {
	PlanID         string  `json:"plan_id"`
	IdempotencyKey string  `json:"idempotency_key"`
	Target         Target  `json:"target"`
	Venue          string  `json:"venue"`
	Instrument     string  `json:"instrument"`
	Side           Side    `json:"side"`
	Size           float64 `json:"size"`
	ReferencePrice float64 `json:"reference_price"`
	MaxSlippageBps float64 `json:"max_slippage_bps"`
	DeadlineMs     int64   `json:"deadline_ms"`     // absolute
	SubmittedAtMs  int64   `json:"submitted_at_ms"` // clock time at dispatch
}

// ExecutionResult is produced exactly once per idempotency key.
type ExecutionResult struct {
	IdempotencyKey string      `json:"idempotency_key"`
	PlanID         string      `json:"plan_id"`
	Success        bool        `json:"success"`
	FillPrice      float64     `json:"fill_price"`
	FillSize       float64     `json:"fill_size"`
	Partial        bool        `json:"partial"`
	Fees           float64     `json:"fees"`
	SlippageBps    float64     `json:"slippage_bps"`
	SlippageCost   float64     `json:"slippage_cost"` // |fill - reference| * fill size
	FailureKind    FailureKind `json:"failure_kind,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	Retryable      bool        `json:"retryable,omitempty"`
	CompletedAtMs  int64       `json:"completed_at_ms"`
}

// Failed builds a failed result for key.
func Failed(key, planID string, kind FailureKind, reason string, atMs int64) *ExecutionResult {
	return &ExecutionResult{
		IdempotencyKey: key,
		PlanID:         planID,
		FailureKind:    kind,
		Reason:         reason,
		Retryable:      kind == FailureInfrastructure,
		CompletedAtMs:  atMs,
	}
}

// IsExpired reports whether the result is the terminal Expired outcome.
func (r *ExecutionResult) IsExpired() bool {
	return r.FailureKind == FailureDeadline
}

// ExecutionRecord is the audit row written once per idempotency key.
type ExecutionRecord struct {
	IdempotencyKey string          `json:"idempotency_key"`
	PlanID         string          `json:"plan_id"`
	SignalID       string          `json:"signal_id"`
	StrategyID     string          `json:"strategy_id"`
	Venue          string          `json:"venue"`
	Instrument     string          `json:"instrument"`
	Side           Side            `json:"side"`
	Mode           Mode            `json:"mode"`
	Target         Target          `json:"target"`
	RequestedSize  float64         `json:"requested_size"`
	ApprovedSize   float64         `json:"approved_size"`
	Result         ExecutionResult `json:"result"`
	RecordedAtMs   int64           `json:"recorded_at_ms"`
}
