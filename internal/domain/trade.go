package domain

import "errors"

// ErrInvalidTransition is returned when a plan status would move backward.
var ErrInvalidTransition = errors.New("invalid plan status transition")

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}

// Mode is the operating mode of the decision pipeline.
type Mode string

const (
	ModeNormal      Mode = "normal"
	ModeShadow      Mode = "shadow"
	ModeObserveOnly Mode = "observe_only"
)

// IsValid checks if the mode is a known value.
func (m Mode) IsValid() bool {
	return m == ModeNormal || m == ModeShadow || m == ModeObserveOnly
}

// Target is where an execution request is routed.
type Target string

const (
	TargetVenue      Target = "venue"
	TargetSimulation Target = "simulation"
)

// PlanStatus is the monotonic lifecycle state of a TradePlan.
type PlanStatus string

const (
	PlanPending      PlanStatus = "pending"
	PlanRiskApproved PlanStatus = "risk_approved"
	PlanRiskRejected PlanStatus = "risk_rejected"
	PlanDispatched   PlanStatus = "dispatched"
	PlanFilled       PlanStatus = "filled"
	PlanFailed       PlanStatus = "failed"
	PlanExpired      PlanStatus = "expired"
)

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanPending:      {PlanRiskApproved, PlanRiskRejected},
	PlanRiskApproved: {PlanDispatched},
	PlanDispatched:   {PlanFilled, PlanFailed, PlanExpired},
}

// CanTransition reports whether s may move to next.
func (s PlanStatus) CanTransition(next PlanStatus) bool {
	for _, allowed := range planTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s PlanStatus) IsTerminal() bool {
	return len(planTransitions[s]) == 0
}

// ExitRules describe how an open position created by a plan is closed.
// Zero values disable a rule.
type ExitRules struct {
	TakeProfitPct float64 `json:"take_profit_pct,omitempty" mapstructure:"take_profit_pct"`
	StopLossPct   float64 `json:"stop_loss_pct,omitempty" mapstructure:"stop_loss_pct"`
	TrailingPct   float64 `json:"trailing_pct,omitempty" mapstructure:"trailing_pct"`
	MaxHoldMs     int64   `json:"max_hold_ms,omitempty" mapstructure:"max_hold_ms"`
}

// TradePlan is a candidate trade derived from a Signal.
// Immutable after creation except for Status, which only moves forward.
type TradePlan struct {
	PlanID         string     `json:"plan_id"` // stable across retries
	SignalID       string     `json:"signal_id"`
	StrategyID     string     `json:"strategy_id"`
	Venue          string     `json:"venue"`
	Instrument     string     `json:"instrument"`
	Side           Side       `json:"side"`
	Size           float64    `json:"size"` // base units
	ReferencePrice float64    `json:"reference_price"`
	MaxSlippageBps float64    `json:"max_slippage_bps"`
	CreatedAtMs    int64      `json:"created_at_ms"`
	DeadlineMs     int64      `json:"deadline_ms"` // absolute
	Mode           Mode       `json:"mode"`
	Target         Target     `json:"target"`
	Exits          ExitRules  `json:"exits"`
	Status         PlanStatus `json:"status"`
}

// Notional returns size * reference price.
func (p *TradePlan) Notional() float64 {
	return p.Size * p.ReferencePrice
}

// Advance moves the plan to next. Returns ErrInvalidTransition for a
// backward or skipping move.
func (p *TradePlan) Advance(next PlanStatus) error {
	if !p.Status.CanTransition(next) {
		return ErrInvalidTransition
	}
	p.Status = next
	return nil
}

// Expired reports whether the deadline has passed at nowMs.
func (p *TradePlan) Expired(nowMs int64) bool {
	return p.DeadlineMs > 0 && nowMs >= p.DeadlineMs
}
