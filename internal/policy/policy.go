// Package policy decides whether a plan may be traded at all, before any
// sizing or limit checks.
package policy

import (
	"context"
	"fmt"
	"strings"

	"sniper-core/internal/domain"
)

// Authorization is the result of a policy check.
type Authorization struct {
	Allowed bool
	Reason  string
}

// Allow authorizes a plan.
func Allow() Authorization {
	return Authorization{Allowed: true}
}

// Deny refuses a plan with reason.
func Deny(reason string) Authorization {
	return Authorization{Reason: reason}
}

// Oracle authorizes plans. A Deny is final for the plan.
type Oracle interface {
	Authorize(ctx context.Context, plan *domain.TradePlan) (Authorization, error)
}

// AllowAll authorizes every plan.
type AllowAll struct{}

// Authorize implements Oracle.
func (AllowAll) Authorize(context.Context, *domain.TradePlan) (Authorization, error) {
	return Allow(), nil
}

// Rules configures a RuleOracle.
type Rules struct {
	BlockedInstruments []string `mapstructure:"blocked_instruments" json:"blocked_instruments,omitempty"`
	BlockedVenues      []string `mapstructure:"blocked_venues" json:"blocked_venues,omitempty"`
	// MaxNotional caps size * reference price of a single plan. Zero disables.
	MaxNotional float64 `mapstructure:"max_notional" json:"max_notional,omitempty"`
}

// RuleOracle applies static allow/deny rules.
type RuleOracle struct {
	instruments map[string]struct{}
	venues      map[string]struct{}
	maxNotional float64
}

// NewRuleOracle builds a RuleOracle. Instruments are matched upper case,
// venues lower case.
func NewRuleOracle(r Rules) *RuleOracle {
	o := &RuleOracle{
		instruments: make(map[string]struct{}, len(r.BlockedInstruments)),
		venues:      make(map[string]struct{}, len(r.BlockedVenues)),
		maxNotional: r.MaxNotional,
	}
	for _, inst := range r.BlockedInstruments {
		o.instruments[strings.ToUpper(strings.TrimSpace(inst))] = struct{}{}
	}
	for _, v := range r.BlockedVenues {
		o.venues[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return o
}

// Authorize implements Oracle.
func (o *RuleOracle) Authorize(_ context.Context, plan *domain.TradePlan) (Authorization, error) {
	if _, ok := o.venues[strings.ToLower(plan.Venue)]; ok {
		return Deny(fmt.Sprintf("venue %s blocked", plan.Venue)), nil
	}
	if _, ok := o.instruments[strings.ToUpper(plan.Instrument)]; ok {
		return Deny(fmt.Sprintf("instrument %s blocked", plan.Instrument)), nil
	}
	if o.maxNotional > 0 && plan.Notional() > o.maxNotional {
		return Deny(fmt.Sprintf("notional %.2f above max %.2f", plan.Notional(), o.maxNotional)), nil
	}
	return Allow(), nil
}

var (
	_ Oracle = AllowAll{}
	_ Oracle = (*RuleOracle)(nil)
)
