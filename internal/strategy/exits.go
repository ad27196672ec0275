package strategy

import (
	"math"

	"sniper-core/internal/domain"
)

// ExitState tracks an open position against its exit rules.
type ExitState struct {
	Side        domain.Side
	EntryPrice  float64
	EntryTimeMs int64
	// Best is the most favorable price seen since entry: the peak for a
	// long, the trough for a short.
	Best float64
}

// NewExitState starts tracking a position opened at entryPrice.
func NewExitState(side domain.Side, entryPrice float64, entryTimeMs int64) *ExitState {
	return &ExitState{
		Side:        side,
		EntryPrice:  entryPrice,
		EntryTimeMs: entryTimeMs,
		Best:        entryPrice,
	}
}

// Check updates the favorable extreme with price and reports the first exit
// rule that fires, in order: stop loss, trailing stop, take profit, max hold.
// Returns "" when the position stays open.
func (s *ExitState) Check(rules domain.ExitRules, price float64, nowMs int64) string {
	if s.EntryPrice <= 0 || price <= 0 {
		return ""
	}

	long := s.Side != domain.SideSell
	if long {
		s.Best = math.Max(s.Best, price)
	} else {
		s.Best = math.Min(s.Best, price)
	}

	// Signed return: positive is a gain for either side.
	ret := (price - s.EntryPrice) / s.EntryPrice
	if !long {
		ret = -ret
	}

	if rules.StopLossPct > 0 && ret <= -rules.StopLossPct {
		return domain.ExitReasonStopLoss
	}

	if rules.TrailingPct > 0 {
		if long && price <= s.Best*(1-rules.TrailingPct) {
			return domain.ExitReasonTrailing
		}
		if !long && price >= s.Best*(1+rules.TrailingPct) {
			return domain.ExitReasonTrailing
		}
	}

	if rules.TakeProfitPct > 0 && ret >= rules.TakeProfitPct {
		return domain.ExitReasonTakeProfit
	}

	if rules.MaxHoldMs > 0 && nowMs-s.EntryTimeMs >= rules.MaxHoldMs {
		return domain.ExitReasonMaxHold
	}
	return ""
}
