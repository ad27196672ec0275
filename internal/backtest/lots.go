package backtest

import (
	"math"
	"sort"

	"sniper-core/internal/domain"
	"sniper-core/internal/strategy"
)

const lotEpsilon = 1e-9

// lot is the open remainder of one filled entry plan.
type lot struct {
	planID      string
	signalID    string
	strategyID  string
	venue       string
	instrument  string
	side        domain.Side
	size        float64 // open quantity
	filled      float64 // quantity at entry
	entryPrice  float64
	entryTimeMs int64
	fees        float64 // entry fees for the whole fill
	slippage    float64 // entry slippage cost for the whole fill
	rules       domain.ExitRules
	exit        *strategy.ExitState
	attempts    int // exit plans submitted
}

// realize closes qty of the lot at exitPrice. exitFees and exitSlippage
// are the exit costs attributable to qty.
func (l *lot) realize(qty, exitPrice, exitFees, exitSlippage float64, atMs int64, reason string) domain.ClosedTrade {
	qty = math.Min(qty, l.size)
	share := qty / l.filled
	fees := l.fees*share + exitFees
	gross := (exitPrice - l.entryPrice) * qty * l.side.Sign()
	pnl := gross - fees

	ret := 0.0
	if notional := l.entryPrice * qty; notional > 0 {
		ret = pnl / notional
	}
	l.size -= qty

	return domain.ClosedTrade{
		PlanID:       l.planID,
		Instrument:   l.instrument,
		Side:         l.side,
		Size:         qty,
		EntryTimeMs:  l.entryTimeMs,
		EntryPrice:   l.entryPrice,
		ExitTimeMs:   atMs,
		ExitPrice:    exitPrice,
		Fees:         fees,
		SlippageCost: l.slippage*share + exitSlippage,
		PnL:          pnl,
		ReturnPct:    ret,
		ExitReason:   reason,
	}
}

func (l *lot) closed() bool {
	return l.size <= lotEpsilon
}

// lotBook tracks open lots per venue and instrument in FIFO order, so that
// closed trades can be attributed to the plan that opened them.
type lotBook struct {
	open map[string][]*lot
}

func newLotBook() *lotBook {
	return &lotBook{open: make(map[string][]*lot)}
}

func lotKey(venue, instrument string) string {
	return venue + "|" + instrument
}

// lots returns the open lots for venue and instrument, oldest first.
func (b *lotBook) lots(venue, instrument string) []*lot {
	return b.open[lotKey(venue, instrument)]
}

// all returns every open lot ordered by entry time, then plan id.
func (b *lotBook) all() []*lot {
	var out []*lot
	for _, lots := range b.open {
		out = append(out, lots...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].entryTimeMs != out[j].entryTimeMs {
			return out[i].entryTimeMs < out[j].entryTimeMs
		}
		return out[i].planID < out[j].planID
	})
	return out
}

// entry applies a filled entry plan. A fill against the side of the open
// lots closes them oldest first; any remainder opens a new lot.
func (b *lotBook) entry(plan *domain.TradePlan, res *domain.ExecutionResult) []domain.ClosedTrade {
	key := lotKey(plan.Venue, plan.Instrument)
	remaining := res.FillSize
	unitFees := res.Fees / res.FillSize
	unitSlip := res.SlippageCost / res.FillSize

	var trades []domain.ClosedTrade
	open := b.open[key]
	for len(open) > 0 && open[0].side != plan.Side && remaining > lotEpsilon {
		l := open[0]
		qty := math.Min(remaining, l.size)
		trades = append(trades, l.realize(qty, res.FillPrice, unitFees*qty, unitSlip*qty, res.CompletedAtMs, domain.ExitReasonReversal))
		remaining -= qty
		if l.closed() {
			open = open[1:]
		}
	}

	if remaining > lotEpsilon {
		open = append(open, &lot{
			planID:      plan.PlanID,
			signalID:    plan.SignalID,
			strategyID:  plan.StrategyID,
			venue:       plan.Venue,
			instrument:  plan.Instrument,
			side:        plan.Side,
			size:        remaining,
			filled:      remaining,
			entryPrice:  res.FillPrice,
			entryTimeMs: res.CompletedAtMs,
			fees:        unitFees * remaining,
			slippage:    unitSlip * remaining,
			rules:       plan.Exits,
			exit:        strategy.NewExitState(plan.Side, res.FillPrice, res.CompletedAtMs),
		})
	}
	b.set(key, open)
	return trades
}

// exit applies a filled exit plan to l.
func (b *lotBook) exit(l *lot, res *domain.ExecutionResult, reason string) domain.ClosedTrade {
	qty := math.Min(res.FillSize, l.size)
	unitFees := res.Fees / res.FillSize
	unitSlip := res.SlippageCost / res.FillSize
	trade := l.realize(qty, res.FillPrice, unitFees*qty, unitSlip*qty, res.CompletedAtMs, reason)
	if l.closed() {
		b.remove(l)
	}
	return trade
}

// force realizes the rest of l at price without exit costs.
func (b *lotBook) force(l *lot, price float64, atMs int64, reason string) domain.ClosedTrade {
	trade := l.realize(l.size, price, 0, 0, atMs, reason)
	b.remove(l)
	return trade
}

func (b *lotBook) remove(target *lot) {
	key := lotKey(target.venue, target.instrument)
	open := b.open[key]
	for i, l := range open {
		if l == target {
			open = append(open[:i:i], open[i+1:]...)
			break
		}
	}
	b.set(key, open)
}

func (b *lotBook) set(key string, open []*lot) {
	if len(open) == 0 {
		delete(b.open, key)
		return
	}
	b.open[key] = open
}
