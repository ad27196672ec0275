package risk

import (
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"sniper-core/internal/domain"
)

const msPerDay = 24 * 60 * 60 * 1000

// ErrInvalidFill is returned when a fill has non-positive size or price.
var ErrInvalidFill = errors.New("invalid fill")

// Fill is an executed quantity applied to the ledger.
type Fill struct {
	Venue      string
	Instrument string
	Side       domain.Side
	Size       float64
	Price      float64
	Fees       float64
	AtMs       int64
}

// FillEffect describes what a fill did to its position.
type FillEffect struct {
	RealizedPnL float64 // gross of fees
	ClosedQty   float64
	Position    domain.Position
}

type ledgerPosition struct {
	instrument  string
	venue       string
	qty         decimal.Decimal
	avgCost     decimal.Decimal
	realized    decimal.Decimal
	mark        decimal.Decimal
	updatedAtMs int64
}

func (p *ledgerPosition) unrealized() decimal.Decimal {
	if p.qty.IsZero() || p.mark.IsZero() {
		return decimal.Zero
	}
	return p.mark.Sub(p.avgCost).Mul(p.qty)
}

func (p *ledgerPosition) view() domain.Position {
	return domain.Position{
		Instrument:    p.instrument,
		Venue:         p.venue,
		Quantity:      p.qty.InexactFloat64(),
		AvgCost:       p.avgCost.InexactFloat64(),
		RealizedPnL:   p.realized.InexactFloat64(),
		UnrealizedPnL: p.unrealized().InexactFloat64(),
		MarkPrice:     p.mark.InexactFloat64(),
		UpdatedAtMs:   p.updatedAtMs,
	}
}

// Ledger is the position book. All amounts are kept as decimals so that
// repeated fills do not accumulate float error. Safe for concurrent use.
type Ledger struct {
	mu             sync.RWMutex
	initialEquity  decimal.Decimal
	realized       decimal.Decimal
	fees           decimal.Decimal
	peakEquity     decimal.Decimal
	day            int64
	dayStartEquity decimal.Decimal
	positions      map[string]*ledgerPosition
}

// NewLedger creates a flat ledger with the given starting equity.
func NewLedger(initialEquity float64) *Ledger {
	l := &Ledger{}
	l.reset(initialEquity)
	return l
}

// Reset zeroes all positions and P&L. Used at the start of a backtest run.
func (l *Ledger) Reset(initialEquity float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset(initialEquity)
}

func (l *Ledger) reset(initialEquity float64) {
	eq := decimal.NewFromFloat(initialEquity)
	l.initialEquity = eq
	l.realized = decimal.Zero
	l.fees = decimal.Zero
	l.peakEquity = eq
	l.day = -1
	l.dayStartEquity = eq
	l.positions = make(map[string]*ledgerPosition)
}

func positionKey(venue, instrument string) string {
	return venue + "|" + instrument
}

// ApplyFill updates the position for the fill's venue and instrument.
// Fills that cross zero close the old position and open the remainder at
// the fill price.
func (l *Ledger) ApplyFill(f Fill) (FillEffect, error) {
	if f.Size <= 0 || f.Price <= 0 {
		return FillEffect{}, ErrInvalidFill
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDay(f.AtMs)

	key := positionKey(f.Venue, f.Instrument)
	pos, ok := l.positions[key]
	if !ok {
		pos = &ledgerPosition{instrument: f.Instrument, venue: f.Venue}
		l.positions[key] = pos
	}

	size := decimal.NewFromFloat(f.Size)
	price := decimal.NewFromFloat(f.Price)
	signed := size
	if f.Side == domain.SideSell {
		signed = size.Neg()
	}

	var effect FillEffect
	switch {
	case pos.qty.IsZero() || pos.qty.Sign() == signed.Sign():
		total := pos.qty.Abs().Add(size)
		cost := pos.avgCost.Mul(pos.qty.Abs()).Add(price.Mul(size))
		pos.avgCost = cost.Div(total)
		pos.qty = pos.qty.Add(signed)

	default:
		closed := decimal.Min(size, pos.qty.Abs())
		direction := decimal.NewFromInt(int64(pos.qty.Sign()))
		pnl := price.Sub(pos.avgCost).Mul(closed).Mul(direction)
		pos.realized = pos.realized.Add(pnl)
		l.realized = l.realized.Add(pnl)
		effect.RealizedPnL = pnl.InexactFloat64()
		effect.ClosedQty = closed.InexactFloat64()

		pos.qty = pos.qty.Add(signed)
		switch {
		case pos.qty.IsZero():
			pos.avgCost = decimal.Zero
		case pos.qty.Sign() == signed.Sign():
			pos.avgCost = price
		}
	}

	if f.Fees > 0 {
		l.fees = l.fees.Add(decimal.NewFromFloat(f.Fees))
	}
	pos.mark = price
	pos.updatedAtMs = f.AtMs
	l.updatePeak()

	effect.Position = pos.view()
	return effect, nil
}

// Mark revalues every position in instrument at price.
func (l *Ledger) Mark(instrument string, price float64, atMs int64) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDay(atMs)
	p := decimal.NewFromFloat(price)
	for _, pos := range l.positions {
		if pos.instrument == instrument {
			pos.mark = p
			pos.updatedAtMs = atMs
		}
	}
	l.updatePeak()
}

// Position returns the position for venue and instrument.
func (l *Ledger) Position(venue, instrument string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[positionKey(venue, instrument)]
	if !ok {
		return domain.Position{}, false
	}
	return pos.view(), true
}

// Equity returns initial equity plus realized and unrealized P&L net of fees.
func (l *Ledger) Equity() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.equity().InexactFloat64()
}

// Fees returns total fees paid.
func (l *Ledger) Fees() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fees.InexactFloat64()
}

// Snapshot returns a derived portfolio view. Positions are ordered by
// venue then instrument.
func (l *Ledger) Snapshot() domain.PortfolioSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	equity := l.equity()
	snap := domain.PortfolioSnapshot{
		Equity:     equity.InexactFloat64(),
		PeakEquity: l.peakEquity.InexactFloat64(),
		DailyPnL:   equity.Sub(l.dayStartEquity).InexactFloat64(),
		Positions:  make([]domain.Position, 0, len(l.positions)),
	}
	if l.peakEquity.IsPositive() && equity.LessThan(l.peakEquity) {
		snap.Drawdown = l.peakEquity.Sub(equity).Div(l.peakEquity).InexactFloat64()
	}

	keys := make([]string, 0, len(l.positions))
	for k := range l.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := l.positions[k].view()
		snap.Positions = append(snap.Positions, v)
		if v.IsOpen() {
			snap.OpenPositions++
			snap.Exposure += v.Exposure()
		}
	}
	return snap
}

func (l *Ledger) equity() decimal.Decimal {
	eq := l.initialEquity.Add(l.realized).Sub(l.fees)
	for _, pos := range l.positions {
		eq = eq.Add(pos.unrealized())
	}
	return eq
}

func (l *Ledger) updatePeak() {
	if eq := l.equity(); eq.GreaterThan(l.peakEquity) {
		l.peakEquity = eq
	}
}

// rollDay resets the daily P&L baseline on the first event of a UTC day.
func (l *Ledger) rollDay(atMs int64) {
	day := atMs / msPerDay
	if day != l.day {
		l.day = day
		l.dayStartEquity = l.equity()
	}
}

// Restore loads persisted positions into a freshly reset ledger. Realized
// P&L carried by the positions is added to equity.
func (l *Ledger) Restore(positions []domain.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range positions {
		pos := &ledgerPosition{
			instrument:  p.Instrument,
			venue:       p.Venue,
			qty:         decimal.NewFromFloat(p.Quantity),
			avgCost:     decimal.NewFromFloat(p.AvgCost),
			realized:    decimal.NewFromFloat(p.RealizedPnL),
			mark:        decimal.NewFromFloat(p.MarkPrice),
			updatedAtMs: p.UpdatedAtMs,
		}
		l.positions[positionKey(p.Venue, p.Instrument)] = pos
		l.realized = l.realized.Add(pos.realized)
	}
	l.updatePeak()
	l.dayStartEquity = l.equity()
}
