package domain

import "math"

// Position is the net holding in one instrument on one venue.
// Positions are never deleted, only zeroed.
type Position struct {
	Instrument    string  `json:"instrument"`
	Venue         string  `json:"venue"`
	Quantity      float64 `json:"quantity"` // signed: >0 long, <0 short
	AvgCost       float64 `json:"avg_cost"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	MarkPrice     float64 `json:"mark_price"`
	UpdatedAtMs   int64   `json:"updated_at_ms"`
}

// IsOpen reports whether the position holds any quantity.
func (p *Position) IsOpen() bool {
	return p.Quantity != 0
}

// Exposure returns the absolute marked notional.
func (p *Position) Exposure() float64 {
	price := p.MarkPrice
	if price == 0 {
		price = p.AvgCost
	}
	return math.Abs(p.Quantity) * price
}

// PortfolioSnapshot is a derived view over all positions, recomputed on each risk check.
type PortfolioSnapshot struct {
	Equity        float64                       `json:"equity"`
	PeakEquity    float64                       `json:"peak_equity"`
	Exposure      float64                       `json:"exposure"` // includes pending reservations
	Drawdown      float64                       `json:"drawdown"` // fraction of peak equity
	DailyPnL      float64                       `json:"daily_pnl"`
	OpenPositions int                           `json:"open_positions"`
	Positions     []Position                    `json:"positions"`
	Correlations  map[string]map[string]float64 `json:"-"`
	Volatility    map[string]float64            `json:"-"`
}

// InstrumentExposure returns the exposure held in one instrument.
func (s *PortfolioSnapshot) InstrumentExposure(instrument string) float64 {
	total := 0.0
	for i := range s.Positions {
		if s.Positions[i].Instrument == instrument {
			total += s.Positions[i].Exposure()
		}
	}
	return total
}

// ClosedTrade is a completed round trip, used for performance statistics.
type ClosedTrade struct {
	PlanID       string  `json:"plan_id"`
	Instrument   string  `json:"instrument"`
	Side         Side    `json:"side"`
	Size         float64 `json:"size"`
	EntryTimeMs  int64   `json:"entry_time_ms"`
	EntryPrice   float64 `json:"entry_price"`
	ExitTimeMs   int64   `json:"exit_time_ms"`
	ExitPrice    float64 `json:"exit_price"`
	Fees         float64 `json:"fees"`
	SlippageCost float64 `json:"slippage_cost"`
	PnL          float64 `json:"pnl"`        // net of fees
	ReturnPct    float64 `json:"return_pct"` // pnl / entry notional
	ExitReason   string  `json:"exit_reason"`
}

// Exit reason codes.
const (
	ExitReasonTakeProfit  = "TAKE_PROFIT"
	ExitReasonStopLoss    = "STOP_LOSS"
	ExitReasonTrailing    = "TRAILING_STOP"
	ExitReasonMaxHold     = "MAX_HOLD"
	ExitReasonEndOfWindow = "END_OF_WINDOW"
	ExitReasonReversal    = "REVERSAL" // closed by an opposite-side entry
)
