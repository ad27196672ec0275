package domain

// EventType classifies a normalized market event.
type EventType string

const (
	EventLiquidityAdded EventType = "liquidity_added"
	EventPriceMove      EventType = "price_move"
	EventListing        EventType = "listing"
	EventTradingEnabled EventType = "trading_enabled"
)

// IsValid checks if the event type is a known value.
func (e EventType) IsValid() bool {
	switch e {
	case EventLiquidityAdded, EventPriceMove, EventListing, EventTradingEnabled:
		return true
	}
	return false
}

// Signal is a normalized market event used as the trigger for a potential trade.
// Immutable once created by intake.
type Signal struct {
	ID          string    `json:"id"`
	Venue       string    `json:"venue"`
	Instrument  string    `json:"instrument"` // BASE/QUOTE, upper case
	EventType   EventType `json:"event_type"`
	TimestampMs int64     `json:"timestamp_ms"`
	Magnitude   float64   `json:"magnitude"`  // signed price move (fraction) or added liquidity
	Confidence  float64   `json:"confidence"` // [0, 1], produced upstream
	Price       float64   `json:"price"`      // observed price at signal time, 0 if unknown
	PayloadRef  string    `json:"payload_ref,omitempty"`
}

// SignalLess orders signals by timestamp, venue, instrument, then id. Replay
// uses this order so every run sees the same sequence.
func SignalLess(a, b *Signal) bool {
	if a.TimestampMs != b.TimestampMs {
		return a.TimestampMs < b.TimestampMs
	}
	if a.Venue != b.Venue {
		return a.Venue < b.Venue
	}
	if a.Instrument != b.Instrument {
		return a.Instrument < b.Instrument
	}
	return a.ID < b.ID
}
