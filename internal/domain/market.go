package domain

// BookLevel is one priced depth level.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// PriceState is an observed or simulated order-book/price snapshot.
// Bids are sorted best (highest) first, asks best (lowest) first.
type PriceState struct {
	Venue       string      `json:"venue"`
	Instrument  string      `json:"instrument"`
	Mid         float64     `json:"mid"`
	Bids        []BookLevel `json:"bids,omitempty"`
	Asks        []BookLevel `json:"asks,omitempty"`
	Volatility  float64     `json:"volatility"` // recent realized, as a fraction
	Volume24h   float64     `json:"volume_24h"`
	TimestampMs int64       `json:"timestamp_ms"`
}

// Levels returns the side of the book a taker order of side consumes.
func (s *PriceState) Levels(side Side) []BookLevel {
	if side == SideSell {
		return s.Bids
	}
	return s.Asks
}

// Depth returns total size available to a taker order of side.
func (s *PriceState) Depth(side Side) float64 {
	total := 0.0
	for _, l := range s.Levels(side) {
		total += l.Size
	}
	return total
}

// AgeMs returns how old the state is at nowMs.
func (s *PriceState) AgeMs(nowMs int64) int64 {
	return nowMs - s.TimestampMs
}

// PriceStateLess orders snapshots by timestamp, venue, then instrument.
func PriceStateLess(a, b *PriceState) bool {
	if a.TimestampMs != b.TimestampMs {
		return a.TimestampMs < b.TimestampMs
	}
	if a.Venue != b.Venue {
		return a.Venue < b.Venue
	}
	return a.Instrument < b.Instrument
}
