package domain

// ChaosKind selects a perturbation.
type ChaosKind string

const (
	ChaosLatency       ChaosKind = "latency"
	ChaosVenueOutage   ChaosKind = "venue_outage"
	ChaosPriceSpike    ChaosKind = "price_spike"
	ChaosFeedStaleness ChaosKind = "feed_staleness"
)

// IsValid checks if the kind is a known value.
func (k ChaosKind) IsValid() bool {
	switch k {
	case ChaosLatency, ChaosVenueOutage, ChaosPriceSpike, ChaosFeedStaleness:
		return true
	}
	return false
}

// ChaosScenario is a transient perturbation active over [StartMs, StartMs+DurationMs).
type ChaosScenario struct {
	Name               string    `json:"name" mapstructure:"name"`
	Kind               ChaosKind `json:"kind" mapstructure:"kind"`
	StartMs            int64     `json:"start_ms" mapstructure:"start_ms"`
	DurationMs         int64     `json:"duration_ms" mapstructure:"duration_ms"`
	LatencyMs          int64     `json:"latency_ms,omitempty" mapstructure:"latency_ms"`
	SlippageMultiplier float64   `json:"slippage_multiplier,omitempty" mapstructure:"slippage_multiplier"`
	StaleByMs          int64     `json:"stale_by_ms,omitempty" mapstructure:"stale_by_ms"`
}

// Active reports whether the scenario applies at tMs.
func (c *ChaosScenario) Active(tMs int64) bool {
	return tMs >= c.StartMs && tMs < c.StartMs+c.DurationMs
}
