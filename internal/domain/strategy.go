package domain

// Strategy type constants.
const (
	StrategyTypeListing  = "LISTING"
	StrategyTypeMomentum = "MOMENTUM"
)

// StrategyConfig represents strategy configuration parameters.
// Fields are plain values so a walk-forward fitter can vary them per window.
type StrategyConfig struct {
	StrategyType   string    `json:"strategy_type" mapstructure:"type"`
	BaseNotional   float64   `json:"base_notional" mapstructure:"base_notional"`
	MinConfidence  float64   `json:"min_confidence" mapstructure:"min_confidence"`
	MinMagnitude   float64   `json:"min_magnitude" mapstructure:"min_magnitude"` // MOMENTUM only
	MaxSlippageBps float64   `json:"max_slippage_bps" mapstructure:"max_slippage_bps"`
	TTLMs          int64     `json:"ttl_ms" mapstructure:"ttl_ms"`
	MinUnit        float64   `json:"min_unit" mapstructure:"min_unit"` // venue minimum tradable size
	Exits          ExitRules `json:"exits" mapstructure:"exits"`
}
