package domain

// FeeKind selects a fee model variant.
type FeeKind string

const (
	FeeFixedPct       FeeKind = "fixed_pct"
	FeeTiered         FeeKind = "tiered"
	FeeTimeOfDay      FeeKind = "time_of_day"
	FeeVolumeWeighted FeeKind = "volume_weighted"
)

// FeeTier applies Bps once trailing volume reaches MinVolume.
type FeeTier struct {
	MinVolume float64 `json:"min_volume" mapstructure:"min_volume"`
	Bps       float64 `json:"bps" mapstructure:"bps"`
}

// FeeWindow applies Bps between StartHour (inclusive) and EndHour (exclusive), UTC.
// A window with StartHour > EndHour wraps midnight.
type FeeWindow struct {
	StartHour int     `json:"start_hour" mapstructure:"start_hour"`
	EndHour   int     `json:"end_hour" mapstructure:"end_hour"`
	Bps       float64 `json:"bps" mapstructure:"bps"`
}

// FeeModel parameters. Which fields apply depends on Kind.
type FeeModel struct {
	Kind              FeeKind     `json:"kind" mapstructure:"kind"`
	Bps               float64     `json:"bps" mapstructure:"bps"`           // fixed_pct rate, fallback for others
	FlatFee           float64     `json:"flat_fee" mapstructure:"flat_fee"` // per fill network/gas cost
	Tiers             []FeeTier   `json:"tiers,omitempty" mapstructure:"tiers"`
	Windows           []FeeWindow `json:"windows,omitempty" mapstructure:"windows"`
	ReferenceNotional float64     `json:"reference_notional" mapstructure:"reference_notional"`
	MinBps            float64     `json:"min_bps" mapstructure:"min_bps"`
	MaxBps            float64     `json:"max_bps" mapstructure:"max_bps"`
}

// SlippageKind selects a slippage model variant.
type SlippageKind string

const (
	SlippageFixedBps   SlippageKind = "fixed_bps"
	SlippageLinear     SlippageKind = "linear"
	SlippageSqrt       SlippageKind = "sqrt"
	SlippagePowerLaw   SlippageKind = "power_law"
	SlippageVolatility SlippageKind = "volatility"
	SlippageKyle       SlippageKind = "kyle"
)

// SlippageModel parameters. Sizes are measured relative to available depth.
type SlippageModel struct {
	Kind        SlippageKind `json:"kind" mapstructure:"kind"`
	Bps         float64      `json:"bps" mapstructure:"bps"`                 // base component
	Coefficient float64      `json:"coefficient" mapstructure:"coefficient"` // k
	Exponent    float64      `json:"exponent" mapstructure:"exponent"`       // power_law only
	Lambda      float64      `json:"lambda" mapstructure:"lambda"`           // kyle only
	MaxBps      float64      `json:"max_bps" mapstructure:"max_bps"`         // cap, 0 = default cap
}

// ExecutionKind selects an execution model variant.
type ExecutionKind string

const (
	ExecutionSimple    ExecutionKind = "simple"
	ExecutionOrderBook ExecutionKind = "orderbook"
	ExecutionImpact    ExecutionKind = "impact"
)

// SimulationConfig is immutable per run.
type SimulationConfig struct {
	Fee             FeeModel      `json:"fee" mapstructure:"fee"`
	Slippage        SlippageModel `json:"slippage" mapstructure:"slippage"`
	Execution       ExecutionKind `json:"execution" mapstructure:"execution"`
	RequireFullFill bool          `json:"require_full_fill" mapstructure:"require_full_fill"`
	ImpactLambda    float64       `json:"impact_lambda" mapstructure:"impact_lambda"`
	MaxPriceAgeMs   int64         `json:"max_price_age_ms" mapstructure:"max_price_age_ms"`
	LatencyMs       int64         `json:"latency_ms" mapstructure:"latency_ms"`
	TrailingVolume  float64       `json:"trailing_volume" mapstructure:"trailing_volume"` // tiered fee context
}
