// Package intake converts heterogeneous external signal payloads into
// canonical domain.Signal values.
package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"sniper-core/internal/domain"
	"sniper-core/internal/idhash"
)

// Normalization errors. All are validation failures: the signal is
// dropped, logged and never retried.
var (
	ErrStaleSignal     = errors.New("stale signal")
	ErrMalformedSignal = errors.New("malformed signal")
	ErrLowConfidence   = errors.New("signal confidence below threshold")
	ErrSourceClosed    = errors.New("signal source closed")
)

// RawSignal is an external payload before normalization. Feeds populate
// whichever fields they carry; Normalize reconciles them.
type RawSignal struct {
	ID         string          `json:"id,omitempty"`
	Source     string          `json:"source,omitempty"` // dex|cex|nft|social
	Venue      string          `json:"venue,omitempty"`
	Chain      string          `json:"chain,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Instrument string          `json:"instrument,omitempty"`
	Token0     string          `json:"token0,omitempty"`
	Token1     string          `json:"token1,omitempty"`
	SeenAtMs   int64           `json:"seen_at_ms,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"` // seconds or milliseconds
	Magnitude  float64         `json:"magnitude,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	Price      float64         `json:"price,omitempty"`
	PayloadRef string          `json:"payload_ref,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`
}

// NormalizerConfig bounds which signals are accepted.
type NormalizerConfig struct {
	// StalenessMs drops signals older than now - StalenessMs.
	StalenessMs int64 `mapstructure:"staleness_ms"`
	// MaxFutureSkewMs drops signals stamped further than this in the future.
	MaxFutureSkewMs int64 `mapstructure:"max_future_skew_ms"`
	// MinConfidence drops signals below this confidence. Zero accepts all.
	MinConfidence float64 `mapstructure:"min_confidence"`
	// DefaultConfidence applies when the feed sends no confidence.
	DefaultConfidence float64 `mapstructure:"default_confidence"`
}

// DefaultNormalizerConfig returns a five minute staleness window.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		StalenessMs:       300_000,
		MaxFutureSkewMs:   5_000,
		DefaultConfidence: 1,
	}
}

var kindAliases = map[string]domain.EventType{
	"liquidity_added":   domain.EventLiquidityAdded,
	"add_liquidity":     domain.EventLiquidityAdded,
	"pair_created":      domain.EventLiquidityAdded,
	"pool_created":      domain.EventLiquidityAdded,
	"price_move":        domain.EventPriceMove,
	"price_change":      domain.EventPriceMove,
	"price_update":      domain.EventPriceMove,
	"listing":           domain.EventListing,
	"new_listing":       domain.EventListing,
	"exchange_listing":  domain.EventListing,
	"collection_listed": domain.EventListing,
	"trading_enabled":   domain.EventTradingEnabled,
	"trading_open":      domain.EventTradingEnabled,
}

// Normalizer maps raw payloads to canonical signals. It holds no state
// and is safe for concurrent use.
type Normalizer struct {
	cfg NormalizerConfig
}

// NewNormalizer creates a normalizer.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	return &Normalizer{cfg: cfg}
}

// Normalize validates raw against nowMs and returns the canonical signal.
// Errors wrap ErrMalformedSignal, ErrStaleSignal or ErrLowConfidence.
func (n *Normalizer) Normalize(raw RawSignal, nowMs int64) (*domain.Signal, error) {
	eventType, ok := kindAliases[strings.ToLower(strings.TrimSpace(raw.Kind))]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedSignal, raw.Kind)
	}

	venue := firstNonEmpty(raw.Venue, raw.Chain, raw.Source)
	venue = strings.ToLower(strings.TrimSpace(venue))
	if venue == "" {
		return nil, fmt.Errorf("%w: missing venue", ErrMalformedSignal)
	}

	instrument := canonicalInstrument(raw)
	if instrument == "" {
		return nil, fmt.Errorf("%w: missing instrument", ErrMalformedSignal)
	}

	ts := raw.SeenAtMs
	if ts == 0 {
		ts = toMillis(raw.Timestamp)
	}
	if ts <= 0 {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedSignal)
	}
	if n.cfg.MaxFutureSkewMs > 0 && ts > nowMs+n.cfg.MaxFutureSkewMs {
		return nil, fmt.Errorf("%w: timestamp %d is %dms in the future", ErrMalformedSignal, ts, ts-nowMs)
	}
	if n.cfg.StalenessMs > 0 && nowMs-ts > n.cfg.StalenessMs {
		return nil, fmt.Errorf("%w: %dms old", ErrStaleSignal, nowMs-ts)
	}

	if math.IsNaN(raw.Magnitude) || math.IsInf(raw.Magnitude, 0) || math.IsNaN(raw.Price) || raw.Price < 0 {
		return nil, fmt.Errorf("%w: non-finite magnitude or price", ErrMalformedSignal)
	}

	confidence := n.cfg.DefaultConfidence
	if raw.Confidence != nil {
		confidence = *raw.Confidence
	}
	if math.IsNaN(confidence) {
		return nil, fmt.Errorf("%w: confidence is NaN", ErrMalformedSignal)
	}
	confidence = math.Max(0, math.Min(1, confidence))
	if confidence < n.cfg.MinConfidence {
		return nil, fmt.Errorf("%w: %.3f < %.3f", ErrLowConfidence, confidence, n.cfg.MinConfidence)
	}

	payloadRef := strings.TrimSpace(raw.PayloadRef)
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		id = idhash.ComputeSignalID(venue, instrument, eventType, ts, payloadRef)
	}

	return &domain.Signal{
		ID:          id,
		Venue:       venue,
		Instrument:  instrument,
		EventType:   eventType,
		TimestampMs: ts,
		Magnitude:   raw.Magnitude,
		Confidence:  confidence,
		Price:       raw.Price,
		PayloadRef:  payloadRef,
	}, nil
}

// DropReason returns a short label for a normalization error.
func DropReason(err error) string {
	switch {
	case errors.Is(err, ErrStaleSignal):
		return "stale"
	case errors.Is(err, ErrLowConfidence):
		return "low_confidence"
	case errors.Is(err, ErrMalformedSignal):
		return "malformed"
	default:
		return "error"
	}
}

func canonicalInstrument(raw RawSignal) string {
	inst := strings.TrimSpace(raw.Instrument)
	if inst == "" {
		t0 := strings.TrimSpace(raw.Token0)
		t1 := strings.TrimSpace(raw.Token1)
		switch {
		case t0 != "" && t1 != "":
			inst = t0 + "/" + t1
		default:
			inst = t0
		}
	}
	inst = strings.ToUpper(inst)
	inst = strings.NewReplacer("-", "/", "_", "/").Replace(inst)
	return inst
}

// toMillis treats values below 1e12 as Unix seconds.
func toMillis(ts int64) int64 {
	if ts > 0 && ts < 1_000_000_000_000 {
		return ts * 1000
	}
	return ts
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
