package risk

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"sniper-core/internal/domain"
)

// BreakerReason names why the circuit breaker tripped.
type BreakerReason string

const (
	BreakerDrawdown        BreakerReason = "drawdown_exceeded"
	BreakerSpread          BreakerReason = "anomalous_spread"
	BreakerLiquidityVacuum BreakerReason = "liquidity_vacuum"
	BreakerManual          BreakerReason = "manual"
)

// BreakerConfig controls the kill switch. Zero disables a trigger.
type BreakerConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// MaxDrawdown trips on drawdown from peak equity, as a fraction.
	MaxDrawdown float64 `json:"max_drawdown" mapstructure:"max_drawdown"`
	// MaxSpreadBps trips when best ask minus best bid, over mid, exceeds it.
	MaxSpreadBps float64 `json:"max_spread_bps" mapstructure:"max_spread_bps"`
	// LiquidityDropPct trips when the thinner side of a book loses this
	// fraction of its depth between consecutive observations.
	LiquidityDropPct float64 `json:"liquidity_drop_pct" mapstructure:"liquidity_drop_pct"`
	// CooldownMs re-arms a tripped breaker once it has elapsed and the
	// drawdown is back under MaxDrawdown. Zero requires Reset.
	CooldownMs int64 `json:"cooldown_ms" mapstructure:"cooldown_ms"`
}

func (c BreakerConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxDrawdown < 0 || c.MaxDrawdown > 1 {
		return fmt.Errorf("%w: breaker.max_drawdown must be in [0,1]", ErrInvalidConfig)
	}
	if c.MaxSpreadBps < 0 {
		return fmt.Errorf("%w: breaker.max_spread_bps must be non-negative", ErrInvalidConfig)
	}
	if c.LiquidityDropPct < 0 || c.LiquidityDropPct > 1 {
		return fmt.Errorf("%w: breaker.liquidity_drop_pct must be in [0,1]", ErrInvalidConfig)
	}
	if c.CooldownMs < 0 {
		return fmt.Errorf("%w: breaker.cooldown_ms must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// BreakerState is a point-in-time view of the breaker.
type BreakerState struct {
	Tripped     bool          `json:"tripped"`
	Reason      BreakerReason `json:"reason,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	TrippedAtMs int64         `json:"tripped_at_ms,omitempty"`
}

// Breaker is a latched halt on new entries. Once tripped it stays tripped
// until Reset or, when configured, until the cooldown has passed with
// drawdown back in range. Manual trips only clear on Reset.
type Breaker struct {
	cfg    BreakerConfig
	logger *zap.Logger

	mu    sync.Mutex
	state BreakerState
	depth map[string]float64 // last thinner-side depth per venue/instrument
}

func newBreaker(cfg BreakerConfig, logger *zap.Logger) *Breaker {
	return &Breaker{cfg: cfg, logger: logger, depth: make(map[string]float64)}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Trip halts new entries. A breaker that is already tripped keeps its
// first reason.
func (b *Breaker) Trip(reason BreakerReason, detail string, nowMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripLocked(reason, detail, nowMs)
}

// Reset re-arms the breaker and forgets observed book depth.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Tripped {
		b.logger.Info("circuit breaker reset", zap.String("reason", string(b.state.Reason)))
	}
	b.state = BreakerState{}
	b.depth = make(map[string]float64)
}

// ObserveBook checks a book for an anomalous spread or a liquidity vacuum.
// Books missing either side are ignored.
func (b *Breaker) ObserveBook(book *domain.PriceState) {
	if !b.cfg.Enabled || book == nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bid, ask := book.Bids[0].Price, book.Asks[0].Price
	if mid := (bid + ask) / 2; b.cfg.MaxSpreadBps > 0 && mid > 0 {
		if spread := (ask - bid) / mid * 10_000; spread > b.cfg.MaxSpreadBps {
			b.tripLocked(BreakerSpread, fmt.Sprintf("%s spread %.1fbps", book.Instrument, spread), book.TimestampMs)
		}
	}

	key := book.Venue + "/" + book.Instrument
	depth := min(book.Depth(domain.SideBuy), book.Depth(domain.SideSell))
	if prev := b.depth[key]; b.cfg.LiquidityDropPct > 0 && prev > 0 {
		if drop := (prev - depth) / prev; drop >= b.cfg.LiquidityDropPct {
			b.tripLocked(BreakerLiquidityVacuum, fmt.Sprintf("%s depth fell %.0f%%", book.Instrument, drop*100), book.TimestampMs)
		}
	}
	b.depth[key] = depth
}

// check applies the drawdown trigger and the cooldown, returning whether
// entries are halted. A disabled breaker only halts on a manual trip.
func (b *Breaker) check(drawdown float64, nowMs int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.Enabled {
		return b.state.Tripped
	}

	over := b.cfg.MaxDrawdown > 0 && drawdown >= b.cfg.MaxDrawdown
	if over {
		b.tripLocked(BreakerDrawdown, fmt.Sprintf("drawdown %.4f", drawdown), nowMs)
	}
	s := &b.state
	if s.Tripped && !over && s.Reason != BreakerManual && b.cfg.CooldownMs > 0 && nowMs-s.TrippedAtMs >= b.cfg.CooldownMs {
		b.logger.Info("circuit breaker cooled off", zap.String("reason", string(s.Reason)))
		b.state = BreakerState{}
	}
	return b.state.Tripped
}

func (b *Breaker) tripLocked(reason BreakerReason, detail string, nowMs int64) {
	if b.state.Tripped {
		return
	}
	b.state = BreakerState{Tripped: true, Reason: reason, Detail: detail, TrippedAtMs: nowMs}
	b.logger.Warn("circuit breaker tripped",
		zap.String("reason", string(reason)),
		zap.String("detail", detail),
	)
}

// ServeHTTP exposes the breaker to operators. GET returns the state,
// POST ?action=trip halts entries and POST ?action=reset re-arms.
func (b *Breaker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		switch action := r.URL.Query().Get("action"); action {
		case "trip":
			b.Trip(BreakerManual, r.URL.Query().Get("detail"), time.Now().UnixMilli())
		case "reset":
			b.Reset()
		default:
			http.Error(w, fmt.Sprintf("unknown action %q", action), http.StatusBadRequest)
			return
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(b.State()); err != nil {
		b.logger.Warn("encode breaker state", zap.Error(err))
	}
}
