package risk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sniper-core/internal/clock"
	"sniper-core/internal/domain"
)

func testBook(instrument string, bid, ask, depth float64) *domain.PriceState {
	return &domain.PriceState{
		Venue:       "dex",
		Instrument:  instrument,
		Mid:         (bid + ask) / 2,
		Bids:        []domain.BookLevel{{Price: bid, Size: depth}},
		Asks:        []domain.BookLevel{{Price: ask, Size: depth}},
		TimestampMs: 1_000,
	}
}

// openLong commits a 100 unit long in A at 1 on an equity of 1000.
func openLong(t *testing.T, e *Engine) {
	t.Helper()
	_, r, err := e.Evaluate(context.Background(), testPlan("open", "A", 100, 1))
	require.NoError(t, err)
	require.NotNil(t, r)
	_, err = r.Commit(fillFor(r, 1))
	require.NoError(t, err)
}

func TestBreaker_DrawdownTripRejectsEntriesAllowsExits(t *testing.T) {
	e := newTestEngine(t, Config{
		InitialEquity: 1_000,
		Breaker:       BreakerConfig{Enabled: true, MaxDrawdown: 0.04},
	})
	openLong(t, e)

	// Equity 950, drawdown 5%.
	e.Ledger().Mark("A", 0.5, 3_000)

	d, r, err := e.Evaluate(context.Background(), testPlan("entry", "B", 1, 1))
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.Equal(t, domain.VerdictReject, d.Verdict)
	assert.Equal(t, []domain.Constraint{domain.ConstraintCircuitBreaker}, d.Triggered)
	assert.Equal(t, BreakerDrawdown, e.Breaker().State().Reason)

	exit := testPlan("exit", "A", 100, 0.5)
	exit.Side = domain.SideSell
	d, r, err = e.Evaluate(context.Background(), exit)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, domain.VerdictApprove, d.Verdict)
	r.Release()

	// Latched: recovery alone does not re-arm without a cooldown.
	e.Ledger().Mark("A", 1, 4_000)
	d, _, err = e.Evaluate(context.Background(), testPlan("entry-2", "B", 1, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictReject, d.Verdict)

	e.Breaker().Reset()
	d, r, err = e.Evaluate(context.Background(), testPlan("entry-3", "B", 1, 1))
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, domain.VerdictApprove, d.Verdict)
	assert.False(t, e.Breaker().State().Tripped)
}

func TestBreaker_CooldownRearms(t *testing.T) {
	clk := clock.NewSim(1_000)
	e := NewEngine(Options{
		Config: Config{
			InitialEquity: 1_000,
			Breaker:       BreakerConfig{Enabled: true, MaxDrawdown: 0.04, CooldownMs: 60_000},
		},
		Clock:  clk,
		Logger: zaptest.NewLogger(t),
	})
	openLong(t, e)
	e.Ledger().Mark("A", 0.5, 3_000)

	d, _, err := e.Evaluate(context.Background(), testPlan("b1", "B", 1, 1))
	require.NoError(t, err)
	require.Equal(t, domain.VerdictReject, d.Verdict)

	// Drawdown recovered but the cooldown has not run.
	e.Ledger().Mark("A", 1, 4_000)
	clk.Advance(30 * time.Second)
	d, _, err = e.Evaluate(context.Background(), testPlan("b2", "B", 1, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictReject, d.Verdict)

	clk.Advance(31 * time.Second)
	d, _, err = e.Evaluate(context.Background(), testPlan("b3", "B", 1, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictApprove, d.Verdict)
}

func TestBreaker_BookTriggers(t *testing.T) {
	cfg := BreakerConfig{Enabled: true, MaxSpreadBps: 100, LiquidityDropPct: 0.8}

	t.Run("anomalous spread", func(t *testing.T) {
		b := newBreaker(cfg, zaptest.NewLogger(t))
		b.ObserveBook(testBook("A", 0.999, 1.001, 50))
		assert.False(t, b.State().Tripped)

		// 2% wide.
		b.ObserveBook(testBook("A", 0.99, 1.01, 50))
		st := b.State()
		assert.True(t, st.Tripped)
		assert.Equal(t, BreakerSpread, st.Reason)
		assert.Equal(t, int64(1_000), st.TrippedAtMs)
	})

	t.Run("liquidity vacuum", func(t *testing.T) {
		b := newBreaker(cfg, zaptest.NewLogger(t))
		b.ObserveBook(testBook("A", 0.999, 1.001, 100))
		b.ObserveBook(testBook("A", 0.999, 1.001, 40))
		assert.False(t, b.State().Tripped)

		b.ObserveBook(testBook("A", 0.999, 1.001, 5))
		assert.Equal(t, BreakerLiquidityVacuum, b.State().Reason)
	})

	t.Run("instruments tracked apart", func(t *testing.T) {
		b := newBreaker(cfg, zaptest.NewLogger(t))
		b.ObserveBook(testBook("A", 0.999, 1.001, 100))
		b.ObserveBook(testBook("B", 0.999, 1.001, 5))
		assert.False(t, b.State().Tripped)
	})

	t.Run("one-sided book ignored", func(t *testing.T) {
		b := newBreaker(cfg, zaptest.NewLogger(t))
		book := testBook("A", 0.5, 1.5, 100)
		book.Asks = nil
		b.ObserveBook(book)
		assert.False(t, b.State().Tripped)
	})

	t.Run("disabled", func(t *testing.T) {
		b := newBreaker(BreakerConfig{MaxSpreadBps: 100}, zaptest.NewLogger(t))
		b.ObserveBook(testBook("A", 0.9, 1.1, 100))
		assert.False(t, b.State().Tripped)
	})
}

func TestBreaker_ManualTripOutlastsCooldown(t *testing.T) {
	clk := clock.NewSim(1_000)
	e := NewEngine(Options{
		Config: Config{
			InitialEquity: 1_000,
			Breaker:       BreakerConfig{Enabled: true, CooldownMs: 1_000},
		},
		Clock:  clk,
		Logger: zaptest.NewLogger(t),
	})
	e.Breaker().Trip(BreakerManual, "operator halt", clk.NowMs())
	clk.Advance(time.Hour)

	d, _, err := e.Evaluate(context.Background(), testPlan("a", "A", 1, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictReject, d.Verdict)
	assert.Contains(t, d.Reasons[0], "operator halt")

	e.Breaker().Reset()
	d, _, err = e.Evaluate(context.Background(), testPlan("b", "A", 1, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictApprove, d.Verdict)
}

func TestBreaker_ServeHTTP(t *testing.T) {
	b := newBreaker(BreakerConfig{Enabled: true}, zaptest.NewLogger(t))
	srv := httptest.NewServer(b)
	defer srv.Close()

	state := func(resp *http.Response) BreakerState {
		t.Helper()
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var st BreakerState
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
		return st
	}

	resp, err := http.Post(srv.URL+"?action=trip&detail=maintenance", "", nil)
	require.NoError(t, err)
	st := state(resp)
	assert.True(t, st.Tripped)
	assert.Equal(t, BreakerManual, st.Reason)
	assert.Equal(t, "maintenance", st.Detail)

	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	assert.True(t, state(resp).Tripped)

	resp, err = http.Post(srv.URL+"?action=reset", "", nil)
	require.NoError(t, err)
	assert.False(t, state(resp).Tripped)

	resp, err = http.Post(srv.URL+"?action=explode", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBreakerConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker.Enabled = true
	require.NoError(t, cfg.Validate())

	cfg.Breaker.LiquidityDropPct = 1.5
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Breaker.Enabled = true
	cfg.Breaker.CooldownMs = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
