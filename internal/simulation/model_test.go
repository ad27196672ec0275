package simulation

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"sniper-core/internal/domain"
)

func makeRequest(size float64) *domain.ExecutionRequest {
	return &domain.ExecutionRequest{
		PlanID:         "plan-1",
		IdempotencyKey: "exec:plan-1",
		Target:         domain.TargetSimulation,
		Venue:          "sim",
		Instrument:     "TKN/USD",
		Side:           domain.SideBuy,
		Size:           size,
		ReferencePrice: 1.0,
		DeadlineMs:     10_000,
		SubmittedAtMs:  1_000,
	}
}

func TestExecute_OrderBookWalksLevels(t *testing.T) {
	state := bookState(
		domain.BookLevel{Price: 1.00, Size: 100},
		domain.BookLevel{Price: 1.01, Size: 50},
	)
	cfg := &domain.SimulationConfig{Execution: domain.ExecutionOrderBook}

	res, err := Execute(makeRequest(120), state, cfg)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	wantPrice := (100*1.00 + 20*1.01) / 120
	if !approxEqual(res.FillPrice, wantPrice) {
		t.Errorf("FillPrice = %v, want %v", res.FillPrice, wantPrice)
	}
	if res.FillSize != 120 {
		t.Errorf("FillSize = %v, want 120", res.FillSize)
	}
	if res.Partial {
		t.Error("Partial should be false when depth covers the request")
	}
	if !res.Success {
		t.Error("Success should be true")
	}
}

func TestExecute_OrderBookPartialFill(t *testing.T) {
	state := bookState(
		domain.BookLevel{Price: 1.00, Size: 100},
		domain.BookLevel{Price: 1.01, Size: 50},
	)

	res, err := Execute(makeRequest(200), state, &domain.SimulationConfig{Execution: domain.ExecutionOrderBook})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Partial || res.FillSize != 150 {
		t.Errorf("got partial=%v size=%v, want partial fill of 150", res.Partial, res.FillSize)
	}

	_, err = Execute(makeRequest(200), state, &domain.SimulationConfig{
		Execution:       domain.ExecutionOrderBook,
		RequireFullFill: true,
	})
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("err = %v, want ErrInsufficientLiquidity", err)
	}
}

func TestExecute_EmptyBookIsInsufficientLiquidity(t *testing.T) {
	state := bookState()

	_, err := Execute(makeRequest(10), state, &domain.SimulationConfig{Execution: domain.ExecutionOrderBook})
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("err = %v, want ErrInsufficientLiquidity", err)
	}
}

func TestExecute_ImpactWorseThanOrderBook(t *testing.T) {
	state := bookState(
		domain.BookLevel{Price: 1.00, Size: 100},
		domain.BookLevel{Price: 1.01, Size: 100},
	)
	req := makeRequest(150)

	book, err := Execute(req, state, &domain.SimulationConfig{Execution: domain.ExecutionOrderBook})
	if err != nil {
		t.Fatalf("orderbook: %v", err)
	}
	impact, err := Execute(req, state, &domain.SimulationConfig{Execution: domain.ExecutionImpact, ImpactLambda: 0.01})
	if err != nil {
		t.Fatalf("impact: %v", err)
	}

	if impact.FillPrice <= book.FillPrice {
		t.Errorf("impact fill %v should exceed orderbook fill %v for a buy", impact.FillPrice, book.FillPrice)
	}
	// lambda * size/depth = 0.01 * 150/200 = 75bps on top of the VWAP
	want := book.FillPrice * (1 + 0.0075)
	if !approxEqual(impact.FillPrice, want) {
		t.Errorf("impact fill = %v, want %v", impact.FillPrice, want)
	}
}

func TestExecute_ImpactIsCapped(t *testing.T) {
	state := &domain.PriceState{
		Instrument:  "TKN/USD",
		Mid:         1.0,
		Bids:        []domain.BookLevel{{Price: 1.0, Size: 100}},
		TimestampMs: 1_000,
	}
	req := makeRequest(100)
	req.Side = domain.SideSell

	tests := []struct {
		name      string
		maxBps    float64
		wantPrice float64
	}{
		{"default cap", 0, 0.9},
		{"configured cap", 200, 0.98},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &domain.SimulationConfig{
				Execution:    domain.ExecutionImpact,
				ImpactLambda: 1.5,
				Slippage:     domain.SlippageModel{MaxBps: tt.maxBps},
			}
			res, err := Execute(req, state, cfg)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !approxEqual(res.FillPrice, tt.wantPrice) {
				t.Errorf("FillPrice = %v, want %v", res.FillPrice, tt.wantPrice)
			}
			if res.FillPrice <= 0 {
				t.Errorf("FillPrice must stay positive, got %v", res.FillPrice)
			}
		})
	}

	// A cap at or beyond the whole price cannot produce a fill.
	_, err := Execute(req, state, &domain.SimulationConfig{
		Execution:    domain.ExecutionImpact,
		ImpactLambda: 1.5,
		Slippage:     domain.SlippageModel{MaxBps: 20_000},
	})
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("err = %v, want ErrInsufficientLiquidity", err)
	}
}

func TestExecute_SimpleModelAppliesSlippageAndFees(t *testing.T) {
	state := bookState(domain.BookLevel{Price: 1.0, Size: 1000})
	cfg := &domain.SimulationConfig{
		Execution: domain.ExecutionSimple,
		Slippage:  domain.SlippageModel{Kind: domain.SlippageFixedBps, Bps: 50},
		Fee:       domain.FeeModel{Kind: domain.FeeFixedPct, Bps: 10},
	}

	res, err := Execute(makeRequest(100), state, cfg)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !approxEqual(res.FillPrice, 1.005) {
		t.Errorf("FillPrice = %v, want 1.005", res.FillPrice)
	}
	if !approxEqual(res.SlippageBps, 50) {
		t.Errorf("SlippageBps = %v, want 50", res.SlippageBps)
	}
	if !approxEqual(res.Fees, 100*1.005*10/10000) {
		t.Errorf("Fees = %v", res.Fees)
	}
	if !approxEqual(res.SlippageCost, 0.5) {
		t.Errorf("SlippageCost = %v, want 0.5", res.SlippageCost)
	}

	sell := makeRequest(100)
	sell.Side = domain.SideSell
	res, err = Execute(sell, state, cfg)
	if err != nil {
		t.Fatalf("Execute sell failed: %v", err)
	}
	if !approxEqual(res.FillPrice, 0.995) {
		t.Errorf("sell FillPrice = %v, want 0.995", res.FillPrice)
	}
}

func TestExecute_StalePriceState(t *testing.T) {
	state := bookState(domain.BookLevel{Price: 1.0, Size: 1000})
	state.TimestampMs = 0
	cfg := &domain.SimulationConfig{MaxPriceAgeMs: 500, LatencyMs: 100}

	req := makeRequest(10)
	req.SubmittedAtMs = 450 // fill at 550, age 550 > 500

	_, err := Execute(req, state, cfg)
	if !errors.Is(err, ErrStalePriceState) {
		t.Fatalf("err = %v, want ErrStalePriceState", err)
	}

	req.SubmittedAtMs = 350 // fill at 450
	if _, err := Execute(req, state, cfg); err != nil {
		t.Errorf("fresh state rejected: %v", err)
	}
}

func TestExecute_MaxSlippageExceeded(t *testing.T) {
	state := bookState(domain.BookLevel{Price: 1.0, Size: 1000})
	cfg := &domain.SimulationConfig{
		Slippage: domain.SlippageModel{Kind: domain.SlippageFixedBps, Bps: 80},
	}
	req := makeRequest(10)
	req.MaxSlippageBps = 50

	_, err := Execute(req, state, cfg)
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Errorf("err = %v, want ErrSlippageExceeded", err)
	}
}

func TestExecute_Deterministic(t *testing.T) {
	state := bookState(
		domain.BookLevel{Price: 1.000, Size: 37.5},
		domain.BookLevel{Price: 1.003, Size: 12.25},
		domain.BookLevel{Price: 1.011, Size: 90},
	)
	state.Volatility = 0.031
	cfg := &domain.SimulationConfig{
		Execution:    domain.ExecutionImpact,
		ImpactLambda: 0.07,
		Fee:          domain.FeeModel{Kind: domain.FeeVolumeWeighted, MinBps: 3, MaxBps: 17, ReferenceNotional: 333},
	}
	req := makeRequest(77.7)

	var first []byte
	for i := 0; i < 20; i++ {
		res, err := Execute(req, state, cfg)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		data, err := json.Marshal(res)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if first == nil {
			first = data
			continue
		}
		if !bytes.Equal(first, data) {
			t.Fatalf("run %d differs:\n%s\n%s", i, first, data)
		}
	}
}

func TestFailureFor(t *testing.T) {
	req := makeRequest(10)

	res := FailureFor(req, ErrStalePriceState)
	if res.Success || res.FailureKind != domain.FailureLiquidity || res.Reason != domain.ReasonStalePriceState {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Retryable {
		t.Error("liquidity failures must not be retryable")
	}

	res = FailureFor(req, ErrInvalidRequest)
	if res.FailureKind != domain.FailureValidation {
		t.Errorf("FailureKind = %v, want validation", res.FailureKind)
	}
}
