package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sniper-core/internal/domain"
	"sniper-core/internal/storage"
)

func createTestRecord(key, planID string, atMs int64) *domain.ExecutionRecord {
	return &domain.ExecutionRecord{
		IdempotencyKey: key,
		PlanID:         planID,
		SignalID:       "sig-" + planID,
		StrategyID:     "LISTING_n100",
		Venue:          "dex",
		Instrument:     "PEPE/WETH",
		Side:           domain.SideBuy,
		Mode:           domain.ModeShadow,
		Target:         domain.TargetSimulation,
		RequestedSize:  1000,
		ApprovedSize:   500,
		Result: domain.ExecutionResult{
			IdempotencyKey: key,
			PlanID:         planID,
			Success:        true,
			FillPrice:      0.51,
			FillSize:       500,
		},
		RecordedAtMs: atMs,
	}
}

func TestExecutionLogStore_InsertAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionLogStore(pool)

	rec := createTestRecord("exec:a", "plan-a", 1000)
	require.NoError(t, store.Insert(ctx, rec))
	assert.ErrorIs(t, store.Insert(ctx, rec), storage.ErrDuplicateKey)

	got, err := store.GetByPlanID(ctx, "plan-a")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = store.GetByPlanID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExecutionLogStore_GetByTimeRange(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionLogStore(pool)

	require.NoError(t, store.Insert(ctx, createTestRecord("exec:1", "plan-1", 3000)))
	require.NoError(t, store.Insert(ctx, createTestRecord("exec:2", "plan-2", 1000)))
	require.NoError(t, store.Insert(ctx, createTestRecord("exec:3", "plan-3", 5000)))

	recs, err := store.GetByTimeRange(ctx, 1000, 5000)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "plan-2", recs[0].PlanID)
	assert.Equal(t, "plan-1", recs[1].PlanID)
}

func TestPositionStore_Upsert(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPositionStore(pool)

	pos := &domain.Position{Venue: "dex", Instrument: "PEPE/WETH", Quantity: 500, AvgCost: 0.5, MarkPrice: 0.52, UpdatedAtMs: 10}
	require.NoError(t, store.Upsert(ctx, pos))

	pos.Quantity = 0
	pos.RealizedPnL = 10
	require.NoError(t, store.Upsert(ctx, pos))

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 0.0, all[0].Quantity)
	assert.InDelta(t, 10.0, all[0].RealizedPnL, 1e-9)
}
