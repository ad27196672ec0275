package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"sniper-core/internal/domain"
	"sniper-core/internal/storage"
)

// PositionStore implements storage.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PositionStore = (*PositionStore)(nil)

// Upsert writes the position keyed by (venue, instrument).
func (s *PositionStore) Upsert(ctx context.Context, p *domain.Position) error {
	if p == nil || p.Venue == "" || p.Instrument == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO positions (
			venue, instrument, quantity, avg_cost,
			realized_pnl, unrealized_pnl, mark_price, updated_at_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (venue, instrument) DO UPDATE SET
			quantity       = EXCLUDED.quantity,
			avg_cost       = EXCLUDED.avg_cost,
			realized_pnl   = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			mark_price     = EXCLUDED.mark_price,
			updated_at_ms  = EXCLUDED.updated_at_ms
	`

	start := time.Now()
	_, err := s.pool.Exec(ctx, query,
		p.Venue, p.Instrument, p.Quantity, p.AvgCost,
		p.RealizedPnL, p.UnrealizedPnL, p.MarkPrice, p.UpdatedAtMs,
	)
	return wrapError("upsert position", start, err)
}

// GetAll returns all positions ordered by venue, instrument.
func (s *PositionStore) GetAll(ctx context.Context) ([]*domain.Position, error) {
	query := `
		SELECT
			venue, instrument, quantity, avg_cost,
			realized_pnl, unrealized_pnl, mark_price, updated_at_ms
		FROM positions
		ORDER BY venue ASC, instrument ASC
	`

	start := time.Now()
	rows, err := s.pool.Query(ctx, query)
	if err := wrapError("get all positions", start, err); err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// scanPositions scans multiple rows into a slice of Position.
func scanPositions(rows pgx.Rows) ([]*domain.Position, error) {
	var positions []*domain.Position

	for rows.Next() {
		var p domain.Position
		err := rows.Scan(
			&p.Venue, &p.Instrument, &p.Quantity, &p.AvgCost,
			&p.RealizedPnL, &p.UnrealizedPnL, &p.MarkPrice, &p.UpdatedAtMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		positions = append(positions, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position rows: %w", err)
	}

	return positions, nil
}
