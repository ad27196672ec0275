package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"sniper-core/internal/domain"
	"sniper-core/internal/storage"
)

// ExecutionLogStore implements storage.ExecutionLogStore using PostgreSQL.
type ExecutionLogStore struct {
	pool *Pool
}

// NewExecutionLogStore creates a new ExecutionLogStore.
func NewExecutionLogStore(pool *Pool) *ExecutionLogStore {
	return &ExecutionLogStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ExecutionLogStore = (*ExecutionLogStore)(nil)

const executionLogColumns = `
	idempotency_key, plan_id, signal_id, strategy_id,
	venue, instrument, side, mode, target,
	requested_size, approved_size, result, recorded_at_ms
`

// Insert adds a record. Returns ErrDuplicateKey if the key or plan exists.
func (s *ExecutionLogStore) Insert(ctx context.Context, r *domain.ExecutionRecord) error {
	if r == nil || r.IdempotencyKey == "" || r.PlanID == "" {
		return storage.ErrInvalidInput
	}
	result, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("encode execution result: %w", err)
	}

	query := `
		INSERT INTO execution_log (` + executionLogColumns + `) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13
		)
	`

	start := time.Now()
	_, err = s.pool.Exec(ctx, query,
		r.IdempotencyKey, r.PlanID, r.SignalID, r.StrategyID,
		r.Venue, r.Instrument, string(r.Side), string(r.Mode), string(r.Target),
		r.RequestedSize, r.ApprovedSize, result, r.RecordedAtMs,
	)
	return wrapError("insert execution record", start, err)
}

// GetByPlanID retrieves the record for a plan. Returns ErrNotFound if not exists.
func (s *ExecutionLogStore) GetByPlanID(ctx context.Context, planID string) (*domain.ExecutionRecord, error) {
	query := `SELECT ` + executionLogColumns + ` FROM execution_log WHERE plan_id = $1`

	start := time.Now()
	rec, err := scanExecutionRecord(s.pool.QueryRow(ctx, query, planID))
	if isNotFoundError(err) {
		return nil, storage.ErrNotFound
	}
	if err := wrapError("get execution record by plan id", start, err); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetByTimeRange retrieves records in [start, end), ordered by time.
func (s *ExecutionLogStore) GetByTimeRange(ctx context.Context, startMs, endMs int64) ([]*domain.ExecutionRecord, error) {
	query := `SELECT ` + executionLogColumns + ` FROM execution_log
		WHERE recorded_at_ms >= $1 AND recorded_at_ms < $2
		ORDER BY recorded_at_ms ASC, idempotency_key ASC`

	start := time.Now()
	rows, err := s.pool.Query(ctx, query, startMs, endMs)
	if err := wrapError("get execution records by time range", start, err); err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecutionRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution record rows: %w", err)
	}
	return records, nil
}

// scanExecutionRecord scans a single row into an ExecutionRecord.
func scanExecutionRecord(row pgx.Row) (*domain.ExecutionRecord, error) {
	var (
		r                  domain.ExecutionRecord
		side, mode, target string
		result             []byte
	)

	err := row.Scan(
		&r.IdempotencyKey, &r.PlanID, &r.SignalID, &r.StrategyID,
		&r.Venue, &r.Instrument, &side, &mode, &target,
		&r.RequestedSize, &r.ApprovedSize, &result, &r.RecordedAtMs,
	)
	if err != nil {
		return nil, err
	}

	r.Side = domain.Side(side)
	r.Mode = domain.Mode(mode)
	r.Target = domain.Target(target)
	if err := json.Unmarshal(result, &r.Result); err != nil {
		return nil, fmt.Errorf("decode execution result: %w", err)
	}
	return &r, nil
}
