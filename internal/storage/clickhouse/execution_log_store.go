package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sniper-core/internal/domain"
	"sniper-core/internal/observability"
	"sniper-core/internal/storage"
)

// ExecutionLogStore implements storage.ExecutionLogStore for backtest and
// chaos runs. Every store is scoped to one run id so parallel runs share a
// table without seeing each other's rows.
type ExecutionLogStore struct {
	conn  *Conn
	runID string
}

// NewExecutionLogStore creates a store writing rows tagged with runID.
func NewExecutionLogStore(conn *Conn, runID string) *ExecutionLogStore {
	return &ExecutionLogStore{conn: conn, runID: runID}
}

// Compile-time interface check.
var _ storage.ExecutionLogStore = (*ExecutionLogStore)(nil)

// Insert adds a record. Returns ErrDuplicateKey if the key exists in this run.
func (s *ExecutionLogStore) Insert(ctx context.Context, r *domain.ExecutionRecord) error {
	if r == nil || r.IdempotencyKey == "" || r.PlanID == "" {
		return storage.ErrInvalidInput
	}

	var count uint64
	err := s.conn.QueryRow(ctx, `
		SELECT count() FROM backtest_executions
		WHERE run_id = ? AND idempotency_key = ?
	`, s.runID, r.IdempotencyKey).Scan(&count)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if count > 0 {
		return storage.ErrDuplicateKey
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode execution record: %w", err)
	}

	var success uint8
	if r.Result.Success {
		success = 1
	}

	start := time.Now()
	err = s.conn.Exec(ctx, `
		INSERT INTO backtest_executions (
			run_id, idempotency_key, plan_id, instrument, success,
			fill_price, fill_size, fees, recorded_at_ms, record
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.runID, r.IdempotencyKey, r.PlanID, r.Instrument, success,
		r.Result.FillPrice, r.Result.FillSize, r.Result.Fees, r.RecordedAtMs, string(raw),
	)
	observability.RecordDBQuery("clickhouse", "insert execution record", time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("insert execution record: %w", err)
	}
	return nil
}

// GetByPlanID retrieves the record for a plan in this run.
func (s *ExecutionLogStore) GetByPlanID(ctx context.Context, planID string) (*domain.ExecutionRecord, error) {
	records, err := s.query(ctx, `
		SELECT record FROM backtest_executions FINAL
		WHERE run_id = ? AND plan_id = ?
		LIMIT 1
	`, s.runID, planID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, storage.ErrNotFound
	}
	return records[0], nil
}

// GetByTimeRange retrieves records in [start, end) for this run, ordered by time.
func (s *ExecutionLogStore) GetByTimeRange(ctx context.Context, startMs, endMs int64) ([]*domain.ExecutionRecord, error) {
	return s.query(ctx, `
		SELECT record FROM backtest_executions FINAL
		WHERE run_id = ? AND recorded_at_ms >= ? AND recorded_at_ms < ?
		ORDER BY recorded_at_ms ASC, idempotency_key ASC
	`, s.runID, startMs, endMs)
}

func (s *ExecutionLogStore) query(ctx context.Context, query string, args ...any) ([]*domain.ExecutionRecord, error) {
	start := time.Now()
	rows, err := s.conn.Query(ctx, query, args...)
	observability.RecordDBQuery("clickhouse", "get execution records", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("query execution records: %w", err)
	}
	defer rows.Close()

	var records []*domain.ExecutionRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan execution record: %w", err)
		}
		var r domain.ExecutionRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode execution record: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution records: %w", err)
	}
	return records, nil
}
