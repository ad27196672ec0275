package memory

import (
	"context"
	"sort"
	"sync"

	"sniper-core/internal/domain"
	"sniper-core/internal/storage"
)

// ExecutionLogStore is an in-memory implementation of storage.ExecutionLogStore.
type ExecutionLogStore struct {
	mu     sync.RWMutex
	data   map[string]*domain.ExecutionRecord // keyed by idempotency key
	byPlan map[string]string                  // plan_id -> idempotency key
}

// NewExecutionLogStore creates a new in-memory execution log.
func NewExecutionLogStore() *ExecutionLogStore {
	return &ExecutionLogStore{
		data:   make(map[string]*domain.ExecutionRecord),
		byPlan: make(map[string]string),
	}
}

// Compile-time interface check.
var _ storage.ExecutionLogStore = (*ExecutionLogStore)(nil)

// Insert adds a record. Returns ErrDuplicateKey if the key exists.
func (s *ExecutionLogStore) Insert(_ context.Context, r *domain.ExecutionRecord) error {
	if r == nil || r.IdempotencyKey == "" || r.PlanID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.IdempotencyKey]; exists {
		return storage.ErrDuplicateKey
	}
	copy := *r
	s.data[r.IdempotencyKey] = &copy
	s.byPlan[r.PlanID] = r.IdempotencyKey
	return nil
}

// GetByPlanID retrieves the record for a plan.
func (s *ExecutionLogStore) GetByPlanID(_ context.Context, planID string) (*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byPlan[planID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *s.data[key]
	return &copy, nil
}

// GetByTimeRange retrieves records in [start, end), ordered by time then key.
func (s *ExecutionLogStore) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ExecutionRecord
	for _, r := range s.data {
		if r.RecordedAtMs >= start && r.RecordedAtMs < end {
			copy := *r
			result = append(result, &copy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].RecordedAtMs != result[j].RecordedAtMs {
			return result[i].RecordedAtMs < result[j].RecordedAtMs
		}
		return result[i].IdempotencyKey < result[j].IdempotencyKey
	})
	return result, nil
}
