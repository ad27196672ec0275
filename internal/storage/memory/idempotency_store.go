package memory

import (
	"context"
	"sync"

	"sniper-core/internal/domain"
	"sniper-core/internal/storage"
)

type idempotencyEntry struct {
	planID string
	result *domain.ExecutionResult
}

// IdempotencyStore is an in-memory implementation of storage.IdempotencyStore.
// Entries live for the life of the process.
type IdempotencyStore struct {
	mu   sync.Mutex
	data map[string]*idempotencyEntry // keyed by idempotency key
}

// NewIdempotencyStore creates a new in-memory idempotency store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		data: make(map[string]*idempotencyEntry),
	}
}

// Compile-time interface check.
var _ storage.IdempotencyStore = (*IdempotencyStore)(nil)

// Reserve records key. Returns false if the key already exists.
func (s *IdempotencyStore) Reserve(_ context.Context, key, planID string) (bool, error) {
	if key == "" {
		return false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; exists {
		return false, nil
	}
	s.data[key] = &idempotencyEntry{planID: planID}
	return true, nil
}

// Get returns the stored result. Returns ErrNotFound if there is none.
func (s *IdempotencyStore) Get(_ context.Context, key string) (*domain.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.data[key]
	if !exists || e.result == nil {
		return nil, storage.ErrNotFound
	}
	copy := *e.result
	return &copy, nil
}

// Put stores the result. Returns ErrDuplicateKey if one is already stored.
func (s *IdempotencyStore) Put(_ context.Context, key string, result *domain.ExecutionResult) error {
	if key == "" || result == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.data[key]
	if !exists {
		e = &idempotencyEntry{planID: result.PlanID}
		s.data[key] = e
	}
	if e.result != nil {
		return storage.ErrDuplicateKey
	}
	copy := *result
	e.result = &copy
	return nil
}

// Release removes a reservation without a result.
func (s *IdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.data[key]; exists && e.result == nil {
		delete(s.data, key)
	}
	return nil
}

// Len returns the number of keys, reserved or completed.
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
