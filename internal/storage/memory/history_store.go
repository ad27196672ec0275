package memory

import (
	"context"
	"sort"
	"sync"

	"sniper-core/internal/domain"
	"sniper-core/internal/storage"
)

type bookKey struct {
	venue       string
	instrument  string
	timestampMs int64
}

// HistoryStore is an in-memory implementation of storage.HistoryStore.
type HistoryStore struct {
	mu      sync.RWMutex
	signals map[string]*domain.Signal // keyed by signal id
	books   map[bookKey]*domain.PriceState
}

// NewHistoryStore creates a new in-memory history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		signals: make(map[string]*domain.Signal),
		books:   make(map[bookKey]*domain.PriceState),
	}
}

// Compile-time interface check.
var _ storage.HistoryStore = (*HistoryStore)(nil)

// InsertSignals adds signals atomically. Fails entire batch on any duplicate.
func (s *HistoryStore) InsertSignals(_ context.Context, signals []*domain.Signal) error {
	if len(signals) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(signals))
	for _, sig := range signals {
		if sig == nil || sig.ID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := s.signals[sig.ID]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[sig.ID]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[sig.ID] = struct{}{}
	}

	for _, sig := range signals {
		copy := *sig
		s.signals[sig.ID] = &copy
	}
	return nil
}

// InsertBooks adds snapshots atomically. Fails entire batch on any duplicate.
func (s *HistoryStore) InsertBooks(_ context.Context, books []*domain.PriceState) error {
	if len(books) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[bookKey]struct{}, len(books))
	for _, b := range books {
		if b == nil || b.Instrument == "" {
			return storage.ErrInvalidInput
		}
		k := bookKey{b.Venue, b.Instrument, b.TimestampMs}
		if _, exists := s.books[k]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[k]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[k] = struct{}{}
	}

	for _, b := range books {
		s.books[bookKey{b.Venue, b.Instrument, b.TimestampMs}] = clonePriceState(b)
	}
	return nil
}

// GetSignals retrieves signals in [start, end) in replay order.
func (s *HistoryStore) GetSignals(_ context.Context, start, end int64) ([]*domain.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Signal
	for _, sig := range s.signals {
		if sig.TimestampMs >= start && sig.TimestampMs < end {
			copy := *sig
			result = append(result, &copy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return domain.SignalLess(result[i], result[j])
	})
	return result, nil
}

// GetBooks retrieves snapshots in [start, end) ordered by time.
func (s *HistoryStore) GetBooks(_ context.Context, start, end int64) ([]*domain.PriceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PriceState
	for k, b := range s.books {
		if k.timestampMs >= start && k.timestampMs < end {
			result = append(result, clonePriceState(b))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return domain.PriceStateLess(result[i], result[j])
	})
	return result, nil
}

func clonePriceState(b *domain.PriceState) *domain.PriceState {
	copy := *b
	copy.Bids = append([]domain.BookLevel(nil), b.Bids...)
	copy.Asks = append([]domain.BookLevel(nil), b.Asks...)
	return &copy
}
