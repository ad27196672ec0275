// Package lookup answers "price state at or before t" queries over ordered
// book snapshots.
package lookup

import (
	"context"
	"errors"
	"sort"
	"sync"

	"sniper-core/internal/domain"
)

// ErrNoPriceData is returned when no state exists at or before the target.
var ErrNoPriceData = errors.New("no price data available")

// StateAt returns the state at or before target. states must be ordered by
// timestamp. A target before the first state returns ErrNoPriceData; later
// states are never used.
func StateAt(target int64, states []*domain.PriceState) (*domain.PriceState, error) {
	// First index with TimestampMs > target
	i := sort.Search(len(states), func(i int) bool {
		return states[i].TimestampMs > target
	})
	if i == 0 {
		return nil, ErrNoPriceData
	}
	return states[i-1], nil
}

// MidAt returns the mid price at or before target.
func MidAt(target int64, states []*domain.PriceState) (float64, error) {
	s, err := StateAt(target, states)
	if err != nil {
		return 0, err
	}
	return s.Mid, nil
}

// Index holds book snapshots per instrument. Safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	states map[string][]*domain.PriceState // per instrument, ordered by timestamp
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{states: make(map[string][]*domain.PriceState)}
}

// Add inserts s keeping timestamp order. A snapshot with the same
// timestamp as an existing one for the instrument replaces it.
func (ix *Index) Add(s *domain.PriceState) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	list := ix.states[s.Instrument]
	n := len(list)
	if n == 0 || list[n-1].TimestampMs < s.TimestampMs {
		ix.states[s.Instrument] = append(list, s)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return list[i].TimestampMs >= s.TimestampMs
	})
	if i < n && list[i].TimestampMs == s.TimestampMs {
		list[i] = s
		return
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = s
	ix.states[s.Instrument] = list
}

// BookAt returns a copy of the instrument's state at or before atMs.
func (ix *Index) BookAt(_ context.Context, instrument string, atMs int64) (*domain.PriceState, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	s, err := StateAt(atMs, ix.states[instrument])
	if err != nil {
		return nil, err
	}
	cp := *s
	return &cp, nil
}

// Len returns the number of snapshots held for instrument.
func (ix *Index) Len(instrument string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.states[instrument])
}

// Prune drops the instrument's snapshots that can no longer be returned for
// any time at or after beforeMs, keeping the latest one at or before it.
// Returns how many were dropped.
func (ix *Index) Prune(instrument string, beforeMs int64) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	list := ix.states[instrument]
	// first index with TimestampMs > beforeMs
	i := sort.Search(len(list), func(i int) bool {
		return list[i].TimestampMs > beforeMs
	})
	if i <= 1 {
		return 0
	}
	keep := i - 1
	ix.states[instrument] = append([]*domain.PriceState(nil), list[keep:]...)
	return keep
}
