package intake

import (
	"context"
	"io"
	"sync"
)

// Source yields raw signals. Next returns io.EOF when the source is
// exhausted and ctx.Err() when cancelled.
type Source interface {
	Next(ctx context.Context) (RawSignal, error)
}

// SliceSource replays a fixed list of raw signals.
type SliceSource struct {
	mu   sync.Mutex
	raws []RawSignal
	pos  int
}

// NewSliceSource creates a source over raws.
func NewSliceSource(raws []RawSignal) *SliceSource {
	return &SliceSource{raws: raws}
}

// Next returns the next raw signal.
func (s *SliceSource) Next(ctx context.Context) (RawSignal, error) {
	if err := ctx.Err(); err != nil {
		return RawSignal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.raws) {
		return RawSignal{}, io.EOF
	}
	r := s.raws[s.pos]
	s.pos++
	return r, nil
}
