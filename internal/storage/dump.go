package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"sniper-core/internal/domain"
)

// HistoryDump is the file form of recorded history: the signals and book
// snapshots a HistoryStore holds.
type HistoryDump struct {
	Signals []*domain.Signal     `json:"signals"`
	Books   []*domain.PriceState `json:"books"`
}

// ReadHistoryDump decodes a dump from r.
func ReadHistoryDump(r io.Reader) (*HistoryDump, error) {
	var d HistoryDump
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode history dump: %w", err)
	}
	for i, s := range d.Signals {
		if s == nil || s.ID == "" {
			return nil, fmt.Errorf("signal %d: %w", i, ErrInvalidInput)
		}
	}
	for i, b := range d.Books {
		if b == nil || b.Instrument == "" || b.TimestampMs <= 0 {
			return nil, fmt.Errorf("book %d: %w", i, ErrInvalidInput)
		}
	}
	return &d, nil
}

// LoadHistoryFile reads the dump at path into h.
func LoadHistoryFile(ctx context.Context, path string, h HistoryStore) (*HistoryDump, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	d, err := ReadHistoryDump(f)
	if err != nil {
		return nil, err
	}
	if err := h.InsertBooks(ctx, d.Books); err != nil {
		return nil, fmt.Errorf("insert books: %w", err)
	}
	if err := h.InsertSignals(ctx, d.Signals); err != nil {
		return nil, fmt.Errorf("insert signals: %w", err)
	}
	return d, nil
}
