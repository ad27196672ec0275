package clickhouse

import (
	"context"
	"fmt"
	"time"

	"sniper-core/internal/domain"
	"sniper-core/internal/observability"
	"sniper-core/internal/storage"
)

// HistoryStore implements storage.HistoryStore using ClickHouse.
type HistoryStore struct {
	conn *Conn
}

// NewHistoryStore creates a new HistoryStore.
func NewHistoryStore(conn *Conn) *HistoryStore {
	return &HistoryStore{conn: conn}
}

// Compile-time interface check.
var _ storage.HistoryStore = (*HistoryStore)(nil)

// InsertSignals adds signals. Fails entire batch on a duplicate signal id.
func (s *HistoryStore) InsertSignals(ctx context.Context, signals []*domain.Signal) error {
	if len(signals) == 0 {
		return nil
	}

	// Check for intra-batch duplicates
	ids := make([]string, 0, len(signals))
	seen := make(map[string]struct{}, len(signals))
	for _, sig := range signals {
		if sig == nil || sig.ID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := seen[sig.ID]; exists {
			return storage.ErrDuplicateKey
		}
		seen[sig.ID] = struct{}{}
		ids = append(ids, sig.ID)
	}

	// Check for duplicates against existing DB rows
	var existing uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM signals WHERE signal_id IN (?)`, ids).Scan(&existing); err != nil {
		return fmt.Errorf("check existing signals: %w", err)
	}
	if existing > 0 {
		return storage.ErrDuplicateKey
	}

	start := time.Now()
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO signals (
			signal_id, venue, instrument, event_type, timestamp_ms,
			magnitude, confidence, price, payload_ref
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, sig := range signals {
		err = batch.Append(
			sig.ID, sig.Venue, sig.Instrument, string(sig.EventType), sig.TimestampMs,
			sig.Magnitude, sig.Confidence, sig.Price, sig.PayloadRef,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	err = batch.Send()
	observability.RecordDBQuery("clickhouse", "insert signals", time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// InsertBooks adds book snapshots. Fails entire batch on a duplicate
// (venue, instrument, timestamp_ms).
func (s *HistoryStore) InsertBooks(ctx context.Context, books []*domain.PriceState) error {
	if len(books) == 0 {
		return nil
	}

	type key struct {
		venue       string
		instrument  string
		timestampMs int64
	}
	seen := make(map[key]struct{}, len(books))
	for _, b := range books {
		if b == nil || b.Instrument == "" {
			return storage.ErrInvalidInput
		}
		k := key{b.Venue, b.Instrument, b.TimestampMs}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}

	for _, b := range books {
		exists, err := s.bookExists(ctx, b.Venue, b.Instrument, b.TimestampMs)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	start := time.Now()
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO book_snapshots (
			venue, instrument, timestamp_ms, mid,
			bid_prices, bid_sizes, ask_prices, ask_sizes,
			volatility, volume_24h
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, b := range books {
		bidPrices, bidSizes := splitLevels(b.Bids)
		askPrices, askSizes := splitLevels(b.Asks)
		err = batch.Append(
			b.Venue, b.Instrument, b.TimestampMs, b.Mid,
			bidPrices, bidSizes, askPrices, askSizes,
			b.Volatility, b.Volume24h,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	err = batch.Send()
	observability.RecordDBQuery("clickhouse", "insert books", time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetSignals retrieves signals in [start, end) in replay order.
func (s *HistoryStore) GetSignals(ctx context.Context, startMs, endMs int64) ([]*domain.Signal, error) {
	start := time.Now()
	rows, err := s.conn.Query(ctx, `
		SELECT
			signal_id, venue, instrument, event_type, timestamp_ms,
			magnitude, confidence, price, payload_ref
		FROM signals
		WHERE timestamp_ms >= ? AND timestamp_ms < ?
		ORDER BY timestamp_ms ASC, venue ASC, instrument ASC, signal_id ASC
	`, startMs, endMs)
	observability.RecordDBQuery("clickhouse", "get signals", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var result []*domain.Signal
	for rows.Next() {
		var (
			sig       domain.Signal
			eventType string
		)
		if err := rows.Scan(
			&sig.ID, &sig.Venue, &sig.Instrument, &eventType, &sig.TimestampMs,
			&sig.Magnitude, &sig.Confidence, &sig.Price, &sig.PayloadRef,
		); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.EventType = domain.EventType(eventType)
		result = append(result, &sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signals: %w", err)
	}
	return result, nil
}

// GetBooks retrieves snapshots in [start, end) ordered by time.
func (s *HistoryStore) GetBooks(ctx context.Context, startMs, endMs int64) ([]*domain.PriceState, error) {
	start := time.Now()
	rows, err := s.conn.Query(ctx, `
		SELECT
			venue, instrument, timestamp_ms, mid,
			bid_prices, bid_sizes, ask_prices, ask_sizes,
			volatility, volume_24h
		FROM book_snapshots
		WHERE timestamp_ms >= ? AND timestamp_ms < ?
		ORDER BY timestamp_ms ASC, venue ASC, instrument ASC
	`, startMs, endMs)
	observability.RecordDBQuery("clickhouse", "get books", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}
	defer rows.Close()

	var result []*domain.PriceState
	for rows.Next() {
		var (
			b                                        domain.PriceState
			bidPrices, bidSizes, askPrices, askSizes []float64
		)
		if err := rows.Scan(
			&b.Venue, &b.Instrument, &b.TimestampMs, &b.Mid,
			&bidPrices, &bidSizes, &askPrices, &askSizes,
			&b.Volatility, &b.Volume24h,
		); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		b.Bids = joinLevels(bidPrices, bidSizes)
		b.Asks = joinLevels(askPrices, askSizes)
		result = append(result, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate books: %w", err)
	}
	return result, nil
}

func (s *HistoryStore) bookExists(ctx context.Context, venue, instrument string, timestampMs int64) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `
		SELECT count() FROM book_snapshots
		WHERE venue = ? AND instrument = ? AND timestamp_ms = ?
	`, venue, instrument, timestampMs).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func splitLevels(levels []domain.BookLevel) (prices, sizes []float64) {
	prices = make([]float64, len(levels))
	sizes = make([]float64, len(levels))
	for i, l := range levels {
		prices[i] = l.Price
		sizes[i] = l.Size
	}
	return prices, sizes
}

func joinLevels(prices, sizes []float64) []domain.BookLevel {
	if len(prices) == 0 {
		return nil
	}
	levels := make([]domain.BookLevel, 0, len(prices))
	for i := range prices {
		if i >= len(sizes) {
			break
		}
		levels = append(levels, domain.BookLevel{Price: prices[i], Size: sizes[i]})
	}
	return levels
}
