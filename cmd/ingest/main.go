// Package main records history for backtests:
// - migrate: apply the embedded Postgres and ClickHouse schemas
// - file: import a JSON history dump into ClickHouse
// - live: record normalized signals from the websocket feed into ClickHouse
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sniper-core/internal/config"
	"sniper-core/internal/domain"
	"sniper-core/internal/intake"
	"sniper-core/internal/observability"
	"sniper-core/internal/storage"
	chstore "sniper-core/internal/storage/clickhouse"
	"sniper-core/internal/storage/migrations"
	pgstore "sniper-core/internal/storage/postgres"
	"sniper-core/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (env SNIPER_* overrides)")
	mode := flag.String("mode", "live", "Ingestion mode: migrate, file, live")
	historyFile := flag.String("history", "", "JSON history dump (file mode)")
	batchSize := flag.Int("batch-size", 500, "Signals per ClickHouse insert (live mode)")
	flushInterval := flag.Duration("flush-interval", 5*time.Second, "Maximum time between inserts (live mode)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "migrate":
		err = migrate(ctx, cfg, logger)
	case "file":
		err = importFile(ctx, cfg, *historyFile, logger)
	case "live":
		err = record(ctx, cfg, *batchSize, *flushInterval, logger)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		logger.Fatal("ingest failed", zap.String("mode", *mode), zap.Error(err))
	}
}

func migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Storage.PostgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
		logger.Info("postgres migrations applied")
	}
	if cfg.Storage.ClickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickhouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse migrations: %w", err)
		}
		conn.Close()
		logger.Info("clickhouse migrations applied")
	}
	return nil
}

func openHistory(ctx context.Context, cfg *config.Config) (*chstore.Conn, *chstore.HistoryStore, error) {
	if cfg.Storage.ClickhouseDSN == "" {
		return nil, nil, errors.New("storage.clickhouse_dsn is required")
	}
	conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickhouseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse: %w", err)
	}
	return conn, chstore.NewHistoryStore(conn), nil
}

func importFile(ctx context.Context, cfg *config.Config, path string, logger *zap.Logger) error {
	if path == "" {
		return errors.New("-history is required in file mode")
	}
	conn, history, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	d, err := storage.LoadHistoryFile(ctx, path, history)
	if err != nil {
		return err
	}
	logger.Info("history imported",
		zap.String("path", path),
		zap.Int("signals", len(d.Signals)),
		zap.Int("books", len(d.Books)),
	)
	return nil
}

// record stores every accepted signal, and a mid-price book state for each
// priced one, until ctx is cancelled.
func record(ctx context.Context, cfg *config.Config, batchSize int, flushInterval time.Duration, logger *zap.Logger) error {
	if cfg.Intake.Endpoint == "" {
		return errors.New("intake.endpoint is required")
	}
	conn, history, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	var subscribe any
	if cfg.Intake.Subscribe != "" {
		subscribe = json.RawMessage(cfg.Intake.Subscribe)
	}
	src, err := intake.NewWSSource(ctx, cfg.Intake.Endpoint, subscribe, &cfg.Intake.WS, logger)
	if err != nil {
		return fmt.Errorf("connect intake: %w", err)
	}
	defer src.Close()

	in := intake.New(intake.Options{
		Normalizer: intake.NewNormalizer(cfg.Intake.Normalizer),
		Sink:       telemetry.NewLogSink(logger),
		Logger:     logger,
	})
	signals := make(chan *domain.Signal, cfg.Engine.Buffer)
	intakeErr := make(chan error, 1)
	go func() {
		defer close(signals)
		_, err := in.Run(ctx, src, signals)
		intakeErr <- err
	}()

	b := &batcher{history: history, logger: logger}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				b.flush(context.WithoutCancel(ctx))
				logger.Info("recording stopped", zap.Int("signals", b.signalsTotal), zap.Int("books", b.booksTotal))
				if err := <-intakeErr; err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
			b.add(sig)
			if len(b.signals) >= batchSize {
				b.flush(ctx)
			}
		case <-ticker.C:
			b.flush(ctx)
		}
	}
}

type bookKey struct {
	venue      string
	instrument string
	ts         int64
}

// batcher accumulates one insert worth of history.
type batcher struct {
	history storage.HistoryStore
	logger  *zap.Logger

	signals []*domain.Signal
	books   []*domain.PriceState
	seen    map[bookKey]struct{}

	signalsTotal int
	booksTotal   int
}

func (b *batcher) add(sig *domain.Signal) {
	b.signals = append(b.signals, sig)
	if sig.Price <= 0 {
		return
	}
	if b.seen == nil {
		b.seen = make(map[bookKey]struct{})
	}
	k := bookKey{sig.Venue, sig.Instrument, sig.TimestampMs}
	if _, dup := b.seen[k]; dup {
		return
	}
	b.seen[k] = struct{}{}
	b.books = append(b.books, &domain.PriceState{
		Venue:       sig.Venue,
		Instrument:  sig.Instrument,
		Mid:         sig.Price,
		TimestampMs: sig.TimestampMs,
	})
}

// flush inserts the batch. A batch rejected for a duplicate is retried row
// by row so one replayed signal does not drop its neighbours.
func (b *batcher) flush(ctx context.Context) {
	if len(b.signals) == 0 {
		return
	}
	b.booksTotal += insertEach(ctx, b.books, b.history.InsertBooks, b.logger)
	b.signalsTotal += insertEach(ctx, b.signals, b.history.InsertSignals, b.logger)
	b.signals, b.books, b.seen = nil, nil, nil
}

func insertEach[T any](ctx context.Context, rows []T, insert func(context.Context, []T) error, logger *zap.Logger) int {
	if len(rows) == 0 {
		return 0
	}
	err := insert(ctx, rows)
	if err == nil {
		return len(rows)
	}
	if !errors.Is(err, storage.ErrDuplicateKey) {
		logger.Error("insert history batch", zap.Int("rows", len(rows)), zap.Error(err))
		return 0
	}
	n := 0
	for _, row := range rows {
		if err := insert(ctx, []T{row}); err != nil {
			if !errors.Is(err, storage.ErrDuplicateKey) {
				logger.Error("insert history row", zap.Error(err))
			}
			continue
		}
		n++
	}
	return n
}
