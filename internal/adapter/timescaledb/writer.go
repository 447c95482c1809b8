// Package timescaledb writes reading batches to the external SQL
// time-series store over a pgx connection pool. A circuit breaker
// short-circuits writes while the store is down so failed batches reach
// the dead-letter queue without burning the full write timeout each.
package timescaledb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexus-edge/data-acquisition/internal/domain"
	"github.com/nexus-edge/data-acquisition/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// WriterConfig contains store connection settings.
type WriterConfig struct {
	Host      string
	Port      int
	Database  string
	Username  string
	Password  string
	TableName string
	SSL       bool
	PoolMin   int
	PoolMax   int

	// Tags are static labels merged into every row's tag column.
	Tags map[string]string
}

// Writer handles transactional batch inserts into the readings table.
type Writer struct {
	pool    *pgxpool.Pool
	config  WriterConfig
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	metrics *metrics.Registry

	batchesWritten atomic.Uint64
	pointsWritten  atomic.Uint64
}

// NewWriter creates the pool and verifies connectivity. Startup fails
// fast when the store is unreachable.
func NewWriter(ctx context.Context, config WriterConfig, logger zerolog.Logger, metricsReg *metrics.Registry) (*Writer, error) {
	sslMode := "disable"
	if config.SSL {
		sslMode = "require"
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_min_conns=%d&pool_max_conns=%d",
		config.Username,
		config.Password,
		config.Host,
		config.Port,
		config.Database,
		sslMode,
		config.PoolMin,
		config.PoolMax,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping time-series store: %w", err)
	}

	w := &Writer{
		pool:    pool,
		config:  config,
		logger:  logger.With().Str("component", "timescaledb-writer").Logger(),
		metrics: metricsReg,
	}

	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "timescaledb-writes",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Store circuit breaker state changed")
		},
	})

	w.logger.Info().
		Str("host", config.Host).
		Int("port", config.Port).
		Str("database", config.Database).
		Str("table", config.TableName).
		Msg("Time-series writer initialized")

	return w, nil
}

// WriteBatch inserts a batch inside one transaction: it lands fully or
// not at all. Errors are returned for the caller to dead-letter.
func (w *Writer) WriteBatch(ctx context.Context, readings []domain.DeviceReading) error {
	if len(readings) == 0 {
		return nil
	}

	start := time.Now()
	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.insertBatch(ctx, readings)
	})
	if err != nil {
		return err
	}

	w.batchesWritten.Add(1)
	w.pointsWritten.Add(uint64(len(readings)))

	w.logger.Debug().
		Int("batch_size", len(readings)).
		Dur("duration", time.Since(start)).
		Msg("Batch inserted")

	return nil
}

func (w *Writer) insertBatch(ctx context.Context, readings []domain.DeviceReading) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (time, device_id, channel, raw_value, processed_value, rate, quality, unit, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, pgx.Identifier{w.config.TableName}.Sanitize())

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range readings {
		r := &readings[i]
		_, err := tx.Exec(ctx, query,
			r.Timestamp,
			r.DeviceID,
			int16(r.Channel),
			r.RawValue,
			r.ProcessedValue,
			r.Rate,
			string(r.Quality),
			r.Unit,
			w.mergeTags(r.Tags),
		)
		if err != nil {
			return fmt.Errorf("failed to insert row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// mergeTags combines the writer's static tags with the reading's own.
// Reading tags win on collision.
func (w *Writer) mergeTags(readingTags map[string]string) map[string]string {
	if len(w.config.Tags) == 0 {
		return readingTags
	}
	merged := make(map[string]string, len(w.config.Tags)+len(readingTags))
	for k, v := range w.config.Tags {
		merged[k] = v
	}
	for k, v := range readingTags {
		merged[k] = v
	}
	return merged
}

// Ping verifies store connectivity.
func (w *Writer) Ping(ctx context.Context) error {
	return w.pool.Ping(ctx)
}

// IsHealthy reports whether the store currently answers pings.
func (w *Writer) IsHealthy(ctx context.Context) bool {
	return w.pool.Ping(ctx) == nil
}

// Stats returns writer statistics.
func (w *Writer) Stats() map[string]interface{} {
	poolStats := w.pool.Stat()
	return map[string]interface{}{
		"batches_written":  w.batchesWritten.Load(),
		"points_written":   w.pointsWritten.Load(),
		"breaker_state":    w.breaker.State().String(),
		"pool_total_conns": poolStats.TotalConns(),
		"pool_idle_conns":  poolStats.IdleConns(),
	}
}

// Close releases the connection pool.
func (w *Writer) Close() {
	w.pool.Close()
	w.logger.Info().Msg("Time-series writer closed")
}
