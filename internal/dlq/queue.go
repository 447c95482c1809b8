// Package dlq implements the disk-backed dead-letter queue. Batches that
// failed to reach the time-series store are appended to a JSON-lines
// file and replayed on a timer once the store recovers. Nothing is ever
// discarded silently.
package dlq

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nexus-edge/data-acquisition/internal/domain"
	"github.com/nexus-edge/data-acquisition/internal/metrics"
	"github.com/rs/zerolog"
)

const queueFileName = "dlq.jsonl"

// BatchWriter replays a batch into the store.
type BatchWriter interface {
	WriteBatch(ctx context.Context, readings []domain.DeviceReading) error
}

// Config holds dead-letter queue settings.
type Config struct {
	// Dir is the directory holding the queue file.
	Dir string

	// RetryInterval is the replay cadence (default 60s).
	RetryInterval time.Duration

	// MaxRetryAttempts is the attempt count after which a record is
	// logged at alert level. The record is retained regardless.
	MaxRetryAttempts int

	// WarnBytes is the on-disk size that triggers a capacity warning
	// (default 100 MiB).
	WarnBytes int64

	// ReplayTimeout bounds a single replay write.
	ReplayTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 60 * time.Second
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 5
	}
	if c.WarnBytes <= 0 {
		c.WarnBytes = 100 << 20
	}
	if c.ReplayTimeout <= 0 {
		c.ReplayTimeout = 30 * time.Second
	}
}

// Record is one queued batch. Each line of the queue file is one record,
// self-describing and parseable on its own.
type Record struct {
	EnqueuedAt   time.Time              `json:"enqueued_at"`
	AttemptCount int                    `json:"attempt_count"`
	LastError    string                 `json:"last_error"`
	Readings     []domain.DeviceReading `json:"readings"`
}

// Queue is the durable dead-letter queue. Records replay in file order;
// successful replays are removed by compaction (rewrite plus atomic
// rename), so a crash mid-compaction leaves the previous file intact.
type Queue struct {
	config  Config
	writer  BatchWriter
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	records []Record
	file    *os.File

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open loads the queue directory, recovering all complete records from a
// previous run. A truncated trailing line (from an ungraceful shutdown
// mid-write) is detected, logged, and dropped.
func Open(config Config, writer BatchWriter, logger zerolog.Logger, metricsReg *metrics.Registry) (*Queue, error) {
	config.applyDefaults()

	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}

	q := &Queue{
		config:  config,
		writer:  writer,
		logger:  logger.With().Str("component", "dead-letter-queue").Logger(),
		metrics: metricsReg,
	}

	if err := q.recover(); err != nil {
		return nil, err
	}

	// Recovery may already hold an append handle after compaction.
	if q.file == nil {
		file, err := os.OpenFile(q.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open dead-letter file: %w", err)
		}
		q.file = file
	}

	if len(q.records) > 0 {
		q.logger.Info().
			Int("recovered", len(q.records)).
			Msg("Recovered dead-letter records from previous run")
	}
	q.metrics.SetDLQDepth(len(q.records))

	return q, nil
}

// Start launches the retry loop.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		ticker := time.NewTicker(q.config.RetryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.Retry(ctx)
			}
		}
	}()

	q.logger.Info().
		Dur("retry_interval", q.config.RetryInterval).
		Msg("Dead-letter retry loop started")
}

// Stop halts the retry loop and closes the queue file.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.file != nil {
		q.file.Close()
		q.file = nil
	}
}

// Enqueue appends one failed batch. The line is synced to disk before
// returning so a crash cannot lose an acknowledged record. Enqueue fails
// loudly when the disk does not accept the write.
func (q *Queue) Enqueue(readings []domain.DeviceReading, cause error) error {
	record := Record{
		EnqueuedAt: time.Now().UTC(),
		LastError:  cause.Error(),
		Readings:   readings,
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter record: %w", err)
	}
	line = append(line, '\n')

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.file == nil {
		return domain.ErrQueueFull
	}
	if _, err := q.file.Write(line); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrQueueFull, err)
	}
	if err := q.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", domain.ErrQueueFull, err)
	}

	q.records = append(q.records, record)
	q.metrics.SetDLQDepth(len(q.records))

	q.logger.Warn().
		Int("batch_size", len(readings)).
		Int("queue_depth", len(q.records)).
		Str("cause", record.LastError).
		Msg("Batch enqueued to dead-letter queue")

	q.checkCapacityLocked()
	return nil
}

// Retry replays queued records in file order. Successes are removed via
// compaction; failures accumulate attempt counts. A record exceeding the
// attempt limit is retained but escalated. The mutex is released during
// the replay writes so enqueues keep flowing; Enqueue only appends and
// Retry is the sole remover, so records arriving mid-replay are exactly
// the tail beyond the snapshot and replay on the next tick.
func (q *Queue) Retry(ctx context.Context) {
	q.mu.Lock()
	if len(q.records) == 0 {
		q.mu.Unlock()
		return
	}
	pending := append([]Record(nil), q.records...)
	q.mu.Unlock()

	q.logger.Info().
		Int("queue_depth", len(pending)).
		Msg("Replaying dead-letter records")

	remaining := pending[:0:0]
	for i := range pending {
		record := pending[i]

		replayCtx, cancel := context.WithTimeout(ctx, q.config.ReplayTimeout)
		err := q.writer.WriteBatch(replayCtx, record.Readings)
		cancel()

		if err == nil {
			q.metrics.IncDLQReplayed()
			q.logger.Info().
				Int("batch_size", len(record.Readings)).
				Int("attempts", record.AttemptCount+1).
				Msg("Dead-letter batch replayed")
			continue
		}

		record.AttemptCount++
		record.LastError = err.Error()
		remaining = append(remaining, record)

		if record.AttemptCount >= q.config.MaxRetryAttempts {
			q.logger.Error().
				Str("alert", "dlq_exhausted").
				Int("attempts", record.AttemptCount).
				Str("last_error", record.LastError).
				Msg("Dead-letter batch exceeded retry attempts, retaining")
		}

		if ctx.Err() != nil {
			// Shutdown mid-replay: keep the untouched tail as-is.
			remaining = append(remaining, pending[i+1:]...)
			break
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.records = append(remaining, q.records[len(pending):]...)
	q.metrics.SetDLQDepth(len(q.records))

	if err := q.compactLocked(); err != nil {
		q.logger.Error().Err(err).Msg("Dead-letter compaction failed")
	}
}

// Depth returns the number of queued batches.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// SizeBytes returns the on-disk size of the queue file.
func (q *Queue) SizeBytes() int64 {
	info, err := os.Stat(q.path())
	if err != nil {
		return 0
	}
	return info.Size()
}

func (q *Queue) path() string {
	return filepath.Join(q.config.Dir, queueFileName)
}

// recover parses the queue file from a previous run. Complete lines load
// as records; a partial trailing line or an unparseable line is dropped
// with a warning, and the file is rewritten compacted when anything was
// dropped.
func (q *Queue) recover() error {
	data, err := os.ReadFile(q.path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read dead-letter file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	truncated := !bytes.HasSuffix(data, []byte{'\n'})
	lines := bytes.Split(data, []byte{'\n'})

	dropped := 0
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if truncated && i == len(lines)-1 {
			q.logger.Warn().Msg("Dropping truncated trailing dead-letter record")
			dropped++
			continue
		}

		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			q.logger.Warn().Err(err).Int("line", i+1).Msg("Dropping unparseable dead-letter record")
			dropped++
			continue
		}
		q.records = append(q.records, record)
	}

	if dropped > 0 {
		return q.compactLocked()
	}
	return nil
}

// compactLocked rewrites the remaining records to a temp file and swaps
// it in atomically. Caller must hold the mutex (or be pre-Start).
func (q *Queue) compactLocked() error {
	tmpPath := q.path() + ".tmp"

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}

	for i := range q.records {
		line, err := json.Marshal(q.records[i])
		if err != nil {
			tmp.Close()
			return fmt.Errorf("failed to encode record during compaction: %w", err)
		}
		line = append(line, '\n')
		if _, err := tmp.Write(line); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write compaction file: %w", err)
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if q.file != nil {
		q.file.Close()
	}
	if err := os.Rename(tmpPath, q.path()); err != nil {
		return fmt.Errorf("failed to swap compacted file: %w", err)
	}

	file, err := os.OpenFile(q.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen dead-letter file: %w", err)
	}
	q.file = file
	return nil
}

// checkCapacityLocked warns when the queue file crosses the configured
// disk threshold. The queue keeps growing; enqueues only fail when the
// disk itself refuses the write.
func (q *Queue) checkCapacityLocked() {
	size := q.SizeBytes()
	if size >= q.config.WarnBytes {
		q.logger.Warn().
			Int64("size_bytes", size).
			Int64("warn_bytes", q.config.WarnBytes).
			Msg("Dead-letter queue size above warning threshold")
	}
}
