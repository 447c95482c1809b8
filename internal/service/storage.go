package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/data-acquisition/internal/domain"
	"github.com/nexus-edge/data-acquisition/internal/metrics"
	"github.com/rs/zerolog"
)

// BatchWriter writes one batch to the time-series store. The store is
// transactional at batch granularity: a batch lands fully or not at all.
type BatchWriter interface {
	WriteBatch(ctx context.Context, readings []domain.DeviceReading) error
}

// DeadLetter accepts batches that failed to reach the store.
type DeadLetter interface {
	Enqueue(readings []domain.DeviceReading, cause error) error
}

// StorageConfig holds the batching pipeline settings.
type StorageConfig struct {
	// QueueSize bounds the producer/consumer channel (default 1000).
	QueueSize int

	// BatchSize triggers a flush when the pending batch reaches it
	// (default 100, 1-1000).
	BatchSize int

	// BatchTimeout triggers a flush this long after the first item of
	// the current batch (default 5s).
	BatchTimeout time.Duration

	// FlushInterval is the cadence of the periodic flush that catches
	// any pending batch regardless of age (default BatchTimeout).
	FlushInterval time.Duration

	// WriteTimeout bounds a single batch write attempt.
	WriteTimeout time.Duration
}

func (c *StorageConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchSize > 1000 {
		c.BatchSize = 1000
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = c.BatchTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// BatchedStorage is the backpressure boundary of the pipeline: a bounded
// queue feeding a single consumer that writes batches to the store. When
// the queue is full the oldest reading is dropped, counted, and warned
// about — producers are never blocked indefinitely. Failed batches go to
// the dead-letter queue, never silently away.
type BatchedStorage struct {
	config  StorageConfig
	writer  BatchWriter
	dlq     DeadLetter
	logger  zerolog.Logger
	metrics *metrics.Registry

	queue    chan domain.DeviceReading
	flushReq chan chan struct{}
	stopCh   chan struct{}

	dropped atomic.Uint64
	written atomic.Uint64
	closed  atomic.Bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBatchedStorage creates the pipeline. dlq may be nil in tests.
func NewBatchedStorage(config StorageConfig, writer BatchWriter, dlq DeadLetter, logger zerolog.Logger, metricsReg *metrics.Registry) *BatchedStorage {
	config.applyDefaults()
	return &BatchedStorage{
		config:   config,
		writer:   writer,
		dlq:      dlq,
		logger:   logger.With().Str("component", "batched-storage").Logger(),
		metrics:  metricsReg,
		queue:    make(chan domain.DeviceReading, config.QueueSize),
		flushReq: make(chan chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the consumer.
func (s *BatchedStorage) Start() {
	s.wg.Add(1)
	go s.consume()

	s.logger.Info().
		Int("queue_size", s.config.QueueSize).
		Int("batch_size", s.config.BatchSize).
		Dur("batch_timeout", s.config.BatchTimeout).
		Msg("Storage pipeline started")
}

// Post enqueues a reading without blocking. When the queue is full the
// oldest reading is dropped to make room; the drop is counted and warned.
func (s *BatchedStorage) Post(r domain.DeviceReading) error {
	if s.closed.Load() {
		return domain.ErrStorageClosed
	}

	s.metrics.IncReadingsReceived()

	for {
		select {
		case s.queue <- r:
			s.metrics.SetQueueUsage(float64(len(s.queue)) / float64(s.config.QueueSize))
			return nil
		default:
		}

		// Queue full: evict the oldest and retry.
		select {
		case old := <-s.queue:
			s.dropped.Add(1)
			s.metrics.IncReadingsDropped()
			s.logger.Warn().
				Str("device_id", old.DeviceID).
				Uint8("channel", old.Channel).
				Uint64("total_dropped", s.dropped.Load()).
				Msg("Storage queue full, dropping oldest reading")
		default:
			// Consumer emptied the queue between the two selects.
		}
	}
}

// ForceFlush flushes the pending batch and everything queued ahead of
// it. It returns when the flush completed or ctx expired.
func (s *BatchedStorage) ForceFlush(ctx context.Context) error {
	if s.closed.Load() {
		return domain.ErrStorageClosed
	}

	ack := make(chan struct{})
	select {
	case s.flushReq <- ack:
	case <-s.stopCh:
		return domain.ErrStorageClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the intake, drains the queue, and writes the tail batch.
// The wait is bounded by ctx; anything unwritten after that is reported.
// The queue channel itself is never closed: producers that race the
// shutdown get ErrStorageClosed instead of a send panic.
func (s *BatchedStorage) Stop(ctx context.Context) error {
	var stopErr error

	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping storage pipeline")
		s.closed.Store(true)
		close(s.stopCh)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			s.logger.Info().
				Uint64("readings_written", s.written.Load()).
				Uint64("readings_dropped", s.dropped.Load()).
				Msg("Storage pipeline stopped")
		case <-ctx.Done():
			s.logger.Warn().
				Int("unwritten", len(s.queue)).
				Msg("Storage pipeline stop timeout, readings lost")
			stopErr = ctx.Err()
		}
	})

	return stopErr
}

// Dropped returns the number of readings evicted from a full queue.
func (s *BatchedStorage) Dropped() uint64 {
	return s.dropped.Load()
}

// QueueDepth returns the current number of queued readings.
func (s *BatchedStorage) QueueDepth() int {
	return len(s.queue)
}

// consume drains the queue into batches and flushes on size, timeout
// since the first item, periodic interval, or explicit request.
// Insertion order is preserved within a batch and batches flush in FIFO
// order.
func (s *BatchedStorage) consume() {
	defer s.wg.Done()

	var batch []domain.DeviceReading

	timer := time.NewTimer(s.config.BatchTimeout)
	stopTimer(timer)
	defer timer.Stop()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-s.queue:
			batch = append(batch, r)
			if len(batch) == 1 {
				timer.Reset(s.config.BatchTimeout)
			}
			if len(batch) >= s.config.BatchSize {
				stopTimer(timer)
				s.flush(batch)
				batch = nil
			}

		case <-timer.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				stopTimer(timer)
				s.flush(batch)
				batch = nil
			}

		case ack := <-s.flushReq:
			batch = s.drain(batch)
			stopTimer(timer)
			s.flush(batch)
			batch = nil
			close(ack)

		case <-s.stopCh:
			batch = s.drain(batch)
			stopTimer(timer)
			s.flush(batch)
			return
		}
	}
}

// drain pulls everything currently queued into the batch without blocking.
func (s *BatchedStorage) drain(batch []domain.DeviceReading) []domain.DeviceReading {
	for {
		select {
		case r := <-s.queue:
			batch = append(batch, r)
		default:
			return batch
		}
	}
}

// flush attempts one batch write. A failed batch is handed to the
// dead-letter queue in order.
func (s *BatchedStorage) flush(batch []domain.DeviceReading) {
	if len(batch) == 0 {
		return
	}

	s.metrics.IncBatchesFlushed()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := s.writer.WriteBatch(ctx, batch)
	s.metrics.ObserveBatchDuration(time.Since(start).Seconds())

	if err == nil {
		s.written.Add(uint64(len(batch)))
		s.metrics.AddReadingsWritten(int64(len(batch)))
		s.logger.Debug().
			Int("batch_size", len(batch)).
			Dur("duration", time.Since(start)).
			Msg("Batch written")
		return
	}

	s.metrics.IncWriteErrors()
	s.logger.Error().
		Err(err).
		Int("batch_size", len(batch)).
		Msg("Batch write failed, forwarding to dead-letter queue")

	if s.dlq == nil {
		return
	}
	if dlqErr := s.dlq.Enqueue(batch, err); dlqErr != nil {
		s.logger.Error().
			Err(dlqErr).
			Str("alert", "data_loss").
			Int("batch_size", len(batch)).
			Msg("Dead-letter enqueue failed, batch lost")
	} else {
		s.metrics.IncDLQEnqueued()
	}
}

// stopTimer stops a timer and drains its channel if it already fired.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
