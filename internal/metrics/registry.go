package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the acquisition pipeline.
type Registry struct {
	readingsReceived prometheus.Counter
	readingsDropped  prometheus.Counter
	readingsWritten  prometheus.Counter
	readErrors       prometheus.Counter
	parseErrors      prometheus.Counter
	writeErrors      prometheus.Counter
	batchesFlushed   prometheus.Counter
	dlqEnqueued      prometheus.Counter
	dlqReplayed      prometheus.Counter
	dlqDepth         prometheus.Gauge
	queueUsage       prometheus.Gauge
	batchDuration    prometheus.Histogram
	pollDuration     prometheus.Histogram
}

// NewRegistry creates a metrics registry on the default Prometheus
// registerer, exposed by the /metrics handler.
func NewRegistry() *Registry {
	return NewRegistryWith(prometheus.DefaultRegisterer)
}

// NewRegistryWith creates a metrics registry on the given registerer.
func NewRegistryWith(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		readingsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_readings_received_total",
			Help: "Total number of readings entering the storage pipeline",
		}),
		readingsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_readings_dropped_total",
			Help: "Total number of readings dropped because the queue was full",
		}),
		readingsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_readings_written_total",
			Help: "Total number of readings written to the time-series store",
		}),
		readErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_read_errors_total",
			Help: "Total number of terminal Modbus read failures",
		}),
		parseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_parse_errors_total",
			Help: "Total number of rejected MQTT payloads",
		}),
		writeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_write_errors_total",
			Help: "Total number of failed batch writes",
		}),
		batchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_batches_flushed_total",
			Help: "Total number of batches flushed to the writer",
		}),
		dlqEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_dlq_enqueued_total",
			Help: "Total number of batches enqueued to the dead-letter queue",
		}),
		dlqReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_dlq_replayed_total",
			Help: "Total number of batches successfully replayed from the dead-letter queue",
		}),
		dlqDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "acquisition_dlq_depth",
			Help: "Current number of batches in the dead-letter queue",
		}),
		queueUsage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "acquisition_queue_usage",
			Help: "Current storage queue usage (0-1)",
		}),
		batchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "acquisition_batch_write_duration_seconds",
			Help:    "Duration of batch write operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		pollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "acquisition_poll_duration_seconds",
			Help:    "Duration of device poll cycles",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
	}
}

// IncReadingsReceived increments the readings received counter.
func (r *Registry) IncReadingsReceived() { r.readingsReceived.Inc() }

// IncReadingsDropped increments the readings dropped counter.
func (r *Registry) IncReadingsDropped() { r.readingsDropped.Inc() }

// AddReadingsWritten adds to the readings written counter.
func (r *Registry) AddReadingsWritten(count int64) { r.readingsWritten.Add(float64(count)) }

// IncReadErrors increments the Modbus read error counter.
func (r *Registry) IncReadErrors() { r.readErrors.Inc() }

// IncParseErrors increments the payload rejection counter.
func (r *Registry) IncParseErrors() { r.parseErrors.Inc() }

// IncWriteErrors increments the batch write error counter.
func (r *Registry) IncWriteErrors() { r.writeErrors.Inc() }

// IncBatchesFlushed increments the batches flushed counter.
func (r *Registry) IncBatchesFlushed() { r.batchesFlushed.Inc() }

// IncDLQEnqueued increments the dead-letter enqueue counter.
func (r *Registry) IncDLQEnqueued() { r.dlqEnqueued.Inc() }

// IncDLQReplayed increments the dead-letter replay counter.
func (r *Registry) IncDLQReplayed() { r.dlqReplayed.Inc() }

// SetDLQDepth sets the current dead-letter queue depth.
func (r *Registry) SetDLQDepth(depth int) { r.dlqDepth.Set(float64(depth)) }

// SetQueueUsage sets the current storage queue usage.
func (r *Registry) SetQueueUsage(usage float64) { r.queueUsage.Set(usage) }

// ObserveBatchDuration records a batch write duration.
func (r *Registry) ObserveBatchDuration(seconds float64) { r.batchDuration.Observe(seconds) }

// ObservePollDuration records a device poll cycle duration.
func (r *Registry) ObservePollDuration(seconds float64) { r.pollDuration.Observe(seconds) }
