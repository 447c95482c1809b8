package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/data-acquisition/internal/adapter/config"
	"github.com/nexus-edge/data-acquisition/internal/adapter/mqtt"
	"github.com/nexus-edge/data-acquisition/internal/adapter/timescaledb"
	"github.com/nexus-edge/data-acquisition/internal/dlq"
	"github.com/nexus-edge/data-acquisition/internal/domain"
	"github.com/nexus-edge/data-acquisition/internal/health"
	"github.com/nexus-edge/data-acquisition/internal/metrics"
	"github.com/rs/zerolog"
)

// drainTimeout bounds the storage drain during shutdown.
const drainTimeout = 5 * time.Second

// Orchestrator wires the whole pipeline: device pool and MQTT ingest
// feed the processor, the processor feeds batched storage, and failed
// batches land in the dead-letter queue.
type Orchestrator struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Registry

	tracker    *health.Tracker
	processor  *Processor
	pool       *Pool
	storage    *BatchedStorage
	writer     *timescaledb.Writer
	queue      *dlq.Queue
	mqttClient *mqtt.Client
	router     *mqtt.Router
	decoder    *mqtt.Decoder

	startTime time.Time
	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds the pipeline from a validated configuration. The store
// connection is tested here so a down store fails startup fast; demo
// mode substitutes a discard writer and runs without a store.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metricsReg *metrics.Registry) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		metrics: metricsReg,
		tracker: health.NewTracker(logger),
	}

	var writer BatchWriter
	if cfg.DemoMode {
		o.logger.Warn().Msg("Demo mode: readings are logged, not stored")
		writer = &discardWriter{logger: logger}
	} else {
		tsWriter, err := timescaledb.NewWriter(ctx, timescaledb.WriterConfig{
			Host:      cfg.Timescale.Host,
			Port:      cfg.Timescale.Port,
			Database:  cfg.Timescale.Database,
			Username:  cfg.Timescale.Username,
			Password:  cfg.Timescale.Password,
			TableName: cfg.Timescale.TableName,
			SSL:       cfg.Timescale.SSL,
			PoolMin:   cfg.Timescale.PoolMin,
			PoolMax:   cfg.Timescale.PoolMax,
			Tags:      cfg.Timescale.Tags,
		}, logger, metricsReg)
		if err != nil {
			return nil, fmt.Errorf("store connection check failed: %w", err)
		}
		o.writer = tsWriter
		writer = tsWriter
	}

	queue, err := dlq.Open(dlq.Config{
		Dir:              cfg.DLQ.Dir,
		RetryInterval:    time.Duration(cfg.DLQ.RetryIntervalS) * time.Second,
		MaxRetryAttempts: cfg.DLQ.MaxRetryAttempts,
		WarnBytes:        int64(cfg.DLQ.WarnMB) << 20,
	}, writer, logger, metricsReg)
	if err != nil {
		if o.writer != nil {
			o.writer.Close()
		}
		return nil, err
	}
	o.queue = queue

	o.storage = NewBatchedStorage(StorageConfig{
		BatchSize:     cfg.Timescale.BatchSize,
		BatchTimeout:  time.Duration(cfg.Timescale.BatchTimeoutMs) * time.Millisecond,
		FlushInterval: time.Duration(cfg.Timescale.FlushIntervalMs) * time.Millisecond,
	}, writer, queue, logger, metricsReg)

	o.processor = NewProcessor(logger)
	o.processor.Configure(cfg.Devices, cfg.MqttDevices)

	o.pool = NewPool(o.handleReading, o.tracker, logger, metricsReg)

	o.router = mqtt.NewRouter(logger)
	o.decoder = mqtt.NewDecoder(cfg.MQTT.MaxJSONPayloadBytes, logger)
	if len(cfg.MqttDevices) > 0 {
		o.mqttClient = mqtt.NewClient(mqtt.ClientConfig{
			BrokerHost:        cfg.MQTT.BrokerHost,
			BrokerPort:        cfg.MQTT.BrokerPort,
			ClientID:          cfg.MQTT.ClientID,
			Username:          cfg.MQTT.Username,
			Password:          cfg.MQTT.Password,
			UseTLS:            cfg.MQTT.UseTLS,
			AllowInvalidCerts: cfg.MQTT.AllowInvalidCerts,
			KeepAlive:         time.Duration(cfg.MQTT.KeepAliveS) * time.Second,
			ReconnectDelay:    time.Duration(cfg.MQTT.ReconnectDelayS) * time.Second,
			MaxReconnect:      cfg.MQTT.MaxReconnectAttempts,
			MaxTrackedTopics:  cfg.MQTT.MaxTrackedTopics,
			CleanSession:      cfg.MQTT.CleanSessionOrDefault(),
			QoS:               cfg.MQTT.QoS,
		}, logger)
		o.mqttClient.SetHandler(o.handleMessage)
	}

	return o, nil
}

// Start brings the pipeline up: storage consumer, dead-letter retry,
// device pollers, then the MQTT ingest.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.running.Load() {
		return nil
	}

	ctx, o.cancel = context.WithCancel(ctx)
	o.startTime = time.Now().UTC()

	o.storage.Start()
	o.queue.Start(ctx)

	for i := range o.cfg.Devices {
		if err := o.pool.AddDevice(o.cfg.Devices[i]); err != nil {
			return fmt.Errorf("failed to register device %q: %w", o.cfg.Devices[i].DeviceID, err)
		}
	}
	if err := o.pool.Start(ctx); err != nil {
		return err
	}

	if o.mqttClient != nil {
		o.router.Register(o.cfg.MqttDevices)
		if err := o.mqttClient.Start(); err != nil {
			return fmt.Errorf("mqtt ingest failed to start: %w", err)
		}
		subs := mqtt.BuildSubscriptions(o.cfg.MqttDevices, o.cfg.MQTT.QoS)
		if err := o.mqttClient.Subscribe(subs); err != nil {
			return fmt.Errorf("mqtt subscribe failed: %w", err)
		}
	}

	o.startHealthLog(ctx)
	o.running.Store(true)

	o.logger.Info().
		Int("modbus_devices", len(o.cfg.Devices)).
		Int("mqtt_devices", len(o.cfg.MqttDevices)).
		Msg("Acquisition pipeline started")
	return nil
}

// Stop shuts the pipeline down in order: producers first, then drain
// and flush storage, then release store handles.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.running.Load() {
		return nil
	}
	o.running.Store(false)

	o.logger.Info().Msg("Stopping acquisition pipeline")
	o.cancel()

	if err := o.pool.Stop(ctx); err != nil {
		o.logger.Error().Err(err).Msg("Error stopping device pool")
	}
	if o.mqttClient != nil {
		o.mqttClient.Stop()
	}

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := o.storage.ForceFlush(drainCtx); err != nil {
		o.logger.Warn().Err(err).Msg("Final flush did not complete")
	}
	if err := o.storage.Stop(drainCtx); err != nil {
		o.logger.Warn().Err(err).Msg("Storage drain did not complete")
	}

	o.queue.Stop()
	if o.writer != nil {
		o.writer.Close()
	}

	o.wg.Wait()
	o.logger.Info().Msg("Acquisition pipeline stopped")
	return nil
}

// AddDevice registers and starts polling a new Modbus device.
func (o *Orchestrator) AddDevice(device domain.DeviceConfig) error {
	if err := device.Validate(); err != nil {
		return err
	}
	if err := o.pool.AddDevice(device); err != nil {
		return err
	}
	o.processor.Configure([]domain.DeviceConfig{device}, nil)
	return nil
}

// RemoveDevice stops and removes a Modbus device. Health counters and
// rate windows reset.
func (o *Orchestrator) RemoveDevice(deviceID string) error {
	if err := o.pool.RemoveDevice(deviceID); err != nil {
		return err
	}
	o.processor.ResetDevice(deviceID)
	return nil
}

// RestartDevice restarts a device's polling task, preserving its
// configuration. Health counters and rate windows reset.
func (o *Orchestrator) RestartDevice(deviceID string) error {
	if err := o.pool.RestartDevice(deviceID); err != nil {
		return err
	}
	o.processor.ResetDevice(deviceID)
	return nil
}

// Status is a point-in-time snapshot of the pipeline.
type Status struct {
	Running       bool                            `json:"running"`
	StartTime     time.Time                       `json:"start_time"`
	UptimeSeconds float64                         `json:"uptime_seconds"`
	ModbusDevices int                             `json:"modbus_devices"`
	MqttDevices   int                             `json:"mqtt_devices"`
	MqttMessages  uint64                          `json:"mqtt_messages"`
	MqttTopics    int                             `json:"mqtt_topics"`
	QueueDepth    int                             `json:"queue_depth"`
	Dropped       uint64                          `json:"dropped"`
	DLQDepth      int                             `json:"dlq_depth"`
	Health        map[string]*health.DeviceHealth `json:"health"`
}

// Status reports the running state, device counts, queue depths, and a
// health snapshot.
func (o *Orchestrator) Status() Status {
	status := Status{
		Running:       o.running.Load(),
		StartTime:     o.startTime,
		UptimeSeconds: time.Since(o.startTime).Seconds(),
		ModbusDevices: len(o.pool.DeviceIDs()),
		MqttDevices:   len(o.cfg.MqttDevices),
		QueueDepth:    o.storage.QueueDepth(),
		Dropped:       o.storage.Dropped(),
		DLQDepth:      o.queue.Depth(),
		Health:        o.tracker.GetAll(),
	}
	if o.mqttClient != nil {
		status.MqttMessages = o.mqttClient.MessagesReceived()
		status.MqttTopics = len(o.mqttClient.TopicStats())
	}
	return status
}

// IsHealthy reports whether the store (when configured) is reachable.
func (o *Orchestrator) IsHealthy(ctx context.Context) bool {
	if o.writer == nil {
		return true
	}
	return o.writer.IsHealthy(ctx)
}

// handleReading receives every reading the device pool emits.
func (o *Orchestrator) handleReading(r domain.DeviceReading) {
	processed := o.processor.Process(r)
	if err := o.storage.Post(processed); err != nil {
		o.logger.Debug().Err(err).Msg("Reading posted after pipeline close")
	}
}

// handleMessage receives every inbound MQTT message: route, decode,
// process, store. Rejections are counted and logged, never fatal.
func (o *Orchestrator) handleMessage(topic string, payload []byte, qos byte, retained bool, receivedAt time.Time) {
	device := o.router.FindDeviceFor(topic)
	if device == nil {
		o.logger.Debug().Str("topic", topic).Msg("No device for topic")
		return
	}

	reading, err := o.decoder.Decode(device, payload, receivedAt)
	if err != nil {
		o.metrics.IncParseErrors()
		o.logger.Warn().
			Err(err).
			Str("topic", topic).
			Str("device_id", device.DeviceID).
			Msg("Payload rejected")
		return
	}

	o.handleReading(reading)
}

// startHealthLog periodically logs a pipeline summary.
func (o *Orchestrator) startHealthLog(ctx context.Context) {
	interval := time.Duration(o.cfg.HealthCheckIntervalMs) * time.Millisecond
	if interval <= 0 {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status := o.Status()
				offline := 0
				for _, h := range status.Health {
					if h.IsOffline() {
						offline++
					}
				}
				o.logger.Info().
					Int("queue_depth", status.QueueDepth).
					Int("dlq_depth", status.DLQDepth).
					Uint64("dropped", status.Dropped).
					Int("devices_offline", offline).
					Msg("Pipeline health")
			}
		}
	}()
}

// discardWriter stands in for the store in demo mode.
type discardWriter struct {
	logger zerolog.Logger
}

func (d *discardWriter) WriteBatch(ctx context.Context, readings []domain.DeviceReading) error {
	d.logger.Debug().Int("batch_size", len(readings)).Msg("Demo mode: batch discarded")
	return nil
}
