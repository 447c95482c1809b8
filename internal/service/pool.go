// Package service wires the acquisition pipeline: device pool, data
// processor, batched storage, and the orchestrator that owns them.
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/data-acquisition/internal/adapter/modbus"
	"github.com/nexus-edge/data-acquisition/internal/domain"
	"github.com/nexus-edge/data-acquisition/internal/health"
	"github.com/nexus-edge/data-acquisition/internal/metrics"
	"github.com/rs/zerolog"
)

// ReadingHandler receives every reading a device poller emits, in polling
// order for a given device.
type ReadingHandler func(domain.DeviceReading)

// Pool manages the configured Modbus devices and runs one polling task
// per device. Channels on one device read sequentially over the shared
// connection; parallelism comes from polling devices concurrently.
type Pool struct {
	handler ReadingHandler
	tracker *health.Tracker
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu      sync.RWMutex
	devices map[string]*devicePoller

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// devicePoller owns the polling loop and connection for a single device.
type devicePoller struct {
	config   domain.DeviceConfig
	conn     *modbus.Connection
	stopChan chan struct{}
	running  atomic.Bool
}

// NewPool creates a pool. Readings flow to the handler; health updates
// flow to the tracker.
func NewPool(handler ReadingHandler, tracker *health.Tracker, logger zerolog.Logger, metricsReg *metrics.Registry) *Pool {
	return &Pool{
		handler: handler,
		tracker: tracker,
		logger:  logger.With().Str("component", "device-pool").Logger(),
		metrics: metricsReg,
		devices: make(map[string]*devicePoller),
	}
}

// Start begins polling all registered devices.
func (p *Pool) Start(ctx context.Context) error {
	if p.started.Load() {
		return nil
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started.Store(true)

	p.mu.RLock()
	for _, dp := range p.devices {
		p.startPoller(dp)
	}
	count := len(p.devices)
	p.mu.RUnlock()

	p.logger.Info().Int("devices", count).Msg("Device pool started")
	return nil
}

// Stop cancels all polling tasks and disconnects every device. The wait
// is bounded by ctx.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}

	p.logger.Info().Msg("Stopping device pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn().Msg("Timeout waiting for pollers to stop")
	}

	p.mu.RLock()
	for _, dp := range p.devices {
		dp.conn.Disconnect()
	}
	p.mu.RUnlock()

	p.started.Store(false)
	p.logger.Info().Msg("Device pool stopped")
	return nil
}

// AddDevice registers a device and, if the pool is running, starts its
// polling task. Duplicate ids are rejected.
func (p *Pool) AddDevice(config domain.DeviceConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.devices[config.DeviceID]; exists {
		return domain.ErrDeviceExists
	}

	dp := &devicePoller{
		config: config,
		conn: modbus.NewConnection(config.DeviceID, modbus.ConnectionConfig{
			Address:    config.Address(),
			UnitID:     config.UnitID,
			Timeout:    config.Timeout(),
			MaxRetries: config.MaxRetries,
			KeepAlive:  config.KeepAlive,
		}, p.logger),
		stopChan: make(chan struct{}),
	}
	p.devices[config.DeviceID] = dp

	p.logger.Info().
		Str("device_id", config.DeviceID).
		Str("address", config.Address()).
		Int("channels", len(config.Channels)).
		Dur("poll_interval", config.PollInterval()).
		Msg("Device registered")

	if p.started.Load() {
		p.startPoller(dp)
	}
	return nil
}

// RemoveDevice stops the polling task, closes the connection, and resets
// the device's health entry. Removing an unknown device is an error;
// removing twice is not possible since the entry is gone.
func (p *Pool) RemoveDevice(deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dp, exists := p.devices[deviceID]
	if !exists {
		return domain.ErrDeviceNotFound
	}

	if dp.running.Load() {
		close(dp.stopChan)
	}
	dp.conn.Disconnect()
	delete(p.devices, deviceID)
	p.tracker.Reset(deviceID)

	p.logger.Info().Str("device_id", deviceID).Msg("Device removed")
	return nil
}

// RestartDevice removes and re-adds a device, preserving its
// configuration. Health counters reset.
func (p *Pool) RestartDevice(deviceID string) error {
	p.mu.RLock()
	dp, exists := p.devices[deviceID]
	p.mu.RUnlock()
	if !exists {
		return domain.ErrDeviceNotFound
	}

	config := dp.config
	if err := p.RemoveDevice(deviceID); err != nil {
		return err
	}
	return p.AddDevice(config)
}

// DeviceIDs returns the ids of all registered devices.
func (p *Pool) DeviceIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.devices))
	for id := range p.devices {
		ids = append(ids, id)
	}
	return ids
}

// startPoller launches the polling goroutine for a device.
func (p *Pool) startPoller(dp *devicePoller) {
	if dp.running.Load() {
		return
	}

	dp.running.Store(true)
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer dp.running.Store(false)

		p.logger.Debug().
			Str("device_id", dp.config.DeviceID).
			Dur("interval", dp.config.PollInterval()).
			Msg("Starting device poller")

		ticker := time.NewTicker(dp.config.PollInterval())
		defer ticker.Stop()

		p.pollDevice(dp)

		for {
			select {
			case <-p.ctx.Done():
				return
			case <-dp.stopChan:
				return
			case <-ticker.C:
				p.pollDevice(dp)
			}
		}
	}()
}

// pollDevice performs one poll cycle: connect if needed, then read every
// channel. A cycle never skips a channel; terminal read failures emit an
// unavailable reading carrying the error text.
func (p *Pool) pollDevice(dp *devicePoller) {
	cycleStart := time.Now()
	defer func() {
		p.metrics.ObservePollDuration(time.Since(cycleStart).Seconds())
	}()

	if !dp.conn.IsConnected() {
		if err := dp.conn.Connect(p.ctx); err != nil {
			p.tracker.RecordFailure(dp.config.DeviceID, err.Error())
			p.emitUnavailable(dp, err)
			return
		}
	}

	for i := range dp.config.Channels {
		ch := &dp.config.Channels[i]

		readStart := time.Now()
		data, err := dp.conn.ReadRegisters(p.ctx, ch.StartRegister, ch.RegisterCount, ch.RegisterType)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.metrics.IncReadErrors()
			p.tracker.RecordFailure(dp.config.DeviceID, err.Error())
			p.emit(unavailableReading(dp.config.DeviceID, ch.ChannelNumber, ch.Unit, err))
			continue
		}

		raw, err := modbus.DecodeRegisters(data, ch.DataType)
		if err != nil {
			p.metrics.IncReadErrors()
			p.tracker.RecordFailure(dp.config.DeviceID, err.Error())
			p.emit(unavailableReading(dp.config.DeviceID, ch.ChannelNumber, ch.Unit, err))
			continue
		}

		p.tracker.RecordSuccess(dp.config.DeviceID, time.Since(readStart))
		p.emit(domain.DeviceReading{
			DeviceID:  dp.config.DeviceID,
			Channel:   ch.ChannelNumber,
			Timestamp: time.Now().UTC(),
			RawValue:  raw,
			Quality:   domain.QualityGood,
			Unit:      ch.Unit,
		})
	}
}

// emitUnavailable emits one unavailable reading per channel when the
// whole device is unreachable.
func (p *Pool) emitUnavailable(dp *devicePoller, err error) {
	p.metrics.IncReadErrors()
	for i := range dp.config.Channels {
		ch := &dp.config.Channels[i]
		p.emit(unavailableReading(dp.config.DeviceID, ch.ChannelNumber, ch.Unit, err))
	}
}

func (p *Pool) emit(r domain.DeviceReading) {
	if p.handler != nil {
		p.handler(r)
	}
}

func unavailableReading(deviceID string, channel uint8, unit string, err error) domain.DeviceReading {
	return domain.DeviceReading{
		DeviceID:  deviceID,
		Channel:   channel,
		Timestamp: time.Now().UTC(),
		Quality:   domain.QualityUnavailable,
		Unit:      unit,
		Tags:      map[string]string{domain.TagError: err.Error()},
	}
}
