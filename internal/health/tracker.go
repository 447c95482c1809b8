// Package health tracks per-device success/failure statistics that feed
// status reporting.
package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// offlineThreshold is the consecutive-failure count at which a
	// device is marked offline. The transition is logged exactly once.
	offlineThreshold = 5

	// responseWindowSize bounds the rolling window of response times.
	responseWindowSize = 100
)

// DeviceHealth holds the accumulated health state of one device.
type DeviceHealth struct {
	DeviceID            string     `json:"device_id"`
	IsConnected         bool       `json:"is_connected"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	TotalReads          uint64     `json:"total_reads"`
	SuccessfulReads     uint64     `json:"successful_reads"`

	// ResponseTimesMs is the rolling window of the last 100 successful
	// response times in milliseconds.
	ResponseTimesMs []float64 `json:"response_times_ms,omitempty"`
}

// SuccessRate returns the percentage of successful reads.
func (h *DeviceHealth) SuccessRate() float64 {
	if h.TotalReads == 0 {
		return 0
	}
	return 100 * float64(h.SuccessfulReads) / float64(h.TotalReads)
}

// IsOffline reports whether the device has crossed the failure threshold.
func (h *DeviceHealth) IsOffline() bool {
	return h.ConsecutiveFailures >= offlineThreshold
}

func (h *DeviceHealth) clone() *DeviceHealth {
	c := *h
	c.ResponseTimesMs = append([]float64(nil), h.ResponseTimesMs...)
	return &c
}

// Tracker accumulates health statistics for all devices. It is written
// concurrently by every device polling task; a single mutex guards the
// map so counters never tear.
type Tracker struct {
	mu      sync.RWMutex
	devices map[string]*DeviceHealth
	logger  zerolog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		devices: make(map[string]*DeviceHealth),
		logger:  logger.With().Str("component", "health-tracker").Logger(),
	}
}

// RecordSuccess records a successful read with its response duration.
// A device that was offline is logged as recovered.
func (t *Tracker) RecordSuccess(deviceID string, responseDuration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.entry(deviceID)
	wasOffline := h.IsOffline()

	now := time.Now().UTC()
	h.LastSuccess = &now
	h.ConsecutiveFailures = 0
	h.LastError = ""
	h.IsConnected = true
	h.TotalReads++
	h.SuccessfulReads++

	h.ResponseTimesMs = append(h.ResponseTimesMs, float64(responseDuration.Microseconds())/1000)
	if len(h.ResponseTimesMs) > responseWindowSize {
		h.ResponseTimesMs = h.ResponseTimesMs[len(h.ResponseTimesMs)-responseWindowSize:]
	}

	if wasOffline {
		t.logger.Info().
			Str("device_id", deviceID).
			Msg("Device back online")
	}
}

// RecordFailure records a failed read. Crossing the consecutive-failure
// threshold marks the device offline and logs the transition once; later
// failures only accumulate.
func (t *Tracker) RecordFailure(deviceID string, errMessage string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.entry(deviceID)
	wasOffline := h.IsOffline()

	h.ConsecutiveFailures++
	h.TotalReads++
	h.LastError = errMessage

	if !wasOffline && h.IsOffline() {
		h.IsConnected = false
		t.logger.Warn().
			Str("device_id", deviceID).
			Int("consecutive_failures", h.ConsecutiveFailures).
			Str("last_error", errMessage).
			Msg("Device marked offline")
	}
}

// Get returns a snapshot of one device's health, or nil if unknown.
func (t *Tracker) Get(deviceID string) *DeviceHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.devices[deviceID]
	if !ok {
		return nil
	}
	return h.clone()
}

// GetAll returns a snapshot of all device health entries.
func (t *Tracker) GetAll() map[string]*DeviceHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]*DeviceHealth, len(t.devices))
	for id, h := range t.devices {
		out[id] = h.clone()
	}
	return out
}

// Reset removes a device's health entry. The entry reappears on the next
// interaction.
func (t *Tracker) Reset(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.devices, deviceID)
}

// entry returns the health record for a device, creating it on first use.
// Caller must hold the write lock.
func (t *Tracker) entry(deviceID string) *DeviceHealth {
	h, ok := t.devices[deviceID]
	if !ok {
		h = &DeviceHealth{DeviceID: deviceID, IsConnected: true}
		t.devices[deviceID] = h
	}
	return h
}
