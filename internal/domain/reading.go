// Package domain contains the core entities of the acquisition pipeline.
// These are protocol-agnostic; adapters translate to and from them.
package domain

import (
	"time"
)

// Quality classifies the trustworthiness of a reading.
type Quality string

const (
	// QualityGood is a normal, in-range reading.
	QualityGood Quality = "good"

	// QualityDegraded marks a reading whose rate exceeded the configured
	// max change rate. The value and rate are still emitted.
	QualityDegraded Quality = "degraded"

	// QualityBad marks a reading whose processed value fell outside the
	// configured min/max bounds.
	QualityBad Quality = "bad"

	// QualityUnavailable marks a failed read. The reading carries an
	// "error" tag instead of a device value and never carries a rate.
	QualityUnavailable Quality = "unavailable"
)

// TagError is the tag key carrying the failure text on unavailable readings.
const TagError = "error"

// DeviceReading is a single measurement taken from a device channel.
// Once emitted by the pool or the MQTT decoder it is immutable; the
// processor returns a new value rather than mutating in place.
type DeviceReading struct {
	// DeviceID identifies the source device (non-empty, max 50 chars).
	DeviceID string `json:"device_id"`

	// Channel is the device channel number (0-255).
	Channel uint8 `json:"channel"`

	// Timestamp is the UTC acquisition time, taken from the polling clock
	// or the broker receive time.
	Timestamp time.Time `json:"timestamp"`

	// RawValue is the integer-normalized decoded device value. Float
	// sources are multiplied by 1000 before storage so that wrap
	// detection and storage stay uniform across channel types.
	RawValue int64 `json:"raw_value"`

	// ProcessedValue is RawValue scaled into engineering units
	// (raw * scale + offset).
	ProcessedValue float64 `json:"processed_value"`

	// Rate is the windowed rate of change in engineering units per
	// second. Nil for the first reading of a channel, for bad or
	// unavailable quality, or when the window spans under a second.
	Rate *float64 `json:"rate,omitempty"`

	// Quality is the verdict assigned by the processor (or Unavailable
	// assigned upstream on read failure).
	Quality Quality `json:"quality"`

	// Unit is the engineering unit of ProcessedValue.
	Unit string `json:"unit,omitempty"`

	// Tags carries additional key-value metadata, including the "error"
	// tag on unavailable readings.
	Tags map[string]string `json:"tags,omitempty"`
}

// Key returns the device_id/channel identity used by the processor to
// track rate windows and known channel configs.
func (r *DeviceReading) Key() ChannelKey {
	return ChannelKey{DeviceID: r.DeviceID, Channel: r.Channel}
}

// WithTag returns a shallow copy of the reading with one tag added.
func (r DeviceReading) WithTag(key, value string) DeviceReading {
	tags := make(map[string]string, len(r.Tags)+1)
	for k, v := range r.Tags {
		tags[k] = v
	}
	tags[key] = value
	r.Tags = tags
	return r
}

// ChannelKey identifies one channel of one device.
type ChannelKey struct {
	DeviceID string
	Channel  uint8
}
