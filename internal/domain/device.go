package domain

import (
	"fmt"
	"net"
	"time"
)

// RegisterType selects the Modbus function code used for a read.
type RegisterType string

const (
	// RegisterTypeHolding reads with function code 03.
	RegisterTypeHolding RegisterType = "holding"

	// RegisterTypeInput reads with function code 04.
	RegisterTypeInput RegisterType = "input"
)

// DataType determines register count, byte order and decoding of a channel.
type DataType string

const (
	// DataTypeUInt32Counter is two registers, low word first. Subject to
	// 32-bit wraparound adjustment in rate calculation.
	DataTypeUInt32Counter DataType = "uint32_counter"

	// DataTypeInt16 is one register, signed.
	DataTypeInt16 DataType = "int16"

	// DataTypeUInt16 is one register, unsigned. Subject to 16-bit
	// wraparound adjustment in rate calculation.
	DataTypeUInt16 DataType = "uint16"

	// DataTypeFloat32 is two registers, big-endian IEEE-754. The decoded
	// float is normalized to an integer by multiplying by 1000.
	DataTypeFloat32 DataType = "float32"

	// DataTypeInt32 is two registers, low word first, signed.
	DataTypeInt32 DataType = "int32"
)

// RegisterCount returns the number of 16-bit registers the type occupies.
func (d DataType) RegisterCount() uint16 {
	switch d {
	case DataTypeInt16, DataTypeUInt16:
		return 1
	default:
		return 2
	}
}

// WrapModulus returns the counter modulus for wrap detection, or 0 for
// types that do not wrap.
func (d DataType) WrapModulus() int64 {
	switch d {
	case DataTypeUInt32Counter:
		return 1 << 32
	case DataTypeUInt16:
		return 1 << 16
	default:
		return 0
	}
}

// DeviceConfig describes one Modbus/TCP device and its channels.
type DeviceConfig struct {
	// DeviceID is the unique identifier for this device (max 50 chars).
	DeviceID string `yaml:"device_id" json:"device_id"`

	// IP is the device address.
	IP string `yaml:"ip" json:"ip"`

	// Port is the Modbus/TCP port (default 502).
	Port int `yaml:"port" json:"port"`

	// UnitID is the Modbus unit/slave identifier (1-255).
	UnitID uint8 `yaml:"unit_id" json:"unit_id"`

	// PollIntervalMs is the polling cadence (100-300000).
	PollIntervalMs int `yaml:"poll_interval_ms" json:"poll_interval_ms"`

	// TimeoutMs is the per-attempt read timeout (500-30000).
	TimeoutMs int `yaml:"timeout_ms" json:"timeout_ms"`

	// MaxRetries is the number of retry attempts on transient failures (0-10).
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// KeepAlive enables TCP keep-alive on the connection.
	KeepAlive bool `yaml:"keep_alive" json:"keep_alive"`

	// Channels are the register ranges read each poll cycle.
	Channels []ChannelConfig `yaml:"channels" json:"channels"`
}

// Address returns the host:port dial target for the device.
func (d *DeviceConfig) Address() string {
	return net.JoinHostPort(d.IP, fmt.Sprintf("%d", d.Port))
}

// PollInterval returns the polling cadence as a duration.
func (d *DeviceConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

// Timeout returns the per-attempt read timeout as a duration.
func (d *DeviceConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// Validate checks the device configuration against the allowed ranges.
func (d *DeviceConfig) Validate() error {
	if d.DeviceID == "" {
		return ErrDeviceIDRequired
	}
	if len(d.DeviceID) > 50 {
		return fmt.Errorf("%w: %q exceeds 50 characters", ErrInvalidDeviceID, d.DeviceID)
	}
	if net.ParseIP(d.IP) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, d.IP)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidAddress, d.Port)
	}
	if d.UnitID < 1 {
		return ErrInvalidUnitID
	}
	if d.PollIntervalMs < 100 || d.PollIntervalMs > 300000 {
		return fmt.Errorf("%w: poll_interval_ms %d", ErrInvalidInterval, d.PollIntervalMs)
	}
	if d.TimeoutMs < 500 || d.TimeoutMs > 30000 {
		return fmt.Errorf("%w: timeout_ms %d", ErrInvalidTimeout, d.TimeoutMs)
	}
	if d.MaxRetries < 0 || d.MaxRetries > 10 {
		return fmt.Errorf("%w: max_retries %d", ErrInvalidRetries, d.MaxRetries)
	}
	if len(d.Channels) == 0 {
		return ErrNoChannelsDefined
	}
	seen := make(map[uint8]bool, len(d.Channels))
	for i := range d.Channels {
		ch := &d.Channels[i]
		if seen[ch.ChannelNumber] {
			return fmt.Errorf("%w: channel %d on device %q", ErrDuplicateChannel, ch.ChannelNumber, d.DeviceID)
		}
		seen[ch.ChannelNumber] = true
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("device %q channel %d: %w", d.DeviceID, ch.ChannelNumber, err)
		}
	}
	return nil
}

// ChannelConfig describes one register range on a Modbus device.
type ChannelConfig struct {
	// ChannelNumber identifies the channel within the device (0-255).
	ChannelNumber uint8 `yaml:"channel_number" json:"channel_number"`

	// StartRegister is the first register address (0-65535).
	StartRegister uint16 `yaml:"start_register" json:"start_register"`

	// RegisterCount is the number of consecutive registers (1-4). They
	// are read in a single Modbus request.
	RegisterCount uint16 `yaml:"register_count" json:"register_count"`

	// RegisterType selects holding (FC03) or input (FC04) registers.
	RegisterType RegisterType `yaml:"register_type" json:"register_type"`

	// DataType determines decoding and wrap behavior.
	DataType DataType `yaml:"data_type" json:"data_type"`

	// Scale multiplies the raw value into engineering units (> 0).
	Scale float64 `yaml:"scale" json:"scale"`

	// Offset is added after scaling.
	Offset float64 `yaml:"offset" json:"offset"`

	// Unit is the engineering unit label.
	Unit string `yaml:"unit" json:"unit"`

	// Min, when set, marks readings below it as bad quality.
	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`

	// Max, when set, marks readings above it as bad quality.
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`

	// MaxChangeRate, when set, marks readings whose absolute rate
	// exceeds it as degraded quality.
	MaxChangeRate *float64 `yaml:"max_change_rate,omitempty" json:"max_change_rate,omitempty"`

	// RateWindowSeconds is the moving window used for rate calculation
	// (10-1800, default 60).
	RateWindowSeconds int `yaml:"rate_window_seconds" json:"rate_window_seconds"`
}

// RateWindow returns the configured rate window as a duration.
func (c *ChannelConfig) RateWindow() time.Duration {
	return time.Duration(c.RateWindowSeconds) * time.Second
}

// Validate checks the channel configuration against the allowed ranges.
func (c *ChannelConfig) Validate() error {
	if c.RegisterCount < 1 || c.RegisterCount > 4 {
		return fmt.Errorf("%w: register_count %d", ErrInvalidRegisterCount, c.RegisterCount)
	}
	switch c.RegisterType {
	case RegisterTypeHolding, RegisterTypeInput:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRegisterType, c.RegisterType)
	}
	switch c.DataType {
	case DataTypeUInt32Counter, DataTypeInt16, DataTypeUInt16, DataTypeFloat32, DataTypeInt32:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDataType, c.DataType)
	}
	if c.RegisterCount < c.DataType.RegisterCount() {
		return fmt.Errorf("%w: %q needs %d registers, got %d",
			ErrInvalidRegisterCount, c.DataType, c.DataType.RegisterCount(), c.RegisterCount)
	}
	if c.Scale <= 0 {
		return fmt.Errorf("%w: scale %v", ErrInvalidScale, c.Scale)
	}
	if c.RateWindowSeconds < 10 || c.RateWindowSeconds > 1800 {
		return fmt.Errorf("%w: rate_window_seconds %d", ErrInvalidRateWindow, c.RateWindowSeconds)
	}
	return nil
}
