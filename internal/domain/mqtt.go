package domain

import (
	"fmt"
)

// PayloadFormat selects the decoder for an MQTT device's messages.
type PayloadFormat string

const (
	PayloadFormatJSON   PayloadFormat = "json"
	PayloadFormatBinary PayloadFormat = "binary"
	PayloadFormatCSV    PayloadFormat = "csv"
)

// MqttDataType determines the width and interpretation of binary payloads
// and the integer normalization applied to decoded values.
type MqttDataType string

const (
	MqttDataTypeUInt32  MqttDataType = "uint32"
	MqttDataTypeInt16   MqttDataType = "int16"
	MqttDataTypeUInt16  MqttDataType = "uint16"
	MqttDataTypeFloat32 MqttDataType = "float32"
	MqttDataTypeFloat64 MqttDataType = "float64"
)

// ByteWidth returns the payload value width in bytes.
func (d MqttDataType) ByteWidth() int {
	switch d {
	case MqttDataTypeInt16, MqttDataTypeUInt16:
		return 2
	case MqttDataTypeFloat64:
		return 8
	default:
		return 4
	}
}

// IsFloat reports whether decoded values are floating point and must be
// integer-normalized (multiplied by 1000) before storage in RawValue.
func (d MqttDataType) IsFloat() bool {
	return d == MqttDataTypeFloat32 || d == MqttDataTypeFloat64
}

// MqttDeviceConfig describes one MQTT-published sensor.
type MqttDeviceConfig struct {
	// DeviceID is the unique identifier for this device.
	DeviceID string `yaml:"device_id" json:"device_id"`

	// Enabled devices are registered with the topic router; disabled
	// devices are skipped at startup.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Topics are the MQTT topic filters this device publishes on. '+'
	// and '#' wildcards are honored.
	Topics []string `yaml:"topics" json:"topics"`

	// Format selects the payload decoder.
	Format PayloadFormat `yaml:"format" json:"format"`

	// DataType determines binary payload width and float normalization.
	DataType MqttDataType `yaml:"data_type" json:"data_type"`

	// QoS, when set, overrides the global subscription QoS (0-2).
	QoS *byte `yaml:"qos,omitempty" json:"qos,omitempty"`

	// DeviceIDPath, when set, overrides DeviceID from a JSON field
	// (dot-separated path).
	DeviceIDPath string `yaml:"device_id_path,omitempty" json:"device_id_path,omitempty"`

	// ChannelPath selects the channel from a JSON field; channel 0 when absent.
	ChannelPath string `yaml:"channel_path,omitempty" json:"channel_path,omitempty"`

	// ValuePath selects the value from a JSON field. Required for JSON payloads.
	ValuePath string `yaml:"value_path,omitempty" json:"value_path,omitempty"`

	// TimestampPath selects an ISO-8601 timestamp from a JSON field;
	// broker receive time is used when absent or unparseable.
	TimestampPath string `yaml:"timestamp_path,omitempty" json:"timestamp_path,omitempty"`

	// Scale multiplies the raw value into engineering units.
	Scale float64 `yaml:"scale" json:"scale"`

	// Unit is the engineering unit label.
	Unit string `yaml:"unit" json:"unit"`
}

// SubscriptionQoS returns the effective QoS for this device given the
// configured global QoS.
func (m *MqttDeviceConfig) SubscriptionQoS(globalQoS byte) byte {
	if m.QoS != nil {
		return *m.QoS
	}
	return globalQoS
}

// Validate checks the MQTT device configuration.
func (m *MqttDeviceConfig) Validate() error {
	if m.DeviceID == "" {
		return ErrDeviceIDRequired
	}
	if len(m.DeviceID) > 50 {
		return fmt.Errorf("%w: %q exceeds 50 characters", ErrInvalidDeviceID, m.DeviceID)
	}
	switch m.Format {
	case PayloadFormatJSON, PayloadFormatBinary, PayloadFormatCSV:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPayloadFormat, m.Format)
	}
	switch m.DataType {
	case MqttDataTypeUInt32, MqttDataTypeInt16, MqttDataTypeUInt16, MqttDataTypeFloat32, MqttDataTypeFloat64:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDataType, m.DataType)
	}
	if m.QoS != nil && *m.QoS > 2 {
		return fmt.Errorf("%w: qos %d", ErrInvalidQoS, *m.QoS)
	}
	if m.Format == PayloadFormatJSON && m.ValuePath == "" {
		return ErrValuePathRequired
	}
	if m.Scale <= 0 {
		return fmt.Errorf("%w: scale %v", ErrInvalidScale, m.Scale)
	}
	return nil
}
