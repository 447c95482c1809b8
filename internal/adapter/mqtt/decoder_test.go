package mqtt

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/nexus-edge/data-acquisition/internal/domain"
	"github.com/rs/zerolog"
)

var receivedAt = time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

func decodeDevice(format domain.PayloadFormat, dataType domain.MqttDataType) *domain.MqttDeviceConfig {
	return &domain.MqttDeviceConfig{
		DeviceID:  "sensor-1",
		Enabled:   true,
		Format:    format,
		DataType:  dataType,
		ValuePath: "value",
		Scale:     1,
		Unit:      "degC",
	}
}

func TestDecodeJSONSimple(t *testing.T) {
	d := NewDecoder(0, zerolog.Nop())
	device := decodeDevice(domain.PayloadFormatJSON, domain.MqttDataTypeFloat32)

	r, err := d.Decode(device, []byte(`{"value": 21.5}`), receivedAt)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.RawValue != 21500 {
		t.Fatalf("RawValue = %d, want 21500", r.RawValue)
	}
	if r.DeviceID != "sensor-1" || r.Channel != 0 {
		t.Fatalf("identity = %s/%d, want sensor-1/0", r.DeviceID, r.Channel)
	}
	if !r.Timestamp.Equal(receivedAt) {
		t.Fatalf("Timestamp = %v, want receive time", r.Timestamp)
	}
	if r.Unit != "degC" {
		t.Fatalf("Unit = %q, want degC", r.Unit)
	}
}

func TestDecodeJSONNestedPaths(t *testing.T) {
	d := NewDecoder(0, zerolog.Nop())
	device := decodeDevice(domain.PayloadFormatJSON, domain.MqttDataTypeFloat32)
	device.ValuePath = "payload.reading.value"
	device.ChannelPath = "payload.channel"
	device.TimestampPath = "payload.ts"
	device.DeviceIDPath = "meta.id"

	payload := []byte(`{
		"meta": {"id": "override-dev"},
		"payload": {
			"channel": 3,
			"ts": "2026-01-15T07:59:58Z",
			"reading": {"value": 1.25}
		}
	}`)
	r, err := d.Decode(device, payload, receivedAt)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.DeviceID != "override-dev" {
		t.Fatalf("DeviceID = %q, want override-dev", r.DeviceID)
	}
	if r.Channel != 3 {
		t.Fatalf("Channel = %d, want 3", r.Channel)
	}
	if r.RawValue != 1250 {
		t.Fatalf("RawValue = %d, want 1250", r.RawValue)
	}
	want := time.Date(2026, 1, 15, 7, 59, 58, 0, time.UTC)
	if !r.Timestamp.Equal(want) {
		t.Fatalf("Timestamp = %v, want %v", r.Timestamp, want)
	}
}

func TestDecodeJSONUnparseableTimestampFallsBack(t *testing.T) {
	d := NewDecoder(0, zerolog.Nop())
	device := decodeDevice(domain.PayloadFormatJSON, domain.MqttDataTypeUInt32)
	device.TimestampPath = "ts"

	r, err := d.Decode(device, []byte(`{"value": 5, "ts": "yesterday"}`), receivedAt)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !r.Timestamp.Equal(receivedAt) {
		t.Fatalf("Timestamp = %v, want receive-time fallback", r.Timestamp)
	}
}

func TestDecodeJSONRejections(t *testing.T) {
	d := NewDecoder(64, zerolog.Nop())
	device := decodeDevice(domain.PayloadFormatJSON, domain.MqttDataTypeFloat32)
	device.ChannelPath = "ch"

	tests := []struct {
		name    string
		payload string
		reason  string
	}{
		{"oversized", `{"value": 1, "pad": "` + strings.Repeat("x", 100) + `"}`, "payload_too_large"},
		{"invalid json", `{"value": `, "invalid_json"},
		{"missing value", `{"other": 1}`, "missing_value"},
		{"non-numeric value", `{"value": {"nested": true}}`, "invalid_value"},
		{"channel out of range", `{"value": 1, "ch": 300}`, "invalid_channel"},
		{"fractional channel", `{"value": 1, "ch": 1.5}`, "invalid_channel"},
	}
	for _, tt := range tests {
		_, err := d.Decode(device, []byte(tt.payload), receivedAt)
		if !errors.Is(err, domain.ErrPayloadRejected) {
			t.Errorf("%s: err = %v, want ErrPayloadRejected", tt.name, err)
			continue
		}
		if !strings.Contains(err.Error(), tt.reason) {
			t.Errorf("%s: err = %v, want reason %q", tt.name, err, tt.reason)
		}
	}
}

func TestDecodeBinaryWithChannelPrefix(t *testing.T) {
	d := NewDecoder(0, zerolog.Nop())
	device := decodeDevice(domain.PayloadFormatBinary, domain.MqttDataTypeUInt32)

	payload := make([]byte, 5)
	payload[0] = 7
	binary.BigEndian.PutUint32(payload[1:], 123456)

	r, err := d.Decode(device, payload, receivedAt)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Channel != 7 {
		t.Fatalf("Channel = %d, want 7", r.Channel)
	}
	if r.RawValue != 123456 {
		t.Fatalf("RawValue = %d, want 123456", r.RawValue)
	}
}

func TestDecodeBinaryValueOnly(t *testing.T) {
	d := NewDecoder(0, zerolog.Nop())
	device := decodeDevice(domain.PayloadFormatBinary, domain.MqttDataTypeInt16)

	payload := make([]byte, 2)
	v := int16(-42)
	binary.BigEndian.PutUint16(payload, uint16(v))

	r, err := d.Decode(device, payload, receivedAt)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Channel != 0 {
		t.Fatalf("Channel = %d, want 0", r.Channel)
	}
	if r.RawValue != -42 {
		t.Fatalf("RawValue = %d, want -42", r.RawValue)
	}
}

func TestDecodeBinaryFloatNormalized(t *testing.T) {
	d := NewDecoder(0, zerolog.Nop())
	device := decodeDevice(domain.PayloadFormatBinary, domain.MqttDataTypeFloat64)

	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, math.Float64bits(3.25))

	r, err := d.Decode(device, payload, receivedAt)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.RawValue != 3250 {
		t.Fatalf("RawValue = %d, want 3250", r.RawValue)
	}
}

func TestDecodeBinaryWrongLength(t *testing.T) {
	d := NewDecoder(0, zerolog.Nop())
	device := decodeDevice(domain.PayloadFormatBinary, domain.MqttDataTypeUInt32)

	_, err := d.Decode(device, []byte{1, 2, 3}, receivedAt)
	if !errors.Is(err, domain.ErrPayloadRejected) {
		t.Fatalf("err = %v, want ErrPayloadRejected", err)
	}
	if !strings.Contains(err.Error(), "invalid_length") {
		t.Fatalf("err = %v, want invalid_length reason", err)
	}
}

func TestDecodeCSVForms(t *testing.T) {
	d := NewDecoder(0, zerolog.Nop())
	device := decodeDevice(domain.PayloadFormatCSV, domain.MqttDataTypeFloat32)

	// value only
	r, err := d.Decode(device, []byte("21.5"), receivedAt)
	if err != nil {
		t.Fatalf("value-only: %v", err)
	}
	if r.Channel != 0 || r.RawValue != 21500 {
		t.Fatalf("value-only = ch%d raw%d, want ch0 raw21500", r.Channel, r.RawValue)
	}

	// channel,value
	r, err = d.Decode(device, []byte("2, 21.5"), receivedAt)
	if err != nil {
		t.Fatalf("channel,value: %v", err)
	}
	if r.Channel != 2 || r.RawValue != 21500 {
		t.Fatalf("channel,value = ch%d raw%d, want ch2 raw21500", r.Channel, r.RawValue)
	}

	// value,timestamp (second field parses as a timestamp)
	r, err = d.Decode(device, []byte("21.5, 2026-01-15T07:59:58Z"), receivedAt)
	if err != nil {
		t.Fatalf("value,timestamp: %v", err)
	}
	want := time.Date(2026, 1, 15, 7, 59, 58, 0, time.UTC)
	if r.Channel != 0 || !r.Timestamp.Equal(want) {
		t.Fatalf("value,timestamp = ch%d ts%v, want ch0 %v", r.Channel, r.Timestamp, want)
	}

	// channel,value,timestamp
	r, err = d.Decode(device, []byte("3, 21.5, 2026-01-15T07:59:58Z"), receivedAt)
	if err != nil {
		t.Fatalf("full form: %v", err)
	}
	if r.Channel != 3 || r.RawValue != 21500 || !r.Timestamp.Equal(want) {
		t.Fatalf("full form = ch%d raw%d ts%v", r.Channel, r.RawValue, r.Timestamp)
	}
}

func TestDecodeCSVRejections(t *testing.T) {
	d := NewDecoder(0, zerolog.Nop())
	device := decodeDevice(domain.PayloadFormatCSV, domain.MqttDataTypeFloat32)

	tests := []struct {
		payload string
		reason  string
	}{
		{"a,b,c,d", "invalid_csv"},
		{"999, 21.5", "invalid_channel"},
		{"2, abc", "invalid_value"},
		{"2, 21.5, not-a-time", "invalid_timestamp"},
	}
	for _, tt := range tests {
		_, err := d.Decode(device, []byte(tt.payload), receivedAt)
		if !errors.Is(err, domain.ErrPayloadRejected) {
			t.Errorf("%q: err = %v, want ErrPayloadRejected", tt.payload, err)
			continue
		}
		if !strings.Contains(err.Error(), tt.reason) {
			t.Errorf("%q: err = %v, want reason %q", tt.payload, err, tt.reason)
		}
	}
}

func TestDecodeIntegerTypeRounds(t *testing.T) {
	d := NewDecoder(0, zerolog.Nop())
	device := decodeDevice(domain.PayloadFormatJSON, domain.MqttDataTypeUInt32)

	r, err := d.Decode(device, []byte(`{"value": 41.7}`), receivedAt)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.RawValue != 42 {
		t.Fatalf("RawValue = %d, want 42", r.RawValue)
	}
}
