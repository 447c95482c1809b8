package mqtt

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nexus-edge/data-acquisition/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultMaxPayloadBytes caps JSON payloads before parsing.
const DefaultMaxPayloadBytes = 1 << 20

// floatScale matches the Modbus side: decoded floats are multiplied into
// the integer domain with three decimal places preserved.
const floatScale = 1000

// Decoder turns raw MQTT payloads into readings according to the matched
// device's format. At most one reading per message; anything else is a
// rejection with a reason.
type Decoder struct {
	maxPayloadBytes int
	logger          zerolog.Logger
}

// NewDecoder creates a decoder. maxPayloadBytes <= 0 selects the default
// 1 MiB cap.
func NewDecoder(maxPayloadBytes int, logger zerolog.Logger) *Decoder {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Decoder{
		maxPayloadBytes: maxPayloadBytes,
		logger:          logger.With().Str("component", "payload-decoder").Logger(),
	}
}

// Decode produces one reading from the payload, or a rejection error.
// Scale is applied later by the processor; decoding stays mechanical.
func (d *Decoder) Decode(device *domain.MqttDeviceConfig, payload []byte, receivedAt time.Time) (domain.DeviceReading, error) {
	switch device.Format {
	case domain.PayloadFormatJSON:
		return d.decodeJSON(device, payload, receivedAt)
	case domain.PayloadFormatBinary:
		return d.decodeBinary(device, payload, receivedAt)
	case domain.PayloadFormatCSV:
		return d.decodeCSV(device, payload, receivedAt)
	default:
		return domain.DeviceReading{}, fmt.Errorf("%w: unknown format %q", domain.ErrPayloadRejected, device.Format)
	}
}

func (d *Decoder) decodeJSON(device *domain.MqttDeviceConfig, payload []byte, receivedAt time.Time) (domain.DeviceReading, error) {
	if len(payload) > d.maxPayloadBytes {
		return domain.DeviceReading{}, fmt.Errorf("%w: payload_too_large: %d bytes", domain.ErrPayloadRejected, len(payload))
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return domain.DeviceReading{}, fmt.Errorf("%w: invalid_json: %v", domain.ErrPayloadRejected, err)
	}

	rawField, ok := lookupPath(doc, device.ValuePath)
	if !ok {
		return domain.DeviceReading{}, fmt.Errorf("%w: missing_value: path %q", domain.ErrPayloadRejected, device.ValuePath)
	}
	value, err := numericValue(rawField)
	if err != nil {
		return domain.DeviceReading{}, fmt.Errorf("%w: invalid_value: %v", domain.ErrPayloadRejected, err)
	}

	channel := uint8(0)
	if device.ChannelPath != "" {
		if chField, ok := lookupPath(doc, device.ChannelPath); ok {
			ch, err := numericValue(chField)
			if err != nil || ch < 0 || ch > 255 || ch != math.Trunc(ch) {
				return domain.DeviceReading{}, fmt.Errorf("%w: invalid_channel: %v", domain.ErrPayloadRejected, chField)
			}
			channel = uint8(ch)
		}
	}

	deviceID := device.DeviceID
	if device.DeviceIDPath != "" {
		if idField, ok := lookupPath(doc, device.DeviceIDPath); ok {
			if id, ok := idField.(string); ok && id != "" {
				deviceID = id
			}
		}
	}

	timestamp := receivedAt
	if device.TimestampPath != "" {
		if tsField, ok := lookupPath(doc, device.TimestampPath); ok {
			if s, ok := tsField.(string); ok {
				if ts, err := parseTimestamp(s); err == nil {
					timestamp = ts
				}
			}
		}
	}

	return domain.DeviceReading{
		DeviceID:  deviceID,
		Channel:   channel,
		Timestamp: timestamp,
		RawValue:  normalize(value, device.DataType),
		Quality:   domain.QualityGood,
		Unit:      device.Unit,
	}, nil
}

func (d *Decoder) decodeBinary(device *domain.MqttDeviceConfig, payload []byte, receivedAt time.Time) (domain.DeviceReading, error) {
	width := device.DataType.ByteWidth()

	var channel uint8
	var valueBytes []byte

	switch len(payload) {
	case width:
		valueBytes = payload
	case width + 1:
		channel = payload[0]
		valueBytes = payload[1:]
	default:
		return domain.DeviceReading{}, fmt.Errorf("%w: invalid_length: %d bytes for %s",
			domain.ErrPayloadRejected, len(payload), device.DataType)
	}

	var raw int64
	switch device.DataType {
	case domain.MqttDataTypeUInt32:
		raw = int64(binary.BigEndian.Uint32(valueBytes))
	case domain.MqttDataTypeInt16:
		raw = int64(int16(binary.BigEndian.Uint16(valueBytes)))
	case domain.MqttDataTypeUInt16:
		raw = int64(binary.BigEndian.Uint16(valueBytes))
	case domain.MqttDataTypeFloat32:
		f := math.Float32frombits(binary.BigEndian.Uint32(valueBytes))
		raw = int64(math.Round(float64(f) * floatScale))
	case domain.MqttDataTypeFloat64:
		f := math.Float64frombits(binary.BigEndian.Uint64(valueBytes))
		raw = int64(math.Round(f * floatScale))
	default:
		return domain.DeviceReading{}, fmt.Errorf("%w: unknown data type %q", domain.ErrPayloadRejected, device.DataType)
	}

	return domain.DeviceReading{
		DeviceID:  device.DeviceID,
		Channel:   channel,
		Timestamp: receivedAt,
		RawValue:  raw,
		Quality:   domain.QualityGood,
		Unit:      device.Unit,
	}, nil
}

func (d *Decoder) decodeCSV(device *domain.MqttDeviceConfig, payload []byte, receivedAt time.Time) (domain.DeviceReading, error) {
	fields := strings.Split(string(payload), ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	var channelField, valueField, tsField string
	switch len(fields) {
	case 1:
		valueField = fields[0]
	case 2:
		// Either "channel,value" or "value,timestamp"; a parseable
		// timestamp in the second field decides.
		if _, err := parseTimestamp(fields[1]); err == nil {
			valueField, tsField = fields[0], fields[1]
		} else {
			channelField, valueField = fields[0], fields[1]
		}
	case 3:
		channelField, valueField, tsField = fields[0], fields[1], fields[2]
	default:
		return domain.DeviceReading{}, fmt.Errorf("%w: invalid_csv: %d fields", domain.ErrPayloadRejected, len(fields))
	}

	channel := uint8(0)
	if channelField != "" {
		ch, err := strconv.ParseUint(channelField, 10, 8)
		if err != nil {
			return domain.DeviceReading{}, fmt.Errorf("%w: invalid_channel: %q", domain.ErrPayloadRejected, channelField)
		}
		channel = uint8(ch)
	}

	value, err := strconv.ParseFloat(valueField, 64)
	if err != nil {
		return domain.DeviceReading{}, fmt.Errorf("%w: invalid_value: %q", domain.ErrPayloadRejected, valueField)
	}

	timestamp := receivedAt
	if tsField != "" {
		ts, err := parseTimestamp(tsField)
		if err != nil {
			return domain.DeviceReading{}, fmt.Errorf("%w: invalid_timestamp: %q", domain.ErrPayloadRejected, tsField)
		}
		timestamp = ts
	}

	return domain.DeviceReading{
		DeviceID:  device.DeviceID,
		Channel:   channel,
		Timestamp: timestamp,
		RawValue:  normalize(value, device.DataType),
		Quality:   domain.QualityGood,
		Unit:      device.Unit,
	}, nil
}

// lookupPath resolves a dot-separated path into a decoded JSON document.
func lookupPath(doc map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	var current interface{} = doc
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// numericValue coerces a decoded JSON field into a float64.
func numericValue(field interface{}) (float64, error) {
	switch v := field.(type) {
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(v, 64)
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("not numeric: %T", field)
	}
}

// normalize converts a decoded value into the integer raw domain. Float
// types keep three decimal places via the fixed-point factor.
func normalize(value float64, dataType domain.MqttDataType) int64 {
	if dataType.IsFloat() {
		return int64(math.Round(value * floatScale))
	}
	return int64(math.Round(value))
}

// parseTimestamp accepts RFC3339 with or without sub-second precision.
func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
