package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nexus-edge/data-acquisition/internal/domain"
)

// floatScale is the fixed-point factor applied to decoded floats so that
// RawValue stays integer. Three decimal places are preserved; the channel
// scale recovers the physical unit downstream.
const floatScale = 1000

// DecodeRegisters converts raw register bytes into the integer-normalized
// raw value for the given data type. The byte slice is as returned by the
// Modbus transport: big-endian within each 16-bit register.
//
// Word order differs per type: counters and Int32 are transmitted low word
// first, Float32 is straight big-endian IEEE-754.
func DecodeRegisters(data []byte, dataType domain.DataType) (int64, error) {
	need := int(dataType.RegisterCount()) * 2
	if len(data) < need {
		return 0, fmt.Errorf("%w: got %d bytes, need %d for %s",
			domain.ErrReadFailed, len(data), need, dataType)
	}

	switch dataType {
	case domain.DataTypeUInt32Counter:
		low := binary.BigEndian.Uint16(data[0:2])
		high := binary.BigEndian.Uint16(data[2:4])
		return int64(uint32(high)<<16 | uint32(low)), nil

	case domain.DataTypeInt32:
		low := binary.BigEndian.Uint16(data[0:2])
		high := binary.BigEndian.Uint16(data[2:4])
		return int64(int32(uint32(high)<<16 | uint32(low))), nil

	case domain.DataTypeInt16:
		return int64(int16(binary.BigEndian.Uint16(data[0:2]))), nil

	case domain.DataTypeUInt16:
		return int64(binary.BigEndian.Uint16(data[0:2])), nil

	case domain.DataTypeFloat32:
		bits := binary.BigEndian.Uint32(data[0:4])
		f := math.Float32frombits(bits)
		return int64(math.Round(float64(f) * floatScale)), nil

	default:
		return 0, fmt.Errorf("%w: %q", domain.ErrInvalidDataType, dataType)
	}
}

// EncodeUInt32 encodes a 32-bit counter value into register bytes, low
// word first.
func EncodeUInt32(v uint32) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], uint16(v&0xFFFF))
	binary.BigEndian.PutUint16(data[2:4], uint16(v>>16))
	return data
}

// EncodeInt32 encodes a signed 32-bit value into register bytes, low word
// first.
func EncodeInt32(v int32) []byte {
	return EncodeUInt32(uint32(v))
}

// EncodeFloat32 encodes an IEEE-754 float into register bytes, big-endian.
func EncodeFloat32(f float32) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, math.Float32bits(f))
	return data
}

// EncodeUInt16 encodes a single-register unsigned value.
func EncodeUInt16(v uint16) []byte {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, v)
	return data
}

// EncodeInt16 encodes a single-register signed value.
func EncodeInt16(v int16) []byte {
	return EncodeUInt16(uint16(v))
}
