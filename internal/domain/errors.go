package domain

import "errors"

// Configuration errors. These are permanent: they abort startup and are
// never retried.
var (
	ErrDeviceIDRequired     = errors.New("device id is required")
	ErrInvalidDeviceID      = errors.New("invalid device id")
	ErrInvalidAddress       = errors.New("invalid device address")
	ErrInvalidUnitID        = errors.New("unit id must be 1-255")
	ErrInvalidInterval      = errors.New("poll interval out of range")
	ErrInvalidTimeout       = errors.New("timeout out of range")
	ErrInvalidRetries       = errors.New("max retries out of range")
	ErrNoChannelsDefined    = errors.New("device has no channels")
	ErrDuplicateChannel     = errors.New("duplicate channel number")
	ErrDuplicateDevice      = errors.New("duplicate device id")
	ErrInvalidRegisterCount = errors.New("invalid register count")
	ErrInvalidRegisterType  = errors.New("invalid register type")
	ErrInvalidDataType      = errors.New("invalid data type")
	ErrInvalidScale         = errors.New("scale must be positive")
	ErrInvalidRateWindow    = errors.New("rate window out of range")
	ErrInvalidPayloadFormat = errors.New("invalid payload format")
	ErrInvalidQoS           = errors.New("qos must be 0-2")
	ErrValuePathRequired    = errors.New("value_path is required for json payloads")
)

// Runtime errors.
var (
	// ErrDeviceNotFound is returned by pool operations on unknown devices.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceExists is returned when adding a device id already in the pool.
	ErrDeviceExists = errors.New("device already registered")

	// ErrNotConnected is returned by reads on a disconnected Modbus connection.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectThrottled is returned when a connect attempt comes less
	// than the throttle interval after the previous one. The socket is
	// not touched.
	ErrConnectThrottled = errors.New("connect throttled")

	// ErrConnectionFailed wraps transport-level connect failures.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrReadFailed wraps terminal register read failures.
	ErrReadFailed = errors.New("register read failed")

	// ErrIllegalAddress wraps Modbus illegal data address/value
	// exceptions. Permanent: never retried.
	ErrIllegalAddress = errors.New("illegal data address")

	// ErrPayloadRejected wraps payload decode rejections.
	ErrPayloadRejected = errors.New("payload rejected")

	// ErrStorageClosed is returned when posting to a stopped storage pipeline.
	ErrStorageClosed = errors.New("storage pipeline closed")

	// ErrQueueFull is returned by the dead-letter queue when the disk
	// cannot accept more records.
	ErrQueueFull = errors.New("dead-letter queue full")
)
