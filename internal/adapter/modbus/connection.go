// Package modbus implements the Modbus/TCP side of the acquisition
// pipeline: one connection per device with reconnect throttling, retry
// with exponential backoff, and typed register decoding.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/data-acquisition/internal/domain"
	"github.com/rs/zerolog"
)

const (
	// connectThrottle is the minimum interval between connect attempts.
	// A call inside the window returns ErrConnectThrottled without
	// touching the socket.
	connectThrottle = 5 * time.Second

	// keepAliveIdle is the TCP idle timeout handed to the transport when
	// keep-alive is enabled on the device.
	keepAliveIdle = 30 * time.Second

	// disconnectDrain gives the OS time to release the socket before the
	// next bind, avoiding EADDRINUSE on fast restart cycles.
	disconnectDrain = 100 * time.Millisecond

	// backoffBase and backoffMax bound the retry backoff
	// min(backoffBase * 2^(n-1), backoffMax).
	backoffBase = 1 * time.Second
	backoffMax  = 30 * time.Second
)

// ConnectionConfig holds per-device transport settings.
type ConnectionConfig struct {
	// Address is the host:port of the device.
	Address string

	// UnitID is the Modbus unit/slave identifier.
	UnitID uint8

	// Timeout is the per-attempt connect and response timeout.
	Timeout time.Duration

	// MaxRetries is the number of retry attempts after the initial read.
	MaxRetries int

	// KeepAlive enables idle keep-alive on the transport.
	KeepAlive bool
}

// Connection owns exactly one Modbus/TCP connection to one device. It is
// not shared across devices; a single polling task drives it, and the
// internal request mutex keeps one request outstanding at a time.
type Connection struct {
	deviceID string
	config   ConnectionConfig
	logger   zerolog.Logger

	connMu      sync.Mutex
	handler     *modbus.TCPClientHandler
	client      modbus.Client
	lastAttempt time.Time

	requestMu sync.Mutex
	connected atomic.Bool
}

// NewConnection creates a connection for one device. No socket is opened
// until Connect.
func NewConnection(deviceID string, config ConnectionConfig, logger zerolog.Logger) *Connection {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Connection{
		deviceID: deviceID,
		config:   config,
		logger: logger.With().
			Str("device_id", deviceID).
			Str("address", config.Address).
			Logger(),
	}
}

// Connect establishes the TCP connection. Attempts closer than 5 seconds
// to the previous one are throttled and return without a socket syscall.
func (c *Connection) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected.Load() {
		return nil
	}

	if since := time.Since(c.lastAttempt); since < connectThrottle {
		return fmt.Errorf("%w: next attempt in %s",
			domain.ErrConnectThrottled, (connectThrottle - since).Round(time.Millisecond))
	}
	c.lastAttempt = time.Now()

	c.logger.Debug().Msg("Connecting to Modbus device")

	handler := modbus.NewTCPClientHandler(c.config.Address)
	handler.Timeout = c.config.Timeout
	handler.SlaveId = c.config.UnitID
	if c.config.KeepAlive {
		handler.IdleTimeout = keepAliveIdle
	}

	// The transport's Connect has no context parameter; run it in a
	// goroutine so cancellation is still honored.
	connectDone := make(chan error, 1)
	go func() {
		connectDone <- handler.Connect()
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		}
	case <-ctx.Done():
		// Reap the abandoned dial: if it eventually succeeds, close the
		// socket instead of leaking it.
		go func() {
			if err := <-connectDone; err == nil {
				handler.Close()
			}
		}()
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, ctx.Err())
	}

	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.connected.Store(true)

	c.logger.Info().Msg("Connected to Modbus device")
	return nil
}

// Disconnect closes the socket and waits briefly for OS cleanup.
func (c *Connection) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.disconnectLocked()
}

func (c *Connection) disconnectLocked() error {
	if !c.connected.Load() {
		return nil
	}

	if c.handler != nil {
		if err := c.handler.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Error closing Modbus connection")
		}
	}

	c.connected.Store(false)
	c.handler = nil
	c.client = nil

	time.Sleep(disconnectDrain)

	c.logger.Debug().Msg("Disconnected from Modbus device")
	return nil
}

// IsConnected reports whether the connection is currently established.
func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

// ReadRegisters reads count registers starting at start using the
// function code implied by the register type. One request is outstanding
// at a time. Transient failures are retried up to MaxRetries with
// exponential backoff; permanent failures (illegal address) fail fast.
// The connection transitions to disconnected after the final transient
// failure so the next poll cycle reconnects.
func (c *Connection) ReadRegisters(ctx context.Context, start, count uint16, registerType domain.RegisterType) ([]byte, error) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	if !c.connected.Load() {
		return nil, domain.ErrNotConnected
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt)
			c.logger.Debug().
				Int("attempt", attempt).
				Dur("delay", delay).
				Uint16("start_register", start).
				Msg("Retrying register read")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		data, err := c.read(start, count, registerType)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if isPermanent(err) {
			return nil, fmt.Errorf("%w: %v", domain.ErrIllegalAddress, err)
		}
	}

	// Terminal transient failure: drop the connection so the poller
	// reconnects on its next cycle.
	c.connMu.Lock()
	c.disconnectLocked()
	c.connMu.Unlock()

	return nil, fmt.Errorf("%w: %v", domain.ErrReadFailed, lastErr)
}

func (c *Connection) read(start, count uint16, registerType domain.RegisterType) ([]byte, error) {
	c.connMu.Lock()
	client := c.client
	c.connMu.Unlock()

	if client == nil {
		return nil, domain.ErrNotConnected
	}

	switch registerType {
	case domain.RegisterTypeHolding:
		return client.ReadHoldingRegisters(start, count)
	case domain.RegisterTypeInput:
		return client.ReadInputRegisters(start, count)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidRegisterType, registerType)
	}
}

// backoff returns min(backoffBase * 2^(n-1), backoffMax) for retry n.
func backoff(attempt int) time.Duration {
	delay := backoffBase << uint(attempt-1)
	if delay > backoffMax || delay <= 0 {
		delay = backoffMax
	}
	return delay
}

// isPermanent reports whether the error is a Modbus protocol exception
// that retrying cannot fix (illegal function, address, or value).
func isPermanent(err error) bool {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		switch mbErr.ExceptionCode {
		case modbus.ExceptionCodeIllegalFunction,
			modbus.ExceptionCodeIllegalDataAddress,
			modbus.ExceptionCodeIllegalDataValue:
			return true
		}
	}
	return false
}
