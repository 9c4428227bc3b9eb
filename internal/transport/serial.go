// internal/transport/serial.go
package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// SerialConfig represents serial connection configuration
type SerialConfig struct {
	Port       string        `json:"port"`
	BaudRate   int           `json:"baud_rate"`
	DataBits   int           `json:"data_bits"`
	StopBits   int           `json:"stop_bits"`
	Parity     string        `json:"parity"`
	Terminator []byte        `json:"terminator"`
	Timeout    time.Duration `json:"timeout"`
}

// serialPort is the part of serial.Port the transport needs
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// openSerialPort is replaced in tests
var openSerialPort = func(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

// SerialTransport talks to microcontrollers over UART or USB-CDC
type SerialTransport struct {
	statsRecorder
	config     *SerialConfig
	deviceType string
	batch      bool
	port       serialPort
	logger     *zap.Logger
	mutex      sync.Mutex
	isOpen     bool
}

// NewSerialTransport creates a serial transport. The port is opened by Open.
func NewSerialTransport(config *SerialConfig, deviceType string, batch bool, logger *zap.Logger) *SerialTransport {
	return &SerialTransport{
		config:     config,
		deviceType: deviceType,
		batch:      batch,
		logger: logger.With(
			zap.String("transport", "serial"),
			zap.String("port", config.Port),
		),
	}
}

// Open opens the serial port
func (st *SerialTransport) Open(ctx context.Context) error {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if st.isOpen {
		return nil
	}

	st.logger.Info("Opening serial port",
		zap.String("port", st.config.Port),
		zap.Int("baud_rate", st.config.BaudRate),
	)

	mode := &serial.Mode{
		BaudRate: st.config.BaudRate,
		DataBits: st.config.DataBits,
		StopBits: stopBits(st.config.StopBits),
		Parity:   parity(st.config.Parity),
	}

	port, err := openSerialPort(st.config.Port, mode)
	if err != nil {
		st.logger.Error("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	st.port = port
	st.isOpen = true
	st.setConnected(true)

	st.logger.Info("Serial port opened successfully")
	return nil
}

func stopBits(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

func parity(p string) serial.Parity {
	switch p {
	case "odd", "O":
		return serial.OddParity
	case "even", "E":
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

// Close closes the serial port
func (st *SerialTransport) Close() error {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	return st.closeLocked()
}

func (st *SerialTransport) closeLocked() error {
	if !st.isOpen || st.port == nil {
		return nil
	}

	err := st.port.Close()
	st.port = nil
	st.isOpen = false
	st.setConnected(false)

	if err != nil {
		st.logger.Error("Failed to close serial port", zap.Error(err))
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	st.logger.Info("Serial port closed successfully")
	return nil
}

// IsConnected returns whether the port is open
func (st *SerialTransport) IsConnected() bool {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	return st.isOpen && st.port != nil
}

// DeviceType returns the device type behind this port
func (st *SerialTransport) DeviceType() string { return st.deviceType }

// SupportsBatchCommands reports whether the firmware accepts batch frames
func (st *SerialTransport) SupportsBatchCommands() bool { return st.batch }

// Stats returns link statistics
func (st *SerialTransport) Stats() Stats { return st.snapshot() }

// SendAndReceive writes one frame and reads until the terminator arrives
func (st *SerialTransport) SendAndReceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if !st.isOpen || st.port == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout = effectiveTimeout(ctx, timeout)
	start := time.Now()
	deadline := start.Add(timeout)

	// stale bytes from an earlier timed-out exchange would be read as this reply
	if err := st.port.ResetInputBuffer(); err != nil {
		st.logger.Warn("Failed to reset serial input buffer", zap.Error(err))
	}

	n, err := st.port.Write(data)
	if err != nil {
		st.recordError(err)
		st.logger.Error("Serial write failed", zap.Error(err))
		// a write error usually means the device was unplugged
		_ = st.closeLocked()
		return nil, fmt.Errorf("failed to write to serial port: %w", err)
	}
	if n != len(data) {
		err := fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
		st.recordError(err)
		return nil, err
	}

	response, err := st.readFrame(ctx, deadline, timeout)
	if err != nil {
		st.recordError(err)
		return nil, err
	}

	st.recordExchange(len(data), len(response), time.Since(start))
	st.logger.Debug("Serial exchange completed",
		zap.Int("written", len(data)),
		zap.Int("read", len(response)),
	)
	return response, nil
}

// readFrame reads until the terminator, or the first chunk when none is configured
func (st *SerialTransport) readFrame(ctx context.Context, deadline time.Time, timeout time.Duration) ([]byte, error) {
	var frame []byte
	buffer := make([]byte, 256)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: no complete response after %v", ErrTimeout, timeout)
		}
		if err := st.port.SetReadTimeout(remaining); err != nil {
			return nil, fmt.Errorf("failed to set read timeout: %w", err)
		}

		n, err := st.port.Read(buffer)
		if err != nil {
			return nil, fmt.Errorf("failed to read from serial port: %w", err)
		}
		if n == 0 {
			// go.bug.st/serial reports a read timeout as zero bytes
			return nil, fmt.Errorf("%w: no complete response after %v", ErrTimeout, timeout)
		}
		frame = append(frame, buffer[:n]...)

		if len(st.config.Terminator) == 0 {
			return frame, nil
		}
		if idx := bytes.Index(frame, st.config.Terminator); idx >= 0 {
			return frame[:idx+len(st.config.Terminator)], nil
		}
	}
}

