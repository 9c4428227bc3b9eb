// internal/transport/tcp.go
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TCPConfig represents TCP connection configuration
type TCPConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	KeepAlive      bool          `json:"keep_alive"`
	BufferSize     int           `json:"buffer_size"`
	Terminator     []byte        `json:"terminator"`
}

// TCPTransport talks to single-board computers over a persistent socket
type TCPTransport struct {
	statsRecorder
	config     *TCPConfig
	deviceType string
	batch      bool
	conn       net.Conn
	logger     *zap.Logger
	mutex      sync.Mutex
}

// NewTCPTransport creates a TCP transport. The connection is dialled by Open.
func NewTCPTransport(config *TCPConfig, deviceType string, batch bool, logger *zap.Logger) *TCPTransport {
	return &TCPTransport{
		config:     config,
		deviceType: deviceType,
		batch:      batch,
		logger: logger.With(
			zap.String("transport", "tcp"),
			zap.String("host", config.Host),
			zap.Int("port", config.Port),
		),
	}
}

func (tt *TCPTransport) address() string {
	return net.JoinHostPort(tt.config.Host, fmt.Sprint(tt.config.Port))
}

// Open dials the device
func (tt *TCPTransport) Open(ctx context.Context) error {
	tt.mutex.Lock()
	defer tt.mutex.Unlock()

	if tt.conn != nil {
		return nil
	}

	dialer := &net.Dialer{Timeout: tt.config.ConnectTimeout}
	if tt.config.KeepAlive {
		dialer.KeepAlive = 30 * time.Second
	} else {
		dialer.KeepAlive = -1
	}

	address := tt.address()
	tt.logger.Info("Opening TCP connection", zap.String("address", address))

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		tt.logger.Error("Failed to open TCP connection", zap.Error(err))
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	tt.conn = conn
	tt.setConnected(true)

	tt.logger.Info("TCP connection opened successfully")
	return nil
}

// Close closes the connection
func (tt *TCPTransport) Close() error {
	tt.mutex.Lock()
	defer tt.mutex.Unlock()
	return tt.closeLocked()
}

func (tt *TCPTransport) closeLocked() error {
	if tt.conn == nil {
		return nil
	}

	err := tt.conn.Close()
	tt.conn = nil
	tt.setConnected(false)

	if err != nil {
		return fmt.Errorf("failed to close TCP connection: %w", err)
	}
	tt.logger.Info("TCP connection closed successfully")
	return nil
}

// IsConnected returns whether the socket is open
func (tt *TCPTransport) IsConnected() bool {
	tt.mutex.Lock()
	defer tt.mutex.Unlock()
	return tt.conn != nil
}

// DeviceType returns the device type behind this socket
func (tt *TCPTransport) DeviceType() string { return tt.deviceType }

// SupportsBatchCommands reports whether the device accepts batch frames
func (tt *TCPTransport) SupportsBatchCommands() bool { return tt.batch }

// Stats returns link statistics
func (tt *TCPTransport) Stats() Stats { return tt.snapshot() }

// SendAndReceive writes data and reads the reply under a single deadline
func (tt *TCPTransport) SendAndReceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	tt.mutex.Lock()
	defer tt.mutex.Unlock()

	if tt.conn == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn := tt.conn
	timeout = effectiveTimeout(ctx, timeout)
	start := time.Now()
	if err := conn.SetDeadline(start.Add(timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	// unblock the socket if the caller gives up first
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(data); err != nil {
		return nil, tt.fail(ctx, err, timeout)
	}

	response, err := tt.readFrame()
	if err != nil {
		return nil, tt.fail(ctx, err, timeout)
	}

	tt.recordExchange(len(data), len(response), time.Since(start))
	tt.logger.Debug("TCP exchange completed",
		zap.Int("written", len(data)),
		zap.Int("read", len(response)),
	)
	return response, nil
}

func (tt *TCPTransport) readFrame() ([]byte, error) {
	size := tt.config.BufferSize
	if size <= 0 {
		size = 4096
	}
	buffer := make([]byte, size)
	var frame []byte

	for {
		n, err := tt.conn.Read(buffer)
		frame = append(frame, buffer[:n]...)
		if len(tt.config.Terminator) == 0 && n > 0 {
			return frame, nil
		}
		if idx := bytes.Index(frame, tt.config.Terminator); len(tt.config.Terminator) > 0 && idx >= 0 {
			return frame[:idx+len(tt.config.Terminator)], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// fail classifies err and drops the connection so the next attempt redials.
// A late reply on the old socket would otherwise be read as the next response.
func (tt *TCPTransport) fail(ctx context.Context, err error, timeout time.Duration) error {
	defer tt.closeLocked()

	if ctxErr := ctx.Err(); ctxErr != nil {
		tt.recordError(ctxErr)
		return ctxErr
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		err = fmt.Errorf("%w: no response after %v", ErrTimeout, timeout)
		tt.recordError(err)
		return err
	}

	tt.recordError(err)
	tt.logger.Error("TCP exchange failed", zap.Error(err))
	return fmt.Errorf("tcp exchange with %s: %w", tt.address(), err)
}
