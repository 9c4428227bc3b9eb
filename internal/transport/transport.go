// Package transport contains the device links commands are written to.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout is wrapped by every transport when no response arrives in time
	ErrTimeout = errors.New("transport timeout")
	// ErrNotConnected is returned when the link is down
	ErrNotConnected = errors.New("transport not connected")
)

// Transport is a request/response link to one device
type Transport interface {
	IsConnected() bool
	DeviceType() string
	// SendAndReceive writes data and waits at most timeout for the reply.
	SendAndReceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error)
	SupportsBatchCommands() bool
	Close() error
}

// Opener is implemented by transports that can (re)establish their link
type Opener interface {
	Open(ctx context.Context) error
}

// StatsProvider is implemented by transports that track link statistics
type StatsProvider interface {
	Stats() Stats
}

// Stats provides link-level statistics
type Stats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	OperationCount int64         `json:"operation_count"`
	ErrorCount     int64         `json:"error_count"`
	TimeoutCount   int64         `json:"timeout_count"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
	IsConnected    bool          `json:"is_connected"`
}

// statsRecorder is embedded by the concrete transports
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func (r *statsRecorder) recordExchange(written, read int, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.BytesWritten += int64(written)
	r.stats.BytesRead += int64(read)
	r.stats.OperationCount++
	r.stats.LastActivity = time.Now()
	if r.stats.AverageLatency == 0 {
		r.stats.AverageLatency = latency
	} else {
		r.stats.AverageLatency = (r.stats.AverageLatency + latency) / 2
	}
}

func (r *statsRecorder) recordError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.ErrorCount++
	if errors.Is(err, ErrTimeout) {
		r.stats.TimeoutCount++
	}
}

func (r *statsRecorder) setConnected(connected bool) {
	r.mu.Lock()
	r.stats.IsConnected = connected
	if connected {
		r.stats.LastActivity = time.Now()
	}
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// effectiveTimeout tightens timeout to the context deadline, if sooner
func effectiveTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout || timeout <= 0 {
			return remaining
		}
	}
	return timeout
}
