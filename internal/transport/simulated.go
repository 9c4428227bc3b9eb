package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Responder produces the reply for one simulated exchange
type Responder func(data []byte) ([]byte, error)

// SimulatedTransport stands in for bench devices that are not wired up. It
// records every frame it receives.
type SimulatedTransport struct {
	statsRecorder
	deviceType string
	batch      bool

	mu        sync.Mutex
	connected bool
	latency   time.Duration
	respond   Responder
	failEvery int
	calls     int
	sent      [][]byte
}

// NewSimulatedTransport creates a connected simulated device that answers with response
func NewSimulatedTransport(deviceType string, response []byte) *SimulatedTransport {
	reply := append([]byte(nil), response...)
	st := &SimulatedTransport{
		deviceType: deviceType,
		connected:  true,
		respond: func([]byte) ([]byte, error) {
			return append([]byte(nil), reply...), nil
		},
	}
	st.setConnected(true)
	return st
}

// SetConnected flips the link state
func (st *SimulatedTransport) SetConnected(connected bool) {
	st.mu.Lock()
	st.connected = connected
	st.mu.Unlock()
	st.setConnected(connected)
}

// SetLatency delays every reply
func (st *SimulatedTransport) SetLatency(d time.Duration) {
	st.mu.Lock()
	st.latency = d
	st.mu.Unlock()
}

// SetResponder replaces the reply function
func (st *SimulatedTransport) SetResponder(r Responder) {
	st.mu.Lock()
	st.respond = r
	st.mu.Unlock()
}

// SetFailEvery makes every nth exchange fail with a transport error. Zero disables.
func (st *SimulatedTransport) SetFailEvery(n int) {
	st.mu.Lock()
	st.failEvery = n
	st.mu.Unlock()
}

// SetBatch toggles batch support
func (st *SimulatedTransport) SetBatch(batch bool) {
	st.mu.Lock()
	st.batch = batch
	st.mu.Unlock()
}

// Sent returns copies of every frame received so far
func (st *SimulatedTransport) Sent() [][]byte {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([][]byte, len(st.sent))
	for i, frame := range st.sent {
		out[i] = append([]byte(nil), frame...)
	}
	return out
}

// Calls returns the number of exchanges attempted while connected
func (st *SimulatedTransport) Calls() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.calls
}

// Open reconnects the simulated link
func (st *SimulatedTransport) Open(ctx context.Context) error {
	st.SetConnected(true)
	return nil
}

// Close disconnects the simulated link
func (st *SimulatedTransport) Close() error {
	st.SetConnected(false)
	return nil
}

func (st *SimulatedTransport) IsConnected() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.connected
}

func (st *SimulatedTransport) DeviceType() string { return st.deviceType }

func (st *SimulatedTransport) SupportsBatchCommands() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.batch
}

// Stats returns link statistics
func (st *SimulatedTransport) Stats() Stats { return st.snapshot() }

var errSimulatedFailure = errors.New("simulated transport failure")

// SendAndReceive records data and answers after the configured latency
func (st *SimulatedTransport) SendAndReceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	st.mu.Lock()
	if !st.connected {
		st.mu.Unlock()
		return nil, ErrNotConnected
	}
	st.calls++
	call := st.calls
	st.sent = append(st.sent, append([]byte(nil), data...))
	latency, respond, failEvery := st.latency, st.respond, st.failEvery
	st.mu.Unlock()

	start := time.Now()
	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()

		select {
		case <-timer.C:
		case <-deadline.C:
			err := fmt.Errorf("%w: no response after %v", ErrTimeout, timeout)
			st.recordError(err)
			return nil, err
		case <-ctx.Done():
			st.recordError(ctx.Err())
			return nil, ctx.Err()
		}
	}

	if failEvery > 0 && call%failEvery == 0 {
		st.recordError(errSimulatedFailure)
		return nil, errSimulatedFailure
	}

	response, err := respond(data)
	if err != nil {
		st.recordError(err)
		return nil, err
	}
	st.recordExchange(len(data), len(response), time.Since(start))
	return response, nil
}
