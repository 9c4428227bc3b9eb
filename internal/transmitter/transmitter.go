// Package transmitter delivers commands to registered device transports with
// per-device serialization and bounded retry.
package transmitter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"device-command-service/internal/model"
	"device-command-service/internal/serializer"
	"device-command-service/internal/transport"
	"device-command-service/internal/utils"
)

// StatusHook observes in-flight status transitions
type StatusHook func(cmd *model.DeviceCommand, from, to model.CommandStatus)

// Option configures a Transmitter
type Option func(*Transmitter)

// WithBackoff replaces the default retry schedule
func WithBackoff(b Backoff) Option {
	return func(t *Transmitter) { t.backoff = b.normalized() }
}

// WithSleeper replaces the wait between attempts
func WithSleeper(s Sleeper) Option {
	return func(t *Transmitter) { t.sleep = s }
}

// WithRand replaces the jitter source. r must return values in [0, 1).
func WithRand(r func() float64) Option {
	return func(t *Transmitter) { t.rand = r }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Transmitter) { t.now = now }
}

// Transmitter owns the transport registry and the per-device transmission slots
type Transmitter struct {
	serializer *serializer.Serializer
	backoff    Backoff
	sleep      Sleeper
	rand       func() float64
	now        func() time.Time
	logger     *zap.Logger

	mu         sync.RWMutex
	transports map[string]transport.Transport
	slots      map[string]chan struct{}
	stats      map[string]*DeviceStatistics

	hookMu sync.RWMutex
	hooks  []StatusHook
}

// New creates a transmitter that encodes with s
func New(s *serializer.Serializer, logger *zap.Logger, opts ...Option) *Transmitter {
	t := &Transmitter{
		serializer: s,
		backoff:    DefaultBackoff(),
		sleep:      sleepContext,
		rand:       rand.Float64,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "transmitter")),
		transports: make(map[string]transport.Transport),
		slots:      make(map[string]chan struct{}),
		stats:      make(map[string]*DeviceStatistics),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register binds a transport to deviceID, replacing any previous one
func (t *Transmitter) Register(deviceID string, tr transport.Transport) error {
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if deviceID == model.AllDevices {
		return fmt.Errorf("device id %q is reserved", model.AllDevices)
	}
	if tr == nil {
		return fmt.Errorf("transport for %s is nil", deviceID)
	}

	t.mu.Lock()
	t.transports[deviceID] = tr
	if _, ok := t.stats[deviceID]; !ok {
		t.stats[deviceID] = &DeviceStatistics{DeviceID: deviceID}
	}
	t.mu.Unlock()

	t.logger.Info("Device registered",
		zap.String("device_id", deviceID),
		zap.String("device_type", tr.DeviceType()),
	)
	return nil
}

// Unregister removes a device. Its slot is kept: a Transmit still running
// holds it, and a later Register of the same id must wait for that exchange.
func (t *Transmitter) Unregister(deviceID string) (transport.Transport, bool) {
	t.mu.Lock()
	tr, ok := t.transports[deviceID]
	delete(t.transports, deviceID)
	t.mu.Unlock()

	if ok {
		t.logger.Info("Device unregistered", zap.String("device_id", deviceID))
	}
	return tr, ok
}

// Devices returns the registered device ids, sorted
func (t *Transmitter) Devices() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.transports))
	for id := range t.transports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Transport returns the transport registered for deviceID
func (t *Transmitter) Transport(deviceID string) (transport.Transport, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.transports[deviceID]
	return tr, ok
}

// IsDeviceAvailable reports whether deviceID is registered and its link is up
func (t *Transmitter) IsDeviceAvailable(deviceID string) bool {
	tr, ok := t.Transport(deviceID)
	return ok && tr.IsConnected()
}

// OnStatusChange adds a hook called on every status transition made by Transmit
func (t *Transmitter) OnStatusChange(hook StatusHook) {
	t.hookMu.Lock()
	t.hooks = append(t.hooks, hook)
	t.hookMu.Unlock()
}

func (t *Transmitter) setStatus(cmd *model.DeviceCommand, to model.CommandStatus) {
	from := cmd.Status
	cmd.Status = to
	t.notify(cmd, from, to)
}

// fail records a terminal failure and reports the transition
func (t *Transmitter) fail(cmd *model.DeviceCommand, status model.CommandStatus, reason string) {
	from := cmd.Status
	cmd.MarkFailed(status, reason)
	t.notify(cmd, from, status)
}

func (t *Transmitter) notify(cmd *model.DeviceCommand, from, to model.CommandStatus) {
	if from == to {
		return
	}

	t.hookMu.RLock()
	hooks := t.hooks
	t.hookMu.RUnlock()
	if len(hooks) == 0 {
		return
	}
	snapshot := cmd.Clone()
	for _, hook := range hooks {
		hook(snapshot, from, to)
	}
}

// slot returns the capacity-1 semaphore for deviceID, creating it on first use
func (t *Transmitter) slot(deviceID string) chan struct{} {
	t.mu.RLock()
	s, ok := t.slots[deviceID]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.slots[deviceID]; !ok {
		s = make(chan struct{}, 1)
		t.slots[deviceID] = s
	}
	return s
}

// Transmit delivers cmd to its device. Failures are reported in the result,
// never returned.
func (t *Transmitter) Transmit(ctx context.Context, cmd *model.DeviceCommand) *model.CommandResult {
	start := t.now()
	if cmd.Metadata == nil {
		cmd.Metadata = make(map[string]interface{})
	}
	cl := utils.NewCommandLogger(t.logger, string(cmd.Type), cmd.ID, cmd.DeviceID)
	cl.Start(zap.String("priority", cmd.Priority.String()))

	tr, ok := t.Transport(cmd.DeviceID)
	if !ok {
		reason := fmt.Sprintf("no transport registered for device %s", cmd.DeviceID)
		t.fail(cmd, model.StatusFailed, reason)
		cl.Failure(reason)
		return t.result(cmd, nil, start)
	}

	s := t.slot(cmd.DeviceID)
	// stops do not queue behind a long exchange; a busy device fails the stop
	var busy <-chan time.Time
	wait := cmd.Timeout
	if wait <= 0 {
		wait = model.StopTimeout
	}
	if cmd.Type.IsStop() {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		busy = timer.C
	}
	select {
	case s <- struct{}{}:
	case <-busy:
		reason := fmt.Sprintf("device %s busy: transmission slot not free within %v", cmd.DeviceID, wait)
		t.fail(cmd, model.StatusTimeout, reason)
		t.recordOutcome(cmd.DeviceID, outcome{timeouts: 1, err: reason, at: t.now()})
		cl.Failure(reason)
		return t.result(cmd, nil, start)
	case <-ctx.Done():
		t.fail(cmd, model.StatusCancelled, "")
		cl.Failure("cancelled while waiting for device slot")
		return t.result(cmd, nil, start)
	}
	defer func() { <-s }()

	cfg := t.serializer.GetConfig(tr.DeviceType())
	validation := t.serializer.Validate(cmd, tr.DeviceType())
	if len(validation.Warnings) > 0 {
		cmd.Metadata["validation_warnings"] = append([]string(nil), validation.Warnings...)
	}
	if !validation.Valid {
		reason := "validation failed: " + validation.Error()
		t.fail(cmd, model.StatusFailed, reason)
		t.recordOutcome(cmd.DeviceID, outcome{err: reason, at: t.now()})
		cl.Failure(reason)
		return t.result(cmd, nil, start)
	}

	payload, err := t.serializer.Serialize(cmd, cfg)
	if err != nil {
		reason := fmt.Sprintf("serialization failed: %v", err)
		t.fail(cmd, model.StatusFailed, reason)
		t.recordOutcome(cmd.DeviceID, outcome{err: reason, at: t.now()})
		cl.Failure(reason)
		return t.result(cmd, nil, start)
	}

	dl := utils.NewDeviceLogger(t.logger, cmd.DeviceID, tr.DeviceType())
	maxAttempts := cmd.MaxRetries + 1
	var (
		lastErr   error
		timeouts  int
		attempts  int
		raw       []byte
		response  interface{}
		succeeded bool
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			cmd.RetryCount = attempt - 1
			t.setStatus(cmd, model.StatusRetrying)
			delay := t.backoff.Jittered(attempt-1, t.rand())
			if err := t.sleep(ctx, delay); err != nil {
				lastErr = fmt.Errorf("transmission aborted: %w", err)
				break
			}
		}

		attempts++
		t.setStatus(cmd, model.StatusTransmitting)
		cmd.MarkTransmitting(t.now())

		attemptStart := time.Now()
		raw, response, err = t.attempt(ctx, tr, cmd, payload, cfg)
		dl.LogAttempt(cmd.ID, attempt, maxAttempts, time.Since(attemptStart), err)
		if err == nil {
			succeeded = true
			break
		}

		lastErr = err
		if errors.Is(err, transport.ErrTimeout) {
			timeouts++
		}
		if ctx.Err() != nil {
			break
		}
	}

	now := t.now()
	o := outcome{attempts: attempts, timeouts: timeouts, at: now}
	if succeeded {
		from := cmd.Status
		cmd.MarkAcknowledged(now, response)
		t.notify(cmd, from, model.StatusAcknowledged)
		o.success = true
		o.latency, _ = cmd.TransmitLatency()
		t.recordOutcome(cmd.DeviceID, o)
		cl.Success(zap.Int("attempts", attempts))
		return t.result(cmd, raw, start)
	}

	status := model.StatusFailed
	reason := lastErr.Error()
	if errors.Is(lastErr, transport.ErrTimeout) {
		status = model.StatusTimeout
		reason = fmt.Sprintf("no response within %v after %d attempt(s): %v", cmd.Timeout, attempts, lastErr)
	}
	t.fail(cmd, status, reason)
	o.err = reason
	t.recordOutcome(cmd.DeviceID, o)
	cl.Failure(reason, zap.Int("attempts", attempts))
	return t.result(cmd, nil, start)
}

// attempt runs one connectivity check and send-and-receive cycle
func (t *Transmitter) attempt(ctx context.Context, tr transport.Transport, cmd *model.DeviceCommand, payload []byte, cfg model.SerializationConfig) ([]byte, interface{}, error) {
	if !tr.IsConnected() {
		return nil, nil, fmt.Errorf("device %s: %w", cmd.DeviceID, transport.ErrNotConnected)
	}

	raw, err := tr.SendAndReceive(ctx, payload, cmd.Timeout)
	if err != nil {
		return nil, nil, err
	}
	if cmd.ExpectedResponse == model.ResponseNone {
		return raw, nil, nil
	}

	value, err := t.serializer.DeserializeResponse(raw, cfg, cmd.ExpectedResponse)
	if err != nil {
		return raw, nil, fmt.Errorf("decode response: %w", err)
	}
	return raw, value, nil
}

func (t *Transmitter) result(cmd *model.DeviceCommand, raw []byte, start time.Time) *model.CommandResult {
	now := t.now()
	return &model.CommandResult{
		Command:       cmd,
		Success:       cmd.Status == model.StatusAcknowledged,
		Response:      cmd.ActualResponse,
		RawResponse:   raw,
		ErrorMessage:  cmd.ErrorMessage,
		ExecutionTime: now.Sub(start),
		CompletedAt:   now,
	}
}
