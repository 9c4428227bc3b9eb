// Package processor orchestrates the command pipeline: it queues commands,
// dispatches them to the transmitter, records history and raises
// notifications. Emergency and global stops bypass the queue.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"device-command-service/internal/history"
	"device-command-service/internal/model"
	"device-command-service/internal/queue"
	"device-command-service/internal/transmitter"
	"device-command-service/internal/utils"
)

var (
	// ErrReservedDevice is returned when a queued command targets the all-devices id
	ErrReservedDevice = errors.New("device id \"*\" is reserved for global stop")
	// ErrStopNotQueueable is returned when a stop command is submitted to the queue
	ErrStopNotQueueable = errors.New("stop commands bypass the queue; use EmergencyStop or GlobalStop")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("processor already started")
)

// Config tunes the dispatch loop
type Config struct {
	// MaxInFlight bounds concurrent transmissions started by the dispatch
	// loop. Zero means unbounded.
	MaxInFlight int
	// NotificationBuffer sizes the observer notification channel
	NotificationBuffer int
}

// Processor wires the queue, transmitter and history together
type Processor struct {
	config      Config
	queue       *queue.Queue
	transmitter *transmitter.Transmitter
	history     *history.History
	notifier    *notifier
	logger      *zap.Logger
	audit       *utils.AuditLogger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	flights sync.WaitGroup
	slots   chan struct{}

	// lanes hold dequeued commands per device until the device is free.
	// A device has an entry only while its worker runs.
	lanesMu sync.Mutex
	lanes   map[string]*lane
}

// lane is the FIFO of dispatched commands waiting for one device
type lane struct {
	pending []*model.DeviceCommand
}

// New creates a processor and hooks it into the queue and transmitter
func New(cfg Config, q *queue.Queue, t *transmitter.Transmitter, h *history.History, logger *zap.Logger) *Processor {
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = 1024
	}
	logger = logger.With(zap.String("component", "processor"))

	p := &Processor{
		config:      cfg,
		queue:       q,
		transmitter: t,
		history:     h,
		notifier:    newNotifier(cfg.NotificationBuffer, logger),
		logger:      logger,
		audit:       utils.NewAuditLogger(logger),
		lanes:       make(map[string]*lane),
	}
	if cfg.MaxInFlight > 0 {
		p.slots = make(chan struct{}, cfg.MaxInFlight)
	}

	q.OnQueued(p.onQueued)
	q.OnCancelled(p.onCancelled)
	t.OnStatusChange(p.onTransmitStatus)
	return p
}

// Queue returns the underlying queue
func (p *Processor) Queue() *queue.Queue { return p.queue }

// Transmitter returns the underlying transmitter
func (p *Processor) Transmitter() *transmitter.Transmitter { return p.transmitter }

// History returns the underlying history
func (p *Processor) History() *history.History { return p.history }

// Subscribe registers o and returns a function that removes it
func (p *Processor) Subscribe(o Observer) func() {
	return p.notifier.subscribe(o)
}

func (p *Processor) onQueued(snapshot *model.DeviceCommand) {
	p.history.Add(snapshot)
	p.notifier.publish(notification{cmd: snapshot, from: model.StatusPending, to: model.StatusQueued})
}

func (p *Processor) onCancelled(cmd *model.DeviceCommand, reason string) {
	p.recordCancel(cmd, model.StatusQueued, reason)
}

func (p *Processor) recordCancel(cmd *model.DeviceCommand, from model.CommandStatus, reason string) {
	snapshot := cmd.Clone()
	if snapshot.Metadata == nil {
		snapshot.Metadata = make(map[string]interface{})
	}
	snapshot.Metadata["cancel_reason"] = reason
	p.history.Update(snapshot)
	p.notifier.publish(notification{cmd: snapshot, from: from, to: model.StatusCancelled})
	p.notifier.publish(notification{result: &model.CommandResult{
		Command:     snapshot,
		Success:     false,
		CompletedAt: time.Now(),
	}})
}

func (p *Processor) onTransmitStatus(snapshot *model.DeviceCommand, from, to model.CommandStatus) {
	p.notifier.publish(notification{cmd: snapshot, from: from, to: to})
}

// QueueCommand validates the target, queues cmd and records it in history
func (p *Processor) QueueCommand(ctx context.Context, cmd *model.DeviceCommand) (string, error) {
	if cmd == nil {
		return "", fmt.Errorf("command is nil")
	}
	if cmd.Type.IsStop() {
		return "", ErrStopNotQueueable
	}
	if cmd.DeviceID == model.AllDevices {
		return "", ErrReservedDevice
	}
	if strings.TrimSpace(cmd.DeviceID) == "" {
		return "", fmt.Errorf("device id is required")
	}

	id, err := p.queue.Enqueue(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("queue command: %w", err)
	}
	return id, nil
}

// QueueBatch queues cmds in order. On failure it returns the ids queued so far.
func (p *Processor) QueueBatch(ctx context.Context, cmds []*model.DeviceCommand) ([]string, error) {
	ids := make([]string, 0, len(cmds))
	for i, cmd := range cmds {
		id, err := p.QueueCommand(ctx, cmd)
		if err != nil {
			return ids, fmt.Errorf("command %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CancelCommand cancels a command that is still queued. Commands already
// handed to the transmitter cannot be cancelled.
func (p *Processor) CancelCommand(id string) bool {
	return p.queue.Cancel(id)
}

// EmergencyStop drops the device's queued and dispatched-but-unsent commands
// and sends a stop directly
func (p *Processor) EmergencyStop(ctx context.Context, deviceID string) *model.CommandResult {
	cleared := p.queue.ClearDeviceQueue(deviceID) + p.clearLane(deviceID)

	cmd := model.NewEmergencyStop(deviceID)
	cmd.Metadata["cleared_commands"] = cleared
	p.history.Add(cmd)

	result := p.transmitter.Transmit(ctx, cmd)
	p.history.Update(cmd)
	p.audit.LogEmergencyStop(deviceID, cmd.ID, cleared, result.Success, result.ErrorMessage)
	p.notifier.publish(notification{result: cloneResult(result)})
	return result
}

// GlobalStop runs EmergencyStop on every registered device in parallel and
// aggregates the outcomes. Devices that stopped are not rolled back when
// others fail.
func (p *Processor) GlobalStop(ctx context.Context) *model.CommandResult {
	start := time.Now()
	devices := p.transmitter.Devices()

	cmd := model.NewGlobalStop()
	cmd.Metadata["devices"] = len(devices)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]*model.CommandResult, len(devices))
	)
	for _, deviceID := range devices {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			r := p.EmergencyStop(ctx, deviceID)
			mu.Lock()
			results[deviceID] = r
			mu.Unlock()
		}(deviceID)
	}
	wg.Wait()

	result := &model.CommandResult{
		Command:       cmd,
		DeviceResults: results,
	}
	failed := result.FailedDevices()
	now := time.Now()
	cmd.MarkTransmitting(start)
	if len(failed) == 0 {
		cmd.MarkAcknowledged(now, nil)
		result.Success = true
	} else {
		cmd.MarkFailed(model.StatusFailed, stopFailureMessage(failed, results))
		result.ErrorMessage = cmd.ErrorMessage
	}
	result.ExecutionTime = now.Sub(start)
	result.CompletedAt = now

	p.history.Add(cmd)
	p.audit.LogGlobalStop(cmd.ID, len(devices), failed)
	p.notifier.publish(notification{result: cloneResult(result)})
	return result
}

func stopFailureMessage(failed []string, results map[string]*model.CommandResult) string {
	parts := make([]string, 0, len(failed))
	for _, id := range failed {
		reason := "no result"
		if r := results[id]; r != nil && r.ErrorMessage != "" {
			reason = r.ErrorMessage
		}
		parts = append(parts, fmt.Sprintf("%s: %s", id, reason))
	}
	return fmt.Sprintf("emergency stop failed on %d device(s): %s", len(failed), strings.Join(parts, "; "))
}

// Start launches the dispatch loop and the queue and history maintenance.
// It returns immediately; Stop ends everything.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.loops.Add(3)
	go func() {
		defer p.loops.Done()
		p.queue.Start(ctx)
	}()
	go func() {
		defer p.loops.Done()
		p.history.Start(ctx)
	}()
	go func() {
		defer p.loops.Done()
		p.dispatch(ctx)
	}()

	p.logger.Info("Command processor started", zap.Int("max_in_flight", p.config.MaxInFlight))
	return nil
}

func (p *Processor) dispatch(ctx context.Context) {
	for {
		cmd, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && !errors.Is(err, context.Canceled) {
				p.logger.Error("Dequeue failed", zap.Error(err))
			}
			return
		}

		p.notifier.publish(notification{cmd: cmd.Clone(), from: model.StatusQueued, to: model.StatusTransmitting})

		if p.slots != nil {
			select {
			case p.slots <- struct{}{}:
			case <-ctx.Done():
				p.abort(cmd)
				return
			}
		}

		p.handOff(ctx, cmd)
	}
}

// handOff appends cmd to its device lane, starting the lane worker when idle.
// Commands for one device reach the transmitter in dequeue order; devices
// run in parallel.
func (p *Processor) handOff(ctx context.Context, cmd *model.DeviceCommand) {
	p.lanesMu.Lock()
	l, running := p.lanes[cmd.DeviceID]
	if !running {
		l = &lane{}
		p.lanes[cmd.DeviceID] = l
	}
	l.pending = append(l.pending, cmd)
	p.lanesMu.Unlock()

	if !running {
		p.flights.Add(1)
		go p.drain(ctx, cmd.DeviceID, l)
	}
}

func (p *Processor) drain(ctx context.Context, deviceID string, l *lane) {
	defer p.flights.Done()
	for {
		p.lanesMu.Lock()
		if len(l.pending) == 0 {
			delete(p.lanes, deviceID)
			p.lanesMu.Unlock()
			return
		}
		cmd := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		p.lanesMu.Unlock()

		p.run(ctx, cmd)
	}
}

func (p *Processor) run(ctx context.Context, cmd *model.DeviceCommand) {
	if p.slots != nil {
		defer func() { <-p.slots }()
	}
	if ctx.Err() != nil {
		p.abort(cmd)
		return
	}
	p.finish(cmd, p.transmit(ctx, cmd))
}

// transmit turns a panic below the transmitter into a failed result
func (p *Processor) transmit(ctx context.Context, cmd *model.DeviceCommand) (result *model.CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Transmission panicked",
				zap.Any("panic", r),
				zap.String("command_id", cmd.ID),
				zap.Stack("stacktrace"),
			)
			cmd.MarkFailed(model.StatusFailed, fmt.Sprintf("internal error: %v", r))
			result = &model.CommandResult{Command: cmd, ErrorMessage: cmd.ErrorMessage, CompletedAt: time.Now()}
		}
	}()
	return p.transmitter.Transmit(ctx, cmd)
}

// clearLane cancels the commands waiting in deviceID's lane and returns how
// many there were. The command already being transmitted is not touched.
func (p *Processor) clearLane(deviceID string) int {
	p.lanesMu.Lock()
	l, ok := p.lanes[deviceID]
	var pending []*model.DeviceCommand
	if ok {
		pending = l.pending
		l.pending = nil
	}
	p.lanesMu.Unlock()

	for _, cmd := range pending {
		if p.slots != nil {
			<-p.slots
		}
		from := cmd.Status
		cmd.MarkFailed(model.StatusCancelled, "")
		p.audit.LogCancellation(cmd.ID, cmd.DeviceID, queue.ReasonCleared)
		p.recordCancel(cmd, from, queue.ReasonCleared)
	}
	return len(pending)
}

// abort cancels a dequeued command that never reached the transmitter
func (p *Processor) abort(cmd *model.DeviceCommand) {
	from := cmd.Status
	cmd.MarkFailed(model.StatusCancelled, "")
	p.notifier.publish(notification{cmd: cmd.Clone(), from: from, to: model.StatusCancelled})
	p.finish(cmd, &model.CommandResult{Command: cmd, CompletedAt: time.Now()})
}

func (p *Processor) finish(cmd *model.DeviceCommand, result *model.CommandResult) {
	p.history.Update(cmd)
	p.notifier.publish(notification{result: cloneResult(result)})
}

// Stop ends the dispatch loop, waits for in-flight transmissions and
// delivers pending notifications
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	p.queue.Close()
	if cancel != nil {
		cancel()
	}
	p.loops.Wait()
	p.flights.Wait()
	p.notifier.close()

	p.logger.Info("Command processor stopped")
}

// Running reports whether Start has been called and Stop has not
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}
