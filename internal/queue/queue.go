// Package queue holds commands waiting for dispatch, one bounded channel per
// priority class.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"device-command-service/internal/model"
	"device-command-service/internal/utils"
)

// ErrClosed is returned once the queue has been closed
var ErrClosed = errors.New("command queue closed")

// Cancellation reasons passed to CancelHook
const (
	ReasonCancelled = "cancelled"
	ReasonCleared   = "cleared"
	ReasonExpired   = "expired"
	ReasonAbandoned = "abandoned"
)

// Config sizes the queue and its background work
type Config struct {
	CapacityPerPriority int
	MaxAge              time.Duration
	ExpiryInterval      time.Duration
	StatsInterval       time.Duration
}

// DefaultConfig returns 1000 slots per priority, 10 minute expiry swept every
// 30s and statistics recomputed every 5s
func DefaultConfig() Config {
	return Config{
		CapacityPerPriority: 1000,
		MaxAge:              10 * time.Minute,
		ExpiryInterval:      30 * time.Second,
		StatsInterval:       5 * time.Second,
	}
}

// CancelHook observes commands removed before dispatch
type CancelHook func(cmd *model.DeviceCommand, reason string)

// QueuedHook receives a snapshot of each command as it is queued, before any
// consumer can dequeue it
type QueuedHook func(snapshot *model.DeviceCommand)

// Queue is safe for concurrent producers and a single dispatching consumer
type Queue struct {
	config   Config
	channels map[model.Priority]chan string
	ready    chan struct{}
	closed   chan struct{}
	once     sync.Once
	now      func() time.Time
	logger   *zap.Logger
	audit    *utils.AuditLogger

	mu       sync.Mutex
	commands map[string]*model.DeviceCommand
	counters counters

	statsMu sync.RWMutex
	stats   Statistics

	hookMu      sync.RWMutex
	hooks       []CancelHook
	queuedHooks []QueuedHook
}

// New creates an empty queue
func New(cfg Config, logger *zap.Logger) *Queue {
	def := DefaultConfig()
	if cfg.CapacityPerPriority <= 0 {
		cfg.CapacityPerPriority = def.CapacityPerPriority
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = def.ExpiryInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}

	q := &Queue{
		config:   cfg,
		channels: make(map[model.Priority]chan string, len(model.Priorities)),
		ready:    make(chan struct{}, 1),
		closed:   make(chan struct{}),
		now:      time.Now,
		logger:   logger.With(zap.String("component", "queue")),
		audit:    utils.NewAuditLogger(logger),
		commands: make(map[string]*model.DeviceCommand),
		stats:    emptyStatistics(),
	}
	for _, p := range model.Priorities {
		q.channels[p] = make(chan string, cfg.CapacityPerPriority)
	}
	return q
}

// SetClock replaces time.Now for queued stamps and expiry
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// OnCancelled adds a hook run after a command is cancelled, cleared or expired
func (q *Queue) OnCancelled(hook CancelHook) {
	q.hookMu.Lock()
	q.hooks = append(q.hooks, hook)
	q.hookMu.Unlock()
}

// OnQueued adds a hook run on every accepted enqueue
func (q *Queue) OnQueued(hook QueuedHook) {
	q.hookMu.Lock()
	q.queuedHooks = append(q.queuedHooks, hook)
	q.hookMu.Unlock()
}

// Enqueue marks cmd queued and places it on its priority channel. A full
// channel blocks until space frees, ctx is done or the queue closes.
func (q *Queue) Enqueue(ctx context.Context, cmd *model.DeviceCommand) (string, error) {
	if cmd == nil {
		return "", fmt.Errorf("command is nil")
	}
	select {
	case <-q.closed:
		return "", ErrClosed
	default:
	}

	cmd.ApplyDefaults()
	ch, ok := q.channels[cmd.Priority]
	if !ok {
		return "", fmt.Errorf("invalid priority %d", cmd.Priority)
	}

	q.mu.Lock()
	if _, exists := q.commands[cmd.ID]; exists {
		q.mu.Unlock()
		return "", fmt.Errorf("command %s is already queued", cmd.ID)
	}
	cmd.MarkQueued(q.now())
	q.commands[cmd.ID] = cmd
	snapshot := cmd.Clone()
	q.mu.Unlock()

	q.hookMu.RLock()
	queuedHooks := q.queuedHooks
	q.hookMu.RUnlock()
	for _, hook := range queuedHooks {
		hook(snapshot)
	}

	select {
	case ch <- cmd.ID:
	case <-ctx.Done():
		q.abandon(cmd.ID)
		return "", ctx.Err()
	case <-q.closed:
		q.abandon(cmd.ID)
		return "", ErrClosed
	}

	q.mu.Lock()
	q.counters.enqueued++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}

	q.logger.Debug("Command queued",
		zap.String("command_id", cmd.ID),
		zap.String("device_id", cmd.DeviceID),
		zap.String("priority", cmd.Priority.String()),
	)
	return cmd.ID, nil
}

// abandon withdraws a command whose enqueue gave up waiting for space
func (q *Queue) abandon(id string) {
	q.mu.Lock()
	cmd, ok := q.commands[id]
	if ok {
		delete(q.commands, id)
		cmd.MarkFailed(model.StatusCancelled, "")
	}
	q.mu.Unlock()

	if ok {
		q.fire(cmd, ReasonAbandoned)
	}
}

// Dequeue returns the oldest command of the highest non-empty priority,
// marked Transmitting. It blocks until one is available.
func (q *Queue) Dequeue(ctx context.Context) (*model.DeviceCommand, error) {
	for {
		if cmd := q.next(); cmd != nil {
			return cmd, nil
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrClosed
		}
	}
}

// next scans the priority channels once, skipping ids cancelled while queued
func (q *Queue) next() *model.DeviceCommand {
	for _, p := range model.Priorities {
		ch := q.channels[p]
		for {
			var id string
			select {
			case id = <-ch:
			default:
			}
			if id == "" {
				break
			}

			q.mu.Lock()
			cmd, ok := q.commands[id]
			if ok {
				delete(q.commands, id)
				cmd.Status = model.StatusTransmitting
				q.counters.dequeued++
			}
			q.mu.Unlock()
			if ok {
				return cmd
			}
		}
	}
	return nil
}

// Cancel removes a command that has not been dequeued yet
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	cmd, ok := q.commands[id]
	if ok {
		delete(q.commands, id)
		cmd.MarkFailed(model.StatusCancelled, "")
		q.counters.cancelled++
	}
	q.mu.Unlock()

	if !ok {
		return false
	}
	q.audit.LogCancellation(cmd.ID, cmd.DeviceID, ReasonCancelled)
	q.fire(cmd, ReasonCancelled)
	return true
}

// ClearDeviceQueue cancels every queued command for deviceID and returns how many
func (q *Queue) ClearDeviceQueue(deviceID string) int {
	q.mu.Lock()
	var cleared []*model.DeviceCommand
	for id, cmd := range q.commands {
		if cmd.DeviceID != deviceID {
			continue
		}
		delete(q.commands, id)
		cmd.MarkFailed(model.StatusCancelled, "")
		cleared = append(cleared, cmd)
	}
	q.counters.cancelled += int64(len(cleared))
	q.mu.Unlock()

	for _, cmd := range cleared {
		q.audit.LogCancellation(cmd.ID, cmd.DeviceID, ReasonCleared)
		q.fire(cmd, ReasonCleared)
	}
	if len(cleared) > 0 {
		q.logger.Info("Device queue cleared",
			zap.String("device_id", deviceID),
			zap.Int("count", len(cleared)),
		)
	}
	return len(cleared)
}

// Len returns the number of commands currently queued
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.commands)
}

// Get returns a queued command by id
func (q *Queue) Get(id string) (*model.DeviceCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.commands[id]
	if !ok {
		return nil, false
	}
	return cmd.Clone(), true
}

// ExpireStale cancels every command queued for longer than MaxAge
func (q *Queue) ExpireStale() int {
	q.mu.Lock()
	now := q.now()
	type expired struct {
		cmd *model.DeviceCommand
		age time.Duration
	}
	var stale []expired
	for id, cmd := range q.commands {
		if cmd.QueuedAt == nil {
			continue
		}
		age := now.Sub(*cmd.QueuedAt)
		if age <= q.config.MaxAge {
			continue
		}
		delete(q.commands, id)
		cmd.MarkFailed(model.StatusCancelled, "")
		cmd.Metadata["cancel_reason"] = ReasonExpired
		stale = append(stale, expired{cmd: cmd, age: age})
	}
	q.counters.expired += int64(len(stale))
	q.mu.Unlock()

	for _, e := range stale {
		q.audit.LogExpiry(e.cmd.ID, e.cmd.DeviceID, e.age)
		q.fire(e.cmd, ReasonExpired)
	}
	return len(stale)
}

func (q *Queue) fire(cmd *model.DeviceCommand, reason string) {
	q.hookMu.RLock()
	hooks := q.hooks
	q.hookMu.RUnlock()

	for _, hook := range hooks {
		hook(cmd, reason)
	}
}

// Start runs the expiry sweep and statistics refresh until ctx is done or
// the queue is closed
func (q *Queue) Start(ctx context.Context) {
	q.RefreshStats()

	expiry := time.NewTicker(q.config.ExpiryInterval)
	defer expiry.Stop()
	stats := time.NewTicker(q.config.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closed:
			return
		case <-expiry.C:
			if n := q.ExpireStale(); n > 0 {
				q.logger.Warn("Expired stale commands", zap.Int("count", n))
			}
		case <-stats.C:
			q.RefreshStats()
		}
	}
}

// Close stops the queue. Blocked Enqueue and Dequeue calls return ErrClosed.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.closed)
		q.logger.Info("Command queue closed", zap.Int("pending", q.Len()))
	})
}
