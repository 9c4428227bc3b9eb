package archive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"device-command-service/internal/model"
)

// Recorder archives completed commands in the background. It satisfies the
// processor observer interface.
type Recorder struct {
	store   *Store
	logger  *zap.Logger
	timeout time.Duration

	results chan *model.CommandResult
	done    chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped int64
}

// NewRecorder starts a recorder with a buffer of the given size
func NewRecorder(store *Store, buffer int, logger *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1000
	}
	r := &Recorder{
		store:   store,
		logger:  logger.With(zap.String("component", "archive_recorder")),
		timeout: 5 * time.Second,
		results: make(chan *model.CommandResult, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// OnStatusChanged is a no-op; only final states are archived
func (r *Recorder) OnStatusChanged(*model.DeviceCommand, model.CommandStatus, model.CommandStatus) {}

// OnCompleted queues result for archiving, dropping it when the buffer is full
func (r *Recorder) OnCompleted(result *model.CommandResult) {
	if result == nil || result.Command == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	select {
	case r.results <- result:
	default:
		r.dropped++
		r.logger.Warn("Archive buffer full, dropping command",
			zap.String("command_id", result.Command.ID),
			zap.Int64("dropped", r.dropped),
		)
	}
}

// Dropped returns how many results were discarded because the buffer was full
func (r *Recorder) Dropped() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

func (r *Recorder) run() {
	defer close(r.done)
	for result := range r.results {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		completedAt := result.CompletedAt
		if completedAt.IsZero() {
			completedAt = time.Now()
		}
		if err := r.store.Save(ctx, result.Command, completedAt); err != nil {
			r.logger.Error("Archive write failed", zap.String("command_id", result.Command.ID), zap.Error(err))
		}
		cancel()
	}
}

// Close writes any buffered results and stops the recorder
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.results)
	}
	r.mu.Unlock()
	<-r.done
}

// Prune deletes archived commands older than retention every interval until
// ctx is done
func (r *Recorder) Prune(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.store.DeleteOlderThan(ctx, time.Now().Add(-retention)); err != nil {
				r.logger.Warn("Archive prune failed", zap.Error(err))
			}
		}
	}
}
