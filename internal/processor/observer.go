package processor

import (
	"sync"

	"go.uber.org/zap"

	"device-command-service/internal/model"
)

// Observer receives processor notifications. Calls arrive on a background
// goroutine; the values passed are copies owned by the observer.
type Observer interface {
	OnStatusChanged(cmd *model.DeviceCommand, from, to model.CommandStatus)
	OnCompleted(result *model.CommandResult)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StatusChangedFunc func(cmd *model.DeviceCommand, from, to model.CommandStatus)
	CompletedFunc     func(result *model.CommandResult)
}

func (o ObserverFuncs) OnStatusChanged(cmd *model.DeviceCommand, from, to model.CommandStatus) {
	if o.StatusChangedFunc != nil {
		o.StatusChangedFunc(cmd, from, to)
	}
}

func (o ObserverFuncs) OnCompleted(result *model.CommandResult) {
	if o.CompletedFunc != nil {
		o.CompletedFunc(result)
	}
}

type notification struct {
	cmd      *model.DeviceCommand
	from, to model.CommandStatus
	result   *model.CommandResult
}

// notifier fans notifications out to observers from one goroutine, so each
// observer sees them in the order they were raised
type notifier struct {
	events chan notification
	done   chan struct{}
	logger *zap.Logger

	mu        sync.RWMutex
	observers map[int]Observer
	nextID    int
	closed    bool
}

func newNotifier(buffer int, logger *zap.Logger) *notifier {
	n := &notifier{
		events:    make(chan notification, buffer),
		done:      make(chan struct{}),
		logger:    logger,
		observers: make(map[int]Observer),
	}
	go n.run()
	return n
}

func (n *notifier) subscribe(o Observer) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.observers[id] = o
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.observers, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) publish(ev notification) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}

	select {
	case n.events <- ev:
	default:
		n.logger.Warn("Notification buffer full, dropping event",
			zap.String("command_id", commandID(ev)),
		)
	}
}

func commandID(ev notification) string {
	if ev.cmd != nil {
		return ev.cmd.ID
	}
	if ev.result != nil && ev.result.Command != nil {
		return ev.result.Command.ID
	}
	return ""
}

func (n *notifier) run() {
	defer close(n.done)
	for ev := range n.events {
		n.mu.RLock()
		observers := make([]Observer, 0, len(n.observers))
		for _, o := range n.observers {
			observers = append(observers, o)
		}
		n.mu.RUnlock()

		for _, o := range observers {
			n.deliver(o, ev)
		}
	}
}

func (n *notifier) deliver(o Observer, ev notification) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Observer panicked", zap.Any("panic", r), zap.String("command_id", commandID(ev)))
		}
	}()

	if ev.result != nil {
		o.OnCompleted(cloneResult(ev.result))
		return
	}
	o.OnStatusChanged(ev.cmd.Clone(), ev.from, ev.to)
}

// close drains pending notifications and stops the goroutine
func (n *notifier) close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.events)
	}
	n.mu.Unlock()
	<-n.done
}

func cloneResult(r *model.CommandResult) *model.CommandResult {
	out := *r
	out.Command = r.Command.Clone()
	if r.RawResponse != nil {
		out.RawResponse = append([]byte(nil), r.RawResponse...)
	}
	if r.DeviceResults != nil {
		out.DeviceResults = make(map[string]*model.CommandResult, len(r.DeviceResults))
		for id, dr := range r.DeviceResults {
			if dr != nil {
				out.DeviceResults[id] = cloneResult(dr)
			}
		}
	}
	return &out
}
