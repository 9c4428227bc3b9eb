// internal/handler/event_bus.go
package handler

import (
	"sync"

	"go.uber.org/zap"

	"device-command-service/internal/model"
)

// AllEvents subscribes to every event type
const AllEvents = "*"

// EventBus turns processor notifications into command events and fans them
// out to subscribers. It implements processor.Observer.
type EventBus struct {
	subscribers map[string][]chan model.CommandEvent
	events      chan model.CommandEvent
	mutex       sync.RWMutex
	closed      bool
	done        chan struct{}
	logger      *zap.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(buffer int, logger *zap.Logger) *EventBus {
	if buffer <= 0 {
		buffer = 1000
	}
	return &EventBus{
		subscribers: make(map[string][]chan model.CommandEvent),
		events:      make(chan model.CommandEvent, buffer),
		done:        make(chan struct{}),
		logger:      logger.With(zap.String("component", "event-bus")),
	}
}

// Start distributes events until Close is called
func (eb *EventBus) Start() {
	defer close(eb.done)
	for event := range eb.events {
		eb.distributeEvent(event)
	}

	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	for _, subs := range eb.subscribers {
		for _, sub := range subs {
			close(sub)
		}
	}
	eb.subscribers = make(map[string][]chan model.CommandEvent)
}

// OnStatusChanged publishes a status event
func (eb *EventBus) OnStatusChanged(cmd *model.DeviceCommand, from, to model.CommandStatus) {
	eb.Publish(model.NewStatusEvent(cmd, from, to))
}

// OnCompleted publishes a completion event
func (eb *EventBus) OnCompleted(result *model.CommandResult) {
	if result == nil || result.Command == nil {
		return
	}
	eb.Publish(model.NewCompletedEvent(result))
}

// Publish publishes an event
func (eb *EventBus) Publish(event model.CommandEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()
	if eb.closed {
		return
	}

	select {
	case eb.events <- event:
	default:
		eb.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", string(event.EventType)),
			zap.String("command_id", event.CommandID),
		)
	}
}

// Subscribe subscribes to events of a specific type, or AllEvents
func (eb *EventBus) Subscribe(eventType string) <-chan model.CommandEvent {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan model.CommandEvent, 100)
	if eb.closed {
		close(subscriber)
		return subscriber
	}
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
	return subscriber
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event model.CommandEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	deliver := func(subscribers []chan model.CommandEvent) {
		for _, subscriber := range subscribers {
			select {
			case subscriber <- event:
			default:
				// slow subscriber
			}
		}
	}
	deliver(eb.subscribers[string(event.EventType)])
	deliver(eb.subscribers[AllEvents])
}

// Close stops accepting events, drains the buffer and closes subscriber
// channels. Start must be running.
func (eb *EventBus) Close() {
	eb.mutex.Lock()
	if eb.closed {
		eb.mutex.Unlock()
		return
	}
	eb.closed = true
	close(eb.events)
	eb.mutex.Unlock()

	<-eb.done
}
