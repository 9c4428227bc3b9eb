package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"device-command-service/internal/model"
)

// ErrNotStarted is returned when publishing before Start succeeded
var ErrNotStarted = errors.New("publisher not connected")

// Config describes the target exchange
type Config struct {
	URL        string
	Exchange   string
	BufferSize int
}

type message struct {
	key   string
	event model.CommandEvent
}

// Publisher forwards processor notifications to the broker. It satisfies the
// processor observer interface; notifications are buffered and dropped with a
// warning when the buffer is full.
type Publisher struct {
	config  Config
	dial    Dialer
	backOff func() backoff.BackOff
	logger  *zap.Logger

	out  chan message
	done chan struct{}

	mu      sync.RWMutex
	channel Channel
	started bool
	closed  bool
	sent    int64
	dropped int64
}

// Option customises a Publisher
type Option func(*Publisher)

// WithDialer replaces the broker dialer
func WithDialer(d Dialer) Option {
	return func(p *Publisher) { p.dial = d }
}

// WithBackOff replaces the reconnect policy
func WithBackOff(f func() backoff.BackOff) Option {
	return func(p *Publisher) { p.backOff = f }
}

// NewPublisher creates a publisher. Call Start to connect.
func NewPublisher(cfg Config, logger *zap.Logger, opts ...Option) *Publisher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	p := &Publisher{
		config: cfg,
		dial:   Dial,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = time.Minute
			return b
		},
		logger: logger.With(zap.String("component", "amqp_publisher"), zap.String("exchange", cfg.Exchange)),
		out:    make(chan message, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start connects to the broker, retrying with backoff, and begins publishing
func (p *Publisher) Start(ctx context.Context) error {
	if err := p.connect(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	go p.run(ctx)
	p.logger.Info("AMQP publisher started")
	return nil
}

func (p *Publisher) connect(ctx context.Context) error {
	op := func() error {
		ch, err := p.dial(p.config.URL)
		if err != nil {
			return err
		}
		if err := declareExchange(ch, p.config.Exchange); err != nil {
			ch.Close()
			return err
		}

		p.mu.Lock()
		p.channel = ch
		p.mu.Unlock()
		return nil
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Warn("AMQP connect failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}

	return backoff.RetryNotify(op, backoff.WithContext(p.backOff(), ctx), notify)
}

// OnStatusChanged publishes a status transition
func (p *Publisher) OnStatusChanged(cmd *model.DeviceCommand, from, to model.CommandStatus) {
	p.enqueue(message{
		key:   StatusRoutingKey(to),
		event: model.NewStatusEvent(cmd, from, to),
	})
}

// OnCompleted publishes a finished command
func (p *Publisher) OnCompleted(result *model.CommandResult) {
	if result == nil || result.Command == nil {
		return
	}
	p.enqueue(message{
		key:   CompletedRoutingKey(result.Command.DeviceID),
		event: model.NewCompletedEvent(result),
	})
}

// StatusRoutingKey returns the routing key for a transition into status
func StatusRoutingKey(status model.CommandStatus) string {
	return "command.status." + strings.ToLower(string(status))
}

// CompletedRoutingKey returns the routing key for a completion on deviceID.
// The global stop is published under "all".
func CompletedRoutingKey(deviceID string) string {
	if deviceID == model.AllDevices {
		deviceID = "all"
	}
	return "command.completed." + deviceID
}

func (p *Publisher) enqueue(msg message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	select {
	case p.out <- msg:
	default:
		p.dropped++
		p.logger.Warn("AMQP buffer full, dropping event",
			zap.String("routing_key", msg.key),
			zap.String("command_id", msg.event.CommandID),
		)
	}
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)
	for msg := range p.out {
		if err := p.publish(msg); err != nil {
			p.logger.Warn("AMQP publish failed, reconnecting", zap.String("routing_key", msg.key), zap.Error(err))
			p.reset()
			if err := p.connect(ctx); err != nil {
				p.logger.Error("AMQP reconnect failed, dropping event", zap.Error(err))
				continue
			}
			if err := p.publish(msg); err != nil {
				p.logger.Error("AMQP publish failed after reconnect", zap.Error(err))
			}
		}
	}
}

func (p *Publisher) publish(msg message) error {
	body, err := json.Marshal(msg.event)
	if err != nil {
		return err
	}

	p.mu.RLock()
	ch := p.channel
	p.mu.RUnlock()
	if ch == nil {
		return ErrNotStarted
	}

	err = ch.Publish(
		p.config.Exchange,
		msg.key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.event.CommandID,
			Type:         string(msg.event.EventType),
			Timestamp:    msg.event.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
	return nil
}

func (p *Publisher) reset() {
	p.mu.Lock()
	ch := p.channel
	p.channel = nil
	p.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// Stats returns how many events were published and dropped
func (p *Publisher) Stats() (sent, dropped int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sent, p.dropped
}

// Close publishes buffered events and closes the broker connection
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	close(p.out)
	p.mu.Unlock()

	if started {
		<-p.done
	}
	p.reset()
	p.logger.Info("AMQP publisher stopped")
}
