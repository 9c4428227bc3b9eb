package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"device-command-service/internal/model"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu        sync.Mutex
	declared  []string
	published []published
	failNext  int
	closed    bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name+":"+kind)
	return nil
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("channel closed")
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func zeroBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5)
}

func TestRoutingKeys(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{StatusRoutingKey(model.StatusRetrying), "command.status.retrying"},
		{StatusRoutingKey(model.StatusAcknowledged), "command.status.acknowledged"},
		{CompletedRoutingKey("relay1"), "command.completed.relay1"},
		{CompletedRoutingKey(model.AllDevices), "command.completed.all"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("routing key = %s, want %s", tt.got, tt.want)
		}
	}
}

func TestStartRetriesDial(t *testing.T) {
	ch := &fakeChannel{}
	attempts := 0
	dial := func(url string) (Channel, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return ch, nil
	}

	p := NewPublisher(Config{URL: "amqp://test", Exchange: "device.commands"}, zap.NewNop(),
		WithDialer(dial), WithBackOff(zeroBackOff))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Close()

	if attempts != 3 {
		t.Errorf("dial attempts = %d, want 3", attempts)
	}
	if len(ch.declared) != 1 || ch.declared[0] != "device.commands:topic" {
		t.Errorf("declared = %v", ch.declared)
	}
}

func TestStartGivesUp(t *testing.T) {
	dial := func(url string) (Channel, error) { return nil, errors.New("connection refused") }
	p := NewPublisher(Config{Exchange: "x"}, zap.NewNop(), WithDialer(dial), WithBackOff(zeroBackOff))
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("Start() succeeded without a broker")
	}
	p.Close()
}

func TestPublishesEvents(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(Config{Exchange: "device.commands"}, zap.NewNop(),
		WithDialer(func(string) (Channel, error) { return ch, nil }), WithBackOff(zeroBackOff))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	cmd := model.NewCommand("relay1", model.CommandSetRelay, model.Params("relay", 1, "state", true))
	p.OnStatusChanged(cmd, model.StatusQueued, model.StatusTransmitting)
	cmd.MarkAcknowledged(cmd.CreatedAt, nil)
	p.OnCompleted(&model.CommandResult{Command: cmd, Success: true})
	p.OnCompleted(nil)
	p.Close()

	if len(ch.published) != 2 {
		t.Fatalf("published = %d, want 2", len(ch.published))
	}
	if ch.published[0].key != "command.status.transmitting" || ch.published[1].key != "command.completed.relay1" {
		t.Errorf("keys = %s, %s", ch.published[0].key, ch.published[1].key)
	}

	msg := ch.published[1].msg
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent || msg.MessageId != cmd.ID {
		t.Errorf("publishing = %+v", msg)
	}
	var event model.CommandEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		t.Fatalf("body is not a command event: %v", err)
	}
	if event.EventType != model.EventCommandCompleted || event.Success == nil || !*event.Success {
		t.Errorf("event = %+v", event)
	}
	if !ch.closed {
		t.Error("Close() must close the channel")
	}

	sent, dropped := p.Stats()
	if sent != 2 || dropped != 0 {
		t.Errorf("stats sent=%d dropped=%d", sent, dropped)
	}
}

func TestReconnectsAfterPublishFailure(t *testing.T) {
	first := &fakeChannel{failNext: 1}
	second := &fakeChannel{}
	channels := []*fakeChannel{first, second}
	dial := func(string) (Channel, error) {
		ch := channels[0]
		if len(channels) > 1 {
			channels = channels[1:]
		}
		return ch, nil
	}

	p := NewPublisher(Config{Exchange: "x"}, zap.NewNop(), WithDialer(dial), WithBackOff(zeroBackOff))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cmd := model.NewCommand("dev1", model.CommandDigitalWrite, nil)
	p.OnStatusChanged(cmd, model.StatusTransmitting, model.StatusRetrying)
	p.Close()

	if !first.closed {
		t.Error("broken channel was not closed")
	}
	if len(second.published) != 1 {
		t.Errorf("published after reconnect = %d, want 1", len(second.published))
	}
}

func TestDropsWhenBufferFull(t *testing.T) {
	p := NewPublisher(Config{Exchange: "x", BufferSize: 1}, zap.NewNop())
	cmd := model.NewCommand("dev1", model.CommandDigitalWrite, nil)

	p.OnStatusChanged(cmd, model.StatusPending, model.StatusQueued)
	p.OnStatusChanged(cmd, model.StatusQueued, model.StatusTransmitting)

	if _, dropped := p.Stats(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	p.Close()
}
