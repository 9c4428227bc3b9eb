// Package events publishes command notifications to an AMQP exchange.
package events

import (
	"fmt"

	"github.com/streadway/amqp"
)

const exchangeTypeTopic = "topic"

// Channel is the subset of an AMQP channel the publisher needs
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a channel to the broker at url
type Dialer func(url string) (Channel, error)

// link owns both the connection and its channel so closing it releases both
type link struct {
	conn *amqp.Connection
	*amqp.Channel
}

func (l *link) Close() error {
	chErr := l.Channel.Close()
	connErr := l.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}

// Dial connects to a real broker
func Dial(url string) (Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("error dialing broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error opening channel: %w", err)
	}

	return &link{conn: conn, Channel: channel}, nil
}

func declareExchange(ch Channel, name string) error {
	return ch.ExchangeDeclare(
		name,
		exchangeTypeTopic,
		true,  // durable
		false, // delete when complete
		false, // internal
		false, // noWait
		nil,   // arguments
	)
}
