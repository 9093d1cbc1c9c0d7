// Package broker wraps the AMQP durable queue the consumer loop reads from
// (spec.md §4.I, §6): one durable queue, manual acknowledgement, and a
// reconnect protocol that tears down and rebuilds the channel from scratch
// whenever the connection drops.
package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is one delivery off the queue, with its ack/reject wired to the
// channel that produced it.
type Message struct {
	Body     []byte
	delivery amqp.Delivery
}

// Ack acknowledges the message so the broker never redelivers it.
func (m Message) Ack() error {
	return m.delivery.Ack(false)
}

// Reject rejects the message, optionally asking the broker to requeue it
// for redelivery (spec.md §4.I, §7).
func (m Message) Reject(requeue bool) error {
	return m.delivery.Reject(requeue)
}

// Consumer is what internal/consumer needs from the broker: a way to
// (re)connect and a way to pull the next message with a timeout. Defined
// as an interface so the consumer loop's tests can supply an in-memory fake.
type Consumer interface {
	Connect(ctx context.Context) error
	Close() error
	Next(ctx context.Context, timeout time.Duration) (Message, bool, error)
}

// RabbitConsumer is the production Consumer, backed by a single durable
// AMQP queue.
type RabbitConsumer struct {
	url      string
	queue    string
	prefetch int

	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     chan *amqp.Error
}

// New builds a RabbitConsumer for the given AMQP URL, queue name, and
// prefetch count (spec.md §6 QUEUE_PREFETCH_COUNT).
func New(url, queue string, prefetch int) *RabbitConsumer {
	return &RabbitConsumer{url: url, queue: queue, prefetch: prefetch}
}

// Connect implements the reconnect protocol of spec.md §4.I: channel_open,
// queue_declare{auto_delete:false}, basic_qos{prefetch_count}, and
// consume{no_ack:false}. Any prior connection is torn down first.
func (c *RabbitConsumer) Connect(ctx context.Context) error {
	c.teardown()

	conn, err := amqp.DialConfig(c.url, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return fmt.Errorf("broker connect: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker connect: open channel: %w", err)
	}

	queue, err := ch.QueueDeclare(c.queue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("broker connect: declare queue %s: %w", c.queue, err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("broker connect: set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("broker connect: consume: %w", err)
	}

	closed := make(chan *amqp.Error, 1)
	conn.NotifyClose(closed)

	c.conn, c.ch, c.deliveries, c.closed = conn, ch, deliveries, closed
	return nil
}

// Close tears down the current connection, if any.
func (c *RabbitConsumer) Close() error {
	c.teardown()
	return nil
}

func (c *RabbitConsumer) teardown() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn, c.ch, c.deliveries, c.closed = nil, nil, nil, nil
}

// Next returns the next delivery, waiting up to timeout (spec.md §4.I
// QUEUE_FETCH_TIMEOUT). A false bool with a nil error means "no message,
// try again"; a non-nil error means the connection is gone and the caller
// must reconnect.
func (c *RabbitConsumer) Next(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return Message{}, false, fmt.Errorf("broker: delivery channel closed")
		}
		return Message{Body: d.Body, delivery: d}, true, nil
	case err := <-c.closed:
		if err != nil {
			return Message{}, false, fmt.Errorf("broker: connection closed: %w", err)
		}
		return Message{}, false, fmt.Errorf("broker: connection closed")
	case <-timer.C:
		return Message{}, false, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}
