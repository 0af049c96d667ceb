// Package broker abstracts the message queue the distributor and workers
// share. Two implementations exist: AMQP for RabbitMQ and Memory for
// in-process runs and tests.
//
// Delivery semantics follow AMQP 0-9-1: every delivery must be acked or
// rejected exactly once, a consumer holds at most prefetch unacknowledged
// deliveries, and deliveries still unacknowledged when their connection
// closes are requeued for other consumers.
package broker

import (
	"context"
	"errors"
)

// ErrTransport wraps every failure talking to the broker.
var ErrTransport = errors.New("broker transport error")

// Queues names the three durable channels.
type Queues struct {
	Model     string `yaml:"model"`
	Scenarios string `yaml:"scenarios"`
	Results   string `yaml:"results"`
}

// DefaultQueues returns the standard channel names.
func DefaultQueues() Queues {
	return Queues{Model: "model", Scenarios: "scenarios", Results: "results"}
}

// All returns the queue names in declaration order.
func (q Queues) All() []string {
	return []string{q.Model, q.Scenarios, q.Results}
}

// Publisher sends message bodies to a named queue.
type Publisher interface {
	// Publish sends body to queue. Persistent requests broker-side
	// durability for the message.
	Publish(ctx context.Context, queue string, body []byte, persistent bool) error
}

// Broker is a connection able to publish and consume.
type Broker interface {
	Publisher
	// Consume starts a subscription on queue with at most prefetch
	// unacknowledged deliveries in flight (0 means unlimited).
	Consume(ctx context.Context, queue string, prefetch int) (Subscription, error)
	// Close releases the connection; unacknowledged deliveries are requeued.
	Close() error
}

// Subscription is an active consumer on one queue.
type Subscription interface {
	// Deliveries is closed after Cancel, or when the connection is lost.
	// Deliveries already buffered are still received before the close and
	// may still be acked or rejected.
	Deliveries() <-chan Delivery
	// Cancel stops new deliveries.
	Cancel() error
}

// Acknowledger settles deliveries. *amqp091.Channel satisfies it.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
}

// Delivery is one message handed to a consumer.
type Delivery struct {
	Queue       string
	Body        []byte
	Tag         uint64
	Redelivered bool

	Acknowledger Acknowledger
}

var errNoAcknowledger = errors.New("delivery has no acknowledger")

// Ack confirms the delivery was handled.
func (d Delivery) Ack() error {
	if d.Acknowledger == nil {
		return errNoAcknowledger
	}
	return d.Acknowledger.Ack(d.Tag, false)
}

// Reject discards the delivery, or returns it to the queue when requeue is set.
func (d Delivery) Reject(requeue bool) error {
	if d.Acknowledger == nil {
		return errNoAcknowledger
	}
	return d.Acknowledger.Reject(d.Tag, requeue)
}
