// Package broker connects the pipelines to a durable message queue.
//
// A Conn is owned by exactly one pipeline. Backends: RabbitMQ (amqp), a
// Redis reliable list queue (redis) and Kafka (kafka).
package broker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrRetriesExhausted is returned by Connect when every attempt failed.
	ErrRetriesExhausted = errors.New("broker: max retries reached")

	// ErrConnectionDropped is returned by Subscription.Next when the broker
	// connection goes away while waiting for messages.
	ErrConnectionDropped = errors.New("broker: connection dropped")

	// ErrAlreadyAcked is returned when a delivery is acknowledged twice.
	ErrAlreadyAcked = errors.New("broker: delivery already acknowledged")
)

// Conn is an open broker connection.
type Conn interface {
	// DeclareQueue declares a durable queue. Declaring an existing queue
	// with the same settings is a no-op.
	DeclareQueue(ctx context.Context, name string) error

	// Publish enqueues body as a persistent message on queue.
	Publish(ctx context.Context, queue string, body []byte) error

	// Subscribe starts manual-ack consumption of queue.
	Subscribe(ctx context.Context, queue string) (Subscription, error)

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Subscription yields deliveries one at a time.
type Subscription interface {
	// Next blocks until a delivery arrives, ctx is done (ctx.Err() is
	// returned) or the connection drops (ErrConnectionDropped).
	Next(ctx context.Context) (*Delivery, error)
}

// Dialer opens one connection attempt.
type Dialer func(ctx context.Context) (Conn, error)

// Delivery is a received message awaiting acknowledgment.
type Delivery struct {
	Body        []byte
	ID          string
	Redelivered bool

	mu    sync.Mutex
	acked bool
	ack   func() error
}

// NewDelivery creates a Delivery whose Ack calls ack.
func NewDelivery(body []byte, id string, redelivered bool, ack func() error) *Delivery {
	return &Delivery{Body: body, ID: id, Redelivered: redelivered, ack: ack}
}

// Ack acknowledges the delivery to the broker.
func (d *Delivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acked {
		return ErrAlreadyAcked
	}
	if d.ack != nil {
		if err := d.ack(); err != nil {
			return err
		}
	}
	d.acked = true
	return nil
}

// Acked reports whether Ack has succeeded.
func (d *Delivery) Acked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}
