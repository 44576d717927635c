package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("broker client closed")

// Delivery is one queued task handed to a consumer.
type Delivery interface {
	Body() []byte
	Redelivered() bool
	Ack() error
	Nack(requeue bool) error
}

// Publisher sends JSON tasks to durable queues.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

// Source is what a consumer loop reads from.
type Source interface {
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)
	Reconnect(ctx context.Context) error
}

// DeadLetterQueue is the queue name rejected tasks are routed to.
func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}
