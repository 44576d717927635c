// Package brokertest is an in-memory broker with the same settlement
// semantics as the AMQP client: prefetch, ack, requeue and dead-lettering.
package brokertest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/thrillee/aegiscert/internal/broker"
)

type entry struct {
	body        []byte
	redelivered bool
}

type Broker struct {
	mu         sync.Mutex
	queues     map[string][]entry
	dead       map[string][][]byte
	inflight   map[string]int
	acked      map[string]int
	published  map[string]int
	changed    chan struct{}
	disconnect chan struct{}
	publishErr error
	reconnects int
}

func New() *Broker {
	return &Broker{
		queues:     map[string][]entry{},
		dead:       map[string][][]byte{},
		inflight:   map[string]int{},
		acked:      map[string]int{},
		published:  map[string]int{},
		changed:    make(chan struct{}),
		disconnect: make(chan struct{}),
	}
}

func (b *Broker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// FailPublish makes every Publish return err until called again with nil.
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

func (b *Broker) Publish(_ context.Context, queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.queues[queue] = append(b.queues[queue], entry{body: body})
	b.published[queue]++
	b.notifyLocked()
	return nil
}

// PublishRaw enqueues bytes as-is, for malformed payload tests.
func (b *Broker) PublishRaw(queue string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queue] = append(b.queues[queue], entry{body: body})
	b.notifyLocked()
}

func (b *Broker) Consume(ctx context.Context, queue string, prefetch int) (<-chan broker.Delivery, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	b.mu.Lock()
	stop := b.disconnect
	b.mu.Unlock()

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for {
			b.mu.Lock()
			if len(b.queues[queue]) > 0 && b.inflight[queue] < prefetch {
				d := b.popLocked(queue)
				b.mu.Unlock()
				select {
				case out <- d:
				case <-ctx.Done():
					_ = d.Nack(true)
					return
				case <-stop:
					_ = d.Nack(true)
					return
				}
				continue
			}
			changed := b.changed
			b.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-changed:
			}
		}
	}()
	return out, nil
}

// Pop hands out the next delivery on queue for manual handling.
func (b *Broker) Pop(queue string) (broker.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queues[queue]) == 0 {
		return nil, false
	}
	return b.popLocked(queue), true
}

func (b *Broker) popLocked(queue string) *delivery {
	e := b.queues[queue][0]
	b.queues[queue] = b.queues[queue][1:]
	b.inflight[queue]++
	return &delivery{b: b, queue: queue, e: e}
}

// Disconnect closes every open consumer stream, as a dropped connection would.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.disconnect)
	b.disconnect = make(chan struct{})
}

func (b *Broker) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnects++
	return nil
}

func (b *Broker) Pending(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, 0, len(b.queues[queue]))
	for _, e := range b.queues[queue] {
		out = append(out, e.body)
	}
	return out
}

func (b *Broker) DeadLetters(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.dead[queue]...)
}

func (b *Broker) Acked(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked[queue]
}

func (b *Broker) Published(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[queue]
}

func (b *Broker) Reconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconnects
}

var errSettled = errors.New("delivery already settled")

type delivery struct {
	b       *Broker
	queue   string
	e       entry
	settled bool
}

func (d *delivery) Body() []byte { return d.e.body }

func (d *delivery) Redelivered() bool { return d.e.redelivered }

func (d *delivery) Ack() error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if d.settled {
		return errSettled
	}
	d.settled = true
	d.b.inflight[d.queue]--
	d.b.acked[d.queue]++
	d.b.notifyLocked()
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if d.settled {
		return errSettled
	}
	d.settled = true
	d.b.inflight[d.queue]--
	if requeue {
		d.b.queues[d.queue] = append([]entry{{body: d.e.body, redelivered: true}}, d.b.queues[d.queue]...)
	} else {
		d.b.dead[d.queue] = append(d.b.dead[d.queue], d.e.body)
	}
	d.b.notifyLocked()
	return nil
}

var (
	_ broker.Publisher = (*Broker)(nil)
	_ broker.Source    = (*Broker)(nil)
)
