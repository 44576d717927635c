package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/thrillee/aegiscert/internal/config"
)

// Config holds the connection settings and the queues to declare.
type Config struct {
	URL            string
	ConnectionName string
	Heartbeat      time.Duration
	ReconnectDelay time.Duration
	Queues         []string
	DeadLetter     bool
}

// connection is the part of *amqp.Connection the client uses.
type connection interface {
	Channel() (*amqp.Channel, error)
	IsClosed() bool
	Close() error
}

// publishChannel is the part of *amqp.Channel used for publishing.
type publishChannel interface {
	IsClosed() bool
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// Client owns one AMQP connection. Publishing shares a confirm-mode channel;
// every consumer gets its own channel.
type Client struct {
	cfg Config

	dialConn      func() (connection, error)
	openPublisher func(connection) (publishChannel, error)

	mu     sync.Mutex
	conn   connection
	pubCh  publishChannel
	closed bool
}

// ConfigFrom maps the environment settings onto a client Config.
func ConfigFrom(c config.BrokerConfig) Config {
	return Config{
		URL:            c.URL,
		ConnectionName: c.ConnectionName,
		Heartbeat:      c.Heartbeat,
		ReconnectDelay: c.ReconnectDelay,
		Queues:         c.Queues(),
		DeadLetter:     c.DeadLetter,
	}
}

// Connect dials until the broker answers or ctx is cancelled, then declares
// every configured queue.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	c := newClient(cfg)
	if err := c.dialLoop(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) dialLoop(ctx context.Context) error {
	for {
		err := c.dial()
		if err == nil {
			return nil
		}
		slog.ErrorContext(ctx, "Broker connection failed, retrying",
			slog.Any("error", err),
			slog.Duration("retry_in", c.cfg.ReconnectDelay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func newClient(cfg Config) *Client {
	c := &Client{cfg: cfg}
	c.dialConn = c.dialAMQP
	c.openPublisher = c.openConfirmChannel
	return c
}

func (c *Client) dial() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.redialLocked()
}

// redialLocked replaces the connection and publish channel, closing the
// previous connection. c.mu must be held.
func (c *Client) redialLocked() error {
	conn, err := c.dialConn()
	if err != nil {
		return err
	}
	pubCh, err := c.openPublisher(conn)
	if err != nil {
		conn.Close()
		return err
	}
	if old := c.conn; old != nil && !old.IsClosed() {
		_ = old.Close()
	}
	c.conn, c.pubCh = conn, pubCh
	slog.Info("Broker connection established", slog.Int("queues", len(c.cfg.Queues)))
	return nil
}

// ensurePublisherLocked makes sure pubCh is usable. A closed channel on a
// live connection is reopened in place so consumer channels survive. c.mu
// must be held.
func (c *Client) ensurePublisherLocked(ctx context.Context) error {
	if c.pubCh != nil && !c.pubCh.IsClosed() {
		return nil
	}
	if c.conn != nil && !c.conn.IsClosed() {
		slog.WarnContext(ctx, "Broker publish channel closed, reopening")
		pubCh, err := c.openPublisher(c.conn)
		if err == nil {
			c.pubCh = pubCh
			return nil
		}
		slog.WarnContext(ctx, "Reopening publish channel failed, redialing", slog.Any("error", err))
	} else {
		slog.WarnContext(ctx, "Broker connection closed, redialing")
	}
	return c.redialLocked()
}

func (c *Client) dialAMQP() (connection, error) {
	props := amqp.NewConnectionProperties()
	hostname, _ := os.Hostname()
	props.SetClientConnectionName(fmt.Sprintf("%s-%s", c.cfg.ConnectionName, hostname))

	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat:  c.cfg.Heartbeat,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return conn, nil
}

// openConfirmChannel declares the queues and returns a channel in confirm mode.
func (c *Client) openConfirmChannel(conn connection) (publishChannel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareQueues(ch, c.cfg.Queues, c.cfg.DeadLetter); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return ch, nil
}

func declareQueues(ch *amqp.Channel, queues []string, deadLetter bool) error {
	for _, q := range queues {
		var args amqp.Table
		if deadLetter {
			dlq := DeadLetterQueue(q)
			if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare %s: %w", dlq, err)
			}
			args = amqp.Table{
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": dlq,
			}
		}
		if _, err := ch.QueueDeclare(q, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare %s: %w", q, err)
		}
	}
	return nil
}

// Publish sends a persistent JSON message to queue and waits for the broker confirm.
func (c *Client) Publish(ctx context.Context, queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode task for %s: %w", queue, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	// Processes without a consumer loop never call Reconnect, so recover here.
	if err := c.ensurePublisherLocked(ctx); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	dc, err := c.pubCh.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm publish to %s: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("publish to %s: broker nacked the message", queue)
	}
	return nil
}

// Consume opens a dedicated channel with the given prefetch and streams
// deliveries until the channel closes or ctx is cancelled. After cancellation
// the channel is kept open until every delivery already handed out is settled.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if conn == nil || conn.IsClosed() {
		return nil, amqp.ErrClosed
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch on %s: %w", queue, err)
	}
	raw, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	out := make(chan Delivery)
	var inflight sync.WaitGroup
	go func() {
		defer close(out)
		defer func() {
			// Settling needs the channel, so it stays open until handed out
			// deliveries are acked or nacked.
			inflight.Wait()
			ch.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-raw:
				if !ok {
					return
				}
				inflight.Add(1)
				select {
				case out <- newAMQPDelivery(d, inflight.Done):
				case <-ctx.Done():
					inflight.Done()
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Reconnect drops the current connection and dials again with the configured delay.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.conn
	c.conn, c.pubCh = nil, nil
	c.mu.Unlock()

	if old != nil && !old.IsClosed() {
		_ = old.Close()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.ReconnectDelay):
	}
	return c.dialLoop(ctx)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

type amqpDelivery struct {
	d       amqp.Delivery
	settled func()
}

func newAMQPDelivery(d amqp.Delivery, settled func()) *amqpDelivery {
	var once sync.Once
	return &amqpDelivery{d: d, settled: func() { once.Do(settled) }}
}

func (a *amqpDelivery) Body() []byte { return a.d.Body }

func (a *amqpDelivery) Redelivered() bool { return a.d.Redelivered }

func (a *amqpDelivery) Ack() error {
	defer a.settled()
	return a.d.Ack(false)
}

func (a *amqpDelivery) Nack(requeue bool) error {
	defer a.settled()
	return a.d.Nack(false, requeue)
}

var (
	_ Publisher = (*Client)(nil)
	_ Source    = (*Client)(nil)
)
