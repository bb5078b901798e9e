package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config names the RabbitMQ endpoint, mirroring spec.md §6.3's
// queue.backend config block.
type Config struct {
	Host             string
	Port             string
	Username         string
	Password         string
	VirtualHost      string
	ReconnectTimeout time.Duration
}

func (c Config) url() string {
	vhost := c.VirtualHost
	return fmt.Sprintf("amqp://%s:%s@%s:%s/%s", c.Username, c.Password, c.Host, c.Port, vhost)
}

// amqpBroker is the production Broker, backed by a single AMQP connection
// shared across lazily-opened, name-cached channels (spec.md §5 "Shared
// resources"), with per-purpose named channels instead of one shared
// channel and no DLX/nack retry path: messages are never nacked (spec.md
// §6.1), retry state lives in the Route instead (see DESIGN.md).
type amqpBroker struct {
	cfg    Config
	log    *slog.Logger
	mu     sync.Mutex
	conn   *amqp.Connection
	named  map[string]Channel
	closed bool
}

// Dial connects to RabbitMQ, retrying with cfg.ReconnectTimeout between
// attempts until ctx is cancelled (spec.md §5 "Connection-closed triggers
// reconnection after reconnect_timeout").
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (Broker, error) {
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = DefaultReconnectTimeout
	}
	b := &amqpBroker{cfg: cfg, log: log, named: map[string]Channel{}}
	conn, err := b.connectWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	go b.watchClose(conn)
	return b, nil
}

func (b *amqpBroker) connectWithRetry(ctx context.Context) (*amqp.Connection, error) {
	for {
		conn, err := amqp.Dial(b.cfg.url())
		if err == nil {
			return conn, nil
		}
		b.log.Warn("amqp dial failed, retrying", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.cfg.ReconnectTimeout):
		}
	}
}

// watchClose blocks until the connection closes unexpectedly and logs it.
// Nothing re-dials afterwards: channel users discover the break on their
// next operation, and neither this package nor internal/manager opens a
// fresh connection.
func (b *amqpBroker) watchClose(conn *amqp.Connection) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	err := <-notify
	if err == nil {
		return
	}
	b.log.Error("amqp connection closed", slog.String("error", err.Error()))
}

func (b *amqpBroker) Channel(ctx context.Context, name string) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.named[name]; ok {
		return ch, nil
	}
	raw, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker: open channel %q: %w", name, err)
	}
	if err := raw.Qos(DefaultPrefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("broker: set qos on channel %q: %w", name, err)
	}
	ch := &amqpChannel{name: name, ch: raw, log: b.log.With(slog.String("channel", name))}
	b.named[name] = ch
	return ch, nil
}

func (b *amqpBroker) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.named {
		_ = ch.(*amqpChannel).ch.Close()
	}
	return b.conn.Close()
}

type amqpChannel struct {
	name string
	ch   *amqp.Channel
	log  *slog.Logger
}

func (c *amqpChannel) DeclareExchange(ctx context.Context, spec ExchangeSpec) error {
	return c.ch.ExchangeDeclare(spec.Name, string(spec.Kind), spec.Durable, false, false, false, nil)
}

func (c *amqpChannel) DeclareQueue(ctx context.Context, spec QueueSpec) error {
	_, err := c.ch.QueueDeclare(spec.Name, spec.Durable, spec.AutoDelete, spec.Exclusive, false, nil)
	return err
}

func (c *amqpChannel) Bind(ctx context.Context, queue, exchange, routingKey string) error {
	if exchange == "" {
		return nil
	}
	return c.ch.QueueBind(queue, routingKey, exchange, false, nil)
}

func (c *amqpChannel) DeleteQueue(ctx context.Context, name string) error {
	_, err := c.ch.QueueDelete(name, false, false, false)
	return err
}

func (c *amqpChannel) QoS(prefetchCount int) error {
	return c.ch.Qos(prefetchCount, 0, false)
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, routingKey string, headers map[string]any, body []byte) error {
	return c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Headers:      amqp.Table(headers),
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
}

func (c *amqpChannel) Consume(ctx context.Context, queue string, handler Handler) (Consumption, error) {
	consumerTag := fmt.Sprintf("%s-%d", queue, time.Now().UnixNano())
	deliveries, err := c.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: consume %q: %w", queue, err)
	}
	go func() {
		for d := range deliveries {
			d := d
			headers := map[string]any(d.Headers)
			var once sync.Once
			var ackErr error
			ack := func() error {
				once.Do(func() { ackErr = d.Ack(false) })
				return ackErr
			}
			if err := handler(ctx, Delivery{Body: d.Body, RoutingKey: d.RoutingKey, Headers: headers, Ack: ack}); err != nil {
				// Never nack: spec.md §6.1. Log and ack so the broker does
				// not redeliver indefinitely; retry state lives in Route.
				c.log.Error("handler error", slog.String("error", err.Error()), slog.String("queue", queue))
			}
			if err := ack(); err != nil {
				c.log.Error("ack failed", slog.String("error", err.Error()), slog.String("queue", queue))
			}
		}
	}()
	return &amqpConsumption{ch: c.ch, tag: consumerTag}, nil
}

type amqpConsumption struct {
	ch  *amqp.Channel
	tag string
}

func (c *amqpConsumption) Cancel(ctx context.Context) error {
	return c.ch.Cancel(c.tag, false)
}
