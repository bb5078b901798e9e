// Package broker abstracts the AMQP-shaped messaging primitives the core
// needs (spec.md §9 "Broker abstraction"): connect/close, named channels,
// queue/exchange declare, bind, publish, consume, ack, cancel, delete-queue.
// A test harness substitutes the in-memory implementation in memory.go.
package broker

import (
	"context"
	"time"
)

// ExchangeKind is the small closed set of exchange types the topology uses
// (spec.md §6.1): direct for point-to-point queues, fanout for the cluster
// bus.
type ExchangeKind string

const (
	ExchangeDirect ExchangeKind = "direct"
	ExchangeFanout ExchangeKind = "fanout"
)

// QueueSpec declares a queue's durability shape.
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// ExchangeSpec declares an exchange.
type ExchangeSpec struct {
	Name    string
	Kind    ExchangeKind
	Durable bool
}

// Delivery is one inbound message handed to a consumer handler. Ack is the
// only terminal action a handler may take — spec.md §6.1 "Messages are
// never nacked".
type Delivery struct {
	Body       []byte
	RoutingKey string
	Headers    map[string]any
	Ack        func() error
}

// Handler processes one delivery. Its return error is logged by the caller;
// it never affects ack/nack (spec.md §4.6 step 4, §7).
type Handler func(ctx context.Context, d Delivery) error

// Consumption is a live subscription a consumer can later cancel.
type Consumption interface {
	// Cancel stops delivery to the handler. Idempotent.
	Cancel(ctx context.Context) error
}

// Channel is one named logical connection to the broker — the unit at
// which QoS prefetch is configured and consumption is started/cancelled
// (spec.md §5 "Shared resources", channels are per-purpose, lazily opened,
// cached by name).
type Channel interface {
	DeclareExchange(ctx context.Context, spec ExchangeSpec) error
	DeclareQueue(ctx context.Context, spec QueueSpec) error
	Bind(ctx context.Context, queue, exchange, routingKey string) error
	DeleteQueue(ctx context.Context, name string) error

	// QoS sets prefetch_count for this channel (spec.md §5, default 20).
	QoS(prefetchCount int) error

	Publish(ctx context.Context, exchange, routingKey string, headers map[string]any, body []byte) error

	// Consume starts handler on queue and returns a Consumption used to
	// cancel it later.
	Consume(ctx context.Context, queue string, handler Handler) (Consumption, error)
}

// Broker is the process-wide connection. Channel is idempotent per name:
// calling it twice with the same name returns the same underlying channel.
type Broker interface {
	Channel(ctx context.Context, name string) (Channel, error)
	Close(ctx context.Context) error
}

// DefaultPrefetchCount is the QoS value every channel uses unless
// overridden (spec.md §5 "Concurrency limit").
const DefaultPrefetchCount = 20

// DeclareTimeout is a 1 s bound for channel/queue/exchange declarations.
// Neither Channel implementation in this package applies it: declarations
// are not bounded by a timeout.
const DeclareTimeout = 1 * time.Second

// DefaultReconnectTimeout is the delay between connection attempts in Dial
// (spec.md §5 "reconnect_timeout"). A connection that drops after Dial has
// returned is not re-dialed.
const DefaultReconnectTimeout = 3 * time.Second
