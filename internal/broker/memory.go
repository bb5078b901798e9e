package broker

import (
	"context"
	"fmt"
	"sync"
)

// binding is one exchange->queue routing entry.
type binding struct {
	routingKey string
	queue      string
}

type memQueue struct {
	spec     QueueSpec
	messages chan memDelivery
	mu       sync.Mutex
	cancel   func()
	deleted  bool
}

type memDelivery struct {
	routingKey string
	headers    map[string]any
	body       []byte
}

// MemoryBroker is an in-process Broker substitute for tests (spec.md §9
// "A test harness must be able to substitute an in-memory implementation").
// It reproduces direct/fanout routing and default-exchange ("") direct-to-
// queue delivery, but has no network, no persistence, and no qos backpressure.
type MemoryBroker struct {
	mu        sync.Mutex
	exchanges map[string]ExchangeKind
	bindings  map[string][]binding
	queues    map[string]*memQueue
	channels  map[string]Channel
	closed    bool
}

// NewMemoryBroker returns an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		exchanges: map[string]ExchangeKind{},
		bindings:  map[string][]binding{},
		queues:    map[string]*memQueue{},
		channels:  map[string]Channel{},
	}
}

func (b *MemoryBroker) Channel(ctx context.Context, name string) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[name]; ok {
		return ch, nil
	}
	ch := &memChannel{broker: b}
	b.channels[name] = ch
	return ch, nil
}

func (b *MemoryBroker) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, q := range b.queues {
		q.mu.Lock()
		if q.cancel != nil {
			q.cancel()
		}
		q.mu.Unlock()
	}
	return nil
}

func (b *MemoryBroker) queue(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[name]
}

type memChannel struct {
	broker *MemoryBroker
}

func (c *memChannel) DeclareExchange(ctx context.Context, spec ExchangeSpec) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.exchanges[spec.Name] = spec.Kind
	return nil
}

func (c *memChannel) DeclareQueue(ctx context.Context, spec QueueSpec) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if _, ok := c.broker.queues[spec.Name]; ok {
		return nil
	}
	c.broker.queues[spec.Name] = &memQueue{spec: spec, messages: make(chan memDelivery, 1024)}
	return nil
}

func (c *memChannel) Bind(ctx context.Context, queue, exchange, routingKey string) error {
	if exchange == "" {
		return nil
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.bindings[exchange] = append(c.broker.bindings[exchange], binding{routingKey: routingKey, queue: queue})
	return nil
}

func (c *memChannel) DeleteQueue(ctx context.Context, name string) error {
	c.broker.mu.Lock()
	q, ok := c.broker.queues[name]
	delete(c.broker.queues, name)
	c.broker.mu.Unlock()
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.deleted {
		q.deleted = true
		if q.cancel != nil {
			q.cancel()
		}
	}
	return nil
}

func (c *memChannel) QoS(prefetchCount int) error { return nil }

func (c *memChannel) Publish(ctx context.Context, exchange, routingKey string, headers map[string]any, body []byte) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	deliver := func(queueName string) error {
		q, ok := c.broker.queues[queueName]
		if !ok {
			return nil
		}
		select {
		case q.messages <- memDelivery{routingKey: routingKey, headers: headers, body: body}:
		default:
			return fmt.Errorf("broker: memory queue %q full", queueName)
		}
		return nil
	}

	if exchange == "" {
		return deliver(routingKey)
	}

	kind := c.broker.exchanges[exchange]
	for _, bd := range c.broker.bindings[exchange] {
		if kind == ExchangeFanout || bd.routingKey == routingKey {
			if err := deliver(bd.queue); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *memChannel) Consume(ctx context.Context, queue string, handler Handler) (Consumption, error) {
	q := c.broker.queue(queue)
	if q == nil {
		return nil, fmt.Errorf("broker: memory queue %q not declared", queue)
	}
	consumeCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	go func() {
		for {
			select {
			case <-consumeCtx.Done():
				return
			case d, ok := <-q.messages:
				if !ok {
					return
				}
				ack := func() error { return nil }
				if err := handler(consumeCtx, Delivery{Body: d.body, RoutingKey: d.routingKey, Headers: d.headers, Ack: ack}); err != nil {
					// Never nack: consistent with the amqp implementation,
					// the error is the caller's to log.
					_ = err
				}
			}
		}
	}()

	return &memConsumption{cancel: cancel}, nil
}

type memConsumption struct {
	cancel context.CancelFunc
}

func (c *memConsumption) Cancel(ctx context.Context) error {
	c.cancel()
	return nil
}
