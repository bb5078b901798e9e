// Package cluster implements the fanout control bus (spec.md §4.7): a
// per-worker auto-delete queue bound to a fanout exchange, carrying a
// closed set of actions every worker in the cluster reacts to.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/timour/aiomessaging/internal/broker"
	"github.com/timour/aiomessaging/internal/metrics"
)

const (
	exchangeName = "cluster"
	queuePrefix  = "cluster.node."

	actionStartConsume   = "start_consume"
	actionOutputObserved = "output_observed"
)

// StartConsumeHandler reacts to another worker announcing a populated tmp
// generation queue (spec.md §4.3 step 5): the Generation consumer should
// start draining it too.
type StartConsumeHandler func(ctx context.Context, queueName string) error

// OutputObservedHandler reacts to another worker announcing that some
// message wants delivery through (eventType, output): every worker tries to
// start an Output consumer for it (spec.md §4.5 step 3a, §4.8).
type OutputObservedHandler func(ctx context.Context, eventType string, output json.RawMessage) error

// Bus is one worker's connection to the cluster-wide fanout exchange.
type Bus struct {
	ch       broker.Channel
	queue    string
	log      *slog.Logger
	onStart  StartConsumeHandler
	onOutput OutputObservedHandler

	// Metrics is optional; a nil Metrics disables instrumentation.
	Metrics *metrics.Pipeline
}

// wireMessage is the cluster bus's one wire shape (spec.md §6.2): a
// discriminated union keyed by "action".
type wireMessage struct {
	Action     string          `json:"action"`
	QueueName  string          `json:"queue_name,omitempty"`
	EventType  string          `json:"event_type,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// New declares the fanout exchange and this worker's private auto-delete
// queue, and registers the two closed-set action handlers. Either handler
// may be nil if this worker does not care about that action.
func New(ctx context.Context, ch broker.Channel, log *slog.Logger, onStart StartConsumeHandler, onOutput OutputObservedHandler) (*Bus, error) {
	if err := ch.DeclareExchange(ctx, broker.ExchangeSpec{Name: exchangeName, Kind: broker.ExchangeFanout, Durable: false}); err != nil {
		return nil, fmt.Errorf("cluster: declare exchange: %w", err)
	}
	queueName := queuePrefix + uuid.NewString()
	if err := ch.DeclareQueue(ctx, broker.QueueSpec{Name: queueName, Durable: false, AutoDelete: true, Exclusive: true}); err != nil {
		return nil, fmt.Errorf("cluster: declare queue: %w", err)
	}
	if err := ch.Bind(ctx, queueName, exchangeName, ""); err != nil {
		return nil, fmt.Errorf("cluster: bind queue: %w", err)
	}
	return &Bus{ch: ch, queue: queueName, log: log, onStart: onStart, onOutput: onOutput}, nil
}

// Listen starts consuming the control queue. Decode failures and unknown
// actions are logged as errors and dropped, never propagated (spec.md
// §4.7 "On receive").
func (b *Bus) Listen(ctx context.Context) (broker.Consumption, error) {
	return b.ch.Consume(ctx, b.queue, func(ctx context.Context, d broker.Delivery) error {
		var msg wireMessage
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			b.log.Error("cluster: malformed message", slog.String("error", err.Error()))
			return nil
		}
		switch msg.Action {
		case actionStartConsume:
			if msg.QueueName == "" {
				b.log.Error("cluster: start_consume missing queue_name")
				b.countAction(msg.Action, "error")
				return nil
			}
			if b.onStart == nil {
				b.countAction(msg.Action, "ok")
				return nil
			}
			if err := b.onStart(ctx, msg.QueueName); err != nil {
				b.log.Error("cluster: start_consume handler failed", slog.String("error", err.Error()))
				b.countAction(msg.Action, "error")
				return nil
			}
			b.countAction(msg.Action, "ok")
		case actionOutputObserved:
			if msg.EventType == "" {
				b.log.Error("cluster: output_observed missing event_type")
				b.countAction(msg.Action, "error")
				return nil
			}
			if b.onOutput == nil {
				b.countAction(msg.Action, "ok")
				return nil
			}
			if err := b.onOutput(ctx, msg.EventType, msg.Output); err != nil {
				b.log.Error("cluster: output_observed handler failed", slog.String("error", err.Error()))
				b.countAction(msg.Action, "error")
				return nil
			}
			b.countAction(msg.Action, "ok")
		default:
			b.log.Error("cluster: unknown action", slog.String("action", msg.Action))
			b.countAction(msg.Action, "unknown")
		}
		return nil
	})
}

func (b *Bus) countAction(action, outcome string) {
	if b.Metrics != nil {
		b.Metrics.ClusterActionsTotal.WithLabelValues(action, outcome).Inc()
	}
}

// AnnounceStartConsume broadcasts that queueName now has messages to drain.
func (b *Bus) AnnounceStartConsume(ctx context.Context, queueName string) error {
	body, err := json.Marshal(wireMessage{Action: actionStartConsume, QueueName: queueName})
	if err != nil {
		return err
	}
	return b.ch.Publish(ctx, exchangeName, "", nil, body)
}

// AnnounceOutputObserved broadcasts that eventType wants delivery through
// output, so every worker tries to start serving it.
func (b *Bus) AnnounceOutputObserved(ctx context.Context, eventType string, output json.RawMessage) error {
	body, err := json.Marshal(wireMessage{Action: actionOutputObserved, EventType: eventType, Output: output})
	if err != nil {
		return err
	}
	return b.ch.Publish(ctx, exchangeName, "", nil, body)
}
