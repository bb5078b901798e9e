package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/timour/aiomessaging/internal/broker"
	"github.com/timour/aiomessaging/internal/event"
	"github.com/timour/aiomessaging/internal/message"
	"github.com/timour/aiomessaging/internal/metrics"
	"github.com/timour/aiomessaging/internal/pipeline"
)

// GenerationStarter is told about a freshly declared tmp generation queue
// once its generators have produced everything they will produce, so it can
// start draining it and announce it cluster-wide (spec.md §4.3 steps 4-5).
type GenerationStarter interface {
	Consume(ctx context.Context, queue, eventType string) error
	AnnounceStartConsume(ctx context.Context, queueName string) error
}

// Event is one event-type's Event consumer (spec.md §4.3).
type Event struct {
	*Base
	eventType  string
	event      *pipeline.EventPipeline
	generation *pipeline.GenerationPipeline
	starter    GenerationStarter
	log        *slog.Logger

	// Metrics is optional; a nil Metrics disables instrumentation.
	Metrics *metrics.Pipeline
}

// NewEvent constructs an Event consumer for eventType.
func NewEvent(eventType string, eventPipeline *pipeline.EventPipeline, genPipeline *pipeline.GenerationPipeline, starter GenerationStarter, log *slog.Logger) *Event {
	l := log.With(slog.String("role", "event"), slog.String("event_type", eventType))
	return &Event{Base: NewBase(l), eventType: eventType, event: eventPipeline, generation: genPipeline, starter: starter, log: l}
}

func (c *Event) queueName() string { return "events." + c.eventType }

// Listen declares and consumes events.<event_type> (spec.md §6.1).
func (c *Event) Listen(ctx context.Context, ch broker.Channel) error {
	if err := ch.DeclareQueue(ctx, broker.QueueSpec{Name: c.queueName(), Durable: true}); err != nil {
		return fmt.Errorf("event consumer: declare queue: %w", err)
	}
	if err := ch.Bind(ctx, c.queueName(), "", c.queueName()); err != nil {
		return fmt.Errorf("event consumer: bind queue: %w", err)
	}
	consumption, err := ch.Consume(ctx, c.queueName(), c.handle(ch))
	if err != nil {
		return fmt.Errorf("event consumer: consume: %w", err)
	}
	c.Own(consumption)
	return nil
}

func (c *Event) handle(ch broker.Channel) broker.Handler {
	return func(ctx context.Context, d broker.Delivery) error {
		c.Track(func() {
			e, err := event.FromJSON(d.Body)
			if err != nil {
				c.log.Error("event consumer: decode failed", slog.String("error", err.Error()))
				return
			}
			c.process(ctx, ch, e)
		})
		return nil
	}
}

func (c *Event) process(ctx context.Context, ch broker.Channel, e *event.Event) {
	if c.Metrics != nil {
		c.Metrics.EventsConsumed.WithLabelValues(c.eventType).Inc()
	}

	transformed, err := c.event.Run(ctx, e)
	if err != nil {
		if errors.Is(err, pipeline.ErrDropEvent) {
			// Silently discard: spec.md §4.3 "Drop/Delay exceptions...
			// cause the event to be silently dropped".
			return
		}
		c.log.Error("event consumer: pipeline step failed", slog.String("error", err.Error()))
		return
	}

	queueName := fmt.Sprintf("gen.%s.%s", c.eventType, uuid.NewString())
	if err := ch.DeclareQueue(ctx, broker.QueueSpec{Name: queueName, Durable: false, AutoDelete: true}); err != nil {
		c.log.Error("event consumer: declare tmp queue failed", slog.String("error", err.Error()))
		return
	}
	if err := ch.Bind(ctx, queueName, "", queueName); err != nil {
		c.log.Error("event consumer: bind tmp queue failed", slog.String("error", err.Error()))
		return
	}

	emit := func(msg *message.Message) error {
		body, err := msg.ToJSON()
		if err != nil {
			return err
		}
		if err := ch.Publish(ctx, "", queueName, nil, body); err != nil {
			return err
		}
		if c.Metrics != nil {
			c.Metrics.MessagesGenerated.WithLabelValues(c.eventType).Inc()
		}
		return nil
	}

	if err := c.generation.Run(ctx, transformed, emit); err != nil {
		c.log.Error("event consumer: generation pipeline failed", slog.String("error", err.Error()))
	}

	if err := c.starter.Consume(ctx, queueName, c.eventType); err != nil {
		c.log.Error("event consumer: start generation consume failed", slog.String("error", err.Error()))
		return
	}
	if err := c.starter.AnnounceStartConsume(ctx, queueName); err != nil {
		c.log.Error("event consumer: announce start_consume failed", slog.String("error", err.Error()))
	}
}
