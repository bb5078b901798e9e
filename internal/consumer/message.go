package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/timour/aiomessaging/internal/broker"
	"github.com/timour/aiomessaging/internal/message"
	"github.com/timour/aiomessaging/internal/output"
	"github.com/timour/aiomessaging/internal/router"
)

// OutputAnnouncer is notified every time a message's next step targets an
// output — it starts a local Output consumer if none exists yet for this
// event type and broadcasts output_observed to the cluster
// (spec.md §4.5 step 3a, §4.8).
type OutputAnnouncer interface {
	AnnounceOutput(ctx context.Context, eventType string, out output.Backend) error
}

// AvailableOutputs is the optional configured set of output names this
// worker is allowed to route to; nil means every output is available
// (spec.md §4.5 "Availability check").
type AvailableOutputs map[string]struct{}

func (a AvailableOutputs) allows(name string) bool {
	if a == nil {
		return true
	}
	_, ok := a[name]
	return ok
}

// Message is one event-type's Message consumer (spec.md §4.5).
type Message struct {
	*Base
	eventType string
	router    *router.Router
	announce  OutputAnnouncer
	available AvailableOutputs
	log       *slog.Logger
}

// NewMessage constructs a Message consumer for eventType.
func NewMessage(eventType string, rt *router.Router, announce OutputAnnouncer, available AvailableOutputs, log *slog.Logger) *Message {
	l := log.With(slog.String("role", "message"), slog.String("event_type", eventType))
	return &Message{Base: NewBase(l), eventType: eventType, router: rt, announce: announce, available: available, log: l}
}

func (m *Message) queueName() string { return "messages." + m.eventType }

// Listen declares and consumes messages.<event_type> (spec.md §6.1).
func (m *Message) Listen(ctx context.Context, ch broker.Channel) error {
	if err := ch.DeclareExchange(ctx, broker.ExchangeSpec{Name: m.queueName(), Kind: broker.ExchangeDirect, Durable: true}); err != nil {
		return fmt.Errorf("message consumer: declare exchange: %w", err)
	}
	if err := ch.DeclareQueue(ctx, broker.QueueSpec{Name: m.queueName(), Durable: true}); err != nil {
		return fmt.Errorf("message consumer: declare queue: %w", err)
	}
	if err := ch.Bind(ctx, m.queueName(), m.queueName(), m.eventType); err != nil {
		return fmt.Errorf("message consumer: bind queue: %w", err)
	}
	consumption, err := ch.Consume(ctx, m.queueName(), m.handle(ch))
	if err != nil {
		return fmt.Errorf("message consumer: consume: %w", err)
	}
	m.Own(consumption)
	return nil
}

func (m *Message) handle(ch broker.Channel) broker.Handler {
	return func(ctx context.Context, d broker.Delivery) error {
		m.Track(func() {
			msg, err := message.FromJSON(d.Body)
			if err != nil {
				m.log.Error("message consumer: decode failed", slog.String("error", err.Error()))
				return
			}
			m.route(ctx, ch, msg)
		})
		return nil
	}
}

// route picks the next effect and, for an output missing from the
// configured available set, skips it rather than wedging the pipeline
// (spec.md §4.5 "Availability check").
func (m *Message) route(ctx context.Context, ch broker.Channel, msg *message.Message) {
	for {
		e, route, err := m.router.NextEffect(msg)
		if err != nil {
			m.log.Error("message consumer: next effect failed", slog.String("error", err.Error()))
			return
		}
		if e == nil {
			m.log.Info("message consumer: end of pipeline", slog.String("message_id", msg.MessageID()))
			return
		}

		action, err := e.NextAction(route.State)
		if err != nil {
			m.log.Error("message consumer: next action failed", slog.String("error", err.Error()))
			return
		}
		if action == nil {
			return
		}

		outputName := action.Output.Name()
		if !m.available.allows(outputName) {
			if err := m.router.SkipNextEffect(msg); err != nil {
				m.log.Error("message consumer: skip failed", slog.String("error", err.Error()))
				return
			}
			continue
		}

		if m.announce != nil {
			if err := m.announce.AnnounceOutput(ctx, m.eventType, action.Output); err != nil {
				m.log.Error("message consumer: announce output failed", slog.String("error", err.Error()))
			}
		}

		body, err := msg.ToJSON()
		if err != nil {
			m.log.Error("message consumer: encode failed", slog.String("error", err.Error()))
			return
		}
		if err := ch.Publish(ctx, "output."+m.eventType, outputName, nil, body); err != nil {
			m.log.Error("message consumer: publish to output failed", slog.String("error", err.Error()))
		}
		return
	}
}
