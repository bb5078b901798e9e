package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/timour/aiomessaging/internal/broker"
	"github.com/timour/aiomessaging/internal/message"
	"github.com/timour/aiomessaging/internal/router"
)

// Output is one (event_type, output_name) consumer: it applies the next
// pipeline effect, then either republishes the message for the next step
// or logs it terminal (spec.md §4.6).
type Output struct {
	*Base
	eventType  string
	outputName string
	router     *router.Router
	messagesCh broker.Channel
	log        *slog.Logger
}

// NewOutput constructs an Output consumer. messagesCh is the channel used
// to republish onto messages.<event_type> when more pipeline steps remain.
func NewOutput(eventType, outputName string, rt *router.Router, messagesCh broker.Channel, log *slog.Logger) *Output {
	l := log.With(slog.String("role", "output"), slog.String("event_type", eventType), slog.String("output", outputName))
	return &Output{Base: NewBase(l), eventType: eventType, outputName: outputName, router: rt, messagesCh: messagesCh, log: l}
}

func (o *Output) queueName() string    { return "output." + o.eventType }
func (o *Output) exchangeName() string { return "output." + o.eventType }

// Listen declares output.<event_type> bound on routing key = output name
// and starts consuming it (spec.md §6.1).
func (o *Output) Listen(ctx context.Context, ch broker.Channel) error {
	if err := ch.DeclareExchange(ctx, broker.ExchangeSpec{Name: o.exchangeName(), Kind: broker.ExchangeDirect, Durable: true}); err != nil {
		return fmt.Errorf("output consumer: declare exchange: %w", err)
	}
	if err := ch.DeclareQueue(ctx, broker.QueueSpec{Name: o.queueName(), Durable: true}); err != nil {
		return fmt.Errorf("output consumer: declare queue: %w", err)
	}
	if err := ch.Bind(ctx, o.queueName(), o.exchangeName(), o.outputName); err != nil {
		return fmt.Errorf("output consumer: bind queue: %w", err)
	}
	consumption, err := ch.Consume(ctx, o.queueName(), o.handle)
	if err != nil {
		return fmt.Errorf("output consumer: consume: %w", err)
	}
	o.Own(consumption)
	return nil
}

func (o *Output) handle(ctx context.Context, d broker.Delivery) error {
	o.Track(func() {
		msg, err := message.FromJSON(d.Body)
		if err != nil {
			o.log.Error("output consumer: decode message failed", slog.String("error", err.Error()))
			return
		}

		if err := o.router.ApplyNextEffect(msg); err != nil {
			// Any exception caught and logged; ack still proceeds (the
			// broker.Channel implementation acks regardless) — retry
			// semantics live in route state, not ack/nack (spec.md §4.6
			// step 4).
			o.log.Error("output consumer: apply effect failed",
				slog.String("message_id", msg.MessageID()), slog.String("error", err.Error()))
			return
		}

		next, _, err := o.router.NextEffect(msg)
		if err != nil {
			o.log.Error("output consumer: next effect lookup failed", slog.String("error", err.Error()))
			return
		}
		if next == nil {
			o.log.Info("output consumer: message complete", slog.String("message_id", msg.MessageID()))
			return
		}

		body, err := msg.ToJSON()
		if err != nil {
			o.log.Error("output consumer: encode message failed", slog.String("error", err.Error()))
			return
		}
		if err := o.messagesCh.Publish(ctx, "messages."+o.eventType, o.eventType, nil, body); err != nil {
			o.log.Error("output consumer: republish failed", slog.String("error", err.Error()))
		}
	})
	return nil
}
