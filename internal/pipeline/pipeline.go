// Package pipeline models the polymorphic per-event configuration: a serial
// event pipeline, a parallel generation pipeline, and the output-pipeline
// variant that drives the Router (spec.md §6.3, §9 "polymorphic pipeline
// generator").
package pipeline

import (
	"context"
	"fmt"

	"github.com/timour/aiomessaging/internal/event"
	"github.com/timour/aiomessaging/internal/message"
)

// EventStep transforms an Event, or returns a non-nil dropErr (wrapping
// ErrDropEvent) to have the Event consumer silently discard the event.
type EventStep func(ctx context.Context, e *event.Event) (*event.Event, error)

// ErrDropEvent is returned (or wrapped) by an EventStep to silently discard
// the event with no republish (spec.md §4.3, §7).
var ErrDropEvent = fmt.Errorf("pipeline: drop event")

// EventPipeline is a serial chain of synchronous transforms run once per
// inbound event, each step free to replace the event by returning a new
// value (spec.md §4.3 step 2).
type EventPipeline struct {
	Steps []EventStep
}

// Run executes every step in order, short-circuiting on the first error.
func (p *EventPipeline) Run(ctx context.Context, e *event.Event) (*event.Event, error) {
	cur := e
	for _, step := range p.Steps {
		next, err := step(ctx, cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// Generator produces zero or more messages for an event, publishing each
// through emit as it is created. Generators run concurrently with each
// other (spec.md §4.3 step 4); emit must be safe to call from multiple
// goroutines.
type Generator func(ctx context.Context, e *event.Event, emit func(*message.Message) error) error

// GenerationPipeline fans an event out to N generators running in parallel.
type GenerationPipeline struct {
	Generators []Generator
}

// Run launches every generator concurrently and waits for all to finish,
// collecting the first error (if any) without cancelling siblings — a
// generator failure never blocks another generator's sends.
func (p *GenerationPipeline) Run(ctx context.Context, e *event.Event, emit func(*message.Message) error) error {
	errs := make(chan error, len(p.Generators))
	for _, gen := range p.Generators {
		gen := gen
		go func() {
			errs <- gen(ctx, e, emit)
		}()
	}
	var first error
	for range p.Generators {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}
