// Package builtins registers the reference event-pipeline steps and
// generators a deployment config can refer to by name (internal/pipeline's
// Go-native stand-in for the source's dotted-path resolution, Design Notes
// §9). These are templates a real deployment replaces with its own steps;
// they exist so config.yaml and the test suite have something concrete to
// reference.
package builtins

import (
	"context"

	"github.com/timour/aiomessaging/internal/event"
	"github.com/timour/aiomessaging/internal/message"
	"github.com/timour/aiomessaging/internal/pipeline"
)

// RegisterEventSteps adds the reference event-pipeline steps.
func RegisterEventSteps(r *pipeline.Registry) {
	r.RegisterStep("identity", func(ctx context.Context, e *event.Event) (*event.Event, error) {
		return e, nil
	})
	r.RegisterStep("require_payload", func(ctx context.Context, e *event.Event) (*event.Event, error) {
		if len(e.Payload) == 0 {
			return nil, pipeline.ErrDropEvent
		}
		return e, nil
	})
}

// RegisterGenerators adds the reference message generators.
func RegisterGenerators(r *pipeline.Registry) {
	r.RegisterGenerator("single_message", func(ctx context.Context, e *event.Event, emit func(*message.Message) error) error {
		return emit(message.New("", e.ID, e.Type, e.Payload, nil))
	})
}
