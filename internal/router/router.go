// Package router implements the pure state machine over a message's
// delivery pipeline (spec.md §4.2). It is the one package allowed to import
// both internal/message and internal/effect, resolving a Route's opaque
// effect identity back to a live effect.Effect.
package router

import (
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/timour/aiomessaging/internal/effect"
	"github.com/timour/aiomessaging/internal/message"
	"github.com/timour/aiomessaging/internal/metrics"
)

// Emit is called by an OutputSpec's generator function for each effect it
// wants the router to consider, in order.
type Emit func(e effect.Effect) error

// GeneratorFunc is the polymorphic pipeline generator spec.md §9 calls out:
// "generator-function | callable | string-path | list-of-output-names" all
// reduce, at build time, to this one shape.
type GeneratorFunc func(msg *message.Message, emit Emit) error

// OutputSpec is the tagged variant of an event's configured output
// pipeline. Exactly one of its fields is meaningful per instance.
type OutputSpec struct {
	// Generator covers both a raw generator function and a resolved
	// dotted-path callable (path resolution happens at config load time,
	// outside this package).
	Generator GeneratorFunc

	// Backends is sugar for "yield send(*backends)": a flat output pipeline
	// expressed as an ordered list of backend names.
	Backends []string
}

// Build returns the GeneratorFunc this spec reduces to.
func (s OutputSpec) Build(outputs EffectBuilder) (GeneratorFunc, error) {
	if s.Generator != nil {
		return s.Generator, nil
	}
	if len(s.Backends) == 0 {
		return nil, fmt.Errorf("router: output spec has neither generator nor backends")
	}
	return func(msg *message.Message, emit Emit) error {
		e, err := outputs.BuildSend(s.Backends)
		if err != nil {
			return err
		}
		return emit(e)
	}, nil
}

// EffectBuilder is the narrow view of effect.Registry the router needs to
// turn a bare backend-name list into a SendEffect (used by OutputSpec.Build
// and by Router when it must reconstruct an effect from a Route's stored
// name/args on a fresh instance — e.g. after deserializing a message that
// arrived from another worker).
type EffectBuilder interface {
	BuildSend(backendNames []string) (effect.Effect, error)
	BuildFromRoute(r *message.Route) (effect.Effect, error)
}

// Router ties a message's declarative output pipeline to its Route records.
type Router struct {
	spec    OutputSpec
	gen     GeneratorFunc
	builder EffectBuilder

	// Metrics is optional; a nil Metrics disables instrumentation (used by
	// tests that build a Router directly).
	Metrics *metrics.Pipeline
}

// New builds a Router for one event type's output pipeline.
func New(spec OutputSpec, builder EffectBuilder) (*Router, error) {
	gen, err := spec.Build(builder)
	if err != nil {
		return nil, err
	}
	return &Router{spec: spec, gen: gen, builder: builder}, nil
}

// step pairs a yielded effect with the message's existing Route for it, if
// any (by effect name and serialized args — spec.md §3 "at most one Route
// per effect identity").
type step struct {
	e     effect.Effect
	route *message.Route
}

// plan runs the generator once, yielding every step it produces and
// attaching each to the message's existing Route (creating one if absent).
func (r *Router) plan(msg *message.Message) ([]step, error) {
	var steps []step
	err := r.gen(msg, func(e effect.Effect) error {
		args, err := e.SerializeArgs()
		if err != nil {
			return err
		}
		kwargs, err := e.SerializeKwargs()
		if err != nil {
			return err
		}
		route := findRoute(msg, e.Name(), args)
		if route == nil {
			route = msg.AddRoute(e.Name(), args, kwargs)
		}
		steps = append(steps, step{e: e, route: route})
		return nil
	})
	return steps, err
}

func findRoute(msg *message.Message, name string, args json.RawMessage) *message.Route {
	for _, r := range msg.Route {
		if r.EffectName == name && string(r.EffectArgs) == string(args) {
			return r
		}
	}
	return nil
}

// NextEffect runs the pipeline and returns the first step whose route is
// still PENDING, or nil if the generator is exhausted (spec.md §4.2
// "next_effect"). A route left PENDING by an output pipeline that has since
// been reconfigured (so the generator no longer yields it) is reconstructed
// directly from its stored name/args via the builder's BuildFromRoute,
// rather than silently stalling the message forever.
func (r *Router) NextEffect(msg *message.Message) (effect.Effect, *message.Route, error) {
	steps, err := r.plan(msg)
	if err != nil {
		return nil, nil, err
	}
	covered := make(map[*message.Route]bool, len(steps))
	for _, s := range steps {
		covered[s.route] = true
		if s.route.Status == message.RoutePending {
			return s.e, s.route, nil
		}
	}
	for _, route := range msg.Route {
		if route.Status != message.RoutePending || covered[route] {
			continue
		}
		e, err := r.builder.BuildFromRoute(route)
		if err != nil {
			return nil, nil, fmt.Errorf("router: reconstruct effect for orphaned route %q: %w", route.EffectName, err)
		}
		return e, route, nil
	}
	return nil, nil, nil
}

// ApplyNextEffect fetches the next effect, applies it to msg, persists the
// new state/retry_count on its Route, and marks the Route FINISHED iff the
// effect's next_action is now nil (spec.md §4.2 "apply_next_effect").
func (r *Router) ApplyNextEffect(msg *message.Message) error {
	e, route, err := r.NextEffect(msg)
	if err != nil {
		return err
	}
	if e == nil {
		return nil
	}

	var timer *prometheus.Timer
	if r.Metrics != nil {
		if action, actErr := e.NextAction(route.State); actErr == nil && action != nil {
			timer = prometheus.NewTimer(r.Metrics.OutputSendDuration.WithLabelValues(action.Output.Name()))
		}
	}
	newState, newRetry, applyErr := e.Apply(msg, route.State, route.RetryCount)
	if timer != nil {
		timer.ObserveDuration()
	}
	route.State = newState
	route.RetryCount = newRetry
	if applyErr != nil {
		if r.Metrics != nil {
			r.Metrics.EffectsApplied.WithLabelValues(e.Name(), "error").Inc()
		}
		// Route stays PENDING: the Output consumer logs applyErr and does
		// not republish; the delivery is still acked, so the broker does not
		// redeliver it (spec.md §4.6 step 4).
		return applyErr
	}
	finished, err := effect.IsFinished(e, newState)
	if err != nil {
		return err
	}
	if r.Metrics != nil {
		r.Metrics.EffectsApplied.WithLabelValues(e.Name(), "ok").Inc()
	}
	if finished {
		route.Status = message.RouteFinished
		if r.Metrics != nil {
			r.Metrics.RoutesFinished.WithLabelValues("finished").Inc()
		}
	}
	return nil
}

// SkipNextEffect marks the current action's output slot FAIL without
// invoking the backend (spec.md §4.2 "skip_next_effect"), used by the
// Message consumer when the chosen output is not in the event type's
// configured available_outputs set.
func (r *Router) SkipNextEffect(msg *message.Message) error {
	e, route, err := r.NextEffect(msg)
	if err != nil {
		return err
	}
	if e == nil {
		return nil
	}
	skippable, ok := e.(interface {
		SkipCurrent(state []byte) ([]byte, error)
	})
	if !ok {
		return fmt.Errorf("router: effect %q does not support skipping", e.Name())
	}
	newState, err := skippable.SkipCurrent(route.State)
	if err != nil {
		return err
	}
	route.State = newState
	finished, err := effect.IsFinished(e, newState)
	if err != nil {
		return err
	}
	if finished {
		route.Status = message.RouteFinished
	}
	return nil
}

// Explain returns a short human-readable trace of the pipeline's current
// decision for msg — the yielded effects, each one's route status, and
// which would be picked next. A debugging aid: the worker CLI does not call
// it, and it is not part of the wire protocol.
func (r *Router) Explain(msg *message.Message) (string, error) {
	steps, err := r.plan(msg)
	if err != nil {
		return "", err
	}
	out := ""
	for i, s := range steps {
		marker := " "
		if s.route.Status == message.RoutePending {
			marker = "*"
		}
		out += fmt.Sprintf("%s[%d] %s status=%d retry=%d\n", marker, i, s.e.Name(), s.route.Status, s.route.RetryCount)
	}
	return out, nil
}
