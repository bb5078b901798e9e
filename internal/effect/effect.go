// Package effect implements the declarative pipeline node contract (spec.md
// §3 "Effect", §4.1) and its only required concrete kind, SendEffect.
package effect

import (
	"encoding/json"
	"fmt"

	"github.com/timour/aiomessaging/internal/output"
)

// ActionKind distinguishes the two concrete actions a message consumer can
// be asked to perform for an effect (spec.md glossary "Action").
type ActionKind int

const (
	// ActionSend asks the Message consumer to route the message to an
	// output's queue so the Output consumer invokes Backend.Send.
	ActionSend ActionKind = iota
	// ActionCheck is the same, but the Output consumer invokes Backend.Check.
	ActionCheck
)

// Action is a concrete side effect a Message consumer must perform.
type Action struct {
	Kind   ActionKind
	Output output.Backend
}

// Effect is a serializable pipeline step. Only SendEffect is required by the
// spec; the interface exists so additional effect kinds can be registered
// without touching the router (Design Notes §9, "global effect registry").
type Effect interface {
	// Name is the registered effect name used on the wire (spec.md §6.2,
	// effect_serialized[0]).
	Name() string

	// NextAction inspects state (nil on first call) and returns the next
	// action to perform, or nil if the effect is complete.
	NextAction(state []byte) (*Action, error)

	// Apply performs the next action against msg, given the current state
	// and the route's current retry count, and returns the updated state
	// and retry count. Must not be called when NextAction(state) is nil.
	Apply(msg output.Message, state []byte, retryCount int) (newState []byte, newRetryCount int, err error)

	// SerializeArgs returns this effect's constructor arguments, so the
	// whole effect can round-trip through the wire envelope
	// [name, args_serialized, kwargs_serialized].
	SerializeArgs() (json.RawMessage, error)

	// SerializeKwargs returns this effect's constructor keyword arguments,
	// the third element of the wire envelope. SendEffect has none of its
	// own (its backends carry their own args/kwargs inside args_serialized)
	// and returns json "null".
	SerializeKwargs() (json.RawMessage, error)
}

// Constructor builds an Effect from its serialized args (output.Registry is
// needed to resolve the nested output backends for SendEffect).
type Constructor func(outputs *output.Registry, args json.RawMessage) (Effect, error)

// Registry resolves an effect name to a constructor, populated once at
// startup (Design Notes §9).
type Registry struct {
	ctors   map[string]Constructor
	outputs *output.Registry
}

// NewRegistry creates a registry that resolves nested output backends
// through outputs.
func NewRegistry(outputs *output.Registry) *Registry {
	return &Registry{ctors: map[string]Constructor{}, outputs: outputs}
}

// Register adds a constructor under name.
func (r *Registry) Register(name string, ctor Constructor) {
	if _, exists := r.ctors[name]; exists {
		panic(fmt.Sprintf("effect: %q already registered", name))
	}
	r.ctors[name] = ctor
}

// Build constructs an effect instance by name from its serialized args.
func (r *Registry) Build(name string, args json.RawMessage) (Effect, error) {
	ctor, ok := r.ctors[name]
	if !ok {
		return nil, fmt.Errorf("effect: unknown effect %q", name)
	}
	return ctor(r.outputs, args)
}

// NewDefaultRegistry returns a registry with SendEffect registered, the
// only concrete effect kind a router currently builds.
func NewDefaultRegistry(outputs *output.Registry) *Registry {
	r := NewRegistry(outputs)
	r.Register(SendEffectName, buildSendEffect)
	return r
}

// Outputs exposes the output registry a Registry was constructed with, so
// callers outside this package (the router's effect builder) can build a
// SendEffect directly from bare backend names without duplicating the
// output-construction logic.
func (r *Registry) Outputs() *output.Registry { return r.outputs }
