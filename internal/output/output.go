// Package output defines the pluggable delivery backend contract (spec.md
// §3 "Output backend", §4.1) and a small registry of reference backends used
// both by tests and as the "dummy" contrib backends a real deployment would
// replace with SMS/push/e-mail gateways.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoDeliveryCheck is returned by Backend.Check when a backend has no
// delivery-check support. It is a distinguished sentinel (not a generic
// "not implemented") so callers can treat it as a permanent FAIL rather than
// an unexpected failure — mirrors aiomessaging's NoDeliveryCheck exception.
var ErrNoDeliveryCheck = errors.New("output: backend has no delivery check")

// Retryable is returned by Backend.Send to signal the message should be
// retried. Delay is advisory and not acted upon: the route is retried on
// the next pass through the Message consumer rather than on a timer.
type Retryable struct {
	Reason string
	Delay  *float64
}

func (r *Retryable) Error() string { return "output: retry: " + r.Reason }

// CheckRequired is returned by Backend.Send to signal that delivery cannot
// be confirmed synchronously and must be polled via Backend.Check on a
// later pass.
type CheckRequired struct {
	Delay *float64
}

func (c *CheckRequired) Error() string { return "output: delivery check required" }

// Message is the narrow view of a message an output backend needs. Message
// (internal/message) satisfies this interface structurally; output does not
// import the message package, which keeps effect -> output a one-way edge.
type Message interface {
	MessageID() string
	MessageType() string
	MessageContent() map[string]any
	MessageMeta() map[string]any
}

// Backend is a pluggable delivery sink. Implementations must be
// constructible from (args, kwargs) so an instance can round-trip through
// JSON as (type-discriminator, args, kwargs) — spec.md §3, §6.2.
type Backend interface {
	Name() string

	// Send transmits message through this backend. retry is the route's
	// current retry count (0 on first attempt). Returns false for a
	// permanent, non-retryable failure; returns a *Retryable or
	// *CheckRequired error for those two flow-control outcomes; any other
	// error propagates and is logged by the Output consumer.
	Send(msg Message, retry int) (bool, error)

	// Check polls delivery status for a backend that previously asked for a
	// check. Returns ErrNoDeliveryCheck if this backend never supports it.
	Check(msg Message) (bool, error)

	// Args/Kwargs are the constructor arguments this instance was built
	// with, kept around so Serialize can round-trip it.
	Args() []any
	Kwargs() map[string]any
}

// Constructor builds a Backend from its serialized args/kwargs.
type Constructor func(args []any, kwargs map[string]any) (Backend, error)

// Registry resolves a backend type name (its "dotted class path" in the
// original) to a constructor. Built once at process startup — see Design
// Notes §9 ("avoid implicit import-time registration").
type Registry struct {
	ctors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: map[string]Constructor{}}
}

// Register adds a constructor under name. Panics on duplicate registration,
// matching the original's register_effect behavior for programmer errors
// caught at startup.
func (r *Registry) Register(name string, ctor Constructor) {
	if _, exists := r.ctors[name]; exists {
		panic(fmt.Sprintf("output: backend %q already registered", name))
	}
	r.ctors[name] = ctor
}

// Build constructs a backend instance by registered name.
func (r *Registry) Build(name string, args []any, kwargs map[string]any) (Backend, error) {
	ctor, ok := r.ctors[name]
	if !ok {
		return nil, fmt.Errorf("output: unknown backend %q", name)
	}
	return ctor(args, kwargs)
}

// serialized is the wire form of a backend: a JSON object with "name",
// "args" and "kwargs" keys. It is not encoded as a positional
// [class_path, args, kwargs] array.
type serialized struct {
	Name   string         `json:"name"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// Serialize encodes a backend to its wire triple.
func Serialize(b Backend) ([]byte, error) {
	return json.Marshal(serialized{Name: b.Name(), Args: b.Args(), Kwargs: b.Kwargs()})
}

// Load decodes a backend from its wire triple using the registry.
func (r *Registry) Load(data []byte) (Backend, error) {
	var s serialized
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return r.Build(s.Name, s.Args, s.Kwargs)
}
