// Package message implements the durable envelope that flows through the
// Message and Output consumers (spec.md §3 "Message", §4.2, §6.2).
package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RouteStatus is the terminal/non-terminal state of a single Route. Values
// match the wire envelope's status_int exactly (spec.md §6.2):
// 1=PENDING, 2=FINISHED, 3=FAILED.
type RouteStatus int

const (
	RoutePending  RouteStatus = 1
	RouteFinished RouteStatus = 2
	RouteFailed   RouteStatus = 3
)

// Route binds one pipeline effect to its progress. EffectArgs/EffectKwargs/
// State are kept opaque (json.RawMessage) rather than live effect.Effect/
// effect state values so this package never imports internal/effect — the
// router package is the one place that resolves an effect name back to a
// live effect.Effect (Design Notes §9, "avoid message<->effect import
// cycle").
type Route struct {
	EffectName   string          `json:"effect_name"`
	EffectArgs   json.RawMessage `json:"effect_args,omitempty"`
	EffectKwargs json.RawMessage `json:"effect_kwargs,omitempty"`
	Status       RouteStatus     `json:"status"`
	State        json.RawMessage `json:"state,omitempty"`
	RetryCount   int             `json:"retry_count"`
}

// Message is the unit of work the Message and Output consumers operate on.
// It satisfies output.Message structurally (MessageID/MessageType/
// MessageContent/MessageMeta) without this package importing output.
type Message struct {
	ID        string         `json:"id"`
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Content   map[string]any `json:"content"`
	Meta      map[string]any `json:"meta"`
	Route     []*Route       `json:"route"`
}

// New creates a Message for eventType, generating an id if one was not
// supplied. content/meta default to empty maps so callers never see a nil
// map panic on write.
func New(id, eventID, eventType string, content, meta map[string]any) *Message {
	if id == "" {
		id = uuid.NewString()
	}
	if content == nil {
		content = map[string]any{}
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return &Message{ID: id, EventID: eventID, EventType: eventType, Content: content, Meta: meta}
}

func (m *Message) MessageID() string              { return m.ID }
func (m *Message) MessageType() string             { return m.EventType }
func (m *Message) MessageContent() map[string]any  { return m.Content }
func (m *Message) MessageMeta() map[string]any     { return m.Meta }

// AddRoute appends a new pending route for effectName/effectArgs/
// effectKwargs and returns it. Routes are never deduplicated by the message
// itself: the pipeline builder decides how many routes a message gets
// (spec.md §4.2).
func (m *Message) AddRoute(effectName string, effectArgs, effectKwargs json.RawMessage) *Route {
	r := &Route{EffectName: effectName, EffectArgs: effectArgs, EffectKwargs: effectKwargs, Status: RoutePending}
	m.Route = append(m.Route, r)
	return r
}

// RouteAt returns the route at position i, or nil if out of range.
func (m *Message) RouteAt(i int) *Route {
	if i < 0 || i >= len(m.Route) {
		return nil
	}
	return m.Route[i]
}

// PendingRoutes returns the indices of routes that have not reached a
// terminal status yet, in declaration order.
func (m *Message) PendingRoutes() []int {
	var pending []int
	for i, r := range m.Route {
		if r.Status == RoutePending {
			pending = append(pending, i)
		}
	}
	return pending
}

// AllRoutesTerminal reports whether every route on the message has reached
// a terminal status. The Output consumer does not use it: it treats a
// message as complete when router.NextEffect returns no effect.
func (m *Message) AllRoutesTerminal() bool {
	for _, r := range m.Route {
		if r.Status == RoutePending {
			return false
		}
	}
	return true
}

// wireEffect is effect_serialized: the [name, args_serialized,
// kwargs_serialized] triple (spec.md §6.2).
type wireEffect struct {
	Name   string
	Args   json.RawMessage
	Kwargs json.RawMessage
}

func rawOrNull(r json.RawMessage) json.RawMessage {
	if len(r) == 0 {
		return json.RawMessage("null")
	}
	return r
}

func (e wireEffect) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Name, rawOrNull(e.Args), rawOrNull(e.Kwargs)})
}

func (e *wireEffect) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("message: effect_serialized must have 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Name); err != nil {
		return fmt.Errorf("message: decode effect name: %w", err)
	}
	e.Args = raw[1]
	e.Kwargs = raw[2]
	return nil
}

// wireRoute is the [effect_serialized, status_int, state_serialized,
// retry_count_int] tuple form used on the wire (spec.md §6.2).
type wireRoute struct {
	Effect     wireEffect
	Status     RouteStatus
	State      json.RawMessage
	RetryCount int
}

func (r wireRoute) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Effect, int(r.Status), rawOrNull(r.State), r.RetryCount})
}

func (r *wireRoute) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 4 {
		return fmt.Errorf("message: route tuple must have 4 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &r.Effect); err != nil {
		return fmt.Errorf("message: decode effect_serialized: %w", err)
	}
	var status int
	if err := json.Unmarshal(raw[1], &status); err != nil {
		return fmt.Errorf("message: decode status_int: %w", err)
	}
	r.Status = RouteStatus(status)
	r.State = raw[2]
	if err := json.Unmarshal(raw[3], &r.RetryCount); err != nil {
		return fmt.Errorf("message: decode retry_count_int: %w", err)
	}
	return nil
}

type wireMessage struct {
	ID        string         `json:"id"`
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Content   map[string]any `json:"content"`
	Meta      map[string]any `json:"meta"`
	Route     []wireRoute    `json:"route"`
}

// ToJSON encodes the message to the messages.<type> wire envelope.
func (m *Message) ToJSON() ([]byte, error) {
	w := wireMessage{ID: m.ID, EventID: m.EventID, EventType: m.EventType, Content: m.Content, Meta: m.Meta}
	w.Route = make([]wireRoute, len(m.Route))
	for i, r := range m.Route {
		w.Route[i] = wireRoute{
			Effect:     wireEffect{Name: r.EffectName, Args: r.EffectArgs, Kwargs: r.EffectKwargs},
			Status:     r.Status,
			State:      r.State,
			RetryCount: r.RetryCount,
		}
	}
	return json.Marshal(w)
}

// FromJSON decodes a message from its wire envelope.
func FromJSON(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("message: decode: %w", err)
	}
	m := New(w.ID, w.EventID, w.EventType, w.Content, w.Meta)
	m.Route = make([]*Route, len(w.Route))
	for i, wr := range w.Route {
		m.Route[i] = &Route{
			EffectName:   wr.Effect.Name,
			EffectArgs:   wr.Effect.Args,
			EffectKwargs: wr.Effect.Kwargs,
			Status:       wr.Status,
			State:        wr.State,
			RetryCount:   wr.RetryCount,
		}
	}
	return m, nil
}
