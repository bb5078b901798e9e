// Package event defines the inbound notification that starts a pipeline run.
package event

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// Event is an inbound notification of a type with an opaque payload. It is
// immutable once constructed: pipeline steps replace it by returning a new
// value rather than mutating the one they received.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// New creates an Event, generating an id if one was not supplied.
func New(id, eventType string, payload map[string]any) *Event {
	if id == "" {
		id = uuid.NewString()
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{ID: id, Type: eventType, Payload: payload}
}

// Fields returns the structured log attributes every log line about this
// event should carry.
func (e *Event) Fields() []any {
	return []any{slog.String("event_id", e.ID), slog.String("event_type", e.Type)}
}

// FromJSON decodes the events.<type> wire envelope described in spec.md §6.2.
func FromJSON(data []byte) (*Event, error) {
	var raw struct {
		ID      string         `json:"id"`
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return New(raw.ID, raw.Type, raw.Payload), nil
}

// ToJSON encodes the event back to its wire representation.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
