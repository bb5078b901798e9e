package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	m := New("", "ev1", "order.created", map[string]any{"amount": float64(12)}, nil)
	route := m.AddRoute("send", []byte(`[{"name":"null"}]`), nil)
	route.State = []byte(`[3]`)
	route.Status = RouteFinished
	route.RetryCount = 1

	body, err := m.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSON(body)
	require.NoError(t, err)

	assert.Equal(t, m.ID, decoded.ID)
	assert.Equal(t, m.EventType, decoded.EventType)
	assert.Equal(t, m.Content, decoded.Content)
	require.Len(t, decoded.Route, 1)
	assert.Equal(t, "send", decoded.Route[0].EffectName)
	assert.Equal(t, RouteFinished, decoded.Route[0].Status)
	assert.Equal(t, 1, decoded.Route[0].RetryCount)
	assert.JSONEq(t, `[3]`, string(decoded.Route[0].State))
}

func TestRouteSerializesAsSpecTuple(t *testing.T) {
	m := New("", "ev1", "order.created", nil, nil)
	route := m.AddRoute("send", []byte(`[{"name":"null"}]`), nil)
	route.State = []byte(`[1]`)
	route.Status = RoutePending
	route.RetryCount = 0

	body, err := m.ToJSON()
	require.NoError(t, err)

	var decoded struct {
		Route [][]json.RawMessage `json:"route"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Len(t, decoded.Route, 1)
	tuple := decoded.Route[0]
	require.Len(t, tuple, 4, "route tuple must be [effect_serialized, status_int, state_serialized, retry_count_int]")

	var effectTuple []json.RawMessage
	require.NoError(t, json.Unmarshal(tuple[0], &effectTuple))
	require.Len(t, effectTuple, 3, "effect_serialized must be [name, args_serialized, kwargs_serialized]")

	var status int
	require.NoError(t, json.Unmarshal(tuple[1], &status))
	assert.Equal(t, 1, status, "PENDING must serialize as 1")
}

func TestAllRoutesTerminal(t *testing.T) {
	m := New("", "ev1", "order.created", nil, nil)
	assert.True(t, m.AllRoutesTerminal(), "a message with no routes yet has nothing pending")

	r := m.AddRoute("send", nil, nil)
	assert.False(t, m.AllRoutesTerminal())

	r.Status = RouteFinished
	assert.True(t, m.AllRoutesTerminal())
}

func TestNewGeneratesID(t *testing.T) {
	m := New("", "ev1", "t", nil, nil)
	assert.NotEmpty(t, m.ID)
}
