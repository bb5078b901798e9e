package router

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timour/aiomessaging/internal/effect"
	"github.com/timour/aiomessaging/internal/message"
	"github.com/timour/aiomessaging/internal/output"
)

func newTestBuilder() *Builder {
	outputs := output.NewRegistry()
	output.RegisterContrib(outputs, slog.Default())
	return &Builder{Effects: effect.NewDefaultRegistry(outputs)}
}

func TestRouterSimpleSend(t *testing.T) {
	builder := newTestBuilder()
	r, err := New(OutputSpec{Backends: []string{"null"}}, builder)
	require.NoError(t, err)

	msg := message.New("", "ev1", "e", nil, nil)

	e, route, err := r.NextEffect(msg)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, message.RoutePending, route.Status)

	require.NoError(t, r.ApplyNextEffect(msg))
	assert.Equal(t, message.RouteFinished, msg.Route[0].Status)

	e, _, err = r.NextEffect(msg)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestRouterFallback(t *testing.T) {
	builder := newTestBuilder()
	r, err := New(OutputSpec{Backends: []string{"never_delivered", "null"}}, builder)
	require.NoError(t, err)

	msg := message.New("", "ev1", "e", nil, nil)

	require.NoError(t, r.ApplyNextEffect(msg))
	assert.Equal(t, message.RoutePending, msg.Route[0].Status, "first slot fails, second slot still pending")

	require.NoError(t, r.ApplyNextEffect(msg))
	assert.Equal(t, message.RouteFinished, msg.Route[0].Status)
}

func TestRouterSkipUnavailableOutput(t *testing.T) {
	builder := newTestBuilder()
	r, err := New(OutputSpec{Backends: []string{"null"}}, builder)
	require.NoError(t, err)

	msg := message.New("", "ev1", "e", nil, nil)

	require.NoError(t, r.SkipNextEffect(msg))
	assert.Equal(t, message.RouteFinished, msg.Route[0].Status)
}

func TestRouterExplain(t *testing.T) {
	builder := newTestBuilder()
	r, err := New(OutputSpec{Backends: []string{"null"}}, builder)
	require.NoError(t, err)

	msg := message.New("", "ev1", "e", nil, nil)
	out, err := r.Explain(msg)
	require.NoError(t, err)
	assert.Contains(t, out, "send")
}
