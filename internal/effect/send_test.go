package effect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timour/aiomessaging/internal/output"
)

type fakeBackend struct {
	name       string
	sendResult bool
	sendErr    error
	checkResult bool
	checkErr    error
	retries     int
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Args() []any  { return nil }
func (f *fakeBackend) Kwargs() map[string]any { return nil }

func (f *fakeBackend) Send(msg output.Message, retry int) (bool, error) {
	if f.retries > 0 && retry < f.retries {
		return false, &output.Retryable{Reason: "not yet"}
	}
	return f.sendResult, f.sendErr
}

func (f *fakeBackend) Check(msg output.Message) (bool, error) {
	return f.checkResult, f.checkErr
}

type fakeMessage struct{ id string }

func (m *fakeMessage) MessageID() string             { return m.id }
func (m *fakeMessage) MessageType() string            { return "t" }
func (m *fakeMessage) MessageContent() map[string]any { return nil }
func (m *fakeMessage) MessageMeta() map[string]any    { return nil }

func TestSendEffectSimpleSend(t *testing.T) {
	e := NewSendEffect(&fakeBackend{name: "null", sendResult: true})
	msg := &fakeMessage{id: "m1"}

	state, retry, err := e.Apply(msg, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, retry)

	action, err := e.NextAction(state)
	require.NoError(t, err)
	assert.Nil(t, action)

	finished, err := IsFinished(e, state)
	require.NoError(t, err)
	assert.True(t, finished)
}

func TestSendEffectSequence(t *testing.T) {
	e := NewSendEffect(
		&fakeBackend{name: "first", sendResult: true},
		&fakeBackend{name: "second", sendResult: true},
	)
	msg := &fakeMessage{id: "m1"}

	state, _, err := e.Apply(msg, nil, 0)
	require.NoError(t, err)
	finished, err := IsFinished(e, state)
	require.NoError(t, err)
	assert.False(t, finished)

	state, _, err = e.Apply(msg, state, 0)
	require.NoError(t, err)
	finished, err = IsFinished(e, state)
	require.NoError(t, err)
	assert.True(t, finished)
}

func TestSendEffectRetry(t *testing.T) {
	e := NewSendEffect(&fakeBackend{name: "flaky", retries: 2, sendResult: true})
	msg := &fakeMessage{id: "m1"}

	state, retry, err := e.Apply(msg, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, retry)
	finished, _ := IsFinished(e, state)
	assert.False(t, finished)

	state, retry, err = e.Apply(msg, state, retry)
	require.NoError(t, err)
	assert.Equal(t, 2, retry)

	state, retry, err = e.Apply(msg, state, retry)
	require.NoError(t, err)
	assert.Equal(t, 2, retry, "retry count stays put once the slot succeeds")
	finished, _ = IsFinished(e, state)
	assert.True(t, finished)
}

func TestSendEffectCheck(t *testing.T) {
	e := NewSendEffect(&fakeBackend{name: "async", sendErr: &output.CheckRequired{}, checkResult: true})
	msg := &fakeMessage{id: "m1"}

	state, _, err := e.Apply(msg, nil, 0)
	require.NoError(t, err)
	action, err := e.NextAction(state)
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, ActionCheck, action.Kind)

	state, _, err = e.Apply(msg, state, 0)
	require.NoError(t, err)
	finished, err := IsFinished(e, state)
	require.NoError(t, err)
	assert.True(t, finished)
}

func TestSendEffectFallback(t *testing.T) {
	e := NewSendEffect(
		&fakeBackend{name: "never", sendResult: false},
		&fakeBackend{name: "null", sendResult: true},
	)
	msg := &fakeMessage{id: "m1"}

	state, _, err := e.Apply(msg, nil, 0)
	require.NoError(t, err)
	finished, _ := IsFinished(e, state)
	assert.False(t, finished, "a FAIL on slot 0 must not short-circuit slot 1")

	state, _, err = e.Apply(msg, state, 0)
	require.NoError(t, err)
	finished, _ = IsFinished(e, state)
	assert.True(t, finished)
}

func TestSendEffectSkipCurrent(t *testing.T) {
	e := &sendEffect{outputs: []output.Backend{&fakeBackend{name: "a"}, &fakeBackend{name: "b", sendResult: true}}}

	state, err := e.SkipCurrent(nil)
	require.NoError(t, err)

	action, err := e.NextAction(state)
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, "b", action.Output.Name())
}
