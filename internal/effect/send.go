package effect

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/timour/aiomessaging/internal/output"
)

// SendEffectName is the registered wire name for SendEffect ("send" in the
// original source).
const SendEffectName = "send"

// OutputStatus is the per-output slot status inside a SendEffect's state
// (spec.md §3 "OutputStatus").
type OutputStatus int

const (
	StatusPending OutputStatus = 1
	StatusCheck   OutputStatus = 2
	StatusSuccess OutputStatus = 3
	StatusFail    OutputStatus = 4
	StatusRetry   OutputStatus = 5
)

// sendEffect carries an ordered list of output backends and drives them
// through PENDING -> {SUCCESS,FAIL,CHECK,RETRY} per spec.md §4.1.
type sendEffect struct {
	outputs []output.Backend
}

// NewSendEffect builds a SendEffect over the given outputs, in the order
// they are declared; declaration order is the tie-break between slots.
func NewSendEffect(outputs ...output.Backend) Effect {
	return &sendEffect{outputs: outputs}
}

func (e *sendEffect) Name() string { return SendEffectName }

func (e *sendEffect) SerializeArgs() (json.RawMessage, error) {
	type arg struct {
		Name   string         `json:"name"`
		Args   []any          `json:"args"`
		Kwargs map[string]any `json:"kwargs"`
	}
	args := make([]arg, len(e.outputs))
	for i, o := range e.outputs {
		args[i] = arg{Name: o.Name(), Args: o.Args(), Kwargs: o.Kwargs()}
	}
	return json.Marshal(args)
}

// SerializeKwargs implements Effect: SendEffect takes no keyword arguments
// of its own.
func (e *sendEffect) SerializeKwargs() (json.RawMessage, error) {
	return json.RawMessage("null"), nil
}

// decodeState unmarshals the opaque state bytes into a slot array,
// resetting to all-PENDING if the state is empty — spec.md §4.1 step 1.
func (e *sendEffect) decodeState(state []byte) ([]OutputStatus, error) {
	if len(state) == 0 {
		return e.freshState(), nil
	}
	var raw []int
	if err := json.Unmarshal(state, &raw); err != nil {
		return nil, fmt.Errorf("effect: decode send state: %w", err)
	}
	if len(raw) != len(e.outputs) {
		return nil, fmt.Errorf("effect: send state length %d does not match %d outputs", len(raw), len(e.outputs))
	}
	out := make([]OutputStatus, len(raw))
	for i, v := range raw {
		out[i] = OutputStatus(v)
	}
	return out, nil
}

func (e *sendEffect) freshState() []OutputStatus {
	out := make([]OutputStatus, len(e.outputs))
	for i := range out {
		out[i] = StatusPending
	}
	return out
}

func (e *sendEffect) encodeState(state []OutputStatus) ([]byte, error) {
	raw := make([]int, len(state))
	for i, s := range state {
		raw[i] = int(s)
	}
	return json.Marshal(raw)
}

// promoteRetries implements the "retry wave": if no slot is PENDING but at
// least one is RETRY, all RETRY slots become PENDING again (spec.md §4.1
// step 2).
func promoteRetries(state []OutputStatus) {
	for _, s := range state {
		if s == StatusPending {
			return
		}
	}
	for i, s := range state {
		if s == StatusRetry {
			state[i] = StatusPending
		}
	}
}

// nextPosition scans left-to-right for the first PENDING slot, then (if
// none) the first CHECK slot, matching the declaration-order tie-break in
// spec.md §4.1 steps 3-4.
func nextPosition(state []OutputStatus) (int, bool) {
	for i, s := range state {
		if s == StatusPending {
			return i, true
		}
	}
	for i, s := range state {
		if s == StatusCheck {
			return i, true
		}
	}
	return 0, false
}

func (e *sendEffect) NextAction(stateBytes []byte) (*Action, error) {
	state, err := e.decodeState(stateBytes)
	if err != nil {
		return nil, err
	}
	promoteRetries(state)
	pos, ok := nextPosition(state)
	if !ok {
		return nil, nil
	}
	if state[pos] == StatusCheck {
		return &Action{Kind: ActionCheck, Output: e.outputs[pos]}, nil
	}
	return &Action{Kind: ActionSend, Output: e.outputs[pos]}, nil
}

// Apply invokes the selected output's Send or Check and updates its slot per
// the outcome table in spec.md §4.1 step 3. A SUCCESS on one slot never
// short-circuits remaining PENDING slots (spec.md §9 Open Question: not
// configurable here, matching the source's unconditional behavior).
func (e *sendEffect) Apply(msg output.Message, stateBytes []byte, retryCount int) ([]byte, int, error) {
	state, err := e.decodeState(stateBytes)
	if err != nil {
		return nil, retryCount, err
	}
	promoteRetries(state)
	pos, ok := nextPosition(state)
	if !ok {
		encoded, encErr := e.encodeState(state)
		return encoded, retryCount, encErr
	}

	backend := e.outputs[pos]
	var sendErr error
	var ok2 bool
	if state[pos] == StatusCheck {
		ok2, sendErr = backend.Check(msg)
	} else {
		ok2, sendErr = backend.Send(msg, retryCount)
	}

	switch {
	case sendErr == nil:
		if ok2 {
			state[pos] = StatusSuccess
		} else {
			state[pos] = StatusFail
		}
	case errors.Is(sendErr, output.ErrNoDeliveryCheck):
		state[pos] = StatusFail
	default:
		var retryable *output.Retryable
		var checkRequired *output.CheckRequired
		switch {
		case errors.As(sendErr, &checkRequired):
			state[pos] = StatusCheck
		case errors.As(sendErr, &retryable):
			state[pos] = StatusRetry
			retryCount++
		default:
			// Unknown exception: propagate so the Output consumer logs it;
			// the slot and the route stay PENDING, and the delivery is still
			// acked, so the broker does not redeliver it.
			encoded, encErr := e.encodeState(state)
			if encErr != nil {
				return nil, retryCount, encErr
			}
			return encoded, retryCount, sendErr
		}
	}

	encoded, err := e.encodeState(state)
	return encoded, retryCount, err
}

func buildSendEffect(outputs *output.Registry, args json.RawMessage) (Effect, error) {
	type arg struct {
		Name   string         `json:"name"`
		Args   []any          `json:"args"`
		Kwargs map[string]any `json:"kwargs"`
	}
	var decoded []arg
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, fmt.Errorf("effect: decode send args: %w", err)
		}
	}
	backends := make([]output.Backend, len(decoded))
	for i, a := range decoded {
		b, err := outputs.Build(a.Name, a.Args, a.Kwargs)
		if err != nil {
			return nil, err
		}
		backends[i] = b
	}
	return NewSendEffect(backends...), nil
}

// SkipCurrent marks the slot NextAction would currently act on as FAIL
// without invoking its backend (spec.md §4.2 "skip_next_effect"), used when
// the chosen output is not in the event type's configured available_outputs
// set.
func (e *sendEffect) SkipCurrent(stateBytes []byte) ([]byte, error) {
	state, err := e.decodeState(stateBytes)
	if err != nil {
		return nil, err
	}
	promoteRetries(state)
	pos, ok := nextPosition(state)
	if !ok {
		return e.encodeState(state)
	}
	state[pos] = StatusFail
	return e.encodeState(state)
}

// IsFinished reports whether the effect has no remaining action given
// state — used by the router to set a Route's terminal status.
func IsFinished(e Effect, state []byte) (bool, error) {
	action, err := e.NextAction(state)
	if err != nil {
		return false, err
	}
	return action == nil, nil
}
