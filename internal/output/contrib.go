package output

import "log/slog"

// The backends in this file are the Go equivalent of aiomessaging's
// `contrib/dummy` package: reference implementations with no external
// dependency, used by the test suite's scenarios (spec.md §8) and as
// templates for a real SMS/push/e-mail backend.

// RegisterContrib adds the reference backends to a registry under the
// names used throughout spec.md §8's scenarios.
func RegisterContrib(r *Registry, logger *slog.Logger) {
	r.Register("null", func(args []any, kwargs map[string]any) (Backend, error) {
		return &nullOutput{kwargs: kwargs, log: logger}, nil
	})
	r.Register("retry", func(args []any, kwargs map[string]any) (Backend, error) {
		retries := 1
		if v, ok := kwargs["retries"]; ok {
			retries = toInt(v)
		}
		return &retryOutput{retries: retries, kwargs: kwargs, log: logger}, nil
	})
	r.Register("check", func(args []any, kwargs map[string]any) (Backend, error) {
		return &checkOutput{kwargs: kwargs, log: logger}, nil
	})
	r.Register("never_delivered", func(args []any, kwargs map[string]any) (Backend, error) {
		return &neverDeliveredOutput{kwargs: kwargs, log: logger}, nil
	})
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// nullOutput always succeeds without doing anything. Used to exercise a
// simple send and sequence/fallback scenarios (spec.md §8 scenarios 1, 2, 5).
type nullOutput struct {
	kwargs map[string]any
	log    *slog.Logger
}

func (o *nullOutput) Name() string            { return "null" }
func (o *nullOutput) Args() []any             { return nil }
func (o *nullOutput) Kwargs() map[string]any  { return o.kwargs }
func (o *nullOutput) Check(Message) (bool, error) { return false, ErrNoDeliveryCheck }

func (o *nullOutput) Send(msg Message, retry int) (bool, error) {
	if o.log != nil {
		o.log.Debug("null output send", slog.String("message_id", msg.MessageID()))
	}
	return true, nil
}

// retryOutput fails with Retryable until it has been retried `retries`
// times, then succeeds. Exercises spec.md §8 scenario 3.
type retryOutput struct {
	kwargs  map[string]any
	retries int
	log     *slog.Logger
}

func (o *retryOutput) Name() string           { return "retry" }
func (o *retryOutput) Args() []any            { return nil }
func (o *retryOutput) Kwargs() map[string]any { return o.kwargs }
func (o *retryOutput) Check(Message) (bool, error) { return false, ErrNoDeliveryCheck }

func (o *retryOutput) Send(msg Message, retry int) (bool, error) {
	if retry < o.retries {
		return false, &Retryable{Reason: "not ready yet"}
	}
	return true, nil
}

// checkOutput requires one delivery check pass before it reports success.
// Exercises spec.md §8 scenario 4.
type checkOutput struct {
	kwargs  map[string]any
	checked bool
	log     *slog.Logger
}

func (o *checkOutput) Name() string           { return "check" }
func (o *checkOutput) Args() []any            { return nil }
func (o *checkOutput) Kwargs() map[string]any { return o.kwargs }

func (o *checkOutput) Send(msg Message, retry int) (bool, error) {
	return false, &CheckRequired{}
}

func (o *checkOutput) Check(msg Message) (bool, error) {
	return true, nil
}

// neverDeliveredOutput always fails permanently. Paired with nullOutput to
// exercise the fallback scenario (spec.md §8 scenario 5).
type neverDeliveredOutput struct {
	kwargs map[string]any
	log    *slog.Logger
}

func (o *neverDeliveredOutput) Name() string           { return "never_delivered" }
func (o *neverDeliveredOutput) Args() []any            { return nil }
func (o *neverDeliveredOutput) Kwargs() map[string]any { return o.kwargs }
func (o *neverDeliveredOutput) Check(Message) (bool, error) { return false, ErrNoDeliveryCheck }

func (o *neverDeliveredOutput) Send(msg Message, retry int) (bool, error) {
	return false, nil
}
