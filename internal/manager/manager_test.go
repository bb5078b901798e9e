package manager

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timour/aiomessaging/internal/broker"
	"github.com/timour/aiomessaging/internal/builtins"
	"github.com/timour/aiomessaging/internal/config"
	"github.com/timour/aiomessaging/internal/output"
	"github.com/timour/aiomessaging/internal/pipeline"
)

// probeBackend signals done the first time Send is invoked, modeling the
// "Simple send" scenario (spec.md §8 scenario 1) end to end through the
// full consumer topology on an in-memory broker.
type probeBackend struct {
	done chan string
}

func (p *probeBackend) Name() string           { return "probe" }
func (p *probeBackend) Args() []any             { return nil }
func (p *probeBackend) Kwargs() map[string]any { return nil }
func (p *probeBackend) Check(output.Message) (bool, error) { return false, output.ErrNoDeliveryCheck }
func (p *probeBackend) Send(msg output.Message, retry int) (bool, error) {
	p.done <- msg.MessageID()
	return true, nil
}

func TestManagerSimpleSendEndToEnd(t *testing.T) {
	done := make(chan string, 1)

	outputs := output.NewRegistry()
	outputs.Register("probe", func(args []any, kwargs map[string]any) (output.Backend, error) {
		return &probeBackend{done: done}, nil
	})

	builder := pipeline.NewRegistry()
	builtins.RegisterEventSteps(builder)
	builtins.RegisterGenerators(builder)

	cfg := &config.Config{
		Queue: config.QueueConfig{Backend: "memory"},
		Events: map[string]config.EventConfig{
			"greeting": {
				EventPipeline: []string{"identity"},
				Generators:    []string{"single_message"},
				Output:        config.OutputSpec{Backends: []string{"probe"}},
			},
		},
	}

	brk := broker.NewMemoryBroker()
	log := slog.New(slog.NewJSONHandler(noopWriter{}, nil))

	mgr := New(cfg, brk, outputs, builder, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, mgr.Start(ctx, ""))

	eventCh, err := brk.Channel(ctx, "test-publish")
	require.NoError(t, err)
	require.NoError(t, eventCh.Publish(ctx, "", "events.greeting", nil, []byte(`{"id":"evt1","type":"greeting","payload":{"to":"world"}}`)))

	select {
	case messageID := <-done:
		require.NotEmpty(t, messageID)
	case <-time.After(3 * time.Second):
		t.Fatal("message never reached the probe output backend")
	}

	require.NoError(t, mgr.Shutdown(context.Background()))
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
