package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timour/aiomessaging/internal/broker"
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

func TestBusDispatchesStartConsume(t *testing.T) {
	b := broker.NewMemoryBroker()
	ctx := context.Background()
	ch, err := b.Channel(ctx, "cluster")
	require.NoError(t, err)

	log, _ := newTestLogger()
	var mu sync.Mutex
	var gotQueue string
	done := make(chan struct{})

	bus, err := New(ctx, ch, log, func(ctx context.Context, queueName string) error {
		mu.Lock()
		gotQueue = queueName
		mu.Unlock()
		close(done)
		return nil
	}, nil)
	require.NoError(t, err)

	_, err = bus.Listen(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.AnnounceStartConsume(ctx, "gen.e.1"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "gen.e.1", gotQueue)
}

func TestBusUnknownActionIsLoggedAndDropped(t *testing.T) {
	b := broker.NewMemoryBroker()
	ctx := context.Background()
	ch, err := b.Channel(ctx, "cluster")
	require.NoError(t, err)

	log, buf := newTestLogger()
	called := make(chan struct{}, 1)

	bus, err := New(ctx, ch, log, func(ctx context.Context, queueName string) error {
		called <- struct{}{}
		return nil
	}, nil)
	require.NoError(t, err)

	_, err = bus.Listen(ctx)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{"action": "bogus"})
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, exchangeName, "", nil, body))

	require.NoError(t, bus.AnnounceStartConsume(ctx, "gen.e.1"))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("valid action after an invalid one was never dispatched")
	}

	assert.Contains(t, buf.String(), "unknown action")
}
