package consumer

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timour/aiomessaging/internal/broker"
)

func TestGenerationRepublishesToMessagesQueue(t *testing.T) {
	b := broker.NewMemoryBroker()
	ctx := context.Background()
	ch, err := b.Channel(ctx, "gen")
	require.NoError(t, err)

	require.NoError(t, ch.DeclareQueue(ctx, broker.QueueSpec{Name: "gen.order.1", AutoDelete: true}))
	require.NoError(t, ch.DeclareExchange(ctx, broker.ExchangeSpec{Name: "messages.order", Kind: broker.ExchangeDirect, Durable: true}))
	require.NoError(t, ch.DeclareQueue(ctx, broker.QueueSpec{Name: "messages.order", Durable: true}))
	require.NoError(t, ch.Bind(ctx, "messages.order", "messages.order", "order"))

	received := make(chan []byte, 1)
	_, err = ch.Consume(ctx, "messages.order", func(ctx context.Context, d broker.Delivery) error {
		received <- d.Body
		return nil
	})
	require.NoError(t, err)

	log := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	g := NewGeneration(ch, time.Hour, log)

	require.NoError(t, g.Consume(ctx, "gen.order.1", "order"))
	require.NoError(t, ch.Publish(ctx, "", "gen.order.1", nil, []byte("payload")))

	select {
	case body := <-received:
		assert.Equal(t, "payload", string(body))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for republish")
	}

	g.Stop(ctx)
}

func TestGenerationSweepCancelsIdleQueue(t *testing.T) {
	b := broker.NewMemoryBroker()
	ctx := context.Background()
	ch, err := b.Channel(ctx, "gen")
	require.NoError(t, err)

	require.NoError(t, ch.DeclareQueue(ctx, broker.QueueSpec{Name: "gen.order.1", AutoDelete: true}))

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	g := NewGeneration(ch, 10*time.Millisecond, log)

	require.NoError(t, g.Consume(ctx, "gen.order.1", "order"))
	g.sweep(ctx)
	assert.NotContains(t, buf.String(), "cancel by generation monitoring", "not idle yet")

	time.Sleep(20 * time.Millisecond)
	g.sweep(ctx)
	assert.Contains(t, buf.String(), "cancel by generation monitoring")

	g.mu.Lock()
	_, stillTracked := g.consumptions["gen.order.1"]
	g.mu.Unlock()
	assert.False(t, stillTracked, "idle queue should be dropped from tracking once reaped")

	g.Stop(ctx)
}
