package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerDirectExchange(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	ch, err := b.Channel(ctx, "test")
	require.NoError(t, err)

	require.NoError(t, ch.DeclareExchange(ctx, ExchangeSpec{Name: "messages.e", Kind: ExchangeDirect, Durable: true}))
	require.NoError(t, ch.DeclareQueue(ctx, QueueSpec{Name: "messages.e", Durable: true}))
	require.NoError(t, ch.Bind(ctx, "messages.e", "messages.e", "e"))

	received := make(chan []byte, 1)
	_, err = ch.Consume(ctx, "messages.e", func(ctx context.Context, d Delivery) error {
		received <- d.Body
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, "messages.e", "e", nil, []byte("hello")))

	select {
	case body := <-received:
		assert.Equal(t, "hello", string(body))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryBrokerDefaultExchangeIsDirectToQueue(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	ch, err := b.Channel(ctx, "test")
	require.NoError(t, err)

	require.NoError(t, ch.DeclareQueue(ctx, QueueSpec{Name: "gen.e.1", AutoDelete: true}))

	received := make(chan []byte, 1)
	_, err = ch.Consume(ctx, "gen.e.1", func(ctx context.Context, d Delivery) error {
		received <- d.Body
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, "", "gen.e.1", nil, []byte("payload")))

	select {
	case body := <-received:
		assert.Equal(t, "payload", string(body))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryBrokerFanout(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	ch, err := b.Channel(ctx, "test")
	require.NoError(t, err)

	require.NoError(t, ch.DeclareExchange(ctx, ExchangeSpec{Name: "cluster", Kind: ExchangeFanout}))
	require.NoError(t, ch.DeclareQueue(ctx, QueueSpec{Name: "cluster.node.a", AutoDelete: true}))
	require.NoError(t, ch.DeclareQueue(ctx, QueueSpec{Name: "cluster.node.b", AutoDelete: true}))
	require.NoError(t, ch.Bind(ctx, "cluster.node.a", "cluster", ""))
	require.NoError(t, ch.Bind(ctx, "cluster.node.b", "cluster", ""))

	a := make(chan []byte, 1)
	bc := make(chan []byte, 1)
	_, err = ch.Consume(ctx, "cluster.node.a", func(ctx context.Context, d Delivery) error { a <- d.Body; return nil })
	require.NoError(t, err)
	_, err = ch.Consume(ctx, "cluster.node.b", func(ctx context.Context, d Delivery) error { bc <- d.Body; return nil })
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, "cluster", "ignored", nil, []byte("x")))

	for _, c := range []chan []byte{a, bc} {
		select {
		case body := <-c:
			assert.Equal(t, "x", string(body))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fanout delivery")
		}
	}
}

func TestMemoryBrokerCancelAfterDeleteQueue(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	ch, err := b.Channel(ctx, "test")
	require.NoError(t, err)

	require.NoError(t, ch.DeclareQueue(ctx, QueueSpec{Name: "gen.e.1", AutoDelete: true}))
	consumption, err := ch.Consume(ctx, "gen.e.1", func(ctx context.Context, d Delivery) error { return nil })
	require.NoError(t, err)

	require.NoError(t, ch.DeleteQueue(ctx, "gen.e.1"))
	require.NoError(t, consumption.Cancel(ctx))
}
