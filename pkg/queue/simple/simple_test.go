package simple

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/types"
)

func newQueue() *Queue {
	return New(queue.SimpleConfig{}, logger.Nop())
}

func TestPublishReachesSubscriber(t *testing.T) {
	q := newQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := q.GetMessages(ctx, "ns.sum")
	require.NoError(t, err)

	msg := types.NewQueueMessage("sum", types.ActionNewTask, map[string]interface{}{"task_id": "t1"})
	require.NoError(t, q.Publish(ctx, msg, "ns.sum"))

	select {
	case got := <-msgs:
		assert.Equal(t, msg.ID, got.ID)
		assert.NotNil(t, got.Stats.PublishTime)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPublishWithoutSubscribersIsFine(t *testing.T) {
	q := newQueue()
	msg := types.NewQueueMessage("sum", types.ActionNewTask, nil)
	assert.NoError(t, q.Publish(context.Background(), msg, "ns.nobody"))
}

func TestPublishCallback(t *testing.T) {
	q := newQueue()
	var called atomic.Bool
	msg := types.NewQueueMessage("sum", types.ActionNewTask, nil)
	err := q.Publish(context.Background(), msg, "ns.sum", queue.WithCallback(func(m *types.QueueMessage) error {
		called.Store(true)
		assert.Equal(t, msg.ID, m.ID)
		return nil
	}))
	require.NoError(t, err)
	assert.True(t, called.Load())
}

func TestRegisterConsumerDelivers(t *testing.T) {
	q := newQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *types.QueueMessage, 1)
	consumer := queue.NewConsumer("c1", func(_ context.Context, msg *types.QueueMessage) error {
		received <- msg
		return nil
	})

	start, err := q.RegisterConsumer(ctx, consumer, "ns.sum")
	require.NoError(t, err)
	go func() { _ = start(ctx) }()

	// The subscription is live once RegisterConsumer returns, so this
	// publish cannot race the loop startup.
	msg := types.NewQueueMessage("sum", types.ActionNewTask, nil)
	require.NoError(t, q.Publish(ctx, msg, "ns.sum"))

	select {
	case got := <-received:
		assert.Equal(t, msg.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("consumer never saw the message")
	}
}

func TestRegisterConsumerTwiceFails(t *testing.T) {
	q := newQueue()
	ctx := context.Background()
	consumer := queue.NewConsumer("dup", func(context.Context, *types.QueueMessage) error { return nil })

	_, err := q.RegisterConsumer(ctx, consumer, "ns.sum")
	require.NoError(t, err)
	_, err = q.RegisterConsumer(ctx, consumer, "ns.sum")
	assert.ErrorContains(t, err, "already registered")
}

func TestDeregisterStopsLoop(t *testing.T) {
	q := newQueue()
	ctx := context.Background()
	consumer := queue.NewConsumer("c1", func(context.Context, *types.QueueMessage) error { return nil })

	start, err := q.RegisterConsumer(ctx, consumer, "ns.sum")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- start(ctx) }()

	require.NoError(t, q.DeregisterConsumer(ctx, consumer))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after deregister")
	}

	// Deregistering again is a no-op.
	assert.NoError(t, q.DeregisterConsumer(ctx, consumer))
}

func TestCleanupClosesQueue(t *testing.T) {
	q := newQueue()
	ctx := context.Background()

	require.NoError(t, q.Cleanup(ctx))
	require.NoError(t, q.Cleanup(ctx))

	err := q.Publish(ctx, types.NewQueueMessage("x", types.ActionNewTask, nil), "ns.x")
	var transport *queue.TransportError
	assert.ErrorAs(t, err, &transport)

	_, err = q.GetMessages(ctx, "ns.x")
	assert.Error(t, err)
}

func TestAsConfig(t *testing.T) {
	q := New(queue.SimpleConfig{Host: "127.0.0.1", Port: 8001}, logger.Nop())
	cfg, ok := q.AsConfig().(queue.SimpleConfig)
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:8001", cfg.BaseURL())
}
