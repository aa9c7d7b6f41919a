package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/pkg/types"
)

func rawMsg(t *testing.T, msg *types.QueueMessage) *nats.Msg {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	return &nats.Msg{Data: payload}
}

func TestForwardDeliversDecodedMessages(t *testing.T) {
	q := &Queue{log: logger.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbox := make(chan *nats.Msg, 4)
	out := make(chan *types.QueueMessage)

	// Malformed payloads are skipped, not fatal.
	inbox <- &nats.Msg{Data: []byte("not json")}
	msg := types.NewQueueMessage("sum", types.ActionNewTask, map[string]interface{}{"task_id": "t1"})
	inbox <- rawMsg(t, msg)

	go q.forward(ctx, "ns.sum", inbox, out)

	select {
	case got := <-out:
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, types.ActionNewTask, got.Action)
	case <-time.After(time.Second):
		t.Fatal("message never forwarded")
	}
}

func TestForwardClosesOutputWhileDeliveryBlocked(t *testing.T) {
	q := &Queue{log: logger.Nop()}
	ctx, cancel := context.WithCancel(context.Background())

	inbox := make(chan *nats.Msg, 4)
	out := make(chan *types.QueueMessage)

	// Nobody reads out yet, so the forwarder blocks mid-delivery.
	inbox <- rawMsg(t, types.NewQueueMessage("sum", types.ActionNewTask, map[string]interface{}{}))
	inbox <- rawMsg(t, types.NewQueueMessage("sum", types.ActionNewTask, map[string]interface{}{}))

	go q.forward(ctx, "ns.sum", inbox, out)

	time.Sleep(10 * time.Millisecond)
	cancel()

	// The forwarder owns out: cancellation must end in a clean close with
	// no send racing it.
	done := make(chan struct{})
	go func() {
		for range out {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("output channel never closed")
	}
}
