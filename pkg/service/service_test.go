package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/queue/simple"
	"github.com/taskmesh/taskmesh/pkg/types"
)

func newTestService(t *testing.T, handler Handler) (*Service, *simple.Queue) {
	t.Helper()
	q := simple.New(queue.SimpleConfig{}, logger.Nop())
	svc := &Service{
		name:        "echo",
		client:      NewClient("http://127.0.0.1:0"),
		mq:          q,
		handler:     handler,
		log:         logger.Nop(),
		publisherID: "echo-test",
		cpCfg:       types.DefaultControlPlaneConfig(),
	}
	return svc, q
}

func TestClientQueueConfig(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/queue_config", r.URL.Path)
		_ = json.NewEncoder(w).Encode(queue.HandshakePayload(queue.RedisConfig{URL: "redis://broker:6379"}))
	}))
	defer ts.Close()

	cfg, err := NewClient(ts.URL).QueueConfig(context.Background())
	require.NoError(t, err)
	rc, ok := cfg.(queue.RedisConfig)
	require.True(t, ok)
	assert.Equal(t, "redis://broker:6379", rc.URL)
}

func TestClientRegisterAndDeregister(t *testing.T) {
	var deregistered string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/services/register":
			var def types.ServiceDefinition
			require.NoError(t, json.NewDecoder(r.Body).Decode(&def))
			assert.Equal(t, "echo", def.ServiceName)
			_ = json.NewEncoder(w).Encode(types.DefaultControlPlaneConfig())
		case "/services/deregister":
			deregistered = r.URL.Query().Get("service_name")
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)
	cfg, err := client.Register(context.Background(), &types.ServiceDefinition{ServiceName: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "llama_deploy", cfg.TopicNamespace)

	require.NoError(t, client.Deregister(context.Background(), "echo"))
	assert.Equal(t, "echo", deregistered)
}

func TestClientErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"nope"}`, http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).SessionState(context.Background(), "missing")
	assert.ErrorContains(t, err, "status 404")
}

func TestTaskContextStreamIndices(t *testing.T) {
	svc, q := newTestService(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := q.GetMessages(ctx, svc.cpCfg.Topic("control_plane"))
	require.NoError(t, err)

	tc := &TaskContext{service: svc, task: &types.TaskDefinition{TaskID: "t1", SessionID: "s1"}}
	require.NoError(t, tc.Stream(ctx, map[string]interface{}{"v": "a"}))
	require.NoError(t, tc.Stream(ctx, map[string]interface{}{"v": "b"}))

	for want := 0; want < 2; want++ {
		select {
		case msg := <-msgs:
			assert.Equal(t, types.ActionTaskStream, msg.Action)
			var rec types.TaskStream
			require.NoError(t, types.FromMap(msg.Data, &rec))
			assert.Equal(t, want, rec.Index)
			assert.Equal(t, "t1", rec.TaskID)
		case <-time.After(time.Second):
			t.Fatalf("stream record %d never published", want)
		}
	}
}

func TestDispatchRunsTaskAndPublishesResult(t *testing.T) {
	handler := func(_ context.Context, task *types.TaskDefinition, _ *TaskContext) (string, error) {
		return "echo:" + task.Input, nil
	}
	svc, q := newTestService(t, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := q.GetMessages(ctx, svc.cpCfg.Topic("control_plane"))
	require.NoError(t, err)

	data, err := types.ToMap(&types.TaskDefinition{TaskID: "t1", SessionID: "s1", Input: "hi"})
	require.NoError(t, err)
	require.NoError(t, svc.dispatch(ctx, types.NewQueueMessage("echo", types.ActionNewTask, data)))

	select {
	case msg := <-msgs:
		assert.Equal(t, types.ActionCompletedTask, msg.Action)
		var result types.TaskResult
		require.NoError(t, types.FromMap(msg.Data, &result))
		assert.Equal(t, "t1", result.TaskID)
		assert.Equal(t, "echo:hi", result.Result)
	case <-time.After(time.Second):
		t.Fatal("result never published")
	}
}

func TestDispatchHandlerErrorStillCompletes(t *testing.T) {
	handler := func(context.Context, *types.TaskDefinition, *TaskContext) (string, error) {
		return "", assert.AnError
	}
	svc, q := newTestService(t, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := q.GetMessages(ctx, svc.cpCfg.Topic("control_plane"))
	require.NoError(t, err)

	data, err := types.ToMap(&types.TaskDefinition{TaskID: "t1", Input: "x"})
	require.NoError(t, err)
	require.NoError(t, svc.dispatch(ctx, types.NewQueueMessage("echo", types.ActionNewTask, data)))

	select {
	case msg := <-msgs:
		var result types.TaskResult
		require.NoError(t, types.FromMap(msg.Data, &result))
		assert.Contains(t, result.Result, "error during task execution")
	case <-time.After(time.Second):
		t.Fatal("result never published")
	}
}

func TestDispatchSendEvent(t *testing.T) {
	events := make(chan *types.TaskDefinition, 1)
	svc, _ := newTestService(t, func(context.Context, *types.TaskDefinition, *TaskContext) (string, error) {
		return "", nil
	})
	svc.opts.EventHandler = func(_ context.Context, task *types.TaskDefinition) {
		events <- task
	}

	data, err := types.ToMap(&types.TaskDefinition{TaskID: "t1", Input: `{"kind":"nudge"}`, AgentID: "echo"})
	require.NoError(t, err)
	require.NoError(t, svc.dispatch(context.Background(), types.NewQueueMessage("echo", types.ActionSendEvent, data)))

	select {
	case task := <-events:
		assert.Equal(t, "t1", task.TaskID)
		assert.Equal(t, `{"kind":"nudge"}`, task.Input)
	case <-time.After(time.Second):
		t.Fatal("event handler never ran")
	}
}
