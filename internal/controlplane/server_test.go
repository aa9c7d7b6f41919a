package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/state"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/queue/simple"
	"github.com/taskmesh/taskmesh/pkg/types"
)

type testEnv struct {
	srv    *Server
	q      *simple.Queue
	router *gin.Engine
	cfg    types.ControlPlaneConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := types.DefaultControlPlaneConfig()
	cfg.StepInterval = 0.01

	q := simple.New(queue.SimpleConfig{}, logger.Nop())
	srv := New(cfg, state.NewMemoryStore(), q, logger.Nop())
	return &testEnv{
		srv:    srv,
		q:      q,
		router: NewRouter(srv, logger.Nop()),
		cfg:    cfg,
	}
}

// startConsumer runs the control plane consume loop for the test. The
// subscription is live before this returns.
func (e *testEnv) startConsumer(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	consumer := e.srv.AsConsumer()
	start, err := e.q.RegisterConsumer(ctx, consumer, e.cfg.Topic(ControlPlaneMessageType))
	require.NoError(t, err)
	go func() { _ = start(ctx) }()
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) mustCreateSession(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/sessions/create", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessionID string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessionID))
	return sessionID
}

func (e *testEnv) mustRegister(t *testing.T, name string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/services/register", types.ServiceDefinition{ServiceName: name})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHomeEchoesConfig(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "sessions", body["session_store_key"])
	assert.Equal(t, "tasks", body["tasks_store_key"])
	assert.Equal(t, "services", body["services_store_key"])
}

func TestQueueConfigHandshake(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/queue_config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cfg, err := queue.ParseHandshake(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "simple", cfg.Tag())
}

func TestRegisterSubmitComplete(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.mustRegister(t, "sum")
	sessionID := e.mustCreateSession(t)

	// Subscribe to the service topic before submitting.
	serviceMsgs, err := e.q.GetMessages(ctx, e.cfg.Topic("sum"))
	require.NoError(t, err)

	e.startConsumer(t)

	rec := e.do(t, http.MethodPost, "/sessions/"+sessionID+"/tasks", types.TaskDefinition{
		TaskID:    "t1",
		Input:     `{"a":1,"b":2}`,
		ServiceID: "sum",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var taskID string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &taskID))
	assert.Equal(t, "t1", taskID)

	// The broker must carry a NEW_TASK for t1 on the service topic.
	select {
	case msg := <-serviceMsgs:
		assert.Equal(t, types.ActionNewTask, msg.Action)
		assert.Equal(t, "t1", msg.Data["task_id"])
	case <-time.After(time.Second):
		t.Fatal("service topic never saw the task")
	}

	// No result yet.
	rec = e.do(t, http.MethodGet, "/sessions/"+sessionID+"/tasks/t1/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", rec.Body.String())

	// The service completes the task over the bus.
	data, err := types.ToMap(&types.TaskResult{TaskID: "t1", Result: "3"})
	require.NoError(t, err)
	msg := types.NewQueueMessage("control_plane", types.ActionCompletedTask, data)
	require.NoError(t, e.q.Publish(ctx, msg, e.cfg.Topic(ControlPlaneMessageType)))

	require.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, "/sessions/"+sessionID+"/tasks/t1/result", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var result *types.TaskResult
		if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil || result == nil {
			return false
		}
		return result.TaskID == "t1" && result.Result == "3"
	}, 2*time.Second, 10*time.Millisecond)

	// Completion bumps the counter starting at zero.
	stateRec := e.do(t, http.MethodGet, "/sessions/"+sessionID+"/state", nil)
	var sessionState map[string]interface{}
	require.NoError(t, json.Unmarshal(stateRec.Body.Bytes(), &sessionState))
	assert.Equal(t, float64(0), sessionState["retries"])
}

func TestImplicitSessionFromBusTask(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.mustRegister(t, "sum")
	e.startConsumer(t)

	data, err := types.ToMap(&types.TaskDefinition{TaskID: "t9", ServiceID: "sum", Input: "{}"})
	require.NoError(t, err)
	msg := types.NewQueueMessage("control_plane", types.ActionNewTask, data)
	require.NoError(t, e.q.Publish(ctx, msg, e.cfg.Topic(ControlPlaneMessageType)))

	require.Eventually(t, func() bool {
		sessions, err := e.srv.ListSessions(ctx)
		if err != nil || len(sessions) != 1 {
			return false
		}
		for _, session := range sessions {
			return len(session.TaskIDs) == 1 && session.TaskIDs[0] == "t9"
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBadRoutingRejectsTask(t *testing.T) {
	e := newTestEnv(t)
	sessionID := e.mustCreateSession(t)

	rec := e.do(t, http.MethodPost, "/sessions/"+sessionID+"/tasks", types.TaskDefinition{
		TaskID: "t2",
		Input:  "{}",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	session, err := e.srv.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.NotContains(t, session.TaskIDs, "t2")
}

func TestSessionMismatchIs400(t *testing.T) {
	e := newTestEnv(t)
	s1 := e.mustCreateSession(t)
	s2 := e.mustCreateSession(t)

	rec := e.do(t, http.MethodPost, "/sessions/"+s1+"/tasks", types.TaskDefinition{
		TaskID:    "t3",
		SessionID: s2,
		ServiceID: "sum",
		Input:     "{}",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, sid := range []string{s1, s2} {
		session, err := e.srv.GetSession(context.Background(), sid)
		require.NoError(t, err)
		assert.NotContains(t, session.TaskIDs, "t3")
	}
}

func TestDeregisterIdempotence(t *testing.T) {
	e := newTestEnv(t)

	e.mustRegister(t, "sum")
	e.mustRegister(t, "sum")

	rec := e.do(t, http.MethodPost, "/services/deregister?service_name=sum", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPost, "/services/deregister?service_name=sum", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/services/sum", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterRejectsInvalidTopicName(t *testing.T) {
	e := newTestEnv(t)

	for _, name := range []string{"bad name", "svc!", "svc/one"} {
		rec := e.do(t, http.MethodPost, "/services/register", types.ServiceDefinition{ServiceName: name})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "name %q", name)
	}

	services, err := e.srv.ListServices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, services)
}

func TestDeregisterRequiresName(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/services/deregister", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownResourcesAre404(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/sessions/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/services/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/sessions/nope/state", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/sessions/nope/tasks/t/result", nil).Code)
}

func TestCurrentTaskOnEmptySession(t *testing.T) {
	e := newTestEnv(t)
	sessionID := e.mustCreateSession(t)

	rec := e.do(t, http.MethodGet, "/sessions/"+sessionID+"/current_task", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", rec.Body.String())
}

func TestSessionLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.mustRegister(t, "sum")
	sessionID := e.mustCreateSession(t)

	rec := e.do(t, http.MethodPost, "/sessions/"+sessionID+"/tasks", types.TaskDefinition{
		TaskID: "t1", ServiceID: "sum", Input: "{}",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Current task is the last appended.
	rec = e.do(t, http.MethodGet, "/sessions/"+sessionID+"/current_task", nil)
	var task types.TaskDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, "t1", task.TaskID)
	assert.Equal(t, sessionID, task.SessionID)

	// Task list matches.
	rec = e.do(t, http.MethodGet, "/sessions/"+sessionID+"/tasks", nil)
	var tasks []types.TaskDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)

	// Delete removes the session.
	rec = e.do(t, http.MethodPost, "/sessions/"+sessionID+"/delete", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionStateMerge(t *testing.T) {
	e := newTestEnv(t)
	sessionID := e.mustCreateSession(t)

	rec := e.do(t, http.MethodPost, "/sessions/"+sessionID+"/state", map[string]interface{}{"a": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPost, "/sessions/"+sessionID+"/state", map[string]interface{}{"b": 2})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/sessions/"+sessionID+"/state", nil)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, float64(1), got["a"])
	assert.Equal(t, float64(2), got["b"])
}

func TestSendEventPublishesToService(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.mustRegister(t, "sum")
	sessionID := e.mustCreateSession(t)

	serviceMsgs, err := e.q.GetMessages(ctx, e.cfg.Topic("sum"))
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost,
		fmt.Sprintf("/sessions/%s/tasks/t1/send_event", sessionID),
		types.EventDefinition{EventObjStr: `{"kind":"nudge"}`, ServiceID: "sum"})
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case msg := <-serviceMsgs:
		assert.Equal(t, types.ActionSendEvent, msg.Action)
		assert.Equal(t, "t1", msg.Data["task_id"])
		assert.Equal(t, `{"kind":"nudge"}`, msg.Data["input"])
		assert.Equal(t, "sum", msg.Data["service_id"])
	case <-time.After(time.Second):
		t.Fatal("event never reached the service topic")
	}

	// Events are not persisted in the session.
	session, err := e.srv.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, session.TaskIDs)
}

func TestConcurrentAddTask(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.mustRegister(t, "sum")
	sessionID := e.mustCreateSession(t)

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task := &types.TaskDefinition{
				TaskID:    fmt.Sprintf("task-%03d", i),
				ServiceID: "sum",
				Input:     "{}",
			}
			if _, err := e.srv.AddTaskToSession(ctx, sessionID, task); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("add task: %v", err)
	}

	session, err := e.srv.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, session.TaskIDs, n)

	seen := make(map[string]bool, n)
	for _, id := range session.TaskIDs {
		assert.False(t, seen[id], "duplicate task id %s", id)
		seen[id] = true
	}
}
