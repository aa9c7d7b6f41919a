package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/types"
)

func (e *testEnv) seedTask(t *testing.T, sessionID, taskID string) {
	t.Helper()
	e.mustRegister(t, "sum")
	_, err := e.srv.AddTaskToSession(context.Background(), sessionID, &types.TaskDefinition{
		TaskID: taskID, ServiceID: "sum", Input: "{}",
	})
	require.NoError(t, err)
}

func ndjsonLines(t *testing.T, body string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if line == "" {
			continue
		}
		var doc map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &doc))
		out = append(out, doc)
	}
	return out
}

func TestResultStreamSortsByIndex(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sessionID := e.mustCreateSession(t)
	e.seedTask(t, sessionID, "t1")

	// Arrival order 2, 0, 1; readers get index order.
	for _, rec := range []types.TaskStream{
		{TaskID: "t1", SessionID: sessionID, Index: 2, Data: map[string]interface{}{"v": "b"}},
		{TaskID: "t1", SessionID: sessionID, Index: 0, Data: map[string]interface{}{"v": "a"}},
		{TaskID: "t1", SessionID: sessionID, Index: 1, Data: map[string]interface{}{"v": "ab"}},
	} {
		rec := rec
		require.NoError(t, e.srv.AddStreamToSession(ctx, &rec))
	}
	require.NoError(t, e.srv.HandleServiceCompletion(ctx, &types.TaskResult{TaskID: "t1", Result: "done"}))

	rec := e.do(t, http.MethodGet, "/sessions/"+sessionID+"/tasks/t1/result_stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	lines := ndjsonLines(t, rec.Body.String())
	require.Len(t, lines, 3)
	assert.Equal(t, "a", lines[0]["v"])
	assert.Equal(t, "ab", lines[1]["v"])
	assert.Equal(t, "b", lines[2]["v"])
}

func TestResultStreamDuplicateIndexKeepsArrivalOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sessionID := e.mustCreateSession(t)
	e.seedTask(t, sessionID, "t1")

	for _, rec := range []types.TaskStream{
		{TaskID: "t1", SessionID: sessionID, Index: 0, Data: map[string]interface{}{"v": "first"}},
		{TaskID: "t1", SessionID: sessionID, Index: 0, Data: map[string]interface{}{"v": "second"}},
	} {
		rec := rec
		require.NoError(t, e.srv.AddStreamToSession(ctx, &rec))
	}
	require.NoError(t, e.srv.HandleServiceCompletion(ctx, &types.TaskResult{TaskID: "t1", Result: "done"}))

	rec := e.do(t, http.MethodGet, "/sessions/"+sessionID+"/tasks/t1/result_stream", nil)
	lines := ndjsonLines(t, rec.Body.String())
	require.Len(t, lines, 2)
	assert.Equal(t, "first", lines[0]["v"])
	assert.Equal(t, "second", lines[1]["v"])
}

func TestResultStreamTerminatesOnLateResult(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sessionID := e.mustCreateSession(t)
	e.seedTask(t, sessionID, "t1")

	require.NoError(t, e.srv.AddStreamToSession(ctx, &types.TaskStream{
		TaskID: "t1", SessionID: sessionID, Index: 0, Data: map[string]interface{}{"v": "a"},
	}))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = e.srv.HandleServiceCompletion(ctx, &types.TaskResult{TaskID: "t1", Result: "done"})
	}()

	start := time.Now()
	rec := e.do(t, http.MethodGet, "/sessions/"+sessionID+"/tasks/t1/result_stream", nil)
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, rec.Code)
	lines := ndjsonLines(t, rec.Body.String())
	require.Len(t, lines, 1)
	assert.Equal(t, "a", lines[0]["v"])

	// The poll loop notices the result within a step or two.
	assert.Less(t, elapsed, 2*time.Second)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestResultStreamUnknownSession(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/sessions/nope/tasks/t1/result_stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResultStreamMissingStreamIs404(t *testing.T) {
	e := newTestEnv(t)
	sessionID := e.mustCreateSession(t)
	e.seedTask(t, sessionID, "t1")

	// The task exists but has never streamed; the endpoint must reject
	// before the response starts instead of polling forever.
	rec := e.do(t, http.MethodGet, "/sessions/"+sessionID+"/tasks/t1/result_stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "stream")
}

func TestTaskStreamViaBus(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sessionID := e.mustCreateSession(t)
	e.seedTask(t, sessionID, "t1")
	e.startConsumer(t)

	data, err := types.ToMap(&types.TaskStream{
		TaskID: "t1", SessionID: sessionID, Index: 0, Data: map[string]interface{}{"v": "hello"},
	})
	require.NoError(t, err)
	msg := types.NewQueueMessage("control_plane", types.ActionTaskStream, data)
	require.NoError(t, e.q.Publish(ctx, msg, e.cfg.Topic(ControlPlaneMessageType)))

	require.Eventually(t, func() bool {
		session, err := e.srv.GetSession(ctx, sessionID)
		if err != nil {
			return false
		}
		records, err := decodeStreamRecords(session, "t1")
		return err == nil && len(records) == 1 && records[0].Data["v"] == "hello"
	}, 2*time.Second, 10*time.Millisecond)
}
