package controlplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/types"
)

func TestNextMessagesRoutesToTarget(t *testing.T) {
	session := types.NewSession()
	task := &types.TaskDefinition{TaskID: "t1", SessionID: session.SessionID, ServiceID: "sum", Input: "{}"}

	msgs, delta, err := nextMessages(session, task)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "sum", msgs[0].Type)
	assert.Equal(t, types.ActionNewTask, msgs[0].Action)
	assert.Equal(t, "t1", msgs[0].Data["task_id"])

	// First routing of a task opens its scratch slot.
	assert.Contains(t, delta, "t1")
}

func TestNextMessagesHonorsAgentIDAlias(t *testing.T) {
	session := types.NewSession()
	task := &types.TaskDefinition{TaskID: "t1", AgentID: "legacy"}

	msgs, _, err := nextMessages(session, task)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "legacy", msgs[0].Type)
}

func TestNextMessagesNoOpAfterResult(t *testing.T) {
	session := types.NewSession()
	session.State[resultKey("t1")] = map[string]interface{}{"task_id": "t1", "result": "done"}
	task := &types.TaskDefinition{TaskID: "t1", ServiceID: "sum"}

	msgs, delta, err := nextMessages(session, task)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, delta)
}

func TestNextMessagesUnroutable(t *testing.T) {
	session := types.NewSession()
	task := &types.TaskDefinition{TaskID: "t1"}

	_, _, err := nextMessages(session, task)
	assert.ErrorIs(t, err, ErrUnroutable)
}

func TestAddResultToState(t *testing.T) {
	session := types.NewSession()

	addResultToState(session, &types.TaskResult{TaskID: "t1", Result: "3"})
	assert.Equal(t, 0, session.State[retriesKey])

	doc, ok := session.State[resultKey("t1")].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "t1", doc["task_id"])
	assert.Equal(t, "3", doc["result"])

	// Every completion bumps the counter, including repeats.
	addResultToState(session, &types.TaskResult{TaskID: "t1", Result: "3"})
	assert.Equal(t, 1, session.State[retriesKey])
}

func TestAddResultToStateAfterStoreRoundTrip(t *testing.T) {
	// Counters come back from the store as float64.
	session := types.NewSession()
	session.State[retriesKey] = float64(4)

	addResultToState(session, &types.TaskResult{TaskID: "t2", Result: "x"})
	assert.Equal(t, 5, session.State[retriesKey])
}
