package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskTarget(t *testing.T) {
	t.Run("service_id wins over agent_id", func(t *testing.T) {
		task := &TaskDefinition{ServiceID: "sum", AgentID: "legacy"}
		assert.Equal(t, "sum", task.Target())
	})

	t.Run("agent_id is a fallback alias", func(t *testing.T) {
		task := &TaskDefinition{AgentID: "legacy"}
		assert.Equal(t, "legacy", task.Target())
	})

	t.Run("empty when neither is set", func(t *testing.T) {
		assert.Empty(t, (&TaskDefinition{}).Target())
	})
}

func TestNewSession(t *testing.T) {
	session := NewSession()
	assert.NotEmpty(t, session.SessionID)
	assert.NotNil(t, session.TaskIDs)
	assert.NotNil(t, session.State)
	assert.Empty(t, session.TaskIDs)
}

func TestNewQueueMessage(t *testing.T) {
	msg := NewQueueMessage("sum", ActionNewTask, map[string]interface{}{"task_id": "t1"})
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "sum", msg.Type)
	assert.Equal(t, ActionNewTask, msg.Action)
	assert.Nil(t, msg.Stats.PublishTime)

	msg.MarkPublished()
	require.NotNil(t, msg.Stats.PublishTime)
}

func TestCodecRoundTrip(t *testing.T) {
	task := &TaskDefinition{TaskID: "t1", SessionID: "s1", Input: `{"a":1}`, ServiceID: "sum"}
	doc, err := ToMap(task)
	require.NoError(t, err)
	assert.Equal(t, "t1", doc["task_id"])

	var decoded TaskDefinition
	require.NoError(t, FromMap(doc, &decoded))
	assert.Equal(t, *task, decoded)
}

func TestControlPlaneConfig(t *testing.T) {
	cfg := DefaultControlPlaneConfig()

	t.Run("defaults", func(t *testing.T) {
		assert.Equal(t, "llama_deploy", cfg.TopicNamespace)
		assert.Equal(t, "services", cfg.ServicesStoreKey)
		assert.Equal(t, "tasks", cfg.TasksStoreKey)
		assert.Equal(t, "sessions", cfg.SessionStoreKey)
		assert.True(t, cfg.Running)
	})

	t.Run("topic joins namespace and type", func(t *testing.T) {
		assert.Equal(t, "llama_deploy.control_plane", cfg.Topic("control_plane"))
	})

	t.Run("urls", func(t *testing.T) {
		assert.Equal(t, "http://127.0.0.1:8000", cfg.URL())
		assert.Equal(t, cfg.URL(), cfg.InternalURL())

		internal := cfg
		internal.InternalHost = "cp.internal"
		assert.Equal(t, "http://cp.internal:8000", internal.InternalURL())

		internal.InternalPort = 9000
		assert.Equal(t, "http://cp.internal:9000", internal.InternalURL())
	})

	t.Run("step interval", func(t *testing.T) {
		assert.InDelta(t, 0.1, cfg.StepInterval, 1e-9)
		assert.Equal(t, int64(100), cfg.StepIntervalDuration().Milliseconds())
	})
}
