// Package types defines the wire types shared by the control plane,
// the message-queue back-ends and workflow services.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ActionType is the routing tag carried by every QueueMessage.
type ActionType string

const (
	ActionNewTask       ActionType = "new_task"
	ActionCompletedTask ActionType = "completed_task"
	ActionTaskStream    ActionType = "task_stream"
	ActionSendEvent     ActionType = "send_event"
)

// ServiceDefinition describes a workflow service registered with the
// control plane. The service name doubles as its topic suffix.
type ServiceDefinition struct {
	ServiceName string `json:"service_name"`
	Description string `json:"description,omitempty"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
}

// SessionDefinition is a durable container for an ordered set of tasks and
// their accumulated state. Task results and stream records live in State
// under well-known keys.
type SessionDefinition struct {
	SessionID string                 `json:"session_id"`
	TaskIDs   []string               `json:"task_ids"`
	State     map[string]interface{} `json:"state"`
}

// NewSession creates an empty session with a fresh ID.
func NewSession() *SessionDefinition {
	return &SessionDefinition{
		SessionID: uuid.New().String(),
		TaskIDs:   []string{},
		State:     map[string]interface{}{},
	}
}

// TaskDefinition is a single unit of work targeting one service.
// SessionID may be empty at submit time; the control plane mints a session.
// AgentID is a historical alias for ServiceID kept for wire compatibility.
type TaskDefinition struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id,omitempty"`
	Input     string `json:"input"`
	ServiceID string `json:"service_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// NewTask creates a task for the given service with a fresh ID.
func NewTask(serviceID, input string) *TaskDefinition {
	return &TaskDefinition{
		TaskID:    uuid.New().String(),
		Input:     input,
		ServiceID: serviceID,
	}
}

// Target returns the destination service name, honoring the agent_id alias.
func (t *TaskDefinition) Target() string {
	if t.ServiceID != "" {
		return t.ServiceID
	}
	return t.AgentID
}

// TaskResult is the terminal outcome of a task.
type TaskResult struct {
	TaskID  string                 `json:"task_id"`
	History []interface{}          `json:"history,omitempty"`
	Result  string                 `json:"result"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// TaskStream is an intermediate event emitted by a workflow during task
// execution. Index is monotonic per task; readers order by it, not by
// arrival.
type TaskStream struct {
	TaskID    string                 `json:"task_id"`
	SessionID string                 `json:"session_id,omitempty"`
	Index     int                    `json:"index"`
	Data      map[string]interface{} `json:"data"`
}

// EventDefinition is an out-of-band event injected into a running task.
type EventDefinition struct {
	EventObjStr string `json:"event_obj_str"`
	ServiceID   string `json:"service_id"`
}

// MessageStats records coarse timing for a message's trip through the bus.
type MessageStats struct {
	PublishTime      *time.Time `json:"publish_time,omitempty"`
	ProcessStartTime *time.Time `json:"process_start_time,omitempty"`
	ProcessEndTime   *time.Time `json:"process_end_time,omitempty"`
}

// QueueMessage is the envelope for all inter-component traffic. Type is the
// routing tag: the destination service name, or "control_plane" for messages
// addressed to the control plane. Messages are immutable once published.
type QueueMessage struct {
	ID          string                 `json:"id"`
	PublisherID string                 `json:"publisher_id,omitempty"`
	Type        string                 `json:"type"`
	Action      ActionType             `json:"action"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Stats       MessageStats           `json:"stats,omitempty"`
}

// NewQueueMessage creates an envelope with a fresh ID for the given routing
// tag, action and payload.
func NewQueueMessage(msgType string, action ActionType, data map[string]interface{}) *QueueMessage {
	return &QueueMessage{
		ID:     uuid.New().String(),
		Type:   msgType,
		Action: action,
		Data:   data,
	}
}

// MarkPublished stamps the publish time. Called by queue clients right
// before handing the message to the broker.
func (m *QueueMessage) MarkPublished() {
	now := time.Now().UTC()
	m.Stats.PublishTime = &now
}
