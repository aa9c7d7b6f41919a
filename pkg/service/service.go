// Package service implements the workflow service side of the protocol:
// bootstrap against the control plane, consume tasks from the broker and
// publish results and stream records back.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/queue/factory"
	"github.com/taskmesh/taskmesh/pkg/types"
)

// Handler processes one task and returns its final result string. Stream
// records and session state access go through the TaskContext.
type Handler func(ctx context.Context, task *types.TaskDefinition, tc *TaskContext) (string, error)

// EventHandler receives out-of-band SEND_EVENT deliveries for a running
// task. The event payload rides in task.Input.
type EventHandler func(ctx context.Context, task *types.TaskDefinition)

// Options tunes optional service behavior.
type Options struct {
	Description  string
	Host         string
	Port         int
	EventHandler EventHandler
	Logger       *logger.Logger
}

// Service is a workflow service attached to one control plane.
type Service struct {
	name    string
	client  *Client
	mq      queue.MessageQueue
	handler Handler
	opts    Options
	log     *logger.Logger

	publisherID string

	mu    sync.RWMutex
	cpCfg types.ControlPlaneConfig

	tasks sync.WaitGroup
}

// New bootstraps a service: it fetches the broker handshake from the
// control plane and builds the matching queue client. The service is not
// consuming until Run is called.
func New(ctx context.Context, name, controlPlaneURL string, handler Handler, opts Options) (*Service, error) {
	if name == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithFields(zap.String("service_name", name))

	client := NewClient(controlPlaneURL)
	qcfg, err := client.QueueConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue handshake: %w", err)
	}
	mq, err := factory.New(ctx, qcfg, log)
	if err != nil {
		return nil, fmt.Errorf("build queue client: %w", err)
	}

	return &Service{
		name:        name,
		client:      client,
		mq:          mq,
		handler:     handler,
		opts:        opts,
		log:         log,
		publisherID: name + "-" + uuid.New().String(),
	}, nil
}

// Client returns the control plane HTTP client.
func (s *Service) Client() *Client { return s.client }

func (s *Service) controlPlaneConfig() types.ControlPlaneConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cpCfg
}

// Run registers with the control plane and consumes the service topic until
// ctx is canceled. On the way out it waits for in-flight tasks, deregisters
// and cleans up the broker client.
func (s *Service) Run(ctx context.Context) error {
	cpCfg, err := s.client.Register(ctx, &types.ServiceDefinition{
		ServiceName: s.name,
		Description: s.opts.Description,
		Host:        s.opts.Host,
		Port:        s.opts.Port,
	})
	if err != nil {
		return fmt.Errorf("register service: %w", err)
	}
	s.mu.Lock()
	s.cpCfg = cpCfg
	s.mu.Unlock()

	consumer := queue.NewConsumer(s.publisherID, s.dispatch)
	topic := cpCfg.Topic(s.name)
	start, err := s.mq.RegisterConsumer(ctx, consumer, topic)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}
	defer func() {
		s.tasks.Wait()
		cleanupCtx := context.Background()
		if err := s.mq.DeregisterConsumer(cleanupCtx, consumer); err != nil {
			s.log.Warn("deregister consumer", zap.Error(err))
		}
		if err := s.client.Deregister(cleanupCtx, s.name); err != nil {
			s.log.Warn("deregister service", zap.Error(err))
		}
		if err := s.mq.Cleanup(cleanupCtx); err != nil {
			s.log.Warn("queue cleanup", zap.Error(err))
		}
	}()

	s.log.Info("service consuming", zap.String("topic", topic))
	return start(ctx)
}

// dispatch handles one delivered message. Tasks run in their own goroutine
// so a slow task does not block the consume loop.
func (s *Service) dispatch(ctx context.Context, msg *types.QueueMessage) error {
	if msg.Data == nil {
		s.log.Error("message without payload", zap.String("message_id", msg.ID))
		return nil
	}
	var task types.TaskDefinition
	if err := types.FromMap(msg.Data, &task); err != nil {
		s.log.Error("undecodable task payload",
			zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}

	switch msg.Action {
	case types.ActionNewTask:
		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			s.runTask(ctx, &task)
		}()
	case types.ActionSendEvent:
		if s.opts.EventHandler != nil {
			s.opts.EventHandler(ctx, &task)
		}
	default:
		s.log.Error("unexpected action for service",
			zap.String("message_id", msg.ID),
			zap.String("action", string(msg.Action)))
	}
	return nil
}

// runTask executes the handler and publishes the COMPLETED_TASK result. A
// handler error becomes the result string so the client's poll loop still
// terminates.
func (s *Service) runTask(ctx context.Context, task *types.TaskDefinition) {
	log := s.log.WithTaskID(task.TaskID).WithSessionID(task.SessionID)
	tc := &TaskContext{service: s, task: task}

	result, err := s.handler(ctx, task, tc)
	if err != nil {
		log.Error("task handler failed", zap.Error(err))
		result = fmt.Sprintf("error during task execution: %v", err)
	}

	if err := s.publishResult(ctx, task, result); err != nil {
		log.Error("publish task result", zap.Error(err))
		return
	}
	log.Info("task finished")
}

func (s *Service) publishResult(ctx context.Context, task *types.TaskDefinition, result string) error {
	data, err := types.ToMap(&types.TaskResult{
		TaskID: task.TaskID,
		Result: result,
	})
	if err != nil {
		return err
	}
	return s.publishControlPlane(ctx, types.ActionCompletedTask, data)
}

func (s *Service) publishControlPlane(ctx context.Context, action types.ActionType, data map[string]interface{}) error {
	cpCfg := s.controlPlaneConfig()
	msg := types.NewQueueMessage("control_plane", action, data)
	msg.PublisherID = s.publisherID
	return s.mq.Publish(ctx, msg, cpCfg.Topic("control_plane"))
}

// TaskContext is the handler's window back into the control plane for one
// task: stream publication and session state access.
type TaskContext struct {
	service *Service
	task    *types.TaskDefinition

	mu    sync.Mutex
	index int
}

// Stream publishes one TASK_STREAM record. Indices increase monotonically
// in call order.
func (tc *TaskContext) Stream(ctx context.Context, data map[string]interface{}) error {
	tc.mu.Lock()
	index := tc.index
	tc.index++
	tc.mu.Unlock()

	record, err := types.ToMap(&types.TaskStream{
		TaskID:    tc.task.TaskID,
		SessionID: tc.task.SessionID,
		Index:     index,
		Data:      data,
	})
	if err != nil {
		return err
	}
	return tc.service.publishControlPlane(ctx, types.ActionTaskStream, record)
}

// SessionState returns the task's session state, or nil when the task has
// no session or the control plane cannot be reached. Handlers treat state
// as advisory.
func (tc *TaskContext) SessionState(ctx context.Context) map[string]interface{} {
	if tc.task.SessionID == "" {
		return nil
	}
	state, err := tc.service.client.SessionState(ctx, tc.task.SessionID)
	if err != nil {
		tc.service.log.Warn("fetch session state",
			zap.String("session_id", tc.task.SessionID), zap.Error(err))
		return nil
	}
	return state
}

// UpdateSessionState shallow-merges updates into the session state. A task
// without a session is a no-op.
func (tc *TaskContext) UpdateSessionState(ctx context.Context, updates map[string]interface{}) error {
	if tc.task.SessionID == "" {
		return nil
	}
	return tc.service.client.UpdateSessionState(ctx, tc.task.SessionID, updates)
}
