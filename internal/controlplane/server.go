// Package controlplane implements the orchestration hub: the service
// registry, session and task lifecycle, routing of tasks over the message
// queue and the result/stream read paths.
package controlplane

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/state"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/types"
)

// Server is the control plane. All durable state lives in the Store; the
// Server itself only holds connections and per-session write locks, so it
// can be restarted against the same store.
type Server struct {
	cfg   types.ControlPlaneConfig
	store state.Store
	mq    queue.MessageQueue
	log   *logger.Logger

	publisherID string

	// sessionLocks serializes writers of the same session document. The
	// store has no compare-and-swap, so concurrent read-modify-write
	// cycles on one session would lose updates without this.
	sessionLocks sync.Map // session id -> *sync.Mutex
}

// New creates a control plane server over the given store and queue.
func New(cfg types.ControlPlaneConfig, store state.Store, mq queue.MessageQueue, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		cfg:         cfg,
		store:       store,
		mq:          mq,
		log:         log,
		publisherID: "ControlPlaneServer-" + uuid.New().String(),
	}
}

// Config returns the public configuration served to registering services.
func (s *Server) Config() types.ControlPlaneConfig { return s.cfg }

// Queue returns the underlying message queue.
func (s *Server) Queue() queue.MessageQueue { return s.mq }

func (s *Server) lockSession(sessionID string) func() {
	mu, _ := s.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// publish stamps the server's publisher id on msg and sends it to the topic
// derived from the message type.
func (s *Server) publish(ctx context.Context, msg *types.QueueMessage) error {
	msg.PublisherID = s.publisherID
	return s.mq.Publish(ctx, msg, s.cfg.Topic(msg.Type), queue.WithCallback(func(m *types.QueueMessage) error {
		s.log.Debug("published message",
			zap.String("message_id", m.ID),
			zap.String("topic", s.cfg.Topic(m.Type)),
			zap.String("action", string(m.Action)))
		return nil
	}))
}

// RegisterService upserts the service definition and returns the control
// plane configuration so the service can mirror topic namespace and store
// keys.
func (s *Server) RegisterService(ctx context.Context, def *types.ServiceDefinition) (types.ControlPlaneConfig, error) {
	if def.ServiceName == "" {
		return types.ControlPlaneConfig{}, fmt.Errorf("%w: service_name is required", ErrProtocol)
	}
	if !queue.ValidTopic(s.cfg.Topic(def.ServiceName)) {
		return types.ControlPlaneConfig{}, fmt.Errorf("%w: service name %q does not form a valid topic", ErrProtocol, def.ServiceName)
	}
	doc, err := types.ToMap(def)
	if err != nil {
		return types.ControlPlaneConfig{}, err
	}
	if err := s.store.Put(ctx, def.ServiceName, doc, s.cfg.ServicesStoreKey); err != nil {
		return types.ControlPlaneConfig{}, fmt.Errorf("persist service %q: %w", def.ServiceName, err)
	}
	s.log.Info("service registered", zap.String("service_name", def.ServiceName))
	return s.cfg, nil
}

// DeregisterService removes the service from the registry. Unknown names are
// a no-op.
func (s *Server) DeregisterService(ctx context.Context, serviceName string) error {
	if err := s.store.Delete(ctx, serviceName, s.cfg.ServicesStoreKey); err != nil {
		return fmt.Errorf("deregister service %q: %w", serviceName, err)
	}
	s.log.Info("service deregistered", zap.String("service_name", serviceName))
	return nil
}

// GetService returns the registered definition for serviceName.
func (s *Server) GetService(ctx context.Context, serviceName string) (*types.ServiceDefinition, error) {
	doc, err := s.store.Get(ctx, serviceName, s.cfg.ServicesStoreKey)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("service %q: %w", serviceName, ErrNotFound)
	}
	var def types.ServiceDefinition
	if err := types.FromMap(doc, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ListServices returns all registered services keyed by name.
func (s *Server) ListServices(ctx context.Context) (map[string]*types.ServiceDefinition, error) {
	docs, err := s.store.GetAll(ctx, s.cfg.ServicesStoreKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*types.ServiceDefinition, len(docs))
	for name, doc := range docs {
		var def types.ServiceDefinition
		if err := types.FromMap(doc, &def); err != nil {
			return nil, fmt.Errorf("decode service %q: %w", name, err)
		}
		out[name] = &def
	}
	return out, nil
}

// CreateSession mints an empty session and returns its id.
func (s *Server) CreateSession(ctx context.Context) (string, error) {
	session := types.NewSession()
	if err := s.putSession(ctx, session); err != nil {
		return "", err
	}
	s.log.Info("session created", zap.String("session_id", session.SessionID))
	return session.SessionID, nil
}

// GetSession returns the session document.
func (s *Server) GetSession(ctx context.Context, sessionID string) (*types.SessionDefinition, error) {
	doc, err := s.store.Get(ctx, sessionID, s.cfg.SessionStoreKey)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	var session types.SessionDefinition
	if err := types.FromMap(doc, &session); err != nil {
		return nil, err
	}
	if session.TaskIDs == nil {
		session.TaskIDs = []string{}
	}
	if session.State == nil {
		session.State = map[string]interface{}{}
	}
	return &session, nil
}

// ListSessions returns all sessions keyed by id.
func (s *Server) ListSessions(ctx context.Context) (map[string]*types.SessionDefinition, error) {
	docs, err := s.store.GetAll(ctx, s.cfg.SessionStoreKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*types.SessionDefinition, len(docs))
	for id, doc := range docs {
		var session types.SessionDefinition
		if err := types.FromMap(doc, &session); err != nil {
			return nil, fmt.Errorf("decode session %q: %w", id, err)
		}
		out[id] = &session
	}
	return out, nil
}

// DeleteSession removes the session document. Its tasks stay in the task
// store for audit.
func (s *Server) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.store.Delete(ctx, sessionID, s.cfg.SessionStoreKey); err != nil {
		return fmt.Errorf("delete session %q: %w", sessionID, err)
	}
	s.sessionLocks.Delete(sessionID)
	s.log.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

func (s *Server) putSession(ctx context.Context, session *types.SessionDefinition) error {
	doc, err := types.ToMap(session)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, session.SessionID, doc, s.cfg.SessionStoreKey); err != nil {
		return fmt.Errorf("persist session %q: %w", session.SessionID, err)
	}
	return nil
}

// GetTask returns the task document from the task store.
func (s *Server) GetTask(ctx context.Context, taskID string) (*types.TaskDefinition, error) {
	doc, err := s.store.Get(ctx, taskID, s.cfg.TasksStoreKey)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	var task types.TaskDefinition
	if err := types.FromMap(doc, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *Server) putTask(ctx context.Context, task *types.TaskDefinition) error {
	doc, err := types.ToMap(task)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, task.TaskID, doc, s.cfg.TasksStoreKey); err != nil {
		return fmt.Errorf("persist task %q: %w", task.TaskID, err)
	}
	return nil
}

// SessionTasks returns the session's tasks in submission order. Tasks whose
// documents went missing are skipped.
func (s *Server) SessionTasks(ctx context.Context, sessionID string) ([]*types.TaskDefinition, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tasks := make([]*types.TaskDefinition, 0, len(session.TaskIDs))
	for _, taskID := range session.TaskIDs {
		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			s.log.Warn("session references unknown task",
				zap.String("session_id", sessionID),
				zap.String("task_id", taskID))
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// CurrentTask returns the most recently submitted task of the session, or
// nil when the session has none.
func (s *Server) CurrentTask(ctx context.Context, sessionID string) (*types.TaskDefinition, error) {
	tasks, err := s.SessionTasks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[len(tasks)-1], nil
}

// AddTaskToSession attaches the task to the session and routes it to its
// target service. The task must either carry the session's id or no session
// id at all. Tasks with no target service are rejected before they touch
// the session.
func (s *Server) AddTaskToSession(ctx context.Context, sessionID string, task *types.TaskDefinition) (string, error) {
	if task.Target() == "" {
		return "", fmt.Errorf("task %q: %w", task.TaskID, ErrUnroutable)
	}
	if task.SessionID != "" && task.SessionID != sessionID {
		return "", fmt.Errorf("task %q targets session %q: %w", task.TaskID, task.SessionID, ErrSessionMismatch)
	}
	task.SessionID = sessionID
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}

	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	session.TaskIDs = append(session.TaskIDs, task.TaskID)
	if err := s.putSession(ctx, session); err != nil {
		return "", err
	}
	if err := s.putTask(ctx, task); err != nil {
		return "", err
	}
	if err := s.sendTaskToService(ctx, session, task); err != nil {
		return "", err
	}
	s.log.Info("task added to session",
		zap.String("session_id", sessionID),
		zap.String("task_id", task.TaskID),
		zap.String("service", task.Target()))
	return task.TaskID, nil
}

// sendTaskToService runs the routing step for the task: ask the planner for
// the next hop, apply its state delta and publish the resulting messages.
// Caller holds the session lock.
func (s *Server) sendTaskToService(ctx context.Context, session *types.SessionDefinition, task *types.TaskDefinition) error {
	msgs, delta, err := nextMessages(session, task)
	if err != nil {
		return err
	}
	if len(delta) > 0 {
		for k, v := range delta {
			session.State[k] = v
		}
		if err := s.putSession(ctx, session); err != nil {
			return err
		}
	}
	for _, msg := range msgs {
		if err := s.publish(ctx, msg); err != nil {
			return fmt.Errorf("route task %q: %w", task.TaskID, err)
		}
	}
	return nil
}

// HandleServiceCompletion ingests a COMPLETED_TASK result: it stores the
// result in the session state, bumps the completion counter and runs one
// more routing step, which is a no-op now that the result key is present.
func (s *Server) HandleServiceCompletion(ctx context.Context, result *types.TaskResult) error {
	task, err := s.GetTask(ctx, result.TaskID)
	if err != nil {
		return err
	}

	unlock := s.lockSession(task.SessionID)
	defer unlock()

	session, err := s.GetSession(ctx, task.SessionID)
	if err != nil {
		return err
	}
	addResultToState(session, result)
	if err := s.putSession(ctx, session); err != nil {
		return err
	}
	if err := s.sendTaskToService(ctx, session, task); err != nil {
		return err
	}
	if err := s.putTask(ctx, task); err != nil {
		return err
	}
	s.log.Info("task completed",
		zap.String("session_id", session.SessionID),
		zap.String("task_id", result.TaskID))
	return nil
}

// AddStreamToSession appends a TASK_STREAM record to the session state under
// the task's stream key. Records are stored in arrival order; readers sort
// by index.
func (s *Server) AddStreamToSession(ctx context.Context, ts *types.TaskStream) error {
	if ts.SessionID == "" {
		return fmt.Errorf("%w: task stream %q has no session_id", ErrProtocol, ts.TaskID)
	}

	unlock := s.lockSession(ts.SessionID)
	defer unlock()

	session, err := s.GetSession(ctx, ts.SessionID)
	if err != nil {
		return err
	}
	record, err := types.ToMap(ts)
	if err != nil {
		return err
	}
	key := streamKey(ts.TaskID)
	existing, _ := session.State[key].([]interface{})
	session.State[key] = append(existing, record)
	return s.putSession(ctx, session)
}

// GetTaskResult returns the task's stored result, or nil when the task has
// not completed yet.
func (s *Server) GetTaskResult(ctx context.Context, sessionID, taskID string) (*types.TaskResult, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	raw, ok := session.State[resultKey(taskID)]
	if !ok || raw == nil {
		return nil, nil
	}

	var result types.TaskResult
	switch v := raw.(type) {
	case map[string]interface{}:
		if err := types.FromMap(v, &result); err != nil {
			return nil, fmt.Errorf("decode result for task %q: %w", taskID, err)
		}
	case string:
		// Tolerate raw string results written by older services.
		result = types.TaskResult{TaskID: taskID, Result: v}
	default:
		return nil, fmt.Errorf("unexpected result shape for task %q", taskID)
	}
	if result.TaskID != taskID {
		s.log.Warn("stored result has mismatched task id",
			zap.String("expected", taskID),
			zap.String("got", result.TaskID))
		return nil, nil
	}
	return &result, nil
}

// GetSessionState returns the session's state mapping.
func (s *Server) GetSessionState(ctx context.Context, sessionID string) (map[string]interface{}, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.State, nil
}

// UpdateSessionState shallow-merges updates into the session's state
// mapping. Existing keys not named in updates are preserved.
func (s *Server) UpdateSessionState(ctx context.Context, sessionID string, updates map[string]interface{}) error {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	for k, v := range updates {
		session.State[k] = v
	}
	return s.putSession(ctx, session)
}

// SendEvent forwards an out-of-band event to the event's target service.
// Events are fire-and-forget: nothing is persisted.
func (s *Server) SendEvent(ctx context.Context, sessionID, taskID string, event *types.EventDefinition) error {
	if event.ServiceID == "" {
		return fmt.Errorf("%w: event has no service_id", ErrProtocol)
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	// The event rides in a task envelope so services can reuse their task
	// decoding path.
	carrier := &types.TaskDefinition{
		TaskID:    taskID,
		SessionID: sessionID,
		Input:     event.EventObjStr,
		ServiceID: event.ServiceID,
	}
	data, err := types.ToMap(carrier)
	if err != nil {
		return err
	}
	msg := types.NewQueueMessage(event.ServiceID, types.ActionSendEvent, data)
	return s.publish(ctx, msg)
}
