package controlplane

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/types"
)

// ControlPlaneMessageType is the routing tag for messages addressed to the
// control plane itself.
const ControlPlaneMessageType = "control_plane"

// AsConsumer wraps the server as a queue consumer for its own topic.
func (s *Server) AsConsumer() queue.Consumer {
	return queue.NewConsumer(s.publisherID, s.dispatch)
}

// Start registers the server on its topic and runs the consume loop until
// ctx is canceled. Dispatch failures are logged and never stop the loop;
// losing the loop would strand every in-flight task.
func (s *Server) Start(ctx context.Context) error {
	consumer := s.AsConsumer()
	start, err := s.mq.RegisterConsumer(ctx, consumer, s.cfg.Topic(ControlPlaneMessageType))
	if err != nil {
		return fmt.Errorf("register control plane consumer: %w", err)
	}
	defer func() {
		if err := s.mq.DeregisterConsumer(context.Background(), consumer); err != nil {
			s.log.Warn("deregister control plane consumer", zap.Error(err))
		}
	}()
	s.log.Info("control plane consuming",
		zap.String("topic", s.cfg.Topic(ControlPlaneMessageType)))
	return start(ctx)
}

// dispatch handles one inbound queue message. Malformed messages and
// failures of individual handlers are logged; the error return is reserved
// for the queue back-end's own bookkeeping.
func (s *Server) dispatch(ctx context.Context, msg *types.QueueMessage) error {
	if msg.Data == nil {
		s.log.Error("message without payload",
			zap.String("message_id", msg.ID),
			zap.String("action", string(msg.Action)))
		return nil
	}

	var err error
	switch msg.Action {
	case types.ActionNewTask:
		err = s.handleNewTask(ctx, msg)
	case types.ActionCompletedTask:
		var result types.TaskResult
		if err = types.FromMap(msg.Data, &result); err == nil {
			err = s.HandleServiceCompletion(ctx, &result)
		}
	case types.ActionTaskStream:
		var stream types.TaskStream
		if err = types.FromMap(msg.Data, &stream); err == nil {
			err = s.AddStreamToSession(ctx, &stream)
		}
	default:
		s.log.Error("unexpected action for control plane",
			zap.String("message_id", msg.ID),
			zap.String("action", string(msg.Action)))
		return nil
	}

	if err != nil {
		s.log.Error("dispatch failed",
			zap.String("message_id", msg.ID),
			zap.String("action", string(msg.Action)),
			zap.Error(err))
	}
	return nil
}

// handleNewTask ingests a task submitted over the queue rather than HTTP.
// A task without a session gets a fresh one.
func (s *Server) handleNewTask(ctx context.Context, msg *types.QueueMessage) error {
	var task types.TaskDefinition
	if err := types.FromMap(msg.Data, &task); err != nil {
		return err
	}
	sessionID := task.SessionID
	if sessionID == "" {
		var err error
		if sessionID, err = s.CreateSession(ctx); err != nil {
			return err
		}
	}
	_, err := s.AddTaskToSession(ctx, sessionID, &task)
	return err
}
