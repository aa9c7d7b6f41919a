// Package nats provides the NATS message queue back-end.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/types"
)

// Queue is the NATS back-end. Reconnection is handled by the client library;
// subscriptions survive reconnects.
type Queue struct {
	cfg  queue.NATSConfig
	conn *nats.Conn
	log  *logger.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

var _ queue.MessageQueue = (*Queue)(nil)

// New connects to the NATS server with reconnection enabled.
func New(cfg queue.NATSConfig, log *logger.Logger) (*Queue, error) {
	log = log.WithFields(zap.String("component", "nats-queue"))

	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 10
	}
	opts := []nats.Option{
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("nats error", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, queue.NewTransportError("connect", err)
	}
	log.Info("connected to nats", zap.String("url", cfg.URL))

	return &Queue{
		cfg:  cfg,
		conn: conn,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends the envelope on the topic subject.
func (q *Queue) Publish(ctx context.Context, msg *types.QueueMessage, topic string, opts ...queue.PublishOption) error {
	options := queue.ApplyPublishOptions(opts...)

	msg.MarkPublished()
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := q.conn.Publish(topic, payload); err != nil {
		return queue.NewTransportError("publish", err)
	}
	q.log.Debug("published message",
		zap.String("topic", topic), zap.String("message_id", msg.ID))

	if options.Callback != nil {
		if err := options.Callback(msg); err != nil {
			q.log.Error("publish callback failed",
				zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	return nil
}

// GetMessages subscribes to the topic subject and yields envelopes until
// ctx is canceled.
func (q *Queue) GetMessages(ctx context.Context, topic string) (<-chan *types.QueueMessage, error) {
	inbox := make(chan *nats.Msg, 64)
	sub, err := q.conn.ChanSubscribe(topic, inbox)
	if err != nil {
		return nil, queue.NewTransportError("subscribe", err)
	}

	out := make(chan *types.QueueMessage)
	go func() {
		defer func() { _ = sub.Unsubscribe() }()
		q.forward(ctx, topic, inbox, out)
	}()
	return out, nil
}

// forward drains inbox into out until ctx is canceled. It is the sole
// sender on out and closes it on exit, so no delivery can race the close.
func (q *Queue) forward(ctx context.Context, topic string, inbox <-chan *nats.Msg, out chan<- *types.QueueMessage) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-inbox:
			if !ok {
				return
			}
			var msg types.QueueMessage
			if err := json.Unmarshal(raw.Data, &msg); err != nil {
				q.log.Error("failed to decode message",
					zap.String("topic", topic), zap.Error(err))
				continue
			}
			select {
			case out <- &msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// RegisterConsumer subscribes the consumer to the topic. The subscription
// lives until DeregisterConsumer or Cleanup.
func (q *Queue) RegisterConsumer(_ context.Context, consumer queue.Consumer, topic string) (queue.StartConsuming, error) {
	return func(ctx context.Context) error {
		sub, err := q.conn.Subscribe(topic, func(raw *nats.Msg) {
			var msg types.QueueMessage
			if err := json.Unmarshal(raw.Data, &msg); err != nil {
				q.log.Error("failed to decode message",
					zap.String("topic", topic), zap.Error(err))
				return
			}
			if err := consumer.Handle(ctx, &msg); err != nil {
				q.log.Error("consumer handler failed",
					zap.String("consumer_id", consumer.ID()),
					zap.String("message_id", msg.ID),
					zap.Error(err))
			}
		})
		if err != nil {
			return queue.NewTransportError("subscribe", err)
		}

		q.mu.Lock()
		q.subs[consumer.ID()] = sub
		q.mu.Unlock()

		<-ctx.Done()
		return ctx.Err()
	}, nil
}

// DeregisterConsumer drops the consumer's subscription. Unknown consumers
// no-op.
func (q *Queue) DeregisterConsumer(_ context.Context, consumer queue.Consumer) error {
	q.mu.Lock()
	sub, ok := q.subs[consumer.ID()]
	delete(q.subs, consumer.ID())
	q.mu.Unlock()
	if ok {
		return sub.Unsubscribe()
	}
	return nil
}

// Cleanup drains the connection so pending messages are processed before
// closing. Idempotent.
func (q *Queue) Cleanup(context.Context) error {
	if q.conn.IsClosed() {
		return nil
	}
	if err := q.conn.Drain(); err != nil {
		q.conn.Close()
	}
	return nil
}

// AsConfig returns the connection config for the handshake.
func (q *Queue) AsConfig() queue.Config { return q.cfg }
