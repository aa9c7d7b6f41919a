// Package redis provides the Redis pub/sub message queue back-end. In
// exclusive mode, processed message ids are tracked in a Redis set with a
// TTL so duplicates are dropped within the window.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/types"
)

const defaultDedupTTL = 300 * time.Second

// Queue is the Redis back-end.
type Queue struct {
	cfg      queue.RedisConfig
	client   *redis.Client
	log      *logger.Logger
	dedupTTL time.Duration
}

var _ queue.MessageQueue = (*Queue)(nil)

// New connects to the Redis server named by the config URL.
func New(cfg queue.RedisConfig, log *logger.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	ttl := defaultDedupTTL
	if cfg.DedupTTLSeconds > 0 {
		ttl = time.Duration(cfg.DedupTTLSeconds) * time.Second
	}
	return &Queue{
		cfg:      cfg,
		client:   redis.NewClient(opts),
		log:      log.WithFields(zap.String("component", "redis-queue")),
		dedupTTL: ttl,
	}, nil
}

// Publish sends the envelope on the topic's pub/sub channel.
func (q *Queue) Publish(ctx context.Context, msg *types.QueueMessage, topic string, opts ...queue.PublishOption) error {
	options := queue.ApplyPublishOptions(opts...)

	msg.MarkPublished()
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := q.client.Publish(ctx, topic, payload).Err(); err != nil {
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

// GetMessages subscribes to the topic channel and yields envelopes until ctx
// is canceled. In exclusive mode, already-processed ids are dropped before
// yielding.
func (q *Queue) GetMessages(ctx context.Context, topic string) (<-chan *types.QueueMessage, error) {
	pubsub := q.client.Subscribe(ctx, topic)
	// Force the subscription to be established before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, queue.NewTransportError("subscribe", err)
	}

	out := make(chan *types.QueueMessage)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg types.QueueMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					q.log.Error("failed to decode message",
						zap.String("topic", topic), zap.Error(err))
					continue
				}
				if q.cfg.Exclusive && !q.claimMessage(ctx, topic, msg.ID) {
					continue
				}
				select {
				case out <- &msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// claimMessage records the id in the topic's processed set. Returns false
// when the id was already there, meaning another consumer handled it.
func (q *Queue) claimMessage(ctx context.Context, topic, id string) bool {
	key := topic + ".processed_messages"
	added, err := q.client.SAdd(ctx, key, id).Result()
	if err != nil {
		// On tracking failure, fall back to at-least-once delivery.
		q.log.Warn("dedup tracking failed", zap.String("topic", topic), zap.Error(err))
		return true
	}
	// Keep the window bounded; NX so the TTL is only set once.
	if err := q.client.ExpireNX(ctx, key, q.dedupTTL).Err(); err != nil {
		q.log.Warn("dedup ttl refresh failed", zap.String("topic", topic), zap.Error(err))
	}
	if added == 0 {
		q.log.Debug("dropped duplicate message",
			zap.String("topic", topic), zap.String("message_id", id))
		return false
	}
	return true
}

// RegisterConsumer drains GetMessages into the consumer when started.
func (q *Queue) RegisterConsumer(_ context.Context, consumer queue.Consumer, topic string) (queue.StartConsuming, error) {
	return drainInto(q, consumer, topic, q.log), nil
}

// DeregisterConsumer is a no-op for pub/sub: the loop stops with its context.
func (q *Queue) DeregisterConsumer(context.Context, queue.Consumer) error { return nil }

// Cleanup closes the Redis connection. Idempotent.
func (q *Queue) Cleanup(context.Context) error {
	return q.client.Close()
}

// AsConfig returns the connection config for the handshake.
func (q *Queue) AsConfig() queue.Config { return q.cfg }

// drainInto is the pull-style consume loop shared with other back-ends that
// have no explicit subscription step.
func drainInto(mq queue.MessageQueue, consumer queue.Consumer, topic string, log *logger.Logger) queue.StartConsuming {
	return func(ctx context.Context) error {
		msgs, err := mq.GetMessages(ctx, topic)
		if err != nil {
			return err
		}
		for msg := range msgs {
			if err := consumer.Handle(ctx, msg); err != nil {
				log.Error("consumer handler failed",
					zap.String("consumer_id", consumer.ID()),
					zap.String("message_id", msg.ID),
					zap.Error(err))
			}
		}
		return ctx.Err()
	}
}
