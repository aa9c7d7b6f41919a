// Package kafka provides the Kafka message queue back-end using
// segmentio/kafka-go. Each logical consumer id maps to its own consumer
// group so every consumer sees the full topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/types"
)

const reconnectWait = 5 * time.Second

// Queue is the Kafka back-end.
type Queue struct {
	cfg    queue.KafkaConfig
	writer *kafka.Writer
	log    *logger.Logger
}

var _ queue.MessageQueue = (*Queue)(nil)

// New creates a Kafka client for the brokers in the config URL
// (comma-separated host:port list).
func New(cfg queue.KafkaConfig, log *logger.Logger) *Queue {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers(cfg.URL)...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return &Queue{
		cfg:    cfg,
		writer: writer,
		log:    log.WithFields(zap.String("component", "kafka-queue")),
	}
}

func brokers(url string) []string {
	parts := strings.Split(url, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// Publish writes the envelope to the topic, creating it on first use.
func (q *Queue) Publish(ctx context.Context, msg *types.QueueMessage, topic string, opts ...queue.PublishOption) error {
	options := queue.ApplyPublishOptions(opts...)

	msg.MarkPublished()
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = q.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(msg.PublisherID),
		Value: payload,
	})
	if err != nil {
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

// GetMessages consumes the topic under an ephemeral consumer group.
func (q *Queue) GetMessages(ctx context.Context, topic string) (<-chan *types.QueueMessage, error) {
	return q.consume(ctx, topic, "taskmesh-"+uuid.New().String()), nil
}

// RegisterConsumer consumes the topic under a group named after the
// consumer id, so restarts resume from the committed offset.
func (q *Queue) RegisterConsumer(_ context.Context, consumer queue.Consumer, topic string) (queue.StartConsuming, error) {
	return func(ctx context.Context) error {
		for msg := range q.consume(ctx, topic, consumer.ID()) {
			if err := consumer.Handle(ctx, msg); err != nil {
				q.log.Error("consumer handler failed",
					zap.String("consumer_id", consumer.ID()),
					zap.String("message_id", msg.ID),
					zap.Error(err))
			}
		}
		return ctx.Err()
	}, nil
}

// consume reads the topic in a reconnect loop until ctx is canceled.
func (q *Queue) consume(ctx context.Context, topic, groupID string) <-chan *types.QueueMessage {
	out := make(chan *types.QueueMessage)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			reader := kafka.NewReader(kafka.ReaderConfig{
				Brokers: brokers(q.cfg.URL),
				GroupID: groupID,
				Topic:   topic,
			})
			err := q.readLoop(ctx, reader, out)
			_ = reader.Close()
			if err != nil && ctx.Err() == nil {
				q.log.Warn("kafka read failed, reconnecting",
					zap.String("topic", topic), zap.Error(err))
				select {
				case <-time.After(reconnectWait):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (q *Queue) readLoop(ctx context.Context, reader *kafka.Reader, out chan<- *types.QueueMessage) error {
	for {
		raw, err := reader.ReadMessage(ctx)
		if err != nil {
			return err
		}
		var msg types.QueueMessage
		if err := json.Unmarshal(raw.Value, &msg); err != nil {
			q.log.Error("failed to decode message",
				zap.String("topic", raw.Topic), zap.Error(err))
			continue
		}
		select {
		case out <- &msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DeregisterConsumer is a no-op: the consume loop stops with its context.
func (q *Queue) DeregisterConsumer(context.Context, queue.Consumer) error { return nil }

// Cleanup closes the shared writer. Idempotent.
func (q *Queue) Cleanup(context.Context) error {
	return q.writer.Close()
}

// AsConfig returns the broker config for the handshake.
func (q *Queue) AsConfig() queue.Config { return q.cfg }
