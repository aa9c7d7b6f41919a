// Package rabbitmq provides the RabbitMQ message queue back-end. Messages
// flow through one exchange; each topic maps to a queue bound with the topic
// as routing key.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/types"
)

const (
	// DefaultExchangeName is used when the config does not name one.
	DefaultExchangeName = "taskmesh"

	reconnectWait = 10 * time.Second
)

// Queue is the RabbitMQ back-end. Connections are short-lived per publish
// and per consume loop; the broker holds the durable state.
type Queue struct {
	cfg queue.RabbitMQConfig
	log *logger.Logger

	mu     sync.Mutex
	topics map[string]struct{}
}

var _ queue.MessageQueue = (*Queue)(nil)

// New creates a RabbitMQ client for the AMQP URL in the config.
func New(cfg queue.RabbitMQConfig, log *logger.Logger) *Queue {
	if cfg.ExchangeName == "" {
		cfg.ExchangeName = DefaultExchangeName
	}
	return &Queue{
		cfg:    cfg,
		log:    log.WithFields(zap.String("component", "rabbitmq-queue")),
		topics: make(map[string]struct{}),
	}
}

func (q *Queue) dial() (*amqp.Connection, error) {
	conn, err := amqp.Dial(q.cfg.URL)
	if err != nil {
		return nil, queue.NewTransportError("dial", err)
	}
	return conn, nil
}

func (q *Queue) declareExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(q.cfg.ExchangeName, amqp.ExchangeDirect, true, false, false, false, nil)
}

// Publish sends the envelope to the exchange with the topic as routing key.
func (q *Queue) Publish(ctx context.Context, msg *types.QueueMessage, topic string, opts ...queue.PublishOption) error {
	options := queue.ApplyPublishOptions(opts...)

	msg.MarkPublished()
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	conn, err := q.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return queue.NewTransportError("channel", err)
	}
	defer ch.Close()

	if err := q.declareExchange(ch); err != nil {
		return queue.NewTransportError("declare exchange", err)
	}
	err = ch.PublishWithContext(ctx, q.cfg.ExchangeName, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err != nil {
		return queue.NewTransportError("publish", err)
	}

	q.mu.Lock()
	q.topics[topic] = struct{}{}
	q.mu.Unlock()

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

// GetMessages consumes the topic's queue, reconnecting with a fixed wait on
// broker failures until ctx is canceled.
func (q *Queue) GetMessages(ctx context.Context, topic string) (<-chan *types.QueueMessage, error) {
	out := make(chan *types.QueueMessage)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			if err := q.consumeOnce(ctx, topic, out); err != nil && ctx.Err() == nil {
				q.log.Warn("rabbitmq consume failed, reconnecting",
					zap.String("topic", topic), zap.Error(err))
				select {
				case <-time.After(reconnectWait):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (q *Queue) consumeOnce(ctx context.Context, topic string, out chan<- *types.QueueMessage) error {
	conn, err := q.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := q.declareExchange(ch); err != nil {
		return err
	}
	queueDecl, err := ch.QueueDeclare(topic, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(queueDecl.Name, topic, q.cfg.ExchangeName, false, nil); err != nil {
		return err
	}

	deliveries, err := ch.Consume(queueDecl.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.topics[topic] = struct{}{}
	q.mu.Unlock()

	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			var msg types.QueueMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				q.log.Error("failed to decode message",
					zap.String("topic", topic), zap.Error(err))
				_ = delivery.Nack(false, false)
				continue
			}
			select {
			case out <- &msg:
				_ = delivery.Ack(false)
			case <-ctx.Done():
				_ = delivery.Nack(false, true)
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RegisterConsumer drains GetMessages into the consumer when started.
func (q *Queue) RegisterConsumer(_ context.Context, consumer queue.Consumer, topic string) (queue.StartConsuming, error) {
	return func(ctx context.Context) error {
		msgs, err := q.GetMessages(ctx, topic)
		if err != nil {
			return err
		}
		for msg := range msgs {
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

// DeregisterConsumer is a no-op: the consume loop stops with its context.
func (q *Queue) DeregisterConsumer(context.Context, queue.Consumer) error { return nil }

// Cleanup deletes the queues and the exchange this client touched.
// Idempotent; a broker that is already gone is not an error.
func (q *Queue) Cleanup(ctx context.Context) error {
	q.mu.Lock()
	topics := make([]string, 0, len(q.topics))
	for t := range q.topics {
		topics = append(topics, t)
	}
	q.topics = make(map[string]struct{})
	q.mu.Unlock()

	if len(topics) == 0 {
		return nil
	}

	conn, err := q.dial()
	if err != nil {
		return nil
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return nil
	}
	defer ch.Close()

	for _, t := range topics {
		if _, err := ch.QueueDelete(t, false, false, false); err != nil {
			q.log.Warn("failed to delete queue", zap.String("queue", t), zap.Error(err))
		}
	}
	if err := ch.ExchangeDelete(q.cfg.ExchangeName, false, false); err != nil {
		q.log.Warn("failed to delete exchange",
			zap.String("exchange", q.cfg.ExchangeName), zap.Error(err))
	}
	return nil
}

// AsConfig returns the connection config for the handshake.
func (q *Queue) AsConfig() queue.Config { return q.cfg }
