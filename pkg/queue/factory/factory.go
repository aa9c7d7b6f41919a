// Package factory builds a message queue client from a Config, typically
// one obtained through the GET /queue_config handshake.
package factory

import (
	"context"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/queue/aws"
	"github.com/taskmesh/taskmesh/pkg/queue/kafka"
	"github.com/taskmesh/taskmesh/pkg/queue/nats"
	"github.com/taskmesh/taskmesh/pkg/queue/rabbitmq"
	"github.com/taskmesh/taskmesh/pkg/queue/redis"
	"github.com/taskmesh/taskmesh/pkg/queue/simple"
)

// New builds the client side of the back-end named by cfg. For the simple
// back-end a launcher address yields a remote client; without one the queue
// is purely in-process (embedded deployments and tests).
func New(ctx context.Context, cfg queue.Config, log *logger.Logger) (queue.MessageQueue, error) {
	switch c := cfg.(type) {
	case queue.SimpleConfig:
		if c.BaseURL() == "" {
			return simple.New(c, log), nil
		}
		return simple.NewClient(c, log), nil
	case queue.RedisConfig:
		return redis.New(c, log)
	case queue.KafkaConfig:
		return kafka.New(c, log), nil
	case queue.RabbitMQConfig:
		return rabbitmq.New(c, log), nil
	case queue.AWSConfig:
		return aws.New(ctx, c, log)
	case queue.NATSConfig:
		return nats.New(c, log)
	default:
		return nil, fmt.Errorf("unknown message queue config %T", cfg)
	}
}
