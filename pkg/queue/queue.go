// Package queue defines the broker-neutral publish/consume contract between
// the control plane and workflow services. Concrete back-ends live in the
// subpackages (simple, redis, kafka, rabbitmq, aws, nats); the factory
// subpackage builds a client from a Config.
package queue

import (
	"context"
	"fmt"
	"regexp"

	"github.com/taskmesh/taskmesh/pkg/types"
)

// PublishCallback is invoked after a successful publish. Errors returned by
// the callback are logged by the back-end and never propagated to the
// publisher.
type PublishCallback func(msg *types.QueueMessage) error

// PublishOptions carries optional publish behavior. Back-ends ignore options
// they have no use for.
type PublishOptions struct {
	// CreateTopic lets the back-end create the topic on first use.
	CreateTopic bool
	// Callback runs after the broker accepted the message.
	Callback PublishCallback
}

// PublishOption mutates PublishOptions.
type PublishOption func(*PublishOptions)

// WithCreateTopic controls topic auto-creation on publish.
func WithCreateTopic(create bool) PublishOption {
	return func(o *PublishOptions) { o.CreateTopic = create }
}

// WithCallback registers a post-publish callback.
func WithCallback(cb PublishCallback) PublishOption {
	return func(o *PublishOptions) { o.Callback = cb }
}

// ApplyPublishOptions resolves options against the defaults. Used by
// back-end implementations.
func ApplyPublishOptions(opts ...PublishOption) PublishOptions {
	options := PublishOptions{CreateTopic: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Consumer is attached to a topic through RegisterConsumer. Handle is called
// once per delivered message; delivery is at-least-once, so handlers must be
// idempotent unless the back-end runs in exclusive (dedup) mode.
type Consumer interface {
	ID() string
	Handle(ctx context.Context, msg *types.QueueMessage) error
}

// HandlerFunc adapts a function to the Consumer interface under a fixed id.
type HandlerFunc func(ctx context.Context, msg *types.QueueMessage) error

type funcConsumer struct {
	id string
	fn HandlerFunc
}

func (c *funcConsumer) ID() string { return c.id }

func (c *funcConsumer) Handle(ctx context.Context, msg *types.QueueMessage) error {
	return c.fn(ctx, msg)
}

// NewConsumer wraps a handler function into a Consumer.
func NewConsumer(id string, fn HandlerFunc) Consumer {
	return &funcConsumer{id: id, fn: fn}
}

// StartConsuming begins the consume loop for a registered consumer. It
// blocks until ctx is canceled or the loop fails.
type StartConsuming func(ctx context.Context) error

// MessageQueue is the contract every broker back-end implements.
type MessageQueue interface {
	// Publish delivers msg to all current consumers of topic. It fails
	// with a *TransportError on unrecoverable broker issues.
	Publish(ctx context.Context, msg *types.QueueMessage, topic string, opts ...PublishOption) error

	// GetMessages returns a channel yielding messages published on topic.
	// The channel is infinite until ctx cancellation and restartable
	// across broker reconnects. Ordering is FIFO per publisher per topic,
	// best-effort globally.
	GetMessages(ctx context.Context, topic string) (<-chan *types.QueueMessage, error)

	// RegisterConsumer attaches a consumer to a topic and returns the
	// start handle that begins the consume loop. Pull-style back-ends may
	// return a handle that simply drains GetMessages into the consumer.
	RegisterConsumer(ctx context.Context, consumer Consumer, topic string) (StartConsuming, error)

	// DeregisterConsumer detaches a consumer. Unknown consumers are a
	// no-op.
	DeregisterConsumer(ctx context.Context, consumer Consumer) error

	// Cleanup releases broker resources (connections, ephemeral queues).
	// Idempotent.
	Cleanup(ctx context.Context) error

	// AsConfig returns the configuration needed to reconstruct a client
	// that talks to the same broker. Served by GET /queue_config.
	AsConfig() Config
}

// TransportError marks an unrecoverable broker failure. Publishers propagate
// it to callers; consumers reconnect with backoff instead.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("queue transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps a broker error with the failed operation.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

var topicRe = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-]+)+$`)

// ValidTopic reports whether a fully qualified topic name is well formed
// (namespace and message type joined by dots).
func ValidTopic(topic string) bool {
	return topicRe.MatchString(topic)
}
