package simple

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/types"
)

const reconnectWait = 2 * time.Second

// Client is the remote side of the in-process queue: it publishes through
// the launcher's REST endpoint and consumes over its websocket. Workflow
// services running in a separate process get one of these from the
// queue_config handshake.
type Client struct {
	cfg  queue.SimpleConfig
	log  *logger.Logger
	http *http.Client
}

var _ queue.MessageQueue = (*Client)(nil)

// NewClient creates a remote client for the launcher at cfg.Host:cfg.Port.
func NewClient(cfg queue.SimpleConfig, log *logger.Logger) *Client {
	return &Client{
		cfg:  cfg,
		log:  log.WithFields(zap.String("component", "simple-queue-client")),
		http: &http.Client{Timeout: 120 * time.Second},
	}
}

// Publish POSTs the envelope to the launcher.
func (c *Client) Publish(ctx context.Context, msg *types.QueueMessage, topic string, opts ...queue.PublishOption) error {
	options := queue.ApplyPublishOptions(opts...)

	msg.MarkPublished()
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/messages/%s", c.cfg.BaseURL(), url.PathEscape(topic))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return queue.NewTransportError("publish", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return queue.NewTransportError("publish", fmt.Errorf("launcher returned %s", resp.Status))
	}

	if options.Callback != nil {
		if err := options.Callback(msg); err != nil {
			c.log.Error("publish callback failed",
				zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	return nil
}

// GetMessages consumes topic over the launcher websocket, reconnecting with
// a fixed wait on failure until ctx is canceled.
func (c *Client) GetMessages(ctx context.Context, topic string) (<-chan *types.QueueMessage, error) {
	if c.cfg.BaseURL() == "" {
		return nil, fmt.Errorf("simple queue client requires a launcher address")
	}
	wsURL := fmt.Sprintf("ws://%s:%d/ws?topic=%s", c.cfg.Host, c.cfg.Port, url.QueryEscape(topic))

	out := make(chan *types.QueueMessage)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			if err := c.consumeOnce(ctx, wsURL, out); err != nil && ctx.Err() == nil {
				c.log.Warn("consumer connection lost, reconnecting",
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

func (c *Client) consumeOnce(ctx context.Context, wsURL string, out chan<- *types.QueueMessage) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg types.QueueMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case out <- &msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RegisterConsumer drains GetMessages into the consumer when started.
func (c *Client) RegisterConsumer(_ context.Context, consumer queue.Consumer, topic string) (queue.StartConsuming, error) {
	return func(runCtx context.Context) error {
		msgs, err := c.GetMessages(runCtx, topic)
		if err != nil {
			return err
		}
		for msg := range msgs {
			if err := consumer.Handle(runCtx, msg); err != nil {
				c.log.Error("consumer handler failed",
					zap.String("consumer_id", consumer.ID()),
					zap.String("message_id", msg.ID),
					zap.Error(err))
			}
		}
		return runCtx.Err()
	}, nil
}

// DeregisterConsumer is a no-op: the consume loop stops with its context.
func (c *Client) DeregisterConsumer(context.Context, queue.Consumer) error { return nil }

// Cleanup is a no-op; connections are per consume loop.
func (c *Client) Cleanup(context.Context) error { return nil }

// AsConfig returns the launcher address this client was built from.
func (c *Client) AsConfig() queue.Config { return c.cfg }
