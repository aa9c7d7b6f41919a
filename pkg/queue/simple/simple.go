// Package simple provides the in-process message queue back-end. Fan-out is
// direct over per-topic bounded channels; an optional HTTP launcher lets
// remote consumers publish over REST and consume over a websocket.
package simple

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/types"
)

const subscriberBuffer = 64

// Queue is the in-process back-end. It is the hub side: publishers and
// consumers in the same process talk through it directly, and remote
// consumers attach through the launcher server when one is configured.
type Queue struct {
	cfg queue.SimpleConfig
	log *logger.Logger

	mu        sync.RWMutex
	subs      map[string][]*subscriber
	consumers map[string]*registration
	closed    bool
}

type registration struct {
	cancel context.CancelFunc
	sub    *subscriber
}

type subscriber struct {
	topic string
	ch    chan *types.QueueMessage
}

var _ queue.MessageQueue = (*Queue)(nil)

// New creates an in-process queue. The config is only used to advertise the
// launcher address through AsConfig.
func New(cfg queue.SimpleConfig, log *logger.Logger) *Queue {
	return &Queue{
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "simple-queue")),
		subs:      make(map[string][]*subscriber),
		consumers: make(map[string]*registration),
	}
}

// Publish delivers msg to every current subscriber of topic. Blocks when a
// subscriber's buffer is full, so slow consumers exert back-pressure.
func (q *Queue) Publish(ctx context.Context, msg *types.QueueMessage, topic string, opts ...queue.PublishOption) error {
	options := queue.ApplyPublishOptions(opts...)

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return queue.NewTransportError("publish", fmt.Errorf("queue is closed"))
	}
	targets := make([]*subscriber, len(q.subs[topic]))
	copy(targets, q.subs[topic])
	q.mu.RUnlock()

	msg.MarkPublished()
	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q.log.Debug("published message",
		zap.String("topic", topic),
		zap.String("message_id", msg.ID),
		zap.Int("subscribers", len(targets)))

	if options.Callback != nil {
		if err := options.Callback(msg); err != nil {
			q.log.Error("publish callback failed",
				zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	return nil
}

// GetMessages subscribes to topic and yields messages until ctx is canceled.
func (q *Queue) GetMessages(ctx context.Context, topic string) (<-chan *types.QueueMessage, error) {
	sub, err := q.subscribe(topic)
	if err != nil {
		return nil, err
	}

	out := make(chan *types.QueueMessage)
	go func() {
		defer close(out)
		defer q.unsubscribe(sub)
		for {
			select {
			case msg := <-sub.ch:
				select {
				case out <- msg:
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

// RegisterConsumer attaches consumer to topic. The subscription is live as
// soon as this returns; the start handle drains it into the consumer until
// its context is canceled or DeregisterConsumer is called.
func (q *Queue) RegisterConsumer(ctx context.Context, consumer queue.Consumer, topic string) (queue.StartConsuming, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, queue.NewTransportError("register_consumer", fmt.Errorf("queue is closed"))
	}
	if _, ok := q.consumers[consumer.ID()]; ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("consumer %q already registered", consumer.ID())
	}
	q.mu.Unlock()

	sub, err := q.subscribe(topic)
	if err != nil {
		return nil, err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.consumers[consumer.ID()] = &registration{cancel: cancel, sub: sub}
	q.mu.Unlock()

	q.log.Info("consumer registered",
		zap.String("consumer_id", consumer.ID()), zap.String("topic", topic))

	start := func(runCtx context.Context) error {
		defer q.unsubscribe(sub)
		for {
			select {
			case msg := <-sub.ch:
				if err := consumer.Handle(runCtx, msg); err != nil {
					q.log.Error("consumer handler failed",
						zap.String("consumer_id", consumer.ID()),
						zap.String("message_id", msg.ID),
						zap.Error(err))
				}
			case <-runCtx.Done():
				return runCtx.Err()
			case <-loopCtx.Done():
				return nil
			}
		}
	}
	return start, nil
}

// DeregisterConsumer stops the consumer's loop and drops its subscription.
// Unknown consumers no-op.
func (q *Queue) DeregisterConsumer(_ context.Context, consumer queue.Consumer) error {
	q.mu.Lock()
	reg, ok := q.consumers[consumer.ID()]
	delete(q.consumers, consumer.ID())
	q.mu.Unlock()
	if ok {
		reg.cancel()
		q.unsubscribe(reg.sub)
		q.log.Info("consumer deregistered", zap.String("consumer_id", consumer.ID()))
	}
	return nil
}

// Cleanup closes the queue and drops all subscriptions. Idempotent.
func (q *Queue) Cleanup(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, reg := range q.consumers {
		reg.cancel()
	}
	q.consumers = make(map[string]*registration)
	q.subs = make(map[string][]*subscriber)
	q.log.Info("simple queue closed")
	return nil
}

// AsConfig advertises the launcher address so remote clients can connect.
func (q *Queue) AsConfig() queue.Config {
	return q.cfg
}

func (q *Queue) subscribe(topic string) (*subscriber, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.NewTransportError("subscribe", fmt.Errorf("queue is closed"))
	}
	sub := &subscriber{topic: topic, ch: make(chan *types.QueueMessage, subscriberBuffer)}
	q.subs[topic] = append(q.subs[topic], sub)
	return sub, nil
}

func (q *Queue) unsubscribe(sub *subscriber) {
	q.mu.Lock()
	defer q.mu.Unlock()
	subs := q.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			q.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Launch runs the launcher HTTP server for remote publishers and consumers.
// It blocks until ctx is canceled. Remote publishers POST envelopes to
// /messages/:topic; remote consumers receive a JSON stream over /ws.
func (q *Queue) Launch(ctx context.Context) error {
	if q.cfg.Host == "" {
		return fmt.Errorf("simple queue launcher requires a host in the config")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/messages/:topic", func(c *gin.Context) {
		var msg types.QueueMessage
		if err := c.ShouldBindJSON(&msg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := q.Publish(c.Request.Context(), &msg, c.Param("topic")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
	router.GET("/ws", q.serveConsumerSocket)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", q.cfg.Host, q.cfg.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	q.log.Info("simple queue launcher listening",
		zap.String("host", q.cfg.Host), zap.Int("port", q.cfg.Port))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return server.Shutdown(context.Background())
	}
}

// serveConsumerSocket streams every message on ?topic= to the websocket
// peer until either side goes away.
func (q *Queue) serveConsumerSocket(c *gin.Context) {
	topic := c.Query("topic")
	if topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic query parameter is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		q.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reads are discarded; a read error means the peer is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	msgs, err := q.GetMessages(ctx, topic)
	if err != nil {
		q.log.Error("websocket subscribe failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	for msg := range msgs {
		if err := conn.WriteJSON(msg); err != nil {
			q.log.Debug("websocket consumer disconnected",
				zap.String("topic", topic), zap.Error(err))
			return
		}
	}
}
