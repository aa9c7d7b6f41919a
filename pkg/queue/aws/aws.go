// Package aws provides the SNS+SQS message queue back-end. Every topic maps
// to an SNS topic; each consumer gets its own SQS queue subscribed to it
// with raw delivery, and drains that queue.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/types"
)

const receiveWaitSeconds = 20

// Queue is the SNS+SQS back-end. Credentials come from the default AWS
// provider chain (IAM role, environment, shared config).
type Queue struct {
	cfg queue.AWSConfig
	sns *sns.Client
	sqs *sqs.Client
	log *logger.Logger

	mu            sync.Mutex
	topicARNs     map[string]string
	queueURLs     []string
	subscriptions []string
}

var _ queue.MessageQueue = (*Queue)(nil)

// New creates clients for the configured region.
func New(ctx context.Context, cfg queue.AWSConfig, log *logger.Logger) (*Queue, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Queue{
		cfg:       cfg,
		sns:       sns.NewFromConfig(awsCfg),
		sqs:       sqs.NewFromConfig(awsCfg),
		log:       log.WithFields(zap.String("component", "aws-queue")),
		topicARNs: make(map[string]string),
	}, nil
}

// resourceName maps a bus topic to a legal SNS/SQS name. Dots are not
// allowed in either.
func resourceName(topic string) string {
	return strings.ReplaceAll(topic, ".", "-")
}

func (q *Queue) ensureTopic(ctx context.Context, topic string) (string, error) {
	q.mu.Lock()
	arn, ok := q.topicARNs[topic]
	q.mu.Unlock()
	if ok {
		return arn, nil
	}

	// CreateTopic is idempotent and returns the existing ARN.
	out, err := q.sns.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(resourceName(topic))})
	if err != nil {
		return "", queue.NewTransportError("create topic", err)
	}
	arn = aws.ToString(out.TopicArn)

	q.mu.Lock()
	q.topicARNs[topic] = arn
	q.mu.Unlock()
	return arn, nil
}

// Publish sends the envelope to the topic's SNS topic.
func (q *Queue) Publish(ctx context.Context, msg *types.QueueMessage, topic string, opts ...queue.PublishOption) error {
	options := queue.ApplyPublishOptions(opts...)

	arn, err := q.ensureTopic(ctx, topic)
	if err != nil {
		return err
	}

	msg.MarkPublished()
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = q.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(arn),
		Message:  aws.String(string(payload)),
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

// GetMessages creates a subscriber queue bound to the topic and drains it
// until ctx is canceled.
func (q *Queue) GetMessages(ctx context.Context, topic string) (<-chan *types.QueueMessage, error) {
	queueURL, err := q.subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan *types.QueueMessage)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			if err := q.drainOnce(ctx, queueURL, out); err != nil && ctx.Err() == nil {
				q.log.Warn("sqs receive failed, retrying",
					zap.String("topic", topic), zap.Error(err))
				select {
				case <-time.After(5 * time.Second):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// subscribe provisions the per-subscriber SQS queue, wires it to the SNS
// topic with raw delivery and opens the queue policy for that topic only.
func (q *Queue) subscribe(ctx context.Context, topic string) (string, error) {
	topicARN, err := q.ensureTopic(ctx, topic)
	if err != nil {
		return "", err
	}

	queueName := fmt.Sprintf("%s-%d", resourceName(topic), time.Now().UnixNano())
	created, err := q.sqs.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(queueName)})
	if err != nil {
		return "", queue.NewTransportError("create queue", err)
	}
	queueURL := aws.ToString(created.QueueUrl)

	attrs, err := q.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", queue.NewTransportError("queue attributes", err)
	}
	queueARN := attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]

	policy := fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [{
    "Effect": "Allow",
    "Principal": {"Service": "sns.amazonaws.com"},
    "Action": "sqs:SendMessage",
    "Resource": %q,
    "Condition": {"ArnEquals": {"aws:SourceArn": %q}}
  }]
}`, queueARN, topicARN)
	_, err = q.sqs.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl:   aws.String(queueURL),
		Attributes: map[string]string{string(sqstypes.QueueAttributeNamePolicy): policy},
	})
	if err != nil {
		return "", queue.NewTransportError("queue policy", err)
	}

	sub, err := q.sns.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn:              aws.String(topicARN),
		Protocol:              aws.String("sqs"),
		Endpoint:              aws.String(queueARN),
		Attributes:            map[string]string{"RawMessageDelivery": "true"},
		ReturnSubscriptionArn: true,
	})
	if err != nil {
		return "", queue.NewTransportError("subscribe", err)
	}

	q.mu.Lock()
	q.queueURLs = append(q.queueURLs, queueURL)
	q.subscriptions = append(q.subscriptions, aws.ToString(sub.SubscriptionArn))
	q.mu.Unlock()

	return queueURL, nil
}

func (q *Queue) drainOnce(ctx context.Context, queueURL string, out chan<- *types.QueueMessage) error {
	received, err := q.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     receiveWaitSeconds,
	})
	if err != nil {
		return err
	}
	for _, raw := range received.Messages {
		var msg types.QueueMessage
		if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
			q.log.Error("failed to decode message", zap.Error(err))
			continue
		}
		select {
		case out <- &msg:
		case <-ctx.Done():
			return ctx.Err()
		}
		_, err = q.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(queueURL),
			ReceiptHandle: raw.ReceiptHandle,
		})
		if err != nil {
			q.log.Warn("failed to delete message", zap.Error(err))
		}
	}
	return nil
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

// Cleanup removes the subscriptions, queues and topics this client created.
// Idempotent.
func (q *Queue) Cleanup(ctx context.Context) error {
	q.mu.Lock()
	subs := q.subscriptions
	queues := q.queueURLs
	topicARNs := q.topicARNs
	q.subscriptions = nil
	q.queueURLs = nil
	q.topicARNs = make(map[string]string)
	q.mu.Unlock()

	for _, arn := range subs {
		if _, err := q.sns.Unsubscribe(ctx, &sns.UnsubscribeInput{SubscriptionArn: aws.String(arn)}); err != nil {
			q.log.Warn("failed to unsubscribe", zap.String("arn", arn), zap.Error(err))
		}
	}
	for _, u := range queues {
		if _, err := q.sqs.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(u)}); err != nil {
			q.log.Warn("failed to delete queue", zap.String("url", u), zap.Error(err))
		}
	}
	for _, arn := range topicARNs {
		if _, err := q.sns.DeleteTopic(ctx, &sns.DeleteTopicInput{TopicArn: aws.String(arn)}); err != nil {
			q.log.Warn("failed to delete topic", zap.String("arn", arn), zap.Error(err))
		}
	}
	return nil
}

// AsConfig returns the region config for the handshake.
func (q *Queue) AsConfig() queue.Config { return q.cfg }
