package queue

import (
	"encoding/json"
	"fmt"
)

// Config identifies a broker back-end and carries everything needed to
// reconstruct a client for it. The Tag is the stable string used as the key
// in the GET /queue_config handshake payload.
type Config interface {
	Tag() string
}

// SimpleConfig configures the in-process back-end. Host/Port point at the
// launcher HTTP server used by remote consumers; both empty means purely
// in-process fan-out.
type SimpleConfig struct {
	Host string `json:"host,omitempty" mapstructure:"host"`
	Port int    `json:"port,omitempty" mapstructure:"port"`
}

func (SimpleConfig) Tag() string { return "simple" }

// BaseURL returns the launcher URL, or empty when the queue is in-process
// only.
func (c SimpleConfig) BaseURL() string {
	if c.Host == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// RedisConfig configures the Redis pub/sub back-end.
type RedisConfig struct {
	URL string `json:"url" mapstructure:"url"`
	// Exclusive enables dedup mode: processed message ids are tracked in
	// a broker-side set with TTL and duplicates are dropped.
	Exclusive bool `json:"exclusive,omitempty" mapstructure:"exclusive"`
	// DedupTTLSeconds bounds the dedup window. Zero means 300.
	DedupTTLSeconds int `json:"dedup_ttl_seconds,omitempty" mapstructure:"dedup_ttl_seconds"`
}

func (RedisConfig) Tag() string { return "redis" }

// KafkaConfig configures the Kafka back-end. One consumer group is created
// per logical consumer id.
type KafkaConfig struct {
	URL string `json:"url" mapstructure:"url"`
}

func (KafkaConfig) Tag() string { return "kafka" }

// RabbitMQConfig configures the RabbitMQ back-end: a topic exchange with a
// per-consumer queue bound to the routing key.
type RabbitMQConfig struct {
	URL          string `json:"url" mapstructure:"url"`
	ExchangeName string `json:"exchange_name" mapstructure:"exchange_name"`
}

func (RabbitMQConfig) Tag() string { return "rabbitmq" }

// AWSConfig configures the SNS+SQS back-end. Credentials come from the
// default AWS provider chain.
type AWSConfig struct {
	Region string `json:"region" mapstructure:"region"`
}

func (AWSConfig) Tag() string { return "aws" }

// NATSConfig configures the NATS back-end.
type NATSConfig struct {
	URL           string `json:"url" mapstructure:"url"`
	MaxReconnects int    `json:"max_reconnects,omitempty" mapstructure:"max_reconnects"`
}

func (NATSConfig) Tag() string { return "nats" }

// HandshakePayload renders a config in the shape served by
// GET /queue_config: one key (the tag) mapping to the config fields.
func HandshakePayload(cfg Config) map[string]Config {
	return map[string]Config{cfg.Tag(): cfg}
}

// ParseHandshake rebuilds a Config from a queue_config handshake body.
func ParseHandshake(body []byte) (Config, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid queue config payload: %w", err)
	}
	if len(raw) != 1 {
		return nil, fmt.Errorf("queue config payload must have exactly one entry, got %d", len(raw))
	}
	for tag, fields := range raw {
		return unmarshalConfig(tag, fields)
	}
	return nil, fmt.Errorf("empty queue config payload")
}

func unmarshalConfig(tag string, fields json.RawMessage) (Config, error) {
	var (
		cfg Config
		err error
	)
	switch tag {
	case "simple":
		var c SimpleConfig
		err = json.Unmarshal(fields, &c)
		cfg = c
	case "redis":
		var c RedisConfig
		err = json.Unmarshal(fields, &c)
		cfg = c
	case "kafka":
		var c KafkaConfig
		err = json.Unmarshal(fields, &c)
		cfg = c
	case "rabbitmq":
		var c RabbitMQConfig
		err = json.Unmarshal(fields, &c)
		cfg = c
	case "aws":
		var c AWSConfig
		err = json.Unmarshal(fields, &c)
		cfg = c
	case "nats":
		var c NATSConfig
		err = json.Unmarshal(fields, &c)
		cfg = c
	default:
		return nil, fmt.Errorf("unknown message queue type %q", tag)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s queue config: %w", tag, err)
	}
	return cfg, nil
}
