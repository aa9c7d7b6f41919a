package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore maps each collection to a Redis hash.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the Redis server named by the URI.
func NewRedisStore(uri string) (*RedisStore, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid redis uri: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts), prefix: "taskmesh:"}, nil
}

func (s *RedisStore) hashKey(collection string) string {
	return s.prefix + sanitizeCollection(collection)
}

// Put upserts the value as a hash field.
func (s *RedisStore) Put(ctx context.Context, key string, value map[string]interface{}, collection string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	return s.client.HSet(ctx, s.hashKey(collection), key, raw).Err()
}

// Get returns the value under key, or nil when absent.
func (s *RedisStore) Get(ctx context.Context, key, collection string) (map[string]interface{}, error) {
	raw, err := s.client.HGet(ctx, s.hashKey(collection), key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var value map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return value, nil
}

// GetAll returns every field in the collection hash.
func (s *RedisStore) GetAll(ctx context.Context, collection string) (map[string]map[string]interface{}, error) {
	fields, err := s.client.HGetAll(ctx, s.hashKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]interface{}, len(fields))
	for key, raw := range fields {
		var value map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decode value for %q: %w", key, err)
		}
		out[key] = value
	}
	return out, nil
}

// Delete removes the hash field.
func (s *RedisStore) Delete(ctx context.Context, key, collection string) error {
	return s.client.HDel(ctx, s.hashKey(collection), key).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }
