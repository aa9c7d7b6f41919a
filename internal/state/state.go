// Package state provides the collection-keyed KV store the control plane
// persists services, sessions and tasks in. The default back-end is an
// in-memory map; redis, sqlite and postgres back-ends can be selected
// through a URI.
package state

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Store is a collection-keyed KV store. Values are JSON documents in their
// generic map form. Individual operations are atomic at the key level; no
// cross-collection transactions are offered.
type Store interface {
	// Put upserts the value under key in collection.
	Put(ctx context.Context, key string, value map[string]interface{}, collection string) error

	// Get returns the value under key, or nil when the key is absent.
	Get(ctx context.Context, key, collection string) (map[string]interface{}, error)

	// GetAll returns every key/value pair in collection.
	GetAll(ctx context.Context, collection string) (map[string]map[string]interface{}, error)

	// Delete removes key from collection. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key, collection string) error

	// Close releases the back-end's resources.
	Close() error
}

// FromURI builds a store from a state_store_uri. An empty URI selects the
// in-memory store.
func FromURI(ctx context.Context, uri string) (Store, error) {
	if uri == "" || uri == "memory://" {
		return NewMemoryStore(), nil
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid state store uri: %w", err)
	}
	switch parsed.Scheme {
	case "memory":
		return NewMemoryStore(), nil
	case "redis", "rediss":
		return NewRedisStore(uri)
	case "sqlite":
		path := parsed.Opaque
		if path == "" {
			path = parsed.Host + parsed.Path
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, uri)
	default:
		return nil, fmt.Errorf("unsupported state store scheme %q", parsed.Scheme)
	}
}

// sanitizeCollection guards collection names destined for SQL identifiers
// or key prefixes.
func sanitizeCollection(collection string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, collection)
}
