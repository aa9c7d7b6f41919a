package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      JSONB NOT NULL,
	PRIMARY KEY (collection, key)
)`

// PostgresStore keeps documents in a single kv_store table with JSONB
// values.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database named by the URI and ensures
// the schema exists.
func NewPostgresStore(ctx context.Context, uri string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Put upserts the value under key in collection.
func (s *PostgresStore) Put(ctx context.Context, key string, value map[string]interface{}, collection string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO kv_store (collection, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (collection, key) DO UPDATE SET value = EXCLUDED.value`,
		collection, key, raw)
	return err
}

// Get returns the value under key, or nil when absent.
func (s *PostgresStore) Get(ctx context.Context, key, collection string) (map[string]interface{}, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv_store WHERE collection = $1 AND key = $2`,
		collection, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var value map[string]interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return value, nil
}

// GetAll returns every key/value pair in collection.
func (s *PostgresStore) GetAll(ctx context.Context, collection string) (map[string]map[string]interface{}, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM kv_store WHERE collection = $1`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]map[string]interface{})
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var value map[string]interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("decode value for %q: %w", key, err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// Delete removes key from collection.
func (s *PostgresStore) Delete(ctx context.Context, key, collection string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM kv_store WHERE collection = $1 AND key = $2`, collection, key)
	return err
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
