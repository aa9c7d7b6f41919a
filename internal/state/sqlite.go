package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (collection, key)
);`

// SQLiteStore keeps documents in a single kv_store table.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed initializes) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Put upserts the value under key in collection.
func (s *SQLiteStore) Put(ctx context.Context, key string, value map[string]interface{}, collection string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv_store (collection, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value`,
		collection, key, string(raw))
	return err
}

// Get returns the value under key, or nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, key, collection string) (map[string]interface{}, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		`SELECT value FROM kv_store WHERE collection = ? AND key = ?`, collection, key)
	if errors.Is(err, sql.ErrNoRows) {
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

// GetAll returns every key/value pair in collection.
func (s *SQLiteStore) GetAll(ctx context.Context, collection string) (map[string]map[string]interface{}, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT key, value FROM kv_store WHERE collection = ?`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]map[string]interface{})
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var value map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decode value for %q: %w", key, err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// Delete removes key from collection.
func (s *SQLiteStore) Delete(ctx context.Context, key, collection string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_store WHERE collection = ? AND key = ?`, collection, key)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
