package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tabwire/bridge/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
`

// SQLiteStore is a Store backed by a local SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) a SQLite-backed store
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "sqlite store requires a path")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to open sqlite database", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, types.WrapError(types.ErrCodeInternal, "failed to apply schema", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get implements Store
func (s *SQLiteStore) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM kv WHERE key IN ("+placeholders+")", args...)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to query keys", err)
	}
	defer rows.Close()

	result := make(map[string][]byte, len(keys))
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to scan row", err)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to iterate rows", err)
	}
	return result, nil
}

// Set implements Store
func (s *SQLiteStore) Set(ctx context.Context, items map[string][]byte) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, strftime('%s','now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to prepare upsert", err)
	}
	defer stmt.Close()

	for k, v := range items {
		if _, err := stmt.ExecContext(ctx, k, v); err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to upsert key "+k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to commit", err)
	}
	return nil
}

// Remove implements Store
func (s *SQLiteStore) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM kv WHERE key IN ("+placeholders+")", args...); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to delete keys", err)
	}
	return nil
}

// Clear implements Store
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv"); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to clear store", err)
	}
	return nil
}

// Close implements Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
