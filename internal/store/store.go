// Package store persists small JSON documents under named keys.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
	"github.com/mdobak/go-xerrors"

	"github.com/epiguard/epi-monitor/internal/logger"
)

// KV is the key/value contract used by settings and history.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// SQLiteStore keeps documents in a single kv table.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path.
// ":memory:" yields a private in-memory database.
func Open(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dbPath := path
		if idx := strings.Index(path, "?"); idx != -1 {
			dbPath = path[:idx]
		}
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, xerrors.New(fmt.Errorf("error creating database directory: %w", err))
			}
		}
		if !strings.Contains(dsn, "_busy_timeout") {
			if strings.Contains(dsn, "?") {
				dsn += "&_busy_timeout=5000"
			} else {
				dsn += "?_busy_timeout=5000"
			}
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, xerrors.New(fmt.Errorf("error connecting to SQLite: %w", err))
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		db.Close()
		return nil, xerrors.New(fmt.Errorf("error creating kv table: %w", err))
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the raw value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return []byte(value), true, nil
}

// Put stores value under key, replacing any previous value.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// SaveJSON marshals v and stores it under key.
func SaveJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Put(ctx, key, data)
}

// LoadOrDefault decodes the JSON value under key. A missing key, a storage
// error, a decode error or a failed validation all yield def; the last three
// are logged once per key.
func LoadOrDefault[T any](ctx context.Context, kv KV, key string, def T, validate func(T) error) T {
	v, _ := Load(ctx, kv, key, def, validate)
	return v
}

// Load is LoadOrDefault that also reports whether the stored value was used.
func Load[T any](ctx context.Context, kv KV, key string, def T, validate func(T) error) (T, bool) {
	data, ok, err := kv.Get(ctx, key)
	if err != nil {
		logger.WarnOnce("store:"+key, "Store", "Failed to read %q, using default: %v", key, err)
		return def, false
	}
	if !ok {
		return def, false
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		logger.WarnOnce("store:"+key, "Store", "Malformed %q, using default: %v", key, err)
		return def, false
	}
	if validate != nil {
		if err := validate(v); err != nil {
			logger.WarnOnce("store:"+key, "Store", "Invalid %q, using default: %v", key, err)
			return def, false
		}
	}
	return v, true
}
