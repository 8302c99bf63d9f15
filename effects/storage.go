// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package effects

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hxrts/aura-sub026/lib/sqlitepool"
)

// MemoryStorage keeps values in a map. Values are copied on the way in
// and out so callers cannot alias stored bytes.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string][]byte)}
}

func (m *MemoryStorage) Store(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = slices.Clone(value)
	return nil
}

func (m *MemoryStorage) Retrieve(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, found := m.values[key]
	if !found {
		return nil, false, nil
	}
	return slices.Clone(value), true, nil
}

func (m *MemoryStorage) Remove(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.values[key]
	delete(m.values, key)
	return found, nil
}

func (m *MemoryStorage) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// StorageMigrations creates the key/value table used by SQLiteStorage.
// Callers sharing a pool with other stores append these to their own
// migration list.
var StorageMigrations = []string{
	`CREATE TABLE IF NOT EXISTS effect_kv (
		key   TEXT PRIMARY KEY NOT NULL,
		value BLOB NOT NULL
	) WITHOUT ROWID`,
}

// SQLiteStorage is the production storage family.
type SQLiteStorage struct {
	pool *sqlitepool.Pool
}

// NewSQLiteStorage returns storage over pool. The pool's migrations
// must include StorageMigrations.
func NewSQLiteStorage(pool *sqlitepool.Pool) *SQLiteStorage {
	return &SQLiteStorage{pool: pool}
}

func (s *SQLiteStorage) Store(ctx context.Context, key string, value []byte) error {
	return s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO effect_kv (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			&sqlitex.ExecOptions{Args: []any{key, value}})
		if err != nil {
			return fmt.Errorf("storing %q: %w", key, err)
		}
		return nil
	})
}

func (s *SQLiteStorage) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	found := false
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM effect_kv WHERE key = ?`, &sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("retrieving %q: %w", key, err)
	}
	return value, found, nil
}

func (s *SQLiteStorage) Remove(ctx context.Context, key string) (bool, error) {
	removed := false
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `DELETE FROM effect_kv WHERE key = ?`, &sqlitex.ExecOptions{Args: []any{key}}); err != nil {
			return err
		}
		removed = conn.Changes() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("removing %q: %w", key, err)
	}
	return removed, nil
}

func (s *SQLiteStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT key FROM effect_kv WHERE substr(key, 1, length(?1)) = ?1 ORDER BY key`,
			&sqlitex.ExecOptions{
				Args: []any{prefix},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					keys = append(keys, stmt.ColumnText(0))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", prefix, err)
	}
	return keys, nil
}
