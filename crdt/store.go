// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hxrts/aura-sub026/lib/sqlitepool"
)

// Store persists the joined value of each fact key. Put overwrites.
// Delete is only used to roll back a local write that never left the
// device.
type Store interface {
	Put(ctx context.Context, record Record) error
	Delete(ctx context.Context, key Key) error
	Load(ctx context.Context) ([]Record, error)
}

// Migrations creates the fact table.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS crdt_facts (
		type_id    TEXT NOT NULL,
		context_id BLOB NOT NULL,
		subject    TEXT NOT NULL,
		body       BLOB NOT NULL,
		PRIMARY KEY (type_id, context_id, subject)
	) WITHOUT ROWID;`,
}

// SQLiteStore keeps facts in a pool the caller opened with Migrations
// applied.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

func NewSQLiteStore(pool *sqlitepool.Pool) *SQLiteStore {
	return &SQLiteStore{pool: pool}
}

func (s *SQLiteStore) Put(ctx context.Context, record Record) error {
	return s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO crdt_facts (type_id, context_id, subject, body) VALUES (?, ?, ?, ?)
			 ON CONFLICT(type_id, context_id, subject) DO UPDATE SET body = excluded.body`,
			&sqlitex.ExecOptions{Args: []any{
				record.Key.TypeID, record.Key.Context[:], record.Key.Subject, record.Data,
			}})
		if err != nil {
			return fmt.Errorf("fact store: writing %s: %w", record.Key, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	return s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM crdt_facts WHERE type_id = ? AND context_id = ? AND subject = ?`,
			&sqlitex.ExecOptions{Args: []any{key.TypeID, key.Context[:], key.Subject}})
		if err != nil {
			return fmt.Errorf("fact store: deleting %s: %w", key, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Record, error) {
	var records []Record
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT type_id, context_id, subject, body FROM crdt_facts ORDER BY type_id, context_id, subject`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var record Record
					record.Key.TypeID = stmt.ColumnText(0)
					if stmt.ColumnLen(1) != len(record.Key.Context) {
						return fmt.Errorf("%w: context id of %d bytes", ErrMalformedFact, stmt.ColumnLen(1))
					}
					stmt.ColumnBytes(1, record.Key.Context[:])
					record.Key.Subject = stmt.ColumnText(2)
					record.Data = make([]byte, stmt.ColumnLen(3))
					stmt.ColumnBytes(3, record.Data)
					records = append(records, record)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("fact store: loading: %w", err)
	}
	return records, nil
}
