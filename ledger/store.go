// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hxrts/aura-sub026/lib/compress"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/sqlitepool"
	"github.com/hxrts/aura-sub026/tree"
)

// ErrOutOfOrder is returned by Append when index is not the next log
// position.
var ErrOutOfOrder = failure.New(failure.Internal, "ledger: append out of order")

// Store persists the op log keyed by commit index. Implementations
// need not be safe for concurrent Append; the ledger serializes writes.
type Store interface {
	Genesis(ctx context.Context) ([]byte, bool, error)
	SetGenesis(ctx context.Context, state []byte) error
	Append(ctx context.Context, index uint64, op tree.AttestedOp) error
	Load(ctx context.Context) ([]tree.AttestedOp, error)
	Close() error
}

// MemoryStore keeps the log in process memory. Ops survive only as
// long as the store value.
type MemoryStore struct {
	mu      sync.Mutex
	genesis []byte
	records [][]byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Genesis(context.Context) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.genesis), m.genesis != nil, nil
}

func (m *MemoryStore) SetGenesis(_ context.Context, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.genesis = slices.Clone(state)
	return nil
}

// Append stores the encoded op rather than the value so a reloaded
// ledger goes through the same decode path as the SQLite store.
func (m *MemoryStore) Append(_ context.Context, index uint64, op tree.AttestedOp) error {
	data, err := encodeOp(op)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if index != uint64(len(m.records)) {
		return fmt.Errorf("%w: index %d, log has %d", ErrOutOfOrder, index, len(m.records))
	}
	m.records = append(m.records, data)
	return nil
}

func (m *MemoryStore) Load(context.Context) ([]tree.AttestedOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]tree.AttestedOp, 0, len(m.records))
	for _, data := range m.records {
		op, err := decodeOp(data)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (m *MemoryStore) Close() error { return nil }

// Migrations creates the op log tables. Pools shared with other stores
// append these to their own list.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS ledger_meta (
		key   TEXT PRIMARY KEY NOT NULL,
		value BLOB NOT NULL
	) WITHOUT ROWID;
	CREATE TABLE IF NOT EXISTS ledger_ops (
		idx          INTEGER PRIMARY KEY NOT NULL,
		op_id        BLOB NOT NULL UNIQUE,
		parent_epoch INTEGER NOT NULL,
		kind         INTEGER NOT NULL,
		body         BLOB NOT NULL
	);`,
}

// SQLiteStore persists the log in SQLite. Op bodies are stored as LZ4
// frames; the id, parent epoch and kind columns allow inspection
// without decoding.
type SQLiteStore struct {
	pool  *sqlitepool.Pool
	owned bool
}

// OpenSQLiteStore opens (or creates) the database at path with its own
// pool.
func OpenSQLiteStore(ctx context.Context, cfg sqlitepool.Config) (*SQLiteStore, error) {
	cfg.Migrations = Migrations
	pool, err := sqlitepool.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger store: %w", err)
	}
	return &SQLiteStore{pool: pool, owned: true}, nil
}

// NewSQLiteStore uses a pool the caller opened with Migrations
// applied. Close leaves such a pool open.
func NewSQLiteStore(pool *sqlitepool.Pool) *SQLiteStore {
	return &SQLiteStore{pool: pool}
}

func (s *SQLiteStore) Genesis(ctx context.Context) ([]byte, bool, error) {
	var state []byte
	found := false
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM ledger_meta WHERE key = 'genesis'`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				state = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, state)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("ledger store: reading genesis: %w", err)
	}
	return state, found, nil
}

func (s *SQLiteStore) SetGenesis(ctx context.Context, state []byte) error {
	return s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO ledger_meta (key, value) VALUES ('genesis', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			&sqlitex.ExecOptions{Args: []any{state}})
		if err != nil {
			return fmt.Errorf("ledger store: writing genesis: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Append(ctx context.Context, index uint64, op tree.AttestedOp) error {
	data, err := encodeOp(op)
	if err != nil {
		return err
	}
	frame, err := compress.Encode(data, compress.LZ4)
	if err != nil {
		return fmt.Errorf("ledger store: compressing op %d: %w", index, err)
	}
	id := op.ID()
	return s.pool.WithTransaction(ctx, func(conn *sqlite.Conn) error {
		var count int64
		err := sqlitex.Execute(conn, `SELECT COUNT(*) FROM ledger_ops`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return err
		}
		if uint64(count) != index {
			return fmt.Errorf("%w: index %d, log has %d", ErrOutOfOrder, index, count)
		}
		return sqlitex.Execute(conn,
			`INSERT INTO ledger_ops (idx, op_id, parent_epoch, kind, body) VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				int64(index), id[:], int64(op.Op.ParentEpoch), int64(op.Op.Op.Kind), frame,
			}})
	})
}

func (s *SQLiteStore) Load(ctx context.Context) ([]tree.AttestedOp, error) {
	var ops []tree.AttestedOp
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT idx, body FROM ledger_ops ORDER BY idx`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				index := stmt.ColumnInt64(0)
				if index != int64(len(ops)) {
					return fmt.Errorf("%w: gap before index %d", ErrCorrupt, index)
				}
				frame := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, frame)
				data, err := compress.Decode(frame, 0)
				if err != nil {
					return fmt.Errorf("%w: op %d: %v", ErrCorrupt, index, err)
				}
				op, err := decodeOp(data)
				if err != nil {
					return err
				}
				ops = append(ops, op)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ledger store: loading ops: %w", err)
	}
	return ops, nil
}

// Close closes the pool if the store opened it.
func (s *SQLiteStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.pool.Close()
}
