// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite databases that back a device's
// ledger replica: the append-only op log and the CRDT fact store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with fixed pragmas
// and a versioned schema. Callers list their schema as an ordered
// slice of migration scripts; Open applies the ones the database has
// not seen yet, tracked by PRAGMA user_version, inside one IMMEDIATE
// transaction. Migrations are append-only: never edit a script that
// has shipped.
//
// # Pragmas
//
//   - journal_mode=WAL: readers never block the committer.
//   - synchronous=FULL: the op log is the replica's source of truth, so
//     a commit must survive power loss, not just a process crash.
//   - busy_timeout=5000: wait for the write lock instead of failing.
//   - foreign_keys=ON: fact rows reference their op-log entries.
//   - temp_store=MEMORY.
//
// # Usage
//
//	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
//	    Path:       filepath.Join(stateDir, "ledger.db"),
//	    Migrations: []string{opLogSchemaV1},
//	    Logger:     logger,
//	})
//	...
//	err = pool.WithTransaction(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, insertOp, &sqlitex.ExecOptions{Args: args})
//	})
package sqlitepool
