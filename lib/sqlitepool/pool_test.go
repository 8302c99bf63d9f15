// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hxrts/aura-sub026/lib/sqlitepool"
)

var schema = []string{
	`CREATE TABLE ops (idx INTEGER PRIMARY KEY, op_id BLOB NOT NULL UNIQUE);`,
	`ALTER TABLE ops ADD COLUMN epoch INTEGER NOT NULL DEFAULT 0;`,
}

func openPool(t *testing.T, path string, migrations []string) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(context.Background(), sqlitepool.Config{
		Path:       path,
		PoolSize:   2,
		Migrations: migrations,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return pool
}

func queryInt(t *testing.T, conn *sqlite.Conn, query string) int {
	t.Helper()
	var value int
	err := sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return value
}

func TestPragmasApplied(t *testing.T) {
	pool := openPool(t, filepath.Join(t.TempDir(), "ledger.db"), schema)
	defer pool.Close()

	err := pool.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		var mode string
		if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				mode = stmt.ColumnText(0)
				return nil
			},
		}); err != nil {
			return err
		}
		if mode != "wal" {
			t.Errorf("journal_mode = %q, want wal", mode)
		}
		if got := queryInt(t, conn, "PRAGMA synchronous"); got != 2 {
			t.Errorf("synchronous = %d, want 2 (FULL)", got)
		}
		if got := queryInt(t, conn, "PRAGMA foreign_keys"); got != 1 {
			t.Errorf("foreign_keys = %d, want 1", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMigrationsApplyOnceAndResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	pool := openPool(t, path, schema[:1])
	pool.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		if got := queryInt(t, conn, "PRAGMA user_version"); got != 1 {
			t.Errorf("user_version = %d after first migration", got)
		}
		return nil
	})
	pool.Close()

	// Reopening with the full list applies only the second script;
	// rerunning the first would fail on the existing table.
	pool = openPool(t, path, schema)
	defer pool.Close()
	err := pool.WithTransaction(context.Background(), func(conn *sqlite.Conn) error {
		if got := queryInt(t, conn, "PRAGMA user_version"); got != 2 {
			t.Errorf("user_version = %d after second migration", got)
		}
		return sqlitex.Execute(conn, "INSERT INTO ops (op_id, epoch) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{[]byte{1, 2, 3}, 7},
		})
	})
	if err != nil {
		t.Fatalf("insert after migration: %v", err)
	}
}

func TestNewerSchemaRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	openPool(t, path, schema).Close()

	_, err := sqlitepool.Open(context.Background(), sqlitepool.Config{Path: path, Migrations: schema[:1]})
	if err == nil {
		t.Fatal("opening a newer schema with an older binary succeeded")
	}
}

func TestWithTransactionRollsBack(t *testing.T) {
	pool := openPool(t, filepath.Join(t.TempDir(), "ledger.db"), schema)
	defer pool.Close()
	ctx := context.Background()

	failure := errors.New("verification failed")
	err := pool.WithTransaction(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "INSERT INTO ops (op_id) VALUES (?)", &sqlitex.ExecOptions{
			Args: []any{[]byte{9}},
		}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("WithTransaction = %v, want body error", err)
	}

	pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		if got := queryInt(t, conn, "SELECT COUNT(*) FROM ops"); got != 0 {
			t.Errorf("%d rows survived rollback", got)
		}
		return nil
	})
}

func TestConcurrentWriters(t *testing.T) {
	pool := openPool(t, filepath.Join(t.TempDir(), "ledger.db"), schema)
	defer pool.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- pool.WithTransaction(ctx, func(conn *sqlite.Conn) error {
				return sqlitex.Execute(conn, "INSERT INTO ops (op_id) VALUES (?)", &sqlitex.ExecOptions{
					Args: []any{[]byte{byte(i)}},
				})
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("writer: %v", err)
		}
	}
	pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		if got := queryInt(t, conn, "SELECT COUNT(*) FROM ops"); got != 20 {
			t.Errorf("row count = %d, want 20", got)
		}
		return nil
	})
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(context.Background(), sqlitepool.Config{}); err == nil {
		t.Error("empty path accepted")
	}
}

func TestTakeHonoursCancellation(t *testing.T) {
	pool, err := sqlitepool.Open(context.Background(), sqlitepool.Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	held, err := pool.Take(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Put(held)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Error("Take with a cancelled context and an exhausted pool succeeded")
	}
}
