// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openTestConn returns a pinned connection to a fresh in-memory database.
func openTestConn(t *testing.T) *sql.Conn {
	t.Helper()
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		db.Close()
	})
	return conn
}

func mustExec(t *testing.T, conn *sql.Conn, query string, args ...any) {
	t.Helper()
	_, err := conn.ExecContext(context.Background(), query, args...)
	require.NoError(t, err, query)
}

// setupClockTable creates table t(id, name) with its clock table, bypassing
// triggers so tests control clock state directly.
func setupClockTable(t *testing.T, conn *sql.Conn) {
	t.Helper()
	mustExec(t, conn, `CREATE TABLE t (id INTEGER PRIMARY KEY NOT NULL, name TEXT)`)
	mustExec(t, conn, `CREATE TABLE t__crsql_clock (
		id INTEGER NOT NULL,
		__crsql_col_name TEXT NOT NULL,
		__crsql_col_version INTEGER NOT NULL,
		__crsql_db_version INTEGER NOT NULL,
		__crsql_site_id BLOB,
		PRIMARY KEY (id, __crsql_col_name)
	)`)
}

func setClock(t *testing.T, conn *sql.Conn, id int64, col string, version int64) {
	t.Helper()
	mustExec(t, conn, `INSERT OR REPLACE INTO t__crsql_clock
		(id, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id)
		VALUES (?, ?, ?, 1, NULL)`, id, col, version)
}

func newTestMerger(t *testing.T, conn *sql.Conn, opts ...MergerOption) *Merger {
	t.Helper()
	ext := NewExtData(conn, testLogger())
	t.Cleanup(func() { ext.Close() })
	return NewMerger(ext, testLogger(), opts...)
}

// openTestReplica opens a replica over a fresh in-memory database after
// running schema.
func openTestReplica(t *testing.T, cfg *Config, schema ...string) *Replica {
	t.Helper()
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}
	r, err := Open(ctx, db, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
		db.Close()
	})
	return r
}

func packPK(t *testing.T, vals ...Value) []byte {
	t.Helper()
	buf, err := PackColumns(vals)
	require.NoError(t, err)
	return buf
}
