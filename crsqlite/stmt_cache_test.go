// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheKey(t *testing.T) {
	tests := []struct {
		name   string
		kind   StmtKind
		table  string
		column string
		want   string
	}{
		{"col version", StmtGetColVersion, "t", "", `get_col_version("t")`},
		{"curr value", StmtGetCurrValue, "t", "name", `get_curr_value("t","name")`},
		{"local delete", StmtCheckForLocalDelete, "t", "", `check_for_local_delete("t")`},
		{"quotes and commas are escaped", StmtGetCurrValue, `a",b`, `c`, `get_curr_value("a\",b","c")`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CacheKey(tt.kind, tt.table, tt.column)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCacheKey_Distinct(t *testing.T) {
	// Splitting the same characters differently between table and column
	// must not produce the same key.
	k1, err := CacheKey(StmtGetCurrValue, `a","b`, "c")
	require.NoError(t, err)
	k2, err := CacheKey(StmtGetCurrValue, "a", `b","c`)
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)

	k3, err := CacheKey(StmtGetColVersion, "t", "")
	require.NoError(t, err)
	k4, err := CacheKey(StmtCheckForLocalDelete, "t", "")
	require.NoError(t, err)
	require.NotEqual(t, k3, k4)
}

func TestCacheKey_Errors(t *testing.T) {
	tests := []struct {
		name   string
		kind   StmtKind
		table  string
		column string
	}{
		{"unknown kind", StmtKind(99), "t", ""},
		{"empty table", StmtGetColVersion, "", ""},
		{"column on column-less kind", StmtGetColVersion, "t", "name"},
		{"missing column", StmtGetCurrValue, "t", ""},
		{"NUL in column", StmtGetCurrValue, "t", "a\x00b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CacheKey(tt.kind, tt.table, tt.column)
			require.ErrorIs(t, err, ErrCacheKey)
		})
	}
}

func TestStmtCache_CompileOnce(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	c := NewStmtCache("outer", conn, testLogger())
	defer c.Close()

	builds := 0
	build := func() string {
		builds++
		return `SELECT ? + 1`
	}
	for i := int64(0); i < 3; i++ {
		cs, err := c.acquire(ctx, "k", build)
		require.NoError(t, err)
		found, err := cs.step(ctx, []any{i})
		require.NoError(t, err)
		require.True(t, found)
		var got int64
		require.NoError(t, cs.scan(&got))
		require.Equal(t, i+1, got)
		cs.reset()
	}
	require.Equal(t, 1, builds)
	require.Equal(t, CacheStats{Entries: 1, Compiles: 1, Hits: 2}, c.Stats())
}

func TestStmtCache_BusyEntry(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	c := NewStmtCache("outer", conn, testLogger())
	defer c.Close()

	build := func() string { return `SELECT 1` }
	cs, err := c.acquire(ctx, "k", build)
	require.NoError(t, err)
	found, err := cs.step(ctx, nil)
	require.NoError(t, err)
	require.True(t, found)

	_, err = c.acquire(ctx, "k", build)
	require.ErrorIs(t, err, ErrStmtBusy)

	cs.reset()
	_, err = c.acquire(ctx, "k", build)
	require.NoError(t, err)
}

func TestStmtCache_PrepareError(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	c := NewStmtCache("outer", conn, testLogger())
	defer c.Close()

	_, err := c.acquire(ctx, "bad", func() string { return `SELECT FROM nowhere` })
	require.ErrorIs(t, err, ErrPrepare)
	require.Equal(t, 0, c.Stats().Entries)
}

func TestStmtCache_StepErrorLeavesEntryReusable(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	c := NewStmtCache("outer", conn, testLogger())
	defer c.Close()

	build := func() string { return `SELECT ?` }
	cs, err := c.acquire(ctx, "k", build)
	require.NoError(t, err)
	_, err = cs.step(ctx, []any{1, 2})
	require.ErrorIs(t, err, ErrBind)
	cs.reset()

	overflow, err := c.acquire(ctx, "overflow", func() string { return `SELECT abs(-9223372036854775807 - 1)` })
	require.NoError(t, err)
	_, err = overflow.step(ctx, nil)
	require.ErrorIs(t, err, ErrUnexpectedResult)
	require.NotErrorIs(t, err, ErrBind)
	overflow.reset()

	cs, err = c.acquire(ctx, "k", build)
	require.NoError(t, err)
	found, err := cs.step(ctx, []any{int64(5)})
	require.NoError(t, err)
	require.True(t, found)
	cs.reset()
}

func TestExtData_SelectsCacheByDepth(t *testing.T) {
	conn := openTestConn(t)
	ext := NewExtData(conn, testLogger())
	defer ext.Close()

	outer, leaveOuter := ext.enter()
	require.Same(t, ext.Outer(), outer)
	require.Equal(t, 1, ext.Depth())

	nested, leaveNested := ext.enter()
	require.Same(t, ext.Nested(), nested)
	require.NotSame(t, outer, nested)
	require.Equal(t, 2, ext.Depth())

	leaveNested()
	leaveOuter()
	require.Equal(t, 0, ext.Depth())

	again, leave := ext.enter()
	defer leave()
	require.Same(t, ext.Outer(), again)
}

func TestExtData_CachesAreIndependent(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	ext := NewExtData(conn, testLogger())
	defer ext.Close()

	build := func() string { return `SELECT 1` }
	outerStmt, err := ext.Outer().acquire(ctx, "k", build)
	require.NoError(t, err)
	found, err := outerStmt.step(ctx, nil)
	require.NoError(t, err)
	require.True(t, found)

	// The same key in the nested cache is a separate statement.
	nestedStmt, err := ext.Nested().acquire(ctx, "k", build)
	require.NoError(t, err)
	require.NotSame(t, outerStmt, nestedStmt)
	found, err = nestedStmt.step(ctx, nil)
	require.NoError(t, err)
	require.True(t, found)

	nestedStmt.reset()
	outerStmt.reset()
	require.Equal(t, int64(1), ext.Outer().Stats().Compiles)
	require.Equal(t, int64(1), ext.Nested().Stats().Compiles)

	require.NoError(t, ext.Close())
	require.Equal(t, 0, ext.Outer().Stats().Entries)
	require.Equal(t, 0, ext.Nested().Stats().Entries)
}
