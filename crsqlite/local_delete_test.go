// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckForLocalDelete(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	setupClockTable(t, conn)
	setClock(t, conn, 1, "name", 3)
	setClock(t, conn, 2, "name", 1)
	setClock(t, conn, 2, DeleteSentinel, 1)

	m := newTestMerger(t, conn)

	status, err := m.CheckForLocalDelete(ctx, "t", idWhere, NewRawPKs(Int(1)))
	require.NoError(t, err)
	require.Equal(t, NotDeleted, status)
	require.Equal(t, ResultOK, status.Code())

	status, err = m.CheckForLocalDelete(ctx, "t", idWhere, NewRawPKs(Int(2)))
	require.NoError(t, err)
	require.Equal(t, DeletedLocally, status)
	require.Equal(t, ResultDeletedLocally, status.Code())
	require.Equal(t, "deleted_locally", status.String())

	// No clock records at all.
	status, err = m.CheckForLocalDelete(ctx, "t", idWhere, NewRawPKs(Int(3)))
	require.NoError(t, err)
	require.Equal(t, NotDeleted, status)

	require.Equal(t, CacheStats{Entries: 1, Compiles: 1, Hits: 2}, m.ExtData().Outer().Stats())
}

func TestCheckForLocalDelete_OnlySentinelCounts(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	setupClockTable(t, conn)
	setClock(t, conn, 1, PKOnlySentinel, 4)
	setClock(t, conn, 1, "__crsql_del_", 4)

	status, err := newTestMerger(t, conn).CheckForLocalDelete(ctx, "t", idWhere, NewRawPKs(Int(1)))
	require.NoError(t, err)
	require.Equal(t, NotDeleted, status)
}

func TestCheckForLocalDelete_Errors(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	setupClockTable(t, conn)
	m := newTestMerger(t, conn)

	_, err := m.CheckForLocalDelete(ctx, "", idWhere, NewRawPKs(Int(1)))
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = m.CheckForLocalDelete(ctx, "t", idWhere, NewRawPKs())
	require.ErrorIs(t, err, ErrBind)

	_, err = m.CheckForLocalDelete(ctx, "nope", idWhere, NewRawPKs(Int(1)))
	require.ErrorIs(t, err, ErrPrepare)

	var me *MergeError
	require.True(t, errors.As(err, &me))
	require.Equal(t, OpCheckForLocalDelete, me.Op)
	require.Equal(t, "nope", me.Table)
	require.NotEqual(t, ResultOK, Code(err))

	// The statement is still usable after the bind failure.
	status, err := m.CheckForLocalDelete(ctx, "t", idWhere, NewRawPKs(Int(1)))
	require.NoError(t, err)
	require.Equal(t, NotDeleted, status)
}

func TestCheckForLocalDelete_Reentrant(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	setupClockTable(t, conn)
	mustExec(t, conn, `INSERT INTO t (id, name) VALUES (1, 'Bob')`)
	setClock(t, conn, 1, "name", 5)
	setClock(t, conn, 9, DeleteSentinel, 1)

	var m *Merger
	var nested DeleteStatus
	m = newTestMerger(t, conn, WithComparator(ComparatorFunc(func(a, b Value) int {
		var err error
		nested, err = m.CheckForLocalDelete(ctx, "t", idWhere, NewRawPKs(Int(9)))
		require.NoError(t, err)
		return CompareValues(a, b)
	})))

	won, err := m.DidColumnWin(ctx, "t", idWhere, NewRawPKs(Int(1)), "name", Text("Carl"), 5)
	require.NoError(t, err)
	require.True(t, won)
	require.Equal(t, DeletedLocally, nested)
	require.Equal(t, 1, m.ExtData().Nested().Stats().Entries)
}
