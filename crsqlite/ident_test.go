// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"errors"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestWherePredicate(t *testing.T) {
	where, err := WherePredicate([]string{"id"})
	require.NoError(t, err)
	require.Equal(t, `"id" = ?`, where)

	where, err = WherePredicate([]string{"owner", `sl"ot`})
	require.NoError(t, err)
	require.Equal(t, `"owner" = ? AND "sl""ot" = ?`, where)

	_, err = WherePredicate(nil)
	require.ErrorIs(t, err, ErrInvalidIdentifier)
	_, err = WherePredicate([]string{"a", ""})
	require.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestCountPlaceholders(t *testing.T) {
	tests := []struct {
		sql  string
		want int
	}{
		{`"id" = ?`, 1},
		{`"a" = ? AND "b" = ?`, 2},
		{`"we?ird" = ?`, 1},
		{`"x""?" = ? AND 'lit?''?' = ?`, 2},
		{"[br?acket] = ? -- trailing ?\n AND c = ?", 2},
		{`a = ? /* ? */ AND b = ?`, 2},
		{`no params`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			require.Equal(t, tt.want, countPlaceholders(tt.sql))
		})
	}
}

func TestQuoteIdent(t *testing.T) {
	require.Equal(t, `"t"`, QuoteIdent("t"))
	require.Equal(t, `"a""b"`, QuoteIdent(`a"b`))
	require.Equal(t, `a""b`, EscapeIdent(`a"b`))
	require.Equal(t, "t__crsql_clock", ClockTableName("t"))
	require.True(t, isReservedColumn("__CRSQL_del"))
	require.False(t, isReservedColumn("crsql"))
}

func TestCode(t *testing.T) {
	require.Equal(t, ResultOK, Code(nil))
	require.Equal(t, ResultError, Code(errors.New("boom")))

	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	require.Equal(t, ResultCode(sqlite3.ErrBusy), Code(busy))

	me := newMergeError(OpDidColumnWin, "t", ErrRowMissing)
	require.Equal(t, ResultError, Code(me))
	require.Equal(t, "did_cid_win t: could not find row to merge with", me.Error())
	require.ErrorIs(t, me, ErrRowMissing)
}
