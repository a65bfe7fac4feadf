// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableInfoProvider_Get(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	mustExec(t, conn, `CREATE TABLE doc (
		body TEXT NOT NULL DEFAULT '',
		slot INTEGER NOT NULL,
		owner TEXT NOT NULL,
		payload BLOB,
		PRIMARY KEY (owner, slot)
	)`)

	provider := NewTableInfoProvider()
	info, err := provider.Get(ctx, conn, "doc")
	require.NoError(t, err)

	require.Equal(t, "doc", info.Table)
	require.Len(t, info.Columns, 4)
	// Key order follows the PRIMARY KEY clause, not the column order.
	require.Equal(t, []string{"owner", "slot"}, info.PKNames())
	require.Equal(t, `"owner" = ? AND "slot" = ?`, info.PKWhere())
	require.Len(t, info.NonPKs, 2)

	body, ok := info.Column("BODY")
	require.True(t, ok)
	require.True(t, body.NotNull)
	require.NotNil(t, body.DefaultValue)
	require.Equal(t, "''", *body.DefaultValue)
	require.False(t, body.IsPrimaryKey())

	payload, ok := info.Column("payload")
	require.True(t, ok)
	require.Equal(t, "BLOB", payload.DeclaredType)

	_, ok = info.Column("missing")
	require.False(t, ok)

	// Cached lookups are case-insensitive.
	again, err := provider.Get(ctx, conn, "DOC")
	require.NoError(t, err)
	require.Same(t, info, again)

	mustExec(t, conn, `ALTER TABLE doc ADD COLUMN note TEXT`)
	provider.Invalidate("Doc")
	fresh, err := provider.Get(ctx, conn, "doc")
	require.NoError(t, err)
	require.NotSame(t, info, fresh)
	require.Len(t, fresh.Columns, 5)
}

func TestTableInfoProvider_MissingTable(t *testing.T) {
	conn := openTestConn(t)
	_, err := NewTableInfoProvider().Get(context.Background(), conn, "nope")
	require.ErrorContains(t, err, "does not exist")
}
