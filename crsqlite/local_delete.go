// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"context"
	"fmt"
)

// DeleteStatus is the outcome of CheckForLocalDelete.
type DeleteStatus int

const (
	NotDeleted DeleteStatus = iota
	DeletedLocally
)

func (s DeleteStatus) String() string {
	if s == DeletedLocally {
		return "deleted_locally"
	}
	return "not_deleted"
}

// Code maps the status to its result code.
func (s DeleteStatus) Code() ResultCode {
	if s == DeletedLocally {
		return ResultDeletedLocally
	}
	return ResultOK
}

// CheckForLocalDelete reports whether the row identified by pks carries a
// tombstone clock record. Callers must run it before any column merge for
// the row and drop every column write when it reports DeletedLocally.
// As with DidColumnWin, the statement is cached per table, so pkWhere must
// be the same for every call on a table.
func (m *Merger) CheckForLocalDelete(ctx context.Context, table, pkWhere string, pks *RawPKs) (DeleteStatus, error) {
	if err := validateInputs(table, pkWhere); err != nil {
		return NotDeleted, newMergeError(OpCheckForLocalDelete, table, err)
	}

	cache, leave := m.ext.enter()
	defer leave()

	key, err := CacheKey(StmtCheckForLocalDelete, table, "")
	if err != nil {
		return NotDeleted, newMergeError(OpCheckForLocalDelete, table, err)
	}
	cs, err := cache.acquire(ctx, key, func() string {
		return fmt.Sprintf(
			`SELECT 1 FROM %s WHERE %s AND __crsql_col_name = %s LIMIT 1`,
			QuoteIdent(ClockTableName(table)), pkWhere, quoteLiteral(DeleteSentinel),
		)
	})
	if err != nil {
		return NotDeleted, newMergeError(OpCheckForLocalDelete, table, err)
	}
	defer cs.reset()

	var args []any
	if err := pks.borrow(func(vals []Value) error {
		var err error
		args, err = pkArgs(pkWhere, vals)
		return err
	}); err != nil {
		return NotDeleted, newMergeError(OpCheckForLocalDelete, table, err)
	}

	found, err := cs.step(ctx, args)
	if err != nil {
		return NotDeleted, newMergeError(OpCheckForLocalDelete, table, err)
	}
	if found {
		return DeletedLocally, nil
	}
	return NotDeleted, nil
}
