// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Error sentinels for the merge core. Every error returned by a Merger
// operation wraps exactly one of them inside a *MergeError.
var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrCacheKey          = errors.New("failed creating statement cache key")
	ErrPrepare           = errors.New("failed preparing cached statement")
	ErrBind              = errors.New("failed binding statement parameters")
	ErrUnexpectedResult  = errors.New("unexpected statement result")
	ErrRowMissing        = errors.New("could not find row to merge with")
	ErrStmtBusy          = errors.New("cached statement is already executing")
)

// ResultCode is the numeric outcome of a merge operation.
type ResultCode int

const (
	ResultOK             ResultCode = 0
	ResultError          ResultCode = 1 // SQLITE_ERROR
	ResultDeletedLocally ResultCode = -1
)

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "ok"
	case ResultError:
		return "error"
	case ResultDeletedLocally:
		return "deleted_locally"
	default:
		return fmt.Sprintf("sqlite(%d)", int(c))
	}
}

// Operation names carried by MergeError.
const (
	OpDidColumnWin        = "did_cid_win"
	OpCheckForLocalDelete = "check_for_local_delete"
)

// MergeError describes a failed merge operation.
type MergeError struct {
	Op    string
	Table string
	Code  ResultCode
	Err   error
}

func (e *MergeError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

func newMergeError(op, table string, err error) *MergeError {
	return &MergeError{Op: op, Table: table, Code: sqliteCode(err), Err: err}
}

// Code maps an error returned by this package to a ResultCode.
// A nil error is ResultOK.
func Code(err error) ResultCode {
	if err == nil {
		return ResultOK
	}
	var me *MergeError
	if errors.As(err, &me) {
		return me.Code
	}
	return sqliteCode(err)
}

// sqliteCode extracts the primary SQLite result code when the driver
// reported one, and falls back to SQLITE_ERROR otherwise.
func sqliteCode(err error) ResultCode {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code != 0 {
		return ResultCode(se.Code)
	}
	return ResultError
}
