// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"context"
	"fmt"
)

// DidColumnWin reports whether an incoming value for column of the row
// identified by pks should overwrite local state.
//
// pkWhere is the primary key equality predicate for table; its placeholders
// bind to pks left to right. The incoming value wins when no clock record
// exists locally or when incomingVersion is higher than the local column
// version. On equal versions the live row value is compared with the
// Merger's comparator and the incoming value wins only if it sorts strictly
// greater. A clock record without a matching row is an integrity error.
//
// Compiled statements are cached per table and column, not per predicate:
// the first pkWhere seen for a table is the one every later call runs, so
// callers must pass the same predicate for a table on every call
// (TableInfo.PKWhere).
func (m *Merger) DidColumnWin(ctx context.Context, table, pkWhere string, pks *RawPKs, column string, incoming Value, incomingVersion int64) (bool, error) {
	if err := validateInputs(table, pkWhere); err != nil {
		return false, newMergeError(OpDidColumnWin, table, err)
	}
	if err := validateIdent("column name", column); err != nil {
		return false, newMergeError(OpDidColumnWin, table, err)
	}

	cache, leave := m.ext.enter()
	defer leave()

	localVersion, found, err := m.localColumnVersion(ctx, cache, table, pkWhere, pks, column)
	if err != nil {
		return false, newMergeError(OpDidColumnWin, table, err)
	}
	switch {
	case !found:
		m.logDecision(table, column, "no local clock", true)
		return true, nil
	case incomingVersion > localVersion:
		m.logDecision(table, column, "newer version", true)
		return true, nil
	case incomingVersion < localVersion:
		m.logDecision(table, column, "older version", false)
		return false, nil
	}

	// Equal versions: causal order cannot decide, compare the values.
	won, err := m.compareWithCurrent(ctx, cache, table, pkWhere, pks, column, incoming)
	if err != nil {
		return false, newMergeError(OpDidColumnWin, table, err)
	}
	m.logDecision(table, column, "value tie-break", won)
	return won, nil
}

func (m *Merger) localColumnVersion(ctx context.Context, cache *StmtCache, table, pkWhere string, pks *RawPKs, column string) (int64, bool, error) {
	key, err := CacheKey(StmtGetColVersion, table, "")
	if err != nil {
		return 0, false, err
	}
	cs, err := cache.acquire(ctx, key, func() string {
		return fmt.Sprintf(
			`SELECT __crsql_col_version FROM %s WHERE %s AND ? = __crsql_col_name`,
			QuoteIdent(ClockTableName(table)), pkWhere,
		)
	})
	if err != nil {
		return 0, false, err
	}
	defer cs.reset()

	var args []any
	if err := pks.borrow(func(vals []Value) error {
		var err error
		args, err = pkArgs(pkWhere, vals, column)
		return err
	}); err != nil {
		return 0, false, err
	}

	found, err := cs.step(ctx, args)
	if err != nil {
		return 0, false, fmt.Errorf("selecting local column version: %w", err)
	}
	if !found {
		return 0, false, nil
	}
	var version int64
	if err := cs.scan(&version); err != nil {
		return 0, false, err
	}
	return version, true, nil
}

func (m *Merger) compareWithCurrent(ctx context.Context, cache *StmtCache, table, pkWhere string, pks *RawPKs, column string, incoming Value) (bool, error) {
	key, err := CacheKey(StmtGetCurrValue, table, column)
	if err != nil {
		return false, err
	}
	cs, err := cache.acquire(ctx, key, func() string {
		return fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, RawColumns(column), QuoteIdent(table), pkWhere)
	})
	if err != nil {
		return false, err
	}
	defer cs.reset()

	var args []any
	if err := pks.borrow(func(vals []Value) error {
		var err error
		args, err = pkArgs(pkWhere, vals)
		return err
	}); err != nil {
		return false, err
	}

	found, err := cs.step(ctx, args)
	if err != nil {
		return false, fmt.Errorf("selecting current value: %w", err)
	}
	if !found {
		return false, fmt.Errorf("%w for tbl %s", ErrRowMissing, table)
	}
	var raw any
	if err := cs.scan(&raw); err != nil {
		return false, err
	}
	local, err := ValueFromAny(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnexpectedResult, err)
	}
	// The statement stays positioned on the row while the comparator runs;
	// a comparator that calls back into the Merger lands in the nested cache.
	return m.cmp.Compare(incoming, local) > 0, nil
}

func (m *Merger) logDecision(table, column, reason string, won bool) {
	if !m.verbose {
		return
	}
	m.logger.Debug("Merge decision",
		"table", table,
		"column", column,
		"reason", reason,
		"incoming_wins", won,
		"depth", m.ext.Depth(),
	)
}
