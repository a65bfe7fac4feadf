// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

type clockRecord struct {
	pks        []Value
	column     string
	colVersion int64
	dbVersion  int64
	siteID     []byte
}

// ChangesSince returns every clock record with a db_version above since,
// joined with the current column value, as changes ready to ship to another
// replica. Records of a tombstoned row other than its delete sentinel are
// left out. Records written by local triggers carry this replica's site id.
func (r *Replica) ChangesSince(ctx context.Context, since int64) ([]Change, error) {
	names := make([]string, 0, len(r.crrs))
	for name := range r.crrs {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Change
	for _, name := range names {
		info := r.crrs[name]
		records, err := r.readClock(ctx, info, since)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			ch, ok, err := r.recordToChange(ctx, info, rec)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, ch)
			}
		}
	}
	return out, nil
}

func (r *Replica) readClock(ctx context.Context, info *TableInfo, since int64) ([]clockRecord, error) {
	pkNames := info.PKNames()
	query := fmt.Sprintf(`SELECT %s, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id
		FROM %s WHERE __crsql_db_version > ?
		ORDER BY __crsql_db_version, %s, __crsql_col_name`,
		RawColumns(pkNames...), QuoteIdent(ClockTableName(info.Table)), quotedList(pkNames))

	rows, err := r.conn.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to read clock for %s: %w", info.Table, err)
	}
	defer rows.Close()

	n := len(info.PrimaryKeys)
	var records []clockRecord
	for rows.Next() {
		raw := make([]any, n)
		dest := make([]any, 0, n+4)
		for i := range raw {
			dest = append(dest, &raw[i])
		}
		var rec clockRecord
		dest = append(dest, &rec.column, &rec.colVersion, &rec.dbVersion, &rec.siteID)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan clock record: %w", err)
		}
		rec.pks = make([]Value, n)
		for i, v := range raw {
			if rec.pks[i], err = ValueFromAny(v); err != nil {
				return nil, fmt.Errorf("clock record for %s: %w", info.Table, err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating clock records: %w", err)
	}
	return records, nil
}

func (r *Replica) recordToChange(ctx context.Context, info *TableInfo, rec clockRecord) (Change, bool, error) {
	pk, err := PackColumns(rec.pks)
	if err != nil {
		return Change{}, false, err
	}
	ch := Change{
		Table:      info.Table,
		PK:         pk,
		Column:     rec.column,
		Value:      Null(),
		ColVersion: rec.colVersion,
		DBVersion:  rec.dbVersion,
		SiteID:     rec.siteID,
	}
	if len(ch.SiteID) == 0 {
		ch.SiteID = append([]byte(nil), r.siteID[:]...)
	}
	if rec.column == DeleteSentinel || rec.column == PKOnlySentinel {
		return ch, true, nil
	}

	var raw any
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, RawColumns(rec.column), QuoteIdent(info.Table), info.PKWhere())
	err = r.conn.QueryRowContext(ctx, query, anyValues(rec.pks)...).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Change{}, false, nil
	case err != nil:
		return Change{}, false, fmt.Errorf("failed to read value of %s.%s: %w", info.Table, rec.column, err)
	}
	if ch.Value, err = ValueFromAny(raw); err != nil {
		return Change{}, false, err
	}
	return ch, true, nil
}
