// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

type tableInfoQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ColumnInfo describes one column as reported by PRAGMA table_info.
type ColumnInfo struct {
	Name         string
	DeclaredType string
	NotNull      bool
	DefaultValue *string
	PKIndex      int // 1-based position in the primary key, 0 when not a key column
}

// IsPrimaryKey reports whether the column is part of the primary key.
func (c *ColumnInfo) IsPrimaryKey() bool { return c.PKIndex > 0 }

// TableInfo is the replication view of a table: its columns split into
// primary key and value columns, plus the key predicate used by the merge
// statements.
type TableInfo struct {
	Table       string
	Columns     []ColumnInfo
	PrimaryKeys []ColumnInfo // ordered by key position
	NonPKs      []ColumnInfo

	pkWhere string
}

// PKNames returns the primary key column names in key order.
func (t *TableInfo) PKNames() []string {
	names := make([]string, len(t.PrimaryKeys))
	for i, c := range t.PrimaryKeys {
		names[i] = c.Name
	}
	return names
}

// PKWhere returns the primary key equality predicate for the table.
func (t *TableInfo) PKWhere() string { return t.pkWhere }

// Column looks a column up by name, case-insensitively.
func (t *TableInfo) Column(name string) (*ColumnInfo, bool) {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// TableInfoProvider caches TableInfo per table for one connection.
type TableInfoProvider struct {
	cache map[string]*TableInfo
}

func NewTableInfoProvider() *TableInfoProvider {
	return &TableInfoProvider{
		cache: make(map[string]*TableInfo),
	}
}

// Get returns the metadata of tableName, reading the schema on first use.
func (p *TableInfoProvider) Get(ctx context.Context, queryer tableInfoQueryer, tableName string) (*TableInfo, error) {
	key := strings.ToLower(tableName)
	if info, exists := p.cache[key]; exists {
		return info, nil
	}

	rows, err := queryer.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", QuoteIdent(tableName)))
	if err != nil {
		return nil, fmt.Errorf("failed to read schema of %s: %w", tableName, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: tableName}
	for rows.Next() {
		var cid, notNull, pk int
		var name, declaredType string
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan schema of %s: %w", tableName, err)
		}

		var defaultVal *string
		if defaultValue.Valid {
			defaultVal = &defaultValue.String
		}
		col := ColumnInfo{
			Name:         name,
			DeclaredType: declaredType,
			NotNull:      notNull == 1,
			DefaultValue: defaultVal,
			PKIndex:      pk,
		}
		info.Columns = append(info.Columns, col)
		if col.IsPrimaryKey() {
			info.PrimaryKeys = append(info.PrimaryKeys, col)
		} else {
			info.NonPKs = append(info.NonPKs, col)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read schema of %s: %w", tableName, err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", tableName)
	}

	sort.SliceStable(info.PrimaryKeys, func(i, j int) bool {
		return info.PrimaryKeys[i].PKIndex < info.PrimaryKeys[j].PKIndex
	})
	if len(info.PrimaryKeys) > 0 {
		info.pkWhere, err = WherePredicate(info.PKNames())
		if err != nil {
			return nil, err
		}
	}

	p.cache[key] = info
	return info, nil
}

// Invalidate drops the cached metadata of a table so the next Get reads
// the schema again.
func (p *TableInfoProvider) Invalidate(tableName string) {
	delete(p.cache, strings.ToLower(tableName))
}
