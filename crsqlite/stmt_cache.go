// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// StmtKind identifies the hot-path query a cached statement implements.
type StmtKind int

const (
	StmtGetColVersion StmtKind = iota + 1
	StmtGetCurrValue
	StmtCheckForLocalDelete
)

func (k StmtKind) String() string {
	switch k {
	case StmtGetColVersion:
		return "get_col_version"
	case StmtGetCurrValue:
		return "get_curr_value"
	case StmtCheckForLocalDelete:
		return "check_for_local_delete"
	default:
		return fmt.Sprintf("stmt_kind(%d)", int(k))
	}
}

// CacheKey builds the canonical cache key for (kind, table, column).
// column may be empty for kinds that do not depend on a column. Key
// construction is independent of the SQL text the statement runs.
func CacheKey(kind StmtKind, table, column string) (string, error) {
	switch kind {
	case StmtGetColVersion, StmtCheckForLocalDelete:
		if column != "" {
			return "", fmt.Errorf("%w: %s takes no column", ErrCacheKey, kind)
		}
	case StmtGetCurrValue:
		if err := validateIdent("column name", column); err != nil {
			return "", fmt.Errorf("%w: %w", ErrCacheKey, err)
		}
	default:
		return "", fmt.Errorf("%w: unknown statement kind %d", ErrCacheKey, int(kind))
	}
	if err := validateIdent("table name", table); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCacheKey, err)
	}
	if column == "" {
		return kind.String() + "(" + strconv.Quote(table) + ")", nil
	}
	return kind.String() + "(" + strconv.Quote(table) + "," + strconv.Quote(column) + ")", nil
}

// Preparer compiles SQL into a reusable statement. Bind it to a single
// connection (*sql.Conn): cached statements stay valid for the connection's
// lifetime and nested lookups must not wait for a pooled connection.
type Preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// CacheStats counts cache activity.
type CacheStats struct {
	Entries  int
	Compiles int64
	Hits     int64
}

// StmtCache holds compiled statements keyed by CacheKey. Entries live until
// Close; between uses they are only reset.
type StmtCache struct {
	name    string
	db      Preparer
	logger  *slog.Logger
	entries map[string]*cachedStmt

	compiles int64
	hits     int64
}

type cachedStmt struct {
	key   string
	query string
	stmt  *sql.Stmt
	rows  *sql.Rows
	busy  bool
}

// NewStmtCache creates an empty cache compiling statements through db.
func NewStmtCache(name string, db Preparer, logger *slog.Logger) *StmtCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &StmtCache{
		name:    name,
		db:      db,
		logger:  logger,
		entries: make(map[string]*cachedStmt),
	}
}

// Name identifies the cache in logs.
func (c *StmtCache) Name() string { return c.name }

// Stats returns a snapshot of cache counters.
func (c *StmtCache) Stats() CacheStats {
	return CacheStats{Entries: len(c.entries), Compiles: c.compiles, Hits: c.hits}
}

// acquire returns the statement cached under key, compiling build() on a
// miss. The returned statement is marked busy until reset is called.
func (c *StmtCache) acquire(ctx context.Context, key string, build func() string) (*cachedStmt, error) {
	if cs, ok := c.entries[key]; ok {
		if cs.busy {
			return nil, fmt.Errorf("%w: %s in %s cache", ErrStmtBusy, key, c.name)
		}
		c.hits++
		cs.busy = true
		return cs, nil
	}

	query := build()
	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrPrepare, key, err)
	}
	cs := &cachedStmt{key: key, query: query, stmt: stmt, busy: true}
	c.entries[key] = cs
	c.compiles++
	c.logger.Debug("Compiled cached statement", "cache", c.name, "key", key)
	return cs, nil
}

// Close finalizes every cached statement. Only the owner of the connection
// context calls this, when the context is torn down.
func (c *StmtCache) Close() error {
	var errs []error
	for key, cs := range c.entries {
		cs.reset()
		if err := cs.stmt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		delete(c.entries, key)
	}
	return errors.Join(errs...)
}

// step binds args and advances to the first result row. When it reports a
// row, the statement stays positioned on it until reset.
func (cs *cachedStmt) step(ctx context.Context, args []any) (bool, error) {
	rows, err := cs.stmt.QueryContext(ctx, args...)
	if err != nil {
		if isBindError(err) {
			return false, fmt.Errorf("%w: %w", ErrBind, err)
		}
		return false, fmt.Errorf("%w: %w", ErrUnexpectedResult, err)
	}
	cs.rows = rows
	if rows.Next() {
		return true, nil
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnexpectedResult, err)
	}
	return false, nil
}

// isBindError reports whether err was raised while binding parameters:
// database/sql rejects an argument count that differs from the statement's
// parameter count, and SQLite rejects an out-of-range parameter index.
func isBindError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrRange {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "sql: expected ") || strings.HasPrefix(msg, "sql: converting argument")
}

// scan reads the current row.
func (cs *cachedStmt) scan(dest ...any) error {
	if cs.rows == nil {
		return fmt.Errorf("%w: no current row", ErrUnexpectedResult)
	}
	if err := cs.rows.Scan(dest...); err != nil {
		return fmt.Errorf("%w: %w", ErrUnexpectedResult, err)
	}
	return nil
}

// reset returns the statement to its pre-execution state so it can be
// bound again. The compiled statement itself is kept.
func (cs *cachedStmt) reset() {
	if cs.rows != nil {
		_ = cs.rows.Close()
		cs.rows = nil
	}
	cs.busy = false
}

// ExtData is the per-connection context shared by the merge components.
// It owns two independent statement caches: the outer cache serves
// top-level calls and the nested cache serves calls that start while an
// outer call still has a statement executing on the same connection.
type ExtData struct {
	outer  *StmtCache
	nested *StmtCache
	depth  int
}

// NewExtData creates the context for one connection.
func NewExtData(db Preparer, logger *slog.Logger) *ExtData {
	return &ExtData{
		outer:  NewStmtCache("outer", db, logger),
		nested: NewStmtCache("nested", db, logger),
	}
}

// Outer returns the cache used by top-level calls.
func (e *ExtData) Outer() *StmtCache { return e.outer }

// Nested returns the cache used by reentrant calls.
func (e *ExtData) Nested() *StmtCache { return e.nested }

// Depth reports how many merge operations are currently active.
func (e *ExtData) Depth() int { return e.depth }

// enter marks the start of an operation and selects its cache. The returned
// func must be called when the operation ends.
func (e *ExtData) enter() (*StmtCache, func()) {
	cache := e.outer
	if e.depth > 0 {
		cache = e.nested
	}
	e.depth++
	return cache, func() { e.depth-- }
}

// Close finalizes both caches.
func (e *ExtData) Close() error {
	return errors.Join(e.outer.Close(), e.nested.Close())
}
