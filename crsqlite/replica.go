// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Replica is one SQLite database taking part in replication. It pins a
// single connection: the merge statement caches and the clock triggers all
// live on it.
type Replica struct {
	conn   *sql.Conn
	ext    *ExtData
	merger *Merger
	siteID uuid.UUID
	config *Config
	logger *slog.Logger
	tables *TableInfoProvider
	crrs   map[string]*TableInfo
}

// Open pins a connection from db, creates the replication metadata, makes
// sure the database has a site id and registers cfg.Tables for replication.
func Open(ctx context.Context, db *sql.DB, cfg *Config, logger *slog.Logger) (*Replica, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if err := initializeDatabase(ctx, conn, cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	siteID, err := EnsureSiteID(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	ext := NewExtData(conn, logger)
	r := &Replica{
		conn:   conn,
		ext:    ext,
		merger: NewMerger(ext, logger, WithDecisionLogging(cfg.LogMerges)),
		siteID: siteID,
		config: cfg,
		logger: logger,
		tables: NewTableInfoProvider(),
		crrs:   make(map[string]*TableInfo),
	}

	for _, table := range cfg.Tables {
		if err := r.AsCRR(ctx, table); err != nil {
			r.Close()
			return nil, err
		}
	}

	logger.Debug("Replica opened", "site_id", siteID, "tables", len(cfg.Tables))
	return r, nil
}

// initializeDatabase creates the replication metadata table (private function)
func initializeDatabase(ctx context.Context, db dbtx, cfg *Config) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		fmt.Sprintf(`PRAGMA busy_timeout=%d`, cfg.BusyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	// Site info (one row)
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS __crsql_site_info (
		site_id     BLOB NOT NULL,                 -- locally generated UUIDv4 (persisted)
		db_version  INTEGER NOT NULL DEFAULT 0,    -- bumped by every local write and every applied batch
		apply_mode  INTEGER NOT NULL DEFAULT 0     -- 0=normal (capture local writes), 1=remote apply (suppress)
	)`); err != nil {
		return fmt.Errorf("failed to create site info table: %w", err)
	}

	// Reset apply_mode in case the process died in the middle of an apply;
	// otherwise local writes would never be captured again.
	if _, err := db.ExecContext(ctx, `UPDATE __crsql_site_info SET apply_mode = 0 WHERE apply_mode != 0`); err != nil {
		return fmt.Errorf("failed to reset apply_mode: %w", err)
	}
	return nil
}

// EnsureSiteID generates and persists a site id if not already present
func EnsureSiteID(ctx context.Context, db dbtx) (uuid.UUID, error) {
	var raw []byte
	err := db.QueryRowContext(ctx, `SELECT site_id FROM __crsql_site_info LIMIT 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		id := uuid.New()
		if _, err := db.ExecContext(ctx,
			`INSERT INTO __crsql_site_info (site_id, db_version, apply_mode) VALUES (?, 0, 0)`, id[:],
		); err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert site info: %w", err)
		}
		return id, nil
	} else if err != nil {
		return uuid.Nil, fmt.Errorf("failed to query site info: %w", err)
	}

	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid stored site id: %w", err)
	}
	return id, nil
}

// AsCRR registers a table for replication: it creates the clock table and
// the triggers that record local writes. Calling it again re-reads the
// schema and recreates the triggers, which picks up columns added with
// ALTER TABLE.
func (r *Replica) AsCRR(ctx context.Context, table string) error {
	if err := validateIdent("table name", table); err != nil {
		return err
	}
	r.tables.Invalidate(table)
	info, err := r.tables.Get(ctx, r.conn, table)
	if err != nil {
		return err
	}
	if err := createClockForTable(ctx, r.conn, info); err != nil {
		return err
	}
	r.crrs[strings.ToLower(table)] = info
	r.logger.Debug("Registered CRR table", "table", info.Table, "pk_columns", len(info.PrimaryKeys))
	return nil
}

// TableInfo returns metadata for a registered table.
func (r *Replica) TableInfo(table string) (*TableInfo, bool) {
	info, ok := r.crrs[strings.ToLower(table)]
	return info, ok
}

// Conn returns the pinned connection. Local writes made through it are
// captured by the clock triggers.
func (r *Replica) Conn() *sql.Conn { return r.conn }

// Merger returns the merge core bound to this replica's connection.
func (r *Replica) Merger() *Merger { return r.merger }

// SiteID returns the persistent identity of this replica.
func (r *Replica) SiteID() uuid.UUID { return r.siteID }

// DBVersion returns the current local database version.
func (r *Replica) DBVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := r.conn.QueryRowContext(ctx, `SELECT db_version FROM __crsql_site_info LIMIT 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read db_version: %w", err)
	}
	return v, nil
}

// Close finalizes the cached statements and releases the connection.
func (r *Replica) Close() error {
	return errors.Join(r.ext.Close(), r.conn.Close())
}
