// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/jdahlborg/cr-sqlite/crsqlite"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE t (id INTEGER PRIMARY KEY NOT NULL, name TEXT)`

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := run(context.Background(), logger); err != nil {
		logger.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

// run edits the same row on two in-memory replicas until both hold column
// version 5, prints how the merge core judges incoming values, then exchanges
// changes and shows that both replicas settle on the same value.
func run(ctx context.Context, logger *slog.Logger) error {
	totals := crsqlite.NewStageTotals()
	alice, closeAlice, err := openReplica(ctx, logger, totals)
	if err != nil {
		return err
	}
	defer closeAlice()
	bob, closeBob, err := openReplica(ctx, logger, totals)
	if err != nil {
		return err
	}
	defer closeBob()

	// One insert and four updates leave (id=1, name) at column version 5.
	if err := editName(ctx, alice, "Eve", "Dan", "Carol", "Bill", "Alice"); err != nil {
		return err
	}
	if err := editName(ctx, bob, "Eve", "Dan", "Carol", "Bill", "Bob"); err != nil {
		return err
	}

	fmt.Println("go-cr-sqlite - column-level conflict resolution for SQLite")
	fmt.Println("replica bob holds (id=1, name=\"Bob\") at column version 5")
	fmt.Println()

	info, _ := bob.TableInfo("t")
	m := bob.Merger()
	cases := []struct {
		label   string
		id      int64
		value   string
		version int64
	}{
		{"name=\"Alice\" v5 (tie-break)", 1, "Alice", 5},
		{"name=\"Alice\" v6 (newer)", 1, "Alice", 6},
		{"name=\"Alice\" v1 for id=2 (no local clock)", 2, "Alice", 1},
	}
	for _, c := range cases {
		won, err := m.DidColumnWin(ctx, "t", info.PKWhere(), crsqlite.NewRawPKs(crsqlite.Int(c.id)), "name", crsqlite.Text(c.value), c.version)
		if err != nil {
			return err
		}
		fmt.Printf("incoming %-45s wins=%v\n", c.label, won)
	}

	fromAlice, err := alice.ChangesSince(ctx, 0)
	if err != nil {
		return err
	}
	fromBob, err := bob.ChangesSince(ctx, 0)
	if err != nil {
		return err
	}
	if _, err := alice.ApplyChanges(ctx, fromBob); err != nil {
		return err
	}
	if _, err := bob.ApplyChanges(ctx, fromAlice); err != nil {
		return err
	}

	fmt.Println()
	for _, r := range []struct {
		label   string
		replica *crsqlite.Replica
	}{{"alice", alice}, {"bob", bob}} {
		var name string
		if err := r.replica.Conn().QueryRowContext(ctx, `SELECT name FROM t WHERE id = 1`).Scan(&name); err != nil {
			return err
		}
		fmt.Printf("after exchange replica %-5s has name=%q\n", r.label, name)
	}

	stats := m.ExtData().Outer().Stats()
	fmt.Printf("\nstatement cache: %d entries, %d compiles, %d hits\n", stats.Entries, stats.Compiles, stats.Hits)
	for _, st := range totals.Snapshot() {
		fmt.Printf("apply stage %-20s calls=%d changes=%d took=%s\n", st.Stage, st.Calls, st.Changes, st.Duration)
	}
	return nil
}

func openReplica(ctx context.Context, logger *slog.Logger, metrics crsqlite.StageMetricsRecorder) (*crsqlite.Replica, func(), error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, nil, err
	}
	cfg := crsqlite.DefaultConfig("t")
	cfg.StageMetrics = metrics
	replica, err := crsqlite.Open(ctx, db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return replica, func() {
		replica.Close()
		db.Close()
	}, nil
}

func editName(ctx context.Context, r *crsqlite.Replica, first string, rest ...string) error {
	conn := r.Conn()
	if _, err := conn.ExecContext(ctx, `INSERT INTO t (id, name) VALUES (1, ?)`, first); err != nil {
		return err
	}
	for _, name := range rest {
		if _, err := conn.ExecContext(ctx, `UPDATE t SET name = ? WHERE id = 1`, name); err != nil {
			return err
		}
	}
	return nil
}
