// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/jdahlborg/cr-sqlite/crsqlite"
	_ "github.com/mattn/go-sqlite3"
)

// DeliveryOrder decides the order in which peers' changes reach a replica.
type DeliveryOrder int

const (
	// Forward delivers peers in scenario order and each batch as captured.
	Forward DeliveryOrder = iota
	// Reverse delivers peers in reverse order and each batch reversed.
	Reverse
)

func (o DeliveryOrder) String() string {
	if o == Reverse {
		return "reverse"
	}
	return "forward"
}

// Option customizes a run.
type Option func(*runConfig)

type runConfig struct {
	order  DeliveryOrder
	logger *slog.Logger
}

// WithOrder sets the delivery order.
func WithOrder(order DeliveryOrder) Option {
	return func(c *runConfig) { c.order = order }
}

// WithLogger sets the logger handed to every replica.
func WithLogger(logger *slog.Logger) Option {
	return func(c *runConfig) { c.logger = logger }
}

// Result is the outcome of a scenario run.
type Result struct {
	Scenario string
	Order    DeliveryOrder

	// States holds the final rows of every replica, keyed by replica name.
	States map[string]*State

	// Applied holds each replica's merge counters over all deliveries.
	Applied map[string]crsqlite.ApplyResult
}

// State is the content of the replicated tables of one replica.
type State struct {
	Tables []TableState
}

// TableState is the content of one table, rows ordered by primary key.
type TableState struct {
	Name    string
	Columns []string
	Rows    [][]crsqlite.Value
}

type replicaHandle struct {
	name    string
	db      *sql.DB
	replica *crsqlite.Replica
}

func (h *replicaHandle) close() error {
	return errors.Join(h.replica.Close(), h.db.Close())
}

// Run executes a scenario on fresh in-memory replicas.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{order: Forward, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	handles := make([]*replicaHandle, 0, len(s.Replicas))
	defer func() {
		for _, h := range handles {
			if err := h.close(); err != nil {
				cfg.logger.Warn("Failed to close replica", "replica", h.name, "error", err)
			}
		}
	}()

	for _, spec := range s.Replicas {
		h, err := openReplica(ctx, s, spec, cfg.logger)
		if err != nil {
			return nil, fmt.Errorf("replica %s: %w", spec.Name, err)
		}
		handles = append(handles, h)
		for i, stmt := range spec.Exec {
			if _, err := h.replica.Conn().ExecContext(ctx, stmt); err != nil {
				return nil, fmt.Errorf("replica %s: exec[%d]: %w", spec.Name, i, err)
			}
		}
	}

	// Snapshot every replica before delivery so each one ships only its own
	// local writes.
	snapshots := make([][]crsqlite.Change, len(handles))
	for i, h := range handles {
		changes, err := h.replica.ChangesSince(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("replica %s: %w", h.name, err)
		}
		snapshots[i] = changes
	}

	res := &Result{
		Scenario: s.Name,
		Order:    cfg.order,
		States:   make(map[string]*State, len(handles)),
		Applied:  make(map[string]crsqlite.ApplyResult, len(handles)),
	}
	for i, h := range handles {
		var total crsqlite.ApplyResult
		for _, j := range peerOrder(len(handles), i, cfg.order) {
			batch := snapshots[j]
			if cfg.order == Reverse {
				batch = slices.Clone(batch)
				slices.Reverse(batch)
			}
			ar, err := h.replica.ApplyChanges(ctx, batch)
			if err != nil {
				return nil, fmt.Errorf("replica %s applying changes from %s: %w", h.name, handles[j].name, err)
			}
			total.Applied += ar.Applied
			total.Lost += ar.Lost
			total.SkippedDeleted += ar.SkippedDeleted
			total.Failed += ar.Failed
		}
		res.Applied[h.name] = total
	}

	for _, h := range handles {
		state, err := readState(ctx, h.replica, s.Tables)
		if err != nil {
			return nil, fmt.Errorf("replica %s: %w", h.name, err)
		}
		res.States[h.name] = state
	}
	return res, nil
}

func openReplica(ctx context.Context, s *Scenario, spec ReplicaSpec, logger *slog.Logger) (*replicaHandle, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is its own database.
	db.SetMaxOpenConns(1)
	for i, stmt := range s.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("schema[%d]: %w", i, err)
		}
	}
	replica, err := crsqlite.Open(ctx, db, crsqlite.DefaultConfig(s.Tables...), logger.With("replica", spec.Name))
	if err != nil {
		db.Close()
		return nil, err
	}
	return &replicaHandle{name: spec.Name, db: db, replica: replica}, nil
}

func peerOrder(n, self int, order DeliveryOrder) []int {
	peers := make([]int, 0, n-1)
	for j := 0; j < n; j++ {
		if j != self {
			peers = append(peers, j)
		}
	}
	if order == Reverse {
		slices.Reverse(peers)
	}
	return peers
}

func readState(ctx context.Context, r *crsqlite.Replica, tables []string) (*State, error) {
	state := &State{}
	for _, table := range tables {
		info, ok := r.TableInfo(table)
		if !ok {
			return nil, fmt.Errorf("table %s is not registered", table)
		}
		ts := TableState{Name: info.Table}
		for _, c := range info.Columns {
			ts.Columns = append(ts.Columns, c.Name)
		}
		orderBy := make([]string, len(info.PrimaryKeys))
		for i, c := range info.PrimaryKeys {
			orderBy[i] = crsqlite.QuoteIdent(c.Name)
		}

		query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`,
			crsqlite.RawColumns(ts.Columns...), crsqlite.QuoteIdent(info.Table), strings.Join(orderBy, ", "))
		rows, err := r.Conn().QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", table, err)
		}
		for rows.Next() {
			raw := make([]any, len(ts.Columns))
			dest := make([]any, len(ts.Columns))
			for i := range raw {
				dest[i] = &raw[i]
			}
			if err := rows.Scan(dest...); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan %s: %w", table, err)
			}
			row := make([]crsqlite.Value, len(raw))
			for i, v := range raw {
				if row[i], err = crsqlite.ValueFromAny(v); err != nil {
					rows.Close()
					return nil, err
				}
			}
			ts.Rows = append(ts.Rows, row)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating %s: %w", table, err)
		}
		state.Tables = append(state.Tables, ts)
	}
	return state, nil
}

// Render prints the state in a stable text form.
func (s *State) Render() string {
	var b strings.Builder
	for _, t := range s.Tables {
		fmt.Fprintf(&b, "table %s (%s)\n", t.Name, strings.Join(t.Columns, ", "))
		if len(t.Rows) == 0 {
			b.WriteString("  (empty)\n")
			continue
		}
		for _, row := range t.Rows {
			vals := make([]string, len(row))
			for i, v := range row {
				vals[i] = v.String()
			}
			fmt.Fprintf(&b, "  %s\n", strings.Join(vals, ", "))
		}
	}
	return b.String()
}
