// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package crsqlite implements the conflict-resolution core of a multi-writer
// replication layer for SQLite tables.
//
// Every replicated table "t" is paired with a clock table "t__crsql_clock"
// that stores a causal version per (primary key, column). When a change
// arrives from another replica the Merger decides whether it wins against
// local state: a higher column version wins, a lower one loses, and equal
// versions fall back to comparing the concrete values so that every replica
// picks the same winner. A row tombstoned locally rejects all column writes.
//
// Replica wraps a connection with clock tables, change-capture triggers and
// an ApplyChanges operation that drives the Merger.
package crsqlite

import (
	"fmt"
	"log/slog"
)

// Merger runs the conflict resolver and local-delete detector against one
// connection context. It is not safe for concurrent use; nested
// (reentrant) calls from the same goroutine are supported.
type Merger struct {
	ext     *ExtData
	cmp     Comparator
	logger  *slog.Logger
	verbose bool
}

// MergerOption customizes a Merger.
type MergerOption func(*Merger)

// WithComparator replaces the tie-break comparator.
func WithComparator(cmp Comparator) MergerOption {
	return func(m *Merger) { m.cmp = cmp }
}

// WithDecisionLogging logs every merge decision at debug level.
func WithDecisionLogging(enabled bool) MergerOption {
	return func(m *Merger) { m.verbose = enabled }
}

// NewMerger creates a Merger using the caches in ext.
func NewMerger(ext *ExtData, logger *slog.Logger, opts ...MergerOption) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Merger{ext: ext, cmp: DefaultComparator, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ExtData returns the connection context the Merger runs against.
func (m *Merger) ExtData() *ExtData { return m.ext }

// pkArgs converts the borrowed tuple into positional arguments for pkWhere.
// extra values are appended after the primary key arguments.
func pkArgs(pkWhere string, vals []Value, extra ...any) ([]any, error) {
	if want := countPlaceholders(pkWhere); want != len(vals) {
		return nil, fmt.Errorf("%w: predicate has %d placeholders, primary key has %d values", ErrBind, want, len(vals))
	}
	args := make([]any, 0, len(vals)+len(extra))
	for i, v := range vals {
		switch v.Type() {
		case TypeNull, TypeInteger, TypeFloat, TypeText, TypeBlob:
			args = append(args, v.Any())
		default:
			return nil, fmt.Errorf("%w: primary key value %d has %s", ErrBind, i, v.Type())
		}
	}
	return append(args, extra...), nil
}

func validateInputs(table, pkWhere string) error {
	if err := validateIdent("table name", table); err != nil {
		return err
	}
	return validateIdent("primary key predicate", pkWhere)
}
