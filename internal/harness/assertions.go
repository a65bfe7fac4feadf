// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"fmt"
	"sort"

	"github.com/jdahlborg/cr-sqlite/crsqlite"
)

// CheckConverged reports every difference between the first replica's state
// and the others'. An empty result means the replicas converged.
func CheckConverged(s *Scenario, res *Result) []string {
	if len(s.Replicas) == 0 {
		return nil
	}
	base := s.Replicas[0].Name
	want := res.States[base].Render()

	var errs []string
	for _, r := range s.Replicas[1:] {
		if got := res.States[r.Name].Render(); got != want {
			errs = append(errs, fmt.Sprintf("replica %s diverged from %s:\n%s\nvs\n%s", r.Name, base, got, want))
		}
	}
	return errs
}

// CheckExpectations compares a replica's state with the scenario's expect
// section.
func CheckExpectations(s *Scenario, state *State) []string {
	tables := make([]string, 0, len(s.Expect))
	for t := range s.Expect {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var errs []string
	for _, name := range tables {
		expected := s.Expect[name]
		ts, ok := state.table(name)
		if !ok {
			errs = append(errs, fmt.Sprintf("table %s: not found in state", name))
			continue
		}
		if len(ts.Rows) != len(expected) {
			errs = append(errs, fmt.Sprintf("table %s: expected %d rows, got %d", name, len(expected), len(ts.Rows)))
			continue
		}
		for i, want := range expected {
			errs = append(errs, compareRow(ts, i, want)...)
		}
	}
	return errs
}

func (s *State) table(name string) (*TableState, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// compareRow checks the fields named in want; other columns are ignored.
func compareRow(ts *TableState, i int, want map[string]any) []string {
	var errs []string
	for col, raw := range want {
		idx := -1
		for j, c := range ts.Columns {
			if c == col {
				idx = j
				break
			}
		}
		if idx < 0 {
			errs = append(errs, fmt.Sprintf("table %s row %d: unknown column %s", ts.Name, i, col))
			continue
		}
		expected, err := crsqlite.ValueFromAny(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("table %s row %d column %s: %v", ts.Name, i, col, err))
			continue
		}
		got := ts.Rows[i][idx]
		if expected.Type() != got.Type() || crsqlite.CompareValues(expected, got) != 0 {
			errs = append(errs, fmt.Sprintf("table %s row %d column %s: expected %s, got %s", ts.Name, i, col, expected, got))
		}
	}
	sort.Strings(errs)
	return errs
}
