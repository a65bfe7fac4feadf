// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"
)

// AssertGolden compares the rendered state against testdata/golden/<name>.golden.
// Run the tests with -update to rewrite the golden files.
func AssertGolden(t *testing.T, name string, state *State) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(state.Render()))
}

// RunWithGolden runs the scenario in both delivery orders, requires the
// replicas to converge to the expected rows and compares the converged
// state with the scenario's golden file.
func RunWithGolden(t *testing.T, s *Scenario) {
	t.Helper()

	var rendered string
	for _, order := range []DeliveryOrder{Forward, Reverse} {
		res, err := Run(t.Context(), s, WithOrder(order))
		if err != nil {
			t.Fatalf("%s: run failed: %v", order, err)
		}
		for _, msg := range CheckConverged(s, res) {
			t.Errorf("%s: %s", order, msg)
		}
		state := res.States[s.Replicas[0].Name]
		for _, msg := range CheckExpectations(s, state) {
			t.Errorf("%s: %s", order, msg)
		}
		if rendered == "" {
			rendered = state.Render()
			AssertGolden(t, s.Name, state)
		} else if got := state.Render(); got != rendered {
			t.Errorf("%s delivery converged to a different state:\n%s\nforward:\n%s", order, got, rendered)
		}
	}
}
