// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a convergence scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is run on every replica before registration.
	Schema []string `yaml:"schema"`

	// Tables lists the tables registered for replication.
	Tables []string `yaml:"tables"`

	// Replicas lists the replicas and the local statements each one runs.
	Replicas []ReplicaSpec `yaml:"replicas"`

	// Expect holds the converged rows per table, in primary key order.
	// Tables listed in Tables but absent here are not checked.
	Expect map[string][]map[string]any `yaml:"expect"`
}

// ReplicaSpec describes one replica of a scenario.
type ReplicaSpec struct {
	Name string   `yaml:"name"`
	Exec []string `yaml:"exec"`
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Schema) == 0 {
		return fmt.Errorf("schema list is required and must be non-empty")
	}
	if len(s.Tables) == 0 {
		return fmt.Errorf("tables list is required and must be non-empty")
	}
	if len(s.Replicas) < 2 {
		return fmt.Errorf("at least two replicas are required")
	}

	seen := make(map[string]bool, len(s.Replicas))
	for i, r := range s.Replicas {
		if r.Name == "" {
			return fmt.Errorf("replicas[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("replicas[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
	}

	tables := make(map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		tables[t] = true
	}
	for t := range s.Expect {
		if !tables[t] {
			return fmt.Errorf("expect: table %q is not listed in tables", t)
		}
	}
	return nil
}
