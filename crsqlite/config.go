// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrorPolicy decides what ApplyChanges does when a single change fails.
type ErrorPolicy string

const (
	// ErrorPolicyAbort rolls back the whole batch and returns the error.
	ErrorPolicyAbort ErrorPolicy = "abort"
	// ErrorPolicySkip records the failure and continues with the next change.
	ErrorPolicySkip ErrorPolicy = "skip"
)

// Config holds configuration for a Replica
type Config struct {
	Tables          []string      `yaml:"tables"`            // Tables to register as conflict-free replicated relations
	ErrorPolicy     ErrorPolicy   `yaml:"error_policy"`      // abort (default) or skip
	BusyTimeout     time.Duration `yaml:"busy_timeout"`      // SQLite busy_timeout
	LogMerges       bool          `yaml:"log_merges"`        // Log every merge decision at debug level
	LogStageTimings bool          `yaml:"log_stage_timings"` // Log apply stage timings at debug level

	StageMetrics StageMetricsRecorder `yaml:"-"`
}

// DefaultConfig returns a default configuration for the specified tables.
func DefaultConfig(tables ...string) *Config {
	return &Config{
		Tables:      tables,
		ErrorPolicy: ErrorPolicyAbort,
		BusyTimeout: 5 * time.Second,
	}
}

// LoadConfig reads a YAML configuration file. Unset fields keep their
// DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for unsupported values.
func (c *Config) Validate() error {
	switch c.ErrorPolicy {
	case "", ErrorPolicyAbort, ErrorPolicySkip:
	default:
		return fmt.Errorf("invalid error_policy %q", c.ErrorPolicy)
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("busy_timeout must not be negative")
	}
	for _, t := range c.Tables {
		if err := validateIdent("table name", t); err != nil {
			return err
		}
	}
	return nil
}
