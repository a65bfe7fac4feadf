// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	MetricsOpApply = "apply"

	MetricsStageTotal = "total"

	// Per-change stages.
	MetricsStageLocalDelete = "local_delete_check"
	MetricsStageResolve     = "resolve"
	MetricsStageWrite       = "write"
	MetricsStageTombstone   = "tombstone"
)

// StageTiming is one measured step of ApplyChanges.
type StageTiming struct {
	Operation string
	Stage     string
	Table     string
	Duration  time.Duration
	Count     int
	Error     bool
}

// StageMetricsRecorder receives apply stage timings.
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// StageTotals accumulates timings per stage. It is safe for concurrent use
// and can be shared by several replicas.
type StageTotals struct {
	mu     sync.Mutex
	totals map[string]*StageTotal
}

// StageTotal is the accumulated cost of one stage.
type StageTotal struct {
	Stage    string
	Calls    int
	Changes  int
	Errors   int
	Duration time.Duration
}

// NewStageTotals creates an empty accumulator.
func NewStageTotals() *StageTotals {
	return &StageTotals{totals: make(map[string]*StageTotal)}
}

func (s *StageTotals) ObserveStage(_ context.Context, timing StageTiming) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.totals[timing.Stage]
	if !ok {
		t = &StageTotal{Stage: timing.Stage}
		s.totals[timing.Stage] = t
	}
	t.Calls++
	t.Changes += timing.Count
	t.Duration += timing.Duration
	if timing.Error {
		t.Errors++
	}
}

// Snapshot returns the totals sorted by stage name.
func (s *StageTotals) Snapshot() []StageTotal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StageTotal, 0, len(s.totals))
	for _, t := range s.totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

func (r *Replica) stageTimingEnabled() bool {
	if r == nil || r.config == nil {
		return false
	}
	return r.config.StageMetrics != nil || r.config.LogStageTimings
}

func (r *Replica) stageStart() time.Time {
	if !r.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (r *Replica) observeStage(ctx context.Context, stage, table string, start time.Time, count int, hadError bool) {
	if start.IsZero() || r == nil || r.config == nil {
		return
	}

	timing := StageTiming{
		Operation: MetricsOpApply,
		Stage:     stage,
		Table:     table,
		Duration:  time.Since(start),
		Count:     count,
		Error:     hadError,
	}

	if r.config.StageMetrics != nil {
		r.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if r.config.LogStageTimings && r.logger != nil {
		r.logger.Debug("Apply stage finished",
			"stage", timing.Stage,
			"table", timing.Table,
			"changes", timing.Count,
			"took", timing.Duration,
			"failed", timing.Error,
		)
	}
}
