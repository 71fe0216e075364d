// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"context"
	"time"
)

// Stages reported to a StageMetricsRecorder.
const (
	StagePushTx      = "push.tx"          // one attempt of the push transaction
	StagePullPage    = "pull.page"        // one read-only page transaction
	StageCollections = "pull.collections" // collection computation inside a page
)

// StageTiming is one measured step of a sync request.
type StageTiming struct {
	Stage    string
	Duration time.Duration
	Rows     int // changes pushed, rows returned or collections computed
	Attempt  int
	Err      error
}

// StageMetricsRecorder receives stage timings, typically to feed a histogram.
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// timeStage starts measuring stage and returns the function that reports it. Nothing is
// measured unless StageMetrics or LogStageTimings is set.
func (s *SyncService) timeStage(ctx context.Context, stage string, attempt int) func(rows int, err error) {
	if s.config.StageMetrics == nil && !s.config.LogStageTimings {
		return func(int, error) {}
	}
	start := time.Now()
	return func(rows int, err error) {
		timing := StageTiming{Stage: stage, Duration: time.Since(start), Rows: rows, Attempt: attempt, Err: err}
		if s.config.StageMetrics != nil {
			s.config.StageMetrics.ObserveStage(ctx, timing)
		}
		if s.config.LogStageTimings {
			s.logger.Debug("Stage timing", "stage", stage, "duration", timing.Duration, "rows", rows,
				"attempt", attempt, "error", err)
		}
	}
}
