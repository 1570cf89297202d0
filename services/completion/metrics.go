// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package completion

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for the completion pipeline.
var (
	tracer = otel.Tracer("aleutian.completion")
	meter  = otel.Meter("aleutian.completion")
)

// Metrics for pipeline components.
var (
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheEvictions     metric.Int64Counter
	throttleDecisions  metric.Int64Counter
	throttleWait       metric.Float64Histogram
	filterRejections   metric.Int64Counter
	stageLatency       metric.Float64Histogram
	providerFailures   metric.Int64Counter
	generatedSequences metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if cacheHits, err = meter.Int64Counter("completion_cache_hits_total",
			metric.WithDescription("Total number of completion cache hits")); err != nil {
			metricsErr = err
			return
		}
		if cacheMisses, err = meter.Int64Counter("completion_cache_misses_total",
			metric.WithDescription("Total number of completion cache misses")); err != nil {
			metricsErr = err
			return
		}
		if cacheEvictions, err = meter.Int64Counter("completion_cache_evictions_total",
			metric.WithDescription("Total number of LRU and TTL evictions")); err != nil {
			metricsErr = err
			return
		}
		if throttleDecisions, err = meter.Int64Counter("completion_throttle_decisions_total",
			metric.WithDescription("Throttle admissions by outcome")); err != nil {
			metricsErr = err
			return
		}
		if throttleWait, err = meter.Float64Histogram("completion_throttle_wait_seconds",
			metric.WithDescription("Time callers spent waiting for admission"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if filterRejections, err = meter.Int64Counter("completion_filter_rejections_total",
			metric.WithDescription("Candidates discarded by the filter, by reason")); err != nil {
			metricsErr = err
			return
		}
		if stageLatency, err = meter.Float64Histogram("completion_stage_duration_seconds",
			metric.WithDescription("Duration of each pipeline stage"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if providerFailures, err = meter.Int64Counter("completion_diagnostics_failures_total",
			metric.WithDescription("Diagnostics providers that failed and were skipped")); err != nil {
			metricsErr = err
			return
		}
		if generatedSequences, err = meter.Int64Counter("completion_generated_sequences_total",
			metric.WithDescription("Raw sequences received from the model")); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordCacheHit(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cacheHits.Add(ctx, 1)
}

func recordCacheMiss(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cacheMisses.Add(ctx, 1)
}

func recordCacheEviction(ctx context.Context, reason string) {
	if initMetrics() != nil {
		return
	}
	cacheEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func recordThrottle(ctx context.Context, outcome string) {
	if initMetrics() != nil {
		return
	}
	throttleDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func recordThrottleWait(ctx context.Context, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	throttleWait.Record(ctx, d.Seconds())
}

func recordFilterRejection(ctx context.Context, reason string) {
	if initMetrics() != nil {
		return
	}
	filterRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func recordStage(ctx context.Context, stage string, start time.Time) {
	if initMetrics() != nil {
		return
	}
	stageLatency.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)))
}

func recordProviderFailure(ctx context.Context, provider string) {
	if initMetrics() != nil {
		return
	}
	providerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func recordGenerated(ctx context.Context, n int) {
	if initMetrics() != nil {
		return
	}
	generatedSequences.Add(ctx, int64(n))
}
