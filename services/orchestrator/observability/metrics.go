// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing setup for the
// completion service.
//
// # Description
//
// Prometheus metrics for the HTTP surface:
//   - Request counters (by endpoint and status)
//   - Latency histograms
//   - Active stream gauges and snapshot counters
//   - Error counters by code
//
// The completion core records its own cache, throttle and filter
// instruments through the OpenTelemetry meter; Init bridges that meter to
// the same Prometheus registry so /metrics serves both.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace = "aleutian"
	httpSubsystem    = "completion_http"
)

// Metrics holds the Prometheus metrics for the completion HTTP API.
type Metrics struct {
	// RequestsTotal counts requests by endpoint and status.
	// Labels: endpoint, status (success, error)
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures handler latency.
	// Labels: endpoint
	RequestDurationSeconds *prometheus.HistogramVec

	// ErrorsTotal counts errors by endpoint and code.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// ActiveStreams tracks open streaming responses.
	ActiveStreams prometheus.Gauge

	// SnapshotsTotal counts snapshot events written to streams.
	SnapshotsTotal prometheus.Counter

	// ClientDisconnectsTotal counts streams the client abandoned.
	ClientDisconnectsTotal prometheus.Counter

	// SuggestionsReturned observes the suggestion count per response.
	SuggestionsReturned prometheus.Histogram
}

// NewMetrics creates and registers the metrics with reg.
//
// # Inputs
//
//   - reg: Registry to register with. Use prometheus.DefaultRegisterer in
//     production and a fresh prometheus.NewRegistry() in tests.
//
// # Limitations
//
//   - Panics if the same registry already holds these metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "requests_total",
				Help:      "Total number of completion API requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		RequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "request_duration_seconds",
				Help:      "Completion API request duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "errors_total",
				Help:      "Total completion API errors by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: httpSubsystem,
			Name:      "active_streams",
			Help:      "Number of open streaming completion responses",
		}),
		SnapshotsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: httpSubsystem,
			Name:      "stream_snapshots_total",
			Help:      "Total snapshot events written to completion streams",
		}),
		ClientDisconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: httpSubsystem,
			Name:      "client_disconnects_total",
			Help:      "Total client disconnections during streaming",
		}),
		SuggestionsReturned: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: httpSubsystem,
			Name:      "suggestions_returned",
			Help:      "Number of suggestions per completion response",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		}),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode is a categorized error type for metrics.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeThrottled        ErrorCode = "throttled"
	ErrorCodeGeneration       ErrorCode = "generation"
	ErrorCodeCancelled        ErrorCode = "cancelled"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
	ErrorCodeUnavailable      ErrorCode = "unavailable"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint labels an API route for metrics.
type Endpoint string

const (
	EndpointCompletions Endpoint = "completions"
	EndpointStream      Endpoint = "completions_stream"
	EndpointFeedback    Endpoint = "feedback"
	EndpointPreferences Endpoint = "preferences"
	EndpointDetect      Endpoint = "languages_detect"
	EndpointSnippets    Endpoint = "snippets"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a finished request. A nil receiver is a no-op so
// handlers work without metrics.
func (m *Metrics) RecordRequest(endpoint Endpoint, success bool, seconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
	m.RequestDurationSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordError records an error by code.
func (m *Metrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordSuggestions observes the size of a response.
func (m *Metrics) RecordSuggestions(n int) {
	if m == nil {
		return
	}
	m.SuggestionsReturned.Observe(float64(n))
}

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *Metrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordSnapshot counts one snapshot event.
func (m *Metrics) RecordSnapshot() {
	if m == nil {
		return
	}
	m.SnapshotsTotal.Inc()
}

// RecordClientDisconnect counts one abandoned stream.
func (m *Metrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}
