// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker is open, vector store requests blocked")

	// ErrStoreTimeout is returned when the vector store does not answer in time.
	ErrStoreTimeout = errors.New("vector store timeout")
)

// -----------------------------------------------------------------------------
// Breaker State
// -----------------------------------------------------------------------------

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// StateClosed lets every call through.
	StateClosed BreakerState = iota
	// StateOpen rejects calls until the cooldown expires.
	StateOpen
	// StateHalfOpen lets a single probe call through.
	StateHalfOpen
)

// String returns the string representation of BreakerState.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// BreakerConfig configures retry and circuit breaking around store calls.
type BreakerConfig struct {
	// RetryAttempts is the number of retries after the first attempt.
	// Default: 2
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBackoff is the initial backoff between retries.
	// Default: 50ms
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// MaxRetryBackoff caps the exponential backoff.
	// Default: 1s
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`

	// RetryJitter adds randomness to backoff (0.0-1.0).
	// Default: 0.25
	RetryJitter float64 `yaml:"retry_jitter"`

	// Threshold is the number of failed calls within Window that opens
	// the circuit.
	// Default: 5
	Threshold int `yaml:"threshold"`

	// Window is the sliding window for counting failures.
	// Default: 30s
	Window time.Duration `yaml:"window"`

	// Cooldown is how long the circuit stays open before a probe.
	// Default: 30s
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultBreakerConfig returns defaults sized for the completion hot path,
// where a slow retrieval is worse than none.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		RetryAttempts:   2,
		RetryBackoff:    50 * time.Millisecond,
		MaxRetryBackoff: time.Second,
		RetryJitter:     0.25,
		Threshold:       5,
		Window:          30 * time.Second,
		Cooldown:        30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *BreakerConfig) Validate() error {
	if c.RetryAttempts < 0 {
		return errors.New("retry_attempts must be non-negative")
	}
	if c.RetryBackoff < 0 {
		return errors.New("retry_backoff must be non-negative")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("retry_jitter must be between 0 and 1")
	}
	if c.Threshold < 1 {
		return errors.New("threshold must be at least 1")
	}
	if c.Window <= 0 {
		return errors.New("window must be positive")
	}
	return nil
}

func (c *BreakerConfig) applyDefaults() {
	defaults := DefaultBreakerConfig()
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = defaults.RetryJitter
	}
	if c.Threshold == 0 {
		c.Threshold = defaults.Threshold
	}
	if c.Window == 0 {
		c.Window = defaults.Window
	}
	if c.Cooldown == 0 {
		c.Cooldown = defaults.Cooldown
	}
}

// -----------------------------------------------------------------------------
// Breaker
// -----------------------------------------------------------------------------

// Breaker retries transient failures and stops calling a store that keeps
// failing.
//
// Thread Safety: Safe for concurrent use from multiple goroutines.
type Breaker struct {
	config BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    BreakerState
	openedAt time.Time
	probing  bool
	failures []time.Time
	next     int
}

// NewBreaker creates a closed breaker. Zero config fields take defaults.
func NewBreaker(config BreakerConfig, logger *slog.Logger) (*Breaker, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		config:   config,
		logger:   logger,
		now:      time.Now,
		failures: make([]time.Time, config.Threshold),
	}, nil
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn with retry and circuit breaker protection.
//
// # Inputs
//
//   - ctx: Cancels backoff waits.
//   - fn: The store operation.
//
// # Outputs
//
//   - error: ErrCircuitOpen when rejected, otherwise the last failure
//     wrapped with store context.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	span := trace.SpanFromContext(ctx)

	probe, err := b.admit()
	if err != nil {
		span.SetStatus(codes.Error, "circuit open")
		return err
	}
	if probe {
		defer b.endProbe()
	}

	var lastErr error
	for attempt := 0; attempt <= b.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := b.backoff(attempt)
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.Int64("backoff_ms", backoff.Milliseconds()),
			))
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn()
		if lastErr == nil {
			b.recordSuccess()
			return nil
		}
		if !isRetryable(lastErr) {
			break
		}
	}

	// A cancelled caller says nothing about store health.
	if !errors.Is(lastErr, context.Canceled) {
		b.recordFailure()
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all retries failed")
	return wrapStoreError(lastErr)
}

// admit decides whether a call may proceed; probe reports that the call is
// the half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			return false, ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.probing {
			return false, ErrCircuitOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) endProbe() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
		for i := range b.failures {
			b.failures[i] = time.Time{}
		}
		b.next = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == StateHalfOpen {
		b.openedAt = now
		b.transition(StateOpen)
		return
	}

	b.failures[b.next] = now
	b.next = (b.next + 1) % len(b.failures)

	windowStart := now.Add(-b.config.Window)
	count := 0
	for _, t := range b.failures {
		if !t.IsZero() && t.After(windowStart) {
			count++
		}
	}
	if count >= b.config.Threshold && b.state != StateOpen {
		b.openedAt = now
		b.transition(StateOpen)
		b.logger.Warn("vector store circuit breaker opened",
			slog.Int("failures", count),
			slog.Duration("window", b.config.Window))
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.logger.Info("vector store breaker state transition",
		slog.String("from", b.state.String()),
		slog.String("to", to.String()))
	b.state = to
}

// backoff returns base * 2^attempt with jitter, capped.
func (b *Breaker) backoff(attempt int) time.Duration {
	backoff := b.config.RetryBackoff * time.Duration(1<<attempt)
	if backoff > b.config.MaxRetryBackoff {
		backoff = b.config.MaxRetryBackoff
	}
	jitterRange := float64(backoff) * b.config.RetryJitter
	backoff = time.Duration(float64(backoff) + (rand.Float64()*2-1)*jitterRange)
	if backoff < 0 {
		backoff = b.config.RetryBackoff
	}
	return backoff
}

// isRetryable reports whether err is worth another attempt: timeouts,
// connection failures and 5xx responses.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) {
		if clientErr.IsUnexpectedStatusCode {
			return clientErr.StatusCode >= 500
		}
		return clientErr.DerivedFromError != nil && isRetryable(clientErr.DerivedFromError)
	}
	return false
}

func wrapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrStoreTimeout, err)
	}
	return fmt.Errorf("vector store error: %w", err)
}
