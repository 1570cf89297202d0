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
	"fmt"
	"sync"
	"time"
)

// ThrottlePolicy decides what happens to a caller over its limit.
type ThrottlePolicy string

const (
	// ThrottleReject fails the call at once with a ThrottleError.
	ThrottleReject ThrottlePolicy = "reject"

	// ThrottleWait suspends the caller until a slot frees up, re-checking
	// after every wait.
	ThrottleWait ThrottlePolicy = "wait"
)

// ThrottleConfig configures the Throttler.
type ThrottleConfig struct {
	// RateLimit is the number of calls admitted per Window. Default: 60.
	RateLimit int `yaml:"rate_limit"`

	// Window is the sliding period. Default: 60s.
	Window time.Duration `yaml:"window"`

	// Policy is ThrottleReject or ThrottleWait. Default: ThrottleWait.
	Policy ThrottlePolicy `yaml:"policy"`

	// MaxWait caps how long ThrottleWait suspends a caller in total; beyond
	// it the call is rejected. Zero means wait as long as the context allows.
	MaxWait time.Duration `yaml:"max_wait"`
}

// DefaultThrottleConfig returns 60 calls per minute, waiting when exceeded.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{RateLimit: 60, Window: time.Minute, Policy: ThrottleWait}
}

// Throttler is a per-caller sliding-window admission gate.
//
// # Description
//
// For each caller the Throttler keeps the timestamps of admitted calls in
// the current window. A check prunes timestamps at or before now-Window;
// if fewer than RateLimit remain the call is admitted and recorded.
// Otherwise the caller must wait until the oldest timestamp leaves the
// window.
//
// Under ThrottleWait the caller sleeps for that wait and checks again, in a
// loop, so a bursty caller is never admitted before the window really has
// room.
//
// # Thread Safety
//
// Safe for concurrent use. Windows live in a sync.Map and each has its own
// mutex, so different callers never contend.
type Throttler struct {
	config  ThrottleConfig
	windows sync.Map // caller -> *throttleWindow
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

type throttleWindow struct {
	mu     sync.Mutex
	stamps []time.Time
	dead   bool
}

// NewThrottler creates a Throttler from config, filling in defaults.
func NewThrottler(config ThrottleConfig) *Throttler {
	return newThrottlerWithClock(config, time.Now, sleepContext)
}

func newThrottlerWithClock(config ThrottleConfig, now func() time.Time, sleep func(context.Context, time.Duration) error) *Throttler {
	defaults := DefaultThrottleConfig()
	if config.RateLimit <= 0 {
		config.RateLimit = defaults.RateLimit
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.Policy != ThrottleReject {
		config.Policy = ThrottleWait
	}
	return &Throttler{config: config, now: now, sleep: sleep}
}

// Config returns the effective configuration.
func (t *Throttler) Config() ThrottleConfig {
	return t.config
}

// Admit checks caller without blocking.
//
// # Outputs
//
//   - bool: true if the call is admitted (and recorded).
//   - time.Duration: when not admitted, how long until a slot frees up.
func (t *Throttler) Admit(caller string) (bool, time.Duration) {
	for {
		w := t.windowFor(caller)
		w.mu.Lock()
		if w.dead {
			// Swept between lookup and lock; fetch the replacement.
			w.mu.Unlock()
			continue
		}

		now := t.now()
		cutoff := now.Add(-t.config.Window)
		i := 0
		for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
			i++
		}
		w.stamps = w.stamps[i:]

		if len(w.stamps) < t.config.RateLimit {
			w.stamps = append(w.stamps, now)
			w.mu.Unlock()
			return true, 0
		}
		wait := t.config.Window - now.Sub(w.stamps[0])
		w.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		return false, wait
	}
}

// Acquire gates caller according to the configured policy.
//
// # Description
//
// ThrottleReject returns a *ThrottleError immediately when the caller is
// over its limit. ThrottleWait suspends and re-checks until admitted, the
// context ends, or MaxWait would be exceeded.
//
// # Outputs
//
//   - error: nil when admitted; *ThrottleError (matches ErrThrottleExceeded)
//     when rejected; the context error when cancelled while waiting.
func (t *Throttler) Acquire(ctx context.Context, caller string) error {
	start := t.now()
	waited := time.Duration(0)
	for {
		ok, wait := t.Admit(caller)
		if ok {
			if waited > 0 {
				recordThrottle(ctx, "delayed")
				recordThrottleWait(ctx, t.now().Sub(start))
			} else {
				recordThrottle(ctx, "admitted")
			}
			return nil
		}
		if t.config.Policy == ThrottleReject ||
			(t.config.MaxWait > 0 && waited+wait > t.config.MaxWait) {
			recordThrottle(ctx, "rejected")
			return &ThrottleError{Caller: caller, RetryAfter: wait}
		}
		if err := t.sleep(ctx, wait); err != nil {
			recordThrottle(ctx, "cancelled")
			return fmt.Errorf("waiting for admission: %w", err)
		}
		waited += wait
	}
}

// Sweep drops windows whose calls have all left the window and returns how
// many callers were removed. Call it periodically to bound memory.
func (t *Throttler) Sweep() int {
	removed := 0
	cutoff := t.now().Add(-t.config.Window)
	t.windows.Range(func(key, value any) bool {
		w := value.(*throttleWindow)
		w.mu.Lock()
		if len(w.stamps) == 0 || !w.stamps[len(w.stamps)-1].After(cutoff) {
			w.dead = true
			t.windows.Delete(key)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (t *Throttler) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func (t *Throttler) windowFor(caller string) *throttleWindow {
	if w, ok := t.windows.Load(caller); ok {
		return w.(*throttleWindow)
	}
	w, _ := t.windows.LoadOrStore(caller, &throttleWindow{})
	return w.(*throttleWindow)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
