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
	"errors"
	"fmt"
	"time"
)

// Error kinds. Every error returned by the Orchestrator matches exactly one
// of these with errors.Is.
var (
	// ErrInvalidRequest means the request failed validation. No stage ran.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrThrottleExceeded means the caller is over its rate limit.
	ErrThrottleExceeded = errors.New("throttle exceeded")

	// ErrGenerationFailure means the model collaborator failed. Nothing was
	// cached.
	ErrGenerationFailure = errors.New("generation failure")

	// ErrDiagnosticsUnavailable marks a provider that could not run. It never
	// leaves the orchestrator; diagnostics degrade to a partial bundle.
	ErrDiagnosticsUnavailable = errors.New("diagnostics unavailable")

	// ErrCancelled means the caller abandoned the request.
	ErrCancelled = errors.New("request cancelled")

	// ErrInternal covers any other fault caught at the orchestrator boundary.
	ErrInternal = errors.New("internal error")
)

// Error is a typed pipeline failure.
//
// Kind is one of the sentinel errors above; Op names the stage; Err is the
// underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Is matches the error kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ThrottleError is returned when a caller is rejected by the Throttler.
// It matches ErrThrottleExceeded.
type ThrottleError struct {
	Caller     string
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttle exceeded for %s, retry after %s", e.Caller, e.RetryAfter)
}

func (e *ThrottleError) Is(target error) bool {
	return target == ErrThrottleExceeded
}

// RetryAfter extracts the retry-after hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var te *ThrottleError
	if errors.As(err, &te) {
		return te.RetryAfter, true
	}
	return 0, false
}

// KindOf returns the sentinel kind of err, or ErrInternal for anything
// unrecognized.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrInvalidRequest, ErrThrottleExceeded, ErrGenerationFailure,
		ErrDiagnosticsUnavailable, ErrCancelled,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}
