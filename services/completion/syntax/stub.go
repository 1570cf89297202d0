// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !cgo

package syntax

import (
	"context"
)

// Checker is the non-CGO fallback. Tree-sitter needs CGO, so every
// language reports as unsupported and valid.
type Checker struct{}

// NewChecker creates a Checker.
func NewChecker() *Checker {
	return &Checker{}
}

// IsAvailable reports whether tree-sitter parsing is compiled in.
func IsAvailable() bool {
	return false
}

// Check always returns an unsupported, valid report.
func (c *Checker) Check(ctx context.Context, code string, lang string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	return Report{Supported: false, Valid: true}, nil
}
