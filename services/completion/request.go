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
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxCodeContextBytes bounds the prefix accepted per request.
	MaxCodeContextBytes = 64 * 1024

	// MaxSuggestions bounds NumSuggestions.
	MaxSuggestions = 20

	// MaxLengthTokens bounds MaxLength.
	MaxLengthTokens = 4096
)

// requestValidate is the validator instance for completion requests.
var requestValidate = validator.New()

// =============================================================================
// Request
// =============================================================================

// Request is one completion request.
//
// # Description
//
// Request is a value type; the pipeline never mutates it. CodeContext is the
// text up to the cursor. FilePath is optional and only used for language
// detection and diagnostics.
//
// # Validation
//
// Uses go-playground/validator:
//   - UserID: required
//   - CodeContext: at most MaxCodeContextBytes
//   - MaxLength: 1..MaxLengthTokens
//   - NumSuggestions: 1..MaxSuggestions
type Request struct {
	UserID         string `json:"user_id" validate:"required,max=256"`
	CodeContext    string `json:"code_context" validate:"max=65536"`
	FilePath       string `json:"file_path,omitempty" validate:"max=4096"`
	MaxLength      int    `json:"max_length" validate:"gt=0,lte=4096"`
	NumSuggestions int    `json:"num_suggestions" validate:"gt=0,lte=20"`
}

// Validate checks the request and returns an error wrapping
// ErrInvalidRequest describing the first bad field.
func (r Request) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &Error{
				Kind: ErrInvalidRequest,
				Op:   "validate",
				Err:  fmt.Errorf("field %s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()),
			}
		}
		return &Error{Kind: ErrInvalidRequest, Op: "validate", Err: err}
	}
	return nil
}

// =============================================================================
// Candidates and responses
// =============================================================================

// Candidate is one generated completion.
//
// Generation produces it with Valid unset; the filter sets Valid and the
// heuristic Score; the ranker may replace Score.
type Candidate struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
	Valid bool    `json:"valid"`
}

// Suggestion is a candidate as returned to clients.
type Suggestion struct {
	Text     string   `json:"text"`
	Language Language `json:"language"`
	Score    float64  `json:"score"`
}

// Response is the result of GetCompletions.
type Response struct {
	RequestID   string            `json:"request_id"`
	Suggestions []Suggestion      `json:"suggestions"`
	Language    Language          `json:"language"`
	Diagnostics DiagnosticsBundle `json:"diagnostics"`
	Fixes       []Fix             `json:"fixes,omitempty"`
	CacheHit    bool              `json:"cache_hit"`
}

// =============================================================================
// Diagnostics
// =============================================================================

// Diagnostic is one issue reported by an analyzer.
type Diagnostic struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// DiagnosticsBundle groups diagnostics by category. Each list is ordered by
// position.
type DiagnosticsBundle struct {
	Errors         []Diagnostic `json:"errors"`
	Warnings       []Diagnostic `json:"warnings"`
	StyleIssues    []Diagnostic `json:"style_issues"`
	SecurityIssues []Diagnostic `json:"security_issues"`
}

// Empty reports whether the bundle holds no diagnostics.
func (b DiagnosticsBundle) Empty() bool {
	return len(b.Errors) == 0 && len(b.Warnings) == 0 &&
		len(b.StyleIssues) == 0 && len(b.SecurityIssues) == 0
}

// Merge appends other's diagnostics to b.
func (b *DiagnosticsBundle) Merge(other DiagnosticsBundle) {
	b.Errors = append(b.Errors, other.Errors...)
	b.Warnings = append(b.Warnings, other.Warnings...)
	b.StyleIssues = append(b.StyleIssues, other.StyleIssues...)
	b.SecurityIssues = append(b.SecurityIssues, other.SecurityIssues...)
}

// Fingerprint is a stable digest of the bundle contents, used as cache-key
// material. Equal bundles have equal fingerprints; the empty bundle has a
// fixed fingerprint.
func (b DiagnosticsBundle) Fingerprint() string {
	h := sha256.New()
	for _, group := range []struct {
		name  string
		items []Diagnostic
	}{
		{"errors", b.Errors},
		{"warnings", b.Warnings},
		{"style", b.StyleIssues},
		{"security", b.SecurityIssues},
	} {
		writeField(h, group.name)
		for _, d := range group.items {
			writeField(h, fmt.Sprintf("%d:%d", d.Line, d.Column))
			writeField(h, d.Message)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// =============================================================================
// Cache keys
// =============================================================================

// CacheKey identifies a cached candidate set: the user, the exact code
// prefix and the diagnostics state around it.
type CacheKey string

// NewCacheKey builds the key for (userID, codeContext, fingerprint).
//
// Fields are length-prefixed before hashing so no two distinct tuples can
// collide by concatenation.
func NewCacheKey(userID, codeContext, fingerprint string) CacheKey {
	h := sha256.New()
	writeField(h, userID)
	writeField(h, codeContext)
	writeField(h, fingerprint)
	return CacheKey(hex.EncodeToString(h.Sum(nil)))
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// contentHash is the short hash used to key snippets in profiles.
func contentHash(s string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(s)))
	return hex.EncodeToString(sum[:8])
}
