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
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianComplete/services/policy_engine"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Provider interface
// =============================================================================

// DiagnosticsProvider analyzes the code around the cursor.
type DiagnosticsProvider interface {
	// Name identifies the provider in logs, metrics and Diagnostic.Source.
	Name() string

	// Analyze returns what the provider found. Returning an error skips this
	// provider for the request; it never fails the request.
	Analyze(ctx context.Context, code, filePath string, lang Language) (DiagnosticsBundle, error)
}

// SecurityScanner audits code line by line.
// *policy_engine.PolicyEngine implements it.
type SecurityScanner interface {
	Scan(code, lang string) []policy_engine.Finding
}

// =============================================================================
// Runner
// =============================================================================

// DiagnosticsRunner runs every provider concurrently and merges the results.
//
// # Description
//
// A provider that errors, panics or outlives the timeout is logged and left
// out, so the bundle degrades to whatever the other providers found. Merged
// results are in provider registration order, then sorted by position within
// each category.
//
// # Thread Safety
//
// Safe for concurrent use.
type DiagnosticsRunner struct {
	providers []DiagnosticsProvider
	timeout   time.Duration
	logger    *slog.Logger
}

// NewDiagnosticsRunner creates a runner. A zero timeout means no
// per-provider deadline beyond the request context.
func NewDiagnosticsRunner(providers []DiagnosticsProvider, timeout time.Duration, logger *slog.Logger) *DiagnosticsRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiagnosticsRunner{providers: providers, timeout: timeout, logger: logger}
}

// Run analyzes code with every provider. It never fails.
func (r *DiagnosticsRunner) Run(ctx context.Context, code, filePath string, lang Language) DiagnosticsBundle {
	ctx, span := tracer.Start(ctx, "completion.Diagnostics")
	defer span.End()
	span.SetAttributes(
		attribute.String("language", string(lang)),
		attribute.Int("providers", len(r.providers)),
	)
	defer recordStage(ctx, "diagnostics", time.Now())

	results := make([]DiagnosticsBundle, len(r.providers))
	var g errgroup.Group
	for i, p := range r.providers {
		g.Go(func() error {
			bundle, err := r.runOne(ctx, p, code, filePath, lang)
			if err != nil {
				r.logger.Warn("Diagnostics provider failed, skipping",
					"provider", p.Name(), "language", lang, "error", err)
				recordProviderFailure(ctx, p.Name())
				return nil
			}
			for _, group := range []*[]Diagnostic{&bundle.Errors, &bundle.Warnings, &bundle.StyleIssues, &bundle.SecurityIssues} {
				for j := range *group {
					if (*group)[j].Source == "" {
						(*group)[j].Source = p.Name()
					}
				}
			}
			results[i] = bundle
			return nil
		})
	}
	_ = g.Wait()

	var merged DiagnosticsBundle
	for _, b := range results {
		merged.Merge(b)
	}
	sortDiagnostics(merged.Errors)
	sortDiagnostics(merged.Warnings)
	sortDiagnostics(merged.StyleIssues)
	sortDiagnostics(merged.SecurityIssues)
	return merged
}

// runOne runs p on its own goroutine so a provider that ignores ctx is
// abandoned at the deadline instead of holding up the request. The
// abandoned goroutine exits when the provider returns.
func (r *DiagnosticsRunner) runOne(ctx context.Context, p DiagnosticsProvider, code, filePath string, lang Language) (DiagnosticsBundle, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type result struct {
		bundle DiagnosticsBundle
		err    error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if rec := recover(); rec != nil {
				res = result{err: fmt.Errorf("provider panicked: %v", rec)}
			}
			done <- res
		}()
		res.bundle, res.err = p.Analyze(ctx, code, filePath, lang)
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return DiagnosticsBundle{}, fmt.Errorf("%w: %w", ErrDiagnosticsUnavailable, res.err)
		}
		return res.bundle, nil
	case <-ctx.Done():
		return DiagnosticsBundle{}, fmt.Errorf("%w: %w", ErrDiagnosticsUnavailable, ctx.Err())
	}
}

func sortDiagnostics(ds []Diagnostic) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Line != ds[j].Line {
			return ds[i].Line < ds[j].Line
		}
		return ds[i].Column < ds[j].Column
	})
}

// =============================================================================
// Built-in providers
// =============================================================================

// SyntaxProvider reports parse errors in the surrounding code as Errors and
// error-handling smells as Warnings.
type SyntaxProvider struct {
	Checker SyntaxChecker
}

func (p *SyntaxProvider) Name() string { return "syntax" }

func (p *SyntaxProvider) Analyze(ctx context.Context, code, _ string, lang Language) (DiagnosticsBundle, error) {
	report, err := p.Checker.Check(ctx, code, string(lang))
	if err != nil {
		return DiagnosticsBundle{}, err
	}
	var bundle DiagnosticsBundle
	for _, issue := range report.Issues {
		bundle.Errors = append(bundle.Errors, Diagnostic{
			Line:    issue.Line,
			Column:  issue.Column,
			Message: issue.Message,
		})
	}
	for _, w := range report.Warnings {
		bundle.Warnings = append(bundle.Warnings, Diagnostic{
			Line:    w.Line,
			Column:  w.Column,
			Message: w.Message,
		})
	}
	return bundle, nil
}

// SecurityProvider reports every denylist finding as a SecurityIssue,
// whatever its severity.
type SecurityProvider struct {
	Scanner SecurityScanner
}

func (p *SecurityProvider) Name() string { return "security" }

func (p *SecurityProvider) Analyze(_ context.Context, code, _ string, lang Language) (DiagnosticsBundle, error) {
	var bundle DiagnosticsBundle
	for _, f := range p.Scanner.Scan(code, string(lang)) {
		bundle.SecurityIssues = append(bundle.SecurityIssues, Diagnostic{
			Line:    f.LineNumber,
			Column:  f.Column,
			Message: fmt.Sprintf("%s (%s): %s", f.RuleId, f.Severity, f.Description),
		})
	}
	return bundle, nil
}

// StyleProvider flags long lines, trailing whitespace and mixed
// indentation.
type StyleProvider struct {
	// MaxLineLength defaults to 120.
	MaxLineLength int
}

func (p *StyleProvider) Name() string { return "style" }

func (p *StyleProvider) Analyze(_ context.Context, code, _ string, _ Language) (DiagnosticsBundle, error) {
	limit := p.MaxLineLength
	if limit <= 0 {
		limit = 120
	}
	var bundle DiagnosticsBundle
	for i, line := range strings.Split(code, "\n") {
		lineNo := i + 1
		line = strings.TrimSuffix(line, "\r")
		if n := len([]rune(line)); n > limit {
			bundle.StyleIssues = append(bundle.StyleIssues, Diagnostic{
				Line: lineNo, Column: limit + 1,
				Message: fmt.Sprintf("line too long (%d > %d)", n, limit),
			})
		}
		if trimmed := strings.TrimRight(line, " \t"); len(trimmed) != len(line) && trimmed != "" {
			bundle.StyleIssues = append(bundle.StyleIssues, Diagnostic{
				Line: lineNo, Column: len(trimmed) + 1,
				Message: "trailing whitespace",
			})
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if strings.Contains(indent, " ") && strings.Contains(indent, "\t") {
			bundle.StyleIssues = append(bundle.StyleIssues, Diagnostic{
				Line: lineNo, Column: 1,
				Message: "mixed tabs and spaces in indentation",
			})
		}
	}
	return bundle, nil
}
