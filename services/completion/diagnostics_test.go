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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianComplete/services/policy_engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type funcProvider struct {
	name string
	fn   func(ctx context.Context) (DiagnosticsBundle, error)
}

func (p *funcProvider) Name() string { return p.name }

func (p *funcProvider) Analyze(ctx context.Context, _, _ string, _ Language) (DiagnosticsBundle, error) {
	return p.fn(ctx)
}

func TestDiagnosticsRunner_MergesAndSorts(t *testing.T) {
	r := NewDiagnosticsRunner([]DiagnosticsProvider{
		&funcProvider{name: "one", fn: func(context.Context) (DiagnosticsBundle, error) {
			return DiagnosticsBundle{Errors: []Diagnostic{{Line: 5, Column: 1, Message: "late"}}}, nil
		}},
		&funcProvider{name: "two", fn: func(context.Context) (DiagnosticsBundle, error) {
			return DiagnosticsBundle{
				Errors:   []Diagnostic{{Line: 1, Column: 3, Message: "early"}},
				Warnings: []Diagnostic{{Line: 2, Column: 1, Message: "warn", Source: "custom"}},
			}, nil
		}},
	}, 0, nil)

	got := r.Run(context.Background(), "code", "", LangPython)

	require.Len(t, got.Errors, 2)
	assert.Equal(t, "early", got.Errors[0].Message)
	assert.Equal(t, "two", got.Errors[0].Source)
	assert.Equal(t, "one", got.Errors[1].Source)
	require.Len(t, got.Warnings, 1)
	assert.Equal(t, "custom", got.Warnings[0].Source, "provider-set source is kept")
}

func TestDiagnosticsRunner_Degrades(t *testing.T) {
	healthy := &funcProvider{name: "healthy", fn: func(context.Context) (DiagnosticsBundle, error) {
		return DiagnosticsBundle{StyleIssues: []Diagnostic{{Line: 1, Column: 1, Message: "ok"}}}, nil
	}}

	tests := []struct {
		name   string
		broken DiagnosticsProvider
	}{
		{"error", &funcProvider{name: "broken", fn: func(context.Context) (DiagnosticsBundle, error) {
			return DiagnosticsBundle{Errors: []Diagnostic{{Message: "partial"}}}, errors.New("linter missing")
		}}},
		{"panic", &funcProvider{name: "broken", fn: func(context.Context) (DiagnosticsBundle, error) {
			panic("nil map")
		}}},
		{"timeout", &funcProvider{name: "broken", fn: func(ctx context.Context) (DiagnosticsBundle, error) {
			<-ctx.Done()
			return DiagnosticsBundle{}, ctx.Err()
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewDiagnosticsRunner([]DiagnosticsProvider{tt.broken, healthy}, 20*time.Millisecond, nil)
			got := r.Run(context.Background(), "code", "", LangPython)
			assert.Empty(t, got.Errors)
			require.Len(t, got.StyleIssues, 1)
			assert.Equal(t, "healthy", got.StyleIssues[0].Source)
		})
	}
}

func TestDiagnosticsRunner_AbandonsProviderIgnoringContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	stuck := &funcProvider{name: "stuck", fn: func(context.Context) (DiagnosticsBundle, error) {
		<-release
		return DiagnosticsBundle{Errors: []Diagnostic{{Message: "too late"}}}, nil
	}}
	healthy := &funcProvider{name: "healthy", fn: func(context.Context) (DiagnosticsBundle, error) {
		return DiagnosticsBundle{StyleIssues: []Diagnostic{{Line: 1, Column: 1, Message: "ok"}}}, nil
	}}
	r := NewDiagnosticsRunner([]DiagnosticsProvider{stuck, healthy}, 20*time.Millisecond, nil)

	done := make(chan DiagnosticsBundle, 1)
	go func() { done <- r.Run(context.Background(), "code", "", LangPython) }()

	select {
	case got := <-done:
		assert.Empty(t, got.Errors)
		require.Len(t, got.StyleIssues, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("Run waited for a provider past its timeout")
	}
	close(release)
}

func TestDiagnosticsRunner_NoProviders(t *testing.T) {
	got := NewDiagnosticsRunner(nil, 0, nil).Run(context.Background(), "code", "", LangGo)
	assert.True(t, got.Empty())
}

func TestSyntaxProvider(t *testing.T) {
	p := &SyntaxProvider{Checker: &fakeSyntax{}}
	got, err := p.Analyze(context.Background(), "x = 1\ny = SYNTAX_ERROR", "", LangPython)
	require.NoError(t, err)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, 2, got.Errors[0].Line)

	t.Run("warnings", func(t *testing.T) {
		got, err := p.Analyze(context.Background(), "try:\n    run()\nexcept:\n", "", LangPython)
		require.NoError(t, err)
		assert.Empty(t, got.Errors)
		require.Len(t, got.Warnings, 1)
		assert.Equal(t, Diagnostic{Line: 3, Column: 1, Message: "Bare except clause"}, got.Warnings[0])
	})
}

func TestSecurityProvider(t *testing.T) {
	engine, err := policy_engine.NewPolicyEngine()
	require.NoError(t, err)
	p := &SecurityProvider{Scanner: engine}

	got, err := p.Analyze(context.Background(), "import os\nos.system(cmd)\nx = eval(y)", "", LangPython)
	require.NoError(t, err)
	require.Len(t, got.SecurityIssues, 2)

	var messages []string
	for _, d := range got.SecurityIssues {
		messages = append(messages, d.Message)
	}
	joined := strings.Join(messages, "\n")
	assert.Contains(t, joined, "PY_OS_SYSTEM (medium)")
	assert.Contains(t, joined, "DYNAMIC_EVAL (high)")
}

func TestStyleProvider(t *testing.T) {
	p := &StyleProvider{MaxLineLength: 10}
	code := "short\nthis line is too long\nx = 1   \n\t  y = 2"

	got, err := p.Analyze(context.Background(), code, "", LangPython)
	require.NoError(t, err)
	require.Len(t, got.StyleIssues, 3)
	assert.Equal(t, 2, got.StyleIssues[0].Line)
	assert.Contains(t, got.StyleIssues[0].Message, "line too long (21 > 10)")
	assert.Equal(t, Diagnostic{Line: 3, Column: 6, Message: "trailing whitespace"}, got.StyleIssues[1])
	assert.Equal(t, 4, got.StyleIssues[2].Line)
	assert.Contains(t, got.StyleIssues[2].Message, "mixed tabs and spaces")
}
