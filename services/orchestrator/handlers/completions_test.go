// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianComplete/pkg/extensions"
	"github.com/AleutianAI/AleutianComplete/services/completion"
	"github.com/AleutianAI/AleutianComplete/services/completion/syntax"
	"github.com/AleutianAI/AleutianComplete/services/llm"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// stubModel returns fixed sequences, or err.
type stubModel struct {
	seqs   []string
	err    error
	stream llm.SequenceStream
}

func (m *stubModel) Generate(ctx context.Context, prompt string, params llm.GenerationParams, n int) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.seqs, nil
}

func (m *stubModel) GenerateStream(ctx context.Context, prompt string, params llm.GenerationParams, n int) (llm.SequenceStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.stream != nil {
		return m.stream, nil
	}
	return llm.NewSliceStream(m.seqs...), nil
}

// brokenStream yields one sequence, then fails.
type brokenStream struct {
	sent bool
}

func (s *brokenStream) Next(ctx context.Context) (string, error) {
	if !s.sent {
		s.sent = true
		return "    return a + b", nil
	}
	return "", errors.New("connection reset by model server")
}

func (s *brokenStream) Close() error { return nil }

// acceptAll reports every fragment as valid.
type acceptAll struct{}

func (acceptAll) Check(ctx context.Context, code string, lang string) (syntax.Report, error) {
	return syntax.Report{Supported: true, Valid: true}, nil
}

type testServer struct {
	router  *gin.Engine
	handler *CompletionHandler
	engine  *completion.Orchestrator
	metrics *observability.Metrics
}

type serverOption func(*completion.Config)

func withRejectAfter(n int) serverOption {
	return func(c *completion.Config) {
		c.Throttle = completion.ThrottleConfig{RateLimit: n, Window: time.Minute, Policy: completion.ThrottleReject}
	}
}

// newTestServer wires a handler over a real Orchestrator. Every request is
// authenticated as "alice".
func newTestServer(t *testing.T, model llm.CompletionModel, anonymous bool, opts ...serverOption) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := completion.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	engine, err := completion.NewOrchestrator(cfg, completion.Dependencies{
		Model:  model,
		Syntax: acceptAll{},
	})
	require.NoError(t, err)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	h := NewCompletionHandler(engine, anonymous, metrics, nil)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		middleware.SetAuthInfo(c, &extensions.AuthInfo{UserID: "alice"})
		c.Next()
	})
	r.POST("/v1/completions", h.Complete)
	r.POST("/v1/completions/stream", h.Stream)
	r.POST("/v1/feedback", h.Feedback)
	r.GET("/v1/preferences", h.GetPreferences)
	r.POST("/v1/preferences", h.UpdatePreferences)
	r.DELETE("/v1/preferences", h.ResetPreferences)
	r.POST("/v1/languages/detect", h.DetectLanguage)
	r.GET("/v1/cache/stats", h.CacheStats)
	r.DELETE("/v1/cache", h.PurgeCache)
	r.POST("/v1/snippets", h.IndexSnippets)
	r.GET("/v1/profiles", h.ListProfiles)

	return &testServer{router: r, handler: h, engine: engine, metrics: metrics}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

var pythonSequences = []string{
	"    return a + b",
	"    result = a + b\n    return result",
	"    return sum([a, b])",
}

func pythonRequest(code string) CompletionRequest {
	return CompletionRequest{CodeContext: code, FilePath: "calc.py", NumSuggestions: 2}
}

// =============================================================================
// Completions
// =============================================================================

func TestComplete_Success(t *testing.T) {
	s := newTestServer(t, &stubModel{seqs: pythonSequences}, false)

	w := s.do(t, http.MethodPost, "/v1/completions", pythonRequest("def add(a, b):\n"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp completion.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, completion.LangPython, resp.Language)
	assert.False(t, resp.CacheHit)
	require.Len(t, resp.Suggestions, 2)
	for _, sug := range resp.Suggestions {
		assert.Contains(t, pythonSequences, sug.Text)
		assert.Equal(t, completion.LangPython, sug.Language)
	}
	assert.GreaterOrEqual(t, resp.Suggestions[0].Score, resp.Suggestions[1].Score)

	t.Run("repeat is served from cache", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/v1/completions", pythonRequest("def add(a, b):\n"))
		require.Equal(t, http.StatusOK, w.Code)
		var again completion.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
		assert.True(t, again.CacheHit)
		assert.Equal(t, resp.Suggestions, again.Suggestions)
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.RequestsTotal.WithLabelValues("completions", "success")))
}

func TestComplete_Errors(t *testing.T) {
	tests := []struct {
		name       string
		model      *stubModel
		body       any
		wantStatus int
		wantKind   string
	}{
		{
			name:       "malformed json",
			model:      &stubModel{seqs: pythonSequences},
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_request",
		},
		{
			name:       "negative suggestion count",
			model:      &stubModel{seqs: pythonSequences},
			body:       CompletionRequest{CodeContext: "x = 1\n", NumSuggestions: -1},
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_request",
		},
		{
			name:       "too many suggestions",
			model:      &stubModel{seqs: pythonSequences},
			body:       CompletionRequest{CodeContext: "x = 1\n", NumSuggestions: completion.MaxSuggestions + 1},
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_request",
		},
		{
			name:       "model failure",
			model:      &stubModel{err: errors.New("dial tcp 10.0.0.7:11434: connection refused")},
			body:       pythonRequest("def add(a, b):\n"),
			wantStatus: http.StatusBadGateway,
			wantKind:   "generation_failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.model, false)
			w := s.do(t, http.MethodPost, "/v1/completions", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantKind, resp.Kind)
			assert.NotContains(t, resp.Error, "10.0.0.7", "internal causes stay server-side")
		})
	}
}

func TestComplete_Throttled(t *testing.T) {
	s := newTestServer(t, &stubModel{seqs: pythonSequences}, false, withRejectAfter(1))

	w := s.do(t, http.MethodPost, "/v1/completions", pythonRequest("def add(a, b):\n"))
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/v1/completions", pythonRequest("def sub(a, b):\n"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retry, 0)
	assert.LessOrEqual(t, retry, 60)

	t.Run("cache hits bypass the throttle", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/v1/completions", pythonRequest("def add(a, b):\n"))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.ErrorsTotal.WithLabelValues("completions", "throttled")))
}

// =============================================================================
// Streaming
// =============================================================================

// parseEvents splits an SSE body into its decoded events.
func parseEvents(t *testing.T, body string) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var data string
		for _, line := range strings.Split(block, "\n") {
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		require.NotEmpty(t, data, "event block without data: %q", block)
		var ev StreamEvent
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
	}
	return events
}

func TestStream_Success(t *testing.T) {
	s := newTestServer(t, &stubModel{seqs: pythonSequences}, false)

	w := s.do(t, http.MethodPost, "/v1/completions/stream", pythonRequest("def add(a, b):\n"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	events := parseEvents(t, w.Body.String())
	require.GreaterOrEqual(t, len(events), 2)

	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Type)
	final := events[len(events)-2]
	require.Equal(t, EventSnapshot, final.Type)
	require.NotNil(t, final.Snapshot)
	assert.True(t, final.Snapshot.Final)
	assert.Len(t, final.Snapshot.Suggestions, 2)
	assert.Equal(t, final.Snapshot.RequestID, last.RequestID)

	for i, ev := range events[:len(events)-1] {
		assert.Equal(t, EventSnapshot, ev.Type)
		assert.LessOrEqual(t, len(ev.Snapshot.Suggestions), 2, "event %d", i)
		assert.Equal(t, i == len(events)-2, ev.Snapshot.Final, "only the last snapshot is final")
	}

	t.Run("events are hash chained", func(t *testing.T) {
		prev := ""
		for _, ev := range events {
			assert.Equal(t, prev, ev.PrevHash)
			want, err := eventHash(ev)
			require.NoError(t, err)
			assert.Equal(t, want, ev.Hash)
			prev = ev.Hash
		}
	})

	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.ActiveStreams))
	assert.Equal(t, float64(len(events)-1), testutil.ToFloat64(s.metrics.SnapshotsTotal))
}

func TestStream_CacheHitEmitsOneSnapshot(t *testing.T) {
	s := newTestServer(t, &stubModel{seqs: pythonSequences}, false)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/completions", pythonRequest("def add(a, b):\n")).Code)

	w := s.do(t, http.MethodPost, "/v1/completions/stream", pythonRequest("def add(a, b):\n"))
	events := parseEvents(t, w.Body.String())
	require.Len(t, events, 2)
	assert.True(t, events[0].Snapshot.CacheHit)
	assert.True(t, events[0].Snapshot.Final)
	assert.Equal(t, EventDone, events[1].Type)
}

func TestStream_ErrorBeforeFirstEventIsJSON(t *testing.T) {
	s := newTestServer(t, &stubModel{err: errors.New("model offline")}, false)

	w := s.do(t, http.MethodPost, "/v1/completions/stream", pythonRequest("def add(a, b):\n"))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "generation_failure", resp.Kind)
}

func TestStream_ErrorAfterFirstEventIsEvent(t *testing.T) {
	s := newTestServer(t, &stubModel{stream: &brokenStream{}}, false)

	w := s.do(t, http.MethodPost, "/v1/completions/stream", pythonRequest("def add(a, b):\n"))
	require.Equal(t, http.StatusOK, w.Code)

	events := parseEvents(t, w.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, EventSnapshot, events[0].Type)
	assert.False(t, events[0].Snapshot.Final)
	assert.Equal(t, EventError, events[1].Type)
	assert.Equal(t, "generation_failure", events[1].Kind)
	assert.NotContains(t, events[1].Error, "connection reset")

	t.Run("failed stream is not cached", func(t *testing.T) {
		assert.Equal(t, 0, s.engine.Cache().Len())
	})
}

// =============================================================================
// Feedback and Preferences
// =============================================================================

func TestFeedback(t *testing.T) {
	accepted := true

	t.Run("recorded for the authenticated user", func(t *testing.T) {
		s := newTestServer(t, &stubModel{}, false)
		w := s.do(t, http.MethodPost, "/v1/feedback", FeedbackRequest{
			UserID: "mallory", CodeSnippet: "return a + b", Accepted: &accepted,
		})
		require.Equal(t, http.StatusNoContent, w.Code)

		ctx := context.Background()
		assert.Len(t, s.engine.Profiles().ProfileFor(ctx, "alice").Feedback, 1)
		assert.Empty(t, s.engine.Profiles().ProfileFor(ctx, "mallory").Feedback)
	})

	t.Run("body user honored without authentication", func(t *testing.T) {
		s := newTestServer(t, &stubModel{}, true)
		w := s.do(t, http.MethodPost, "/v1/feedback", FeedbackRequest{
			UserID: "bob", CodeSnippet: "return a + b", Accepted: &accepted,
		})
		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Len(t, s.engine.Profiles().ProfileFor(context.Background(), "bob").Feedback, 1)
	})

	t.Run("accepted is required", func(t *testing.T) {
		s := newTestServer(t, &stubModel{}, false)
		w := s.do(t, http.MethodPost, "/v1/feedback", `{"code_snippet":"x"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("blank snippet is invalid", func(t *testing.T) {
		s := newTestServer(t, &stubModel{}, false)
		w := s.do(t, http.MethodPost, "/v1/feedback", FeedbackRequest{CodeSnippet: "   ", Accepted: &accepted})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPreferences(t *testing.T) {
	s := newTestServer(t, &stubModel{}, false)

	w := s.do(t, http.MethodGet, "/v1/preferences", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var empty PreferencesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &empty))
	assert.Equal(t, "alice", empty.UserID)
	assert.Empty(t, empty.Preferences)
	assert.Nil(t, empty.UpdatedAt)

	w = s.do(t, http.MethodPost, "/v1/preferences", PreferencesRequest{
		Preferences: map[string]string{"indent": "tabs", "quotes": "single"},
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/v1/preferences", nil)
	var got PreferencesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, map[string]string{"indent": "tabs", "quotes": "single"}, got.Preferences)
	assert.NotNil(t, got.UpdatedAt)

	t.Run("preferences are required", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/v1/preferences", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("reset", func(t *testing.T) {
		w := s.do(t, http.MethodDelete, "/v1/preferences", nil)
		require.Equal(t, http.StatusNoContent, w.Code)

		w = s.do(t, http.MethodGet, "/v1/preferences", nil)
		var reset PreferencesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reset))
		assert.Empty(t, reset.Preferences)
		assert.Zero(t, reset.Feedback)
	})
}

// =============================================================================
// Snippets and Profiles
// =============================================================================

type stubIndexer struct {
	got []string
	err error
}

func (i *stubIndexer) AddSnippets(ctx context.Context, snippets []string) (int, error) {
	if i.err != nil {
		return 0, i.err
	}
	i.got = append(i.got, snippets...)
	return len(snippets), nil
}

func TestIndexSnippets(t *testing.T) {
	body := SnippetsRequest{Snippets: []string{"def add(a, b):\n    return a + b\n"}}

	t.Run("retrieval disabled", func(t *testing.T) {
		s := newTestServer(t, &stubModel{}, false)
		w := s.do(t, http.MethodPost, "/v1/snippets", body)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("indexes", func(t *testing.T) {
		s := newTestServer(t, &stubModel{}, false)
		idx := &stubIndexer{}
		s.handler.WithIndexer(idx)

		w := s.do(t, http.MethodPost, "/v1/snippets", body)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"indexed":1}`, w.Body.String())
		assert.Equal(t, body.Snippets, idx.got)
	})

	t.Run("empty list", func(t *testing.T) {
		s := newTestServer(t, &stubModel{}, false)
		s.handler.WithIndexer(&stubIndexer{})
		w := s.do(t, http.MethodPost, "/v1/snippets", `{"snippets":[]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		s := newTestServer(t, &stubModel{}, false)
		s.handler.WithIndexer(&stubIndexer{err: errors.New("weaviate: connection refused")})
		w := s.do(t, http.MethodPost, "/v1/snippets", body)
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.NotContains(t, w.Body.String(), "connection refused")
	})
}

func TestListProfiles(t *testing.T) {
	s := newTestServer(t, &stubModel{}, false)
	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/v1/preferences", PreferencesRequest{
		Preferences: map[string]string{"indent": "tabs"},
	}).Code)

	w := s.do(t, http.MethodGet, "/v1/profiles", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp ProfilesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"alice"}, resp.Users)
}

// =============================================================================
// Language Detection and Cache Admin
// =============================================================================

func TestDetectLanguage(t *testing.T) {
	s := newTestServer(t, &stubModel{}, false)

	tests := []struct {
		name string
		body DetectRequest
		want completion.Language
	}{
		{"extension wins", DetectRequest{FilePath: "cmd/main.go", Code: "def f():\n    pass\n"}, completion.LangGo},
		{"content only", DetectRequest{Code: "def f(self):\n    return None\n"}, completion.LangPython},
		{"unknown extension falls back to content", DetectRequest{FilePath: "notes.txt", Code: "fn main() {\n    let mut x = 1;\n}\n"}, completion.LangRust},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/v1/languages/detect", tt.body)
			require.Equal(t, http.StatusOK, w.Code)
			var resp DetectResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Language)
		})
	}

	t.Run("empty body", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/v1/languages/detect", DetectRequest{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCacheAdmin(t *testing.T) {
	s := newTestServer(t, &stubModel{seqs: pythonSequences}, false)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/completions", pythonRequest("def add(a, b):\n")).Code)

	w := s.do(t, http.MethodGet, "/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats completion.CacheStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Entries)

	w = s.do(t, http.MethodDelete, "/v1/cache", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"purged":1}`, w.Body.String())
	assert.Equal(t, 0, s.engine.Cache().Len())
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	state := "closed"
	r := gin.New()
	r.GET("/health", Health("1.2.3", map[string]HealthCheck{
		"retrieval": func(context.Context) string { return state },
	}))

	get := func() map[string]any {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		return body
	}

	body := get()
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])

	state = "open"
	body = get()
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"retrieval": "open"}, body["components"])
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "1", retryAfterSeconds(0))
	assert.Equal(t, "1", retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, "3", retryAfterSeconds(2100*time.Millisecond))
}
