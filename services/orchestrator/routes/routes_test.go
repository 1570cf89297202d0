// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianComplete/pkg/extensions"
	"github.com/AleutianAI/AleutianComplete/services/completion"
	"github.com/AleutianAI/AleutianComplete/services/llm"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// staticModel always returns the same sequence.
type staticModel struct{}

func (staticModel) Generate(_ context.Context, _ string, _ llm.GenerationParams, _ int) ([]string, error) {
	return []string{"    return x * 2"}, nil
}

func (staticModel) GenerateStream(_ context.Context, _ string, _ llm.GenerationParams, _ int) (llm.SequenceStream, error) {
	return llm.NewSliceStream("    return x * 2"), nil
}

func newHandler(t *testing.T, anonymous bool) *handlers.CompletionHandler {
	t.Helper()
	engine, err := completion.NewOrchestrator(completion.DefaultConfig(), completion.Dependencies{Model: staticModel{}})
	require.NoError(t, err)
	return handlers.NewCompletionHandler(engine, anonymous, nil, nil)
}

func serve(router *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersAPI(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newHandler(t, true), Options{Gatherer: prometheus.NewRegistry()})

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/completions"},
		{"POST", "/v1/completions/stream"},
		{"POST", "/v1/feedback"},
		{"GET", "/v1/preferences"},
		{"POST", "/v1/preferences"},
		{"DELETE", "/v1/preferences"},
		{"GET", "/v1/languages"},
		{"POST", "/v1/languages/detect"},
		{"GET", "/v1/cache/stats"},
		{"DELETE", "/v1/cache"},
		{"POST", "/v1/snippets"},
		{"GET", "/v1/profiles"},
	}

	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		assert.True(t, found, "route %s %s not registered", want.method, want.path)
	}
}

func TestSetupRoutes_MetricsOptional(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newHandler(t, true), Options{})

	w := serve(router, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metrics.RecordRequest(observability.EndpointCompletions, true, 0.05)

	router := gin.New()
	SetupRoutes(router, newHandler(t, true), Options{Gatherer: reg})

	w := serve(router, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aleutian_completion_http_requests_total")
}

func TestSetupRoutes_AnonymousServesLocalUser(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newHandler(t, true), Options{})

	w := serve(router, http.MethodPost, "/v1/completions", "", `{"code_context":"def double(x):\n","file_path":"m.py"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "return x * 2")

	// The no-op provider grants admin to the local user.
	w = serve(router, http.MethodGet, "/v1/cache/stats", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRoutes_TokenAuth(t *testing.T) {
	opts := extensions.DefaultOptions().WithAuth(
		extensions.NewStaticTokenAuthProvider(map[string]string{
			"tok-alice": "alice",
			"tok-root":  "root",
		}, "root"),
	)
	router := gin.New()
	SetupRoutes(router, newHandler(t, false), Options{Extensions: opts})

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
	}{
		{"health needs no token", "GET", "/health", "", http.StatusOK},
		{"missing token", "GET", "/v1/languages", "", http.StatusUnauthorized},
		{"unknown token", "GET", "/v1/languages", "tok-eve", http.StatusUnauthorized},
		{"valid token", "GET", "/v1/languages", "tok-alice", http.StatusOK},
		{"admin route as user", "GET", "/v1/cache/stats", "tok-alice", http.StatusForbidden},
		{"admin route as admin", "GET", "/v1/cache/stats", "tok-root", http.StatusOK},
		{"purge as admin", "DELETE", "/v1/cache", "tok-root", http.StatusOK},
		{"reset own preferences", "DELETE", "/v1/preferences", "tok-alice", http.StatusNoContent},
		{"index as user", "POST", "/v1/snippets", "tok-alice", http.StatusForbidden},
		{"list profiles as user", "GET", "/v1/profiles", "tok-alice", http.StatusForbidden},
		{"list profiles as admin", "GET", "/v1/profiles", "tok-root", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, tt.method, tt.path, tt.token, "")
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestSetupRoutes_IngressLimit(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newHandler(t, true), Options{
		Limiter: middleware.NewIngressLimiter(1, 2, time.Minute),
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/v1/languages", "", "").Code)
	}
	w := serve(router, http.MethodGet, "/v1/languages", "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Health is outside the limited group.
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/health", "", "").Code)
}

func TestSetupRoutes_NotFound(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newHandler(t, true), Options{})

	w := serve(router, http.MethodGet, "/v1/chat/direct", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"not found"}`, w.Body.String())
}
