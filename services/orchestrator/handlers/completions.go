// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the completion pipeline over HTTP.
//
// # Endpoints
//
//	POST   /v1/completions          ranked suggestions as JSON
//	POST   /v1/completions/stream   ranked snapshots as Server-Sent Events
//	POST   /v1/feedback             record an accepted or rejected suggestion
//	GET    /v1/preferences          the caller's stored preferences
//	POST   /v1/preferences          merge preferences into the caller's profile
//	DELETE /v1/preferences          reset the caller's profile
//	GET    /v1/languages            the detectable languages
//	POST   /v1/languages/detect     detect the language of a snippet or path
//	GET    /v1/cache/stats          candidate cache counters (admin)
//	DELETE /v1/cache                drop every cached candidate set (admin)
//	POST   /v1/snippets             embed and index code snippets (admin)
//	GET    /v1/profiles             list known profile ids (admin)
//
// The caller's identity comes from the auth middleware. When the service
// runs without authentication, a user_id in the request body is honored so
// one local server can serve several editor profiles.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianComplete/services/completion"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.completion.handlers")

// Request defaults applied when a body omits the field.
const (
	DefaultMaxLength      = 64
	DefaultNumSuggestions = 3
)

// =============================================================================
// Request / Response Types
// =============================================================================

// CompletionRequest is the body of the completion endpoints.
//
// A zero MaxLength or NumSuggestions takes the default; a negative one is
// rejected by validation.
type CompletionRequest struct {
	UserID         string `json:"user_id,omitempty"`
	CodeContext    string `json:"code_context"`
	FilePath       string `json:"file_path,omitempty"`
	MaxLength      int    `json:"max_length,omitempty"`
	NumSuggestions int    `json:"num_suggestions,omitempty"`
}

// FeedbackRequest is the body of POST /v1/feedback.
type FeedbackRequest struct {
	UserID      string `json:"user_id,omitempty"`
	CodeSnippet string `json:"code_snippet" binding:"required"`
	Accepted    *bool  `json:"accepted" binding:"required"`
}

// PreferencesRequest is the body of POST /v1/preferences.
type PreferencesRequest struct {
	UserID      string            `json:"user_id,omitempty"`
	Preferences map[string]string `json:"preferences" binding:"required"`
}

// PreferencesResponse is returned by GET /v1/preferences.
type PreferencesResponse struct {
	UserID      string            `json:"user_id"`
	Preferences map[string]string `json:"preferences"`
	Feedback    int               `json:"feedback_count"`
	UpdatedAt   *time.Time        `json:"updated_at,omitempty"`
}

// DetectRequest is the body of POST /v1/languages/detect. At least one
// field must be set.
type DetectRequest struct {
	Code     string `json:"code"`
	FilePath string `json:"file_path"`
}

// DetectResponse carries the detected language.
type DetectResponse struct {
	Language completion.Language `json:"language"`
}

// SnippetsRequest is the body of POST /v1/snippets.
type SnippetsRequest struct {
	Snippets []string `json:"snippets" binding:"required,min=1"`
}

// SnippetsResponse reports how many snippets were indexed.
type SnippetsResponse struct {
	Indexed int `json:"indexed"`
}

// ProfilesResponse is returned by GET /v1/profiles.
type ProfilesResponse struct {
	Users []string `json:"users"`
}

// ErrorResponse is the body of every JSON error.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// =============================================================================
// Handler
// =============================================================================

// SnippetIndexer adds code snippets to the retrieval index.
type SnippetIndexer interface {
	AddSnippets(ctx context.Context, snippets []string) (int, error)
}

// CompletionHandler serves the completion API.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the Orchestrator.
type CompletionHandler struct {
	engine    *completion.Orchestrator
	indexer   SnippetIndexer
	anonymous bool
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewCompletionHandler creates a handler over engine.
//
// # Inputs
//
//   - engine: The completion pipeline. Required.
//   - anonymous: True when the service runs without authentication; the
//     body's user_id then overrides the local identity.
//   - metrics: Optional; nil disables HTTP metrics.
//   - logger: Optional; defaults to slog.Default().
func NewCompletionHandler(engine *completion.Orchestrator, anonymous bool, metrics *observability.Metrics, logger *slog.Logger) *CompletionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionHandler{engine: engine, anonymous: anonymous, metrics: metrics, logger: logger}
}

// WithIndexer enables POST /v1/snippets. Without an indexer the endpoint
// answers 503.
func (h *CompletionHandler) WithIndexer(indexer SnippetIndexer) *CompletionHandler {
	h.indexer = indexer
	return h
}

// userFor resolves the caller's user id.
func (h *CompletionHandler) userFor(c *gin.Context, bodyUserID string) string {
	if h.anonymous && bodyUserID != "" {
		return bodyUserID
	}
	if info := middleware.GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return bodyUserID
}

func (h *CompletionHandler) toRequest(c *gin.Context, body CompletionRequest) completion.Request {
	if body.MaxLength == 0 {
		body.MaxLength = DefaultMaxLength
	}
	if body.NumSuggestions == 0 {
		body.NumSuggestions = DefaultNumSuggestions
	}
	return completion.Request{
		UserID:         h.userFor(c, body.UserID),
		CodeContext:    body.CodeContext,
		FilePath:       body.FilePath,
		MaxLength:      body.MaxLength,
		NumSuggestions: body.NumSuggestions,
	}
}

// Complete handles POST /v1/completions.
func (h *CompletionHandler) Complete(c *gin.Context) {
	start := time.Now()
	ctx, span := tracer.Start(c.Request.Context(), "handlers.Complete")
	defer span.End()

	var body CompletionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, observability.EndpointCompletions, start, err)
		return
	}
	req := h.toRequest(c, body)
	span.SetAttributes(attribute.String("user_id", req.UserID))

	resp, err := h.engine.GetCompletions(ctx, req)
	if err != nil {
		h.writeError(c, observability.EndpointCompletions, start, err)
		return
	}
	span.SetAttributes(
		attribute.String("request_id", resp.RequestID),
		attribute.Bool("cache_hit", resp.CacheHit),
		attribute.Int("suggestions", len(resp.Suggestions)),
	)

	h.metrics.RecordSuggestions(len(resp.Suggestions))
	h.metrics.RecordRequest(observability.EndpointCompletions, true, time.Since(start).Seconds())
	c.JSON(http.StatusOK, resp)
}

// Stream handles POST /v1/completions/stream.
//
// # Description
//
// Each ranked snapshot is written as a "snapshot" event, followed by one
// "done" event. A failure before the first event is answered with a normal
// JSON error and status code; a failure after it becomes an "error" event,
// since the status line has already been sent.
func (h *CompletionHandler) Stream(c *gin.Context) {
	start := time.Now()
	ctx, span := tracer.Start(c.Request.Context(), "handlers.Stream")
	defer span.End()

	var body CompletionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, observability.EndpointStream, start, err)
		return
	}
	req := h.toRequest(c, body)

	h.metrics.StreamStarted()
	defer h.metrics.StreamEnded()

	var sse SSEWriter
	var requestID string
	emit := func(update completion.StreamUpdate) error {
		if sse == nil {
			SetSSEHeaders(c.Writer)
			c.Status(http.StatusOK)
			w, err := NewSSEWriter(c.Writer)
			if err != nil {
				return err
			}
			sse = w
		}
		requestID = update.RequestID
		if err := sse.WriteSnapshot(update); err != nil {
			return err
		}
		h.metrics.RecordSnapshot()
		return nil
	}

	err := h.engine.StreamCompletions(ctx, req, emit)
	switch {
	case err == nil && sse == nil:
		h.metrics.RecordRequest(observability.EndpointStream, true, time.Since(start).Seconds())
		c.Status(http.StatusNoContent)

	case err == nil:
		if werr := sse.WriteDone(requestID); werr != nil {
			h.logger.Debug("Stream closed before done event", "request_id", requestID, "error", werr)
		}
		h.metrics.RecordRequest(observability.EndpointStream, true, time.Since(start).Seconds())

	case sse == nil:
		h.writeError(c, observability.EndpointStream, start, err)

	default:
		span.RecordError(err)
		if c.Request.Context().Err() != nil {
			h.metrics.RecordClientDisconnect()
			h.metrics.RecordError(observability.EndpointStream, observability.ErrorCodeClientDisconnect)
			h.metrics.RecordRequest(observability.EndpointStream, false, time.Since(start).Seconds())
			return
		}
		kind := completion.KindOf(err)
		h.metrics.RecordError(observability.EndpointStream, errorCode(kind))
		h.metrics.RecordRequest(observability.EndpointStream, false, time.Since(start).Seconds())
		if werr := sse.WriteError(kindName(kind), publicMessage(kind, err)); werr != nil {
			h.logger.Debug("Could not write stream error", "error", werr)
		}
	}
}

// Feedback handles POST /v1/feedback.
func (h *CompletionHandler) Feedback(c *gin.Context) {
	start := time.Now()
	var body FeedbackRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, observability.EndpointFeedback, start, err)
		return
	}
	userID := h.userFor(c, body.UserID)
	if err := h.engine.RecordFeedback(c.Request.Context(), userID, body.CodeSnippet, *body.Accepted); err != nil {
		h.writeError(c, observability.EndpointFeedback, start, err)
		return
	}
	h.metrics.RecordRequest(observability.EndpointFeedback, true, time.Since(start).Seconds())
	c.Status(http.StatusNoContent)
}

// GetPreferences handles GET /v1/preferences.
func (h *CompletionHandler) GetPreferences(c *gin.Context) {
	start := time.Now()
	userID := h.userFor(c, c.Query("user_id"))
	profile := h.engine.Profiles().ProfileFor(c.Request.Context(), userID)

	resp := PreferencesResponse{
		UserID:      userID,
		Preferences: profile.Preferences,
		Feedback:    len(profile.Feedback),
	}
	if resp.Preferences == nil {
		resp.Preferences = map[string]string{}
	}
	if !profile.UpdatedAt.IsZero() {
		resp.UpdatedAt = &profile.UpdatedAt
	}
	h.metrics.RecordRequest(observability.EndpointPreferences, true, time.Since(start).Seconds())
	c.JSON(http.StatusOK, resp)
}

// UpdatePreferences handles POST /v1/preferences.
func (h *CompletionHandler) UpdatePreferences(c *gin.Context) {
	start := time.Now()
	var body PreferencesRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, observability.EndpointPreferences, start, err)
		return
	}
	userID := h.userFor(c, body.UserID)
	if err := h.engine.UpdatePreferences(c.Request.Context(), userID, body.Preferences); err != nil {
		h.writeError(c, observability.EndpointPreferences, start, err)
		return
	}
	h.metrics.RecordRequest(observability.EndpointPreferences, true, time.Since(start).Seconds())
	c.Status(http.StatusNoContent)
}

// ResetPreferences handles DELETE /v1/preferences.
func (h *CompletionHandler) ResetPreferences(c *gin.Context) {
	start := time.Now()
	userID := h.userFor(c, c.Query("user_id"))
	if err := h.engine.ResetPreferences(c.Request.Context(), userID); err != nil {
		h.writeError(c, observability.EndpointPreferences, start, err)
		return
	}
	h.metrics.RecordRequest(observability.EndpointPreferences, true, time.Since(start).Seconds())
	c.Status(http.StatusNoContent)
}

// DetectLanguage handles POST /v1/languages/detect.
func (h *CompletionHandler) DetectLanguage(c *gin.Context) {
	start := time.Now()
	var body DetectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, observability.EndpointDetect, start, err)
		return
	}
	if body.Code == "" && body.FilePath == "" {
		h.badRequest(c, observability.EndpointDetect, start, errors.New("code or file_path is required"))
		return
	}

	var lang completion.Language
	if body.FilePath != "" {
		lang = completion.DetectFile(body.FilePath, body.Code)
	} else {
		lang = completion.DetectContent(body.Code)
	}
	h.metrics.RecordRequest(observability.EndpointDetect, true, time.Since(start).Seconds())
	c.JSON(http.StatusOK, DetectResponse{Language: lang})
}

// Languages handles GET /v1/languages.
func (h *CompletionHandler) Languages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"languages": completion.SupportedLanguages()})
}

// CacheStats handles GET /v1/cache/stats.
func (h *CompletionHandler) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Cache().Stats())
}

// PurgeCache handles DELETE /v1/cache.
func (h *CompletionHandler) PurgeCache(c *gin.Context) {
	n := h.engine.Cache().Purge()
	h.logger.Info("Candidate cache purged", "entries", n)
	c.JSON(http.StatusOK, gin.H{"purged": n})
}

// IndexSnippets handles POST /v1/snippets.
func (h *CompletionHandler) IndexSnippets(c *gin.Context) {
	start := time.Now()
	var body SnippetsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, observability.EndpointSnippets, start, err)
		return
	}
	if h.indexer == nil {
		h.metrics.RecordError(observability.EndpointSnippets, observability.ErrorCodeUnavailable)
		h.metrics.RecordRequest(observability.EndpointSnippets, false, time.Since(start).Seconds())
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "retrieval is not configured", Kind: "unavailable"})
		return
	}

	ctx, span := tracer.Start(c.Request.Context(), "handlers.IndexSnippets")
	defer span.End()
	n, err := h.indexer.AddSnippets(ctx, body.Snippets)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Snippet indexing failed", "count", len(body.Snippets), "error", err)
		h.metrics.RecordError(observability.EndpointSnippets, observability.ErrorCodeUnavailable)
		h.metrics.RecordRequest(observability.EndpointSnippets, false, time.Since(start).Seconds())
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "indexing failed", Kind: "unavailable"})
		return
	}
	span.SetAttributes(attribute.Int("indexed", n))
	h.metrics.RecordRequest(observability.EndpointSnippets, true, time.Since(start).Seconds())
	c.JSON(http.StatusOK, SnippetsResponse{Indexed: n})
}

// ListProfiles handles GET /v1/profiles.
func (h *CompletionHandler) ListProfiles(c *gin.Context) {
	users, err := h.engine.Profiles().Users(c.Request.Context())
	if err != nil {
		h.logger.Error("Listing profiles failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "listing profiles failed", Kind: kindName(completion.ErrInternal)})
		return
	}
	c.JSON(http.StatusOK, ProfilesResponse{Users: users})
}

// =============================================================================
// Health
// =============================================================================

// HealthCheck reports a component's state, e.g. "closed" for a circuit
// breaker or "ok".
type HealthCheck func(ctx context.Context) string

// Health returns a handler for GET /health. Every check is reported; the
// service is "degraded" when any check reports something other than "ok"
// or "closed".
func Health(version string, checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "ok"
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			state := check(c.Request.Context())
			components[name] = state
			if state != "ok" && state != "closed" {
				status = "degraded"
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     status,
			"version":    version,
			"components": components,
		})
	}
}

// =============================================================================
// Errors
// =============================================================================

func (h *CompletionHandler) badRequest(c *gin.Context, endpoint observability.Endpoint, start time.Time, err error) {
	h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
	h.metrics.RecordRequest(endpoint, false, time.Since(start).Seconds())
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: err.Error(),
		Kind:  kindName(completion.ErrInvalidRequest),
	})
}

// writeError maps a pipeline error to a status code and JSON body.
//
//	invalid request     -> 400
//	throttle exceeded   -> 429 with Retry-After
//	generation failure  -> 502
//	anything else       -> 500
func (h *CompletionHandler) writeError(c *gin.Context, endpoint observability.Endpoint, start time.Time, err error) {
	kind := completion.KindOf(err)
	h.metrics.RecordError(endpoint, errorCode(kind))
	h.metrics.RecordRequest(endpoint, false, time.Since(start).Seconds())

	status := http.StatusInternalServerError
	switch kind {
	case completion.ErrInvalidRequest:
		status = http.StatusBadRequest
	case completion.ErrThrottleExceeded:
		status = http.StatusTooManyRequests
		if wait, ok := completion.RetryAfter(err); ok {
			c.Header("Retry-After", retryAfterSeconds(wait))
		}
	case completion.ErrGenerationFailure:
		status = http.StatusBadGateway
	}
	c.JSON(status, ErrorResponse{Error: publicMessage(kind, err), Kind: kindName(kind)})
}

// publicMessage hides internal causes from clients.
func publicMessage(kind, err error) string {
	switch kind {
	case completion.ErrInvalidRequest, completion.ErrThrottleExceeded:
		return err.Error()
	default:
		return kind.Error()
	}
}

func kindName(kind error) string {
	return strings.ReplaceAll(kind.Error(), " ", "_")
}

func errorCode(kind error) observability.ErrorCode {
	switch kind {
	case completion.ErrInvalidRequest:
		return observability.ErrorCodeValidation
	case completion.ErrThrottleExceeded:
		return observability.ErrorCodeThrottled
	case completion.ErrGenerationFailure:
		return observability.ErrorCodeGeneration
	case completion.ErrCancelled:
		return observability.ErrorCodeCancelled
	default:
		return observability.ErrorCodeInternal
	}
}

// retryAfterSeconds rounds up to whole seconds, at least 1.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
