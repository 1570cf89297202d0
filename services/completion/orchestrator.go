// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package completion is the completion orchestration pipeline.
//
// An Orchestrator turns a (user, code prefix) request into a bounded list of
// vetted suggestions: detect the language, run diagnostics, look up the
// cache, and on a miss throttle, personalize, generate, filter, rank,
// truncate and cache. Every component it composes (Cache, Throttler,
// PersonalizationStore, CandidateFilter, CandidateRanker, DiagnosticsRunner)
// is usable on its own and safe for concurrent use.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianComplete/services/completion/syntax"
	"github.com/AleutianAI/AleutianComplete/services/llm"
	"github.com/AleutianAI/AleutianComplete/services/policy_engine"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Collaborators
// =============================================================================

// Snippet is one retrieved code snippet.
type Snippet struct {
	Text     string  `json:"text"`
	Distance float64 `json:"distance"`
}

// Retriever finds code similar to a query, nearest first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Snippet, error)
}

// Dependencies are the collaborators an Orchestrator is built from.
type Dependencies struct {
	// Model generates raw sequences. Required.
	Model llm.CompletionModel

	// Scorer enables log-prob ranking. Optional.
	Scorer llm.LogProbScorer

	// Syntax validates candidates. Defaults to a tree-sitter Checker.
	Syntax SyntaxChecker

	// Policy is the unsafe-construct denylist, used both to reject
	// candidates and to report security diagnostics. Defaults to the
	// embedded policy.
	Policy interface {
		SafetyChecker
		SecurityScanner
	}

	// Diagnostics replaces the default syntax, security and style
	// providers when non-nil.
	Diagnostics []DiagnosticsProvider

	// Retriever augments prompts with similar code. Optional.
	Retriever Retriever

	// Profiles persists personalization profiles. Optional.
	Profiles ProfileRepository

	Logger *slog.Logger
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs the completion pipeline.
//
// # Description
//
// GetCompletions moves each request through
//
//	validate -> detect -> diagnostics -> cache lookup
//	  hit:  return cached
//	  miss: throttle -> personalize -> generate -> filter -> rank
//	        -> truncate -> cache populate
//
// Concurrent misses on the same cache key share one generation. The
// Orchestrator owns no mutable state of its own; it holds the long-lived
// Cache, Throttler and PersonalizationStore.
//
// # Thread Safety
//
// Safe for concurrent use.
type Orchestrator struct {
	config      Config
	model       llm.CompletionModel
	retriever   Retriever
	cache       *Cache
	throttler   *Throttler
	profiles    *PersonalizationStore
	filter      *CandidateFilter
	ranker      *CandidateRanker
	diagnostics *DiagnosticsRunner
	logger      *slog.Logger

	inflight singleflight.Group
}

// NewOrchestrator wires an Orchestrator from config and deps.
func NewOrchestrator(config Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Model == nil {
		return nil, errors.New("completion: a model is required")
	}
	config.applyDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Syntax == nil {
		deps.Syntax = syntax.NewChecker()
		if !syntax.IsAvailable() {
			logger.Warn("Tree-sitter is not compiled in, syntax checks are disabled")
		}
	}
	if deps.Policy == nil {
		engine, err := policy_engine.NewPolicyEngine()
		if err != nil {
			return nil, fmt.Errorf("loading unsafe construct policy: %w", err)
		}
		deps.Policy = engine
	}
	if deps.Diagnostics == nil {
		deps.Diagnostics = []DiagnosticsProvider{
			&SyntaxProvider{Checker: deps.Syntax},
			&SecurityProvider{Scanner: deps.Policy},
			&StyleProvider{},
		}
	}

	return &Orchestrator{
		config:      config,
		model:       deps.Model,
		retriever:   deps.Retriever,
		cache:       NewCache(config.Cache),
		throttler:   NewThrottler(config.Throttle),
		profiles:    NewPersonalizationStore(config.Personalization, deps.Profiles, logger),
		filter:      NewCandidateFilter(deps.Syntax, deps.Policy, logger),
		ranker:      NewCandidateRanker(deps.Scorer, config.ScoreConcurrency, logger),
		diagnostics: NewDiagnosticsRunner(deps.Diagnostics, config.DiagnosticsTimeout, logger),
		logger:      logger,
	}, nil
}

// Cache returns the candidate cache.
func (o *Orchestrator) Cache() *Cache { return o.cache }

// Throttler returns the per-user throttler.
func (o *Orchestrator) Throttler() *Throttler { return o.throttler }

// Profiles returns the personalization store.
func (o *Orchestrator) Profiles() *PersonalizationStore { return o.profiles }

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.config }

// GetCompletions returns up to req.NumSuggestions ranked suggestions.
//
// # Inputs
//
//   - ctx: Cancelling aborts throttle waits and generation. A cancelled
//     request never writes the cache.
//   - req: Validated before anything else runs.
//
// # Outputs
//
//   - *Response: Suggestions (possibly empty when every candidate was
//     rejected), the detected language, diagnostics and fix hints.
//   - error: An *Error or *ThrottleError matching one of ErrInvalidRequest,
//     ErrThrottleExceeded, ErrGenerationFailure, ErrCancelled, ErrInternal.
func (o *Orchestrator) GetCompletions(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "completion.GetCompletions")
	defer span.End()
	defer recordStage(ctx, "total", time.Now())

	if err := req.Validate(); err != nil {
		return nil, o.fail(ctx, span, "validate", err)
	}

	resp, key := o.prepare(ctx, req)
	span.SetAttributes(
		attribute.String("request_id", resp.RequestID),
		attribute.String("language", string(resp.Language)),
		attribute.Int("num_suggestions", req.NumSuggestions),
	)

	if cached, ok := o.cache.Get(key); ok {
		resp.CacheHit = true
		resp.Suggestions = toSuggestions(truncate(cached, req.NumSuggestions), resp.Language)
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return resp, nil
	}

	candidates, err := o.generateShared(ctx, req, resp.Language, key)
	if err != nil {
		return nil, o.fail(ctx, span, "generate", err)
	}
	resp.Suggestions = toSuggestions(candidates, resp.Language)
	span.SetAttributes(attribute.Int("suggestions", len(resp.Suggestions)))
	return resp, nil
}

// prepare runs the stages every request goes through before the cache:
// language detection, diagnostics and fix suggestions.
func (o *Orchestrator) prepare(ctx context.Context, req Request) (*Response, CacheKey) {
	lang := DetectFile(req.FilePath, req.CodeContext)
	diagnostics := o.diagnostics.Run(ctx, req.CodeContext, req.FilePath, lang)
	return &Response{
		RequestID:   uuid.NewString(),
		Suggestions: []Suggestion{},
		Language:    lang,
		Diagnostics: diagnostics,
		Fixes:       SuggestFixes(diagnostics),
	}, NewCacheKey(req.UserID, req.CodeContext, diagnostics.Fingerprint())
}

// generateShared coalesces concurrent misses on key. When the request that
// led the shared call was cancelled, a follower whose own context is still
// live retries instead of inheriting the cancellation.
func (o *Orchestrator) generateShared(ctx context.Context, req Request, lang Language, key CacheKey) ([]Candidate, error) {
	for {
		ch := o.inflight.DoChan(string(key), func() (any, error) {
			return o.generate(ctx, req, lang, key)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				if res.Shared && errors.Is(res.Err, ErrCancelled) && ctx.Err() == nil {
					o.logger.Debug("Shared generation was cancelled, retrying", "user_id", req.UserID)
					continue
				}
				return nil, res.Err
			}
			return truncate(cloneCandidates(res.Val.([]Candidate)), req.NumSuggestions), nil
		}
	}
}

// generate is the miss path. It returns the truncated, ranked candidates
// and caches them only if ctx is still live at the end. An empty result is
// not cached so the next request samples the model again.
func (o *Orchestrator) generate(ctx context.Context, req Request, lang Language, key CacheKey) ([]Candidate, error) {
	if err := o.admit(ctx, req.UserID); err != nil {
		return nil, err
	}

	prompt, params := o.personalize(ctx, req)
	n := req.NumSuggestions * o.config.Oversample

	start := time.Now()
	raw, err := o.model.Generate(ctx, prompt, params, n)
	recordStage(ctx, "generate", start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: ErrCancelled, Op: "generate", Err: ctx.Err()}
		}
		return nil, &Error{Kind: ErrGenerationFailure, Op: "generate", Err: err}
	}
	recordGenerated(ctx, len(raw))

	candidates := make([]Candidate, 0, len(raw))
	for _, text := range raw {
		candidates = append(candidates, Candidate{Text: text})
	}

	top := o.filterAndRank(ctx, candidates, req.CodeContext, prompt, lang, req.NumSuggestions)

	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: ErrCancelled, Op: "cache", Err: err}
	}
	if len(top) > 0 {
		o.cache.Set(key, top)
	}
	return top, nil
}

// admit applies the Throttler to a user's cache miss.
func (o *Orchestrator) admit(ctx context.Context, userID string) error {
	start := time.Now()
	defer recordStage(ctx, "throttle", start)
	if err := o.throttler.Acquire(ctx, userID); err != nil {
		if errors.Is(err, ErrThrottleExceeded) {
			return err
		}
		return &Error{Kind: ErrCancelled, Op: "throttle", Err: err}
	}
	return nil
}

// personalize derives the user's policy and builds the prompt.
func (o *Orchestrator) personalize(ctx context.Context, req Request) (string, llm.GenerationParams) {
	start := time.Now()
	defer recordStage(ctx, "personalize", start)

	personalized := o.profiles.DerivePolicy(ctx, req.UserID, o.config.Policy)
	params := personalized.Policy.Params.Clone()
	maxTokens := req.MaxLength
	params.MaxTokens = &maxTokens

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("model", personalized.Policy.Model),
		attribute.Bool("personalized", personalized.Vector != nil),
	)
	return o.buildPrompt(ctx, req.CodeContext), params
}

// buildPrompt prepends retrieved snippets to the code context. Retrieval
// failures only cost the augmentation.
func (o *Orchestrator) buildPrompt(ctx context.Context, codeContext string) string {
	if o.retriever == nil || strings.TrimSpace(codeContext) == "" {
		return codeContext
	}
	start := time.Now()
	snippets, err := o.retriever.Retrieve(ctx, codeContext, o.config.RetrievalTopK)
	recordStage(ctx, "retrieve", start)
	if err != nil {
		o.logger.Warn("Retrieval failed, generating without context", "error", err)
		return codeContext
	}
	if len(snippets) == 0 {
		return codeContext
	}
	parts := make([]string, 0, len(snippets))
	for _, s := range snippets {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, "\n") + "\n\n" + codeContext
}

func (o *Orchestrator) filterAndRank(ctx context.Context, candidates []Candidate, codeContext, prompt string, lang Language, limit int) []Candidate {
	start := time.Now()
	filtered := o.filter.Filter(ctx, candidates, codeContext, lang)
	recordStage(ctx, "filter", start)

	start = time.Now()
	ranked := o.ranker.Rank(ctx, filtered, prompt)
	recordStage(ctx, "rank", start)

	return truncate(ranked, limit)
}

// =============================================================================
// Feedback
// =============================================================================

// RecordFeedback records that userID accepted or rejected a suggestion.
// Feedback is throttled per user, separately from completions, unless
// Config.ThrottleFeedback is false.
func (o *Orchestrator) RecordFeedback(ctx context.Context, userID, snippet string, accepted bool) error {
	ctx, span := tracer.Start(ctx, "completion.RecordFeedback")
	defer span.End()

	if userID == "" || strings.TrimSpace(snippet) == "" {
		return o.fail(ctx, span, "feedback", &Error{
			Kind: ErrInvalidRequest, Op: "feedback",
			Err: errors.New("user id and snippet are required"),
		})
	}
	if *o.config.ThrottleFeedback {
		if err := o.admit(ctx, "feedback:"+userID); err != nil {
			return o.fail(ctx, span, "feedback", err)
		}
	}
	if err := o.profiles.RecordFeedback(ctx, userID, snippet, accepted); err != nil {
		return o.fail(ctx, span, "feedback", err)
	}
	return nil
}

// UpdatePreferences merges prefs into userID's profile.
func (o *Orchestrator) UpdatePreferences(ctx context.Context, userID string, prefs map[string]string) error {
	ctx, span := tracer.Start(ctx, "completion.UpdatePreferences")
	defer span.End()

	if userID == "" {
		return o.fail(ctx, span, "preferences", &Error{
			Kind: ErrInvalidRequest, Op: "preferences", Err: errors.New("user id is required"),
		})
	}
	if err := o.profiles.UpdatePreferences(ctx, userID, prefs); err != nil {
		return o.fail(ctx, span, "preferences", err)
	}
	return nil
}

// ResetPreferences discards userID's preferences and feedback, in memory
// and in the profile repository.
func (o *Orchestrator) ResetPreferences(ctx context.Context, userID string) error {
	ctx, span := tracer.Start(ctx, "completion.ResetPreferences")
	defer span.End()

	if userID == "" {
		return o.fail(ctx, span, "preferences", &Error{
			Kind: ErrInvalidRequest, Op: "preferences", Err: errors.New("user id is required"),
		})
	}
	if err := o.profiles.ResetProfile(ctx, userID); err != nil {
		return o.fail(ctx, span, "preferences", err)
	}
	o.logger.Info("Profile reset", "user_id", userID)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// fail maps err to a typed kind, records it on the span and logs it.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, op string, err error) error {
	var typed *Error
	var throttled *ThrottleError
	switch {
	case errors.As(err, &typed), errors.As(err, &throttled):
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		err = &Error{Kind: ErrCancelled, Op: op, Err: err}
	default:
		err = &Error{Kind: ErrInternal, Op: op, Err: err}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch KindOf(err) {
	case ErrInvalidRequest, ErrCancelled:
		o.logger.Debug("Completion request ended", "op", op, "error", err)
	case ErrThrottleExceeded:
		o.logger.Info("Completion request throttled", "op", op, "error", err)
	default:
		o.logger.Error("Completion request failed", "op", op, "error", err)
	}
	return err
}

func truncate(candidates []Candidate, n int) []Candidate {
	if n >= 0 && len(candidates) > n {
		return candidates[:n]
	}
	return candidates
}

func toSuggestions(candidates []Candidate, lang Language) []Suggestion {
	out := make([]Suggestion, len(candidates))
	for i, c := range candidates {
		out[i] = Suggestion{Text: c.Text, Language: lang, Score: c.Score}
	}
	return out
}
