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
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianComplete/services/llm"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// defaultScoreConcurrency bounds concurrent log-prob calls per Rank.
const defaultScoreConcurrency = 4

// CandidateRanker orders filtered candidates by score.
//
// # Description
//
// With a LogProbScorer, each candidate is scored by the mean log-probability
// of its tokens given the prompt, one scorer call per candidate, run
// concurrently up to the configured limit. If any call fails the whole set
// keeps its heuristic scores, so log-probs and heuristics are never compared
// with each other. Without a scorer the heuristic scores are used as is.
//
// The sort is stable: equal scores keep filter order.
//
// # Limitations
//
// Calls are not batched; a backend that supports batched scoring would
// need one round trip instead of len(candidates).
//
// # Thread Safety
//
// Safe for concurrent use.
type CandidateRanker struct {
	scorer      llm.LogProbScorer
	concurrency int
	logger      *slog.Logger
}

// NewCandidateRanker creates a ranker. scorer may be nil.
func NewCandidateRanker(scorer llm.LogProbScorer, concurrency int, logger *slog.Logger) *CandidateRanker {
	if concurrency <= 0 {
		concurrency = defaultScoreConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CandidateRanker{scorer: scorer, concurrency: concurrency, logger: logger}
}

// Rank returns candidates sorted by descending score. The full set is
// returned; truncation is the caller's job. The input is not modified.
func (r *CandidateRanker) Rank(ctx context.Context, candidates []Candidate, prompt string) []Candidate {
	ranked := cloneCandidates(candidates)
	if len(ranked) == 0 {
		return ranked
	}

	if r.scorer != nil {
		if scores, ok := r.logProbScores(ctx, ranked, prompt); ok {
			for i := range ranked {
				ranked[i].Score = scores[i]
			}
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

func (r *CandidateRanker) logProbScores(ctx context.Context, candidates []Candidate, prompt string) ([]float64, bool) {
	ctx, span := tracer.Start(ctx, "completion.Rank.logprob")
	defer span.End()
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	start := time.Now()
	defer recordStage(ctx, "score", start)

	scores := make([]float64, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			score, err := r.scorer.ScoreLogProb(gctx, prompt, c.Text)
			if err != nil {
				return err
			}
			scores[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("Log-prob scoring failed, using heuristic scores", "error", err)
		span.RecordError(err)
		return nil, false
	}
	return scores, true
}
