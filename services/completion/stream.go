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
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// StreamUpdate is one snapshot of the ranked suggestions so far.
//
// Every snapshot has been through the filter and the ranker. Final is set
// on the last update, which carries the same suggestions that were cached.
type StreamUpdate struct {
	Response
	Final bool `json:"final"`
}

// EmitFunc receives stream updates. Returning an error stops the stream.
type EmitFunc func(StreamUpdate) error

// StreamCompletions is GetCompletions with incremental results.
//
// # Description
//
// The model's sequences are consumed one at a time. After each one, the
// survivors collected so far are re-ranked and the top NumSuggestions are
// emitted if they differ from the previous snapshot. Raw model output is
// never emitted. When the context has fix hints, an update carrying them
// and no suggestions is emitted before generation starts. When the model
// stream ends, a Final update is emitted and a non-empty final snapshot is
// cached. A cache hit emits one Final update.
//
// # Inputs
//
//   - ctx: Cancelling stops the model stream; nothing is cached.
//   - req: Validated first.
//   - emit: Called from the calling goroutine only.
//
// # Outputs
//
//   - error: Typed as for GetCompletions. An emit error is returned as
//     ErrCancelled since the receiver is gone.
func (o *Orchestrator) StreamCompletions(ctx context.Context, req Request, emit EmitFunc) error {
	ctx, span := tracer.Start(ctx, "completion.StreamCompletions")
	defer span.End()
	defer recordStage(ctx, "stream_total", time.Now())

	if err := req.Validate(); err != nil {
		return o.fail(ctx, span, "validate", err)
	}

	resp, key := o.prepare(ctx, req)
	span.SetAttributes(
		attribute.String("request_id", resp.RequestID),
		attribute.String("language", string(resp.Language)),
	)

	if cached, ok := o.cache.Get(key); ok {
		resp.CacheHit = true
		resp.Suggestions = toSuggestions(truncate(cached, req.NumSuggestions), resp.Language)
		if err := emit(StreamUpdate{Response: *resp, Final: true}); err != nil {
			return o.fail(ctx, span, "emit", &Error{Kind: ErrCancelled, Op: "emit", Err: err})
		}
		return nil
	}

	if err := o.admit(ctx, req.UserID); err != nil {
		return o.fail(ctx, span, "throttle", err)
	}
	// Fix hints do not depend on the model, so they go out first.
	if len(resp.Fixes) > 0 {
		if err := emit(StreamUpdate{Response: *resp}); err != nil {
			return o.fail(ctx, span, "emit", &Error{Kind: ErrCancelled, Op: "emit", Err: err})
		}
	}

	prompt, params := o.personalize(ctx, req)
	n := req.NumSuggestions * o.config.Oversample

	stream, err := o.model.GenerateStream(ctx, prompt, params, n)
	if err != nil {
		if ctx.Err() != nil {
			return o.fail(ctx, span, "generate", ctx.Err())
		}
		return o.fail(ctx, span, "generate", &Error{Kind: ErrGenerationFailure, Op: "generate", Err: err})
	}
	defer stream.Close()

	var (
		survivors []Candidate
		seen      = make(map[string]bool)
		snapshot  []Candidate
		received  int
	)
	for {
		text, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return o.fail(ctx, span, "generate", ctx.Err())
			}
			return o.fail(ctx, span, "generate", &Error{Kind: ErrGenerationFailure, Op: "generate", Err: err})
		}
		received++
		recordGenerated(ctx, 1)

		passed := o.filter.Filter(ctx, []Candidate{{Text: text}}, req.CodeContext, resp.Language)
		if len(passed) == 0 || seen[passed[0].Text] {
			continue
		}
		seen[passed[0].Text] = true
		survivors = append(survivors, passed[0])

		next := truncate(o.ranker.Rank(ctx, survivors, prompt), req.NumSuggestions)
		if sameCandidates(next, snapshot) {
			continue
		}
		snapshot = next
		update := *resp
		update.Suggestions = toSuggestions(snapshot, resp.Language)
		if err := emit(StreamUpdate{Response: update}); err != nil {
			return o.fail(ctx, span, "emit", &Error{Kind: ErrCancelled, Op: "emit", Err: err})
		}
	}

	if err := ctx.Err(); err != nil {
		return o.fail(ctx, span, "cache", err)
	}
	if len(snapshot) > 0 {
		o.cache.Set(key, snapshot)
	}
	span.SetAttributes(
		attribute.Int("received", received),
		attribute.Int("suggestions", len(snapshot)),
	)

	resp.Suggestions = toSuggestions(snapshot, resp.Language)
	if err := emit(StreamUpdate{Response: *resp, Final: true}); err != nil {
		return o.fail(ctx, span, "emit", &Error{Kind: ErrCancelled, Op: "emit", Err: err})
	}
	return nil
}

func sameCandidates(a, b []Candidate) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Text != b[i].Text || a[i].Score != b[i].Score {
			return false
		}
	}
	return true
}
