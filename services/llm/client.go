// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the model collaborators used by the completion pipeline.
//
// The completion core never talks to a model server directly. It consumes
// the narrow interfaces below, and this package provides backends for them:
//
//   - OllamaClient: local models through the Ollama HTTP API.
//   - OpenAIClient: OpenAI or any OpenAI-compatible server (vLLM, llama.cpp
//     server) through the legacy completions endpoint, which is the only
//     OpenAI surface that returns several sequences and echo log-probs.
package llm

import (
	"context"
	"errors"
)

// GenerationParams are the sampling knobs sent to a backend.
//
// Nil pointers mean "use the backend default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature" yaml:"temperature"`
	TopK        *int     `json:"top_k" yaml:"top_k"`
	TopP        *float32 `json:"top_p" yaml:"top_p"`
	MaxTokens   *int     `json:"max_tokens" yaml:"max_tokens"`
	Stop        []string `json:"stop" yaml:"stop"`
}

// Clone returns a deep copy so personalization never mutates shared params.
func (p GenerationParams) Clone() GenerationParams {
	out := GenerationParams{}
	if p.Temperature != nil {
		v := *p.Temperature
		out.Temperature = &v
	}
	if p.TopK != nil {
		v := *p.TopK
		out.TopK = &v
	}
	if p.TopP != nil {
		v := *p.TopP
		out.TopP = &v
	}
	if p.MaxTokens != nil {
		v := *p.MaxTokens
		out.MaxTokens = &v
	}
	if len(p.Stop) > 0 {
		out.Stop = append([]string(nil), p.Stop...)
	}
	return out
}

// CompletionModel generates candidate continuations for a code prompt.
//
// # Description
//
// Generate returns up to n complete sequences. GenerateStream returns the
// same sequences lazily, one finished sequence per Next call, so callers can
// start vetting early candidates while later ones are still being produced.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type CompletionModel interface {
	Generate(ctx context.Context, prompt string, params GenerationParams, n int) ([]string, error)
	GenerateStream(ctx context.Context, prompt string, params GenerationParams, n int) (SequenceStream, error)
}

// SequenceStream is a finite, non-restartable lazy sequence of generated
// completions.
//
// Next returns io.EOF once every sequence has been delivered. Close releases
// the underlying generation resources and must be called even after io.EOF.
type SequenceStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// LogProbScorer evaluates how likely the model finds continuation after
// prompt, as the mean log-probability of the continuation's tokens.
type LogProbScorer interface {
	ScoreLogProb(ctx context.Context, prompt, continuation string) (float64, error)
}

// Embedder turns text into a dense vector for retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrNoSequences is returned when a backend answers without any text.
var ErrNoSequences = errors.New("model returned no sequences")
