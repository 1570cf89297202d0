// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var openaiTracer = otel.Tracer("aleutian.llm.openai")

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// APIKey for the server. When empty the key is read from the
	// /run/secrets/openai_api_key file if present.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the API root for OpenAI-compatible servers.
	BaseURL string `yaml:"base_url"`

	// Model used for completions. Default: "gpt-3.5-turbo-instruct".
	Model string `yaml:"model"`

	// EmbeddingModel used by Embed. Default: text-embedding-3-small.
	EmbeddingModel string `yaml:"embedding_model"`
}

// OpenAIClient implements CompletionModel, LogProbScorer and Embedder over
// the OpenAI completions API.
type OpenAIClient struct {
	client         *openai.Client
	model          string
	embeddingModel openai.EmbeddingModel
}

// openAISecretPath is where container deployments mount the API key.
const openAISecretPath = "/run/secrets/openai_api_key"

// NewOpenAIClient creates a client from config.
//
// # Outputs
//
//   - *OpenAIClient: Ready client.
//   - error: Non-nil when no API key is configured and BaseURL is not set.
//     Self-hosted compatible servers usually accept any key.
func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		if data, err := os.ReadFile(openAISecretPath); err == nil {
			apiKey = strings.TrimSpace(string(data))
			slog.Info("Read the OpenAI API key from secrets", "path", openAISecretPath)
		}
	}
	if apiKey == "" && config.BaseURL == "" {
		return nil, errors.New("OpenAI API key not set")
	}
	if config.Model == "" {
		config.Model = "gpt-3.5-turbo-instruct"
		slog.Warn("OpenAI model not set, defaulting", "model", config.Model)
	}
	embeddingModel := openai.SmallEmbedding3
	if config.EmbeddingModel != "" {
		embeddingModel = openai.EmbeddingModel(config.EmbeddingModel)
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	}
	slog.Info("Initializing OpenAI client", "model", config.Model, "base_url", clientConfig.BaseURL)
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(clientConfig),
		model:          config.Model,
		embeddingModel: embeddingModel,
	}, nil
}

// Model returns the completion model name.
func (o *OpenAIClient) Model() string { return o.model }

// Generate requests n choices in a single completions call.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams, n int) ([]string, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model), attribute.Int("llm.n", n))

	if n <= 0 {
		return nil, nil
	}
	resp, err := o.client.CreateCompletion(ctx, o.completionRequest(prompt, params, n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("OpenAI API call failed", "error", err)
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoSequences
	}

	choices := resp.Choices
	sort.SliceStable(choices, func(i, j int) bool { return choices[i].Index < choices[j].Index })
	seqs := make([]string, 0, len(choices))
	for _, c := range choices {
		seqs = append(seqs, c.Text)
	}
	return seqs, nil
}

// GenerateStream streams n choices and yields each one when its
// finish_reason arrives. Choices still open at end of stream are flushed in
// index order.
func (o *OpenAIClient) GenerateStream(ctx context.Context, prompt string, params GenerationParams, n int) (SequenceStream, error) {
	if n <= 0 {
		return NewSliceStream(), nil
	}
	req := o.completionRequest(prompt, params, n)
	req.Stream = true
	stream, err := o.client.CreateCompletionStream(ctx, req)
	if err != nil {
		slog.Error("OpenAI stream creation failed", "error", err)
		return nil, fmt.Errorf("OpenAI stream creation failed: %w", err)
	}

	return newPipeStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		defer stream.Close()
		_, span := openaiTracer.Start(ctx, "OpenAIClient.GenerateStream")
		defer span.End()

		builders := make(map[int]*strings.Builder)
		finished := make(map[int]bool)
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return fmt.Errorf("OpenAI stream failed: %w", err)
			}
			for _, choice := range chunk.Choices {
				if finished[choice.Index] {
					continue
				}
				b, ok := builders[choice.Index]
				if !ok {
					b = &strings.Builder{}
					builders[choice.Index] = b
				}
				b.WriteString(choice.Text)
				if choice.FinishReason != "" {
					finished[choice.Index] = true
					if !emit(b.String()) {
						return ctx.Err()
					}
				}
			}
		}

		open := make([]int, 0, len(builders))
		for idx := range builders {
			if !finished[idx] {
				open = append(open, idx)
			}
		}
		sort.Ints(open)
		for _, idx := range open {
			if !emit(builders[idx].String()) {
				return ctx.Err()
			}
		}
		return nil
	}), nil
}

// ScoreLogProb returns the mean token log-probability of continuation given
// prompt.
//
// # Description
//
// Sends prompt+continuation with echo enabled so the server returns the
// log-probs of the input tokens, then averages the tokens whose text offset
// falls inside the continuation. The first token of a sequence has no
// log-prob and is never part of the continuation unless the prompt is
// empty, in which case it is skipped.
//
// # Outputs
//
//   - float64: Mean log-probability (<= 0).
//   - error: Non-nil on API failure or when no continuation tokens are found.
func (o *OpenAIClient) ScoreLogProb(ctx context.Context, prompt, continuation string) (float64, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.ScoreLogProb")
	defer span.End()

	resp, err := o.client.CreateCompletion(ctx, openai.CompletionRequest{
		Model:     o.model,
		Prompt:    prompt + continuation,
		Echo:      true,
		LogProbs:  1,
		MaxTokens: 1,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("OpenAI scoring call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return 0, ErrNoSequences
	}
	// text_offset counts characters, not bytes.
	start := utf8.RuneCountInString(prompt)
	return meanContinuationLogProb(resp.Choices[0].LogProbs, start, start+utf8.RuneCountInString(continuation))
}

// Embed returns the embedding of text.
func (o *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.Embed")
	defer span.End()

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: o.embeddingModel,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("OpenAI embedding call failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("OpenAI returned no embeddings")
	}
	return resp.Data[0].Embedding, nil
}

func (o *OpenAIClient) completionRequest(prompt string, params GenerationParams, n int) openai.CompletionRequest {
	req := openai.CompletionRequest{
		Model:  o.model,
		Prompt: prompt,
		N:      n,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// meanContinuationLogProb averages token log-probs whose offsets lie in
// [start, end).
func meanContinuationLogProb(lp openai.LogprobResult, start, end int) (float64, error) {
	var sum float64
	var count int
	for i, offset := range lp.TextOffset {
		if offset < start || offset >= end || i >= len(lp.TokenLogprobs) {
			continue
		}
		if i == 0 {
			continue
		}
		sum += float64(lp.TokenLogprobs[i])
		count++
	}
	if count == 0 {
		return 0, errors.New("no continuation tokens in log-prob response")
	}
	return sum / float64(count), nil
}

var (
	_ CompletionModel = (*OpenAIClient)(nil)
	_ LogProbScorer   = (*OpenAIClient)(nil)
	_ Embedder        = (*OpenAIClient)(nil)
)
