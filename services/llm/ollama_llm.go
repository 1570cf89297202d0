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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("aleutian.llm.ollama")

// Ollama defaults for code completion. Completions are short and mostly
// deterministic, so these are tighter than chat defaults.
const (
	defaultOllamaTemperature = float32(0.2)
	defaultOllamaTopK        = 40
	defaultOllamaTopP        = float32(0.95)
	defaultOllamaNumPredict  = 128
)

// OllamaConfig configures an OllamaClient.
type OllamaConfig struct {
	// BaseURL of the Ollama server, e.g. "http://localhost:11434".
	BaseURL string `yaml:"base_url"`

	// Model used for generation. Default: "qwen2.5-coder:1.5b".
	Model string `yaml:"model"`

	// EmbeddingModel used by Embed. Default: "nomic-embed-text".
	EmbeddingModel string `yaml:"embedding_model"`

	// Timeout per HTTP call. Default: 2 minutes.
	Timeout time.Duration `yaml:"timeout"`

	// MaxParallel bounds concurrent /api/generate calls for one request.
	// Default: 4.
	MaxParallel int `yaml:"max_parallel"`
}

// OllamaClient implements CompletionModel and Embedder against the Ollama
// HTTP API.
//
// Ollama returns one sequence per /api/generate call, so n sequences are
// produced by n concurrent calls bounded by MaxParallel.
type OllamaClient struct {
	httpClient     *http.Client
	baseURL        string
	model          string
	embeddingModel string
	maxParallel    int
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Raw     bool           `json:"raw"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient creates a client for the Ollama server in config.
//
// # Outputs
//
//   - *OllamaClient: Ready client.
//   - error: Non-nil if BaseURL is empty.
func NewOllamaClient(config OllamaConfig) (*OllamaClient, error) {
	if config.BaseURL == "" {
		return nil, errors.New("ollama base URL not set")
	}
	if config.Model == "" {
		config.Model = "qwen2.5-coder:1.5b"
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = "nomic-embed-text"
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = 4
	}
	baseURL := strings.TrimSuffix(config.BaseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", config.Model)
	return &OllamaClient{
		httpClient:     &http.Client{Timeout: config.Timeout},
		baseURL:        baseURL,
		model:          config.Model,
		embeddingModel: config.EmbeddingModel,
		maxParallel:    config.MaxParallel,
	}, nil
}

// Model returns the generation model name.
func (o *OllamaClient) Model() string { return o.model }

// Generate produces n sequences with n concurrent non-streaming calls.
//
// # Description
//
// Any single call failing fails the whole request; partial results are not
// returned because the caller oversamples and cannot tell a short answer
// from a broken backend.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams, n int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model), attribute.Int("llm.n", n))

	if n <= 0 {
		return nil, nil
	}

	seqs := make([]string, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxParallel)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			text, err := o.generateOne(gctx, prompt, params)
			if err != nil {
				return err
			}
			seqs[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return seqs, nil
}

// GenerateStream produces n sequences, yielding each one as soon as its
// NDJSON stream reports done.
func (o *OllamaClient) GenerateStream(ctx context.Context, prompt string, params GenerationParams, n int) (SequenceStream, error) {
	if n <= 0 {
		return NewSliceStream(), nil
	}
	return newPipeStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		ctx, span := tracer.Start(ctx, "OllamaClient.GenerateStream")
		defer span.End()
		span.SetAttributes(attribute.String("llm.model", o.model), attribute.Int("llm.n", n))

		var emitMu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.maxParallel)
		for i := 0; i < n; i++ {
			g.Go(func() error {
				text, err := o.streamOne(gctx, prompt, params)
				if err != nil {
					return err
				}
				emitMu.Lock()
				defer emitMu.Unlock()
				if !emit(text) {
					return gctx.Err()
				}
				return nil
			})
		}
		err := g.Wait()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}), nil
}

// Embed returns the embedding of text using the configured embedding model.
func (o *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Embed")
	defer span.End()

	body, err := json.Marshal(ollamaEmbedRequest{Model: o.embeddingModel, Input: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}
	respBody, err := o.post(ctx, "/api/embed", body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer respBody.Close()

	var out ollamaEmbedResponse
	if err := json.NewDecoder(respBody).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse Ollama embed response: %w", err)
	}
	if len(out.Embeddings) == 0 {
		return nil, errors.New("ollama returned no embeddings")
	}
	return out.Embeddings[0], nil
}

// generateOne performs one non-streaming /api/generate call.
func (o *OllamaClient) generateOne(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	body, err := o.marshalGenerate(prompt, params, false)
	if err != nil {
		return "", err
	}
	respBody, err := o.post(ctx, "/api/generate", body)
	if err != nil {
		return "", err
	}
	defer respBody.Close()

	var out ollamaGenerateResponse
	if err := json.NewDecoder(respBody).Decode(&out); err != nil {
		slog.Error("Failed to parse JSON response from Ollama", "error", err)
		return "", fmt.Errorf("failed to parse Ollama response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama error: %s", out.Error)
	}
	return out.Response, nil
}

// streamOne performs one streaming /api/generate call and accumulates the
// NDJSON chunks into a single sequence.
func (o *OllamaClient) streamOne(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	body, err := o.marshalGenerate(prompt, params, true)
	if err != nil {
		return "", err
	}
	respBody, err := o.post(ctx, "/api/generate", body)
	if err != nil {
		return "", err
	}
	defer respBody.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaGenerateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			slog.Warn("Skipping malformed Ollama stream chunk", "error", err)
			continue
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama stream error: %s", chunk.Error)
		}
		sb.WriteString(chunk.Response)
		if chunk.Done {
			return sb.String(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("reading Ollama stream: %w", err)
	}
	return "", errors.New("ollama stream ended without done marker")
}

func (o *OllamaClient) marshalGenerate(prompt string, params GenerationParams, stream bool) ([]byte, error) {
	payload := ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  stream,
		Raw:     true,
		Options: ollamaOptions(params),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}
	return body, nil
}

// post sends body to path and returns the response body on HTTP 200.
func (o *OllamaClient) post(ctx context.Context, path string, body []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "error", err)
		return nil, fmt.Errorf("ollama API call failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusNotFound && strings.Contains(string(respBody), "not found") {
			slog.Warn("Ollama model not found", "model", o.model)
			return nil, fmt.Errorf("model '%s' not found, run 'ollama pull %s'", o.model, o.model)
		}
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return nil, fmt.Errorf("ollama failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return resp.Body, nil
}

// ollamaOptions maps GenerationParams onto Ollama's options object.
func ollamaOptions(params GenerationParams) map[string]any {
	options := map[string]any{
		"temperature": defaultOllamaTemperature,
		"top_k":       defaultOllamaTopK,
		"top_p":       defaultOllamaTopP,
		"num_predict": defaultOllamaNumPredict,
	}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

var (
	_ CompletionModel = (*OllamaClient)(nil)
	_ Embedder        = (*OllamaClient)(nil)
)
