// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// =============================================================================
// Mock Server Helpers
// =============================================================================

func float32Ptr(v float32) *float32 { return &v }
func intPtr(v int) *int             { return &v }

// newTestOllamaClient creates an OllamaClient pointing to a test server.
func newTestOllamaClient(t *testing.T, baseURL string) *OllamaClient {
	t.Helper()
	client, err := NewOllamaClient(OllamaConfig{
		BaseURL:     baseURL,
		Model:       "test-model",
		Timeout:     10 * time.Second,
		MaxParallel: 2,
	})
	if err != nil {
		t.Fatalf("NewOllamaClient: %v", err)
	}
	return client
}

// decodeGenerate parses the request body sent to /api/generate.
func decodeGenerate(t *testing.T, r *http.Request) ollamaGenerateRequest {
	t.Helper()
	var req ollamaGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decode request: %v", err)
	}
	return req
}

// =============================================================================
// Construction
// =============================================================================

func TestNewOllamaClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewOllamaClient(OllamaConfig{}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestNewOllamaClient_Defaults(t *testing.T) {
	client, err := NewOllamaClient(OllamaConfig{BaseURL: "http://localhost:11434/"})
	if err != nil {
		t.Fatalf("NewOllamaClient: %v", err)
	}
	if client.baseURL != "http://localhost:11434" {
		t.Errorf("trailing slash not trimmed: %q", client.baseURL)
	}
	if client.Model() == "" || client.embeddingModel == "" {
		t.Error("default models not applied")
	}
	if client.maxParallel != 4 {
		t.Errorf("maxParallel = %d, want 4", client.maxParallel)
	}
}

// =============================================================================
// Generate
// =============================================================================

func TestOllamaClient_Generate_NSequences(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		req := decodeGenerate(t, r)
		if req.Stream {
			t.Error("Generate must not request streaming")
		}
		if !req.Raw {
			t.Error("completion prompts must be sent raw")
		}
		if req.Options["temperature"] != 0.7 {
			t.Errorf("temperature option = %v", req.Options["temperature"])
		}
		n := calls.Add(1)
		fmt.Fprintf(w, `{"model":"test-model","response":"seq-%d","done":true}`, n)
	}))
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	temp := float32(0.7)
	seqs, err := client.Generate(context.Background(), "def add(a, b):", GenerationParams{Temperature: &temp}, 3)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(seqs) != 3 {
		t.Fatalf("len(seqs) = %d, want 3", len(seqs))
	}
	sort.Strings(seqs)
	if seqs[0] != "seq-1" || seqs[2] != "seq-3" {
		t.Errorf("unexpected sequences %v", seqs)
	}
}

func TestOllamaClient_Generate_ZeroN(t *testing.T) {
	client := newTestOllamaClient(t, "http://127.0.0.1:1")
	seqs, err := client.Generate(context.Background(), "x", GenerationParams{}, 0)
	if err != nil || seqs != nil {
		t.Errorf("Generate(n=0) = %v, %v", seqs, err)
	}
}

func TestOllamaClient_Generate_ModelNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'test-model' not found"}`))
	}))
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	_, err := client.Generate(context.Background(), "x", GenerationParams{}, 2)
	if err == nil || !strings.Contains(err.Error(), "ollama pull") {
		t.Fatalf("expected pull hint, got %v", err)
	}
}

func TestOllamaClient_Generate_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	if _, err := client.Generate(context.Background(), "x", GenerationParams{}, 1); err == nil {
		t.Fatal("expected error on 503")
	}
}

// =============================================================================
// GenerateStream
// =============================================================================

func TestOllamaClient_GenerateStream_AccumulatesChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeGenerate(t, r)
		if !req.Stream {
			t.Error("GenerateStream must request streaming")
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, tok := range []string{"return", " a", " + b"} {
			fmt.Fprintf(w, "{\"response\":%q,\"done\":false}\n", tok)
		}
		w.Write([]byte("not json\n"))
		w.Write([]byte(`{"response":"","done":true}` + "\n"))
	}))
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	stream, err := client.GenerateStream(context.Background(), "def add(a, b):\n    ", GenerationParams{}, 2)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	defer stream.Close()

	var got []string
	for {
		seq, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, seq)
	}
	if len(got) != 2 {
		t.Fatalf("got %d sequences, want 2", len(got))
	}
	for _, seq := range got {
		if seq != "return a + b" {
			t.Errorf("sequence = %q", seq)
		}
	}
}

func TestOllamaClient_GenerateStream_MissingDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"partial","done":false}` + "\n"))
	}))
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	stream, err := client.GenerateStream(context.Background(), "x", GenerationParams{}, 1)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Next(context.Background()); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected stream error, got %v", err)
	}
	// The error is sticky.
	if _, err := stream.Next(context.Background()); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected sticky error, got %v", err)
	}
}

func TestOllamaClient_GenerateStream_CloseStopsProducer(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := newTestOllamaClient(t, server.URL)
	stream, err := client.GenerateStream(context.Background(), "x", GenerationParams{}, 3)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	done := make(chan struct{})
	go func() {
		stream.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the producer")
	}
}

// =============================================================================
// Embed and options
// =============================================================================

func TestOllamaClient_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"embeddings":[[0.1,0.2,0.3]]}`))
	}))
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	vec, err := client.Embed(context.Background(), "func main() {}")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[1] != float32(0.2) {
		t.Errorf("vec = %v", vec)
	}
}

func TestOllamaOptions(t *testing.T) {
	opts := ollamaOptions(GenerationParams{})
	if opts["num_predict"] != defaultOllamaNumPredict {
		t.Errorf("default num_predict = %v", opts["num_predict"])
	}
	if _, ok := opts["stop"]; ok {
		t.Error("stop should be omitted when empty")
	}

	opts = ollamaOptions(GenerationParams{
		TopK:      intPtr(5),
		TopP:      float32Ptr(0.5),
		MaxTokens: intPtr(10),
		Stop:      []string{"\n\n"},
	})
	if opts["top_k"] != 5 || opts["top_p"] != float32(0.5) || opts["num_predict"] != 10 {
		t.Errorf("overrides not applied: %v", opts)
	}
}

func TestGenerationParams_Clone(t *testing.T) {
	orig := GenerationParams{Temperature: float32Ptr(0.3), Stop: []string{"a"}}
	c := orig.Clone()
	*c.Temperature = 0.9
	c.Stop[0] = "b"
	if *orig.Temperature != 0.3 || orig.Stop[0] != "a" {
		t.Error("Clone shares memory with the original")
	}
}

func TestPipeStream_NoLeakAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	stream := newPipeStream(context.Background(), func(ctx context.Context, emit func(string) bool) error {
		for i := 0; ; i++ {
			if !emit(fmt.Sprintf("seq-%d", i)) {
				return ctx.Err()
			}
		}
	})
	first, err := stream.Next(context.Background())
	if err != nil || first != "seq-0" {
		t.Fatalf("Next = %q, %v", first, err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPipeStream_ProducerError(t *testing.T) {
	boom := errors.New("boom")
	stream := newPipeStream(context.Background(), func(ctx context.Context, emit func(string) bool) error {
		emit("ok")
		return boom
	})
	defer stream.Close()

	if seq, err := stream.Next(context.Background()); err != nil || seq != "ok" {
		t.Fatalf("Next = %q, %v", seq, err)
	}
	if _, err := stream.Next(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected producer error, got %v", err)
	}
}

func TestSliceStream(t *testing.T) {
	s := NewSliceStream("a", "b")
	ctx := context.Background()
	for _, want := range []string{"a", "b"} {
		got, err := s.Next(ctx)
		if err != nil || got != want {
			t.Fatalf("Next = %q, %v; want %q", got, err, want)
		}
	}
	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := NewSliceStream("x").Next(cancelled); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
