// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval finds code similar to the text being completed.
//
// WeaviateRetriever embeds the query, runs a nearVector search over the
// CodeSnippet class and returns snippets nearest first. Store calls go
// through a Breaker so a sick vector store costs a completion request one
// fast failure instead of a timeout.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"

	"github.com/AleutianAI/AleutianComplete/services/completion"
	"github.com/AleutianAI/AleutianComplete/services/llm"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.retrieval")

// DefaultClass is the Weaviate class holding code snippets.
const DefaultClass = "CodeSnippet"

// Config configures a WeaviateRetriever.
type Config struct {
	// URL is the Weaviate server URL, e.g. "http://localhost:8080".
	URL string `yaml:"url"`

	// Class is the snippet class. Default: CodeSnippet.
	Class string `yaml:"class"`

	// MaxQueryLength truncates queries before embedding.
	// Default: 2048 bytes.
	MaxQueryLength int `yaml:"max_query_length"`

	// Breaker configures retry and circuit breaking.
	Breaker BreakerConfig `yaml:"breaker"`

	// Logger for retrieval operations.
	// Default: slog.Default()
	Logger *slog.Logger `yaml:"-"`
}

// WeaviateRetriever implements completion.Retriever over Weaviate.
//
// Thread Safety: Safe for concurrent use.
type WeaviateRetriever struct {
	client   *weaviate.Client
	embedder llm.Embedder
	breaker  *Breaker
	class    string
	maxQuery int
	logger   *slog.Logger
}

var _ completion.Retriever = (*WeaviateRetriever)(nil)

// NewWeaviateRetriever creates a retriever. No request is made until the
// first call.
//
// # Inputs
//
//   - config: URL is required.
//   - embedder: Embeds queries and snippets. Required.
//
// # Outputs
//
//   - *WeaviateRetriever: Ready-to-use retriever.
//   - error: Non-nil if configuration is invalid.
func NewWeaviateRetriever(config Config, embedder llm.Embedder) (*WeaviateRetriever, error) {
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	if config.URL == "" {
		return nil, errors.New("url must not be empty")
	}
	u, err := url.Parse(config.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", config.URL)
	}
	if config.Class == "" {
		config.Class = DefaultClass
	}
	if config.MaxQueryLength <= 0 {
		config.MaxQueryLength = 2048
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	logger := config.Logger.With(slog.String("component", "retrieval"))

	breaker, err := NewBreaker(config.Breaker, logger)
	if err != nil {
		return nil, err
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: u.Host, Scheme: u.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &WeaviateRetriever{
		client:   client,
		embedder: embedder,
		breaker:  breaker,
		class:    config.Class,
		maxQuery: config.MaxQueryLength,
		logger:   logger,
	}, nil
}

// Breaker exposes the retriever's breaker for health reporting.
func (r *WeaviateRetriever) Breaker() *Breaker {
	return r.breaker
}

// snippetResult is one row of a nearVector search.
type snippetResult struct {
	Content    string `json:"content"`
	Additional struct {
		Distance *float64 `json:"distance"`
	} `json:"_additional"`
}

// Retrieve returns up to k snippets ordered by ascending distance.
//
// # Inputs
//
//   - ctx: Bounds the embedding call and the search.
//   - query: Text to match. Empty queries return no snippets.
//   - k: Maximum snippets. k <= 0 returns no snippets.
//
// # Outputs
//
//   - []completion.Snippet: Nearest first.
//   - error: Non-nil on embedding or search failure.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, query string, k int) ([]completion.Snippet, error) {
	if k <= 0 || query == "" {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k), attribute.String("class", r.class))

	if len(query) > r.maxQuery {
		query = query[len(query)-r.maxQuery:]
	}
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed failed")
		return nil, fmt.Errorf("embed query: %w", err)
	}

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}
	nearVector := r.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	var resp *models.GraphQLResponse
	err = r.breaker.Execute(ctx, func() error {
		var callErr error
		resp, callErr = r.client.GraphQL().Get().
			WithClassName(r.class).
			WithFields(fields...).
			WithNearVector(nearVector).
			WithLimit(k).
			Do(ctx)
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, fmt.Errorf("search %s: %w", r.class, err)
	}

	rows, err := r.parse(resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, err
	}

	snippets := make([]completion.Snippet, 0, len(rows))
	for _, row := range rows {
		if row.Content == "" {
			continue
		}
		s := completion.Snippet{Text: row.Content}
		if row.Additional.Distance != nil {
			s.Distance = *row.Additional.Distance
		}
		snippets = append(snippets, s)
	}
	sort.SliceStable(snippets, func(i, j int) bool {
		return snippets[i].Distance < snippets[j].Distance
	})
	if len(snippets) > k {
		snippets = snippets[:k]
	}
	span.SetAttributes(attribute.Int("results", len(snippets)))
	return snippets, nil
}

func (r *WeaviateRetriever) parse(resp *models.GraphQLResponse) ([]snippetResult, error) {
	if resp == nil {
		return nil, errors.New("nil GraphQL response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal GraphQL response data: %w", err)
	}
	var parsed struct {
		Get map[string][]snippetResult `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal GraphQL response data: %w", err)
	}
	return parsed.Get[r.class], nil
}

// Schema returns the snippet class definition. Vectors are supplied by
// the caller.
func (r *WeaviateRetriever) Schema() *models.Class {
	filterable := true
	return &models.Class{
		Class:       r.class,
		Description: "A code snippet used to ground completions.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The snippet source text.",
				Tokenization: "word",
			},
			{
				Name:            "language",
				DataType:        []string{"text"},
				Description:     "Detected language of the snippet.",
				IndexFilterable: &filterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureSchema creates the snippet class if it does not exist.
func (r *WeaviateRetriever) EnsureSchema(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.EnsureSchema")
	defer span.End()

	if _, err := r.client.Schema().ClassGetter().WithClassName(r.class).Do(ctx); err == nil {
		r.logger.Debug("schema already exists", slog.String("class", r.class))
		return nil
	}

	r.logger.Info("schema not found, creating it", slog.String("class", r.class))
	err := r.breaker.Execute(ctx, func() error {
		return r.client.Schema().ClassCreator().WithClass(r.Schema()).Do(ctx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create class failed")
		return fmt.Errorf("create class %s: %w", r.class, err)
	}
	return nil
}

// SnippetID derives the object id of a snippet from its class and text.
// Inserting the same snippet twice overwrites one object.
func SnippetID(class, text string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(class+"\x00"+text)).String())
}

// AddSnippets embeds snippets and inserts them in one batch. Empty
// snippets are skipped.
//
// # Outputs
//
//   - int: Number of snippets sent.
//   - error: Non-nil if any embedding or the batch fails. Nothing is
//     inserted when embedding fails.
func (r *WeaviateRetriever) AddSnippets(ctx context.Context, snippets []string) (int, error) {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.AddSnippets")
	defer span.End()

	objects := make([]*models.Object, 0, len(snippets))
	for _, s := range snippets {
		if s == "" {
			continue
		}
		vector, err := r.embedder.Embed(ctx, s)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "embed failed")
			return 0, fmt.Errorf("embed snippet: %w", err)
		}
		objects = append(objects, &models.Object{
			ID:    SnippetID(r.class, s),
			Class: r.class,
			Properties: map[string]interface{}{
				"content":  s,
				"language": string(completion.DetectContent(s)),
			},
			Vector: vector,
		})
	}
	if len(objects) == 0 {
		return 0, nil
	}

	err := r.breaker.Execute(ctx, func() error {
		results, err := r.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return err
		}
		for _, res := range results {
			if res.Result != nil && res.Result.Errors != nil && len(res.Result.Errors.Error) > 0 {
				return fmt.Errorf("batch object rejected: %s", res.Result.Errors.Error[0].Message)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch failed")
		return 0, fmt.Errorf("insert snippets: %w", err)
	}
	span.SetAttributes(attribute.Int("inserted", len(objects)))
	r.logger.Info("inserted snippets", slog.Int("count", len(objects)), slog.String("class", r.class))
	return len(objects), nil
}
