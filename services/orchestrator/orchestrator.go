// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the completion HTTP service.
//
// This package wires every component of the service: telemetry, the model
// backend, optional Weaviate retrieval, the BadgerDB profile store, the
// completion pipeline and the Gin router.
//
// # Extension Points
//
// Authentication is injected via extensions.ServiceOptions. Without options
// the service either authenticates the api_keys from Config or, when none
// are configured, treats every caller as the local user.
//
// # Usage
//
//	cfg, err := orchestrator.LoadConfig("completiond.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	log.Fatal(svc.Run(ctx))
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianComplete/pkg/extensions"
	"github.com/AleutianAI/AleutianComplete/services/completion"
	"github.com/AleutianAI/AleutianComplete/services/completion/profilestore"
	"github.com/AleutianAI/AleutianComplete/services/llm"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianComplete/services/retrieval"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Version is reported by /health. Set at build time with -ldflags.
var Version = "dev"

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the completion service lifecycle.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run should be called at
// most once per instance.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the server fails, then
	// shuts down gracefully and releases every resource.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine, for tests.
	Router() *gin.Engine

	// Close releases resources without serving. Safe to call after Run
	// and more than once.
	Close() error
}

// Components replaces collaborators New would otherwise build from
// Config. Zero fields are built as usual.
type Components struct {
	// Model replaces the configured LLM backend.
	Model llm.CompletionModel

	// Scorer enables log-prob ranking with a custom scorer.
	Scorer llm.LogProbScorer

	// Embedder replaces the backend's embedder for retrieval.
	Embedder llm.Embedder

	// Registerer and Gatherer replace the default Prometheus registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	Logger *slog.Logger
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Fields
//
//   - engine: The completion pipeline
//   - retriever: Weaviate retriever (may be nil)
//   - profiles: BadgerDB profile store (may be nil)
//   - limiter: Ingress limiter (may be nil)
//   - telemetryShutdown: Flushes traces and metrics on exit
type service struct {
	config            Config
	opts              extensions.ServiceOptions
	router            *gin.Engine
	engine            *completion.Orchestrator
	retriever         *retrieval.WeaviateRetriever
	profiles          *profilestore.BadgerRepository
	limiter           *middleware.IngressLimiter
	telemetryShutdown func(context.Context) error
	logger            *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the completion Service.
//
// # Description
//
// New initializes, in order:
//  1. Defaults and validation of cfg
//  2. OpenTelemetry tracing and metrics
//  3. The model backend (Ollama or OpenAI)
//  4. The Weaviate retriever, if configured
//  5. The BadgerDB profile store, if configured
//  6. The completion pipeline
//  7. The HTTP router
//
// A retriever that cannot reach Weaviate at startup is still installed;
// its circuit breaker keeps a down store off the request path.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Extension options. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run
//   - error: Non-nil if initialization fails; nothing is left open
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	return NewWithComponents(cfg, opts, Components{})
}

// NewWithComponents is New with injected collaborators.
func NewWithComponents(cfg Config, opts *extensions.ServiceOptions, comps Components) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := comps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{config: cfg, logger: logger}

	switch {
	case opts != nil:
		s.opts = *opts
	case len(cfg.APIKeys) > 0:
		s.opts = extensions.DefaultOptions().WithAuth(
			extensions.NewStaticTokenAuthProvider(cfg.APIKeys, cfg.Admins...))
	default:
		s.opts = extensions.DefaultOptions()
	}

	registerer, gatherer := comps.Registerer, comps.Gatherer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	telemetryCfg := cfg.Telemetry
	telemetryCfg.ServiceVersion = Version
	telemetryCfg.Registerer = registerer
	shutdown, err := observability.Init(context.Background(), telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown
	metrics := observability.NewMetrics(registerer)

	model, scorer, embedder, err := s.initModel(comps)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM backend: %w", err)
	}

	deps := completion.Dependencies{Model: model, Scorer: scorer, Logger: logger}

	if err := s.initRetriever(embedder); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize retrieval: %w", err)
	}
	if s.retriever != nil {
		deps.Retriever = s.retriever
	}

	if err := s.initProfiles(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open profile store: %w", err)
	}
	if s.profiles != nil {
		deps.Profiles = s.profiles
	}

	s.engine, err = completion.NewOrchestrator(cfg.Completion, deps)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create completion pipeline: %w", err)
	}

	s.initRouter(metrics, gatherer)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run serves until ctx is done.
//
// # Description
//
// Starts the throttle and ingress sweepers, then the HTTP server. When ctx
// is cancelled the server drains in-flight requests for up to
// ShutdownTimeout; open streams see their request contexts cancelled.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.serve(ctx, listener)
}

func (s *service) serve(ctx context.Context, listener net.Listener) error {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.engine.Throttler().RunSweeper(sweepCtx, s.config.ThrottleSweepInterval)
	if s.limiter != nil {
		go s.runIngressSweeper(sweepCtx)
	}

	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting completion server", "addr", listener.Addr().String(), "version", Version)
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down completion server", "timeout", s.config.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	<-errCh
	return nil
}

func (s *service) runIngressSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.config.ThrottleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Sweep(); n > 0 {
				s.logger.Debug("Swept idle ingress clients", "count", n)
			}
		}
	}
}

// Router returns the underlying Gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases the profile store and flushes telemetry.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cleanup()
	})
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initModel builds the configured backend, unless comps supplies a model.
func (s *service) initModel(comps Components) (llm.CompletionModel, llm.LogProbScorer, llm.Embedder, error) {
	if comps.Model != nil {
		return comps.Model, comps.Scorer, comps.Embedder, nil
	}

	var (
		model    llm.CompletionModel
		scorer   llm.LogProbScorer
		embedder llm.Embedder
	)
	switch s.config.LLM.Backend {
	case BackendOpenAI:
		client, err := llm.NewOpenAIClient(s.config.LLM.OpenAI)
		if err != nil {
			return nil, nil, nil, err
		}
		model, embedder = client, client
		if s.config.LLM.LogProbRanking {
			scorer = client
		}
		s.logger.Info("Using OpenAI LLM backend", "logprob_ranking", s.config.LLM.LogProbRanking)
	default:
		client, err := llm.NewOllamaClient(s.config.LLM.Ollama)
		if err != nil {
			return nil, nil, nil, err
		}
		model, embedder = client, client
		s.logger.Info("Using Ollama LLM backend")
	}

	if comps.Scorer != nil {
		scorer = comps.Scorer
	}
	if comps.Embedder != nil {
		embedder = comps.Embedder
	}
	return model, scorer, embedder, nil
}

// initRetriever creates the Weaviate retriever if a URL is configured.
func (s *service) initRetriever(embedder llm.Embedder) error {
	if s.config.Retrieval.URL == "" {
		s.logger.Info("Weaviate URL not configured, prompts will not be augmented")
		return nil
	}
	if embedder == nil {
		s.logger.Warn("No embedder available, retrieval disabled")
		return nil
	}

	rcfg := s.config.Retrieval
	rcfg.Logger = s.logger
	r, err := retrieval.NewWeaviateRetriever(rcfg, embedder)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.EnsureSchema(ctx); err != nil {
		s.logger.Warn("Weaviate schema check failed, continuing with retrieval enabled",
			"url", s.config.Retrieval.URL, "error", err)
	}
	s.retriever = r
	s.logger.Info("Weaviate retrieval initialized", "url", s.config.Retrieval.URL)
	return nil
}

// initProfiles opens the BadgerDB profile store if configured.
func (s *service) initProfiles() error {
	pcfg := s.config.Profiles
	if pcfg.Path == "" && !pcfg.InMemory {
		s.logger.Info("Profile store not configured, profiles are kept in memory only")
		return nil
	}
	pcfg.Logger = s.logger
	repo, err := profilestore.Open(pcfg)
	if err != nil {
		return err
	}
	s.profiles = repo
	s.logger.Info("Profile store opened", "path", pcfg.Path, "in_memory", pcfg.InMemory)
	return nil
}

// initRouter sets up the Gin router with all routes.
func (s *service) initRouter(metrics *observability.Metrics, gatherer prometheus.Gatherer) {
	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())

	if s.config.Ingress.RequestsPerSecond > 0 {
		s.limiter = middleware.NewIngressLimiter(s.config.Ingress.RequestsPerSecond, s.config.Ingress.Burst, 0)
	}

	checks := map[string]handlers.HealthCheck{}
	if s.retriever != nil {
		breaker := s.retriever.Breaker()
		checks["retrieval"] = func(context.Context) string { return breaker.State().String() }
	}

	h := handlers.NewCompletionHandler(s.engine, s.opts.IsAnonymous(), metrics, s.logger)
	if s.retriever != nil {
		h.WithIndexer(s.retriever)
	}
	routes.SetupRoutes(s.router, h, routes.Options{
		ServiceName: s.config.Telemetry.ServiceName,
		Extensions:  s.opts,
		Limiter:     s.limiter,
		Gatherer:    gatherer,
		Health:      handlers.Health(Version, checks),
	})
}

// cleanup releases everything New acquired.
func (s *service) cleanup() error {
	var errs []error
	if s.profiles != nil {
		if err := s.profiles.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close profile store: %w", err))
		}
	}
	if s.telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.telemetryShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

var _ Service = (*service)(nil)
