// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/AleutianAI/AleutianComplete/pkg/extensions"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Options configures SetupRoutes.
type Options struct {
	// ServiceName names the otelgin server spans. Default: "completiond".
	ServiceName string

	// Extensions supplies the AuthProvider for /v1.
	Extensions extensions.ServiceOptions

	// Limiter rate limits /v1 per client IP. Nil disables ingress limiting.
	Limiter *middleware.IngressLimiter

	// Gatherer is served on /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Health serves /health. Default: a handler reporting "ok".
	Health gin.HandlerFunc
}

// SetupRoutes registers the completion API on router.
//
// # Description
//
// /health and /metrics are unauthenticated. Every /v1 route runs the
// ingress limiter, then authentication; cache administration, snippet
// indexing and profile listing also require the admin role.
func SetupRoutes(router *gin.Engine, h *handlers.CompletionHandler, opts Options) {
	if opts.ServiceName == "" {
		opts.ServiceName = "completiond"
	}
	if opts.Extensions.AuthProvider == nil {
		opts.Extensions = extensions.DefaultOptions()
	}
	if opts.Health == nil {
		opts.Health = handlers.Health("", nil)
	}

	router.Use(otelgin.Middleware(opts.ServiceName))

	router.GET("/health", opts.Health)
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	if opts.Limiter != nil {
		v1.Use(middleware.RateLimit(opts.Limiter))
	}
	v1.Use(middleware.AuthMiddleware(opts.Extensions.AuthProvider))
	{
		v1.POST("/completions", h.Complete)
		v1.POST("/completions/stream", h.Stream)
		v1.POST("/feedback", h.Feedback)
		v1.GET("/preferences", h.GetPreferences)
		v1.POST("/preferences", h.UpdatePreferences)
		v1.DELETE("/preferences", h.ResetPreferences)
		v1.GET("/languages", h.Languages)
		v1.POST("/languages/detect", h.DetectLanguage)

		// Cache administration routes
		admin := v1.Group("/cache", middleware.RequireRole(middleware.RoleAdmin))
		{
			admin.GET("/stats", h.CacheStats)
			admin.DELETE("", h.PurgeCache)
		}

		v1.POST("/snippets", middleware.RequireRole(middleware.RoleAdmin), h.IndexSnippets)
		v1.GET("/profiles", middleware.RequireRole(middleware.RoleAdmin), h.ListProfiles)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, handlers.ErrorResponse{Error: "not found"})
	})
}
