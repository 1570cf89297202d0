// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the completion service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header,
// validates it with the configured AuthProvider and stores the resulting
// AuthInfo in the Gin context. Handlers read the caller's user id from it;
// that id is the key for the completion cache, the per-user throttle and
// the personalization profile.
//
//	Request
//	   │
//	   ▼
//	RateLimit (per client IP)
//	   │
//	   ▼
//	Auth ──► provider.Validate(ctx, token) ──► SetAuthInfo
//	   │
//	   ▼
//	Handler (GetAuthInfo)
//
// # Open Source Behavior
//
// With NopAuthProvider every request is "local-user" with the admin role,
// so a single-developer install needs no credentials.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianComplete/pkg/extensions"
	"github.com/gin-gonic/gin"
)

// authInfoKey is the Gin context key for AuthInfo.
const authInfoKey = "aleutian_auth_info"

// RoleAdmin guards cache administration routes.
const RoleAdmin = "admin"

// SetAuthInfo stores the authenticated caller in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated caller, or nil when the request did
// not pass through AuthMiddleware.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware authenticates every request with provider.
//
// # Description
//
// Reads "Authorization: Bearer <token>" (scheme is case-insensitive) and
// passes the token, possibly empty, to provider.Validate. Failures abort
// with 401 and never reach the handler.
//
// # Inputs
//
//   - provider: Token validator. Must not be nil and must be safe for
//     concurrent use.
//
// # Limitations
//
//   - Bearer tokens only.
//   - Validation results are not cached.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo, err := provider.Validate(c.Request.Context(), extractBearerToken(c))
		if err != nil || authInfo == nil || authInfo.UserID == "" {
			msg := "authentication failed"
			if errors.Is(err, extensions.ErrUnauthorized) {
				msg = "unauthorized"
			}
			slog.Debug("Rejected request", "path", c.FullPath(), "reason", msg)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// RequireRole aborts with 403 unless the caller holds role. Must run after
// AuthMiddleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !GetAuthInfo(c).HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// extractBearerToken returns the bearer token, or "" when the header is
// missing or uses another scheme.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
