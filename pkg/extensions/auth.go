// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when a token cannot be resolved to a user.
//
// Wrap it to add context; callers test with errors.Is:
//
//	return nil, fmt.Errorf("unknown api key: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// LocalUserID is the identity assigned by NopAuthProvider.
const LocalUserID = "local-user"

// AuthInfo is the identity of an authenticated caller.
type AuthInfo struct {
	// UserID is the opaque identifier the completion core keys on.
	// Never empty for a successfully validated caller.
	UserID string

	// Roles are used for admin-only routes (cache purge).
	Roles []string
}

// HasRole reports whether the caller holds role.
func (a *AuthInfo) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens and returns the caller's identity.
//
// # Description
//
// Validate is called once per HTTP request by the auth middleware. The
// token is whatever followed "Bearer " in the Authorization header and may
// be empty.
//
// # Outputs
//
//   - *AuthInfo: Identity for a valid token.
//   - error: ErrUnauthorized (possibly wrapped) for a rejected token.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts any token and returns the local admin user.
//
// Used for single-user local installs where the editor and the service run
// on the same machine.
type NopAuthProvider struct{}

// Validate always succeeds with LocalUserID.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: LocalUserID, Roles: []string{"admin"}}, nil
}

// StaticTokenAuthProvider maps fixed API keys to user IDs.
//
// # Description
//
// Tokens are compared in constant time. Users listed in admins receive the
// "admin" role.
//
// # Thread Safety
//
// Immutable after construction.
type StaticTokenAuthProvider struct {
	tokens map[string]string
	admins map[string]bool
}

// NewStaticTokenAuthProvider creates a provider from token -> userID pairs.
func NewStaticTokenAuthProvider(tokens map[string]string, admins ...string) *StaticTokenAuthProvider {
	p := &StaticTokenAuthProvider{
		tokens: make(map[string]string, len(tokens)),
		admins: make(map[string]bool, len(admins)),
	}
	for token, user := range tokens {
		p.tokens[token] = user
	}
	for _, a := range admins {
		p.admins[a] = true
	}
	return p
}

// Validate resolves token to its user.
func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	for known, user := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			info := &AuthInfo{UserID: user}
			if p.admins[user] {
				info.Roles = []string{"admin"}
			}
			return info, nil
		}
	}
	return nil, fmt.Errorf("unknown api key: %w", ErrUnauthorized)
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenAuthProvider)(nil)
)
