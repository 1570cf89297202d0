// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable seams of the completion service.
//
// The completion core only ever sees an opaque user ID. How that ID is
// obtained (a single local user, static API keys, an identity provider) is
// decided by the AuthProvider injected through ServiceOptions.
//
// # Usage
//
// Local single-user deployment:
//
//	opts := extensions.DefaultOptions()
//
// Shared deployment with API keys:
//
//	opts := extensions.DefaultOptions().WithAuth(
//	    extensions.NewStaticTokenAuthProvider(map[string]string{
//	        "ak_live_1": "alice",
//	    }),
//	)
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups the extension points handed to the HTTP service.
type ServiceOptions struct {
	// AuthProvider resolves bearer tokens into user identities.
	// Default: NopAuthProvider (every caller is "local-user").
	AuthProvider AuthProvider
}

// DefaultOptions returns ServiceOptions with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
	}
}

// WithAuth returns a copy of opts using provider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// IsAnonymous reports whether opts uses the no-op auth provider, in which
// case callers may name themselves in request bodies.
func (opts ServiceOptions) IsAnonymous() bool {
	if opts.AuthProvider == nil {
		return true
	}
	_, ok := opts.AuthProvider.(*NopAuthProvider)
	return ok
}
