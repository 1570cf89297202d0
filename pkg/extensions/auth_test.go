// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"testing"
)

func TestNopAuthProvider_AlwaysLocalUser(t *testing.T) {
	info, err := (&NopAuthProvider{}).Validate(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.UserID != LocalUserID {
		t.Errorf("UserID = %q, want %q", info.UserID, LocalUserID)
	}
	if !info.HasRole("admin") {
		t.Error("local user should be admin")
	}
}

func TestStaticTokenAuthProvider(t *testing.T) {
	p := NewStaticTokenAuthProvider(map[string]string{
		"key-a": "alice",
		"key-b": "bob",
	}, "bob")

	t.Run("known token resolves", func(t *testing.T) {
		info, err := p.Validate(context.Background(), "key-a")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.UserID != "alice" || info.HasRole("admin") {
			t.Errorf("got %+v", info)
		}
	})

	t.Run("admin role assigned", func(t *testing.T) {
		info, err := p.Validate(context.Background(), "key-b")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !info.HasRole("admin") {
			t.Error("bob should be admin")
		}
	})

	t.Run("unknown and empty tokens rejected", func(t *testing.T) {
		for _, tok := range []string{"", "nope"} {
			_, err := p.Validate(context.Background(), tok)
			if !errors.Is(err, ErrUnauthorized) {
				t.Errorf("Validate(%q) err = %v, want ErrUnauthorized", tok, err)
			}
		}
	})
}

func TestServiceOptions(t *testing.T) {
	opts := DefaultOptions()
	if !opts.IsAnonymous() {
		t.Error("default options should be anonymous")
	}
	opts = opts.WithAuth(NewStaticTokenAuthProvider(nil))
	if opts.IsAnonymous() {
		t.Error("static token provider is not anonymous")
	}

	var nilInfo *AuthInfo
	if nilInfo.HasRole("admin") {
		t.Error("nil AuthInfo has no roles")
	}
}
