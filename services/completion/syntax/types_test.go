// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syntax

import "testing"

func TestDedent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no indent", "a\nb", "a\nb"},
		{"common spaces", "    a\n      b\n    c", "a\n  b\nc"},
		{"blank lines ignored", "    a\n\n    b", "a\n\nb"},
		{"tabs", "\t\tx\n\ty", "\tx\ny"},
		{"mixed prefixes", "  a\n\tb", "  a\n\tb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Dedent(tt.in); got != tt.want {
				t.Errorf("Dedent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSupportedLanguages(t *testing.T) {
	langs := SupportedLanguages()
	if len(langs) != 6 || langs[0] != "python" || langs[5] != "rust" {
		t.Errorf("SupportedLanguages() = %v", langs)
	}
	for _, l := range langs {
		if controlFlowTypes[l] == nil {
			t.Errorf("no control-flow types for %s", l)
		}
	}
}
