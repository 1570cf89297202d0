// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package completion

import (
	"fmt"
	"sort"
	"strings"
)

// Fix is a suggested change for a problem in the code around the cursor.
type Fix struct {
	Line       int    `json:"line"`
	Column     int    `json:"column"`
	Problem    string `json:"problem"`
	Suggestion string `json:"suggestion"`
}

// fixRule maps diagnostics whose message contains match to a hint.
type fixRule struct {
	source string
	match  string
	hint   func(d Diagnostic) string
}

var fixRules = []fixRule{
	{source: "syntax", match: "Missing ", hint: func(Diagnostic) string {
		return "Check for unclosed parentheses, brackets, or quotes"
	}},
	{source: "syntax", match: "Unexpected", hint: func(Diagnostic) string {
		return "Review the line for typos or missing colons"
	}},
	{source: "syntax", match: "Syntax error", hint: func(Diagnostic) string {
		return "Review the line for typos or missing colons"
	}},
	{source: "syntax", match: "Bare except clause", hint: func(d Diagnostic) string {
		return fmt.Sprintf("Specify an exception to catch on line %d, e.g. 'except Exception:'", d.Line)
	}},
	{source: "syntax", match: "Empty except clause", hint: func(d Diagnostic) string {
		return fmt.Sprintf("Add a specific exception to catch on line %d", d.Line)
	}},
	{source: "syntax", match: "Catch block without parameter", hint: func(d Diagnostic) string {
		return fmt.Sprintf("Bind the error on line %d, e.g. 'catch (err)', and handle or rethrow it", d.Line)
	}},
	{source: "syntax", match: "declared but not initialized", hint: func(d Diagnostic) string {
		return fmt.Sprintf("Initialize the variable where it is declared on line %d", d.Line)
	}},
}

// SuggestFixes maps the errors and warnings in b to fix hints, in position
// order. Diagnostics without a matching rule produce nothing.
func SuggestFixes(b DiagnosticsBundle) []Fix {
	var fixes []Fix
	for _, group := range [][]Diagnostic{b.Errors, b.Warnings} {
		for _, d := range group {
			for _, rule := range fixRules {
				if d.Source != rule.source || !strings.Contains(d.Message, rule.match) {
					continue
				}
				fixes = append(fixes, Fix{
					Line:       d.Line,
					Column:     d.Column,
					Problem:    d.Message,
					Suggestion: rule.hint(d),
				})
				break
			}
		}
	}
	sortFixes(fixes)
	return fixes
}

func sortFixes(fixes []Fix) {
	sort.SliceStable(fixes, func(i, j int) bool {
		if fixes[i].Line != fixes[j].Line {
			return fixes[i].Line < fixes[j].Line
		}
		return fixes[i].Column < fixes[j].Column
	})
}
