// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syntax checks generated code fragments with tree-sitter.
//
// A Checker parses a fragment in one of the supported languages and reports
// whether it is syntactically valid, where the errors are, and how deeply its
// control flow nests. Fragments are dedented before parsing so a continuation
// that starts inside a block still parses.
//
// Thread Safety: Checker is safe for concurrent use; every call uses its own
// tree-sitter parser.
package syntax

import (
	"strings"
)

// Issue is one syntax problem in a fragment.
type Issue struct {
	// Line is 1-based.
	Line int `json:"line"`

	// Column is 1-based.
	Column int `json:"column"`

	Message string `json:"message"`
}

// Report is the result of checking one fragment.
type Report struct {
	// Supported is false when no grammar exists for the language. Valid is
	// then true because nothing could be proven wrong.
	Supported bool

	Valid bool

	Issues []Issue

	// Warnings are constructs that parse but hide errors, such as a bare
	// except. They never affect Valid.
	Warnings []Issue

	// MaxNesting is the deepest chain of nested control-flow constructs
	// (if, loops, switch/match, try).
	MaxNesting int
}

// maxIssues caps the issues collected from heavily malformed input.
const maxIssues = 50

// controlFlowTypes lists the tree-sitter node types that count toward
// nesting depth, per language.
var controlFlowTypes = map[string]map[string]bool{
	"python": set("if_statement", "for_statement", "while_statement", "try_statement", "with_statement"),
	"javascript": set("if_statement", "for_statement", "for_in_statement", "while_statement",
		"do_statement", "switch_statement", "try_statement"),
	"java": set("if_statement", "for_statement", "enhanced_for_statement", "while_statement",
		"do_statement", "switch_expression", "try_statement"),
	"ruby": set("if", "unless", "while", "until", "for", "case", "begin"),
	"go": set("if_statement", "for_statement", "expression_switch_statement",
		"type_switch_statement", "select_statement"),
	"rust": set("if_expression", "for_expression", "while_expression", "loop_expression",
		"match_expression"),
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}

// SupportedLanguages returns the languages with a grammar, in a stable order.
func SupportedLanguages() []string {
	return []string{"python", "javascript", "java", "ruby", "go", "rust"}
}

// Dedent removes the longest common leading whitespace from every non-blank
// line of code.
func Dedent(code string) string {
	lines := strings.Split(code, "\n")
	prefix := ""
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if first {
			prefix = indent
			first = false
			continue
		}
		prefix = commonPrefix(prefix, indent)
		if prefix == "" {
			break
		}
	}
	if prefix == "" {
		return code
	}
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = strings.TrimPrefix(line, prefix)
	}
	return strings.Join(lines, "\n")
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}
