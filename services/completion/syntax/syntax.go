// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build cgo

package syntax

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/rust"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.completion.syntax")

// Checker validates code fragments with tree-sitter.
type Checker struct{}

// NewChecker creates a Checker.
func NewChecker() *Checker {
	return &Checker{}
}

// IsAvailable reports whether tree-sitter parsing is compiled in.
func IsAvailable() bool {
	return true
}

// Check parses code as lang and reports its validity and nesting depth.
//
// # Description
//
// The fragment is dedented first. ERROR and MISSING nodes become Issues.
// Error-handling smells (bare except, catch without a binding) become
// Warnings. A Rust fragment that does not parse as a source file is parsed
// again as a function body, since completions usually end in a tail
// expression. Languages without a grammar yield
// Report{Supported: false, Valid: true}.
//
// # Inputs
//
//   - ctx: Context for cancellation and tracing.
//   - code: The fragment to check.
//   - lang: Canonical language name ("python", "go", ...).
//
// # Outputs
//
//   - Report: The result.
//   - error: Non-nil only when parsing itself failed (e.g. cancelled).
func (c *Checker) Check(ctx context.Context, code string, lang string) (Report, error) {
	tsLang := treeSitterLanguage(lang)
	if tsLang == nil {
		return Report{Supported: false, Valid: true}, nil
	}

	ctx, span := tracer.Start(ctx, "syntax.Check")
	defer span.End()
	span.SetAttributes(attribute.String("language", lang))

	source := Dedent(code)
	report, err := parse(ctx, tsLang, lang, []byte(source), 0)
	if err != nil {
		return Report{}, err
	}
	if !report.Valid && lang == "rust" {
		wrapped, err := parse(ctx, tsLang, lang, []byte(rustBodyPrefix+source+rustBodySuffix), 1)
		if err != nil {
			return Report{}, err
		}
		if wrapped.Valid {
			span.SetAttributes(attribute.Bool("wrapped", true))
			return wrapped, nil
		}
	}
	return report, nil
}

// Rust fragments are retried inside a function body. The prefix adds one
// line, which lineOffset removes from reported positions.
const (
	rustBodyPrefix = "fn _f() {\n"
	rustBodySuffix = "\n}"
)

// parse builds a Report for source. lineOffset is subtracted from every
// reported line.
func parse(ctx context.Context, tsLang *sitter.Language, lang string, source []byte, lineOffset int) (Report, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(tsLang)

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return Report{}, fmt.Errorf("parsing failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	issues := make([]Issue, 0)
	collectIssues(root, source, &issues, 0)
	var warnings []Issue
	collectWarnings(root, source, lang, &warnings, 0)

	for _, list := range [][]Issue{issues, warnings} {
		for i := range list {
			list[i].Line = max(1, list[i].Line-lineOffset)
		}
	}
	return Report{
		Supported:  true,
		Valid:      len(issues) == 0 && !root.HasError(),
		Issues:     issues,
		Warnings:   warnings,
		MaxNesting: nestingDepth(root, controlFlowTypes[lang], 0),
	}, nil
}

// treeSitterLanguage returns the grammar for lang, or nil.
func treeSitterLanguage(lang string) *sitter.Language {
	switch lang {
	case "python":
		return python.GetLanguage()
	case "javascript":
		return javascript.GetLanguage()
	case "java":
		return java.GetLanguage()
	case "ruby":
		return ruby.GetLanguage()
	case "go":
		return golang.GetLanguage()
	case "rust":
		return rust.GetLanguage()
	default:
		return nil
	}
}

// collectIssues walks the tree and records ERROR/MISSING nodes.
func collectIssues(node *sitter.Node, source []byte, issues *[]Issue, depth int) {
	if node == nil || depth > 1000 || len(*issues) >= maxIssues {
		return
	}

	if node.IsError() || node.IsMissing() {
		start := node.StartPoint()
		msg := "Syntax error"
		if node.IsMissing() {
			msg = fmt.Sprintf("Missing %s", node.Type())
		} else if text := nodeText(node, source); text != "" {
			msg = fmt.Sprintf("Unexpected: %s", truncate(text, 50))
		}
		*issues = append(*issues, Issue{
			Line:    int(start.Row) + 1,
			Column:  int(start.Column) + 1,
			Message: msg,
		})
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		collectIssues(node.Child(i), source, issues, depth+1)
	}
}

// collectWarnings records error-handling smells: Python bare excepts and
// try statements without a handler, JavaScript catch clauses without a
// binding and declarations without an initializer.
func collectWarnings(node *sitter.Node, source []byte, lang string, warnings *[]Issue, depth int) {
	if node == nil || depth > 1000 || len(*warnings) >= maxIssues {
		return
	}

	if msg := smell(node, source, lang); msg != "" {
		start := node.StartPoint()
		*warnings = append(*warnings, Issue{
			Line:    int(start.Row) + 1,
			Column:  int(start.Column) + 1,
			Message: msg,
		})
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		collectWarnings(node.NamedChild(i), source, lang, warnings, depth+1)
	}
}

func smell(node *sitter.Node, source []byte, lang string) string {
	switch lang {
	case "python":
		switch node.Type() {
		case "except_clause":
			for i := 0; i < int(node.NamedChildCount()); i++ {
				switch node.NamedChild(i).Type() {
				case "block", "comment":
				default:
					return ""
				}
			}
			return "Bare except clause"
		case "try_statement":
			for i := 0; i < int(node.NamedChildCount()); i++ {
				switch node.NamedChild(i).Type() {
				case "except_clause", "except_group_clause":
					return ""
				}
			}
			return "Empty except clause"
		}
	case "javascript":
		switch node.Type() {
		case "catch_clause":
			if node.ChildByFieldName("parameter") == nil {
				return "Catch block without parameter"
			}
		case "variable_declarator":
			if node.ChildByFieldName("value") != nil {
				return ""
			}
			if parent := node.Parent(); parent == nil ||
				(parent.Type() != "variable_declaration" && parent.Type() != "lexical_declaration") {
				return ""
			}
			if name := node.ChildByFieldName("name"); name != nil {
				return fmt.Sprintf("Variable '%s' declared but not initialized", nodeText(name, source))
			}
		}
	}
	return ""
}

// nestingDepth returns the longest chain of control-flow nodes below node.
func nestingDepth(node *sitter.Node, types map[string]bool, depth int) int {
	if node == nil || depth > 1000 {
		return 0
	}
	best := 0
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child == nil {
			continue
		}
		d := nestingDepth(child, types, depth+1)
		if types[child.Type()] {
			d++
		}
		if d > best {
			best = d
		}
	}
	return best
}

func nodeText(node *sitter.Node, source []byte) string {
	start, end := node.StartByte(), node.EndByte()
	if end > uint32(len(source)) {
		end = uint32(len(source))
	}
	if start >= end || end-start >= 100 {
		return ""
	}
	return string(source[start:end])
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
