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
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianComplete/services/completion/syntax"
)

// SyntaxChecker validates a code fragment for a language.
// *syntax.Checker implements it.
type SyntaxChecker interface {
	Check(ctx context.Context, code string, lang string) (syntax.Report, error)
}

// SafetyChecker is the hard-reject denylist.
// *policy_engine.PolicyEngine implements it.
type SafetyChecker interface {
	IsUnsafe(code, lang string) (bool, string)
}

// Heuristic score weights. A candidate that passes every check scores
// MaxHeuristicScore.
const (
	scoreValid       = 1.0
	scoreSafe        = 1.0
	scoreRelevant    = 1.0
	scoreIndentation = 0.5
	scoreNaming      = 0.5
	scoreShort       = 0.5
	scoreShallow     = 0.5

	MaxHeuristicScore = scoreValid + scoreSafe + scoreRelevant +
		scoreIndentation + scoreNaming + scoreShort + scoreShallow

	// shortCandidateChars is the length under which a candidate earns the
	// brevity bonus.
	shortCandidateChars = 100

	// maxPreferredNesting is the deepest control-flow nesting that still
	// earns the shallow-nesting bonus.
	maxPreferredNesting = 2
)

var (
	wordPattern       = regexp.MustCompile(`\w+`)
	identifierPattern = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*\b`)
	lowerCamelPattern = regexp.MustCompile(`^[a-z][a-z0-9]*[A-Z]`)
	lowerSnakePattern = regexp.MustCompile(`^[a-z][a-z0-9]*_[a-z0-9]`)
)

// snakeCaseLanguages use snake_case for locals and functions; the rest use
// camelCase.
var snakeCaseLanguages = map[Language]bool{
	LangPython: true,
	LangRuby:   true,
	LangRust:   true,
}

// CandidateFilter hard-rejects bad candidates and scores the rest.
//
// # Description
//
// A candidate is discarded when it is blank, a duplicate of an earlier
// candidate, syntactically invalid for the language, or matches a
// high-severity denylist rule. Survivors get a heuristic score and
// Valid=true. Source order is preserved.
//
// # Thread Safety
//
// Safe for concurrent use. Filter touches no shared mutable state.
type CandidateFilter struct {
	syntax SyntaxChecker
	safety SafetyChecker
	logger *slog.Logger
}

// NewCandidateFilter creates a filter. Both checkers are required.
func NewCandidateFilter(syntaxChecker SyntaxChecker, safety SafetyChecker, logger *slog.Logger) *CandidateFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CandidateFilter{syntax: syntaxChecker, safety: safety, logger: logger}
}

// Filter returns the candidates that pass the hard checks, scored.
//
// # Inputs
//
//   - ctx: Cancelling stops filtering; the survivors so far are returned.
//   - candidates: Raw generated candidates, in generation order.
//   - codeContext: The prompt, used for relevance.
//   - lang: The language candidates are checked against.
//
// # Outputs
//
//   - []Candidate: New slice; the input is not modified. May be empty.
func (f *CandidateFilter) Filter(ctx context.Context, candidates []Candidate, codeContext string, lang Language) []Candidate {
	contextWords := wordSet(codeContext)
	seen := make(map[string]bool, len(candidates))
	out := make([]Candidate, 0, len(candidates))

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		text := strings.TrimRight(c.Text, " \t\r\n")
		if strings.TrimSpace(text) == "" {
			recordFilterRejection(ctx, "empty")
			continue
		}
		if seen[text] {
			recordFilterRejection(ctx, "duplicate")
			continue
		}
		seen[text] = true

		if unsafe, ruleID := f.safety.IsUnsafe(text, string(lang)); unsafe {
			f.logger.Debug("Rejected unsafe candidate", "rule", ruleID, "language", lang)
			recordFilterRejection(ctx, "unsafe")
			continue
		}

		report, err := f.syntax.Check(ctx, text, string(lang))
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			f.logger.Warn("Syntax check failed, rejecting candidate", "language", lang, "error", err)
			recordFilterRejection(ctx, "syntax_unchecked")
			continue
		}
		if !report.Valid {
			recordFilterRejection(ctx, "syntax")
			continue
		}

		out = append(out, Candidate{
			Text:  text,
			Score: heuristicScore(text, contextWords, lang, report),
			Valid: true,
		})
	}
	return out
}

// heuristicScore sums the soft checks for a candidate that already passed
// validity and safety.
func heuristicScore(text string, contextWords map[string]bool, lang Language, report syntax.Report) float64 {
	score := scoreValid + scoreSafe
	if isRelevant(text, contextWords) {
		score += scoreRelevant
	}
	if hasConsistentIndentation(text) {
		score += scoreIndentation
	}
	if followsNamingConvention(text, lang) {
		score += scoreNaming
	}
	if len(text) < shortCandidateChars {
		score += scoreShort
	}
	if report.MaxNesting <= maxPreferredNesting {
		score += scoreShallow
	}
	return score
}

// wordSet returns the lowercased words of s.
func wordSet(s string) map[string]bool {
	words := wordPattern.FindAllString(strings.ToLower(s), -1)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// isRelevant reports whether text shares at least one word with the prompt,
// ignoring case.
func isRelevant(text string, contextWords map[string]bool) bool {
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if contextWords[w] {
			return true
		}
	}
	return false
}

// hasConsistentIndentation reports whether the candidate indents with only
// tabs or only spaces, and never mixes them within one line.
func hasConsistentIndentation(text string) bool {
	usesTabs, usesSpaces := false, false
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		hasTab := strings.Contains(indent, "\t")
		hasSpace := strings.Contains(indent, " ")
		if hasTab && hasSpace {
			return false
		}
		usesTabs = usesTabs || hasTab
		usesSpaces = usesSpaces || hasSpace
	}
	return !(usesTabs && usesSpaces)
}

// followsNamingConvention reports whether no identifier breaks the
// language's casing convention. Unknown languages always pass.
func followsNamingConvention(text string, lang Language) bool {
	if lang == LangUnknown {
		return true
	}
	stripped := stringPattern.ReplaceAllString(commentPattern.ReplaceAllString(text, ""), "")
	offending := lowerSnakePattern
	if snakeCaseLanguages[lang] {
		offending = lowerCamelPattern
	}
	for _, ident := range identifierPattern.FindAllString(stripped, -1) {
		if offending.MatchString(ident) {
			return false
		}
	}
	return true
}
