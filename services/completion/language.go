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
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Language is a source-language tag.
type Language string

// Languages in canonical order. Detection ties resolve to the earliest.
const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangJava       Language = "java"
	LangRuby       Language = "ruby"
	LangGo         Language = "go"
	LangRust       Language = "rust"
	LangUnknown    Language = "unknown"
)

// canonicalOrder fixes the tie-break order for content scoring.
var canonicalOrder = []Language{LangPython, LangJavaScript, LangJava, LangRuby, LangGo, LangRust}

// SupportedLanguages returns the detectable languages in canonical order.
func SupportedLanguages() []Language {
	out := make([]Language, len(canonicalOrder))
	copy(out, canonicalOrder)
	return out
}

// ParseLanguage maps a name to a Language, or LangUnknown.
func ParseLanguage(s string) Language {
	l := Language(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range canonicalOrder {
		if l == known {
			return l
		}
	}
	return LangUnknown
}

var extensionTable = map[string]Language{
	".py":   LangPython,
	".pyw":  LangPython,
	".pyi":  LangPython,
	".js":   LangJavaScript,
	".jsx":  LangJavaScript,
	".mjs":  LangJavaScript,
	".cjs":  LangJavaScript,
	".java": LangJava,
	".rb":   LangRuby,
	".rake": LangRuby,
	".go":   LangGo,
	".rs":   LangRust,
}

// languagePatterns are matched in multi-line mode, so every line that
// starts with an idiom counts once.
var languagePatterns = map[Language][]*regexp.Regexp{
	LangPython: compileAll(
		`(?m)^[ \t]*import\s+[\w.]+(\s+as\s+\w+)?(\s*,\s*[\w.]+)*[ \t]*$`,
		`(?m)^[ \t]*from\s+[\w.]+\s+import\b`,
		`(?m)^[ \t]*(async\s+)?def\s+\w+\s*\(.*\)\s*(->\s*[^:]+)?:`,
		`(?m)^[ \t]*class\s+\w+\s*(\([^)]*\))?\s*:`,
	),
	LangJavaScript: compileAll(
		`(?m)^[ \t]*(async\s+)?function\s*\*?\s*\w+\s*\(`,
		`(?m)^[ \t]*(const|let|var)\s+\w+\s*=`,
		`(?m)^[ \t]*(module\.exports|exports\.\w+)\s*=`,
		`(?m)^[ \t]*export\s+(default|const|function|class)\b`,
	),
	LangJava: compileAll(
		`(?m)^[ \t]*(public|private|protected)\s+(abstract\s+|static\s+|final\s+)*(class|interface|enum)\s+\w+`,
		`(?m)^[ \t]*(public|private|protected)\s+(static\s+|final\s+|synchronized\s+)*[\w<>\[\], ]+\s+\w+\s*\(`,
		`(?m)^[ \t]*import\s+(static\s+)?[\w.]+(\.\*)?;`,
		`System\.out\.print`,
	),
	LangRuby: compileAll(
		`(?m)^[ \t]*require(_relative)?\s+`,
		`(?m)^[ \t]*def\s+(self\.)?\w+[?!]?\s*(\(.*\))?[ \t]*$`,
		`(?m)^[ \t]*class\s+\w+\s*(<\s*[\w:]+)?[ \t]*$`,
		`(?m)^[ \t]*end[ \t]*$`,
	),
	LangGo: compileAll(
		`(?m)^package\s+\w+`,
		`(?m)^func\s+(\(\w+\s+\*?\w+\)\s*)?\w+\s*\(`,
		`(?m)^type\s+\w+\s+(struct|interface)\b`,
		`(?m)^[ \t]*\w+(\s*,\s*\w+)*\s*:=`,
	),
	LangRust: compileAll(
		`(?m)^[ \t]*(pub\s+)?fn\s+\w+\s*[<(]`,
		`(?m)^[ \t]*let\s+mut\s+\w+`,
		`(?m)^[ \t]*impl\b`,
		`(?m)^[ \t]*use\s+\w+::`,
	),
}

var (
	commentPattern = regexp.MustCompile(`#.*|//.*|/\*[\s\S]*?\*/`)
	stringPattern  = regexp.MustCompile(`".*?"|'.*?'`)
)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// maxDetectFileBytes caps how much of a file is read for content scoring.
const maxDetectFileBytes = 1 << 20

// Detect classifies text, or the file it names, into a Language.
//
// # Description
//
// When input names an existing regular file, its extension is looked up
// first and, failing that, its content is scored. Otherwise input itself is
// scored as code. Never fails; returns LangUnknown when nothing matches.
//
// # Limitations
//
// Detection is approximate. Comments and string literals are stripped with
// regular expressions, not a lexer, so literals with nested quotes or
// unusual comment syntax may be mis-stripped.
func Detect(input string) Language {
	if looksLikePath(input) {
		if info, err := os.Stat(input); err == nil && info.Mode().IsRegular() {
			if lang, ok := languageForExtension(input); ok {
				return lang
			}
			if content, err := readHead(input); err == nil {
				return DetectContent(content)
			}
		}
	}
	return DetectContent(input)
}

// DetectFile classifies code whose path is known but may not exist locally,
// as in editor requests. The extension wins; otherwise content is scored.
func DetectFile(path, content string) Language {
	if path != "" {
		if lang, ok := languageForExtension(path); ok {
			return lang
		}
	}
	return DetectContent(content)
}

// DetectContent scores code against every language's idioms.
func DetectContent(code string) Language {
	stripped := commentPattern.ReplaceAllString(code, "")
	stripped = stringPattern.ReplaceAllString(stripped, "")

	best, bestScore := LangUnknown, 0
	for _, lang := range canonicalOrder {
		score := 0
		for _, re := range languagePatterns[lang] {
			score += len(re.FindAllStringIndex(stripped, -1))
		}
		if score > bestScore {
			best, bestScore = lang, score
		}
	}
	return best
}

func languageForExtension(path string) (Language, bool) {
	lang, ok := extensionTable[strings.ToLower(filepath.Ext(path))]
	return lang, ok
}

func looksLikePath(s string) bool {
	return s != "" && len(s) < 4096 && !strings.ContainsAny(s, "\n\r")
}

func readHead(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxDetectFileBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
