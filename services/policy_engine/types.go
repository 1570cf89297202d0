// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package policy_engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type Severity string

const (
	Low    Severity = "low"
	Medium Severity = "medium"
	High   Severity = "high"
)

// rank orders severities for sorting, higher first.
func (s Severity) rank() int {
	switch s {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	incoming := Severity(strings.ToLower(raw))
	switch incoming {
	case High, Medium, Low:
		*s = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for Severity: %q", raw)
	}
}

type UnsafeConstructFile struct {
	Rules []Rule `yaml:"rules"`
}

type Rule struct {
	Id          string         `yaml:"id"`
	Description string         `yaml:"description"`
	Languages   []string       `yaml:"languages"`
	Regex       string         `yaml:"regex"`
	Severity    Severity       `yaml:"severity"`
	compiled    *regexp.Regexp `yaml:"-"`
}

// AppliesTo reports whether the rule runs for lang. Rules without languages
// apply everywhere.
func (r *Rule) AppliesTo(lang string) bool {
	if len(r.Languages) == 0 {
		return true
	}
	for _, l := range r.Languages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

func (f *UnsafeConstructFile) CompileRegexes() error {
	seen := make(map[string]bool, len(f.Rules))
	for i := range f.Rules {
		rule := &f.Rules[i]
		if rule.Id == "" {
			return fmt.Errorf("rule %d has no id", i)
		}
		if seen[rule.Id] {
			return fmt.Errorf("duplicate rule id %s", rule.Id)
		}
		seen[rule.Id] = true
		re, err := regexp.Compile(rule.Regex)
		if err != nil {
			return fmt.Errorf("failed to compile the regex %s: %w", rule.Regex, err)
		}
		rule.compiled = re
	}
	return nil
}

// SortBySeverity puts high-severity rules first so the fast path hits them
// before anything else.
func (f *UnsafeConstructFile) SortBySeverity() {
	sort.SliceStable(f.Rules, func(i, j int) bool {
		return f.Rules[i].Severity.rank() > f.Rules[j].Severity.rank()
	})
}

type Finding struct {
	LineNumber     int      `json:"line_number"`
	Column         int      `json:"column"`
	MatchedContent string   `json:"matched_content"`
	RuleId         string   `json:"rule_id"`
	Description    string   `json:"description"`
	Severity       Severity `json:"severity"`
}
