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
	"strings"

	"github.com/AleutianAI/AleutianComplete/services/policy_engine/enforcement"
	"gopkg.in/yaml.v3"
)

// PolicyEngine checks code against the unsafe construct denylist.
// It is read-only after construction and safe for concurrent use.
type PolicyEngine struct {
	Rules []Rule
}

// NewPolicyEngine initializes a PolicyEngine from the denylist embedded in
// the binary via the enforcement package.
//
// It unmarshals the embedded YAML, compiles every regex and sorts rules by
// severity. Returns an error if the embedded YAML is malformed or contains an
// invalid regex.
func NewPolicyEngine() (*PolicyEngine, error) {
	return NewPolicyEngineFromYAML(enforcement.UnsafeConstructs)
}

// NewPolicyEngineFromYAML builds an engine from an explicit rule file.
func NewPolicyEngineFromYAML(data []byte) (*PolicyEngine, error) {
	var file UnsafeConstructFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the policy file: %w", err)
	}
	if err := file.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex: %w", err)
	}
	file.SortBySeverity()
	return &PolicyEngine{Rules: file.Rules}, nil
}

// IsUnsafe is the fast check used to gate candidates. It reports whether
// any high-severity rule for lang matches code, and returns the first
// matching rule id.
func (e *PolicyEngine) IsUnsafe(code, lang string) (bool, string) {
	for i := range e.Rules {
		rule := &e.Rules[i]
		if rule.Severity != High {
			// Rules are sorted, nothing below this point is high.
			break
		}
		if !rule.AppliesTo(lang) {
			continue
		}
		if rule.compiled.MatchString(code) {
			return true, rule.Id
		}
	}
	return false, ""
}

// Scan performs a line-by-line audit of code for lang.
//
// Every rule is checked against every line, and each match is reported with
// its 1-based line and column. Findings are ordered by line.
func (e *PolicyEngine) Scan(code, lang string) []Finding {
	var findings []Finding
	lines := strings.Split(code, "\n")
	for lineNum, line := range lines {
		for i := range e.Rules {
			rule := &e.Rules[i]
			if !rule.AppliesTo(lang) {
				continue
			}
			loc := rule.compiled.FindStringIndex(line)
			if loc == nil {
				continue
			}
			findings = append(findings, Finding{
				LineNumber:     lineNum + 1,
				Column:         loc[0] + 1,
				MatchedContent: strings.TrimSpace(line[loc[0]:loc[1]]),
				RuleId:         rule.Id,
				Description:    rule.Description,
				Severity:       rule.Severity,
			})
		}
	}
	return findings
}
