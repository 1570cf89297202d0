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

import "time"

// Config configures one Orchestrator. Every component gets its settings from
// here; nothing is read from package-level state.
type Config struct {
	Cache           CacheConfig           `yaml:"cache"`
	Throttle        ThrottleConfig        `yaml:"throttle"`
	Personalization PersonalizationConfig `yaml:"personalization"`

	// Policy is the base generation policy every user's policy derives from.
	Policy GenerationPolicy `yaml:"policy"`

	// Oversample is how many raw sequences are requested per suggestion, to
	// absorb filter attrition. Default: 2.
	Oversample int `yaml:"oversample"`

	// RetrievalTopK is how many snippets augment the prompt when a
	// Retriever is configured. Default: 3.
	RetrievalTopK int `yaml:"retrieval_top_k"`

	// ScoreConcurrency bounds concurrent log-prob calls. Default: 4.
	ScoreConcurrency int `yaml:"score_concurrency"`

	// DiagnosticsTimeout bounds each diagnostics provider. Default: 2s.
	DiagnosticsTimeout time.Duration `yaml:"diagnostics_timeout"`

	// ThrottleFeedback gates RecordFeedback through the Throttler, under a
	// separate caller id per user. Default: true.
	ThrottleFeedback *bool `yaml:"throttle_feedback"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Cache == (CacheConfig{}) {
		c.Cache = DefaultCacheConfig()
	}
	if c.Throttle == (ThrottleConfig{}) {
		c.Throttle = DefaultThrottleConfig()
	}
	if c.Personalization == (PersonalizationConfig{}) {
		c.Personalization = DefaultPersonalizationConfig()
	}
	if c.Oversample <= 0 {
		c.Oversample = 2
	}
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = 3
	}
	if c.ScoreConcurrency <= 0 {
		c.ScoreConcurrency = defaultScoreConcurrency
	}
	if c.DiagnosticsTimeout <= 0 {
		c.DiagnosticsTimeout = 2 * time.Second
	}
	if c.ThrottleFeedback == nil {
		on := true
		c.ThrottleFeedback = &on
	}
}
