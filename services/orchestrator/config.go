// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianComplete/services/completion"
	"github.com/AleutianAI/AleutianComplete/services/completion/profilestore"
	"github.com/AleutianAI/AleutianComplete/services/llm"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianComplete/services/retrieval"
	"gopkg.in/yaml.v3"
)

// Supported LLM backends.
const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds the completion service configuration.
//
// # Description
//
// Config is read from a YAML file by LoadConfig, then overridden by
// environment variables, then defaulted. Every field is optional.
//
// # Examples
//
//	port: 12210
//	llm:
//	  backend: ollama
//	  ollama:
//	    base_url: http://localhost:11434
//	    model: qwen2.5-coder:1.5b
//	retrieval:
//	  url: http://localhost:8080
//	profiles:
//	  path: /var/lib/completiond/profiles
//	completion:
//	  throttle:
//	    rate_limit: 120
//	    window: 1m
//	    policy: reject
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int `yaml:"port"`

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Default: "release"
	GinMode string `yaml:"gin_mode"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ThrottleSweepInterval is how often idle throttle windows are
	// dropped. Default: 5m
	ThrottleSweepInterval time.Duration `yaml:"throttle_sweep_interval"`

	LLM LLMConfig `yaml:"llm"`

	// Retrieval configures prompt augmentation from Weaviate.
	// Disabled when URL is empty.
	Retrieval retrieval.Config `yaml:"retrieval"`

	// Profiles configures the BadgerDB profile store. With neither Path
	// nor InMemory set, profiles live only in process memory.
	Profiles profilestore.Config `yaml:"profiles"`

	Telemetry observability.TelemetryConfig `yaml:"telemetry"`

	Ingress IngressConfig `yaml:"ingress"`

	// APIKeys maps bearer tokens to user ids. Empty means no
	// authentication: every caller is the local user.
	APIKeys map[string]string `yaml:"api_keys"`

	// Admins are user ids granted the admin role.
	Admins []string `yaml:"admins"`

	// Completion configures the pipeline itself.
	Completion completion.Config `yaml:"completion"`
}

// LLMConfig selects and configures the model backend.
type LLMConfig struct {
	// Backend is "ollama" or "openai". Default: "ollama"
	Backend string `yaml:"backend"`

	Ollama llm.OllamaConfig `yaml:"ollama"`
	OpenAI llm.OpenAIConfig `yaml:"openai"`

	// LogProbRanking enables log-probability ranking on backends that
	// support it. Default: false
	LogProbRanking bool `yaml:"logprob_ranking"`
}

// IngressConfig configures the per-IP request limiter in front of /v1.
type IngressConfig struct {
	// RequestsPerSecond is the sustained rate. Zero disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the bucket size. Default: 2x RequestsPerSecond, at least 1.
	Burst int `yaml:"burst"`
}

// LoadConfig reads a YAML config file. A missing path yields the zero
// Config, which is valid; environment overrides and defaults are applied
// either way.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return applyConfigDefaults(cfg), nil
}

// applyEnvOverrides overlays the environment on cfg.
//
//	COMPLETION_PORT              port
//	LLM_BACKEND_TYPE             llm.backend
//	OLLAMA_BASE_URL              llm.ollama.base_url
//	OLLAMA_MODEL                 llm.ollama.model
//	OPENAI_API_KEY               llm.openai.api_key
//	OPENAI_MODEL                 llm.openai.model
//	WEAVIATE_SERVICE_URL         retrieval.url
//	OTEL_EXPORTER_OTLP_ENDPOINT  telemetry.otlp_endpoint (and enables otlp)
//	PROFILE_DB_PATH              profiles.path
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.Trim(v, "\"' ")
		return v, ok && v != ""
	}

	if v, ok := get("COMPLETION_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid COMPLETION_PORT %q", v)
		}
		cfg.Port = port
	}
	if v, ok := get("LLM_BACKEND_TYPE"); ok {
		cfg.LLM.Backend = strings.ToLower(v)
	}
	if v, ok := get("OLLAMA_BASE_URL"); ok {
		cfg.LLM.Ollama.BaseURL = v
	}
	if v, ok := get("OLLAMA_MODEL"); ok {
		cfg.LLM.Ollama.Model = v
	}
	if v, ok := get("OPENAI_API_KEY"); ok {
		cfg.LLM.OpenAI.APIKey = v
	}
	if v, ok := get("OPENAI_MODEL"); ok {
		cfg.LLM.OpenAI.Model = v
	}
	if v, ok := get("WEAVIATE_SERVICE_URL"); ok {
		cfg.Retrieval.URL = v
	}
	if v, ok := get("OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
		cfg.Telemetry.OTLPEndpoint = v
		if cfg.Telemetry.TraceExporter == "" {
			cfg.Telemetry.TraceExporter = "otlp"
		}
	}
	if v, ok := get("PROFILE_DB_PATH"); ok {
		cfg.Profiles.Path = v
	}
	return nil
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.GinMode == "" {
		cfg.GinMode = "release"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ThrottleSweepInterval <= 0 {
		cfg.ThrottleSweepInterval = 5 * time.Minute
	}
	if cfg.LLM.Backend == "" {
		cfg.LLM.Backend = BackendOllama
	}
	if cfg.LLM.Backend == BackendOllama && cfg.LLM.Ollama.BaseURL == "" {
		cfg.LLM.Ollama.BaseURL = "http://localhost:11434"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "completiond"
	}
	if cfg.Telemetry.TraceExporter == "" {
		cfg.Telemetry.TraceExporter = "none"
	}
	if cfg.Telemetry.MetricExporter == "" {
		cfg.Telemetry.MetricExporter = "prometheus"
	}
	if cfg.Ingress.RequestsPerSecond > 0 && cfg.Ingress.Burst <= 0 {
		cfg.Ingress.Burst = max(1, int(2*cfg.Ingress.RequestsPerSecond))
	}
	if cfg.Profiles.Path != "" && !cfg.Profiles.InMemory {
		defaults := profilestore.DefaultConfig(cfg.Profiles.Path)
		if cfg.Profiles.GCInterval == 0 {
			cfg.Profiles.GCInterval = defaults.GCInterval
		}
		if cfg.Profiles.GCDiscardRatio == 0 {
			cfg.Profiles.GCDiscardRatio = defaults.GCDiscardRatio
		}
	}
	return cfg
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c Config) Validate() error {
	switch c.LLM.Backend {
	case BackendOllama, BackendOpenAI:
	default:
		return fmt.Errorf("unsupported llm backend %q (want %q or %q)", c.LLM.Backend, BackendOllama, BackendOpenAI)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Ingress.RequestsPerSecond < 0 {
		return fmt.Errorf("ingress requests_per_second must be >= 0, got %v", c.Ingress.RequestsPerSecond)
	}
	if c.LLM.LogProbRanking && c.LLM.Backend != BackendOpenAI {
		return fmt.Errorf("logprob_ranking requires the %q backend", BackendOpenAI)
	}
	for _, admin := range c.Admins {
		found := false
		for _, user := range c.APIKeys {
			if user == admin {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("admin %q has no api key", admin)
		}
	}
	return nil
}
