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
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianComplete/services/llm"
	"github.com/cespare/xxhash/v2"
)

// =============================================================================
// Types
// =============================================================================

// GenerationPolicy is the base model reference plus sampling parameters
// shared by all users.
type GenerationPolicy struct {
	Model  string               `yaml:"model"`
	Params llm.GenerationParams `yaml:"params"`
}

// PersonalizedPolicy is a per-user copy of a GenerationPolicy.
type PersonalizedPolicy struct {
	UserID string
	Policy GenerationPolicy
	Vector []float64
}

// FeedbackEntry records one accept/reject of a suggestion.
type FeedbackEntry struct {
	Hash     string    `json:"hash"`
	Accepted bool      `json:"accepted"`
	At       time.Time `json:"at"`
}

// Profile is one user's personalization state.
//
// Feedback is bounded and ordered oldest first.
type Profile struct {
	UserID      string            `json:"user_id"`
	Preferences map[string]string `json:"preferences"`
	Feedback    []FeedbackEntry   `json:"feedback"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// CodingPatterns returns the feedback log as pattern entries:
// "accepted_pattern:<hash>" or "rejected_pattern:<hash>" mapped to the
// number of times that snippet was seen with that outcome.
func (p Profile) CodingPatterns() map[string]string {
	counts := make(map[string]int, len(p.Feedback))
	for _, f := range p.Feedback {
		prefix := "rejected_pattern:"
		if f.Accepted {
			prefix = "accepted_pattern:"
		}
		counts[prefix+f.Hash]++
	}
	out := make(map[string]string, len(counts))
	for k, n := range counts {
		out[k] = strconv.Itoa(n)
	}
	return out
}

// Clone returns a deep copy.
func (p Profile) Clone() Profile {
	out := Profile{UserID: p.UserID, UpdatedAt: p.UpdatedAt}
	out.Preferences = make(map[string]string, len(p.Preferences))
	for k, v := range p.Preferences {
		out.Preferences[k] = v
	}
	out.Feedback = append([]FeedbackEntry(nil), p.Feedback...)
	return out
}

// ProfileRepository persists profiles. Implementations must be safe for
// concurrent use.
type ProfileRepository interface {
	// Load returns the stored profile and whether one existed.
	Load(ctx context.Context, userID string) (Profile, bool, error)

	// Save stores profile, replacing any previous version.
	Save(ctx context.Context, profile Profile) error

	// Delete removes userID's profile. Deleting a missing profile is not
	// an error.
	Delete(ctx context.Context, userID string) error
}

// ProfileLister is implemented by repositories that can enumerate the
// users they store.
type ProfileLister interface {
	Users(ctx context.Context) ([]string, error)
}

// PersonalizationConfig configures the PersonalizationStore.
type PersonalizationConfig struct {
	// FeedbackCapacity bounds each profile's feedback log. Default: 256.
	FeedbackCapacity int `yaml:"feedback_capacity"`

	// VectorDims is the personalization vector size. Default: 8.
	VectorDims int `yaml:"vector_dims"`

	// Scale multiplies the vector before it is applied to the sampling
	// parameters. Zero disables perturbation. Default: 0.1.
	Scale float64 `yaml:"scale"`
}

// DefaultPersonalizationConfig returns the production settings.
func DefaultPersonalizationConfig() PersonalizationConfig {
	return PersonalizationConfig{FeedbackCapacity: 256, VectorDims: 8, Scale: 0.1}
}

// Sampling defaults used when the base policy leaves a parameter unset,
// and the bounds personalization clamps to.
const (
	defaultTemperature = 0.2
	defaultTopP        = 0.95
	defaultTopK        = 40

	minTemperature, maxTemperature = 0.01, 1.5
	minTopP, maxTopP               = 0.1, 1.0
	minTopK, maxTopK               = 1, 100
)

// =============================================================================
// PersonalizationStore
// =============================================================================

// PersonalizationStore owns one Profile per user.
//
// # Description
//
// Profiles are created on first reference and kept for the life of the
// process. When a ProfileRepository is configured they are loaded from it on
// first reference and written back after each mutation.
//
// # Thread Safety
//
// Safe for concurrent use. Profiles are entries in a sync.Map, each guarded
// by its own RWMutex, so different users never contend. Writes to the
// repository are serialized per user and happen in mutation order.
type PersonalizationStore struct {
	config PersonalizationConfig
	repo   ProfileRepository
	logger *slog.Logger
	now    func() time.Time

	profiles sync.Map // userID -> *profileEntry
}

type profileEntry struct {
	// saveMu is held from mutation through Save so an older snapshot can
	// never overwrite a newer one. Lock order: saveMu, then mu.
	saveMu  sync.Mutex
	mu      sync.RWMutex
	loaded  bool
	profile Profile
}

// NewPersonalizationStore creates a store. repo may be nil.
func NewPersonalizationStore(config PersonalizationConfig, repo ProfileRepository, logger *slog.Logger) *PersonalizationStore {
	defaults := DefaultPersonalizationConfig()
	if config.FeedbackCapacity <= 0 {
		config.FeedbackCapacity = defaults.FeedbackCapacity
	}
	if config.VectorDims <= 0 {
		config.VectorDims = defaults.VectorDims
	}
	if config.Scale < 0 {
		config.Scale = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PersonalizationStore{config: config, repo: repo, logger: logger, now: time.Now}
}

// ProfileFor returns a copy of userID's profile, creating it if needed.
func (s *PersonalizationStore) ProfileFor(ctx context.Context, userID string) Profile {
	e := s.entry(ctx, userID)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.profile.Clone()
}

// DerivePolicy returns base personalized for userID.
//
// # Description
//
// The personalization vector is derived from the profile and applied as a
// small, clamped perturbation of temperature, top_p and top_k on a copy of
// base. base itself is never modified.
//
// # Outputs
//
//   - PersonalizedPolicy: The copy and the vector used. For a user with an
//     empty profile the vector is nil and Policy equals base.
func (s *PersonalizationStore) DerivePolicy(ctx context.Context, userID string, base GenerationPolicy) PersonalizedPolicy {
	profile := s.ProfileFor(ctx, userID)
	vector := PersonalizationVector(profile, s.config.VectorDims)

	policy := GenerationPolicy{Model: base.Model, Params: base.Params.Clone()}
	if vector != nil && s.config.Scale > 0 {
		applyVector(&policy.Params, vector, s.config.Scale)
	}
	return PersonalizedPolicy{UserID: userID, Policy: policy, Vector: vector}
}

// RecordFeedback logs that userID accepted or rejected snippet. When the log
// is full the oldest entry is dropped.
func (s *PersonalizationStore) RecordFeedback(ctx context.Context, userID, snippet string, accepted bool) error {
	return s.mutate(ctx, userID, func(p *Profile) {
		if len(p.Feedback) >= s.config.FeedbackCapacity {
			drop := len(p.Feedback) - s.config.FeedbackCapacity + 1
			p.Feedback = append(p.Feedback[:0], p.Feedback[drop:]...)
		}
		p.Feedback = append(p.Feedback, FeedbackEntry{
			Hash:     contentHash(snippet),
			Accepted: accepted,
			At:       s.now(),
		})
	})
}

// UpdatePreferences merges prefs into userID's preferences. An empty value
// deletes the key.
func (s *PersonalizationStore) UpdatePreferences(ctx context.Context, userID string, prefs map[string]string) error {
	return s.mutate(ctx, userID, func(p *Profile) {
		for k, v := range prefs {
			if v == "" {
				delete(p.Preferences, k)
				continue
			}
			p.Preferences[k] = v
		}
	})
}

// ResetProfile discards userID's preferences and feedback and deletes the
// stored profile.
func (s *PersonalizationStore) ResetProfile(ctx context.Context, userID string) error {
	e := s.entry(ctx, userID)
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	e.profile = Profile{UserID: userID, Preferences: map[string]string{}}
	e.mu.Unlock()

	if s.repo == nil {
		return nil
	}
	if err := s.repo.Delete(ctx, userID); err != nil {
		s.logger.Warn("Failed to delete profile", "user_id", userID, "error", err)
		return fmt.Errorf("deleting profile for %s: %w", userID, err)
	}
	return nil
}

// Users returns the ids of every known profile, sorted. Stored profiles are
// listed from the repository when it supports it; profiles referenced in
// this process are always included.
func (s *PersonalizationStore) Users(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	if lister, ok := s.repo.(ProfileLister); ok {
		stored, err := lister.Users(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing profiles: %w", err)
		}
		for _, id := range stored {
			seen[id] = true
		}
	}
	s.profiles.Range(func(k, _ any) bool {
		seen[k.(string)] = true
		return true
	})

	users := make([]string, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

func (s *PersonalizationStore) mutate(ctx context.Context, userID string, fn func(p *Profile)) error {
	e := s.entry(ctx, userID)
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	fn(&e.profile)
	e.profile.UpdatedAt = s.now()
	snapshot := e.profile.Clone()
	e.mu.Unlock()

	if s.repo == nil {
		return nil
	}
	if err := s.repo.Save(ctx, snapshot); err != nil {
		s.logger.Warn("Failed to persist profile", "user_id", userID, "error", err)
		return fmt.Errorf("saving profile for %s: %w", userID, err)
	}
	return nil
}

// entry returns the loaded entry for userID.
func (s *PersonalizationStore) entry(ctx context.Context, userID string) *profileEntry {
	v, _ := s.profiles.LoadOrStore(userID, &profileEntry{})
	e := v.(*profileEntry)

	e.mu.RLock()
	loaded := e.loaded
	e.mu.RUnlock()
	if loaded {
		return e
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return e
	}
	e.profile = Profile{UserID: userID, Preferences: map[string]string{}}
	if s.repo != nil {
		stored, ok, err := s.repo.Load(ctx, userID)
		switch {
		case err != nil:
			s.logger.Warn("Failed to load profile, starting empty", "user_id", userID, "error", err)
		case ok:
			if stored.Preferences == nil {
				stored.Preferences = map[string]string{}
			}
			stored.UserID = userID
			if len(stored.Feedback) > s.config.FeedbackCapacity {
				stored.Feedback = stored.Feedback[len(stored.Feedback)-s.config.FeedbackCapacity:]
			}
			e.profile = stored
		}
	}
	e.loaded = true
	return e
}

// =============================================================================
// Vector
// =============================================================================

// PersonalizationVector derives a unit vector of length dims from the
// profile's preferences and coding patterns.
//
// # Description
//
// Every "key:value" pair is hashed with xxhash. The hash selects a
// component and a value in [-1, 1] that is added to it. Pairs are visited
// in sorted order, so the result depends only on the profile contents.
// Returns nil for an empty profile or when the sum is the zero vector.
func PersonalizationVector(p Profile, dims int) []float64 {
	if dims <= 0 {
		return nil
	}
	pairs := make([]string, 0, len(p.Preferences)+len(p.Feedback))
	for k, v := range p.Preferences {
		pairs = append(pairs, k+":"+v)
	}
	for k, v := range p.CodingPatterns() {
		pairs = append(pairs, k+":"+v)
	}
	if len(pairs) == 0 {
		return nil
	}
	sort.Strings(pairs)

	vec := make([]float64, dims)
	for _, pair := range pairs {
		h := xxhash.Sum64String(pair)
		idx := int(h % uint64(dims))
		// Top 53 bits as a fraction in [0, 1), then shifted to [-1, 1).
		frac := float64(h>>11) / float64(uint64(1)<<53)
		vec[idx] += 2*frac - 1
	}

	var norm float64
	for _, x := range vec {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// applyVector perturbs params in place. The vector is folded into three
// offsets (components i%3 summed) for temperature, top_p and top_k.
func applyVector(params *llm.GenerationParams, vec []float64, scale float64) {
	var offsets [3]float64
	for i, x := range vec {
		offsets[i%3] += x
	}

	temp := float64(defaultTemperature)
	if params.Temperature != nil {
		temp = float64(*params.Temperature)
	}
	temp = clamp(temp+scale*offsets[0], minTemperature, maxTemperature)
	t32 := float32(temp)
	params.Temperature = &t32

	topP := float64(defaultTopP)
	if params.TopP != nil {
		topP = float64(*params.TopP)
	}
	topP = clamp(topP+scale*offsets[1], minTopP, maxTopP)
	p32 := float32(topP)
	params.TopP = &p32

	topK := defaultTopK
	if params.TopK != nil {
		topK = *params.TopK
	}
	topK = int(clamp(float64(topK)+math.Round(scale*offsets[2]*float64(defaultTopK)), minTopK, maxTopK))
	params.TopK = &topK
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
