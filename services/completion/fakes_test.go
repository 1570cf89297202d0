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
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianComplete/services/completion/syntax"
	"github.com/AleutianAI/AleutianComplete/services/llm"
)

// fakeModel returns canned sequences and counts calls.
type fakeModel struct {
	mu         sync.Mutex
	sequences  []string
	err        error
	block      chan struct{} // when set, Generate waits on it or ctx
	stream     llm.SequenceStream
	calls      atomic.Int32
	lastN      int
	lastPrompt string
	lastParams llm.GenerationParams
}

func (m *fakeModel) Generate(ctx context.Context, prompt string, params llm.GenerationParams, n int) ([]string, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastN, m.lastPrompt, m.lastParams = n, prompt, params
	block := m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	out := append([]string(nil), m.sequences...)
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *fakeModel) GenerateStream(ctx context.Context, prompt string, params llm.GenerationParams, n int) (llm.SequenceStream, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastN, m.lastPrompt, m.lastParams = n, prompt, params
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.stream != nil {
		return m.stream, nil
	}
	seqs := append([]string(nil), m.sequences...)
	if len(seqs) > n {
		seqs = seqs[:n]
	}
	return llm.NewSliceStream(seqs...), nil
}

// failingStream yields its sequences, then fails.
type failingStream struct {
	seqs   []string
	err    error
	closed atomic.Bool
}

func (s *failingStream) Next(ctx context.Context) (string, error) {
	if len(s.seqs) == 0 {
		return "", s.err
	}
	next := s.seqs[0]
	s.seqs = s.seqs[1:]
	return next, nil
}

func (s *failingStream) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeSyntax treats any fragment containing "SYNTAX_ERROR" as invalid,
// warns on "except:" and reports nesting from the number of "if "
// occurrences.
type fakeSyntax struct {
	err error
}

func (f *fakeSyntax) Check(ctx context.Context, code string, lang string) (syntax.Report, error) {
	if f.err != nil {
		return syntax.Report{}, f.err
	}
	if err := ctx.Err(); err != nil {
		return syntax.Report{}, err
	}
	report := syntax.Report{Supported: true, Valid: true, MaxNesting: strings.Count(code, "if ")}
	if idx := strings.Index(code, "except:"); idx >= 0 {
		report.Warnings = []syntax.Issue{{Line: 1 + strings.Count(code[:idx], "\n"), Column: 1, Message: "Bare except clause"}}
	}
	if idx := strings.Index(code, "SYNTAX_ERROR"); idx >= 0 {
		report.Valid = false
		report.Issues = []syntax.Issue{{Line: 1 + strings.Count(code[:idx], "\n"), Column: 1, Message: "syntax error"}}
	}
	return report, nil
}

// fakeScorer returns a fixed log-prob per continuation.
type fakeScorer struct {
	scores map[string]float64
	err    error
	calls  atomic.Int32
}

func (s *fakeScorer) ScoreLogProb(ctx context.Context, prompt, continuation string) (float64, error) {
	s.calls.Add(1)
	if s.err != nil {
		return 0, s.err
	}
	score, ok := s.scores[continuation]
	if !ok {
		return 0, errors.New("no score for continuation")
	}
	return score, nil
}

// fakeRetriever returns canned snippets.
type fakeRetriever struct {
	snippets []Snippet
	err      error
	lastK    int
}

func (r *fakeRetriever) Retrieve(ctx context.Context, query string, k int) ([]Snippet, error) {
	r.lastK = k
	return r.snippets, r.err
}

// memoryRepo is an in-memory ProfileRepository.
type memoryRepo struct {
	mu       sync.Mutex
	profiles map[string]Profile
	saves    int
	loadErr  error
	saveErr  error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{profiles: map[string]Profile{}}
}

func (r *memoryRepo) Load(ctx context.Context, userID string) (Profile, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErr != nil {
		return Profile{}, false, r.loadErr
	}
	p, ok := r.profiles[userID]
	return p.Clone(), ok, nil
}

func (r *memoryRepo) Save(ctx context.Context, profile Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saves++
	r.profiles[profile.UserID] = profile.Clone()
	return nil
}

func (r *memoryRepo) Delete(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.profiles, userID)
	return nil
}

func (r *memoryRepo) Users(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		users = append(users, id)
	}
	return users, nil
}

// slowRepo is a memoryRepo whose first Save signals entered and then waits
// for release.
type slowRepo struct {
	*memoryRepo
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newSlowRepo() *slowRepo {
	return &slowRepo{
		memoryRepo: newMemoryRepo(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (r *slowRepo) Save(ctx context.Context, profile Profile) error {
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.entered)
		<-r.release
	}
	return r.memoryRepo.Save(ctx, profile)
}

// fakeClock is a manually advanced clock. Its sleep advances time instead
// of blocking.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// newTestOrchestrator builds an Orchestrator with fake collaborators and
// the real embedded policy.
func newTestOrchestrator(t interface{ Fatalf(string, ...any) }, config Config, model *fakeModel, mutate ...func(*Dependencies)) *Orchestrator {
	deps := Dependencies{
		Model:  model,
		Syntax: &fakeSyntax{},
	}
	for _, m := range mutate {
		m(&deps)
	}
	o, err := NewOrchestrator(config, deps)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}
