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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type updateRecorder struct {
	updates []StreamUpdate
	failAt  int // emit fails on this 1-based call; 0 never fails
}

func (r *updateRecorder) emit(u StreamUpdate) error {
	r.updates = append(r.updates, u)
	if r.failAt > 0 && len(r.updates) == r.failAt {
		return errors.New("client went away")
	}
	return nil
}

func TestStreamCompletions_EmitsOnlyVettedSnapshots(t *testing.T) {
	model := &fakeModel{sequences: []string{
		"return eval(a)",
		"return a + b",
		"SYNTAX_ERROR",
		"return a + b",
		"return a - b",
	}}
	o := newTestOrchestrator(t, Config{Oversample: 3}, model)
	rec := &updateRecorder{}

	err := o.StreamCompletions(context.Background(), addRequest(), rec.emit)
	require.NoError(t, err)

	require.Len(t, rec.updates, 3, "two changing snapshots and a final one")
	assert.Equal(t, []string{"return a + b"}, suggestionTexts(rec.updates[0].Suggestions))
	assert.Equal(t, []string{"return a + b", "return a - b"}, suggestionTexts(rec.updates[1].Suggestions))
	assert.False(t, rec.updates[0].Final)
	assert.True(t, rec.updates[2].Final)
	assert.Equal(t, rec.updates[1].Suggestions, rec.updates[2].Suggestions)

	for _, u := range rec.updates {
		assert.LessOrEqual(t, len(u.Suggestions), 2)
		assert.Equal(t, LangPython, u.Language)
		for _, s := range u.Suggestions {
			assert.NotContains(t, s.Text, "eval")
			assert.NotContains(t, s.Text, "SYNTAX_ERROR")
		}
	}

	t.Run("final snapshot is cached", func(t *testing.T) {
		resp, err := o.GetCompletions(context.Background(), addRequest())
		require.NoError(t, err)
		assert.True(t, resp.CacheHit)
		assert.Equal(t, rec.updates[2].Suggestions, resp.Suggestions)
		assert.Equal(t, int32(1), model.calls.Load())
	})
}

func TestStreamCompletions_EmptyResultResamples(t *testing.T) {
	model := &fakeModel{sequences: []string{"eval(a)", "SYNTAX_ERROR"}}
	o := newTestOrchestrator(t, Config{}, model)
	ctx := context.Background()

	rec := &updateRecorder{}
	require.NoError(t, o.StreamCompletions(ctx, addRequest(), rec.emit))
	require.Len(t, rec.updates, 1, "only the final update")
	assert.True(t, rec.updates[0].Final)
	assert.Empty(t, rec.updates[0].Suggestions)
	assert.Equal(t, 0, o.Cache().Len())

	model.sequences = []string{"return a + b"}
	rec = &updateRecorder{}
	require.NoError(t, o.StreamCompletions(ctx, addRequest(), rec.emit))
	final := rec.updates[len(rec.updates)-1]
	assert.True(t, final.Final)
	assert.False(t, final.CacheHit)
	assert.Equal(t, []string{"return a + b"}, suggestionTexts(final.Suggestions))
	assert.Equal(t, int32(2), model.calls.Load())
}

func TestStreamCompletions_CacheHit(t *testing.T) {
	model := &fakeModel{sequences: []string{"return a + b"}}
	o := newTestOrchestrator(t, Config{}, model)
	_, err := o.GetCompletions(context.Background(), addRequest())
	require.NoError(t, err)

	rec := &updateRecorder{}
	require.NoError(t, o.StreamCompletions(context.Background(), addRequest(), rec.emit))
	require.Len(t, rec.updates, 1)
	assert.True(t, rec.updates[0].Final)
	assert.True(t, rec.updates[0].CacheHit)
	assert.Equal(t, int32(1), model.calls.Load())
}

func TestStreamCompletions_EmitFailureStopsAndSkipsCache(t *testing.T) {
	model := &fakeModel{sequences: []string{"return a + b", "return a - b"}}
	o := newTestOrchestrator(t, Config{}, model)
	rec := &updateRecorder{failAt: 1}

	err := o.StreamCompletions(context.Background(), addRequest(), rec.emit)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Len(t, rec.updates, 1)
	assert.Equal(t, 0, o.Cache().Len())
}

func TestStreamCompletions_StreamError(t *testing.T) {
	stream := &failingStream{seqs: []string{"return a + b"}, err: errors.New("connection reset")}
	model := &fakeModel{stream: stream}
	o := newTestOrchestrator(t, Config{}, model)
	rec := &updateRecorder{}

	err := o.StreamCompletions(context.Background(), addRequest(), rec.emit)
	assert.ErrorIs(t, err, ErrGenerationFailure)
	assert.True(t, stream.closed.Load(), "stream is released")
	assert.Equal(t, 0, o.Cache().Len())
	for _, u := range rec.updates {
		assert.False(t, u.Final)
	}
}

func TestStreamCompletions_OpenFailure(t *testing.T) {
	model := &fakeModel{err: errors.New("no such model")}
	o := newTestOrchestrator(t, Config{}, model)

	err := o.StreamCompletions(context.Background(), addRequest(), (&updateRecorder{}).emit)
	assert.ErrorIs(t, err, ErrGenerationFailure)
}

func TestStreamCompletions_Invalid(t *testing.T) {
	model := &fakeModel{}
	o := newTestOrchestrator(t, Config{}, model)
	req := addRequest()
	req.MaxLength = -1

	err := o.StreamCompletions(context.Background(), req, (&updateRecorder{}).emit)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, int32(0), model.calls.Load())
}

func TestStreamCompletions_Cancelled(t *testing.T) {
	model := &fakeModel{sequences: []string{"return a + b", "return a - b"}}
	o := newTestOrchestrator(t, Config{}, model)
	ctx, cancel := context.WithCancel(context.Background())

	rec := &updateRecorder{}
	emit := func(u StreamUpdate) error {
		cancel()
		return rec.emit(u)
	}
	err := o.StreamCompletions(ctx, addRequest(), emit)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, o.Cache().Len())
}
