// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"io"
	"sync"
)

// streamItem is one value delivered by a producer goroutine.
type streamItem struct {
	text string
	err  error
}

// pipeStream adapts a producer goroutine to SequenceStream.
//
// The producer writes to items and closes it when finished. Close cancels
// the producer's context and waits for it to exit, so no goroutine outlives
// the stream.
type pipeStream struct {
	items  chan streamItem
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// newPipeStream starts produce in a goroutine and returns the stream that
// reads from it. produce must return when ctx is cancelled.
func newPipeStream(ctx context.Context, produce func(ctx context.Context, emit func(string) bool) error) *pipeStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &pipeStream{
		items:  make(chan streamItem),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.items)
		emit := func(text string) bool {
			select {
			case s.items <- streamItem{text: text}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if err := produce(ctx, emit); err != nil && ctx.Err() == nil {
			select {
			case s.items <- streamItem{err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return s
}

// Next blocks until the producer yields a sequence, fails, or finishes.
func (s *pipeStream) Next(ctx context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	select {
	case item, ok := <-s.items:
		if !ok {
			s.err = io.EOF
			return "", io.EOF
		}
		if item.err != nil {
			s.err = item.err
			return "", item.err
		}
		return item.text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops the producer and waits for it to exit.
func (s *pipeStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// SliceStream is a SequenceStream over a fixed slice. It is used for cached
// replays and in tests.
type SliceStream struct {
	seqs []string
	pos  int
}

// NewSliceStream returns a stream yielding seqs in order.
func NewSliceStream(seqs ...string) *SliceStream {
	return &SliceStream{seqs: seqs}
}

// Next returns the next sequence or io.EOF.
func (s *SliceStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.seqs) {
		return "", io.EOF
	}
	seq := s.seqs[s.pos]
	s.pos++
	return seq, nil
}

// Close is a no-op.
func (s *SliceStream) Close() error { return nil }

var (
	_ SequenceStream = (*pipeStream)(nil)
	_ SequenceStream = (*SliceStream)(nil)
)
