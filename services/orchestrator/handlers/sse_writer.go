// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianComplete/services/completion"
	"github.com/google/uuid"
)

// =============================================================================
// Event Types
// =============================================================================

// Stream event types.
const (
	EventSnapshot = "snapshot"
	EventDone     = "done"
	EventError    = "error"
)

// StreamEvent is one Server-Sent Event on a completion stream.
//
// Events are hash-chained: Hash covers the event's own fields and PrevHash,
// so a client can detect dropped or reordered events.
type StreamEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
	PrevHash  string `json:"prev_hash,omitempty"`
	Hash      string `json:"hash"`

	// Snapshot is set on snapshot events.
	Snapshot *completion.StreamUpdate `json:"snapshot,omitempty"`

	// RequestID is set on done events.
	RequestID string `json:"request_id,omitempty"`

	// Error is set on error events.
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// =============================================================================
// Writer
// =============================================================================

// SSEWriter writes completion stream events.
//
// # Thread Safety
//
// Safe for concurrent use; writes are serialized.
type SSEWriter interface {
	WriteSnapshot(update completion.StreamUpdate) error
	WriteDone(requestID string) error
	WriteError(kind, message string) error
}

type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter wraps w, which must support http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) writeEvent(event StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.ID = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	hash, err := eventHash(event)
	if err != nil {
		return err
	}
	event.Hash = hash
	w.prevHash = hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// eventHash hashes every field except Hash itself.
func eventHash(event StreamEvent) (string, error) {
	event.Hash = ""
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("hash event: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (w *sseWriter) WriteSnapshot(update completion.StreamUpdate) error {
	return w.writeEvent(StreamEvent{Type: EventSnapshot, Snapshot: &update})
}

func (w *sseWriter) WriteDone(requestID string) error {
	return w.writeEvent(StreamEvent{Type: EventDone, RequestID: requestID})
}

func (w *sseWriter) WriteError(kind, message string) error {
	return w.writeEvent(StreamEvent{Type: EventError, Kind: kind, Error: message})
}

// SetSSEHeaders sets the headers for an event stream and disables proxy
// buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
