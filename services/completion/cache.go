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
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CacheConfig configures the candidate cache.
type CacheConfig struct {
	// Capacity is the maximum number of keys held across all shards.
	// Default: 1000.
	Capacity int `yaml:"capacity"`

	// TTL expires entries after this long. Zero disables expiry.
	// Default: 1h.
	TTL time.Duration `yaml:"ttl"`

	// Shards is the number of independently locked partitions. It is
	// lowered to Capacity when Capacity is smaller. Default: 16.
	Shards int `yaml:"shards"`
}

// DefaultCacheConfig returns the production cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Capacity: 1000, TTL: time.Hour, Shards: 16}
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// Cache maps CacheKeys to ranked candidate sets.
//
// # Description
//
// Cache is a sharded, per-key LRU. Writing a key only replaces that key;
// when a shard is full its least recently used entry is evicted. Entries
// older than TTL are treated as absent and dropped on access.
//
// A write never evicts other users' completions. Invalidation by code
// change happens through the key: the diagnostics fingerprint is part of it.
//
// # Thread Safety
//
// Safe for concurrent use. Each shard has its own mutex, so requests for
// keys in different shards never contend.
type Cache struct {
	shards []*cacheShard
	ttl    time.Duration
	now    func() time.Time
	cap    int

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
}

type cacheShard struct {
	mu       sync.Mutex
	capacity int
	entries  map[CacheKey]*list.Element
	lru      *list.List
}

type cacheEntry struct {
	key      CacheKey
	value    []Candidate
	storedAt time.Time
}

// NewCache creates a Cache from config, filling in defaults.
func NewCache(config CacheConfig) *Cache {
	return newCacheWithClock(config, time.Now)
}

func newCacheWithClock(config CacheConfig, now func() time.Time) *Cache {
	defaults := DefaultCacheConfig()
	if config.Capacity <= 0 {
		config.Capacity = defaults.Capacity
	}
	if config.Shards <= 0 {
		config.Shards = defaults.Shards
	}
	if config.Shards > config.Capacity {
		config.Shards = config.Capacity
	}
	if config.TTL < 0 {
		config.TTL = 0
	}

	c := &Cache{
		shards: make([]*cacheShard, config.Shards),
		ttl:    config.TTL,
		now:    now,
		cap:    config.Capacity,
	}
	base, extra := config.Capacity/config.Shards, config.Capacity%config.Shards
	for i := range c.shards {
		capacity := base
		if i < extra {
			capacity++
		}
		c.shards[i] = &cacheShard{
			capacity: capacity,
			entries:  make(map[CacheKey]*list.Element),
			lru:      list.New(),
		}
	}
	return c
}

func (c *Cache) shardFor(key CacheKey) *cacheShard {
	return c.shards[xxhash.Sum64String(string(key))%uint64(len(c.shards))]
}

// Get returns a copy of the candidates stored under key.
func (c *Cache) Get(key CacheKey) ([]Candidate, bool) {
	ctx := context.Background()
	s := c.shardFor(key)

	s.mu.Lock()
	elem, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		recordCacheMiss(ctx)
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && c.now().Sub(entry.storedAt) > c.ttl {
		s.lru.Remove(elem)
		delete(s.entries, key)
		s.mu.Unlock()
		c.expired.Add(1)
		c.misses.Add(1)
		recordCacheEviction(ctx, "ttl")
		recordCacheMiss(ctx)
		return nil, false
	}
	s.lru.MoveToFront(elem)
	out := cloneCandidates(entry.value)
	s.mu.Unlock()

	c.hits.Add(1)
	recordCacheHit(ctx)
	return out, true
}

// Set stores a copy of value under key and returns value unchanged.
func (c *Cache) Set(key CacheKey, value []Candidate) []Candidate {
	stored := cloneCandidates(value)
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = stored
		entry.storedAt = c.now()
		s.lru.MoveToFront(elem)
		return value
	}

	for s.lru.Len() >= s.capacity {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.lru.Remove(oldest)
		delete(s.entries, oldest.Value.(*cacheEntry).key)
		c.evictions.Add(1)
		recordCacheEviction(context.Background(), "lru")
	}
	s.entries[key] = s.lru.PushFront(&cacheEntry{key: key, value: stored, storedAt: c.now()})
	return value
}

// Invalidate removes key. Removing an absent key is a no-op.
func (c *Cache) Invalidate(key CacheKey) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.entries[key]; ok {
		s.lru.Remove(elem)
		delete(s.entries, key)
	}
}

// Purge removes every entry and returns how many were removed.
func (c *Cache) Purge() int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		removed += len(s.entries)
		s.entries = make(map[CacheKey]*list.Element)
		s.lru.Init()
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet
// dropped.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Stats returns current counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Entries:   c.Len(),
		Capacity:  c.cap,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
}

func cloneCandidates(in []Candidate) []Candidate {
	if in == nil {
		return nil
	}
	out := make([]Candidate, len(in))
	copy(out, in)
	return out
}
