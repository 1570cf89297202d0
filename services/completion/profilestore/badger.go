// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package profilestore persists personalization profiles in BadgerDB.
//
// Profiles are stored as JSON under the key "profile/<userID>". The store is
// the warm tier behind the in-memory PersonalizationStore: profiles are read
// once per process on first reference and written after every change.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package profilestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianComplete/services/completion"
	"github.com/dgraph-io/badger/v4"
)

// keyPrefix namespaces profile keys.
const keyPrefix = "profile/"

// Config holds configuration for the profile database.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often to run value log garbage collection.
	// Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`

	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns production settings for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// BadgerRepository is a completion.ProfileRepository backed by BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type BadgerRepository struct {
	db *badger.DB
	gc *GCRunner
}

var (
	_ completion.ProfileRepository = (*BadgerRepository)(nil)
	_ completion.ProfileLister     = (*BadgerRepository)(nil)
)

// Open opens (creating if needed) the profile database.
//
// # Inputs
//
//   - cfg: Path is required unless InMemory is true.
//
// # Outputs
//
//   - *BadgerRepository: Call Close when done.
//   - error: Non-nil if the path is missing or the database cannot be opened.
func Open(cfg Config) (*BadgerRepository, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent profile store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create profile store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}
	repo := &BadgerRepository{db: db}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		repo.gc = runner
		runner.Start()
	}
	return repo, nil
}

// Load returns the stored profile for userID.
func (r *BadgerRepository) Load(ctx context.Context, userID string) (completion.Profile, bool, error) {
	if err := ctx.Err(); err != nil {
		return completion.Profile{}, false, fmt.Errorf("context cancelled: %w", err)
	}

	var profile completion.Profile
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(profileKey(userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &profile)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return completion.Profile{}, false, nil
	}
	if err != nil {
		return completion.Profile{}, false, fmt.Errorf("load profile %s: %w", userID, err)
	}
	return profile, true, nil
}

// Save stores profile, replacing any previous version.
func (r *BadgerRepository) Save(ctx context.Context, profile completion.Profile) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	if profile.UserID == "" {
		return errors.New("profile has no user id")
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile %s: %w", profile.UserID, err)
	}
	if err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(profileKey(profile.UserID), data)
	}); err != nil {
		return fmt.Errorf("save profile %s: %w", profile.UserID, err)
	}
	return nil
}

// Delete removes userID's profile. Deleting a missing profile is a no-op.
func (r *BadgerRepository) Delete(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(profileKey(userID))
	})
}

// Users returns the ids of every stored profile, sorted.
func (r *BadgerRepository) Users(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	var users []string
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			users = append(users, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

// Close stops garbage collection and closes the database.
func (r *BadgerRepository) Close() error {
	if r.gc != nil {
		r.gc.Stop()
	}
	return r.db.Close()
}

func profileKey(userID string) []byte {
	return []byte(keyPrefix + userID)
}
