// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/micperf/internal/perferr"
)

// badgerKeyPrefix namespaces run keys inside the database.
const badgerKeyPrefix = "run/"

// BadgerConfig holds configuration for a BadgerStore.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory keeps the database in RAM. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true
	SyncWrites bool

	// Logger receives BadgerDB's internal messages.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns durable defaults for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
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
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// BadgerStore keeps runs in an embedded BadgerDB, one key per tag.
//
// Description:
//
//	Suited to lab machines that collect many runs: listing tags is a
//	key-only iteration instead of a directory scan.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// OpenBadgerStore opens or creates the database.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*BadgerStore - The opened store. Caller must call Close() when done.
//	error - Non-nil if the path is invalid or the database cannot be opened.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, perferr.Wrap(perferr.KindIO, err, "create database directory %s", cfg.Path)
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
		return nil, perferr.Wrap(perferr.KindIO, err, "open badger database")
	}
	return &BadgerStore{db: db, path: cfg.Path}, nil
}

func runKey(tag string) []byte {
	return []byte(badgerKeyPrefix + tag)
}

// Save implements Store.
func (s *BadgerStore) Save(_ context.Context, c *Collection) (string, error) {
	data, err := c.MarshalIndent()
	if err != nil {
		return "", perferr.Wrap(perferr.KindIO, err, "encoding run %s", c.Tag)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(c.Tag), data)
	})
	if err != nil {
		return "", perferr.Wrap(perferr.KindIO, err, "storing run %s", c.Tag)
	}
	return s.path + "#" + c.Tag, nil
}

// Tags implements Store.
func (s *BadgerStore) Tags(ctx context.Context) ([]string, error) {
	var tags []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			tags = append(tags, strings.TrimPrefix(string(it.Item().Key()), badgerKeyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, perferr.Wrap(perferr.KindIO, err, "listing stored runs")
	}
	slices.Sort(tags)
	slices.Reverse(tags)
	return tags, nil
}

// Load implements Store.
func (s *BadgerStore) Load(_ context.Context, tag string) (*Collection, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(tag))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTagNotFound, tag)
	}
	if err != nil {
		return nil, perferr.Wrap(perferr.KindIO, err, "reading run %s", tag)
	}
	c, err := DecodeCollection(data)
	if err != nil {
		return nil, perferr.Wrap(perferr.KindParse, err, "run %s", tag)
	}
	return c, nil
}

// Delete removes a stored run. Deleting a missing tag is not an error.
func (s *BadgerStore) Delete(_ context.Context, tag string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(runKey(tag))
	})
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
