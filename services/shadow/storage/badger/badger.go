// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the BadgerDB instance behind the archive.
//
// The archive keeps three key families per record (payload, metadata and
// prefilter index) and relies on Badger's serializable transactions to
// write them atomically. This package owns the database lifecycle (open,
// value-log GC, close) and the small transaction and scan helpers the
// archive uses; it knows nothing about record formats.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrKeyNotFound reports a key absent from the archive database.
var ErrKeyNotFound = errors.New("archive key not found")

// Config describes where the archive database lives and how it is tuned.
type Config struct {
	// Path is the archive directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps every record in RAM. Dry runs and tests use it.
	InMemory bool

	// SyncWrites makes each Put durable before it returns.
	SyncWrites bool

	// Logger receives Badger's own diagnostics, tagged by the caller.
	Logger *slog.Logger

	// NumVersionsToKeep bounds per-key history. Records never change after
	// they are written, so 1 is enough.
	NumVersionsToKeep int

	// GCInterval spaces value-log compaction passes. Zero turns them off.
	GCInterval time.Duration

	// GCDiscardRatio is the stale fraction a value-log file needs before a
	// pass rewrites it.
	GCDiscardRatio float64
}

// DefaultConfig returns the settings used for an on-disk archive.
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns the settings used for dry runs and tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		NumVersionsToKeep: 1,
	}
}

// slogSink forwards Badger's printf-style diagnostics to slog. Badger
// chatters at Info, so its Info lines are demoted to Debug.
type slogSink struct {
	logger *slog.Logger
}

func (s slogSink) Errorf(format string, args ...any) {
	s.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (s slogSink) Warningf(format string, args ...any) {
	s.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (s slogSink) Infof(format string, args ...any) {
	s.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (s slogSink) Debugf(format string, args ...any) {
	s.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// ErrNoPath is returned by Open when an on-disk archive has no directory.
var ErrNoPath = errors.New("archive directory not set")

func openRaw(cfg Config) (*badger.DB, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path == "":
		return nil, ErrNoPath
	default:
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("prepare archive directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.NumVersionsToKeep > 0 {
		opts = opts.WithNumVersionsToKeep(cfg.NumVersionsToKeep)
	}

	var sink badger.Logger
	if cfg.Logger != nil {
		sink = slogSink{logger: cfg.Logger}
	}
	opts = opts.WithLogger(sink)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	return db, nil
}

// =============================================================================
// Value-Log Compaction
// =============================================================================

// Compactor reclaims value-log space in the background. Records are
// write-once, so the only garbage comes from superseded run metadata and
// aborted transactions; passes are cheap and usually find nothing.
type Compactor struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	passes    atomic.Int64
	rewrites  atomic.Int64
	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool
	quit      chan struct{}
	exited    chan struct{}
}

// NewCompactor validates its arguments and returns an idle Compactor.
//
// Inputs:
//
//	db - Open Badger handle.
//	interval - Time between passes. Must be positive.
//	ratio - Stale fraction that triggers a rewrite, in [0, 1].
//	logger - May be nil.
func NewCompactor(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*Compactor, error) {
	switch {
	case db == nil:
		return nil, errors.New("compactor needs an open database")
	case interval <= 0:
		return nil, fmt.Errorf("compaction interval %v is not positive", interval)
	case ratio < 0 || ratio > 1:
		return nil, fmt.Errorf("discard ratio %v outside [0, 1]", ratio)
	}
	return &Compactor{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}, nil
}

// Start launches the compaction loop once.
func (c *Compactor) Start() {
	c.startOnce.Do(func() {
		c.running.Store(true)
		go c.loop()
	})
}

// Stop ends the loop and waits for it. A Compactor that was never started
// can no longer be started afterwards.
func (c *Compactor) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		c.startOnce.Do(func() {})
		if c.running.Load() {
			<-c.exited
		}
	})
}

// Passes reports how many compaction passes ran and how many of them
// rewrote a value-log file.
func (c *Compactor) Passes() (total, rewrites int64) {
	return c.passes.Load(), c.rewrites.Load()
}

func (c *Compactor) loop() {
	defer close(c.exited)

	tick := time.NewTicker(c.interval)
	defer tick.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-tick.C:
			c.Compact()
		}
	}
}

// Compact runs value-log GC until Badger reports nothing left to rewrite.
func (c *Compactor) Compact() {
	c.passes.Add(1)
	for {
		err := c.db.RunValueLogGC(c.ratio)
		if err == nil {
			c.rewrites.Add(1)
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && c.logger != nil {
			c.logger.Warn("value log compaction failed", slog.String("error", err.Error()))
		}
		return
	}
}

// =============================================================================
// Archive Database
// =============================================================================

// DB is the Badger handle the archive writes through. It embeds
// *badger.DB so callers can reach the raw API, and owns the Compactor.
//
// Thread Safety: Safe for concurrent use.
type DB struct {
	*badger.DB
	compactor *Compactor
	path      string
	inMemory  bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens the archive database described by cfg and starts value-log
// compaction for on-disk archives with a positive GCInterval.
//
// Outputs:
//
//	*DB - Open handle. Close releases the directory lock.
//	error - ErrNoPath, or the Badger open failure.
func Open(cfg Config) (*DB, error) {
	raw, err := openRaw(cfg)
	if err != nil {
		return nil, err
	}

	db := &DB{DB: raw, path: cfg.Path, inMemory: cfg.InMemory}
	if cfg.InMemory || cfg.GCInterval <= 0 {
		return db, nil
	}

	c, err := NewCompactor(raw, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	db.compactor = c
	c.Start()
	return db, nil
}

// OpenInMemory opens a throwaway archive database.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Close stops compaction, then closes Badger. Later calls return the first
// result.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.compactor != nil {
			d.compactor.Stop()
		}
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// Path is the archive directory; empty in memory.
func (d *DB) Path() string { return d.path }

// InMemory reports whether records vanish on Close.
func (d *DB) InMemory() bool { return d.inMemory }

// Compactor returns the background compactor, or nil when none runs.
func (d *DB) Compactor() *Compactor { return d.compactor }

// Sync forces buffered writes to disk for archives opened without
// SyncWrites.
func (d *DB) Sync() error {
	if d.inMemory {
		return nil
	}
	return d.DB.Sync()
}

// =============================================================================
// Transactions
// =============================================================================

// WithTxn runs fn in an update transaction and commits when fn succeeds.
//
// Description:
//
//	The archive writes a record's payload, metadata and index keys in one
//	call so a reader never observes a partial record. A racing commit on
//	the same keys fails with badger.ErrConflict.
//
// Inputs:
//
//	ctx - Checked once, before the transaction opens.
//	fn - Reads and writes through txn. A non-nil return discards them.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin update: %w", err)
	}

	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn against a consistent snapshot.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin view: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// Get reads one key outside any caller transaction. Missing keys return
// ErrKeyNotFound.
func (d *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		v, err := GetValue(txn, key)
		out = v
		return err
	})
	return out, err
}

// GetValue copies key's value out of txn so it outlives the transaction.
func GetValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, ErrKeyNotFound
	case err != nil:
		return nil, fmt.Errorf("read key %s: %w", key, err)
	}
	return item.ValueCopy(nil)
}

// ScanPrefix calls fn for every key with the given prefix, in ascending key
// order, inside one read transaction.
//
// Description:
//
//	key and value are copies and may be retained. The context is checked
//	between keys; returning an error from fn stops the scan and is
//	returned unchanged.
func (d *DB) ScanPrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %q: %w", item.Key(), err)
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScanKeys calls fn for every key with the given prefix without loading
// values.
func (d *DB) ScanKeys(ctx context.Context, prefix []byte, fn func(key []byte) error) error {
	return d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return nil
	})
}
