// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive persists classified runs as encrypted, content-addressed,
// integrity-checked records.
//
// # Addressing
//
// A record's address is the SHA-256 of the canonical plaintext (see
// Canonicalize and Encode). It is computed before encryption, so the same
// analysis content maps to the same address under any key or nonce, and a
// second Put of identical content only merges metadata.
//
// # Storage Layout
//
// Each record occupies three BadgerDB keys written in one transaction:
//
//	rec/<address>   envelope: cipher, key id, checksum, timestamp, payload
//	meta/<address>  free-form metadata (JSON object)
//	idx/<address>   plaintext prefilter: per-kind class counts
//
// # Concurrency
//
// Writers are serialized per address; unrelated addresses never contend.
// Concurrent Gets of one address are coalesced. Metadata races resolve
// last-metadata-wins per key.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/shadowscope/services/shadow/classify"
	"github.com/AleutianAI/shadowscope/services/shadow/graph"
	sbadger "github.com/AleutianAI/shadowscope/services/shadow/storage/badger"
	"github.com/AleutianAI/shadowscope/services/shadow/telemetry"
)

// Mirror receives a copy of every newly written record envelope.
//
// Mirroring runs after the local commit. A mirror failure is logged and
// counted but does not fail the Put.
type Mirror interface {
	Upload(ctx context.Context, address string, blob []byte) error
}

// storeOptions configures a Store.
type storeOptions struct {
	cipher Cipher
	mirror Mirror
	logger *slog.Logger
	now    func() time.Time

	loadHook func(address string)
}

// Option configures a Store.
type Option func(*storeOptions)

// WithCipher sets the payload cipher. Default: plaintext.
func WithCipher(c Cipher) Option {
	return func(o *storeOptions) {
		o.cipher = c
	}
}

// WithMirror uploads each new record to m.
func WithMirror(m Mirror) Option {
	return func(o *storeOptions) {
		o.mirror = m
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *storeOptions) {
		o.logger = l
	}
}

// withClock overrides time.Now for tests.
func withClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		o.now = now
	}
}

// withLoadHook runs fn at the start of every shared read, for tests.
func withLoadHook(fn func(address string)) Option {
	return func(o *storeOptions) {
		o.loadHook = fn
	}
}

// Store is the archive.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *sbadger.DB
	cipher Cipher
	mirror Mirror
	logger *slog.Logger
	now    func() time.Time

	loadHook func(address string)

	locks  *addressLocks
	reads  singleflight.Group
	closed atomic.Bool
}

// Open creates a Store over db. The Store does not own db.
//
// Inputs:
//
//	db - An open database. Must not be nil.
//	opts - Store options.
//
// Outputs:
//
//	*Store - Ready to use.
//	error - Non-nil if db is nil.
func Open(db *sbadger.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("archive: db must not be nil")
	}
	o := storeOptions{
		cipher: plaintextCipher{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cipher == nil {
		o.cipher = plaintextCipher{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	return &Store{
		db:       db,
		cipher:   o.cipher,
		mirror:   o.mirror,
		logger:   o.logger,
		now:      o.now,
		loadHook: o.loadHook,
		locks:    newAddressLocks(),
	}, nil
}

// Cipher returns the algorithm new records are sealed with.
func (s *Store) Cipher() string { return s.cipher.Algorithm() }

// Close marks the store closed. Subsequent calls fail with ErrStoreClosed.
// The database is left open.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Put archives one classified run.
//
// Description:
//
//	Canonicalizes (g, cls, m), addresses the plaintext and either writes a
//	new record or, when the address exists, merges metadata into the
//	existing record (new values win per key) without touching its payload.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	g, cls, m - The analysis to store.
//	metadata - Free-form string pairs. May be nil.
//
// Outputs:
//
//	*Record - The stored record, with Content set and Deduplicated
//	          reporting whether the content already existed.
//	error - Non-nil if serialization or the transaction fails.
func (s *Store) Put(ctx context.Context, g *graph.AnalysisGraph, cls *classify.Classification, m *classify.RunMetrics, metadata map[string]string) (*Record, error) {
	doc, err := Canonicalize(g, cls, m)
	if err != nil {
		return nil, err
	}
	return s.PutDocument(ctx, doc, metadata)
}

// PutDocument archives an already canonicalized document. doc is not
// modified; the stored record's Content is a normalized copy.
func (s *Store) PutDocument(ctx context.Context, doc *Document, metadata map[string]string) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	doc = doc.clone()
	doc.normalize()
	plaintext, err := Encode(doc)
	if err != nil {
		return nil, err
	}
	address := AddressOf(plaintext)

	ctx, span := startStoreSpan(ctx, "archive.Put", address)
	defer span.End()
	start := time.Now()

	unlock := s.locks.lock(address)
	defer unlock()

	var (
		rec     *Record
		created bool
		blob    []byte
	)
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		raw, err := sbadger.GetValue(txn, recKey(address))
		switch {
		case err == nil:
			rec, err = s.mergeExisting(txn, address, raw, metadata)
			return err
		case !errors.Is(err, sbadger.ErrKeyNotFound):
			return err
		}

		rec, blob, err = s.writeNew(txn, address, doc, plaintext, metadata)
		created = err == nil
		return err
	})
	if err != nil {
		setSpanError(span, err)
		return nil, fmt.Errorf("put %s: %w", address, err)
	}

	rec.Content = doc
	rec.Deduplicated = !created
	logger := telemetry.LoggerWithTrace(ctx, s.logger)

	if created && s.mirror != nil {
		if err := s.mirror.Upload(ctx, address, blob); err != nil {
			recordMirrorFailure(ctx)
			logger.Warn("archive mirror upload failed",
				slog.String("address", address),
				slog.String("error", err.Error()),
			)
		}
	}

	recordPut(ctx, time.Since(start), rec.Deduplicated)
	logger.Debug("archive put",
		slog.String("address", address),
		slog.Bool("deduplicated", rec.Deduplicated),
		slog.String("cipher", rec.Cipher),
	)
	return rec, nil
}

// writeNew seals the payload and writes all three keys.
func (s *Store) writeNew(txn *badger.Txn, address string, doc *Document, plaintext []byte, metadata map[string]string) (*Record, []byte, error) {
	payload, err := s.cipher.Seal(plaintext, []byte(address))
	if err != nil {
		return nil, nil, fmt.Errorf("seal payload: %w", err)
	}

	env := envelope{
		Address:   address,
		Cipher:    s.cipher.Algorithm(),
		KeyID:     s.cipher.KeyID(),
		CreatedAt: s.now().UTC(),
		Payload:   payload,
	}
	env.Checksum = env.sum()
	return writeEnvelope(txn, &env, doc, metadata)
}

// writeEnvelope writes a sealed envelope and the index and metadata keys
// beside it.
func writeEnvelope(txn *badger.Txn, env *envelope, doc *Document, metadata map[string]string) (*Record, []byte, error) {
	address := env.Address
	idx := IndexEntry{
		Address:   address,
		CreatedAt: env.CreatedAt,
		NodeCount: len(doc.Nodes),
		Kinds:     doc.Metrics.Kinds,
	}
	meta := maps.Clone(metadata)
	if meta == nil {
		meta = map[string]string{}
	}

	envBytes, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("encode envelope: %w", err)
	}
	idxBytes, err := json.Marshal(&idx)
	if err != nil {
		return nil, nil, fmt.Errorf("encode index: %w", err)
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}

	if err := txn.Set(recKey(address), envBytes); err != nil {
		return nil, nil, err
	}
	if err := txn.Set(metaKey(address), metaBytes); err != nil {
		return nil, nil, err
	}
	if err := txn.Set(idxKey(address), idxBytes); err != nil {
		return nil, nil, err
	}

	rec := env.record()
	rec.Metadata = meta
	rec.Index = idx
	return rec, envBytes, nil
}

// mergeExisting merges metadata into an existing record. The payload is
// never rewritten.
func (s *Store) mergeExisting(txn *badger.Txn, address string, raw []byte, metadata map[string]string) (*Record, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &IntegrityError{Address: address, Reason: "envelope undecodable"}
	}

	meta, err := readMetadata(txn, address)
	if err != nil {
		return nil, err
	}
	changed := false
	for k, v := range metadata {
		if old, ok := meta[k]; !ok || old != v {
			meta[k] = v
			changed = true
		}
	}
	if changed {
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		if err := txn.Set(metaKey(address), b); err != nil {
			return nil, err
		}
	}

	idx, err := readIndex(txn, address)
	if err != nil {
		return nil, err
	}

	rec := env.record()
	rec.Metadata = meta
	rec.Index = idx
	return rec, nil
}

// Get returns the verified record at address.
//
// Description:
//
//	Verifies the stored checksum, opens the payload with the store's
//	cipher (address as additional data), checks the plaintext hashes to
//	the address and decodes it. Any failure yields *IntegrityError and no
//	record. Concurrent Gets of the same address share one read; the
//	shared read is detached from every caller's cancellation, and each
//	caller stops waiting when its own ctx is done.
//
// Outputs:
//
//	*Record - A private copy with Content set.
//	error - *NotFoundError, *IntegrityError, ErrWrongKey (wrapped) when
//	        the record was sealed under another key, ErrInvalidAddress.
func (s *Store) Get(ctx context.Context, address string) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}

	ctx, span := startStoreSpan(ctx, "archive.Get", address)
	defer span.End()
	start := time.Now()

	if err := ctx.Err(); err != nil {
		setSpanError(span, err)
		return nil, err
	}
	shared := context.WithoutCancel(ctx)
	ch := s.reads.DoChan(address, func() (interface{}, error) {
		return s.load(shared, address)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		setSpanError(span, ctx.Err())
		return nil, ctx.Err()
	}
	if res.Err != nil {
		setSpanError(span, res.Err)
		s.logIntegrity(ctx, address, res.Err)
		return nil, res.Err
	}

	recordGet(ctx, time.Since(start))
	telemetry.LoggerWithTrace(ctx, s.logger).Debug("archive get",
		slog.String("address", address),
		slog.Bool("shared", res.Shared),
	)
	return res.Val.(*Record).clone(), nil
}

// logIntegrity logs and counts err when it is an integrity failure.
func (s *Store) logIntegrity(ctx context.Context, address string, err error) {
	var iErr *IntegrityError
	if !errors.As(err, &iErr) {
		return
	}
	recordIntegrityFailure(ctx)
	telemetry.LoggerWithTrace(ctx, s.logger).Error("archive integrity check failed",
		slog.String("address", address),
		slog.String("reason", iErr.Reason),
	)
}

func (s *Store) load(ctx context.Context, address string) (*Record, error) {
	if s.loadHook != nil {
		s.loadHook(address)
	}
	var (
		raw  []byte
		meta map[string]string
		idx  IndexEntry
	)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		raw, err = sbadger.GetValue(txn, recKey(address))
		if errors.Is(err, sbadger.ErrKeyNotFound) {
			return &NotFoundError{Address: address}
		}
		if err != nil {
			return err
		}
		if meta, err = readMetadata(txn, address); err != nil {
			return err
		}
		idx, err = readIndex(txn, address)
		return err
	})
	if err != nil {
		return nil, err
	}

	env, err := decodeEnvelope(address, raw)
	if err != nil {
		return nil, err
	}
	doc, err := s.open(address, env)
	if err != nil {
		return nil, err
	}

	rec := env.record()
	rec.Metadata = meta
	rec.Index = idx
	rec.Content = doc
	return rec, nil
}

func decodeEnvelope(address string, raw []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &IntegrityError{Address: address, Reason: "envelope undecodable"}
	}
	return &env, nil
}

// open verifies env against address and returns the decoded document.
func (s *Store) open(address string, env *envelope) (*Document, error) {
	if env.Address != address {
		return nil, &IntegrityError{Address: address, Reason: "envelope address mismatch"}
	}
	if env.sum() != env.Checksum {
		return nil, &IntegrityError{Address: address, Reason: "checksum mismatch"}
	}
	if env.Cipher != s.cipher.Algorithm() || env.KeyID != s.cipher.KeyID() {
		return nil, fmt.Errorf("%w: %s sealed with %s key %q, store uses %s key %q",
			ErrWrongKey, address, env.Cipher, env.KeyID, s.cipher.Algorithm(), s.cipher.KeyID())
	}

	plaintext, err := s.cipher.Open(env.Payload, []byte(address))
	if errors.Is(err, errOpen) {
		return nil, &IntegrityError{Address: address, Reason: "authenticated decryption failed"}
	}
	if err != nil {
		return nil, err
	}
	if AddressOf(plaintext) != address {
		return nil, &IntegrityError{Address: address, Reason: "content hash does not match address"}
	}
	doc, err := Decode(plaintext)
	if err != nil {
		return nil, &IntegrityError{Address: address, Reason: "plaintext undecodable"}
	}
	return doc, nil
}

// Restore writes a mirrored envelope back into the archive.
//
// Description:
//
//	blob is the envelope exactly as Put handed it to the mirror. It is
//	verified the way Get verifies a stored record (checksum, key,
//	authenticated decryption, content hash) before anything is written,
//	so a corrupted or misplaced mirror object never enters the archive.
//	The index entry is rebuilt from the decoded document. When the
//	address already exists only metadata is merged.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	address - The address the blob was mirrored under.
//	blob - The mirrored envelope.
//	metadata - Merged into the record. May be nil.
//
// Outputs:
//
//	*Record - The stored record, Deduplicated when it already existed.
//	error - *IntegrityError, ErrWrongKey (wrapped), ErrInvalidAddress, or
//	        a transaction failure.
func (s *Store) Restore(ctx context.Context, address string, blob []byte, metadata map[string]string) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}

	ctx, span := startStoreSpan(ctx, "archive.Restore", address)
	defer span.End()

	env, err := decodeEnvelope(address, blob)
	if err == nil {
		var doc *Document
		if doc, err = s.open(address, env); err == nil {
			return s.restore(ctx, env, doc, metadata)
		}
	}
	setSpanError(span, err)
	s.logIntegrity(ctx, address, err)
	return nil, err
}

func (s *Store) restore(ctx context.Context, env *envelope, doc *Document, metadata map[string]string) (*Record, error) {
	address := env.Address
	unlock := s.locks.lock(address)
	defer unlock()

	var (
		rec     *Record
		created bool
	)
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		raw, err := sbadger.GetValue(txn, recKey(address))
		switch {
		case err == nil:
			rec, err = s.mergeExisting(txn, address, raw, metadata)
			return err
		case !errors.Is(err, sbadger.ErrKeyNotFound):
			return err
		}
		rec, _, err = writeEnvelope(txn, env, doc, metadata)
		created = err == nil
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", address, err)
	}

	rec.Content = doc
	rec.Deduplicated = !created
	telemetry.LoggerWithTrace(ctx, s.logger).Info("archive record restored",
		slog.String("address", address),
		slog.Bool("deduplicated", rec.Deduplicated),
	)
	return rec, nil
}

// Has reports whether a record exists at address, without verifying it.
func (s *Store) Has(ctx context.Context, address string) (bool, error) {
	if s.closed.Load() {
		return false, ErrStoreClosed
	}
	var found bool
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(recKey(address))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	return found, err
}

// errStopIteration ends a scan early when the consumer stops ranging.
var errStopIteration = errors.New("stop iteration")

// Index yields every prefilter entry in ascending address order.
//
// Description:
//
//	The sequence is lazy and restartable: each range starts a fresh scan.
//	An undecodable entry yields an *IntegrityError for that address and
//	the scan continues. Other failures (including ctx cancellation) are
//	yielded once and end the sequence.
func (s *Store) Index(ctx context.Context) iter.Seq2[IndexEntry, error] {
	return func(yield func(IndexEntry, error) bool) {
		if s.closed.Load() {
			yield(IndexEntry{}, ErrStoreClosed)
			return
		}
		err := s.db.ScanPrefix(ctx, []byte(idxPrefix), func(key, value []byte) error {
			var e IndexEntry
			if err := json.Unmarshal(value, &e); err != nil {
				address := string(key[len(idxPrefix):])
				if !yield(IndexEntry{Address: address}, &IntegrityError{Address: address, Reason: "index entry undecodable"}) {
					return errStopIteration
				}
				return nil
			}
			if !yield(e, nil) {
				return errStopIteration
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopIteration) {
			yield(IndexEntry{}, err)
		}
	}
}

// Addresses yields the address of every stored envelope in ascending
// order, including envelopes whose index entry is missing. It reads keys
// only and verifies nothing.
func (s *Store) Addresses(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if s.closed.Load() {
			yield("", ErrStoreClosed)
			return
		}
		err := s.db.ScanKeys(ctx, []byte(recPrefix), func(key []byte) error {
			if !yield(string(key[len(recPrefix):]), nil) {
				return errStopIteration
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopIteration) {
			yield("", err)
		}
	}
}

func readMetadata(txn *badger.Txn, address string) (map[string]string, error) {
	raw, err := sbadger.GetValue(txn, metaKey(address))
	if errors.Is(err, sbadger.ErrKeyNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	meta := map[string]string{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, &IntegrityError{Address: address, Reason: "metadata undecodable"}
	}
	return meta, nil
}

func readIndex(txn *badger.Txn, address string) (IndexEntry, error) {
	raw, err := sbadger.GetValue(txn, idxKey(address))
	if errors.Is(err, sbadger.ErrKeyNotFound) {
		return IndexEntry{}, &IntegrityError{Address: address, Reason: "index entry missing"}
	}
	if err != nil {
		return IndexEntry{}, err
	}
	var idx IndexEntry
	if err := json.Unmarshal(raw, &idx); err != nil {
		return IndexEntry{}, &IntegrityError{Address: address, Reason: "index entry undecodable"}
	}
	return idx, nil
}
