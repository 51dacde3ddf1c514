// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query finds recurring suppression patterns across archives.
//
// A query scans each source's plaintext index, rules out records whose
// per-kind class counts cannot satisfy the predicate, and only decrypts the
// remaining candidates. Archived records are immutable, so ranging over the
// same query twice yields the same matches.
package query

import (
	"context"
	"errors"
	"iter"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/shadowscope/services/shadow/archive"
	"github.com/AleutianAI/shadowscope/services/shadow/classify"
)

// Source is a readable archive. *archive.Store implements it.
type Source interface {
	// Index yields prefilter entries in ascending address order.
	Index(ctx context.Context) iter.Seq2[archive.IndexEntry, error]

	// Get returns the verified, decrypted record.
	Get(ctx context.Context, address string) (*archive.Record, error)
}

// NodeMatch is one node satisfying the predicate.
type NodeMatch struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Label      classify.Label `json:"label"`
	Influence  float64        `json:"influence"`
	Confidence float64        `json:"confidence"`
}

// Match is one record with at least one matching node.
type Match struct {
	// Source is the index of the source in NewEngine's argument list.
	Source int

	Record *archive.Record

	// Nodes are the matching nodes, by id.
	Nodes []NodeMatch
}

// NodeIDs returns the ids of the matching nodes.
func (m Match) NodeIDs() []string {
	ids := make([]string, len(m.Nodes))
	for i, n := range m.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// Option configures an Engine.
type Option func(*Engine)

// WithDecryptRate limits record decryptions to r per second with the given
// burst, shared by all queries on the engine.
func WithDecryptRate(r rate.Limit, burst int) Option {
	return func(e *Engine) {
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(r, burst)
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine runs predicates over one or more archives.
//
// Thread Safety: Safe for concurrent use. Queries take no locks; they read
// immutable records.
type Engine struct {
	sources []Source
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewEngine creates an engine over sources, scanned in the given order.
func NewEngine(sources []Source, opts ...Option) *Engine {
	e := &Engine{
		sources: sources,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats counts the work done by one pass over a query.
type Stats struct {
	Scanned   int
	Decrypted int
	Matched   int
	Failed    int
}

// Query returns the records matching pred.
//
// Description:
//
//	The sequence is lazy: nothing is read until it is ranged over, and each
//	range starts a fresh scan of every source (source order, then address
//	ascending). ctx is checked between records.
//
//	Record-level failures (integrity, wrong key, a record removed between
//	index and read) are yielded with an empty Match and the scan
//	continues. An invalid predicate, a cancelled context or a source
//	failure is yielded once and ends the sequence.
//
// Inputs:
//
//	ctx - Cancels the scan between records.
//	pred - The predicate. Validated on each range.
//
// Outputs:
//
//	iter.Seq2[Match, error] - Matches in deterministic order.
func (e *Engine) Query(ctx context.Context, pred Predicate) iter.Seq2[Match, error] {
	return e.QueryWithStats(ctx, pred, nil)
}

// QueryWithStats is Query, also accumulating work counters into stats when
// stats is non-nil. stats is reset at the start of each range, so a caller
// passing stats must not range the sequence from more than one goroutine.
// Query itself can be ranged concurrently.
func (e *Engine) QueryWithStats(ctx context.Context, pred Predicate, stats *Stats) iter.Seq2[Match, error] {
	return func(yield func(Match, error) bool) {
		if err := pred.Validate(); err != nil {
			yield(Match{}, err)
			return
		}

		// Each range counts into its own Stats so concurrent ranges of a
		// Query sequence share nothing.
		st := stats
		if st == nil {
			st = new(Stats)
		}
		*st = Stats{}

		ctx, span := startQuerySpan(ctx, len(e.sources))
		defer func() {
			endQuerySpan(span, *st)
			recordQuery(ctx, *st)
			e.logger.Debug("query pass finished",
				slog.Int("scanned", st.Scanned),
				slog.Int("decrypted", st.Decrypted),
				slog.Int("matched", st.Matched),
				slog.Int("failed", st.Failed),
			)
		}()

		for i, src := range e.sources {
			if !e.scanSource(ctx, i, src, pred, st, yield) {
				return
			}
		}
	}
}

// scanSource returns false when the sequence must end.
func (e *Engine) scanSource(ctx context.Context, i int, src Source, pred Predicate, stats *Stats, yield func(Match, error) bool) bool {
	for entry, err := range src.Index(ctx) {
		if err != nil {
			if recordLevel(err) {
				stats.Failed++
				if !yield(Match{Source: i}, err) {
					return false
				}
				continue
			}
			yield(Match{Source: i}, err)
			return false
		}

		if err := ctx.Err(); err != nil {
			yield(Match{Source: i}, err)
			return false
		}

		stats.Scanned++
		if !pred.mayMatch(entry) {
			continue
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				yield(Match{Source: i}, err)
				return false
			}
		}

		rec, err := src.Get(ctx, entry.Address)
		stats.Decrypted++
		if err != nil {
			if recordLevel(err) {
				stats.Failed++
				if !yield(Match{Source: i}, err) {
					return false
				}
				continue
			}
			yield(Match{Source: i}, err)
			return false
		}

		nodes := pred.matchNodes(rec.Content)
		if len(nodes) == 0 {
			continue
		}
		stats.Matched++
		if !yield(Match{Source: i, Record: rec, Nodes: nodes}, nil) {
			return false
		}
	}
	return true
}

// recordLevel reports whether err concerns one record only.
func recordLevel(err error) bool {
	return errors.Is(err, archive.ErrIntegrity) ||
		errors.Is(err, archive.ErrWrongKey) ||
		errors.Is(err, archive.ErrNotFound)
}

var _ Source = (*archive.Store)(nil)
