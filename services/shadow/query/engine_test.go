// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/shadowscope/services/shadow/archive"
	"github.com/AleutianAI/shadowscope/services/shadow/capture"
	"github.com/AleutianAI/shadowscope/services/shadow/classify"
	"github.com/AleutianAI/shadowscope/services/shadow/graph"
	"github.com/AleutianAI/shadowscope/services/shadow/influence"
	sbadger "github.com/AleutianAI/shadowscope/services/shadow/storage/badger"
)

// =============================================================================
// Helpers
// =============================================================================

func ev(id, kind string, l2 float64, parents ...string) capture.Event {
	return capture.Event{
		NodeID:    id,
		OpKind:    kind,
		ParentIDs: parents,
		Summary:   capture.ActivationSummary{L2Norm: l2, MaxAbs: l2},
	}
}

// countingSource wraps a Source and counts Get calls.
type countingSource struct {
	Source
	gets atomic.Int32
}

func (c *countingSource) Get(ctx context.Context, address string) (*archive.Record, error) {
	c.gets.Add(1)
	return c.Source.Get(ctx, address)
}

// failingSource returns fixed errors.
type failingSource struct {
	entries []archive.IndexEntry
	getErr  error
	idxErr  error
}

func (f *failingSource) Index(context.Context) iter.Seq2[archive.IndexEntry, error] {
	return func(yield func(archive.IndexEntry, error) bool) {
		for _, e := range f.entries {
			if !yield(e, nil) {
				return
			}
		}
		if f.idxErr != nil {
			yield(archive.IndexEntry{}, f.idxErr)
		}
	}
}

func (f *failingSource) Get(_ context.Context, address string) (*archive.Record, error) {
	return nil, f.getErr
}

type fixture struct {
	store *archive.Store
	db    *sbadger.DB
	// addresses by run name
	addr map[string]string
}

func put(t *testing.T, s *archive.Store, events []capture.Event) string {
	t.Helper()
	ctx := context.Background()
	g, err := graph.Build(ctx, capture.NewSliceStream(events))
	require.NoError(t, err)
	res, err := influence.Propagate(ctx, g, nil)
	require.NoError(t, err)
	cls, m, err := classify.Classify(ctx, g, res, classify.DefaultPolicy(), nil)
	require.NoError(t, err)
	rec, err := s.Put(ctx, g, cls, m, nil)
	require.NoError(t, err)
	return rec.Address
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := sbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	key, err := archive.NewKey(bytes.Repeat([]byte{0x3c}, archive.KeySize))
	require.NoError(t, err)
	c, err := archive.NewCipher(archive.CipherAESGCM, key)
	require.NoError(t, err)
	s, err := archive.Open(db, archive.WithCipher(c))
	require.NoError(t, err)

	f := fixture{store: s, db: db, addr: map[string]string{}}

	// relu branch is dead: Void.
	f.addr["shadow"] = put(t, s, []capture.Event{
		ev("x", "embed", 1),
		ev("h", "linear", 1, "x"),
		ev("dead", "relu", 3, "x"),
		ev("out", "softmax", 1, "h"),
	})
	// relu expressed, nothing silent.
	f.addr["expressed"] = put(t, s, []capture.Event{
		ev("x", "embed", 1),
		ev("r", "relu", 1, "x"),
		ev("out", "softmax", 1, "r"),
	})
	// Weak attention branch: Suppressed.
	f.addr["suppressed"] = put(t, s, []capture.Event{
		ev("x", "embed", 1),
		ev("strong", "linear", 4, "x"),
		ev("weak", "attention", 1, "x"),
		ev("out", "add", 1, "strong", "weak"),
	})
	return f
}

func collect(t *testing.T, seq iter.Seq2[Match, error]) []Match {
	t.Helper()
	var out []Match
	for m, err := range seq {
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

// =============================================================================
// Tests
// =============================================================================

func TestQuery_KindAndClass(t *testing.T) {
	f := newFixture(t)
	src := &countingSource{Source: f.store}
	e := NewEngine([]Source{src})

	var stats Stats
	matches := collect(t, e.QueryWithStats(context.Background(), Predicate{
		Kinds:   []string{"relu"},
		Classes: []classify.Label{classify.Void},
	}, &stats))

	require.Len(t, matches, 1)
	assert.Equal(t, f.addr["shadow"], matches[0].Record.Address)
	assert.Equal(t, []string{"dead"}, matches[0].NodeIDs())
	assert.Equal(t, classify.Void, matches[0].Nodes[0].Label)
	assert.Equal(t, 0.0, matches[0].Nodes[0].Influence)

	// Only the shadow run has a void relu in its index.
	assert.Equal(t, int32(1), src.gets.Load())
	assert.Equal(t, Stats{Scanned: 3, Decrypted: 1, Matched: 1}, stats)
}

func TestQuery_PrefilterSkipsDecryption(t *testing.T) {
	f := newFixture(t)
	src := &countingSource{Source: f.store}
	e := NewEngine([]Source{src})

	matches := collect(t, e.Query(context.Background(), Predicate{Kinds: []string{"conv2d"}}))
	assert.Empty(t, matches)
	assert.Zero(t, src.gets.Load())
}

func TestQuery_InfluenceBounds(t *testing.T) {
	f := newFixture(t)
	e := NewEngine([]Source{f.store})

	// Suppressed attention with influence below 0.3.
	matches := collect(t, e.Query(context.Background(), Predicate{
		Kinds:        []string{"attention"},
		Classes:      []classify.Label{classify.Suppressed},
		MaxInfluence: Float(0.3),
	}))
	require.Len(t, matches, 1)
	assert.Equal(t, f.addr["suppressed"], matches[0].Record.Address)
	n := matches[0].Nodes[0]
	assert.Equal(t, "weak", n.ID)
	assert.InDelta(t, 0.2, n.Influence, 1e-12)

	// Exclusive upper bound.
	matches = collect(t, e.Query(context.Background(), Predicate{
		Kinds:        []string{"attention"},
		MaxInfluence: Float(0.2),
	}))
	assert.Empty(t, matches)

	// Inclusive lower bound, across runs.
	matches = collect(t, e.Query(context.Background(), Predicate{
		Kinds:        []string{"softmax", "add"},
		MinInfluence: Float(1),
	}))
	assert.Len(t, matches, 3)
}

func TestQuery_Restartable(t *testing.T) {
	f := newFixture(t)
	e := NewEngine([]Source{f.store})
	seq := e.Query(context.Background(), Predicate{Classes: []classify.Label{classify.Expressed}})

	first := collect(t, seq)
	second := collect(t, seq)
	require.Len(t, first, 3)
	require.Len(t, second, 3)

	var a1, a2 []string
	for i := range first {
		a1 = append(a1, first[i].Record.Address)
		a2 = append(a2, second[i].Record.Address)
		assert.Equal(t, first[i].Nodes, second[i].Nodes)
	}
	assert.Equal(t, a1, a2)
	assert.IsIncreasing(t, a1)
}

func TestQuery_ConcurrentRanges(t *testing.T) {
	f := newFixture(t)
	e := NewEngine([]Source{f.store})
	seq := e.Query(context.Background(), Predicate{Classes: []classify.Label{classify.Expressed}})

	const workers, passes = 8, 20
	var wg sync.WaitGroup
	counts := make([][]int, workers)
	errs := make([]error, workers)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range passes {
				n := 0
				for _, err := range seq {
					if err != nil {
						errs[w] = err
						return
					}
					n++
				}
				counts[w] = append(counts[w], n)
			}
		}()
	}
	wg.Wait()

	for w := range workers {
		require.NoError(t, errs[w])
		require.Len(t, counts[w], passes)
		for _, n := range counts[w] {
			assert.Equal(t, 3, n)
		}
	}
}

func TestQuery_MultipleSourcesInOrder(t *testing.T) {
	f1 := newFixture(t)
	f2 := newFixture(t)
	e := NewEngine([]Source{f1.store, f2.store})

	matches := collect(t, e.Query(context.Background(), Predicate{Kinds: []string{"relu"}, Classes: []classify.Label{classify.Void}}))
	require.Len(t, matches, 2)
	assert.Equal(t, 0, matches[0].Source)
	assert.Equal(t, 1, matches[1].Source)
}

func TestQuery_EarlyBreak(t *testing.T) {
	f := newFixture(t)
	src := &countingSource{Source: f.store}
	e := NewEngine([]Source{src})

	n := 0
	for _, err := range e.Query(context.Background(), Predicate{}) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), src.gets.Load())
}

func TestQuery_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errs []error
	for _, err := range NewEngine([]Source{f.store}).Query(ctx, Predicate{}) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
}

func TestQuery_InvalidPredicate(t *testing.T) {
	tests := []struct {
		name string
		pred Predicate
	}{
		{"min above one", Predicate{MinInfluence: Float(1.5)}},
		{"negative max", Predicate{MaxInfluence: Float(-0.1)}},
		{"min not below max", Predicate{MinInfluence: Float(0.5), MaxInfluence: Float(0.5)}},
		{"unknown class", Predicate{Classes: []classify.Label{classify.Label(42)}}},
		{"empty kind", Predicate{Kinds: []string{""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errs []error
			for _, err := range NewEngine(nil).Query(context.Background(), tt.pred) {
				errs = append(errs, err)
			}
			require.Len(t, errs, 1)
			assert.ErrorIs(t, errs[0], ErrInvalidPredicate)
		})
	}
}

func TestQuery_RecordFailuresAreYieldedAndScanContinues(t *testing.T) {
	entry := archive.IndexEntry{
		Address:   archive.AddressOf([]byte("a")),
		NodeCount: 1,
		Kinds:     map[string]classify.KindStats{"relu": {Void: 1}},
	}
	bad := &failingSource{
		entries: []archive.IndexEntry{entry, entry},
		getErr:  &archive.IntegrityError{Address: entry.Address, Reason: "checksum mismatch"},
	}
	f := newFixture(t)
	e := NewEngine([]Source{bad, f.store})

	var errs []error
	var matches []Match
	for m, err := range e.Query(context.Background(), Predicate{Kinds: []string{"relu"}, Classes: []classify.Label{classify.Void}}) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		matches = append(matches, m)
	}
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], archive.ErrIntegrity)
	require.Len(t, matches, 1)
	assert.Equal(t, 1, matches[0].Source)
}

func TestQuery_SourceFailureEndsScan(t *testing.T) {
	boom := errors.New("disk on fire")
	bad := &failingSource{idxErr: boom}
	f := newFixture(t)

	var errs []error
	n := 0
	for _, err := range NewEngine([]Source{bad, f.store}).Query(context.Background(), Predicate{}) {
		n++
		if err != nil {
			errs = append(errs, err)
		}
	}
	assert.Equal(t, 1, n)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestQuery_DecryptRate(t *testing.T) {
	f := newFixture(t)
	// One token up front, then one every 20ms.
	e := NewEngine([]Source{f.store}, WithDecryptRate(rate.Every(20*time.Millisecond), 1))

	start := time.Now()
	matches := collect(t, e.Query(context.Background(), Predicate{}))
	assert.Len(t, matches, 3)
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestPredicate_MayMatch(t *testing.T) {
	entry := archive.IndexEntry{
		NodeCount: 3,
		Kinds: map[string]classify.KindStats{
			"relu":   {Expressed: 1, Void: 1},
			"linear": {Suppressed: 1},
		},
	}
	tests := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"empty", Predicate{}, true},
		{"kind present", Predicate{Kinds: []string{"linear"}}, true},
		{"kind absent", Predicate{Kinds: []string{"conv"}}, false},
		{"class present", Predicate{Classes: []classify.Label{classify.Void}}, true},
		{"kind and class present separately", Predicate{Kinds: []string{"linear"}, Classes: []classify.Label{classify.Void}}, false},
		{"kind and class together", Predicate{Kinds: []string{"relu"}, Classes: []classify.Label{classify.Void}}, true},
		{"influence only", Predicate{MaxInfluence: Float(0.1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pred.mayMatch(entry))
		})
	}

	assert.False(t, Predicate{}.mayMatch(archive.IndexEntry{}))
}
