// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/shadowscope/services/shadow/capture"
	"github.com/AleutianAI/shadowscope/services/shadow/classify"
	"github.com/AleutianAI/shadowscope/services/shadow/graph"
	"github.com/AleutianAI/shadowscope/services/shadow/influence"
	sbadger "github.com/AleutianAI/shadowscope/services/shadow/storage/badger"
)

// =============================================================================
// Helpers
// =============================================================================

type analysis struct {
	g   *graph.AnalysisGraph
	cls *classify.Classification
	m   *classify.RunMetrics
}

func ev(id, kind string, l2 float64, parents ...string) capture.Event {
	return capture.Event{
		NodeID:    id,
		OpKind:    kind,
		ParentIDs: parents,
		Summary:   capture.ActivationSummary{Mean: l2 / 2, L2Norm: l2, MaxAbs: l2},
	}
}

func analyze(t *testing.T, events []capture.Event) analysis {
	t.Helper()
	ctx := context.Background()
	g, err := graph.Build(ctx, capture.NewSliceStream(events))
	require.NoError(t, err)
	res, err := influence.Propagate(ctx, g, nil)
	require.NoError(t, err)
	cls, m, err := classify.Classify(ctx, g, res, classify.DefaultPolicy(), nil)
	require.NoError(t, err)
	return analysis{g: g, cls: cls, m: m}
}

// shadowRun has one expressed path to the output and one dead branch.
func shadowRun(t *testing.T) analysis {
	return analyze(t, []capture.Event{
		ev("x", "embed", 1),
		ev("y", "matmul", 2, "x"),
		ev("s", "relu", 1, "x"),
		ev("out", "softmax", 1, "y"),
	})
}

// chainRun is a distinct analysis, so it lands at a different address.
func chainRun(t *testing.T, n int) analysis {
	events := make([]capture.Event, 0, n)
	for i := range n {
		id := fmt.Sprintf("n%02d", i)
		if i == 0 {
			events = append(events, ev(id, "input", 1))
			continue
		}
		events = append(events, ev(id, "linear", float64(i), fmt.Sprintf("n%02d", i-1)))
	}
	return analyze(t, events)
}

func testKey(t *testing.T, fill byte) *Key {
	t.Helper()
	k, err := NewKey(bytes.Repeat([]byte{fill}, KeySize))
	require.NoError(t, err)
	return k
}

func openStore(t *testing.T, opts ...Option) (*Store, *sbadger.DB) {
	t.Helper()
	db, err := sbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := Open(db, opts...)
	require.NoError(t, err)
	return s, db
}

func mustCipher(t *testing.T, algorithm string, fill byte) Cipher {
	t.Helper()
	c, err := NewCipher(algorithm, testKey(t, fill))
	require.NoError(t, err)
	return c
}

func encryptedStore(t *testing.T, db *sbadger.DB, algorithm string, fill byte) *Store {
	t.Helper()
	s, err := Open(db, WithCipher(mustCipher(t, algorithm, fill)))
	require.NoError(t, err)
	return s
}

// rewriteEnvelope edits the stored envelope for address in place.
func rewriteEnvelope(t *testing.T, db *sbadger.DB, address string, edit func(*envelope)) {
	t.Helper()
	err := db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		raw, err := sbadger.GetValue(txn, recKey(address))
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		edit(&env)
		b, err := json.Marshal(&env)
		if err != nil {
			return err
		}
		return txn.Set(recKey(address), b)
	})
	require.NoError(t, err)
}

type recordingMirror struct {
	mu    sync.Mutex
	blobs map[string][]byte
	err   error
}

func (m *recordingMirror) Upload(_ context.Context, address string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blobs == nil {
		m.blobs = map[string][]byte{}
	}
	m.blobs[address] = bytes.Clone(blob)
	return m.err
}

// =============================================================================
// Put / Get
// =============================================================================

func TestStore_PutGet_RoundTrip(t *testing.T) {
	for _, algorithm := range []string{CipherAESGCM, CipherXChaCha, CipherPlaintext} {
		t.Run(algorithm, func(t *testing.T) {
			_, db := openStore(t)
			s := encryptedStore(t, db, algorithm, 0x42)
			a := shadowRun(t)
			ctx := context.Background()

			want, err := Canonicalize(a.g, a.cls, a.m)
			require.NoError(t, err)

			rec, err := s.Put(ctx, a.g, a.cls, a.m, map[string]string{"model": "tiny"})
			require.NoError(t, err)
			assert.False(t, rec.Deduplicated)
			assert.Equal(t, algorithm, rec.Cipher)
			require.NoError(t, ValidateAddress(rec.Address))

			got, err := s.Get(ctx, rec.Address)
			require.NoError(t, err)
			assert.Equal(t, want, got.Content)
			assert.Equal(t, rec.Address, got.Address)
			assert.Equal(t, rec.Checksum, got.Checksum)
			assert.Equal(t, map[string]string{"model": "tiny"}, got.Metadata)
			assert.Equal(t, 4, got.Index.NodeCount)
			assert.Equal(t, []string{"embed", "matmul", "relu", "softmax"}, got.Index.KindNames())

			plaintext, err := Encode(want)
			require.NoError(t, err)
			if algorithm == CipherPlaintext {
				assert.Equal(t, plaintext, got.Payload)
			} else {
				assert.NotEqual(t, plaintext, got.Payload)
				assert.NotEmpty(t, got.KeyID)
			}
		})
	}
}

func TestStore_AddressIndependentOfKey(t *testing.T) {
	a := shadowRun(t)
	ctx := context.Background()

	_, db1 := openStore(t)
	_, db2 := openStore(t)
	r1, err := encryptedStore(t, db1, CipherAESGCM, 0x01).Put(ctx, a.g, a.cls, a.m, nil)
	require.NoError(t, err)
	r2, err := encryptedStore(t, db2, CipherXChaCha, 0x02).Put(ctx, a.g, a.cls, a.m, nil)
	require.NoError(t, err)

	assert.Equal(t, r1.Address, r2.Address)
	assert.NotEqual(t, r1.Payload, r2.Payload)
}

func TestStore_Put_IsIdempotent(t *testing.T) {
	_, db := openStore(t)
	s := encryptedStore(t, db, CipherAESGCM, 0x07)
	a := shadowRun(t)
	ctx := context.Background()

	first, err := s.Put(ctx, a.g, a.cls, a.m, map[string]string{"run": "1", "model": "tiny"})
	require.NoError(t, err)
	second, err := s.Put(ctx, a.g, a.cls, a.m, map[string]string{"run": "2", "host": "gpu0"})
	require.NoError(t, err)

	assert.Equal(t, first.Address, second.Address)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Payload, second.Payload, "payload must not be rewritten")
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, map[string]string{"run": "2", "model": "tiny", "host": "gpu0"}, second.Metadata)

	got, err := s.Get(ctx, first.Address)
	require.NoError(t, err)
	assert.Equal(t, second.Metadata, got.Metadata)

	n := 0
	for _, err := range s.Index(ctx) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestStore_Put_UsesClock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := openStore(t, withClock(func() time.Time { return fixed }))
	a := shadowRun(t)

	rec, err := s.Put(context.Background(), a.g, a.cls, a.m, nil)
	require.NoError(t, err)
	assert.Equal(t, fixed, rec.CreatedAt)
	assert.Equal(t, fixed, rec.Index.CreatedAt)
}

func TestStore_Get_NotFound(t *testing.T) {
	s, _ := openStore(t)
	missing := AddressOf([]byte("nothing here"))

	_, err := s.Get(context.Background(), missing)
	require.ErrorIs(t, err, ErrNotFound)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, missing, nf.Address)

	ok, err := s.Has(context.Background(), missing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Get_InvalidAddress(t *testing.T) {
	s, _ := openStore(t)
	for _, addr := range []string{"", "sha256:abc", "md5:" + AddressOf(nil)[7:], AddressOf(nil) + "0"} {
		_, err := s.Get(context.Background(), addr)
		assert.ErrorIs(t, err, ErrInvalidAddress, addr)
	}
}

func TestStore_Get_DetectsTampering(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
		edit      func(*envelope)
	}{
		{
			name:      "flipped ciphertext byte",
			algorithm: CipherAESGCM,
			edit:      func(e *envelope) { e.Payload[len(e.Payload)/2] ^= 0x01 },
		},
		{
			name:      "flipped ciphertext byte with forged checksum",
			algorithm: CipherAESGCM,
			edit: func(e *envelope) {
				e.Payload[len(e.Payload)-1] ^= 0x80
				e.Checksum = e.sum()
			},
		},
		{
			name:      "xchacha forged checksum",
			algorithm: CipherXChaCha,
			edit: func(e *envelope) {
				e.Payload[0] ^= 0xff
				e.Checksum = e.sum()
			},
		},
		{
			name:      "plaintext edited",
			algorithm: CipherPlaintext,
			edit:      func(e *envelope) { e.Payload = bytes.Replace(e.Payload, []byte("softmax"), []byte("softmix"), 1) },
		},
		{
			name:      "plaintext edited with forged checksum",
			algorithm: CipherPlaintext,
			edit: func(e *envelope) {
				e.Payload = bytes.Replace(e.Payload, []byte("softmax"), []byte("softmix"), 1)
				e.Checksum = e.sum()
			},
		},
		{
			name:      "key id rewritten",
			algorithm: CipherAESGCM,
			edit:      func(e *envelope) { e.KeyID = "k1-0000000000000000" },
		},
		{
			name:      "cipher rewritten",
			algorithm: CipherAESGCM,
			edit:      func(e *envelope) { e.Cipher = CipherXChaCha },
		},
		{
			name:      "created_at rewritten",
			algorithm: CipherPlaintext,
			edit:      func(e *envelope) { e.CreatedAt = e.CreatedAt.Add(-time.Hour) },
		},
		{
			name:      "truncated payload",
			algorithm: CipherAESGCM,
			edit: func(e *envelope) {
				e.Payload = e.Payload[:4]
				e.Checksum = e.sum()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, db := openStore(t)
			s := encryptedStore(t, db, tt.algorithm, 0x33)
			a := shadowRun(t)
			ctx := context.Background()

			rec, err := s.Put(ctx, a.g, a.cls, a.m, nil)
			require.NoError(t, err)
			rewriteEnvelope(t, db, rec.Address, tt.edit)

			got, err := s.Get(ctx, rec.Address)
			assert.Nil(t, got)
			require.ErrorIs(t, err, ErrIntegrity)
			assert.NotErrorIs(t, err, ErrWrongKey)
			var iErr *IntegrityError
			require.True(t, errors.As(err, &iErr))
			assert.Equal(t, rec.Address, iErr.Address)
			assert.NotEmpty(t, iErr.Reason)
		})
	}
}

func TestStore_Get_MovedPayloadFailsAuthentication(t *testing.T) {
	_, db := openStore(t)
	s := encryptedStore(t, db, CipherAESGCM, 0x11)
	ctx := context.Background()

	a := shadowRun(t)
	b := chainRun(t, 3)
	ra, err := s.Put(ctx, a.g, a.cls, a.m, nil)
	require.NoError(t, err)
	rb, err := s.Put(ctx, b.g, b.cls, b.m, nil)
	require.NoError(t, err)

	// Graft b's sealed payload under a's address.
	rewriteEnvelope(t, db, ra.Address, func(e *envelope) {
		e.Payload = rb.Payload
		e.Checksum = e.sum()
	})

	_, err = s.Get(ctx, ra.Address)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestStore_Get_WrongKey(t *testing.T) {
	_, db := openStore(t)
	a := shadowRun(t)
	ctx := context.Background()

	rec, err := encryptedStore(t, db, CipherAESGCM, 0x01).Put(ctx, a.g, a.cls, a.m, nil)
	require.NoError(t, err)

	_, err = encryptedStore(t, db, CipherAESGCM, 0x02).Get(ctx, rec.Address)
	assert.ErrorIs(t, err, ErrWrongKey)
	assert.NotErrorIs(t, err, ErrIntegrity)

	_, err = encryptedStore(t, db, CipherXChaCha, 0x01).Get(ctx, rec.Address)
	assert.ErrorIs(t, err, ErrWrongKey)
}

func TestStore_Get_ReturnsPrivateCopy(t *testing.T) {
	s, _ := openStore(t)
	a := shadowRun(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, a.g, a.cls, a.m, map[string]string{"k": "v"})
	require.NoError(t, err)

	first, err := s.Get(ctx, rec.Address)
	require.NoError(t, err)
	first.Metadata["k"] = "changed"
	first.Payload[0] = 'X'

	second, err := s.Get(ctx, rec.Address)
	require.NoError(t, err)
	assert.Equal(t, "v", second.Metadata["k"])
	assert.Equal(t, byte('{'), second.Payload[0])
}

func TestStore_PutDocument_LeavesCallerDocument(t *testing.T) {
	s, _ := openStore(t)
	a := shadowRun(t)
	doc, err := Canonicalize(a.g, a.cls, a.m)
	require.NoError(t, err)

	// Reverse the canonical orderings on the caller's copy.
	slices.Reverse(doc.Edges)
	slices.Reverse(doc.Labels)
	doc.Outputs = append(doc.Outputs, "aaa")
	edges := slices.Clone(doc.Edges)
	labels := slices.Clone(doc.Labels)
	outputs := slices.Clone(doc.Outputs)

	rec, err := s.PutDocument(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, edges, doc.Edges)
	assert.Equal(t, labels, doc.Labels)
	assert.Equal(t, outputs, doc.Outputs)
	assert.Equal(t, []string{"aaa", "out"}, rec.Content.Outputs)
	assert.True(t, slices.IsSortedFunc(rec.Content.Labels, func(a, b DocLabel) int {
		return strings.Compare(a.ID, b.ID)
	}))
}

func TestStore_Has(t *testing.T) {
	_, db := openStore(t)
	s := encryptedStore(t, db, CipherAESGCM, 0x21)
	a := shadowRun(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, a.g, a.cls, a.m, nil)
	require.NoError(t, err)

	ok, err := s.Has(ctx, rec.Address)
	require.NoError(t, err)
	assert.True(t, ok)

	// Has does not open the payload, so a store with another key sees it.
	ok, err = encryptedStore(t, db, CipherAESGCM, 0x22).Has(ctx, rec.Address)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Close())
	_, err = s.Has(ctx, rec.Address)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

// =============================================================================
// Concurrency
// =============================================================================

func TestStore_ConcurrentPuts(t *testing.T) {
	_, db := openStore(t)
	s := encryptedStore(t, db, CipherAESGCM, 0x55)
	ctx := context.Background()

	runs := []analysis{shadowRun(t), chainRun(t, 2), chainRun(t, 3), chainRun(t, 4)}

	const writersPerRun = 8
	addrs := make([][]string, len(runs))
	for i := range addrs {
		addrs[i] = make([]string, writersPerRun)
	}

	var wg sync.WaitGroup
	for i, a := range runs {
		for w := range writersPerRun {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec, err := s.Put(ctx, a.g, a.cls, a.m, map[string]string{fmt.Sprintf("writer%d", w): "yes"})
				if assert.NoError(t, err) {
					addrs[i][w] = rec.Address
				}
			}()
		}
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := range runs {
		for w := range writersPerRun {
			assert.Equal(t, addrs[i][0], addrs[i][w])
		}
		seen[addrs[i][0]] = true

		rec, err := s.Get(ctx, addrs[i][0])
		require.NoError(t, err)
		assert.Len(t, rec.Metadata, writersPerRun, "every writer's metadata is merged")
	}
	assert.Len(t, seen, len(runs))
	assert.Zero(t, s.locks.held())
}

func TestStore_ConcurrentGets(t *testing.T) {
	s, _ := openStore(t)
	a := shadowRun(t)
	ctx := context.Background()
	rec, err := s.Put(ctx, a.g, a.cls, a.m, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.Get(ctx, rec.Address)
			if assert.NoError(t, err) {
				assert.Equal(t, rec.Address, got.Address)
			}
		}()
	}
	wg.Wait()
}

func TestStore_Get_CallerCancelDoesNotFailSharedRead(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	hook := func(string) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	}
	s, _ := openStore(t, withLoadHook(hook))
	a := shadowRun(t)
	rec, err := s.Put(context.Background(), a.g, a.cls, a.m, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.Get(ctx, rec.Address)
		firstErr <- err
	}()
	<-entered

	type result struct {
		rec *Record
		err error
	}
	second := make(chan result, 1)
	go func() {
		got, err := s.Get(context.Background(), rec.Address)
		second <- result{got, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled, "the cancelled caller stops waiting")

	close(release)
	res := <-second
	require.NoError(t, res.err, "other callers of the shared read are unaffected")
	assert.Equal(t, rec.Address, res.rec.Address)
}

func TestStore_Get_CancelledBeforeRead(t *testing.T) {
	s, _ := openStore(t)
	a := shadowRun(t)
	rec, err := s.Put(context.Background(), a.g, a.cls, a.m, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Get(ctx, rec.Address)
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Index / mirror / lifecycle
// =============================================================================

func TestStore_Index_AscendingAndRestartable(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	var want []string
	for n := 2; n <= 6; n++ {
		a := chainRun(t, n)
		rec, err := s.Put(ctx, a.g, a.cls, a.m, nil)
		require.NoError(t, err)
		want = append(want, rec.Address)
	}

	collect := func() []string {
		var out []string
		for e, err := range s.Index(ctx) {
			require.NoError(t, err)
			out = append(out, e.Address)
		}
		return out
	}

	first := collect()
	assert.ElementsMatch(t, want, first)
	assert.IsIncreasing(t, first)
	assert.Equal(t, first, collect())

	// Early break.
	n := 0
	for range s.Index(ctx) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestStore_Index_Cancelled(t *testing.T) {
	s, _ := openStore(t)
	a := shadowRun(t)
	_, err := s.Put(context.Background(), a.g, a.cls, a.m, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var last error
	for _, err := range s.Index(ctx) {
		last = err
	}
	assert.ErrorIs(t, last, context.Canceled)
}

func TestStore_Mirror(t *testing.T) {
	m := &recordingMirror{}
	s, _ := openStore(t, WithMirror(m))
	a := shadowRun(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, a.g, a.cls, a.m, nil)
	require.NoError(t, err)
	require.Contains(t, m.blobs, rec.Address)

	var env envelope
	require.NoError(t, json.Unmarshal(m.blobs[rec.Address], &env))
	assert.Equal(t, rec.Checksum, env.Checksum)

	// Dedup does not re-upload; failures do not fail the put.
	delete(m.blobs, rec.Address)
	m.err = errors.New("bucket unavailable")
	_, err = s.Put(ctx, a.g, a.cls, a.m, nil)
	require.NoError(t, err)
	assert.NotContains(t, m.blobs, rec.Address)

	b := chainRun(t, 3)
	_, err = s.Put(ctx, b.g, b.cls, b.m, nil)
	assert.NoError(t, err)
}

func TestStore_Restore(t *testing.T) {
	m := &recordingMirror{}
	_, srcDB := openStore(t)
	src, err := Open(srcDB, WithCipher(mustCipher(t, CipherXChaCha, 0x44)), WithMirror(m))
	require.NoError(t, err)
	a := shadowRun(t)
	ctx := context.Background()

	rec, err := src.Put(ctx, a.g, a.cls, a.m, map[string]string{"model": "tiny"})
	require.NoError(t, err)
	blob := m.blobs[rec.Address]
	require.NotEmpty(t, blob)

	t.Run("into an empty archive", func(t *testing.T) {
		_, db := openStore(t)
		dst := encryptedStore(t, db, CipherXChaCha, 0x44)

		restored, err := dst.Restore(ctx, rec.Address, blob, map[string]string{"restored": "yes"})
		require.NoError(t, err)
		assert.False(t, restored.Deduplicated)
		assert.Equal(t, rec.CreatedAt, restored.CreatedAt)

		got, err := dst.Get(ctx, rec.Address)
		require.NoError(t, err)
		assert.Equal(t, rec.Content, got.Content)
		assert.Equal(t, rec.Checksum, got.Checksum)
		assert.Equal(t, rec.Index.Kinds, got.Index.Kinds)
		assert.Equal(t, map[string]string{"restored": "yes"}, got.Metadata)

		again, err := dst.Restore(ctx, rec.Address, blob, nil)
		require.NoError(t, err)
		assert.True(t, again.Deduplicated)
	})

	t.Run("rejects a blob under another address", func(t *testing.T) {
		_, db := openStore(t)
		dst := encryptedStore(t, db, CipherXChaCha, 0x44)
		other := AddressOf([]byte("elsewhere"))

		_, err := dst.Restore(ctx, other, blob, nil)
		assert.ErrorIs(t, err, ErrIntegrity)
		ok, err := dst.Has(ctx, other)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rejects a corrupted blob", func(t *testing.T) {
		_, db := openStore(t)
		dst := encryptedStore(t, db, CipherXChaCha, 0x44)
		bad := bytes.Replace(blob, []byte(`"cipher":"XChaCha20-Poly1305"`), []byte(`"cipher":"AES-256-GCM"`), 1)
		require.NotEqual(t, blob, bad)

		_, err := dst.Restore(ctx, rec.Address, bad, nil)
		assert.ErrorIs(t, err, ErrIntegrity)
		_, err = dst.Restore(ctx, rec.Address, []byte("not json"), nil)
		assert.ErrorIs(t, err, ErrIntegrity)
		ok, err := dst.Has(ctx, rec.Address)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rejects another key", func(t *testing.T) {
		_, db := openStore(t)
		dst := encryptedStore(t, db, CipherXChaCha, 0x45)
		_, err := dst.Restore(ctx, rec.Address, blob, nil)
		assert.ErrorIs(t, err, ErrWrongKey)
	})
}

func TestStore_Addresses_IncludesUnindexedRecords(t *testing.T) {
	s, db := openStore(t)
	ctx := context.Background()

	var want []string
	for n := 2; n <= 4; n++ {
		a := chainRun(t, n)
		rec, err := s.Put(ctx, a.g, a.cls, a.m, nil)
		require.NoError(t, err)
		want = append(want, rec.Address)
	}
	slices.Sort(want)
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(idxKey(want[1]))
	}))

	var got []string
	for addr, err := range s.Addresses(ctx) {
		require.NoError(t, err)
		got = append(got, addr)
	}
	assert.Equal(t, want, got)

	indexed := 0
	for range s.Index(ctx) {
		indexed++
	}
	assert.Equal(t, 2, indexed)
}

func TestStore_Closed(t *testing.T) {
	s, _ := openStore(t)
	a := shadowRun(t)
	require.NoError(t, s.Close())

	_, err := s.Put(context.Background(), a.g, a.cls, a.m, nil)
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Get(context.Background(), AddressOf(nil))
	assert.ErrorIs(t, err, ErrStoreClosed)
	for _, err := range s.Index(context.Background()) {
		assert.ErrorIs(t, err, ErrStoreClosed)
	}
}

func TestOpen_NilDB(t *testing.T) {
	_, err := Open(nil)
	assert.Error(t, err)
}
