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
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"maps"
	"slices"
	"time"

	"github.com/AleutianAI/shadowscope/services/shadow/classify"
)

// Key families. Each record occupies one key in each.
const (
	recPrefix  = "rec/"
	metaPrefix = "meta/"
	idxPrefix  = "idx/"
)

func recKey(address string) []byte  { return []byte(recPrefix + address) }
func metaKey(address string) []byte { return []byte(metaPrefix + address) }
func idxKey(address string) []byte  { return []byte(idxPrefix + address) }

// envelope is the stored (and mirrored) form of a record's payload.
type envelope struct {
	Address   string    `json:"address"`
	Cipher    string    `json:"cipher"`
	KeyID     string    `json:"key_id,omitempty"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
	Payload   []byte    `json:"payload"`
}

// IndexEntry is the plaintext prefilter stored beside each record.
//
// It carries only per-kind class counts, so the query engine can rule
// records out without decrypting them.
type IndexEntry struct {
	Address   string                        `json:"address"`
	CreatedAt time.Time                     `json:"created_at"`
	NodeCount int                           `json:"node_count"`
	Kinds     map[string]classify.KindStats `json:"kinds"`
}

// KindNames returns the recorded kinds, sorted.
func (e IndexEntry) KindNames() []string {
	return slices.Sorted(maps.Keys(e.Kinds))
}

// Record is one archived analysis run.
//
// Records are immutable once written; only Metadata can change, by merge.
type Record struct {
	// Address is "sha256:<hex>" of the canonical plaintext.
	Address string

	// Cipher is the algorithm the payload was sealed with, or "none".
	Cipher string

	// KeyID fingerprints the sealing key. Empty for plaintext records.
	KeyID string

	// Checksum is "sha256:<hex>" over Address, Cipher, KeyID, CreatedAt
	// and Payload.
	Checksum string

	CreatedAt time.Time

	// Payload is the stored bytes: ciphertext, or canonical plaintext when
	// encryption is disabled.
	Payload []byte

	// Metadata is free-form; merged last-metadata-wins per key.
	Metadata map[string]string

	// Index is the plaintext prefilter entry.
	Index IndexEntry

	// Content is the verified, decoded document. Treat as read-only.
	Content *Document

	// Deduplicated is set by Put when the content already existed.
	Deduplicated bool
}

// clone returns a copy that shares only Content.
func (r *Record) clone() *Record {
	out := *r
	out.Payload = slices.Clone(r.Payload)
	out.Metadata = maps.Clone(r.Metadata)
	out.Index.Kinds = maps.Clone(r.Index.Kinds)
	return &out
}

func (e *envelope) record() *Record {
	return &Record{
		Address:   e.Address,
		Cipher:    e.Cipher,
		KeyID:     e.KeyID,
		Checksum:  e.Checksum,
		CreatedAt: e.CreatedAt,
		Payload:   e.Payload,
	}
}

// sum returns the integrity checksum of e: every field but Checksum, each
// length-prefixed.
func (e *envelope) sum() string {
	h := sha256.New()
	writeField(h, []byte(e.Address))
	writeField(h, []byte(e.Cipher))
	writeField(h, []byte(e.KeyID))
	writeField(h, []byte(e.CreatedAt.UTC().Format(time.RFC3339Nano)))
	writeField(h, e.Payload)
	return AddressPrefix + hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}
