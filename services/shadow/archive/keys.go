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
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sys/unix"
)

const (
	// KeySize is the symmetric key length in bytes for both ciphers.
	KeySize = 32

	// DefaultSaltLength is the PBKDF2 salt length in bytes.
	DefaultSaltLength = 32

	// DefaultKDFIterations is the PBKDF2-SHA256 iteration count.
	DefaultKDFIterations = 600_000

	// MinMlockLimitKB is the RLIMIT_MEMLOCK below which enclaves may be
	// swapped to disk.
	MinMlockLimitKB = 64
)

var secureMemoryOnce sync.Once

// initSecureMemory arranges for enclaves to be wiped on interrupt and warns
// when the mlock limit is too low to keep key pages out of swap.
func initSecureMemory() {
	secureMemoryOnce.Do(func() {
		memguard.CatchInterrupt()

		var rlimit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
			slog.Warn("could not determine mlock limit", slog.String("error", err.Error()))
			return
		}
		if rlimit.Cur == unix.RLIM_INFINITY {
			return
		}
		if limitKB := int64(rlimit.Cur / 1024); limitKB < MinMlockLimitKB {
			slog.Warn("mlock limit low; archive key pages may be swapped",
				slog.Int64("current_limit_kb", limitKB),
				slog.Int("required_kb", MinMlockLimitKB),
			)
		}
	})
}

// Key is an archive encryption key held in a memguard enclave.
//
// The plaintext key only exists in locked memory for the duration of a
// single seal or open.
//
// Thread Safety: Safe for concurrent use.
type Key struct {
	enclave *memguard.Enclave
	id      string
}

// NewKey moves raw into an enclave. raw is wiped.
//
// Outputs:
//
//	*Key - The key.
//	error - ErrInvalidKey (wrapped) unless len(raw) == KeySize.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		memguard.WipeBytes(raw)
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, KeySize, len(raw))
	}
	initSecureMemory()
	id := keyID(raw)
	return &Key{enclave: memguard.NewEnclave(raw), id: id}, nil
}

// GenerateKey returns a fresh random key.
func GenerateKey() (*Key, error) {
	initSecureMemory()
	buf := memguard.NewBufferRandom(KeySize)
	id := keyID(buf.Bytes())
	return &Key{enclave: buf.Seal(), id: id}, nil
}

// ParseHexKey decodes a hex-encoded key.
func ParseHexKey(s string) (*Key, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidKey)
	}
	return NewKey(raw)
}

// DeriveKey derives a key from a passphrase with PBKDF2-SHA256.
//
// Inputs:
//
//	passphrase - Secret input. Not retained.
//	salt - Random salt, DefaultSaltLength bytes recommended.
//	iterations - PBKDF2 rounds; <= 0 selects DefaultKDFIterations.
func DeriveKey(passphrase, salt []byte, iterations int) (*Key, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", ErrInvalidKey)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: empty salt", ErrInvalidKey)
	}
	if iterations <= 0 {
		iterations = DefaultKDFIterations
	}
	return NewKey(pbkdf2.Key(passphrase, salt, iterations, KeySize, sha256.New))
}

// NewSalt returns n random bytes.
func NewSalt(n int) ([]byte, error) {
	if n <= 0 {
		n = DefaultSaltLength
	}
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// ID returns a non-secret fingerprint identifying the key.
func (k *Key) ID() string { return k.id }

// Hex opens the enclave and returns the key hex-encoded. Used by keygen
// only; the returned string is ordinary memory.
func (k *Key) Hex() (string, error) {
	var out string
	err := k.use(func(raw []byte) error {
		out = hex.EncodeToString(raw)
		return nil
	})
	return out, err
}

// use opens the enclave for the duration of fn.
func (k *Key) use(fn func(raw []byte) error) error {
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// keyID is a truncated, domain-separated hash of the key.
func keyID(raw []byte) string {
	h := sha256.New()
	h.Write([]byte("shadowscope/key-id/v1\x00"))
	h.Write(raw)
	return "k1-" + hex.EncodeToString(h.Sum(nil)[:8])
}

// PurgeSecureMemory wipes every enclave and locked buffer. Call during
// shutdown; all Keys are unusable afterwards.
func PurgeSecureMemory() {
	memguard.Purge()
}
