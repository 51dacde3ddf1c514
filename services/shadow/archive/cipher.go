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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher algorithm names as recorded on each record.
const (
	CipherAESGCM    = "AES-256-GCM"
	CipherXChaCha   = "XChaCha20-Poly1305"
	CipherPlaintext = "none"
)

// errOpen is the single failure of Cipher.Open; callers turn it into an
// IntegrityError.
var errOpen = errors.New("authenticated decryption failed")

// Cipher seals and opens record payloads.
//
// Implementations must bind the additional data so a payload cannot be
// moved to another address.
type Cipher interface {
	// Algorithm returns the algorithm name recorded with each payload.
	Algorithm() string

	// KeyID returns the non-secret key fingerprint, or "" for plaintext.
	KeyID() string

	// Seal encrypts plaintext bound to aad.
	Seal(plaintext, aad []byte) ([]byte, error)

	// Open reverses Seal. Any tampering yields an error.
	Open(payload, aad []byte) ([]byte, error)
}

// NewCipher returns the Cipher for algorithm under key.
//
// Description:
//
//	Algorithm names are matched case-insensitively. CipherPlaintext
//	ignores key and stores payloads unencrypted.
//
// Outputs:
//
//	Cipher - Ready to use.
//	error - ErrUnknownCipher or ErrInvalidKey (wrapped).
func NewCipher(algorithm string, key *Key) (Cipher, error) {
	switch strings.ToUpper(strings.TrimSpace(algorithm)) {
	case strings.ToUpper(CipherPlaintext), "":
		return plaintextCipher{}, nil
	case strings.ToUpper(CipherAESGCM), "AES-GCM", "AES256-GCM":
		if key == nil {
			return nil, fmt.Errorf("%w: %s requires a key", ErrInvalidKey, CipherAESGCM)
		}
		return &aeadCipher{name: CipherAESGCM, key: key, newAEAD: newAESGCM}, nil
	case strings.ToUpper(CipherXChaCha), "XCHACHA20":
		if key == nil {
			return nil, fmt.Errorf("%w: %s requires a key", ErrInvalidKey, CipherXChaCha)
		}
		return &aeadCipher{name: CipherXChaCha, key: key, newAEAD: chacha20poly1305.NewX}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCipher, algorithm)
	}
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// aeadCipher stores nonce || ciphertext || tag with a fresh random nonce.
type aeadCipher struct {
	name    string
	key     *Key
	newAEAD func(key []byte) (cipher.AEAD, error)
}

func (c *aeadCipher) Algorithm() string { return c.name }

func (c *aeadCipher) KeyID() string { return c.key.ID() }

func (c *aeadCipher) Seal(plaintext, aad []byte) ([]byte, error) {
	var out []byte
	err := c.key.use(func(raw []byte) error {
		aead, err := c.newAEAD(raw)
		if err != nil {
			return fmt.Errorf("init %s: %w", c.name, err)
		}
		nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("generate nonce: %w", err)
		}
		out = aead.Seal(nonce, nonce, plaintext, aad)
		return nil
	})
	return out, err
}

func (c *aeadCipher) Open(payload, aad []byte) ([]byte, error) {
	var out []byte
	err := c.key.use(func(raw []byte) error {
		aead, err := c.newAEAD(raw)
		if err != nil {
			return fmt.Errorf("init %s: %w", c.name, err)
		}
		if len(payload) < aead.NonceSize()+aead.Overhead() {
			return errOpen
		}
		nonce, ct := payload[:aead.NonceSize()], payload[aead.NonceSize():]
		pt, err := aead.Open(nil, nonce, ct, aad)
		if err != nil {
			return errOpen
		}
		out = pt
		return nil
	})
	return out, err
}

// plaintextCipher is used when encryption is disabled.
type plaintextCipher struct{}

func (plaintextCipher) Algorithm() string { return CipherPlaintext }

func (plaintextCipher) KeyID() string { return "" }

func (plaintextCipher) Seal(plaintext, _ []byte) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

func (plaintextCipher) Open(payload, _ []byte) ([]byte, error) {
	return append([]byte(nil), payload...), nil
}
