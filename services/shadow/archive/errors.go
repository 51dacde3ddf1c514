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
	"errors"
	"fmt"
)

// Sentinel errors for archive operations.
var (
	// ErrNotFound is returned when no record exists for an address.
	ErrNotFound = errors.New("archive record not found")

	// ErrIntegrity is returned when a stored record fails verification.
	// The record is never returned in that case.
	ErrIntegrity = errors.New("archive integrity check failed")

	// ErrInvalidAddress is returned for strings that are not content
	// addresses.
	ErrInvalidAddress = errors.New("invalid content address")

	// ErrInvalidKey is returned for key material of the wrong size.
	ErrInvalidKey = errors.New("invalid archive key")

	// ErrWrongKey is returned when a record was sealed under a key (or
	// cipher) the store does not hold.
	ErrWrongKey = errors.New("record sealed with a different key")

	// ErrUnknownCipher is returned for unsupported cipher algorithms.
	ErrUnknownCipher = errors.New("unknown cipher algorithm")

	// ErrStoreClosed is returned by operations on a closed Store.
	ErrStoreClosed = errors.New("archive store is closed")
)

// NotFoundError names the missing address.
type NotFoundError struct {
	Address string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("archive record %s not found", e.Address)
}

// Unwrap returns ErrNotFound.
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// IntegrityError names the record that failed verification and why.
type IntegrityError struct {
	Address string
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("archive record %s failed integrity check: %s", e.Address, e.Reason)
}

// Unwrap returns ErrIntegrity.
func (e *IntegrityError) Unwrap() error { return ErrIntegrity }
