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

import "sync"

// addressLocks serializes writers per content address.
//
// Entries are reference counted and removed when the last holder unlocks,
// so the map only grows with the number of addresses being written
// concurrently. Unrelated addresses never contend.
type addressLocks struct {
	mu    sync.Mutex
	locks map[string]*addressLock
}

type addressLock struct {
	mu   sync.Mutex
	refs int
}

func newAddressLocks() *addressLocks {
	return &addressLocks{locks: make(map[string]*addressLock)}
}

// lock blocks until address is held and returns the matching unlock.
func (l *addressLocks) lock(address string) (unlock func()) {
	l.mu.Lock()
	al, ok := l.locks[address]
	if !ok {
		al = &addressLock{}
		l.locks[address] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()

	return func() {
		al.mu.Unlock()

		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, address)
		}
		l.mu.Unlock()
	}
}

// held returns the number of addresses currently locked or waited on.
func (l *addressLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
