// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStyler_PlainForNonTerminal(t *testing.T) {
	s := NewStyler(&bytes.Buffer{})

	assert.Equal(t, "void", s.Label("void"))
	assert.Equal(t, "Suppressed", s.Label("Suppressed"))
	assert.Equal(t, "expressed", s.Label("expressed"))
	assert.Equal(t, "other", s.Label("other"))
	assert.Equal(t, "Address", s.Title("Address"))
	assert.Equal(t, "(existing)", s.Muted("(existing)"))
	assert.Equal(t, "boom", s.Error("boom"))
}
