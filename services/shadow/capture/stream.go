// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// MaxLineBytes bounds a single JSON-lines record.
const MaxLineBytes = 4 << 20

// Stream yields the events of exactly one forward pass, in order.
//
// Next returns io.EOF after the last event. Implementations are consumed
// by a single goroutine.
type Stream interface {
	Next(ctx context.Context) (Event, error)
}

// SliceStream replays an in-memory event slice.
type SliceStream struct {
	events []Event
	pos    int
}

// NewSliceStream returns a Stream over events. The slice is not copied.
func NewSliceStream(events []Event) *SliceStream {
	return &SliceStream{events: events}
}

// Next returns the next event or io.EOF.
func (s *SliceStream) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

// JSONLinesStream decodes one Event per line. Blank lines are skipped.
type JSONLinesStream struct {
	scanner *bufio.Scanner
	line    int
}

// NewJSONLinesStream wraps r. The reader is not closed by the stream.
func NewJSONLinesStream(r io.Reader) *JSONLinesStream {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return &JSONLinesStream{scanner: sc}
}

// Next decodes the next non-blank line.
//
// Outputs:
//
//	Event - The decoded event.
//	error - io.EOF at end of input, *DecodeError for malformed lines,
//	        ctx.Err() on cancellation.
func (s *JSONLinesStream) Next(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Event{}, fmt.Errorf("read capture stream: %w", err)
			}
			return Event{}, io.EOF
		}
		s.line++
		raw := s.scanner.Bytes()
		if len(trimSpace(raw)) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Event{}, &DecodeError{Line: s.line, Err: err}
		}
		return ev, nil
	}
}

// WriteJSONLines encodes events one per line.
func WriteJSONLines(w io.Writer, events []Event) error {
	enc := json.NewEncoder(w)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return fmt.Errorf("encode event %q: %w", events[i].NodeID, err)
		}
	}
	return nil
}

// DecodeError reports a capture line that is not a valid Event.
type DecodeError struct {
	Line int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("capture line %d: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
