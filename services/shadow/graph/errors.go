// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph reconstructs one forward pass as a DAG of operations.
//
// Nodes are operations (matmul, relu, attention, ...) and edges are the data
// dependencies actually observed during the captured pass. The builder
// rejects any malformed, duplicate or cyclic event and produces an immutable
// AnalysisGraph.
//
// # Thread Safety
//
// Builder is NOT safe for concurrent use; a capture stream is inherently
// sequential. After Finalize the AnalysisGraph is read-only and can be read
// from multiple goroutines.
//
// # Lifecycle
//
//  1. Create with NewBuilder(opts...)
//  2. Feed events in capture order with Add()
//  3. Call Finalize() to validate and freeze
//  4. Hand the AnalysisGraph to influence.Propagate
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for graph construction.
var (
	// ErrMalformedCapture is returned when an event violates the capture
	// contract (unseen parent, empty id, non-finite summary, ...).
	ErrMalformedCapture = errors.New("malformed capture")

	// ErrDuplicateNode is returned when a node id appears twice in a stream.
	ErrDuplicateNode = errors.New("duplicate node ID")

	// ErrCyclicGraph is returned when the reconstructed edges form a cycle.
	// A cycle is always an adapter bug and is never broken heuristically.
	ErrCyclicGraph = errors.New("cyclic graph")

	// ErrGraphFrozen is returned when adding events after Finalize().
	ErrGraphFrozen = errors.New("graph is frozen and cannot be modified")

	// ErrMaxNodesExceeded is returned when the builder has reached its
	// configured maximum node capacity.
	ErrMaxNodesExceeded = errors.New("maximum node count exceeded")

	// ErrMaxEdgesExceeded is returned when the builder has reached its
	// configured maximum edge capacity.
	ErrMaxEdgesExceeded = errors.New("maximum edge count exceeded")
)

// MalformedCaptureError identifies the event that broke the capture contract.
type MalformedCaptureError struct {
	// NodeID is the offending event's node id (may be empty).
	NodeID string

	// ParentID is set when the problem concerns one specific parent.
	ParentID string

	// Reason describes the violation.
	Reason string
}

func (e *MalformedCaptureError) Error() string {
	var b strings.Builder
	b.WriteString("malformed capture")
	if e.NodeID != "" {
		fmt.Fprintf(&b, ": node %q", e.NodeID)
	}
	if e.ParentID != "" {
		fmt.Fprintf(&b, " parent %q", e.ParentID)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// Unwrap returns ErrMalformedCapture.
func (e *MalformedCaptureError) Unwrap() error { return ErrMalformedCapture }

// DuplicateNodeError names the node id that was seen twice.
type DuplicateNodeError struct {
	NodeID string
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("duplicate node ID %q", e.NodeID)
}

// Unwrap returns ErrDuplicateNode.
func (e *DuplicateNodeError) Unwrap() error { return ErrDuplicateNode }

// CyclicGraphError carries one deterministic cycle witness.
//
// Path starts and ends with the same node id, e.g. [a b c a] for a→b→c→a.
type CyclicGraphError struct {
	Path []string
}

func (e *CyclicGraphError) Error() string {
	if len(e.Path) == 0 {
		return "cyclic graph"
	}
	return "cyclic graph: " + strings.Join(e.Path, " -> ")
}

// Unwrap returns ErrCyclicGraph.
func (e *CyclicGraphError) Unwrap() error { return ErrCyclicGraph }
