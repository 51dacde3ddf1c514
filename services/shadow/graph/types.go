// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"slices"

	"github.com/AleutianAI/shadowscope/services/shadow/capture"
)

// Default configuration values.
const (
	// DefaultMaxNodes is the default maximum number of operations per pass.
	DefaultMaxNodes = 1_000_000

	// DefaultMaxEdges is the default maximum number of data dependencies.
	DefaultMaxEdges = 10_000_000
)

// OperationNode is one executed operation of the captured pass.
//
// OperationNode carries no influence score; scores are produced separately
// by the influence package so the graph never mutates after Finalize.
type OperationNode struct {
	// ID is unique within the pass.
	ID string

	// Kind is the framework-agnostic operation tag.
	Kind string

	InputShapes  []capture.Shape
	OutputShapes []capture.Shape

	// Summary holds the output activation statistics.
	Summary capture.ActivationSummary

	// Seq is the zero-based position of the event in the capture stream.
	Seq int
}

// Edge is an observed data dependency From → To.
type Edge struct {
	// From is the producing (parent) operation.
	From string

	// To is the consuming operation.
	To string

	// Weight is the contribution estimate of From to To. Never negative.
	Weight float64
}

// AnalysisGraph is the finalized, immutable snapshot of one pass.
//
// Nodes that no output depends on are retained; they are the shadows the
// rest of the pipeline exists to find.
//
// Thread Safety:
//
//	Safe for concurrent reads. Accessors return copies of internal slices;
//	the *OperationNode values returned by Node and Nodes MUST NOT be mutated.
type AnalysisGraph struct {
	nodes map[string]*OperationNode

	// order is construction (capture) order.
	order []string

	// topo is the deterministic Kahn order.
	topo []string

	edges    []Edge
	incoming map[string][]int
	outgoing map[string][]int

	outputs   []string
	outputSet map[string]struct{}

	// BuiltAtMilli is the Unix timestamp in milliseconds of Finalize().
	BuiltAtMilli int64
}

// NodeCount returns the number of operations.
func (g *AnalysisGraph) NodeCount() int { return len(g.order) }

// EdgeCount returns the number of dependencies.
func (g *AnalysisGraph) EdgeCount() int { return len(g.edges) }

// Node returns the operation with the given id.
func (g *AnalysisGraph) Node(id string) (*OperationNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every operation in construction order.
func (g *AnalysisGraph) Nodes() []*OperationNode {
	out := make([]*OperationNode, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id]
	}
	return out
}

// Order returns node ids in construction order.
func (g *AnalysisGraph) Order() []string { return slices.Clone(g.order) }

// TopoOrder returns node ids in topological order, ties broken by id.
func (g *AnalysisGraph) TopoOrder() []string { return slices.Clone(g.topo) }

// Edges returns every edge in construction order.
func (g *AnalysisGraph) Edges() []Edge { return slices.Clone(g.edges) }

// Incoming returns the edges that end at id, in parent declaration order.
func (g *AnalysisGraph) Incoming(id string) []Edge {
	return g.collect(g.incoming[id])
}

// Outgoing returns the edges that start at id.
func (g *AnalysisGraph) Outgoing(id string) []Edge {
	return g.collect(g.outgoing[id])
}

// IncomingIndices returns the positions in Edges() of the edges ending at
// id. Used by per-edge result tables indexed like Edges().
func (g *AnalysisGraph) IncomingIndices(id string) []int {
	return slices.Clone(g.incoming[id])
}

// EdgeIndex returns the position in Edges() of the edge from → to.
func (g *AnalysisGraph) EdgeIndex(from, to string) (int, bool) {
	for _, i := range g.incoming[to] {
		if g.edges[i].From == from {
			return i, true
		}
	}
	return -1, false
}

// Outputs returns the designated output ids, sorted.
func (g *AnalysisGraph) Outputs() []string { return slices.Clone(g.outputs) }

// IsOutput reports whether id is a designated output.
func (g *AnalysisGraph) IsOutput(id string) bool {
	_, ok := g.outputSet[id]
	return ok
}

// TotalMagnitude returns the sum of activation magnitudes over all nodes,
// accumulated in construction order.
func (g *AnalysisGraph) TotalMagnitude() float64 {
	var total float64
	for _, id := range g.order {
		total += g.nodes[id].Summary.Magnitude()
	}
	return total
}

// KindCounts returns the number of operations per kind.
func (g *AnalysisGraph) KindCounts() map[string]int {
	out := make(map[string]int)
	for _, n := range g.nodes {
		out[n.Kind]++
	}
	return out
}

func (g *AnalysisGraph) collect(idx []int) []Edge {
	if len(idx) == 0 {
		return nil
	}
	out := make([]Edge, len(idx))
	for i, e := range idx {
		out[i] = g.edges[e]
	}
	return out
}
