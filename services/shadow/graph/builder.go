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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/AleutianAI/shadowscope/services/shadow/capture"
)

// BuilderOptions configures Builder behavior and limits.
type BuilderOptions struct {
	// MaxNodes is the maximum number of operations. Default: 1,000,000
	MaxNodes int

	// MaxEdges is the maximum number of dependencies. Default: 10,000,000
	MaxEdges int

	// Outputs designates output node ids in addition to flagged events.
	Outputs []string

	// Logger receives debug output. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultBuilderOptions returns sensible defaults.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{
		MaxNodes: DefaultMaxNodes,
		MaxEdges: DefaultMaxEdges,
	}
}

// BuilderOption is a functional option for configuring Builder.
type BuilderOption func(*BuilderOptions)

// WithMaxNodes sets the maximum number of operations.
func WithMaxNodes(n int) BuilderOption {
	return func(o *BuilderOptions) {
		o.MaxNodes = n
	}
}

// WithMaxEdges sets the maximum number of dependencies.
func WithMaxEdges(n int) BuilderOption {
	return func(o *BuilderOptions) {
		o.MaxEdges = n
	}
}

// WithOutputs designates output node ids explicitly.
func WithOutputs(ids ...string) BuilderOption {
	return func(o *BuilderOptions) {
		o.Outputs = append(o.Outputs, ids...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BuilderOption {
	return func(o *BuilderOptions) {
		o.Logger = l
	}
}

// Builder assembles an AnalysisGraph from capture events.
//
// Thread Safety:
//
//	NOT safe for concurrent use. One Builder per capture stream.
type Builder struct {
	options BuilderOptions
	logger  *slog.Logger

	nodes    map[string]*OperationNode
	order    []string
	edges    []Edge
	incoming map[string][]int
	outgoing map[string][]int
	flagged  []string
	frozen   bool
}

// NewBuilder creates an empty Builder.
//
// Example:
//
//	b := graph.NewBuilder(graph.WithOutputs("logits"))
//	for _, ev := range events {
//	    if err := b.Add(ev); err != nil {
//	        return err
//	    }
//	}
//	g, err := b.Finalize()
func NewBuilder(opts ...BuilderOption) *Builder {
	options := DefaultBuilderOptions()
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		options:  options,
		logger:   logger,
		nodes:    make(map[string]*OperationNode),
		incoming: make(map[string][]int),
		outgoing: make(map[string][]int),
	}
}

// Add validates one event and appends it to the graph.
//
// Description:
//
//	Every parent must already have been added. Parent ids are treated as a
//	set; repeats are ignored. Edge weights default to the parent's
//	activation magnitude. Add is all-or-nothing: a rejected event leaves
//	the builder unchanged.
//
// Inputs:
//
//	ev - The next event in capture order.
//
// Outputs:
//
//	error - *MalformedCaptureError, *DuplicateNodeError, ErrGraphFrozen,
//	        ErrMaxNodesExceeded or ErrMaxEdgesExceeded (wrapped).
func (b *Builder) Add(ev capture.Event) error {
	if b.frozen {
		return ErrGraphFrozen
	}
	if ev.NodeID == "" {
		return &MalformedCaptureError{Reason: "empty node id"}
	}
	if ev.OpKind == "" {
		return &MalformedCaptureError{NodeID: ev.NodeID, Reason: "empty op kind"}
	}
	if _, exists := b.nodes[ev.NodeID]; exists {
		return &DuplicateNodeError{NodeID: ev.NodeID}
	}
	if !ev.Summary.Finite() {
		return &MalformedCaptureError{NodeID: ev.NodeID, Reason: "activation summary is not finite"}
	}
	if b.options.MaxNodes > 0 && len(b.order) >= b.options.MaxNodes {
		return fmt.Errorf("%w: limit %d", ErrMaxNodesExceeded, b.options.MaxNodes)
	}

	parents := make([]string, 0, len(ev.ParentIDs))
	seen := make(map[string]struct{}, len(ev.ParentIDs))
	for _, p := range ev.ParentIDs {
		if _, dup := seen[p]; dup {
			continue
		}
		if _, ok := b.nodes[p]; !ok {
			return &MalformedCaptureError{NodeID: ev.NodeID, ParentID: p, Reason: "parent not seen earlier in stream"}
		}
		seen[p] = struct{}{}
		parents = append(parents, p)
	}

	for p, w := range ev.EdgeWeights {
		if _, ok := seen[p]; !ok {
			return &MalformedCaptureError{NodeID: ev.NodeID, ParentID: p, Reason: "edge weight for undeclared parent"}
		}
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return &MalformedCaptureError{NodeID: ev.NodeID, ParentID: p, Reason: fmt.Sprintf("invalid edge weight %v", w)}
		}
	}

	if b.options.MaxEdges > 0 && len(b.edges)+len(parents) > b.options.MaxEdges {
		return fmt.Errorf("%w: limit %d", ErrMaxEdgesExceeded, b.options.MaxEdges)
	}

	node := &OperationNode{
		ID:           ev.NodeID,
		Kind:         ev.OpKind,
		InputShapes:  cloneShapes(ev.InputShapes),
		OutputShapes: cloneShapes(ev.OutputShapes),
		Summary:      ev.Summary,
		Seq:          len(b.order),
	}
	b.nodes[node.ID] = node
	b.order = append(b.order, node.ID)

	for _, p := range parents {
		w, ok := ev.EdgeWeights[p]
		if !ok {
			w = b.nodes[p].Summary.Magnitude()
		}
		b.addEdge(p, node.ID, w)
	}

	if ev.Output {
		b.flagged = append(b.flagged, node.ID)
	}
	return nil
}

// addEdge appends an edge without validation.
func (b *Builder) addEdge(from, to string, w float64) {
	idx := len(b.edges)
	b.edges = append(b.edges, Edge{From: from, To: to, Weight: w})
	b.outgoing[from] = append(b.outgoing[from], idx)
	b.incoming[to] = append(b.incoming[to], idx)
}

// Finalize validates the graph and freezes it.
//
// Description:
//
//	Resolves the designated outputs (flagged events plus WithOutputs; the
//	last event when neither is given), runs the Kahn cycle check and
//	returns the immutable snapshot. The builder is frozen afterwards even
//	on error.
//
// Outputs:
//
//	*AnalysisGraph - The finalized graph.
//	error - *MalformedCaptureError for an empty stream or unknown output,
//	        *CyclicGraphError when the edges form a cycle, ErrGraphFrozen
//	        when called twice.
func (b *Builder) Finalize() (*AnalysisGraph, error) {
	if b.frozen {
		return nil, ErrGraphFrozen
	}
	b.frozen = true

	if len(b.order) == 0 {
		return nil, &MalformedCaptureError{Reason: "capture stream is empty"}
	}

	outputs, err := b.resolveOutputs()
	if err != nil {
		return nil, err
	}

	topo, err := topoOrder(b.order, b.edges, b.outgoing)
	if err != nil {
		return nil, err
	}

	g := &AnalysisGraph{
		nodes:        b.nodes,
		order:        b.order,
		topo:         topo,
		edges:        b.edges,
		incoming:     b.incoming,
		outgoing:     b.outgoing,
		outputs:      outputs,
		outputSet:    make(map[string]struct{}, len(outputs)),
		BuiltAtMilli: time.Now().UnixMilli(),
	}
	for _, id := range outputs {
		g.outputSet[id] = struct{}{}
	}

	b.logger.Debug("graph finalized",
		slog.Int("nodes", len(g.order)),
		slog.Int("edges", len(g.edges)),
		slog.Int("outputs", len(outputs)),
	)
	return g, nil
}

func (b *Builder) resolveOutputs() ([]string, error) {
	set := make(map[string]struct{})
	for _, id := range b.flagged {
		set[id] = struct{}{}
	}
	for _, id := range b.options.Outputs {
		if _, ok := b.nodes[id]; !ok {
			return nil, &MalformedCaptureError{NodeID: id, Reason: "designated output not in capture"}
		}
		set[id] = struct{}{}
	}
	if len(set) == 0 {
		set[b.order[len(b.order)-1]] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// Build drains stream into a finalized AnalysisGraph.
//
// Description:
//
//	Convenience wrapper over NewBuilder, Add and Finalize. The context is
//	checked by the stream between events and used for tracing.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	stream - Capture events of exactly one forward pass.
//	opts - Builder options.
//
// Outputs:
//
//	*AnalysisGraph - The finalized graph.
//	error - Any Add/Finalize error, or the stream's error.
func Build(ctx context.Context, stream capture.Stream, opts ...BuilderOption) (*AnalysisGraph, error) {
	ctx, span := startBuildSpan(ctx)
	defer span.End()
	start := time.Now()

	b := NewBuilder(opts...)
	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			recordBuildMetrics(ctx, time.Since(start), 0, 0, false)
			setBuildSpanError(span, err)
			return nil, fmt.Errorf("reading capture event %d: %w", len(b.order), err)
		}
		if err := b.Add(ev); err != nil {
			recordBuildMetrics(ctx, time.Since(start), 0, 0, false)
			setBuildSpanError(span, err)
			return nil, err
		}
	}

	g, err := b.Finalize()
	if err != nil {
		recordBuildMetrics(ctx, time.Since(start), 0, 0, false)
		setBuildSpanError(span, err)
		return nil, err
	}

	recordBuildMetrics(ctx, time.Since(start), g.NodeCount(), g.EdgeCount(), true)
	setBuildSpanResult(span, g.NodeCount(), g.EdgeCount(), len(g.outputs))
	return g, nil
}

func cloneShapes(in []capture.Shape) []capture.Shape {
	if in == nil {
		return nil
	}
	out := make([]capture.Shape, len(in))
	for i, s := range in {
		out[i] = slices.Clone(s)
	}
	return out
}
