// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package influence scores how much each operation contributed to the
// designated outputs of a captured pass.
//
// Influence is injected at the outputs (1.0 each) and pushed backward
// through the DAG in reverse topological order. A node splits its own
// influence across its incoming edges in proportion to their weight
// estimates; predecessors accumulate shares, clamped to 1.0. Nodes that no
// output depends on end at exactly 0.0.
//
// The score is a deterministic, reproducible approximation. It is not a
// causal attribution method.
package influence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/AleutianAI/shadowscope/services/shadow/graph"
)

// =============================================================================
// Options
// =============================================================================

const (
	// DefaultDecayFloor is the influence below which a node stops
	// propagating. Corresponds to DefaultSensitivity.
	DefaultDecayFloor = 1e-6

	// DefaultSensitivity is the shadow_sensitivity that maps to
	// DefaultDecayFloor.
	DefaultSensitivity = 0.7

	// MinDecayFloor and MaxDecayFloor bound FloorFromSensitivity.
	MinDecayFloor = 1e-12
	MaxDecayFloor = 0.5

	// TagDecayTruncated marks a node whose propagation was cut off by the
	// decay floor.
	TagDecayTruncated = "decay-truncated"
)

// ErrInvalidOptions is returned for a NaN or negative decay floor.
var ErrInvalidOptions = errors.New("invalid propagation options")

// Options configures Propagate.
type Options struct {
	// DecayFloor stops propagation through nodes whose influence is
	// positive but below it. Zero disables truncation. Default: 1e-6
	DecayFloor float64

	// Logger receives debug output. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{DecayFloor: DefaultDecayFloor}
}

// Validate checks the options.
func (o *Options) Validate() error {
	if math.IsNaN(o.DecayFloor) || math.IsInf(o.DecayFloor, 0) || o.DecayFloor < 0 {
		return fmt.Errorf("%w: decay floor %v", ErrInvalidOptions, o.DecayFloor)
	}
	return nil
}

// FloorFromSensitivity maps shadow_sensitivity in [0, 1] to a decay floor.
//
// Description:
//
//	Each 0.1 of sensitivity above DefaultSensitivity lowers the floor by one
//	decade (more sensitive means faint shadows keep propagating); each 0.1
//	below raises it by one decade. The result is clamped to
//	[MinDecayFloor, MaxDecayFloor].
func FloorFromSensitivity(sensitivity float64) float64 {
	if math.IsNaN(sensitivity) {
		return DefaultDecayFloor
	}
	floor := DefaultDecayFloor * math.Pow(10, 10*(DefaultSensitivity-sensitivity))
	return min(max(floor, MinDecayFloor), MaxDecayFloor)
}

// =============================================================================
// Result
// =============================================================================

// Result holds the scores of one propagation.
//
// Result is never mutated after Propagate returns and is safe for
// concurrent reads.
type Result struct {
	// Scores maps every node id to its influence in [0, 1].
	Scores map[string]float64

	// EdgeFlow is the influence carried by each edge, indexed like
	// AnalysisGraph.Edges().
	EdgeFlow []float64

	// Tags maps node id to annotations such as TagDecayTruncated.
	Tags map[string][]string

	// DecayFloor is the floor that was applied.
	DecayFloor float64

	// TruncatedCount is the number of decay-truncated nodes.
	TruncatedCount int
}

// Score returns the influence of id (0 for unknown ids).
func (r *Result) Score(id string) float64 { return r.Scores[id] }

// Truncated reports whether id was decay-truncated.
func (r *Result) Truncated(id string) bool {
	for _, t := range r.Tags[id] {
		if t == TagDecayTruncated {
			return true
		}
	}
	return false
}

// =============================================================================
// Propagation
// =============================================================================

// Propagate assigns every node of g an influence score.
//
// Description:
//
//	Visits nodes in strict reverse of g.TopoOrder(). Every successor of a
//	node is visited before the node itself, so its score is final when it
//	distributes. Weights are rescaled by their maximum before normalizing
//	so very large estimates cannot overflow the sum. When all incoming
//	weights are zero the influence is split uniformly.
//
// Inputs:
//
//	ctx - Used for tracing only; propagation is bounded by graph size.
//	g - A finalized graph. Must not be nil.
//	opts - Options. If nil, defaults are used.
//
// Outputs:
//
//	*Result - Per-node scores, per-edge flow and truncation tags.
//	error - ErrInvalidOptions (wrapped) for a bad decay floor.
//
// Thread Safety: Safe for concurrent use; g is only read.
//
// Complexity: O(V log V + E) with the topological order precomputed.
func Propagate(ctx context.Context, g *graph.AnalysisGraph, opts *Options) (*Result, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, span := startPropagateSpan(ctx, g.NodeCount(), g.EdgeCount(), opts.DecayFloor)
	defer span.End()
	start := time.Now()

	edges := g.Edges()
	res := &Result{
		Scores:     make(map[string]float64, g.NodeCount()),
		EdgeFlow:   make([]float64, len(edges)),
		Tags:       make(map[string][]string),
		DecayFloor: opts.DecayFloor,
	}

	topo := g.TopoOrder()
	for _, id := range topo {
		res.Scores[id] = 0
	}
	for _, id := range g.Outputs() {
		res.Scores[id] = 1.0
	}

	for i := len(topo) - 1; i >= 0; i-- {
		id := topo[i]
		inf := res.Scores[id]
		if inf == 0 {
			continue
		}

		in := g.IncomingIndices(id)
		if len(in) == 0 {
			continue
		}

		if opts.DecayFloor > 0 && inf < opts.DecayFloor {
			res.Tags[id] = append(res.Tags[id], TagDecayTruncated)
			res.TruncatedCount++
			continue
		}

		distribute(res, edges, in, inf)
	}

	recordPropagateMetrics(ctx, time.Since(start), res.TruncatedCount)
	setPropagateSpanResult(span, res.TruncatedCount)

	logger.Debug("influence propagated",
		slog.Int("nodes", len(topo)),
		slog.Int("truncated", res.TruncatedCount),
		slog.Float64("decay_floor", opts.DecayFloor),
	)
	return res, nil
}

// distribute splits inf across the incoming edges in, in declaration order.
func distribute(res *Result, edges []graph.Edge, in []int, inf float64) {
	var maxW float64
	for _, ei := range in {
		maxW = max(maxW, edges[ei].Weight)
	}

	var total float64
	if maxW > 0 {
		for _, ei := range in {
			total += edges[ei].Weight / maxW
		}
	}

	for _, ei := range in {
		var share float64
		if total > 0 {
			share = inf * ((edges[ei].Weight / maxW) / total)
		} else {
			share = inf / float64(len(in))
		}
		res.EdgeFlow[ei] = share
		from := edges[ei].From
		res.Scores[from] = min(1.0, res.Scores[from]+share)
	}
}
