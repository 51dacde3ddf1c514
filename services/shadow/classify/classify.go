// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/AleutianAI/shadowscope/services/shadow/graph"
	"github.com/AleutianAI/shadowscope/services/shadow/influence"
)

// DefaultMaxVoidDepth matches the default void_detection_depth setting.
const DefaultMaxVoidDepth = 5

// ErrScoresMismatch is returned when the influence result does not cover
// the graph it is applied to.
var ErrScoresMismatch = errors.New("influence result does not match graph")

// NodeLabel is the classification of one node.
type NodeLabel struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
	Influence  float64 `json:"influence"`

	// Truncated is set when propagation through the node was cut off by
	// the decay floor.
	Truncated bool `json:"truncated,omitempty"`
}

// EdgeLabel is the classification of one edge by the influence it carried.
type EdgeLabel struct {
	From  string  `json:"from"`
	To    string  `json:"to"`
	Label Label   `json:"label"`
	Flow  float64 `json:"flow"`
}

// Classification labels every node and edge of one graph.
//
// Immutable after Classify returns.
type Classification struct {
	Policy Policy

	// Nodes maps node id to its label.
	Nodes map[string]NodeLabel

	// Edges is indexed like AnalysisGraph.Edges().
	Edges []EdgeLabel
}

// Label returns the label of id.
func (c *Classification) Label(id string) (NodeLabel, bool) {
	l, ok := c.Nodes[id]
	return l, ok
}

// IDs returns the ids carrying label, sorted.
func (c *Classification) IDs(label Label) []string {
	var out []string
	for id, l := range c.Nodes {
		if l.Label == label {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// KindStats counts nodes of one operation kind per class.
type KindStats struct {
	Expressed  int `json:"expressed"`
	Suppressed int `json:"suppressed"`
	Void       int `json:"void"`
}

// Count returns the count for label.
func (k KindStats) Count(label Label) int {
	switch label {
	case Expressed:
		return k.Expressed
	case Suppressed:
		return k.Suppressed
	case Void:
		return k.Void
	}
	return 0
}

// Total returns the number of nodes of the kind.
func (k KindStats) Total() int { return k.Expressed + k.Suppressed + k.Void }

// RunMetrics are the aggregate silence metrics of one run.
type RunMetrics struct {
	// SilenceScore is the share of total activation magnitude (sum of L2
	// norms) on Suppressed and Void nodes. 0 for an all-zero graph.
	SilenceScore float64 `json:"silence_score"`

	// VoidDepth is the node count of the longest path made only of Void
	// nodes, capped at the configured depth.
	VoidDepth int `json:"void_depth"`

	SuppressedCount int `json:"suppressed_count"`
	ExpressedCount  int `json:"expressed_count"`
	VoidCount       int `json:"void_count"`

	// SuppressedEdgeCount counts edges whose flow classifies as Suppressed.
	SuppressedEdgeCount int `json:"suppressed_edge_count"`

	// TruncatedCount is the number of decay-truncated nodes.
	TruncatedCount int `json:"truncated_count"`

	// SilenceEntropy is the Shannon entropy (bits) of the op-kind
	// distribution over Suppressed and Void nodes.
	SilenceEntropy float64 `json:"silence_entropy"`

	// Kinds holds per-kind class counts.
	Kinds map[string]KindStats `json:"kinds"`
}

// Options configures Classify.
type Options struct {
	// MaxVoidDepth caps VoidDepth. Zero means unbounded. Default: 5
	MaxVoidDepth int

	// Logger receives debug output. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{MaxVoidDepth: DefaultMaxVoidDepth}
}

// Classify labels every node and edge of g and computes RunMetrics.
//
// Description:
//
//	Applies policy to each node's influence and each edge's flow. The
//	three node classes partition the node set. Metrics are accumulated in
//	construction order so they are reproducible bit for bit.
//
// Inputs:
//
//	ctx - Used for tracing only.
//	g - The finalized graph.
//	res - The propagation result for g.
//	policy - Thresholds. Validated first.
//	opts - Options. If nil, defaults are used.
//
// Outputs:
//
//	*Classification - Node and edge labels.
//	*RunMetrics - Aggregates.
//	error - *InvalidThresholdPolicyError, or ErrScoresMismatch (wrapped)
//	        when res was computed for a different graph.
func Classify(ctx context.Context, g *graph.AnalysisGraph, res *influence.Result, policy Policy, opts *Options) (*Classification, *RunMetrics, error) {
	if err := policy.Validate(); err != nil {
		return nil, nil, err
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.MaxVoidDepth < 0 {
		return nil, nil, fmt.Errorf("max void depth %d is negative", opts.MaxVoidDepth)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	edges := g.Edges()
	if len(res.EdgeFlow) != len(edges) {
		return nil, nil, fmt.Errorf("%w: %d edge flows for %d edges", ErrScoresMismatch, len(res.EdgeFlow), len(edges))
	}

	ctx, span := startClassifySpan(ctx, g.NodeCount())
	defer span.End()

	cls := &Classification{
		Policy: policy,
		Nodes:  make(map[string]NodeLabel, g.NodeCount()),
		Edges:  make([]EdgeLabel, len(edges)),
	}
	m := &RunMetrics{
		TruncatedCount: res.TruncatedCount,
		Kinds:          make(map[string]KindStats),
	}

	var total, silent float64
	silentKinds := make(map[string]int)

	for _, n := range g.Nodes() {
		inf, ok := res.Scores[n.ID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: no score for node %q", ErrScoresMismatch, n.ID)
		}
		label := policy.Label(inf)
		cls.Nodes[n.ID] = NodeLabel{
			Label:      label,
			Confidence: policy.Confidence(inf),
			Influence:  inf,
			Truncated:  res.Truncated(n.ID),
		}

		mag := n.Summary.Magnitude()
		total += mag

		ks := m.Kinds[n.Kind]
		switch label {
		case Expressed:
			m.ExpressedCount++
			ks.Expressed++
		case Suppressed:
			m.SuppressedCount++
			ks.Suppressed++
		case Void:
			m.VoidCount++
			ks.Void++
		}
		m.Kinds[n.Kind] = ks

		if label != Expressed {
			silent += mag
			silentKinds[n.Kind]++
		}
	}

	for i, e := range edges {
		label := policy.Label(res.EdgeFlow[i])
		cls.Edges[i] = EdgeLabel{From: e.From, To: e.To, Label: label, Flow: res.EdgeFlow[i]}
		if label == Suppressed {
			m.SuppressedEdgeCount++
		}
	}

	if total > 0 {
		m.SilenceScore = silent / total
	}
	m.SilenceEntropy = entropy(silentKinds)
	m.VoidDepth = voidDepth(g, cls, opts.MaxVoidDepth)

	recordClassifyMetrics(ctx, m)
	setClassifySpanResult(span, m)

	logger.Debug("graph classified",
		slog.Int("expressed", m.ExpressedCount),
		slog.Int("suppressed", m.SuppressedCount),
		slog.Int("void", m.VoidCount),
		slog.Float64("silence_score", m.SilenceScore),
		slog.Int("void_depth", m.VoidDepth),
	)
	return cls, m, nil
}

// voidDepth returns the longest path (in nodes) of the Void-induced
// subgraph, capped at limit when limit > 0.
//
// Dynamic programming over the topological order: depth[v] is 1 plus the
// deepest Void predecessor. Linear in the size of g.
func voidDepth(g *graph.AnalysisGraph, cls *Classification, limit int) int {
	depth := make(map[string]int)
	best := 0
	for _, id := range g.TopoOrder() {
		if cls.Nodes[id].Label != Void {
			continue
		}
		d := 1
		for _, e := range g.Incoming(id) {
			if pd, ok := depth[e.From]; ok {
				d = max(d, pd+1)
			}
		}
		if limit > 0 {
			d = min(d, limit)
		}
		depth[id] = d
		best = max(best, d)
	}
	return best
}

// entropy returns the Shannon entropy in bits of the count distribution.
func entropy(counts map[string]int) float64 {
	var n int
	keys := make([]string, 0, len(counts))
	for k, c := range counts {
		keys = append(keys, k)
		n += c
	}
	if n == 0 {
		return 0
	}
	slices.Sort(keys)

	var h float64
	for _, k := range keys {
		p := float64(counts[k]) / float64(n)
		h -= p * math.Log2(p)
	}
	if h == 0 {
		return 0
	}
	return h
}
