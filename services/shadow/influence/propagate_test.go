// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package influence

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/shadowscope/services/shadow/capture"
	"github.com/AleutianAI/shadowscope/services/shadow/graph"
)

const epsilon = 1e-9

func ev(id string, l2 float64, parents ...string) capture.Event {
	return capture.Event{
		NodeID:    id,
		OpKind:    "op",
		ParentIDs: parents,
		Summary:   capture.ActivationSummary{L2Norm: l2, MaxAbs: l2},
	}
}

func weighted(e capture.Event, w map[string]float64) capture.Event {
	e.EdgeWeights = w
	return e
}

func build(t *testing.T, events []capture.Event, opts ...graph.BuilderOption) *graph.AnalysisGraph {
	t.Helper()
	g, err := graph.Build(context.Background(), capture.NewSliceStream(events), opts...)
	require.NoError(t, err)
	return g
}

func TestPropagate_ChainWithShadow(t *testing.T) {
	g := build(t, []capture.Event{
		ev("A", 1), ev("B", 2, "A"), ev("C", 3, "B"), ev("D", 4),
	}, graph.WithOutputs("C"))

	res, err := Propagate(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, 1.0, res.Score("A"))
	assert.Equal(t, 1.0, res.Score("B"))
	assert.Equal(t, 1.0, res.Score("C"))
	assert.Equal(t, 0.0, res.Score("D"))
	assert.Equal(t, []float64{1, 1}, res.EdgeFlow)
	assert.Zero(t, res.TruncatedCount)
	assert.Equal(t, DefaultDecayFloor, res.DecayFloor)
}

func TestPropagate_SplitsByWeight(t *testing.T) {
	// A feeds B (|B|=1) and C (|C|=3); both feed D.
	g := build(t, []capture.Event{
		ev("A", 1), ev("B", 1, "A"), ev("C", 3, "A"), ev("D", 1, "B", "C"),
	})

	res, err := Propagate(context.Background(), g, nil)
	require.NoError(t, err)

	assert.InDelta(t, 0.25, res.Score("B"), epsilon)
	assert.InDelta(t, 0.75, res.Score("C"), epsilon)
	assert.InDelta(t, 1.0, res.Score("A"), epsilon)

	i, ok := g.EdgeIndex("C", "D")
	require.True(t, ok)
	assert.InDelta(t, 0.75, res.EdgeFlow[i], epsilon)
}

func TestPropagate_ZeroWeightsSplitUniformly(t *testing.T) {
	g := build(t, []capture.Event{
		ev("a", 0), ev("b", 0), ev("c", 0), ev("out", 1, "a", "b", "c"),
	})

	res, err := Propagate(context.Background(), g, nil)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		assert.InDelta(t, 1.0/3, res.Score(id), epsilon)
	}
}

func TestPropagate_HugeWeightsDoNotOverflow(t *testing.T) {
	g := build(t, []capture.Event{
		ev("a", 1), ev("b", 1),
		weighted(ev("out", 1, "a", "b"), map[string]float64{"a": math.MaxFloat64, "b": math.MaxFloat64}),
	})

	res, err := Propagate(context.Background(), g, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Score("a"), epsilon)
	assert.InDelta(t, 0.5, res.Score("b"), epsilon)
}

func TestPropagate_SharedParentClampsToOne(t *testing.T) {
	events := []capture.Event{ev("in", 1), ev("x", 1, "in"), ev("y", 1, "in")}
	events[1].Output = true
	events[2].Output = true
	g := build(t, events)

	res, err := Propagate(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Score("in"))
}

func TestPropagate_DecayTruncation(t *testing.T) {
	events := []capture.Event{
		ev("root", 1),
		ev("faint", 1, "root"),
		ev("strong", 1),
		weighted(ev("out", 1, "strong", "faint"), map[string]float64{"strong": 1, "faint": 1e-9}),
	}
	g := build(t, events)

	t.Run("default floor truncates", func(t *testing.T) {
		res, err := Propagate(context.Background(), g, nil)
		require.NoError(t, err)

		assert.Greater(t, res.Score("faint"), 0.0)
		assert.Less(t, res.Score("faint"), DefaultDecayFloor)
		assert.True(t, res.Truncated("faint"))
		assert.Equal(t, []string{TagDecayTruncated}, res.Tags["faint"])
		assert.Equal(t, 0.0, res.Score("root"))
		assert.Equal(t, 1, res.TruncatedCount)
	})

	t.Run("zero floor propagates everything", func(t *testing.T) {
		res, err := Propagate(context.Background(), g, &Options{DecayFloor: 0})
		require.NoError(t, err)
		assert.False(t, res.Truncated("faint"))
		assert.Equal(t, res.Score("faint"), res.Score("root"))
	})

	t.Run("leaf below floor is not tagged", func(t *testing.T) {
		leafOnly := build(t, []capture.Event{
			ev("leaf", 1), ev("strong", 1),
			weighted(ev("out", 1, "strong", "leaf"), map[string]float64{"strong": 1, "leaf": 1e-9}),
		})
		res, err := Propagate(context.Background(), leafOnly, nil)
		require.NoError(t, err)
		assert.False(t, res.Truncated("leaf"))
		assert.Zero(t, res.TruncatedCount)
	})
}

func TestPropagate_InvalidOptions(t *testing.T) {
	g := build(t, []capture.Event{ev("a", 1)})
	for _, floor := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := Propagate(context.Background(), g, &Options{DecayFloor: floor})
		assert.ErrorIs(t, err, ErrInvalidOptions)
	}
}

// randomGraph builds a random DAG with mixed explicit and default weights.
func randomGraph(t *testing.T, rng *rand.Rand) *graph.AnalysisGraph {
	t.Helper()
	n := 3 + rng.Intn(80)
	events := make([]capture.Event, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("n%03d", i)
		var parents []string
		weights := map[string]float64{}
		for j := 0; j < i; j++ {
			if rng.Float64() < 0.1 {
				p := fmt.Sprintf("n%03d", j)
				parents = append(parents, p)
				switch rng.Intn(3) {
				case 0:
					weights[p] = rng.Float64()
				case 1:
					weights[p] = 0
				}
			}
		}
		e := ev(id, rng.Float64()*10, parents...)
		if len(weights) > 0 {
			e.EdgeWeights = weights
		}
		e.Output = rng.Float64() < 0.05
		events[i] = e
	}
	return build(t, events)
}

func TestPropagate_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 30; trial++ {
		g := randomGraph(t, rng)

		res, err := Propagate(context.Background(), g, nil)
		require.NoError(t, err)

		// Scores are bounded.
		for id, s := range res.Scores {
			assert.GreaterOrEqual(t, s, 0.0, id)
			assert.LessOrEqual(t, s, 1.0, id)
		}
		require.Len(t, res.Scores, g.NodeCount())

		// Conservation: a node never distributes more than it holds.
		for _, n := range g.Nodes() {
			var out float64
			for _, i := range g.IncomingIndices(n.ID) {
				out += res.EdgeFlow[i]
			}
			assert.LessOrEqual(t, out, res.Score(n.ID)+epsilon, "node %s", n.ID)
		}

		// Nodes with no path to an output stay at exactly zero.
		reach := backwardReachable(g)
		for _, n := range g.Nodes() {
			if !reach[n.ID] {
				assert.Equal(t, 0.0, res.Score(n.ID), "shadow %s", n.ID)
			}
		}

		// Determinism.
		again, err := Propagate(context.Background(), g, nil)
		require.NoError(t, err)
		for id, s := range res.Scores {
			assert.Equal(t, math.Float64bits(s), math.Float64bits(again.Scores[id]), id)
		}
		assert.Equal(t, res.EdgeFlow, again.EdgeFlow)
	}
}

func backwardReachable(g *graph.AnalysisGraph) map[string]bool {
	seen := map[string]bool{}
	stack := g.Outputs()
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, e := range g.Incoming(id) {
			stack = append(stack, e.From)
		}
	}
	return seen
}

func TestFloorFromSensitivity(t *testing.T) {
	assert.Equal(t, DefaultDecayFloor, FloorFromSensitivity(DefaultSensitivity))
	assert.InEpsilon(t, 1e-9, FloorFromSensitivity(1.0), 1e-6)
	assert.InEpsilon(t, 1e-4, FloorFromSensitivity(0.5), 1e-6)
	assert.Equal(t, MaxDecayFloor, FloorFromSensitivity(0))
	assert.Equal(t, MinDecayFloor, FloorFromSensitivity(2))
	assert.Equal(t, DefaultDecayFloor, FloorFromSensitivity(math.NaN()))
}
