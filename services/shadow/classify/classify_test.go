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
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/shadowscope/services/shadow/capture"
	"github.com/AleutianAI/shadowscope/services/shadow/graph"
	"github.com/AleutianAI/shadowscope/services/shadow/influence"
)

func ev(id, kind string, l2 float64, parents ...string) capture.Event {
	return capture.Event{
		NodeID:    id,
		OpKind:    kind,
		ParentIDs: parents,
		Summary:   capture.ActivationSummary{L2Norm: l2, MaxAbs: l2},
	}
}

func score(t *testing.T, events []capture.Event, opts ...graph.BuilderOption) (*graph.AnalysisGraph, *influence.Result) {
	t.Helper()
	g, err := graph.Build(context.Background(), capture.NewSliceStream(events), opts...)
	require.NoError(t, err)
	res, err := influence.Propagate(context.Background(), g, nil)
	require.NoError(t, err)
	return g, res
}

// =============================================================================
// Policy
// =============================================================================

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		ok     bool
	}{
		{"typical", Policy{ExpressedMin: 0.5, VoidMax: 0.1}, true},
		{"equal thresholds", Policy{ExpressedMin: 0.4, VoidMax: 0.4}, true},
		{"bounds", Policy{ExpressedMin: 1, VoidMax: 0}, true},
		{"void above expressed", Policy{ExpressedMin: 0.1, VoidMax: 0.5}, false},
		{"expressed above one", Policy{ExpressedMin: 1.5, VoidMax: 0.1}, false},
		{"negative void", Policy{ExpressedMin: 0.5, VoidMax: -0.1}, false},
		{"nan", Policy{ExpressedMin: math.NaN(), VoidMax: 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidThresholdPolicy)
			var pErr *InvalidThresholdPolicyError
			require.True(t, errors.As(err, &pErr))
			assert.NotEmpty(t, pErr.Reason)
		})
	}
}

func TestPolicyFromSilenceThreshold(t *testing.T) {
	p := PolicyFromSilenceThreshold(0.3)
	assert.Equal(t, 0.3, p.ExpressedMin)
	assert.InDelta(t, 0.1, p.VoidMax, 1e-12)
	assert.NoError(t, p.Validate())
	assert.Equal(t, p, DefaultPolicy())
}

func TestPolicy_Label(t *testing.T) {
	p := Policy{ExpressedMin: 0.5, VoidMax: 0.1}
	assert.Equal(t, Expressed, p.Label(0.5))
	assert.Equal(t, Expressed, p.Label(1))
	assert.Equal(t, Suppressed, p.Label(0.3))
	assert.Equal(t, Void, p.Label(0.1))
	assert.Equal(t, Void, p.Label(0))

	tie := Policy{ExpressedMin: 0.2, VoidMax: 0.2}
	assert.Equal(t, Expressed, tie.Label(0.2))
}

func TestPolicy_Confidence(t *testing.T) {
	p := Policy{ExpressedMin: 0.5, VoidMax: 0.1}
	assert.InDelta(t, 0.5, p.Confidence(0.5), 1e-12)
	assert.InDelta(t, 1.0, p.Confidence(1.0), 1e-12)
	assert.InDelta(t, 1.0, p.Confidence(0.0), 1e-12)
	assert.InDelta(t, 0.5, p.Confidence(0.1), 1e-12)
	assert.InDelta(t, 1.0, p.Confidence(0.3), 1e-12, "centre of suppressed band")

	assert.Equal(t, 1.0, Policy{ExpressedMin: 1, VoidMax: 0}.Confidence(1))
	assert.Equal(t, 1.0, Policy{ExpressedMin: 1, VoidMax: 0}.Confidence(0))

	for i := 0; i <= 100; i++ {
		c := p.Confidence(float64(i) / 100)
		assert.GreaterOrEqual(t, c, 0.5)
		assert.LessOrEqual(t, c, 1.0)
	}
}

func TestLabel_Text(t *testing.T) {
	b, err := json.Marshal(map[string]Label{"x": Suppressed})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":"suppressed"}`, string(b))

	var back map[string]Label
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, Suppressed, back["x"])

	_, err = ParseLabel("loud")
	assert.Error(t, err)
	assert.Equal(t, "unknown", Label(9).String())
}

// =============================================================================
// Classify
// =============================================================================

func TestClassify_ChainWithShadow(t *testing.T) {
	g, res := score(t, []capture.Event{
		ev("A", "embedding", 1), ev("B", "matmul", 2, "A"), ev("C", "softmax", 3, "B"), ev("D", "relu", 4),
	}, graph.WithOutputs("C"))

	cls, m, err := Classify(context.Background(), g, res, Policy{ExpressedMin: 0.5, VoidMax: 0.1}, nil)
	require.NoError(t, err)

	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, Expressed, cls.Nodes[id].Label, id)
	}
	d, ok := cls.Label("D")
	require.True(t, ok)
	assert.Equal(t, Void, d.Label)
	assert.Equal(t, 1.0, d.Confidence)

	assert.InDelta(t, 4.0/10.0, m.SilenceScore, 1e-12)
	assert.Equal(t, 1, m.VoidDepth)
	assert.Equal(t, 0, m.SuppressedCount)
	assert.Equal(t, 3, m.ExpressedCount)
	assert.Equal(t, 1, m.VoidCount)
	assert.Equal(t, 0.0, m.SilenceEntropy)
	assert.Equal(t, KindStats{Void: 1}, m.Kinds["relu"])
	assert.Equal(t, []string{"D"}, cls.IDs(Void))

	require.Len(t, cls.Edges, 2)
	assert.Equal(t, Expressed, cls.Edges[0].Label)
}

func TestClassify_PartitionAndCounts(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	kinds := []string{"matmul", "relu", "attention", "norm"}

	for trial := 0; trial < 20; trial++ {
		n := 2 + rng.Intn(50)
		events := make([]capture.Event, n)
		for i := range events {
			var parents []string
			for j := 0; j < i; j++ {
				if rng.Float64() < 0.1 {
					parents = append(parents, fmt.Sprintf("n%02d", j))
				}
			}
			events[i] = ev(fmt.Sprintf("n%02d", i), kinds[rng.Intn(len(kinds))], rng.Float64(), parents...)
		}
		g, res := score(t, events)

		cls, m, err := Classify(context.Background(), g, res, DefaultPolicy(), nil)
		require.NoError(t, err)

		require.Len(t, cls.Nodes, g.NodeCount())
		union := len(cls.IDs(Expressed)) + len(cls.IDs(Suppressed)) + len(cls.IDs(Void))
		assert.Equal(t, g.NodeCount(), union)
		assert.Equal(t, g.NodeCount(), m.ExpressedCount+m.SuppressedCount+m.VoidCount)

		var kindTotal int
		for _, ks := range m.Kinds {
			kindTotal += ks.Total()
		}
		assert.Equal(t, g.NodeCount(), kindTotal)

		assert.GreaterOrEqual(t, m.SilenceScore, 0.0)
		assert.LessOrEqual(t, m.SilenceScore, 1.0)
		assert.LessOrEqual(t, m.VoidDepth, DefaultMaxVoidDepth)
		assert.LessOrEqual(t, m.SilenceEntropy, math.Log2(float64(len(kinds)))+1e-12)
	}
}

func TestClassify_VoidDepth(t *testing.T) {
	// v0→v1→v2→v3 is a void chain hanging off nothing; out is alone.
	events := []capture.Event{
		ev("v0", "relu", 1), ev("v1", "relu", 1, "v0"), ev("v2", "relu", 1, "v1"),
		ev("v3", "relu", 1, "v2"), ev("side", "relu", 1, "v0"), ev("out", "softmax", 1),
	}
	g, res := score(t, events)

	_, m, err := Classify(context.Background(), g, res, DefaultPolicy(), &Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, m.VoidDepth, "unbounded")

	_, m, err = Classify(context.Background(), g, res, DefaultPolicy(), &Options{MaxVoidDepth: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, m.VoidDepth)
}

func TestClassify_SilenceEntropy(t *testing.T) {
	events := []capture.Event{
		ev("a", "relu", 1), ev("b", "gelu", 1), ev("c", "relu", 1), ev("d", "gelu", 1), ev("out", "softmax", 1),
	}
	g, res := score(t, events)

	_, m, err := Classify(context.Background(), g, res, DefaultPolicy(), nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.SilenceEntropy, 1e-12)
}

func TestClassify_ZeroMagnitudeGraph(t *testing.T) {
	g, res := score(t, []capture.Event{ev("a", "relu", 0), ev("out", "relu", 0)})
	_, m, err := Classify(context.Background(), g, res, DefaultPolicy(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.SilenceScore)
}

func TestClassify_Errors(t *testing.T) {
	g, res := score(t, []capture.Event{ev("a", "relu", 1), ev("b", "relu", 1, "a")})

	_, _, err := Classify(context.Background(), g, res, Policy{ExpressedMin: 0.1, VoidMax: 0.2}, nil)
	assert.ErrorIs(t, err, ErrInvalidThresholdPolicy)

	other, otherRes := score(t, []capture.Event{ev("x", "relu", 1)})
	_, _, err = Classify(context.Background(), g, otherRes, DefaultPolicy(), nil)
	assert.ErrorIs(t, err, ErrScoresMismatch)
	_, _, err = Classify(context.Background(), other, res, DefaultPolicy(), nil)
	assert.ErrorIs(t, err, ErrScoresMismatch)

	_, _, err = Classify(context.Background(), g, res, DefaultPolicy(), &Options{MaxVoidDepth: -1})
	assert.Error(t, err)
}
