// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package capture defines the boundary between framework adapters and the
// analysis core.
//
// An adapter hooks one forward pass of a model and emits one Event per
// executed operation, in execution order. The core never talks to the model
// itself; it only sees the finite event stream.
//
// Operation kinds are an open string tag ("matmul", "relu", "attention",
// ...) paired with a fixed-shape ActivationSummary, so the same stream format
// serves every framework.
package capture

import (
	"math"
)

// Shape is the dimension list of one tensor, outermost first.
type Shape []int

// ActivationSummary holds scalar statistics of an operation's output tensor.
//
// The full tensor is never captured.
type ActivationSummary struct {
	// Mean is the arithmetic mean of all elements.
	Mean float64 `json:"mean"`

	// L2Norm is the Euclidean norm of the flattened tensor. It is the
	// activation magnitude used by silence metrics.
	L2Norm float64 `json:"l2_norm"`

	// MaxAbs is the largest absolute element value.
	MaxAbs float64 `json:"max_abs"`
}

// Finite reports whether every statistic is a finite number.
func (s ActivationSummary) Finite() bool {
	return isFinite(s.Mean) && isFinite(s.L2Norm) && isFinite(s.MaxAbs)
}

// Magnitude returns the activation magnitude (the L2 norm, never negative).
func (s ActivationSummary) Magnitude() float64 {
	return math.Abs(s.L2Norm)
}

// Event is one operation-execution record of a forward pass.
type Event struct {
	// NodeID is unique within one stream.
	NodeID string `json:"node_id"`

	// OpKind is the framework-agnostic operation tag.
	OpKind string `json:"op_kind"`

	// ParentIDs lists the operations whose outputs fed this one. Every
	// parent must appear earlier in the stream.
	ParentIDs []string `json:"parent_ids,omitempty"`

	// InputShapes and OutputShapes describe the tensors involved.
	InputShapes  []Shape `json:"input_shapes,omitempty"`
	OutputShapes []Shape `json:"output_shapes,omitempty"`

	// Summary describes the output activation.
	Summary ActivationSummary `json:"activation_summary"`

	// EdgeWeights optionally maps a parent id to the adapter's estimate of
	// how much that parent contributed. Parents without an entry default to
	// the parent's activation magnitude.
	EdgeWeights map[string]float64 `json:"edge_weights,omitempty"`

	// Output marks this operation as a designated output of the pass.
	Output bool `json:"output,omitempty"`
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
