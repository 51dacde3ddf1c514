// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"bytes"
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/shadowscope/services/shadow/capture"
	"github.com/AleutianAI/shadowscope/services/shadow/classify"
	"github.com/AleutianAI/shadowscope/services/shadow/graph"
)

// FormatVersion is the canonical document version.
const FormatVersion = 1

// AddressPrefix prefixes every content address.
const AddressPrefix = "sha256:"

// Document is the canonical plaintext form of one analysis run.
//
// Field order, slice order and number formatting are fixed, so identical
// analysis content always encodes to identical bytes. Metadata and
// timestamps are not part of it.
type Document struct {
	Version int                 `json:"version"`
	Nodes   []DocNode           `json:"nodes"`
	Edges   []DocEdge           `json:"edges"`
	Outputs []string            `json:"outputs"`
	Policy  classify.Policy     `json:"policy"`
	Labels  []DocLabel          `json:"labels"`
	Metrics classify.RunMetrics `json:"metrics"`
}

// DocNode is one operation, in construction order.
type DocNode struct {
	ID           string                    `json:"id"`
	Kind         string                    `json:"kind"`
	InputShapes  []capture.Shape           `json:"input_shapes,omitempty"`
	OutputShapes []capture.Shape           `json:"output_shapes,omitempty"`
	Summary      capture.ActivationSummary `json:"summary"`
}

// DocEdge is one dependency with its flow and label, sorted by (from, to).
type DocEdge struct {
	From   string         `json:"from"`
	To     string         `json:"to"`
	Weight float64        `json:"weight"`
	Flow   float64        `json:"flow"`
	Label  classify.Label `json:"label"`
}

// DocLabel is one node classification, sorted by id.
type DocLabel struct {
	ID string `json:"id"`
	classify.NodeLabel
}

// Canonicalize builds the canonical document of one classified run.
//
// Inputs:
//
//	g - The finalized graph.
//	cls - Its classification.
//	m - Its run metrics.
//
// Outputs:
//
//	*Document - The canonical form.
//	error - Non-nil if cls does not cover g.
func Canonicalize(g *graph.AnalysisGraph, cls *classify.Classification, m *classify.RunMetrics) (*Document, error) {
	edges := g.Edges()
	if len(cls.Edges) != len(edges) {
		return nil, fmt.Errorf("classification has %d edge labels for %d edges", len(cls.Edges), len(edges))
	}

	doc := &Document{
		Version: FormatVersion,
		Nodes:   make([]DocNode, 0, g.NodeCount()),
		Edges:   make([]DocEdge, len(edges)),
		Outputs: g.Outputs(),
		Policy:  cls.Policy,
		Labels:  make([]DocLabel, 0, len(cls.Nodes)),
		Metrics: *m,
	}

	for _, n := range g.Nodes() {
		doc.Nodes = append(doc.Nodes, DocNode{
			ID:           n.ID,
			Kind:         n.Kind,
			InputShapes:  n.InputShapes,
			OutputShapes: n.OutputShapes,
			Summary:      n.Summary,
		})
		l, ok := cls.Nodes[n.ID]
		if !ok {
			return nil, fmt.Errorf("classification has no label for node %q", n.ID)
		}
		doc.Labels = append(doc.Labels, DocLabel{ID: n.ID, NodeLabel: l})
	}

	for i, e := range edges {
		doc.Edges[i] = DocEdge{
			From:   e.From,
			To:     e.To,
			Weight: e.Weight,
			Flow:   cls.Edges[i].Flow,
			Label:  cls.Edges[i].Label,
		}
	}

	doc.normalize()
	return doc, nil
}

// normalize applies the canonical orderings.
func (d *Document) normalize() {
	slices.SortFunc(d.Edges, func(a, b DocEdge) int {
		if c := strings.Compare(a.From, b.From); c != 0 {
			return c
		}
		return strings.Compare(a.To, b.To)
	})
	slices.Sort(d.Outputs)
	slices.SortFunc(d.Labels, func(a, b DocLabel) int { return cmp.Compare(a.ID, b.ID) })
	if d.Metrics.Kinds == nil {
		d.Metrics.Kinds = map[string]classify.KindStats{}
	}
}

// clone copies the slices normalize reorders.
func (d *Document) clone() *Document {
	out := *d
	out.Edges = slices.Clone(d.Edges)
	out.Outputs = slices.Clone(d.Outputs)
	out.Labels = slices.Clone(d.Labels)
	return &out
}

// Encode returns the canonical bytes of d.
//
// encoding/json writes struct fields in declaration order, sorts map keys
// and formats floats in shortest round-trip form, which together make the
// output canonical. Non-finite numbers are rejected.
func Encode(d *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("encode canonical document: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode parses canonical bytes.
func Decode(b []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var d Document
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode canonical document: %w", err)
	}
	if d.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported document version %d", d.Version)
	}
	return &d, nil
}

// AddressOf returns the content address of canonical bytes.
func AddressOf(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return AddressPrefix + hex.EncodeToString(sum[:])
}

// ValidateAddress checks that s is "sha256:" followed by 64 lowercase hex
// digits.
func ValidateAddress(s string) error {
	digest, ok := strings.CutPrefix(s, AddressPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	for _, c := range digest {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
	}
	return nil
}

// Label returns the label of id, if present.
func (d *Document) Label(id string) (DocLabel, bool) {
	i, ok := slices.BinarySearchFunc(d.Labels, id, func(l DocLabel, id string) int {
		return cmp.Compare(l.ID, id)
	})
	if !ok {
		return DocLabel{}, false
	}
	return d.Labels[i], true
}

// Kind returns the operation kind of id.
func (d *Document) Kind(id string) (string, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n.Kind, true
		}
	}
	return "", false
}

// Events rebuilds a capture of the run d was built from, in construction
// order. Parents follow canonical edge order, every edge weight is
// explicit and each designated output is flagged, so building a graph
// from the events yields d's graph again.
func (d *Document) Events() []capture.Event {
	incoming := make(map[string][]DocEdge, len(d.Nodes))
	for _, e := range d.Edges {
		incoming[e.To] = append(incoming[e.To], e)
	}

	events := make([]capture.Event, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		ev := capture.Event{
			NodeID:       n.ID,
			OpKind:       n.Kind,
			InputShapes:  n.InputShapes,
			OutputShapes: n.OutputShapes,
			Summary:      n.Summary,
			Output:       slices.Contains(d.Outputs, n.ID),
		}
		if in := incoming[n.ID]; len(in) > 0 {
			ev.ParentIDs = make([]string, 0, len(in))
			ev.EdgeWeights = make(map[string]float64, len(in))
			for _, e := range in {
				ev.ParentIDs = append(ev.ParentIDs, e.From)
				ev.EdgeWeights[e.From] = e.Weight
			}
		}
		events = append(events, ev)
	}
	return events
}
