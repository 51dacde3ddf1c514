// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/AleutianAI/shadowscope/services/shadow/archive"
	"github.com/AleutianAI/shadowscope/services/shadow/classify"
)

// ErrInvalidPredicate is returned for predicates that can never be
// evaluated.
var ErrInvalidPredicate = errors.New("invalid query predicate")

// Predicate selects nodes across archived runs.
//
// Empty fields do not constrain. A node matches when its kind is in Kinds,
// its label is in Classes and MinInfluence <= influence < MaxInfluence.
type Predicate struct {
	Kinds   []string         `json:"kinds,omitempty"`
	Classes []classify.Label `json:"classes,omitempty"`

	// MinInfluence is an inclusive lower bound. Nil means no bound.
	MinInfluence *float64 `json:"min_influence,omitempty"`

	// MaxInfluence is an exclusive upper bound. Nil means no bound.
	MaxInfluence *float64 `json:"max_influence,omitempty"`
}

// Float returns a pointer to v for the influence bounds.
func Float(v float64) *float64 { return &v }

// Validate checks bounds and labels.
func (p Predicate) Validate() error {
	for _, b := range []*float64{p.MinInfluence, p.MaxInfluence} {
		if b != nil && (math.IsNaN(*b) || *b < 0 || *b > 1) {
			return fmt.Errorf("%w: influence bound %v outside [0, 1]", ErrInvalidPredicate, *b)
		}
	}
	if p.MinInfluence != nil && p.MaxInfluence != nil && *p.MinInfluence >= *p.MaxInfluence {
		return fmt.Errorf("%w: min_influence %v must be below max_influence %v",
			ErrInvalidPredicate, *p.MinInfluence, *p.MaxInfluence)
	}
	for _, c := range p.Classes {
		if c != classify.Expressed && c != classify.Suppressed && c != classify.Void {
			return fmt.Errorf("%w: unknown class %d", ErrInvalidPredicate, int(c))
		}
	}
	for _, k := range p.Kinds {
		if k == "" {
			return fmt.Errorf("%w: empty kind", ErrInvalidPredicate)
		}
	}
	return nil
}

func (p Predicate) wantsKind(kind string) bool {
	return len(p.Kinds) == 0 || slices.Contains(p.Kinds, kind)
}

func (p Predicate) wantsClass(label classify.Label) bool {
	return len(p.Classes) == 0 || slices.Contains(p.Classes, label)
}

func (p Predicate) wantsInfluence(v float64) bool {
	if p.MinInfluence != nil && v < *p.MinInfluence {
		return false
	}
	if p.MaxInfluence != nil && v >= *p.MaxInfluence {
		return false
	}
	return true
}

// mayMatch reports whether the plaintext index leaves any node that could
// satisfy the kind and class constraints. Influence bounds need the
// decrypted record.
func (p Predicate) mayMatch(e archive.IndexEntry) bool {
	if e.NodeCount == 0 {
		return false
	}
	if len(p.Kinds) == 0 && len(p.Classes) == 0 {
		return true
	}
	for kind, ks := range e.Kinds {
		if !p.wantsKind(kind) {
			continue
		}
		if len(p.Classes) == 0 {
			if ks.Total() > 0 {
				return true
			}
			continue
		}
		for _, c := range p.Classes {
			if ks.Count(c) > 0 {
				return true
			}
		}
	}
	return false
}

// matchNodes returns the matching nodes of doc in id order.
func (p Predicate) matchNodes(doc *archive.Document) []NodeMatch {
	kinds := make(map[string]string, len(doc.Nodes))
	for _, n := range doc.Nodes {
		kinds[n.ID] = n.Kind
	}

	var out []NodeMatch
	for _, l := range doc.Labels {
		kind := kinds[l.ID]
		if !p.wantsKind(kind) || !p.wantsClass(l.Label) || !p.wantsInfluence(l.Influence) {
			continue
		}
		out = append(out, NodeMatch{
			ID:         l.ID,
			Kind:       kind,
			Label:      l.Label,
			Influence:  l.Influence,
			Confidence: l.Confidence,
		})
	}
	return out
}
