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
	"container/heap"
	"slices"
)

type idMinHeap []string

func (h idMinHeap) Len() int           { return len(h) }
func (h idMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idMinHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *idMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder runs Kahn's algorithm with a min-heap ready queue, so ties are
// broken by node id ascending. On a cycle it returns a *CyclicGraphError
// with one deterministic witness.
func topoOrder(ids []string, edges []Edge, outgoing map[string][]int) ([]string, error) {
	indeg := make(map[string]int, len(ids))
	for _, id := range ids {
		indeg[id] = 0
	}
	for _, e := range edges {
		indeg[e.To]++
	}

	ready := &idMinHeap{}
	for _, id := range ids {
		if indeg[id] == 0 {
			*ready = append(*ready, id)
		}
	}
	heap.Init(ready)

	out := make([]string, 0, len(ids))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(string)
		out = append(out, n)
		for _, ei := range outgoing[n] {
			m := edges[ei].To
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}

	if len(out) == len(ids) {
		return out, nil
	}

	// Only nodes with remaining in-degree can lie on a cycle.
	var stuck []string
	for _, id := range ids {
		if indeg[id] > 0 {
			stuck = append(stuck, id)
		}
	}
	return nil, &CyclicGraphError{Path: findCycle(stuck, edges, outgoing)}
}

// findCycle performs a DFS over candidates in id order, visiting successors
// in id order, and returns the first cycle found as [v ... v].
func findCycle(candidates []string, edges []Edge, outgoing map[string][]int) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	slices.Sort(candidates)
	inScope := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		inScope[id] = true
	}

	succ := func(u string) []string {
		var out []string
		for _, ei := range outgoing[u] {
			if v := edges[ei].To; inScope[v] {
				out = append(out, v)
			}
		}
		slices.Sort(out)
		return slices.Compact(out)
	}

	color := make(map[string]int, len(candidates))
	parent := make(map[string]string, len(candidates))
	var cycle []string

	var dfs func(u string) bool
	dfs = func(u string) bool {
		color[u] = gray
		for _, v := range succ(u) {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back-edge u -> v closes v ... u -> v.
				cycle = append(cycle, v)
				for cur := u; cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, id := range candidates {
		if color[id] == white && dfs(id) {
			break
		}
	}

	slices.Reverse(cycle)
	return cycle
}
