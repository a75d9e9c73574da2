// Package graph is a small directed graph over string ids, used for plugin
// boot ordering and cascade resolution.
package graph

import (
	kerrors "github.com/leeforge/kernel/errors"
)

// Graph stores nodes in insertion order with adjacency lists indexed by
// position. It is not safe for concurrent mutation.
type Graph struct {
	nodes []string
	index map[string]int
	out   [][]int
	in    []int
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{index: make(map[string]int)}
}

// AddNode adds id if absent and reports whether it was added.
func (g *Graph) AddNode(id string) bool {
	if _, ok := g.index[id]; ok {
		return false
	}
	g.add(id)
	return true
}

func (g *Graph) add(id string) int {
	pos := len(g.nodes)
	g.index[id] = pos
	g.nodes = append(g.nodes, id)
	g.out = append(g.out, nil)
	g.in = append(g.in, 0)
	return pos
}

func (g *Graph) pos(id string) int {
	if p, ok := g.index[id]; ok {
		return p
	}
	return g.add(id)
}

// AddEdge records that from must come before to. Missing nodes are created.
// Duplicate edges are ignored.
func (g *Graph) AddEdge(from, to string) error {
	if from == "" || to == "" {
		return kerrors.NewInvalid("graph: empty node id")
	}
	f, t := g.pos(from), g.pos(to)
	for _, existing := range g.out[f] {
		if existing == t {
			return nil
		}
	}
	g.out[f] = append(g.out[f], t)
	g.in[t]++
	return nil
}

// Has reports whether id is a node.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// Nodes returns node ids in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Successors returns the direct successors of id in edge insertion order.
func (g *Graph) Successors(id string) []string {
	p, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.out[p]))
	for _, s := range g.out[p] {
		out = append(out, g.nodes[s])
	}
	return out
}

// TopologicalOrder returns every node such that each edge's source precedes
// its target. Among nodes that are ready at the same time, the one inserted
// first wins, so the result is deterministic. A cycle yields a
// CyclicDependency error whose path repeats its first node at the end.
func (g *Graph) TopologicalOrder() ([]string, error) {
	order, ok := g.kahn(nil)
	if ok {
		return g.names(order), nil
	}
	return nil, kerrors.NewCyclicDependency(g.findCycle(nil))
}

// kahn runs Kahn's algorithm over the nodes for which keep returns true
// (all nodes when keep is nil). The ready set is scanned in position order.
func (g *Graph) kahn(keep []bool) ([]int, bool) {
	n := len(g.nodes)
	indeg := make([]int, n)
	total := 0
	for u := 0; u < n; u++ {
		if keep != nil && !keep[u] {
			continue
		}
		total++
		for _, v := range g.out[u] {
			if keep == nil || keep[v] {
				indeg[v]++
			}
		}
	}

	ready := newMinHeap()
	for u := 0; u < n; u++ {
		if (keep == nil || keep[u]) && indeg[u] == 0 {
			ready.push(u)
		}
	}

	order := make([]int, 0, total)
	for ready.len() > 0 {
		u := ready.pop()
		order = append(order, u)
		for _, v := range g.out[u] {
			if keep != nil && !keep[v] {
				continue
			}
			indeg[v]--
			if indeg[v] == 0 {
				ready.push(v)
			}
		}
	}
	return order, len(order) == total
}

func (g *Graph) names(order []int) []string {
	out := make([]string, len(order))
	for i, p := range order {
		out[i] = g.nodes[p]
	}
	return out
}

// findCycle returns one cycle as a closed path, or nil if there is none.
func (g *Graph) findCycle(keep []bool) []string {
	const (
		white = iota
		grey
		black
	)
	n := len(g.nodes)
	color := make([]int, n)
	parent := make([]int, n)

	var cycle []string
	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = grey
		for _, v := range g.out[u] {
			if keep != nil && !keep[v] {
				continue
			}
			switch color[v] {
			case white:
				parent[v] = u
				if visit(v) {
					return true
				}
			case grey:
				path := []int{u}
				for w := u; w != v; {
					w = parent[w]
					path = append(path, w)
				}
				// path runs u back to v; reverse it so it follows edge direction.
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				cycle = append(g.names(path), g.nodes[v])
				return true
			}
		}
		color[u] = black
		return false
	}

	for u := 0; u < n; u++ {
		if (keep == nil || keep[u]) && color[u] == white {
			if visit(u) {
				return cycle
			}
		}
	}
	return nil
}

// ReachableFrom returns id and every node reachable from it, ordered so that
// each node appears before the nodes it has edges from. The last element is
// always id. For cascade edges (parent -> child) this lists children before
// their parents, which is the order deletes must run in.
func (g *Graph) ReachableFrom(id string) ([]string, error) {
	start, ok := g.index[id]
	if !ok {
		return nil, kerrors.NewNotFound("node", id)
	}

	keep := make([]bool, len(g.nodes))
	keep[start] = true
	stack := []int{start}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, v := range g.out[u] {
			if !keep[v] {
				keep[v] = true
				stack = append(stack, v)
			}
		}
	}

	order, acyclic := g.kahn(keep)
	if !acyclic {
		return nil, kerrors.NewCyclicDependency(g.findCycle(keep))
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return g.names(order), nil
}
