// Package dag implements the directed acyclic graph over string node IDs
// used by pipeline versions, plus the static pushdown optimizer applied
// to a transient copy of the plan before execution.
package dag

import (
	"errors"
	"fmt"
	"sort"
)

// ErrCycle is returned when the graph contains a cycle and cannot be
// ordered for execution.
var ErrCycle = errors.New("cycle detected in graph")

// Graph is a DAG over string node IDs with forward and reverse
// adjacencies. The zero value is not usable; use New.
type Graph struct {
	nodes map[string]struct{}
	from  map[string]map[string]struct{}
	to    map[string]map[string]struct{}

	sorted []string // cached topological order; nil when invalid
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]struct{}),
		from:  make(map[string]map[string]struct{}),
		to:    make(map[string]map[string]struct{}),
	}
}

// AddNode adds a node; adding an existing node is a no-op.
func (g *Graph) AddNode(id string) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = struct{}{}
	g.sorted = nil
}

// HasNode reports whether the node exists.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// AddEdge adds a directed edge. Both endpoints are created if absent.
// Self-loops are rejected; duplicate edges are idempotent.
func (g *Graph) AddEdge(from, to string) error {
	if from == to {
		return fmt.Errorf("self-loop on node %q is not allowed", from)
	}
	g.AddNode(from)
	g.AddNode(to)
	if g.from[from] == nil {
		g.from[from] = make(map[string]struct{})
	}
	if g.to[to] == nil {
		g.to[to] = make(map[string]struct{})
	}
	g.from[from][to] = struct{}{}
	g.to[to][from] = struct{}{}
	g.sorted = nil
	return nil
}

// RemoveEdge removes a directed edge if present.
func (g *Graph) RemoveEdge(from, to string) {
	delete(g.from[from], to)
	delete(g.to[to], from)
	g.sorted = nil
}

// Successors returns the downstream neighbors of the node, sorted for
// determinism.
func (g *Graph) Successors(id string) []string {
	return sortedKeys(g.from[id])
}

// Predecessors returns the upstream neighbors of the node, sorted.
func (g *Graph) Predecessors(id string) []string {
	return sortedKeys(g.to[id])
}

// OutDegree returns the number of outgoing edges.
func (g *Graph) OutDegree(id string) int { return len(g.from[id]) }

// InDegree returns the number of incoming edges.
func (g *Graph) InDegree(id string) int { return len(g.to[id]) }

// Nodes returns all node IDs, sorted.
func (g *Graph) Nodes() []string { return sortedKeys(g.nodes) }

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// Roots returns the nodes with no predecessors, sorted.
func (g *Graph) Roots() []string {
	var roots []string
	for id := range g.nodes {
		if len(g.to[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// TopologicalSort returns a topological order via Kahn's algorithm. The
// result is cached until the next mutation. Returns ErrCycle if the
// produced order omits any node.
func (g *Graph) TopologicalSort() ([]string, error) {
	if g.sorted != nil {
		return append([]string(nil), g.sorted...), nil
	}

	indeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = len(g.to[id])
	}

	queue := make([]string, 0, len(g.nodes))
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		next := g.Successors(id)
		for _, succ := range next {
			indeg[succ]--
			if indeg[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, ErrCycle
	}
	g.sorted = order
	return append([]string(nil), order...), nil
}

// ExecutionLayers partitions the nodes into ordered layers such that
// every edge crosses from an earlier layer to a later one. Members of a
// layer have no mutual dependencies and may run in parallel. Returns
// ErrCycle when unassigned nodes remain but no layer can be formed.
func (g *Graph) ExecutionLayers() ([][]string, error) {
	indeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = len(g.to[id])
	}

	remaining := len(g.nodes)
	var layers [][]string
	for remaining > 0 {
		var layer []string
		for id, d := range indeg {
			if d == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			return nil, ErrCycle
		}
		sort.Strings(layer)
		for _, id := range layer {
			delete(indeg, id)
			for succ := range g.from[id] {
				indeg[succ]--
			}
		}
		remaining -= len(layer)
		layers = append(layers, layer)
	}
	return layers, nil
}

// Connected reports whether the graph is weakly connected. Single-node
// graphs are connected; empty graphs are not.
func (g *Graph) Connected() bool {
	if len(g.nodes) == 0 {
		return false
	}
	var start string
	for id := range g.nodes {
		start = id
		break
	}
	visited := map[string]struct{}{start: {}}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for succ := range g.from[id] {
			if _, ok := visited[succ]; !ok {
				visited[succ] = struct{}{}
				queue = append(queue, succ)
			}
		}
		for pred := range g.to[id] {
			if _, ok := visited[pred]; !ok {
				visited[pred] = struct{}{}
				queue = append(queue, pred)
			}
		}
	}
	return len(visited) == len(g.nodes)
}

// Clone returns an independent copy of the graph.
func (g *Graph) Clone() *Graph {
	out := New()
	for id := range g.nodes {
		out.AddNode(id)
	}
	for from, tos := range g.from {
		for to := range tos {
			_ = out.AddEdge(from, to)
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
