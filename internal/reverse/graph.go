// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reverse

import (
	"fmt"
	"sort"

	"github.com/coreforge/recordrev/internal/oracle"
)

// LevelPointerGraphBuilder is the reverse_level records reach once
// they participate in a built graph.
const LevelPointerGraphBuilder = 150

// GraphNode is one node in a pointer graph: either a real record
// (Virtual == false) or a synthetic node standing in for an
// out-of-heap target (code, read-only data, an unresolved address).
type GraphNode struct {
	Addr    oracle.Address
	Heap    oracle.Address // owning heap's start address; 0 for virtual nodes
	Weight  int64          // record size; 0 for virtual nodes
	Virtual bool
	Label   string // mapping name, for virtual nodes
}

// Graph is a directed pointer graph over record (and virtual target)
// addresses. Each added edge is appended to both the out-adjacency of
// its source and the in-adjacency (reverse-edge index) of its target.
type Graph struct {
	Nodes map[oracle.Address]*GraphNode
	out   map[oracle.Address][]oracle.Address
	in    map[oracle.Address][]oracle.Address
}

func newGraph() *Graph {
	return &Graph{
		Nodes: make(map[oracle.Address]*GraphNode),
		out:   make(map[oracle.Address][]oracle.Address),
		in:    make(map[oracle.Address][]oracle.Address),
	}
}

func (g *Graph) addNode(n *GraphNode) {
	if _, ok := g.Nodes[n.Addr]; !ok {
		g.Nodes[n.Addr] = n
	}
}

func (g *Graph) addEdge(from, to oracle.Address) {
	g.out[from] = append(g.out[from], to)
	g.in[to] = append(g.in[to], from)
}

func (g *Graph) OutDegree(a oracle.Address) int { return len(g.out[a]) }
func (g *Graph) InDegree(a oracle.Address) int  { return len(g.in[a]) }

// Parents returns the addresses with an outgoing edge to a.
func (g *Graph) Parents(a oracle.Address) []oracle.Address { return g.in[a] }

// Children returns the addresses a has an outgoing edge to.
func (g *Graph) Children(a oracle.Address) []oracle.Address { return g.out[a] }

// BuildPointerGraphs is the PointerGraphBuilder pass. It takes the
// pointer fields resolved for every record (see ResolvePointers) and
// produces two directed graphs: one with an edge for every pointer
// field, and one restricted to edges whose target is a known record.
func BuildPointerGraphs(pc *ProcessContext, pointers map[oracle.Address][]PointerField) (full, heaps *Graph) {
	full = newGraph()
	heaps = newGraph()

	for _, hc := range pc.Heaps {
		for _, r := range hc.records {
			full.addNode(&GraphNode{Addr: r.Address, Heap: hc.HeapStart, Weight: r.Size})
			heaps.addNode(&GraphNode{Addr: r.Address, Heap: hc.HeapStart, Weight: r.Size})
		}
	}

	for src, fields := range pointers {
		for _, pf := range fields {
			switch pf.PointeeDesc {
			case PointeeNull:
				continue
			case PointeeKnownRecord:
				full.addEdge(src, pf.RecordAddr)
				heaps.addEdge(src, pf.RecordAddr)
			case PointeeString, PointeeExternalLibrary, PointeeUnresolved:
				full.addNode(&GraphNode{Addr: pf.PointeeAddr, Virtual: true, Label: pf.KindHint})
				full.addEdge(src, pf.PointeeAddr)
			}
		}
	}

	pc.PointerGraphFull = full
	pc.PointerGraphHeaps = heaps

	for _, hc := range pc.Heaps {
		for _, r := range hc.records {
			if r.ReverseLevel < LevelPointerGraphBuilder {
				r.ReverseLevel = LevelPointerGraphBuilder
			}
		}
	}
	return full, heaps
}

// Component is a connected component of the graph's undirected
// projection, addresses in ascending order.
type Component struct {
	Nodes []oracle.Address
}

// CleanGraph removes isolated nodes and small (<=3 node) connected
// components from the undirected projection of g, returning the
// surviving components bucketed by node count. Applied identically to
// both the full and heaps graphs.
func CleanGraph(g *Graph) map[int][]Component {
	undirected := make(map[oracle.Address]map[oracle.Address]bool)
	addUndirected := func(a, b oracle.Address) {
		if undirected[a] == nil {
			undirected[a] = make(map[oracle.Address]bool)
		}
		undirected[a][b] = true
	}
	for from, tos := range g.out {
		for _, to := range tos {
			addUndirected(from, to)
			addUndirected(to, from)
		}
	}

	var addrs []oracle.Address
	for a := range g.Nodes {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	visited := make(map[oracle.Address]bool)
	buckets := make(map[int][]Component)
	for _, a := range addrs {
		if visited[a] {
			continue
		}
		if len(undirected[a]) == 0 {
			visited[a] = true // isolate, drop
			continue
		}
		comp := bfsComponent(a, undirected, visited)
		if len(comp) <= 3 {
			continue
		}
		sort.Slice(comp, func(i, j int) bool { return comp[i] < comp[j] })
		buckets[len(comp)] = append(buckets[len(comp)], Component{Nodes: comp})
	}
	return buckets
}

func bfsComponent(start oracle.Address, adj map[oracle.Address]map[oracle.Address]bool, visited map[oracle.Address]bool) []oracle.Address {
	queue := []oracle.Address{start}
	visited[start] = true
	var comp []oracle.Address
	for len(queue) > 0 {
		a := queue[0]
		queue = queue[1:]
		comp = append(comp, a)
		neighbors := make([]oracle.Address, 0, len(adj[a]))
		for n := range adj[a] {
			neighbors = append(neighbors, n)
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })
		for _, n := range neighbors {
			if !visited[n] {
				visited[n] = true
				queue = append(queue, n)
			}
		}
	}
	return comp
}

// IsomorphismClass groups components judged isomorphic to one
// representative. Representatives are keyed by the lowest address in
// the class, to keep output ordering deterministic.
type IsomorphismClass struct {
	Representative Component
	Members        []Component
}

// ClusterByIsomorphism buckets same-size components (already bucketed
// by CleanGraph) into isomorphism classes. It pairwise-compares
// components within a bucket and, on a match, chains the loser into
// the winner's class and skips further comparisons involving either,
// so each component is compared against at most one representative
// per class.
//
// Isomorphism here is approximated by comparing sorted in/out-degree
// sequences rather than running a full subgraph-isomorphism search:
// exact isomorphism is expensive and this system is explicitly a
// best-effort reversing tool, not a certifier.
func ClusterByIsomorphism(g *Graph, buckets map[int][]Component) []IsomorphismClass {
	var classes []IsomorphismClass
	var sizes []int
	for n := range buckets {
		sizes = append(sizes, n)
	}
	sort.Ints(sizes)

	for _, n := range sizes {
		comps := buckets[n]
		matched := make([]bool, len(comps))
		for i := range comps {
			if matched[i] {
				continue
			}
			class := IsomorphismClass{Representative: comps[i], Members: []Component{comps[i]}}
			sigI := degreeSignature(g, comps[i])
			for j := i + 1; j < len(comps); j++ {
				if matched[j] {
					continue
				}
				if sigI == degreeSignature(g, comps[j]) {
					class.Members = append(class.Members, comps[j])
					matched[j] = true
				}
			}
			matched[i] = true
			classes = append(classes, class)
		}
	}
	return classes
}

func degreeSignature(g *Graph, c Component) string {
	degrees := make([]int, len(c.Nodes))
	for i, a := range c.Nodes {
		degrees[i] = g.InDegree(a)*1000 + g.OutDegree(a)
	}
	sort.Ints(degrees)
	return fmt.Sprint(degrees)
}

// ImportantNodes returns the top-k nodes by in-degree on the heaps
// graph.
func ImportantNodes(heaps *Graph, k int) []oracle.Address {
	var addrs []oracle.Address
	for a := range heaps.Nodes {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		di, dj := heaps.InDegree(addrs[i]), heaps.InDegree(addrs[j])
		if di != dj {
			return di > dj
		}
		return addrs[i] < addrs[j]
	})
	if len(addrs) > k {
		addrs = addrs[:k]
	}
	return addrs
}

// DepthTwoNeighborhood returns root and every node reachable from it
// within two outgoing hops, for emission as a <addr>.subdigraph.py
// style neighborhood dump.
func DepthTwoNeighborhood(g *Graph, root oracle.Address) []oracle.Address {
	seen := map[oracle.Address]bool{root: true}
	frontier := []oracle.Address{root}
	for depth := 0; depth < 2; depth++ {
		var next []oracle.Address
		for _, a := range frontier {
			for _, n := range g.out[a] {
				if !seen[n] {
					seen[n] = true
					next = append(next, n)
				}
			}
		}
		frontier = next
	}
	out := make([]oracle.Address, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
