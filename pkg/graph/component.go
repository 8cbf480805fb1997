package graph

import (
	"cmp"
	"slices"
)

// UnionFind implements a disjoint-set data structure with path compression
// and union by rank.
type UnionFind struct {
	parent []uint32
	rank   []byte
	size   []uint32
}

// NewUnionFind creates a UnionFind for n elements.
func NewUnionFind(n uint32) *UnionFind {
	parent := make([]uint32, n)
	size := make([]uint32, n)
	for i := range n {
		parent[i] = i
		size[i] = 1
	}
	return &UnionFind{
		parent: parent,
		rank:   make([]byte, n),
		size:   size,
	}
}

// Find returns the representative of the set containing x, with path halving.
func (uf *UnionFind) Find(x uint32) uint32 {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]] // path halving
		x = uf.parent[x]
	}
	return x
}

// Union merges the sets containing x and y. Returns false if already same set.
func (uf *UnionFind) Union(x, y uint32) bool {
	rx := uf.Find(x)
	ry := uf.Find(y)
	if rx == ry {
		return false
	}

	// Union by rank.
	if uf.rank[rx] < uf.rank[ry] {
		rx, ry = ry, rx
	}
	uf.parent[ry] = rx
	uf.size[rx] += uf.size[ry]
	if uf.rank[rx] == uf.rank[ry] {
		uf.rank[rx]++
	}
	return true
}

// Size returns the number of elements in the set containing x.
func (uf *UnionFind) Size(x uint32) uint32 {
	return uf.size[uf.Find(x)]
}

// WeakComponents groups vertices into weakly connected components
// (edge direction ignored). Components are ordered by size, largest first,
// then by their lowest vertex id; vertices inside a component are ascending.
func WeakComponents(g *Graph) [][]VertexID {
	n := uint32(g.NumVertices())
	if n == 0 {
		return nil
	}

	uf := NewUnionFind(n)
	for _, e := range g.edges {
		uf.Union(uint32(e.From), uint32(e.To))
	}

	index := make(map[uint32]int)
	var comps [][]VertexID
	for v := range n {
		root := uf.Find(v)
		i, ok := index[root]
		if !ok {
			i = len(comps)
			index[root] = i
			comps = append(comps, make([]VertexID, 0, uf.size[root]))
		}
		comps[i] = append(comps[i], VertexID(v))
	}

	slices.SortStableFunc(comps, func(a, b []VertexID) int {
		return cmp.Compare(len(b), len(a))
	})
	return comps
}
