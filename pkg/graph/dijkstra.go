package graph

import (
	"context"
	"fmt"
	"math"
	"slices"
)

// MinHeap is a concrete-typed min-heap for the Dijkstra priority queue.
// Avoids interface boxing overhead of container/heap.
type MinHeap struct {
	items []PQItem
}

// PQItem is a priority queue entry.
type PQItem struct {
	Vertex VertexID
	Dist   float64
}

func (h *MinHeap) Len() int { return len(h.items) }

func (h *MinHeap) Push(v VertexID, dist float64) {
	h.items = append(h.items, PQItem{v, dist})
	h.siftUp(len(h.items) - 1)
}

func (h *MinHeap) Pop() PQItem {
	n := len(h.items)
	item := h.items[0]
	h.items[0] = h.items[n-1]
	h.items = h.items[:n-1]
	if len(h.items) > 0 {
		h.siftDown(0)
	}
	return item
}

func (h *MinHeap) Reset() {
	h.items = h.items[:0]
}

func (h *MinHeap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if h.items[i].Dist >= h.items[parent].Dist {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *MinHeap) siftDown(i int) {
	n := len(h.items)
	for {
		smallest := i
		left := 2*i + 1
		right := 2*i + 2
		if left < n && h.items[left].Dist < h.items[smallest].Dist {
			smallest = left
		}
		if right < n && h.items[right].Dist < h.items[smallest].Dist {
			smallest = right
		}
		if smallest == i {
			break
		}
		h.items[i], h.items[smallest] = h.items[smallest], h.items[i]
		i = smallest
	}
}

// WeightFunc overrides edge weights during a search. Returning +Inf
// excludes the edge.
type WeightFunc func(Edge) float64

func (w WeightFunc) Of(e Edge) float64 {
	if w == nil {
		return e.Weight
	}
	return w(e)
}

// Tree is a shortest-path tree rooted at Root. For a forward tree Dist[v]
// is the distance Root -> v and Pred[v] the last edge on that path; for a
// reverse tree Dist[v] is v -> Root and Pred[v] the first edge.
type Tree struct {
	Root    VertexID
	Reverse bool
	Dist    []float64
	Pred    []EdgeID
}

// Reachable reports whether v has a finite distance.
func (t *Tree) Reachable(v VertexID) bool {
	return !math.IsInf(t.Dist[v], 1)
}

// ShortestPaths runs Dijkstra from src over outgoing edges.
func (g *Graph) ShortestPaths(src VertexID, w WeightFunc) *Tree {
	return g.search(src, NoVertex, w, false)
}

// ShortestPathsTo runs Dijkstra towards dst over incoming edges.
func (g *Graph) ShortestPathsTo(dst VertexID, w WeightFunc) *Tree {
	return g.search(dst, NoVertex, w, true)
}

// ShortestPath returns the edges of a shortest path src -> dst and its
// weight. The search stops once dst is settled.
func (g *Graph) ShortestPath(src, dst VertexID, w WeightFunc) ([]EdgeID, float64, error) {
	t := g.search(src, dst, w, false)
	if !t.Reachable(dst) {
		return nil, math.Inf(1), fmt.Errorf("%w: %q -> %q", ErrNoPath, g.vertices[src].Key, g.vertices[dst].Key)
	}
	var path []EdgeID
	for v := dst; v != src; {
		e := t.Pred[v]
		path = append(path, e)
		v = g.edges[e].From
	}
	slices.Reverse(path)
	return path, t.Dist[dst], nil
}

func (g *Graph) search(root, stop VertexID, w WeightFunc, reverse bool) *Tree {
	n := len(g.vertices)
	t := &Tree{
		Root:    root,
		Reverse: reverse,
		Dist:    make([]float64, n),
		Pred:    make([]EdgeID, n),
	}
	for i := range t.Dist {
		t.Dist[i] = math.Inf(1)
		t.Pred[i] = NoEdge
	}
	settled := make([]bool, n)
	t.Dist[root] = 0

	var pq MinHeap
	pq.Push(root, 0)
	for pq.Len() > 0 {
		item := pq.Pop()
		u := item.Vertex
		if settled[u] || item.Dist > t.Dist[u] {
			continue
		}
		settled[u] = true
		if u == stop {
			break
		}
		adj := g.out[u]
		if reverse {
			adj = g.in[u]
		}
		for _, id := range adj {
			e := g.edges[id]
			weight := w.Of(e)
			if math.IsInf(weight, 1) || weight < 0 {
				continue
			}
			v := e.To
			if reverse {
				v = e.From
			}
			if nd := t.Dist[u] + weight; nd < t.Dist[v] {
				t.Dist[v] = nd
				t.Pred[v] = id
				pq.Push(v, nd)
			}
		}
	}
	return t
}

// AllPairs computes one reverse tree per target. It checks ctx every
// 64 targets.
func (g *Graph) AllPairs(ctx context.Context, targets []VertexID, w WeightFunc) (map[VertexID]*Tree, error) {
	trees := make(map[VertexID]*Tree, len(targets))
	for i, dst := range targets {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		trees[dst] = g.ShortestPathsTo(dst, w)
	}
	return trees, nil
}
