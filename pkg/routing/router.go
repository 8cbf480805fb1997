// Package routing computes next-hop tables over the area graph and writes
// them into the per-destination trip records of every vertex and cell.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"ntm_engine/pkg/build"
	"ntm_engine/pkg/cell"
	"ntm_engine/pkg/graph"
)

// ErrNoRoute is returned when no route exists between two vertices.
var ErrNoRoute = errors.New("no route found")

// relative tolerance under which two path weights count as tied
const tieTolerance = 1e-9

// jammedPenalty multiplies the weight of edges leaving a unit at zero speed.
const jammedPenalty = 1e6

type pair struct {
	from, to graph.VertexID
}

// Table is the result of one routing pass.
type Table struct {
	g           *graph.Graph
	sinks       []graph.VertexID
	trees       map[graph.VertexID]*graph.Tree
	next        map[pair]graph.VertexID
	unreachable int
}

// Sinks are the destinations the table was computed for.
func (t *Table) Sinks() []graph.VertexID { return t.sinks }

// Unreachable counts (vertex, sink) pairs without a path.
func (t *Table) Unreachable() int { return t.unreachable }

// Distance is the shortest path weight from -> to, +Inf when to is not a
// sink or cannot be reached.
func (t *Table) Distance(from, to graph.VertexID) float64 {
	tree, ok := t.trees[to]
	if !ok || from < 0 || int(from) >= len(tree.Dist) {
		return math.Inf(1)
	}
	return tree.Dist[from]
}

// NextHop is the neighbour of from on the way to to.
func (t *Table) NextHop(from, to graph.VertexID) graph.VertexID {
	if from == to {
		return to
	}
	if v, ok := t.next[pair{from, to}]; ok {
		return v
	}
	return graph.NoVertex
}

// Path follows next hops from -> to.
func (t *Table) Path(from, to graph.VertexID) ([]graph.VertexID, error) {
	path := []graph.VertexID{from}
	for v := from; v != to; {
		v = t.NextHop(v, to)
		if v == graph.NoVertex || len(path) > t.g.NumVertices() {
			return nil, fmt.Errorf("%w: %q -> %q", ErrNoRoute, t.g.Vertex(from).Key, t.g.Vertex(to).Key)
		}
		path = append(path, v)
	}
	return path, nil
}

// Router fills next-hop tables.
type Router struct {
	logger *slog.Logger
}

// NewRouter returns a router logging to logger, or to slog.Default when nil.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// Route computes shortest paths from every vertex to every NTM or cordon
// vertex of net. For each pair it records the first hop on the vertex's
// trip record; when several first hops tie, an NTM vertex splits its
// outflow evenly over them and every other vertex keeps the first in edge
// insertion order. Cell chains entered by a chosen edge get the same
// destination so cell-level flow can be addressed by it. A nil w uses the
// static edge weights.
func (r *Router) Route(ctx context.Context, net *build.Network, w graph.WeightFunc) (*Table, error) {
	g := net.AreaGraph
	sinks := net.Sinks()
	trees, err := g.AllPairs(ctx, sinks, w)
	if err != nil {
		return nil, fmt.Errorf("shortest paths: %w", err)
	}

	t := &Table{
		g:     g,
		sinks: sinks,
		trees: trees,
		next:  make(map[pair]graph.VertexID),
	}
	for _, d := range sinks {
		tree := trees[d]
		for _, bn := range net.Nodes {
			u := bn.Vertex
			trip := bn.Cell.EnsureTrip(d)
			trip.Shares = nil
			if u == d {
				trip.NextHop = d
				continue
			}
			if !tree.Reachable(u) {
				trip.NextHop = graph.NoVertex
				t.unreachable++
				continue
			}

			tied := tiedEdges(g, tree, u, w)
			next := g.Edge(tied[0]).Other(u)
			trip.NextHop = next
			t.next[pair{u, d}] = next

			if bn.Cell.Kind() == cell.KindNTM && len(tied) > 1 {
				frac := 1 / float64(len(tied))
				for _, id := range tied {
					trip.Shares = append(trip.Shares, cell.RouteShare{Neighbor: g.Edge(id).Other(u), Fraction: frac})
				}
			} else {
				tied = tied[:1]
			}
			for _, id := range tied {
				if chain, ok := net.Chains[id]; ok {
					chain.SetNextHop(d, chain.To)
				}
			}
		}
	}

	if t.unreachable > 0 {
		r.logger.Warn("unreachable destinations", "pairs", t.unreachable)
	}
	r.logger.Info("routing tables computed", "sinks", len(sinks), "vertices", g.NumVertices())
	return t, nil
}

// tiedEdges returns the outgoing edges of u that start a shortest path in
// tree, in insertion order. The tree's own first edge is the fallback.
func tiedEdges(g *graph.Graph, tree *graph.Tree, u graph.VertexID, w graph.WeightFunc) []graph.EdgeID {
	var tied []graph.EdgeID
	du := tree.Dist[u]
	for _, id := range g.Out(u) {
		e := g.Edge(id)
		v := e.Other(u)
		wt := w.Of(e)
		if math.IsInf(wt, 1) || wt < 0 || !tree.Reachable(v) {
			continue
		}
		if math.Abs(wt+tree.Dist[v]-du) <= tieTolerance*math.Max(1, du) {
			tied = append(tied, id)
		}
	}
	if len(tied) == 0 {
		tied = append(tied, tree.Pred[u])
	}
	return tied
}

// CongestedWeights scales each edge weight by the ratio of free speed to
// current speed at its tail. Edges carrying a cell chain use the mean
// ratio over their cells.
func CongestedWeights(net *build.Network) graph.WeightFunc {
	ratio := func(c *cell.Behaviour) float64 {
		free, cur := c.Params().FreeSpeed, c.Speed()
		if cur <= 0 {
			return jammedPenalty
		}
		return math.Max(1, free/cur)
	}
	return func(e graph.Edge) float64 {
		if chain, ok := net.Chains[e.ID]; ok {
			var sum float64
			for _, fc := range chain.Cells {
				sum += ratio(fc.Cell)
			}
			return e.Weight * sum / float64(len(chain.Cells))
		}
		bn := net.Node(e.From)
		if bn == nil {
			return e.Weight
		}
		return e.Weight * ratio(bn.Cell)
	}
}
