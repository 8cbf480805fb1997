// Package graph is an arena-backed directed graph with stable integer
// vertex and edge ids. Vertices and edges are never removed, so ids stay
// valid for the lifetime of a build.
package graph

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"ntm_engine/pkg/network"
)

// VertexID indexes Graph vertices.
type VertexID int32

// EdgeID indexes Graph edges.
type EdgeID int32

const (
	NoVertex VertexID = -1
	NoEdge   EdgeID   = -1
)

var (
	// ErrDuplicateVertex is returned when a key is inserted twice.
	ErrDuplicateVertex = errors.New("duplicate vertex")
	// ErrNoPath is returned when the target cannot be reached.
	ErrNoPath = errors.New("no path")
)

// Vertex is a graph node keyed by the id of the physical node it stands for.
type Vertex struct {
	ID        VertexID
	Key       string
	Point     orb.Point
	Behaviour network.Behaviour
}

// Edge is a directed weighted edge. Link is the physical link carried by the
// edge, nil for synthesized connectors. Capacity is the corridor capacity in
// veh/h, 0 when unbounded.
type Edge struct {
	ID        EdgeID
	From, To  VertexID
	Weight    float64
	Behaviour network.Behaviour
	Link      *network.Link
	Capacity  float64
}

// Other returns the endpoint of e that is not v.
func (e Edge) Other(v VertexID) VertexID {
	if e.From == v {
		return e.To
	}
	return e.From
}

// Graph stores vertices and edges in slices addressed by id.
type Graph struct {
	vertices []Vertex
	edges    []Edge
	out      [][]EdgeID
	in       [][]EdgeID
	byKey    map[string]VertexID
	byPair   map[[2]VertexID]EdgeID
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		byKey:  make(map[string]VertexID),
		byPair: make(map[[2]VertexID]EdgeID),
	}
}

func (g *Graph) NumVertices() int { return len(g.vertices) }
func (g *Graph) NumEdges() int    { return len(g.edges) }

// AddVertex inserts a vertex for key. Inserting an existing key returns
// ErrDuplicateVertex.
func (g *Graph) AddVertex(key string, p orb.Point, b network.Behaviour) (VertexID, error) {
	if id, ok := g.byKey[key]; ok {
		return id, fmt.Errorf("%w: %q", ErrDuplicateVertex, key)
	}
	id := VertexID(len(g.vertices))
	g.vertices = append(g.vertices, Vertex{ID: id, Key: key, Point: p, Behaviour: b})
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	g.byKey[key] = id
	return id, nil
}

// Lookup finds the vertex for key.
func (g *Graph) Lookup(key string) (VertexID, bool) {
	id, ok := g.byKey[key]
	return id, ok
}

// Vertex returns a copy of vertex v.
func (g *Graph) Vertex(v VertexID) Vertex {
	return g.vertices[v]
}

// Vertices returns the vertex slice. Callers must not modify it.
func (g *Graph) Vertices() []Vertex {
	return g.vertices
}

// AddEdge inserts e between two existing vertices. Self-loops are rejected
// and a second edge between the same ordered pair returns the existing id
// with added == false.
func (g *Graph) AddEdge(e Edge) (id EdgeID, added bool) {
	if e.From == e.To {
		return NoEdge, false
	}
	key := [2]VertexID{e.From, e.To}
	if existing, ok := g.byPair[key]; ok {
		return existing, false
	}
	id = EdgeID(len(g.edges))
	e.ID = id
	g.edges = append(g.edges, e)
	g.out[e.From] = append(g.out[e.From], id)
	g.in[e.To] = append(g.in[e.To], id)
	g.byPair[key] = id
	return id, true
}

// FindEdge returns the edge from -> to.
func (g *Graph) FindEdge(from, to VertexID) (EdgeID, bool) {
	id, ok := g.byPair[[2]VertexID{from, to}]
	return id, ok
}

// Edge returns a copy of edge e.
func (g *Graph) Edge(e EdgeID) Edge {
	return g.edges[e]
}

// Edges returns the edge slice. Callers must not modify it.
func (g *Graph) Edges() []Edge {
	return g.edges
}

// AddCapacity adds c to the corridor capacity of e.
func (g *Graph) AddCapacity(e EdgeID, c float64) {
	g.edges[e].Capacity += c
}

// Out returns the outgoing edges of v in insertion order.
func (g *Graph) Out(v VertexID) []EdgeID {
	return g.out[v]
}

// In returns the incoming edges of v in insertion order.
func (g *Graph) In(v VertexID) []EdgeID {
	return g.in[v]
}
