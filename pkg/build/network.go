// Package build synthesizes the link graph and the area graph from a
// network dataset and attaches a cell behaviour to every area-graph vertex.
package build

import (
	"log/slog"
	"time"

	"ntm_engine/pkg/cell"
	"ntm_engine/pkg/ctm"
	"ntm_engine/pkg/fd"
	"ntm_engine/pkg/geo"
	"ntm_engine/pkg/graph"
	"ntm_engine/pkg/network"
)

// Options configures a build. Distances are metres, speeds km/h and
// capacities veh/h.
type Options struct {
	Projection            geo.Projection
	MaxSearchDistance     float64
	IsolatedCandidates    int
	DetourFactor          float64
	ConnectorSpeed        float64
	FlowConnectorCapacity float64
	CordonCapacityCap     float64
	JamDensity            float64
	MinCapacityFraction   float64
	FlowLinkMinSpeed      float64
	FlowLinkMinCapacity   float64
	JoinSequentialLinks   bool
	CTM                   ctm.Options
}

// DefaultOptions returns the settings of the reference model.
func DefaultOptions() Options {
	return Options{
		Projection:            geo.Planar,
		MaxSearchDistance:     8000,
		IsolatedCandidates:    6,
		DetourFactor:          1.3,
		ConnectorSpeed:        70,
		FlowConnectorCapacity: 4000,
		JamDensity:            fd.DefaultJamDensity,
		MinCapacityFraction:   fd.DefaultMinCapacityFraction,
		CTM: ctm.Options{
			TimeStep:            10 * time.Second,
			JamDensity:          fd.DefaultJamDensity,
			MinCapacityFraction: fd.DefaultMinCapacityFraction,
		},
	}
}

// BoundedNode is an area-graph vertex with its area and flow state.
type BoundedNode struct {
	Vertex    graph.VertexID
	Key       string
	Behaviour network.Behaviour
	Area      *network.Area
	Cell      *cell.Behaviour
}

// DiagnosticKind classifies a recoverable build problem.
type DiagnosticKind string

const (
	MissingCentroid   DiagnosticKind = "missing-centroid"
	MissingArea       DiagnosticKind = "missing-area"
	InvalidParameters DiagnosticKind = "invalid-parameters"
	InvalidLink       DiagnosticKind = "invalid-link"
	Topology          DiagnosticKind = "topology"
	IsolatedArea      DiagnosticKind = "isolated-area"
	UnconnectedArea   DiagnosticKind = "unconnected-isolated-area"
	NoCorridorPath    DiagnosticKind = "no-corridor-path"
	DisconnectedGraph DiagnosticKind = "disconnected-graph"
)

// Diagnostic records one degraded vertex or edge.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Subject string         `json:"subject"`
	Detail  string         `json:"detail,omitempty"`
}

func (d DiagnosticKind) level() slog.Level {
	switch d {
	case MissingArea, NoCorridorPath, IsolatedArea:
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

// Network is the result of a build.
type Network struct {
	Areas       []*network.Area
	LinkGraph   *graph.Graph
	AreaGraph   *graph.Graph
	Nodes       []*BoundedNode // indexed by area-graph vertex id
	Chains      map[graph.EdgeID]*ctm.Chain
	Diagnostics []Diagnostic

	opts      Options
	linkArea  []*network.Area // indexed by link-graph vertex id
	centroids map[string]graph.VertexID
}

// Options returns the options the network was built with.
func (n *Network) Options() Options { return n.opts }

// Node returns the bounded node of area-graph vertex v.
func (n *Network) Node(v graph.VertexID) *BoundedNode {
	if v < 0 || int(v) >= len(n.Nodes) {
		return nil
	}
	return n.Nodes[v]
}

// CentroidOf returns the area-graph vertex of an area.
func (n *Network) CentroidOf(areaID string) (graph.VertexID, bool) {
	v, ok := n.centroids[areaID]
	return v, ok
}

// Resolve finds the area-graph vertex for an area id or a vertex key.
func (n *Network) Resolve(key string) (graph.VertexID, bool) {
	if v, ok := n.centroids[key]; ok {
		return v, true
	}
	return n.AreaGraph.Lookup(key)
}

// AreaOfLinkVertex returns the area enclosing link-graph vertex v.
func (n *Network) AreaOfLinkVertex(v graph.VertexID) *network.Area {
	if v < 0 || int(v) >= len(n.linkArea) {
		return nil
	}
	return n.linkArea[v]
}

// Chain returns the cell chain on the area-graph edge from -> to.
func (n *Network) Chain(from, to graph.VertexID) (*ctm.Chain, bool) {
	e, ok := n.AreaGraph.FindEdge(from, to)
	if !ok {
		return nil, false
	}
	c, ok := n.Chains[e]
	return c, ok
}

// Sinks returns the vertices trips can be routed to, ascending.
func (n *Network) Sinks() []graph.VertexID {
	var out []graph.VertexID
	for _, bn := range n.Nodes {
		if bn.Behaviour.IsSink() {
			out = append(out, bn.Vertex)
		}
	}
	return out
}

// DiagnosticCounts tallies diagnostics by kind.
func (n *Network) DiagnosticCounts() map[DiagnosticKind]int {
	counts := make(map[DiagnosticKind]int)
	for _, d := range n.Diagnostics {
		counts[d.Kind]++
	}
	return counts
}
