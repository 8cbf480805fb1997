package build

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/paulmach/orb"
	"github.com/samber/lo"

	"ntm_engine/pkg/cell"
	"ntm_engine/pkg/ctm"
	"ntm_engine/pkg/graph"
	"ntm_engine/pkg/network"
)

type builder struct {
	ds     *network.Dataset
	links  []*network.Link
	opts   Options
	logger *slog.Logger
	net    *Network

	valid        []*network.Area
	centroidNode map[string]*network.Node // area id -> centroid node
	claimed      map[string]bool          // centroid node ids already bound
}

// Build turns ds into a link graph and an area graph. Recoverable problems
// are collected in Network.Diagnostics; only invariant violations such as
// a duplicate vertex insertion are returned as errors. ds is not modified:
// the network holds its own copies of the areas and links.
func Build(ds *network.Dataset, opts Options, logger *slog.Logger) (*Network, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("validate dataset: %w", err)
	}
	ds = ds.Clone()

	b := &builder{
		ds:     ds,
		links:  ds.Links,
		opts:   opts,
		logger: logger,
		net: &Network{
			Areas:     ds.Areas,
			LinkGraph: graph.New(),
			AreaGraph: graph.New(),
			Chains:    make(map[graph.EdgeID]*ctm.Chain),
			opts:      opts,
			centroids: make(map[string]graph.VertexID),
		},
		centroidNode: make(map[string]*network.Node),
		claimed:      make(map[string]bool),
	}

	b.prepare()

	// Step 1: physical link graph.
	if err := b.buildLinkGraph(); err != nil {
		return nil, err
	}
	// Step 2: one vertex per area centroid.
	if err := b.addCentroids(); err != nil {
		return nil, err
	}
	// Step 3: flow corridor endpoints and cell chains.
	if err := b.addFlowLinks(); err != nil {
		return nil, err
	}
	// Step 4: geometric adjacency.
	b.findTouching()
	// Step 5: isolated areas.
	b.connectIsolated()
	// Step 6: area-to-area corridors from road links.
	b.addAreaEdges()
	// Step 7: connectors into and out of flow corridors.
	b.addFlowConnectors()

	b.checkConnectivity()

	counts := b.net.DiagnosticCounts()
	for kind, n := range counts {
		logger.Warn("build diagnostics", "kind", string(kind), "count", n)
	}
	logger.Info("area graph built",
		"vertices", b.net.AreaGraph.NumVertices(),
		"edges", b.net.AreaGraph.NumEdges(),
		"chains", len(b.net.Chains),
		"link_vertices", b.net.LinkGraph.NumVertices(),
		"link_edges", b.net.LinkGraph.NumEdges())
	return b.net, nil
}

func (b *builder) diag(kind DiagnosticKind, subject, detail string) {
	b.net.Diagnostics = append(b.net.Diagnostics, Diagnostic{Kind: kind, Subject: subject, Detail: detail})
	b.logger.Log(context.Background(), kind.level(), "build: "+string(kind), "subject", subject, "detail", detail)
}

// prepare applies the optional link passes and fills area parameters.
func (b *builder) prepare() {
	if b.opts.JoinSequentialLinks {
		centroids := lo.SliceToMap(b.ds.Centroids, func(n *network.Node) (string, bool) {
			return n.ID, true
		})
		before := len(b.links)
		b.links = network.JoinSequentialLinks(b.links, func(n *network.Node) bool { return centroids[n.ID] })
		b.logger.Info("joined sequential links", "before", before, "after", len(b.links))
	}
	if n := network.ClassifyFlowLinks(b.links, b.opts.FlowLinkMinSpeed, b.opts.FlowLinkMinCapacity); n > 0 {
		b.logger.Info("classified flow links", "count", n)
	}

	network.AssignRoadLength(b.ds.Areas, b.links)
	for _, a := range b.ds.Areas {
		a.DeriveParams(b.opts.JamDensity, b.opts.MinCapacityFraction)
		if err := a.Params.Validate(); err != nil {
			b.diag(InvalidParameters, a.ID, err.Error())
			continue
		}
		b.valid = append(b.valid, a)
	}
}

// findArea returns the area containing p. When areas overlap the last
// match in input order wins.
func (b *builder) findArea(p orb.Point) *network.Area {
	var found *network.Area
	for _, a := range b.valid {
		if a.Bound().Contains(p) && a.Contains(p) {
			found = a
		}
	}
	return found
}

// findCentroid prefers the centroid node whose id equals the area id,
// then the first unclaimed centroid node inside the area.
func (b *builder) findCentroid(a *network.Area) *network.Node {
	for _, n := range b.ds.Centroids {
		if n.ID == a.ID && !b.claimed[n.ID] {
			return n
		}
	}
	for _, n := range b.ds.Centroids {
		if !b.claimed[n.ID] && a.Contains(n.Point) {
			return n
		}
	}
	return nil
}

func (b *builder) buildLinkGraph() error {
	g := b.net.LinkGraph
	vertex := func(n *network.Node) (graph.VertexID, error) {
		if v, ok := g.Lookup(n.ID); ok {
			return v, nil
		}
		v, err := g.AddVertex(n.ID, n.Point, n.Behaviour)
		if err != nil {
			return graph.NoVertex, fmt.Errorf("link graph: %w", err)
		}
		area := b.findArea(n.Point)
		if area == nil {
			b.diag(MissingArea, n.ID, "node outside every area")
		}
		b.net.linkArea = append(b.net.linkArea, area)
		return v, nil
	}

	for _, l := range b.links {
		from, err := vertex(l.From)
		if err != nil {
			return err
		}
		to, err := vertex(l.To)
		if err != nil {
			return err
		}
		e, added := g.AddEdge(graph.Edge{
			From:      from,
			To:        to,
			Weight:    l.GraphWeight(),
			Behaviour: l.Behaviour,
			Link:      l,
			Capacity:  l.Capacity,
		})
		if !added && e != graph.NoEdge {
			g.AddCapacity(e, l.Capacity)
		}
	}
	return nil
}

func (b *builder) addNode(key string, p orb.Point, tag network.Behaviour, area *network.Area, c *cell.Behaviour) (graph.VertexID, error) {
	v, err := b.net.AreaGraph.AddVertex(key, p, tag)
	if err != nil {
		return graph.NoVertex, fmt.Errorf("area graph: %w", err)
	}
	b.net.Nodes = append(b.net.Nodes, &BoundedNode{
		Vertex:    v,
		Key:       key,
		Behaviour: tag,
		Area:      area,
		Cell:      c,
	})
	return v, nil
}

func (b *builder) addCentroids() error {
	for _, a := range b.valid {
		n := b.findCentroid(a)
		if n == nil {
			b.diag(MissingCentroid, a.ID, "no centroid node inside the area")
			continue
		}
		b.claimed[n.ID] = true
		tag := a.Behaviour
		if !tag.IsSink() {
			tag = network.NTM
		}
		c := cell.ForBehaviour(tag, a.Params, b.opts.CordonCapacityCap)
		v, err := b.addNode(n.ID, n.Point, tag, a, c)
		if err != nil {
			return err
		}
		b.net.centroids[a.ID] = v
		b.centroidNode[a.ID] = n
	}
	return nil
}

func (b *builder) addFlowLinks() error {
	g := b.net.AreaGraph
	for _, l := range b.links {
		if l.Behaviour != network.Flow {
			continue
		}
		cellLength := ctm.CellLength(l.FreeSpeed, b.opts.CTM.TimeStep)
		reservoir := ctm.CellParams(l, cellLength, b.opts.CTM)

		endpoint := func(n *network.Node) (graph.VertexID, error) {
			if v, ok := g.Lookup(n.ID); ok {
				return v, nil
			}
			area := b.findArea(n.Point)
			if area == nil {
				b.diag(MissingArea, n.ID, "flow endpoint outside every area")
			}
			return b.addNode(n.ID, n.Point, network.Flow, area, cell.NewFlow(reservoir))
		}
		from, err := endpoint(l.From)
		if err != nil {
			return err
		}
		to, err := endpoint(l.To)
		if err != nil {
			return err
		}

		e, added := g.AddEdge(graph.Edge{
			From:      from,
			To:        to,
			Weight:    l.TravelTime(),
			Behaviour: network.Flow,
			Link:      l,
			Capacity:  l.Capacity,
		})
		if !added {
			if e != graph.NoEdge {
				g.AddCapacity(e, l.Capacity)
				b.widenChain(e, l)
			}
			continue
		}
		chain, err := ctm.NewChain(e, from, to, l, b.opts.CTM)
		if err != nil {
			b.diag(InvalidLink, l.ID, err.Error())
			continue
		}
		b.net.Chains[e] = chain
	}
	return nil
}

// widenChain folds a parallel flow link into the chain of edge e: the cells
// are rebuilt with the summed capacity and lanes. Cell count, length and
// unit ids follow the first link.
func (b *builder) widenChain(e graph.EdgeID, l *network.Link) {
	chain, ok := b.net.Chains[e]
	if !ok {
		return
	}
	merged := *chain.Link
	merged.Capacity += l.Capacity
	merged.Lanes = chain.Link.LaneCount() + l.LaneCount()
	wider, err := ctm.NewChain(e, chain.From, chain.To, &merged, b.opts.CTM)
	if err != nil {
		b.diag(InvalidLink, l.ID, err.Error())
		return
	}
	b.net.Chains[e] = wider
	b.logger.Debug("parallel flow link merged", "link", l.ID, "into", chain.Link.ID, "capacity", merged.Capacity)
}

// connectorWeight is the travel time in hours over the straight line
// between two area-graph vertices at the connector speed.
func (b *builder) connectorWeight(from, to graph.VertexID, detour float64) float64 {
	g := b.net.AreaGraph
	meters := b.opts.Projection.Distance(g.Vertex(from).Point, g.Vertex(to).Point)
	speed := b.opts.ConnectorSpeed
	if speed <= 0 {
		speed = 70
	}
	return detour * meters / 1000 / speed
}

func (b *builder) edgeTag(from, to graph.VertexID) network.Behaviour {
	g := b.net.AreaGraph
	if g.Vertex(from).Behaviour == network.Cordon || g.Vertex(to).Behaviour == network.Cordon {
		return network.Cordon
	}
	return network.NTM
}

func (b *builder) connect(from, to graph.VertexID, weight, capacity float64) graph.EdgeID {
	e, _ := b.net.AreaGraph.AddEdge(graph.Edge{
		From:      from,
		To:        to,
		Weight:    weight,
		Behaviour: b.edgeTag(from, to),
		Capacity:  capacity,
	})
	return e
}

func (b *builder) checkConnectivity() {
	comps := graph.WeakComponents(b.net.AreaGraph)
	if len(comps) <= 1 {
		return
	}
	sizes := lo.Map(comps, func(c []graph.VertexID, _ int) int { return len(c) })
	b.diag(DisconnectedGraph, "area-graph", fmt.Sprintf("%d components, sizes %v", len(comps), sizes))
}

func finiteOr(v, fallback float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return fallback
	}
	return v
}
