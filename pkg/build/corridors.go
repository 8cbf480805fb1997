package build

import (
	"cmp"
	"slices"

	"github.com/tidwall/rtree"

	"ntm_engine/pkg/geo"
	"ntm_engine/pkg/graph"
	"ntm_engine/pkg/network"
)

// findTouching tests every pair of areas. A pair whose geometry cannot be
// tested is logged and treated as not touching.
func (b *builder) findTouching() {
	areas := b.net.Areas
	for i := 0; i < len(areas); i++ {
		for j := i + 1; j < len(areas); j++ {
			a, c := areas[i], areas[j]
			touches, err := geo.Touches(a.Geometry, c.Geometry)
			if err != nil {
				b.diag(Topology, a.ID+"/"+c.ID, err.Error())
				continue
			}
			if touches {
				a.AddTouching(c)
				c.AddTouching(a)
			}
		}
	}
}

// candidates returns areas near iso, nearest first. The search envelope
// starts at the maximum search distance and shrinks by 20% while more
// than the target number of areas fall inside it.
func (b *builder) candidates(tr *rtree.RTreeG[int], iso *network.Area) []*network.Area {
	areas := b.net.Areas
	bound := iso.Bound()
	search := func(dist float64) []int {
		env := b.opts.Projection.Pad(bound, dist)
		var found []int
		tr.Search(env.Min, env.Max, func(_, _ [2]float64, i int) bool {
			if areas[i] != iso {
				found = append(found, i)
			}
			return true
		})
		return found
	}

	target := b.opts.IsolatedCandidates
	if target <= 0 {
		target = 6
	}
	dist := b.opts.MaxSearchDistance
	found := search(dist)
	for len(found) > target && dist > 0.1 {
		dist *= 0.8
		narrower := search(dist)
		if len(narrower) == 0 {
			break
		}
		found = narrower
	}

	center := iso.Bound().Center()
	slices.SortFunc(found, func(x, y int) int {
		dx := b.opts.Projection.Distance(center, areas[x].Bound().Center())
		dy := b.opts.Projection.Distance(center, areas[y].Bound().Center())
		if c := cmp.Compare(dx, dy); c != 0 {
			return c
		}
		return cmp.Compare(x, y)
	})
	out := make([]*network.Area, len(found))
	for k, i := range found {
		out[k] = areas[i]
	}
	return out
}

// connectIsolated links every area without neighbours to the first area
// or flow corridor met on a link-graph shortest path towards each nearby
// candidate area.
func (b *builder) connectIsolated() {
	var isolated []*network.Area
	for _, a := range b.net.Areas {
		if len(a.Touching()) == 0 {
			isolated = append(isolated, a)
		}
	}
	if len(isolated) == 0 {
		return
	}

	var tr rtree.RTreeG[int]
	for i, a := range b.net.Areas {
		if len(a.Geometry) == 0 {
			continue
		}
		bound := a.Bound()
		tr.Insert(bound.Min, bound.Max, i)
	}

	for _, iso := range isolated {
		b.diag(IsolatedArea, iso.ID, "no touching areas")
		isoV, ok := b.net.centroids[iso.ID]
		if !ok {
			continue
		}
		isoL, ok := b.net.LinkGraph.Lookup(b.centroidNode[iso.ID].ID)
		if !ok {
			b.diag(UnconnectedArea, iso.ID, "centroid is not on the link graph")
			continue
		}

		connected := 0
		for _, cand := range b.candidates(&tr, iso) {
			candNode, ok := b.centroidNode[cand.ID]
			if !ok {
				continue
			}
			candL, ok := b.net.LinkGraph.Lookup(candNode.ID)
			if !ok {
				continue
			}
			path, _, err := b.net.LinkGraph.ShortestPath(isoL, candL, nil)
			if err != nil {
				continue
			}
			if b.connectAlong(iso, isoV, path) {
				connected++
			}
		}
		if connected == 0 {
			b.diag(UnconnectedArea, iso.ID, "no reachable area within search distance")
			continue
		}
		b.logger.Info("connected isolated area", "area", iso.ID, "connections", connected)
	}
}

// connectAlong walks path and connects iso both ways to the first flow
// corridor start or foreign area it enters.
func (b *builder) connectAlong(iso *network.Area, isoV graph.VertexID, path []graph.EdgeID) bool {
	lg := b.net.LinkGraph
	for _, id := range path {
		e := lg.Edge(id)
		l := e.Link
		if l.Behaviour == network.Flow {
			fv, ok := b.net.AreaGraph.Lookup(l.From.ID)
			if !ok || fv == isoV {
				return false
			}
			b.connect(isoV, fv, b.connectorWeight(isoV, fv, b.opts.DetourFactor), l.Capacity)
			b.connect(fv, isoV, b.connectorWeight(fv, isoV, b.opts.DetourFactor), l.Capacity)
			return true
		}
		to := b.net.linkArea[e.To]
		if to == nil || to == iso {
			continue
		}
		tv, ok := b.net.centroids[to.ID]
		if !ok {
			continue
		}
		iso.AddTouching(to)
		to.AddTouching(iso)
		b.connect(isoV, tv, b.connectorWeight(isoV, tv, b.opts.DetourFactor), l.Capacity)
		b.connect(tv, isoV, b.connectorWeight(tv, isoV, b.opts.DetourFactor), l.Capacity)
		return true
	}
	return false
}

// corridorWeight is the free-flow travel time (hours) of the link-graph
// shortest path between the centroids of a and c, or the detoured straight
// line at connector speed when there is no such path.
func (b *builder) corridorWeight(a, c *network.Area, from, to graph.VertexID) float64 {
	fallback := b.connectorWeight(from, to, b.opts.DetourFactor)
	na, okA := b.centroidNode[a.ID]
	nc, okC := b.centroidNode[c.ID]
	if !okA || !okC {
		return fallback
	}
	lg := b.net.LinkGraph
	src, okA := lg.Lookup(na.ID)
	dst, okC := lg.Lookup(nc.ID)
	if !okA || !okC {
		b.diag(NoCorridorPath, a.ID+"->"+c.ID, "centroid is not on the link graph")
		return fallback
	}
	path, _, err := lg.ShortestPath(src, dst, nil)
	if err != nil {
		b.diag(NoCorridorPath, a.ID+"->"+c.ID, err.Error())
		return fallback
	}
	var hours float64
	for _, id := range path {
		hours += lg.Edge(id).Link.TravelTime()
	}
	return finiteOr(hours, fallback)
}

// addAreaEdges adds one area-graph edge per touching area pair crossed by
// a road link, summing the capacity of parallel links.
func (b *builder) addAreaEdges() {
	lg, ag := b.net.LinkGraph, b.net.AreaGraph
	for _, e := range lg.Edges() {
		l := e.Link
		if l.Behaviour == network.Flow {
			continue
		}
		from, to := b.net.linkArea[e.From], b.net.linkArea[e.To]
		if from == nil || to == nil || from == to || !from.IsTouching(to) {
			continue
		}
		vFrom, okF := b.net.centroids[from.ID]
		vTo, okT := b.net.centroids[to.ID]
		if !okF || !okT {
			continue
		}
		if existing, ok := ag.FindEdge(vFrom, vTo); ok {
			ag.AddCapacity(existing, e.Capacity)
			continue
		}
		ag.AddEdge(graph.Edge{
			From:      vFrom,
			To:        vTo,
			Weight:    b.corridorWeight(from, to, vFrom, vTo),
			Behaviour: b.edgeTag(vFrom, vTo),
			Link:      l,
			Capacity:  e.Capacity,
		})
	}
}

// sideVertex returns the area-graph vertex standing for the far end n of
// an urban link: n itself when it is a non-flow area-graph vertex (a
// centroid or cordon node), else the centroid of its area.
func (b *builder) sideVertex(n *network.Node) (graph.VertexID, bool) {
	if v, ok := b.net.AreaGraph.Lookup(n.ID); ok && b.net.AreaGraph.Vertex(v).Behaviour != network.Flow {
		return v, true
	}
	lv, ok := b.net.LinkGraph.Lookup(n.ID)
	if !ok {
		return graph.NoVertex, false
	}
	area := b.net.linkArea[lv]
	if area == nil {
		return graph.NoVertex, false
	}
	v, ok := b.net.centroids[area.ID]
	return v, ok
}

// addFlowConnectors ties every flow corridor to the areas (or cordons) of
// the urban links that feed its start node or leave its end node.
func (b *builder) addFlowConnectors() {
	byTo := make(map[string][]*network.Link)
	byFrom := make(map[string][]*network.Link)
	for _, l := range b.links {
		if l.Behaviour == network.Flow {
			continue
		}
		byTo[l.To.ID] = append(byTo[l.To.ID], l)
		byFrom[l.From.ID] = append(byFrom[l.From.ID], l)
	}

	ag := b.net.AreaGraph
	capacity := b.opts.FlowConnectorCapacity
	for _, f := range b.links {
		if f.Behaviour != network.Flow {
			continue
		}
		fs, okS := ag.Lookup(f.From.ID)
		fe, okE := ag.Lookup(f.To.ID)
		if !okS || !okE {
			continue
		}
		for _, u := range byTo[f.From.ID] {
			src, ok := b.sideVertex(u.From)
			if !ok || src == fs {
				continue
			}
			b.connect(src, fs, b.connectorWeight(src, fs, 1), capacity)
		}
		for _, u := range byFrom[f.To.ID] {
			dst, ok := b.sideVertex(u.To)
			if !ok || dst == fe {
				continue
			}
			b.connect(fe, dst, b.connectorWeight(fe, dst, 1), capacity)
		}
	}
	if n := len(b.net.Chains); n > 0 {
		b.logger.Debug("flow connectors added", "corridors", n, "edges", ag.NumEdges())
	}
}
