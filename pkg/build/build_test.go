package build

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntm_engine/pkg/geo"
	"ntm_engine/pkg/graph"
	"ntm_engine/pkg/network"
)

type fixture struct {
	nodes map[string]*network.Node
	ds    *network.Dataset
}

func newFixture() *fixture {
	return &fixture{nodes: make(map[string]*network.Node), ds: &network.Dataset{}}
}

func (f *fixture) area(id string, minX float64, b network.Behaviour) *network.Area {
	a := &network.Area{
		ID:         id,
		Geometry:   geo.Square(minX, 0, 1000),
		Behaviour:  b,
		FreeSpeed:  50,
		Capacity:   2000,
		RoadLength: 5,
	}
	f.ds.Areas = append(f.ds.Areas, a)
	c := &network.Node{ID: id, Point: orb.Point{minX + 500, 500}, Behaviour: network.Centroid}
	f.ds.Centroids = append(f.ds.Centroids, c)
	f.nodes[id] = c
	return a
}

func (f *fixture) node(id string, x, y float64) *network.Node {
	n := &network.Node{ID: id, Point: orb.Point{x, y}}
	f.nodes[id] = n
	return n
}

func (f *fixture) link(id, from, to string, lengthKm, speed, capacity float64, b network.Behaviour) *network.Link {
	l := &network.Link{
		ID:        id,
		From:      f.nodes[from],
		To:        f.nodes[to],
		Length:    lengthKm,
		FreeSpeed: speed,
		Capacity:  capacity,
		Behaviour: b,
	}
	f.ds.Links = append(f.ds.Links, l)
	return l
}

func (f *fixture) twoWay(id, from, to string, lengthKm float64) {
	f.link(id, from, to, lengthKm, 50, 1000, network.Road)
	f.link(id+"r", to, from, lengthKm, 50, 1000, network.Road)
}

// threeAreas: A and B share the edge x = 1000; C sits 1 km east of B and
// is only reachable through node n4, which lies outside every area.
//
//	A(0..1000) | B(1000..2000)    n4(2500)    C(3000..4000)
func threeAreas() *fixture {
	f := newFixture()
	f.area("A", 0, network.NTM)
	f.area("B", 1000, network.NTM)
	f.area("C", 3000, network.NTM)
	f.node("n1", 900, 500)
	f.node("n2", 1100, 500)
	f.node("n4", 2500, 500)
	f.twoWay("a1", "A", "n1", 0.4)
	f.twoWay("ab", "n1", "n2", 0.2)
	f.twoWay("b1", "n2", "B", 0.4)
	f.twoWay("b4", "B", "n4", 1.0)
	f.twoWay("c4", "n4", "C", 1.0)
	return f
}

func buildOrFail(t *testing.T, ds *network.Dataset) *Network {
	t.Helper()
	net, err := Build(ds, DefaultOptions(), nil)
	require.NoError(t, err)
	return net
}

func edgeBetween(t *testing.T, net *Network, from, to string) graph.Edge {
	t.Helper()
	f, ok := net.AreaGraph.Lookup(from)
	require.True(t, ok, "vertex %s", from)
	tv, ok := net.AreaGraph.Lookup(to)
	require.True(t, ok, "vertex %s", to)
	e, ok := net.AreaGraph.FindEdge(f, tv)
	require.True(t, ok, "edge %s -> %s", from, to)
	return net.AreaGraph.Edge(e)
}

func TestBuildTouchingAreas(t *testing.T) {
	f := threeAreas()
	net := buildOrFail(t, f.ds)

	a, b := net.Areas[0], net.Areas[1]
	assert.True(t, a.IsTouching(b))
	assert.True(t, b.IsTouching(a))

	ab := edgeBetween(t, net, "A", "B")
	// 0.4 + 0.2 + 0.4 km at 50 km/h
	assert.InDelta(t, 0.02, ab.Weight, 1e-12)
	assert.Equal(t, 1000.0, ab.Capacity)
	assert.Equal(t, network.NTM, ab.Behaviour)
	edgeBetween(t, net, "B", "A")

	for _, v := range []string{"A", "B", "C"} {
		id, ok := net.CentroidOf(v)
		require.True(t, ok)
		bn := net.Node(id)
		require.NotNil(t, bn)
		assert.Equal(t, v, bn.Area.ID)
		assert.NotNil(t, bn.Cell)
	}
	assert.Len(t, net.Sinks(), 3)
}

func TestBuildConnectsIsolatedArea(t *testing.T) {
	f := threeAreas()
	net := buildOrFail(t, f.ds)
	c := net.Areas[2]

	require.NotEmpty(t, c.Touching(), "isolated area should gain a neighbour")
	assert.Equal(t, "B", c.Touching()[0].ID)
	cb := edgeBetween(t, net, "C", "B")
	edgeBetween(t, net, "B", "C")
	// Straight line 2 km, detour 1.3, 70 km/h.
	assert.InDelta(t, 1.3*2/70, cb.Weight, 1e-12)

	counts := net.DiagnosticCounts()
	assert.Equal(t, 1, counts[IsolatedArea])
	assert.Zero(t, counts[UnconnectedArea])
	assert.Equal(t, 1, counts[MissingArea], "n4 lies outside every area")
}

// C's only way out is a flow corridor n7 -> n4 that starts inside C.
func TestBuildConnectsIsolatedAreaToFlowCorridor(t *testing.T) {
	f := newFixture()
	f.area("A", 0, network.NTM)
	f.area("B", 1000, network.NTM)
	f.area("C", 3000, network.NTM)
	f.node("n1", 900, 500)
	f.node("n2", 1100, 500)
	f.node("n4", 2500, 500)
	f.node("n7", 3200, 500)
	f.twoWay("a1", "A", "n1", 0.4)
	f.twoWay("ab", "n1", "n2", 0.2)
	f.twoWay("b1", "n2", "B", 0.4)
	f.twoWay("b4", "B", "n4", 1.0)
	f.twoWay("c7", "C", "n7", 0.3)
	f.link("fc", "n7", "n4", 0.5, 100, 4000, network.Flow)
	net := buildOrFail(t, f.ds)

	in := edgeBetween(t, net, "C", "n7")
	back := edgeBetween(t, net, "n7", "C")
	// 300 m straight line, detour 1.3, 70 km/h.
	assert.InDelta(t, 1.3*0.3/70, in.Weight, 1e-12)
	assert.InDelta(t, in.Weight, back.Weight, 1e-12)
	assert.Equal(t, 4000.0, back.Capacity)
	edgeBetween(t, net, "n4", "B")

	counts := net.DiagnosticCounts()
	assert.Equal(t, 1, counts[IsolatedArea])
	assert.Zero(t, counts[UnconnectedArea])
	assert.Zero(t, counts[DisconnectedGraph])
}

func TestBuildIsolatedBeyondSearchDistance(t *testing.T) {
	f := threeAreas()
	opts := DefaultOptions()
	opts.MaxSearchDistance = 500
	net, err := Build(f.ds, opts, nil)
	require.NoError(t, err)
	assert.Empty(t, net.Areas[2].Touching())
	assert.Equal(t, 1, net.DiagnosticCounts()[UnconnectedArea])
	assert.Equal(t, 1, net.DiagnosticCounts()[DisconnectedGraph])
}

func TestBuildParallelLinksAddCapacity(t *testing.T) {
	f := threeAreas()
	f.node("m1", 900, 200)
	f.node("m2", 1100, 200)
	f.link("ab2", "m1", "m2", 0.2, 50, 1500, network.Road)
	net := buildOrFail(t, f.ds)
	assert.Equal(t, 2500.0, edgeBetween(t, net, "A", "B").Capacity)
	assert.Equal(t, 1000.0, edgeBetween(t, net, "B", "A").Capacity)
}

func TestBuildFlowCorridor(t *testing.T) {
	f := threeAreas()
	f.node("h1", 600, 900)
	f.node("h2", 1400, 900)
	f.node("n5", 550, 850)
	f.node("n6", 1450, 850)
	f.link("f1", "h1", "h2", 0.8, 100, 4000, network.Flow)
	f.link("in", "n5", "h1", 0.1, 50, 1000, network.Road)
	f.link("out", "h2", "n6", 0.1, 50, 1000, network.Road)
	net := buildOrFail(t, f.ds)

	flow := edgeBetween(t, net, "h1", "h2")
	assert.Equal(t, network.Flow, flow.Behaviour)
	assert.InDelta(t, 0.008, flow.Weight, 1e-12)

	chain, ok := net.Chains[flow.ID]
	require.True(t, ok)
	// 100 km/h for 10 s is 0.2778 km: two cells of 0.4 km.
	assert.Len(t, chain.Cells, 2)
	assert.InDelta(t, 0.4, chain.Cells[0].Length, 1e-12)

	in := edgeBetween(t, net, "A", "h1")
	assert.Equal(t, 4000.0, in.Capacity)
	edgeBetween(t, net, "h2", "B")

	h1, _ := net.AreaGraph.Lookup("h1")
	assert.Equal(t, "A", net.Node(h1).Area.ID)
	assert.Equal(t, network.Flow, net.Node(h1).Behaviour)
	got, ok := net.Chain(flow.From, flow.To)
	assert.True(t, ok)
	assert.Same(t, chain, got)
}

func TestBuildParallelFlowLinksWidenChain(t *testing.T) {
	f := threeAreas()
	f.node("h1", 600, 900)
	f.node("h2", 1400, 900)
	f.link("f1", "h1", "h2", 0.8, 100, 4000, network.Flow)
	f.link("f1b", "h1", "h2", 0.8, 100, 3000, network.Flow)
	net := buildOrFail(t, f.ds)

	flow := edgeBetween(t, net, "h1", "h2")
	assert.Equal(t, 7000.0, flow.Capacity)
	chain, ok := net.Chains[flow.ID]
	require.True(t, ok)
	assert.Equal(t, "f1", chain.Link.ID)
	assert.Len(t, chain.Cells, 2)
	// 4000 and 3000 veh/h at 100 km/h estimate 2 lanes each.
	for _, fc := range chain.Cells {
		assert.Equal(t, 7000.0, fc.Cell.Capacity())
		assert.Equal(t, 4, fc.Lanes)
	}
}

func TestBuildClassifiesFlowLinks(t *testing.T) {
	f := threeAreas()
	f.node("h1", 600, 900)
	f.node("h2", 1400, 900)
	f.link("fast", "h1", "h2", 0.8, 120, 6000, network.Road)
	opts := DefaultOptions()
	opts.FlowLinkMinSpeed = 100
	opts.FlowLinkMinCapacity = 4000
	net, err := Build(f.ds, opts, nil)
	require.NoError(t, err)
	h1, ok := net.AreaGraph.Lookup("h1")
	require.True(t, ok, "classified endpoint becomes an area-graph vertex")
	assert.Equal(t, network.Flow, net.AreaGraph.Vertex(h1).Behaviour)
}

func TestBuildDeterministic(t *testing.T) {
	type edgeKey struct {
		from, to string
		weight   float64
		capacity float64
	}
	snapshot := func(net *Network) ([]string, []edgeKey) {
		var vs []string
		for _, v := range net.AreaGraph.Vertices() {
			vs = append(vs, v.Key)
		}
		var es []edgeKey
		for _, e := range net.AreaGraph.Edges() {
			es = append(es, edgeKey{
				net.AreaGraph.Vertex(e.From).Key,
				net.AreaGraph.Vertex(e.To).Key,
				e.Weight,
				e.Capacity,
			})
		}
		return vs, es
	}
	v1, e1 := snapshot(buildOrFail(t, threeAreas().ds))
	v2, e2 := snapshot(buildOrFail(t, threeAreas().ds))
	assert.Equal(t, v1, v2)
	assert.Equal(t, e1, e2)

	// Rebuilding one dataset must not see state left by the first build.
	ds := threeAreas().ds
	first := buildOrFail(t, ds)
	second := buildOrFail(t, ds)
	v3, e3 := snapshot(second)
	assert.Equal(t, v1, v3)
	assert.Equal(t, e1, e3)
	assert.Equal(t, first.DiagnosticCounts(), second.DiagnosticCounts())
	assert.Equal(t, 1, second.DiagnosticCounts()[IsolatedArea])
	assert.Zero(t, second.DiagnosticCounts()[DisconnectedGraph])
}

func TestBuildLeavesDatasetUntouched(t *testing.T) {
	f := threeAreas()
	f.node("h1", 600, 900)
	f.node("h2", 1400, 900)
	fast := f.link("fast", "h1", "h2", 0.8, 120, 6000, network.Road)
	f.ds.Areas[0].RoadLength = 0
	opts := DefaultOptions()
	opts.FlowLinkMinSpeed = 100
	opts.FlowLinkMinCapacity = 4000

	net, err := Build(f.ds, opts, nil)
	require.NoError(t, err)
	for _, a := range f.ds.Areas {
		assert.Empty(t, a.Touching(), a.ID)
		assert.True(t, a.Params.IsZero(), a.ID)
	}
	assert.Zero(t, f.ds.Areas[0].RoadLength)
	assert.Equal(t, network.Road, fast.Behaviour)
	assert.Equal(t, network.Road, f.nodes["h1"].Behaviour)

	assert.NotSame(t, f.ds.Areas[0], net.Areas[0])
	assert.Greater(t, net.Areas[0].RoadLength, 0.0)
	assert.NotEmpty(t, net.Areas[0].Touching())
}

func TestBuildMissingCentroid(t *testing.T) {
	f := threeAreas()
	f.ds.Areas = append(f.ds.Areas, &network.Area{
		ID:         "D",
		Geometry:   geo.Square(0, 1000, 1000),
		FreeSpeed:  50,
		Capacity:   2000,
		RoadLength: 5,
	})
	net := buildOrFail(t, f.ds)
	assert.Equal(t, 1, net.DiagnosticCounts()[MissingCentroid])
	_, ok := net.CentroidOf("D")
	assert.False(t, ok)
	assert.True(t, net.Areas[3].IsTouching(net.Areas[0]), "geometry still touches")
}

func TestBuildDegenerateGeometry(t *testing.T) {
	f := threeAreas()
	f.ds.Areas = append(f.ds.Areas, &network.Area{
		ID:       "flat",
		Geometry: orb.MultiPolygon{{orb.Ring{{0, 0}, {10, 0}, {20, 0}, {0, 0}}}},
		Capacity: 100,
	})
	net := buildOrFail(t, f.ds)
	assert.Equal(t, len(f.ds.Areas)-1, net.DiagnosticCounts()[Topology])
	edgeBetween(t, net, "A", "B")
}

func TestFindAreaLastMatchWins(t *testing.T) {
	first := &network.Area{ID: "first", Geometry: geo.Square(0, 0, 100)}
	second := &network.Area{ID: "second", Geometry: geo.Square(50, 0, 100)}
	b := &builder{valid: []*network.Area{first, second}}
	assert.Equal(t, "second", b.findArea(orb.Point{75, 50}).ID)
	assert.Equal(t, "first", b.findArea(orb.Point{25, 50}).ID)
	assert.Nil(t, b.findArea(orb.Point{500, 500}))
}

func TestFindCentroidPrefersMatchingID(t *testing.T) {
	a := &network.Area{ID: "Z", Geometry: geo.Square(0, 0, 100)}
	b := &builder{
		ds: &network.Dataset{Centroids: []*network.Node{
			{ID: "other", Point: orb.Point{10, 10}},
			{ID: "Z", Point: orb.Point{50, 50}},
		}},
		claimed: map[string]bool{},
	}
	assert.Equal(t, "Z", b.findCentroid(a).ID)
	b.claimed["Z"] = true
	assert.Equal(t, "other", b.findCentroid(a).ID)
}

func TestDuplicateVertexIsFatal(t *testing.T) {
	b := &builder{net: &Network{AreaGraph: graph.New()}}
	_, err := b.addNode("x", orb.Point{}, network.NTM, nil, nil)
	require.NoError(t, err)
	_, err = b.addNode("x", orb.Point{}, network.NTM, nil, nil)
	assert.True(t, errors.Is(err, graph.ErrDuplicateVertex))
}

func TestBuildRejectsInvalidDataset(t *testing.T) {
	f := threeAreas()
	f.ds.Links[0].FreeSpeed = 0
	_, err := Build(f.ds, DefaultOptions(), nil)
	assert.Error(t, err)
}

func TestCordonArea(t *testing.T) {
	f := threeAreas()
	f.ds.Areas[1].Behaviour = network.Cordon
	opts := DefaultOptions()
	opts.CordonCapacityCap = 1500
	net, err := Build(f.ds, opts, nil)
	require.NoError(t, err)
	v, _ := net.CentroidOf("B")
	assert.Equal(t, network.Cordon, net.Node(v).Behaviour)
	assert.Equal(t, 1500.0, net.Node(v).Cell.Supply())
	assert.Equal(t, network.Cordon, edgeBetween(t, net, "A", "B").Behaviour)
	assert.False(t, math.IsNaN(net.Node(v).Cell.Speed()))
}
