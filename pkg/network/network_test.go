package network

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntm_engine/pkg/geo"
)

func node(id string, x, y float64) *Node {
	return &Node{ID: id, Point: orb.Point{x, y}}
}

func link(id string, from, to *Node, lengthKm, speed, capacity float64) *Link {
	return &Link{ID: id, From: from, To: to, Length: lengthKm, FreeSpeed: speed, Capacity: capacity}
}

func TestParseBehaviour(t *testing.T) {
	tests := []struct {
		in   string
		want Behaviour
	}{
		{"ROAD", Road},
		{"flow", Flow},
		{" Ntm ", NTM},
		{"CORDON", Cordon},
		{"centroid", Centroid},
		{"", Road},
	}
	for _, tt := range tests {
		got, err := ParseBehaviour(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseBehaviour("TRAM")
	assert.True(t, errors.Is(err, ErrUnknownBehaviour))
	assert.True(t, NTM.IsSink())
	assert.True(t, Cordon.IsSink())
	assert.False(t, Flow.IsSink())
}

func TestEstimateLanes(t *testing.T) {
	tests := []struct {
		name            string
		capacity, speed float64
		want            int
	}{
		{"motorway single", 2500, 100, 1},
		{"motorway three", 6500, 120, 3},
		{"motorway wide", 12000, 100, 6},
		{"urban two", 2500, 50, 2},
		{"urban five", 5500, 40, 5},
		{"local one", 1500, 30, 1},
		{"local four", 5000, 30, 4},
		{"local six", 7000, 20, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateLanes(tt.capacity, tt.speed); got != tt.want {
				t.Errorf("EstimateLanes(%g, %g) = %d, want %d", tt.capacity, tt.speed, got, tt.want)
			}
		})
	}
}

func TestAreaTouching(t *testing.T) {
	a := &Area{ID: "a", Geometry: geo.Square(0, 0, 10)}
	b := &Area{ID: "b", Geometry: geo.Square(10, 0, 10)}
	assert.True(t, a.AddTouching(b))
	assert.False(t, a.AddTouching(b), "duplicate")
	assert.False(t, a.AddTouching(a), "self")
	assert.True(t, a.IsTouching(b))
	assert.False(t, b.IsTouching(a))
	assert.Len(t, a.Touching(), 1)
	assert.True(t, a.Contains(orb.Point{5, 5}))
	assert.False(t, a.Contains(orb.Point{15, 5}))
}

func TestDeriveParams(t *testing.T) {
	a := &Area{ID: "a", FreeSpeed: 50, Capacity: 2000, RoadLength: 5}
	a.DeriveParams(125, 0.1)
	assert.InDelta(t, 200, a.Params.AccCritical1, 1e-9)
	assert.NoError(t, a.Params.Validate())

	explicit := &Area{ID: "b", FreeSpeed: 60, RoadLength: 10}
	explicit.Params.AccCritical1 = 300
	explicit.Params.AccCritical2 = 400
	explicit.Params.AccJam = 1200
	explicit.DeriveParams(125, 0.1)
	assert.InDelta(t, 1800, explicit.Params.Capacity, 1e-9, "capacity implied by c1")
	assert.Equal(t, 0.1, explicit.Params.MinCapacityFraction)
}

func TestDatasetValidate(t *testing.T) {
	n1, n2 := node("1", 0, 0), node("2", 1, 0)
	ds := &Dataset{
		Areas: []*Area{{ID: "a"}, {ID: "a"}},
		Links: []*Link{
			link("l1", n1, n2, 1, 50, 1000),
			link("l2", n1, nil, 1, 50, 1000),
			link("l3", n2, n1, 1, 0, 1000),
		},
	}
	err := ds.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate area id")
	assert.Contains(t, err.Error(), "missing endpoint")
	assert.Contains(t, err.Error(), "free speed")

	ok := &Dataset{Links: []*Link{link("l1", n1, n2, 1, 50, 1000), link("l2", n2, n1, 1, 50, 1000)}}
	require.NoError(t, ok.Validate())
	assert.Len(t, ok.Nodes(), 2)
}

func TestDatasetClone(t *testing.T) {
	c := &Node{ID: "A", Behaviour: Centroid}
	n1 := node("1", 1, 0)
	a := &Area{ID: "A", Geometry: geo.Square(0, 0, 10)}
	a.AddTouching(&Area{ID: "B"})
	ds := &Dataset{
		Areas:     []*Area{a},
		Centroids: []*Node{c},
		Links:     []*Link{link("l1", c, n1, 1, 50, 1000), link("l2", n1, c, 1, 50, 1000)},
	}

	cp := ds.Clone()
	require.Len(t, cp.Areas, 1)
	assert.NotSame(t, a, cp.Areas[0])
	assert.Equal(t, "A", cp.Areas[0].ID)
	assert.Empty(t, cp.Areas[0].Touching())
	assert.Len(t, a.Touching(), 1)

	assert.NotSame(t, c, cp.Centroids[0])
	assert.Same(t, cp.Centroids[0], cp.Links[0].From, "centroid stays shared with its links")
	assert.Same(t, cp.Links[0].To, cp.Links[1].From)

	cp.Links[0].Behaviour = Flow
	cp.Links[0].To.Behaviour = Flow
	assert.Equal(t, Road, ds.Links[0].Behaviour)
	assert.Equal(t, Road, n1.Behaviour)
}

func TestClassifyFlowLinks(t *testing.T) {
	c := &Node{ID: "c", Behaviour: Centroid}
	n1, n2, n3 := node("1", 0, 0), node("2", 1, 0), node("3", 2, 0)
	fast := link("fast", n1, n2, 1, 120, 6000)
	slow := link("slow", n2, n3, 1, 50, 6000)
	conn := link("conn", c, n1, 1, 120, 6000)
	got := ClassifyFlowLinks([]*Link{fast, slow, conn}, 100, 4000)
	assert.Equal(t, 2, got)
	assert.Equal(t, Flow, fast.Behaviour)
	assert.Equal(t, Road, slow.Behaviour)
	assert.Equal(t, Flow, n1.Behaviour)
	assert.Equal(t, Centroid, c.Behaviour, "centroid keeps its tag")
	assert.Equal(t, 0, ClassifyFlowLinks([]*Link{slow}, 0, 0))
}

func TestJoinSequentialLinks(t *testing.T) {
	n1, n2, n3, n4 := node("1", 0, 0), node("2", 1, 0), node("3", 2, 0), node("4", 3, 0)
	a := link("a", n1, n2, 1, 50, 1000)
	b := link("b", n2, n3, 2, 50, 1000)
	c := link("c", n3, n4, 3, 50, 1000)
	a.Geometry = orb.LineString{{0, 0}, {1, 0}}
	b.Geometry = orb.LineString{{1, 0}, {2, 0}}

	joined := JoinSequentialLinks([]*Link{a, b, c}, nil)
	require.Len(t, joined, 1)
	assert.Equal(t, "a+b+c", joined[0].ID)
	assert.Equal(t, n1, joined[0].From)
	assert.Equal(t, n4, joined[0].To)
	assert.InDelta(t, 6, joined[0].Length, 1e-12)
	assert.Len(t, joined[0].Geometry, 3)

	different := link("d", n3, n4, 3, 80, 1000)
	joined = JoinSequentialLinks([]*Link{a, b, different}, nil)
	assert.Len(t, joined, 2)

	kept := JoinSequentialLinks([]*Link{a, b, c}, func(n *Node) bool { return n.ID == "2" })
	assert.Len(t, kept, 2)
}

func TestJoinKeepsBranches(t *testing.T) {
	n1, n2, n3, n4 := node("1", 0, 0), node("2", 1, 0), node("3", 2, 0), node("4", 2, 1)
	links := []*Link{
		link("a", n1, n2, 1, 50, 1000),
		link("b", n2, n3, 1, 50, 1000),
		link("c", n2, n4, 1, 50, 1000),
	}
	assert.Len(t, JoinSequentialLinks(links, nil), 3)
}

func TestAssignRoadLength(t *testing.T) {
	a := &Area{ID: "a", Geometry: geo.Square(0, 0, 10)}
	empty := &Area{ID: "e", Geometry: geo.Square(100, 100, 10)}
	in1, in2, out := node("1", 1, 1), node("2", 5, 5), node("3", 20, 5)
	inside := link("in", in1, in2, 2, 50, 2500)  // 2 lanes
	half := link("half", in2, out, 4, 30, 1500)  // 1 lane
	flow := link("flow", in1, in2, 2, 120, 8000) // ignored
	flow.Behaviour = Flow

	AssignRoadLength([]*Area{a, empty}, []*Link{inside, half, flow})
	// 2 km * 2 lanes + 0.5 * 4 km * 1 lane
	assert.InDelta(t, 6, a.RoadLength, 1e-9)
	assert.InDelta(t, (4*50+2*30)/6.0, a.FreeSpeed, 1e-9)
	assert.True(t, math.IsInf(empty.RoadLength, 1))
	assert.Equal(t, 100.0, empty.FreeSpeed)
}
