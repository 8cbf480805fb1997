package sim

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntm_engine/pkg/build"
	"ntm_engine/pkg/demand"
	"ntm_engine/pkg/geo"
	"ntm_engine/pkg/graph"
	"ntm_engine/pkg/network"
)

var quiet = slog.New(slog.DiscardHandler)

type fixture struct {
	nodes map[string]*network.Node
	ds    *network.Dataset
}

func newFixture() *fixture {
	return &fixture{nodes: make(map[string]*network.Node), ds: &network.Dataset{}}
}

func (f *fixture) area(id string, minX, capacity float64) {
	f.ds.Areas = append(f.ds.Areas, &network.Area{
		ID:         id,
		Geometry:   geo.Square(minX, 0, 1000),
		Behaviour:  network.NTM,
		FreeSpeed:  50,
		Capacity:   capacity,
		RoadLength: 5,
	})
	c := &network.Node{ID: id, Point: orb.Point{minX + 500, 500}, Behaviour: network.Centroid}
	f.ds.Centroids = append(f.ds.Centroids, c)
	f.nodes[id] = c
}

func (f *fixture) node(id string, x, y float64) {
	f.nodes[id] = &network.Node{ID: id, Point: orb.Point{x, y}}
}

func (f *fixture) link(id, from, to string, km, speed, capacity float64, b network.Behaviour) {
	f.ds.Links = append(f.ds.Links, &network.Link{
		ID:        id,
		From:      f.nodes[from],
		To:        f.nodes[to],
		Length:    km,
		FreeSpeed: speed,
		Capacity:  capacity,
		Behaviour: b,
	})
}

func (f *fixture) twoWay(id, from, to string, km float64) {
	f.link(id, from, to, km, 50, 1000, network.Road)
	f.link(id+"r", to, from, km, 50, 1000, network.Road)
}

// twoAreas is A (2000 veh/h) touching B (1500 veh/h), joined by one road.
func twoAreas() *fixture {
	f := newFixture()
	f.area("A", 0, 2000)
	f.area("B", 1000, 1500)
	f.node("n1", 900, 500)
	f.node("n2", 1100, 500)
	f.twoWay("a1", "A", "n1", 0.4)
	f.twoWay("ab", "n1", "n2", 0.2)
	f.twoWay("b1", "n2", "B", 0.4)
	return f
}

// corridor adds a motorway h1 -> h2 from A to B.
func (f *fixture) corridor() *fixture {
	f.node("h1", 600, 900)
	f.node("h2", 1400, 900)
	f.node("n5", 550, 850)
	f.node("n6", 1450, 850)
	f.link("f1", "h1", "h2", 0.8, 100, 4000, network.Flow)
	f.link("in", "n5", "h1", 0.1, 50, 1000, network.Road)
	f.link("out", "h2", "n6", 0.1, 50, 1000, network.Road)
	return f
}

func newEngine(t *testing.T, f *fixture, opts Options, logger *slog.Logger) *Engine {
	t.Helper()
	if logger == nil {
		logger = quiet
	}
	net, err := build.Build(f.ds, build.DefaultOptions(), logger)
	require.NoError(t, err)
	e, err := NewEngine(net, opts, logger)
	require.NoError(t, err)
	return e
}

func TestEndToEndTwoAreas(t *testing.T) {
	e := newEngine(t, twoAreas(), DefaultOptions(), nil)
	require.NoError(t, e.Inject("A", "B", 100))
	require.NoError(t, e.Run(context.Background(), 2000))

	departed, arrived := e.Totals()
	assert.Equal(t, 100.0, departed)
	assert.InDelta(t, 100, arrived, 1e-6)
	assert.InDelta(t, 0, e.Accumulation(), 1e-6)

	b, _ := e.Network().CentroidOf("B")
	_, arrivedAtB := e.Network().Node(b).Cell.Totals()
	assert.InDelta(t, 100, arrivedAtB, 1e-6)
	a, _ := e.Network().CentroidOf("A")
	departedFromA, _ := e.Network().Node(a).Cell.Totals()
	assert.Equal(t, 100.0, departedFromA)
}

func TestFirstStepFollowsFundamentalDiagram(t *testing.T) {
	e := newEngine(t, twoAreas(), DefaultOptions(), nil)
	require.NoError(t, e.Inject("A", "B", 100))
	r, err := e.Step(context.Background())
	require.NoError(t, err)

	// A holds 100 of c1 = 200: demand 1000 veh/h for 10 s.
	want := 1000.0 * 10 / 3600
	assert.InDelta(t, want, r.Arrived, 1e-9)
	assert.Equal(t, 100.0, r.Departed)
	assert.Equal(t, []ODFlow{{Origin: "A", Destination: "B", Trips: 100}}, r.Released)
	require.Len(t, r.Flux, 1)
	assert.Equal(t, Flux{From: "v:A", To: "v:B", Trips: r.Arrived}, r.Flux[0])
	assert.InDelta(t, 100-want, r.Accumulation, 1e-9)
	assert.Equal(t, 1, e.StepCount())
	assert.Equal(t, 10*time.Second, e.Now())
}

func TestBorderCapacityBoundsTransfer(t *testing.T) {
	opts := DefaultOptions()
	opts.BorderCapacity = 360 // one vehicle per 10 s step
	e := newEngine(t, twoAreas(), opts, nil)
	require.NoError(t, e.Inject("A", "B", 100))

	r, err := e.Step(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1, r.Arrived, 1e-9)
}

func TestFlowCorridorCarriesTrips(t *testing.T) {
	f := newFixture()
	f.area("A", 0, 2000)
	f.area("B", 1000, 1500)
	f.corridor()
	e := newEngine(t, f, DefaultOptions(), nil)
	require.NotEmpty(t, e.Network().Chains)

	var cellPeak float64
	e.AddObserver(ObserverFunc(func(r *StepReport) {
		for _, u := range r.Units {
			if strings.HasPrefix(u.ID, "c:f1#") {
				cellPeak = math.Max(cellPeak, u.Accumulation)
			}
		}
	}))
	require.NoError(t, e.Inject("A", "B", 50))
	require.NoError(t, e.Run(context.Background(), 1500))

	_, arrived := e.Totals()
	assert.InDelta(t, 50, arrived, 1e-6)
	assert.Greater(t, cellPeak, 0.0, "trips should pass through the motorway cells")

	ids := make([]string, 0)
	for _, u := range e.Units() {
		if u.Link == "f1" {
			ids = append(ids, u.ID)
			assert.InDelta(t, 0.4, u.Length, 1e-12)
		}
	}
	assert.Equal(t, []string{"c:f1#0", "c:f1#1"}, ids)
}

func TestUnroutedTripsAreSkipped(t *testing.T) {
	f := twoAreas()
	f.area("Z", 50000, 1000)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	e := newEngine(t, f, DefaultOptions(), logger)

	require.NoError(t, e.Inject("A", "Z", 10))
	require.NoError(t, e.Run(context.Background(), 5))

	_, arrived := e.Totals()
	assert.Zero(t, arrived)
	assert.InDelta(t, 10, e.Accumulation(), 1e-12)
	assert.Equal(t, 1, strings.Count(buf.String(), "skipping unrouted trips"))
}

func TestIntraZonalTripsArriveImmediately(t *testing.T) {
	e := newEngine(t, twoAreas(), DefaultOptions(), nil)
	require.NoError(t, e.Inject("A", "A", 5))
	r, err := e.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5.0, r.Arrived)
	assert.Zero(t, r.Accumulation)
	assert.Empty(t, r.Flux)
}

// A jams at 625 vehicles (125 veh/km over 5 lane-km). Demand is 0 from
// there on, so the origin never empties.
func TestOriginAboveJamStaysLocked(t *testing.T) {
	e := newEngine(t, twoAreas(), DefaultOptions(), nil)
	require.NoError(t, e.Inject("A", "B", 1000))
	require.NoError(t, e.Run(context.Background(), 30))

	departed, arrived := e.Totals()
	assert.Equal(t, 1000.0, departed)
	assert.Zero(t, arrived)
	a, _ := e.Network().CentroidOf("A")
	c := e.Network().Node(a).Cell
	assert.Equal(t, 1000.0, c.Accumulation())
	assert.Zero(t, c.Demand())
}

func TestInjectErrors(t *testing.T) {
	f := twoAreas().corridor()
	e := newEngine(t, f, DefaultOptions(), nil)
	assert.ErrorIs(t, e.Inject("nowhere", "B", 1), ErrUnknownVertex)
	assert.ErrorIs(t, e.Inject("A", "nowhere", 1), ErrUnknownVertex)
	assert.ErrorContains(t, e.Inject("A", "h1", 1), "FLOW")
	assert.Error(t, e.Inject("A", "B", math.NaN()))
}

func TestDemandRelease(t *testing.T) {
	e := newEngine(t, twoAreas(), DefaultOptions(), nil)
	tbl := &demand.Table{
		Window:  demand.Window{End: 10 * time.Minute},
		Entries: []demand.Entry{{Origin: "A", Destination: "B", Trips: 60}},
	}
	require.NoError(t, e.SetDemand(tbl))

	r, err := e.Step(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1, r.Departed, 1e-9)

	require.NoError(t, e.Run(context.Background(), 99))
	departed, _ := e.Totals()
	assert.InDelta(t, 60, departed, 1e-9)
}

func TestDemandScaledByOriginArea(t *testing.T) {
	f := twoAreas()
	f.ds.Areas[0].DemandScale = 2
	e := newEngine(t, f, DefaultOptions(), nil)
	require.NoError(t, e.SetDemand(&demand.Table{
		Window:  demand.Window{End: time.Minute},
		Entries: []demand.Entry{{Origin: "A", Destination: "B", Trips: 6}},
	}))
	require.NoError(t, e.Run(context.Background(), 6))
	departed, _ := e.Totals()
	assert.InDelta(t, 12, departed, 1e-9)
}

func TestSetDemandRejectsUnknownVertex(t *testing.T) {
	e := newEngine(t, twoAreas(), DefaultOptions(), nil)
	err := e.SetDemand(&demand.Table{
		Window:  demand.Window{End: time.Minute},
		Entries: []demand.Entry{{Origin: "A", Destination: "Q", Trips: 1}},
	})
	assert.ErrorIs(t, err, ErrUnknownVertex)
}

func TestRerouteEveryStep(t *testing.T) {
	opts := DefaultOptions()
	opts.RerouteEvery = 1
	e := newEngine(t, twoAreas().corridor(), opts, nil)
	require.NoError(t, e.Inject("A", "B", 300))
	require.NoError(t, e.Run(context.Background(), 50))
	require.NotNil(t, e.Table())
	departed, arrived := e.Totals()
	assert.InDelta(t, departed, arrived+e.Accumulation(), 1e-6)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEngine(t, twoAreas(), DefaultOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Run(ctx, 10), context.Canceled)
	assert.Zero(t, e.StepCount())
}

func TestNewEngineRejectsZeroStep(t *testing.T) {
	net, err := build.Build(twoAreas().ds, build.DefaultOptions(), quiet)
	require.NoError(t, err)
	_, err = NewEngine(net, Options{}, quiet)
	assert.Error(t, err)
}

// unitsBalance checks every unit against the step's flux: the change in
// accumulation is inflow minus outflow plus new departures minus arrivals.
func unitsBalance(prev map[string]UnitState, r *StepReport) bool {
	in := make(map[string]float64)
	out := make(map[string]float64)
	for _, fl := range r.Flux {
		out[fl.From] += fl.Trips
		in[fl.To] += fl.Trips
	}
	for _, u := range r.Units {
		p := prev[u.ID]
		want := p.Accumulation + in[u.ID] - out[u.ID] + (u.Departed - p.Departed) - (u.Arrived - p.Arrived)
		if math.Abs(u.Accumulation-want) > 1e-6 {
			return false
		}
		prev[u.ID] = u
	}
	return true
}

// tripsBalance checks that each unit's per-destination accumulations sum
// to its total, and that for every destination the vehicles still in the
// network equal departures minus arrivals.
func tripsBalance(e *Engine) bool {
	open := make(map[graph.VertexID]float64)
	for _, u := range e.units {
		var sum float64
		for _, tr := range u.cell.Trips() {
			sum += tr.Accumulation
			open[tr.Destination] += tr.Departed - tr.Arrived - tr.Accumulation
		}
		if math.Abs(sum-u.cell.Accumulation()) > 1e-6 {
			return false
		}
	}
	for _, v := range open {
		if math.Abs(v) > 1e-6 {
			return false
		}
	}
	return true
}

func TestStepConservationProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("vehicles are conserved per unit and per destination and never negative", prop.ForAll(
		func(ab, ba float64, steps int) bool {
			e := newEngine(t, twoAreas().corridor(), DefaultOptions(), nil)
			if e.Inject("A", "B", ab) != nil || e.Inject("B", "A", ba) != nil {
				return false
			}
			var before float64
			prev := make(map[string]UnitState)
			for range steps {
				r, err := e.Step(context.Background())
				if err != nil {
					return false
				}
				if math.Abs(r.Accumulation-(before+r.Departed-r.Arrived)) > 1e-6 {
					return false
				}
				before = r.Accumulation
				if !unitsBalance(prev, r) || !tripsBalance(e) {
					return false
				}
				for _, u := range r.Units {
					if u.Accumulation < 0 || u.Demand < 0 || u.Supply < 0 || u.Departed < 0 || u.Arrived < 0 {
						return false
					}
				}
				for _, fl := range r.Flux {
					if fl.Trips < 0 {
						return false
					}
				}
			}
			departed, arrived := e.Totals()
			return math.Abs(departed-arrived-e.Accumulation()) <= 1e-6
		},
		gen.Float64Range(0, 3000),
		gen.Float64Range(0, 3000),
		gen.IntRange(1, 120),
	))

	properties.TestingRun(t)
}
