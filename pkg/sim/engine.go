// Package sim advances the flow state of a built network one time step at
// a time. Every step reads a snapshot of all units before any unit is
// changed, so the result does not depend on the order units are visited.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"ntm_engine/pkg/build"
	"ntm_engine/pkg/cell"
	"ntm_engine/pkg/ctm"
	"ntm_engine/pkg/demand"
	"ntm_engine/pkg/graph"
	"ntm_engine/pkg/network"
	"ntm_engine/pkg/routing"
)

// ErrUnknownVertex is returned for an origin or destination that is not a
// vertex of the area graph.
var ErrUnknownVertex = errors.New("unknown vertex")

// Options controls the step engine.
type Options struct {
	TimeStep time.Duration
	// BorderCapacity bounds NTM to NTM transfers (veh/h), 0 for none.
	BorderCapacity float64
	BorderFactor   float64
	// RerouteEvery recomputes routes with congested weights every n
	// steps, 0 routes once.
	RerouteEvery int
}

// DefaultOptions matches the reference model.
func DefaultOptions() Options {
	return Options{
		TimeStep:       10 * time.Second,
		BorderCapacity: 99999,
		BorderFactor:   1,
	}
}

// unit is one area-graph vertex or one FlowCell.
type unit struct {
	id     string
	cell   *cell.Behaviour
	vertex graph.VertexID // NoVertex for cells
	chain  *ctm.Chain
	index  int
}

type transfer struct {
	src, dst int
	dest     graph.VertexID
	edge     graph.EdgeID
	amount   float64
	arrive   bool
	intra    bool
}

type pair struct {
	from, to graph.VertexID
}

// Engine runs the flow propagation over a network.
type Engine struct {
	net    *build.Network
	opts   Options
	logger *slog.Logger
	router *routing.Router
	table  *routing.Table
	demand *demand.Table

	units  []unit
	heads  map[graph.EdgeID]int
	limits []float64 // per area-graph edge, veh/h, 0 when unbounded

	observers []Observer
	onRoute   []func(*routing.Table, time.Duration)
	warned    map[pair]bool

	step     int
	now      time.Duration
	released []ODFlow
	departed float64
	arrived  float64
	reported [2]float64 // departed, arrived as of the last report

	// scratch, reused between steps
	supply    []float64
	demandNow []float64
	recvReq   []float64
	edgeReq   map[graph.EdgeID]float64
	transfers []transfer
}

// NewEngine prepares an engine over net. Routing runs on the first step.
func NewEngine(net *build.Network, opts Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TimeStep <= 0 {
		return nil, fmt.Errorf("time step %s must be positive", opts.TimeStep)
	}
	if opts.BorderFactor <= 0 {
		opts.BorderFactor = 1
	}
	if cs := net.Options().CTM.TimeStep; len(net.Chains) > 0 && cs > 0 && opts.TimeStep > cs {
		logger.Warn("time step longer than cell step", "step", opts.TimeStep, "cell_step", cs)
	}

	e := &Engine{
		net:     net,
		opts:    opts,
		logger:  logger,
		router:  routing.NewRouter(logger),
		heads:   make(map[graph.EdgeID]int),
		warned:  make(map[pair]bool),
		edgeReq: make(map[graph.EdgeID]float64),
	}
	for _, bn := range net.Nodes {
		e.units = append(e.units, unit{id: "v:" + bn.Key, cell: bn.Cell, vertex: bn.Vertex})
	}
	g := net.AreaGraph
	e.limits = make([]float64, g.NumEdges())
	for _, edge := range g.Edges() {
		chain, ok := net.Chains[edge.ID]
		if !ok {
			e.limits[edge.ID] = e.edgeLimit(edge)
			continue
		}
		e.heads[edge.ID] = len(e.units)
		for _, fc := range chain.Cells {
			e.units = append(e.units, unit{
				id:     fmt.Sprintf("c:%s#%d", chain.Link.ID, fc.Index),
				cell:   fc.Cell,
				vertex: graph.NoVertex,
				chain:  chain,
				index:  fc.Index,
			})
		}
	}
	n := len(e.units)
	e.supply = make([]float64, n)
	e.demandNow = make([]float64, n)
	e.recvReq = make([]float64, n)
	return e, nil
}

func (e *Engine) edgeLimit(edge graph.Edge) float64 {
	limit := edge.Capacity
	from, to := e.net.Node(edge.From), e.net.Node(edge.To)
	if e.opts.BorderCapacity > 0 && from.Behaviour == network.NTM && to.Behaviour == network.NTM {
		border := e.opts.BorderCapacity * e.opts.BorderFactor
		if limit <= 0 || border < limit {
			limit = border
		}
	}
	return limit
}

// AddObserver registers o for every following step.
func (e *Engine) AddObserver(o Observer) { e.observers = append(e.observers, o) }

// OnRoute registers fn to be called with every new routing table and the
// time it took to compute.
func (e *Engine) OnRoute(fn func(*routing.Table, time.Duration)) {
	e.onRoute = append(e.onRoute, fn)
}

// Network returns the network the engine runs on.
func (e *Engine) Network() *build.Network { return e.net }

// Table returns the current routing table, nil before the first step.
func (e *Engine) Table() *routing.Table { return e.table }

// StepCount is the number of completed steps.
func (e *Engine) StepCount() int { return e.step }

// Now is the simulated time.
func (e *Engine) Now() time.Duration { return e.now }

// Totals returns the cumulative departures and arrivals.
func (e *Engine) Totals() (departed, arrived float64) { return e.departed, e.arrived }

// Accumulation is the number of vehicles inside the network.
func (e *Engine) Accumulation() float64 {
	var sum float64
	for _, u := range e.units {
		sum += u.cell.Accumulation()
	}
	return sum
}

// Units describes every unit in report order.
func (e *Engine) Units() []UnitInfo {
	out := make([]UnitInfo, len(e.units))
	for i, u := range e.units {
		info := UnitInfo{ID: u.id, Kind: u.cell.Kind().String(), Index: u.index, Params: u.cell.Params()}
		if u.chain != nil {
			fc := u.chain.Cells[u.index]
			info.Link, info.Length, info.Lanes = u.chain.Link.ID, fc.Length, fc.Lanes
		} else {
			info.Vertex = e.net.AreaGraph.Vertex(u.vertex).Key
		}
		out[i] = info
	}
	return out
}

// SetDemand attaches an OD table. Every origin and destination must
// resolve to an area-graph vertex and every destination must be a sink.
func (e *Engine) SetDemand(t *demand.Table) error {
	var errs []error
	for _, entry := range t.Entries {
		if _, err := e.resolve(entry.Origin); err != nil {
			errs = append(errs, fmt.Errorf("origin: %w", err))
		}
		d, err := e.resolve(entry.Destination)
		if err != nil {
			errs = append(errs, fmt.Errorf("destination: %w", err))
			continue
		}
		if !e.net.Node(d).Behaviour.IsSink() {
			errs = append(errs, fmt.Errorf("destination %q is a %s vertex", entry.Destination, e.net.Node(d).Behaviour))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	e.demand = t
	return nil
}

func (e *Engine) resolve(key string) (graph.VertexID, error) {
	v, ok := e.net.Resolve(key)
	if !ok {
		return graph.NoVertex, fmt.Errorf("%w %q", ErrUnknownVertex, key)
	}
	return v, nil
}

// Inject departs trips from origin to destination immediately. They are
// reported with the next step.
func (e *Engine) Inject(origin, destination string, trips float64) error {
	o, err := e.resolve(origin)
	if err != nil {
		return err
	}
	d, err := e.resolve(destination)
	if err != nil {
		return err
	}
	if !e.net.Node(d).Behaviour.IsSink() {
		return fmt.Errorf("inject %q -> %q: destination is a %s vertex", origin, destination, e.net.Node(d).Behaviour)
	}
	if trips < 0 || math.IsNaN(trips) || math.IsInf(trips, 0) {
		return fmt.Errorf("inject %q -> %q: trips %g", origin, destination, trips)
	}
	e.depart(o, d, trips)
	return nil
}

func (e *Engine) depart(o, d graph.VertexID, trips float64) {
	if trips <= 0 {
		return
	}
	e.net.Node(o).Cell.Depart(d, trips)
	e.departed += trips
	e.released = append(e.released, ODFlow{
		Origin:      e.net.Node(o).Key,
		Destination: e.net.Node(d).Key,
		Trips:       trips,
	})
}

// Reroute recomputes the routing table. A nil w uses static weights.
func (e *Engine) Reroute(ctx context.Context, w graph.WeightFunc) error {
	start := time.Now()
	t, err := e.router.Route(ctx, e.net, w)
	if err != nil {
		return fmt.Errorf("route: %w", err)
	}
	e.table = t
	took := time.Since(start)
	for _, fn := range e.onRoute {
		fn(t, took)
	}
	return nil
}

// Run advances n steps, stopping early when ctx is done.
func (e *Engine) Run(ctx context.Context, n int) error {
	for range n {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Step advances the network by one time step.
func (e *Engine) Step(ctx context.Context) (*StepReport, error) {
	start := time.Now()
	switch {
	case e.table == nil:
		if err := e.Reroute(ctx, nil); err != nil {
			return nil, err
		}
	case e.opts.RerouteEvery > 0 && e.step%e.opts.RerouteEvery == 0:
		if err := e.Reroute(ctx, routing.CongestedWeights(e.net)); err != nil {
			return nil, err
		}
	}

	if err := e.release(); err != nil {
		return nil, err
	}

	dt := e.opts.TimeStep.Hours()
	for i, u := range e.units {
		e.supply[i] = u.cell.Supply()
		e.demandNow[i] = u.cell.Demand()
	}
	e.transfers = e.transfers[:0]
	for i := range e.units {
		e.plan(i, dt)
	}
	flux := e.commit(dt)
	for _, u := range e.units {
		u.cell.UpdateSpeed()
	}

	e.step++
	e.now += e.opts.TimeStep
	r := &StepReport{
		Step:     e.step,
		Time:     e.now,
		Units:    e.states(),
		Flux:     flux,
		Released: e.released,
		Departed: e.departed - e.reported[0],
		Arrived:  e.arrived - e.reported[1],
	}
	e.released = nil
	e.reported = [2]float64{e.departed, e.arrived}
	for _, s := range r.Units {
		r.Accumulation += s.Accumulation
	}
	r.Elapsed = time.Since(start)
	for _, o := range e.observers {
		o.Observe(r)
	}
	return r, nil
}

func (e *Engine) release() error {
	if e.demand == nil {
		return nil
	}
	scale := func(origin string) float64 {
		v, ok := e.net.Resolve(origin)
		if !ok {
			return 1
		}
		if a := e.net.Node(v).Area; a != nil {
			return a.Scale()
		}
		return 1
	}
	rel, err := e.demand.Release(e.now, e.now+e.opts.TimeStep, scale)
	if err != nil {
		return fmt.Errorf("release demand: %w", err)
	}
	for _, r := range rel {
		o, err := e.resolve(r.Origin)
		if err != nil {
			return err
		}
		d, err := e.resolve(r.Destination)
		if err != nil {
			return err
		}
		e.depart(o, d, r.Trips)
	}
	return nil
}

// plan records the transfers unit i wants to make this step.
func (e *Engine) plan(i int, dt float64) {
	u := &e.units[i]
	acc := u.cell.Accumulation()
	if acc <= 0 {
		return
	}
	for _, tr := range u.cell.Trips() {
		q := tr.Accumulation
		if q <= 0 {
			continue
		}
		d := tr.Destination
		if u.vertex == d {
			e.transfers = append(e.transfers, transfer{src: i, dst: i, dest: d, edge: graph.NoEdge, amount: q, intra: true})
			continue
		}

		var send float64
		switch {
		case u.chain == nil && u.cell.Kind() == cell.KindFlow:
			send = q
		case u.cell.Kind() == cell.KindCordon:
			send = math.Min(acc, e.supply[i]*dt) * q / acc
		default:
			send = e.demandNow[i] * dt * q / acc
		}
		send = math.Min(send, q)
		if send <= 0 {
			continue
		}

		if u.chain != nil {
			dst := int(u.chain.To)
			if u.index < len(u.chain.Cells)-1 {
				dst = i + 1
			}
			e.push(i, dst, d, graph.NoEdge, send)
			continue
		}
		targets := tr.Targets()
		if len(targets) == 0 {
			e.warnUnrouted(u.vertex, d, "no route")
			continue
		}
		for _, s := range targets {
			id, ok := e.net.AreaGraph.FindEdge(u.vertex, s.Neighbor)
			if !ok {
				e.warnUnrouted(u.vertex, d, "next hop is not a neighbour")
				continue
			}
			if head, ok := e.heads[id]; ok {
				e.push(i, head, d, graph.NoEdge, send*s.Fraction)
			} else {
				e.push(i, int(s.Neighbor), d, id, send*s.Fraction)
			}
		}
	}
}

func (e *Engine) push(src, dst int, d graph.VertexID, edge graph.EdgeID, amount float64) {
	if amount <= 0 {
		return
	}
	e.transfers = append(e.transfers, transfer{
		src:    src,
		dst:    dst,
		dest:   d,
		edge:   edge,
		amount: amount,
		arrive: e.units[dst].vertex == d,
	})
}

func (e *Engine) warnUnrouted(v, d graph.VertexID, reason string) {
	k := pair{v, d}
	if e.warned[k] {
		return
	}
	e.warned[k] = true
	g := e.net.AreaGraph
	e.logger.Warn("skipping unrouted trips", "vertex", g.Vertex(v).Key, "destination", g.Vertex(d).Key, "reason", reason)
}

// commit scales every transfer by the receiver and edge ratios and moves
// the vehicles.
func (e *Engine) commit(dt float64) []Flux {
	clear(e.recvReq)
	clear(e.edgeReq)
	for _, t := range e.transfers {
		if t.intra {
			continue
		}
		e.recvReq[t.dst] += t.amount
		if t.edge != graph.NoEdge && e.limits[t.edge] > 0 {
			e.edgeReq[t.edge] += t.amount
		}
	}

	var flux []Flux
	fluxAt := make(map[[2]int]int)
	for _, t := range e.transfers {
		src := e.units[t.src].cell
		if t.intra {
			moved := src.Remove(t.dest, t.amount)
			src.Arrive(t.dest, moved)
			e.arrived += moved
			continue
		}

		ratio := 1.0
		if req := e.recvReq[t.dst]; req > 0 {
			ratio = math.Min(ratio, e.supply[t.dst]*dt/req)
		}
		if req := e.edgeReq[t.edge]; t.edge != graph.NoEdge && req > 0 {
			ratio = math.Min(ratio, e.limits[t.edge]*dt/req)
		}
		moved := src.Remove(t.dest, t.amount*ratio)
		if moved <= 0 {
			continue
		}
		dst := e.units[t.dst].cell
		if t.arrive {
			dst.Arrive(t.dest, moved)
			e.arrived += moved
		} else {
			dst.Add(t.dest, moved)
		}

		k := [2]int{t.src, t.dst}
		j, ok := fluxAt[k]
		if !ok {
			j = len(flux)
			fluxAt[k] = j
			flux = append(flux, Flux{From: e.units[t.src].id, To: e.units[t.dst].id})
		}
		flux[j].Trips += moved
	}
	return flux
}

func (e *Engine) states() []UnitState {
	out := make([]UnitState, len(e.units))
	for i, u := range e.units {
		dep, arr := u.cell.Totals()
		out[i] = UnitState{
			ID:           u.id,
			Accumulation: u.cell.Accumulation(),
			Speed:        u.cell.Speed(),
			Demand:       u.cell.Demand(),
			Supply:       u.cell.Supply(),
			Departed:     dep,
			Arrived:      arr,
			Regime:       u.cell.Regime().String(),
		}
	}
	return out
}
