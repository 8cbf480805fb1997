package cell

import "ntm_engine/pkg/graph"

// TripInfo is the per-destination bookkeeping of one unit.
type TripInfo struct {
	Destination  graph.VertexID
	Accumulation float64
	// NextHop is the area-graph neighbour trips leave towards, NoVertex
	// while the destination is unrouted.
	NextHop  graph.VertexID
	Departed float64
	Arrived  float64
	// Shares splits outflow over tied neighbours. Empty means all flow
	// goes to NextHop.
	Shares []RouteShare
}

// RouteShare is the fraction of outflow sent to one neighbour.
type RouteShare struct {
	Neighbor graph.VertexID
	Fraction float64
}

// Routed reports whether a next hop is known.
func (t *TripInfo) Routed() bool {
	return t.NextHop != graph.NoVertex
}

// Targets returns the neighbours and fractions outflow is split over.
func (t *TripInfo) Targets() []RouteShare {
	if len(t.Shares) > 0 {
		return t.Shares
	}
	if !t.Routed() {
		return nil
	}
	return []RouteShare{{Neighbor: t.NextHop, Fraction: 1}}
}
