// Package cell holds the mutable flow state of an area-graph vertex or a
// CTM cell. Behaviour is a tagged variant over NTM, Flow and Cordon that
// evaluates supply, demand and speed from its fundamental diagram.
package cell

import (
	"fmt"
	"math"

	"ntm_engine/pkg/fd"
	"ntm_engine/pkg/graph"
	"ntm_engine/pkg/network"
)

// Kind selects the Behaviour variant.
type Kind uint8

const (
	KindNTM Kind = iota
	KindFlow
	KindCordon
)

func (k Kind) String() string {
	switch k {
	case KindNTM:
		return "NTM"
	case KindFlow:
		return "FLOW"
	case KindCordon:
		return "CORDON"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// KindFor maps a behaviour tag to its variant.
func KindFor(b network.Behaviour) Kind {
	switch b {
	case network.Flow:
		return KindFlow
	case network.Cordon:
		return KindCordon
	}
	return KindNTM
}

// residual below which a per-destination accumulation is snapped to zero
const residual = 1e-12

// Behaviour is the flow state of one vertex or cell. The accumulation is
// always the sum of the per-destination accumulations.
type Behaviour struct {
	kind        Kind
	params      fd.Parameters
	capacityCap float64

	acc   float64
	speed float64
	trips map[graph.VertexID]*TripInfo
	order []graph.VertexID
}

func newBehaviour(k Kind, p fd.Parameters) *Behaviour {
	return &Behaviour{
		kind:   k,
		params: p,
		speed:  p.FreeSpeed,
		trips:  make(map[graph.VertexID]*TripInfo),
	}
}

// NewNTM returns an area behaviour.
func NewNTM(p fd.Parameters) *Behaviour { return newBehaviour(KindNTM, p) }

// NewFlow returns a cell or flow-vertex behaviour.
func NewFlow(p fd.Parameters) *Behaviour { return newBehaviour(KindFlow, p) }

// NewCordon returns a cordon behaviour whose supply is min(capacity, capacityCap).
// A non-positive cap leaves the capacity unbounded.
func NewCordon(p fd.Parameters, capacityCap float64) *Behaviour {
	b := newBehaviour(KindCordon, p)
	b.capacityCap = capacityCap
	return b
}

// ForBehaviour picks the variant from the tag.
func ForBehaviour(tag network.Behaviour, p fd.Parameters, cordonCap float64) *Behaviour {
	switch KindFor(tag) {
	case KindFlow:
		return NewFlow(p)
	case KindCordon:
		return NewCordon(p, cordonCap)
	}
	return NewNTM(p)
}

func (b *Behaviour) Kind() Kind            { return b.kind }
func (b *Behaviour) Params() fd.Parameters { return b.params }
func (b *Behaviour) Accumulation() float64 { return b.acc }
func (b *Behaviour) Speed() float64        { return b.speed }
func (b *Behaviour) Regime() fd.Regime     { return b.params.Regime(b.acc) }
func (b *Behaviour) Capacity() float64     { return b.params.Capacity }
func (b *Behaviour) CapacityCap() float64  { return b.capacityCap }

func (b *Behaviour) HasTrip(d graph.VertexID) bool {
	_, ok := b.trips[d]
	return ok
}

// Demand is the flow rate (veh/h) the unit wants to send. A cordon never
// generates demand of its own.
func (b *Behaviour) Demand() float64 {
	if b.kind == KindCordon {
		return 0
	}
	return b.params.Demand(b.acc)
}

// Supply is the flow rate (veh/h) the unit can accept.
func (b *Behaviour) Supply() float64 {
	if b.kind == KindCordon {
		if b.capacityCap > 0 {
			return math.Min(b.params.Capacity, b.capacityCap)
		}
		return b.params.Capacity
	}
	return b.params.Supply(b.acc)
}

// UpdateSpeed recomputes the current speed from the accumulation.
func (b *Behaviour) UpdateSpeed() float64 {
	if b.kind == KindCordon {
		b.speed = b.params.FreeSpeed
	} else {
		b.speed = b.params.Speed(b.acc)
	}
	return b.speed
}

// Share is the fraction of the accumulation bound for d. It is 0 when the
// unit is empty.
func (b *Behaviour) Share(d graph.VertexID) float64 {
	t, ok := b.trips[d]
	if !ok || b.acc <= 0 {
		return 0
	}
	return t.Accumulation / b.acc
}

// Trip returns the bookkeeping record for destination d.
func (b *Behaviour) Trip(d graph.VertexID) (*TripInfo, bool) {
	t, ok := b.trips[d]
	return t, ok
}

// EnsureTrip returns the record for d, creating an unrouted one if needed.
func (b *Behaviour) EnsureTrip(d graph.VertexID) *TripInfo {
	if t, ok := b.trips[d]; ok {
		return t
	}
	t := &TripInfo{Destination: d, NextHop: graph.NoVertex}
	b.trips[d] = t
	b.order = append(b.order, d)
	return t
}

// Trips returns the records in creation order.
func (b *Behaviour) Trips() []*TripInfo {
	out := make([]*TripInfo, len(b.order))
	for i, d := range b.order {
		out[i] = b.trips[d]
	}
	return out
}

// Add puts q vehicles bound for d into the unit.
func (b *Behaviour) Add(d graph.VertexID, q float64) {
	if q <= 0 {
		return
	}
	b.EnsureTrip(d).Accumulation += q
	b.acc += q
}

// Remove takes up to q vehicles bound for d out of the unit and returns the
// amount removed.
func (b *Behaviour) Remove(d graph.VertexID, q float64) float64 {
	t, ok := b.trips[d]
	if !ok || q <= 0 {
		return 0
	}
	if q > t.Accumulation {
		q = t.Accumulation
	}
	t.Accumulation -= q
	if t.Accumulation < residual {
		q += t.Accumulation
		t.Accumulation = 0
	}
	b.acc -= q
	if b.acc < residual {
		b.acc = 0
		for _, other := range b.trips {
			if other.Accumulation > 0 {
				b.acc += other.Accumulation
			}
		}
	}
	return q
}

// Depart injects q new trips bound for d.
func (b *Behaviour) Depart(d graph.VertexID, q float64) {
	if q <= 0 {
		return
	}
	b.Add(d, q)
	b.trips[d].Departed += q
}

// Arrive records q trips that reached this unit as their destination.
func (b *Behaviour) Arrive(d graph.VertexID, q float64) {
	if q <= 0 {
		return
	}
	b.EnsureTrip(d).Arrived += q
}

// Totals sums departed and arrived counters over all destinations.
func (b *Behaviour) Totals() (departed, arrived float64) {
	for _, t := range b.trips {
		departed += t.Departed
		arrived += t.Arrived
	}
	return departed, arrived
}
