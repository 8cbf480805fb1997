package network

import (
	"github.com/paulmach/orb"

	"ntm_engine/pkg/fd"
	"ntm_engine/pkg/geo"
)

// Area is a polygonal zone aggregated into one NTM (or cordon) unit.
type Area struct {
	ID        string
	Name      string
	Geometry  orb.MultiPolygon
	Centroid  orb.Point
	Behaviour Behaviour

	FreeSpeed   float64 // km/h
	RoadLength  float64 // lane-km, 0 when it must be computed from links
	Capacity    float64 // veh/h
	DemandScale float64
	Params      fd.Parameters

	touching []*Area
}

// Bound is the envelope of the area geometry.
func (a *Area) Bound() orb.Bound {
	return a.Geometry.Bound()
}

// Contains reports whether p lies inside the area or on its border.
func (a *Area) Contains(p orb.Point) bool {
	return geo.Contains(a.Geometry, p)
}

// AddTouching records o as adjacent. It reports false when o is a itself or
// was already recorded.
func (a *Area) AddTouching(o *Area) bool {
	if o == nil || o == a || a.IsTouching(o) {
		return false
	}
	a.touching = append(a.touching, o)
	return true
}

// IsTouching reports whether o is in the touching set.
func (a *Area) IsTouching(o *Area) bool {
	for _, t := range a.touching {
		if t == o {
			return true
		}
	}
	return false
}

// Touching returns the touching set in insertion order.
func (a *Area) Touching() []*Area {
	out := make([]*Area, len(a.touching))
	copy(out, a.touching)
	return out
}

// Scale is the demand scaling factor, 1 when unset.
func (a *Area) Scale() float64 {
	if a.DemandScale <= 0 {
		return 1
	}
	return a.DemandScale
}

// DefaultCriticalDensity is used when an area supplies neither capacity nor
// breakpoints (veh per lane-km).
const DefaultCriticalDensity = 25.0

// DeriveParams fills Params unless explicit breakpoints were given.
// Capacity falls back to the value implied by the first critical
// accumulation, then to DefaultCriticalDensity.
func (a *Area) DeriveParams(jamDensity, minCapacityFraction float64) {
	if a.FreeSpeed <= 0 {
		a.FreeSpeed = 100
	}
	if !a.Params.IsZero() {
		p := a.Params
		if p.FreeSpeed <= 0 {
			p.FreeSpeed = a.FreeSpeed
		}
		if p.RoadLength <= 0 {
			p.RoadLength = a.RoadLength
		}
		if p.Capacity <= 0 {
			p.Capacity = a.Capacity
		}
		if p.Capacity <= 0 && p.RoadLength > 0 {
			p.Capacity = p.AccCritical1 * p.FreeSpeed / p.RoadLength
		}
		if p.MinCapacityFraction <= 0 {
			p.MinCapacityFraction = minCapacityFraction
		}
		a.Params = p
		return
	}
	capacity := a.Capacity
	if capacity <= 0 {
		capacity = DefaultCriticalDensity * a.FreeSpeed
	}
	p := fd.Derive(a.FreeSpeed, capacity, a.RoadLength, jamDensity)
	if minCapacityFraction > 0 {
		p.MinCapacityFraction = minCapacityFraction
	}
	a.Params = p
}
