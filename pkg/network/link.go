package network

import (
	"math"

	"github.com/paulmach/orb"
)

// Node is a point of the physical network.
type Node struct {
	ID        string
	Point     orb.Point
	Behaviour Behaviour
}

// Link is a directed physical road section. Length is in km, FreeSpeed in
// km/h and Capacity in veh/h.
type Link struct {
	ID        string
	From, To  *Node
	Geometry  orb.LineString
	Length    float64
	FreeSpeed float64
	Capacity  float64
	Lanes     int
	Behaviour Behaviour
}

// TravelTime is the free-flow travel time in hours.
func (l *Link) TravelTime() float64 {
	if l.FreeSpeed <= 0 {
		return math.Inf(1)
	}
	return l.Length / l.FreeSpeed
}

// GraphWeight is the link-graph edge weight, free speed times length.
func (l *Link) GraphWeight() float64 {
	return l.FreeSpeed * l.Length
}

// LaneCount returns Lanes, estimating it from capacity and speed when unset.
func (l *Link) LaneCount() int {
	if l.Lanes > 0 {
		return l.Lanes
	}
	return EstimateLanes(l.Capacity, l.FreeSpeed)
}

type laneBand struct {
	minSpeed float64
	limits   [5]float64
}

var laneBands = []laneBand{
	{80, [5]float64{3000, 5000, 7000, 9000, 10500}},
	{40, [5]float64{2000, 3000, 4000, 5000, 6000}},
	{0, [5]float64{1800, 3200, 4400, 5400, 6400}},
}

// EstimateLanes maps a capacity (veh/h) to a lane count using the band
// table for the speed class (km/h).
func EstimateLanes(capacity, speed float64) int {
	for _, band := range laneBands {
		if speed < band.minSpeed {
			continue
		}
		for i, limit := range band.limits {
			if capacity < limit {
				return i + 1
			}
		}
		return len(band.limits) + 1
	}
	return 1
}
