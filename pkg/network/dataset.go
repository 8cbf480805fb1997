package network

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"ntm_engine/pkg/geo"
)

// Dataset is what a network data source hands to the graph builder.
type Dataset struct {
	Areas     []*Area
	Centroids []*Node
	Links     []*Link
}

// Validate checks identifiers and link records. It does not look at
// geometry; degenerate polygons are handled per pair during the build.
func (d *Dataset) Validate() error {
	var errs []error
	areas := make(map[string]bool, len(d.Areas))
	for i, a := range d.Areas {
		switch {
		case a == nil:
			errs = append(errs, fmt.Errorf("area %d is nil", i))
			continue
		case a.ID == "":
			errs = append(errs, fmt.Errorf("area %d has no id", i))
		case areas[a.ID]:
			errs = append(errs, fmt.Errorf("duplicate area id %q", a.ID))
		}
		areas[a.ID] = true
	}
	links := make(map[string]bool, len(d.Links))
	for i, l := range d.Links {
		switch {
		case l == nil:
			errs = append(errs, fmt.Errorf("link %d is nil", i))
			continue
		case l.From == nil || l.To == nil:
			errs = append(errs, fmt.Errorf("link %q has a missing endpoint", l.ID))
		case links[l.ID]:
			errs = append(errs, fmt.Errorf("duplicate link id %q", l.ID))
		case l.Length < 0 || math.IsNaN(l.Length):
			errs = append(errs, fmt.Errorf("link %q has length %g", l.ID, l.Length))
		case l.FreeSpeed <= 0:
			errs = append(errs, fmt.Errorf("link %q has free speed %g", l.ID, l.FreeSpeed))
		}
		links[l.ID] = true
	}
	return errors.Join(errs...)
}

// Clone copies the areas, centroids and links so a build can fill in
// parameters and touching sets without writing to d. Nodes shared between
// links and centroids stay shared in the copy. Geometry is not copied.
func (d *Dataset) Clone() *Dataset {
	nodes := make(map[*Node]*Node)
	node := func(n *Node) *Node {
		if n == nil {
			return nil
		}
		if c, ok := nodes[n]; ok {
			return c
		}
		c := *n
		nodes[n] = &c
		return &c
	}

	out := &Dataset{
		Areas:     make([]*Area, len(d.Areas)),
		Centroids: make([]*Node, len(d.Centroids)),
		Links:     make([]*Link, len(d.Links)),
	}
	for i, a := range d.Areas {
		if a == nil {
			continue
		}
		c := *a
		c.touching = nil
		out.Areas[i] = &c
	}
	for i, n := range d.Centroids {
		out.Centroids[i] = node(n)
	}
	for i, l := range d.Links {
		if l == nil {
			continue
		}
		c := *l
		c.From, c.To = node(l.From), node(l.To)
		out.Links[i] = &c
	}
	return out
}

// Nodes returns the distinct link endpoints in first-seen order.
func (d *Dataset) Nodes() []*Node {
	seen := make(map[string]bool)
	var nodes []*Node
	for _, l := range d.Links {
		for _, n := range [2]*Node{l.From, l.To} {
			if !seen[n.ID] {
				seen[n.ID] = true
				nodes = append(nodes, n)
			}
		}
	}
	return nodes
}

// ClassifyFlowLinks retags fast, high-capacity ROAD links as FLOW and their
// endpoints likewise, unless an endpoint is a centroid or cordon node.
// It returns the number of links retagged.
func ClassifyFlowLinks(links []*Link, minSpeed, minCapacity float64) int {
	if minSpeed <= 0 && minCapacity <= 0 {
		return 0
	}
	var n int
	for _, l := range links {
		if l.Behaviour != Road || l.FreeSpeed < minSpeed || l.Capacity <= minCapacity {
			continue
		}
		l.Behaviour = Flow
		for _, node := range [2]*Node{l.From, l.To} {
			if node.Behaviour == Road {
				node.Behaviour = Flow
			}
		}
		n++
	}
	return n
}

// AssignRoadLength computes lane-km and the lane-km weighted free speed for
// every area whose RoadLength is unset. A link counts fully when both
// endpoints are inside and for half when it only reaches into the area.
// Areas without any road get +Inf length and 100 km/h.
func AssignRoadLength(areas []*Area, links []*Link) {
	for _, a := range areas {
		if a.RoadLength > 0 {
			continue
		}
		var laneKm, speedSum float64
		for _, l := range links {
			if l.Behaviour == Flow {
				continue
			}
			covers := coverage(a, l)
			if covers == 0 {
				continue
			}
			lk := covers * l.Length * float64(l.LaneCount())
			laneKm += lk
			speedSum += lk * l.FreeSpeed
		}
		if laneKm == 0 {
			a.RoadLength = math.Inf(1)
			a.FreeSpeed = 100
			continue
		}
		a.RoadLength = laneKm
		if a.FreeSpeed <= 0 {
			a.FreeSpeed = speedSum / laneKm
		}
	}
}

func coverage(a *Area, l *Link) float64 {
	from, to := l.From.Point, l.To.Point
	if !overlapsBound(a.Bound(), from, to) {
		return 0
	}
	inFrom, inTo := a.Contains(from), a.Contains(to)
	switch {
	case inFrom && inTo:
		return 1
	case inFrom || inTo:
		return 0.5
	case geo.SegmentCrosses(from, to, a.Geometry):
		return 0.5
	}
	return 0
}

func overlapsBound(b orb.Bound, from, to orb.Point) bool {
	minX, maxX := math.Min(from[0], to[0]), math.Max(from[0], to[0])
	minY, maxY := math.Min(from[1], to[1]), math.Max(from[1], to[1])
	return maxX >= b.Min[0] && minX <= b.Max[0] && maxY >= b.Min[1] && minY <= b.Max[1]
}
