// Package geo holds the distance and polygon predicates used while
// building the area graph.
package geo

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

const (
	earthRadiusMeters = 6_371_000.0
	metersPerDegree   = math.Pi / 180 * earthRadiusMeters
)

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1r := lat1 * math.Pi / 180
	lat2r := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1r)*math.Cos(lat2r)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// Projection tells how point coordinates are to be interpreted.
type Projection uint8

const (
	// Planar coordinates are metres in a projected reference system.
	Planar Projection = iota
	// Geographic coordinates are longitude (X) and latitude (Y) in degrees.
	Geographic
)

func (p Projection) String() string {
	if p == Geographic {
		return "geographic"
	}
	return "planar"
}

// ParseProjection accepts "planar" or "geographic".
func ParseProjection(s string) (Projection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "planar":
		return Planar, nil
	case "geographic", "wgs84":
		return Geographic, nil
	}
	return Planar, fmt.Errorf("unknown projection %q", s)
}

// Distance returns the distance in meters between a and b.
func (p Projection) Distance(a, b orb.Point) float64 {
	if p == Geographic {
		return Haversine(a.Y(), a.X(), b.Y(), b.X())
	}
	return planar.Distance(a, b)
}

// LineLength returns the length in meters of ls.
func (p Projection) LineLength(ls orb.LineString) float64 {
	var total float64
	for i := 1; i < len(ls); i++ {
		total += p.Distance(ls[i-1], ls[i])
	}
	return total
}

// Pad grows b by meters on every side.
func (p Projection) Pad(b orb.Bound, meters float64) orb.Bound {
	if p == Planar {
		return b.Pad(meters)
	}
	dLat := meters / metersPerDegree
	lat := (b.Min.Y() + b.Max.Y()) / 2
	cos := math.Cos(lat * math.Pi / 180)
	if cos < 1e-6 {
		cos = 1e-6
	}
	dLon := meters / (metersPerDegree * cos)
	return orb.Bound{
		Min: orb.Point{b.Min.X() - dLon, b.Min.Y() - dLat},
		Max: orb.Point{b.Max.X() + dLon, b.Max.Y() + dLat},
	}
}
