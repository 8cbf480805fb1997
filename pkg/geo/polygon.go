package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ErrDegenerateGeometry is returned when a polygon cannot take part in a
// topology test.
var ErrDegenerateGeometry = errors.New("degenerate geometry")

const eps = 1e-12

// ValidateMultiPolygon rejects empty, unclosed, non-finite or zero-area shapes.
func ValidateMultiPolygon(mp orb.MultiPolygon) error {
	if len(mp) == 0 {
		return fmt.Errorf("%w: empty multipolygon", ErrDegenerateGeometry)
	}
	for i, poly := range mp {
		if len(poly) == 0 {
			return fmt.Errorf("%w: polygon %d has no rings", ErrDegenerateGeometry, i)
		}
		for j, ring := range poly {
			if len(ring) < 4 {
				return fmt.Errorf("%w: polygon %d ring %d has %d points", ErrDegenerateGeometry, i, j, len(ring))
			}
			if !ring.Closed() {
				return fmt.Errorf("%w: polygon %d ring %d is not closed", ErrDegenerateGeometry, i, j)
			}
			for _, p := range ring {
				if !finite(p) {
					return fmt.Errorf("%w: polygon %d ring %d has non-finite point", ErrDegenerateGeometry, i, j)
				}
			}
		}
		if planar.Area(poly[0]) == 0 {
			return fmt.Errorf("%w: polygon %d has zero area", ErrDegenerateGeometry, i)
		}
	}
	return nil
}

func finite(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) && !math.IsInf(p[0], 0) && !math.IsInf(p[1], 0)
}

// Contains reports whether p lies inside mp or on its boundary.
func Contains(mp orb.MultiPolygon, p orb.Point) bool {
	return planar.MultiPolygonContains(mp, p)
}

// Touches reports whether a and b share at least one point: overlap,
// a common edge or a single common vertex all count. The envelopes are
// compared first.
func Touches(a, b orb.MultiPolygon) (bool, error) {
	if err := ValidateMultiPolygon(a); err != nil {
		return false, err
	}
	if err := ValidateMultiPolygon(b); err != nil {
		return false, err
	}
	if !a.Bound().Intersects(b.Bound()) {
		return false, nil
	}
	if anyVertexIn(a, b) || anyVertexIn(b, a) {
		return true, nil
	}
	for _, pa := range a {
		for _, ra := range pa {
			for i := 1; i < len(ra); i++ {
				if SegmentCrosses(ra[i-1], ra[i], b) {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func anyVertexIn(a, b orb.MultiPolygon) bool {
	for _, poly := range a {
		for _, ring := range poly {
			for _, p := range ring {
				if Contains(b, p) {
					return true
				}
			}
		}
	}
	return false
}

// SegmentCrosses reports whether segment p-q meets any ring edge of mp.
func SegmentCrosses(p, q orb.Point, mp orb.MultiPolygon) bool {
	for _, poly := range mp {
		for _, ring := range poly {
			for i := 1; i < len(ring); i++ {
				if SegmentsIntersect(p, q, ring[i-1], ring[i]) {
					return true
				}
			}
		}
	}
	return false
}

// SegmentsIntersect reports whether segments p1-p2 and q1-q2 share a point.
func SegmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)

	if ((d1 > eps && d2 < -eps) || (d1 < -eps && d2 > eps)) &&
		((d3 > eps && d4 < -eps) || (d3 < -eps && d4 > eps)) {
		return true
	}
	switch {
	case math.Abs(d1) <= eps && onSegment(q1, q2, p1):
		return true
	case math.Abs(d2) <= eps && onSegment(q1, q2, p2):
		return true
	case math.Abs(d3) <= eps && onSegment(p1, p2, q1):
		return true
	case math.Abs(d4) <= eps && onSegment(p1, p2, q2):
		return true
	}
	return false
}

func orientation(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

// onSegment assumes c is collinear with a-b.
func onSegment(a, b, c orb.Point) bool {
	return math.Min(a[0], b[0])-eps <= c[0] && c[0] <= math.Max(a[0], b[0])+eps &&
		math.Min(a[1], b[1])-eps <= c[1] && c[1] <= math.Max(a[1], b[1])+eps
}

// Square returns a closed axis-aligned square polygon. It is used by tests
// and by sources that only know an envelope.
func Square(minX, minY, size float64) orb.MultiPolygon {
	return orb.MultiPolygon{{orb.Ring{
		{minX, minY}, {minX + size, minY}, {minX + size, minY + size}, {minX, minY + size}, {minX, minY},
	}}}
}
