package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"

	"ntm_engine/pkg/geo"
	"ntm_engine/pkg/network"
)

// carHighways lists highway tag values accessible by car.
var carHighways = map[string]bool{
	"motorway":       true,
	"motorway_link":  true,
	"trunk":          true,
	"trunk_link":     true,
	"primary":        true,
	"primary_link":   true,
	"secondary":      true,
	"secondary_link": true,
	"tertiary":       true,
	"tertiary_link":  true,
	"unclassified":   true,
	"residential":    true,
	"living_street":  true,
	"service":        true,
}

// roadClass holds the defaults for one highway value. Capacity is per lane.
type roadClass struct {
	speed     float64 // km/h
	capacity  float64 // veh/h per lane
	lanes     int
	behaviour network.Behaviour
}

var roadClasses = map[string]roadClass{
	"motorway":       {110, 2000, 2, network.Flow},
	"trunk":          {90, 1900, 2, network.Flow},
	"primary":        {60, 1800, 2, network.Road},
	"secondary":      {50, 1600, 1, network.Road},
	"tertiary":       {40, 1200, 1, network.Road},
	"unclassified":   {30, 900, 1, network.Road},
	"residential":    {30, 800, 1, network.Road},
	"living_street":  {10, 400, 1, network.Road},
	"service":        {20, 600, 1, network.Road},
	"motorway_link":  {60, 1800, 1, network.Road},
	"trunk_link":     {50, 1700, 1, network.Road},
	"primary_link":   {40, 1500, 1, network.Road},
	"secondary_link": {40, 1400, 1, network.Road},
	"tertiary_link":  {30, 1100, 1, network.Road},
}

// isCarAccessible returns true if the way is drivable by car.
func isCarAccessible(tags osm.Tags) bool {
	hw := tags.Find("highway")
	if !carHighways[hw] {
		return false
	}

	// Skip area highways (pedestrian plazas).
	if tags.Find("area") == "yes" {
		return false
	}

	access := tags.Find("access")
	if access == "no" || access == "private" {
		return false
	}
	if tags.Find("motor_vehicle") == "no" {
		return false
	}

	return true
}

// directionFlags returns (forward, backward) based on highway type and oneway tags.
func directionFlags(tags osm.Tags) (forward, backward bool) {
	forward = true
	backward = true

	hw := tags.Find("highway")

	// Implied oneway for motorways and roundabouts.
	if hw == "motorway" || hw == "motorway_link" || tags.Find("junction") == "roundabout" {
		backward = false
	}

	switch tags.Find("oneway") {
	case "yes", "true", "1":
		forward = true
		backward = false
	case "-1", "reverse":
		forward = false
		backward = true
	case "no":
		forward = true
		backward = true
	case "reversible":
		// Time-dependent, skip entirely.
		forward = false
		backward = false
	}

	return forward, backward
}

// classify returns the road class of a way with its maxspeed and lanes
// tags applied. Lanes count one direction of a two-way road.
func classify(tags osm.Tags, oneway bool) roadClass {
	c := roadClasses[tags.Find("highway")]
	if v, ok := parseMaxSpeed(tags.Find("maxspeed")); ok {
		c.speed = v
	}
	if n, err := strconv.Atoi(tags.Find("lanes")); err == nil && n > 0 {
		if !oneway {
			n = max(1, n/2)
		}
		c.lanes = n
	}
	return c
}

// parseMaxSpeed reads "50", "50 km/h" and "30 mph".
func parseMaxSpeed(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	factor := 1.0
	switch {
	case strings.HasSuffix(s, "mph"):
		factor = 1.609344
		s = strings.TrimSpace(strings.TrimSuffix(s, "mph"))
	case strings.HasSuffix(s, "km/h"):
		s = strings.TrimSpace(strings.TrimSuffix(s, "km/h"))
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v * factor, true
}

// wayInfo holds parsed way data collected during pass 1.
type wayInfo struct {
	ID       osm.WayID
	NodeIDs  []osm.NodeID
	Forward  bool
	Backward bool
	Class    roadClass
}

// BBox defines a geographic bounding box for filtering.
// If non-zero, only links with both endpoints inside the box are kept.
type BBox struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// IsZero returns true if the bbox is unset.
func (b BBox) IsZero() bool {
	return b.MinLat == 0 && b.MaxLat == 0 && b.MinLng == 0 && b.MaxLng == 0
}

// Contains returns true if the point is inside the bounding box.
func (b BBox) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// OSMOptions configures ReadOSM.
type OSMOptions struct {
	BBox   BBox // if non-zero, filter links to this bounding box
	Logger *slog.Logger
}

// ReadOSM reads an OSM PBF extract and returns one directed link per
// consecutive node pair of every car-accessible way. Points are lon/lat, so
// the dataset must be built with the geographic projection. The reader is
// consumed twice, so it must implement io.ReadSeeker.
func ReadOSM(ctx context.Context, rs io.ReadSeeker, opts OSMOptions) ([]*network.Link, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Pass 1: scan ways to collect referenced node IDs and way info.
	referenced := make(map[osm.NodeID]struct{})
	var ways []wayInfo

	scanner := osmpbf.New(ctx, rs, 1)
	scanner.SkipNodes = true
	scanner.SkipRelations = true

	for scanner.Scan() {
		w, ok := scanner.Object().(*osm.Way)
		if !ok {
			continue
		}
		if !isCarAccessible(w.Tags) || len(w.Nodes) < 2 {
			continue
		}
		fwd, bwd := directionFlags(w.Tags)
		if !fwd && !bwd {
			continue
		}

		nodeIDs := make([]osm.NodeID, len(w.Nodes))
		for i, wn := range w.Nodes {
			nodeIDs[i] = wn.ID
			referenced[wn.ID] = struct{}{}
		}
		ways = append(ways, wayInfo{
			ID:       w.ID,
			NodeIDs:  nodeIDs,
			Forward:  fwd,
			Backward: bwd,
			Class:    classify(w.Tags, !(fwd && bwd)),
		})
	}
	if err := scanner.Err(); err != nil {
		scanner.Close()
		return nil, fmt.Errorf("pass 1 (ways): %w", err)
	}
	scanner.Close()

	logger.Info("osm pass 1 complete", "ways", len(ways), "referenced_nodes", len(referenced))

	// Pass 2: scan nodes to collect coordinates for referenced nodes only.
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek for pass 2: %w", err)
	}

	coords := make(map[osm.NodeID]orb.Point, len(referenced))

	scanner = osmpbf.New(ctx, rs, 1)
	scanner.SkipWays = true
	scanner.SkipRelations = true

	for scanner.Scan() {
		n, ok := scanner.Object().(*osm.Node)
		if !ok {
			continue
		}
		if _, needed := referenced[n.ID]; !needed {
			continue
		}
		coords[n.ID] = orb.Point{n.Lon, n.Lat}
	}
	if err := scanner.Err(); err != nil {
		scanner.Close()
		return nil, fmt.Errorf("pass 2 (nodes): %w", err)
	}
	scanner.Close()

	logger.Info("osm pass 2 complete", "coordinates", len(coords))

	return linksFromWays(ways, coords, opts.BBox, logger), nil
}

// ReadOSMFile opens path and calls ReadOSM.
func ReadOSMFile(ctx context.Context, path string, opts OSMOptions) ([]*network.Link, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadOSM(ctx, f, opts)
}

func linksFromWays(ways []wayInfo, coords map[osm.NodeID]orb.Point, bbox BBox, logger *slog.Logger) []*network.Link {
	useBBox := !bbox.IsZero()
	nodes := make(map[osm.NodeID]*network.Node)
	node := func(id osm.NodeID, tag network.Behaviour) *network.Node {
		if n, ok := nodes[id]; ok {
			if tag == network.Flow {
				n.Behaviour = network.Flow
			}
			return n
		}
		n := &network.Node{ID: strconv.FormatInt(int64(id), 10), Point: coords[id], Behaviour: tag}
		nodes[id] = n
		return n
	}

	var (
		links        []*network.Link
		skipped      int
		bboxFiltered int
	)
	for _, w := range ways {
		c := w.Class
		for i := 0; i < len(w.NodeIDs)-1; i++ {
			fromID := w.NodeIDs[i]
			toID := w.NodeIDs[i+1]

			from, fromOk := coords[fromID]
			to, toOk := coords[toID]
			if !fromOk || !toOk {
				skipped++
				continue
			}

			// Bounding box filter: skip links with any endpoint outside.
			if useBBox && (!bbox.Contains(from.Lat(), from.Lon()) || !bbox.Contains(to.Lat(), to.Lon())) {
				bboxFiltered++
				continue
			}

			km := geo.Haversine(from.Lat(), from.Lon(), to.Lat(), to.Lon()) / 1000
			link := func(id string, a, b osm.NodeID, pa, pb orb.Point) *network.Link {
				return &network.Link{
					ID:        id,
					From:      node(a, c.behaviour),
					To:        node(b, c.behaviour),
					Geometry:  orb.LineString{pa, pb},
					Length:    km,
					FreeSpeed: c.speed,
					Capacity:  c.capacity * float64(c.lanes),
					Lanes:     c.lanes,
					Behaviour: c.behaviour,
				}
			}
			if w.Forward {
				links = append(links, link(fmt.Sprintf("%d:%d", w.ID, i), fromID, toID, from, to))
			}
			if w.Backward {
				links = append(links, link(fmt.Sprintf("%d:%dr", w.ID, i), toID, fromID, to, from))
			}
		}
	}

	if skipped > 0 {
		logger.Warn("skipped links with missing node coordinates", "count", skipped)
	}
	if bboxFiltered > 0 {
		logger.Info("filtered links outside bounding box", "count", bboxFiltered)
	}
	logger.Info("built directed links", "count", len(links))
	return links
}
