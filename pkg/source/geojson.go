// Package source reads network datasets: area polygons and road links from
// GeoJSON, or the road network from an OSM PBF extract.
package source

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"ntm_engine/pkg/fd"
	"ntm_engine/pkg/geo"
	"ntm_engine/pkg/network"
)

// ErrGeometry is returned for a feature whose geometry has the wrong type.
var ErrGeometry = errors.New("unexpected geometry")

// ReadAreas decodes a FeatureCollection of Polygon or MultiPolygon areas.
// Every area gets a centroid node: the `centroid` property when present,
// the polygon centroid otherwise.
func ReadAreas(r io.Reader) ([]*network.Area, []*network.Node, error) {
	fc, err := readCollection(r)
	if err != nil {
		return nil, nil, err
	}

	var (
		areas     []*network.Area
		centroids []*network.Node
		errs      []error
	)
	for i, f := range fc.Features {
		a, c, err := areaFromFeature(f)
		if err != nil {
			errs = append(errs, fmt.Errorf("area feature %d: %w", i, err))
			continue
		}
		areas = append(areas, a)
		centroids = append(centroids, c)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}
	return areas, centroids, nil
}

func areaFromFeature(f *geojson.Feature) (*network.Area, *network.Node, error) {
	var mp orb.MultiPolygon
	switch g := f.Geometry.(type) {
	case orb.Polygon:
		mp = orb.MultiPolygon{g}
	case orb.MultiPolygon:
		mp = g
	default:
		return nil, nil, fmt.Errorf("%w: %T", ErrGeometry, f.Geometry)
	}

	p := props{Properties: f.Properties}
	id := p.id("id", featureID(f))
	if id == "" {
		return nil, nil, errors.New("missing id")
	}
	tag, err := network.ParseBehaviour(p.str("behaviour", network.NTM.String()))
	if err != nil {
		return nil, nil, fmt.Errorf("area %q: %w", id, err)
	}
	if !tag.IsSink() {
		return nil, nil, fmt.Errorf("area %q: behaviour %s is not an area behaviour", id, tag)
	}

	a := &network.Area{
		ID:          id,
		Name:        p.str("name", ""),
		Geometry:    mp,
		Behaviour:   tag,
		FreeSpeed:   p.float("free_speed", 0),
		RoadLength:  p.float("road_length", 0),
		Capacity:    p.float("capacity", 0),
		DemandScale: p.float("demand_scale", 1),
	}
	if acc, ok := p.floats("acc_critical"); ok {
		if len(acc) != 3 {
			return nil, nil, fmt.Errorf("area %q: acc_critical needs 3 values, got %d", id, len(acc))
		}
		a.Params = fd.Parameters{
			AccCritical1: acc[0],
			AccCritical2: acc[1],
			AccJam:       acc[2],
		}
	}

	if xy, ok := p.floats("centroid"); ok && len(xy) == 2 {
		a.Centroid = orb.Point{xy[0], xy[1]}
	} else {
		a.Centroid, _ = planar.CentroidArea(mp)
	}
	if p.err != nil {
		return nil, nil, fmt.Errorf("area %q: %w", id, p.err)
	}
	c := &network.Node{
		ID:        p.id("centroid_id", id),
		Point:     a.Centroid,
		Behaviour: network.Centroid,
	}
	return a, c, nil
}

// ReadLinks decodes a FeatureCollection of LineString links. Endpoint nodes
// are shared by id; a node first seen on a FLOW link is tagged FLOW. A
// missing `length` is measured along the geometry with proj.
func ReadLinks(r io.Reader, proj geo.Projection) ([]*network.Link, error) {
	fc, err := readCollection(r)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*network.Node)
	node := func(id string, p orb.Point, tag network.Behaviour) *network.Node {
		if n, ok := nodes[id]; ok {
			return n
		}
		n := &network.Node{ID: id, Point: p}
		if tag == network.Flow {
			n.Behaviour = network.Flow
		}
		nodes[id] = n
		return n
	}

	var (
		links []*network.Link
		errs  []error
	)
	for i, f := range fc.Features {
		ls, ok := f.Geometry.(orb.LineString)
		if !ok || len(ls) < 2 {
			errs = append(errs, fmt.Errorf("link feature %d: %w: %T", i, ErrGeometry, f.Geometry))
			continue
		}
		p := props{Properties: f.Properties}
		id := p.id("id", featureID(f))
		from, to := p.id("from", ""), p.id("to", "")
		if id == "" || from == "" || to == "" {
			errs = append(errs, fmt.Errorf("link feature %d: id, from and to are required", i))
			continue
		}
		tag, err := network.ParseBehaviour(p.str("behaviour", ""))
		if err != nil {
			errs = append(errs, fmt.Errorf("link %q: %w", id, err))
			continue
		}
		length := p.float("length", -1)
		if length < 0 {
			length = proj.LineLength(ls) / 1000
		}
		l := &network.Link{
			ID:        id,
			Geometry:  ls,
			Length:    length,
			FreeSpeed: p.float("free_speed", 0),
			Capacity:  p.float("capacity", 0),
			Lanes:     int(p.float("lanes", 0)),
			Behaviour: tag,
		}
		if p.err != nil {
			errs = append(errs, fmt.Errorf("link %q: %w", id, p.err))
			continue
		}
		l.From = node(from, ls[0], tag)
		l.To = node(to, ls[len(ls)-1], tag)
		links = append(links, l)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return links, nil
}

// ReadAreasFile opens path and calls ReadAreas.
func ReadAreasFile(path string) ([]*network.Area, []*network.Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ReadAreas(f)
}

// ReadLinksFile opens path and calls ReadLinks.
func ReadLinksFile(path string, proj geo.Projection) ([]*network.Link, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadLinks(f, proj)
}

func readCollection(r io.Reader) (*geojson.FeatureCollection, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}
	return fc, nil
}

// props reads typed feature properties, keeping the first type error.
type props struct {
	geojson.Properties
	err error
}

// id accepts string and integral numeric values.
func (p *props) id(key, def string) string {
	switch v := p.Properties[key].(type) {
	case string:
		return v
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return def
}

func (p *props) str(key, def string) string {
	switch v := p.Properties[key].(type) {
	case nil:
		return def
	case string:
		return v
	default:
		p.fail(key, v)
		return def
	}
}

func (p *props) float(key string, def float64) float64 {
	switch v := p.Properties[key].(type) {
	case nil:
		return def
	case float64:
		return v
	default:
		p.fail(key, v)
		return def
	}
}

func (p *props) floats(key string) ([]float64, bool) {
	raw, ok := p.Properties[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		f, ok := v.(float64)
		if !ok {
			p.fail(key, v)
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func (p *props) fail(key string, v interface{}) {
	if p.err == nil {
		p.err = fmt.Errorf("property %q has type %T", key, v)
	}
}

func featureID(f *geojson.Feature) string {
	switch v := f.ID.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}
