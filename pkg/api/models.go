package api

import (
	"math"

	"ntm_engine/pkg/build"
	"ntm_engine/pkg/fd"
	"ntm_engine/pkg/sim"
	"ntm_engine/pkg/telemetry"
)

// ErrorResponse is the JSON response for errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// HealthResponse is the JSON response for GET /api/v1/health.
type HealthResponse struct {
	Status string `json:"status"`
	Run    string `json:"run"`
	Steps  int    `json:"steps"`
	Done   bool   `json:"done"`
}

// GraphStats counts the vertices and edges of one graph.
type GraphStats struct {
	Vertices int `json:"vertices"`
	Edges    int `json:"edges"`
}

// NetworkResponse is the JSON response for GET /api/v1/network.
type NetworkResponse struct {
	LinkGraph   GraphStats         `json:"link_graph"`
	AreaGraph   GraphStats         `json:"area_graph"`
	Areas       int                `json:"areas"`
	Chains      int                `json:"chains"`
	Sinks       int                `json:"sinks"`
	Diagnostics map[string]int     `json:"diagnostics"`
	Details     []build.Diagnostic `json:"details,omitempty"`
}

// RouteResponse is the JSON response for GET /api/v1/routes.
type RouteResponse struct {
	From          string   `json:"from"`
	To            string   `json:"to"`
	DistanceHours float64  `json:"distance_hours"`
	Path          []string `json:"path"`
}

// ParamsJSON is fd.Parameters with unbounded values left out.
type ParamsJSON struct {
	AccCritical1        *float64 `json:"acc_critical_1,omitempty"`
	AccCritical2        *float64 `json:"acc_critical_2,omitempty"`
	AccJam              *float64 `json:"acc_jam,omitempty"`
	FreeSpeed           float64  `json:"free_speed"`
	Capacity            float64  `json:"capacity"`
	RoadLength          *float64 `json:"road_length,omitempty"`
	MinCapacityFraction float64  `json:"min_capacity_fraction"`
}

func paramsJSON(p fd.Parameters) ParamsJSON {
	return ParamsJSON{
		AccCritical1:        finite(p.AccCritical1),
		AccCritical2:        finite(p.AccCritical2),
		AccJam:              finite(p.AccJam),
		FreeSpeed:           p.FreeSpeed,
		Capacity:            p.Capacity,
		RoadLength:          finite(p.RoadLength),
		MinCapacityFraction: p.MinCapacityFraction,
	}
}

func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

// UnitResponse is the JSON response for GET /api/v1/units/{id}.
type UnitResponse struct {
	ID     string               `json:"id"`
	Kind   string               `json:"kind"`
	Vertex string               `json:"vertex,omitempty"`
	Link   string               `json:"link,omitempty"`
	Index  int                  `json:"index"`
	Length float64              `json:"length_km,omitempty"`
	Lanes  int                  `json:"lanes,omitempty"`
	Params ParamsJSON           `json:"params"`
	Latest sim.UnitState        `json:"latest"`
	Series map[string][]float64 `json:"series"`
}

// TotalsResponse is the JSON response for GET /api/v1/totals.
type TotalsResponse struct {
	Steps        int                 `json:"steps"`
	Departed     float64             `json:"departed"`
	Arrived      float64             `json:"arrived"`
	Accumulation float64             `json:"accumulation"`
	PerStep      []telemetry.Totals  `json:"per_step,omitempty"`
	OD           []telemetry.ODTotal `json:"od"`
}
