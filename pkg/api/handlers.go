package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/samber/lo"

	"ntm_engine/pkg/build"
	"ntm_engine/pkg/graph"
	"ntm_engine/pkg/routing"
	"ntm_engine/pkg/telemetry"
)

// Progress reports the routing state of a running scenario.
type Progress interface {
	Routes() *routing.Table
	Done() bool
}

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	net      *build.Network
	run      *telemetry.Run
	progress Progress
}

// NewHandlers creates handlers reading from a built network and its run.
func NewHandlers(net *build.Network, run *telemetry.Run, progress Progress) *Handlers {
	return &Handlers{
		net:      net,
		run:      run,
		progress: progress,
	}
}

// HandleHealth handles GET /api/v1/health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{
		Status: "ok",
		Run:    h.run.ID.String(),
		Steps:  h.run.Steps(),
		Done:   h.progress.Done(),
	})
}

// HandleNetwork handles GET /api/v1/network. Diagnostic details are
// included with ?details=true.
func (h *Handlers) HandleNetwork(w http.ResponseWriter, r *http.Request) {
	resp := NetworkResponse{
		LinkGraph:   GraphStats{Vertices: h.net.LinkGraph.NumVertices(), Edges: h.net.LinkGraph.NumEdges()},
		AreaGraph:   GraphStats{Vertices: h.net.AreaGraph.NumVertices(), Edges: h.net.AreaGraph.NumEdges()},
		Areas:       len(h.net.Areas),
		Chains:      len(h.net.Chains),
		Sinks:       len(h.net.Sinks()),
		Diagnostics: make(map[string]int),
	}
	for kind, n := range h.net.DiagnosticCounts() {
		resp.Diagnostics[string(kind)] = n
	}
	if r.URL.Query().Get("details") == "true" {
		resp.Details = h.net.Diagnostics
	}
	writeJSON(w, resp)
}

// HandleRoutes handles GET /api/v1/routes?from=&to=.
func (h *Handlers) HandleRoutes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fromKey, toKey := q.Get("from"), q.Get("to")
	if fromKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "from")
		return
	}
	if toKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "to")
		return
	}
	from, ok := h.net.Resolve(fromKey)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_vertex", "from")
		return
	}
	to, ok := h.net.Resolve(toKey)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_vertex", "to")
		return
	}

	table := h.progress.Routes()
	if table == nil {
		writeError(w, http.StatusServiceUnavailable, "not_routed", "")
		return
	}
	path, err := table.Path(from, to)
	if err != nil {
		if errors.Is(err, routing.ErrNoRoute) {
			writeError(w, http.StatusNotFound, "no_route_found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	writeJSON(w, RouteResponse{
		From:          fromKey,
		To:            toKey,
		DistanceHours: table.Distance(from, to),
		Path: lo.Map(path, func(v graph.VertexID, _ int) string {
			return h.net.Node(v).Key
		}),
	})
}

// HandleUnit handles GET /api/v1/units/{id}. ?series=speed,supply limits
// the series returned; all are returned by default.
func (h *Handlers) HandleUnit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := h.run.Unit(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_unit", "id")
		return
	}

	series := telemetry.AllSeries
	if raw := r.URL.Query().Get("series"); raw != "" {
		series = nil
		for _, name := range strings.Split(raw, ",") {
			s, err := telemetry.ParseSeries(strings.TrimSpace(name))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_series", "series")
				return
			}
			series = append(series, s)
		}
	}

	latest, err := h.run.Latest(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_unit", "id")
		return
	}
	resp := UnitResponse{
		ID:     info.ID,
		Kind:   info.Kind,
		Vertex: info.Vertex,
		Link:   info.Link,
		Index:  info.Index,
		Length: info.Length,
		Lanes:  info.Lanes,
		Params: paramsJSON(info.Params),
		Latest: latest,
		Series: make(map[string][]float64, len(series)),
	}
	for _, s := range series {
		values, err := h.run.Series(id, s)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "")
			return
		}
		resp.Series[s.String()] = values
	}
	writeJSON(w, resp)
}

// HandleTotals handles GET /api/v1/totals. Per-step rows are included
// with ?per_step=true.
func (h *Handlers) HandleTotals(w http.ResponseWriter, r *http.Request) {
	rows := h.run.Totals()
	resp := TotalsResponse{
		Steps:    len(rows),
		Departed: lo.SumBy(rows, func(t telemetry.Totals) float64 { return t.Departed }),
		Arrived:  lo.SumBy(rows, func(t telemetry.Totals) float64 { return t.Arrived }),
		OD:       h.run.OD(),
	}
	if len(rows) > 0 {
		resp.Accumulation = rows[len(rows)-1].Accumulation
	}
	if r.URL.Query().Get("per_step") == "true" {
		resp.PerStep = rows
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, field string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: code, Field: field})
}
