package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ntm_engine/pkg/build"
	"ntm_engine/pkg/routing"
	"ntm_engine/pkg/sim"
)

// RecordBuild records graph sizes and diagnostics of a finished build
func (r *Registry) RecordBuild(net *build.Network) {
	r.BuildVertices.WithLabelValues("link").Set(float64(net.LinkGraph.NumVertices()))
	r.BuildEdges.WithLabelValues("link").Set(float64(net.LinkGraph.NumEdges()))
	r.BuildVertices.WithLabelValues("area").Set(float64(net.AreaGraph.NumVertices()))
	r.BuildEdges.WithLabelValues("area").Set(float64(net.AreaGraph.NumEdges()))
	for kind, n := range net.DiagnosticCounts() {
		r.BuildDiagnostics.WithLabelValues(string(kind)).Add(float64(n))
	}
}

// RecordRoute records a routing pass
func (r *Registry) RecordRoute(t *routing.Table, duration time.Duration) {
	r.RouteUnreachablePairs.Set(float64(t.Unreachable()))
	r.RouteDuration.Observe(duration.Seconds())
}

// Observe implements sim.Observer.
func (r *Registry) Observe(rep *sim.StepReport) {
	r.StepsTotal.Inc()
	r.StepDuration.Observe(rep.Elapsed.Seconds())
	r.TripsDepartedTotal.Add(rep.Departed)
	r.TripsArrivedTotal.Add(rep.Arrived)
	r.NetworkAccumulation.Set(rep.Accumulation)
	r.SimulatedSeconds.Set(rep.Time.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
