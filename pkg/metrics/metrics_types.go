// Package metrics exposes build, routing and simulation counters through a
// Prometheus registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metrics for the application
type Registry struct {
	// Build Metrics
	BuildVertices    *prometheus.GaugeVec
	BuildEdges       *prometheus.GaugeVec
	BuildDiagnostics *prometheus.CounterVec

	// Routing Metrics
	RouteUnreachablePairs prometheus.Gauge
	RouteDuration         prometheus.Histogram

	// Simulation Metrics
	StepsTotal          prometheus.Counter
	StepDuration        prometheus.Histogram
	TripsDepartedTotal  prometheus.Counter
	TripsArrivedTotal   prometheus.Counter
	NetworkAccumulation prometheus.Gauge
	SimulatedSeconds    prometheus.Gauge

	registry *prometheus.Registry
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}
	r.initBuildMetrics()
	r.initRouteMetrics()
	r.initSimMetrics()
	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

func (r *Registry) initBuildMetrics() {
	r.BuildVertices = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ntm_build_vertices",
			Help: "Number of vertices per built graph",
		},
		[]string{"graph"},
	)

	r.BuildEdges = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ntm_build_edges",
			Help: "Number of edges per built graph",
		},
		[]string{"graph"},
	)

	r.BuildDiagnostics = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntm_build_diagnostics_total",
			Help: "Recoverable problems found while building the network",
		},
		[]string{"kind"},
	)
}

func (r *Registry) initRouteMetrics() {
	r.RouteUnreachablePairs = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "ntm_route_unreachable_pairs",
			Help: "Vertex and destination pairs without a route in the current table",
		},
	)

	r.RouteDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ntm_route_duration_seconds",
			Help:    "Time to compute a routing table",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)
}

func (r *Registry) initSimMetrics() {
	r.StepsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "ntm_steps_total",
			Help: "Simulation steps completed",
		},
	)

	r.StepDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ntm_step_duration_seconds",
			Help:    "Wall time of one simulation step",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	r.TripsDepartedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "ntm_trips_departed_total",
			Help: "Trips released into the network",
		},
	)

	r.TripsArrivedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "ntm_trips_arrived_total",
			Help: "Trips that reached their destination",
		},
	)

	r.NetworkAccumulation = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "ntm_network_accumulation",
			Help: "Vehicles inside the network after the last step",
		},
	)

	r.SimulatedSeconds = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "ntm_simulated_seconds",
			Help: "Simulated time after the last step",
		},
	)
}
