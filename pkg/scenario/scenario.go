// Package scenario wires a configuration to a running simulation: it reads
// the network sources, builds the graphs, loads the demand and attaches the
// telemetry and metrics observers to the engine.
package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"ntm_engine/pkg/build"
	"ntm_engine/pkg/config"
	"ntm_engine/pkg/ctm"
	"ntm_engine/pkg/demand"
	"ntm_engine/pkg/geo"
	"ntm_engine/pkg/metrics"
	"ntm_engine/pkg/network"
	"ntm_engine/pkg/routing"
	"ntm_engine/pkg/sim"
	"ntm_engine/pkg/source"
	"ntm_engine/pkg/telemetry"
)

// Scenario is one configured run.
type Scenario struct {
	Config  *config.Config
	Network *build.Network
	Engine  *sim.Engine
	Run     *telemetry.Run
	Metrics *metrics.Registry

	logger *slog.Logger
	table  atomic.Pointer[routing.Table]
	done   atomic.Bool
}

// BuildOptions maps the configuration onto builder options.
func BuildOptions(cfg *config.Config) (build.Options, error) {
	proj, err := geo.ParseProjection(cfg.Build.Projection)
	if err != nil {
		return build.Options{}, err
	}
	b, d := cfg.Build, cfg.Diagram
	return build.Options{
		Projection:            proj,
		MaxSearchDistance:     b.MaxSearchDistance,
		IsolatedCandidates:    b.IsolatedCandidates,
		DetourFactor:          b.DetourFactor,
		ConnectorSpeed:        b.ConnectorSpeed,
		FlowConnectorCapacity: b.FlowConnectorCapacity,
		CordonCapacityCap:     d.CordonCapacityCap,
		JamDensity:            d.JamDensity,
		MinCapacityFraction:   d.MinCapacityFraction,
		FlowLinkMinSpeed:      b.FlowLinkMinSpeed,
		FlowLinkMinCapacity:   b.FlowLinkMinCapacity,
		JoinSequentialLinks:   b.JoinSequentialLinks,
		CTM: ctm.Options{
			TimeStep:            cfg.Simulation.CTMTimeStep,
			JamDensity:          d.JamDensity,
			MinCapacityFraction: d.MinCapacityFraction,
		},
	}, nil
}

// EngineOptions maps the configuration onto step engine options.
func EngineOptions(cfg *config.Config) sim.Options {
	return sim.Options{
		TimeStep:       cfg.Simulation.TimeStep,
		BorderCapacity: cfg.Diagram.BorderCapacity,
		BorderFactor:   cfg.Diagram.BorderCapacityFactor,
		RerouteEvery:   cfg.RerouteEvery(),
	}
}

// LoadDataset reads the areas and the road network named by cfg.Input.
func LoadDataset(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*network.Dataset, error) {
	areas, centroids, err := source.ReadAreasFile(cfg.Input.Areas)
	if err != nil {
		return nil, fmt.Errorf("areas %s: %w", cfg.Input.Areas, err)
	}
	ds := &network.Dataset{Areas: areas, Centroids: centroids}

	if cfg.Input.OSM != "" {
		opts := source.OSMOptions{Logger: logger}
		if bb := cfg.Input.OSMBBox; len(bb) == 4 {
			opts.BBox = source.BBox{MinLng: bb[0], MinLat: bb[1], MaxLng: bb[2], MaxLat: bb[3]}
		}
		ds.Links, err = source.ReadOSMFile(ctx, cfg.Input.OSM, opts)
		if err != nil {
			return nil, fmt.Errorf("osm %s: %w", cfg.Input.OSM, err)
		}
		return ds, nil
	}

	proj, err := geo.ParseProjection(cfg.Build.Projection)
	if err != nil {
		return nil, err
	}
	ds.Links, err = source.ReadLinksFile(cfg.Input.Links, proj)
	if err != nil {
		return nil, fmt.Errorf("links %s: %w", cfg.Input.Links, err)
	}
	return ds, nil
}

// LoadDemand returns the demand file or the inline table, nil when neither
// holds any trips.
func LoadDemand(cfg *config.Config) (*demand.Table, error) {
	if cfg.Demand.File != "" {
		return demand.Load(cfg.Demand.File)
	}
	if len(cfg.Demand.Entries) == 0 {
		return nil, nil
	}
	t := cfg.Demand.Table
	return &t, nil
}

// New reads and builds everything cfg describes. A nil reg uses the
// default metrics registry.
func New(ctx context.Context, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (*Scenario, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ds, err := LoadDataset(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("dataset loaded", "areas", len(ds.Areas), "links", len(ds.Links))
	return FromDataset(ds, cfg, reg, logger)
}

// FromDataset builds a scenario over an already loaded dataset.
func FromDataset(ds *network.Dataset, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (*Scenario, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}

	opts, err := BuildOptions(cfg)
	if err != nil {
		return nil, err
	}
	net, err := build.Build(ds, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	reg.RecordBuild(net)

	eng, err := sim.NewEngine(net, EngineOptions(cfg), logger)
	if err != nil {
		return nil, err
	}
	tbl, err := LoadDemand(cfg)
	if err != nil {
		return nil, fmt.Errorf("demand: %w", err)
	}
	if tbl != nil {
		if err := eng.SetDemand(tbl); err != nil {
			return nil, fmt.Errorf("demand: %w", err)
		}
		logger.Info("demand loaded", "entries", len(tbl.Entries), "trips", tbl.Total())
	}

	s := &Scenario{
		Config:  cfg,
		Network: net,
		Engine:  eng,
		Run:     telemetry.NewRun(eng.Units()),
		Metrics: reg,
		logger:  logger,
	}
	eng.AddObserver(s.Run)
	eng.AddObserver(reg)
	eng.OnRoute(reg.RecordRoute)
	eng.OnRoute(func(t *routing.Table, _ time.Duration) { s.table.Store(t) })
	return s, nil
}

// Routes returns the most recent routing table, nil before the first step.
func (s *Scenario) Routes() *routing.Table { return s.table.Load() }

// Done reports whether Execute finished all steps.
func (s *Scenario) Done() bool { return s.done.Load() }

// Execute runs the configured number of steps. Progress is logged every
// logEvery steps; 0 logs only the summary.
func (s *Scenario) Execute(ctx context.Context, logEvery int) error {
	steps := s.Config.Steps()
	s.logger.Info("simulation started", "run", s.Run.ID, "steps", steps, "time_step", s.Config.Simulation.TimeStep)
	start := time.Now()
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep, err := s.Engine.Step(ctx)
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		if logEvery > 0 && rep.Step%logEvery == 0 {
			s.logger.Info("progress",
				"step", rep.Step,
				"time", rep.Time,
				"accumulation", rep.Accumulation,
				"departed", rep.Departed,
				"arrived", rep.Arrived)
		}
	}
	s.done.Store(true)
	departed, arrived := s.Engine.Totals()
	s.logger.Info("simulation finished",
		"steps", steps,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"departed", departed,
		"arrived", arrived,
		"in_network", s.Engine.Accumulation())
	return nil
}

// Export writes the telemetry tables to the configured output directory.
func (s *Scenario) Export() error {
	dir := s.Config.Output.Dir
	if err := s.Run.WriteCSV(dir); err != nil {
		return fmt.Errorf("export %s: %w", dir, err)
	}
	s.logger.Info("telemetry written", "dir", dir, "units", len(s.Run.Units()), "steps", s.Run.Steps())
	return nil
}
