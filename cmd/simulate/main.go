package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ntm_engine/pkg/config"
	"ntm_engine/pkg/logging"
	"ntm_engine/pkg/metrics"
	"ntm_engine/pkg/scenario"
)

func main() {
	configPath := flag.String("config", "", "Path to the scenario YAML file")
	outDir := flag.String("out", "", "Output directory (overrides output.dir)")
	duration := flag.Duration("duration", 0, "Simulated duration (overrides simulation.duration)")
	logEvery := flag.Int("log-every", 360, "Log progress every n steps (0 = summary only)")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: simulate --config <scenario.yaml> [--out dir] [--duration 2h] [--log-every n]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}
	if *duration > 0 {
		cfg.Simulation.Duration = *duration
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *logEvery); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, logEvery int) error {
	start := time.Now()

	// Step 1: Read network sources.
	logger.Info("Step 1: reading network sources", "areas", cfg.Input.Areas, "links", cfg.Input.Links, "osm", cfg.Input.OSM)
	ds, err := scenario.LoadDataset(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("dataset loaded", "areas", len(ds.Areas), "centroids", len(ds.Centroids), "links", len(ds.Links))

	// Step 2: Build graphs and load demand.
	logger.Info("Step 2: building link and area graphs")
	s, err := scenario.FromDataset(ds, cfg, metrics.DefaultRegistry(), logger)
	if err != nil {
		return err
	}
	logger.Info("network ready",
		"area_vertices", s.Network.AreaGraph.NumVertices(),
		"area_edges", s.Network.AreaGraph.NumEdges(),
		"chains", len(s.Network.Chains))

	// Step 3: Simulate.
	logger.Info("Step 3: simulating", "duration", cfg.Simulation.Duration, "steps", cfg.Steps())
	if err := s.Execute(ctx, logEvery); err != nil {
		return err
	}

	// Step 4: Export telemetry.
	logger.Info("Step 4: writing telemetry", "dir", cfg.Output.Dir)
	if err := s.Export(); err != nil {
		return err
	}

	logger.Info("done", "run", s.Run.ID, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
