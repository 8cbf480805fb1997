package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ntm_engine/pkg/api"
	"ntm_engine/pkg/config"
	"ntm_engine/pkg/logging"
	"ntm_engine/pkg/metrics"
	"ntm_engine/pkg/scenario"
)

func main() {
	configPath := flag.String("config", "", "Path to the scenario YAML file")
	addr := flag.String("addr", "", "Listen address (overrides server.addr)")
	corsOrigin := flag.String("cors-origin", "", "CORS allowed origin (empty = same-origin)")
	export := flag.Bool("export", true, "Write telemetry tables when the run finishes")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: server --config <scenario.yaml> [--addr :8080] [--cors-origin origin]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *corsOrigin != "" {
		cfg.Server.CORSOrigin = *corsOrigin
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	reg := metrics.DefaultRegistry()
	s, err := scenario.New(ctx, cfg, reg, logger)
	if err != nil {
		logger.Error("failed to prepare scenario", "error", err)
		os.Exit(1)
	}
	logger.Info("scenario ready", "run", s.Run.ID, "took", time.Since(start).Round(time.Millisecond))

	// The run proceeds in the background; the API reads whatever has been
	// recorded so far.
	go func() {
		if err := s.Execute(ctx, 0); err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("simulation failed", "error", err)
			}
			return
		}
		if *export {
			if err := s.Export(); err != nil {
				logger.Error("export failed", "error", err)
			}
		}
	}()

	srvCfg := api.ServerConfig{
		Addr:          cfg.Server.Addr,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		MaxConcurrent: cfg.Server.MaxConcurrent,
		CORSOrigin:    cfg.Server.CORSOrigin,
		Logger:        logger,
	}
	handlers := api.NewHandlers(s.Network, s.Run, s)
	srv := api.NewServer(srvCfg, handlers, reg.Handler())

	if err := api.ListenAndServe(ctx, srv, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
