package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntm_engine/pkg/demand"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

const minimal = `
input:
  areas: areas.geojson
  links: /data/links.geojson
`

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, minimal+`
simulation:
  time_step: 5s
  duration: 30m
build:
  projection: geographic
demand:
  window: {start: 0s, end: 15m}
  trips:
    - {origin: A, destination: B, trips: 100}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Simulation.TimeStep)
	assert.Equal(t, 10*time.Second, cfg.Simulation.CTMTimeStep, "default kept")
	assert.Equal(t, "geographic", cfg.Build.Projection)
	assert.Equal(t, 8000.0, cfg.Build.MaxSearchDistance)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "areas.geojson"), cfg.Input.Areas)
	assert.Equal(t, "/data/links.geojson", cfg.Input.Links)
	assert.Len(t, cfg.Demand.Entries, 1)
	assert.Equal(t, 360, cfg.Steps())
	assert.Zero(t, cfg.RerouteEvery())
}

func TestLoadLogLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	_, err := Load(writeConfig(t, minimal+"simulation:\n  timestep: 5s\n"))
	assert.ErrorContains(t, err, "timestep")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no areas", func(c *Config) { c.Input.Areas = "" }, "Areas"},
		{"no road network", func(c *Config) { c.Input.Links = "" }, "Links"},
		{"bad projection", func(c *Config) { c.Build.Projection = "mercator" }, "Projection"},
		{"floor out of range", func(c *Config) { c.Diagram.MinCapacityFraction = 1 }, "MinCapacityFraction"},
		{"zero step", func(c *Config) { c.Simulation.TimeStep = 0 }, "TimeStep"},
		{"step longer than cell step", func(c *Config) { c.Simulation.TimeStep = time.Minute }, "exceeds ctm_time_step"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "Level"},
		{"osm on planar", func(c *Config) { c.Input.OSM = "city.pbf" }, "projection geographic"},
		{"short bbox", func(c *Config) { c.Input.OSMBBox = []float64{1, 2} }, "OSMBBox"},
		{"file and inline demand", func(c *Config) {
			c.Demand.File = "d.yaml"
			c.Demand.Window.End = time.Hour
			c.Demand.Entries = append(c.Demand.Entries, demand.Entry{Origin: "A", Destination: "B", Trips: 1})
		}, "either a file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Input.Areas = "a.geojson"
			cfg.Input.Links = "l.geojson"
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalid)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRerouteEvery(t *testing.T) {
	cfg := Default()
	cfg.Simulation.RerouteInterval = 5 * time.Minute
	assert.Equal(t, 30, cfg.RerouteEvery())
	cfg.Simulation.RerouteInterval = time.Second
	assert.Equal(t, 1, cfg.RerouteEvery())
}
