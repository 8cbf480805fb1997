// Package config loads the YAML scenario configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"ntm_engine/pkg/demand"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// validate is a singleton validator instance
var validate = validator.New()

// Config is the full scenario configuration.
type Config struct {
	Simulation Simulation `yaml:"simulation"`
	Diagram    Diagram    `yaml:"diagram"`
	Build      Build      `yaml:"build"`
	Input      Input      `yaml:"input"`
	Demand     Demand     `yaml:"demand"`
	Output     Output     `yaml:"output"`
	Server     Server     `yaml:"server"`
	Log        Log        `yaml:"log"`
}

type Simulation struct {
	TimeStep        time.Duration `yaml:"time_step" validate:"gt=0"`
	CTMTimeStep     time.Duration `yaml:"ctm_time_step" validate:"gt=0"`
	Duration        time.Duration `yaml:"duration" validate:"gt=0"`
	RerouteInterval time.Duration `yaml:"reroute_interval" validate:"gte=0"`
}

type Diagram struct {
	MinCapacityFraction  float64 `yaml:"min_capacity_fraction" validate:"gte=0,lt=1"`
	JamDensity           float64 `yaml:"jam_density" validate:"gt=0"`
	CordonCapacityCap    float64 `yaml:"cordon_capacity_cap" validate:"gte=0"`
	BorderCapacity       float64 `yaml:"border_capacity" validate:"gte=0"`
	BorderCapacityFactor float64 `yaml:"border_capacity_factor" validate:"gt=0"`
}

type Build struct {
	Projection            string  `yaml:"projection" validate:"oneof=planar geographic"`
	MaxSearchDistance     float64 `yaml:"max_search_distance" validate:"gt=0"`
	IsolatedCandidates    int     `yaml:"isolated_candidates" validate:"gte=1"`
	DetourFactor          float64 `yaml:"detour_factor" validate:"gte=1"`
	ConnectorSpeed        float64 `yaml:"connector_speed" validate:"gt=0"`
	FlowConnectorCapacity float64 `yaml:"flow_connector_capacity" validate:"gt=0"`
	FlowLinkMinSpeed      float64 `yaml:"flow_link_min_speed" validate:"gte=0"`
	FlowLinkMinCapacity   float64 `yaml:"flow_link_min_capacity" validate:"gte=0"`
	JoinSequentialLinks   bool    `yaml:"join_sequential_links"`
}

// Input names the network files. Areas always come from GeoJSON; the road
// network comes from GeoJSON links or an OSM PBF extract.
// OSMBBox is [min_lon, min_lat, max_lon, max_lat].
type Input struct {
	Areas   string    `yaml:"areas" validate:"required"`
	Links   string    `yaml:"links" validate:"required_without=OSM"`
	OSM     string    `yaml:"osm" validate:"required_without=Links"`
	OSMBBox []float64 `yaml:"osm_bbox" validate:"omitempty,len=4"`
}

// Demand is either a separate demand file or an inline table.
type Demand struct {
	File         string `yaml:"file"`
	demand.Table `yaml:",inline"`
}

type Output struct {
	Dir string `yaml:"dir" validate:"required"`
}

type Server struct {
	Addr          string        `yaml:"addr" validate:"required"`
	ReadTimeout   time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout  time.Duration `yaml:"write_timeout" validate:"gte=0"`
	MaxConcurrent int           `yaml:"max_concurrent" validate:"gte=1"`
	CORSOrigin    string        `yaml:"cors_origin"`
}

type Log struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

// Default returns the reference settings.
func Default() *Config {
	return &Config{
		Simulation: Simulation{
			TimeStep:    10 * time.Second,
			CTMTimeStep: 10 * time.Second,
			Duration:    time.Hour,
		},
		Diagram: Diagram{
			MinCapacityFraction:  0.1,
			JamDensity:           125,
			BorderCapacity:       99999,
			BorderCapacityFactor: 1,
		},
		Build: Build{
			Projection:            "planar",
			MaxSearchDistance:     8000,
			IsolatedCandidates:    6,
			DetourFactor:          1.3,
			ConnectorSpeed:        70,
			FlowConnectorCapacity: 4000,
		},
		Output: Output{Dir: "out"},
		Server: Server{
			Addr:          ":8080",
			ReadTimeout:   5 * time.Second,
			WriteTimeout:  5 * time.Second,
			MaxConcurrent: runtime.NumCPU() * 2,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults, applies the LOG_LEVEL environment
// override and validates the result. Relative input paths are resolved
// against the directory of path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Log.Level = lvl
	}

	dir := filepath.Dir(path)
	for _, p := range []*string{&cfg.Input.Areas, &cfg.Input.Links, &cfg.Input.OSM, &cfg.Demand.File} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the inline demand table.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		errs = append(errs, formatValidationError(err))
	}
	if c.Demand.File != "" && len(c.Demand.Entries) > 0 {
		errs = append(errs, errors.New("demand: give either a file or inline trips, not both"))
	}
	if len(c.Demand.Entries) > 0 {
		if err := c.Demand.Table.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("demand: %w", err))
		}
	}
	if c.Input.OSM != "" && c.Build.Projection != "geographic" {
		errs = append(errs, errors.New("input: osm coordinates need projection geographic"))
	}
	if c.Simulation.TimeStep > 0 && c.Simulation.CTMTimeStep > 0 && c.Simulation.TimeStep > c.Simulation.CTMTimeStep {
		errs = append(errs, fmt.Errorf("simulation: time_step %s exceeds ctm_time_step %s", c.Simulation.TimeStep, c.Simulation.CTMTimeStep))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			out = append(out, fmt.Errorf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			out = append(out, fmt.Errorf("%s: failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.Join(out...)
}

// Steps is the number of simulation steps covering Duration.
func (c *Config) Steps() int {
	return int((c.Simulation.Duration + c.Simulation.TimeStep - 1) / c.Simulation.TimeStep)
}

// RerouteEvery converts the reroute interval to steps, 0 for never.
func (c *Config) RerouteEvery() int {
	if c.Simulation.RerouteInterval <= 0 {
		return 0
	}
	return max(1, int(c.Simulation.RerouteInterval/c.Simulation.TimeStep))
}
