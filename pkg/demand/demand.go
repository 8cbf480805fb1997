// Package demand holds the origin-destination trip table and the departure
// profiles that spread it over the simulation window.
package demand

import (
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownProfile is returned when an entry names a profile that is not
// defined.
var ErrUnknownProfile = errors.New("unknown departure profile")

// Segment releases Fraction of an entry's trips uniformly over [Start, End),
// offsets measured from the window start.
type Segment struct {
	Start    time.Duration `yaml:"start" json:"start"`
	End      time.Duration `yaml:"end" json:"end"`
	Fraction float64       `yaml:"fraction" json:"fraction"`
}

// Profile is a piecewise-constant departure curve.
type Profile struct {
	Name     string    `yaml:"name" json:"name"`
	Segments []Segment `yaml:"segments" json:"segments"`
}

// Total is the fraction released over all segments.
func (p Profile) Total() float64 {
	var sum float64
	for _, s := range p.Segments {
		sum += s.Fraction
	}
	return sum
}

// Fraction is the share released in [from, to).
func (p Profile) Fraction(from, to time.Duration) float64 {
	var sum float64
	for _, s := range p.Segments {
		sum += s.Fraction * overlap(s.Start, s.End, from, to)
	}
	return sum
}

func (p Profile) validate() error {
	var errs []error
	for i, s := range p.Segments {
		if s.End <= s.Start || s.Start < 0 {
			errs = append(errs, fmt.Errorf("profile %q segment %d: bad interval [%s, %s)", p.Name, i, s.Start, s.End))
		}
		if s.Fraction < 0 {
			errs = append(errs, fmt.Errorf("profile %q segment %d: negative fraction", p.Name, i))
		}
	}
	if total := p.Total(); total > 1+1e-9 {
		errs = append(errs, fmt.Errorf("profile %q releases %g of its trips", p.Name, total))
	}
	return errors.Join(errs...)
}

// overlap returns the share of [s, e) covered by [from, to).
func overlap(s, e, from, to time.Duration) float64 {
	lo, hi := max(s, from), min(e, to)
	if hi <= lo || e <= s {
		return 0
	}
	return float64(hi-lo) / float64(e-s)
}

// Entry is one OD cell. An empty Profile spreads the trips uniformly over
// the window.
type Entry struct {
	Origin      string  `yaml:"origin" json:"origin"`
	Destination string  `yaml:"destination" json:"destination"`
	Trips       float64 `yaml:"trips" json:"trips"`
	Profile     string  `yaml:"profile,omitempty" json:"profile,omitempty"`
}

// Window is the part of the simulation in which demand is released,
// measured from the simulation start.
type Window struct {
	Start time.Duration `yaml:"start" json:"start"`
	End   time.Duration `yaml:"end" json:"end"`
}

// Length of the window.
func (w Window) Length() time.Duration { return w.End - w.Start }

// Table is the sparse OD demand of a scenario.
type Table struct {
	Window   Window    `yaml:"window" json:"window"`
	Profiles []Profile `yaml:"profiles" json:"profiles"`
	Entries  []Entry   `yaml:"trips" json:"trips"`
}

// Release is the number of trips leaving an origin for a destination in
// one step.
type Release struct {
	Origin      string
	Destination string
	Trips       float64
}

// Load reads a YAML demand table.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read demand: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse demand %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("demand %s: %w", path, err)
	}
	return &t, nil
}

// Profile looks up a profile by name.
func (t *Table) Profile(name string) (Profile, bool) {
	i := slices.IndexFunc(t.Profiles, func(p Profile) bool { return p.Name == name })
	if i < 0 {
		return Profile{}, false
	}
	return t.Profiles[i], true
}

// Validate checks the window, the profiles and every entry.
func (t *Table) Validate() error {
	var errs []error
	if t.Window.End <= t.Window.Start || t.Window.Start < 0 {
		errs = append(errs, fmt.Errorf("bad window [%s, %s)", t.Window.Start, t.Window.End))
	}
	names := make(map[string]bool, len(t.Profiles))
	for _, p := range t.Profiles {
		if names[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate profile %q", p.Name))
		}
		names[p.Name] = true
		if err := p.validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for i, e := range t.Entries {
		switch {
		case e.Origin == "" || e.Destination == "":
			errs = append(errs, fmt.Errorf("trip entry %d: origin and destination are required", i))
		case e.Trips < 0 || math.IsNaN(e.Trips) || math.IsInf(e.Trips, 0):
			errs = append(errs, fmt.Errorf("trip entry %d: trips %g", i, e.Trips))
		case e.Profile != "" && !names[e.Profile]:
			errs = append(errs, fmt.Errorf("trip entry %d: %w %q", i, ErrUnknownProfile, e.Profile))
		}
	}
	return errors.Join(errs...)
}

// Release returns the trips departing in [from, to), simulation time. scale
// gives the demand multiplier of an origin; nil means 1. Entries releasing
// nothing are omitted.
func (t *Table) Release(from, to time.Duration, scale func(origin string) float64) ([]Release, error) {
	lo, hi := max(from, t.Window.Start), min(to, t.Window.End)
	if hi <= lo {
		return nil, nil
	}
	var out []Release
	for _, e := range t.Entries {
		if e.Trips == 0 {
			continue
		}
		var frac float64
		if e.Profile == "" {
			frac = overlap(t.Window.Start, t.Window.End, lo, hi)
		} else {
			p, ok := t.Profile(e.Profile)
			if !ok {
				return nil, fmt.Errorf("%w %q", ErrUnknownProfile, e.Profile)
			}
			frac = p.Fraction(lo-t.Window.Start, hi-t.Window.Start)
		}
		if frac <= 0 {
			continue
		}
		k := 1.0
		if scale != nil {
			k = scale(e.Origin)
		}
		if trips := e.Trips * k * frac; trips > 0 {
			out = append(out, Release{Origin: e.Origin, Destination: e.Destination, Trips: trips})
		}
	}
	return out, nil
}

// Total is the number of trips the table releases over its whole window,
// unscaled.
func (t *Table) Total() float64 {
	var sum float64
	for _, e := range t.Entries {
		if e.Profile == "" {
			sum += e.Trips
			continue
		}
		if p, ok := t.Profile(e.Profile); ok {
			sum += e.Trips * p.Fraction(0, t.Window.Length())
		}
	}
	return sum
}
