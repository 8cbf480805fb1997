// Package telemetry records the per-step output of a simulation run and
// exports it as tables.
package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"ntm_engine/pkg/sim"
)

// ErrUnknownUnit is returned for a unit id that is not part of the run.
var ErrUnknownUnit = errors.New("unknown unit")

// Series selects one per-unit quantity.
type Series int

const (
	Accumulation Series = iota
	Speed
	Demand
	Supply
	Departed
	Arrived
)

var seriesNames = [...]string{"accumulation", "speed", "demand", "supply", "departed", "arrived"}

// AllSeries lists every per-unit series in export order.
var AllSeries = []Series{Accumulation, Speed, Demand, Supply, Departed, Arrived}

func (s Series) String() string {
	if s >= 0 && int(s) < len(seriesNames) {
		return seriesNames[s]
	}
	return fmt.Sprintf("Series(%d)", int(s))
}

// ParseSeries maps a series name to its value.
func ParseSeries(name string) (Series, error) {
	i := slices.Index(seriesNames[:], name)
	if i < 0 {
		return 0, fmt.Errorf("unknown series %q", name)
	}
	return Series(i), nil
}

func (s Series) of(u sim.UnitState) float64 {
	switch s {
	case Accumulation:
		return u.Accumulation
	case Speed:
		return u.Speed
	case Demand:
		return u.Demand
	case Supply:
		return u.Supply
	case Departed:
		return u.Departed
	case Arrived:
		return u.Arrived
	}
	return 0
}

// Totals is the network-wide summary of one step.
type Totals struct {
	Step         int           `json:"step"`
	Time         time.Duration `json:"time"`
	Departed     float64       `json:"departed"`
	Arrived      float64       `json:"arrived"`
	Accumulation float64       `json:"accumulation"`
}

// FluxRow is one flux entry of one step.
type FluxRow struct {
	Step int `json:"step"`
	sim.Flux
}

// ODTotal is the cumulative number of trips released for an OD pair.
type ODTotal struct {
	Origin      string  `json:"origin"`
	Destination string  `json:"destination"`
	Trips       float64 `json:"trips"`
}

// Run collects the reports of one simulation run. It is safe to read while
// the engine is still writing to it.
type Run struct {
	ID      uuid.UUID
	Started time.Time

	mu     sync.RWMutex
	units  []sim.UnitInfo
	index  map[string]int
	steps  []*sim.StepReport
	totals []Totals
	flux   []FluxRow
	od     map[[2]string]int
	odRows []ODTotal
}

// NewRun starts a run over the given units.
func NewRun(units []sim.UnitInfo) *Run {
	r := &Run{
		ID:      uuid.New(),
		Started: time.Now(),
		units:   units,
		index:   make(map[string]int, len(units)),
		od:      make(map[[2]string]int),
	}
	for i, u := range units {
		r.index[u.ID] = i
	}
	return r
}

// Observe implements sim.Observer.
func (r *Run) Observe(rep *sim.StepReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, rep)
	r.totals = append(r.totals, Totals{
		Step:         rep.Step,
		Time:         rep.Time,
		Departed:     rep.Departed,
		Arrived:      rep.Arrived,
		Accumulation: rep.Accumulation,
	})
	for _, f := range rep.Flux {
		r.flux = append(r.flux, FluxRow{Step: rep.Step, Flux: f})
	}
	for _, rel := range rep.Released {
		k := [2]string{rel.Origin, rel.Destination}
		i, ok := r.od[k]
		if !ok {
			i = len(r.odRows)
			r.od[k] = i
			r.odRows = append(r.odRows, ODTotal{Origin: rel.Origin, Destination: rel.Destination})
		}
		r.odRows[i].Trips += rel.Trips
	}
}

// Units returns the static unit descriptions.
func (r *Run) Units() []sim.UnitInfo { return r.units }

// Unit looks up one unit description.
func (r *Run) Unit(id string) (sim.UnitInfo, bool) {
	i, ok := r.index[id]
	if !ok {
		return sim.UnitInfo{}, false
	}
	return r.units[i], true
}

// Steps is the number of recorded steps.
func (r *Run) Steps() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}

// Latest returns the state of a unit after the last recorded step.
func (r *Run) Latest(id string) (sim.UnitState, error) {
	i, ok := r.index[id]
	if !ok {
		return sim.UnitState{}, fmt.Errorf("%w %q", ErrUnknownUnit, id)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.steps) == 0 {
		return sim.UnitState{ID: id}, nil
	}
	return r.steps[len(r.steps)-1].Units[i], nil
}

// Series returns one value per recorded step for a unit.
func (r *Run) Series(id string, s Series) ([]float64, error) {
	i, ok := r.index[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownUnit, id)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]float64, len(r.steps))
	for k, rep := range r.steps {
		out[k] = s.of(rep.Units[i])
	}
	return out, nil
}

// Totals returns the network summary of every step.
func (r *Run) Totals() []Totals {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.totals)
}

// Flux returns every recorded flux row.
func (r *Run) Flux() []FluxRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.flux)
}

// OD returns the cumulative releases per OD pair in first-seen order.
func (r *Run) OD() []ODTotal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.odRows)
}
