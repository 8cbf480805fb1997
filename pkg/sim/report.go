package sim

import (
	"time"

	"ntm_engine/pkg/fd"
)

// UnitInfo describes a unit that does not change during a run.
type UnitInfo struct {
	ID     string        `json:"id"`
	Kind   string        `json:"kind"`
	Vertex string        `json:"vertex,omitempty"`
	Link   string        `json:"link,omitempty"`
	Index  int           `json:"index"`
	Length float64       `json:"length_km,omitempty"`
	Lanes  int           `json:"lanes,omitempty"`
	Params fd.Parameters `json:"params"`
}

// UnitState is the state of one unit at the end of a step. Departed and
// Arrived are cumulative.
type UnitState struct {
	ID           string  `json:"id"`
	Accumulation float64 `json:"accumulation"`
	Speed        float64 `json:"speed"`
	Demand       float64 `json:"demand"`
	Supply       float64 `json:"supply"`
	Departed     float64 `json:"departed"`
	Arrived      float64 `json:"arrived"`
	Regime       string  `json:"regime"`
}

// Flux is the number of vehicles moved between two units in one step.
type Flux struct {
	From  string  `json:"from"`
	To    string  `json:"to"`
	Trips float64 `json:"trips"`
}

// ODFlow is the number of trips released for one origin-destination pair.
type ODFlow struct {
	Origin      string  `json:"origin"`
	Destination string  `json:"destination"`
	Trips       float64 `json:"trips"`
}

// StepReport is everything observable about one completed step.
type StepReport struct {
	Step         int           `json:"step"`
	Time         time.Duration `json:"time"`
	Units        []UnitState   `json:"units"`
	Flux         []Flux        `json:"flux"`
	Released     []ODFlow      `json:"released"`
	Departed     float64       `json:"departed"`
	Arrived      float64       `json:"arrived"`
	Accumulation float64       `json:"accumulation"` // vehicles inside the network
	Elapsed      time.Duration `json:"elapsed"`
}

// Observer receives every step report. Reports are not reused by the engine.
type Observer interface {
	Observe(r *StepReport)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(r *StepReport)

func (f ObserverFunc) Observe(r *StepReport) { f(r) }
