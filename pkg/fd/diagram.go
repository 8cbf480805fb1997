// Package fd implements the piecewise-linear fundamental diagram used by
// areas and cells: production, supply, demand and speed as functions of the
// current accumulation.
package fd

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParameters is returned by Validate for an inconsistent diagram.
var ErrInvalidParameters = errors.New("invalid fundamental diagram parameters")

// Default values applied by Derive.
const (
	DefaultMinCapacityFraction = 0.1
	DefaultJamDensity          = 125.0 // veh/km per lane
	plateauFactor              = 1.25
)

// Parameters describe one fundamental diagram. Accumulations are vehicles,
// FreeSpeed is km/h, Capacity is veh/h and RoadLength is km (lane-km for
// areas).
type Parameters struct {
	AccCritical1        float64 `json:"acc_critical_1" yaml:"acc_critical_1"`
	AccCritical2        float64 `json:"acc_critical_2" yaml:"acc_critical_2"`
	AccJam              float64 `json:"acc_jam" yaml:"acc_jam"`
	FreeSpeed           float64 `json:"free_speed" yaml:"free_speed"`
	Capacity            float64 `json:"capacity" yaml:"capacity"`
	RoadLength          float64 `json:"road_length" yaml:"road_length"`
	MinCapacityFraction float64 `json:"min_capacity_fraction" yaml:"min_capacity_fraction"`
}

// Regime is the position of an accumulation relative to the breakpoints.
type Regime uint8

const (
	FreeFlow Regime = iota
	Transitional
	Congested
	Jammed
)

func (r Regime) String() string {
	switch r {
	case FreeFlow:
		return "free-flow"
	case Transitional:
		return "transitional"
	case Congested:
		return "congested"
	case Jammed:
		return "jammed"
	}
	return fmt.Sprintf("Regime(%d)", uint8(r))
}

// Derive builds parameters from free speed, capacity and road length.
// jamDensity is vehicles per km of the given road length. A road length
// that is not finite and positive is treated as 1 km.
func Derive(freeSpeed, capacity, roadLength, jamDensity float64) Parameters {
	length := roadLength
	if math.IsInf(length, 0) || math.IsNaN(length) || length <= 0 {
		length = 1
	}
	if jamDensity <= 0 {
		jamDensity = DefaultJamDensity
	}
	c1 := capacity * length / freeSpeed
	c2 := plateauFactor * c1
	jam := math.Max(jamDensity*length, 2*c2)
	return Parameters{
		AccCritical1:        c1,
		AccCritical2:        c2,
		AccJam:              jam,
		FreeSpeed:           freeSpeed,
		Capacity:            capacity,
		RoadLength:          length,
		MinCapacityFraction: DefaultMinCapacityFraction,
	}
}

// IsZero reports whether no breakpoints have been set.
func (p Parameters) IsZero() bool {
	return p.AccCritical1 == 0 && p.AccCritical2 == 0 && p.AccJam == 0
}

// Validate checks the ordering of the breakpoints and the scalar ranges.
func (p Parameters) Validate() error {
	switch {
	case p.FreeSpeed <= 0:
		return fmt.Errorf("%w: free speed %g", ErrInvalidParameters, p.FreeSpeed)
	case p.Capacity <= 0:
		return fmt.Errorf("%w: capacity %g", ErrInvalidParameters, p.Capacity)
	case p.AccCritical1 <= 0 || p.AccCritical2 < p.AccCritical1 || p.AccJam <= p.AccCritical2:
		return fmt.Errorf("%w: breakpoints %g/%g/%g", ErrInvalidParameters,
			p.AccCritical1, p.AccCritical2, p.AccJam)
	case p.MinCapacityFraction < 0 || p.MinCapacityFraction > 1:
		return fmt.Errorf("%w: min capacity fraction %g", ErrInvalidParameters, p.MinCapacityFraction)
	}
	return nil
}

// Floor is the lowest supply offered between the second critical
// accumulation and jam.
func (p Parameters) Floor() float64 {
	return p.MinCapacityFraction * p.Capacity
}

// Flow evaluates the raw diagram: 0 at zero accumulation, capacity on
// [AccCritical1, AccCritical2] and 0 at and beyond AccJam.
func (p Parameters) Flow(acc float64) float64 {
	switch {
	case acc <= 0:
		return 0
	case acc < p.AccCritical1:
		return p.Capacity * acc / p.AccCritical1
	case acc <= p.AccCritical2:
		return p.Capacity
	case acc < p.AccJam:
		return p.Capacity * (p.AccJam - acc) / (p.AccJam - p.AccCritical2)
	}
	return 0
}

// Demand is the flow rate a unit wants to send. It is the unclamped diagram.
func (p Parameters) Demand(acc float64) float64 {
	return p.Flow(acc)
}

// Supply is the flow rate a unit can accept.
func (p Parameters) Supply(acc float64) float64 {
	switch {
	case acc <= p.AccCritical1:
		return p.Capacity
	case acc >= p.AccJam:
		return 0
	}
	return math.Max(p.Flow(acc), p.Floor())
}

// Speed returns the current speed in km/h.
func (p Parameters) Speed(acc float64) float64 {
	if acc <= p.AccCritical1 || acc <= 0 {
		return p.FreeSpeed
	}
	density := acc / p.RoadLength
	return p.Supply(acc) / density
}

// Regime classifies acc against the breakpoints.
func (p Parameters) Regime(acc float64) Regime {
	switch {
	case acc <= p.AccCritical1:
		return FreeFlow
	case acc <= p.AccCritical2:
		return Transitional
	case acc < p.AccJam:
		return Congested
	}
	return Jammed
}
