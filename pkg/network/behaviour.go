// Package network holds the geometric entity model consumed by the graph
// builder: areas, nodes and links with their traffic behaviour tags.
package network

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownBehaviour is returned by ParseBehaviour.
var ErrUnknownBehaviour = errors.New("unknown traffic behaviour")

// Behaviour tags how a node, link or area takes part in the model.
type Behaviour uint8

const (
	Road Behaviour = iota
	Flow
	NTM
	Cordon
	Centroid
)

var behaviourNames = [...]string{"ROAD", "FLOW", "NTM", "CORDON", "CENTROID"}

func (b Behaviour) String() string {
	if int(b) < len(behaviourNames) {
		return behaviourNames[b]
	}
	return fmt.Sprintf("Behaviour(%d)", uint8(b))
}

// ParseBehaviour is case-insensitive. An empty string is ROAD.
func ParseBehaviour(s string) (Behaviour, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Road, nil
	}
	for i, name := range behaviourNames {
		if name == s {
			return Behaviour(i), nil
		}
	}
	return Road, fmt.Errorf("%w: %q", ErrUnknownBehaviour, s)
}

// IsSink reports whether trips may end at a vertex with this tag.
func (b Behaviour) IsSink() bool {
	return b == NTM || b == Cordon
}

func (b Behaviour) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Behaviour) UnmarshalText(text []byte) error {
	v, err := ParseBehaviour(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}
