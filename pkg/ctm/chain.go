// Package ctm splits FLOW links into chains of cells for the cell
// transmission model.
package ctm

import (
	"fmt"
	"math"
	"time"

	"ntm_engine/pkg/cell"
	"ntm_engine/pkg/fd"
	"ntm_engine/pkg/graph"
	"ntm_engine/pkg/network"
)

// Options controls cell sizing and the cell diagrams.
type Options struct {
	TimeStep            time.Duration
	JamDensity          float64 // veh/km per lane
	MinCapacityFraction float64
}

// FlowCell is one fixed-length segment of a FLOW link.
type FlowCell struct {
	Index  int
	Length float64 // km
	Lanes  int
	Cell   *cell.Behaviour
}

// Chain is the ordered cell sequence of the link carried by area-graph
// edge Edge, head cell first.
type Chain struct {
	Edge     graph.EdgeID
	From, To graph.VertexID
	Link     *network.Link
	Cells    []*FlowCell
}

// CellLength is the distance (km) covered at freeSpeed (km/h) in one step.
func CellLength(freeSpeed float64, step time.Duration) float64 {
	return freeSpeed * step.Hours()
}

// CellParams is the diagram of one cell of the given length.
func CellParams(l *network.Link, length float64, opts Options) fd.Parameters {
	jam := opts.JamDensity
	if jam <= 0 {
		jam = fd.DefaultJamDensity
	}
	p := fd.Derive(l.FreeSpeed, l.Capacity, length, jam*float64(l.LaneCount()))
	if opts.MinCapacityFraction > 0 {
		p.MinCapacityFraction = opts.MinCapacityFraction
	}
	return p
}

// NewChain cuts l into cells no shorter than one free-flow step. The cell
// count is fixed for the lifetime of the chain.
func NewChain(edge graph.EdgeID, from, to graph.VertexID, l *network.Link, opts Options) (*Chain, error) {
	if opts.TimeStep <= 0 {
		return nil, fmt.Errorf("link %q: time step %s", l.ID, opts.TimeStep)
	}
	if l.FreeSpeed <= 0 || l.Capacity <= 0 {
		return nil, fmt.Errorf("link %q: free speed %g, capacity %g", l.ID, l.FreeSpeed, l.Capacity)
	}
	n := 1
	if step := CellLength(l.FreeSpeed, opts.TimeStep); step > 0 && l.Length > step {
		n = int(math.Floor(l.Length / step))
	}
	length := l.Length / float64(n)
	if length <= 0 {
		length = CellLength(l.FreeSpeed, opts.TimeStep)
	}

	p := CellParams(l, length, opts)
	c := &Chain{Edge: edge, From: from, To: to, Link: l, Cells: make([]*FlowCell, n)}
	for i := range n {
		c.Cells[i] = &FlowCell{
			Index:  i,
			Length: length,
			Lanes:  l.LaneCount(),
			Cell:   cell.NewFlow(p),
		}
	}
	return c, nil
}

// Head is the first cell.
func (c *Chain) Head() *FlowCell { return c.Cells[0] }

// Tail is the last cell.
func (c *Chain) Tail() *FlowCell { return c.Cells[len(c.Cells)-1] }

// Next returns the cell after i, nil for the tail.
func (c *Chain) Next(i int) *FlowCell {
	if i+1 >= len(c.Cells) {
		return nil
	}
	return c.Cells[i+1]
}

// Accumulation is the total over all cells.
func (c *Chain) Accumulation() float64 {
	var sum float64
	for _, fc := range c.Cells {
		sum += fc.Cell.Accumulation()
	}
	return sum
}

// SetNextHop records next as the hop for destination d in every cell.
func (c *Chain) SetNextHop(d, next graph.VertexID) {
	for _, fc := range c.Cells {
		fc.Cell.EnsureTrip(d).NextHop = next
	}
}
