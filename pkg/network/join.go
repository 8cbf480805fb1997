package network

import "slices"

// JoinSequentialLinks merges chains of links that meet at a pass-through
// node: exactly one link in and one link out, both of the same behaviour,
// free speed and capacity. Centroid and cordon nodes, and nodes for which
// keep returns true, are never removed. The input slice is not modified.
func JoinSequentialLinks(links []*Link, keep func(*Node) bool) []*Link {
	out := slices.Clone(links)
	in := make(map[string][]int)
	from := make(map[string][]int)
	for i, l := range out {
		in[l.To.ID] = append(in[l.To.ID], i)
		from[l.From.ID] = append(from[l.From.ID], i)
	}

	for i := 0; i < len(out); {
		a := out[i]
		if a == nil {
			i++
			continue
		}
		n := a.To
		if n.Behaviour == Centroid || n.Behaviour == Cordon || (keep != nil && keep(n)) ||
			len(in[n.ID]) != 1 || len(from[n.ID]) != 1 {
			i++
			continue
		}
		j := from[n.ID][0]
		b := out[j]
		if j == i || b == nil || !sameClass(a, b) || b.To == a.From {
			i++
			continue
		}

		out[i] = joinLinks(a, b)
		out[j] = nil
		delete(in, n.ID)
		delete(from, n.ID)
		for k, idx := range in[b.To.ID] {
			if idx == j {
				in[b.To.ID][k] = i
			}
		}
	}

	return slices.DeleteFunc(out, func(l *Link) bool { return l == nil })
}

func sameClass(a, b *Link) bool {
	return a.Behaviour == b.Behaviour && a.FreeSpeed == b.FreeSpeed &&
		a.Capacity == b.Capacity && a.Lanes == b.Lanes
}

func joinLinks(a, b *Link) *Link {
	geom := slices.Clone(a.Geometry)
	if len(b.Geometry) > 0 {
		if len(geom) > 0 && geom[len(geom)-1] == b.Geometry[0] {
			geom = append(geom, b.Geometry[1:]...)
		} else {
			geom = append(geom, b.Geometry...)
		}
	}
	return &Link{
		ID:        a.ID + "+" + b.ID,
		From:      a.From,
		To:        b.To,
		Geometry:  geom,
		Length:    a.Length + b.Length,
		FreeSpeed: a.FreeSpeed,
		Capacity:  a.Capacity,
		Lanes:     a.Lanes,
		Behaviour: a.Behaviour,
	}
}
