package telemetry

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// WriteCSV writes one table per series plus flux, od, units and totals
// tables into dir, creating it if needed.
func (r *Run) WriteCSV(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range AllSeries {
		if err := writeTable(filepath.Join(dir, s.String()+".csv"), r.seriesRows(s)); err != nil {
			return err
		}
	}
	tables := map[string][][]string{
		"flux.csv":   r.fluxRows(),
		"od.csv":     r.odTable(),
		"units.csv":  r.unitRows(),
		"totals.csv": r.totalRows(),
	}
	for name, rows := range tables {
		if err := writeTable(filepath.Join(dir, name), rows); err != nil {
			return err
		}
	}
	return nil
}

func writeTable(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// seriesRows is wide: one row per step, one column per unit.
func (r *Run) seriesRows(s Series) [][]string {
	header := make([]string, 0, len(r.units)+2)
	header = append(header, "step", "time_s")
	for _, u := range r.units {
		header = append(header, u.ID)
	}
	rows := [][]string{header}
	for _, rep := range r.steps {
		row := make([]string, 0, len(header))
		row = append(row, strconv.Itoa(rep.Step), ftoa(rep.Time.Seconds()))
		for _, st := range rep.Units {
			row = append(row, ftoa(s.of(st)))
		}
		rows = append(rows, row)
	}
	return rows
}

func (r *Run) fluxRows() [][]string {
	rows := [][]string{{"step", "from", "to", "trips"}}
	for _, f := range r.flux {
		rows = append(rows, []string{strconv.Itoa(f.Step), f.From, f.To, ftoa(f.Trips)})
	}
	return rows
}

func (r *Run) odTable() [][]string {
	rows := [][]string{{"origin", "destination", "departed"}}
	for _, o := range r.odRows {
		rows = append(rows, []string{o.Origin, o.Destination, ftoa(o.Trips)})
	}
	return rows
}

func (r *Run) unitRows() [][]string {
	rows := [][]string{{
		"id", "kind", "vertex", "link", "index", "length_km", "lanes",
		"acc_critical_1", "acc_critical_2", "acc_jam", "free_speed", "capacity", "road_length",
	}}
	for _, u := range r.units {
		p := u.Params
		rows = append(rows, []string{
			u.ID, u.Kind, u.Vertex, u.Link, strconv.Itoa(u.Index), ftoa(u.Length), strconv.Itoa(u.Lanes),
			ftoa(p.AccCritical1), ftoa(p.AccCritical2), ftoa(p.AccJam), ftoa(p.FreeSpeed), ftoa(p.Capacity), ftoa(p.RoadLength),
		})
	}
	return rows
}

func (r *Run) totalRows() [][]string {
	rows := [][]string{{"step", "time_s", "departed", "arrived", "accumulation"}}
	for _, t := range r.totals {
		rows = append(rows, []string{
			strconv.Itoa(t.Step), ftoa(t.Time.Seconds()), ftoa(t.Departed), ftoa(t.Arrived), ftoa(t.Accumulation),
		})
	}
	return rows
}
