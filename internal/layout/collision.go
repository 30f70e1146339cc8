// Package layout groups overlapping instances into lanes and projects them
// into rectangles for a renderer. Everything here is pure and recomputed
// per render pass.
package layout

import (
	"slices"
	"time"

	"ezsched/internal/model"
)

// TieBreak decides the order of instances that share a start instant.
type TieBreak int

const (
	// TieBreakShorterFirst places the shorter instance first.
	TieBreakShorterFirst TieBreak = iota
	// TieBreakInputOrder keeps the caller's order.
	TieBreakInputOrder
)

// ParseTieBreak maps "shorter_first" / "input_order" to a TieBreak.
func ParseTieBreak(s string) TieBreak {
	if s == "input_order" {
		return TieBreakInputOrder
	}
	return TieBreakShorterFirst
}

func (t TieBreak) String() string {
	if t == TieBreakInputOrder {
		return "input_order"
	}
	return "shorter_first"
}

type Options struct {
	// Tolerance lets an instance share a lane with one that ends up to
	// Tolerance after it starts. Timeline views use a few minutes so that
	// visually touching edges do not open a new lane.
	Tolerance time.Duration
	TieBreak  TieBreak
}

// Cluster is a maximal run of transitively overlapping instances.
type Cluster struct {
	Instances []model.Instance
	Start     time.Time
	End       time.Time
}

// Assignment maps instance id to lane index within one cluster.
type Assignment struct {
	Columns map[string]int
	Count   int
}

// Placement is an instance with its lane inside its cluster.
type Placement struct {
	Instance model.Instance
	Column   int
	Columns  int
}

// Sort returns a copy ordered by start ascending with ties resolved by tb.
func Sort(instances []model.Instance, tb TieBreak) []model.Instance {
	out := slices.Clone(instances)
	slices.SortStableFunc(out, func(a, b model.Instance) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		if tb == TieBreakShorterFirst {
			return cmpDuration(a.Duration(), b.Duration())
		}
		return 0
	})
	return out
}

// GroupOverlapping partitions instances into clusters. A new cluster opens
// whenever the next start is at or after the running maximum end.
func GroupOverlapping(instances []model.Instance, opts Options) []Cluster {
	if len(instances) == 0 {
		return nil
	}
	sorted := Sort(instances, opts.TieBreak)

	var clusters []Cluster
	cur := Cluster{
		Instances: []model.Instance{sorted[0]},
		Start:     sorted[0].Start,
		End:       sorted[0].End,
	}
	for _, inst := range sorted[1:] {
		if !inst.Start.Add(opts.Tolerance).Before(cur.End) {
			clusters = append(clusters, cur)
			cur = Cluster{
				Instances: []model.Instance{inst},
				Start:     inst.Start,
				End:       inst.End,
			}
			continue
		}
		cur.Instances = append(cur.Instances, inst)
		if inst.End.After(cur.End) {
			cur.End = inst.End
		}
	}
	return append(clusters, cur)
}

// AssignColumns places each instance, in start order, into the first lane
// whose last instance has ended by its start. The lane count equals the
// maximum number of simultaneously active instances.
func AssignColumns(cluster []model.Instance, opts Options) Assignment {
	a := Assignment{Columns: make(map[string]int, len(cluster))}
	if len(cluster) == 0 {
		return a
	}

	var laneEnds []time.Time
	for _, inst := range Sort(cluster, opts.TieBreak) {
		col := -1
		for i, end := range laneEnds {
			if !end.After(inst.Start.Add(opts.Tolerance)) {
				col = i
				break
			}
		}
		if col < 0 {
			col = len(laneEnds)
			laneEnds = append(laneEnds, inst.End)
		} else {
			laneEnds[col] = inst.End
		}
		a.Columns[inst.ID] = col
	}
	a.Count = len(laneEnds)
	return a
}

// Arrange groups and assigns lanes in one pass. Placements come back in
// sorted order; Columns is the lane count of the owning cluster.
func Arrange(instances []model.Instance, opts Options) []Placement {
	out := make([]Placement, 0, len(instances))
	for _, c := range GroupOverlapping(instances, opts) {
		a := AssignColumns(c.Instances, opts)
		for _, inst := range Sort(c.Instances, opts.TieBreak) {
			out = append(out, Placement{
				Instance: inst,
				Column:   a.Columns[inst.ID],
				Columns:  a.Count,
			})
		}
	}
	return out
}

// MaxConcurrent is the peak number of instances active at one instant,
// treating intervals as half-open.
func MaxConcurrent(instances []model.Instance) int {
	type edge struct {
		at    time.Time
		delta int
	}
	edges := make([]edge, 0, 2*len(instances))
	for _, inst := range instances {
		edges = append(edges, edge{inst.Start, 1}, edge{inst.End, -1})
	}
	// Ends sort before starts at the same instant.
	slices.SortFunc(edges, func(a, b edge) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		return a.delta - b.delta
	})
	cur, peak := 0, 0
	for _, e := range edges {
		cur += e.delta
		peak = max(peak, cur)
	}
	return peak
}

func cmpDuration(a, b time.Duration) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
