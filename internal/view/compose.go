// Package view turns expanded instances into positioned blocks for the
// day, week and timeline boards.
package view

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"ezsched/internal/layout"
	"ezsched/internal/model"
)

type Kind string

const (
	Day      Kind = "day"
	Week     Kind = "week"
	Timeline Kind = "timeline"
)

// ParseKind accepts the view names used by the HTTP API.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return Week, nil
	case Day, Week, Timeline:
		return k, nil
	default:
		return "", fmt.Errorf("unknown view %q", s)
	}
}

// Config is everything Compose needs besides the data.
type Config struct {
	Kind      Kind
	Date      time.Time
	Location  *time.Location
	WeekStart time.Weekday
	// Days is the timeline length; day and week views ignore it.
	Days int
	// StartHour is drawn at offset 0 on the vertical boards.
	StartHour int

	Slot          time.Duration
	PixelsPerSlot float64
	MinLength     float64
	// Extent is the pixel size of the lane axis.
	Extent float64

	// ByResource splits day and week columns per resource. The timeline
	// always has one row per resource.
	ByResource bool

	Tolerance time.Duration
	TieBreak  layout.TieBreak
	Direction layout.Direction
	Nesting   layout.Nesting
}

// Block is one positioned instance. An instance that crosses midnight on a
// vertical board yields one block per day it touches.
type Block struct {
	Instance    model.Instance `json:"instance"`
	ResourceID  string         `json:"resource_id,omitempty"`
	Day         int            `json:"day"`
	Column      int            `json:"column"`
	Columns     int            `json:"columns"`
	Rect        layout.Rect    `json:"rect"`
	Interactive bool           `json:"interactive"`
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Slot <= 0 {
		c.Slot = 30 * time.Minute
	}
	if c.PixelsPerSlot <= 0 {
		c.PixelsPerSlot = 24
	}
	if c.Extent <= 0 {
		c.Extent = 1000
	}
	if c.Days <= 0 {
		c.Days = 1
	}
	if c.Kind == "" {
		c.Kind = Week
	}
	return c
}

// Window returns the half-open range [start, end) shown by cfg and the
// number of day columns.
func Window(cfg Config) (start, end time.Time, days int) {
	cfg = cfg.withDefaults()
	d := cfg.Date.In(cfg.Location)
	midnight := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, cfg.Location)

	switch cfg.Kind {
	case Day:
		return midnight, midnight.AddDate(0, 0, 1), 1
	case Timeline:
		return midnight, midnight.AddDate(0, 0, cfg.Days), cfg.Days
	default:
		back := (int(midnight.Weekday()) - int(cfg.WeekStart) + 7) % 7
		first := midnight.AddDate(0, 0, -back)
		return first, first.AddDate(0, 0, 7), 7
	}
}

// Compose buckets instances by day and resource, assigns lanes per bucket
// and projects every placement.
func Compose(instances []model.Instance, resources []model.Resource, cfg Config) []Block {
	cfg = cfg.withDefaults()
	start, end, days := Window(cfg)

	lanes := laneIDs(instances, resources, cfg)
	laneIndex := make(map[string]int, len(lanes))
	for i, id := range lanes {
		laneIndex[id] = i
	}

	opts := layout.Options{Tolerance: cfg.Tolerance, TieBreak: cfg.TieBreak}

	if cfg.Kind == Timeline {
		axis := layout.Axis{
			Orientation:   layout.Horizontal,
			Direction:     cfg.Direction,
			Nesting:       cfg.Nesting,
			PixelsPerUnit: cfg.PixelsPerSlot,
			TimeUnit:      cfg.Slot,
			Origin:        start,
			MinLength:     cfg.MinLength,
			Extent:        cfg.Extent,
			Days:          1,
			Resources:     len(lanes),
		}
		buckets := make([][]model.Instance, len(lanes))
		for _, inst := range instances {
			seg, ok := clip(inst, start, end)
			if !ok {
				continue
			}
			for _, lane := range lanesOf(inst, laneIndex) {
				buckets[lane] = append(buckets[lane], seg)
			}
		}
		var out []Block
		for lane, bucket := range buckets {
			out = append(out, place(bucket, 0, lane, lanes[lane], axis, opts)...)
		}
		return out
	}

	var out []Block
	for day := 0; day < days; day++ {
		dayStart := start.AddDate(0, 0, day)
		dayEnd := dayStart.AddDate(0, 0, 1)
		axis := layout.Axis{
			Orientation:   layout.Vertical,
			Direction:     cfg.Direction,
			Nesting:       cfg.Nesting,
			PixelsPerUnit: cfg.PixelsPerSlot,
			TimeUnit:      cfg.Slot,
			Origin:        dayStart.Add(time.Duration(cfg.StartHour) * time.Hour),
			MinLength:     cfg.MinLength,
			Extent:        cfg.Extent,
			Days:          days,
			Resources:     len(lanes),
		}

		buckets := make([][]model.Instance, len(lanes))
		for _, inst := range instances {
			seg, ok := clip(inst, dayStart, dayEnd)
			if !ok {
				continue
			}
			for _, lane := range lanesOf(inst, laneIndex) {
				buckets[lane] = append(buckets[lane], seg)
			}
		}
		for lane, bucket := range buckets {
			out = append(out, place(bucket, day, lane, lanes[lane], axis, opts)...)
		}
	}
	return out
}

func place(bucket []model.Instance, day, lane int, resourceID string, axis layout.Axis, opts layout.Options) []Block {
	if len(bucket) == 0 {
		return nil
	}
	placements := layout.Arrange(bucket, opts)
	out := make([]Block, 0, len(placements))
	for _, p := range placements {
		slot := layout.Slot{DayIndex: day, ResourceIndex: lane, Column: p.Column, Columns: p.Columns}
		out = append(out, Block{
			Instance:    p.Instance,
			ResourceID:  resourceID,
			Day:         day,
			Column:      p.Column,
			Columns:     p.Columns,
			Rect:        layout.Project(p.Instance, slot, axis),
			Interactive: p.Instance.Event.Interactive(),
		})
	}
	return out
}

// laneIDs lists the resource lanes in configuration order. Unassigned
// instances get a trailing "" lane when any exist. Without resources there
// is a single lane.
func laneIDs(instances []model.Instance, resources []model.Resource, cfg Config) []string {
	if len(resources) == 0 || (cfg.Kind != Timeline && !cfg.ByResource) {
		return []string{""}
	}
	ids := make([]string, 0, len(resources)+1)
	for _, r := range resources {
		ids = append(ids, r.ID)
	}
	for _, inst := range instances {
		if len(model.ResolveResources(inst.Event, resources)) == 0 {
			return append(ids, "")
		}
	}
	return ids
}

func lanesOf(inst model.Instance, laneIndex map[string]int) []int {
	if len(laneIndex) == 1 {
		if _, single := laneIndex[""]; single {
			return []int{0}
		}
	}
	var out []int
	for _, id := range inst.Event.ResourceIDs {
		if i, ok := laneIndex[id]; ok && id != "" && !slices.Contains(out, i) {
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		if i, ok := laneIndex[""]; ok {
			out = append(out, i)
		}
	}
	return out
}

// clip trims inst to [lo, hi). Instances that only touch the boundary are
// dropped.
func clip(inst model.Instance, lo, hi time.Time) (model.Instance, bool) {
	if !inst.End.After(lo) || !inst.Start.Before(hi) {
		// Zero-length instances at lo still render.
		if !(inst.Start.Equal(inst.End) && inst.Start.Equal(lo)) {
			return model.Instance{}, false
		}
	}
	if inst.Start.Before(lo) {
		inst.Start = lo
	}
	if inst.End.After(hi) {
		inst.End = hi
	}
	return inst, true
}
