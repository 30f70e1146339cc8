package layout

import (
	"time"

	"ezsched/internal/model"
)

// Orientation is the direction time runs on screen.
type Orientation int

const (
	// Vertical is the day/week grid: time runs top to bottom, lanes left to right.
	Vertical Orientation = iota
	// Horizontal is the timeline: time runs left to right, lanes top to bottom.
	Horizontal
)

// Direction is the text direction of the surrounding page.
type Direction int

const (
	LTR Direction = iota
	RTL
)

// Nesting is the order in which the lane axis is subdivided.
type Nesting int

const (
	// NestDateFirst splits by day, then resource, then column.
	NestDateFirst Nesting = iota
	// NestResourceFirst splits by resource, then day, then column.
	NestResourceFirst
)

// ParseNesting maps "resource_first" to NestResourceFirst; anything else is
// NestDateFirst.
func ParseNesting(s string) Nesting {
	if s == "resource_first" {
		return NestResourceFirst
	}
	return NestDateFirst
}

func (n Nesting) String() string {
	if n == NestResourceFirst {
		return "resource_first"
	}
	return "date_first"
}

// Axis describes how time and lanes map to pixels.
type Axis struct {
	Orientation Orientation
	Direction   Direction
	Nesting     Nesting

	// PixelsPerUnit pixels are drawn for every TimeUnit of duration.
	PixelsPerUnit float64
	TimeUnit      time.Duration
	// Origin is the instant drawn at offset 0 (start of day or window).
	Origin time.Time
	// MinLength keeps very short instances clickable.
	MinLength float64

	// Extent is the pixel size of the lane axis shared by all days and
	// resources.
	Extent    float64
	Days      int
	Resources int
}

// Slot locates an instance on the lane axis.
type Slot struct {
	DayIndex      int
	ResourceIndex int
	Column        int
	Columns       int
}

// Rect is a renderer-agnostic rectangle in pixels.
type Rect struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Project maps an instance in a slot to its rectangle.
func Project(inst model.Instance, slot Slot, axis Axis) Rect {
	unit := axis.TimeUnit
	if unit <= 0 {
		unit = time.Minute
	}

	pos := float64(inst.Start.Sub(axis.Origin)) / float64(unit) * axis.PixelsPerUnit
	length := float64(inst.Duration()) / float64(unit) * axis.PixelsPerUnit
	if length < axis.MinLength {
		length = axis.MinLength
	}

	laneOff, laneLen := laneSpan(slot, axis)

	if axis.Orientation == Horizontal {
		return Rect{Top: laneOff, Left: pos, Width: length, Height: laneLen}
	}
	// The lane axis is horizontal here, so it follows text direction.
	if axis.Direction == RTL {
		laneOff = axis.Extent - laneOff - laneLen
	}
	return Rect{Top: pos, Left: laneOff, Width: laneLen, Height: length}
}

// laneSpan returns offset and length along the lane axis.
func laneSpan(slot Slot, axis Axis) (offset, length float64) {
	days := max(axis.Days, 1)
	resources := max(axis.Resources, 1)
	columns := max(slot.Columns, 1)

	outerN, innerN := days, resources
	outerI, innerI := slot.DayIndex, slot.ResourceIndex
	if axis.Nesting == NestResourceFirst {
		outerN, innerN = resources, days
		outerI, innerI = slot.ResourceIndex, slot.DayIndex
	}

	outer := axis.Extent / float64(outerN)
	inner := outer / float64(innerN)
	col := inner / float64(columns)

	offset = float64(outerI)*outer + float64(innerI)*inner + float64(slot.Column)*col
	return offset, col
}
