package drag

import (
	"ezsched/internal/layout"
	"ezsched/internal/model"
)

// Tracker holds one in-progress gesture. The input layer feeds it raw
// pointer offsets from the gesture origin via OnDragDelta; each call is
// pure arithmetic against the original span so pointer jitter never
// accumulates.
type Tracker struct {
	origin      model.Span
	grid        Grid
	orientation layout.Orientation
	current     model.Span
}

func NewTracker(origin model.Span, grid Grid, orientation layout.Orientation) *Tracker {
	return &Tracker{
		origin:      origin,
		grid:        grid,
		orientation: orientation,
		current:     origin,
	}
}

// OnDragDelta takes the cumulative pointer offset and returns the span the
// instance would have if released now. Only the offset along the time axis
// is used. On error the last good span is kept.
func (t *Tracker) OnDragDelta(kind Kind, dx, dy float64) (model.Span, error) {
	delta := dy
	if t.orientation == layout.Horizontal {
		delta = dx
	}
	next, err := Interpret(kind, t.origin, delta, t.grid)
	if err != nil {
		return t.current, err
	}
	t.current = next
	return next, nil
}

// Current is the span after the last accepted delta.
func (t *Tracker) Current() model.Span {
	return t.current
}

// Changed reports whether the gesture moved the span at all.
func (t *Tracker) Changed() bool {
	return !t.current.Start.Equal(t.origin.Start) || !t.current.End.Equal(t.origin.End)
}
