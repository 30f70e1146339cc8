// Package drag turns pointer gestures into snapped time changes. It never
// persists anything; callers commit the result through the coordinator.
package drag

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"ezsched/internal/model"
)

var (
	ErrUnknownKind = errors.New("drag: unknown gesture kind")
	ErrInvalidGrid = errors.New("drag: pixels per slot and slot duration must be positive")
)

// Kind discriminates the gesture.
type Kind string

const (
	KindMove        Kind = "move"
	KindResizeStart Kind = "resize-start"
	KindResizeEnd   Kind = "resize-end"
)

// ParseKind validates a gesture name coming off the wire.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindMove, KindResizeStart, KindResizeEnd:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Grid is the slot quantum and its on-screen size.
type Grid struct {
	PixelsPerSlot float64
	Slot          time.Duration
}

func (g Grid) valid() bool {
	return g.PixelsPerSlot > 0 && g.Slot > 0
}

// Snap converts a pixel delta to a time delta rounded to the nearest slot.
func (g Grid) Snap(pixelDelta float64) time.Duration {
	slots := math.Round(pixelDelta / g.PixelsPerSlot)
	return time.Duration(slots) * g.Slot
}

// Interpret applies a snapped drag delta to span.
//
//   - move shifts start and end together, preserving duration exactly.
//   - resize-start shifts start only, clamped so end-start >= one slot.
//   - resize-end shifts end only, clamped so end-start >= one slot.
func Interpret(kind Kind, span model.Span, pixelDelta float64, grid Grid) (model.Span, error) {
	if !grid.valid() {
		return span, ErrInvalidGrid
	}
	delta := grid.Snap(pixelDelta)

	switch kind {
	case KindMove:
		return model.Span{Start: span.Start.Add(delta), End: span.End.Add(delta)}, nil
	case KindResizeStart:
		start := span.Start.Add(delta)
		if latest := span.End.Add(-grid.Slot); start.After(latest) {
			start = latest
		}
		return model.Span{Start: start, End: span.End}, nil
	case KindResizeEnd:
		end := span.End.Add(delta)
		if earliest := span.Start.Add(grid.Slot); end.Before(earliest) {
			end = earliest
		}
		return model.Span{Start: span.Start, End: end}, nil
	default:
		return span, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
}

// Target is the slot under the pointer on drop.
type Target struct {
	Start      time.Time
	ResourceID string
}

// Change is the outcome of a drop.
type Change struct {
	Span        model.Span
	ResourceIDs []string
}

// Drop moves span to the target slot keeping its duration. When the target
// lane belongs to a different resource than sourceResource, that resource
// is swapped in place. ok is false for an unresolvable target.
func Drop(span model.Span, resourceIDs []string, sourceResource string, target Target) (Change, bool) {
	if target.Start.IsZero() {
		return Change{}, false
	}

	ch := Change{
		Span: model.Span{
			Start: target.Start,
			End:   target.Start.Add(span.Duration()),
		},
		ResourceIDs: slices.Clone(resourceIDs),
	}

	if target.ResourceID == "" || target.ResourceID == sourceResource {
		return ch, true
	}
	if slices.Contains(ch.ResourceIDs, target.ResourceID) {
		// Already booked on the target lane; just drop the source lane.
		ch.ResourceIDs = slices.DeleteFunc(ch.ResourceIDs, func(id string) bool { return id == sourceResource })
		return ch, true
	}
	if i := slices.Index(ch.ResourceIDs, sourceResource); i >= 0 {
		ch.ResourceIDs[i] = target.ResourceID
	} else {
		ch.ResourceIDs = append(ch.ResourceIDs, target.ResourceID)
	}
	return ch, true
}

// Allowed reports whether span may be dropped on the target resource: the
// resource must be available at every slot boundary of span and no
// non-interactive instance on that resource may cover it.
func Allowed(span model.Span, resourceID string, resources []model.Resource, blockers []model.Instance) bool {
	if resourceID != "" {
		i := slices.IndexFunc(resources, func(r model.Resource) bool { return r.ID == resourceID })
		if i < 0 {
			return false
		}
		r := resources[i]
		if !r.Available(span.Start) {
			return false
		}
		// End is exclusive; check the last minute inside the span.
		if last := span.End.Add(-time.Minute); last.After(span.Start) && !r.Available(last) {
			return false
		}
	}

	for _, b := range blockers {
		if b.Event.Interactive() {
			continue
		}
		if resourceID != "" && len(b.Event.ResourceIDs) > 0 && !b.Event.HasResource(resourceID) {
			continue
		}
		if b.Start.Before(span.End) && span.Start.Before(b.End) {
			return false
		}
	}
	return true
}
