package model

import "time"

// Weekdays is a bit-set over time.Weekday (bit 0 = Sunday).
type Weekdays uint8

// AllWeek has every weekday set.
const AllWeek Weekdays = 0x7f

func WeekdaysOf(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<uint(d)) != 0
}

// WorkingHours is a daily window [StartHour, EndHour) on the active Days.
type WorkingHours struct {
	StartHour int      `yaml:"start_hour" json:"start_hour"`
	EndHour   int      `yaml:"end_hour" json:"end_hour"`
	Days      Weekdays `yaml:"days" json:"days"`
}

// Contains reports whether t (in its own location) falls inside the window.
func (w WorkingHours) Contains(t time.Time) bool {
	if !w.Days.Has(t.Weekday()) {
		return false
	}
	h := t.Hour()
	return h >= w.StartHour && h < w.EndHour
}

type Resource struct {
	ID           string        `yaml:"id" json:"id"`
	Name         string        `yaml:"name" json:"name"`
	WorkingHours *WorkingHours `yaml:"working_hours,omitempty" json:"working_hours,omitempty"`
}

// Available is true when the resource has no working-hours window or t lies
// inside it.
func (r Resource) Available(t time.Time) bool {
	if r.WorkingHours == nil {
		return true
	}
	return r.WorkingHours.Contains(t)
}

// ResolveResources returns the event's resource ids that name a known
// resource, in event order. An empty result means the event is unassigned.
func ResolveResources(e Event, known []Resource) []string {
	if len(e.ResourceIDs) == 0 || len(known) == 0 {
		return nil
	}
	idx := make(map[string]struct{}, len(known))
	for _, r := range known {
		idx[r.ID] = struct{}{}
	}
	out := make([]string, 0, len(e.ResourceIDs))
	for _, id := range e.ResourceIDs {
		if _, ok := idx[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
