package model

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is returned when caller-supplied event data fails shape checks.
var ErrInvalid = errors.New("invalid event")

// Flags mark an event's slot as non-interactive.
type Flags struct {
	Block       bool `yaml:"block,omitempty" json:"is_block,omitempty"`
	Holiday     bool `yaml:"holiday,omitempty" json:"is_holiday,omitempty"`
	FullyBooked bool `yaml:"fully_booked,omitempty" json:"is_fully_booked,omitempty"`
}

// Any reports whether at least one flag is set.
func (f Flags) Any() bool {
	return f.Block || f.Holiday || f.FullyBooked
}

type Attendee struct {
	Name  string `yaml:"name" json:"name"`
	Email string `yaml:"email,omitempty" json:"email,omitempty"`
}

type Reminder struct {
	// MinutesBefore is relative to the occurrence start.
	MinutesBefore int    `yaml:"minutes_before" json:"minutes_before"`
	Method        string `yaml:"method,omitempty" json:"method,omitempty"`
}

// Event is a stored calendar record. When RRule is set it is a series root:
// it is never rendered directly, only the Instances generated from it.
type Event struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`

	Start time.Time `yaml:"start" json:"start"`
	End   time.Time `yaml:"end" json:"end"`

	ResourceIDs []string `yaml:"resources,omitempty" json:"resource_ids,omitempty"`

	// RRule is an RFC-5545 rule body, e.g. "FREQ=WEEKLY;BYDAY=MO,WE".
	RRule string `yaml:"rrule,omitempty" json:"rrule,omitempty"`
	// ExDates are occurrence starts removed from the series.
	ExDates []time.Time `yaml:"exdates,omitempty" json:"exdates,omitempty"`

	// SeriesID links an event forked from a single occurrence back to its root.
	SeriesID string `yaml:"series_id,omitempty" json:"series_id,omitempty"`
	// OccurrenceStart is the series occurrence a forked event replaces.
	OccurrenceStart time.Time `yaml:"occurrence_start,omitempty" json:"occurrence_start,omitzero"`

	Flags       Flags      `yaml:"flags,omitempty" json:"flags"`
	Color       string     `yaml:"color,omitempty" json:"color,omitempty"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Attendees   []Attendee `yaml:"attendees,omitempty" json:"attendees,omitempty"`
	Reminders   []Reminder `yaml:"reminders,omitempty" json:"reminders,omitempty"`

	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at"`
}

func (e Event) IsRecurring() bool {
	return strings.TrimSpace(e.RRule) != ""
}

func (e Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Interactive is false for block, holiday and fully-booked slots.
func (e Event) Interactive() bool {
	return !e.Flags.Any()
}

func (e Event) Span() Span {
	return Span{Start: e.Start, End: e.End}
}

// Clone returns a deep copy so snapshots never share slices with live state.
func (e Event) Clone() Event {
	out := e
	out.ResourceIDs = slices.Clone(e.ResourceIDs)
	out.ExDates = slices.Clone(e.ExDates)
	out.Attendees = slices.Clone(e.Attendees)
	out.Reminders = slices.Clone(e.Reminders)
	return out
}

// Validate checks the event shape. RRULE syntax is checked by the
// recurrence package, which owns the parser.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	return validateSpan(e.Start, e.End)
}

// HasResource reports whether id is one of the event's resources.
func (e Event) HasResource(id string) bool {
	return slices.Contains(e.ResourceIDs, id)
}

// Draft is the caller-supplied shape for a create. It carries no ID; the
// store assigns one.
type Draft struct {
	Title       string      `json:"title"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	ResourceIDs []string    `json:"resource_ids,omitempty"`
	RRule       string      `json:"rrule,omitempty"`
	ExDates     []time.Time `json:"exdates,omitempty"`
	SeriesID    string      `json:"series_id,omitempty"`
	Occurrence  time.Time   `json:"occurrence_start,omitzero"`
	Flags       Flags       `json:"flags"`
	Color       string      `json:"color,omitempty"`
	Description string      `json:"description,omitempty"`
	Attendees   []Attendee  `json:"attendees,omitempty"`
	Reminders   []Reminder  `json:"reminders,omitempty"`
}

func (d Draft) Validate() error {
	return validateSpan(d.Start, d.End)
}

// Event materializes the draft with the given id.
func (d Draft) Event(id string) Event {
	return Event{
		ID:              id,
		Title:           d.Title,
		Start:           d.Start,
		End:             d.End,
		ResourceIDs:     slices.Clone(d.ResourceIDs),
		RRule:           d.RRule,
		ExDates:         slices.Clone(d.ExDates),
		SeriesID:        d.SeriesID,
		OccurrenceStart: d.Occurrence,
		Flags:           d.Flags,
		Color:           d.Color,
		Description:     d.Description,
		Attendees:       slices.Clone(d.Attendees),
		Reminders:       slices.Clone(d.Reminders),
	}
}

// DraftOf strips the identity from an event, e.g. to fork an occurrence.
func DraftOf(e Event) Draft {
	c := e.Clone()
	return Draft{
		Title:       c.Title,
		Start:       c.Start,
		End:         c.End,
		ResourceIDs: c.ResourceIDs,
		RRule:       c.RRule,
		ExDates:     c.ExDates,
		SeriesID:    c.SeriesID,
		Occurrence:  c.OccurrenceStart,
		Flags:       c.Flags,
		Color:       c.Color,
		Description: c.Description,
		Attendees:   c.Attendees,
		Reminders:   c.Reminders,
	}
}

func validateSpan(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalid)
	}
	if !end.After(start) {
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalid,
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}

// Span is a half-open time interval.
type Span struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s Span) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Instance is a concrete, render-ready occurrence derived from an Event.
// Instances are recomputed on every range change and never stored.
type Instance struct {
	// ID is "{seriesID}-{epochMillis}" for recurring occurrences and the
	// event id otherwise.
	ID string `json:"id"`
	// SeriesID is empty for non-recurring events.
	SeriesID string `json:"series_id,omitempty"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// OriginalStart is the series root start (time-of-day template).
	OriginalStart time.Time `json:"original_start"`

	Event Event `json:"event"`
}

func (i Instance) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

func (i Instance) Span() Span {
	return Span{Start: i.Start, End: i.End}
}

func (i Instance) Recurring() bool {
	return i.SeriesID != ""
}

// SingleInstance wraps a non-recurring event.
func SingleInstance(e Event) Instance {
	return Instance{
		ID:            e.ID,
		Start:         e.Start,
		End:           e.End,
		OriginalStart: e.Start,
		Event:         e.Clone(),
	}
}

// Occurrence builds the instance of a series root starting at start.
// The root duration is preserved.
func Occurrence(root Event, start time.Time) Instance {
	return Instance{
		ID:            InstanceID(root.ID, start),
		SeriesID:      root.ID,
		Start:         start,
		End:           start.Add(root.Duration()),
		OriginalStart: root.Start,
		Event:         root.Clone(),
	}
}

// InstanceID synthesizes the deterministic occurrence identifier.
func InstanceID(seriesID string, start time.Time) string {
	return seriesID + "-" + strconv.FormatInt(start.UnixMilli(), 10)
}

// ParseInstanceID splits an occurrence identifier. ok is false when id does
// not end in "-<epochMillis>".
func ParseInstanceID(id string) (seriesID string, start time.Time, ok bool) {
	i := strings.LastIndexByte(id, '-')
	if i <= 0 || i == len(id)-1 {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return id[:i], time.UnixMilli(ms).UTC(), true
}
