package ics

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "ezsched/internal/log"
	"ezsched/internal/model"
)

// Category names mapped onto model.Flags in both directions.
const (
	categoryBlock       = "BLOCK"
	categoryHoliday     = "HOLIDAY"
	categoryFullyBooked = "FULLY-BOOKED"
)

const (
	propColor        = ical.ComponentProperty("COLOR")
	propResources    = ical.ComponentProperty("RESOURCES")
	propRecurrenceID = ical.ComponentProperty("RECURRENCE-ID")
)

// timed events without DTEND get this length.
const defaultDuration = time.Hour

// Decode reads a VCALENDAR and returns its events in document order.
// Malformed VEVENTs are logged and skipped.
//
// A VEVENT carrying RECURRENCE-ID becomes a standalone event linked to its
// series by SeriesID, and the overridden occurrence is added to the
// series' exception dates.
func Decode(r io.Reader) ([]model.Event, error) {
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	var (
		events    []model.Event
		index     = map[string]int{}
		overrides []override
	)
	for _, ve := range cal.Events() {
		e, rid, err := decodeVEvent(ve)
		if err != nil {
			appLog.Error("ics vevent skipped", err)
			continue
		}
		if rid != nil {
			overrides = append(overrides, override{event: e, recurrenceID: *rid})
			continue
		}
		if i, dup := index[e.ID]; dup {
			events[i] = e
			continue
		}
		index[e.ID] = len(events)
		events = append(events, e)
	}

	for _, o := range overrides {
		seriesID := o.event.ID
		o.event.ID = model.InstanceID(seriesID, o.recurrenceID)
		o.event.SeriesID = seriesID
		o.event.OccurrenceStart = o.recurrenceID
		o.event.RRule = ""
		o.event.ExDates = nil
		if i, ok := index[seriesID]; ok {
			events[i].ExDates = append(events[i].ExDates, o.recurrenceID)
		}
		events = append(events, o.event)
	}

	appLog.Debug("ics decode completed", "events", len(events), "overrides", len(overrides))
	return events, nil
}

type override struct {
	event        model.Event
	recurrenceID time.Time
}

func decodeVEvent(ve *ical.VEvent) (model.Event, *time.Time, error) {
	var e model.Event

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return e, nil, errors.New("missing UID")
	}
	e.ID = strings.TrimSpace(uid.Value)

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		e.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		e.Description = p.Value
	}
	if p := ve.GetProperty(propColor); p != nil {
		e.Color = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return e, nil, fmt.Errorf("%s: DTSTART: %w", e.ID, err)
	}
	e.Start = start

	allDay := isDateValue(ve.GetProperty(ical.ComponentPropertyDtStart))
	end, err := ve.GetEndAt()
	switch {
	case err == nil && end.After(start):
		e.End = end
	case allDay:
		e.End = start.AddDate(0, 0, 1)
	default:
		e.End = start.Add(defaultDuration)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		e.RRule = strings.TrimSpace(p.Value)
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		e.ExDates = append(e.ExDates, parseTimeList(p)...)
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyCategories) {
		for _, c := range splitList(p.Value) {
			switch strings.ToUpper(c) {
			case categoryBlock:
				e.Flags.Block = true
			case categoryHoliday:
				e.Flags.Holiday = true
			case categoryFullyBooked:
				e.Flags.FullyBooked = true
			}
		}
	}
	for _, p := range ve.GetProperties(propResources) {
		e.ResourceIDs = append(e.ResourceIDs, splitList(p.Value)...)
	}

	for _, a := range ve.Attendees() {
		att := model.Attendee{Email: a.Email()}
		if cn, ok := a.ICalParameters["CN"]; ok && len(cn) > 0 {
			att.Name = cn[0]
		}
		if att.Name == "" {
			att.Name = att.Email
		}
		e.Attendees = append(e.Attendees, att)
	}

	for _, alarm := range ve.Alarms() {
		trigger := alarm.GetProperty(ical.ComponentPropertyTrigger)
		if trigger == nil {
			continue
		}
		before, ok := parseTrigger(trigger.Value)
		if !ok {
			continue
		}
		rem := model.Reminder{MinutesBefore: before}
		if act := alarm.GetProperty(ical.ComponentPropertyAction); act != nil {
			rem.Method = strings.ToLower(act.Value)
		}
		e.Reminders = append(e.Reminders, rem)
	}

	var rid *time.Time
	if p := ve.GetProperty(propRecurrenceID); p != nil {
		if ts := parseTimeList(p); len(ts) == 1 {
			rid = &ts[0]
		}
	}

	if err := e.Validate(); err != nil {
		return e, nil, err
	}
	return e, rid, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if p == nil {
		return false
	}
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// parseTimeList reads a DATE / DATE-TIME list property honoring TZID.
func parseTimeList(p *ical.IANAProperty) []time.Time {
	loc := time.Local
	if tz, ok := p.ICalParameters["TZID"]; ok && len(tz) > 0 {
		if l, err := time.LoadLocation(tz[0]); err == nil {
			loc = l
		}
	}
	var out []time.Time
	for _, v := range splitList(p.Value) {
		t, err := parseICSTime(v, loc)
		if err != nil {
			appLog.Debug("ics time value skipped", "value", v, "err", err)
			continue
		}
		out = append(out, t)
	}
	return out
}

func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}

// parseTrigger handles relative triggers such as "-PT15M", "-P1D" or
// "-PT1H30M" and returns whole minutes before the start.
func parseTrigger(v string) (int, bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "-P") {
		return 0, false
	}
	v = v[2:]
	total := 0
	num := ""
	inTime := false
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
			inTime = true
		default:
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, false
			}
			num = ""
			switch {
			case r == 'W':
				total += n * 7 * 24 * 60
			case r == 'D':
				total += n * 24 * 60
			case r == 'H' && inTime:
				total += n * 60
			case r == 'M' && inTime:
				total += n
			case r == 'S' && inTime:
				total += n / 60
			default:
				return 0, false
			}
		}
	}
	return total, num == ""
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
