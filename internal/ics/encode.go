package ics

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"ezsched/internal/model"
)

const utcStamp = "20060102T150405Z"

// Encode renders events as a PUBLISH calendar. Series roots keep their
// RRULE and EXDATEs; forked occurrences carry RECURRENCE-ID.
func Encode(name string, events []model.Event) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//ezsched//scheduler//EN")
	if name != "" {
		cal.SetXWRCalName(name)
	}

	for _, e := range events {
		uid := e.ID
		if e.SeriesID != "" && !e.OccurrenceStart.IsZero() {
			uid = e.SeriesID
		}
		ve := cal.AddEvent(uid)
		stamp := e.UpdatedAt
		if stamp.IsZero() {
			stamp = e.Start
		}
		ve.SetDtStampTime(stamp.UTC())
		ve.SetStartAt(e.Start.UTC())
		ve.SetEndAt(e.End.UTC())
		ve.SetSummary(e.Title)
		if e.Description != "" {
			ve.SetDescription(e.Description)
		}
		if e.Color != "" {
			ve.SetProperty(propColor, e.Color)
		}
		if e.RRule != "" {
			ve.AddRrule(strings.TrimPrefix(e.RRule, "RRULE:"))
		}
		for _, ex := range e.ExDates {
			ve.AddExdate(ex.UTC().Format(utcStamp))
		}
		if uid != e.ID {
			ve.SetProperty(propRecurrenceID, e.OccurrenceStart.UTC().Format(utcStamp))
		}
		if cats := categories(e.Flags); len(cats) > 0 {
			ve.SetProperty(ical.ComponentPropertyCategories, strings.Join(cats, ","))
		}
		if len(e.ResourceIDs) > 0 {
			ve.SetProperty(propResources, strings.Join(e.ResourceIDs, ","))
		}
		for _, a := range e.Attendees {
			if a.Email == "" {
				continue
			}
			ve.AddAttendee(a.Email, ical.WithCN(a.Name))
		}
		for _, r := range e.Reminders {
			alarm := ve.AddAlarm()
			alarm.SetAction(ical.ActionDisplay)
			alarm.SetTrigger(trigger(r.MinutesBefore))
		}
	}
	return cal.Serialize()
}

func categories(f model.Flags) []string {
	var out []string
	if f.Block {
		out = append(out, categoryBlock)
	}
	if f.Holiday {
		out = append(out, categoryHoliday)
	}
	if f.FullyBooked {
		out = append(out, categoryFullyBooked)
	}
	return out
}

func trigger(minutes int) string {
	d := time.Duration(minutes) * time.Minute
	if d%(24*time.Hour) == 0 && d > 0 {
		return fmt.Sprintf("-P%dD", int(d/(24*time.Hour)))
	}
	return fmt.Sprintf("-PT%dM", minutes)
}
