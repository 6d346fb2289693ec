// Package ics converts series to and from iCalendar.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/eventseries/recurrence"
	"github.com/cyp0633/eventseries/series"
)

const (
	productID    = "-//eventseries//Series Export//EN"
	utcLayout    = "20060102T150405Z"
	dateLayout   = "20060102"
	recurrenceID = "RECURRENCE-ID"
)

// ErrNoSeries is returned when a calendar holds no recurring VEVENT.
var ErrNoSeries = errors.New("no recurring event found in calendar")

// Export builds a calendar with the series master VEVENT and one override
// VEVENT per materialized occurrence.
func Export(template *series.EventRecord, s *series.Series, occurrences []*series.EventRecord, now time.Time) (*ical.Calendar, error) {
	loc, err := recurrence.LoadLocation(s.TimeZone)
	if err != nil {
		return nil, err
	}
	rrule, err := s.Rule.RRULE()
	if err != nil {
		return nil, err
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	uid := s.ID + "@eventseries"
	master := eventComponent(uid, template, s.Start.In(loc), template.Duration(), now)
	rule := ical.NewProp(ical.PropRecurrenceRule)
	rule.Value = rrule
	master.Props.Set(rule)

	if len(s.ExceptionDates) > 0 {
		values := make([]string, 0, len(s.ExceptionDates))
		for _, ex := range s.ExceptionDates {
			values = append(values, ex.UTC().Format(utcLayout))
		}
		exdate := ical.NewProp(ical.PropExceptionDates)
		exdate.Value = strings.Join(values, ",")
		master.Props.Set(exdate)
	}
	cal.Children = append(cal.Children, master)

	for _, occ := range occurrences {
		if occ.OriginalOccurrenceDate == nil {
			continue
		}
		override := eventComponent(uid, occ, occ.StartDate.In(loc), occ.Duration(), now)
		rid := ical.NewProp(recurrenceID)
		rid.SetDateTime(occ.OriginalOccurrenceDate.In(loc))
		override.Props.Set(rid)
		cal.Children = append(cal.Children, override)
	}
	return cal, nil
}

func eventComponent(uid string, e *series.EventRecord, start time.Time, duration time.Duration, now time.Time) *ical.Component {
	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetText(ical.PropUID, uid)
	comp.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	comp.Props.SetText(ical.PropSummary, e.Name)
	comp.Props.SetDateTime(ical.PropDateTimeStart, start)
	comp.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(duration))
	if e.Description != "" {
		comp.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		comp.Props.SetText(ical.PropLocation, e.Location)
	}
	if len(e.Categories) > 0 {
		categories := ical.NewProp(ical.PropCategories)
		clean := make([]string, 0, len(e.Categories))
		for _, c := range e.Categories {
			clean = append(clean, strings.ReplaceAll(c, ",", " "))
		}
		categories.Value = strings.Join(clean, ",")
		comp.Props.Set(categories)
	}
	return comp
}

// Encode writes the calendar as text/calendar.
func Encode(w io.Writer, cal *ical.Calendar) error {
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode calendar: %w", err)
	}
	return nil
}

// EncodeString is Encode into a string.
func EncodeString(cal *ical.Calendar) (string, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, cal); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Imported is a series read from a calendar.
type Imported struct {
	Series     series.NewSeries
	Exceptions []time.Time
}

// Import reads the first recurring VEVENT of a calendar. Override instances
// (those with RECURRENCE-ID) are ignored.
func Import(r io.Reader) (*Imported, error) {
	cal, err := ical.NewDecoder(r).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode calendar: %w", err)
	}

	for _, ev := range cal.Events() {
		comp := ev.Component
		if comp.Props.Get(recurrenceID) != nil {
			continue
		}
		rruleProp := comp.Props.Get(ical.PropRecurrenceRule)
		if rruleProp == nil || rruleProp.Value == "" {
			continue
		}
		return importEvent(comp, rruleProp.Value)
	}
	return nil, ErrNoSeries
}

func importEvent(comp *ical.Component, rruleValue string) (*Imported, error) {
	rule, err := recurrence.ParseRRULE(rruleValue)
	if err != nil {
		return nil, err
	}

	dtstart := comp.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("recurring event has no %s", ical.PropDateTimeStart)
	}
	timeZone := dtstart.Params.Get(ical.ParamTimezoneID)
	if timeZone == "" {
		timeZone = "UTC"
	}
	loc, err := recurrence.LoadLocation(timeZone)
	if err != nil {
		return nil, err
	}
	start, err := dtstart.DateTime(loc)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ical.PropDateTimeStart, err)
	}

	end := start
	if dtend := comp.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		if end, err = dtend.DateTime(loc); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", ical.PropDateTimeEnd, err)
		}
	} else if dur := comp.Props.Get(ical.PropDuration); dur != nil {
		d, err := dur.Duration()
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", ical.PropDuration, err)
		}
		end = start.Add(d)
	} else if isDateOnly(dtstart) {
		end = start.AddDate(0, 0, 1)
	}

	in := series.NewSeries{
		StartDate: start,
		EndDate:   end,
		TimeZone:  timeZone,
		Rule:      rule,
	}
	in.Name, _ = comp.Props.Text(ical.PropSummary)
	in.Description, _ = comp.Props.Text(ical.PropDescription)
	in.Location, _ = comp.Props.Text(ical.PropLocation)
	if cat := comp.Props.Get(ical.PropCategories); cat != nil {
		for _, c := range strings.Split(cat.Value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				in.Categories = append(in.Categories, c)
			}
		}
	}

	var exceptions []time.Time
	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		exceptions = append(exceptions, parseDates(prop, loc)...)
	}
	return &Imported{Series: in, Exceptions: exceptions}, nil
}

func isDateOnly(prop *ical.Prop) bool {
	return strings.EqualFold(prop.Params.Get(ical.ParamValue), "DATE")
}

// parseDates reads a comma separated EXDATE value. Floating and TZID values
// are read in the property zone, falling back to loc.
func parseDates(prop ical.Prop, loc *time.Location) []time.Time {
	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		if l, err := recurrence.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	layout := "20060102T150405"
	if isDateOnly(&prop) {
		layout = dateLayout
	}

	var out []time.Time
	for _, v := range strings.Split(prop.Value, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		var t time.Time
		var err error
		if strings.HasSuffix(v, "Z") {
			t, err = time.Parse(utcLayout, v)
		} else {
			t, err = time.ParseInLocation(layout, v, loc)
		}
		if err == nil {
			out = append(out, t.UTC())
		}
	}
	return out
}
