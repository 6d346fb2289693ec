package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/eventseries/recurrence"
	"github.com/cyp0633/eventseries/series"
)

func fixture(t *testing.T) (*series.EventRecord, *series.Series) {
	t.Helper()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, ny)
	count := 10
	template := &series.EventRecord{
		ID:          "tmpl-1",
		Slug:        "standup",
		Name:        "Standup, daily",
		Description: "Bring your notes",
		Location:    "Room 4",
		Categories:  []string{"team", "sync"},
		StartDate:   start,
		EndDate:     start.Add(30 * time.Minute),
		TimeZone:    "America/New_York",
		SeriesSlug:  "standup-series",
	}
	s := &series.Series{
		ID:             "series-1",
		Slug:           "standup-series",
		Start:          start,
		TimeZone:       "America/New_York",
		Rule:           recurrence.Rule{Frequency: recurrence.Weekly, Count: &count},
		ExceptionDates: []time.Time{start.AddDate(0, 0, 14).UTC()},
	}
	return template, s
}

func TestExport(t *testing.T) {
	template, s := fixture(t)
	moved := template.Clone()
	moved.ID = "occ-1"
	slot := s.Start.AddDate(0, 0, 7).UTC()
	moved.OriginalOccurrenceDate = &slot
	moved.StartDate = s.Start.AddDate(0, 0, 7).Add(2 * time.Hour)
	moved.EndDate = moved.StartDate.Add(30 * time.Minute)

	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	cal, err := Export(template, s, []*series.EventRecord{moved, template}, now)
	require.NoError(t, err)

	events := cal.Events()
	require.Len(t, events, 2, "records without an occurrence slot are skipped")

	master := events[0]
	uid, err := master.Props.Text(ical.PropUID)
	require.NoError(t, err)
	assert.Equal(t, "series-1@eventseries", uid)
	rrule := master.Props.Get(ical.PropRecurrenceRule).Value
	assert.Contains(t, rrule, "FREQ=WEEKLY")
	assert.Contains(t, rrule, "COUNT=10")
	assert.Equal(t, "20250115T150000Z", master.Props.Get(ical.PropExceptionDates).Value)
	assert.Equal(t, "America/New_York", master.Props.Get(ical.PropDateTimeStart).Params.Get(ical.ParamTimezoneID))
	assert.Equal(t, "20250101T100000", master.Props.Get(ical.PropDateTimeStart).Value)

	override := events[1]
	assert.Equal(t, "20250108T100000", override.Props.Get(recurrenceID).Value)
	assert.Equal(t, "20250108T120000", override.Props.Get(ical.PropDateTimeStart).Value)

	text, err := EncodeString(cal)
	require.NoError(t, err)
	assert.Contains(t, text, "BEGIN:VCALENDAR")
	assert.Contains(t, text, "SUMMARY:Standup\\, daily")
	assert.Contains(t, text, "CATEGORIES:team,sync")
}

func TestExport_InvalidSeries(t *testing.T) {
	template, s := fixture(t)
	s.TimeZone = "Mars/Olympus"
	_, err := Export(template, s, nil, time.Now())
	assert.ErrorIs(t, err, recurrence.ErrInvalidTimeZone)

	_, s = fixture(t)
	s.Rule = recurrence.Rule{}
	_, err = Export(template, s, nil, time.Now())
	assert.ErrorIs(t, err, recurrence.ErrInvalidRule)
}

func TestRoundTrip(t *testing.T) {
	template, s := fixture(t)
	cal, err := Export(template, s, nil, time.Now())
	require.NoError(t, err)
	text, err := EncodeString(cal)
	require.NoError(t, err)

	got, err := Import(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, "Standup, daily", got.Series.Name)
	assert.Equal(t, "Bring your notes", got.Series.Description)
	assert.Equal(t, "Room 4", got.Series.Location)
	assert.Equal(t, []string{"team", "sync"}, got.Series.Categories)
	assert.Equal(t, "America/New_York", got.Series.TimeZone)
	assert.True(t, got.Series.StartDate.Equal(s.Start))
	assert.Equal(t, 30*time.Minute, got.Series.EndDate.Sub(got.Series.StartDate))
	assert.Equal(t, recurrence.Weekly, got.Series.Rule.Frequency)
	require.NotNil(t, got.Series.Rule.Count)
	assert.Equal(t, 10, *got.Series.Rule.Count)
	require.Len(t, got.Exceptions, 1)
	assert.True(t, got.Exceptions[0].Equal(s.ExceptionDates[0]))
}

func TestImport(t *testing.T) {
	const calendar = "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:single@test\r\n" +
		"DTSTAMP:20250101T000000Z\r\n" +
		"DTSTART:20250101T090000Z\r\n" +
		"SUMMARY:One-off\r\n" +
		"END:VEVENT\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:yoga@test\r\n" +
		"DTSTAMP:20250101T000000Z\r\n" +
		"DTSTART;TZID=Europe/Berlin:20250303T180000\r\n" +
		"DURATION:PT1H\r\n" +
		"RRULE:FREQ=WEEKLY;BYDAY=MO,WE;UNTIL=20250331T170000Z\r\n" +
		"EXDATE;TZID=Europe/Berlin:20250310T180000,20250312T180000\r\n" +
		"EXDATE;VALUE=DATE:20250317\r\n" +
		"SUMMARY:Yoga\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	got, err := Import(strings.NewReader(calendar))
	require.NoError(t, err)

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	assert.Equal(t, "Yoga", got.Series.Name)
	assert.Equal(t, "Europe/Berlin", got.Series.TimeZone)
	assert.True(t, got.Series.StartDate.Equal(time.Date(2025, 3, 3, 18, 0, 0, 0, berlin)))
	assert.Equal(t, time.Hour, got.Series.EndDate.Sub(got.Series.StartDate))
	assert.Len(t, got.Series.Rule.ByWeekday, 2)
	require.NotNil(t, got.Series.Rule.Until)

	require.Len(t, got.Exceptions, 3)
	assert.True(t, got.Exceptions[0].Equal(time.Date(2025, 3, 10, 17, 0, 0, 0, time.UTC)))
	assert.True(t, got.Exceptions[1].Equal(time.Date(2025, 3, 12, 17, 0, 0, 0, time.UTC)))
	assert.True(t, got.Exceptions[2].Equal(time.Date(2025, 3, 17, 0, 0, 0, 0, berlin)))
}

func TestImport_Failures(t *testing.T) {
	_, err := Import(strings.NewReader("not a calendar"))
	assert.Error(t, err)

	const single = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:a\r\nDTSTAMP:20250101T000000Z\r\nDTSTART:20250101T090000Z\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	_, err = Import(strings.NewReader(single))
	assert.ErrorIs(t, err, ErrNoSeries)

	const badRule = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:a\r\nDTSTAMP:20250101T000000Z\r\nDTSTART:20250101T090000Z\r\nRRULE:FREQ=SOMETIMES\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	_, err = Import(strings.NewReader(badRule))
	assert.ErrorIs(t, err, recurrence.ErrInvalidRule)
}
