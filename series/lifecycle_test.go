package series_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/eventseries/recurrence"
	"github.com/cyp0633/eventseries/series"
)

func TestCreateSeries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Date(2025, 4, 1, 19, 0, 0, 0, time.UTC)

	template, s, err := f.modify.CreateSeries(ctx, scope, series.NewSeries{
		Name:      "Book Club",
		StartDate: start,
		EndDate:   start.Add(2 * time.Hour),
		TimeZone:  "Europe/Berlin",
		Rule:      recurrence.Rule{Frequency: recurrence.Monthly, ByWeekday: []recurrence.Weekday{{N: 1, Day: time.Tuesday}}},
	})
	require.NoError(t, err)
	assert.True(t, template.IsRecurring())
	assert.Equal(t, s.Slug, template.SeriesSlug)
	assert.Equal(t, template.ID, s.TemplateEventID)
	assert.Equal(t, template.Slug, s.TemplateEventSlug)
	assert.Equal(t, 1, s.Rule.Interval, "interval is normalized")
	assert.Equal(t, int64(1), s.Version)
	assert.Contains(t, template.Slug, "book-club-")

	invalid := []struct {
		name    string
		in      series.NewSeries
		wantErr error
	}{
		{name: "missing name", in: series.NewSeries{StartDate: start, Rule: recurrence.Rule{Frequency: recurrence.Daily}}, wantErr: series.ErrInvalidState},
		{name: "missing start", in: series.NewSeries{Name: "x", Rule: recurrence.Rule{Frequency: recurrence.Daily}}, wantErr: series.ErrInvalidState},
		{name: "broken rule", in: series.NewSeries{Name: "x", StartDate: start, Rule: recurrence.Rule{}}, wantErr: series.ErrEngineDegradation},
		{name: "unknown zone", in: series.NewSeries{Name: "x", StartDate: start, TimeZone: "Moon/Base", Rule: recurrence.Rule{Frequency: recurrence.Daily}}, wantErr: series.ErrEngineDegradation},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.modify.CreateSeries(ctx, scope, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPromoteEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Date(2025, 4, 1, 19, 0, 0, 0, time.UTC)
	event, err := f.store.CreateEvent(ctx, scope, &series.EventRecord{
		Name:      "Standup",
		StartDate: start,
		EndDate:   start.Add(15 * time.Minute),
		TimeZone:  "UTC",
	})
	require.NoError(t, err)
	assert.False(t, event.IsRecurring())

	s, err := f.modify.PromoteEvent(ctx, scope, event.Slug, recurrence.Rule{Frequency: recurrence.Daily, Count: count(5)}, "")
	require.NoError(t, err)
	assert.Equal(t, event.ID, s.TemplateEventID)
	assert.True(t, s.Start.Equal(start))
	assert.Equal(t, "UTC", s.TimeZone)

	dates, err := f.occurrences.ListOccurrences(ctx, scope, event.Slug, series.Range{})
	require.NoError(t, err)
	assert.Len(t, dates, 5)

	_, err = f.modify.PromoteEvent(ctx, scope, event.Slug, recurrence.Rule{Frequency: recurrence.Daily}, "")
	assert.ErrorIs(t, err, series.ErrInvalidState)

	_, err = f.modify.PromoteEvent(ctx, scope, "missing", recurrence.Rule{Frequency: recurrence.Daily}, "")
	assert.ErrorIs(t, err, series.ErrNotFound)
}

func TestUpdateRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Date(2025, 4, 1, 19, 0, 0, 0, time.UTC)
	template := f.createSeries(t, start, time.Hour, "UTC", recurrence.Rule{Frequency: recurrence.Daily, Count: count(5)})

	updated, err := f.modify.UpdateRule(ctx, scope, template.Slug, recurrence.Rule{Frequency: recurrence.Weekly, Count: count(2)})
	require.NoError(t, err)
	assert.Equal(t, recurrence.Weekly, updated.Rule.Frequency)
	assert.Equal(t, int64(2), updated.Version)

	dates, err := f.occurrences.ListOccurrences(ctx, scope, template.Slug, series.Range{})
	require.NoError(t, err)
	require.Len(t, dates, 2)
	assert.True(t, dates[1].Equal(start.AddDate(0, 0, 7)))

	_, err = f.modify.UpdateRule(ctx, scope, template.Slug, recurrence.Rule{Frequency: recurrence.Weekly, ByMonth: []int{0}})
	assert.ErrorIs(t, err, series.ErrEngineDegradation)
}

func TestDeleteSeries(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 4, 1, 19, 0, 0, 0, time.UTC)

	for _, cascade := range []bool{true, false} {
		f := newFixture(t)
		template := f.createSeries(t, start, time.Hour, "UTC", recurrence.Rule{Frequency: recurrence.Daily, Count: count(5)})
		occ, err := f.occurrences.MaterializeOccurrence(ctx, scope, template.Slug, start.AddDate(0, 0, 1))
		require.NoError(t, err)

		require.NoError(t, f.modify.DeleteSeries(ctx, scope, template.Slug, cascade))

		_, err = f.store.FindEventBySlug(ctx, scope, template.Slug)
		assert.ErrorIs(t, err, series.ErrNotFound)
		_, err = f.store.FindSeriesBySlug(ctx, scope, template.SeriesSlug)
		assert.ErrorIs(t, err, series.ErrNotFound)

		_, err = f.store.FindEventByID(ctx, scope, occ.ID)
		if cascade {
			assert.ErrorIs(t, err, series.ErrNotFound)
		} else {
			assert.NoError(t, err)
		}
	}

	f := newFixture(t)
	err := f.modify.DeleteSeries(ctx, scope, "missing", true)
	assert.ErrorIs(t, err, series.ErrNotFound)
}

func TestCreateSeries_WithExceptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Date(2025, 4, 1, 19, 0, 0, 0, time.UTC)

	template, s, err := f.modify.CreateSeries(ctx, scope, series.NewSeries{
		Name:      "Choir",
		StartDate: start,
		EndDate:   start.Add(time.Hour),
		TimeZone:  "UTC",
		Rule:      recurrence.Rule{Frequency: recurrence.Daily, Count: count(5)},
		ExceptionDates: []time.Time{
			start.AddDate(0, 0, 3),
			start.AddDate(0, 0, 1),
			start.AddDate(0, 0, 1).Add(time.Second / 2),
			start.AddDate(0, 0, 9),
		},
	})
	require.NoError(t, err)
	require.Len(t, s.ExceptionDates, 2, "duplicates and dates outside the pattern are dropped")
	assert.True(t, s.ExceptionDates[0].Equal(start.AddDate(0, 0, 1)))
	assert.True(t, s.ExceptionDates[1].Equal(start.AddDate(0, 0, 3)))

	dates, err := f.occurrences.ListOccurrences(ctx, scope, template.Slug, series.Range{})
	require.NoError(t, err)
	assert.Len(t, dates, 3)
}
