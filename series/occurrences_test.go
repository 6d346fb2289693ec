package series_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/eventseries/recurrence"
	"github.com/cyp0633/eventseries/series"
	"github.com/cyp0633/eventseries/series/memory"
)

var scope = series.Scope{TenantID: "tenant-1", ActorID: "user-1"}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []series.Change
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, c series.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
	return p.err
}

func (p *recordingPublisher) types() []series.ChangeType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]series.ChangeType, 0, len(p.changes))
	for _, c := range p.changes {
		out = append(out, c.Type)
	}
	return out
}

type fixture struct {
	store       *memory.Store
	occurrences *series.OccurrenceService
	modify      *series.ModificationEngine
	publisher   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	publisher := &recordingPublisher{}
	cfg := series.Config{
		Store:     store,
		Engine:    recurrence.NewEngine(),
		Publisher: publisher,
	}
	return &fixture{
		store:       store,
		occurrences: series.NewOccurrenceService(cfg),
		modify:      series.NewModificationEngine(cfg),
		publisher:   publisher,
	}
}

func (f *fixture) createSeries(t *testing.T, start time.Time, duration time.Duration, tz string, rule recurrence.Rule) *series.EventRecord {
	t.Helper()
	template, _, err := f.modify.CreateSeries(context.Background(), scope, series.NewSeries{
		Name:      "Morning Run",
		Location:  "Park",
		StartDate: start,
		EndDate:   start.Add(duration),
		TimeZone:  tz,
		Rule:      rule,
	})
	require.NoError(t, err)
	return template
}

func (f *fixture) seriesOf(t *testing.T, event *series.EventRecord) *series.Series {
	t.Helper()
	s, err := f.store.FindSeriesBySlug(context.Background(), scope, event.SeriesSlug)
	require.NoError(t, err)
	return s
}

func count(n int) *int { return &n }

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestListOccurrences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Date(2025, 1, 6, 18, 0, 0, 0, time.UTC)
	template := f.createSeries(t, start, time.Hour, "UTC", recurrence.Rule{Frequency: recurrence.Daily, Count: count(10)})

	tests := []struct {
		name  string
		rng   series.Range
		first time.Time
		want  int
	}{
		{name: "whole series", want: 10, first: start},
		{name: "count", rng: series.Range{Count: mo.Some(3)}, want: 3, first: start},
		{name: "start", rng: series.Range{Start: mo.Some(start.AddDate(0, 0, 7))}, want: 3, first: start.AddDate(0, 0, 7)},
		{name: "end", rng: series.Range{End: mo.Some(start.AddDate(0, 0, 4))}, want: 5, first: start},
		{
			name:  "start and end with count",
			rng:   series.Range{Start: mo.Some(start.AddDate(0, 0, 2)), End: mo.Some(start.AddDate(0, 0, 8)), Count: mo.Some(2)},
			want:  2,
			first: start.AddDate(0, 0, 2),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dates, err := f.occurrences.ListOccurrences(ctx, scope, template.Slug, tt.rng)
			require.NoError(t, err)
			require.Len(t, dates, tt.want)
			assert.True(t, dates[0].Equal(tt.first))
		})
	}
}

func TestListOccurrences_Failures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.occurrences.ListOccurrences(ctx, scope, "missing", series.Range{})
	assert.ErrorIs(t, err, series.ErrNotFound)

	standalone, err := f.store.CreateEvent(ctx, scope, &series.EventRecord{Name: "One-off", StartDate: time.Now()})
	require.NoError(t, err)
	_, err = f.occurrences.ListOccurrences(ctx, scope, standalone.Slug, series.Range{})
	assert.ErrorIs(t, err, series.ErrInvalidState)

	// another tenant cannot see the series
	template := f.createSeries(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), time.Hour, "UTC",
		recurrence.Rule{Frequency: recurrence.Weekly})
	_, err = f.occurrences.ListOccurrences(ctx, series.Scope{TenantID: "tenant-2"}, template.Slug, series.Range{})
	assert.ErrorIs(t, err, series.ErrNotFound)
}

func TestListOccurrences_BrokenRuleIsReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	template := f.createSeries(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), time.Hour, "UTC",
		recurrence.Rule{Frequency: recurrence.Weekly})

	s := f.seriesOf(t, template)
	s.TimeZone = "Not/AZone"
	_, err := f.store.UpdateSeries(ctx, scope, s)
	require.NoError(t, err)

	_, err = f.occurrences.ListOccurrences(ctx, scope, template.Slug, series.Range{})
	assert.ErrorIs(t, err, series.ErrEngineDegradation)
	assert.ErrorIs(t, err, recurrence.ErrInvalidTimeZone)
	assert.Equal(t, series.TypeEngineDegradation, series.TypeOf(err))
}

func TestExpandOccurrences_KeepsDurationAcrossDST(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ny := mustLoc(t, "America/New_York")
	start := time.Date(2025, 3, 6, 10, 0, 0, 0, ny)
	template := f.createSeries(t, start, 90*time.Minute, "America/New_York",
		recurrence.Rule{Frequency: recurrence.Daily, Count: count(6)})

	occurrences, err := f.occurrences.ExpandOccurrences(ctx, scope, template.Slug, series.Range{})
	require.NoError(t, err)
	require.Len(t, occurrences, 6)

	for _, occ := range occurrences {
		assert.False(t, occ.Materialized)
		require.NotNil(t, occ.Event)
		assert.Equal(t, 10, occ.Event.StartDate.In(ny).Hour())
		assert.Equal(t, 90*time.Minute, occ.Event.EndDate.Sub(occ.Event.StartDate))
		assert.Equal(t, "Park", occ.Event.Location)
		assert.True(t, occ.Date.Equal(occ.Event.StartDate))
	}
}

func TestExpandOccurrences_JoinsMaterializedEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Date(2025, 1, 6, 18, 0, 0, 0, time.UTC)
	template := f.createSeries(t, start, time.Hour, "UTC", recurrence.Rule{Frequency: recurrence.Daily, Count: count(5)})

	third := start.AddDate(0, 0, 2)
	record, err := f.occurrences.MaterializeOccurrence(ctx, scope, template.Slug, third)
	require.NoError(t, err)

	occurrences, err := f.occurrences.ExpandOccurrences(ctx, scope, template.Slug, series.Range{})
	require.NoError(t, err)
	require.Len(t, occurrences, 5)
	for i, occ := range occurrences {
		if i == 2 {
			assert.True(t, occ.Materialized)
			assert.Equal(t, record.ID, occ.Event.ID)
			continue
		}
		assert.False(t, occ.Materialized, "occurrence %d", i)
	}
}

func TestExceptionDates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ny := mustLoc(t, "America/New_York")
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, ny)
	template := f.createSeries(t, start, time.Hour, "America/New_York", recurrence.Rule{Frequency: recurrence.Weekly, Count: count(10)})

	before, err := f.occurrences.ExpandOccurrences(ctx, scope, template.Slug, series.Range{})
	require.NoError(t, err)
	require.Len(t, before, 10)

	excluded := before[3].Date
	updated, err := f.occurrences.AddExceptionDate(ctx, scope, template.Slug, excluded)
	require.NoError(t, err)
	require.Len(t, updated.ExceptionDates, 1)
	assert.True(t, updated.ExceptionDates[0].Equal(excluded))
	assert.Equal(t, time.UTC, updated.ExceptionDates[0].Location())

	after, err := f.occurrences.ExpandOccurrences(ctx, scope, template.Slug, series.Range{})
	require.NoError(t, err)
	require.Len(t, after, 9)
	for _, occ := range after {
		assert.False(t, occ.Date.Equal(excluded))
	}

	all, err := f.occurrences.ListOccurrences(ctx, scope, template.Slug, series.Range{IncludeExcluded: true})
	require.NoError(t, err)
	assert.Len(t, all, 10)

	t.Run("excluding twice", func(t *testing.T) {
		_, err := f.occurrences.AddExceptionDate(ctx, scope, template.Slug, excluded)
		assert.ErrorIs(t, err, series.ErrInvalidState)
	})

	t.Run("date outside the pattern", func(t *testing.T) {
		_, err := f.occurrences.AddExceptionDate(ctx, scope, template.Slug, excluded.Add(24*time.Hour))
		assert.ErrorIs(t, err, series.ErrInvalidState)
	})

	t.Run("re-including restores the series", func(t *testing.T) {
		_, err := f.occurrences.RemoveExceptionDate(ctx, scope, template.Slug, excluded)
		require.NoError(t, err)
		restored, err := f.occurrences.ExpandOccurrences(ctx, scope, template.Slug, series.Range{})
		require.NoError(t, err)
		assert.Len(t, restored, 10)
	})

	t.Run("re-including twice", func(t *testing.T) {
		_, err := f.occurrences.RemoveExceptionDate(ctx, scope, template.Slug, excluded)
		assert.ErrorIs(t, err, series.ErrInvalidState)
	})

	assert.Equal(t, []series.ChangeType{
		series.ChangeSeriesCreated,
		series.ChangeExceptionAdded,
		series.ChangeExceptionRemoved,
	}, f.publisher.types())

	t.Run("bare calendar date", func(t *testing.T) {
		updated, err := f.occurrences.AddExceptionDate(ctx, scope, template.Slug, time.Date(2025, 1, 15, 0, 0, 0, 0, ny))
		require.NoError(t, err)
		require.Len(t, updated.ExceptionDates, 1)
		assert.True(t, updated.ExceptionDates[0].Equal(time.Date(2025, 1, 15, 10, 0, 0, 0, ny)))

		_, err = f.occurrences.AddExceptionDate(ctx, scope, template.Slug, time.Date(2025, 1, 16, 0, 0, 0, 0, ny))
		assert.ErrorIs(t, err, series.ErrInvalidState)
		_, err = f.occurrences.AddExceptionDate(ctx, scope, template.Slug, time.Date(2025, 1, 22, 3, 0, 0, 0, ny))
		assert.ErrorIs(t, err, series.ErrInvalidState, "only midnight reads as a whole day")
	})
}

func TestExceptionDates_KeptSorted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	template := f.createSeries(t, start, time.Hour, "UTC", recurrence.Rule{Frequency: recurrence.Daily, Count: count(10)})

	for _, day := range []int{7, 2, 5} {
		_, err := f.occurrences.AddExceptionDate(ctx, scope, template.Slug, start.AddDate(0, 0, day))
		require.NoError(t, err)
	}
	s := f.seriesOf(t, template)
	require.Len(t, s.ExceptionDates, 3)
	assert.True(t, s.ExceptionDates[0].Before(s.ExceptionDates[1]))
	assert.True(t, s.ExceptionDates[1].Before(s.ExceptionDates[2]))
	assert.Equal(t, int64(4), s.Version)
}

func TestDescribeSeries(t *testing.T) {
	f := newFixture(t)
	template := f.createSeries(t, time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC), time.Hour, "UTC", recurrence.Rule{
		Frequency: recurrence.Weekly,
		ByWeekday: []recurrence.Weekday{{Day: time.Monday}, {Day: time.Wednesday}, {Day: time.Friday}},
	})

	text, err := f.occurrences.Describe(context.Background(), scope, template.Slug)
	require.NoError(t, err)
	assert.Equal(t, "Weekly on Monday, Wednesday, Friday", text)
}

func TestSeriesLocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, mustLoc(t, "America/New_York"))
	template := f.createSeries(t, start, time.Hour, "America/New_York", recurrence.Rule{Frequency: recurrence.Daily, Count: count(3)})

	loc, err := f.occurrences.Location(ctx, scope, template.Slug)
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", loc.String())

	_, err = f.occurrences.Location(ctx, scope, "missing")
	assert.ErrorIs(t, err, series.ErrNotFound)
}

func TestMaterializeOccurrence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Date(2025, 1, 6, 18, 0, 0, 0, time.UTC)
	template := f.createSeries(t, start, 2*time.Hour, "UTC", recurrence.Rule{Frequency: recurrence.Daily, Count: count(3)})

	second := start.AddDate(0, 0, 1)
	first, err := f.occurrences.MaterializeOccurrence(ctx, scope, template.Slug, second.Add(20*time.Second))
	require.NoError(t, err)
	assert.True(t, first.IsMaterializedOccurrence())
	assert.True(t, first.OriginalOccurrenceDate.Equal(second), "slot is the canonical occurrence")
	assert.Equal(t, 2*time.Hour, first.Duration())
	assert.Equal(t, template.SeriesSlug, first.SeriesSlug)

	again, err := f.occurrences.MaterializeOccurrence(ctx, scope, template.Slug, second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = f.occurrences.MaterializeOccurrence(ctx, scope, template.Slug, second.Add(time.Hour))
	assert.ErrorIs(t, err, series.ErrInvalidState)
}

func TestMaterializeOccurrence_ConcurrentCallersShareOneRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Date(2025, 1, 6, 18, 0, 0, 0, time.UTC)
	template := f.createSeries(t, start, time.Hour, "UTC", recurrence.Rule{Frequency: recurrence.Daily, Count: count(3)})

	const callers = 16
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			record, err := f.occurrences.MaterializeOccurrence(ctx, scope, template.Slug, start)
			errs[i] = err
			if record != nil {
				ids[i] = record.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	events, err := f.store.FindOccurrenceEvents(ctx, scope, template.SeriesSlug)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMaterializeNext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Date(2025, 1, 6, 18, 0, 0, 0, time.UTC)
	template := f.createSeries(t, start, time.Hour, "UTC", recurrence.Rule{Frequency: recurrence.Daily, Count: count(4)})

	_, err := f.occurrences.AddExceptionDate(ctx, scope, template.Slug, start.AddDate(0, 0, 1))
	require.NoError(t, err)

	first, err := f.occurrences.MaterializeNext(ctx, scope, template.Slug, start)
	require.NoError(t, err)
	assert.True(t, first.OriginalOccurrenceDate.Equal(start))

	// the excluded second day is skipped
	next, err := f.occurrences.MaterializeNext(ctx, scope, template.Slug, start)
	require.NoError(t, err)
	assert.True(t, next.OriginalOccurrenceDate.Equal(start.AddDate(0, 0, 2)))

	last, err := f.occurrences.MaterializeNext(ctx, scope, template.Slug, start)
	require.NoError(t, err)
	assert.True(t, last.OriginalOccurrenceDate.Equal(start.AddDate(0, 0, 3)))

	_, err = f.occurrences.MaterializeNext(ctx, scope, template.Slug, start)
	assert.ErrorIs(t, err, series.ErrInvalidState)
}

func TestPublisherFailureDoesNotFailMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")
	start := time.Date(2025, 1, 6, 18, 0, 0, 0, time.UTC)
	template := f.createSeries(t, start, time.Hour, "UTC", recurrence.Rule{Frequency: recurrence.Daily, Count: count(3)})

	_, err := f.occurrences.AddExceptionDate(ctx, scope, template.Slug, start)
	assert.NoError(t, err)
	assert.Len(t, f.publisher.types(), 2)
}
