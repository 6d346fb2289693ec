// Package storetest holds the behaviour every series.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/eventseries/recurrence"
	"github.com/cyp0633/eventseries/series"
)

// Factory returns an empty store together with a scope no other test uses.
type Factory func(t *testing.T) (series.Store, series.Scope)

// Run exercises a backend against the shared contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("events", func(t *testing.T) { testEvents(t, newStore) })
	t.Run("occurrence slots", func(t *testing.T) { testSlots(t, newStore) })
	t.Run("children", func(t *testing.T) { testChildren(t, newStore) })
	t.Run("series versions", func(t *testing.T) { testSeries(t, newStore) })
	t.Run("tenant isolation", func(t *testing.T) { testIsolation(t, newStore) })
	t.Run("transactions", func(t *testing.T) { testTransactions(t, newStore) })
}

var start = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func template(seriesSlug string) *series.EventRecord {
	capacity := 20
	return &series.EventRecord{
		Name:       "Pottery",
		Location:   "Studio 2",
		Capacity:   &capacity,
		Categories: []string{"craft", "weekly"},
		StartDate:  start,
		EndDate:    start.Add(90 * time.Minute),
		TimeZone:   "UTC",
		SeriesSlug: seriesSlug,
	}
}

func testEvents(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, scope := newStore(t)

	created, err := store.CreateEvent(ctx, scope, template("pottery"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Contains(t, created.Slug, "pottery-")
	assert.True(t, created.IsRecurring())

	got, err := store.FindEventBySlug(ctx, scope, created.Slug)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, []string{"craft", "weekly"}, got.Categories)
	require.NotNil(t, got.Capacity)
	assert.Equal(t, 20, *got.Capacity)
	assert.True(t, got.EndDate.Equal(start.Add(90*time.Minute)))

	byID, err := store.FindEventByID(ctx, scope, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Slug, byID.Slug)

	name := "Wheel Pottery"
	updated, err := store.UpdateEvent(ctx, scope, created.Slug, series.EventPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, "Studio 2", updated.Location)

	dup := template("pottery")
	dup.Slug = created.Slug
	_, err = store.CreateEvent(ctx, scope, dup)
	assert.ErrorIs(t, err, series.ErrConflict)

	require.NoError(t, store.RemoveEvent(ctx, scope, created.ID))
	_, err = store.FindEventBySlug(ctx, scope, created.Slug)
	assert.ErrorIs(t, err, series.ErrNotFound)
	assert.ErrorIs(t, store.RemoveEvent(ctx, scope, created.ID), series.ErrNotFound)

	_, err = store.UpdateEvent(ctx, scope, "missing", series.EventPatch{Name: &name})
	assert.ErrorIs(t, err, series.ErrNotFound)
}

func testSlots(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, scope := newStore(t)

	slot := start.AddDate(0, 0, 7)
	occ := template("pottery")
	occ.StartDate = slot
	occ.OriginalOccurrenceDate = &slot
	first, err := store.CreateEvent(ctx, scope, occ)
	require.NoError(t, err)
	assert.True(t, first.IsMaterializedOccurrence())

	_, err = store.CreateEvent(ctx, scope, occ)
	assert.ErrorIs(t, err, series.ErrConflict)

	// same instant in another zone is the same slot
	shifted := slot.In(time.FixedZone("UTC+2", 2*3600))
	other := template("pottery")
	other.OriginalOccurrenceDate = &shifted
	_, err = store.CreateEvent(ctx, scope, other)
	assert.ErrorIs(t, err, series.ErrConflict)

	// a different series may use the same instant
	elsewhere := template("other")
	elsewhere.OriginalOccurrenceDate = &slot
	_, err = store.CreateEvent(ctx, scope, elsewhere)
	require.NoError(t, err)

	occs, err := store.FindOccurrenceEvents(ctx, scope, "pottery")
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, first.ID, occs[0].ID)
	assert.True(t, occs[0].OriginalOccurrenceDate.Equal(slot))

	// removing the occurrence frees the slot
	require.NoError(t, store.RemoveEvent(ctx, scope, first.ID))
	_, err = store.CreateEvent(ctx, scope, occ)
	assert.NoError(t, err)
}

func testChildren(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, scope := newStore(t)

	root, err := store.CreateEvent(ctx, scope, template("pottery"))
	require.NoError(t, err)

	for _, days := range []int{21, 7, 14} {
		child := template(fmt.Sprintf("pottery-%d", days))
		child.StartDate = start.AddDate(0, 0, days)
		date := child.StartDate
		child.ParentEventID = root.ID
		child.OriginalDate = &date
		child.IsSplitPoint = true
		_, err := store.CreateEvent(ctx, scope, child)
		require.NoError(t, err)
	}

	children, err := store.FindChildEventsByParentID(ctx, scope, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	for i, days := range []int{7, 14, 21} {
		assert.True(t, children[i].IsSplitPoint)
		assert.True(t, children[i].OriginalDate.Equal(start.AddDate(0, 0, days)))
		assert.Equal(t, root.ID, children[i].ParentEventID)
	}

	none, err := store.FindChildEventsByParentID(ctx, scope, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func newSeries(slug string) *series.Series {
	count := 10
	return &series.Series{
		Slug:              slug,
		Name:              "Pottery",
		TemplateEventID:   "tmpl",
		TemplateEventSlug: "pottery-tmpl",
		Start:             start,
		TimeZone:          "America/New_York",
		Rule: recurrence.Rule{
			Frequency: recurrence.Weekly,
			Interval:  1,
			Count:     &count,
			ByWeekday: []recurrence.Weekday{{Day: time.Monday}, {Day: time.Thursday}},
		},
	}
}

func testSeries(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, scope := newStore(t)

	created, err := store.CreateSeries(ctx, scope, newSeries("pottery"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.NotEmpty(t, created.ID)

	_, err = store.CreateSeries(ctx, scope, newSeries("pottery"))
	assert.ErrorIs(t, err, series.ErrConflict)

	got, err := store.FindSeriesBySlug(ctx, scope, "pottery")
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", got.TimeZone)
	assert.Equal(t, recurrence.Weekly, got.Rule.Frequency)
	require.NotNil(t, got.Rule.Count)
	assert.Equal(t, 10, *got.Rule.Count)
	assert.Len(t, got.Rule.ByWeekday, 2)

	got.ExceptionDates = append(got.ExceptionDates, start.AddDate(0, 0, 3))
	got.SplitPoints = append(got.SplitPoints, series.SplitPoint{
		EventID:      "child",
		EventSlug:    "pottery-child",
		SeriesSlug:   "pottery-2",
		OriginalDate: start.AddDate(0, 0, 14),
	})
	stale := got.Clone()

	updated, err := store.UpdateSeries(ctx, scope, got)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	require.Len(t, updated.ExceptionDates, 1)
	assert.True(t, updated.ExceptionDates[0].Equal(start.AddDate(0, 0, 3)))
	require.Len(t, updated.SplitPoints, 1)
	assert.Equal(t, "pottery-2", updated.SplitPoints[0].SeriesSlug)

	_, err = store.UpdateSeries(ctx, scope, stale)
	assert.ErrorIs(t, err, series.ErrConflict)

	missing := newSeries("missing")
	missing.Version = 1
	_, err = store.UpdateSeries(ctx, scope, missing)
	assert.ErrorIs(t, err, series.ErrNotFound)

	require.NoError(t, store.RemoveSeries(ctx, scope, "pottery"))
	_, err = store.FindSeriesBySlug(ctx, scope, "pottery")
	assert.ErrorIs(t, err, series.ErrNotFound)
	assert.ErrorIs(t, store.RemoveSeries(ctx, scope, "pottery"), series.ErrNotFound)
}

func testIsolation(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, scope := newStore(t)
	stranger := series.Scope{TenantID: scope.TenantID + "-other", ActorID: "intruder"}

	event, err := store.CreateEvent(ctx, scope, template("pottery"))
	require.NoError(t, err)
	_, err = store.CreateSeries(ctx, scope, newSeries("pottery"))
	require.NoError(t, err)

	_, err = store.FindEventBySlug(ctx, stranger, event.Slug)
	assert.ErrorIs(t, err, series.ErrNotFound)
	_, err = store.FindEventByID(ctx, stranger, event.ID)
	assert.ErrorIs(t, err, series.ErrNotFound)
	_, err = store.FindSeriesBySlug(ctx, stranger, "pottery")
	assert.ErrorIs(t, err, series.ErrNotFound)
	assert.ErrorIs(t, store.RemoveEvent(ctx, stranger, event.ID), series.ErrNotFound)

	// slugs are unique per tenant only
	_, err = store.CreateSeries(ctx, stranger, newSeries("pottery"))
	assert.NoError(t, err)
}

func testTransactions(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, scope := newStore(t)
	tx, ok := store.(series.Transactor)
	if !ok {
		t.Skip("store does not support transactions")
	}

	boom := errors.New("boom")
	var slug string
	err := tx.InTx(ctx, func(s series.Store) error {
		e, err := s.CreateEvent(ctx, scope, template("pottery"))
		if err != nil {
			return err
		}
		slug = e.Slug
		if _, err := s.CreateSeries(ctx, scope, newSeries("pottery")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = store.FindEventBySlug(ctx, scope, slug)
	assert.ErrorIs(t, err, series.ErrNotFound)
	_, err = store.FindSeriesBySlug(ctx, scope, "pottery")
	assert.ErrorIs(t, err, series.ErrNotFound)

	err = tx.InTx(ctx, func(s series.Store) error {
		e, err := s.CreateEvent(ctx, scope, template("pottery"))
		if err != nil {
			return err
		}
		slug = e.Slug
		return nil
	})
	require.NoError(t, err)
	_, err = store.FindEventBySlug(ctx, scope, slug)
	assert.NoError(t, err)

	t.Run("rollback keeps writes made outside the transaction", func(t *testing.T) {
		glaze, err := store.CreateSeries(ctx, scope, newSeries("glaze"))
		require.NoError(t, err)

		var inside, outside string
		err = tx.InTx(ctx, func(s series.Store) error {
			e, err := s.CreateEvent(ctx, scope, template("kiln"))
			if err != nil {
				return err
			}
			inside = e.Slug

			occ := template("glaze")
			at := start.Add(7 * 24 * time.Hour)
			occ.OriginalOccurrenceDate = &at
			materialized, err := store.CreateEvent(ctx, scope, occ)
			if err != nil {
				return err
			}
			outside = materialized.Slug

			renamed := glaze.Clone()
			renamed.Name = "Glazing"
			if _, err := store.UpdateSeries(ctx, scope, renamed); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = store.FindEventBySlug(ctx, scope, inside)
		assert.ErrorIs(t, err, series.ErrNotFound)
		got, err := store.FindEventBySlug(ctx, scope, outside)
		require.NoError(t, err)
		assert.NotNil(t, got.OriginalOccurrenceDate)
		updated, err := store.FindSeriesBySlug(ctx, scope, "glaze")
		require.NoError(t, err)
		assert.Equal(t, "Glazing", updated.Name)
		assert.Equal(t, glaze.Version+1, updated.Version)
	})
}
