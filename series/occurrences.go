package series

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samber/mo"

	"github.com/cyp0633/eventseries/recurrence"
)

// OccurrenceService lists, expands, excludes and materializes the
// occurrences of one series at a time. Series are addressed by the slug of
// their template event.
type OccurrenceService struct {
	core
}

func NewOccurrenceService(cfg Config) *OccurrenceService {
	return &OccurrenceService{core: newCore(cfg)}
}

// ListOccurrences returns the ascending occurrence dates of a series,
// optionally bounded by the range.
func (o *OccurrenceService) ListOccurrences(ctx context.Context, scope Scope, eventSlug string, rng Range) ([]time.Time, error) {
	_, s, err := o.loadSeries(ctx, o.store, scope, eventSlug)
	if err != nil {
		return nil, err
	}
	return o.dates(s, rng)
}

func (o *OccurrenceService) dates(s *Series, rng Range) ([]time.Time, error) {
	dates, err := o.engine.Generate(s.Start, s.Rule, recurrence.Options{
		TimeZone:          s.TimeZone,
		From:              rng.Start,
		Until:             rng.End,
		Count:             rng.Count,
		ExceptionDates:    s.ExceptionDates,
		IncludeExceptions: rng.IncludeExcluded,
	})
	if err != nil {
		return nil, degraded(err)
	}
	// a count still limits a bounded range
	if n, ok := rng.Count.Get(); ok && n >= 0 && len(dates) > n {
		dates = dates[:n]
	}
	return dates, nil
}

// ExpandOccurrences pairs each occurrence date with its materialized event,
// or with a projection of the template that keeps the template's duration.
func (o *OccurrenceService) ExpandOccurrences(ctx context.Context, scope Scope, eventSlug string, rng Range) ([]Occurrence, error) {
	template, s, err := o.loadSeries(ctx, o.store, scope, eventSlug)
	if err != nil {
		return nil, err
	}
	dates, err := o.dates(s, rng)
	if err != nil {
		return nil, err
	}

	materialized, err := o.materializedBySlot(ctx, o.store, scope, s.Slug)
	if err != nil {
		return nil, err
	}

	duration := template.Duration()
	occurrences := make([]Occurrence, 0, len(dates))
	for _, d := range dates {
		if event, ok := materialized[slotKey(d)]; ok {
			occurrences = append(occurrences, Occurrence{Date: d, Materialized: true, Event: event})
			continue
		}
		projection := template.Clone()
		projection.StartDate = d
		projection.EndDate = d.Add(duration)
		occurrences = append(occurrences, Occurrence{Date: d, Event: projection})
	}
	return occurrences, nil
}

func (o *OccurrenceService) materializedBySlot(ctx context.Context, store Store, scope Scope, seriesSlug string) (map[int64]*EventRecord, error) {
	events, err := store.FindOccurrenceEvents(ctx, scope, seriesSlug)
	if err != nil {
		return nil, fmt.Errorf("loading occurrences of %q: %w", seriesSlug, err)
	}
	bySlot := make(map[int64]*EventRecord, len(events))
	for _, e := range events {
		if e.OriginalOccurrenceDate != nil {
			bySlot[slotKey(*e.OriginalOccurrenceDate)] = e
		}
	}
	return bySlot, nil
}

// AddExceptionDate excludes one occurrence. The date must be a current,
// not yet excluded occurrence of the series.
func (o *OccurrenceService) AddExceptionDate(ctx context.Context, scope Scope, eventSlug string, date time.Time) (*Series, error) {
	return o.mutateExceptions(ctx, scope, eventSlug, ChangeExceptionAdded, date, func(s *Series, loc *time.Location) error {
		if slices.ContainsFunc(s.ExceptionDates, func(ex time.Time) bool { return recurrence.SameDay(ex, date, loc) }) {
			return InvalidState("%s is already excluded", date.Format(time.RFC3339))
		}
		slot, ok, err := o.occurrenceAt(s, date, false)
		if err == nil && !ok && isCalendarDate(date, loc) {
			// a bare date names the occurrence on that day
			slot, ok, err = o.occurrenceOnDay(s, date)
		}
		if err != nil {
			return err
		}
		if !ok {
			return InvalidState("%s is not an occurrence of series %q", date.Format(time.RFC3339), s.Slug)
		}
		s.ExceptionDates = insertSorted(s.ExceptionDates, SlotTime(slot))
		return nil
	})
}

// RemoveExceptionDate re-includes an excluded occurrence.
func (o *OccurrenceService) RemoveExceptionDate(ctx context.Context, scope Scope, eventSlug string, date time.Time) (*Series, error) {
	return o.mutateExceptions(ctx, scope, eventSlug, ChangeExceptionRemoved, date, func(s *Series, loc *time.Location) error {
		i := slices.IndexFunc(s.ExceptionDates, func(ex time.Time) bool { return recurrence.SameDay(ex, date, loc) })
		if i < 0 {
			return InvalidState("%s is not excluded", date.Format(time.RFC3339))
		}
		s.ExceptionDates = slices.Delete(s.ExceptionDates, i, i+1)
		return nil
	})
}

func (o *OccurrenceService) mutateExceptions(ctx context.Context, scope Scope, eventSlug string, change ChangeType, date time.Time,
	mutate func(s *Series, loc *time.Location) error) (*Series, error) {
	template, s, err := o.loadSeries(ctx, o.store, scope, eventSlug)
	if err != nil {
		return nil, err
	}
	loc, err := recurrence.LoadLocation(s.TimeZone)
	if err != nil {
		return nil, degraded(err)
	}

	var updated *Series
	err = o.withLock(ctx, scope, s.Slug, func() error {
		// reload under the lock so the version check sees the latest write
		current, err := o.store.FindSeriesBySlug(ctx, scope, s.Slug)
		if err != nil {
			return fmt.Errorf("reloading series %q: %w", s.Slug, err)
		}
		next := current.Clone()
		if err := mutate(next, loc); err != nil {
			return err
		}
		updated, err = o.store.UpdateSeries(ctx, scope, next)
		return err
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("series exceptions changed",
		"change", change,
		"series", s.Slug,
		"date", date,
		"tenant", scope.TenantID,
		"actor", scope.ActorID)
	d := SlotTime(date)
	o.publish(ctx, scope, Change{Type: change, SeriesSlug: s.Slug, EventSlug: template.Slug, Date: &d})
	return updated, nil
}

// Snapshot is a series together with its template and materialized
// occurrences.
type Snapshot struct {
	Template    *EventRecord
	Series      *Series
	Occurrences []*EventRecord
}

// Snapshot loads everything needed to export a series.
func (o *OccurrenceService) Snapshot(ctx context.Context, scope Scope, eventSlug string) (*Snapshot, error) {
	template, s, err := o.loadSeries(ctx, o.store, scope, eventSlug)
	if err != nil {
		return nil, err
	}
	occurrences, err := o.store.FindOccurrenceEvents(ctx, scope, s.Slug)
	if err != nil {
		return nil, fmt.Errorf("loading occurrences of %q: %w", s.Slug, err)
	}
	return &Snapshot{Template: template, Series: s, Occurrences: occurrences}, nil
}

// Location returns the time zone the series of eventSlug recurs in.
func (o *OccurrenceService) Location(ctx context.Context, scope Scope, eventSlug string) (*time.Location, error) {
	_, s, err := o.loadSeries(ctx, o.store, scope, eventSlug)
	if err != nil {
		return nil, err
	}
	loc, err := recurrence.LoadLocation(s.TimeZone)
	if err != nil {
		return nil, degraded(err)
	}
	return loc, nil
}

// Describe renders the series rule as text in the series timezone.
func (o *OccurrenceService) Describe(ctx context.Context, scope Scope, eventSlug string) (string, error) {
	_, s, err := o.loadSeries(ctx, o.store, scope, eventSlug)
	if err != nil {
		return "", err
	}
	return recurrence.Describe(s.Rule, s.TimeZone), nil
}

// MaterializeOccurrence creates the event record for the occurrence at
// date, or returns the record that already fills that slot.
func (o *OccurrenceService) MaterializeOccurrence(ctx context.Context, scope Scope, eventSlug string, date time.Time) (*EventRecord, error) {
	template, s, err := o.loadSeries(ctx, o.store, scope, eventSlug)
	if err != nil {
		return nil, err
	}
	slot, ok, err := o.occurrenceAt(s, date, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, InvalidState("%s is not an occurrence of series %q", date.Format(time.RFC3339), s.Slug)
	}

	materialized, err := o.materializedBySlot(ctx, o.store, scope, s.Slug)
	if err != nil {
		return nil, err
	}
	if existing, ok := materialized[slotKey(slot)]; ok {
		return existing, nil
	}
	return o.materialize(ctx, scope, template, s, slot)
}

// MaterializeNext materializes the first occurrence at or after after that
// has no event yet.
func (o *OccurrenceService) MaterializeNext(ctx context.Context, scope Scope, eventSlug string, after time.Time) (*EventRecord, error) {
	template, s, err := o.loadSeries(ctx, o.store, scope, eventSlug)
	if err != nil {
		return nil, err
	}
	materialized, err := o.materializedBySlot(ctx, o.store, scope, s.Slug)
	if err != nil {
		return nil, err
	}

	dates, err := o.engine.Generate(s.Start, s.Rule, recurrence.Options{
		TimeZone:       s.TimeZone,
		From:           mo.Some(after),
		Count:          mo.Some(o.engine.Config().MaxCount),
		ExceptionDates: s.ExceptionDates,
	})
	if err != nil {
		return nil, degraded(err)
	}
	for _, d := range dates {
		if _, ok := materialized[slotKey(d)]; !ok {
			return o.materialize(ctx, scope, template, s, d)
		}
	}
	return nil, InvalidState("series %q has no unmaterialized occurrence after %s", s.Slug, after.Format(time.RFC3339))
}

// materialize creates the record for slot. Losing the race for the slot is
// not an error: the winner's record is returned.
func (o *OccurrenceService) materialize(ctx context.Context, scope Scope, template *EventRecord, s *Series, slot time.Time) (*EventRecord, error) {
	loc, err := recurrence.LoadLocation(s.TimeZone)
	if err != nil {
		return nil, degraded(err)
	}
	original := SlotTime(slot)

	record := template.Clone()
	record.ID = ""
	record.Slug = ""
	record.StartDate = slot.In(loc)
	record.EndDate = slot.In(loc).Add(template.Duration())
	record.SeriesSlug = s.Slug
	record.ParentEventID = ""
	record.OriginalOccurrenceDate = &original
	record.OriginalDate = nil
	record.IsSplitPoint = false

	created, err := o.store.CreateEvent(ctx, scope, record)
	if errors.Is(err, ErrConflict) {
		materialized, findErr := o.materializedBySlot(ctx, o.store, scope, s.Slug)
		if findErr != nil {
			return nil, findErr
		}
		if existing, ok := materialized[slotKey(slot)]; ok {
			o.logger.Debug("occurrence already materialized",
				"series", s.Slug,
				"date", original,
				"event", existing.Slug)
			return existing, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("materializing %s of %q: %w", original.Format(time.RFC3339), s.Slug, err)
	}

	o.logger.Info("occurrence materialized",
		"series", s.Slug,
		"date", original,
		"event", created.Slug,
		"tenant", scope.TenantID)
	o.publish(ctx, scope, Change{Type: ChangeOccurrenceCreated, SeriesSlug: s.Slug, EventSlug: created.Slug, Date: &original})
	return created, nil
}

func insertSorted(dates []time.Time, d time.Time) []time.Time {
	i, _ := slices.BinarySearchFunc(dates, d, func(a, b time.Time) int { return a.Compare(b) })
	return slices.Insert(slices.Clone(dates), i, d)
}
