package series

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/samber/mo"

	"github.com/cyp0633/eventseries/recurrence"
)

// Config wires the collaborators shared by OccurrenceService and
// ModificationEngine. Only Store is required.
type Config struct {
	Store     Store
	Engine    *recurrence.Engine
	Locker    Locker
	Publisher Publisher
	Logger    *slog.Logger
	// Now is the clock used for change timestamps.
	Now func() time.Time
}

// core holds what both services need; neither keeps per-call state.
type core struct {
	store     Store
	engine    *recurrence.Engine
	locker    Locker
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func newCore(cfg Config) core {
	c := core{
		store:     cfg.Store,
		engine:    cfg.Engine,
		locker:    cfg.Locker,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if c.engine == nil {
		c.engine = recurrence.NewEngine()
	}
	if c.locker == nil {
		c.locker = nopLocker{}
	}
	if c.publisher == nil {
		c.publisher = nopPublisher{}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// loadSeries resolves a template event slug to the event and its series.
func (c *core) loadSeries(ctx context.Context, store Store, scope Scope, eventSlug string) (*EventRecord, *Series, error) {
	event, err := store.FindEventBySlug(ctx, scope, eventSlug)
	if err != nil {
		return nil, nil, fmt.Errorf("loading event %q: %w", eventSlug, err)
	}
	if !event.IsRecurring() {
		return nil, nil, InvalidState("event %q is not recurring", eventSlug)
	}
	s, err := store.FindSeriesBySlug(ctx, scope, event.SeriesSlug)
	if err != nil {
		return nil, nil, fmt.Errorf("loading series %q: %w", event.SeriesSlug, err)
	}
	return event, s, nil
}

// withLock runs fn while holding the series mutation lock. A lock held by
// another request is a conflict.
func (c *core) withLock(ctx context.Context, scope Scope, seriesSlug string, fn func() error) error {
	unlock, err := c.locker.Lock(ctx, lockKey(scope, seriesSlug))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Conflict(err, "series %q is being modified", seriesSlug)
	}
	defer unlock()
	return fn()
}

// inTx runs fn atomically when the store supports transactions.
func (c *core) inTx(ctx context.Context, fn func(Store) error) error {
	if tx, ok := c.store.(Transactor); ok {
		return tx.InTx(ctx, fn)
	}
	return fn(c.store)
}

func (c *core) publish(ctx context.Context, scope Scope, change Change) {
	change.TenantID = scope.TenantID
	change.ActorID = scope.ActorID
	change.At = c.now().UTC()
	if err := c.publisher.Publish(ctx, change); err != nil {
		c.logger.Warn("failed to publish series change",
			"error", err,
			"type", change.Type,
			"series", change.SeriesSlug,
			"tenant", scope.TenantID)
	}
}

// occurrenceAt returns the occurrence of s matching date within the
// engine's tolerance. Exceptions are honoured unless includeExcluded.
func (c *core) occurrenceAt(s *Series, date time.Time, includeExcluded bool) (time.Time, bool, error) {
	ok, err := c.engine.InPattern(date, s.Start, s.Rule, s.TimeZone, exceptionsUnless(s, includeExcluded))
	if err != nil {
		return time.Time{}, false, degraded(err)
	}
	if !ok {
		return time.Time{}, false, nil
	}

	window, err := c.engine.Generate(s.Start, s.Rule, recurrence.Options{
		TimeZone:          s.TimeZone,
		From:              mo.Some(date.Add(-time.Minute)),
		Until:             mo.Some(date.Add(time.Minute)),
		IncludeExceptions: true,
	})
	if err != nil {
		return time.Time{}, false, degraded(err)
	}
	best, found := time.Time{}, false
	for _, t := range window {
		if !found || absDuration(t.Sub(date)) < absDuration(best.Sub(date)) {
			best, found = t, true
		}
	}
	return best, found, nil
}

// occurrenceOnDay returns the first occurrence of s on the local calendar
// day of date.
func (c *core) occurrenceOnDay(s *Series, date time.Time) (time.Time, bool, error) {
	loc, err := recurrence.LoadLocation(s.TimeZone)
	if err != nil {
		return time.Time{}, false, degraded(err)
	}
	y, mon, d := date.In(loc).Date()
	dayStart := time.Date(y, mon, d, 0, 0, 0, 0, loc)
	dates, err := c.engine.Generate(s.Start, s.Rule, recurrence.Options{
		TimeZone:          s.TimeZone,
		From:              mo.Some(dayStart),
		Until:             mo.Some(dayStart.AddDate(0, 0, 1).Add(-time.Second)),
		IncludeExceptions: true,
	})
	if err != nil {
		return time.Time{}, false, degraded(err)
	}
	if len(dates) == 0 {
		return time.Time{}, false, nil
	}
	return dates[0], true, nil
}

// isCalendarDate reports whether t is a bare date, midnight in loc.
func isCalendarDate(t time.Time, loc *time.Location) bool {
	h, m, sec := t.In(loc).Clock()
	return h == 0 && m == 0 && sec == 0 && t.Nanosecond() == 0
}

func exceptionsUnless(s *Series, include bool) []time.Time {
	if include {
		return nil
	}
	return s.ExceptionDates
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
