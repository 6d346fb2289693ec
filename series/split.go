package series

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/samber/mo"

	"github.com/cyp0633/eventseries/recurrence"
)

// ModificationEngine splits series and resolves which event governs a date
// once a series has been split.
type ModificationEngine struct {
	core
}

func NewModificationEngine(cfg Config) *ModificationEngine {
	return &ModificationEngine{core: newCore(cfg)}
}

// SplitSeriesAt ends the series just before splitDate and starts a successor
// series at splitDate. The successor's template copies the original
// template with mods applied. It returns the successor's template event.
func (m *ModificationEngine) SplitSeriesAt(ctx context.Context, scope Scope, eventSlug string, splitDate time.Time, mods EventPatch) (*EventRecord, error) {
	_, s, err := m.loadSeries(ctx, m.store, scope, eventSlug)
	if err != nil {
		return nil, err
	}

	var successor *EventRecord
	err = m.withLock(ctx, scope, s.Slug, func() error {
		return m.inTx(ctx, func(store Store) error {
			var err error
			successor, err = m.split(ctx, store, scope, eventSlug, splitDate, mods)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("series split",
		"series", s.Slug,
		"successor", successor.SeriesSlug,
		"date", successor.OriginalDate,
		"tenant", scope.TenantID,
		"actor", scope.ActorID)
	m.publish(ctx, scope, Change{Type: ChangeSeriesSplit, SeriesSlug: s.Slug, EventSlug: successor.Slug, Date: successor.OriginalDate})
	return successor, nil
}

func (m *ModificationEngine) split(ctx context.Context, store Store, scope Scope, eventSlug string, splitDate time.Time, mods EventPatch) (*EventRecord, error) {
	template, s, err := m.loadSeries(ctx, store, scope, eventSlug)
	if err != nil {
		return nil, err
	}
	loc, err := recurrence.LoadLocation(s.TimeZone)
	if err != nil {
		return nil, degraded(err)
	}

	slot, ok, err := m.occurrenceAt(s, splitDate, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, InvalidState("%s is not an occurrence of series %q", splitDate.Format(time.RFC3339), s.Slug)
	}
	boundary := SlotTime(slot)

	previous, err := m.previousOccurrence(s, slot)
	if err != nil {
		return nil, err
	}
	if previous.IsZero() {
		return nil, InvalidState("cannot split series %q at its first occurrence", s.Slug)
	}

	// exceptions at or after the boundary belong to the successor
	var kept, moved []time.Time
	for _, ex := range s.ExceptionDates {
		if recurrence.SameDay(ex, slot, loc) || ex.After(slot) {
			moved = append(moved, ex)
		} else {
			kept = append(kept, ex)
		}
	}

	rootID := template.ID
	if template.IsSplitPoint && template.ParentEventID != "" {
		rootID = template.ParentEventID
	}
	root, err := store.FindEventByID(ctx, scope, rootID)
	if err != nil {
		return nil, fmt.Errorf("loading root event %q: %w", rootID, err)
	}
	rootSeries := s
	if root.SeriesSlug != s.Slug {
		if rootSeries, err = store.FindSeriesBySlug(ctx, scope, root.SeriesSlug); err != nil {
			return nil, fmt.Errorf("loading root series %q: %w", root.SeriesSlug, err)
		}
	}
	if slices.ContainsFunc(rootSeries.SplitPoints, func(p SplitPoint) bool { return p.OriginalDate.Equal(boundary) }) {
		return nil, InvalidState("series %q is already split at %s", rootSeries.Slug, boundary.Format(time.RFC3339))
	}

	successorRule, err := m.successorRule(s, slot, nextBoundary(rootSeries.SplitPoints, boundary))
	if err != nil {
		return nil, err
	}

	successorSlug := s.Slug + "-" + boundary.Format("20060102t150405")
	draft := template.Clone()
	draft.ID = ""
	draft.Slug = ""
	draft.StartDate = slot.In(loc)
	draft.EndDate = slot.In(loc).Add(template.Duration())
	mods.Apply(draft)
	if draft.TimeZone == "" {
		draft.TimeZone = s.TimeZone
	}
	if _, err := recurrence.LoadLocation(draft.TimeZone); err != nil {
		return nil, degraded(err)
	}
	draft.SeriesSlug = successorSlug
	draft.ParentEventID = root.ID
	draft.OriginalDate = &boundary
	draft.OriginalOccurrenceDate = nil
	draft.IsSplitPoint = true

	successor, err := store.CreateEvent(ctx, scope, draft)
	if err != nil {
		return nil, fmt.Errorf("creating successor template: %w", err)
	}
	if _, err := store.CreateSeries(ctx, scope, &Series{
		Slug:              successorSlug,
		Name:              successor.Name,
		Description:       successor.Description,
		TemplateEventID:   successor.ID,
		TemplateEventSlug: successor.Slug,
		Start:             successor.StartDate,
		TimeZone:          successor.TimeZone,
		Rule:              successorRule,
		ExceptionDates:    moved,
	}); err != nil {
		return nil, fmt.Errorf("creating successor series: %w", err)
	}

	truncated := s.Clone()
	truncated.Rule = s.Rule.WithUntil(previous)
	truncated.ExceptionDates = kept
	point := SplitPoint{
		EventID:      successor.ID,
		EventSlug:    successor.Slug,
		SeriesSlug:   successorSlug,
		OriginalDate: boundary,
	}
	if rootSeries == s {
		truncated.SplitPoints = insertSplitPoint(truncated.SplitPoints, point)
	} else {
		updatedRoot := rootSeries.Clone()
		updatedRoot.SplitPoints = insertSplitPoint(updatedRoot.SplitPoints, point)
		if _, err := store.UpdateSeries(ctx, scope, updatedRoot); err != nil {
			return nil, fmt.Errorf("recording split point on %q: %w", rootSeries.Slug, err)
		}
	}
	if _, err := store.UpdateSeries(ctx, scope, truncated); err != nil {
		return nil, fmt.Errorf("truncating series %q: %w", s.Slug, err)
	}
	return successor, nil
}

// previousOccurrence is the last occurrence of the original rule strictly
// before slot, ignoring exceptions. It is zero when slot is the first one.
func (m *ModificationEngine) previousOccurrence(s *Series, slot time.Time) (time.Time, error) {
	before, err := m.engine.Generate(s.Start, s.Rule, recurrence.Options{
		TimeZone:          s.TimeZone,
		Until:             mo.Some(slot.Add(-time.Second)),
		IncludeExceptions: true,
	})
	if err != nil {
		return time.Time{}, degraded(err)
	}
	if len(before) == 0 {
		return time.Time{}, nil
	}
	return before[len(before)-1], nil
}

// successorRule copies the rule without its until. When a later segment of
// the chain already starts at next, the successor ends at the last
// occurrence before it. Otherwise a count becomes the number of original
// occurrences strictly after slot; a split at the last occurrence keeps only
// the boundary itself.
func (m *ModificationEngine) successorRule(s *Series, slot time.Time, next mo.Option[time.Time]) (recurrence.Rule, error) {
	rule := s.Rule.Clone()
	rule.Until = nil
	if nextAt, ok := next.Get(); ok {
		last, err := m.previousOccurrence(s, nextAt)
		if err != nil {
			return recurrence.Rule{}, err
		}
		if last.Before(slot) {
			last = slot
		}
		return rule.WithUntil(last).Normalize(), nil
	}
	if s.Rule.Count == nil {
		return rule.Normalize(), nil
	}

	remaining, err := m.engine.Generate(s.Start, s.Rule, recurrence.Options{
		TimeZone:          s.TimeZone,
		From:              mo.Some(slot.Add(time.Second)),
		IncludeExceptions: true,
	})
	if err != nil {
		return recurrence.Rule{}, degraded(err)
	}
	if len(remaining) == 0 {
		return rule.WithUntil(slot).Normalize(), nil
	}
	return rule.WithCount(len(remaining)).Normalize(), nil
}

// nextBoundary is the first split point of the chain after boundary.
func nextBoundary(points []SplitPoint, boundary time.Time) mo.Option[time.Time] {
	for _, p := range points {
		if p.OriginalDate.After(boundary) {
			return mo.Some(p.OriginalDate)
		}
	}
	return mo.None[time.Time]()
}

func insertSplitPoint(points []SplitPoint, p SplitPoint) []SplitPoint {
	i := sort.Search(len(points), func(i int) bool { return !points[i].OriginalDate.Before(p.OriginalDate) })
	return slices.Insert(slices.Clone(points), i, p)
}

// EffectiveEventForDate returns the template event governing date within
// the split chain of eventSlug. Any event of the chain may be passed.
func (m *ModificationEngine) EffectiveEventForDate(ctx context.Context, scope Scope, eventSlug string, date time.Time) (*EventRecord, error) {
	event, err := m.store.FindEventBySlug(ctx, scope, eventSlug)
	if err != nil {
		return nil, fmt.Errorf("loading event %q: %w", eventSlug, err)
	}
	root := event
	if event.IsSplitPoint && event.ParentEventID != "" {
		if root, err = m.store.FindEventByID(ctx, scope, event.ParentEventID); err != nil {
			return nil, fmt.Errorf("loading root event %q: %w", event.ParentEventID, err)
		}
	}

	children, err := m.store.FindChildEventsByParentID(ctx, scope, root.ID)
	if err != nil {
		return nil, fmt.Errorf("loading split points of %q: %w", root.Slug, err)
	}
	splits := make([]*EventRecord, 0, len(children))
	for _, c := range children {
		if c.IsSplitPoint && c.OriginalDate != nil {
			splits = append(splits, c)
		}
	}
	sort.Slice(splits, func(i, j int) bool {
		return splits[i].OriginalDate.Before(*splits[j].OriginalDate)
	})

	for i := len(splits) - 1; i >= 0; i-- {
		if !splits[i].OriginalDate.After(date) {
			return splits[i], nil
		}
	}
	return root, nil
}
