package series

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cyp0633/eventseries/recurrence"
)

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// NewSlug derives a URL-safe slug from name with a random suffix.
func NewSlug(name string) string {
	base := strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(base) > 48 {
		base = strings.TrimRight(base[:48], "-")
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if base == "" {
		return suffix
	}
	return base + "-" + suffix
}

func validateRule(rule recurrence.Rule, timeZone string) error {
	if err := rule.Validate(); err != nil {
		return degraded(err)
	}
	if _, err := recurrence.LoadLocation(timeZone); err != nil {
		return degraded(err)
	}
	return nil
}

// CreateSeries stores a template event and its series together.
func (m *ModificationEngine) CreateSeries(ctx context.Context, scope Scope, in NewSeries) (*EventRecord, *Series, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, nil, InvalidState("series name is required")
	}
	if in.StartDate.IsZero() {
		return nil, nil, InvalidState("series start is required")
	}
	if err := validateRule(in.Rule, in.TimeZone); err != nil {
		return nil, nil, err
	}

	seriesSlug := NewSlug(in.Name)
	draft := &Series{
		Slug:        seriesSlug,
		Name:        in.Name,
		Description: in.Description,
		Start:       in.StartDate,
		TimeZone:    in.TimeZone,
		Rule:        in.Rule.Normalize(),
	}
	for _, ex := range in.ExceptionDates {
		slot, ok, err := m.occurrenceOnDay(draft, ex)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			m.logger.Warn("dropping exception outside the pattern", "series", seriesSlug, "date", ex)
			continue
		}
		if !slices.ContainsFunc(draft.ExceptionDates, func(t time.Time) bool { return t.Equal(SlotTime(slot)) }) {
			draft.ExceptionDates = insertSorted(draft.ExceptionDates, SlotTime(slot))
		}
	}

	var template *EventRecord
	var created *Series
	err := m.inTx(ctx, func(store Store) error {
		var err error
		template, err = store.CreateEvent(ctx, scope, &EventRecord{
			Name:        in.Name,
			Description: in.Description,
			Location:    in.Location,
			Capacity:    in.Capacity,
			Categories:  in.Categories,
			StartDate:   in.StartDate,
			EndDate:     in.EndDate,
			TimeZone:    in.TimeZone,
			SeriesSlug:  seriesSlug,
		})
		if err != nil {
			return fmt.Errorf("creating template event: %w", err)
		}
		draft.TemplateEventID = template.ID
		draft.TemplateEventSlug = template.Slug
		created, err = store.CreateSeries(ctx, scope, draft)
		if err != nil {
			return fmt.Errorf("creating series: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	m.logger.Info("series created", "series", seriesSlug, "event", template.Slug, "tenant", scope.TenantID)
	m.publish(ctx, scope, Change{Type: ChangeSeriesCreated, SeriesSlug: seriesSlug, EventSlug: template.Slug})
	return template, created, nil
}

// PromoteEvent turns a standalone event into the template of a new series
// that starts at the event's start date.
func (m *ModificationEngine) PromoteEvent(ctx context.Context, scope Scope, eventSlug string, rule recurrence.Rule, timeZone string) (*Series, error) {
	event, err := m.store.FindEventBySlug(ctx, scope, eventSlug)
	if err != nil {
		return nil, fmt.Errorf("loading event %q: %w", eventSlug, err)
	}
	if event.SeriesSlug != "" {
		return nil, InvalidState("event %q already belongs to series %q", eventSlug, event.SeriesSlug)
	}
	if timeZone == "" {
		timeZone = event.TimeZone
	}
	if err := validateRule(rule, timeZone); err != nil {
		return nil, err
	}

	seriesSlug := NewSlug(event.Name)
	var created *Series
	err = m.inTx(ctx, func(store Store) error {
		var err error
		created, err = store.CreateSeries(ctx, scope, &Series{
			Slug:              seriesSlug,
			Name:              event.Name,
			Description:       event.Description,
			TemplateEventID:   event.ID,
			TemplateEventSlug: event.Slug,
			Start:             event.StartDate,
			TimeZone:          timeZone,
			Rule:              rule.Normalize(),
		})
		if err != nil {
			return fmt.Errorf("creating series: %w", err)
		}
		_, err = store.UpdateEvent(ctx, scope, event.Slug, EventPatch{SeriesSlug: &seriesSlug, TimeZone: &timeZone})
		if err != nil {
			return fmt.Errorf("linking event %q: %w", event.Slug, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("event promoted to series", "series", seriesSlug, "event", event.Slug, "tenant", scope.TenantID)
	m.publish(ctx, scope, Change{Type: ChangeSeriesCreated, SeriesSlug: seriesSlug, EventSlug: event.Slug})
	return created, nil
}

// UpdateRule replaces the rule of a series.
func (m *ModificationEngine) UpdateRule(ctx context.Context, scope Scope, eventSlug string, rule recurrence.Rule) (*Series, error) {
	template, s, err := m.loadSeries(ctx, m.store, scope, eventSlug)
	if err != nil {
		return nil, err
	}
	if err := validateRule(rule, s.TimeZone); err != nil {
		return nil, err
	}

	var updated *Series
	err = m.withLock(ctx, scope, s.Slug, func() error {
		current, err := m.store.FindSeriesBySlug(ctx, scope, s.Slug)
		if err != nil {
			return fmt.Errorf("reloading series %q: %w", s.Slug, err)
		}
		next := current.Clone()
		next.Rule = rule.Normalize()
		updated, err = m.store.UpdateSeries(ctx, scope, next)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("series rule updated", "series", s.Slug, "tenant", scope.TenantID, "actor", scope.ActorID)
	m.publish(ctx, scope, Change{Type: ChangeRuleUpdated, SeriesSlug: s.Slug, EventSlug: template.Slug})
	return updated, nil
}

// DeleteSeries removes a series and its template event. With cascade, the
// materialized occurrences are removed too; otherwise they are left in place.
func (m *ModificationEngine) DeleteSeries(ctx context.Context, scope Scope, eventSlug string, cascade bool) error {
	template, s, err := m.loadSeries(ctx, m.store, scope, eventSlug)
	if err != nil {
		return err
	}

	removed := 0
	err = m.withLock(ctx, scope, s.Slug, func() error {
		return m.inTx(ctx, func(store Store) error {
			if cascade {
				occurrences, err := store.FindOccurrenceEvents(ctx, scope, s.Slug)
				if err != nil {
					return fmt.Errorf("loading occurrences of %q: %w", s.Slug, err)
				}
				for _, occ := range occurrences {
					if err := store.RemoveEvent(ctx, scope, occ.ID); err != nil {
						return fmt.Errorf("removing occurrence %q: %w", occ.Slug, err)
					}
					removed++
				}
			}
			if err := store.RemoveSeries(ctx, scope, s.Slug); err != nil {
				return fmt.Errorf("removing series %q: %w", s.Slug, err)
			}
			if err := store.RemoveEvent(ctx, scope, template.ID); err != nil {
				return fmt.Errorf("removing template %q: %w", template.Slug, err)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	m.logger.Info("series deleted",
		"series", s.Slug,
		"cascade", cascade,
		"occurrences", removed,
		"tenant", scope.TenantID)
	m.publish(ctx, scope, Change{Type: ChangeSeriesDeleted, SeriesSlug: s.Slug, EventSlug: template.Slug})
	return nil
}
