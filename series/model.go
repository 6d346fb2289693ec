package series

import (
	"slices"
	"time"

	"github.com/samber/mo"

	"github.com/cyp0633/eventseries/recurrence"
)

// Scope carries the tenant and acting user of a request. Every operation
// receives it explicitly.
type Scope struct {
	TenantID string
	ActorID  string
}

// SplitPoint is one boundary of a split chain, recorded on the root series.
type SplitPoint struct {
	EventID      string    `json:"eventId"`
	EventSlug    string    `json:"eventSlug"`
	SeriesSlug   string    `json:"seriesSlug"`
	OriginalDate time.Time `json:"originalDate"`
}

// Series owns a recurrence rule, its exception dates and a back-reference to
// the template event that describes every occurrence.
type Series struct {
	ID                string          `json:"id"`
	Slug              string          `json:"slug"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	TemplateEventID   string          `json:"templateEventId"`
	TemplateEventSlug string          `json:"templateEventSlug"`
	Start             time.Time       `json:"start"`
	TimeZone          string          `json:"timeZone"`
	Rule              recurrence.Rule `json:"rule"`
	// ExceptionDates are UTC instants without sub-second precision, ascending.
	ExceptionDates []time.Time `json:"exceptionDates"`
	// SplitPoints is the ordered split chain; only the root series carries it.
	SplitPoints []SplitPoint `json:"splitPoints,omitempty"`
	// Version is compared and incremented by Store.UpdateSeries.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the series.
func (s *Series) Clone() *Series {
	out := *s
	out.Rule = s.Rule.Clone()
	out.ExceptionDates = slices.Clone(s.ExceptionDates)
	out.SplitPoints = slices.Clone(s.SplitPoints)
	return &out
}

// EventRecord is an event as stored by the event-management side. It is
// either standalone, the template of a series, a materialized occurrence or
// a split-point template.
type EventRecord struct {
	ID          string   `json:"id"`
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	Capacity    *int     `json:"capacity,omitempty"`
	Categories  []string `json:"categories,omitempty"`

	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	TimeZone  string    `json:"timeZone"`

	SeriesSlug             string     `json:"seriesSlug,omitempty"`
	ParentEventID          string     `json:"parentEventId,omitempty"`
	OriginalOccurrenceDate *time.Time `json:"originalOccurrenceDate,omitempty"`
	OriginalDate           *time.Time `json:"originalDate,omitempty"`
	IsSplitPoint           bool       `json:"isSplitPoint"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsRecurring reports whether the event is the template of a series.
func (e *EventRecord) IsRecurring() bool {
	return e.SeriesSlug != "" && e.OriginalOccurrenceDate == nil
}

// IsMaterializedOccurrence reports whether the event fills an occurrence slot.
func (e *EventRecord) IsMaterializedOccurrence() bool {
	return e.SeriesSlug != "" && e.OriginalOccurrenceDate != nil
}

// Duration is the span between start and end; events without a usable end
// have zero duration.
func (e *EventRecord) Duration() time.Duration {
	if e.EndDate.IsZero() || e.EndDate.Before(e.StartDate) {
		return 0
	}
	return e.EndDate.Sub(e.StartDate)
}

// Clone returns a deep copy of the event.
func (e *EventRecord) Clone() *EventRecord {
	out := *e
	out.Categories = slices.Clone(e.Categories)
	if e.Capacity != nil {
		c := *e.Capacity
		out.Capacity = &c
	}
	if e.OriginalOccurrenceDate != nil {
		d := *e.OriginalOccurrenceDate
		out.OriginalOccurrenceDate = &d
	}
	if e.OriginalDate != nil {
		d := *e.OriginalDate
		out.OriginalDate = &d
	}
	return &out
}

// EventPatch lists event fields to overwrite; nil fields are left alone.
type EventPatch struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	Location    *string    `json:"location,omitempty"`
	Capacity    *int       `json:"capacity,omitempty"`
	Categories  *[]string  `json:"categories,omitempty"`
	TimeZone    *string    `json:"timeZone,omitempty"`
	StartDate   *time.Time `json:"startDate,omitempty"`
	EndDate     *time.Time `json:"endDate,omitempty"`

	// SeriesSlug links a standalone event to a series. Only lifecycle
	// operations set it.
	SeriesSlug *string `json:"-"`
}

// Apply writes the patch onto e.
func (p EventPatch) Apply(e *EventRecord) {
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.Location != nil {
		e.Location = *p.Location
	}
	if p.Capacity != nil {
		c := *p.Capacity
		e.Capacity = &c
	}
	if p.Categories != nil {
		e.Categories = slices.Clone(*p.Categories)
	}
	if p.TimeZone != nil {
		e.TimeZone = *p.TimeZone
	}
	if p.StartDate != nil {
		e.StartDate = *p.StartDate
	}
	if p.EndDate != nil {
		e.EndDate = *p.EndDate
	}
	if p.SeriesSlug != nil {
		e.SeriesSlug = *p.SeriesSlug
	}
}

// IsEmpty reports whether the patch changes nothing.
func (p EventPatch) IsEmpty() bool {
	return p == EventPatch{}
}

// Occurrence is a computed read model and is never persisted. When
// Materialized is false, Event is a projection of the template.
type Occurrence struct {
	Date         time.Time    `json:"date"`
	Materialized bool         `json:"materialized"`
	Event        *EventRecord `json:"event"`
}

// Range narrows an occurrence listing.
type Range struct {
	Start           mo.Option[time.Time]
	End             mo.Option[time.Time]
	Count           mo.Option[int]
	IncludeExcluded bool
}

// NewSeries describes a series created together with its template event.
type NewSeries struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Location    string          `json:"location,omitempty"`
	Capacity    *int            `json:"capacity,omitempty"`
	Categories  []string        `json:"categories,omitempty"`
	StartDate   time.Time       `json:"startDate"`
	EndDate     time.Time       `json:"endDate"`
	TimeZone    string          `json:"timeZone"`
	Rule        recurrence.Rule `json:"rule"`
	// ExceptionDates that are not occurrences of Rule are dropped.
	ExceptionDates []time.Time `json:"exceptionDates,omitempty"`
}

// ChangeType names a published series change.
type ChangeType string

const (
	ChangeSeriesCreated     ChangeType = "series.created"
	ChangeRuleUpdated       ChangeType = "series.rule_updated"
	ChangeExceptionAdded    ChangeType = "series.exception_added"
	ChangeExceptionRemoved  ChangeType = "series.exception_removed"
	ChangeSeriesSplit       ChangeType = "series.split"
	ChangeSeriesDeleted     ChangeType = "series.deleted"
	ChangeOccurrenceCreated ChangeType = "occurrence.materialized"
)

// Change is emitted to the Publisher after a successful mutation.
type Change struct {
	Type       ChangeType `json:"type"`
	TenantID   string     `json:"tenantId"`
	ActorID    string     `json:"actorId,omitempty"`
	SeriesSlug string     `json:"seriesSlug"`
	EventSlug  string     `json:"eventSlug,omitempty"`
	Date       *time.Time `json:"date,omitempty"`
	At         time.Time  `json:"at"`
}

// slotKey identifies an occurrence slot at second precision.
func slotKey(t time.Time) int64 {
	return t.UTC().Truncate(time.Second).Unix()
}

// SlotTime is the persisted form of an occurrence date.
func SlotTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
