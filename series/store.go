package series

import (
	"context"
)

// Store connects the series core with event persistence. Implementations
// are tenant-scoped by the Scope argument and report failures as *Error:
// TypeNotFound for unknown references, TypeConflict for a stale
// Series.Version or a second event filling the same occurrence slot
// (tenant, seriesSlug, originalOccurrenceDate).
type Store interface {
	// FindSeriesBySlug loads a series.
	FindSeriesBySlug(ctx context.Context, scope Scope, slug string) (*Series, error)
	// FindEventBySlug loads any event.
	FindEventBySlug(ctx context.Context, scope Scope, slug string) (*EventRecord, error)
	// FindEventByID loads any event by its id.
	FindEventByID(ctx context.Context, scope Scope, id string) (*EventRecord, error)
	// FindChildEventsByParentID returns events whose ParentEventID is parentID.
	FindChildEventsByParentID(ctx context.Context, scope Scope, parentID string) ([]*EventRecord, error)
	// FindOccurrenceEvents returns the materialized occurrences of a series.
	FindOccurrenceEvents(ctx context.Context, scope Scope, seriesSlug string) ([]*EventRecord, error)

	// CreateEvent stores a new event. Empty ID and Slug are assigned.
	CreateEvent(ctx context.Context, scope Scope, event *EventRecord) (*EventRecord, error)
	// UpdateEvent applies patch to the event with the given slug.
	UpdateEvent(ctx context.Context, scope Scope, slug string, patch EventPatch) (*EventRecord, error)
	// RemoveEvent deletes an event by id.
	RemoveEvent(ctx context.Context, scope Scope, id string) error

	// CreateSeries stores a new series with Version 1.
	CreateSeries(ctx context.Context, scope Scope, s *Series) (*Series, error)
	// UpdateSeries overwrites a series when the stored version equals
	// s.Version and returns it with the incremented version.
	UpdateSeries(ctx context.Context, scope Scope, s *Series) (*Series, error)
	// RemoveSeries deletes a series by slug.
	RemoveSeries(ctx context.Context, scope Scope, slug string) error
}

// Transactor is implemented by stores that can run several writes
// atomically. fn receives a Store bound to the transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(Store) error) error
}

// Locker serializes mutations of one series across requests. Lock fails
// when the key is held elsewhere; the returned function releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Publisher announces committed changes. Failures never undo a change.
type Publisher interface {
	Publish(ctx context.Context, change Change) error
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Change) error {
	return nil
}

// lockKey is the per-series mutation key
func lockKey(scope Scope, seriesSlug string) string {
	return "series:" + scope.TenantID + ":" + seriesSlug
}
