// memory based implementation for tests and single-process deployments
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyp0633/eventseries/series"
)

// Store implements series.Store using in-memory maps
type Store struct {
	mu     sync.RWMutex
	events map[string]*series.EventRecord // key: tenant/id
	slugs  map[string]string              // key: tenant/slug, value: id
	series map[string]*series.Series      // key: tenant/slug
	slots  map[string]string              // key: tenant/seriesSlug/unix, value: id

	// txMu serializes transactions; writes outside InTx are not isolated
	txMu sync.Mutex
	now  func() time.Time
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		events: make(map[string]*series.EventRecord),
		slugs:  make(map[string]string),
		series: make(map[string]*series.Series),
		slots:  make(map[string]string),
		now:    time.Now,
	}
}

func key(scope series.Scope, id string) string {
	return scope.TenantID + "/" + id
}

func slotKey(scope series.Scope, seriesSlug string, date time.Time) string {
	return fmt.Sprintf("%s/%s/%d", scope.TenantID, seriesSlug, series.SlotTime(date).Unix())
}

// Event operations

func (s *Store) FindEventBySlug(_ context.Context, scope series.Scope, slug string) (*series.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.slugs[key(scope, slug)]
	if !ok {
		return nil, series.NotFound("event %q not found", slug)
	}
	return s.events[key(scope, id)].Clone(), nil
}

func (s *Store) FindEventByID(_ context.Context, scope series.Scope, id string) (*series.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[key(scope, id)]
	if !ok {
		return nil, series.NotFound("event %q not found", id)
	}
	return e.Clone(), nil
}

func (s *Store) FindChildEventsByParentID(_ context.Context, scope series.Scope, parentID string) ([]*series.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var children []*series.EventRecord
	for k, e := range s.events {
		if e.ParentEventID == parentID && k == key(scope, e.ID) {
			children = append(children, e.Clone())
		}
	}
	sortEvents(children)
	return children, nil
}

func (s *Store) FindOccurrenceEvents(_ context.Context, scope series.Scope, seriesSlug string) ([]*series.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var occurrences []*series.EventRecord
	for k, e := range s.events {
		if e.SeriesSlug == seriesSlug && e.IsMaterializedOccurrence() && k == key(scope, e.ID) {
			occurrences = append(occurrences, e.Clone())
		}
	}
	sortEvents(occurrences)
	return occurrences, nil
}

func sortEvents(events []*series.EventRecord) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].StartDate.Equal(events[j].StartDate) {
			return events[i].StartDate.Before(events[j].StartDate)
		}
		return events[i].ID < events[j].ID
	})
}

func (s *Store) CreateEvent(_ context.Context, scope series.Scope, event *series.EventRecord) (*series.EventRecord, error) {
	return s.createEvent(scope, event, nil)
}

func (s *Store) createEvent(scope series.Scope, event *series.EventRecord, u *undoLog) (*series.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := event.Clone()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Slug == "" {
		e.Slug = series.NewSlug(e.Name)
	}
	if _, exists := s.events[key(scope, e.ID)]; exists {
		return nil, series.Conflict(nil, "event %q already exists", e.ID)
	}
	if _, exists := s.slugs[key(scope, e.Slug)]; exists {
		return nil, series.Conflict(nil, "event slug %q already exists", e.Slug)
	}
	if e.OriginalOccurrenceDate != nil {
		slot := slotKey(scope, e.SeriesSlug, *e.OriginalOccurrenceDate)
		if _, taken := s.slots[slot]; taken {
			return nil, series.Conflict(nil, "occurrence %s of %q is already materialized",
				e.OriginalOccurrenceDate.UTC().Format(time.RFC3339), e.SeriesSlug)
		}
		setKey(u, s.slots, slot, e.ID)
	}

	now := s.now()
	e.CreatedAt = now
	e.UpdatedAt = now
	setKey(u, s.events, key(scope, e.ID), e)
	setKey(u, s.slugs, key(scope, e.Slug), e.ID)
	return e.Clone(), nil
}

func (s *Store) UpdateEvent(_ context.Context, scope series.Scope, slug string, patch series.EventPatch) (*series.EventRecord, error) {
	return s.updateEvent(scope, slug, patch, nil)
}

func (s *Store) updateEvent(scope series.Scope, slug string, patch series.EventPatch, u *undoLog) (*series.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.slugs[key(scope, slug)]
	if !ok {
		return nil, series.NotFound("event %q not found", slug)
	}
	e := s.events[key(scope, id)].Clone()
	patch.Apply(e)
	e.UpdatedAt = s.now()
	setKey(u, s.events, key(scope, id), e)
	return e.Clone(), nil
}

func (s *Store) RemoveEvent(_ context.Context, scope series.Scope, id string) error {
	return s.removeEvent(scope, id, nil)
}

func (s *Store) removeEvent(scope series.Scope, id string, u *undoLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[key(scope, id)]
	if !ok {
		return series.NotFound("event %q not found", id)
	}
	if e.OriginalOccurrenceDate != nil {
		deleteKey(u, s.slots, slotKey(scope, e.SeriesSlug, *e.OriginalOccurrenceDate))
	}
	deleteKey(u, s.slugs, key(scope, e.Slug))
	deleteKey(u, s.events, key(scope, id))
	return nil
}

// Series operations

func (s *Store) FindSeriesBySlug(_ context.Context, scope series.Scope, slug string) (*series.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[key(scope, slug)]
	if !ok {
		return nil, series.NotFound("series %q not found", slug)
	}
	return ser.Clone(), nil
}

func (s *Store) CreateSeries(_ context.Context, scope series.Scope, in *series.Series) (*series.Series, error) {
	return s.createSeries(scope, in, nil)
}

func (s *Store) createSeries(scope series.Scope, in *series.Series, u *undoLog) (*series.Series, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.series[key(scope, in.Slug)]; exists {
		return nil, series.Conflict(nil, "series %q already exists", in.Slug)
	}
	ser := in.Clone()
	if ser.ID == "" {
		ser.ID = uuid.NewString()
	}
	now := s.now()
	ser.Version = 1
	ser.CreatedAt = now
	ser.UpdatedAt = now
	setKey(u, s.series, key(scope, ser.Slug), ser)
	return ser.Clone(), nil
}

func (s *Store) UpdateSeries(_ context.Context, scope series.Scope, in *series.Series) (*series.Series, error) {
	return s.updateSeries(scope, in, nil)
}

func (s *Store) updateSeries(scope series.Scope, in *series.Series, u *undoLog) (*series.Series, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.series[key(scope, in.Slug)]
	if !ok {
		return nil, series.NotFound("series %q not found", in.Slug)
	}
	if current.Version != in.Version {
		return nil, series.Conflict(nil, "series %q changed: version %d, expected %d", in.Slug, current.Version, in.Version)
	}
	ser := in.Clone()
	ser.ID = current.ID
	ser.CreatedAt = current.CreatedAt
	ser.Version = current.Version + 1
	ser.UpdatedAt = s.now()
	setKey(u, s.series, key(scope, ser.Slug), ser)
	return ser.Clone(), nil
}

func (s *Store) RemoveSeries(_ context.Context, scope series.Scope, slug string) error {
	return s.removeSeries(scope, slug, nil)
}

func (s *Store) removeSeries(scope series.Scope, slug string, u *undoLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.series[key(scope, slug)]; !ok {
		return series.NotFound("series %q not found", slug)
	}
	deleteKey(u, s.series, key(scope, slug))
	return nil
}

// InTx runs fn against a transaction-bound store. If fn fails, the keys it
// wrote are put back to their prior values; writes made by others in the
// meantime are kept.
func (s *Store) InTx(ctx context.Context, fn func(series.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &tx{Store: s, undo: &undoLog{}}
	if err := fn(t); err != nil {
		s.mu.Lock()
		t.undo.rollback()
		s.mu.Unlock()
		return err
	}
	return nil
}

// undoLog holds the inverse of every map write of a transaction.
type undoLog struct {
	steps []func()
}

func (u *undoLog) rollback() {
	for i := len(u.steps) - 1; i >= 0; i-- {
		u.steps[i]()
	}
	u.steps = nil
}

func setKey[V any](u *undoLog, m map[string]V, k string, v V) {
	remember(u, m, k)
	m[k] = v
}

func deleteKey[V any](u *undoLog, m map[string]V, k string) {
	remember(u, m, k)
	delete(m, k)
}

func remember[V any](u *undoLog, m map[string]V, k string) {
	if u == nil {
		return
	}
	old, had := m[k]
	u.steps = append(u.steps, func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
}

// tx routes writes through the undo log. Reads see the transaction's own
// writes.
type tx struct {
	*Store
	undo *undoLog
}

func (t *tx) CreateEvent(_ context.Context, scope series.Scope, event *series.EventRecord) (*series.EventRecord, error) {
	return t.createEvent(scope, event, t.undo)
}

func (t *tx) UpdateEvent(_ context.Context, scope series.Scope, slug string, patch series.EventPatch) (*series.EventRecord, error) {
	return t.updateEvent(scope, slug, patch, t.undo)
}

func (t *tx) RemoveEvent(_ context.Context, scope series.Scope, id string) error {
	return t.removeEvent(scope, id, t.undo)
}

func (t *tx) CreateSeries(_ context.Context, scope series.Scope, in *series.Series) (*series.Series, error) {
	return t.createSeries(scope, in, t.undo)
}

func (t *tx) UpdateSeries(_ context.Context, scope series.Scope, in *series.Series) (*series.Series, error) {
	return t.updateSeries(scope, in, t.undo)
}

func (t *tx) RemoveSeries(_ context.Context, scope series.Scope, slug string) error {
	return t.removeSeries(scope, slug, t.undo)
}

// InTx joins the enclosing transaction.
func (t *tx) InTx(_ context.Context, fn func(series.Store) error) error {
	return fn(t)
}

var (
	_ series.Store      = (*Store)(nil)
	_ series.Transactor = (*Store)(nil)
	_ series.Store      = (*tx)(nil)
	_ series.Transactor = (*tx)(nil)
)
