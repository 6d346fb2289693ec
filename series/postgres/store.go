package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cyp0633/eventseries/series"
)

// uniqueViolation is the PostgreSQL error code for unique constraint failures
const uniqueViolation = "23505"

// Store implements series.Store on PostgreSQL.
type Store struct {
	db     sqlx.ExtContext
	base   *sqlx.DB // nil when bound to a transaction
	logger *slog.Logger
}

// New creates a store on an open connection pool
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{db: db, base: db, logger: logger}
}

const eventColumns = `id, tenant_id, slug, name, description, location, capacity, categories,
	start_date, end_date, time_zone, series_slug, parent_event_id,
	original_occurrence_date, original_date, is_split_point, created_at, updated_at`

type eventRow struct {
	ID                     string         `db:"id"`
	TenantID               string         `db:"tenant_id"`
	Slug                   string         `db:"slug"`
	Name                   string         `db:"name"`
	Description            string         `db:"description"`
	Location               string         `db:"location"`
	Capacity               sql.NullInt64  `db:"capacity"`
	Categories             pq.StringArray `db:"categories"`
	StartDate              time.Time      `db:"start_date"`
	EndDate                sql.NullTime   `db:"end_date"`
	TimeZone               string         `db:"time_zone"`
	SeriesSlug             sql.NullString `db:"series_slug"`
	ParentEventID          sql.NullString `db:"parent_event_id"`
	OriginalOccurrenceDate sql.NullTime   `db:"original_occurrence_date"`
	OriginalDate           sql.NullTime   `db:"original_date"`
	IsSplitPoint           bool           `db:"is_split_point"`
	CreatedAt              time.Time      `db:"created_at"`
	UpdatedAt              time.Time      `db:"updated_at"`
}

func (r eventRow) toRecord() *series.EventRecord {
	e := &series.EventRecord{
		ID:            r.ID,
		Slug:          r.Slug,
		Name:          r.Name,
		Description:   r.Description,
		Location:      r.Location,
		Categories:    []string(r.Categories),
		StartDate:     r.StartDate,
		TimeZone:      r.TimeZone,
		SeriesSlug:    r.SeriesSlug.String,
		ParentEventID: r.ParentEventID.String,
		IsSplitPoint:  r.IsSplitPoint,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.Capacity.Valid {
		c := int(r.Capacity.Int64)
		e.Capacity = &c
	}
	if r.EndDate.Valid {
		e.EndDate = r.EndDate.Time
	}
	if r.OriginalOccurrenceDate.Valid {
		d := r.OriginalOccurrenceDate.Time.UTC()
		e.OriginalOccurrenceDate = &d
	}
	if r.OriginalDate.Valid {
		d := r.OriginalDate.Time.UTC()
		e.OriginalDate = &d
	}
	return e
}

func fromRecord(tenantID string, e *series.EventRecord) eventRow {
	r := eventRow{
		ID:           e.ID,
		TenantID:     tenantID,
		Slug:         e.Slug,
		Name:         e.Name,
		Description:  e.Description,
		Location:     e.Location,
		Categories:   pq.StringArray(e.Categories),
		StartDate:    e.StartDate,
		TimeZone:     e.TimeZone,
		SeriesSlug:   sql.NullString{String: e.SeriesSlug, Valid: e.SeriesSlug != ""},
		IsSplitPoint: e.IsSplitPoint,
	}
	if r.Categories == nil {
		r.Categories = pq.StringArray{}
	}
	if r.TimeZone == "" {
		r.TimeZone = "UTC"
	}
	if e.Capacity != nil {
		r.Capacity = sql.NullInt64{Int64: int64(*e.Capacity), Valid: true}
	}
	if !e.EndDate.IsZero() {
		r.EndDate = sql.NullTime{Time: e.EndDate, Valid: true}
	}
	if e.ParentEventID != "" {
		r.ParentEventID = sql.NullString{String: e.ParentEventID, Valid: true}
	}
	if e.OriginalOccurrenceDate != nil {
		r.OriginalOccurrenceDate = sql.NullTime{Time: series.SlotTime(*e.OriginalOccurrenceDate), Valid: true}
	}
	if e.OriginalDate != nil {
		r.OriginalDate = sql.NullTime{Time: series.SlotTime(*e.OriginalDate), Valid: true}
	}
	return r
}

const seriesColumns = `id, tenant_id, slug, name, description, template_event_id, template_event_slug,
	start_date, time_zone, rule, exception_dates, split_points, version, created_at, updated_at`

type seriesRow struct {
	ID                string    `db:"id"`
	TenantID          string    `db:"tenant_id"`
	Slug              string    `db:"slug"`
	Name              string    `db:"name"`
	Description       string    `db:"description"`
	TemplateEventID   string    `db:"template_event_id"`
	TemplateEventSlug string    `db:"template_event_slug"`
	StartDate         time.Time `db:"start_date"`
	TimeZone          string    `db:"time_zone"`
	Rule              string    `db:"rule"`
	ExceptionDates    string    `db:"exception_dates"`
	SplitPoints       string    `db:"split_points"`
	Version           int64     `db:"version"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r seriesRow) toSeries() (*series.Series, error) {
	s := &series.Series{
		ID:                r.ID,
		Slug:              r.Slug,
		Name:              r.Name,
		Description:       r.Description,
		TemplateEventID:   r.TemplateEventID,
		TemplateEventSlug: r.TemplateEventSlug,
		Start:             r.StartDate,
		TimeZone:          r.TimeZone,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Rule), &s.Rule); err != nil {
		return nil, fmt.Errorf("decoding rule of series %q: %w", r.Slug, err)
	}
	if err := json.Unmarshal([]byte(r.ExceptionDates), &s.ExceptionDates); err != nil {
		return nil, fmt.Errorf("decoding exceptions of series %q: %w", r.Slug, err)
	}
	if err := json.Unmarshal([]byte(r.SplitPoints), &s.SplitPoints); err != nil {
		return nil, fmt.Errorf("decoding split points of series %q: %w", r.Slug, err)
	}
	return s, nil
}

func fromSeries(tenantID string, s *series.Series) (seriesRow, error) {
	rule, err := json.Marshal(s.Rule.Normalize())
	if err != nil {
		return seriesRow{}, err
	}
	exceptions := make([]time.Time, 0, len(s.ExceptionDates))
	for _, ex := range s.ExceptionDates {
		exceptions = append(exceptions, series.SlotTime(ex))
	}
	exceptionsJSON, err := json.Marshal(exceptions)
	if err != nil {
		return seriesRow{}, err
	}
	points := s.SplitPoints
	if points == nil {
		points = []series.SplitPoint{}
	}
	pointsJSON, err := json.Marshal(points)
	if err != nil {
		return seriesRow{}, err
	}
	tz := s.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	return seriesRow{
		ID:                s.ID,
		TenantID:          tenantID,
		Slug:              s.Slug,
		Name:              s.Name,
		Description:       s.Description,
		TemplateEventID:   s.TemplateEventID,
		TemplateEventSlug: s.TemplateEventSlug,
		StartDate:         s.Start,
		TimeZone:          tz,
		Rule:              string(rule),
		ExceptionDates:    string(exceptionsJSON),
		SplitPoints:       string(pointsJSON),
		Version:           s.Version,
	}, nil
}

// classify maps driver errors onto the series error taxonomy.
func classify(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return series.NotFound("%s not found", what)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return series.Conflict(err, "%s already exists", what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Event operations

func (s *Store) getEvent(ctx context.Context, what, query string, args ...any) (*series.EventRecord, error) {
	var row eventRow
	if err := sqlx.GetContext(ctx, s.db, &row, query, args...); err != nil {
		return nil, classify(err, what)
	}
	return row.toRecord(), nil
}

func (s *Store) selectEvents(ctx context.Context, what, query string, args ...any) ([]*series.EventRecord, error) {
	var rows []eventRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, classify(err, what)
	}
	events := make([]*series.EventRecord, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.toRecord())
	}
	return events, nil
}

func (s *Store) FindEventBySlug(ctx context.Context, scope series.Scope, slug string) (*series.EventRecord, error) {
	return s.getEvent(ctx, fmt.Sprintf("event %q", slug),
		`SELECT `+eventColumns+` FROM events WHERE tenant_id = $1 AND slug = $2`,
		scope.TenantID, slug)
}

func (s *Store) FindEventByID(ctx context.Context, scope series.Scope, id string) (*series.EventRecord, error) {
	return s.getEvent(ctx, fmt.Sprintf("event %q", id),
		`SELECT `+eventColumns+` FROM events WHERE tenant_id = $1 AND id = $2`,
		scope.TenantID, id)
}

func (s *Store) FindChildEventsByParentID(ctx context.Context, scope series.Scope, parentID string) ([]*series.EventRecord, error) {
	return s.selectEvents(ctx, fmt.Sprintf("children of %q", parentID),
		`SELECT `+eventColumns+` FROM events
		WHERE tenant_id = $1 AND parent_event_id = $2
		ORDER BY start_date, id`,
		scope.TenantID, parentID)
}

func (s *Store) FindOccurrenceEvents(ctx context.Context, scope series.Scope, seriesSlug string) ([]*series.EventRecord, error) {
	return s.selectEvents(ctx, fmt.Sprintf("occurrences of %q", seriesSlug),
		`SELECT `+eventColumns+` FROM events
		WHERE tenant_id = $1 AND series_slug = $2 AND original_occurrence_date IS NOT NULL
		ORDER BY original_occurrence_date`,
		scope.TenantID, seriesSlug)
}

func (s *Store) CreateEvent(ctx context.Context, scope series.Scope, event *series.EventRecord) (*series.EventRecord, error) {
	e := event.Clone()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Slug == "" {
		e.Slug = series.NewSlug(e.Name)
	}
	row := fromRecord(scope.TenantID, e)

	query, args, err := sqlx.Named(`
	INSERT INTO events
	(id, tenant_id, slug, name, description, location, capacity, categories,
	 start_date, end_date, time_zone, series_slug, parent_event_id,
	 original_occurrence_date, original_date, is_split_point, created_at, updated_at)
	VALUES
	(:id, :tenant_id, :slug, :name, :description, :location, :capacity, :categories,
	 :start_date, :end_date, :time_zone, :series_slug, :parent_event_id,
	 :original_occurrence_date, :original_date, :is_split_point, now(), now())
	RETURNING `+eventColumns, row)
	if err != nil {
		return nil, err
	}
	created, err := s.getEvent(ctx, fmt.Sprintf("event %q", e.Slug), s.db.Rebind(query), args...)
	if err != nil {
		s.logger.Debug("failed to create event", "error", err, "slug", e.Slug, "tenant", scope.TenantID)
		return nil, err
	}
	return created, nil
}

func (s *Store) UpdateEvent(ctx context.Context, scope series.Scope, slug string, patch series.EventPatch) (*series.EventRecord, error) {
	current, err := s.FindEventBySlug(ctx, scope, slug)
	if err != nil {
		return nil, err
	}
	patch.Apply(current)
	row := fromRecord(scope.TenantID, current)

	query, args, err := sqlx.Named(`
	UPDATE events SET
	name = :name,
	description = :description,
	location = :location,
	capacity = :capacity,
	categories = :categories,
	start_date = :start_date,
	end_date = :end_date,
	time_zone = :time_zone,
	series_slug = :series_slug,
	updated_at = now()
	WHERE tenant_id = :tenant_id AND id = :id
	RETURNING `+eventColumns, row)
	if err != nil {
		return nil, err
	}
	return s.getEvent(ctx, fmt.Sprintf("event %q", slug), s.db.Rebind(query), args...)
}

func (s *Store) RemoveEvent(ctx context.Context, scope series.Scope, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE tenant_id = $1 AND id = $2`, scope.TenantID, id)
	if err != nil {
		return classify(err, fmt.Sprintf("event %q", id))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return series.NotFound("event %q not found", id)
	}
	return nil
}

// Series operations

func (s *Store) getSeries(ctx context.Context, what, query string, args ...any) (*series.Series, error) {
	var row seriesRow
	if err := sqlx.GetContext(ctx, s.db, &row, query, args...); err != nil {
		return nil, classify(err, what)
	}
	return row.toSeries()
}

func (s *Store) FindSeriesBySlug(ctx context.Context, scope series.Scope, slug string) (*series.Series, error) {
	return s.getSeries(ctx, fmt.Sprintf("series %q", slug),
		`SELECT `+seriesColumns+` FROM series WHERE tenant_id = $1 AND slug = $2`,
		scope.TenantID, slug)
}

func (s *Store) CreateSeries(ctx context.Context, scope series.Scope, in *series.Series) (*series.Series, error) {
	ser := in.Clone()
	if ser.ID == "" {
		ser.ID = uuid.NewString()
	}
	row, err := fromSeries(scope.TenantID, ser)
	if err != nil {
		return nil, err
	}

	query, args, err := sqlx.Named(`
	INSERT INTO series
	(id, tenant_id, slug, name, description, template_event_id, template_event_slug,
	 start_date, time_zone, rule, exception_dates, split_points, version, created_at, updated_at)
	VALUES
	(:id, :tenant_id, :slug, :name, :description, :template_event_id, :template_event_slug,
	 :start_date, :time_zone, :rule, :exception_dates, :split_points, 1, now(), now())
	RETURNING `+seriesColumns, row)
	if err != nil {
		return nil, err
	}
	return s.getSeries(ctx, fmt.Sprintf("series %q", ser.Slug), s.db.Rebind(query), args...)
}

// UpdateSeries writes only when the stored version still matches.
func (s *Store) UpdateSeries(ctx context.Context, scope series.Scope, in *series.Series) (*series.Series, error) {
	row, err := fromSeries(scope.TenantID, in)
	if err != nil {
		return nil, err
	}

	query, args, err := sqlx.Named(`
	UPDATE series SET
	name = :name,
	description = :description,
	template_event_id = :template_event_id,
	template_event_slug = :template_event_slug,
	start_date = :start_date,
	time_zone = :time_zone,
	rule = :rule,
	exception_dates = :exception_dates,
	split_points = :split_points,
	version = version + 1,
	updated_at = now()
	WHERE tenant_id = :tenant_id AND slug = :slug AND version = :version
	RETURNING `+seriesColumns, row)
	if err != nil {
		return nil, err
	}
	updated, err := s.getSeries(ctx, fmt.Sprintf("series %q", in.Slug), s.db.Rebind(query), args...)
	if !errors.Is(err, series.ErrNotFound) {
		return updated, err
	}

	// no row matched: either the series is gone or the version moved on
	var version int64
	lookup := sqlx.GetContext(ctx, s.db, &version,
		`SELECT version FROM series WHERE tenant_id = $1 AND slug = $2`, scope.TenantID, in.Slug)
	if lookup != nil {
		return nil, classify(lookup, fmt.Sprintf("series %q", in.Slug))
	}
	return nil, series.Conflict(nil, "series %q changed: version %d, expected %d", in.Slug, version, in.Version)
}

func (s *Store) RemoveSeries(ctx context.Context, scope series.Scope, slug string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM series WHERE tenant_id = $1 AND slug = $2`, scope.TenantID, slug)
	if err != nil {
		return classify(err, fmt.Sprintf("series %q", slug))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return series.NotFound("series %q not found", slug)
	}
	return nil
}

// InTx runs fn inside one database transaction. Nested calls reuse the
// outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(series.Store) error) error {
	if s.base == nil {
		return fn(s)
	}
	tx, err := s.base.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Store{db: tx, logger: s.logger}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "transaction")
	}
	return nil
}

var (
	_ series.Store      = (*Store)(nil)
	_ series.Transactor = (*Store)(nil)
)
