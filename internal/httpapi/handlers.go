package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/mo"

	"github.com/cyp0633/eventseries/internal/ics"
	"github.com/cyp0633/eventseries/recurrence"
	"github.com/cyp0633/eventseries/series"
)

// ruleInput accepts a structured rule or an RRULE string.
type ruleInput struct {
	Rule  *recurrence.Rule `json:"rule"`
	RRULE string           `json:"rrule"`
}

func (in ruleInput) resolve() (recurrence.Rule, error) {
	switch {
	case in.Rule != nil:
		return *in.Rule, nil
	case in.RRULE != "":
		return recurrence.ParseRRULE(in.RRULE)
	default:
		return recurrence.Rule{}, invalid("rule or rrule is required")
	}
}

// zone reads request dates. Strings with an offset are instants; strings
// without one are wall-clock times in the zone's location, which is
// resolved on first use.
type zone struct {
	loc     *time.Location
	resolve func() (*time.Location, error)
}

func fixedZone(loc *time.Location) *zone {
	return &zone{loc: loc}
}

// seriesZone reads dates in the time zone of the series behind :slug.
func (h *handler) seriesZone(c *gin.Context, scope series.Scope) *zone {
	return &zone{resolve: func() (*time.Location, error) {
		return h.occurrences.Location(c.Request.Context(), scope, c.Param("slug"))
	}}
}

func (z *zone) instant(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, invalid(name + " is required")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if z.loc == nil {
		loc, err := z.resolve()
		if err != nil {
			return time.Time{}, err
		}
		z.loc = loc
	}
	t, err := recurrence.ParseInstant(value, z.loc)
	if err != nil {
		return time.Time{}, invalid("invalid " + name + ": " + err.Error())
	}
	return t, nil
}

func (z *zone) optional(name, value string) (mo.Option[time.Time], error) {
	if value == "" {
		return mo.None[time.Time](), nil
	}
	t, err := z.instant(name, value)
	if err != nil {
		return mo.None[time.Time](), err
	}
	return mo.Some(t), nil
}

func (z *zone) instants(values []string) ([]time.Time, error) {
	out := make([]time.Time, 0, len(values))
	for _, v := range values {
		t, err := z.instant("exception date", v)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// bind decodes the JSON body into dst and resolves the request scope.
func (h *handler) bind(c *gin.Context, dst any) (series.Scope, bool) {
	scope, ok := ScopeFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return scope, false
	}
	if dst != nil {
		if err := c.ShouldBindJSON(dst); err != nil {
			h.fail(c, invalid(err.Error()))
			return scope, false
		}
	}
	return scope, true
}

// mutate runs a write, retrying once on a version or lock conflict.
func mutate[T any](c *gin.Context, fn func(context.Context) (T, error)) (T, error) {
	return series.RetryOnConflict(c.Request.Context(), fn)
}

// Recurrence engine

type previewRequest struct {
	ruleInput
	Start             string   `json:"start"`
	TimeZone          string   `json:"timeZone"`
	From              string   `json:"from"`
	Until             string   `json:"until"`
	Count             *int     `json:"count"`
	ExceptionDates    []string `json:"exceptionDates"`
	IncludeExceptions bool     `json:"includeExceptions"`
}

func (h *handler) preview(c *gin.Context) {
	var req previewRequest
	if _, ok := h.bind(c, &req); !ok {
		return
	}
	rule, err := req.resolve()
	if err != nil {
		h.fail(c, err)
		return
	}
	loc, err := recurrence.LoadLocation(req.TimeZone)
	if err != nil {
		h.fail(c, err)
		return
	}
	z := fixedZone(loc)
	opts := recurrence.Options{TimeZone: req.TimeZone, IncludeExceptions: req.IncludeExceptions}
	if opts.From, err = z.optional("from", req.From); err != nil {
		h.fail(c, err)
		return
	}
	if opts.Until, err = z.optional("until", req.Until); err != nil {
		h.fail(c, err)
		return
	}
	if req.Count != nil {
		opts.Count = mo.Some(*req.Count)
	}
	if opts.ExceptionDates, err = z.instants(req.ExceptionDates); err != nil {
		h.fail(c, err)
		return
	}
	if req.Start == "" {
		h.fail(c, invalid("start is required"))
		return
	}

	dates, err := h.engine.GenerateFromString(req.Start, rule, opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"occurrences": dates,
		"description": recurrence.Describe(rule, req.TimeZone),
	})
}

type describeRequest struct {
	ruleInput
	TimeZone string `json:"timeZone"`
}

func (h *handler) describeRule(c *gin.Context) {
	var req describeRequest
	if _, ok := h.bind(c, &req); !ok {
		return
	}
	rule, err := req.resolve()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"description": recurrence.Describe(rule, req.TimeZone)})
}

type checkRequest struct {
	ruleInput
	Date           string   `json:"date"`
	Start          string   `json:"start"`
	TimeZone       string   `json:"timeZone"`
	ExceptionDates []string `json:"exceptionDates"`
}

func (h *handler) check(c *gin.Context) {
	var req checkRequest
	if _, ok := h.bind(c, &req); !ok {
		return
	}
	rule, err := req.resolve()
	if err != nil {
		h.fail(c, err)
		return
	}
	loc, err := recurrence.LoadLocation(req.TimeZone)
	if err != nil {
		h.fail(c, err)
		return
	}
	z := fixedZone(loc)
	date, err := z.instant("date", req.Date)
	if err != nil {
		h.fail(c, err)
		return
	}
	start, err := z.instant("start", req.Start)
	if err != nil {
		h.fail(c, err)
		return
	}
	exceptions, err := z.instants(req.ExceptionDates)
	if err != nil {
		h.fail(c, err)
		return
	}

	ok, err := h.engine.InPattern(date, start, rule, req.TimeZone, exceptions)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"inPattern": ok})
}

// Series lifecycle

func (h *handler) createSeries(c *gin.Context) {
	var req series.NewSeries
	scope, ok := h.bind(c, &req)
	if !ok {
		return
	}
	template, s, err := h.modify.CreateSeries(c.Request.Context(), scope, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event": template, "series": s})
}

func (h *handler) importSeries(c *gin.Context) {
	scope, ok := h.bind(c, nil)
	if !ok {
		return
	}
	imported, err := ics.Import(c.Request.Body)
	if err != nil {
		h.fail(c, invalid(err.Error()))
		return
	}
	in := imported.Series
	in.ExceptionDates = imported.Exceptions
	if in.Name == "" {
		in.Name = "Imported series"
	}
	template, s, err := h.modify.CreateSeries(c.Request.Context(), scope, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event": template, "series": s})
}

type promoteRequest struct {
	ruleInput
	TimeZone string `json:"timeZone"`
}

func (h *handler) promote(c *gin.Context) {
	var req promoteRequest
	scope, ok := h.bind(c, &req)
	if !ok {
		return
	}
	rule, err := req.resolve()
	if err != nil {
		h.fail(c, err)
		return
	}
	s, err := h.modify.PromoteEvent(c.Request.Context(), scope, c.Param("slug"), rule, req.TimeZone)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *handler) updateRule(c *gin.Context) {
	var req ruleInput
	scope, ok := h.bind(c, &req)
	if !ok {
		return
	}
	rule, err := req.resolve()
	if err != nil {
		h.fail(c, err)
		return
	}
	s, err := mutate(c, func(ctx context.Context) (*series.Series, error) {
		return h.modify.UpdateRule(ctx, scope, c.Param("slug"), rule)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *handler) deleteSeries(c *gin.Context) {
	scope, ok := h.bind(c, nil)
	if !ok {
		return
	}
	cascade := false
	if v := c.Query("cascade"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.fail(c, invalid("invalid cascade: "+v))
			return
		}
		cascade = b
	}
	_, err := mutate(c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.modify.DeleteSeries(ctx, scope, c.Param("slug"), cascade)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Occurrences

func rangeFrom(c *gin.Context, z *zone) (series.Range, error) {
	var rng series.Range
	var err error
	if rng.Start, err = z.optional("start", c.Query("start")); err != nil {
		return rng, err
	}
	if rng.End, err = z.optional("end", c.Query("end")); err != nil {
		return rng, err
	}
	if v := c.Query("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return rng, invalid("invalid count: " + v)
		}
		rng.Count = mo.Some(n)
	}
	if v := c.Query("includeExcluded"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return rng, invalid("invalid includeExcluded: " + v)
		}
		rng.IncludeExcluded = b
	}
	return rng, nil
}

func (h *handler) listOccurrences(c *gin.Context) {
	scope, ok := h.bind(c, nil)
	if !ok {
		return
	}
	rng, err := rangeFrom(c, h.seriesZone(c, scope))
	if err != nil {
		h.fail(c, err)
		return
	}
	dates, err := h.occurrences.ListOccurrences(c.Request.Context(), scope, c.Param("slug"), rng)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"occurrences": dates})
}

func (h *handler) expandOccurrences(c *gin.Context) {
	scope, ok := h.bind(c, nil)
	if !ok {
		return
	}
	rng, err := rangeFrom(c, h.seriesZone(c, scope))
	if err != nil {
		h.fail(c, err)
		return
	}
	occs, err := h.occurrences.ExpandOccurrences(c.Request.Context(), scope, c.Param("slug"), rng)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"occurrences": occs})
}

type dateRequest struct {
	Date string `json:"date"`
}

func (h *handler) addException(c *gin.Context) {
	var req dateRequest
	scope, ok := h.bind(c, &req)
	if !ok {
		return
	}
	date, err := h.seriesZone(c, scope).instant("date", req.Date)
	if err != nil {
		h.fail(c, err)
		return
	}
	s, err := mutate(c, func(ctx context.Context) (*series.Series, error) {
		return h.occurrences.AddExceptionDate(ctx, scope, c.Param("slug"), date)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *handler) removeException(c *gin.Context) {
	scope, ok := h.bind(c, nil)
	if !ok {
		return
	}
	date, err := h.seriesZone(c, scope).instant("date", c.Param("date"))
	if err != nil {
		h.fail(c, err)
		return
	}
	s, err := mutate(c, func(ctx context.Context) (*series.Series, error) {
		return h.occurrences.RemoveExceptionDate(ctx, scope, c.Param("slug"), date)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *handler) materialize(c *gin.Context) {
	var req dateRequest
	scope, ok := h.bind(c, &req)
	if !ok {
		return
	}
	date, err := h.seriesZone(c, scope).instant("date", req.Date)
	if err != nil {
		h.fail(c, err)
		return
	}
	event, err := mutate(c, func(ctx context.Context) (*series.EventRecord, error) {
		return h.occurrences.MaterializeOccurrence(ctx, scope, c.Param("slug"), date)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

type nextRequest struct {
	After string `json:"after"`
}

func (h *handler) materializeNext(c *gin.Context) {
	var req nextRequest
	scope, ok := h.bind(c, nil)
	if !ok {
		return
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, invalid(err.Error()))
			return
		}
	}
	after := h.now()
	if req.After != "" {
		var err error
		if after, err = h.seriesZone(c, scope).instant("after", req.After); err != nil {
			h.fail(c, err)
			return
		}
	}
	event, err := mutate(c, func(ctx context.Context) (*series.EventRecord, error) {
		return h.occurrences.MaterializeNext(ctx, scope, c.Param("slug"), after)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// Splits

type splitRequest struct {
	Date    string            `json:"date"`
	Changes series.EventPatch `json:"changes"`
}

func (h *handler) split(c *gin.Context) {
	var req splitRequest
	scope, ok := h.bind(c, &req)
	if !ok {
		return
	}
	date, err := h.seriesZone(c, scope).instant("date", req.Date)
	if err != nil {
		h.fail(c, err)
		return
	}
	event, err := mutate(c, func(ctx context.Context) (*series.EventRecord, error) {
		return h.modify.SplitSeriesAt(ctx, scope, c.Param("slug"), date, req.Changes)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

func (h *handler) effective(c *gin.Context) {
	scope, ok := h.bind(c, nil)
	if !ok {
		return
	}
	date, err := h.seriesZone(c, scope).instant("date", c.Query("date"))
	if err != nil {
		h.fail(c, err)
		return
	}
	event, err := h.modify.EffectiveEventForDate(c.Request.Context(), scope, c.Param("slug"), date)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// Read-only views

func (h *handler) describeSeries(c *gin.Context) {
	scope, ok := h.bind(c, nil)
	if !ok {
		return
	}
	text, err := h.occurrences.Describe(c.Request.Context(), scope, c.Param("slug"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"description": text})
}

func (h *handler) exportICS(c *gin.Context) {
	scope, ok := h.bind(c, nil)
	if !ok {
		return
	}
	snap, err := h.occurrences.Snapshot(c.Request.Context(), scope, c.Param("slug"))
	if err != nil {
		h.fail(c, err)
		return
	}
	cal, err := ics.Export(snap.Template, snap.Series, snap.Occurrences, h.now())
	if err != nil {
		h.fail(c, err)
		return
	}
	text, err := ics.EncodeString(cal)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+snap.Series.Slug+`.ics"`)
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", []byte(text))
}
