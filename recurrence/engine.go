package recurrence

import (
	"fmt"
	"time"

	"github.com/samber/mo"
	"github.com/teambition/rrule-go"
)

const (
	opGenerate = "generate"
	opPattern  = "pattern"

	// patternTolerance absorbs timezone and rounding skew in membership checks
	patternTolerance = time.Minute
)

// EngineError wraps any failure inside the pure engine: malformed rules,
// unknown timezones, unusable dates.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("recurrence %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Options controls a single expansion.
type Options struct {
	// TimeZone is the IANA zone used for pattern arithmetic. Empty means UTC.
	TimeZone string
	// From skips occurrences before it; skipped occurrences do not count.
	From mo.Option[time.Time]
	// Until bounds the expansion inclusively and takes precedence over counts.
	Until mo.Option[time.Time]
	// Count overrides the rule's count for unbounded expansions.
	Count mo.Option[int]
	// ExceptionDates are dropped by calendar day unless IncludeExceptions is set.
	ExceptionDates    []time.Time
	IncludeExceptions bool
}

// Engine expands recurrence rules into occurrence instants. It performs no
// I/O; the optional cache is the only shared state.
type Engine struct {
	config EngineConfig
	cache  *Cache
}

// NewEngine creates an uncached engine with default limits
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig)
}

// NewEngineWithConfig creates a new recurrence engine with custom configuration
func NewEngineWithConfig(config EngineConfig) *Engine {
	config = config.normalized()

	var cache *Cache
	if config.CacheEnabled {
		cache = NewCache(config.CacheConfig)
	}
	return &Engine{config: config, cache: cache}
}

func (e *Engine) Config() EngineConfig {
	return e.config
}

// CacheStats returns cache statistics, or zero values when caching is off.
func (e *Engine) CacheStats() CacheStats {
	if e.cache == nil {
		return CacheStats{}
	}
	return e.cache.Stats()
}

// Close releases the cache goroutine, if any.
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

// Expand produces the ascending, duplicate-free occurrences of rule anchored
// at start. Failures are reported as *EngineError inside the result.
func (e *Engine) Expand(start time.Time, rule Rule, opts Options) mo.Result[[]time.Time] {
	if e.cache != nil {
		if cached, ok := e.cache.Get(opGenerate, start, rule, opts); ok {
			return mo.Ok(cached)
		}
	}

	occurrences, err := e.expand(start, rule, opts)
	if err != nil {
		return mo.Err[[]time.Time](&EngineError{Op: opGenerate, Err: err})
	}
	if e.cache != nil {
		e.cache.Set(opGenerate, start, rule, opts, occurrences)
	}
	return mo.Ok(occurrences)
}

// Generate is Expand in (value, error) form.
func (e *Engine) Generate(start time.Time, rule Rule, opts Options) ([]time.Time, error) {
	return e.Expand(start, rule, opts).Get()
}

// GenerateOccurrences never fails: an engine error degrades to an empty
// result, which callers cannot tell apart from a rule with no occurrences.
// Prefer Generate where the distinction matters.
func (e *Engine) GenerateOccurrences(start time.Time, rule Rule, opts Options) []time.Time {
	result := e.Expand(start, rule, opts)
	if result.IsError() {
		e.config.Logger.Warn("occurrence generation degraded to empty result",
			"error", result.Error(),
			"frequency", rule.Frequency,
			"timezone", opts.TimeZone)
		return []time.Time{}
	}
	return result.MustGet()
}

// GenerateFromString parses start with ParseInstant in the options' timezone
// before expanding.
func (e *Engine) GenerateFromString(start string, rule Rule, opts Options) ([]time.Time, error) {
	loc, err := LoadLocation(opts.TimeZone)
	if err != nil {
		return nil, &EngineError{Op: opGenerate, Err: err}
	}
	at, err := ParseInstant(start, loc)
	if err != nil {
		return nil, &EngineError{Op: opGenerate, Err: err}
	}
	return e.Generate(at, rule, opts)
}

func (e *Engine) expand(start time.Time, rule Rule, opts Options) ([]time.Time, error) {
	if start.IsZero() {
		return nil, fmt.Errorf("%w: start is required", ErrInvalidInstant)
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	loc, err := LoadLocation(opts.TimeZone)
	if err != nil {
		return nil, err
	}

	// Pattern arithmetic runs on local wall-clock time, so every occurrence
	// keeps the start's local hour across DST transitions.
	dtstart := start.In(loc)
	ropt, err := rule.Normalize().toROption(dtstart)
	if err != nil {
		return nil, err
	}
	r, err := rrule.NewRRule(ropt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	from, hasFrom := opts.From.Get()
	until, bounded := opts.Until.Get()
	if !bounded && rule.Until != nil {
		until, bounded = *rule.Until, true
	}

	var occurrences []time.Time
	if bounded {
		after := dtstart.Truncate(time.Second)
		if hasFrom && from.After(after) {
			after = from.In(loc)
		}
		occurrences = r.Between(after, until.In(loc), true)
	} else {
		limit := opts.Count.OrElse(0)
		if limit <= 0 {
			limit = e.config.DefaultCount
			if rule.Count != nil {
				limit = *rule.Count
			}
		}
		limit = min(limit, e.config.MaxCount)

		next := r.Iterator()
		for len(occurrences) < limit {
			t, ok := next()
			if !ok {
				break
			}
			if hasFrom && t.Before(from) {
				continue
			}
			occurrences = append(occurrences, t)
		}
	}

	out := make([]time.Time, 0, len(occurrences))
	for _, t := range occurrences {
		if !opts.IncludeExceptions && isExcluded(t, opts.ExceptionDates, loc) {
			continue
		}
		out = append(out, t.In(loc))
	}
	return out, nil
}

// InPattern reports whether date is an occurrence of rule that is not
// excluded. Occurrences within one minute of date count as a match.
func (e *Engine) InPattern(date, start time.Time, rule Rule, timeZone string, exceptionDates []time.Time) (bool, error) {
	loc, err := LoadLocation(timeZone)
	if err != nil {
		return false, &EngineError{Op: opPattern, Err: err}
	}
	if date.IsZero() {
		return false, &EngineError{Op: opPattern, Err: fmt.Errorf("%w: date is required", ErrInvalidInstant)}
	}
	if isExcluded(date, exceptionDates, loc) {
		return false, nil
	}

	window, err := e.Generate(start, rule, Options{
		TimeZone:          timeZone,
		From:              mo.Some(date.Add(-patternTolerance)),
		Until:             mo.Some(date.Add(patternTolerance)),
		IncludeExceptions: true,
	})
	if err != nil {
		return false, err
	}
	for _, t := range window {
		if absDuration(t.Sub(date)) <= patternTolerance {
			return true, nil
		}
	}
	return false, nil
}

// IsInPattern is the lenient form of InPattern: engine failures read as false.
func (e *Engine) IsInPattern(date, start time.Time, rule Rule, timeZone string, exceptionDates []time.Time) bool {
	ok, err := e.InPattern(date, start, rule, timeZone, exceptionDates)
	if err != nil {
		e.config.Logger.Warn("pattern check degraded to false",
			"error", err,
			"date", date)
		return false
	}
	return ok
}

// LoadLocation resolves an IANA zone; the empty string means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidTimeZone, name, err)
	}
	return loc, nil
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseInstant parses an ISO-8601 string. Values carrying an offset are
// absolute; values without one are wall-clock times in loc.
func ParseInstant(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse %q", ErrInvalidInstant, s)
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// isExcluded checks whether t falls on the same local day as any exception
func isExcluded(t time.Time, exceptionDates []time.Time, loc *time.Location) bool {
	for _, ex := range exceptionDates {
		if SameDay(t, ex, loc) {
			return true
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
