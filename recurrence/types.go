package recurrence

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidRule is returned when a recurrence rule fails validation
	ErrInvalidRule = errors.New("invalid recurrence rule")
	// ErrInvalidTimeZone is returned when a timezone identifier cannot be loaded
	ErrInvalidTimeZone = errors.New("invalid timezone")
	// ErrInvalidInstant is returned when a date cannot be parsed or is missing
	ErrInvalidInstant = errors.New("invalid instant")
)

// Frequency is the base period of a recurrence rule.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// legacyFrequencies maps the numeric enum some clients still send.
var legacyFrequencies = map[int]Frequency{
	0: Yearly,
	1: Monthly,
	2: Weekly,
	3: Daily,
}

// ParseFrequency accepts a frequency name in any case.
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(strings.ToUpper(strings.TrimSpace(s))); f {
	case Daily, Weekly, Monthly, Yearly:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unsupported frequency %q", ErrInvalidRule, s)
	}
}

// UnmarshalJSON accepts either the string form or the legacy numeric enum.
func (f *Frequency) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseFrequency(s)
		if err != nil {
			return err
		}
		*f = parsed
		return nil
	}

	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("%w: frequency must be a string or number", ErrInvalidRule)
	}
	parsed, ok := legacyFrequencies[n]
	if !ok {
		return fmt.Errorf("%w: unsupported frequency %d", ErrInvalidRule, n)
	}
	*f = parsed
	return nil
}

// Weekday is a BYDAY entry: a day of the week, optionally with an ordinal
// (1MO = first Monday, -1FR = last Friday).
type Weekday struct {
	N   int
	Day time.Weekday
}

var weekdayTokens = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

var weekdayTokenPattern = regexp.MustCompile(`^([+-]?\d{1,2})?(SU|MO|TU|WE|TH|FR|SA)$`)

var ordinalWords = map[string]int{
	"first":          1,
	"second":         2,
	"third":          3,
	"fourth":         4,
	"fifth":          5,
	"last":           -1,
	"second to last": -2,
	"third to last":  -3,
}

// ParseWeekday parses "MO", "1MO", "-1FR", "monday" or "first monday".
func ParseWeekday(s string) (Weekday, error) {
	trimmed := strings.TrimSpace(s)
	if m := weekdayTokenPattern.FindStringSubmatch(strings.ToUpper(trimmed)); m != nil {
		w := Weekday{Day: time.Weekday(slices.Index(weekdayTokens[:], m[2]))}
		if m[1] != "" {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return Weekday{}, fmt.Errorf("%w: weekday %q", ErrInvalidRule, s)
			}
			w.N = n
		}
		return w, nil
	}

	fields := strings.Fields(strings.ReplaceAll(strings.ToLower(trimmed), "-", " "))
	if len(fields) == 0 {
		return Weekday{}, fmt.Errorf("%w: empty weekday", ErrInvalidRule)
	}
	day, ok := dayByName(fields[len(fields)-1])
	if !ok {
		return Weekday{}, fmt.Errorf("%w: weekday %q", ErrInvalidRule, s)
	}
	w := Weekday{Day: day}
	if len(fields) > 1 {
		n, ok := ordinalWords[strings.Join(fields[:len(fields)-1], " ")]
		if !ok {
			return Weekday{}, fmt.Errorf("%w: weekday ordinal in %q", ErrInvalidRule, s)
		}
		w.N = n
	}
	return w, nil
}

func dayByName(name string) (time.Weekday, bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, true
		}
	}
	return 0, false
}

// String returns the RRULE token, e.g. "MO", "2TU" or "-1FR".
func (w Weekday) String() string {
	if w.N == 0 {
		return weekdayTokens[w.Day]
	}
	return strconv.Itoa(w.N) + weekdayTokens[w.Day]
}

func (w Weekday) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

func (w *Weekday) UnmarshalText(b []byte) error {
	parsed, err := ParseWeekday(string(b))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// Rule is a recurrence rule value object. It is owned by a series and
// persisted as a structured value.
type Rule struct {
	Frequency     Frequency  `json:"frequency"`
	Interval      int        `json:"interval,omitempty"`
	Count         *int       `json:"count,omitempty"`
	Until         *time.Time `json:"until,omitempty"`
	ByWeekday     []Weekday  `json:"byWeekday,omitempty"`
	ByMonth       []int      `json:"byMonth,omitempty"`
	ByMonthDay    []int      `json:"byMonthDay,omitempty"`
	ByHour        []int      `json:"byHour,omitempty"`
	ByMinute      []int      `json:"byMinute,omitempty"`
	BySecond      []int      `json:"bySecond,omitempty"`
	BySetPosition []int      `json:"bySetPosition,omitempty"`
	WeekStart     *Weekday   `json:"weekStart,omitempty"`
}

// Validate checks the rule's invariants.
func (r Rule) Validate() error {
	if _, err := ParseFrequency(string(r.Frequency)); err != nil {
		if r.Frequency == "" {
			return fmt.Errorf("%w: frequency is required", ErrInvalidRule)
		}
		return err
	}
	if r.Interval < 0 {
		return fmt.Errorf("%w: interval must be at least 1", ErrInvalidRule)
	}
	if r.Count != nil && *r.Count < 1 {
		return fmt.Errorf("%w: count must be at least 1", ErrInvalidRule)
	}
	if r.Count != nil && r.Until != nil {
		return fmt.Errorf("%w: count and until are mutually exclusive", ErrInvalidRule)
	}
	if r.Until != nil && r.Until.IsZero() {
		return fmt.Errorf("%w: until is empty", ErrInvalidRule)
	}

	if r.ByWeekday != nil && len(r.ByWeekday) == 0 {
		return fmt.Errorf("%w: byWeekday is empty", ErrInvalidRule)
	}
	for _, w := range r.ByWeekday {
		if w.Day < time.Sunday || w.Day > time.Saturday {
			return fmt.Errorf("%w: byWeekday day %d", ErrInvalidRule, w.Day)
		}
		if w.N < -53 || w.N > 53 {
			return fmt.Errorf("%w: byWeekday ordinal %d", ErrInvalidRule, w.N)
		}
	}
	if r.WeekStart != nil && r.WeekStart.N != 0 {
		return fmt.Errorf("%w: weekStart cannot carry an ordinal", ErrInvalidRule)
	}

	checks := []struct {
		name     string
		values   []int
		min, max int
		nonZero  bool
	}{
		{"byMonth", r.ByMonth, 1, 12, false},
		{"byMonthDay", r.ByMonthDay, -31, 31, true},
		{"byHour", r.ByHour, 0, 23, false},
		{"byMinute", r.ByMinute, 0, 59, false},
		{"bySecond", r.BySecond, 0, 59, false},
		{"bySetPosition", r.BySetPosition, -366, 366, true},
	}
	for _, c := range checks {
		if c.values != nil && len(c.values) == 0 {
			return fmt.Errorf("%w: %s is empty", ErrInvalidRule, c.name)
		}
		for _, v := range c.values {
			if v < c.min || v > c.max || (c.nonZero && v == 0) {
				return fmt.Errorf("%w: %s value %d out of range", ErrInvalidRule, c.name, v)
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the rule.
func (r Rule) Clone() Rule {
	out := r
	if r.Count != nil {
		c := *r.Count
		out.Count = &c
	}
	if r.Until != nil {
		u := *r.Until
		out.Until = &u
	}
	if r.WeekStart != nil {
		w := *r.WeekStart
		out.WeekStart = &w
	}
	out.ByWeekday = slices.Clone(r.ByWeekday)
	out.ByMonth = slices.Clone(r.ByMonth)
	out.ByMonthDay = slices.Clone(r.ByMonthDay)
	out.ByHour = slices.Clone(r.ByHour)
	out.ByMinute = slices.Clone(r.ByMinute)
	out.BySecond = slices.Clone(r.BySecond)
	out.BySetPosition = slices.Clone(r.BySetPosition)
	return out
}

// Normalize returns the persisted form of the rule: interval defaults to 1
// and until is a UTC instant without sub-second precision.
func (r Rule) Normalize() Rule {
	out := r.Clone()
	if out.Interval == 0 {
		out.Interval = 1
	}
	if f, err := ParseFrequency(string(out.Frequency)); err == nil {
		out.Frequency = f
	}
	if out.Until != nil {
		u := out.Until.UTC().Truncate(time.Second)
		out.Until = &u
	}
	return out
}

// WithCount returns a copy of the rule terminated after n occurrences.
func (r Rule) WithCount(n int) Rule {
	out := r.Clone()
	out.Count = &n
	out.Until = nil
	return out
}

// WithUntil returns a copy of the rule terminated at until (inclusive).
func (r Rule) WithUntil(until time.Time) Rule {
	out := r.Clone()
	u := until.UTC().Truncate(time.Second)
	out.Until = &u
	out.Count = nil
	return out
}

// IsBounded reports whether the rule terminates on its own.
func (r Rule) IsBounded() bool {
	return r.Count != nil || r.Until != nil
}
