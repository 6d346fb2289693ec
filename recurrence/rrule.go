package recurrence

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var rruleFrequencies = map[Frequency]rrule.Frequency{
	Daily:   rrule.DAILY,
	Weekly:  rrule.WEEKLY,
	Monthly: rrule.MONTHLY,
	Yearly:  rrule.YEARLY,
}

// indexed by time.Weekday
var rruleWeekdays = [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

func (w Weekday) toRRule() rrule.Weekday {
	wd := rruleWeekdays[w.Day]
	if w.N != 0 {
		return wd.Nth(w.N)
	}
	return wd
}

func weekdayFromRRule(wd rrule.Weekday) Weekday {
	// rrule-go numbers days from Monday = 0
	return Weekday{N: wd.N(), Day: time.Weekday((wd.Day() + 1) % 7)}
}

// toROption builds the rrule-go options for a rule anchored at dtstart. The
// location of dtstart drives all wall-clock arithmetic.
func (r Rule) toROption(dtstart time.Time) (rrule.ROption, error) {
	freq, ok := rruleFrequencies[r.Frequency]
	if !ok {
		return rrule.ROption{}, fmt.Errorf("%w: unsupported frequency %q", ErrInvalidRule, r.Frequency)
	}

	opt := rrule.ROption{
		Freq:       freq,
		Dtstart:    dtstart,
		Interval:   max(r.Interval, 1),
		Bymonth:    r.ByMonth,
		Bymonthday: r.ByMonthDay,
		Byhour:     r.ByHour,
		Byminute:   r.ByMinute,
		Bysecond:   r.BySecond,
		Bysetpos:   r.BySetPosition,
	}
	if r.Count != nil {
		opt.Count = *r.Count
	}
	if r.Until != nil {
		opt.Until = r.Until.In(dtstart.Location())
	}
	for _, w := range r.ByWeekday {
		opt.Byweekday = append(opt.Byweekday, w.toRRule())
	}
	if r.WeekStart != nil {
		opt.Wkst = r.WeekStart.toRRule()
	}
	return opt, nil
}

// RRULE renders the rule as an RFC 5545 RRULE value (without the "RRULE:" prefix).
func (r Rule) RRULE() (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	opt, err := r.Normalize().toROption(time.Time{})
	if err != nil {
		return "", err
	}
	if r.Until != nil {
		opt.Until = r.Until.UTC()
	}
	return opt.RRuleString(), nil
}

// ParseRRULE parses an RFC 5545 RRULE value, with or without the "RRULE:" prefix.
func ParseRRULE(s string) (Rule, error) {
	value := strings.TrimSpace(s)
	value = strings.TrimPrefix(strings.TrimPrefix(value, "RRULE:"), "rrule:")

	opt, err := rrule.StrToROption(value)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	var rule Rule
	for f, rf := range rruleFrequencies {
		if rf == opt.Freq {
			rule.Frequency = f
		}
	}
	if rule.Frequency == "" {
		return Rule{}, fmt.Errorf("%w: unsupported frequency in %q", ErrInvalidRule, s)
	}

	rule.Interval = max(opt.Interval, 1)
	if opt.Count > 0 {
		n := opt.Count
		rule.Count = &n
	}
	if !opt.Until.IsZero() {
		u := opt.Until.UTC()
		rule.Until = &u
	}
	for _, wd := range opt.Byweekday {
		rule.ByWeekday = append(rule.ByWeekday, weekdayFromRRule(wd))
	}
	rule.ByMonth = nilIfEmpty(opt.Bymonth)
	rule.ByMonthDay = nilIfEmpty(opt.Bymonthday)
	rule.ByHour = nilIfEmpty(opt.Byhour)
	rule.ByMinute = nilIfEmpty(opt.Byminute)
	rule.BySecond = nilIfEmpty(opt.Bysecond)
	rule.BySetPosition = nilIfEmpty(opt.Bysetpos)
	if strings.Contains(strings.ToUpper(value), "WKST=") {
		ws := weekdayFromRRule(opt.Wkst)
		rule.WeekStart = &ws
	}

	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

func nilIfEmpty(values []int) []int {
	if len(values) == 0 {
		return nil
	}
	return slices.Clone(values)
}
