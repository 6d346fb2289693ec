package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var frequencyAdverbs = map[Frequency]string{
	Daily:   "Daily",
	Weekly:  "Weekly",
	Monthly: "Monthly",
	Yearly:  "Yearly",
}

var frequencyUnits = map[Frequency]string{
	Daily:   "day",
	Weekly:  "week",
	Monthly: "month",
	Yearly:  "year",
}

var ordinalNames = map[int]string{
	1: "first", 2: "second", 3: "third", 4: "fourth", 5: "fifth",
	-1: "last", -2: "second to last", -3: "third to last",
}

// Describe renders a rule as English text, e.g.
// "Weekly on Monday, Wednesday, Friday, until January 31, 2025".
// Dates are formatted in timeZone; an unknown zone falls back to UTC.
func Describe(rule Rule, timeZone string) string {
	loc, err := LoadLocation(timeZone)
	if err != nil {
		loc = time.UTC
	}

	var b strings.Builder
	interval := max(rule.Interval, 1)
	if interval == 1 {
		adverb, ok := frequencyAdverbs[rule.Frequency]
		if !ok {
			adverb = "Repeating"
		}
		b.WriteString(adverb)
	} else {
		fmt.Fprintf(&b, "Every %d %ss", interval, frequencyUnits[rule.Frequency])
	}

	if len(rule.ByMonth) > 0 {
		months := make([]string, 0, len(rule.ByMonth))
		for _, m := range rule.ByMonth {
			months = append(months, time.Month(m).String())
		}
		b.WriteString(" in " + joinList(months))
	}

	if len(rule.ByWeekday) > 0 {
		days := make([]string, 0, len(rule.ByWeekday))
		for _, w := range rule.ByWeekday {
			days = append(days, describeWeekday(w))
		}
		b.WriteString(" on " + strings.Join(days, ", "))
	}

	if len(rule.ByMonthDay) > 0 {
		days := make([]string, 0, len(rule.ByMonthDay))
		for _, d := range rule.ByMonthDay {
			days = append(days, describeMonthDay(d))
		}
		b.WriteString(" on the " + joinList(days) + " day")
	}

	if len(rule.BySetPosition) > 0 {
		positions := make([]string, 0, len(rule.BySetPosition))
		for _, p := range rule.BySetPosition {
			positions = append(positions, describeMonthDay(p))
		}
		b.WriteString(", only the " + joinList(positions) + " match")
	}

	if len(rule.ByHour) > 0 {
		minute := 0
		if len(rule.ByMinute) > 0 {
			minute = rule.ByMinute[0]
		}
		times := make([]string, 0, len(rule.ByHour))
		for _, h := range rule.ByHour {
			times = append(times, fmt.Sprintf("%02d:%02d", h, minute))
		}
		b.WriteString(" at " + joinList(times))
	}

	switch {
	case rule.Until != nil:
		b.WriteString(", until " + rule.Until.In(loc).Format("January 2, 2006"))
	case rule.Count != nil && *rule.Count == 1:
		b.WriteString(", once")
	case rule.Count != nil:
		fmt.Fprintf(&b, ", %d times", *rule.Count)
	}
	return b.String()
}

func describeWeekday(w Weekday) string {
	if w.N == 0 {
		return w.Day.String()
	}
	if name, ok := ordinalNames[w.N]; ok {
		return "the " + name + " " + w.Day.String()
	}
	return "the " + ordinal(w.N) + " " + w.Day.String()
}

func describeMonthDay(d int) string {
	switch {
	case d == -1:
		return "last"
	case d < 0:
		return ordinal(-d) + " to last"
	default:
		return ordinal(d)
	}
}

// ordinal formats 1 as "1st", 22 as "22nd", 13 as "13th".
func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}
