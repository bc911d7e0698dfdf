package adapter

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// shipRule turns one phrase shape into an absolute date relative to today (UTC midnight).
type shipRule struct {
	name    string
	expr    *regexp.Regexp
	resolve func(m []string, today time.Time) (time.Time, bool)
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// Ordered from most to least specific; the first rule that resolves wins.
var shipRules = []shipRule{
	{
		name: "numeric",
		expr: regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?\b`),
		resolve: func(m []string, today time.Time) (time.Time, bool) {
			month, _ := strconv.Atoi(m[1])
			day, _ := strconv.Atoi(m[2])
			year := 0
			if m[3] != "" {
				year, _ = strconv.Atoi(m[3])
				if year < 100 {
					year += 2000
				}
			}
			return calendarDate(today, year, time.Month(month), day)
		},
	},
	{
		name: "month_day",
		expr: regexp.MustCompile(`\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?\b`),
		resolve: func(m []string, today time.Time) (time.Time, bool) {
			month, ok := months[m[1][:3]]
			if !ok {
				return time.Time{}, false
			}
			day, _ := strconv.Atoi(m[2])
			year := 0
			if m[3] != "" {
				year, _ = strconv.Atoi(m[3])
			}
			return calendarDate(today, year, month, day)
		},
	},
	{
		name: "today",
		expr: regexp.MustCompile(`\b(today|tonight)\b`),
		resolve: func(m []string, today time.Time) (time.Time, bool) {
			return today, true
		},
	},
	{
		name: "tomorrow",
		expr: regexp.MustCompile(`\btomorrow\b`),
		resolve: func(m []string, today time.Time) (time.Time, bool) {
			return today.AddDate(0, 0, 1), true
		},
	},
	{
		name: "day_range",
		expr: regexp.MustCompile(`\b(?:in\s+)?(\d{1,2})(?:\s*(?:-|to)\s*\d{1,2})?\s+(?:business\s+)?days?\b`),
		resolve: func(m []string, today time.Time) (time.Time, bool) {
			n, err := strconv.Atoi(m[1])
			if err != nil || n > 60 {
				return time.Time{}, false
			}
			return today.AddDate(0, 0, n), true
		},
	},
	{
		name: "weekday",
		expr: regexp.MustCompile(`\b(sun|mon|tue|wed|thu|fri|sat)(?:day|sday|nesday|rsday|urday|s|\.)?\b`),
		resolve: func(m []string, today time.Time) (time.Time, bool) {
			wd, ok := weekdays[m[1]]
			if !ok {
				return time.Time{}, false
			}
			delta := (int(wd) - int(today.Weekday()) + 7) % 7
			return today.AddDate(0, 0, delta), true
		},
	},
}

// ParseShipDate extracts the earliest delivery/ship date from free text such as
// "Arrives Friday", "Ships 10/4", "Get it by Oct 4th" or "Delivery in 3-5 business days".
// It reports false when nothing recognisable is present; that is "no signal", not an error.
func ParseShipDate(text string, now time.Time) (time.Time, bool) {
	s := strings.ToLower(cleanText(text))
	if s == "" {
		return time.Time{}, false
	}
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	for _, rule := range shipRules {
		m := rule.expr.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		if t, ok := rule.resolve(m, today); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// IsFutureShipDate reports whether d is today or later.
func IsFutureShipDate(d, now time.Time) bool {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return !d.Before(today)
}

// calendarDate validates month/day and rolls year-less dates that already passed into next year.
func calendarDate(today time.Time, year int, month time.Month, day int) (time.Time, bool) {
	if month < time.January || month > time.December || day < 1 || day > 31 {
		return time.Time{}, false
	}
	explicit := year != 0
	if !explicit {
		year = today.Year()
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Month() != month {
		return time.Time{}, false
	}
	if !explicit && t.Before(today.AddDate(0, 0, -7)) {
		t = t.AddDate(1, 0, 0)
	}
	return t, true
}
