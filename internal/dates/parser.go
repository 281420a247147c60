// Package dates turns a user-typed period ("last week", "2024-01-01
// 2024-01-31", "last 7 days") into a concrete start/end date pair.
package dates

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrUnrecognized means the text is neither a known keyword nor a date pair.
var ErrUnrecognized = errors.New("unrecognized period")

// ErrReversedRange means the end date precedes the start date.
var ErrReversedRange = errors.New("end date before start date")

const dayLayout = "2006-01-02"

// Period is an inclusive day range with a human-readable label.
type Period struct {
	Start time.Time
	End   time.Time
	Label string
}

var (
	reDatePair = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\s*(?:[,–—]|-{1,2}|to)?\s*(\d{4}-\d{2}-\d{2})$`)
	reDate     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	reLastDays = regexp.MustCompile(`^last\s+(\d{1,3})\s+days?$`)
)

// Parse resolves text into a Period relative to now. Matching is
// case-insensitive; explicit dates always win over keywords.
func Parse(text string, now time.Time) (Period, error) {
	s := strings.ToLower(strings.TrimSpace(text))
	today := truncateDay(now)

	if m := reDatePair.FindStringSubmatch(s); m != nil {
		return explicitRange(m[1], m[2])
	}
	if reDate.MatchString(s) {
		d, err := time.Parse(dayLayout, s)
		if err != nil {
			return Period{}, fmt.Errorf("%w: %q", ErrUnrecognized, text)
		}
		return Period{Start: d, End: d, Label: s}, nil
	}
	if m := reLastDays.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n < 1 {
			return Period{}, fmt.Errorf("%w: %q", ErrUnrecognized, text)
		}
		start := today.AddDate(0, 0, -(n - 1))
		return labeled(start, today, fmt.Sprintf("last %d days", n)), nil
	}

	switch s {
	case "today":
		return labeled(today, today, "today"), nil
	case "yesterday":
		d := today.AddDate(0, 0, -1)
		return labeled(d, d, "yesterday"), nil
	case "this week":
		start := weekStart(today)
		return labeled(start, today, "this week"), nil
	case "last week":
		end := weekStart(today).AddDate(0, 0, -1)
		return labeled(weekStart(end), end, "last week"), nil
	case "this month":
		start := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		return labeled(start, today, "this month"), nil
	case "last month":
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		end := first.AddDate(0, 0, -1)
		start := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
		return labeled(start, end, "last month"), nil
	case "this quarter":
		start := quarterStart(today)
		return labeled(start, today, "this quarter"), nil
	case "last quarter":
		end := quarterStart(today).AddDate(0, 0, -1)
		return labeled(quarterStart(end), end, "last quarter"), nil
	case "this year":
		start := time.Date(today.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return labeled(start, today, "this year"), nil
	case "last year":
		start := time.Date(today.Year()-1, 1, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(today.Year()-1, 12, 31, 0, 0, 0, 0, time.UTC)
		return labeled(start, end, "last year"), nil
	}

	return Period{}, fmt.Errorf("%w: %q", ErrUnrecognized, text)
}

func explicitRange(startStr, endStr string) (Period, error) {
	start, err := time.Parse(dayLayout, startStr)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrUnrecognized, startStr)
	}
	end, err := time.Parse(dayLayout, endStr)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrUnrecognized, endStr)
	}
	if end.Before(start) {
		return Period{}, ErrReversedRange
	}
	return labeled(start, end, ""), nil
}

func labeled(start, end time.Time, label string) Period {
	if label == "" {
		label = start.Format(dayLayout) + " – " + end.Format(dayLayout)
	} else {
		label = fmt.Sprintf("%s (%s – %s)", label, start.Format(dayLayout), end.Format(dayLayout))
	}
	return Period{Start: start, End: end, Label: label}
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// weekStart returns the Monday of t's week.
func weekStart(t time.Time) time.Time {
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7
	}
	return t.AddDate(0, 0, -(wd - 1))
}

func quarterStart(t time.Time) time.Time {
	q := (int(t.Month()) - 1) / 3
	return time.Date(t.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
}
