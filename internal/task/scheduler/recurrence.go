package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var recurrenceParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays parses a comma separated day list ("MON,WED", "monday, 3").
// Numbers follow cron: 0 is Sunday. The result is sorted and deduplicated.
func ParseWeekdays(raw string) ([]time.Weekday, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	var out []time.Weekday
	for _, part := range strings.Split(s, ",") {
		p := strings.ToLower(strings.TrimSpace(part))
		if p == "" {
			continue
		}
		if d, ok := weekdayNames[p]; ok {
			out = append(out, d)
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid weekday %q", part)
		}
		out = append(out, time.Weekday(n))
	}
	return NormalizeWeekdays(out), nil
}

// NormalizeWeekdays sorts and deduplicates days.
func NormalizeWeekdays(days []time.Weekday) []time.Weekday {
	if len(days) == 0 {
		return nil
	}
	out := slices.Clone(days)
	slices.Sort(out)
	return slices.Compact(out)
}

// RecurrenceSpec renders the cron expression for hour:minute on days.
func RecurrenceSpec(days []time.Weekday, hour, minute int) (string, error) {
	if len(days) == 0 {
		return "", fmt.Errorf("recurrence needs at least one weekday")
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid time of day %02d:%02d", hour, minute)
	}
	parts := make([]string, 0, len(days))
	for _, d := range NormalizeWeekdays(days) {
		if d < time.Sunday || d > time.Saturday {
			return "", fmt.Errorf("invalid weekday %d", d)
		}
		parts = append(parts, strconv.Itoa(int(d)))
	}
	return fmt.Sprintf("%d %d * * %s", minute, hour, strings.Join(parts, ",")), nil
}

// NextOccurrence returns the first hour:minute on one of days strictly after
// after, evaluated in loc. Later today qualifies when today is in the set and
// the time has not passed yet.
func NextOccurrence(days []time.Weekday, hour, minute int, after time.Time, loc *time.Location) (time.Time, error) {
	spec, err := RecurrenceSpec(days, hour, minute)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := recurrenceParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse recurrence %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.Local
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("recurrence %q has no next occurrence", spec)
	}
	return next, nil
}

// NextDaily returns the first hour:minute strictly after after in loc.
func NextDaily(hour, minute int, after time.Time, loc *time.Location) (time.Time, error) {
	return NextOccurrence([]time.Weekday{0, 1, 2, 3, 4, 5, 6}, hour, minute, after, loc)
}
