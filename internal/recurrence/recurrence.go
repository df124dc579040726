// Package recurrence computes when a template's recurrence rule fires next.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"recurflow/internal/domain"
)

// MinCustomInterval is the shortest accepted custom interval.
const MinCustomInterval = 5 * time.Minute

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Next returns the first instant strictly after now at which rule fires.
// It reports false when the rule is nil, disabled, paused, outside its
// start/end window, or its interval config is incomplete.
//
// A monthly day that does not exist in a month is clamped to that month's
// last day. A custom interval fires at the configured time of day if that is
// still ahead today, otherwise one interval after now.
func Next(rule *domain.RecurrenceRule, now time.Time) (time.Time, bool) {
	if rule == nil || !rule.Enabled || rule.Paused {
		return time.Time{}, false
	}
	loc, err := location(rule.ExecutionTime.TimeZone)
	if err != nil {
		return time.Time{}, false
	}

	ref := now
	if rule.StartDate != nil && rule.StartDate.After(ref) {
		ref = rule.StartDate.Add(-time.Nanosecond)
	}

	var (
		next time.Time
		ok   bool
	)
	h, m := rule.ExecutionTime.Hour, rule.ExecutionTime.Minute
	switch rule.Interval {
	case domain.IntervalDaily:
		next, ok = daily(ref, h, m, loc), true
	case domain.IntervalWeekly:
		next, ok = weekly(ref, h, m, loc, rule.IntervalConfig.DaysOfWeek)
	case domain.IntervalMonthly:
		next, ok = monthly(ref, h, m, loc, rule.IntervalConfig.DayOfMonth)
	case domain.IntervalCustom:
		next, ok = custom(ref, h, m, loc, time.Duration(rule.IntervalConfig.CustomIntervalMs)*time.Millisecond)
	}
	if !ok {
		return time.Time{}, false
	}
	if rule.EndDate != nil && next.After(*rule.EndDate) {
		return time.Time{}, false
	}
	return next, true
}

func daily(ref time.Time, h, m int, loc *time.Location) time.Time {
	t := at(ref, 0, h, m, loc)
	if !t.After(ref) {
		t = at(ref, 1, h, m, loc)
	}
	return t
}

func weekly(ref time.Time, h, m int, loc *time.Location, days []string) (time.Time, bool) {
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		if wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]; ok {
			set[wd] = true
		}
	}
	if len(set) == 0 {
		return time.Time{}, false
	}
	// Offset 7 covers today's weekday when its time has already passed.
	for off := 0; off <= 7; off++ {
		t := at(ref, off, h, m, loc)
		if set[t.Weekday()] && t.After(ref) {
			return t, true
		}
	}
	return time.Time{}, false
}

func monthly(ref time.Time, h, m int, loc *time.Location, dom int) (time.Time, bool) {
	if dom != domain.LastDayOfMonth && (dom < 1 || dom > 31) {
		return time.Time{}, false
	}
	local := ref.In(loc)
	for k := 0; k < 3; k++ {
		first := time.Date(local.Year(), local.Month()+time.Month(k), 1, 0, 0, 0, 0, loc)
		last := DaysIn(first.Year(), first.Month())
		day := dom
		if dom == domain.LastDayOfMonth || dom > last {
			day = last
		}
		t := time.Date(first.Year(), first.Month(), day, h, m, 0, 0, loc)
		if t.After(ref) {
			return t, true
		}
	}
	return time.Time{}, false
}

func custom(ref time.Time, h, m int, loc *time.Location, every time.Duration) (time.Time, bool) {
	if every < MinCustomInterval {
		return time.Time{}, false
	}
	if t := at(ref, 0, h, m, loc); t.After(ref) {
		return t, true
	}
	return ref.Add(every), true
}

// DaysIn returns the number of days in month of year.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func at(ref time.Time, dayOffset, h, m int, loc *time.Location) time.Time {
	local := ref.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+dayOffset, h, m, 0, 0, loc)
}

// An empty zone means the host's local zone.
func location(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// Validate checks that rule is complete enough to be scheduled.
func Validate(rule domain.RecurrenceRule) error {
	var errs []error
	if rule.ExecutionTime.Hour < 0 || rule.ExecutionTime.Hour > 23 {
		errs = append(errs, errors.New("execution hour must be between 0 and 23"))
	}
	if rule.ExecutionTime.Minute < 0 || rule.ExecutionTime.Minute > 59 {
		errs = append(errs, errors.New("execution minute must be between 0 and 59"))
	}
	if _, err := location(rule.ExecutionTime.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("invalid time zone %q: %w", rule.ExecutionTime.TimeZone, err))
	}
	if rule.StartDate != nil && rule.EndDate != nil && rule.EndDate.Before(*rule.StartDate) {
		errs = append(errs, errors.New("end date is before start date"))
	}

	cfg := rule.IntervalConfig
	switch rule.Interval {
	case domain.IntervalDaily:
	case domain.IntervalWeekly:
		if len(cfg.DaysOfWeek) == 0 {
			errs = append(errs, errors.New("days of week required for weekly scheduling"))
		}
		for _, d := range cfg.DaysOfWeek {
			if _, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]; !ok {
				errs = append(errs, fmt.Errorf("unknown day of week %q", d))
			}
		}
	case domain.IntervalMonthly:
		if cfg.DayOfMonth != domain.LastDayOfMonth && (cfg.DayOfMonth < 1 || cfg.DayOfMonth > 31) {
			errs = append(errs, errors.New("day of month must be 1-31 or last"))
		}
	case domain.IntervalCustom:
		if time.Duration(cfg.CustomIntervalMs)*time.Millisecond < MinCustomInterval {
			errs = append(errs, fmt.Errorf("custom interval must be at least %s", MinCustomInterval))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported scheduling interval %q", rule.Interval))
	}
	return errors.Join(errs...)
}
