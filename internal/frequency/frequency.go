package frequency

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind selects the recurrence family of a Spec.
type Kind string

const (
	Daily   Kind = "daily"
	Weekly  Kind = "weekly"
	Monthly Kind = "monthly"
	Custom  Kind = "custom"
)

var (
	// ErrExpired is returned by Next when the spec's Until bound has passed.
	ErrExpired = errors.New("recurrence expired")
)

// cronParser accepts vendor-neutral 5-field expressions only.
// Descriptors ("@daily") and seconds fields are intentionally rejected.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Spec describes a recurrence rule.
//
// Hour/Minute are the local time-of-day in Timezone. Weekly requires
// Weekday, monthly requires DayOfMonth, custom requires CronExpr.
// An empty Timezone means UTC.
type Spec struct {
	Kind       Kind         `json:"kind"`
	Hour       int          `json:"hour"`
	Minute     int          `json:"minute"`
	Weekday    time.Weekday `json:"weekday,omitempty"`
	DayOfMonth int          `json:"day_of_month,omitempty"`
	CronExpr   string       `json:"cron,omitempty"`
	Timezone   string       `json:"timezone,omitempty"`
	Until      time.Time    `json:"until,omitempty"`
}

// Validate checks the spec for completeness and range errors.
// It never substitutes defaults for missing required fields.
func (s Spec) Validate() error {
	switch s.Kind {
	case Daily, Weekly, Monthly:
		if s.Hour < 0 || s.Hour > 23 {
			return fmt.Errorf("frequency: hour %d out of range 0..23", s.Hour)
		}
		if s.Minute < 0 || s.Minute > 59 {
			return fmt.Errorf("frequency: minute %d out of range 0..59", s.Minute)
		}
	case Custom:
		expr := strings.TrimSpace(s.CronExpr)
		if expr == "" {
			return errors.New("frequency: custom spec requires a cron expression")
		}
		if _, err := cronParser.Parse(expr); err != nil {
			return fmt.Errorf("frequency: invalid cron expression %q: %w", expr, err)
		}
	case "":
		return errors.New("frequency: kind is required")
	default:
		return fmt.Errorf("frequency: unknown kind %q", s.Kind)
	}

	if s.Kind == Weekly && (s.Weekday < time.Sunday || s.Weekday > time.Saturday) {
		return fmt.Errorf("frequency: weekday %d out of range 0..6", s.Weekday)
	}
	if s.Kind == Monthly && (s.DayOfMonth < 1 || s.DayOfMonth > 31) {
		return fmt.Errorf("frequency: day of month %d out of range 1..31", s.DayOfMonth)
	}

	if _, err := s.location(); err != nil {
		return err
	}
	return nil
}

func (s Spec) location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("frequency: unknown timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Next computes the next execution instant strictly after now, in UTC.
//
// The candidate is built in the spec's zone and converted back to UTC
// using the zone rules at that local instant, so DST offset changes are
// applied by the zone database rather than a fixed offset.
func (s Spec) Next(now time.Time) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}
	loc, err := s.location()
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)

	var next time.Time
	switch s.Kind {
	case Daily:
		next = time.Date(local.Year(), local.Month(), local.Day(), s.Hour, s.Minute, 0, 0, loc)
		if !next.After(local) {
			next = time.Date(local.Year(), local.Month(), local.Day()+1, s.Hour, s.Minute, 0, 0, loc)
		}

	case Weekly:
		days := (int(s.Weekday) - int(local.Weekday()) + 7) % 7
		next = time.Date(local.Year(), local.Month(), local.Day()+days, s.Hour, s.Minute, 0, 0, loc)
		if !next.After(local) {
			next = time.Date(local.Year(), local.Month(), local.Day()+days+7, s.Hour, s.Minute, 0, 0, loc)
		}

	case Monthly:
		next = monthlyCandidate(local.Year(), local.Month(), s.DayOfMonth, s.Hour, s.Minute, loc)
		if !next.After(local) {
			y, m := local.Year(), local.Month()+1
			next = monthlyCandidate(y, m, s.DayOfMonth, s.Hour, s.Minute, loc)
		}

	case Custom:
		sched, perr := cronParser.Parse(strings.TrimSpace(s.CronExpr))
		if perr != nil {
			return time.Time{}, fmt.Errorf("frequency: invalid cron expression: %w", perr)
		}
		next = sched.Next(local)
		if next.IsZero() {
			return time.Time{}, errors.New("frequency: cron expression has no future activation")
		}
	}

	next = next.UTC()
	if !s.Until.IsZero() && next.After(s.Until.UTC()) {
		return time.Time{}, ErrExpired
	}
	return next, nil
}

// monthlyCandidate builds the instant for a monthly rule, clamping the
// requested day to the last day of the target month (31 -> 30 in a
// 30-day month, never rolling over into the next month).
func monthlyCandidate(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	// Normalize a possible month overflow (December + 1) first.
	norm := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	year, month = norm.Year(), norm.Month()

	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the following month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Describe renders a short human-readable summary of the rule.
func (s Spec) Describe() string {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	at := fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
	switch s.Kind {
	case Daily:
		return fmt.Sprintf("daily at %s (%s)", at, tz)
	case Weekly:
		return fmt.Sprintf("weekly on %s at %s (%s)", s.Weekday, at, tz)
	case Monthly:
		return fmt.Sprintf("monthly on day %d at %s (%s)", s.DayOfMonth, at, tz)
	case Custom:
		return fmt.Sprintf("cron %q (%s)", strings.TrimSpace(s.CronExpr), tz)
	default:
		return string(s.Kind)
	}
}
