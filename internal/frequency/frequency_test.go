package frequency

import (
	"errors"
	"testing"
	"time"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestNextAlwaysInFuture(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	specs := []Spec{
		{Kind: Daily, Hour: 9, Minute: 30, Timezone: "America/New_York"},
		{Kind: Daily, Hour: 12, Minute: 0}, // exactly "now" in UTC: must advance
		{Kind: Weekly, Weekday: time.Sunday, Hour: 12, Minute: 0},
		{Kind: Weekly, Weekday: time.Monday, Hour: 8, Minute: 15, Timezone: "Europe/Berlin"},
		{Kind: Monthly, DayOfMonth: 15, Hour: 12, Minute: 0},
		{Kind: Monthly, DayOfMonth: 1, Hour: 0, Minute: 0, Timezone: "Asia/Tokyo"},
		{Kind: Custom, CronExpr: "*/15 * * * *"},
	}
	for _, s := range specs {
		s := s
		t.Run(s.Describe(), func(t *testing.T) {
			next, err := s.Next(now)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !next.After(now) {
				t.Fatalf("Next = %v, not after now %v", next, now)
			}
			if next.Location() != time.UTC {
				t.Fatalf("Next not in UTC: %v", next.Location())
			}

			// Feeding the output back (advanced one tick) must yield a later run.
			after, err := s.Next(next.Add(time.Second))
			if err != nil {
				t.Fatalf("Next(next+1s): %v", err)
			}
			if !after.After(next) {
				t.Fatalf("second Next = %v, not after first %v", after, next)
			}
		})
	}
}

func TestNextDailySameDayStillAhead(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)
	s := Spec{Kind: Daily, Hour: 9, Minute: 30}
	next, err := s.Next(now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestNextMonthlyClampsShortMonth(t *testing.T) {
	t.Parallel()
	// Asking for day 31 in June (30 days) must clamp to June 30,
	// not roll into July 1.
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := Spec{Kind: Monthly, DayOfMonth: 31, Hour: 10, Minute: 0}
	next, err := s.Next(now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, 6, 30, 10, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestNextMonthlyFebruary(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 31, 23, 0, 0, 0, time.UTC)
	s := Spec{Kind: Monthly, DayOfMonth: 30, Hour: 9, Minute: 0}
	next, err := s.Next(now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestNextWeeklyPicksRequestedWeekday(t *testing.T) {
	t.Parallel()
	// 2025-06-15 is a Sunday.
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := Spec{Kind: Weekly, Weekday: time.Wednesday, Hour: 7, Minute: 45}
	next, err := s.Next(now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, 6, 18, 7, 45, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestNextHonorsZoneOffset(t *testing.T) {
	t.Parallel()
	ny := mustZone(t, "America/New_York")
	// 09:00 New York in June is 13:00 UTC (EDT, -4).
	now := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	s := Spec{Kind: Daily, Hour: 9, Minute: 0, Timezone: "America/New_York"}
	next, err := s.Next(now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, 6, 15, 9, 0, 0, 0, ny).UTC()
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
	if next.Hour() != 13 {
		t.Fatalf("expected 13:00 UTC for 09:00 EDT, got %v", next)
	}
}

func TestNextUntilBound(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := Spec{
		Kind: Daily, Hour: 9, Minute: 0,
		Until: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
	}
	_, err := s.Next(now)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestValidateRejectsBadSpecs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		spec Spec
	}{
		{name: "missing kind", spec: Spec{Hour: 9}},
		{name: "unknown kind", spec: Spec{Kind: "yearly", Hour: 9}},
		{name: "hour out of range", spec: Spec{Kind: Daily, Hour: 24}},
		{name: "minute out of range", spec: Spec{Kind: Daily, Hour: 9, Minute: 60}},
		{name: "weekday out of range", spec: Spec{Kind: Weekly, Weekday: 7, Hour: 9}},
		{name: "day of month zero", spec: Spec{Kind: Monthly, Hour: 9}},
		{name: "day of month too big", spec: Spec{Kind: Monthly, DayOfMonth: 32, Hour: 9}},
		{name: "custom without expression", spec: Spec{Kind: Custom}},
		{name: "custom malformed", spec: Spec{Kind: Custom, CronExpr: "not a cron"}},
		{name: "custom six fields", spec: Spec{Kind: Custom, CronExpr: "0 0 * * * *"}},
		{name: "bad timezone", spec: Spec{Kind: Daily, Hour: 9, Timezone: "Mars/Olympus"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.spec.Validate(); err == nil {
				t.Fatalf("Validate() accepted %+v", tt.spec)
			}
		})
	}
}

func TestNearTransitionSpringForward(t *testing.T) {
	t.Parallel()
	ny := mustZone(t, "America/New_York")
	// 2025-03-09 02:30 local does not exist; the zone rules shift it
	// forward. The resulting instant sits inside the transition window.
	at := time.Date(2025, 3, 9, 2, 30, 0, 0, ny).UTC()

	tr, ok := NearTransition(at, ny)
	if !ok {
		t.Fatal("expected a transition near the spring-forward gap")
	}
	if tr.Kind != Gap {
		t.Fatalf("Kind = %v, want Gap", tr.Kind)
	}
	// Suggested safe instant must land after 03:00 local.
	safeLocal := tr.Safe.In(ny)
	boundary := time.Date(2025, 3, 9, 3, 0, 0, 0, ny)
	if !safeLocal.After(boundary) {
		t.Fatalf("Safe = %v local, want after %v", safeLocal, boundary)
	}
}

func TestNearTransitionFallBack(t *testing.T) {
	t.Parallel()
	ny := mustZone(t, "America/New_York")
	// 2025-11-02 01:30 local occurs twice. Probe the first occurrence.
	at := time.Date(2025, 11, 2, 5, 30, 0, 0, time.UTC) // 01:30 EDT

	tr, ok := NearTransition(at, ny)
	if !ok {
		t.Fatal("expected a transition near the fall-back overlap")
	}
	if tr.Kind != Overlap {
		t.Fatalf("Kind = %v, want Overlap", tr.Kind)
	}
	// Safe must be past the repeated hour (>= 02:00 EST).
	safeLocal := tr.Safe.In(ny)
	boundary := time.Date(2025, 11, 2, 2, 0, 0, 0, ny)
	if safeLocal.Before(boundary) {
		t.Fatalf("Safe = %v local, want at or after %v", safeLocal, boundary)
	}
}

func TestNearTransitionUnambiguousNeighborsNotFlagged(t *testing.T) {
	t.Parallel()
	ny := mustZone(t, "America/New_York")

	// 01:30 EST on spring-forward day: half an hour before the gap,
	// but a perfectly valid wall time.
	before := time.Date(2025, 3, 9, 6, 30, 0, 0, time.UTC) // 01:30 EST
	if _, ok := NearTransition(before, ny); ok {
		t.Fatal("01:30 EST before the gap is unambiguous")
	}

	// 03:30 EST on fall-back day: the repeated hour is over.
	after := time.Date(2025, 11, 2, 8, 30, 0, 0, time.UTC) // 03:30 EST
	if _, ok := NearTransition(after, ny); ok {
		t.Fatal("03:30 EST after the overlap is unambiguous")
	}
}

func TestNearTransitionQuietTime(t *testing.T) {
	t.Parallel()
	ny := mustZone(t, "America/New_York")
	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	if _, ok := NearTransition(at, ny); ok {
		t.Fatal("mid-June should not be near a transition")
	}
	if _, ok := NearTransitionZone(at, "UTC"); ok {
		t.Fatal("UTC never has transitions")
	}
}
