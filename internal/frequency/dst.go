package frequency

import (
	"time"
)

// searchWindow is how far around an instant to look for a zone offset
// change. Clock shifts never exceed it, so any discontinuity that could
// claim the instant changes the offset inside this range.
const searchWindow = 2 * time.Hour

// TransitionKind distinguishes the two clock discontinuities.
type TransitionKind string

const (
	// Gap is a spring-forward transition: local wall times are skipped.
	Gap TransitionKind = "gap"
	// Overlap is a fall-back transition: local wall times repeat.
	Overlap TransitionKind = "overlap"
)

// Transition describes a zone offset change near a candidate instant.
type Transition struct {
	Kind TransitionKind
	// At is the UTC instant at which the offset changes.
	At time.Time
	// Safe is the first whole minute after the discontinuity whose local
	// representation is unambiguous. For a gap that is just past the
	// transition; for an overlap it is past the repeated interval.
	Safe time.Time
}

// NearTransition reports whether t sits inside a local clock
// discontinuity for loc: either an instant produced by normalizing a
// skipped spring-forward wall time, or an instant whose fall-back wall
// time occurs twice. Instants merely close to a transition but with an
// unambiguous wall time are not flagged. Advisory only; the zone
// database already resolves skipped/repeated local times when instants
// are constructed.
func NearTransition(t time.Time, loc *time.Location) (Transition, bool) {
	if loc == nil || loc == time.UTC {
		return Transition{}, false
	}
	lo := t.Add(-searchWindow)
	hi := t.Add(searchWindow)
	_, offLo := lo.In(loc).Zone()
	_, offHi := hi.In(loc).Zone()
	if offLo == offHi {
		return Transition{}, false
	}

	at := findOffsetChange(lo, hi, loc)
	_, offBefore := at.Add(-time.Second).In(loc).Zone()
	_, offAfter := at.In(loc).Zone()
	shift := time.Duration(offAfter-offBefore) * time.Second

	if shift > 0 {
		// Spring forward: the skipped wall times have no instant of
		// their own; constructing one normalizes into the first
		// shift-sized stretch after the change.
		if t.Before(at) || !t.Before(at.Add(shift)) {
			return Transition{}, false
		}
		return Transition{
			Kind: Gap,
			At:   at,
			Safe: at.Add(time.Minute).Truncate(time.Minute),
		}, true
	}

	// Fall back: wall times repeat for the size of the set-back, which
	// covers the instants on both sides of the change.
	back := -shift
	if t.Before(at.Add(-back)) || !t.Before(at.Add(back)) {
		return Transition{}, false
	}
	return Transition{
		Kind: Overlap,
		At:   at,
		Safe: at.Add(back).Add(time.Minute).Truncate(time.Minute),
	}, true
}

// NearTransitionZone is NearTransition for an IANA zone name.
// Unknown zones report no transition (validation happens elsewhere).
func NearTransitionZone(t time.Time, zone string) (Transition, bool) {
	if zone == "" || zone == "UTC" {
		return Transition{}, false
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Transition{}, false
	}
	return NearTransition(t, loc)
}

// findOffsetChange bisects [lo, hi] down to second precision for the
// first instant at which loc's UTC offset differs from lo's.
func findOffsetChange(lo, hi time.Time, loc *time.Location) time.Time {
	_, offLo := lo.In(loc).Zone()
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		if _, off := mid.In(loc).Zone(); off == offLo {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi.Truncate(time.Second)
}
