package conflict

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pubsched/internal/frequency"
	"pubsched/internal/schedule"
)

// Type classifies a finding.
type Type string

const (
	SameTime  Type = "same_time"
	RateLimit Type = "rate_limit"
	Resource  Type = "resource"
	DST       Type = "dst"
	Custom    Type = "custom"
)

// Severity of a finding. Only Error and Critical block a schedule.
type Severity string

const (
	Warning  Severity = "warning"
	Error    Severity = "error"
	Critical Severity = "critical"
)

// Finding is one detected scheduling hazard.
type Finding struct {
	Type     Type     `json:"type"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
	// ScheduleID references the colliding record, when there is one.
	ScheduleID uuid.UUID `json:"schedule_id,omitempty"`
	// Suggestion is optional remediation text.
	Suggestion string `json:"suggestion,omitempty"`
}

// Valid reports the validity contract: no finding at Error or above.
func Valid(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == Error || f.Severity == Critical {
			return false
		}
	}
	return true
}

// Candidate is the schedule slot being validated. ID is the record
// being rescheduled, or zero for a new one; records with that ID are
// excluded from the snapshot during analysis.
type Candidate struct {
	ID        uuid.UUID
	Project   string
	At        time.Time
	Platforms []string
	Timezone  string
}

const (
	sameTimeWindow = 60 * time.Second
	rateWindow     = time.Hour
	resourceWindow = 5 * time.Minute

	// Auto-resolution search parameters.
	resolveStep    = 15 * time.Minute
	resolveHorizon = 24 * time.Hour
)

// Detector runs the conflict checks. It holds only configuration and
// is safe for concurrent use; Check is a pure function over the
// snapshot it is given.
type Detector struct {
	mu     sync.RWMutex
	limits Limits
}

func NewDetector(limits Limits) *Detector {
	return &Detector{limits: limits.withDefaults()}
}

// Apply swaps the ceilings at runtime (config reload).
func (d *Detector) Apply(limits Limits) {
	d.mu.Lock()
	d.limits = limits.withDefaults()
	d.mu.Unlock()
}

func (d *Detector) ceilings() Limits {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.limits
}

// SnapshotWindow returns the [from, to] range a snapshot must cover so
// that Check and AutoResolve can run over it.
func SnapshotWindow(at time.Time) (time.Time, time.Time) {
	return at.Add(-rateWindow), at.Add(resolveHorizon + rateWindow)
}

// Check runs all checks independently and unions the findings.
// Identical inputs always yield identical findings.
func (d *Detector) Check(cand Candidate, snap []*schedule.Record) []Finding {
	others := make([]*schedule.Record, 0, len(snap))
	for _, r := range snap {
		if r == nil || r.ID == cand.ID || !r.Status.Active() {
			continue
		}
		others = append(others, r)
	}

	var findings []Finding
	findings = append(findings, d.checkSameTime(cand, others)...)
	findings = append(findings, d.checkRateLimit(cand, others)...)
	findings = append(findings, d.checkResource(cand, others)...)
	findings = append(findings, d.checkDST(cand)...)
	return findings
}

// checkSameTime flags soft clashes: another active schedule of the
// project within +-60 seconds. Never blocking.
func (d *Detector) checkSameTime(cand Candidate, others []*schedule.Record) []Finding {
	var out []Finding
	for _, r := range others {
		if absDuration(r.ScheduledFor.Sub(cand.At)) <= sameTimeWindow {
			out = append(out, Finding{
				Type:       SameTime,
				Severity:   Warning,
				Reason:     fmt.Sprintf("another schedule runs at %s, within 60s of this one", r.ScheduledFor.Format(time.RFC3339)),
				ScheduleID: r.ID,
				Suggestion: "stagger the schedules a few minutes apart",
			})
		}
	}
	return out
}

// checkRateLimit counts, per target platform type, active schedules in
// the +-1h window against the platform's hourly ceiling.
func (d *Detector) checkRateLimit(cand Candidate, others []*schedule.Record) []Finding {
	var out []Finding
	for _, p := range cand.Platforms {
		ptype := PlatformType(p)
		ceiling := d.ceilings().hourlyCeiling(ptype)
		count := 0
		for _, r := range others {
			if absDuration(r.ScheduledFor.Sub(cand.At)) > rateWindow {
				continue
			}
			for _, rp := range r.Platforms {
				if PlatformType(rp) == ptype {
					count++
					break
				}
			}
		}
		switch {
		case count >= ceiling:
			out = append(out, Finding{
				Type:       RateLimit,
				Severity:   Error,
				Reason:     fmt.Sprintf("%s already has %d schedules in the surrounding hour (ceiling %d)", ptype, count, ceiling),
				Suggestion: "pick a slot in a less crowded hour",
			})
		case float64(count) >= 0.8*float64(ceiling):
			out = append(out, Finding{
				Type:     RateLimit,
				Severity: Warning,
				Reason:   fmt.Sprintf("%s is approaching its hourly ceiling: %d of %d slots used", ptype, count, ceiling),
			})
		}
	}
	return out
}

// checkResource bounds concurrent execution load: all active schedules
// (any platform) within +-5 minutes against the global ceiling.
func (d *Detector) checkResource(cand Candidate, others []*schedule.Record) []Finding {
	count := 0
	for _, r := range others {
		if absDuration(r.ScheduledFor.Sub(cand.At)) <= resourceWindow {
			count++
		}
	}
	ceiling := d.ceilings().ResourceCeiling
	switch {
	case count >= ceiling:
		return []Finding{{
			Type:       Resource,
			Severity:   Error,
			Reason:     fmt.Sprintf("%d schedules already execute within 5 minutes of this slot (ceiling %d)", count, ceiling),
			Suggestion: "move the schedule outside the crowded window",
		}}
	case float64(count) >= 0.8*float64(ceiling):
		return []Finding{{
			Type:     Resource,
			Severity: Warning,
			Reason:   fmt.Sprintf("execution window is filling up: %d of %d concurrent slots", count, ceiling),
		}}
	}
	return nil
}

// checkDST warns when the candidate sits inside a local clock
// discontinuity of its zone. UTC schedules are never affected.
func (d *Detector) checkDST(cand Candidate) []Finding {
	tz := strings.TrimSpace(cand.Timezone)
	if tz == "" || tz == "UTC" {
		return nil
	}
	tr, ok := frequency.NearTransitionZone(cand.At, tz)
	if !ok {
		return nil
	}
	what := "repeats (fall-back overlap)"
	if tr.Kind == frequency.Gap {
		what = "is skipped (spring-forward gap)"
	}
	return []Finding{{
		Type:     DST,
		Severity: Warning,
		Reason:   fmt.Sprintf("the local time in %s %s around this instant", tz, what),
		Suggestion: fmt.Sprintf("shift to %s, the first unambiguous time after the transition",
			tr.Safe.Format(time.RFC3339)),
	}}
}

// AutoResolve probes forward in 15-minute steps over a 24-hour horizon
// for the first instant whose findings contain no Error/Critical. The
// snapshot must cover SnapshotWindow(cand.At). It reports ok=false when
// the whole horizon is blocked.
func (d *Detector) AutoResolve(cand Candidate, snap []*schedule.Record) (time.Time, bool) {
	for step := resolveStep; step <= resolveHorizon; step += resolveStep {
		probe := cand
		probe.At = cand.At.Add(step)
		if Valid(d.Check(probe, snap)) {
			return probe.At, true
		}
	}
	return time.Time{}, false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
