package conflict

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"pubsched/internal/schedule"
)

func rec(project string, at time.Time, platforms ...string) *schedule.Record {
	r := schedule.New("content", project, at, platforms)
	return r
}

func findingTypes(fs []Finding) map[Type][]Severity {
	out := map[Type][]Severity{}
	for _, f := range fs {
		out[f.Type] = append(out[f.Type], f.Severity)
	}
	return out
}

func TestCheckNoConflictsOnEmptySnapshot(t *testing.T) {
	t.Parallel()
	d := NewDetector(Limits{})
	cand := Candidate{Project: "p1", At: time.Now().UTC(), Platforms: []string{"twitter"}}
	fs := d.Check(cand, nil)
	if len(fs) != 0 {
		t.Fatalf("expected no findings, got %v", fs)
	}
	if !Valid(fs) {
		t.Fatal("empty findings must be valid")
	}
}

func TestCheckSameTimeIsSoft(t *testing.T) {
	t.Parallel()
	d := NewDetector(Limits{})
	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	other := rec("p1", at.Add(30*time.Second), "facebook")
	fs := d.Check(Candidate{Project: "p1", At: at, Platforms: []string{"twitter"}},
		[]*schedule.Record{other})

	sev, ok := findingTypes(fs)[SameTime]
	if !ok {
		t.Fatalf("expected a same-time finding, got %v", fs)
	}
	if sev[0] != Warning {
		t.Fatalf("same-time severity = %v, want warning", sev[0])
	}
	if !Valid(fs) {
		t.Fatal("a lone same-time warning must not block")
	}
	if fs[0].ScheduleID != other.ID {
		t.Fatalf("finding should reference the colliding record")
	}
}

func TestCheckRateLimitCeiling(t *testing.T) {
	t.Parallel()
	d := NewDetector(Limits{})
	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	// Fill the surrounding hour with 12 twitter-bound schedules; the
	// ceiling for twitter is 10, so validating one more must be an error.
	var snap []*schedule.Record
	for i := 0; i < 12; i++ {
		snap = append(snap, rec("p1", at.Add(time.Duration(i-6)*4*time.Minute), "twitter"))
	}

	fs := d.Check(Candidate{Project: "p1", At: at, Platforms: []string{"twitter"}}, snap)
	sevs := findingTypes(fs)[RateLimit]
	if len(sevs) == 0 {
		t.Fatalf("expected rate-limit finding, got %v", fs)
	}
	if sevs[0] != Error {
		t.Fatalf("rate-limit severity = %v, want error", sevs[0])
	}
	if Valid(fs) {
		t.Fatal("rate-limit error must block")
	}
}

func TestCheckRateLimitWarnAt80Percent(t *testing.T) {
	t.Parallel()
	d := NewDetector(Limits{})
	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	var snap []*schedule.Record
	for i := 0; i < 8; i++ { // 80% of twitter's ceiling of 10
		snap = append(snap, rec("p1", at.Add(time.Duration(i+1)*5*time.Minute), "twitter"))
	}

	fs := d.Check(Candidate{Project: "p1", At: at, Platforms: []string{"twitter"}}, snap)
	sevs := findingTypes(fs)[RateLimit]
	if len(sevs) != 1 || sevs[0] != Warning {
		t.Fatalf("expected one rate-limit warning, got %v", fs)
	}
	if !Valid(fs) {
		t.Fatal("warnings alone must not block")
	}
}

func TestCheckRateLimitGroupsAccountRefs(t *testing.T) {
	t.Parallel()
	d := NewDetector(Limits{})
	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	// Different account qualifiers still count against the same type.
	var snap []*schedule.Record
	for i := 0; i < 10; i++ {
		snap = append(snap, rec("p1", at.Add(time.Duration(i+1)*5*time.Minute),
			fmt.Sprintf("twitter:acct%d", i)))
	}
	fs := d.Check(Candidate{Project: "p1", At: at, Platforms: []string{"twitter:main"}}, snap)
	if Valid(fs) {
		t.Fatalf("expected blocking rate-limit finding, got %v", fs)
	}
}

func TestCheckResourceCeiling(t *testing.T) {
	t.Parallel()
	d := NewDetector(Limits{ResourceCeiling: 5})
	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	var snap []*schedule.Record
	for i := 0; i < 5; i++ {
		snap = append(snap, rec("p1", at.Add(time.Duration(i)*time.Minute), "platform"+fmt.Sprint(i)))
	}
	fs := d.Check(Candidate{Project: "p1", At: at, Platforms: []string{"mastodon"}}, snap)
	sevs := findingTypes(fs)[Resource]
	if len(sevs) == 0 || sevs[0] != Error {
		t.Fatalf("expected resource error, got %v", fs)
	}
}

func TestCheckDSTGap(t *testing.T) {
	t.Parallel()
	d := NewDetector(Limits{})
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	// 2025-03-09 02:30 local America/New_York sits in the spring-forward gap.
	at := time.Date(2025, 3, 9, 2, 30, 0, 0, ny).UTC()

	fs := d.Check(Candidate{Project: "p1", At: at, Platforms: []string{"twitter"}, Timezone: "America/New_York"}, nil)
	var dst *Finding
	for i := range fs {
		if fs[i].Type == DST {
			dst = &fs[i]
		}
	}
	if dst == nil {
		t.Fatalf("expected DST finding, got %v", fs)
	}
	if dst.Severity != Warning {
		t.Fatalf("DST severity = %v, want warning", dst.Severity)
	}
	if dst.Suggestion == "" {
		t.Fatal("DST finding should carry a suggested safe instant")
	}
}

func TestCheckDSTSkippedForUTC(t *testing.T) {
	t.Parallel()
	d := NewDetector(Limits{})
	at := time.Date(2025, 3, 9, 7, 30, 0, 0, time.UTC)
	fs := d.Check(Candidate{Project: "p1", At: at, Platforms: []string{"twitter"}, Timezone: "UTC"}, nil)
	if _, ok := findingTypes(fs)[DST]; ok {
		t.Fatal("UTC schedules must not get DST findings")
	}
}

func TestCheckIsPure(t *testing.T) {
	t.Parallel()
	d := NewDetector(Limits{})
	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	snap := []*schedule.Record{
		rec("p1", at.Add(20*time.Second), "twitter"),
		rec("p1", at.Add(10*time.Minute), "twitter"),
	}
	cand := Candidate{Project: "p1", At: at, Platforms: []string{"twitter"}}

	first := d.Check(cand, snap)
	for i := 0; i < 5; i++ {
		if got := d.Check(cand, snap); !reflect.DeepEqual(got, first) {
			t.Fatalf("Check is not deterministic: %v vs %v", got, first)
		}
	}
}

func TestCheckExcludesSelf(t *testing.T) {
	t.Parallel()
	d := NewDetector(Limits{})
	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	self := rec("p1", at, "twitter")

	fs := d.Check(Candidate{ID: self.ID, Project: "p1", At: at, Platforms: self.Platforms},
		[]*schedule.Record{self})
	if len(fs) != 0 {
		t.Fatalf("a record must not conflict with itself: %v", fs)
	}
}

func TestAutoResolveFindsNextFreeSlot(t *testing.T) {
	t.Parallel()
	d := NewDetector(Limits{ResourceCeiling: 1})
	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	// One blocking record right at the candidate instant; the first
	// 15-minute probe lands outside the +-5m resource window.
	snap := []*schedule.Record{rec("p1", at, "twitter")}
	cand := Candidate{Project: "p1", At: at, Platforms: []string{"twitter"}}

	if Valid(d.Check(cand, snap)) {
		t.Fatal("candidate should be blocked before resolution")
	}
	got, ok := d.AutoResolve(cand, snap)
	if !ok {
		t.Fatal("expected auto-resolution to succeed")
	}
	want := at.Add(15 * time.Minute)
	if !got.Equal(want) {
		t.Fatalf("resolved = %v, want %v", got, want)
	}
}

func TestAutoResolveFullyBookedHorizon(t *testing.T) {
	t.Parallel()
	d := NewDetector(Limits{ResourceCeiling: 1})
	at := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

	// Block every 15-minute slot for the whole 24h horizon so no probe
	// can ever pass the resource check.
	var snap []*schedule.Record
	for step := time.Duration(0); step <= 25*time.Hour; step += 5 * time.Minute {
		snap = append(snap, rec("p1", at.Add(step), "twitter"))
	}

	if _, ok := d.AutoResolve(Candidate{Project: "p1", At: at, Platforms: []string{"twitter"}}, snap); ok {
		t.Fatal("expected resolution failure on a fully booked horizon")
	}
}

func TestPlatformType(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"twitter", "twitter"},
		{"Twitter:Main", "twitter"},
		{" LINKEDIN ", "linkedin"},
		{"wordpress:blog:eu", "wordpress"},
	}
	for _, tt := range tests {
		if got := PlatformType(tt.in); got != tt.want {
			t.Fatalf("PlatformType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
