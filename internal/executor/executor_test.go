package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"pubsched/internal/conflict"
	"pubsched/internal/counters"
	"pubsched/internal/eventbus"
	"pubsched/internal/platform"
	"pubsched/internal/queue"
	"pubsched/internal/schedule"
	"pubsched/pkg/logx"
)

// countingPublisher records invocations per platform ref and answers
// from a scripted outcome table.
type countingPublisher struct {
	mu       sync.Mutex
	calls    map[string]int
	outcomes map[string][]error // consumed per call; nil entry = success
}

func newCountingPublisher() *countingPublisher {
	return &countingPublisher{calls: map[string]int{}, outcomes: map[string][]error{}}
}

func (p *countingPublisher) script(ref string, errs ...error) {
	p.mu.Lock()
	p.outcomes[ref] = append(p.outcomes[ref], errs...)
	p.mu.Unlock()
}

func (p *countingPublisher) Publish(_ context.Context, ref, contentRef string) (platform.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[ref]++
	if q := p.outcomes[ref]; len(q) > 0 {
		err := q[0]
		p.outcomes[ref] = q[1:]
		if err != nil {
			return platform.Result{}, err
		}
	}
	return platform.Result{URL: "https://" + conflict.PlatformType(ref) + ".example/" + contentRef}, nil
}

func (p *countingPublisher) count(ref string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[ref]
}

type recordingContent struct {
	mu   sync.Mutex
	refs []string
}

func (c *recordingContent) MarkPublished(_ context.Context, ref string, _ time.Time) error {
	c.mu.Lock()
	c.refs = append(c.refs, ref)
	c.mu.Unlock()
	return nil
}

func (c *recordingContent) published() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.refs...)
}

type fixture struct {
	queue    *queue.Service
	store    *schedule.MemStore
	exec     *Service
	registry *platform.Registry
	pub      *countingPublisher
	content  *recordingContent
	counters *counters.Memory
	clock    *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := schedule.NewMemStore()
	det := conflict.NewDetector(conflict.DefaultLimits())
	clk := &fakeClock{t: time.Now().UTC()}

	q := queue.New(store, det, queue.RetryPolicy{Base: time.Second, MaxDelay: time.Second, Jitter: 0},
		logx.Nop(), eventbus.New())
	q.SetClock(clk.now)

	pub := newCountingPublisher()
	reg := platform.NewRegistry()
	reg.SetRate(10000, 100)
	for _, ptype := range []string{"twitter", "facebook", "linkedin"} {
		reg.Register(ptype, pub)
	}

	ctr := counters.NewMemory()
	content := &recordingContent{}
	exec := New(Config{Enabled: true, ItemWorkers: 5}, q, reg, ctr, content, logx.Nop(), eventbus.New())
	exec.SetClock(clk.now)

	return &fixture{queue: q, store: store, exec: exec, registry: reg, pub: pub, content: content, counters: ctr, clock: clk}
}

func (f *fixture) enqueueDue(t *testing.T, platforms ...string) *schedule.Record {
	t.Helper()
	r, err := f.queue.Enqueue(context.Background(), "post-1", "proj-a",
		f.clock.now().Add(-time.Minute), platforms, queue.Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return r
}

func TestRunOnceAllPlatformsSucceed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	r := f.enqueueDue(t, "twitter", "facebook")

	if err := f.exec.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := f.store.Get(ctx, r.ID)
	if got.Status != schedule.StatusCompleted {
		t.Fatalf("status = %v, want completed", got.Status)
	}
	results := got.PlatformResults()
	for _, ref := range []string{"twitter", "facebook"} {
		if !results[ref].OK() {
			t.Fatalf("platform %s result not ok: %+v", ref, results[ref])
		}
	}
	if pubs := f.content.published(); len(pubs) != 1 || pubs[0] != "post-1" {
		t.Fatalf("content marks = %v", pubs)
	}
	// Publish volume lands in the hourly counter.
	key := "proj-a:twitter:" + f.clock.now().Format("2006010215")
	if n, _ := f.counters.Get(ctx, key); n != 1 {
		t.Fatalf("counter %s = %d, want 1", key, n)
	}
}

func TestTriggerNowPublishesFutureSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.queue.Enqueue(ctx, "post-1", "proj-a",
		f.clock.now().Add(6*time.Hour), []string{"twitter"}, queue.Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := f.exec.TriggerNow(ctx, r.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	got, _ := f.store.Get(ctx, r.ID)
	if got.Status != schedule.StatusCompleted {
		t.Fatalf("status = %v, want completed", got.Status)
	}
	if _, ok := got.Metadata[schedule.MetaManualTrigger]; !ok {
		t.Fatal("manual trigger annotation missing")
	}
	if n := f.pub.count("twitter"); n != 1 {
		t.Fatalf("publish count = %d, want 1", n)
	}
}

func TestDriverTickNotStalledByPublishDelay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// proj-a's only item sleeps through a long publish delay.
	slow, err := f.queue.Enqueue(ctx, "post-slow", "proj-a",
		f.clock.now().Add(-time.Minute), []string{"twitter"},
		queue.Options{PublishDelay: 1500 * time.Millisecond})
	if err != nil {
		t.Fatalf("enqueue slow: %v", err)
	}

	f.exec.Apply(Config{Enabled: true, Interval: 20 * time.Millisecond, ItemWorkers: 5})
	f.exec.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.exec.Stop(stopCtx)
	})

	// Wait for the slow item to be claimed and enter its delay.
	waitStatus(t, f, slow.ID, schedule.StatusProcessing)

	// A second project becoming due must not wait for the sleeper.
	fast, err := f.queue.Enqueue(ctx, "post-fast", "proj-b",
		f.clock.now().Add(-time.Minute), []string{"twitter"}, queue.Options{})
	if err != nil {
		t.Fatalf("enqueue fast: %v", err)
	}
	start := time.Now()
	waitStatus(t, f, fast.ID, schedule.StatusCompleted)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("due item waited %v behind another project's publish delay", elapsed)
	}
}

func waitStatus(t *testing.T, f *fixture, id uuid.UUID, want schedule.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := f.store.Get(context.Background(), id); err == nil && got.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := f.store.Get(context.Background(), id)
	t.Fatalf("record never reached %v (last seen %v)", want, got.Status)
}

func TestTriggerNowWaitsForItemPermit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.queue.Enqueue(ctx, "post-1", "proj-a",
		f.clock.now().Add(6*time.Hour), []string{"twitter"}, queue.Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Occupy every item slot; the manual path must block behind them.
	for i := 0; i < cap(f.exec.permits); i++ {
		f.exec.permits <- struct{}{}
	}
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := f.exec.TriggerNow(waitCtx, r.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("TriggerNow with no free slot = %v, want deadline exceeded", err)
	}
	if n := f.pub.count("twitter"); n != 0 {
		t.Fatalf("published %d times past the item cap", n)
	}

	// With a slot free again the same trigger goes through.
	<-f.exec.permits
	if err := f.exec.TriggerNow(ctx, r.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	got, _ := f.store.Get(ctx, r.ID)
	if got.Status != schedule.StatusCompleted {
		t.Fatalf("status = %v, want completed", got.Status)
	}
	for i := 1; i < cap(f.exec.permits); i++ {
		<-f.exec.permits
	}
}

func TestRunOncePartialFailureRetriesOnlyFailedPlatform(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// twitter succeeds, facebook fails transiently once.
	f.pub.script("facebook", errors.New("503 from destination"))
	r := f.enqueueDue(t, "twitter", "facebook")

	if err := f.exec.RunOnce(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	got, _ := f.store.Get(ctx, r.ID)
	if got.Status != schedule.StatusQueued {
		t.Fatalf("after first run: status = %v, want queued for retry", got.Status)
	}
	if !got.PlatformResults()["twitter"].OK() {
		t.Fatal("twitter success must be persisted across the retry")
	}

	// Make the backoff elapse and run again.
	f.clock.advance(2 * time.Second)
	if err := f.exec.RunOnce(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}

	got, _ = f.store.Get(ctx, r.ID)
	if got.Status != schedule.StatusCompleted {
		t.Fatalf("after second run: status = %v, want completed", got.Status)
	}
	if n := f.pub.count("twitter"); n != 1 {
		t.Fatalf("twitter published %d times, want exactly 1", n)
	}
	if n := f.pub.count("facebook"); n != 2 {
		t.Fatalf("facebook published %d times, want 2", n)
	}
}

func TestRunOnceAllFailedNonRetriable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.pub.script("twitter", platform.NonRetriable(errors.New("credentials revoked")))
	r := f.enqueueDue(t, "twitter")

	if err := f.exec.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := f.store.Get(ctx, r.ID)
	if got.Status != schedule.StatusFailed {
		t.Fatalf("status = %v, want failed", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retryCount = %d, permanent errors must not consume the budget", got.RetryCount)
	}
	if len(f.content.published()) != 0 {
		t.Fatal("content must not be marked published")
	}
}

func TestRunOnceExhaustedBudgetCompletesPartial(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// facebook keeps failing transiently until the budget runs out.
	f.pub.script("facebook",
		errors.New("503"), errors.New("503"), errors.New("503"), errors.New("503"))
	r := f.enqueueDue(t, "twitter", "facebook")

	// 1 initial attempt + 3 retries with MaxRetries=3.
	for i := 0; i < 4; i++ {
		if err := f.exec.RunOnce(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		f.clock.advance(2 * time.Second)
	}

	got, _ := f.store.Get(ctx, r.ID)
	if got.Status != schedule.StatusCompleted {
		t.Fatalf("status = %v, want completed (partial)", got.Status)
	}
	failed, ok := got.Metadata[schedule.MetaPartialSuccess]
	if !ok {
		t.Fatal("partial success must be annotated")
	}
	refs, _ := failed.([]string)
	if len(refs) != 1 || refs[0] != "facebook" {
		t.Fatalf("partial annotation = %v", failed)
	}
	if n := f.pub.count("twitter"); n != 1 {
		t.Fatalf("twitter published %d times, want 1", n)
	}
	// Content stays unpublished until every platform accepted it.
	if pubs := f.content.published(); len(pubs) != 0 {
		t.Fatalf("partial completion marked content published: %v", pubs)
	}
}

func TestRunOnceRetryAfterHintDelaysRequeue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.pub.script("twitter", platform.RetryAfter(errors.New("429"), 30*time.Minute))
	r := f.enqueueDue(t, "twitter")

	if err := f.exec.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := f.store.Get(ctx, r.ID)
	if got.Status != schedule.StatusQueued {
		t.Fatalf("status = %v, want queued", got.Status)
	}
	// Hint is honored but capped by the policy's MaxDelay (1s here).
	wait := got.ScheduledFor.Sub(f.clock.now())
	if wait <= 0 || wait > time.Second {
		t.Fatalf("requeue delay = %v, want within (0, 1s]", wait)
	}
}

func TestRunOnceEmptyPlatformSetFailsPermanently(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// An empty platform set cannot pass Enqueue validation; seed the
	// store directly, as if the set was emptied out of band.
	r := schedule.New("post-1", "proj-a", f.clock.now().Add(-time.Minute), nil)
	if err := f.store.Insert(ctx, r); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := f.exec.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := f.store.Get(ctx, r.ID)
	if got.Status != schedule.StatusFailed {
		t.Fatalf("status = %v, want failed", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", got.RetryCount)
	}
	if pubs := f.content.published(); len(pubs) != 0 {
		t.Fatalf("content marked published: %v", pubs)
	}
}

func TestRunOnceDisconnectedPlatformFailsPermanently(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// proj-a explicitly connects only linkedin.
	reg := platform.NewRegistry()
	reg.SetRate(10000, 100)
	reg.Register("twitter", f.pub)
	reg.Register("linkedin", f.pub)
	reg.SetConnections(map[string][]string{"proj-a": {"linkedin"}})
	f.exec = New(Config{Enabled: true, ItemWorkers: 5}, f.queue, reg, f.counters,
		f.content, logx.Nop(), eventbus.New())
	f.exec.SetClock(f.clock.now)

	r := f.enqueueDue(t, "twitter")
	if err := f.exec.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := f.store.Get(ctx, r.ID)
	if got.Status != schedule.StatusFailed {
		t.Fatalf("status = %v, want failed", got.Status)
	}
	if n := f.pub.count("twitter"); n != 0 {
		t.Fatalf("publisher invoked %d times for a disconnected platform", n)
	}
}

func TestRunOnceRespectsProjectBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for _, proj := range []string{"p1", "p2", "p3"} {
		if _, err := f.queue.Enqueue(ctx, "post", proj,
			f.clock.now().Add(-time.Minute), []string{"twitter"}, queue.Options{}); err != nil {
			t.Fatalf("enqueue %s: %v", proj, err)
		}
	}
	// Concurrency caps are sized at construction.
	f.exec = New(Config{Enabled: true, ProjectBatch: 2, ItemWorkers: 5},
		f.queue, f.registry, f.counters, f.content, logx.Nop(), eventbus.New())
	f.exec.SetClock(f.clock.now)

	if err := f.exec.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	done, err := f.queue.List(ctx, schedule.ListFilter{Statuses: []schedule.Status{schedule.StatusCompleted}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(done) != 2 {
		t.Fatalf("completed %d items in one cycle, want 2 (project batch)", len(done))
	}

	// The next cycle picks up the remainder.
	if err := f.exec.RunOnce(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	done, _ = f.queue.List(ctx, schedule.ListFilter{Statuses: []schedule.Status{schedule.StatusCompleted}})
	if len(done) != 3 {
		t.Fatalf("completed %d items after two cycles, want 3", len(done))
	}
}
