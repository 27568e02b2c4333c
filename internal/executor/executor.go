// Package executor drives due schedules through their publish attempts.
//
// A per-interval scan claims due records project by project and fans
// each item out to its platforms. Item concurrency is bounded by a
// system-wide permit pool, per-destination call volume by the platform
// registry's rate shaping.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pubsched/internal/conflict"
	"pubsched/internal/counters"
	"pubsched/internal/eventbus"
	"pubsched/internal/platform"
	"pubsched/internal/queue"
	"pubsched/internal/schedule"
	"pubsched/pkg/logx"

	rtsup "pubsched/internal/runtime/supervisor"
)

// ContentStore marks content as published once at least one platform
// accepted it. Implementations live with whatever system owns content.
type ContentStore interface {
	MarkPublished(ctx context.Context, contentRef string, at time.Time) error
}

// NopContent discards publish notifications.
type NopContent struct{}

func (NopContent) MarkPublished(context.Context, string, time.Time) error { return nil }

type Config struct {
	Enabled bool `json:"enabled"`

	// Interval between due-work scans.
	Interval time.Duration `json:"interval"`
	// ProjectBatch caps how many projects one scan touches; the rest
	// wait for the next cycle.
	ProjectBatch int `json:"project_batch"`
	// ItemBatch caps how many due records are pulled per project.
	ItemBatch int `json:"item_batch"`
	// ItemWorkers bounds concurrently executing items across all
	// projects.
	ItemWorkers int `json:"item_workers"`
	// PublishTimeout bounds each individual platform call.
	PublishTimeout time.Duration `json:"publish_timeout"`
	// CounterTTL is the expiry for publish-volume counters.
	CounterTTL time.Duration `json:"counter_ttl"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.ProjectBatch <= 0 {
		c.ProjectBatch = 10
	}
	if c.ItemBatch <= 0 {
		c.ItemBatch = 20
	}
	if c.ItemWorkers <= 0 {
		c.ItemWorkers = 5
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = time.Minute
	}
	if c.CounterTTL <= 0 {
		c.CounterTTL = 2 * time.Hour
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	queue    *queue.Service
	registry *platform.Registry
	counters counters.Counters
	content  ContentStore
	bus      eventbus.Bus
	log      logx.Logger

	sup *rtsup.Supervisor

	// Hard concurrency caps. Project and item units acquire a slot
	// before running; excess due work waits for the next tick.
	permits        chan struct{}
	projectPermits chan struct{}
	units          sync.WaitGroup

	now func() time.Time
}

func New(cfg Config, q *queue.Service, reg *platform.Registry, ctr counters.Counters, content ContentStore, log logx.Logger, bus eventbus.Bus) *Service {
	if content == nil {
		content = NopContent{}
	}
	if ctr == nil {
		ctr = counters.NewMemory()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:            cfg,
		queue:          q,
		registry:       reg,
		counters:       ctr,
		content:        content,
		bus:            bus,
		log:            log,
		permits:        make(chan struct{}, cfg.ItemWorkers),
		projectPermits: make(chan struct{}, cfg.ProjectBatch),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source (tests).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Apply swaps the runtime tunables. Concurrency caps are sized at
// construction; interval changes take effect on restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Start launches the scan driver. Idempotent while running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "executor"))))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("driver", func(c context.Context) error {
		s.drive(c, cfg.Interval)
		return c.Err()
	})
	s.log.Info("executor started",
		logx.Duration("interval", cfg.Interval),
		logx.Int("item_workers", cfg.ItemWorkers))
}

// Stop halts scanning and waits for in-flight items, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			s.log.Warn("executor stop timed out", logx.Err(err))
		}
	}
	done := make(chan struct{})
	go func() {
		s.units.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("in-flight items did not drain before the deadline")
	}
}

func (s *Service) drive(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.dispatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("scan cycle failed", logx.Err(err))
			}
		}
	}
}

// dispatch scans for due work and launches a detached unit per project,
// so a slow publish or a long publish delay in one item can never hold
// up the next scan. Projects beyond the concurrency cap stay due and
// are picked up on a later tick.
func (s *Service) dispatch(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	projects, err := s.queue.DueProjects(ctx)
	if err != nil {
		return fmt.Errorf("listing due projects: %w", err)
	}
	if len(projects) == 0 {
		return nil
	}
	// Stable pick order so a long backlog drains fairly across cycles.
	sort.Strings(projects)

	for _, project := range projects {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case s.projectPermits <- struct{}{}:
		default:
			// All project slots busy.
			return nil
		}
		project := project
		s.units.Add(1)
		go func() {
			defer s.units.Done()
			defer func() { <-s.projectPermits }()
			s.runProject(ctx, cfg, project)
		}()
	}
	return nil
}

// RunOnce performs one synchronous scan cycle: dispatch every due
// project and wait for the launched units to finish. One-shot runs and
// tests use it; the tick driver itself never waits.
func (s *Service) RunOnce(ctx context.Context) error {
	if err := s.dispatch(ctx); err != nil {
		return err
	}
	s.units.Wait()
	return ctx.Err()
}

// TriggerNow makes the record due immediately and runs it through the
// same execution unit the driver uses, without waiting for a tick.
func (s *Service) TriggerNow(ctx context.Context, id uuid.UUID) error {
	if err := s.queue.TriggerNow(ctx, id); err != nil {
		return err
	}
	r, err := s.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	// Manual publishes share the system-wide item cap.
	select {
	case s.permits <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.permits }()
	s.executeItem(ctx, cfg, r)
	return nil
}

func (s *Service) runProject(ctx context.Context, cfg Config, project string) {
	due, err := s.queue.Dequeue(ctx, project, cfg.ItemBatch)
	if err != nil {
		s.log.Error("dequeue failed", logx.String("project", project), logx.Err(err))
		return
	}

	var wg sync.WaitGroup
	for _, rec := range due {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case s.permits <- struct{}{}:
		}
		rec := rec
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-s.permits }()
			s.executeItem(ctx, cfg, rec)
		}()
	}
	wg.Wait()
}

// executeItem runs one claimed record through its platform set and
// applies the aggregation rules:
//   - every platform succeeded: completed
//   - nothing succeeded: failed, retried if any error was transient
//   - some succeeded: retried while transient errors and budget remain,
//     otherwise completed as a partial success
func (s *Service) executeItem(ctx context.Context, cfg Config, rec *schedule.Record) {
	claimed, err := s.queue.MarkProcessing(ctx, rec.ID)
	if err != nil {
		s.log.Error("claim failed", logx.String("id", rec.ID.String()), logx.Err(err))
		return
	}
	if !claimed {
		// Another instance owns it, or it was cancelled or paused
		// between the scan and the claim.
		return
	}

	r, err := s.queue.Get(ctx, rec.ID)
	if err != nil {
		s.log.Error("reload after claim failed", logx.String("id", rec.ID.String()), logx.Err(err))
		return
	}
	log := s.log.With(
		logx.String("id", r.ID.String()),
		logx.String("project", r.ProjectRef))

	if len(r.Platforms) == 0 {
		if _, ferr := s.queue.MarkFailed(ctx, r.ID, "no target platforms", false, 0); ferr != nil {
			log.Error("marking failure", logx.Err(ferr))
		}
		return
	}
	s.signal(eventbus.PublishStarted, r, nil)

	if r.PublishDelay > 0 {
		select {
		case <-ctx.Done():
			// Shutdown before any publish attempt; hand the claim back
			// without burning a retry.
			if ferr := s.queue.Release(context.Background(), r.ID); ferr != nil {
				log.Error("release after interrupt failed", logx.Err(ferr))
			}
			return
		case <-time.After(r.PublishDelay):
		}
	}

	results := r.PlatformResults()
	var (
		attempted  int
		retriable  bool
		hint       time.Duration
		failures   []string
		failedRefs []string
	)
	for _, ref := range r.Platforms {
		if prior, ok := results[ref]; ok && prior.OK() {
			// Succeeded on an earlier attempt; never publish twice.
			continue
		}
		attempted++

		res, perr := s.publishOne(ctx, r, ref, cfg.PublishTimeout)
		pr := schedule.PlatformResult{At: s.now()}
		if perr != nil {
			pr.Error = perr.Error()
			failures = append(failures, fmt.Sprintf("%s: %v", ref, perr))
			failedRefs = append(failedRefs, ref)
			if platform.Retriable(perr) {
				retriable = true
				if h, ok := platform.RetryHint(perr); ok && h > hint {
					hint = h
				}
			}
			log.Warn("platform publish failed",
				logx.String("platform", ref), logx.Err(perr))
		} else {
			pr.URL = res.URL
			s.countPublish(ctx, cfg, r.ProjectRef, ref)
			log.Debug("platform publish succeeded",
				logx.String("platform", ref), logx.String("url", res.URL))
		}
		results[ref] = pr
		// Persist each outcome as it lands so a crash mid-item cannot
		// forget a success.
		if serr := s.queue.SetPlatformResult(ctx, r.ID, ref, pr); serr != nil {
			log.Error("persisting platform result failed",
				logx.String("platform", ref), logx.Err(serr))
		}
	}

	succeeded := 0
	for _, ref := range r.Platforms {
		if pr, ok := results[ref]; ok && pr.OK() {
			succeeded++
		}
	}
	cause := strings.Join(failures, "; ")

	switch {
	case succeeded == len(r.Platforms):
		s.complete(ctx, r, log, false, nil)

	case succeeded == 0:
		willRetry, ferr := s.queue.MarkFailed(ctx, r.ID, cause, retriable, hint)
		if ferr != nil {
			log.Error("marking failure", logx.Err(ferr))
			return
		}
		if !willRetry {
			log.Warn("publish failed on every platform",
				logx.Int("platforms", len(r.Platforms)),
				logx.Int("attempted", attempted))
		}

	default:
		if retriable && r.RetryCount < r.MaxRetries {
			if _, ferr := s.queue.MarkFailed(ctx, r.ID, cause, true, hint); ferr != nil {
				log.Error("marking partial failure", logx.Err(ferr))
			}
			return
		}
		// Out of retries (or all remaining errors are permanent):
		// what succeeded, succeeded. Complete with the gap on record.
		s.complete(ctx, r, log, true, failedRefs)
	}
}

func (s *Service) complete(ctx context.Context, r *schedule.Record, log logx.Logger, partial bool, failedRefs []string) {
	if partial {
		if err := s.queue.Annotate(ctx, r.ID, schedule.MetaPartialSuccess, failedRefs); err != nil {
			log.Error("annotating partial success", logx.Err(err))
		}
	}
	if err := s.queue.MarkCompleted(ctx, r.ID, s.now()); err != nil {
		log.Error("marking completion", logx.Err(err))
		return
	}
	if partial {
		s.signal(eventbus.PublishPartial, r, map[string]any{"failed_platforms": failedRefs})
		log.Warn("publish completed partially",
			logx.Int("failed_platforms", len(failedRefs)))
		// Content stays unpublished until every platform accepted it;
		// the partial signal tells the operator what is missing.
		return
	}
	if err := s.content.MarkPublished(ctx, r.ContentRef, s.now()); err != nil {
		log.Warn("content publish mark failed", logx.Err(err))
	}
}

func (s *Service) publishOne(ctx context.Context, r *schedule.Record, ref string, timeout time.Duration) (platform.Result, error) {
	if !s.registry.Connected(r.ProjectRef, ref) {
		return platform.Result{}, platform.NonRetriable(
			fmt.Errorf("platform %q is not connected for project %q", ref, r.ProjectRef))
	}
	pub, err := s.registry.PublisherFor(ref)
	if err != nil {
		return platform.Result{}, platform.NonRetriable(err)
	}
	if err := s.registry.Wait(ctx, ref); err != nil {
		return platform.Result{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return pub.Publish(cctx, ref, r.ContentRef)
}

// countPublish records publish volume per project, platform type and
// hour. Rate-limit conflict checks and ops dashboards read these.
func (s *Service) countPublish(ctx context.Context, cfg Config, project, ref string) {
	key := fmt.Sprintf("%s:%s:%s",
		project, conflict.PlatformType(ref), s.now().Format("2006010215"))
	if _, err := s.counters.Incr(ctx, key, cfg.CounterTTL); err != nil {
		s.log.Debug("publish counter failed", logx.String("key", key), logx.Err(err))
	}
}

func (s *Service) signal(kind eventbus.Kind, r *schedule.Record, extra map[string]any) {
	if s.bus == nil {
		return
	}
	data := map[string]any{
		"id":      r.ID.String(),
		"project": r.ProjectRef,
		"content": r.ContentRef,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.bus.Publish(eventbus.Event{Kind: kind, Data: data})
}
