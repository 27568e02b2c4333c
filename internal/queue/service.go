// Package queue owns every queueStatus transition of a ScheduleRecord.
// All guards run as atomic conditional updates in the store; this
// service adds conflict validation, retry policy and event signalling
// on top.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pubsched/internal/conflict"
	"pubsched/internal/eventbus"
	"pubsched/internal/frequency"
	"pubsched/internal/schedule"
	logx "pubsched/pkg/logx"
)

var (
	// ErrTerminal is returned for operations on completed, failed or
	// cancelled records.
	ErrTerminal = errors.New("schedule is in a terminal state")
	// ErrNotPaused is returned by Resume when the record is not paused.
	ErrNotPaused = errors.New("schedule is not paused")
	// ErrNotReschedulable is returned by Reschedule outside pending/queued.
	ErrNotReschedulable = errors.New("only pending or queued schedules can be rescheduled")
)

// ConflictError carries blocking findings back to the caller before
// anything is committed. It is a validation outcome, not a runtime
// fault; no record is stored when it is returned.
type ConflictError struct {
	Findings []conflict.Finding
}

func (e *ConflictError) Error() string {
	reasons := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		if f.Severity == conflict.Error || f.Severity == conflict.Critical {
			reasons = append(reasons, f.Reason)
		}
	}
	return "schedule conflicts: " + strings.Join(reasons, "; ")
}

// Options tune a new or rescheduled record.
type Options struct {
	Priority     int
	Timezone     string
	PublishDelay time.Duration
	MaxRetries   int
	Recurrence   *frequency.Spec
	Metadata     map[string]any

	// Override commits despite blocking findings (recorded in metadata).
	Override bool
	// AutoResolve shifts a blocked candidate to the first free slot
	// within the search horizon instead of failing.
	AutoResolve bool
}

type Service struct {
	store    schedule.Store
	detector *conflict.Detector
	retry    RetryPolicy
	log      logx.Logger
	bus      eventbus.Bus

	mu  sync.Mutex
	rng *rand.Rand

	now func() time.Time
}

func New(store schedule.Store, detector *conflict.Detector, retry RetryPolicy, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:    store,
		detector: detector,
		retry:    retry.withDefaults(),
		log:      log,
		bus:      bus,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source (tests).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CheckConflicts validates a candidate slot against the project's
// active schedules without committing anything.
func (s *Service) CheckConflicts(ctx context.Context, cand conflict.Candidate) ([]conflict.Finding, error) {
	snap, err := s.snapshot(ctx, cand.Project, cand.At)
	if err != nil {
		return nil, err
	}
	return s.detector.Check(cand, snap), nil
}

// Enqueue validates and stores a new pending record.
//
// Blocking findings abort with *ConflictError unless Override or
// AutoResolve is set. Warnings never block but are kept in the
// record's metadata for the audit trail.
func (s *Service) Enqueue(ctx context.Context, contentRef, projectRef string, at time.Time, platforms []string, opts Options) (*schedule.Record, error) {
	r := schedule.New(contentRef, projectRef, at, platforms)
	if opts.Priority > 0 {
		r.Priority = opts.Priority
	}
	r.Timezone = strings.TrimSpace(opts.Timezone)
	r.PublishDelay = opts.PublishDelay
	if opts.MaxRetries > 0 {
		r.MaxRetries = opts.MaxRetries
	}
	r.Recurrence = opts.Recurrence
	for k, v := range opts.Metadata {
		r.Annotate(k, v)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	cand := conflict.Candidate{
		ID:        r.ID,
		Project:   r.ProjectRef,
		At:        r.ScheduledFor,
		Platforms: r.Platforms,
		Timezone:  r.Timezone,
	}
	snap, err := s.snapshot(ctx, cand.Project, cand.At)
	if err != nil {
		return nil, err
	}
	findings := s.detector.Check(cand, snap)

	if !conflict.Valid(findings) {
		switch {
		case opts.AutoResolve:
			resolved, ok := s.detector.AutoResolve(cand, snap)
			if !ok {
				return nil, &ConflictError{Findings: findings}
			}
			s.log.Info("schedule auto-resolved",
				logx.String("project", r.ProjectRef),
				logx.Time("from", r.ScheduledFor), logx.Time("to", resolved))
			r.Annotate(schedule.MetaAutoResolved, map[string]any{
				"from": r.ScheduledFor.Format(time.RFC3339),
				"to":   resolved.Format(time.RFC3339),
			})
			r.ScheduledFor = resolved
		case opts.Override:
			r.Annotate("conflict_override", true)
		default:
			return nil, &ConflictError{Findings: findings}
		}
	}
	if len(findings) > 0 {
		r.Annotate(schedule.MetaConflicts, findings)
	}

	if err := s.store.Insert(ctx, r); err != nil {
		return nil, err
	}
	s.publish(eventbus.ScheduleEnqueued, r.ID, r.ProjectRef, nil)
	s.log.Debug("schedule enqueued",
		logx.String("id", r.ID.String()),
		logx.String("project", r.ProjectRef),
		logx.Time("at", r.ScheduledFor),
		logx.Int("platforms", len(r.Platforms)))
	return r, nil
}

// Pause parks a pending or queued record.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) error {
	ok, err := s.store.Transition(ctx, id, []schedule.Status{schedule.StatusPending, schedule.StatusQueued}, schedule.StatusPaused)
	if err != nil {
		return err
	}
	if !ok {
		return s.stateError(ctx, id, "pause")
	}
	return nil
}

// Resume returns a paused record to pending.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) error {
	ok, err := s.store.Transition(ctx, id, []schedule.Status{schedule.StatusPaused}, schedule.StatusPending)
	if err != nil {
		return err
	}
	if !ok {
		r, gerr := s.store.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if r.Status.Terminal() {
			return ErrTerminal
		}
		return ErrNotPaused
	}
	return nil
}

// Dequeue returns up to batchSize due records without claiming them;
// claiming is a separate MarkProcessing call so batch reads stay cheap.
func (s *Service) Dequeue(ctx context.Context, project string, batchSize int) ([]*schedule.Record, error) {
	return s.store.Due(ctx, project, s.now(), batchSize)
}

// MarkProcessing claims the record for execution. The false return is
// the lost-claim signal: another worker owns it, or it left the
// claimable states. Callers must treat false as "walk away silently".
func (s *Service) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.store.ClaimProcessing(ctx, id)
}

// MarkCompleted finalizes a processing record. Repeated calls are
// idempotent no-ops. A completed recurring record spawns its successor.
func (s *Service) MarkCompleted(ctx context.Context, id uuid.UUID, completedAt time.Time) error {
	ok, err := s.store.MarkCompleted(ctx, id, completedAt)
	if err != nil {
		return err
	}
	if !ok {
		r, gerr := s.store.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if r.Status == schedule.StatusCompleted {
			return nil // idempotent
		}
		return fmt.Errorf("cannot complete schedule in state %q", r.Status)
	}

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	s.publish(eventbus.PublishCompleted, r.ID, r.ProjectRef, nil)

	if r.Recurrence != nil {
		if err := s.scheduleSuccessor(ctx, r, completedAt); err != nil {
			s.log.Warn("failed scheduling next occurrence",
				logx.String("id", r.ID.String()), logx.Err(err))
		}
	}
	return nil
}

// MarkFailed applies the bounded-retry rule to a processing record and
// reports whether another attempt will happen.
//
// retriable=false (permanent platform errors) finalizes immediately
// without consuming the remaining retry budget.
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID, cause string, retriable bool, hint time.Duration) (bool, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if r.Status != schedule.StatusProcessing {
		// Cancelled or already finalized while the attempt was in
		// flight; nothing to record.
		return false, nil
	}

	if retriable && r.RetryCount < r.MaxRetries {
		attempt := r.RetryCount + 1
		s.mu.Lock()
		delay := s.retry.DelayWithHint(attempt, hint, s.rng)
		s.mu.Unlock()
		nextAt := s.now().Add(delay)

		ok, err := s.store.MarkFailedRetry(ctx, id, cause, nextAt)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		s.publish(eventbus.PublishRetry, r.ID, r.ProjectRef, map[string]any{
			"attempt": attempt, "next_at": nextAt.Format(time.RFC3339), "cause": cause,
		})
		s.log.Info("schedule requeued for retry",
			logx.String("id", id.String()),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay))
		return true, nil
	}

	ok, err := s.store.MarkFailedFinal(ctx, id, cause)
	if err != nil {
		return false, err
	}
	if ok {
		s.publish(eventbus.PublishDeadLetter, r.ID, r.ProjectRef, map[string]any{"cause": cause})
		s.log.Warn("schedule failed permanently",
			logx.String("id", id.String()),
			logx.String("project", r.ProjectRef),
			logx.Int("retries", r.RetryCount),
			logx.String("cause", cause))
	}
	return false, nil
}

// Release returns a claimed record to queued without touching its
// retry budget. Used when execution is interrupted before any publish
// attempt was made (shutdown, lost leadership).
func (s *Service) Release(ctx context.Context, id uuid.UUID) error {
	ok, err := s.store.Transition(ctx, id, []schedule.Status{schedule.StatusProcessing}, schedule.StatusQueued)
	if err != nil {
		return err
	}
	if !ok {
		return s.stateError(ctx, id, "release")
	}
	return nil
}

// Cancel finalizes any non-terminal record. Terminal records error.
// Cancellation is advisory for in-flight executions: a claimed item
// finishes its current publish attempts.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	nonTerminal := []schedule.Status{
		schedule.StatusPending, schedule.StatusQueued,
		schedule.StatusProcessing, schedule.StatusPaused,
	}
	ok, err := s.store.Transition(ctx, id, nonTerminal, schedule.StatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return s.stateError(ctx, id, "cancel")
	}
	if reason != "" {
		s.annotate(ctx, id, "cancel_reason", reason)
	}
	r, err := s.store.Get(ctx, id)
	if err == nil {
		s.publish(eventbus.ScheduleCancelled, id, r.ProjectRef, nil)
	}
	return nil
}

// Reschedule moves a pending/queued record to a new instant after
// re-validating it against the project's schedules.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newAt time.Time, opts Options) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !r.Status.Claimable() {
		if r.Status.Terminal() {
			return ErrTerminal
		}
		return ErrNotReschedulable
	}

	cand := conflict.Candidate{
		ID:        id,
		Project:   r.ProjectRef,
		At:        newAt.UTC(),
		Platforms: r.Platforms,
		Timezone:  r.Timezone,
	}
	snap, err := s.snapshot(ctx, cand.Project, cand.At)
	if err != nil {
		return err
	}
	findings := s.detector.Check(cand, snap)
	if !conflict.Valid(findings) && !opts.Override {
		if !opts.AutoResolve {
			return &ConflictError{Findings: findings}
		}
		resolved, ok := s.detector.AutoResolve(cand, snap)
		if !ok {
			return &ConflictError{Findings: findings}
		}
		newAt = resolved
	}

	ok, err := s.store.Reschedule(ctx, id, newAt.UTC())
	if err != nil {
		return err
	}
	if !ok {
		// Raced with a claim or cancellation between Get and Update.
		return ErrNotReschedulable
	}
	return nil
}

// TriggerNow is the manual immediate-publish path: the record becomes
// queued and due immediately, and execution picks it up like any other
// dequeued item.
func (s *Service) TriggerNow(ctx context.Context, id uuid.UUID) error {
	ok, err := s.store.TriggerNow(ctx, id, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return s.stateError(ctx, id, "trigger")
	}
	s.annotate(ctx, id, schedule.MetaManualTrigger, time.Now().UTC().Format(time.RFC3339))
	return nil
}

// DueProjects lists projects that currently have claimable due work.
func (s *Service) DueProjects(ctx context.Context) ([]string, error) {
	return s.store.DueProjects(ctx, s.now())
}

// SetPlatformResult persists one platform outcome on the record's
// metadata. Successful outcomes survive retries, so a later attempt
// knows which destinations to skip.
func (s *Service) SetPlatformResult(ctx context.Context, id uuid.UUID, platformRef string, res schedule.PlatformResult) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	r.SetPlatformResult(platformRef, res)
	return s.store.SetMetadata(ctx, id, r.Metadata)
}

// Annotate sets a metadata key on the record. Works on terminal
// records too; metadata is an audit trail, not state.
func (s *Service) Annotate(ctx context.Context, id uuid.UUID, key string, value any) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	r.Annotate(key, value)
	return s.store.SetMetadata(ctx, id, r.Metadata)
}

// Get loads one record.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*schedule.Record, error) {
	return s.store.Get(ctx, id)
}

// List queries records with filter, sort and pagination.
func (s *Service) List(ctx context.Context, f schedule.ListFilter) ([]*schedule.Record, error) {
	return s.store.List(ctx, f)
}

// ---- internals ----

func (s *Service) snapshot(ctx context.Context, project string, at time.Time) ([]*schedule.Record, error) {
	from, to := conflict.SnapshotWindow(at)
	return s.store.ActiveWindow(ctx, project, from, to)
}

// scheduleSuccessor enqueues the next occurrence of a recurring record.
// A conflict-blocked slot is shifted by auto-resolution rather than
// dropping the occurrence.
func (s *Service) scheduleSuccessor(ctx context.Context, r *schedule.Record, after time.Time) error {
	next, err := r.Recurrence.Next(after)
	if err != nil {
		if errors.Is(err, frequency.ErrExpired) {
			s.log.Debug("recurrence expired", logx.String("id", r.ID.String()))
			return nil
		}
		return err
	}

	_, err = s.Enqueue(ctx, r.ContentRef, r.ProjectRef, next, r.Platforms, Options{
		Priority:     r.Priority,
		Timezone:     r.Timezone,
		PublishDelay: r.PublishDelay,
		MaxRetries:   r.MaxRetries,
		Recurrence:   r.Recurrence,
		AutoResolve:  true,
		Metadata:     map[string]any{"recurrence_of": r.ID.String()},
	})
	return err
}

func (s *Service) stateError(ctx context.Context, id uuid.UUID, op string) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return ErrTerminal
	}
	return fmt.Errorf("cannot %s schedule in state %q", op, r.Status)
}

func (s *Service) annotate(ctx context.Context, id uuid.UUID, key string, value any) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return
	}
	r.Annotate(key, value)
	if err := s.store.SetMetadata(ctx, id, r.Metadata); err != nil {
		s.log.Debug("metadata annotation failed", logx.String("id", id.String()), logx.Err(err))
	}
}

func (s *Service) publish(kind eventbus.Kind, id uuid.UUID, project string, extra map[string]any) {
	if s.bus == nil {
		return
	}
	data := map[string]any{"id": id.String(), "project": project}
	for k, v := range extra {
		data[k] = v
	}
	s.bus.Publish(eventbus.Event{Kind: kind, Data: data})
}
