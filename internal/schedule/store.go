package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("schedule not found")
)

// ListFilter narrows List queries. Zero values mean "no constraint".
type ListFilter struct {
	Project  string
	Statuses []Status
	Platform string // matches records whose platform set contains this ref
	From, To time.Time

	Limit  int
	Offset int
}

// Store is the durable schedules table.
//
// All guarded mutations are single atomic conditional updates: the
// returned bool reports whether the guard matched, so callers can
// distinguish "transitioned" from "lost the race / wrong state"
// without a read-then-write pair.
type Store interface {
	// Insert persists a new record as given; validation happens at the
	// service boundary before enqueue.
	Insert(ctx context.Context, r *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	List(ctx context.Context, f ListFilter) ([]*Record, error)

	// Due returns up to limit claimable records for the project with
	// scheduledFor <= now, ordered by scheduledFor asc then priority
	// desc. It does not change status; claiming is ClaimProcessing.
	Due(ctx context.Context, project string, now time.Time, limit int) ([]*Record, error)

	// DueProjects lists projects having at least one claimable due record.
	DueProjects(ctx context.Context, now time.Time) ([]string, error)

	// ActiveWindow returns the project's non-terminal records with
	// scheduledFor inside [from, to], the conflict-detection snapshot.
	ActiveWindow(ctx context.Context, project string, from, to time.Time) ([]*Record, error)

	// ClaimProcessing atomically moves pending|queued -> processing.
	ClaimProcessing(ctx context.Context, id uuid.UUID) (bool, error)

	// Transition atomically moves any of from -> to.
	Transition(ctx context.Context, id uuid.UUID, from []Status, to Status) (bool, error)

	// MarkCompleted finalizes processing -> completed at the given time.
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// MarkFailedRetry re-queues a processing record for another attempt:
	// status=queued, retryCount+1, scheduledFor=nextAt, lastError set.
	MarkFailedRetry(ctx context.Context, id uuid.UUID, lastError string, nextAt time.Time) (bool, error)

	// MarkFailedFinal finalizes processing -> failed with lastError set.
	MarkFailedFinal(ctx context.Context, id uuid.UUID, lastError string) (bool, error)

	// Reschedule moves pending|queued back to pending at a new instant.
	Reschedule(ctx context.Context, id uuid.UUID, newAt time.Time) (bool, error)

	// TriggerNow resets a claimable or paused record for immediate
	// execution: scheduledFor=now, status=queued.
	TriggerNow(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// SetMetadata replaces the metadata bag. Allowed in any state;
	// metadata is the one field terminal records keep writable.
	SetMetadata(ctx context.Context, id uuid.UUID, meta map[string]any) error

	Close() error
}
