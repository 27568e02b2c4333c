package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pubsched/internal/frequency"
)

// Status is the queue state of a Record. Transitions are owned by the
// queue state machine; stores only apply guarded conditional updates.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusPaused     Status = "paused"
)

// Terminal reports whether the status is final. Terminal records are
// immutable apart from metadata annotation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the record still occupies its slot for
// conflict analysis (everything that is not terminal).
func (s Status) Active() bool { return !s.Terminal() }

// Claimable reports whether the execution workflow may claim the record.
func (s Status) Claimable() bool { return s == StatusPending || s == StatusQueued }

// Metadata keys used by the engine. The bag itself is free-form.
const (
	MetaPlatformResults = "platform_results"
	MetaConflicts       = "conflicts"
	MetaAutoResolved    = "auto_resolved"
	MetaManualTrigger   = "manual_trigger"
	MetaPartialSuccess  = "partial_success"
)

// PlatformResult records the outcome of one platform publish attempt.
// A non-empty URL marks a success that must not be re-published on retry.
type PlatformResult struct {
	URL   string    `json:"url,omitempty"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

func (r PlatformResult) OK() bool { return r.URL != "" && r.Error == "" }

// Record is one desired future publication.
type Record struct {
	ID         uuid.UUID `json:"id"`
	ContentRef string    `json:"content_ref"`
	ProjectRef string    `json:"project_ref"`

	// ScheduledFor is always stored and compared in UTC.
	ScheduledFor time.Time `json:"scheduled_for"`
	// Timezone is the IANA zone the instant was computed in, kept for
	// DST re-evaluation. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	Platforms []string `json:"platforms"`
	Priority  int      `json:"priority"`
	Status    Status   `json:"status"`

	Recurrence *frequency.Spec `json:"recurrence,omitempty"`

	// PublishDelay is an execution-time jitter: how long the item waits
	// after being claimed before publishing.
	PublishDelay time.Duration `json:"publish_delay,omitempty"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the record invariants prior to insert.
func (r *Record) Validate() error {
	if r.ContentRef == "" {
		return errors.New("schedule: content ref is required")
	}
	if r.ProjectRef == "" {
		return errors.New("schedule: project ref is required")
	}
	if len(r.Platforms) == 0 {
		return errors.New("schedule: at least one platform is required")
	}
	for _, p := range r.Platforms {
		if strings.TrimSpace(p) == "" {
			return errors.New("schedule: empty platform ref")
		}
	}
	if r.Priority < 1 || r.Priority > 10 {
		return fmt.Errorf("schedule: priority %d out of range 1..10", r.Priority)
	}
	if r.ScheduledFor.IsZero() {
		return errors.New("schedule: scheduled time is required")
	}
	if r.MaxRetries < 0 {
		return errors.New("schedule: max retries must be >= 0")
	}
	if r.Recurrence != nil {
		if err := r.Recurrence.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// PlatformResults decodes the per-platform outcome map from metadata.
// Missing or malformed entries yield an empty map.
func (r *Record) PlatformResults() map[string]PlatformResult {
	out := map[string]PlatformResult{}
	if r.Metadata == nil {
		return out
	}
	raw, ok := r.Metadata[MetaPlatformResults]
	if !ok {
		return out
	}
	// The value may be typed (fresh) or generic maps (after a store
	// round-trip); normalize through JSON.
	b, err := json.Marshal(raw)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}

// SetPlatformResult records one platform outcome in metadata.
func (r *Record) SetPlatformResult(platform string, res PlatformResult) {
	results := r.PlatformResults()
	results[platform] = res
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[MetaPlatformResults] = results
}

// Annotate sets a metadata key. Metadata stays writable even on
// terminal records.
func (r *Record) Annotate(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
}

// New builds a pending record with defaults applied.
func New(contentRef, projectRef string, at time.Time, platforms []string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:           uuid.New(),
		ContentRef:   contentRef,
		ProjectRef:   projectRef,
		ScheduledFor: at.UTC(),
		Platforms:    platforms,
		Priority:     5,
		Status:       StatusPending,
		MaxRetries:   3,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
