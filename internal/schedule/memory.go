package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store with the same guarded-update semantics
// as the sqlite store. Used by tests and ad-hoc runs; it is safe for
// concurrent use.
type MemStore struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*Record
}

func NewMemStore() *MemStore {
	return &MemStore{recs: map[uuid.UUID]*Record{}}
}

func (m *MemStore) Close() error { return nil }

func (m *MemStore) Insert(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneRecord(r)
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.recs[cp.ID] = cp
	return nil
}

func (m *MemStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemStore) List(_ context.Context, f ListFilter) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for _, r := range m.recs {
		if f.Project != "" && r.ProjectRef != f.Project {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
			continue
		}
		if !f.From.IsZero() && r.ScheduledFor.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && r.ScheduledFor.After(f.To) {
			continue
		}
		if f.Platform != "" && !containsStr(r.Platforms, f.Platform) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sortDueOrder(out)

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemStore) Due(_ context.Context, project string, now time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for _, r := range m.recs {
		if r.ProjectRef == project && r.Status.Claimable() && !r.ScheduledFor.After(now) {
			out = append(out, cloneRecord(r))
		}
	}
	sortDueOrder(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) DueProjects(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	var out []string
	for _, r := range m.recs {
		if r.Status.Claimable() && !r.ScheduledFor.After(now) && !seen[r.ProjectRef] {
			seen[r.ProjectRef] = true
			out = append(out, r.ProjectRef)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) ActiveWindow(_ context.Context, project string, from, to time.Time) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for _, r := range m.recs {
		if r.ProjectRef != project || !r.Status.Active() {
			continue
		}
		if r.ScheduledFor.Before(from) || r.ScheduledFor.After(to) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sortDueOrder(out)
	return out, nil
}

func (m *MemStore) ClaimProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	return m.mutate(id, func(r *Record) bool {
		if !r.Status.Claimable() {
			return false
		}
		r.Status = StatusProcessing
		return true
	})
}

func (m *MemStore) Transition(_ context.Context, id uuid.UUID, from []Status, to Status) (bool, error) {
	return m.mutate(id, func(r *Record) bool {
		if !containsStatus(from, r.Status) {
			return false
		}
		r.Status = to
		return true
	})
}

func (m *MemStore) MarkCompleted(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return m.mutate(id, func(r *Record) bool {
		if r.Status != StatusProcessing {
			return false
		}
		r.Status = StatusCompleted
		t := at.UTC()
		r.CompletedAt = &t
		return true
	})
}

func (m *MemStore) MarkFailedRetry(_ context.Context, id uuid.UUID, lastError string, nextAt time.Time) (bool, error) {
	return m.mutate(id, func(r *Record) bool {
		if r.Status != StatusProcessing {
			return false
		}
		r.Status = StatusQueued
		r.RetryCount++
		r.ScheduledFor = nextAt.UTC()
		r.LastError = lastError
		return true
	})
}

func (m *MemStore) MarkFailedFinal(_ context.Context, id uuid.UUID, lastError string) (bool, error) {
	return m.mutate(id, func(r *Record) bool {
		if r.Status != StatusProcessing {
			return false
		}
		r.Status = StatusFailed
		r.LastError = lastError
		return true
	})
}

func (m *MemStore) Reschedule(_ context.Context, id uuid.UUID, newAt time.Time) (bool, error) {
	return m.mutate(id, func(r *Record) bool {
		if !r.Status.Claimable() {
			return false
		}
		r.Status = StatusPending
		r.ScheduledFor = newAt.UTC()
		return true
	})
}

func (m *MemStore) TriggerNow(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return m.mutate(id, func(r *Record) bool {
		if !r.Status.Claimable() && r.Status != StatusPaused {
			return false
		}
		r.Status = StatusQueued
		r.ScheduledFor = now.UTC()
		return true
	})
}

func (m *MemStore) SetMetadata(_ context.Context, id uuid.UUID, meta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return ErrNotFound
	}
	r.Metadata = cloneMeta(meta)
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) mutate(id uuid.UUID, fn func(*Record) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		// Same contract as the sqlite store: an unknown id is just a
		// failed guard, not an error.
		return false, nil
	}
	if !fn(r) {
		return false, nil
	}
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func sortDueOrder(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].ScheduledFor.Equal(recs[j].ScheduledFor) {
			return recs[i].ScheduledFor.Before(recs[j].ScheduledFor)
		}
		return recs[i].Priority > recs[j].Priority
	})
}

func cloneRecord(r *Record) *Record {
	cp := *r
	cp.Platforms = append([]string(nil), r.Platforms...)
	cp.Metadata = cloneMeta(r.Metadata)
	if r.Recurrence != nil {
		rec := *r.Recurrence
		cp.Recurrence = &rec
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	cp := make(map[string]any, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return cp
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
