// Package counters provides durable keyed counters with TTL.
//
// The execution workflow records per-project/platform publish volume in
// a shared store rather than process-local memory, so multiple engine
// instances observe the same windows.
package counters

import (
	"context"
	"sync"
	"time"
)

// Counters is a keyed counter with per-key expiry.
type Counters interface {
	// Incr adds one to key and returns the new value. The TTL is set
	// when the key is first created and left untouched afterwards.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	Close() error
}

// Memory is an in-process Counters implementation. Suitable for tests
// and single-instance runs; counts are lost on restart.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

type memEntry struct {
	n       int64
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]*memEntry{}}
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[key]
	if e == nil || (!e.expires.IsZero() && now.After(e.expires)) {
		e = &memEntry{}
		if ttl > 0 {
			e.expires = now.Add(ttl)
		}
		m.entries[key] = e
	}
	e.n++
	return e.n, nil
}

func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[key]
	if e == nil || (!e.expires.IsZero() && now.After(e.expires)) {
		return 0, nil
	}
	return e.n, nil
}

func (m *Memory) Close() error { return nil }
