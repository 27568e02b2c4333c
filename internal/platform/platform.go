// Package platform is the boundary to external publishing
// destinations. The engine only knows the Publish contract; concrete
// adapters register themselves by platform type.
package platform

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"pubsched/internal/conflict"
)

// Result is a successful publish outcome.
type Result struct {
	// URL points at the published content on the destination.
	URL string
}

// Publisher publishes one piece of content to one destination.
// Implementations must classify permanent failures with NonRetriable
// and may attach RetryAfter hints to transient ones.
type Publisher interface {
	Publish(ctx context.Context, platformRef, contentRef string) (Result, error)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, platformRef, contentRef string) (Result, error)

func (f PublisherFunc) Publish(ctx context.Context, platformRef, contentRef string) (Result, error) {
	return f(ctx, platformRef, contentRef)
}

// Registry maps platform types to publishers and answers which
// platforms a project has connected. Outbound calls are shaped by a
// per-type token bucket so a burst of due work cannot hammer one
// destination.
type Registry struct {
	mu          sync.RWMutex
	publishers  map[string]Publisher
	connections map[string][]string // project -> connected platform refs
	limiters    map[string]*rate.Limiter

	perSecond float64
	burst     int
}

func NewRegistry() *Registry {
	return &Registry{
		publishers:  map[string]Publisher{},
		connections: map[string][]string{},
		limiters:    map[string]*rate.Limiter{},
		perSecond:   1,
		burst:       5,
	}
}

// SetRate configures the per-platform-type publish rate shaping.
func (r *Registry) SetRate(perSecond float64, burst int) {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	r.mu.Lock()
	r.perSecond = perSecond
	r.burst = burst
	r.limiters = map[string]*rate.Limiter{}
	r.mu.Unlock()
}

// Register installs the publisher for a platform type. New platforms
// plug in here without touching the orchestrator.
func (r *Registry) Register(platformType string, p Publisher) {
	r.mu.Lock()
	r.publishers[conflict.PlatformType(platformType)] = p
	r.mu.Unlock()
}

// PublisherFor resolves the adapter for a platform ref by its type.
func (r *Registry) PublisherFor(platformRef string) (Publisher, error) {
	r.mu.RLock()
	p, ok := r.publishers[conflict.PlatformType(platformRef)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("platform: no publisher registered for %q", conflict.PlatformType(platformRef))
	}
	return p, nil
}

// SetConnections replaces the project -> connected platform mapping.
func (r *Registry) SetConnections(conns map[string][]string) {
	cp := make(map[string][]string, len(conns))
	for k, v := range conns {
		cp[k] = append([]string(nil), v...)
	}
	r.mu.Lock()
	r.connections = cp
	r.mu.Unlock()
}

// Connected reports whether the project has the platform ref connected.
// A project with no explicit connection list is treated as having
// everything connected (single-tenant deployments don't configure one).
func (r *Registry) Connected(project, platformRef string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs, ok := r.connections[project]
	if !ok {
		return true
	}
	want := conflict.PlatformType(platformRef)
	for _, ref := range refs {
		if conflict.PlatformType(ref) == want {
			return true
		}
	}
	return false
}

// Wait blocks until the platform type's rate limiter admits one call.
func (r *Registry) Wait(ctx context.Context, platformRef string) error {
	return r.limiterFor(platformRef).Wait(ctx)
}

func (r *Registry) limiterFor(platformRef string) *rate.Limiter {
	ptype := conflict.PlatformType(platformRef)
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[ptype]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.perSecond), r.burst)
		r.limiters[ptype] = lim
	}
	return lim
}
