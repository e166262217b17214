// Package ratelimit implements the per-identity request rate limit and the
// rolling weekly invocation quota.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter applies a sliding-window limit keyed by identity and method.
type Limiter interface {
	Allow(ctx context.Context, identity, method string) (Decision, error)
}

// Policy is a limit over a window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Policies maps gateway methods to their rate policy. Methods without an
// entry use Default.
type Policies struct {
	Default  Policy
	ByMethod map[string]Policy
}

func (p Policies) For(method string) Policy {
	if pol, ok := p.ByMethod[method]; ok {
		return pol
	}
	return p.Default
}

// DefaultPolicies are used when configuration supplies none.
func DefaultPolicies() Policies {
	return Policies{
		Default: Policy{Limit: 120, Window: time.Minute},
		ByMethod: map[string]Policy{
			"capabilities/invoke": {Limit: 60, Window: time.Minute},
			"initialize":          {Limit: 20, Window: time.Minute},
		},
	}
}

// MemoryLimiter implements sliding window rate limiting in process.
// Each bucket tracks timestamps of recent events within its window.
type MemoryLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	policies Policies
	now      func() time.Time
}

type bucket struct {
	window time.Duration
	limit  int
	events []time.Time
}

// NewMemoryLimiter creates a limiter with the given policies.
func NewMemoryLimiter(policies Policies) *MemoryLimiter {
	return &MemoryLimiter{
		buckets:  make(map[string]*bucket),
		policies: policies,
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, identity, method string) (Decision, error) {
	pol := l.policies.For(method)
	if pol.Limit <= 0 {
		return Decision{Allowed: true, Limit: 0}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := identity + ":" + method
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{window: pol.Window, limit: pol.Limit}
		l.buckets[key] = b
	}

	now := l.now()
	b.evict(now)

	if len(b.events) >= b.limit {
		return Decision{
			Allowed: false,
			Limit:   b.limit,
			ResetAt: b.events[0].Add(b.window),
		}, nil
	}

	b.events = append(b.events, now)
	return Decision{
		Allowed:   true,
		Limit:     b.limit,
		Remaining: b.limit - len(b.events),
		ResetAt:   b.events[0].Add(b.window),
	}, nil
}

// Sweep drops buckets with no events inside their window.
func (l *MemoryLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, b := range l.buckets {
		b.evict(now)
		if len(b.events) == 0 {
			delete(l.buckets, key)
		}
	}
}

// evict removes events outside the sliding window.
func (b *bucket) evict(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.events) && !b.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.events = b.events[i:]
	}
}
