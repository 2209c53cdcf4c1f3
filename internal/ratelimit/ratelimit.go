// Package ratelimit caps routed queries per caller (user ID, or remote
// address for anonymous callers) in one-minute windows.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const Window = time.Minute

type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (Decision, error)
}

// sweepEvery is how many Allow calls pass between purges of expired windows.
const sweepEvery = 1024

// InMemoryLimiter uses fixed windows per key. Expired windows are purged
// every sweepEvery calls so idle callers do not accumulate.
type InMemoryLimiter struct {
	mu         sync.Mutex
	windows    map[string]*window
	now        func() time.Time
	calls      int
	sweepEvery int
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryLimiter() *InMemoryLimiter {
	return &InMemoryLimiter{
		windows:    make(map[string]*window),
		now:        time.Now,
		sweepEvery: sweepEvery,
	}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.calls++
	if l.calls%l.sweepEvery == 0 {
		l.sweep(now)
	}

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(Window)}
		l.windows[key] = w
	}

	if w.count >= limit {
		return Decision{Allowed: false, Remaining: 0, ResetAt: w.resetAt}, nil
	}

	w.count++
	return Decision{Allowed: true, Remaining: limit - w.count, ResetAt: w.resetAt}, nil
}

// sweep drops expired windows. l.mu must be held.
func (l *InMemoryLimiter) sweep(now time.Time) int {
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
