package health

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

// InMemoryTracker is process-local. The mutex only protects the map itself:
// an ordering computed by one route can be stale by the time another route
// records its outcome, which is accepted.
type InMemoryTracker struct {
	mu     sync.Mutex
	health map[string]*domain.ProviderHealth
	config Config
	now    func() time.Time
}

func NewInMemory(cfg Config) *InMemoryTracker {
	return &InMemoryTracker{
		health: make(map[string]*domain.ProviderHealth),
		config: cfg,
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (t *InMemoryTracker) WithClock(now func() time.Time) *InMemoryTracker {
	t.now = now
	return t
}

func (t *InMemoryTracker) entry(provider string) *domain.ProviderHealth {
	h, ok := t.health[provider]
	if !ok {
		h = &domain.ProviderHealth{Provider: provider}
		t.health[provider] = h
	}
	return h
}

func (t *InMemoryTracker) RecordSuccess(ctx context.Context, provider string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.entry(provider)
	prev := h.FailureCount
	h.FailureCount = 0
	h.LastUsedAt = t.now()
	return prev
}

func (t *InMemoryTracker) RecordFailure(ctx context.Context, provider string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.entry(provider)
	h.FailureCount++
	h.LastUsedAt = t.now()
	return h.FailureCount
}

func (t *InMemoryTracker) Snapshots(ctx context.Context, providers []string) []domain.ProviderHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.ProviderHealth, 0, len(providers))
	for _, p := range providers {
		if h, ok := t.health[p]; ok {
			out = append(out, *h)
			continue
		}
		out = append(out, domain.ProviderHealth{Provider: p})
	}
	return out
}

func (t *InMemoryTracker) OrderedProviders(ctx context.Context, preferred string, providers []string) []string {
	return Order(t.Snapshots(ctx, providers), preferred, t.config, t.now())
}
