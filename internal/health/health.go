// Package health keeps a soft circuit breaker per provider and turns it into
// a preference order for the router.
//
// A provider that has failed MaxFailures times in a row is skipped until
// Cooldown has passed since it was last used; after that it is probed again
// even though its counter was never reset. Counters are a heuristic: they are
// not persisted by the in-memory backend and concurrent routes may interleave
// their updates.
package health

import (
	"context"
	"sort"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

type Config struct {
	MaxFailures int
	Cooldown    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxFailures: 3,
		Cooldown:    60 * time.Second,
	}
}

type Tracker interface {
	// RecordSuccess resets the counter and returns the count it had before.
	RecordSuccess(ctx context.Context, provider string) int
	// RecordFailure increments the counter and returns the new count.
	RecordFailure(ctx context.Context, provider string) int
	Snapshots(ctx context.Context, providers []string) []domain.ProviderHealth
	OrderedProviders(ctx context.Context, preferred string, providers []string) []string
}

// Eligible reports whether a provider may be tried at now.
func Eligible(h domain.ProviderHealth, cfg Config, now time.Time) bool {
	if h.FailureCount < cfg.MaxFailures {
		return true
	}
	return now.Sub(h.LastUsedAt) > cfg.Cooldown
}

// Order filters out providers that are cooling down, sorts the rest
// healthiest first and puts preferred in front. Ties keep the input order.
// The preferred provider is kept even when it is cooling down.
func Order(snapshots []domain.ProviderHealth, preferred string, cfg Config, now time.Time) []string {
	eligible := make([]domain.ProviderHealth, 0, len(snapshots))
	for _, h := range snapshots {
		if Eligible(h, cfg, now) {
			eligible = append(eligible, h)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].FailureCount < eligible[j].FailureCount
	})

	ordered := make([]string, 0, len(eligible)+1)
	seen := make(map[string]bool, len(eligible)+1)
	if preferred != "" {
		ordered = append(ordered, preferred)
		seen[preferred] = true
	}
	for _, h := range eligible {
		if seen[h.Provider] {
			continue
		}
		seen[h.Provider] = true
		ordered = append(ordered, h.Provider)
	}
	return ordered
}
