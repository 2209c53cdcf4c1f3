package health

import (
	"context"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*InMemoryTracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewInMemory(DefaultConfig()).WithClock(clock.Now), clock
}

var providers = []string{"openai", "claude", "bedrock"}

func TestInMemoryTracker_RecordSuccessResets(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	tr.RecordFailure(ctx, "openai")
	if got := tr.RecordFailure(ctx, "openai"); got != 2 {
		t.Errorf("RecordFailure() = %d, want 2", got)
	}

	if prev := tr.RecordSuccess(ctx, "openai"); prev != 2 {
		t.Errorf("RecordSuccess() previous = %d, want 2", prev)
	}

	snap := tr.Snapshots(ctx, []string{"openai"})[0]
	if snap.FailureCount != 0 {
		t.Errorf("FailureCount = %d, want 0", snap.FailureCount)
	}
	if snap.LastUsedAt.IsZero() {
		t.Error("LastUsedAt should be set on success")
	}
}

func TestInMemoryTracker_UnknownProviderIsHealthy(t *testing.T) {
	tr, _ := newTestTracker()
	snaps := tr.Snapshots(context.Background(), providers)

	if len(snaps) != 3 {
		t.Fatalf("len = %d, want 3", len(snaps))
	}
	for _, s := range snaps {
		if s.FailureCount != 0 {
			t.Errorf("%s FailureCount = %d, want 0", s.Provider, s.FailureCount)
		}
	}
}

func TestOrderedProviders_PreferredFirst(t *testing.T) {
	tr, _ := newTestTracker()

	got := tr.OrderedProviders(context.Background(), "bedrock", providers)
	want := []string{"bedrock", "openai", "claude"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("OrderedProviders() = %v, want %v", got, want)
	}
}

func TestOrderedProviders_PreferredBeatsHealth(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	tr.RecordFailure(ctx, "bedrock")
	tr.RecordFailure(ctx, "bedrock")

	got := tr.OrderedProviders(ctx, "bedrock", providers)
	if got[0] != "bedrock" {
		t.Errorf("preferred should lead, got %v", got)
	}
}

func TestOrderedProviders_SortsByFailureCount(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	tr.RecordFailure(ctx, "openai")
	tr.RecordFailure(ctx, "openai")
	tr.RecordFailure(ctx, "claude")

	got := tr.OrderedProviders(ctx, "", providers)
	want := []string{"bedrock", "claude", "openai"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("OrderedProviders() = %v, want %v", got, want)
	}
}

func TestOrderedProviders_FiltersExhaustedUntilCooldown(t *testing.T) {
	tr, clock := newTestTracker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tr.RecordFailure(ctx, "claude")
	}

	got := tr.OrderedProviders(ctx, "openai", providers)
	want := []string{"openai", "bedrock"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("during cooldown = %v, want %v", got, want)
	}

	clock.Advance(60 * time.Second)
	got = tr.OrderedProviders(ctx, "openai", providers)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("at exactly the cooldown = %v, want %v", got, want)
	}

	clock.Advance(time.Millisecond)
	got = tr.OrderedProviders(ctx, "openai", providers)
	want = []string{"openai", "bedrock", "claude"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("after cooldown = %v, want %v", got, want)
	}

	if snap := tr.Snapshots(ctx, []string{"claude"})[0]; snap.FailureCount != 3 {
		t.Errorf("recovery probe must not reset the counter, got %d", snap.FailureCount)
	}
}

func TestOrder(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()

	tests := []struct {
		name      string
		snapshots []domain.ProviderHealth
		preferred string
		want      []string
	}{
		{
			name:      "empty",
			snapshots: nil,
			preferred: "",
			want:      []string{},
		},
		{
			name:      "preferred not registered still leads",
			snapshots: []domain.ProviderHealth{{Provider: "openai"}},
			preferred: "claude",
			want:      []string{"claude", "openai"},
		},
		{
			name: "preferred cooling down is kept",
			snapshots: []domain.ProviderHealth{
				{Provider: "openai", FailureCount: 5, LastUsedAt: now},
				{Provider: "claude"},
			},
			preferred: "openai",
			want:      []string{"openai", "claude"},
		},
		{
			name: "stable for ties",
			snapshots: []domain.ProviderHealth{
				{Provider: "a", FailureCount: 1},
				{Provider: "b", FailureCount: 1},
				{Provider: "c"},
			},
			want: []string{"c", "a", "b"},
		},
		{
			name: "all cooling down",
			snapshots: []domain.ProviderHealth{
				{Provider: "a", FailureCount: 3, LastUsedAt: now},
				{Provider: "b", FailureCount: 4, LastUsedAt: now.Add(-time.Second)},
			},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Order(tt.snapshots, tt.preferred, cfg, now)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Order() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRedisTracker(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping Redis health tracker tests")
	}
	ctx := context.Background()

	tr, err := NewRedis(redisURL, DefaultConfig())
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	defer tr.Close()
	tr.keyPrefix = "health-test:"
	cleanup := func() {
		for _, p := range providers {
			tr.client.Del(ctx, tr.key(p))
		}
	}
	cleanup()
	defer cleanup()

	for i := 1; i <= 3; i++ {
		if got := tr.RecordFailure(ctx, "claude"); got != i {
			t.Errorf("RecordFailure() = %d, want %d", got, i)
		}
	}

	got := tr.OrderedProviders(ctx, "openai", providers)
	want := []string{"openai", "bedrock"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("OrderedProviders() = %v, want %v", got, want)
	}

	if prev := tr.RecordSuccess(ctx, "claude"); prev != 3 {
		t.Errorf("RecordSuccess() previous = %d, want 3", prev)
	}
	if snap := tr.Snapshots(ctx, []string{"claude"})[0]; snap.FailureCount != 0 {
		t.Errorf("FailureCount = %d, want 0", snap.FailureCount)
	}
}
