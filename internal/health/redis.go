package health

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/redis/go-redis/v9"
)

// recordScript updates one provider hash atomically.
// Keys: [health_key]
// Args: [reset (1|0), now_unix_ms]
// Returns: failures before the update, failures after the update
var recordScript = redis.NewScript(`
local before = tonumber(redis.call('HGET', KEYS[1], 'failures') or '0')
local after = before + 1
if ARGV[1] == '1' then
    after = 0
end
redis.call('HSET', KEYS[1], 'failures', after, 'last_used', ARGV[2])
return {before, after}
`)

// RedisTracker shares health across router instances. Each provider is a
// hash at health:{provider} with failures and last_used (unix millis).
type RedisTracker struct {
	client    *redis.Client
	config    Config
	keyPrefix string
	now       func() time.Time
}

func NewRedis(redisURL string, cfg Config) (*RedisTracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisWithClient(client, cfg), nil
}

func NewRedisWithClient(client *redis.Client, cfg Config) *RedisTracker {
	return &RedisTracker{
		client:    client,
		config:    cfg,
		keyPrefix: "health:",
		now:       time.Now,
	}
}

func (t *RedisTracker) key(provider string) string {
	return t.keyPrefix + provider
}

func (t *RedisTracker) record(ctx context.Context, provider string, reset bool) (before, after int) {
	flag := "0"
	if reset {
		flag = "1"
	}
	res, err := recordScript.Run(ctx, t.client, []string{t.key(provider)}, flag, t.now().UnixMilli()).Int64Slice()
	if err != nil || len(res) != 2 {
		slog.Warn("health update failed", "provider", provider, "error", err)
		return 0, 0
	}
	return int(res[0]), int(res[1])
}

func (t *RedisTracker) RecordSuccess(ctx context.Context, provider string) int {
	before, _ := t.record(ctx, provider, true)
	return before
}

func (t *RedisTracker) RecordFailure(ctx context.Context, provider string) int {
	_, after := t.record(ctx, provider, false)
	return after
}

// Snapshots reads every provider in one pipeline. Unreadable entries are
// reported healthy so a Redis outage never empties the candidate list.
func (t *RedisTracker) Snapshots(ctx context.Context, providers []string) []domain.ProviderHealth {
	pipe := t.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(providers))
	for i, p := range providers {
		cmds[i] = pipe.HGetAll(ctx, t.key(p))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		slog.Warn("health read failed", "error", err)
	}

	out := make([]domain.ProviderHealth, len(providers))
	for i, p := range providers {
		out[i] = domain.ProviderHealth{Provider: p}
		fields, err := cmds[i].Result()
		if err != nil {
			continue
		}
		if v, err := strconv.Atoi(fields["failures"]); err == nil {
			out[i].FailureCount = v
		}
		if v, err := strconv.ParseInt(fields["last_used"], 10, 64); err == nil {
			out[i].LastUsedAt = time.UnixMilli(v)
		}
	}
	return out
}

func (t *RedisTracker) OrderedProviders(ctx context.Context, preferred string, providers []string) []string {
	return Order(t.Snapshots(ctx, providers), preferred, t.config, t.now())
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}
