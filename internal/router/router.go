// Package router implements the fallback state machine: pick the provider
// order once, try each provider in turn, stop at the first success.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felipepmaragno/ai-router/internal/dispatch"
	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/health"
	"github.com/felipepmaragno/ai-router/internal/metaquery"
	"github.com/felipepmaragno/ai-router/internal/metrics"
	"github.com/felipepmaragno/ai-router/internal/notifications"
	"github.com/felipepmaragno/ai-router/internal/provider"
	"github.com/felipepmaragno/ai-router/internal/telemetry"
	"github.com/google/uuid"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

type QueryTracker interface {
	Track(ctx context.Context, rec metaquery.Record) error
}

type Config struct {
	Registry   *provider.Registry
	Dispatcher Dispatcher
	Health     health.Tracker
	// HealthConfig must match the tracker's; MaxFailures drives notifications.
	HealthConfig    health.Config
	Recorder        dispatch.EventRecorder
	Notifier        notifications.Notifier
	MetaQuery       QueryTracker
	DefaultProvider string
}

type Router struct {
	registry        *provider.Registry
	dispatcher      Dispatcher
	health          health.Tracker
	maxFailures     int
	recorder        dispatch.EventRecorder
	notifier        notifications.Notifier
	metaQuery       QueryTracker
	defaultProvider string
	now             func() time.Time
}

func New(cfg Config) *Router {
	r := &Router{
		registry:        cfg.Registry,
		dispatcher:      cfg.Dispatcher,
		health:          cfg.Health,
		maxFailures:     cfg.HealthConfig.MaxFailures,
		recorder:        cfg.Recorder,
		notifier:        cfg.Notifier,
		metaQuery:       cfg.MetaQuery,
		defaultProvider: cfg.DefaultProvider,
		now:             time.Now,
	}
	if r.maxFailures <= 0 {
		r.maxFailures = health.DefaultConfig().MaxFailures
	}
	if r.defaultProvider == "" {
		r.defaultProvider = provider.OpenAI
	}
	return r
}

// RouteQuery tries providers healthiest first, preferred provider leading.
// Per-provider failures end up in the fallback chain, RBAC denials in the
// skipped list. Errors:
//   - domain.ErrInvalidQuery: empty query
//   - *domain.UnsupportedProviderError: preferred provider not registered
//   - *domain.AccessDeniedError: every candidate was denied
//   - *domain.AllProvidersFailedError: every dispatched candidate failed
//   - *domain.TelemetryWriteError: an event could not be stored
func (r *Router) RouteQuery(ctx context.Context, in domain.QueryInput) (*domain.QueryResult, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, fmt.Errorf("%w: query is empty", domain.ErrInvalidQuery)
	}

	traceID := in.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	preferred := in.PreferredProvider
	if preferred == "" {
		preferred = r.defaultProvider
	}
	if _, err := r.registry.Get(preferred); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "router.RouteQuery")
	defer span.End()
	telemetry.AddQueryAttributes(span, traceID, in.UserID, preferred)

	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	start := r.now()
	order := r.health.OrderedProviders(ctx, preferred, r.registry.Names())

	chain := make([]domain.FallbackEntry, 0, len(order))
	var (
		skipped      []domain.SkippedProvider
		firstDenied  error
		lastProvider string
	)

	for _, name := range order {
		resp, err := r.dispatcher.Dispatch(ctx, dispatch.Request{
			Provider: name,
			Query:    in.Query,
			TraceID:  traceID,
			UserID:   in.UserID,
		})
		if err == nil {
			telemetry.AddRouteAttributes(span, resp.Provider, len(chain), len(skipped))
			return r.succeed(ctx, in, traceID, resp, chain, skipped, start)
		}

		switch {
		case errors.Is(err, domain.ErrAccessDenied):
			slog.Info("provider skipped by rbac",
				"provider", name,
				"user_id", in.UserID,
				"trace_id", traceID,
			)
			if firstDenied == nil {
				firstDenied = err
			}
			skipped = append(skipped, domain.SkippedProvider{
				Platform:  name,
				Reason:    err.Error(),
				Timestamp: r.now().UTC(),
			})

		case dispatch.IsProviderFailure(err):
			if ctx.Err() != nil {
				return nil, fmt.Errorf("route query %s: %w", traceID, ctx.Err())
			}
			r.fail(ctx, name, traceID, err)
			lastProvider = name
			chain = append(chain, domain.FallbackEntry{
				Platform:  name,
				Error:     err.Error(),
				Timestamp: r.now().UTC(),
			})

		default:
			telemetry.AddErrorAttribute(span, err)
			return nil, err
		}
	}

	telemetry.AddRouteAttributes(span, "", len(chain), len(skipped))

	if len(chain) == 0 && firstDenied != nil {
		if _, err := r.recorder.RecordEvent(ctx, domain.EventRouteFailed, domain.EventMetadata{
			TraceID: traceID,
			UserID:  in.UserID,
			Details: map[string]any{"reason": "access denied", "skipped": skippedPlatforms(skipped)},
		}); err != nil {
			return nil, err
		}
		metrics.RecordRoute("", string(domain.OutcomeFailure), r.now().Sub(start).Seconds())
		return nil, firstDenied
	}

	allFailed := &domain.AllProvidersFailedError{
		TraceID:       traceID,
		FallbackChain: chain,
		Skipped:       skipped,
	}
	telemetry.AddErrorAttribute(span, allFailed)
	metrics.RecordRoute("", string(domain.OutcomeFailure), r.now().Sub(start).Seconds())
	slog.Error("all providers failed",
		"trace_id", traceID,
		"user_id", in.UserID,
		"attempted", len(chain),
		"skipped", len(skipped),
		"last_provider", lastProvider,
	)

	if _, err := r.recorder.RecordEvent(ctx, domain.EventRouteFailed, domain.EventMetadata{
		TraceID: traceID,
		UserID:  in.UserID,
		Details: map[string]any{
			"fallback_chain": chainPlatforms(chain),
			"skipped":        skippedPlatforms(skipped),
			"latency_ms":     r.now().Sub(start).Milliseconds(),
		},
	}); err != nil {
		return nil, errors.Join(allFailed, err)
	}

	return nil, allFailed
}

func (r *Router) succeed(ctx context.Context, in domain.QueryInput, traceID string, resp *dispatch.Response, chain []domain.FallbackEntry, skipped []domain.SkippedProvider, start time.Time) (*domain.QueryResult, error) {
	name := resp.Provider

	prev := r.health.RecordSuccess(ctx, name)
	metrics.SetProviderFailureCount(name, 0)
	if prev >= r.maxFailures {
		r.notify(ctx, notifications.ProviderUp(name, traceID, prev))
	}

	latency := r.now().Sub(start)
	if _, err := r.recorder.RecordEvent(ctx, domain.EventRouteSuccess, domain.EventMetadata{
		TraceID:  traceID,
		UserID:   in.UserID,
		Platform: name,
		Details: map[string]any{
			"attempts":       resp.Attempts,
			"fallback_chain": chainPlatforms(chain),
			"skipped":        skippedPlatforms(skipped),
			"latency_ms":     latency.Milliseconds(),
		},
	}); err != nil {
		return nil, err
	}

	metrics.RecordRoute(name, string(domain.OutcomeSuccess), latency.Seconds())

	if r.metaQuery != nil {
		if err := r.metaQuery.Track(ctx, metaquery.Record{
			Query:    in.Query,
			Platform: name,
			TraceID:  traceID,
			UserID:   in.UserID,
		}); err != nil {
			slog.Warn("meta-query tracking failed", "trace_id", traceID, "error", err)
		}
	}

	return &domain.QueryResult{
		Platform:      name,
		Result:        resp.Body,
		TraceID:       traceID,
		FallbackChain: chain,
		Skipped:       skipped,
	}, nil
}

func (r *Router) fail(ctx context.Context, name, traceID string, cause error) {
	count := r.health.RecordFailure(ctx, name)
	metrics.SetProviderFailureCount(name, count)
	metrics.RecordFallback(name)

	slog.Warn("provider failed, falling back",
		"provider", name,
		"trace_id", traceID,
		"failure_count", count,
		"error", cause,
	)

	if count == r.maxFailures {
		r.notify(ctx, notifications.ProviderDown(name, traceID, count, cause))
	}
}

// notify is best-effort.
func (r *Router) notify(ctx context.Context, n notifications.Notification) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Send(ctx, n); err != nil {
		slog.Warn("notification failed", "type", n.Type, "provider", n.Provider, "error", err)
	}
}

// Providers lists the registered providers with their current health.
func (r *Router) Providers(ctx context.Context) []domain.ProviderHealth {
	return r.health.Snapshots(ctx, r.registry.Names())
}

func chainPlatforms(chain []domain.FallbackEntry) []string {
	out := make([]string, len(chain))
	for i, e := range chain {
		out[i] = e.Platform
	}
	return out
}

func skippedPlatforms(skipped []domain.SkippedProvider) []string {
	out := make([]string, len(skipped))
	for i, s := range skipped {
		out[i] = s.Platform
	}
	return out
}
