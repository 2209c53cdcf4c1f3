// Package dispatch runs one query against one provider: access check, key
// lookup, then bounded retries with a timeout per attempt. It never touches
// provider health; the router owns that.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/felipepmaragno/ai-router/internal/auth"
	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/metrics"
	"github.com/felipepmaragno/ai-router/internal/provider"
	"github.com/felipepmaragno/ai-router/internal/secrets"
	"github.com/felipepmaragno/ai-router/internal/telemetry"
	"github.com/felipepmaragno/ai-router/internal/transport"
)

type Options struct {
	// Retries is the number of extra attempts after the first one.
	Retries   int
	Timeout   time.Duration
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultOptions() Options {
	return Options{
		Retries:   2,
		Timeout:   10 * time.Second,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  10 * time.Second,
	}
}

type Request struct {
	Provider string
	Query    string
	TraceID  string
	UserID   string
}

type Response struct {
	Provider string
	Body     json.RawMessage
	Attempts int
	Latency  time.Duration
}

type EventRecorder interface {
	RecordEvent(ctx context.Context, eventType domain.EventType, meta domain.EventMetadata) (string, error)
}

type Config struct {
	Registry *provider.Registry
	Sender   transport.Sender
	Secrets  secrets.SecretStore
	// Access is optional; without it every user may use every provider.
	Access   auth.AccessChecker
	Recorder EventRecorder
	Options  Options
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Dispatcher struct {
	registry *provider.Registry
	sender   transport.Sender
	secrets  secrets.SecretStore
	access   auth.AccessChecker
	recorder EventRecorder
	opts     Options
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		registry: cfg.Registry,
		sender:   cfg.Sender,
		secrets:  cfg.Secrets,
		access:   cfg.Access,
		recorder: cfg.Recorder,
		opts:     cfg.Options,
		sleep:    cfg.Sleep,
	}
	if d.opts.Timeout <= 0 {
		d.opts.Timeout = DefaultOptions().Timeout
	}
	if d.opts.Retries < 0 {
		d.opts.Retries = 0
	}
	if d.sleep == nil {
		d.sleep = sleepContext
	}
	return d
}

// Dispatch returns the raw provider body on the first successful attempt.
// Errors:
//   - *domain.UnsupportedProviderError: provider not registered
//   - *domain.AccessDeniedError: the user may not use this provider
//   - *domain.ProviderError: every attempt failed
//   - *domain.TelemetryWriteError: an attempt event could not be stored
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	cfg, err := d.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatch.Dispatch")
	defer span.End()

	if err := d.checkAccess(ctx, req); err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	apiKey, err := d.apiKey(ctx, cfg)
	if err != nil {
		if recErr := d.recordAttempt(ctx, req, domain.EventQueryFailed, 1, 0, err); recErr != nil {
			return nil, recErr
		}
		metrics.RecordAttempt(req.Provider, string(domain.OutcomeFailure), 0)
		perr := &domain.ProviderError{Provider: req.Provider, TraceID: req.TraceID, Attempts: 1, Err: err}
		telemetry.AddErrorAttribute(span, perr)
		return nil, perr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	if d.opts.MaxDelay > 0 {
		b.MaxInterval = d.opts.MaxDelay
	}
	b.Reset()

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= d.opts.Retries+1; attempt++ {
		attempts = attempt

		body, latency, err := d.send(ctx, cfg, apiKey, req)
		if err == nil {
			metrics.RecordAttempt(req.Provider, string(domain.OutcomeSuccess), latency.Seconds())
			if recErr := d.recordAttempt(ctx, req, domain.EventQuerySuccess, attempt, latency, nil); recErr != nil {
				return nil, recErr
			}
			telemetry.AddDispatchAttributes(span, req.Provider, req.TraceID, attempt)
			return &Response{
				Provider: req.Provider,
				Body:     body,
				Attempts: attempt,
				Latency:  latency,
			}, nil
		}

		lastErr = err
		metrics.RecordAttempt(req.Provider, string(domain.OutcomeFailure), latency.Seconds())
		slog.Warn("provider attempt failed",
			"provider", req.Provider,
			"trace_id", req.TraceID,
			"attempt", attempt,
			"error", err,
		)
		if recErr := d.recordAttempt(ctx, req, domain.EventQueryFailed, attempt, latency, err); recErr != nil {
			return nil, recErr
		}

		if !transport.IsRetryable(err) || attempt > d.opts.Retries || ctx.Err() != nil {
			break
		}
		if err := d.sleep(ctx, b.NextBackOff()); err != nil {
			break
		}
	}

	telemetry.AddDispatchAttributes(span, req.Provider, req.TraceID, attempts)
	perr := &domain.ProviderError{
		Provider: req.Provider,
		TraceID:  req.TraceID,
		Attempts: attempts,
		Timeout:  transport.IsTimeout(lastErr),
		Err:      lastErr,
	}
	telemetry.AddErrorAttribute(span, perr)
	return nil, perr
}

func (d *Dispatcher) send(ctx context.Context, cfg provider.Config, apiKey string, req Request) (json.RawMessage, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	start := time.Now()
	body, err := d.sender.Send(attemptCtx, transport.Request{
		Kind:     cfg.Transport,
		Provider: cfg.Name,
		Endpoint: cfg.Endpoint,
		Headers:  provider.BuildHeaders(cfg, apiKey, req.TraceID),
		Payload:  provider.BuildPayload(cfg, req.Query),
	})
	return body, time.Since(start), err
}

// checkAccess fails closed: a broken user store denies rather than lets through.
func (d *Dispatcher) checkAccess(ctx context.Context, req Request) error {
	if req.UserID == "" || d.access == nil {
		return nil
	}

	allowed, err := d.access.HasProviderAccess(ctx, req.UserID, req.Provider)
	if err != nil {
		slog.Error("rbac check failed",
			"provider", req.Provider,
			"user_id", req.UserID,
			"trace_id", req.TraceID,
			"error", err,
		)
	}
	if allowed && err == nil {
		return nil
	}

	metrics.RecordRBACDenial(req.Provider)
	details := map[string]any{"reason": "no provider grant"}
	if err != nil {
		details["reason"] = "access check failed"
	}
	if _, recErr := d.recorder.RecordEvent(ctx, domain.EventRBACDenied, domain.EventMetadata{
		TraceID:  req.TraceID,
		UserID:   req.UserID,
		Platform: req.Provider,
		Details:  details,
	}); recErr != nil {
		return recErr
	}

	return &domain.AccessDeniedError{UserID: req.UserID, Provider: req.Provider, TraceID: req.TraceID}
}

func (d *Dispatcher) apiKey(ctx context.Context, cfg provider.Config) (string, error) {
	if cfg.APIKeyName == "" {
		return "", nil
	}
	if d.secrets == nil {
		return "", fmt.Errorf("%w: %s", domain.ErrMissingAPIKey, cfg.APIKeyName)
	}

	key, err := d.secrets.GetSecret(ctx, cfg.APIKeyName)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", domain.ErrMissingAPIKey, cfg.APIKeyName, err)
	}
	return key, nil
}

func (d *Dispatcher) recordAttempt(ctx context.Context, req Request, eventType domain.EventType, attempt int, latency time.Duration, cause error) error {
	details := map[string]any{
		"attempt":    attempt,
		"latency_ms": latency.Milliseconds(),
	}
	if cause != nil {
		details["error"] = cause.Error()
		details["timeout"] = transport.IsTimeout(cause)
	}

	_, err := d.recorder.RecordEvent(ctx, eventType, domain.EventMetadata{
		TraceID:  req.TraceID,
		UserID:   req.UserID,
		Platform: req.Provider,
		Details:  details,
	})
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsProviderFailure reports whether err is a per-provider failure the router
// should record and move past.
func IsProviderFailure(err error) bool {
	return errors.Is(err, domain.ErrProviderRequest)
}
