package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/ai-router/internal/auth"
	"github.com/felipepmaragno/ai-router/internal/dispatch"
	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/health"
	"github.com/felipepmaragno/ai-router/internal/metaquery"
	"github.com/felipepmaragno/ai-router/internal/notifications"
	"github.com/felipepmaragno/ai-router/internal/provider"
	"github.com/felipepmaragno/ai-router/internal/repository"
	"github.com/felipepmaragno/ai-router/internal/secrets"
	"github.com/felipepmaragno/ai-router/internal/telemetry"
	"github.com/felipepmaragno/ai-router/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type response func(n int) (json.RawMessage, error)

func succeed(int) (json.RawMessage, error) { return json.RawMessage(`{"ok":true}`), nil }

func timeout(int) (json.RawMessage, error) { return nil, context.DeadlineExceeded }

func unavailable(int) (json.RawMessage, error) {
	return nil, &transport.StatusError{Provider: "x", StatusCode: 503, Body: "overloaded"}
}

// scriptedSender answers per provider; n counts calls to that provider.
type scriptedSender struct {
	mu      sync.Mutex
	script  map[string]response
	counts  map[string]int
	callLog []string
}

func newScriptedSender(script map[string]response) *scriptedSender {
	return &scriptedSender{script: script, counts: map[string]int{}}
}

func (s *scriptedSender) Send(ctx context.Context, req transport.Request) (json.RawMessage, error) {
	s.mu.Lock()
	s.counts[req.Provider]++
	n := s.counts[req.Provider]
	s.callLog = append(s.callLog, req.Provider)
	fn, ok := s.script[req.Provider]
	s.mu.Unlock()

	if !ok {
		return succeed(n)
	}
	return fn(n)
}

func (s *scriptedSender) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.callLog...)
}

type testEnv struct {
	router   *Router
	sender   *scriptedSender
	health   *health.InMemoryTracker
	store    *repository.InMemoryTelemetryStore
	notifier *notifications.InMemoryNotifier
	meta     *metaquery.Service
	clock    *time.Time
}

type envOption func(*dispatch.Config, *Config)

func withAccess(a auth.AccessChecker) envOption {
	return func(d *dispatch.Config, _ *Config) { d.Access = a }
}

func newEnv(t *testing.T, script map[string]response, opts ...envOption) *testEnv {
	t.Helper()

	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	env := &testEnv{
		sender:   newScriptedSender(script),
		store:    repository.NewInMemoryTelemetryStore(),
		notifier: notifications.NewInMemoryNotifier(),
		clock:    &now,
	}
	env.health = health.NewInMemory(health.DefaultConfig()).WithClock(func() time.Time { return *env.clock })

	keys := secrets.NewInMemorySecretStore()
	keys.SetSecret("OPENAI_API_KEY", "sk-openai")
	keys.SetSecret("CLAUDE_API_KEY", "sk-claude")

	registry := provider.NewRegistry(
		provider.NewOpenAI("http://openai.test", ""),
		provider.NewClaude("http://claude.test", ""),
		provider.NewBedrock(""),
	)
	recorder := telemetry.NewRecorder(env.store)

	meta, err := metaquery.NewService(metaquery.NewInMemoryDeduplicator(100, time.Hour), recorder, metaquery.Options{BatchSize: 100})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	env.meta = meta

	dcfg := dispatch.Config{
		Registry: registry,
		Sender:   env.sender,
		Secrets:  keys,
		Recorder: recorder,
		Options:  dispatch.DefaultOptions(),
		Sleep:    func(context.Context, time.Duration) error { return nil },
	}
	rcfg := Config{
		Registry:     registry,
		Health:       env.health,
		HealthConfig: health.DefaultConfig(),
		Recorder:     recorder,
		Notifier:     env.notifier,
		MetaQuery:    meta,
	}
	for _, o := range opts {
		o(&dcfg, &rcfg)
	}
	rcfg.Dispatcher = dispatch.New(dcfg)

	env.router = New(rcfg)
	return env
}

func (e *testEnv) events(t *testing.T, f domain.EventFilter) []domain.TelemetryEvent {
	t.Helper()
	events, err := e.store.List(context.Background(), f)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return events
}

func TestRouteQuery_FirstProviderSucceeds(t *testing.T) {
	env := newEnv(t, nil)

	res, err := env.router.RouteQuery(context.Background(), domain.QueryInput{
		Query:             "Summarize X",
		PreferredProvider: "openai",
	})
	if err != nil {
		t.Fatalf("RouteQuery() error = %v", err)
	}

	if res.Platform != "openai" {
		t.Errorf("Platform = %s, want openai", res.Platform)
	}
	if res.FallbackChain == nil || len(res.FallbackChain) != 0 {
		t.Errorf("FallbackChain = %v, want empty", res.FallbackChain)
	}
	if res.TraceID == "" {
		t.Error("trace id should be generated")
	}
	if string(res.Result) != `{"ok":true}` {
		t.Errorf("Result = %s", res.Result)
	}
	if got := env.sender.calls(); !reflect.DeepEqual(got, []string{"openai"}) {
		t.Errorf("calls = %v", got)
	}
}

func TestRouteQuery_FallsBackAfterRetries(t *testing.T) {
	env := newEnv(t, map[string]response{
		"openai": func(n int) (json.RawMessage, error) {
			if n <= 2 {
				return timeout(n)
			}
			return unavailable(n)
		},
	})

	res, err := env.router.RouteQuery(context.Background(), domain.QueryInput{Query: "Summarize X"})
	if err != nil {
		t.Fatalf("RouteQuery() error = %v", err)
	}

	if res.Platform != "claude" {
		t.Errorf("Platform = %s, want claude", res.Platform)
	}
	if len(res.FallbackChain) != 1 || res.FallbackChain[0].Platform != "openai" {
		t.Fatalf("FallbackChain = %+v", res.FallbackChain)
	}
	if res.FallbackChain[0].Error == "" || res.FallbackChain[0].Timestamp.IsZero() {
		t.Errorf("chain entry incomplete: %+v", res.FallbackChain[0])
	}

	want := []string{"openai", "openai", "openai", "claude"}
	if got := env.sender.calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}

	snaps := env.health.Snapshots(context.Background(), []string{"openai", "claude"})
	if snaps[0].FailureCount != 1 || snaps[1].FailureCount != 0 {
		t.Errorf("health = %+v", snaps)
	}
}

func TestRouteQuery_AllProvidersFail(t *testing.T) {
	env := newEnv(t, map[string]response{
		"openai":  unavailable,
		"claude":  timeout,
		"bedrock": unavailable,
	})

	_, err := env.router.RouteQuery(context.Background(), domain.QueryInput{Query: "q", TraceID: "trace-c"})

	var allFailed *domain.AllProvidersFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected AllProvidersFailedError, got %v", err)
	}
	if len(allFailed.FallbackChain) != 3 {
		t.Errorf("chain length = %d, want 3", len(allFailed.FallbackChain))
	}
	if allFailed.TraceID != "trace-c" {
		t.Errorf("TraceID = %s", allFailed.TraceID)
	}

	failed := env.events(t, domain.EventFilter{EventType: domain.EventRouteFailed})
	if len(failed) != 1 {
		t.Errorf("route failed events = %d, want 1", len(failed))
	}
}

func TestRouteQuery_RBACSkipsProvider(t *testing.T) {
	users := auth.NewInMemoryUserRepository()
	users.Create(context.Background(), &auth.User{
		ID:        "u1",
		Role:      auth.RoleMember,
		Providers: []string{"openai", "bedrock"},
		Enabled:   true,
	})

	env := newEnv(t, map[string]response{"openai": unavailable}, withAccess(auth.NewRBAC(users)))

	res, err := env.router.RouteQuery(context.Background(), domain.QueryInput{
		Query:             "q",
		PreferredProvider: "claude",
		UserID:            "u1",
		TraceID:           "trace-d",
	})
	if err != nil {
		t.Fatalf("RouteQuery() error = %v", err)
	}

	if res.Platform != "bedrock" {
		t.Errorf("Platform = %s, want bedrock", res.Platform)
	}
	for _, c := range env.sender.calls() {
		if c == "claude" {
			t.Fatal("claude must not be called")
		}
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Platform != "claude" {
		t.Errorf("Skipped = %+v", res.Skipped)
	}
	for _, e := range res.FallbackChain {
		if e.Platform == "claude" {
			t.Error("denied provider must not be in the fallback chain")
		}
	}

	denied := env.events(t, domain.EventFilter{EventType: domain.EventRBACDenied})
	if len(denied) != 1 || denied[0].Platform != "claude" || denied[0].TraceID != "trace-d" {
		t.Errorf("rbac events = %+v", denied)
	}

	if snap := env.health.Snapshots(context.Background(), []string{"claude"})[0]; snap.FailureCount != 0 {
		t.Error("RBAC denial must not count as a health failure")
	}
}

func TestRouteQuery_AllDenied(t *testing.T) {
	users := auth.NewInMemoryUserRepository()
	users.Create(context.Background(), &auth.User{ID: "viewer", Role: auth.RoleViewer, Enabled: true})

	env := newEnv(t, nil, withAccess(auth.NewRBAC(users)))

	_, err := env.router.RouteQuery(context.Background(), domain.QueryInput{Query: "q", UserID: "viewer"})
	if !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if errors.Is(err, domain.ErrAllProvidersFailed) {
		t.Error("nothing was dispatched, so this is not an all-failed error")
	}
	if len(env.sender.calls()) != 0 {
		t.Error("no provider should be called")
	}
}

func TestRouteQuery_AtMostOneSuccess(t *testing.T) {
	env := newEnv(t, map[string]response{"openai": unavailable})

	res, err := env.router.RouteQuery(context.Background(), domain.QueryInput{Query: "q", TraceID: "trace-one-success"})
	if err != nil {
		t.Fatalf("RouteQuery() error = %v", err)
	}

	successes := env.events(t, domain.EventFilter{TraceID: "trace-one-success", EventType: domain.EventQuerySuccess})
	if len(successes) != 1 || successes[0].Platform != res.Platform {
		t.Errorf("success events = %+v", successes)
	}

	calls := env.sender.calls()
	if calls[len(calls)-1] != res.Platform {
		t.Errorf("a provider was called after the winner: %v", calls)
	}
	for _, c := range calls {
		if c == "bedrock" {
			t.Error("bedrock should not be tried after claude succeeded")
		}
	}
}

func TestRouteQuery_ExhaustiveFallback(t *testing.T) {
	env := newEnv(t, map[string]response{
		"openai":  unavailable,
		"claude":  unavailable,
		"bedrock": unavailable,
	})

	_, err := env.router.RouteQuery(context.Background(), domain.QueryInput{Query: "q"})
	if !errors.Is(err, domain.ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}

	var allFailed *domain.AllProvidersFailedError
	errors.As(err, &allFailed)
	got := []string{}
	for _, e := range allFailed.FallbackChain {
		got = append(got, e.Platform)
	}
	if !reflect.DeepEqual(got, []string{"openai", "claude", "bedrock"}) {
		t.Errorf("chain = %v", got)
	}
}

func TestRouteQuery_PreferredFirst(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	env.health.RecordFailure(ctx, "bedrock")

	res, err := env.router.RouteQuery(ctx, domain.QueryInput{Query: "q", PreferredProvider: "bedrock"})
	if err != nil {
		t.Fatalf("RouteQuery() error = %v", err)
	}
	if res.Platform != "bedrock" || env.sender.calls()[0] != "bedrock" {
		t.Errorf("preferred provider should be dispatched first, calls = %v", env.sender.calls())
	}
}

func TestRouteQuery_HealthRecovery(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.health.RecordFailure(ctx, "claude")
	}

	order := env.health.OrderedProviders(ctx, "openai", env.router.registry.Names())
	if !reflect.DeepEqual(order, []string{"openai", "bedrock"}) {
		t.Fatalf("order during cooldown = %v", order)
	}

	*env.clock = env.clock.Add(61 * time.Second)

	order = env.health.OrderedProviders(ctx, "openai", env.router.registry.Names())
	if !reflect.DeepEqual(order, []string{"openai", "bedrock", "claude"}) {
		t.Errorf("order after cooldown = %v", order)
	}
}

func TestRouteQuery_OneEventPerAttempt(t *testing.T) {
	env := newEnv(t, map[string]response{
		"openai": unavailable,
		"claude": func(n int) (json.RawMessage, error) {
			if n == 1 {
				return timeout(n)
			}
			return succeed(n)
		},
	})

	_, err := env.router.RouteQuery(context.Background(), domain.QueryInput{Query: "q", TraceID: "trace-events"})
	if err != nil {
		t.Fatalf("RouteQuery() error = %v", err)
	}

	attempts := 0
	for _, e := range env.events(t, domain.EventFilter{TraceID: "trace-events"}) {
		if e.EventType == domain.EventQuerySuccess || e.EventType == domain.EventQueryFailed {
			attempts++
		}
	}
	if calls := len(env.sender.calls()); attempts != calls {
		t.Errorf("attempt events = %d, provider calls = %d", attempts, calls)
	}

	all := env.events(t, domain.EventFilter{})
	for _, e := range all {
		if e.EventType == domain.EventMetaQuery {
			continue
		}
		if e.TraceID != "trace-events" {
			t.Errorf("event %s has trace %s", e.EventType, e.TraceID)
		}
	}

	summaries := env.events(t, domain.EventFilter{EventType: domain.EventRouteSuccess})
	if len(summaries) != 1 {
		t.Errorf("summary events = %d, want 1", len(summaries))
	}
}

func TestRouteQuery_OrderComputedOnce(t *testing.T) {
	env := newEnv(t, map[string]response{
		"openai": unavailable,
		"claude": unavailable,
	})
	ctx := context.Background()

	env.health.RecordFailure(ctx, "bedrock")
	env.health.RecordFailure(ctx, "bedrock")

	res, err := env.router.RouteQuery(ctx, domain.QueryInput{Query: "q"})
	if err != nil {
		t.Fatalf("RouteQuery() error = %v", err)
	}
	if res.Platform != "bedrock" || len(res.FallbackChain) != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestRouteQuery_Notifications(t *testing.T) {
	failing := true
	env := newEnv(t, map[string]response{
		"openai": func(n int) (json.RawMessage, error) {
			if failing {
				return unavailable(n)
			}
			return succeed(n)
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.router.RouteQuery(ctx, domain.QueryInput{Query: fmt.Sprintf("q%d", i)}); err != nil {
			t.Fatalf("RouteQuery() error = %v", err)
		}
	}

	got := env.notifier.GetNotifications()
	if len(got) != 1 || got[0].Type != notifications.NotificationProviderDown || got[0].Provider != "openai" {
		t.Fatalf("notifications = %+v", got)
	}

	failing = false
	if _, err := env.router.RouteQuery(ctx, domain.QueryInput{Query: "again"}); err != nil {
		t.Fatalf("RouteQuery() error = %v", err)
	}

	got = env.notifier.GetNotifications()
	if len(got) != 2 || got[1].Type != notifications.NotificationProviderUp {
		t.Errorf("notifications = %+v", got)
	}
}

func TestRouteQuery_InvalidInput(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	if _, err := env.router.RouteQuery(ctx, domain.QueryInput{Query: "  "}); !errors.Is(err, domain.ErrInvalidQuery) {
		t.Errorf("empty query: got %v", err)
	}

	_, err := env.router.RouteQuery(ctx, domain.QueryInput{Query: "q", PreferredProvider: "ollama"})
	var unsupported *domain.UnsupportedProviderError
	if !errors.As(err, &unsupported) || unsupported.Provider != "ollama" {
		t.Errorf("unknown provider: got %v", err)
	}
	if len(env.sender.calls()) != 0 {
		t.Error("no provider should be called")
	}
}

type brokenStore struct {
	repository.InMemoryTelemetryStore
}

func (*brokenStore) Insert(context.Context, domain.TelemetryEvent) error {
	return errors.New("telemetry db down")
}

func TestRouteQuery_TelemetryFailureAborts(t *testing.T) {
	env := newEnv(t, nil, func(d *dispatch.Config, r *Config) {
		rec := telemetry.NewRecorder(&brokenStore{})
		d.Recorder = rec
		r.Recorder = rec
	})

	_, err := env.router.RouteQuery(context.Background(), domain.QueryInput{Query: "q"})
	if !errors.Is(err, domain.ErrTelemetryWrite) {
		t.Fatalf("expected ErrTelemetryWrite, got %v", err)
	}
	if len(env.sender.calls()) != 1 {
		t.Errorf("calls = %v, want a single attempt", env.sender.calls())
	}
}

func TestRouteQuery_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	env := newEnv(t, map[string]response{
		"openai": func(int) (json.RawMessage, error) {
			cancel()
			return nil, context.Canceled
		},
	})

	_, err := env.router.RouteQuery(ctx, domain.QueryInput{Query: "q"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if snap := env.health.Snapshots(context.Background(), []string{"openai"})[0]; snap.FailureCount != 0 {
		t.Error("a cancelled caller must not penalise the provider")
	}
}

func TestRouteQuery_TracksMetaQuery(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	env.router.RouteQuery(ctx, domain.QueryInput{Query: "Summarize X"})
	env.router.RouteQuery(ctx, domain.QueryInput{Query: "summarize x"})

	trends := env.meta.Trends(10)
	if len(trends) != 1 || trends[0].Count != 2 {
		t.Errorf("trends = %+v", trends)
	}
	if env.meta.Pending() != 1 {
		t.Errorf("pending meta events = %d, want 1", env.meta.Pending())
	}
}

func TestRouter_Providers(t *testing.T) {
	env := newEnv(t, nil)
	env.health.RecordFailure(context.Background(), "claude")

	got := env.router.Providers(context.Background())
	if len(got) != 3 || got[1].Provider != "claude" || got[1].FailureCount != 1 {
		t.Errorf("Providers() = %+v", got)
	}
}

func TestRouteQuery_SpanRecordsRouteOutcome(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	env := newEnv(t, map[string]response{"openai": unavailable})
	if _, err := env.router.RouteQuery(context.Background(), domain.QueryInput{Query: "q"}); err != nil {
		t.Fatalf("RouteQuery() error = %v", err)
	}

	var attrs map[attribute.Key]attribute.Value
	for _, s := range sr.Ended() {
		if s.Name() != "router.RouteQuery" {
			continue
		}
		attrs = make(map[attribute.Key]attribute.Value)
		for _, kv := range s.Attributes() {
			attrs[kv.Key] = kv.Value
		}
	}
	if attrs == nil {
		t.Fatal("router.RouteQuery span not recorded")
	}
	if got := attrs["route.platform"].AsString(); got != "claude" {
		t.Errorf("route.platform = %q, want claude", got)
	}
	if got := attrs["route.fallbacks"].AsInt64(); got != 1 {
		t.Errorf("route.fallbacks = %d, want 1", got)
	}
	if got := attrs["route.skipped"].AsInt64(); got != 0 {
		t.Errorf("route.skipped = %d, want 0", got)
	}
}

func TestRouteQuery_Concurrent(t *testing.T) {
	env := newEnv(t, map[string]response{"openai": unavailable})
	ctx := context.Background()

	const routes = 20
	var wg sync.WaitGroup
	errs := make(chan error, routes)
	for i := 0; i < routes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.router.RouteQuery(ctx, domain.QueryInput{
				Query:   "Summarize X",
				TraceID: fmt.Sprintf("trace-%d", i),
			})
			if err != nil {
				errs <- err
				return
			}
			if res.Platform != "claude" {
				errs <- fmt.Errorf("trace-%d routed to %s", i, res.Platform)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// Each update is atomic even though a route's read-then-update is not.
	if snap := env.health.Snapshots(ctx, []string{"openai"})[0]; snap.FailureCount != routes {
		t.Errorf("openai failures = %d, want %d", snap.FailureCount, routes)
	}
	if got := len(env.events(t, domain.EventFilter{EventType: domain.EventRouteSuccess})); got != routes {
		t.Errorf("route success events = %d, want %d", got, routes)
	}

	downs := 0
	for _, n := range env.notifier.GetNotifications() {
		if n.Type == notifications.NotificationProviderDown {
			downs++
		}
	}
	if downs != 1 {
		t.Errorf("provider_down notifications = %d, want 1", downs)
	}
	if env.meta.Pending() != 1 {
		t.Errorf("pending meta events = %d, want 1", env.meta.Pending())
	}
}
