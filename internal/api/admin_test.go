package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/felipepmaragno/ai-router/internal/auth"
	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/metaquery"
)

type MockEventReader struct {
	GetEventsFunc func(ctx context.Context, filter domain.EventFilter) ([]domain.TelemetryEvent, error)
}

func (m *MockEventReader) GetEvents(ctx context.Context, filter domain.EventFilter) ([]domain.TelemetryEvent, error) {
	if m.GetEventsFunc != nil {
		return m.GetEventsFunc(ctx, filter)
	}
	return nil, nil
}

type MockTrendSource struct {
	TrendsFunc func(limit int) []metaquery.Trend
}

func (m *MockTrendSource) Trends(limit int) []metaquery.Trend {
	if m.TrendsFunc != nil {
		return m.TrendsFunc(limit)
	}
	return nil
}

func setupAdmin(t *testing.T, events *MockEventReader, trends *MockTrendSource) http.Handler {
	t.Helper()

	repo, err := auth.NewSeededUserRepository("secret")
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range []struct {
		name string
		role auth.Role
	}{
		{"viewer", auth.RoleViewer},
		{"member", auth.RoleMember},
	} {
		hash, err := auth.HashPassword(u.name)
		if err != nil {
			t.Fatal(err)
		}
		repo.Create(context.Background(), &auth.User{ID: u.name, Username: u.name, PasswordHash: hash, Role: u.role, Enabled: true})
	}

	guard := auth.NewMiddleware(auth.NewAuthenticator(repo))
	return NewHandler(HandlerConfig{
		Router: &MockRouter{},
		Admin:  NewAdminHandler(events, trends, guard),
	})
}

func adminGet(h http.Handler, path, user, password string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if user != "" {
		req.SetBasicAuth(user, password)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_Authorization(t *testing.T) {
	h := setupAdmin(t, &MockEventReader{}, &MockTrendSource{})

	tests := []struct {
		name     string
		path     string
		user     string
		password string
		want     int
	}{
		{"telemetry no credentials", "/admin/telemetry", "", "", http.StatusUnauthorized},
		{"telemetry wrong password", "/admin/telemetry", "admin", "wrong", http.StatusUnauthorized},
		{"telemetry member forbidden", "/admin/telemetry", "member", "member", http.StatusForbidden},
		{"telemetry viewer", "/admin/telemetry", "viewer", "viewer", http.StatusOK},
		{"telemetry admin", "/admin/telemetry", "admin", "secret", http.StatusOK},
		{"trends member forbidden", "/admin/trends", "member", "member", http.StatusForbidden},
		{"trends viewer", "/admin/trends", "viewer", "viewer", http.StatusOK},
		{"unknown admin path", "/admin/users", "admin", "secret", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := adminGet(h, tt.path, tt.user, tt.password)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAdmin_ListEventsFilter(t *testing.T) {
	var got domain.EventFilter
	events := &MockEventReader{
		GetEventsFunc: func(ctx context.Context, filter domain.EventFilter) ([]domain.TelemetryEvent, error) {
			got = filter
			return []domain.TelemetryEvent{
				{TelemetryID: "e1", EventType: domain.EventRouteFailed, TraceID: "t1"},
			}, nil
		},
	}
	h := setupAdmin(t, events, &MockTrendSource{})

	rec := adminGet(h, "/admin/telemetry?limit=10&user_id=u1&event_type=ai_route_failed&trace_id=t1&since=2026-01-02T03:04:05Z", "viewer", "viewer")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	want := domain.EventFilter{
		Limit:     10,
		UserID:    "u1",
		EventType: domain.EventRouteFailed,
		TraceID:   "t1",
		Since:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if got.Limit != want.Limit || got.UserID != want.UserID || got.EventType != want.EventType ||
		got.TraceID != want.TraceID || !got.Since.Equal(want.Since) {
		t.Errorf("filter = %+v, want %+v", got, want)
	}

	var resp struct {
		Events []domain.TelemetryEvent `json:"events"`
		Count  int                     `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Events[0].TelemetryID != "e1" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAdmin_ListEventsEmptyIsArray(t *testing.T) {
	h := setupAdmin(t, &MockEventReader{}, &MockTrendSource{})

	rec := adminGet(h, "/admin/telemetry", "admin", "secret")
	var resp map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if string(resp["events"]) != "[]" {
		t.Errorf("events = %s, want []", resp["events"])
	}
}

func TestAdmin_BadFilters(t *testing.T) {
	h := setupAdmin(t, &MockEventReader{}, &MockTrendSource{})

	for _, query := range []string{
		"limit=abc",
		"limit=-1",
		"event_type=ai_something",
		"since=yesterday",
	} {
		t.Run(query, func(t *testing.T) {
			rec := adminGet(h, "/admin/telemetry?"+query, "admin", "secret")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAdmin_StoreError(t *testing.T) {
	events := &MockEventReader{
		GetEventsFunc: func(ctx context.Context, filter domain.EventFilter) ([]domain.TelemetryEvent, error) {
			return nil, errors.New("db down")
		},
	}
	h := setupAdmin(t, events, &MockTrendSource{})

	rec := adminGet(h, "/admin/telemetry", "admin", "secret")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestAdmin_Trends(t *testing.T) {
	var gotLimit int
	trends := &MockTrendSource{
		TrendsFunc: func(limit int) []metaquery.Trend {
			gotLimit = limit
			return []metaquery.Trend{{Fingerprint: "abc", SampleQuery: "hello", Count: 4, LastPlatform: "openai"}}
		},
	}
	h := setupAdmin(t, &MockEventReader{}, trends)

	rec := adminGet(h, "/admin/trends", "admin", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotLimit != 20 {
		t.Errorf("default limit = %d, want 20", gotLimit)
	}

	adminGet(h, "/admin/trends?limit=5", "admin", "secret")
	if gotLimit != 5 {
		t.Errorf("limit = %d, want 5", gotLimit)
	}

	if rec := adminGet(h, "/admin/trends?limit=0", "admin", "secret"); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rec.Code)
	}
}
