package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/ai-router/internal/auth"
	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/metaquery"
)

type EventReader interface {
	GetEvents(ctx context.Context, filter domain.EventFilter) ([]domain.TelemetryEvent, error)
}

type TrendSource interface {
	Trends(limit int) []metaquery.Trend
}

var knownEventTypes = map[domain.EventType]bool{
	domain.EventQuerySuccess: true,
	domain.EventQueryFailed:  true,
	domain.EventRBACDenied:   true,
	domain.EventRouteSuccess: true,
	domain.EventRouteFailed:  true,
	domain.EventMetaQuery:    true,
}

// AdminHandler serves read-only telemetry to users holding telemetry:read.
type AdminHandler struct {
	events EventReader
	trends TrendSource
	mux    *http.ServeMux
}

func NewAdminHandler(events EventReader, trends TrendSource, guard *auth.Middleware) *AdminHandler {
	h := &AdminHandler{
		events: events,
		trends: trends,
		mux:    http.NewServeMux(),
	}

	protect := func(next http.HandlerFunc) http.Handler {
		return guard.RequireAuth(guard.RequirePermission(auth.PermissionTelemetryRead)(next))
	}

	h.mux.Handle("GET /admin/telemetry", protect(h.listEvents))
	h.mux.Handle("GET /admin/trends", protect(h.listTrends))

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, msg := parseEventFilter(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	events, err := h.events.GetEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list telemetry")
		return
	}
	if events == nil {
		events = []domain.TelemetryEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (h *AdminHandler) listTrends(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	trends := h.trends.Trends(limit)
	if trends == nil {
		trends = []metaquery.Trend{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trends": trends,
		"count":  len(trends),
	})
}

// parseEventFilter returns a non-empty message when a query parameter is malformed.
func parseEventFilter(r *http.Request) (domain.EventFilter, string) {
	q := r.URL.Query()
	filter := domain.EventFilter{
		UserID:  q.Get("user_id"),
		TraceID: q.Get("trace_id"),
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, "limit must be a non-negative integer"
		}
		filter.Limit = n
	}

	if v := q.Get("event_type"); v != "" {
		if !knownEventTypes[domain.EventType(v)] {
			return filter, "unknown event_type " + strconv.Quote(v)
		}
		filter.EventType = domain.EventType(v)
	}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, "since must be RFC3339"
		}
		filter.Since = since
	}

	return filter, ""
}
