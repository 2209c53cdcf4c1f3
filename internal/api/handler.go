// Package api exposes the router over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/metrics"
	"github.com/felipepmaragno/ai-router/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

type QueryRouter interface {
	RouteQuery(ctx context.Context, in domain.QueryInput) (*domain.QueryResult, error)
	Providers(ctx context.Context) []domain.ProviderHealth
}

type HandlerConfig struct {
	Router       QueryRouter
	RateLimiter  ratelimit.Limiter
	RateLimitRPM int
	// Admin is mounted under /admin/ when non-nil.
	Admin        http.Handler
	HealthChecks []HealthChecker
	CheckTimeout time.Duration
}

type Handler struct {
	router       QueryRouter
	rateLimiter  ratelimit.Limiter
	rateLimitRPM int
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 2 * time.Second
	}

	h := &Handler{
		router:       cfg.Router,
		rateLimiter:  cfg.RateLimiter,
		rateLimitRPM: cfg.RateLimitRPM,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/query", h.handleQuery)
	h.mux.HandleFunc("GET /v1/providers", h.handleProviders)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.HealthChecks, checkTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Admin != nil {
		h.mux.Handle("/admin/", cfg.Admin)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type queryRequest struct {
	Query             string `json:"query"`
	PreferredProvider string `json:"preferred_provider"`
}

type errorResponse struct {
	Error         string                 `json:"error"`
	Code          int                    `json:"code"`
	TraceID       string                 `json:"trace_id,omitempty"`
	FallbackChain []domain.FallbackEntry `json:"fallback_chain,omitempty"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := r.Header.Get("X-User-ID")
	traceID := r.Header.Get("X-Trace-ID")

	if !h.allow(w, r, userID) {
		return
	}

	var req queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.router.RouteQuery(ctx, domain.QueryInput{
		Query:             req.Query,
		PreferredProvider: req.PreferredProvider,
		UserID:            userID,
		TraceID:           traceID,
	})
	if err != nil {
		h.writeRouteError(w, err, traceID, userID)
		return
	}

	slog.Info("query routed",
		"trace_id", result.TraceID,
		"user_id", userID,
		"platform", result.Platform,
		"fallbacks", len(result.FallbackChain),
	)

	w.Header().Set("X-Trace-ID", result.TraceID)
	writeJSON(w, http.StatusOK, result)
}

// allow applies the per-caller rate limit and writes the 429 itself.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, userID string) bool {
	if h.rateLimiter == nil || h.rateLimitRPM <= 0 {
		return true
	}

	key := userID
	if key == "" {
		key = clientIP(r)
	}

	decision, err := h.rateLimiter.Allow(r.Context(), key, h.rateLimitRPM)
	if err != nil {
		slog.Error("rate limiter error", "error", err, "key", key)
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimitRPM))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", decision.ResetAt.Format(time.RFC3339))

	if !decision.Allowed {
		metrics.RecordRateLimitHit(userID == "")
		slog.Warn("rate limit exceeded", "key", key)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (h *Handler) writeRouteError(w http.ResponseWriter, err error, traceID, userID string) {
	var allFailed *domain.AllProvidersFailedError
	switch {
	case errors.As(err, &allFailed):
		if errors.Is(err, domain.ErrTelemetryWrite) {
			slog.Error("route failed and telemetry write failed", "trace_id", allFailed.TraceID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		slog.Warn("all providers failed", "trace_id", allFailed.TraceID, "user_id", userID)
		w.Header().Set("X-Trace-ID", allFailed.TraceID)
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:         err.Error(),
			Code:          http.StatusBadGateway,
			TraceID:       allFailed.TraceID,
			FallbackChain: allFailed.FallbackChain,
		})
	case errors.Is(err, domain.ErrInvalidQuery), errors.Is(err, domain.ErrUnsupportedProvider):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAccessDenied):
		slog.Warn("access denied", "user_id", userID, "trace_id", traceID, "error", err)
		writeError(w, http.StatusForbidden, err.Error())
	default:
		slog.Error("route query failed", "trace_id", traceID, "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) handleProviders(w http.ResponseWriter, r *http.Request) {
	providers := h.router.Providers(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": providers,
		"count":     len(providers),
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: status})
}
