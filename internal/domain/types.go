package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventQuerySuccess EventType = "ai_query_success"
	EventQueryFailed  EventType = "ai_query_failed"
	EventRBACDenied   EventType = "ai_rbac_denied"
	EventRouteSuccess EventType = "ai_route_success"
	EventRouteFailed  EventType = "ai_route_failed"
	EventMetaQuery    EventType = "ai_meta_query"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// QueryInput is what callers hand to the router.
type QueryInput struct {
	Query             string `json:"query"`
	PreferredProvider string `json:"preferred_provider,omitempty"`
	UserID            string `json:"user_id,omitempty"`
	TraceID           string `json:"trace_id,omitempty"`
}

type QueryResult struct {
	Platform      string            `json:"platform"`
	Result        json.RawMessage   `json:"result"`
	TraceID       string            `json:"trace_id"`
	FallbackChain []FallbackEntry   `json:"fallback_chain"`
	Skipped       []SkippedProvider `json:"skipped,omitempty"`
}

type FallbackEntry struct {
	Platform  string    `json:"platform"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// SkippedProvider is a candidate that was never dispatched because RBAC denied it.
type SkippedProvider struct {
	Platform  string    `json:"platform"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type DispatchAttempt struct {
	Provider  string    `json:"provider"`
	TraceID   string    `json:"trace_id"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
	Outcome   Outcome   `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
}

type ProviderHealth struct {
	Provider     string    `json:"provider"`
	FailureCount int       `json:"failure_count"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// EventMetadata is the caller-supplied part of a telemetry event.
type EventMetadata struct {
	TraceID  string
	UserID   string
	Platform string
	Details  map[string]any
}

type TelemetryEvent struct {
	TelemetryID string         `json:"telemetry_id"`
	EventType   EventType      `json:"event_type"`
	TraceID     string         `json:"trace_id"`
	UserID      string         `json:"user_id,omitempty"`
	Platform    string         `json:"platform,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type EventFilter struct {
	Limit     int
	UserID    string
	EventType EventType
	TraceID   string
	Since     time.Time
}
