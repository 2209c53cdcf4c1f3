package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/metrics"
	"github.com/felipepmaragno/ai-router/internal/repository"
	"github.com/google/uuid"
)

const (
	DefaultEventLimit = 50
	MaxEventLimit     = 1000
)

// Recorder writes query events synchronously. A storage failure is returned
// to the caller as *domain.TelemetryWriteError.
type Recorder struct {
	store repository.TelemetryStore
	now   func() time.Time
	newID func() string
}

func NewRecorder(store repository.TelemetryStore) *Recorder {
	return &Recorder{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// WithClock replaces the time source, for tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

func (r *Recorder) RecordEvent(ctx context.Context, eventType domain.EventType, meta domain.EventMetadata) (string, error) {
	event := domain.TelemetryEvent{
		TelemetryID: r.newID(),
		EventType:   eventType,
		TraceID:     meta.TraceID,
		UserID:      meta.UserID,
		Platform:    meta.Platform,
		Details:     meta.Details,
		CreatedAt:   r.now().UTC(),
	}

	if err := r.store.Insert(ctx, event); err != nil {
		metrics.RecordTelemetryWriteError(string(eventType))
		slog.Error("telemetry write failed",
			"event_type", eventType,
			"trace_id", meta.TraceID,
			"error", err,
		)
		return "", &domain.TelemetryWriteError{EventType: eventType, Err: err}
	}

	return event.TelemetryID, nil
}

// RecordBatch stores all events or none. Missing IDs and timestamps are filled in.
func (r *Recorder) RecordBatch(ctx context.Context, events []domain.TelemetryEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	now := r.now().UTC()
	batch := make([]domain.TelemetryEvent, len(events))
	for i, e := range events {
		if e.TelemetryID == "" {
			e.TelemetryID = r.newID()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		batch[i] = e
	}

	if err := r.store.InsertBatch(ctx, batch); err != nil {
		eventType := batch[0].EventType
		metrics.RecordTelemetryWriteError(string(eventType))
		return 0, &domain.TelemetryWriteError{
			EventType: eventType,
			Err:       fmt.Errorf("insert batch of %d: %w", len(batch), err),
		}
	}

	return len(batch), nil
}

// GetEvents lists events newest first. Limit defaults to DefaultEventLimit
// and is capped at MaxEventLimit.
func (r *Recorder) GetEvents(ctx context.Context, filter domain.EventFilter) ([]domain.TelemetryEvent, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultEventLimit
	case filter.Limit > MaxEventLimit:
		filter.Limit = MaxEventLimit
	}

	events, err := r.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list telemetry events: %w", err)
	}
	return events, nil
}
