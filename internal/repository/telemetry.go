package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

// TelemetryStore is the append-only event log behind the telemetry recorder.
type TelemetryStore interface {
	Insert(ctx context.Context, event domain.TelemetryEvent) error
	// InsertBatch stores every event or none of them.
	InsertBatch(ctx context.Context, events []domain.TelemetryEvent) error
	// List returns matching events, newest first. A zero Limit means no limit.
	List(ctx context.Context, filter domain.EventFilter) ([]domain.TelemetryEvent, error)
}

type InMemoryTelemetryStore struct {
	mu     sync.RWMutex
	events []domain.TelemetryEvent
}

func NewInMemoryTelemetryStore() *InMemoryTelemetryStore {
	return &InMemoryTelemetryStore{}
}

func (s *InMemoryTelemetryStore) Insert(ctx context.Context, event domain.TelemetryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	return nil
}

func (s *InMemoryTelemetryStore) InsertBatch(ctx context.Context, events []domain.TelemetryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, events...)
	return nil
}

func (s *InMemoryTelemetryStore) List(ctx context.Context, filter domain.EventFilter) ([]domain.TelemetryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.TelemetryEvent, 0)
	for i := len(s.events) - 1; i >= 0; i-- {
		if matches(s.events[i], filter) {
			out = append(out, s.events[i])
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Len is the number of stored events.
func (s *InMemoryTelemetryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func matches(e domain.TelemetryEvent, f domain.EventFilter) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.TraceID != "" && e.TraceID != f.TraceID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
