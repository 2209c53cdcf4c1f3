// Package metaquery records the queries themselves for trend analysis. It
// consumes successful routes after the fact and never affects their outcome.
package metaquery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/felipepmaragno/ai-router/internal/crypto"
	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

const maxSampleRunes = 500

// Fingerprint identifies a query regardless of case and spacing.
func Fingerprint(query string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	return crypto.Fingerprint(normalized)
}

type Record struct {
	Query    string
	Platform string
	TraceID  string
	UserID   string
}

type Trend struct {
	Fingerprint  string    `json:"fingerprint"`
	SampleQuery  string    `json:"sample_query"`
	Count        int       `json:"count"`
	LastPlatform string    `json:"last_platform"`
	LastSeen     time.Time `json:"last_seen"`
}

type BatchRecorder interface {
	RecordBatch(ctx context.Context, events []domain.TelemetryEvent) (int, error)
}

type Options struct {
	BatchSize     int
	TrendCapacity int
}

func DefaultOptions() Options {
	return Options{
		BatchSize:     50,
		TrendCapacity: 1000,
	}
}

type Service struct {
	dedup     Deduplicator
	recorder  BatchRecorder
	batchSize int
	now       func() time.Time

	mu      sync.Mutex
	trends  *lru.Cache[string, *Trend]
	pending []domain.TelemetryEvent
}

func NewService(dedup Deduplicator, recorder BatchRecorder, opts Options) (*Service, error) {
	defaults := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.TrendCapacity <= 0 {
		opts.TrendCapacity = defaults.TrendCapacity
	}

	trends, err := lru.New[string, *Trend](opts.TrendCapacity)
	if err != nil {
		return nil, fmt.Errorf("create trend cache: %w", err)
	}

	return &Service{
		dedup:     dedup,
		recorder:  recorder,
		batchSize: opts.BatchSize,
		now:       time.Now,
		trends:    trends,
	}, nil
}

// Track counts the query and, the first time it is seen within the dedup
// window, queues an ai_meta_query event. A full queue is flushed inline.
func (s *Service) Track(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.Query) == "" {
		return nil
	}

	fp := Fingerprint(rec.Query)
	now := s.now().UTC()
	first := s.dedup.FirstSeen(ctx, fp)
	metrics.RecordMetaQuery(!first)

	s.mu.Lock()
	s.updateTrend(fp, rec, now)
	if !first {
		s.mu.Unlock()
		return nil
	}

	s.pending = append(s.pending, domain.TelemetryEvent{
		EventType: domain.EventMetaQuery,
		TraceID:   rec.TraceID,
		UserID:    rec.UserID,
		Platform:  rec.Platform,
		Details: map[string]any{
			"fingerprint": fp,
			"query":       sample(rec.Query),
		},
		CreatedAt: now,
	})

	var batch []domain.TelemetryEvent
	if len(s.pending) >= s.batchSize {
		batch = s.pending
		s.pending = nil
	}
	s.mu.Unlock()

	if batch == nil {
		return nil
	}
	return s.write(ctx, batch)
}

// Flush writes whatever is queued. Called on shutdown.
func (s *Service) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}
	if err := s.write(ctx, batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// Pending is the number of queued events.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// write drops the batch on failure and forgets its fingerprints, so the
// next sighting of each query is recorded again.
func (s *Service) write(ctx context.Context, batch []domain.TelemetryEvent) error {
	if _, err := s.recorder.RecordBatch(ctx, batch); err != nil {
		for _, e := range batch {
			if fp, ok := e.Details["fingerprint"].(string); ok {
				s.dedup.Forget(ctx, fp)
			}
		}
		return fmt.Errorf("flush %d meta-query events: %w", len(batch), err)
	}
	return nil
}

// Trends returns the most frequent queries, most recent first on ties.
func (s *Service) Trends(limit int) []Trend {
	s.mu.Lock()
	values := s.trends.Values()
	out := make([]Trend, len(values))
	for i, t := range values {
		out[i] = *t
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// updateTrend must be called with s.mu held.
func (s *Service) updateTrend(fp string, rec Record, now time.Time) {
	t, ok := s.trends.Get(fp)
	if !ok {
		t = &Trend{Fingerprint: fp, SampleQuery: sample(rec.Query)}
		s.trends.Add(fp, t)
	}
	t.Count++
	t.LastPlatform = rec.Platform
	t.LastSeen = now
}

func sample(query string) string {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) <= maxSampleRunes {
		return query
	}
	return string([]rune(query)[:maxSampleRunes])
}
