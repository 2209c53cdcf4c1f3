package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

const eventColumns = "telemetry_id, event_type, trace_id, user_id, platform, details, created_at"

const eventColumnCount = 7

// dialect holds what differs between the SQL backends.
type dialect struct {
	placeholder func(n int) string
	encodeTime  func(t time.Time) any
	maxParams   int
}

// sqlTelemetryStore implements TelemetryStore over database/sql.
type sqlTelemetryStore struct {
	db      *sql.DB
	dialect dialect
}

func (s *sqlTelemetryStore) Insert(ctx context.Context, event domain.TelemetryEvent) error {
	return s.InsertBatch(ctx, []domain.TelemetryEvent{event})
}

// InsertBatch writes the events as one multi-row INSERT. Batches larger than
// the driver's parameter limit are split inside a single transaction.
func (s *sqlTelemetryStore) InsertBatch(ctx context.Context, events []domain.TelemetryEvent) error {
	if len(events) == 0 {
		return nil
	}

	rowsPerStmt := s.dialect.maxParams / eventColumnCount
	if len(events) <= rowsPerStmt {
		query, args, err := s.buildInsert(events)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert telemetry events: %w", err)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin telemetry batch: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(events); start += rowsPerStmt {
		end := min(start+rowsPerStmt, len(events))
		query, args, err := s.buildInsert(events[start:end])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert telemetry events: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit telemetry batch: %w", err)
	}
	return nil
}

func (s *sqlTelemetryStore) buildInsert(events []domain.TelemetryEvent) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ai_telemetry (" + eventColumns + ") VALUES ")

	args := make([]any, 0, len(events)*eventColumnCount)
	for i, e := range events {
		details, err := encodeDetails(e.Details)
		if err != nil {
			return "", nil, err
		}

		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := 0; c < eventColumnCount; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(s.dialect.placeholder(len(args) + c + 1))
		}
		b.WriteString(")")

		args = append(args,
			e.TelemetryID,
			string(e.EventType),
			e.TraceID,
			e.UserID,
			e.Platform,
			details,
			s.dialect.encodeTime(e.CreatedAt),
		)
	}

	return b.String(), args, nil
}

func (s *sqlTelemetryStore) List(ctx context.Context, filter domain.EventFilter) ([]domain.TelemetryEvent, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, cond+" "+s.dialect.placeholder(len(args)))
	}

	if filter.UserID != "" {
		add("user_id =", filter.UserID)
	}
	if filter.EventType != "" {
		add("event_type =", string(filter.EventType))
	}
	if filter.TraceID != "" {
		add("trace_id =", filter.TraceID)
	}
	if !filter.Since.IsZero() {
		add("created_at >=", s.dialect.encodeTime(filter.Since))
	}

	query := "SELECT " + eventColumns + " FROM ai_telemetry"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, seq DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT " + s.dialect.placeholder(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query telemetry events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.TelemetryEvent, 0)
	for rows.Next() {
		var (
			e         domain.TelemetryEvent
			eventType string
			details   []byte
			createdAt eventTime
		)
		if err := rows.Scan(&e.TelemetryID, &eventType, &e.TraceID, &e.UserID, &e.Platform, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan telemetry event: %w", err)
		}
		e.EventType = domain.EventType(eventType)
		e.CreatedAt = createdAt.Time
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode telemetry details: %w", err)
			}
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

func (s *sqlTelemetryStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlTelemetryStore) Close() error {
	return s.db.Close()
}

func encodeDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode telemetry details: %w", err)
	}
	return string(b), nil
}

// eventTime scans timestamps stored either natively or as unix nanoseconds.
type eventTime struct {
	Time time.Time
}

func (t *eventTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
	case int64:
		t.Time = time.Unix(0, v).UTC()
	case nil:
		t.Time = time.Time{}
	default:
		return fmt.Errorf("unsupported created_at type %T", src)
	}
	return nil
}
