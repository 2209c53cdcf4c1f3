package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ai_telemetry (
	seq          BIGSERIAL PRIMARY KEY,
	telemetry_id TEXT NOT NULL UNIQUE,
	event_type   TEXT NOT NULL,
	trace_id     TEXT NOT NULL,
	user_id      TEXT NOT NULL DEFAULT '',
	platform     TEXT NOT NULL DEFAULT '',
	details      JSONB NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ai_telemetry_created_at_idx ON ai_telemetry (created_at DESC);
CREATE INDEX IF NOT EXISTS ai_telemetry_trace_id_idx ON ai_telemetry (trace_id);
CREATE INDEX IF NOT EXISTS ai_telemetry_user_id_idx ON ai_telemetry (user_id, created_at DESC);
`

type PostgresTelemetryStore struct {
	sqlTelemetryStore
}

// OpenPostgres connects and pings.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewPostgresTelemetryStore(db *sql.DB) *PostgresTelemetryStore {
	return &PostgresTelemetryStore{sqlTelemetryStore{
		db: db,
		dialect: dialect{
			placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
			encodeTime:  func(t time.Time) any { return t.UTC() },
			maxParams:   65535,
		},
	}}
}

func (s *PostgresTelemetryStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate telemetry schema: %w", err)
	}
	return nil
}
