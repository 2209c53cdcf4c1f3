package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ai_telemetry (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	telemetry_id TEXT NOT NULL UNIQUE,
	event_type   TEXT NOT NULL,
	trace_id     TEXT NOT NULL,
	user_id      TEXT NOT NULL DEFAULT '',
	platform     TEXT NOT NULL DEFAULT '',
	details      TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ai_telemetry_created_at_idx ON ai_telemetry (created_at DESC);
CREATE INDEX IF NOT EXISTS ai_telemetry_trace_id_idx ON ai_telemetry (trace_id);
`

// SQLiteTelemetryStore is the single-node event log. Timestamps are stored as
// unix nanoseconds.
type SQLiteTelemetryStore struct {
	sqlTelemetryStore
}

// NewSQLiteTelemetryStore opens path (":memory:" works) and creates the schema.
func NewSQLiteTelemetryStore(ctx context.Context, path string) (*SQLiteTelemetryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Each ":memory:" connection is its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate telemetry schema: %w", err)
	}

	return &SQLiteTelemetryStore{sqlTelemetryStore{
		db: db,
		dialect: dialect{
			placeholder: func(int) string { return "?" },
			encodeTime:  func(t time.Time) any { return t.UnixNano() },
			maxParams:   32766,
		},
	}}, nil
}
