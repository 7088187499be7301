// Package sqlite provides the SQLite-backed sagalog.Repository.
//
// WAL mode is enabled on Open so readers never block the writing saga
// goroutine — the status endpoint reads while sagas append.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wakala/fulfillment/internal/saga/sagalog"

	// Pure-Go SQLite driver; no CGO, builds anywhere.
	_ "modernc.org/sqlite"
)

// schema is applied once on startup. Append-only: each row is an immutable
// event in a saga's lifecycle; the latest row per saga_id is its state.
const schema = `
CREATE TABLE IF NOT EXISTS saga_logs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    saga_id         TEXT NOT NULL,
    tenant_id       TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    current_step    TEXT NOT NULL DEFAULT '',
    payload         TEXT,
    error_messages  TEXT NOT NULL DEFAULT '[]',
    trace_id        TEXT NOT NULL DEFAULT '',
    span_id         TEXT NOT NULL DEFAULT '',
    updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saga_logs_saga_id ON saga_logs(saga_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_saga_logs_trace_id ON saga_logs(trace_id);
`

// Repository is the SQLite implementation of sagalog.Repository.
type Repository struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sagalog sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sagalog sqlite: apply schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close releases the database handle.
func (r *Repository) Close() error { return r.db.Close() }

// Save appends a row. Safe for concurrent use.
func (r *Repository) Save(ctx context.Context, e *sagalog.Entry) error {
	const q = `
		INSERT INTO saga_logs
			(saga_id, tenant_id, status, current_step, payload, error_messages, trace_id, span_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	payload := any(e.Payload)
	if e.Payload == "" {
		payload = nil
	}
	_, err := r.db.ExecContext(ctx, q,
		e.SagaID, e.TenantID, string(e.Status), e.CurrentStep, payload,
		e.ErrorMessages, e.TraceID, e.SpanID,
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sagalog sqlite: save entry for %q: %w", e.SagaID, err)
	}
	return nil
}

// Latest returns the most recent row for a saga, for the status endpoint
// and restart recovery.
func (r *Repository) Latest(ctx context.Context, sagaID string) (*sagalog.Entry, error) {
	const q = `
		SELECT saga_id, tenant_id, status, current_step, COALESCE(payload,''),
		       error_messages, trace_id, span_id, updated_at
		FROM   saga_logs
		WHERE  saga_id = ?
		ORDER  BY id DESC
		LIMIT  1`

	var e sagalog.Entry
	var updatedAt string
	err := r.db.QueryRowContext(ctx, q, sagaID).Scan(
		&e.SagaID, &e.TenantID, &e.Status, &e.CurrentStep, &e.Payload,
		&e.ErrorMessages, &e.TraceID, &e.SpanID, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sagalog sqlite: saga %q not found", sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("sagalog sqlite: latest for %q: %w", sagaID, err)
	}

	e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("sagalog sqlite: parse time %q: %w", updatedAt, err)
	}
	return &e, nil
}
