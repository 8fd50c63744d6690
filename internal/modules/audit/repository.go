// Package audit persists the append-only audit trail. Every payload is
// redacted and stamped with the ambient trace id before it reaches disk.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/observability"
	"github.com/aristath/finagent/internal/security"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type, id);
`

// Event is one audit trail row.
type Event struct {
	ID        int64                  `json:"id"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt string                 `json:"created_at"`
}

// Repository stores audit events in the state database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository and its schema.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &Repository{db: db, log: log.With().Str("repo", "audit").Logger()}, nil
}

// Append records one event. The payload is redacted and the ambient trace id
// merged in before serialization.
func (r *Repository) Append(ctx context.Context, eventType string, payload map[string]interface{}) error {
	row := make(map[string]interface{}, len(payload)+1)
	for key, value := range payload {
		row[key] = value
	}
	if traceID := observability.TraceIDFromContext(ctx); traceID != "" {
		row["trace_id"] = traceID
	}

	redacted := security.Redact(row)
	encoded, err := json.Marshal(redacted)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_type, payload_json, created_at) VALUES (?, ?, ?)`,
		eventType, string(encoded), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}

	r.log.Debug().Str("event_type", eventType).Msg("Audit event appended")
	return nil
}

// List returns events in insertion order, optionally filtered by type.
func (r *Repository) List(ctx context.Context, eventType string) ([]Event, error) {
	query := `SELECT id, event_type, payload_json, created_at FROM audit_events`
	args := []interface{}{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var payloadJSON string
		if err := rows.Scan(&event.ID, &event.EventType, &payloadJSON, &event.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
			event.Payload = map[string]interface{}{"raw": payloadJSON}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
