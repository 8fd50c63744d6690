// Package jobs tracks asynchronous work: one row per job with its lifecycle
// status, and an append-only event log whose AUTOINCREMENT id doubles as the
// stream cursor for SSE and WebSocket consumers.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	job_type TEXT NOT NULL,
	status TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	result_json TEXT,
	error_text TEXT,
	fallback_reason TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS job_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, id);
`

// Job lifecycle states.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// JobRecord is one stored job.
type JobRecord struct {
	ID             string                 `json:"id"`
	JobType        string                 `json:"job_type"`
	Status         string                 `json:"status"`
	Payload        map[string]interface{} `json:"payload"`
	Result         map[string]interface{} `json:"result"`
	ErrorText      string                 `json:"error_text"`
	FallbackReason string                 `json:"fallback_reason"`
	CreatedAt      string                 `json:"created_at"`
	UpdatedAt      string                 `json:"updated_at"`
}

// JobEvent is one row of the event log. ID is the stream cursor.
type JobEvent struct {
	ID        int64                  `json:"id"`
	JobID     string                 `json:"job_id"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt string                 `json:"created_at"`
}

// Repository stores jobs and their events in the state database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository and its schema.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &Repository{db: db, log: log.With().Str("repo", "jobs").Logger()}, nil
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func isTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Create inserts a queued job and returns its id.
func (r *Repository) Create(ctx context.Context, jobType string, payload map[string]interface{}) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	jobID := uuid.New().String()
	now := utcNow()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, status, payload_json, result_json, error_text, fallback_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, NULL, NULL, ?, ?)`,
		jobID, jobType, StatusQueued, string(payloadJSON), now, now)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	return jobID, nil
}

// UpdateStatus moves a job through its lifecycle. Once a job is terminal
// further updates are no-ops, so racing writers cannot flip a completed job
// back to running or overwrite its result.
func (r *Repository) UpdateStatus(ctx context.Context, jobID, status string,
	result map[string]interface{}, errorText, fallbackReason string) error {

	var current string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			return errs.NotFound("job not found: %s", jobID)
		}
		return errs.Wrap(errs.KindInternal, err)
	}
	if isTerminal(current) {
		return nil
	}

	var resultJSON interface{}
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return errs.Wrap(errs.KindInternal, err)
		}
		resultJSON = string(encoded)
	}
	var errorValue, fallbackValue interface{}
	if errorText != "" {
		errorValue = errorText
	}
	if fallbackReason != "" {
		fallbackValue = fallbackReason
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, result_json = ?, error_text = ?, fallback_reason = ?, updated_at = ?
		WHERE id = ?`,
		status, resultJSON, errorValue, fallbackValue, utcNow(), jobID)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	return nil
}

// Get loads one job by id.
func (r *Repository) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, job_type, status, payload_json, result_json, error_text, fallback_reason, created_at, updated_at
		FROM jobs WHERE id = ?`, jobID)

	var out JobRecord
	var payloadJSON string
	var resultJSON, errorText, fallbackReason sql.NullString
	err := row.Scan(&out.ID, &out.JobType, &out.Status, &payloadJSON,
		&resultJSON, &errorText, &fallbackReason, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("job not found: %s", jobID)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &out.Payload); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &out.Result); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
	}
	out.ErrorText = errorText.String
	out.FallbackReason = fallbackReason.String
	return &out, nil
}

// AppendEvent records one event on the job's log.
func (r *Repository) AppendEvent(ctx context.Context, jobID, eventType string, payload map[string]interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, event_type, payload_json, created_at)
		VALUES (?, ?, ?, ?)`,
		jobID, eventType, string(payloadJSON), utcNow())
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	return nil
}

// ListEventsAfter returns events with id strictly greater than the cursor,
// in id order. Streaming consumers advance the cursor to the last id seen.
func (r *Repository) ListEventsAfter(ctx context.Context, lastID int64) ([]*JobEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, event_type, payload_json, created_at
		FROM job_events
		WHERE id > ?
		ORDER BY id ASC`, lastID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	var out []*JobEvent
	for rows.Next() {
		var event JobEvent
		var payloadJSON string
		if err := rows.Scan(&event.ID, &event.JobID, &event.EventType, &payloadJSON, &event.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		out = append(out, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return out, nil
}
