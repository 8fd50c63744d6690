package tax

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
CREATE TABLE IF NOT EXISTS tax_reports (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tax_reports_run ON tax_reports(run_id, created_at);
`

// ReportRecord is one stored tax report.
type ReportRecord struct {
	ReportID  string                 `json:"report_id"`
	RunID     string                 `json:"run_id"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt string                 `json:"created_at"`
}

// Repository stores tax reports in the state database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &Repository{db: db, log: log.With().Str("repo", "tax").Logger()}, nil
}

// SaveReport persists one report payload and returns its id.
func (r *Repository) SaveReport(ctx context.Context, runID string, payload map[string]interface{}) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	reportID := uuid.New().String()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tax_reports (id, run_id, payload_json, created_at)
		VALUES (?, ?, ?, ?)`,
		reportID, runID, string(payloadJSON),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	return reportID, nil
}

// ListReports returns reports for a run, newest first.
func (r *Repository) ListReports(ctx context.Context, runID string, limit int) ([]*ReportRecord, error) {
	if limit <= 0 {
		return nil, errs.Invalid("limit must be positive")
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, payload_json, created_at FROM tax_reports
		WHERE run_id = ? ORDER BY created_at DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	var out []*ReportRecord
	for rows.Next() {
		var record ReportRecord
		var payloadJSON string
		if err := rows.Scan(&record.ReportID, &record.RunID, &payloadJSON, &record.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &record.Payload); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		out = append(out, &record)
	}
	return out, rows.Err()
}
