package backtest

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
CREATE TABLE IF NOT EXISTS backtest_runs (
	id TEXT PRIMARY KEY,
	strategy_version_id TEXT NOT NULL,
	world_manifest_id TEXT NOT NULL,
	metrics_json TEXT NOT NULL,
	artifacts_json TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backtest_runs_version ON backtest_runs(strategy_version_id, created_at);
`

// RunRecord is the stored form of a backtest run.
type RunRecord struct {
	RunID             string                 `json:"run_id"`
	StrategyVersionID string                 `json:"strategy_version_id"`
	WorldManifestID   string                 `json:"world_manifest_id"`
	Metrics           map[string]interface{} `json:"metrics"`
	Artifacts         map[string]interface{} `json:"artifacts"`
	Payload           map[string]interface{} `json:"payload"`
	CreatedAt         string                 `json:"created_at"`
}

// Repository stores backtest runs in the state database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository and its schema.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &Repository{db: db, log: log.With().Str("repo", "backtest").Logger()}, nil
}

// SaveRun persists one run and returns its id.
func (r *Repository) SaveRun(ctx context.Context, strategyVersionID, worldManifestID string,
	metrics, artifacts, payload map[string]interface{}) (string, error) {

	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}

	runID := uuid.New().String()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO backtest_runs
			(id, strategy_version_id, world_manifest_id, metrics_json, artifacts_json, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, strategyVersionID, worldManifestID,
		string(metricsJSON), string(artifactsJSON), string(payloadJSON),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	return runID, nil
}

// GetRun loads one run by id.
func (r *Repository) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, strategy_version_id, world_manifest_id, metrics_json, artifacts_json, payload_json, created_at
		FROM backtest_runs WHERE id = ?`, runID)

	var out RunRecord
	var metricsJSON, artifactsJSON, payloadJSON string
	err := row.Scan(&out.RunID, &out.StrategyVersionID, &out.WorldManifestID,
		&metricsJSON, &artifactsJSON, &payloadJSON, &out.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("backtest_run not found: %s", runID)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if err := json.Unmarshal([]byte(metricsJSON), &out.Metrics); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if err := json.Unmarshal([]byte(artifactsJSON), &out.Artifacts); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &out.Payload); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &out, nil
}

// ListRuns returns runs newest-first, optionally filtered to one strategy
// version. The live runtime resolver uses limit=1 to find the run that
// established a version's universe and date range.
func (r *Repository) ListRuns(ctx context.Context, strategyVersionID string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		return nil, errs.Invalid("limit must be positive")
	}

	query := `
		SELECT id FROM backtest_runs
		ORDER BY created_at DESC
		LIMIT ?`
	args := []interface{}{limit}
	if strategyVersionID != "" {
		query = `
			SELECT id FROM backtest_runs
			WHERE strategy_version_id = ?
			ORDER BY created_at DESC
			LIMIT ?`
		args = []interface{}{strategyVersionID, limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	var runIDs []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		runIDs = append(runIDs, runID)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	out := make([]*RunRecord, 0, len(runIDs))
	for _, runID := range runIDs {
		record, err := r.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// LatestRunForVersion returns the newest run for a strategy version.
func (r *Repository) LatestRunForVersion(ctx context.Context, strategyVersionID string) (*RunRecord, error) {
	var runID string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM backtest_runs
		WHERE strategy_version_id = ?
		ORDER BY created_at DESC
		LIMIT 1`, strategyVersionID).Scan(&runID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("no backtest run found for strategy_version_id=%s", strategyVersionID)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return r.GetRun(ctx, runID)
}
