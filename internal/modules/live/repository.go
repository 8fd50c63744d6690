// Package live tracks activated code strategies: per-version lifecycle state,
// the insight feed produced at activation, and boundary-distance snapshots
// over the most recent market data.
package live

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS live_states (
	strategy_version_id TEXT PRIMARY KEY,
	strategy_name TEXT NOT NULL,
	status TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS live_insights (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_version_id TEXT NOT NULL,
	action TEXT NOT NULL,
	symbol TEXT NOT NULL,
	reason_code TEXT NOT NULL,
	score REAL NOT NULL,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_live_insights_version ON live_insights(strategy_version_id, id);
`

// StateRecord is one strategy version's lifecycle row.
type StateRecord struct {
	StrategyVersionID string                 `json:"strategy_version_id"`
	StrategyName      string                 `json:"strategy_name"`
	Status            string                 `json:"status"`
	Payload           map[string]interface{} `json:"payload"`
	CreatedAt         string                 `json:"created_at"`
	UpdatedAt         string                 `json:"updated_at"`
}

// Insight is one row of the activation feed.
type Insight struct {
	ID                int64                  `json:"id"`
	StrategyVersionID string                 `json:"strategy_version_id"`
	Action            string                 `json:"action"`
	Symbol            string                 `json:"symbol"`
	ReasonCode        string                 `json:"reason_code"`
	Score             float64                `json:"score"`
	Payload           map[string]interface{} `json:"payload"`
	CreatedAt         string                 `json:"created_at"`
}

// Repository stores live states and insights in the state database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository and its schema.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &Repository{db: db, log: log.With().Str("repo", "live").Logger()}, nil
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// UpsertState inserts or replaces the lifecycle row for a strategy version.
func (r *Repository) UpsertState(ctx context.Context, strategyVersionID, strategyName, status string,
	payload map[string]interface{}) error {

	switch status {
	case "active", "paused", "stopped":
	default:
		return errs.Invalid("status must be one of: active, paused, stopped")
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	now := utcNow()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO live_states (strategy_version_id, strategy_name, status, payload_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy_version_id)
		DO UPDATE SET
			strategy_name = excluded.strategy_name,
			status = excluded.status,
			payload_json = excluded.payload_json,
			updated_at = excluded.updated_at`,
		strategyVersionID, strategyName, status, string(payloadJSON), now, now)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	return nil
}

// GetState loads the lifecycle row for one strategy version.
func (r *Repository) GetState(ctx context.Context, strategyVersionID string) (*StateRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT strategy_version_id, strategy_name, status, payload_json, created_at, updated_at
		FROM live_states
		WHERE strategy_version_id = ?`, strategyVersionID)

	var out StateRecord
	var payloadJSON string
	err := row.Scan(&out.StrategyVersionID, &out.StrategyName, &out.Status,
		&payloadJSON, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("live_state not found for strategy_version_id=%s", strategyVersionID)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &out.Payload); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &out, nil
}

// ListStates returns lifecycle rows, most recently updated first. A non-empty
// status restricts the listing to that lifecycle phase.
func (r *Repository) ListStates(ctx context.Context, status string, limit int) ([]*StateRecord, error) {
	if limit <= 0 {
		return nil, errs.Invalid("limit must be positive")
	}
	query := `
		SELECT strategy_version_id, strategy_name, status, payload_json, created_at, updated_at
		FROM live_states
		ORDER BY updated_at DESC
		LIMIT ?`
	args := []interface{}{limit}
	if status != "" {
		query = `
			SELECT strategy_version_id, strategy_name, status, payload_json, created_at, updated_at
			FROM live_states
			WHERE status = ?
			ORDER BY updated_at DESC
			LIMIT ?`
		args = []interface{}{status, limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	var out []*StateRecord
	for rows.Next() {
		var record StateRecord
		var payloadJSON string
		if err := rows.Scan(&record.StrategyVersionID, &record.StrategyName, &record.Status,
			&payloadJSON, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &record.Payload); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		out = append(out, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return out, nil
}

// AppendInsight records one feed row.
func (r *Repository) AppendInsight(ctx context.Context, strategyVersionID, action, symbol, reasonCode string,
	score float64, payload map[string]interface{}) error {

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO live_insights
			(strategy_version_id, action, symbol, reason_code, score, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strategyVersionID, action, symbol, reasonCode, score, string(payloadJSON), utcNow())
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	return nil
}

// ListInsights returns feed rows newest-first, optionally for one version.
func (r *Repository) ListInsights(ctx context.Context, strategyVersionID string, limit int) ([]*Insight, error) {
	if limit <= 0 {
		return nil, errs.Invalid("limit must be positive")
	}
	query := `
		SELECT id, strategy_version_id, action, symbol, reason_code, score, payload_json, created_at
		FROM live_insights
		ORDER BY id DESC
		LIMIT ?`
	args := []interface{}{limit}
	if strategyVersionID != "" {
		query = `
			SELECT id, strategy_version_id, action, symbol, reason_code, score, payload_json, created_at
			FROM live_insights
			WHERE strategy_version_id = ?
			ORDER BY id DESC
			LIMIT ?`
		args = []interface{}{strategyVersionID, limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	var out []*Insight
	for rows.Next() {
		var insight Insight
		var payloadJSON string
		if err := rows.Scan(&insight.ID, &insight.StrategyVersionID, &insight.Action, &insight.Symbol,
			&insight.ReasonCode, &insight.Score, &payloadJSON, &insight.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &insight.Payload); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		out = append(out, &insight)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return out, nil
}
