// Package tuning runs bounded, deterministic parameter searches over strategy
// backtests and persists the resulting trial and layer-decision records.
package tuning

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/database"
	"github.com/aristath/finagent/internal/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS tuning_runs (
	id TEXT PRIMARY KEY,
	strategy_name TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tuning_trials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tuning_run_id TEXT NOT NULL,
	backtest_run_id TEXT NOT NULL,
	params_json TEXT NOT NULL,
	metrics_json TEXT NOT NULL,
	score REAL NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tuning_trials_run ON tuning_trials(tuning_run_id);
CREATE TABLE IF NOT EXISTS tuning_layer_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tuning_run_id TEXT NOT NULL,
	layer_name TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	reason TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tuning_layer_decisions_run ON tuning_layer_decisions(tuning_run_id);
`

// RunRecord is one stored tuning run.
type RunRecord struct {
	TuningRunID  string                 `json:"tuning_run_id"`
	StrategyName string                 `json:"strategy_name"`
	Payload      map[string]interface{} `json:"payload"`
	CreatedAt    string                 `json:"created_at"`
}

// Trial is one stored candidate evaluation.
type Trial struct {
	ID            int64                  `json:"id"`
	TuningRunID   string                 `json:"tuning_run_id"`
	BacktestRunID string                 `json:"backtest_run_id"`
	Params        map[string]interface{} `json:"params"`
	Metrics       map[string]interface{} `json:"metrics"`
	Score         float64                `json:"score"`
	CreatedAt     string                 `json:"created_at"`
}

// LayerDecision records whether a tuning layer ran and why.
type LayerDecision struct {
	ID          int64                  `json:"id"`
	TuningRunID string                 `json:"tuning_run_id"`
	LayerName   string                 `json:"layer_name"`
	Enabled     bool                   `json:"enabled"`
	Reason      string                 `json:"reason"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   string                 `json:"created_at"`
}

// Repository stores tuning runs in the state database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository and its schema.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &Repository{db: db, log: log.With().Str("repo", "tuning").Logger()}, nil
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func asList(value interface{}) ([]interface{}, bool) {
	switch v := value.(type) {
	case []interface{}:
		return v, true
	case []map[string]interface{}:
		out := make([]interface{}, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	default:
		return nil, false
	}
}

func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// jsonRoundTrip normalizes typed maps and slices into the generic JSON shapes
// the child-row validation expects.
func jsonRoundTrip(payload map[string]interface{}) map[string]interface{} {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var out map[string]interface{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return payload
	}
	return out
}

// SaveTuningRun persists the aggregate payload plus decomposed trial and
// layer-decision child rows in one transaction. Any invalid child row fails
// the whole save.
func (r *Repository) SaveTuningRun(ctx context.Context, strategyName string, payload map[string]interface{}) (string, error) {
	if strings.TrimSpace(strategyName) == "" {
		return "", errs.Invalid("strategy_name is required")
	}
	runID, _ := payload["tuning_run_id"].(string)
	runID = strings.TrimSpace(runID)
	if runID == "" {
		runID = uuid.New().String()
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tuning_runs (id, strategy_name, payload_json, created_at)
			VALUES (?, ?, ?, ?)`,
			runID, strategyName, string(payloadJSON), utcNow()); err != nil {
			return errs.Wrap(errs.KindInternal, err)
		}

		if evaluated, ok := payload["evaluated_candidates"]; ok && evaluated != nil {
			rows, ok := asList(evaluated)
			if !ok {
				return errs.Invalid("tuning payload evaluated_candidates must be a list when provided")
			}
			for _, item := range rows {
				row, ok := item.(map[string]interface{})
				if !ok {
					return errs.Invalid("tuning payload evaluated_candidates rows must be objects")
				}
				backtestRunID, _ := row["run_id"].(string)
				if strings.TrimSpace(backtestRunID) == "" {
					return errs.Invalid("tuning payload evaluated candidate missing run_id")
				}
				params, ok := row["params"].(map[string]interface{})
				if !ok {
					return errs.Invalid("tuning payload evaluated candidate params must be object")
				}
				metrics, ok := row["metrics"].(map[string]interface{})
				if !ok {
					return errs.Invalid("tuning payload evaluated candidate metrics must be object")
				}
				score, ok := asFloat(row["score"])
				if !ok {
					return errs.Invalid("tuning payload evaluated candidate score must be numeric: %v", row["score"])
				}
				if err := insertTrial(ctx, tx, runID, backtestRunID, params, metrics, score); err != nil {
					return err
				}
			}
		}

		if rawPlan, ok := payload["tuning_plan"]; ok && rawPlan != nil {
			plan, ok := rawPlan.(map[string]interface{})
			if !ok {
				return errs.Invalid("tuning payload tuning_plan must be object when provided")
			}
			if rawLayers, ok := plan["layers"]; ok && rawLayers != nil {
				layers, ok := asList(rawLayers)
				if !ok {
					return errs.Invalid("tuning payload tuning_plan.layers must be list when provided")
				}
				for _, item := range layers {
					layer, ok := item.(map[string]interface{})
					if !ok {
						return errs.Invalid("tuning payload tuning_plan.layers rows must be objects")
					}
					layerName, _ := layer["layer"].(string)
					if strings.TrimSpace(layerName) == "" {
						return errs.Invalid("tuning payload layer decision missing layer")
					}
					reason, _ := layer["reason"].(string)
					if strings.TrimSpace(reason) == "" {
						return errs.Invalid("tuning payload layer decision missing reason for layer=%s", layerName)
					}
					enabled, _ := layer["enabled"].(bool)
					if err := insertLayerDecision(ctx, tx, runID, layerName, enabled, reason, layer); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

func insertTrial(ctx context.Context, tx *sql.Tx, runID, backtestRunID string,
	params, metrics map[string]interface{}, score float64) error {

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tuning_trials
			(tuning_run_id, backtest_run_id, params_json, metrics_json, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, backtestRunID, string(paramsJSON), string(metricsJSON), score, utcNow())
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	return nil
}

func insertLayerDecision(ctx context.Context, tx *sql.Tx, runID, layerName string,
	enabled bool, reason string, payload map[string]interface{}) error {

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	enabledFlag := 0
	if enabled {
		enabledFlag = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tuning_layer_decisions
			(tuning_run_id, layer_name, enabled, reason, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, layerName, enabledFlag, reason, string(payloadJSON), utcNow())
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	return nil
}

// AppendTrial adds one trial row outside the aggregate save path.
func (r *Repository) AppendTrial(ctx context.Context, runID, backtestRunID string,
	params, metrics map[string]interface{}, score float64) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		return insertTrial(ctx, tx, runID, backtestRunID, params, metrics, score)
	})
}

// AppendLayerDecision adds one layer-decision row outside the aggregate save path.
func (r *Repository) AppendLayerDecision(ctx context.Context, runID, layerName string,
	enabled bool, reason string, payload map[string]interface{}) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		return insertLayerDecision(ctx, tx, runID, layerName, enabled, reason, payload)
	})
}

// deepMerge merges src into dst recursively; nested objects merge key-wise,
// everything else is replaced.
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	for key, value := range src {
		if srcMap, ok := value.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				dst[key] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// UpdateTuningRun deep-merges updates into the stored payload within one
// transaction. The async pathway uses this for progress merging.
func (r *Repository) UpdateTuningRun(ctx context.Context, runID string, updates map[string]interface{}) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var payloadJSON string
		err := tx.QueryRowContext(ctx,
			`SELECT payload_json FROM tuning_runs WHERE id = ?`, runID).Scan(&payloadJSON)
		if err != nil {
			if err == sql.ErrNoRows {
				return errs.NotFound("tuning_run not found: %s", runID)
			}
			return errs.Wrap(errs.KindInternal, err)
		}
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return errs.Wrap(errs.KindInternal, err)
		}
		merged := deepMerge(payload, updates)
		encoded, err := json.Marshal(merged)
		if err != nil {
			return errs.Wrap(errs.KindInternal, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tuning_runs SET payload_json = ? WHERE id = ?`, string(encoded), runID); err != nil {
			return errs.Wrap(errs.KindInternal, err)
		}
		return nil
	})
}

// GetTuningRun loads one run by id.
func (r *Repository) GetTuningRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, strategy_name, payload_json, created_at FROM tuning_runs WHERE id = ?`, runID)

	var out RunRecord
	var payloadJSON string
	err := row.Scan(&out.TuningRunID, &out.StrategyName, &payloadJSON, &out.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("tuning_run not found: %s", runID)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &out.Payload); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &out, nil
}

// ListRuns returns tuning runs newest-first, optionally filtered by
// strategy name.
func (r *Repository) ListRuns(ctx context.Context, strategyName string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		return nil, errs.Invalid("limit must be positive")
	}
	query := `SELECT id, strategy_name, payload_json, created_at FROM tuning_runs`
	args := []interface{}{}
	if strings.TrimSpace(strategyName) != "" {
		query += ` WHERE strategy_name = ?`
		args = append(args, strategyName)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	out := []*RunRecord{}
	for rows.Next() {
		var record RunRecord
		var payloadJSON string
		if err := rows.Scan(&record.TuningRunID, &record.StrategyName, &payloadJSON, &record.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &record.Payload); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		out = append(out, &record)
	}
	return out, rows.Err()
}

// ListTrials returns the trials of a run in insertion order.
func (r *Repository) ListTrials(ctx context.Context, runID string) ([]Trial, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errs.Invalid("tuning_run_id is required")
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tuning_run_id, backtest_run_id, params_json, metrics_json, score, created_at
		FROM tuning_trials WHERE tuning_run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	var out []Trial
	for rows.Next() {
		var trial Trial
		var paramsJSON, metricsJSON string
		if err := rows.Scan(&trial.ID, &trial.TuningRunID, &trial.BacktestRunID,
			&paramsJSON, &metricsJSON, &trial.Score, &trial.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		if err := json.Unmarshal([]byte(paramsJSON), &trial.Params); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		if err := json.Unmarshal([]byte(metricsJSON), &trial.Metrics); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		out = append(out, trial)
	}
	return out, rows.Err()
}

// ListLayerDecisions returns the layer decisions of a run in insertion order.
func (r *Repository) ListLayerDecisions(ctx context.Context, runID string) ([]LayerDecision, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errs.Invalid("tuning_run_id is required")
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tuning_run_id, layer_name, enabled, reason, payload_json, created_at
		FROM tuning_layer_decisions WHERE tuning_run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	var out []LayerDecision
	for rows.Next() {
		var decision LayerDecision
		var enabled int
		var payloadJSON string
		if err := rows.Scan(&decision.ID, &decision.TuningRunID, &decision.LayerName,
			&enabled, &decision.Reason, &payloadJSON, &decision.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		decision.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(payloadJSON), &decision.Payload); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		out = append(out, decision)
	}
	return out, rows.Err()
}
