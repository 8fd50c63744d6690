package strategy

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
CREATE TABLE IF NOT EXISTS intent_snapshots (
	id TEXT PRIMARY KEY,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS strategies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS strategy_versions (
	id TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	version_number INTEGER NOT NULL,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(strategy_id, version_number)
);
CREATE TABLE IF NOT EXISTS code_strategies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS code_strategy_versions (
	id TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	version_number INTEGER NOT NULL,
	source_code TEXT NOT NULL,
	validation_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(strategy_id, version_number)
);
`

// VersionRef identifies one immutable strategy version.
type VersionRef struct {
	StrategyID    string `json:"strategy_id"`
	VersionID     string `json:"strategy_version_id"`
	VersionNumber int    `json:"version_number"`
}

// CodeVersion is one stored code-strategy version with its validation record.
type CodeVersion struct {
	VersionRef
	StrategyName string      `json:"strategy_name"`
	SourceCode   string      `json:"source_code"`
	Validation   *Validation `json:"validation"`
	CreatedAt    string      `json:"created_at"`
}

// SpecVersion is one stored declarative strategy version.
type SpecVersion struct {
	VersionRef
	Spec      map[string]interface{} `json:"spec"`
	CreatedAt string                 `json:"created_at"`
}

// Repository stores strategies and versions in the state database. Version
// numbers are allocated transactionally so concurrent saves never collide.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository and its schema.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &Repository{db: db, log: log.With().Str("repo", "strategy").Logger()}, nil
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// SaveCodeVersion stores source plus validation under the next version
// number for the named strategy, creating the strategy row on first save.
func (r *Repository) SaveCodeVersion(ctx context.Context, strategyName, sourceCode string, validation *Validation) (*VersionRef, error) {
	if strings.TrimSpace(strategyName) == "" {
		return nil, errs.Invalid("strategy_name is required")
	}
	if strings.TrimSpace(sourceCode) == "" {
		return nil, errs.Invalid("source_code is required")
	}
	validationJSON, err := json.Marshal(validation)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	ref := &VersionRef{}
	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var strategyID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM code_strategies WHERE name = ?`, strategyName).Scan(&strategyID)
		if err == sql.ErrNoRows {
			strategyID = uuid.New().String()
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO code_strategies (id, name, created_at) VALUES (?, ?, ?)`,
				strategyID, strategyName, utcNow()); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		var maxVersion int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version_number), 0) FROM code_strategy_versions WHERE strategy_id = ?`,
			strategyID).Scan(&maxVersion); err != nil {
			return err
		}

		ref.StrategyID = strategyID
		ref.VersionNumber = maxVersion + 1
		ref.VersionID = uuid.New().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO code_strategy_versions
				(id, strategy_id, version_number, source_code, validation_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ref.VersionID, strategyID, ref.VersionNumber, sourceCode, string(validationJSON), utcNow())
		return err
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return ref, nil
}

// GetCodeVersion loads one code-strategy version by id.
func (r *Repository) GetCodeVersion(ctx context.Context, versionID string) (*CodeVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT v.id, v.strategy_id, v.version_number, v.source_code, v.validation_json, v.created_at, s.name
		FROM code_strategy_versions v
		JOIN code_strategies s ON s.id = v.strategy_id
		WHERE v.id = ?`, versionID)

	var out CodeVersion
	var validationJSON string
	err := row.Scan(&out.VersionID, &out.StrategyID, &out.VersionNumber,
		&out.SourceCode, &validationJSON, &out.CreatedAt, &out.StrategyName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("code_strategy_version not found: %s", versionID)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if err := json.Unmarshal([]byte(validationJSON), &out.Validation); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &out, nil
}

// SaveSpecVersion stores a declarative strategy spec under the next version
// number. The spec payload must carry its own strategy_id.
func (r *Repository) SaveSpecVersion(ctx context.Context, strategyName string, spec map[string]interface{}) (*VersionRef, error) {
	strategyID, _ := spec["strategy_id"].(string)
	if strategyID == "" {
		return nil, errs.Invalid("strategy_id missing from StrategySpec")
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	ref := &VersionRef{StrategyID: strategyID}
	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO strategies (id, name, created_at) VALUES (?, ?, ?)`,
			strategyID, strategyName, utcNow()); err != nil {
			return err
		}
		var maxVersion int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version_number), 0) FROM strategy_versions WHERE strategy_id = ?`,
			strategyID).Scan(&maxVersion); err != nil {
			return err
		}
		ref.VersionNumber = maxVersion + 1
		ref.VersionID = uuid.New().String()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_versions (id, strategy_id, version_number, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			ref.VersionID, strategyID, ref.VersionNumber, string(payload), utcNow())
		return err
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return ref, nil
}

// GetLatestSpec returns the newest spec payload for a strategy.
func (r *Repository) GetLatestSpec(ctx context.Context, strategyID string) (map[string]interface{}, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `
		SELECT payload_json FROM strategy_versions
		WHERE strategy_id = ?
		ORDER BY version_number DESC
		LIMIT 1`, strategyID).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("strategy_id not found: %s", strategyID)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	var spec map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &spec); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return spec, nil
}

// GetSpecVersion loads one declarative version by id.
func (r *Repository) GetSpecVersion(ctx context.Context, versionID string) (*SpecVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, strategy_id, version_number, payload_json, created_at
		FROM strategy_versions WHERE id = ?`, versionID)

	var out SpecVersion
	var payload string
	err := row.Scan(&out.VersionID, &out.StrategyID, &out.VersionNumber, &payload, &out.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("strategy_version_id not found: %s", versionID)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if err := json.Unmarshal([]byte(payload), &out.Spec); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &out, nil
}

// SaveIntentSnapshot persists an immutable intent payload and returns its id.
func (r *Repository) SaveIntentSnapshot(ctx context.Context, payload map[string]interface{}) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	snapshotID := uuid.New().String()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO intent_snapshots (id, payload_json, created_at) VALUES (?, ?, ?)`,
		snapshotID, string(encoded), utcNow())
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	return snapshotID, nil
}

// StrategySummary is one row of the code-strategy catalogue.
type StrategySummary struct {
	StrategyID    string `json:"strategy_id"`
	StrategyName  string `json:"strategy_name"`
	LatestVersion int    `json:"latest_version_number"`
	CreatedAt     string `json:"created_at"`
}

// ListCodeStrategies returns the catalogue newest-first.
func (r *Repository) ListCodeStrategies(ctx context.Context, limit int) ([]StrategySummary, error) {
	if limit <= 0 {
		return nil, errs.Invalid("limit must be positive")
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.name, COALESCE(MAX(v.version_number), 0), s.created_at
		FROM code_strategies s
		LEFT JOIN code_strategy_versions v ON v.strategy_id = s.id
		GROUP BY s.id, s.name, s.created_at
		ORDER BY s.created_at DESC, s.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	out := []StrategySummary{}
	for rows.Next() {
		var row StrategySummary
		if err := rows.Scan(&row.StrategyID, &row.StrategyName, &row.LatestVersion, &row.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// VersionSummary is one row of a strategy's version history. Source code is
// deliberately omitted; GetCodeVersion returns it for a single version.
type VersionSummary struct {
	VersionID     string      `json:"strategy_version_id"`
	VersionNumber int         `json:"version_number"`
	Validation    *Validation `json:"validation"`
	CreatedAt     string      `json:"created_at"`
}

// ListCodeVersions returns a strategy's versions newest-first.
func (r *Repository) ListCodeVersions(ctx context.Context, strategyID string, limit int) ([]VersionSummary, error) {
	if limit <= 0 {
		return nil, errs.Invalid("limit must be positive")
	}
	if strings.TrimSpace(strategyID) == "" {
		return nil, errs.Invalid("strategy_id is required")
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, version_number, validation_json, created_at
		FROM code_strategy_versions
		WHERE strategy_id = ?
		ORDER BY version_number DESC
		LIMIT ?`, strategyID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	out := []VersionSummary{}
	for rows.Next() {
		var row VersionSummary
		var validationJSON string
		if err := rows.Scan(&row.VersionID, &row.VersionNumber, &validationJSON, &row.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		if err := json.Unmarshal([]byte(validationJSON), &row.Validation); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetIntentSnapshot loads a snapshot payload by id.
func (r *Repository) GetIntentSnapshot(ctx context.Context, snapshotID string) (map[string]interface{}, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		`SELECT payload_json FROM intent_snapshots WHERE id = ?`, snapshotID).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("intent_snapshot not found: %s", snapshotID)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return out, nil
}
