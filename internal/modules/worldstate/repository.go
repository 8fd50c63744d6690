// Package worldstate builds deterministic, point-in-time-safe snapshots of
// the market data a backtest is allowed to see, and validates the analytics
// store for publication-time leaks.
package worldstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS world_manifests (
	id TEXT PRIMARY KEY,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// Repository stores world manifests in the state database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository and its schema.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &Repository{db: db, log: log.With().Str("repo", "worldstate").Logger()}, nil
}

// SaveManifest persists a manifest keyed by its id.
func (r *Repository) SaveManifest(ctx context.Context, manifest *Manifest) error {
	payload, err := json.Marshal(manifest)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO world_manifests (id, payload_json, created_at) VALUES (?, ?, ?)`,
		manifest.ManifestID, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	return nil
}

// GetManifest loads a previously saved manifest.
func (r *Repository) GetManifest(ctx context.Context, manifestID string) (*Manifest, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		`SELECT payload_json FROM world_manifests WHERE id = ?`, manifestID).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("world_manifest not found: %s", manifestID)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	var manifest Manifest
	if err := json.Unmarshal([]byte(payload), &manifest); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &manifest, nil
}
