// Package session persists agent working context: per-tool input/output
// deltas and periodic state snapshots, so a fresh agent process can rehydrate
// where the previous one stopped. Payloads are redacted before storage and
// encoded as msgpack blobs.
package session

import (
	"bytes"
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/security"
)

const schema = `
CREATE TABLE IF NOT EXISTS tool_context_deltas (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	input_blob BLOB NOT NULL,
	output_blob BLOB NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_context_deltas_session ON tool_context_deltas(session_id, id);
CREATE TABLE IF NOT EXISTS session_state_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	state_blob BLOB NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_state_snapshots_session ON session_state_snapshots(session_id, id);
`

// ToolDelta is one recorded tool invocation.
type ToolDelta struct {
	ID        int64                  `json:"delta_id"`
	SessionID string                 `json:"session_id"`
	ToolName  string                 `json:"tool_name"`
	Input     map[string]interface{} `json:"input"`
	Output    map[string]interface{} `json:"output"`
	CreatedAt string                 `json:"created_at"`
}

// Snapshot is one full session state capture.
type Snapshot struct {
	ID        int64                  `json:"snapshot_id"`
	SessionID string                 `json:"session_id"`
	State     map[string]interface{} `json:"state"`
	CreatedAt string                 `json:"created_at"`
}

// Repository stores deltas and snapshots in the state database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository and its schema.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &Repository{db: db, log: log.With().Str("repo", "session").Logger()}, nil
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// encodePayload redacts secret-keyed values and packs the result. A nil map
// packs as an empty one, so stored blobs always decode to a map.
func encodePayload(payload map[string]interface{}) ([]byte, error) {
	redacted := security.Redact(payload)
	blob, err := msgpack.Marshal(redacted)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return blob, nil
}

// decodePayload unpacks a stored blob. Loose interface decoding keeps the
// numeric types uniform (int64/float64) so state diffs compare cleanly.
func decodePayload(blob []byte) (map[string]interface{}, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(blob))
	dec.UseLooseInterfaceDecoding(true)
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

// AppendToolDelta records one tool invocation and returns the delta id.
func (r *Repository) AppendToolDelta(ctx context.Context, sessionID, toolName string,
	input, output map[string]interface{}) (int64, error) {

	if sessionID == "" {
		return 0, errs.Invalid("session_id is required")
	}
	if toolName == "" {
		return 0, errs.Invalid("tool_name is required")
	}
	inputBlob, err := encodePayload(input)
	if err != nil {
		return 0, err
	}
	outputBlob, err := encodePayload(output)
	if err != nil {
		return 0, err
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO tool_context_deltas (session_id, tool_name, input_blob, output_blob, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, toolName, inputBlob, outputBlob, utcNow())
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}
	return id, nil
}

// SaveSnapshot captures the full session state and returns the snapshot id.
func (r *Repository) SaveSnapshot(ctx context.Context, sessionID string,
	state map[string]interface{}) (int64, error) {

	if sessionID == "" {
		return 0, errs.Invalid("session_id is required")
	}
	stateBlob, err := encodePayload(state)
	if err != nil {
		return 0, err
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO session_state_snapshots (session_id, state_blob, created_at)
		VALUES (?, ?, ?)`,
		sessionID, stateBlob, utcNow())
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}
	return id, nil
}

// LatestSnapshot loads the most recent snapshot for a session.
func (r *Repository) LatestSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, state_blob, created_at
		FROM session_state_snapshots
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT 1`, sessionID)

	var out Snapshot
	var stateBlob []byte
	err := row.Scan(&out.ID, &out.SessionID, &stateBlob, &out.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("session snapshot not found for session_id=%s", sessionID)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if out.State, err = decodePayload(stateBlob); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSnapshots returns a session's snapshots, newest first.
func (r *Repository) ListSnapshots(ctx context.Context, sessionID string, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		return nil, errs.Invalid("limit must be positive")
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, state_blob, created_at
		FROM session_state_snapshots
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var snap Snapshot
		var stateBlob []byte
		if err := rows.Scan(&snap.ID, &snap.SessionID, &stateBlob, &snap.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		if snap.State, err = decodePayload(stateBlob); err != nil {
			return nil, err
		}
		out = append(out, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return out, nil
}

// ListToolDeltas returns a session's tool deltas, newest first.
func (r *Repository) ListToolDeltas(ctx context.Context, sessionID string, limit int) ([]*ToolDelta, error) {
	if limit <= 0 {
		return nil, errs.Invalid("limit must be positive")
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, tool_name, input_blob, output_blob, created_at
		FROM tool_context_deltas
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	var out []*ToolDelta
	for rows.Next() {
		var delta ToolDelta
		var inputBlob, outputBlob []byte
		if err := rows.Scan(&delta.ID, &delta.SessionID, &delta.ToolName,
			&inputBlob, &outputBlob, &delta.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		if delta.Input, err = decodePayload(inputBlob); err != nil {
			return nil, err
		}
		if delta.Output, err = decodePayload(outputBlob); err != nil {
			return nil, err
		}
		out = append(out, &delta)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return out, nil
}
