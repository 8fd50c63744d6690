package providers

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/security"
)

const schema = `
CREATE TABLE IF NOT EXISTS oauth_states (
	state TEXT PRIMARY KEY,
	connector TEXT NOT NULL,
	created_at TEXT NOT NULL,
	consumed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_oauth_states_connector ON oauth_states(connector, created_at);
CREATE TABLE IF NOT EXISTS connector_sessions (
	connector TEXT PRIMARY KEY,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS kite_candle_cache (
	cache_key TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	instrument_token TEXT NOT NULL,
	interval TEXT NOT NULL,
	from_ts TEXT NOT NULL,
	to_ts TEXT NOT NULL,
	row_count INTEGER NOT NULL,
	dataset_hash TEXT NOT NULL,
	rows_blob BLOB NOT NULL,
	created_at TEXT NOT NULL
);
`

// CandleCacheEntry is one cached historical-candles fetch. Rows are stored as
// a msgpack blob keyed by the request hash.
type CandleCacheEntry struct {
	CacheKey        string                   `json:"cache_key"`
	Symbol          string                   `json:"symbol"`
	InstrumentToken string                   `json:"instrument_token"`
	Interval        string                   `json:"interval"`
	FromTS          string                   `json:"from_ts"`
	ToTS            string                   `json:"to_ts"`
	RowCount        int                      `json:"row_count"`
	DatasetHash     string                   `json:"dataset_hash"`
	Rows            []map[string]interface{} `json:"-"`
	CreatedAt       string                   `json:"created_at"`
}

// Repository stores connector OAuth state, encrypted sessions and the candle
// cache in the state database.
type Repository struct {
	db     *sql.DB
	cipher *security.Cipher
	log    zerolog.Logger
	now    func() time.Time
}

// NewRepository creates the repository and its schema. A nil cipher stores
// connector sessions in plaintext.
func NewRepository(db *sql.DB, cipher *security.Cipher, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &Repository{
		db:     db,
		cipher: cipher,
		log:    log.With().Str("repo", "providers").Logger(),
		now:    time.Now,
	}, nil
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// CreateOAuthState records a fresh, unconsumed login state.
func (r *Repository) CreateOAuthState(ctx context.Context, connector, state string) error {
	if connector == "" {
		return errs.Invalid("connector is required")
	}
	if state == "" {
		return errs.Invalid("state is required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state, connector, created_at, consumed_at)
		VALUES (?, ?, ?, NULL)`,
		state, connector, r.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	return nil
}

// ConsumeOAuthState marks one state as used. Consumption happens at most
// once: the guarded UPDATE refuses a state another request already took.
func (r *Repository) ConsumeOAuthState(ctx context.Context, connector, state string, maxAgeSeconds int) error {
	if connector == "" {
		return errs.Invalid("connector is required")
	}
	if state == "" {
		return errs.Invalid("state is required")
	}
	if maxAgeSeconds <= 0 {
		return errs.Invalid("max_age_seconds must be positive")
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT created_at, consumed_at
		FROM oauth_states
		WHERE connector = ? AND state = ?`, connector, state)

	var createdAt string
	var consumedAt sql.NullString
	if err := row.Scan(&createdAt, &consumedAt); err != nil {
		if err == sql.ErrNoRows {
			return errs.NotFound("oauth state not found for connector=%s", connector)
		}
		return errs.Wrap(errs.KindInternal, err)
	}
	if consumedAt.Valid {
		return errs.Conflict("oauth state already consumed for connector=%s", connector)
	}
	if age, err := r.stateAge(createdAt); err != nil {
		return err
	} else if age > float64(maxAgeSeconds) {
		return errs.Invalid("oauth state expired for connector=%s age_seconds=%d", connector, int(age))
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE oauth_states
		SET consumed_at = ?
		WHERE connector = ? AND state = ? AND consumed_at IS NULL`,
		r.now().UTC().Format(time.RFC3339Nano), connector, state)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	if affected != 1 {
		return errs.Conflict("failed to consume oauth state for connector=%s", connector)
	}
	return nil
}

// ConsumeLatestOAuthState consumes the single pending state for a connector,
// for callbacks that did not echo the state parameter back.
func (r *Repository) ConsumeLatestOAuthState(ctx context.Context, connector string, maxAgeSeconds int) (string, error) {
	if connector == "" {
		return "", errs.Invalid("connector is required")
	}
	if maxAgeSeconds <= 0 {
		return "", errs.Invalid("max_age_seconds must be positive")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT state, created_at
		FROM oauth_states
		WHERE connector = ? AND consumed_at IS NULL
		ORDER BY created_at DESC`, connector)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	type pending struct{ state, createdAt string }
	var candidates []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.state, &p.createdAt); err != nil {
			return "", errs.Wrap(errs.KindInternal, err)
		}
		candidates = append(candidates, p)
	}
	if err := rows.Err(); err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}

	if len(candidates) == 0 {
		return "", errs.NotFound("no pending oauth state for connector=%s; generate a fresh connect_url", connector)
	}
	if len(candidates) > 1 {
		return "", errs.Conflict(
			"multiple pending oauth states for connector=%s; generate a fresh connect_url and retry once", connector)
	}

	latest := candidates[0]
	if age, err := r.stateAge(latest.createdAt); err != nil {
		return "", err
	} else if age > float64(maxAgeSeconds) {
		return "", errs.Invalid("latest oauth state expired for connector=%s age_seconds=%d", connector, int(age))
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE oauth_states
		SET consumed_at = ?
		WHERE connector = ? AND state = ? AND consumed_at IS NULL`,
		r.now().UTC().Format(time.RFC3339Nano), connector, latest.state)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	if affected != 1 {
		return "", errs.Conflict("failed to consume latest oauth state for connector=%s", connector)
	}
	return latest.state, nil
}

func (r *Repository) stateAge(createdAt string) (float64, error) {
	stamp, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}
	return r.now().UTC().Sub(stamp).Seconds(), nil
}

// UpsertConnectorSession stores the session payload for a connector,
// encrypted when a key is configured.
func (r *Repository) UpsertConnectorSession(ctx context.Context, connector string, payload map[string]interface{}) error {
	if connector == "" {
		return errs.Invalid("connector is required")
	}
	serialized, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	stored, err := r.cipher.Encrypt(string(serialized))
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	now := utcNow()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO connector_sessions (connector, payload_json, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(connector)
		DO UPDATE SET payload_json = excluded.payload_json, updated_at = excluded.updated_at`,
		connector, stored, now, now)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	return nil
}

// GetConnectorSession loads and decrypts a connector session. A missing
// session returns nil without error; the caller decides whether that means
// reauth.
func (r *Repository) GetConnectorSession(ctx context.Context, connector string) (map[string]interface{}, error) {
	if connector == "" {
		return nil, errs.Invalid("connector is required")
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT payload_json FROM connector_sessions WHERE connector = ?`, connector)

	var stored string
	if err := row.Scan(&stored); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	plain, err := r.cipher.Decrypt(stored)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(plain), &payload); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return payload, nil
}

// UpsertCandleCache stores one fetch result under its request hash.
func (r *Repository) UpsertCandleCache(ctx context.Context, entry *CandleCacheEntry) error {
	if entry == nil || entry.CacheKey == "" {
		return errs.Invalid("cache_key is required")
	}
	if entry.RowCount < 0 {
		return errs.Invalid("row_count must be non-negative")
	}
	blob, err := msgpack.Marshal(entry.Rows)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO kite_candle_cache
			(cache_key, symbol, instrument_token, interval, from_ts, to_ts, row_count, dataset_hash, rows_blob, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			row_count = excluded.row_count,
			dataset_hash = excluded.dataset_hash,
			rows_blob = excluded.rows_blob,
			created_at = excluded.created_at`,
		entry.CacheKey, entry.Symbol, entry.InstrumentToken, entry.Interval,
		entry.FromTS, entry.ToTS, entry.RowCount, entry.DatasetHash, blob, utcNow())
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	return nil
}

// GetCandleCache loads a cached fetch. A miss returns nil without error.
func (r *Repository) GetCandleCache(ctx context.Context, cacheKey string) (*CandleCacheEntry, error) {
	if cacheKey == "" {
		return nil, errs.Invalid("cache_key is required")
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT cache_key, symbol, instrument_token, interval, from_ts, to_ts, row_count, dataset_hash, rows_blob, created_at
		FROM kite_candle_cache
		WHERE cache_key = ?`, cacheKey)

	var entry CandleCacheEntry
	var blob []byte
	err := row.Scan(&entry.CacheKey, &entry.Symbol, &entry.InstrumentToken, &entry.Interval,
		&entry.FromTS, &entry.ToTS, &entry.RowCount, &entry.DatasetHash, &blob, &entry.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if err := msgpack.Unmarshal(blob, &entry.Rows); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &entry, nil
}
