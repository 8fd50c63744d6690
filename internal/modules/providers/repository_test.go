package providers

import (
	"context"
	"database/sql"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/security"
)

func setupRepo(t *testing.T, cipher *security.Cipher) (*Repository, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo, err := NewRepository(db, cipher, zerolog.Nop())
	require.NoError(t, err)
	return repo, db
}

func testCipher(t *testing.T) *security.Cipher {
	t.Helper()
	key := base64.URLEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	cipher, err := security.NewCipher(key)
	require.NoError(t, err)
	return cipher
}

func TestOAuthStateLifecycle(t *testing.T) {
	repo, _ := setupRepo(t, nil)
	ctx := context.Background()

	require.Error(t, repo.CreateOAuthState(ctx, "", "abc"))
	require.Error(t, repo.CreateOAuthState(ctx, "kite", ""))

	require.NoError(t, repo.CreateOAuthState(ctx, "kite", "state-1"))
	require.NoError(t, repo.ConsumeOAuthState(ctx, "kite", "state-1", 900))

	err := repo.ConsumeOAuthState(ctx, "kite", "state-1", 900)
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	assert.Contains(t, err.Error(), "oauth state already consumed for connector=kite")

	err = repo.ConsumeOAuthState(ctx, "kite", "state-unknown", 900)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	assert.Contains(t, err.Error(), "oauth state not found for connector=kite")

	err = repo.ConsumeOAuthState(ctx, "kite", "state-1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_age_seconds must be positive")
}

func TestOAuthStateExpiry(t *testing.T) {
	repo, _ := setupRepo(t, nil)
	ctx := context.Background()

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	require.NoError(t, repo.CreateOAuthState(ctx, "kite", "state-1"))

	now = now.Add(16 * time.Minute)
	err := repo.ConsumeOAuthState(ctx, "kite", "state-1", 900)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oauth state expired for connector=kite age_seconds=960")

	_, err = repo.ConsumeLatestOAuthState(ctx, "kite", 900)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "latest oauth state expired for connector=kite age_seconds=960")
}

func TestConsumeLatestOAuthState(t *testing.T) {
	repo, _ := setupRepo(t, nil)
	ctx := context.Background()

	_, err := repo.ConsumeLatestOAuthState(ctx, "kite", 900)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	assert.Contains(t, err.Error(), "no pending oauth state for connector=kite; generate a fresh connect_url")

	require.NoError(t, repo.CreateOAuthState(ctx, "kite", "state-1"))
	state, err := repo.ConsumeLatestOAuthState(ctx, "kite", 900)
	require.NoError(t, err)
	assert.Equal(t, "state-1", state)

	// consumed: no longer pending
	_, err = repo.ConsumeLatestOAuthState(ctx, "kite", 900)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	require.NoError(t, repo.CreateOAuthState(ctx, "kite", "state-2"))
	require.NoError(t, repo.CreateOAuthState(ctx, "kite", "state-3"))
	_, err = repo.ConsumeLatestOAuthState(ctx, "kite", 900)
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	assert.Contains(t, err.Error(), "multiple pending oauth states for connector=kite")
}

func TestConnectorSessionPlaintext(t *testing.T) {
	repo, _ := setupRepo(t, nil)
	ctx := context.Background()

	missing, err := repo.GetConnectorSession(ctx, "kite")
	require.NoError(t, err)
	assert.Nil(t, missing)

	payload := map[string]interface{}{
		"connected_at": "2026-08-24T10:00:00Z",
		"token":        map[string]interface{}{"access_token": "tok-0123456789"},
	}
	require.NoError(t, repo.UpsertConnectorSession(ctx, "kite", payload))

	loaded, err := repo.GetConnectorSession(ctx, "kite")
	require.NoError(t, err)
	token := loaded["token"].(map[string]interface{})
	assert.Equal(t, "tok-0123456789", token["access_token"])

	// upsert replaces
	payload["connected_at"] = "2026-08-24T11:00:00Z"
	require.NoError(t, repo.UpsertConnectorSession(ctx, "kite", payload))
	loaded, err = repo.GetConnectorSession(ctx, "kite")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24T11:00:00Z", loaded["connected_at"])
}

func TestConnectorSessionEncrypted(t *testing.T) {
	repo, db := setupRepo(t, testCipher(t))
	ctx := context.Background()

	payload := map[string]interface{}{
		"token": map[string]interface{}{"access_token": "super-secret-token"},
	}
	require.NoError(t, repo.UpsertConnectorSession(ctx, "kite", payload))

	var stored string
	require.NoError(t, db.QueryRow(
		`SELECT payload_json FROM connector_sessions WHERE connector = 'kite'`).Scan(&stored))
	assert.True(t, strings.HasPrefix(stored, "enc:v1:"))
	assert.NotContains(t, stored, "super-secret-token")

	loaded, err := repo.GetConnectorSession(ctx, "kite")
	require.NoError(t, err)
	token := loaded["token"].(map[string]interface{})
	assert.Equal(t, "super-secret-token", token["access_token"])
}

func TestCandleCache(t *testing.T) {
	repo, _ := setupRepo(t, nil)
	ctx := context.Background()

	miss, err := repo.GetCandleCache(ctx, "no-such-key")
	require.NoError(t, err)
	assert.Nil(t, miss)

	err = repo.UpsertCandleCache(ctx, &CandleCacheEntry{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache_key is required")

	rows := []map[string]interface{}{
		{"timestamp": "2024-01-03T09:15:00+05:30", "open": 100.0, "high": 101.5,
			"low": 99.5, "close": 101.0, "volume": 5000.0, "oi": nil},
		{"timestamp": "2024-01-04T09:15:00+05:30", "open": 101.0, "high": 102.0,
			"low": 100.0, "close": 101.5, "volume": 6000.0, "oi": nil},
	}
	entry := &CandleCacheEntry{
		CacheKey:        "key-1",
		Symbol:          "AAA",
		InstrumentToken: "12345",
		Interval:        "day",
		FromTS:          "2024-01-03",
		ToTS:            "2024-01-04",
		RowCount:        len(rows),
		DatasetHash:     "hash-1",
		Rows:            rows,
	}
	require.NoError(t, repo.UpsertCandleCache(ctx, entry))

	loaded, err := repo.GetCandleCache(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "AAA", loaded.Symbol)
	assert.Equal(t, 2, loaded.RowCount)
	assert.Equal(t, "hash-1", loaded.DatasetHash)
	require.Len(t, loaded.Rows, 2)
	assert.Equal(t, "2024-01-03T09:15:00+05:30", loaded.Rows[0]["timestamp"])
	assert.InDelta(t, 101.0, loaded.Rows[0]["close"], 1e-9)

	// upsert replaces on the same key
	entry.RowCount = 3
	entry.DatasetHash = "hash-2"
	require.NoError(t, repo.UpsertCandleCache(ctx, entry))
	loaded, err = repo.GetCandleCache(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.RowCount)
	assert.Equal(t, "hash-2", loaded.DatasetHash)
}
