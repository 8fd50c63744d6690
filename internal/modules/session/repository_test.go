package session

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo, err := NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	return repo
}

func TestAppendToolDeltaValidation(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	_, err := repo.AppendToolDelta(ctx, "", "run_backtest", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_id is required")

	_, err = repo.AppendToolDelta(ctx, "sess-1", "", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool_name is required")
}

func TestAppendAndListToolDeltas(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	first, err := repo.AppendToolDelta(ctx, "sess-1", "run_backtest",
		map[string]interface{}{"strategy": "breakout"},
		map[string]interface{}{"run_id": "run-1", "sharpe": 1.4})
	require.NoError(t, err)
	second, err := repo.AppendToolDelta(ctx, "sess-1", "screen_universe",
		map[string]interface{}{"formula": "close > 100"},
		map[string]interface{}{"count": 7})
	require.NoError(t, err)
	_, err = repo.AppendToolDelta(ctx, "sess-2", "run_backtest", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	deltas, err := repo.ListToolDeltas(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, second, deltas[0].ID)
	assert.Equal(t, "screen_universe", deltas[0].ToolName)
	assert.Equal(t, "close > 100", deltas[0].Input["formula"])
	assert.EqualValues(t, 7, deltas[0].Output["count"])
	assert.Equal(t, first, deltas[1].ID)
	assert.Equal(t, "run-1", deltas[1].Output["run_id"])
	assert.InDelta(t, 1.4, deltas[1].Output["sharpe"], 1e-9)
	assert.NotEmpty(t, deltas[0].CreatedAt)

	// nil payloads come back as empty maps, not nil
	other, err := repo.ListToolDeltas(ctx, "sess-2", 10)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.NotNil(t, other[0].Input)
	assert.Empty(t, other[0].Input)

	deltas, err = repo.ListToolDeltas(ctx, "sess-1", 1)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, second, deltas[0].ID)

	_, err = repo.ListToolDeltas(ctx, "sess-1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit must be positive")
}

func TestToolDeltaRedaction(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	_, err := repo.AppendToolDelta(ctx, "sess-1", "connect_broker",
		map[string]interface{}{"api_key": "kite-secret-token-123", "exchange": "NSE"},
		map[string]interface{}{"access_token": "tok-0123456789", "status": "connected"})
	require.NoError(t, err)

	deltas, err := repo.ListToolDeltas(ctx, "sess-1", 1)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, "kite...-123", deltas[0].Input["api_key"])
	assert.Equal(t, "NSE", deltas[0].Input["exchange"])
	assert.Equal(t, "tok-...6789", deltas[0].Output["access_token"])
	assert.Equal(t, "connected", deltas[0].Output["status"])
}

func TestSnapshotLifecycle(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	_, err := repo.SaveSnapshot(ctx, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_id is required")

	firstID, err := repo.SaveSnapshot(ctx, "sess-1", map[string]interface{}{
		"cash": 1000,
		"mode": "paper",
	})
	require.NoError(t, err)
	secondID, err := repo.SaveSnapshot(ctx, "sess-1", map[string]interface{}{
		"cash":     750.5,
		"mode":     "paper",
		"universe": []interface{}{"AAA", "BBB"},
		"positions": map[string]interface{}{
			"AAA": 10,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, firstID+1, secondID)

	latest, err := repo.LatestSnapshot(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, secondID, latest.ID)
	assert.Equal(t, "sess-1", latest.SessionID)
	assert.InDelta(t, 750.5, latest.State["cash"], 1e-9)
	assert.Equal(t, []interface{}{"AAA", "BBB"}, latest.State["universe"])
	positions := latest.State["positions"].(map[string]interface{})
	assert.EqualValues(t, 10, positions["AAA"])

	snapshots, err := repo.ListSnapshots(ctx, "sess-1", 5)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, secondID, snapshots[0].ID)
	assert.Equal(t, firstID, snapshots[1].ID)
	assert.EqualValues(t, 1000, snapshots[1].State["cash"])

	_, err = repo.ListSnapshots(ctx, "sess-1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit must be positive")

	_, err = repo.LatestSnapshot(ctx, "sess-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session snapshot not found for session_id=sess-missing")
}
