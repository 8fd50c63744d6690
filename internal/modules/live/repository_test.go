package live

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

func TestUpsertAndGetState(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	err := repo.UpsertState(ctx, "v-1", "breakout", "running", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status must be one of: active, paused, stopped")

	err = repo.UpsertState(ctx, "v-1", "breakout", "active", map[string]interface{}{
		"last_snapshot_size": 3,
	})
	require.NoError(t, err)

	state, err := repo.GetState(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, "breakout", state.StrategyName)
	assert.Equal(t, "active", state.Status)
	assert.EqualValues(t, 3, state.Payload["last_snapshot_size"])

	// second upsert replaces status and payload in place
	err = repo.UpsertState(ctx, "v-1", "breakout", "paused", map[string]interface{}{
		"paused_at": "2026-08-24T00:00:00Z",
	})
	require.NoError(t, err)
	state, err = repo.GetState(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, "paused", state.Status)
	assert.Equal(t, "2026-08-24T00:00:00Z", state.Payload["paused_at"])

	_, err = repo.GetState(ctx, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live_state not found for strategy_version_id=missing")
}

func TestListStates(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertState(ctx, "v-1", "a", "active", map[string]interface{}{}))
	require.NoError(t, repo.UpsertState(ctx, "v-2", "b", "stopped", map[string]interface{}{}))
	require.NoError(t, repo.UpsertState(ctx, "v-3", "c", "active", map[string]interface{}{}))

	states, err := repo.ListStates(ctx, "", 100)
	require.NoError(t, err)
	assert.Len(t, states, 3)

	active, err := repo.ListStates(ctx, "active", 100)
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, state := range active {
		assert.Equal(t, "active", state.Status)
	}

	limited, err := repo.ListStates(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = repo.ListStates(ctx, "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit must be positive")
}

func TestAppendAndListInsights(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for i, symbol := range []string{"AAA", "BBB", "CCC"} {
		versionID := "v-1"
		if symbol == "CCC" {
			versionID = "v-2"
		}
		err := repo.AppendInsight(ctx, versionID, "buy", symbol, "signal_buy", float64(i)/10.0,
			map[string]interface{}{"symbol": symbol})
		require.NoError(t, err)
	}

	// newest first
	insights, err := repo.ListInsights(ctx, "", 100)
	require.NoError(t, err)
	require.Len(t, insights, 3)
	assert.Equal(t, "CCC", insights[0].Symbol)
	assert.Equal(t, "AAA", insights[2].Symbol)
	assert.Equal(t, "AAA", insights[2].Payload["symbol"])

	scoped, err := repo.ListInsights(ctx, "v-1", 100)
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	assert.Equal(t, "BBB", scoped[0].Symbol)

	limited, err := repo.ListInsights(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = repo.ListInsights(ctx, "", -1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit must be positive")
}
