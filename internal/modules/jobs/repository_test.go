package jobs

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

func TestCreateAndGet(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	jobID, err := repo.Create(ctx, "tuning.run", map[string]interface{}{"strategy_name": "breakout"})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := repo.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "tuning.run", job.JobType)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, "breakout", job.Payload["strategy_name"])
	assert.Nil(t, job.Result)
	assert.Empty(t, job.ErrorText)

	_, err = repo.Get(ctx, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found: missing")
}

func TestUpdateStatusLifecycle(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	jobID, err := repo.Create(ctx, "tuning.run", map[string]interface{}{})
	require.NoError(t, err)

	require.NoError(t, repo.UpdateStatus(ctx, jobID, StatusRunning, nil, "", ""))
	job, err := repo.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)

	require.NoError(t, repo.UpdateStatus(ctx, jobID, StatusCompleted,
		map[string]interface{}{"best_score": 1.5}, "", ""))
	job, err = repo.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.InDelta(t, 1.5, job.Result["best_score"].(float64), 1e-9)

	// terminal states win: a late failure report cannot flip the job back
	require.NoError(t, repo.UpdateStatus(ctx, jobID, StatusFailed, nil, "too late", ""))
	job, err = repo.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Empty(t, job.ErrorText)

	err = repo.UpdateStatus(ctx, "missing", StatusRunning, nil, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found: missing")
}

func TestUpdateStatusFailureFields(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	jobID, err := repo.Create(ctx, "backtest.run", map[string]interface{}{})
	require.NoError(t, err)
	require.NoError(t, repo.UpdateStatus(ctx, jobID, StatusFailed, nil,
		"sandbox timeout exceeded after 5s", "sync_fallback"))

	job, err := repo.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "sandbox timeout exceeded after 5s", job.ErrorText)
	assert.Equal(t, "sync_fallback", job.FallbackReason)
}

func TestListEventsAfter(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	jobID, err := repo.Create(ctx, "tuning.run", map[string]interface{}{})
	require.NoError(t, err)

	for _, eventType := range []string{"job.queued", "job.started", "job.completed"} {
		require.NoError(t, repo.AppendEvent(ctx, jobID, eventType, map[string]interface{}{"status": eventType}))
	}

	all, err := repo.ListEventsAfter(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// ids are strictly increasing so they can serve as the stream cursor
	assert.True(t, all[0].ID < all[1].ID && all[1].ID < all[2].ID)
	assert.Equal(t, "job.queued", all[0].EventType)

	tail, err := repo.ListEventsAfter(ctx, all[1].ID)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "job.completed", tail[0].EventType)

	empty, err := repo.ListEventsAfter(ctx, all[2].ID)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
