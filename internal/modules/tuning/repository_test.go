package tuning

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

func samplePayload() map[string]interface{} {
	return map[string]interface{}{
		"tuning_run_id":       "tr-1",
		"optimization_target": "sharpe",
		"evaluated_candidates": []interface{}{
			map[string]interface{}{
				"run_id":  "bt-1",
				"params":  map[string]interface{}{"short_window": 3.0},
				"metrics": map[string]interface{}{"sharpe": 1.2},
				"score":   1.2,
			},
			map[string]interface{}{
				"run_id":  "bt-2",
				"params":  map[string]interface{}{"short_window": 5.0},
				"metrics": map[string]interface{}{"sharpe": 0.8},
				"score":   0.8,
			},
		},
		"tuning_plan": map[string]interface{}{
			"layers": []interface{}{
				map[string]interface{}{
					"layer":   "signal",
					"enabled": true,
					"reason":  "active_with_variable_parameters",
				},
				map[string]interface{}{
					"layer":   "execution",
					"enabled": false,
					"reason":  "disabled_by_layer_policy",
				},
			},
		},
	}
}

func TestSaveTuningRunDecomposesChildren(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	runID, err := repo.SaveTuningRun(ctx, "breakout", samplePayload())
	require.NoError(t, err)
	assert.Equal(t, "tr-1", runID)

	stored, err := repo.GetTuningRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "breakout", stored.StrategyName)
	assert.Equal(t, "sharpe", stored.Payload["optimization_target"])

	trials, err := repo.ListTrials(ctx, runID)
	require.NoError(t, err)
	require.Len(t, trials, 2)
	assert.Equal(t, "bt-1", trials[0].BacktestRunID)
	assert.InDelta(t, 1.2, trials[0].Score, 1e-9)
	assert.EqualValues(t, 3.0, trials[0].Params["short_window"])

	decisions, err := repo.ListLayerDecisions(ctx, runID)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "signal", decisions[0].LayerName)
	assert.True(t, decisions[0].Enabled)
	assert.False(t, decisions[1].Enabled)
	assert.Equal(t, "disabled_by_layer_policy", decisions[1].Reason)
}

func TestSaveTuningRunChildValidation(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	payload := samplePayload()
	payload["evaluated_candidates"].([]interface{})[0].(map[string]interface{})["run_id"] = " "
	_, err := repo.SaveTuningRun(ctx, "breakout", payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tuning payload evaluated candidate missing run_id")

	payload = samplePayload()
	payload["evaluated_candidates"].([]interface{})[0].(map[string]interface{})["score"] = "high"
	_, err = repo.SaveTuningRun(ctx, "breakout", payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tuning payload evaluated candidate score must be numeric: high")

	payload = samplePayload()
	payload["tuning_plan"].(map[string]interface{})["layers"].([]interface{})[0].(map[string]interface{})["reason"] = ""
	_, err = repo.SaveTuningRun(ctx, "breakout", payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tuning payload layer decision missing reason for layer=signal")

	// a failed child row rolls back the run insert too
	_, err = repo.GetTuningRun(ctx, "tr-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tuning_run not found: tr-1")

	_, err = repo.SaveTuningRun(ctx, "  ", samplePayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy_name is required")
}

func TestUpdateTuningRunDeepMerge(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	payload := map[string]interface{}{
		"tuning_run_id": "tr-2",
		"status":        "running",
		"result":        map[string]interface{}{"stage": "layer_0", "progress": 0.1},
	}
	runID, err := repo.SaveTuningRun(ctx, "breakout", payload)
	require.NoError(t, err)

	err = repo.UpdateTuningRun(ctx, runID, map[string]interface{}{
		"status": "completed",
		"result": map[string]interface{}{"stage": "done"},
	})
	require.NoError(t, err)

	stored, err := repo.GetTuningRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "completed", stored.Payload["status"])
	result := stored.Payload["result"].(map[string]interface{})
	assert.Equal(t, "done", result["stage"])
	// untouched sibling keys survive the merge
	assert.InDelta(t, 0.1, result["progress"].(float64), 1e-9)

	err = repo.UpdateTuningRun(ctx, "missing", map[string]interface{}{"status": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tuning_run not found: missing")
}

func TestAppendTrialAndLayerDecision(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	runID, err := repo.SaveTuningRun(ctx, "breakout", map[string]interface{}{"tuning_run_id": "tr-3"})
	require.NoError(t, err)

	err = repo.AppendTrial(ctx, runID, "bt-9",
		map[string]interface{}{"short_window": 4.0},
		map[string]interface{}{"sharpe": 0.5}, 0.5)
	require.NoError(t, err)
	err = repo.AppendLayerDecision(ctx, runID, "layer_0", true,
		"evaluated 3 candidates, retained top 1", map[string]interface{}{"candidate_count": 3})
	require.NoError(t, err)

	trials, err := repo.ListTrials(ctx, runID)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, "bt-9", trials[0].BacktestRunID)

	decisions, err := repo.ListLayerDecisions(ctx, runID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "evaluated 3 candidates, retained top 1", decisions[0].Reason)

	_, err = repo.ListTrials(ctx, "  ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tuning_run_id is required")
}

func TestListRunsFiltersByStrategy(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	_, err := repo.SaveTuningRun(ctx, "momentum", map[string]interface{}{"status": "completed"})
	require.NoError(t, err)
	_, err = repo.SaveTuningRun(ctx, "momentum", map[string]interface{}{"status": "failed"})
	require.NoError(t, err)
	_, err = repo.SaveTuningRun(ctx, "meanrev", map[string]interface{}{"status": "completed"})
	require.NoError(t, err)

	all, err := repo.ListRuns(ctx, "", 100)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	momentum, err := repo.ListRuns(ctx, "momentum", 100)
	require.NoError(t, err)
	require.Len(t, momentum, 2)
	for _, run := range momentum {
		assert.Equal(t, "momentum", run.StrategyName)
	}

	limited, err := repo.ListRuns(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = repo.ListRuns(ctx, "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit must be positive")
}
