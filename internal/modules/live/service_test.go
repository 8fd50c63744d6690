package live

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/finagent/internal/config"
	"github.com/aristath/finagent/internal/modules/audit"
	"github.com/aristath/finagent/internal/modules/backtest"
	"github.com/aristath/finagent/internal/modules/marketdata"
	"github.com/aristath/finagent/internal/modules/sandbox"
	"github.com/aristath/finagent/internal/modules/strategy"
)

type fixture struct {
	svc        *Service
	market     *marketdata.Repository
	strategies *strategy.Repository
	runs       *backtest.Repository
	repo       *Repository
	audit      *audit.Repository
}

func setup(t *testing.T, workerScript string) *fixture {
	t.Helper()
	analyticsDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { analyticsDB.Close() })
	stateDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { stateDB.Close() })

	market, err := marketdata.NewRepository(analyticsDB, zerolog.Nop())
	require.NoError(t, err)
	strategies, err := strategy.NewRepository(stateDB, zerolog.Nop())
	require.NoError(t, err)
	runs, err := backtest.NewRepository(stateDB, zerolog.Nop())
	require.NoError(t, err)
	repo, err := NewRepository(stateDB, zerolog.Nop())
	require.NoError(t, err)
	auditRepo, err := audit.NewRepository(stateDB, zerolog.Nop())
	require.NoError(t, err)

	root := t.TempDir()
	paths := config.RuntimePaths{
		Root:         root,
		ArtifactsDir: filepath.Join(root, "artifacts"),
		LogsDir:      filepath.Join(root, "logs"),
	}

	workerBin := "unused"
	if workerScript != "" {
		workerBin = filepath.Join(t.TempDir(), "worker.sh")
		require.NoError(t, os.WriteFile(workerBin, []byte("#!/bin/sh\n"+workerScript), 0o755))
	}
	runner := sandbox.NewRunner(paths, workerBin, zerolog.Nop())

	svc := NewService(market, strategies, runs, runner, repo, auditRepo, paths, zerolog.Nop())
	return &fixture{svc: svc, market: market, strategies: strategies, runs: runs, repo: repo, audit: auditRepo}
}

func seed(t *testing.T, market *marketdata.Repository, symbol string, days []string, closes []float64) {
	t.Helper()
	rows := make([]marketdata.OHLCVRow, len(days))
	for i := range days {
		rows[i] = marketdata.OHLCVRow{
			Timestamp: days[i], PublishedAt: days[i], Symbol: symbol,
			Open: closes[i], High: closes[i], Low: closes[i], Close: closes[i], Volume: 100,
			SourceFile: "seed.csv", DatasetHash: "hash",
		}
	}
	_, err := market.InsertOHLCVRows(rows)
	require.NoError(t, err)
}

const snapshotWorker = `echo '{"signals":[` +
	`{"symbol":"AAA","signal":"buy","strength":0.9},` +
	`{"symbol":"BBB","signal":"sell","strength":0.2,"reason_code":"momentum_flip"}` +
	`]}' > "$FIN_AGENT_ARTIFACT_DIR/result.json"`

func seedUniverse(t *testing.T, f *fixture) {
	days := []string{"2024-01-03", "2024-01-04", "2024-01-05"}
	seed(t, f.market, "AAA", days, []float64{10, 11, 12})
	seed(t, f.market, "BBB", days, []float64{20, 19, 18})
	seed(t, f.market, "CCC", days, []float64{30, 30, 30})
}

// saveRuntimeVersion stores a validated code version plus the backtest run
// that pins its universe and end date.
func saveRuntimeVersion(t *testing.T, f *fixture, payload map[string]interface{}) string {
	t.Helper()
	ref, err := f.strategies.SaveCodeVersion(context.Background(), "breakout",
		"package strategy\n", &strategy.Validation{Valid: true})
	require.NoError(t, err)
	if payload != nil {
		_, err = f.runs.SaveRun(context.Background(), ref.VersionID, "manifest-1",
			map[string]interface{}{"sharpe": 1.0}, map[string]interface{}{}, payload)
		require.NoError(t, err)
	}
	return ref.VersionID
}

func runtimePayload() map[string]interface{} {
	return map[string]interface{}{
		"universe": []interface{}{"AAA", "BBB", "CCC"},
		"end_date": "2024-01-05",
	}
}

func TestBuildSnapshot(t *testing.T) {
	f := setup(t, snapshotWorker)
	seedUniverse(t, f)

	snapshot, err := f.svc.BuildSnapshot(context.Background(), &SnapshotRequest{
		SourceCode: "package strategy\n",
		Universe:   []string{"AAA", "BBB", "CCC"},
		EndDate:    "2024-01-05",
	})
	require.NoError(t, err)
	require.Len(t, snapshot, 3)

	aaa := snapshot[0]
	assert.Equal(t, "AAA", aaa["symbol"])
	assert.Equal(t, "2024-01-05", aaa["date"])
	assert.InDelta(t, 12.0, aaa["close"].(float64), 1e-9)
	assert.Equal(t, "buy", aaa["action"])
	assert.Equal(t, "signal_buy", aaa["reason_code"])
	assert.InDelta(t, 0.9, aaa["signal_strength"].(float64), 1e-9)
	assert.InDelta(t, -0.4, aaa["distance_to_boundary"].(float64), 1e-9)
	assert.InDelta(t, 0.4, aaa["score"].(float64), 1e-9)
	assert.Equal(t, "distance_to_signal_decision_boundary", aaa["similarity_basis"])

	bbb := snapshot[1]
	assert.Equal(t, "sell", bbb["action"])
	assert.Equal(t, "momentum_flip", bbb["reason_code"])
	assert.InDelta(t, 0.3, bbb["distance_to_boundary"].(float64), 1e-9)

	// no signal row: neutral watch sitting on the boundary
	ccc := snapshot[2]
	assert.Equal(t, "watch", ccc["action"])
	assert.Equal(t, "signal_watch", ccc["reason_code"])
	assert.InDelta(t, 0.5, ccc["signal_strength"].(float64), 1e-9)
	assert.InDelta(t, 0.0, ccc["abs_distance_to_boundary"].(float64), 1e-9)
}

func TestBuildSnapshotValidation(t *testing.T) {
	f := setup(t, snapshotWorker)

	_, err := f.svc.BuildSnapshot(context.Background(), &SnapshotRequest{EndDate: "2024-01-05"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "universe must not be empty for live snapshot")

	_, err = f.svc.BuildSnapshot(context.Background(), &SnapshotRequest{
		SourceCode: "package strategy\n",
		Universe:   []string{"ZZZ"},
		EndDate:    "2024-01-05",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no OHLCV rows available for live snapshot")
}

func TestBuildSnapshotRejectsNonListSignals(t *testing.T) {
	f := setup(t, `echo '{"signals":"nope"}' > "$FIN_AGENT_ARTIFACT_DIR/result.json"`)
	seedUniverse(t, f)

	_, err := f.svc.BuildSnapshot(context.Background(), &SnapshotRequest{
		SourceCode: "package strategy\n",
		Universe:   []string{"AAA"},
		EndDate:    "2024-01-05",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy generate_signals must return list for live snapshot")
}

func TestBoundaryCandidates(t *testing.T) {
	snapshot := []map[string]interface{}{
		{"symbol": "AAA", "abs_distance_to_boundary": 0.4},
		{"symbol": "CCC", "abs_distance_to_boundary": 0.1},
		{"symbol": "BBB", "abs_distance_to_boundary": 0.1},
	}

	candidates, err := BoundaryCandidates(snapshot, 2)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	// nearest first, ties broken by symbol
	assert.Equal(t, "BBB", candidates[0]["symbol"])
	assert.Equal(t, "CCC", candidates[1]["symbol"])

	all, err := BoundaryCandidates(snapshot, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = BoundaryCandidates(snapshot, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "top_k must be positive")
}

func TestWriteBoundaryChart(t *testing.T) {
	f := setup(t, "")
	path, err := f.svc.WriteBoundaryChart("v-1", []map[string]interface{}{
		{"symbol": "AAA", "distance_to_boundary": -0.4},
		{"symbol": "BBB", "distance_to_boundary": 0.3},
	})
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Contains(t, filepath.Base(path), "boundary-v-1-")
	assert.True(t, strings.HasSuffix(path, ".svg"))
}

func TestResolveRuntime(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()

	ref, err := f.strategies.SaveCodeVersion(ctx, "broken", "package strategy\n", &strategy.Validation{Valid: false})
	require.NoError(t, err)
	_, err = f.svc.ResolveRuntime(ctx, ref.VersionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code strategy version is not valid for runtime")

	versionID := saveRuntimeVersion(t, f, nil)
	_, err = f.svc.ResolveRuntime(ctx, versionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backtest run found for strategy_version_id="+versionID)

	versionID = saveRuntimeVersion(t, f, map[string]interface{}{"end_date": "2024-01-05"})
	_, err = f.svc.ResolveRuntime(ctx, versionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backtest payload missing universe")

	versionID = saveRuntimeVersion(t, f, map[string]interface{}{"universe": []interface{}{"AAA"}})
	_, err = f.svc.ResolveRuntime(ctx, versionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backtest payload missing end_date")

	versionID = saveRuntimeVersion(t, f, runtimePayload())
	runtime, err := f.svc.ResolveRuntime(ctx, versionID)
	require.NoError(t, err)
	assert.Equal(t, versionID, runtime.StrategyVersionID)
	assert.Equal(t, "breakout", runtime.StrategyName)
	assert.Equal(t, []string{"AAA", "BBB", "CCC"}, runtime.Universe)
	assert.Equal(t, "2024-01-05", runtime.EndDate)
	assert.NotEmpty(t, runtime.LatestRunID)
}

func TestActivateLifecycle(t *testing.T) {
	f := setup(t, snapshotWorker)
	ctx := context.Background()
	seedUniverse(t, f)
	versionID := saveRuntimeVersion(t, f, runtimePayload())

	response, err := f.svc.Activate(ctx, versionID)
	require.NoError(t, err)
	assert.Equal(t, versionID, response["strategy_version_id"])
	assert.Equal(t, "active", response["status"])
	assert.Equal(t, 3, response["insight_count"])

	insights, err := f.repo.ListInsights(ctx, versionID, 100)
	require.NoError(t, err)
	require.Len(t, insights, 3)
	assert.Equal(t, "CCC", insights[0].Symbol)
	assert.Equal(t, "buy", insights[2].Action)

	state, err := f.repo.GetState(ctx, versionID)
	require.NoError(t, err)
	assert.Equal(t, "active", state.Status)
	assert.EqualValues(t, 3, state.Payload["last_snapshot_size"])
	assert.EqualValues(t, 3, state.Payload["universe_size"])
	assert.NotEmpty(t, state.Payload["latest_backtest_run_id"])

	events, err := f.audit.List(ctx, "live.activate")
	require.NoError(t, err)
	require.Len(t, events, 1)

	paused, err := f.svc.Pause(ctx, versionID)
	require.NoError(t, err)
	assert.Equal(t, "paused", paused["status"])
	state, err = f.repo.GetState(ctx, versionID)
	require.NoError(t, err)
	assert.Equal(t, "paused", state.Status)
	assert.NotEmpty(t, state.Payload["paused_at"])
	// lifecycle stamps accumulate on top of the activation payload
	assert.EqualValues(t, 3, state.Payload["last_snapshot_size"])

	stopped, err := f.svc.Stop(ctx, versionID)
	require.NoError(t, err)
	assert.Equal(t, "stopped", stopped["status"])

	_, err = f.svc.Pause(ctx, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live_state not found for strategy_version_id=missing")
}

func TestRefreshActive(t *testing.T) {
	f := setup(t, snapshotWorker)
	ctx := context.Background()
	seedUniverse(t, f)
	versionID := saveRuntimeVersion(t, f, runtimePayload())

	_, err := f.svc.Activate(ctx, versionID)
	require.NoError(t, err)
	// a stopped strategy must not refresh
	require.NoError(t, f.repo.UpsertState(ctx, "v-other", "old", "stopped", map[string]interface{}{}))

	refreshed, err := f.svc.RefreshActive(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed)

	// activation wrote 3 rows, the refresh another 3
	insights, err := f.repo.ListInsights(ctx, versionID, 100)
	require.NoError(t, err)
	assert.Len(t, insights, 6)

	state, err := f.repo.GetState(ctx, versionID)
	require.NoError(t, err)
	assert.Equal(t, "active", state.Status)
	assert.NotEmpty(t, state.Payload["last_refreshed_at"])
}

func TestCandidatesForVersion(t *testing.T) {
	f := setup(t, snapshotWorker)
	ctx := context.Background()
	seedUniverse(t, f)
	versionID := saveRuntimeVersion(t, f, runtimePayload())

	response, err := f.svc.CandidatesForVersion(ctx, versionID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, response["count"])
	assert.Equal(t, "distance_to_signal_decision_boundary", response["similarity_method"])
	candidates := response["candidates"].([]map[string]interface{})
	require.Len(t, candidates, 2)
	// CCC has no signal so it sits exactly on the boundary
	assert.Equal(t, "CCC", candidates[0]["symbol"])
	assert.Equal(t, "BBB", candidates[1]["symbol"])
}

func TestVisualizeBoundary(t *testing.T) {
	f := setup(t, snapshotWorker)
	ctx := context.Background()
	seedUniverse(t, f)
	versionID := saveRuntimeVersion(t, f, runtimePayload())

	response, err := f.svc.VisualizeBoundary(ctx, versionID, 3)
	require.NoError(t, err)
	chartPath := response["boundary_chart_path"].(string)
	assert.FileExists(t, chartPath)
	assert.Equal(t, "distance_to_signal_decision_boundary", response["similarity_method"])
}
