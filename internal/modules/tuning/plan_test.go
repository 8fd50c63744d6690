package tuning

import (
	"context"
	"database/sql"
	"path/filepath"
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
	"github.com/aristath/finagent/internal/modules/worldstate"
)

func baseSpec() *backtest.Spec {
	return &backtest.Spec{
		StrategyID:     "strat-1",
		StrategyName:   "crossover-base",
		Universe:       []string{"AAA"},
		StartDate:      "2024-01-01",
		EndDate:        "2024-01-05",
		InitialCapital: 1000,
		SignalType:     "sma_crossover",
		ShortWindow:    5,
		LongWindow:     20,
		MaxPositions:   3,
		CostBPS:        5,
	}
}

func TestDeriveSearchSpace(t *testing.T) {
	space, err := DeriveSearchSpace(baseSpec(), "balanced")
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 5, 7}, space["short_window"])
	assert.Equal(t, []float64{16, 20, 24}, space["long_window"])
	assert.Equal(t, []float64{2, 3, 4}, space["max_positions"])
	assert.Equal(t, []float64{3, 5, 7}, space["cost_bps"])

	// safe mode keeps positions fixed and floors the windows
	narrow := baseSpec()
	narrow.ShortWindow = 1
	narrow.LongWindow = 2
	space, err = DeriveSearchSpace(narrow, "safe")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, space["short_window"])
	assert.Equal(t, []float64{2, 4}, space["long_window"])
	assert.Equal(t, []float64{3}, space["max_positions"])

	_, err = DeriveSearchSpace(baseSpec(), "yolo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported risk_mode=yolo")
}

func TestDeriveTuningPlan(t *testing.T) {
	plan, err := DeriveTuningPlan(baseSpec(), "balanced", "sharpe", PlanRequest{})
	require.NoError(t, err)
	assert.Equal(t, "agent_decides", plan["policy_mode"])
	assert.Equal(t, []string{"signal", "portfolio", "execution"}, plan["active_layers"])
	assert.Equal(t, 81, plan["estimated_trials"])

	layers := plan["layers"].([]map[string]interface{})
	require.Len(t, layers, 3)
	assert.Equal(t, "active_with_variable_parameters", layers[0]["reason"])

	graph := plan["graph"].(map[string]interface{})
	nodes := graph["nodes"].([]map[string]interface{})
	// objective + 3 layers + 4 parameters
	assert.Len(t, nodes, 8)
}

func TestDeriveTuningPlanLayerPolicy(t *testing.T) {
	plan, err := DeriveTuningPlan(baseSpec(), "balanced", "sharpe", PlanRequest{
		PolicyMode:    "user_selected",
		IncludeLayers: []string{"signal"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"signal"}, plan["active_layers"])
	// portfolio and execution frozen to the base strategy values
	assert.Equal(t, 9, plan["estimated_trials"])

	layers := plan["layers"].([]map[string]interface{})
	assert.Equal(t, "disabled_by_layer_policy", layers[1]["reason"])

	_, err = DeriveTuningPlan(baseSpec(), "balanced", "sharpe", PlanRequest{PolicyMode: "user_selected"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy_mode=user_selected requires non-empty include_layers")

	_, err = DeriveTuningPlan(baseSpec(), "balanced", "sharpe", PlanRequest{IncludeLayers: []string{"weather"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported include_layers=[weather]")
}

func TestDeriveTuningPlanFreezeAndOverrides(t *testing.T) {
	plan, err := DeriveTuningPlan(baseSpec(), "balanced", "cagr", PlanRequest{
		FreezeParams:         map[string]float64{"cost_bps": 5},
		SearchSpaceOverrides: map[string][]float64{"short_window": {4, 6}},
	})
	require.NoError(t, err)
	space := plan["search_space"].(map[string][]float64)
	assert.Equal(t, []float64{4, 6}, space["short_window"])
	assert.Equal(t, []float64{5}, space["cost_bps"])

	reasoning := plan["reasoning"].([]string)
	assert.Contains(t, reasoning, "applied_search_space_overrides=[short_window]")
	assert.Contains(t, reasoning, "applied_freeze_params=[cost_bps]")

	_, err = DeriveTuningPlan(baseSpec(), "balanced", "cagr", PlanRequest{
		FreezeParams: map[string]float64{"leverage": 2},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "freeze_params has unsupported keys=[leverage]")

	_, err = DeriveTuningPlan(baseSpec(), "balanced", "cagr", PlanRequest{
		FreezeParams: map[string]float64{"cost_bps": -1},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "freeze_params.cost_bps cannot be negative")
}

func TestDeriveTuningPlanNoValidWindows(t *testing.T) {
	_, err := DeriveTuningPlan(baseSpec(), "balanced", "sharpe", PlanRequest{
		FreezeParams: map[string]float64{"short_window": 30, "long_window": 24},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tuning plan has no valid signal window combinations")
}

type classicFixture struct {
	svc    *Service
	market *marketdata.Repository
	repo   *Repository
	audit  *audit.Repository
}

func setupClassic(t *testing.T) *classicFixture {
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
	worldRepo, err := worldstate.NewRepository(stateDB, zerolog.Nop())
	require.NoError(t, err)
	world := worldstate.NewService(market, worldRepo, zerolog.Nop())
	runs, err := backtest.NewRepository(stateDB, zerolog.Nop())
	require.NoError(t, err)
	auditRepo, err := audit.NewRepository(stateDB, zerolog.Nop())
	require.NoError(t, err)
	tuningRepo, err := NewRepository(stateDB, zerolog.Nop())
	require.NoError(t, err)

	root := t.TempDir()
	paths := config.RuntimePaths{
		Root:         root,
		ArtifactsDir: filepath.Join(root, "artifacts"),
		LogsDir:      filepath.Join(root, "logs"),
	}
	runner := sandbox.NewRunner(paths, "unused", zerolog.Nop())
	backtests := backtest.NewService(market, strategies, world, runner, runs, auditRepo, paths, zerolog.Nop())

	svc := NewService(backtests, world, tuningRepo, auditRepo, zerolog.Nop())
	return &classicFixture{svc: svc, market: market, repo: tuningRepo, audit: auditRepo}
}

func seedBars(t *testing.T, market *marketdata.Repository, closes []float64) {
	t.Helper()
	days := []string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"}
	rows := make([]marketdata.OHLCVRow, len(closes))
	for i := range closes {
		rows[i] = marketdata.OHLCVRow{
			Timestamp: days[i], PublishedAt: days[i], Symbol: "AAA",
			Open: closes[i], High: closes[i], Low: closes[i], Close: closes[i], Volume: 100,
			SourceFile: "seed.csv", DatasetHash: "hash",
		}
	}
	_, err := market.InsertOHLCVRows(rows)
	require.NoError(t, err)
}

func TestRunTuning(t *testing.T) {
	f := setupClassic(t)
	ctx := context.Background()
	seedBars(t, f.market, []float64{10, 10, 12, 12, 8})

	base := baseSpec()
	base.ShortWindow = 1
	base.LongWindow = 2
	base.MaxPositions = 1
	base.CostBPS = 0

	searchSpace := map[string][]float64{
		"short_window":  {1, 5},
		"long_window":   {2},
		"max_positions": {1},
		"cost_bps":      {0},
	}
	payload, err := f.svc.RunTuning(ctx, "crossover-base", base, searchSpace, "sharpe", Constraints{}, 10, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, payload["attempted_trials"])
	assert.Equal(t, 1, payload["completed_trials"])
	assert.Equal(t, 2, payload["trial_space_size"])

	rejected := payload["rejected_candidates"].([]map[string]interface{})
	require.Len(t, rejected, 1)
	assert.Equal(t, "invalid_windows_short_must_be_less_than_long", rejected[0]["reason"])

	best := payload["best_candidate"].(map[string]interface{})
	assert.Equal(t, 1.0, best["params"].(map[string]float64)["short_window"])

	sensitivity := payload["sensitivity_analysis"].(map[string]interface{})
	shortSensitivity := sensitivity["short_window"].(map[string]interface{})
	assert.Equal(t, "insufficient_local_samples", shortSensitivity["status"])

	runID := payload["tuning_run_id"].(string)
	stored, err := f.repo.GetTuningRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "crossover-base", stored.StrategyName)

	trials, err := f.repo.ListTrials(ctx, runID)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, best["run_id"], trials[0].BacktestRunID)

	events, err := f.audit.List(ctx, "tuning.run")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestRunTuningConstraints(t *testing.T) {
	f := setupClassic(t)
	ctx := context.Background()
	seedBars(t, f.market, []float64{10, 10, 12, 12, 8})

	base := baseSpec()
	base.ShortWindow = 1
	base.LongWindow = 2
	base.MaxPositions = 1
	base.CostBPS = 0

	searchSpace := map[string][]float64{
		"short_window":  {1},
		"long_window":   {2},
		"max_positions": {1},
		"cost_bps":      {0},
	}
	// the single candidate closes one round trip (2 trades); cap below that
	turnoverCap := 1
	_, err := f.svc.RunTuning(ctx, "crossover-base", base, searchSpace, "sharpe",
		Constraints{TurnoverCap: &turnoverCap}, 10, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tuning produced zero valid candidates under active constraints")
}

func TestRunTuningValidation(t *testing.T) {
	f := setupClassic(t)
	_, err := f.svc.RunTuning(context.Background(), "x", baseSpec(), nil, "sharpe", Constraints{}, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_trials must be positive")

	_, err = f.svc.RunTuning(context.Background(), "x", baseSpec(),
		map[string][]float64{"short_window": {1}}, "sharpe", Constraints{}, 5, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search_space missing required key: long_window")
}
