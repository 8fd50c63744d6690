package analysis

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/backtest"
)

func setupService(t *testing.T) (*Service, *backtest.Repository) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	runs, err := backtest.NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	return NewService(runs, zerolog.Nop()), runs
}

func saveRun(t *testing.T, runs *backtest.Repository, metrics, artifacts, payload map[string]interface{}) string {
	t.Helper()
	runID, err := runs.SaveRun(context.Background(), "sv-1", "wm-1", metrics, artifacts, payload)
	require.NoError(t, err)
	return runID
}

func suggestionTitles(report map[string]interface{}) []string {
	suggestions := report["suggestions"].([]Suggestion)
	titles := make([]string, 0, len(suggestions))
	for _, s := range suggestions {
		titles = append(titles, s.Title)
	}
	return titles
}

func TestDeepDiveDiagnosticsAndSuggestions(t *testing.T) {
	svc, runs := setupService(t)
	runID := saveRun(t, runs,
		map[string]interface{}{
			"max_drawdown": -0.22, "sharpe": 0.4, "cagr": 0.05, "trade_count": 2.0,
		},
		map[string]interface{}{},
		map[string]interface{}{
			"strategy": map[string]interface{}{
				"start_date": "2024-01-01", "end_date": "2024-12-31",
				"universe":     []interface{}{"AAA", "BBB", "CCC"},
				"max_positions": 2.0, "short_window": 10.0, "long_window": 50.0,
			},
		})

	report, err := svc.DeepDive(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, runID, report["run_id"])

	diagnostics := report["diagnostics"].(map[string]interface{})
	risk := diagnostics["risk"].(map[string]interface{})
	assert.InDelta(t, -0.22, risk["max_drawdown"].(float64), 1e-9)
	exposure := diagnostics["exposure"].(map[string]interface{})
	assert.Equal(t, 3, exposure["universe_size"])
	assert.Equal(t, 2, exposure["max_positions"])
	assert.InDelta(t, 1.0, exposure["exposure_ratio"].(float64), 1e-9)
	trade := diagnostics["trade"].(map[string]interface{})
	assert.Equal(t, 2, trade["trade_count"])
	assert.InDelta(t, 2.0/366.0*252.0, trade["turnover_per_year_est"].(float64), 1e-9)

	titles := suggestionTitles(report)
	assert.Equal(t, []string{
		"Reduce downside concentration",
		"Improve signal quality filter",
		"Increase trade opportunity density",
	}, titles)
	assert.Equal(t, 3, report["suggestion_count"])

	suggestions := report["suggestions"].([]Suggestion)
	assert.Equal(t, "max_drawdown=-0.220000", suggestions[0].Evidence)
	assert.Contains(t, suggestions[2].ActionableChange, "short_window<10, long_window<50")
}

func TestDeepDiveFallbackSuggestion(t *testing.T) {
	svc, runs := setupService(t)
	runID := saveRun(t, runs,
		map[string]interface{}{
			"max_drawdown": -0.05, "sharpe": 1.8, "cagr": 0.2, "trade_count": 40.0,
		},
		map[string]interface{}{},
		map[string]interface{}{
			"strategy": map[string]interface{}{
				"start_date": "2024-01-01", "end_date": "2024-06-30",
				"universe": []interface{}{"AAA"}, "max_positions": 1.0,
			},
		})

	report, err := svc.DeepDive(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Run robustness checks"}, suggestionTitles(report))
}

func TestDeepDiveRejectsInvertedDates(t *testing.T) {
	svc, runs := setupService(t)
	runID := saveRun(t, runs,
		map[string]interface{}{"trade_count": 1.0},
		map[string]interface{}{},
		map[string]interface{}{
			"strategy": map[string]interface{}{
				"start_date": "2024-06-30", "end_date": "2024-01-01",
			},
		})

	_, err := svc.DeepDive(context.Background(), runID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "end_date must be on or after start_date")

	_, err = svc.DeepDive(context.Background(), "run-missing")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestAnalyzeCodeRun(t *testing.T) {
	svc, runs := setupService(t)
	runID := saveRun(t, runs,
		map[string]interface{}{"max_drawdown": -0.2, "sharpe": 0.3, "trade_count": 1.0},
		map[string]interface{}{},
		map[string]interface{}{"mode": "code_strategy"})

	source := "func GenerateSignals(frame []map[string]interface{}, state, context map[string]interface{}) []map[string]interface{} {\n\treturn nil\n}"
	report, err := svc.AnalyzeCodeRun(context.Background(), runID, source, 5)
	require.NoError(t, err)
	assert.Equal(t, "patch_suggestions_only", report["mode"])
	assert.Equal(t, false, report["auto_apply"])
	assert.Equal(t, []string{
		"Add drawdown stop guardrail",
		"Increase signal opportunities",
		"Add explicit sell path",
		"Add noise filter around entry threshold",
	}, suggestionTitles(report))
	assert.Equal(t, 4, report["suggestion_count"])

	// cap respected
	report, err = svc.AnalyzeCodeRun(context.Background(), runID, source, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report["suggestion_count"])

	// a sell path drops that suggestion
	sellSource := source + "\n// emits {\"signal\": \"sell\"} on reversal"
	report, err = svc.AnalyzeCodeRun(context.Background(), runID, sellSource, 5)
	require.NoError(t, err)
	assert.NotContains(t, suggestionTitles(report), "Add explicit sell path")
}

func TestAnalyzeCodeRunFallback(t *testing.T) {
	svc, runs := setupService(t)
	runID := saveRun(t, runs,
		map[string]interface{}{"max_drawdown": -0.02, "sharpe": 2.1, "trade_count": 30.0},
		map[string]interface{}{},
		map[string]interface{}{"mode": "code_strategy"})

	report, err := svc.AnalyzeCodeRun(context.Background(), runID, `signal := "sell"`, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Add parameterization hooks"}, suggestionTitles(report))
}

func TestAnalyzeCodeRunValidation(t *testing.T) {
	svc, runs := setupService(t)
	classicID := saveRun(t, runs,
		map[string]interface{}{},
		map[string]interface{}{},
		map[string]interface{}{"mode": "classic"})

	_, err := svc.AnalyzeCodeRun(context.Background(), classicID, "src", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_suggestions must be positive")

	_, err = svc.AnalyzeCodeRun(context.Background(), classicID, "   ", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source_code is required")

	_, err = svc.AnalyzeCodeRun(context.Background(), classicID, "src", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run_id="+classicID+" is not a code_strategy backtest run")
}

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVisualizeTradeBlotter(t *testing.T) {
	svc, runs := setupService(t)
	dir := t.TempDir()
	tradePath := writeArtifact(t, dir, "trades.csv",
		"symbol,entry_ts,exit_ts,entry_price,exit_price,pnl,entry_reason,exit_reason\n"+
			"AAA,2024-01-02,2024-03-01,100,110,10,signal_buy,end_of_window\n"+
			"BBB,2024-01-05,2024-02-20,50,48,-2,signal_buy,signal_sell\n")
	signalPath := writeArtifact(t, dir, "signals.csv",
		"symbol,timestamp,close,signal,strength,reason_code\n"+
			"AAA,2024-01-02,100,buy,0.8,signal_buy\n"+
			"AAA,2024-01-03,101,hold,0.0,insufficient_history\n"+
			"BBB,2024-01-05,50,buy,0.6,sma_cross_up\n")
	runID := saveRun(t, runs,
		map[string]interface{}{},
		map[string]interface{}{
			"trade_blotter_path":  tradePath,
			"signal_context_path": signalPath,
		},
		map[string]interface{}{"mode": "code_strategy"})

	report, err := svc.VisualizeTradeBlotter(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, 2, report["trade_count"])
	assert.Equal(t, 3, report["signal_rows"])
	assert.Equal(t, 2, report["threshold_crossings"])
	trades := report["trades"].([]map[string]string)
	assert.Equal(t, "AAA", trades[0]["symbol"])
	assert.Equal(t, "signal_sell", trades[1]["exit_reason"])
}

func TestVisualizeTradeBlotterMissingArtifacts(t *testing.T) {
	svc, runs := setupService(t)

	noPaths := saveRun(t, runs,
		map[string]interface{}{}, map[string]interface{}{}, map[string]interface{}{})
	_, err := svc.VisualizeTradeBlotter(context.Background(), noPaths)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run artifacts missing trade_blotter_path/signal_context_path")

	gone := saveRun(t, runs,
		map[string]interface{}{},
		map[string]interface{}{
			"trade_blotter_path":  "/tmp/does-not-exist/trades.csv",
			"signal_context_path": "/tmp/does-not-exist/signals.csv",
		},
		map[string]interface{}{})
	_, err = svc.VisualizeTradeBlotter(context.Background(), gone)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "artifact not found: /tmp/does-not-exist/trades.csv")
}
