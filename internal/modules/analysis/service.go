// Package analysis inspects finished backtest runs: diagnostic ratios, a
// bounded list of improvement suggestions, and artifact read-backs for the
// trade blotter. Suggestions are advisory only; nothing here mutates a
// strategy.
package analysis

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/backtest"
)

// tradingDaysPerYear annualizes the turnover estimate.
const tradingDaysPerYear = 252.0

// Service reads runs from the backtest repository and derives reports.
type Service struct {
	runs *backtest.Repository
	log  zerolog.Logger
}

func NewService(runs *backtest.Repository, log zerolog.Logger) *Service {
	return &Service{
		runs: runs,
		log:  log.With().Str("module", "analysis").Logger(),
	}
}

// Suggestion is one advisory improvement with supporting evidence.
type Suggestion struct {
	Title            string  `json:"title"`
	Evidence         string  `json:"evidence"`
	ExpectedImpact   string  `json:"expected_impact"`
	Confidence       float64 `json:"confidence"`
	ActionableChange string  `json:"actionable_change,omitempty"`
	Patch            string  `json:"patch,omitempty"`
}

func daysBetween(startDate, endDate string) (int, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return 0, errs.Invalid("invalid start_date: %s", startDate)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return 0, errs.Invalid("invalid end_date: %s", endDate)
	}
	if end.Before(start) {
		return 0, errs.Invalid("end_date must be on or after start_date")
	}
	days := int(end.Sub(start).Hours()/24) + 1
	if days < 1 {
		days = 1
	}
	return days, nil
}

func floatOf(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func intOf(m map[string]interface{}, key string) int {
	return int(floatOf(m, key))
}

func stringOf(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// DeepDive derives risk/exposure/trade diagnostics and suggestions for a run.
func (s *Service) DeepDive(ctx context.Context, runID string) (map[string]interface{}, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	metrics := run.Metrics
	strategy, _ := run.Payload["strategy"].(map[string]interface{})
	if strategy == nil {
		strategy = map[string]interface{}{}
	}

	startDate := stringOf(strategy, "start_date")
	if startDate == "" {
		startDate = "1970-01-01"
	}
	endDate := stringOf(strategy, "end_date")
	if endDate == "" {
		endDate = "1970-01-01"
	}
	tradeCount := intOf(metrics, "trade_count")
	days, err := daysBetween(startDate, endDate)
	if err != nil {
		return nil, err
	}
	turnoverPerYear := float64(tradeCount) / float64(days) * tradingDaysPerYear

	universeSize := 0
	if universe, ok := strategy["universe"].([]interface{}); ok {
		universeSize = len(universe)
	}
	maxPositions := intOf(strategy, "max_positions")
	if maxPositions <= 0 {
		maxPositions = 1
	}
	exposureRatio := float64(universeSize) / float64(maxPositions)
	if exposureRatio > 1.0 {
		exposureRatio = 1.0
	}

	diagnostics := map[string]interface{}{
		"risk": map[string]interface{}{
			"max_drawdown": floatOf(metrics, "max_drawdown"),
			"sharpe":       floatOf(metrics, "sharpe"),
			"cagr":         floatOf(metrics, "cagr"),
		},
		"exposure": map[string]interface{}{
			"universe_size":  universeSize,
			"max_positions":  maxPositions,
			"exposure_ratio": exposureRatio,
		},
		"trade": map[string]interface{}{
			"trade_count":           tradeCount,
			"turnover_per_year_est": turnoverPerYear,
		},
	}

	maxDrawdown := floatOf(metrics, "max_drawdown")
	sharpe := floatOf(metrics, "sharpe")
	longWindow := intOf(strategy, "long_window")
	shortWindow := intOf(strategy, "short_window")

	var suggestions []Suggestion
	if maxDrawdown < -0.15 {
		suggestions = append(suggestions, Suggestion{
			Title:            "Reduce downside concentration",
			Evidence:         fmt.Sprintf("max_drawdown=%.6f", maxDrawdown),
			ExpectedImpact:   "Lower peak-to-trough loss at cost of some upside.",
			Confidence:       0.82,
			ActionableChange: "Tighten risk rules or reduce max_positions/capital at risk.",
		})
	}
	if sharpe < 1.0 {
		suggestions = append(suggestions, Suggestion{
			Title:            "Improve signal quality filter",
			Evidence:         fmt.Sprintf("sharpe=%.6f", sharpe),
			ExpectedImpact:   "Increase risk-adjusted returns by reducing noisy entries.",
			Confidence:       0.75,
			ActionableChange: "Add confirmation filters and re-test with tighter entry thresholds.",
		})
	}
	if tradeCount <= 4 {
		shortCap := shortWindow
		if shortCap == 0 {
			shortCap = 5
		}
		longCap := longWindow
		if longCap == 0 {
			longCap = 20
		}
		suggestions = append(suggestions, Suggestion{
			Title:          "Increase trade opportunity density",
			Evidence:       fmt.Sprintf("trade_count=%d", tradeCount),
			ExpectedImpact: "Provide better statistical confidence in backtest metrics.",
			Confidence:     0.68,
			ActionableChange: fmt.Sprintf("Try smaller windows (short_window<%d, long_window<%d).",
				shortCap, longCap),
		})
	}
	if tradeCount >= 120 {
		suggestions = append(suggestions, Suggestion{
			Title:            "Control over-trading",
			Evidence:         fmt.Sprintf("turnover_per_year_est=%.2f", turnoverPerYear),
			ExpectedImpact:   "Reduce transaction costs and signal churn.",
			Confidence:       0.7,
			ActionableChange: "Widen signal threshold or enforce a minimum holding period.",
		})
	}
	if len(suggestions) == 0 {
		suggestions = append(suggestions, Suggestion{
			Title:            "Run robustness checks",
			Evidence:         "core metrics are stable but robustness diagnostics are not yet exhausted",
			ExpectedImpact:   "Improve confidence under regime shifts.",
			Confidence:       0.55,
			ActionableChange: "Run walk-forward windows and compare out-of-sample periods.",
		})
	}

	return map[string]interface{}{
		"run_id":           runID,
		"metrics":          metrics,
		"diagnostics":      diagnostics,
		"suggestions":      suggestions,
		"suggestion_count": len(suggestions),
	}, nil
}

func hasSellPath(sourceCode string) bool {
	lower := strings.ToLower(sourceCode)
	return strings.Contains(lower, `"sell"`) || strings.Contains(lower, "'sell'")
}

// AnalyzeCodeRun reviews a code-strategy run plus its source and proposes
// patch snippets. Patches are never applied automatically.
func (s *Service) AnalyzeCodeRun(ctx context.Context, runID, sourceCode string, maxSuggestions int) (map[string]interface{}, error) {
	if maxSuggestions <= 0 {
		return nil, errs.Invalid("max_suggestions must be positive")
	}
	if strings.TrimSpace(sourceCode) == "" {
		return nil, errs.Invalid("source_code is required")
	}

	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if stringOf(run.Payload, "mode") != "code_strategy" {
		return nil, errs.Invalid("run_id=%s is not a code_strategy backtest run", runID)
	}

	metrics := run.Metrics
	maxDrawdown := floatOf(metrics, "max_drawdown")
	sharpe := floatOf(metrics, "sharpe")
	tradeCount := intOf(metrics, "trade_count")

	var suggestions []Suggestion
	if maxDrawdown < -0.1 {
		suggestions = append(suggestions, Suggestion{
			Title:          "Add drawdown stop guardrail",
			Evidence:       fmt.Sprintf("run max_drawdown=%.6f", maxDrawdown),
			ExpectedImpact: "Reduce tail losses and improve drawdown stability.",
			Confidence:     0.8,
			Patch: "func RiskRules(positions []map[string]interface{}, context map[string]interface{}) map[string]interface{} {\n" +
				"\treturn map[string]interface{}{\"max_positions\": 1, \"max_drawdown_stop\": 0.08}\n" +
				"}",
		})
	}
	if tradeCount <= 2 {
		suggestions = append(suggestions, Suggestion{
			Title:          "Increase signal opportunities",
			Evidence:       fmt.Sprintf("run trade_count=%d", tradeCount),
			ExpectedImpact: "Increase sample size so metrics are less noisy.",
			Confidence:     0.7,
			Patch: "func GenerateSignals(frame []map[string]interface{}, state, context map[string]interface{}) []map[string]interface{} {\n" +
				"\t// add threshold/exit conditions to avoid single-trade behavior\n" +
				"}",
		})
	}
	if !hasSellPath(sourceCode) {
		suggestions = append(suggestions, Suggestion{
			Title:          "Add explicit sell path",
			Evidence:       "GenerateSignals source has no explicit \"sell\" output",
			ExpectedImpact: "Improve risk control and reduce holding-time drift.",
			Confidence:     0.86,
			Patch: "if trendReversal {\n" +
				"\tsignals = append(signals, map[string]interface{}{\"symbol\": symbol, \"signal\": \"sell\", \"strength\": 0.7})\n" +
				"}",
		})
	}
	if sharpe < 1.0 {
		suggestions = append(suggestions, Suggestion{
			Title:          "Add noise filter around entry threshold",
			Evidence:       fmt.Sprintf("run sharpe=%.6f", sharpe),
			ExpectedImpact: "Reduce whipsaw trades and improve risk-adjusted return.",
			Confidence:     0.72,
			Patch: "if momentum > entryThreshold && volatility < volCap {\n" +
				"\tsignals = append(signals, map[string]interface{}{\"symbol\": symbol, \"signal\": \"buy\", \"strength\": 0.8})\n" +
				"}",
		})
	}
	if len(suggestions) == 0 {
		suggestions = append(suggestions, Suggestion{
			Title:          "Add parameterization hooks",
			Evidence:       "no critical failure detected, but strategy is not parameterized for tuning",
			ExpectedImpact: "Makes future tuning and scenario analysis easier.",
			Confidence:     0.55,
			Patch: "lookback := intFrom(context, \"lookback\", 20)\n" +
				"threshold := floatFrom(context, \"threshold\", 0.0)",
		})
	}

	if len(suggestions) > maxSuggestions {
		suggestions = suggestions[:maxSuggestions]
	}
	return map[string]interface{}{
		"run_id":           runID,
		"metrics":          metrics,
		"suggestions":      suggestions,
		"suggestion_count": len(suggestions),
		"mode":             "patch_suggestions_only",
		"auto_apply":       false,
	}, nil
}

// readCSVRows loads a header-keyed CSV artifact.
func readCSVRows(path string) ([]map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Invalid("artifact not found: %s", path)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if len(records) == 0 {
		return []map[string]string{}, nil
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// VisualizeTradeBlotter reads the blotter and signal-context artifacts back
// and counts threshold crossings among the signal rows.
func (s *Service) VisualizeTradeBlotter(ctx context.Context, runID string) (map[string]interface{}, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	tradePath := strings.TrimSpace(stringOf(run.Artifacts, "trade_blotter_path"))
	signalPath := strings.TrimSpace(stringOf(run.Artifacts, "signal_context_path"))
	if tradePath == "" || signalPath == "" {
		return nil, errs.Invalid("run artifacts missing trade_blotter_path/signal_context_path")
	}

	trades, err := readCSVRows(tradePath)
	if err != nil {
		return nil, err
	}
	signals, err := readCSVRows(signalPath)
	if err != nil {
		return nil, err
	}

	crossings := 0
	for _, row := range signals {
		reason := row["reason_code"]
		if strings.HasPrefix(reason, "signal_") || strings.HasPrefix(reason, "sma_cross") {
			crossings++
		}
	}
	return map[string]interface{}{
		"run_id": runID,
		"artifacts": map[string]interface{}{
			"trade_blotter_path":  tradePath,
			"signal_context_path": signalPath,
		},
		"trade_count":         len(trades),
		"signal_rows":         len(signals),
		"threshold_crossings": crossings,
		"trades":              trades,
	}, nil
}
