package tuning

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/backtest"
)

func layerLabel(layer int) string {
	return fmt.Sprintf("layer_%d", layer)
}

func layerReason(candidateCount, kept int) string {
	return fmt.Sprintf("evaluated %d candidates, retained top %d", candidateCount, kept)
}

// riskModeWidths controls how far the derived search space spreads around the
// base strategy's parameters per risk mode.
var riskModeWidths = map[string]struct {
	Short     int
	Long      int
	Positions int
}{
	"safe":       {Short: 1, Long: 2, Positions: 0},
	"balanced":   {Short: 2, Long: 4, Positions: 1},
	"aggressive": {Short: 4, Long: 8, Positions: 2},
}

var tunableParams = []string{"short_window", "long_window", "max_positions", "cost_bps"}

var planLayers = []struct {
	Name   string
	Params []string
}{
	{Name: "signal", Params: []string{"short_window", "long_window"}},
	{Name: "portfolio", Params: []string{"max_positions"}},
	{Name: "execution", Params: []string{"cost_bps"}},
}

// Constraints filter candidates after their backtests complete.
type Constraints struct {
	MaxDrawdownLimit *float64 `json:"max_drawdown_limit,omitempty"`
	TurnoverCap      *int     `json:"turnover_cap,omitempty"`
}

func sortedFloats(values map[float64]bool) []float64 {
	out := make([]float64, 0, len(values))
	for value := range values {
		out = append(out, value)
	}
	sort.Float64s(out)
	return out
}

// DeriveSearchSpace spreads each tunable parameter around the base strategy's
// value by the risk-mode width.
func DeriveSearchSpace(strategy *backtest.Spec, riskMode string) (map[string][]float64, error) {
	mode := strings.ToLower(strings.TrimSpace(riskMode))
	width, ok := riskModeWidths[mode]
	if !ok {
		return nil, errs.Invalid("unsupported risk_mode=%s; expected one of: [aggressive balanced safe]", riskMode)
	}

	shortValues := map[float64]bool{
		float64(maxInt(1, strategy.ShortWindow-width.Short)): true,
		float64(strategy.ShortWindow):                        true,
		float64(strategy.ShortWindow + width.Short):          true,
	}
	longValues := map[float64]bool{
		float64(maxInt(2, strategy.LongWindow-width.Long)): true,
		float64(strategy.LongWindow):                       true,
		float64(strategy.LongWindow + width.Long):          true,
	}
	positionValues := map[float64]bool{
		float64(maxInt(1, strategy.MaxPositions-width.Positions)): true,
		float64(strategy.MaxPositions):                            true,
		float64(strategy.MaxPositions + width.Positions):          true,
	}
	costValues := map[float64]bool{
		math.Max(0.0, strategy.CostBPS-2.0): true,
		strategy.CostBPS:                    true,
		strategy.CostBPS + 2.0:              true,
	}

	return map[string][]float64{
		"short_window":  sortedFloats(shortValues),
		"long_window":   sortedFloats(longValues),
		"max_positions": sortedFloats(positionValues),
		"cost_bps":      sortedFloats(costValues),
	}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func normalizePolicyMode(policyMode string) (string, error) {
	mode := strings.ToLower(strings.TrimSpace(policyMode))
	if mode != "agent_decides" && mode != "user_selected" {
		return "", errs.Invalid("unsupported policy_mode=%s; expected one of: [agent_decides user_selected]", policyMode)
	}
	return mode, nil
}

func normalizeIncludeLayers(includeLayers []string) ([]string, error) {
	var normalized []string
	for _, layer := range includeLayers {
		trimmed := strings.ToLower(strings.TrimSpace(layer))
		if trimmed == "" {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	if len(normalized) == 0 {
		return nil, nil
	}

	known := map[string]bool{}
	for _, layer := range planLayers {
		known[layer.Name] = true
	}
	unsupportedSet := map[string]bool{}
	for _, layer := range normalized {
		if !known[layer] {
			unsupportedSet[layer] = true
		}
	}
	if len(unsupportedSet) > 0 {
		unsupported := make([]string, 0, len(unsupportedSet))
		for layer := range unsupportedSet {
			unsupported = append(unsupported, layer)
		}
		sort.Strings(unsupported)
		return nil, errs.Invalid("unsupported include_layers=%v; expected subset of: [execution portfolio signal]", unsupported)
	}

	var unique []string
	seen := map[string]bool{}
	for _, layer := range normalized {
		if !seen[layer] {
			seen[layer] = true
			unique = append(unique, layer)
		}
	}
	return unique, nil
}

func normalizeSearchSpaceValues(values []float64, fieldName string) ([]float64, error) {
	if len(values) == 0 {
		return nil, errs.Invalid("search_space.%s must be non-empty", fieldName)
	}
	set := map[float64]bool{}
	for _, value := range values {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, errs.Invalid("search_space.%s must be finite: %v", fieldName, value)
		}
		set[value] = true
	}
	normalized := sortedFloats(set)
	if fieldName == "cost_bps" {
		for _, value := range normalized {
			if value < 0 {
				return nil, errs.Invalid("search_space.cost_bps cannot be negative")
			}
		}
		return normalized, nil
	}
	for _, value := range normalized {
		if value <= 0 {
			return nil, errs.Invalid("search_space.%s must contain positive values", fieldName)
		}
		if math.Abs(value-math.Round(value)) > 1e-9 {
			return nil, errs.Invalid("search_space.%s must contain integer-like values; got %v", fieldName, value)
		}
	}
	return normalized, nil
}

func isTunableParam(name string) bool {
	for _, param := range tunableParams {
		if param == name {
			return true
		}
	}
	return false
}

func unsupportedKeys(provided map[string]bool) []string {
	var unsupported []string
	for key := range provided {
		if !isTunableParam(key) {
			unsupported = append(unsupported, key)
		}
	}
	sort.Strings(unsupported)
	return unsupported
}

func normalizeSearchSpaceOverrides(overrides map[string][]float64) (map[string][]float64, error) {
	if len(overrides) == 0 {
		return map[string][]float64{}, nil
	}
	keys := map[string]bool{}
	for key := range overrides {
		keys[key] = true
	}
	if unsupported := unsupportedKeys(keys); len(unsupported) > 0 {
		return nil, errs.Invalid(
			"search_space_overrides has unsupported keys=%v; expected subset of %v", unsupported, tunableParams)
	}
	normalized := make(map[string][]float64, len(overrides))
	for key, values := range overrides {
		clean, err := normalizeSearchSpaceValues(values, key)
		if err != nil {
			return nil, err
		}
		normalized[key] = clean
	}
	return normalized, nil
}

func normalizeFreezeParams(freeze map[string]float64) (map[string]float64, error) {
	if len(freeze) == 0 {
		return map[string]float64{}, nil
	}
	keys := map[string]bool{}
	for key := range freeze {
		keys[key] = true
	}
	if unsupported := unsupportedKeys(keys); len(unsupported) > 0 {
		return nil, errs.Invalid(
			"freeze_params has unsupported keys=%v; expected subset of %v", unsupported, tunableParams)
	}
	normalized := make(map[string]float64, len(freeze))
	for key, value := range freeze {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, errs.Invalid("freeze_params.%s must be finite: %v", key, value)
		}
		if key == "cost_bps" {
			if value < 0 {
				return nil, errs.Invalid("freeze_params.cost_bps cannot be negative")
			}
		} else {
			if value <= 0 {
				return nil, errs.Invalid("freeze_params.%s must be positive", key)
			}
			if math.Abs(value-math.Round(value)) > 1e-9 {
				return nil, errs.Invalid("freeze_params.%s must be integer-like; got %v", key, value)
			}
		}
		normalized[key] = value
	}
	return normalized, nil
}

func strategyDefaultValue(strategy *backtest.Spec, paramName string) (float64, error) {
	switch paramName {
	case "short_window":
		return float64(strategy.ShortWindow), nil
	case "long_window":
		return float64(strategy.LongWindow), nil
	case "max_positions":
		return float64(strategy.MaxPositions), nil
	case "cost_bps":
		return strategy.CostBPS, nil
	default:
		return 0, errs.Invalid("unsupported param_name=%s", paramName)
	}
}

// PlanRequest carries the optional knobs for DeriveTuningPlan.
type PlanRequest struct {
	PolicyMode           string               `json:"policy_mode,omitempty"`
	IncludeLayers        []string             `json:"include_layers,omitempty"`
	FreezeParams         map[string]float64   `json:"freeze_params,omitempty"`
	SearchSpaceOverrides map[string][]float64 `json:"search_space_overrides,omitempty"`
}

// DeriveTuningPlan turns a base strategy plus risk mode into an explicit plan:
// which layers are active, the per-parameter candidate values, a dependency
// graph, and the reasoning behind the selection.
func DeriveTuningPlan(strategy *backtest.Spec, riskMode, optimizationTarget string, req PlanRequest) (map[string]interface{}, error) {
	policyMode := req.PolicyMode
	if policyMode == "" {
		policyMode = "agent_decides"
	}
	mode, err := normalizePolicyMode(policyMode)
	if err != nil {
		return nil, err
	}
	selectedLayers, err := normalizeIncludeLayers(req.IncludeLayers)
	if err != nil {
		return nil, err
	}
	if mode == "user_selected" && len(selectedLayers) == 0 {
		return nil, errs.Invalid("policy_mode=user_selected requires non-empty include_layers")
	}

	searchSpace, err := DeriveSearchSpace(strategy, riskMode)
	if err != nil {
		return nil, err
	}
	overrides, err := normalizeSearchSpaceOverrides(req.SearchSpaceOverrides)
	if err != nil {
		return nil, err
	}
	freeze, err := normalizeFreezeParams(req.FreezeParams)
	if err != nil {
		return nil, err
	}

	for key, values := range overrides {
		searchSpace[key] = values
	}

	activeLayers := selectedLayers
	if len(activeLayers) == 0 {
		activeLayers = make([]string, 0, len(planLayers))
		for _, layer := range planLayers {
			activeLayers = append(activeLayers, layer.Name)
		}
	}
	activeSet := map[string]bool{}
	for _, layer := range activeLayers {
		activeSet[layer] = true
	}

	for _, layer := range planLayers {
		if activeSet[layer.Name] {
			continue
		}
		for _, param := range layer.Params {
			value, err := strategyDefaultValue(strategy, param)
			if err != nil {
				return nil, err
			}
			searchSpace[param] = []float64{value}
		}
	}
	for param, frozenValue := range freeze {
		searchSpace[param] = []float64{frozenValue}
	}

	normalizedSpace := make(map[string][]float64, len(tunableParams))
	for _, param := range tunableParams {
		values, ok := searchSpace[param]
		if !ok {
			return nil, errs.Invalid("search_space missing required key: %s", param)
		}
		clean, err := normalizeSearchSpaceValues(values, param)
		if err != nil {
			return nil, err
		}
		normalizedSpace[param] = clean
	}

	hasValidSignalCombo := false
	for _, short := range normalizedSpace["short_window"] {
		for _, long := range normalizedSpace["long_window"] {
			if short < long {
				hasValidSignalCombo = true
			}
		}
	}
	if !hasValidSignalCombo {
		return nil, errs.Invalid(
			"tuning plan has no valid signal window combinations; ensure at least one short_window value is less than long_window")
	}

	var layerRows []map[string]interface{}
	for _, layer := range planLayers {
		enabled := activeSet[layer.Name]
		var activelyTuned, frozen []string
		for _, param := range layer.Params {
			if len(normalizedSpace[param]) > 1 {
				activelyTuned = append(activelyTuned, param)
			} else {
				frozen = append(frozen, param)
			}
		}
		reason := "disabled_by_layer_policy"
		if enabled {
			if len(activelyTuned) > 0 {
				reason = "active_with_variable_parameters"
			} else {
				reason = "active_but_fully_frozen"
			}
		}
		layerRows = append(layerRows, map[string]interface{}{
			"layer":                     layer.Name,
			"enabled":                   enabled,
			"parameters":                layer.Params,
			"actively_tuned_parameters": activelyTuned,
			"frozen_parameters":         frozen,
			"reason":                    reason,
		})
	}

	graphNodes := []map[string]interface{}{{
		"id":                  "objective",
		"node_type":           "objective",
		"optimization_target": optimizationTarget,
	}}
	var graphEdges []map[string]interface{}
	for _, row := range layerRows {
		layerID := "layer:" + row["layer"].(string)
		graphNodes = append(graphNodes, map[string]interface{}{
			"id":        layerID,
			"node_type": "layer",
			"layer":     row["layer"],
			"enabled":   row["enabled"],
			"reason":    row["reason"],
		})
		graphEdges = append(graphEdges, map[string]interface{}{
			"source":    "objective",
			"target":    layerID,
			"edge_type": "optimizes",
		})
		for _, param := range row["parameters"].([]string) {
			paramID := "param:" + param
			graphNodes = append(graphNodes, map[string]interface{}{
				"id":               paramID,
				"node_type":        "parameter",
				"parameter":        param,
				"candidate_values": normalizedSpace[param],
			})
			graphEdges = append(graphEdges, map[string]interface{}{
				"source":    layerID,
				"target":    paramID,
				"edge_type": "controls",
			})
		}
	}

	reasoning := []string{
		"policy_mode=" + mode,
		"risk_mode=" + strings.ToLower(strings.TrimSpace(riskMode)),
		"optimization_target=" + strings.ToLower(strings.TrimSpace(optimizationTarget)),
		fmt.Sprintf("active_layers=%v", activeLayers),
	}
	if len(overrides) > 0 {
		reasoning = append(reasoning, fmt.Sprintf("applied_search_space_overrides=%v", sortedMapKeys(overrides)))
	}
	if len(freeze) > 0 {
		reasoning = append(reasoning, fmt.Sprintf("applied_freeze_params=%v", sortedFreezeKeys(freeze)))
	}

	estimatedTrials := 1
	for _, param := range tunableParams {
		estimatedTrials *= len(normalizedSpace[param])
	}

	return map[string]interface{}{
		"policy_mode":      mode,
		"active_layers":    activeLayers,
		"layers":           layerRows,
		"search_space":     normalizedSpace,
		"graph":            map[string]interface{}{"nodes": graphNodes, "edges": graphEdges},
		"reasoning":        reasoning,
		"estimated_trials": estimatedTrials,
		"freeze_params":    freeze,
	}, nil
}

func sortedMapKeys(values map[string][]float64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedFreezeKeys(values map[string]float64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func scoreMetrics(metrics map[string]interface{}, target string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "sharpe":
		value, _ := asFloat(metrics["sharpe"])
		return value, nil
	case "cagr":
		value, _ := asFloat(metrics["cagr"])
		return value, nil
	case "total_return":
		value, _ := asFloat(metrics["total_return"])
		return value, nil
	default:
		return 0, errs.Invalid("optimization_target must be one of: sharpe, cagr, total_return")
	}
}

// iterCandidates expands the classic search space into the ordered cartesian
// product over the tunable parameters.
func iterCandidates(searchSpace map[string][]float64) ([]map[string]float64, error) {
	for _, key := range tunableParams {
		if len(searchSpace[key]) == 0 {
			return nil, errs.Invalid("search_space missing required key: %s", key)
		}
	}
	sortedValues := func(key string) []float64 {
		values := append([]float64(nil), searchSpace[key]...)
		sort.Float64s(values)
		return values
	}

	var candidates []map[string]float64
	for _, short := range sortedValues("short_window") {
		for _, long := range sortedValues("long_window") {
			for _, positions := range sortedValues("max_positions") {
				for _, cost := range sortedValues("cost_bps") {
					candidates = append(candidates, map[string]float64{
						"short_window":  short,
						"long_window":   long,
						"max_positions": positions,
						"cost_bps":      cost,
					})
				}
			}
		}
	}
	return candidates, nil
}

func sensitivityAnalysis(scoredRuns []map[string]interface{}, best map[string]interface{},
	optimizationTarget string) map[string]interface{} {

	baselineParams := best["params"].(map[string]float64)
	baselineScore := best["score"].(float64)
	baselineMetrics := best["metrics"]

	sensitivity := map[string]interface{}{}
	for _, paramName := range tunableParams {
		var comparables []map[string]interface{}
		for _, row := range scoredRuns {
			params := row["params"].(map[string]float64)
			if params[paramName] == baselineParams[paramName] {
				continue
			}
			sameContext := true
			for _, other := range tunableParams {
				if other == paramName {
					continue
				}
				if params[other] != baselineParams[other] {
					sameContext = false
					break
				}
			}
			if sameContext {
				comparables = append(comparables, row)
			}
		}

		if len(comparables) == 0 {
			sensitivity[paramName] = map[string]interface{}{
				"optimization_target": optimizationTarget,
				"baseline_value":      baselineParams[paramName],
				"status":              "insufficient_local_samples",
			}
			continue
		}

		bestAlternative := comparables[0]
		for _, row := range comparables[1:] {
			if row["score"].(float64) > bestAlternative["score"].(float64) {
				bestAlternative = row
			}
		}
		altScore := bestAlternative["score"].(float64)
		sensitivity[paramName] = map[string]interface{}{
			"optimization_target": optimizationTarget,
			"baseline_value":      baselineParams[paramName],
			"alternative_value":   bestAlternative["params"].(map[string]float64)[paramName],
			"baseline_score":      baselineScore,
			"alternative_score":   altScore,
			"score_delta":         altScore - baselineScore,
			"alternative_run_id":  bestAlternative["run_id"],
			"baseline_metrics":    baselineMetrics,
			"alternative_metrics": bestAlternative["metrics"],
			"status":              "ok",
		}
	}
	return sensitivity
}

// RunTuning explores the classic search space against the crossover engine,
// filtering candidates by domain invariants and the optional constraints,
// then persists the aggregate run.
func (s *Service) RunTuning(ctx context.Context, strategyName string, base *backtest.Spec,
	searchSpace map[string][]float64, optimizationTarget string,
	constraints Constraints, maxTrials int, tuningPlan map[string]interface{}) (map[string]interface{}, error) {

	if maxTrials <= 0 {
		return nil, errs.Invalid("max_trials must be positive")
	}
	candidates, err := iterCandidates(searchSpace)
	if err != nil {
		return nil, err
	}

	manifest, err := s.world.BuildManifest(ctx, base.Universe, base.StartDate, base.EndDate, "")
	if err != nil {
		return nil, err
	}

	attempts := 0
	completed := 0
	var rejected []map[string]interface{}
	var scoredRuns []map[string]interface{}

	for _, candidate := range candidates {
		if attempts >= maxTrials {
			break
		}
		attempts++

		shortWindow := int(candidate["short_window"])
		longWindow := int(candidate["long_window"])
		maxPositions := int(candidate["max_positions"])
		costBPS := candidate["cost_bps"]

		if shortWindow >= longWindow {
			rejected = append(rejected, map[string]interface{}{
				"params": candidate,
				"reason": "invalid_windows_short_must_be_less_than_long",
			})
			continue
		}
		if len(base.Universe) > maxPositions {
			rejected = append(rejected, map[string]interface{}{
				"params": candidate,
				"reason": "max_positions_below_universe_size",
			})
			continue
		}

		trial := *base
		trial.StrategyName = fmt.Sprintf("%s-trial-%d", strategyName, attempts)
		trial.ShortWindow = shortWindow
		trial.LongWindow = longWindow
		trial.MaxPositions = maxPositions
		trial.CostBPS = costBPS

		run, err := s.backtests.RunClassic(ctx, &trial, manifest)
		if err != nil {
			rejected = append(rejected, map[string]interface{}{
				"params": candidate,
				"reason": fmt.Sprintf("backtest_failed:%s", err.Error()),
			})
			continue
		}

		metrics := metricsAsMap(run.Metrics)
		if constraints.MaxDrawdownLimit != nil &&
			math.Abs(run.Metrics.MaxDrawdown) > *constraints.MaxDrawdownLimit {
			rejected = append(rejected, map[string]interface{}{
				"params": candidate,
				"reason": fmt.Sprintf("max_drawdown_limit_exceeded:%.6f>%.6f",
					run.Metrics.MaxDrawdown, *constraints.MaxDrawdownLimit),
				"run_id": run.RunID,
			})
			continue
		}
		if constraints.TurnoverCap != nil && run.Metrics.TradeCount > *constraints.TurnoverCap {
			rejected = append(rejected, map[string]interface{}{
				"params": candidate,
				"reason": fmt.Sprintf("turnover_cap_exceeded:%d>%d",
					run.Metrics.TradeCount, *constraints.TurnoverCap),
				"run_id": run.RunID,
			})
			continue
		}

		score, err := scoreMetrics(metrics, optimizationTarget)
		if err != nil {
			return nil, err
		}
		completed++
		scoredRuns = append(scoredRuns, map[string]interface{}{
			"run_id":  run.RunID,
			"params":  candidate,
			"metrics": metrics,
			"score":   score,
		})
	}

	if len(scoredRuns) == 0 {
		return nil, errs.Invalid("tuning produced zero valid candidates under active constraints").
			WithRemediation("relax constraints or expand search_space")
	}

	best := scoredRuns[0]
	for _, row := range scoredRuns[1:] {
		if row["score"].(float64) > best["score"].(float64) {
			best = row
		}
	}
	sensitivity := sensitivityAnalysis(scoredRuns, best, optimizationTarget)

	topCandidates := append([]map[string]interface{}(nil), scoredRuns...)
	sortCandidatesByScore(topCandidates)
	if len(topCandidates) > 5 {
		topCandidates = topCandidates[:5]
	}

	if tuningPlan == nil {
		tuningPlan = map[string]interface{}{
			"policy_mode":   "legacy",
			"active_layers": []string{"signal", "portfolio", "execution"},
			"reasoning":     []string{"legacy_search_space_mode"},
		}
	}

	var constraintDrawdown interface{}
	if constraints.MaxDrawdownLimit != nil {
		constraintDrawdown = *constraints.MaxDrawdownLimit
	}
	var constraintTurnover interface{}
	if constraints.TurnoverCap != nil {
		constraintTurnover = *constraints.TurnoverCap
	}

	tuningRunID := strings.ReplaceAll(uuid.New().String(), "-", "")
	payload := map[string]interface{}{
		"tuning_run_id":       tuningRunID,
		"strategy_name":       strategyName,
		"optimization_target": optimizationTarget,
		"constraints": map[string]interface{}{
			"max_drawdown_limit": constraintDrawdown,
			"turnover_cap":       constraintTurnover,
		},
		"attempted_trials":     attempts,
		"completed_trials":     completed,
		"trial_space_size":     len(candidates),
		"search_space":         searchSpace,
		"best_candidate":       best,
		"top_candidates":       topCandidates,
		"evaluated_candidates": scoredRuns,
		"rejected_candidates":  rejected,
		"sensitivity_analysis": sensitivity,
		"tuning_plan":          tuningPlan,
	}

	if _, err := s.repo.SaveTuningRun(ctx, strategyName, jsonRoundTrip(payload)); err != nil {
		return nil, err
	}
	s.appendAudit(ctx, "tuning.run", map[string]interface{}{
		"tuning_run_id":       tuningRunID,
		"strategy_name":       strategyName,
		"attempted_trials":    attempts,
		"completed_trials":    completed,
		"best_run_id":         best["run_id"],
		"optimization_target": optimizationTarget,
	})
	return payload, nil
}

func (s *Service) appendAudit(ctx context.Context, eventType string, payload map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, eventType, payload); err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to append tuning audit event")
	}
}
