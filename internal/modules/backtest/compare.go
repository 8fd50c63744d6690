package backtest

import (
	"context"
	"fmt"
	"math"
)

var metricKeys = []string{
	"final_equity",
	"total_return",
	"cagr",
	"sharpe",
	"max_drawdown",
	"trade_count",
}

func metricValue(metrics map[string]interface{}, key string) float64 {
	switch v := metrics[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0.0
	}
}

func likelyCauses(baseline, candidate map[string]interface{}, deltas map[string]float64) []string {
	var notes []string
	baseStrategy, _ := baseline["strategy"].(map[string]interface{})
	candStrategy, _ := candidate["strategy"].(map[string]interface{})

	for _, key := range []string{"short_window", "long_window", "max_positions", "cost_bps", "signal_type"} {
		if fmt.Sprint(baseStrategy[key]) != fmt.Sprint(candStrategy[key]) {
			notes = append(notes, fmt.Sprintf("strategy parameter changed: %s baseline=%v candidate=%v",
				key, baseStrategy[key], candStrategy[key]))
		}
	}

	if deltas["total_return"] > 0 {
		notes = append(notes, fmt.Sprintf("candidate improved total_return by %.6f", deltas["total_return"]))
	} else if deltas["total_return"] < 0 {
		notes = append(notes, fmt.Sprintf("candidate reduced total_return by %.6f", math.Abs(deltas["total_return"])))
	}

	if deltas["max_drawdown"] < 0 {
		notes = append(notes, "candidate drawdown became deeper (more negative max_drawdown)")
	} else if deltas["max_drawdown"] > 0 {
		notes = append(notes, "candidate drawdown improved (less negative max_drawdown)")
	}

	if deltas["trade_count"] != 0 {
		notes = append(notes, fmt.Sprintf("trade_count changed by %d", int(deltas["trade_count"])))
	}

	if len(notes) == 0 {
		notes = append(notes, "no clear cause identified from available metadata")
	}
	return notes
}

// CompareRuns diffs two stored runs metric-by-metric and annotates the
// likely causes visible from the stored strategy parameters.
func (s *Service) CompareRuns(ctx context.Context, baselineRunID, candidateRunID string) (map[string]interface{}, error) {
	baseline, err := s.runs.GetRun(ctx, baselineRunID)
	if err != nil {
		return nil, err
	}
	candidate, err := s.runs.GetRun(ctx, candidateRunID)
	if err != nil {
		return nil, err
	}

	deltas := make(map[string]float64, len(metricKeys))
	for _, key := range metricKeys {
		deltas[key] = metricValue(candidate.Metrics, key) - metricValue(baseline.Metrics, key)
	}
	causes := likelyCauses(baseline.Payload, candidate.Payload, deltas)

	return map[string]interface{}{
		"baseline": map[string]interface{}{
			"run_id":     baseline.RunID,
			"created_at": baseline.CreatedAt,
			"metrics":    baseline.Metrics,
		},
		"candidate": map[string]interface{}{
			"run_id":     candidate.RunID,
			"created_at": candidate.CreatedAt,
			"metrics":    candidate.Metrics,
		},
		"metrics_delta": deltas,
		"artifact_links": map[string]interface{}{
			"baseline":  baseline.Artifacts,
			"candidate": candidate.Artifacts,
		},
		"likely_causes": causes,
	}, nil
}
