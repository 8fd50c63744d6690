package tuning

import (
	"sort"
	"strings"

	"github.com/aristath/finagent/internal/errs"
)

// Objective describes how candidate metrics are folded into a single score.
type Objective struct {
	Metric   string
	Maximize bool
	Weights  map[string]float64
}

// metricDirection inverts the sign for metrics where smaller is better.
func metricDirection(metricName string) float64 {
	lowered := strings.ToLower(metricName)
	if strings.Contains(lowered, "drawdown") {
		return -1.0
	}
	if strings.Contains(lowered, "stdev") || strings.Contains(lowered, "volatility") {
		return -1.0
	}
	return 1.0
}

// ParseObjective normalizes the objective payload, defaulting to maximizing
// sharpe with unit weight.
func ParseObjective(payload map[string]interface{}) (*Objective, error) {
	if payload == nil {
		return &Objective{Metric: "sharpe", Maximize: true, Weights: map[string]float64{"sharpe": 1.0}}, nil
	}

	metric := "sharpe"
	if raw, ok := payload["metric"]; ok {
		metric = strings.TrimSpace(toString(raw))
		if metric == "" {
			return nil, errs.Invalid("objective.metric is required")
		}
	}

	maximize := true
	if raw, ok := payload["maximize"]; ok {
		flag, isBool := raw.(bool)
		if isBool {
			maximize = flag
		}
	}

	rawWeights, hasWeights := payload["weights"]
	if !hasWeights || rawWeights == nil {
		weight := 1.0
		if !maximize {
			weight = -1.0
		}
		return &Objective{Metric: metric, Maximize: maximize, Weights: map[string]float64{metric: weight}}, nil
	}

	weightMap, ok := rawWeights.(map[string]interface{})
	if !ok {
		return nil, errs.Invalid("objective.weights must be an object when provided")
	}
	if len(weightMap) == 0 {
		return nil, errs.Invalid("objective.weights must not be empty")
	}
	weights := make(map[string]float64, len(weightMap))
	for key, value := range weightMap {
		keyName := strings.TrimSpace(key)
		if keyName == "" {
			return nil, errs.Invalid("objective.weights contains empty metric name")
		}
		weight, ok := asFloat(value)
		if !ok {
			return nil, errs.Invalid("objective.weights[%s] must be a numeric value; got %T", keyName, value)
		}
		weights[keyName] = weight
	}
	return &Objective{Metric: metric, Maximize: maximize, Weights: weights}, nil
}

func toString(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}

// Score folds the candidate metrics into a single number. Returns the score
// and the comma-joined metric names that contributed.
func (o *Objective) Score(metrics map[string]interface{}) (float64, string, error) {
	if len(o.Weights) == 0 {
		raw, ok := metrics[o.Metric]
		if !ok {
			return 0, "", errs.Invalid("metrics[%s] must be numeric: %v", o.Metric, raw)
		}
		value, ok := asFloat(raw)
		if !ok {
			return 0, "", errs.Invalid("metrics[%s] must be numeric: %v", o.Metric, raw)
		}
		direction := metricDirection(o.Metric)
		if !o.Maximize {
			direction *= -1.0
		}
		return value * direction, o.Metric, nil
	}

	names := make([]string, 0, len(o.Weights))
	for name := range o.Weights {
		names = append(names, name)
	}
	sort.Strings(names)

	score := 0.0
	var used []string
	for _, name := range names {
		raw, present := metrics[name]
		if !present {
			continue
		}
		value, ok := asFloat(raw)
		if !ok {
			return 0, "", errs.Invalid("metrics[%s] must be numeric: %v", name, raw)
		}
		used = append(used, name)
		score += o.Weights[name] * metricDirection(name) * value
	}
	if len(used) == 0 {
		return 0, "", errs.Invalid("objective cannot be computed; no candidate metrics available")
	}
	return score, strings.Join(used, ","), nil
}
