package tuning

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/aristath/finagent/internal/errs"
)

const (
	kindChoice     = "choice"
	kindIntRange   = "int_range"
	kindFloatRange = "float_range"
)

// ParameterSpec is one normalized search-space dimension.
type ParameterSpec struct {
	Name   string
	Kind   string
	Min    float64
	Max    float64
	Values []interface{}
	Step   float64 // 0 means no step grid
}

func coerceFloat(value interface{}, label string) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, errs.Invalid("%s must be numeric: %v", label, value)
		}
		return f, nil
	default:
		return 0, errs.Invalid("%s must be numeric: %v", label, value)
	}
}

func normalizeChoiceValues(name string, raw interface{}) (ParameterSpec, error) {
	values, ok := asList(raw)
	if !ok {
		return ParameterSpec{}, errs.Invalid("%s: choice parameters must be an array", name)
	}
	if len(values) == 0 {
		return ParameterSpec{}, errs.Invalid("%s: choice list must not be empty", name)
	}
	return ParameterSpec{Name: name, Kind: kindChoice, Values: values}, nil
}

func normalizeRange(name string, cfg map[string]interface{}, expectedKind string) (ParameterSpec, error) {
	rawMin, hasMin := cfg["min"]
	rawMax, hasMax := cfg["max"]
	if !hasMin || !hasMax || rawMin == nil || rawMax == nil {
		return ParameterSpec{}, errs.Invalid("%s: range specs require min and max", name)
	}
	minValue, err := coerceFloat(rawMin, name+".min")
	if err != nil {
		return ParameterSpec{}, err
	}
	maxValue, err := coerceFloat(rawMax, name+".max")
	if err != nil {
		return ParameterSpec{}, err
	}
	if maxValue < minValue {
		return ParameterSpec{}, errs.Invalid("%s: max must be >= min", name)
	}

	step := 0.0
	if rawStep, ok := cfg["step"]; ok && rawStep != nil {
		step, err = coerceFloat(rawStep, name+".step")
		if err != nil {
			return ParameterSpec{}, err
		}
		if step <= 0 {
			return ParameterSpec{}, errs.Invalid("%s.step must be positive", name)
		}
	}

	if expectedKind == kindIntRange {
		if minValue != math.Trunc(minValue) || maxValue != math.Trunc(maxValue) {
			return ParameterSpec{}, errs.Invalid("%s: int_range min and max must be integer values", name)
		}
	}
	return ParameterSpec{Name: name, Kind: expectedKind, Min: minValue, Max: maxValue, Step: step}, nil
}

// ParseSearchSpace normalizes the user-declared search space into parameter
// specs. Declarations are either a bare array (categorical) or an object with
// choices/values or a typed range.
func ParseSearchSpace(raw map[string]interface{}) ([]ParameterSpec, error) {
	if len(raw) == 0 {
		return nil, errs.Invalid("search_space must include at least one parameter")
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]ParameterSpec, 0, len(names))
	for _, name := range names {
		paramName := strings.TrimSpace(name)
		if paramName == "" {
			return nil, errs.Invalid("search_space contains empty parameter name")
		}
		value := raw[name]

		cfg, isObject := value.(map[string]interface{})
		if !isObject {
			spec, err := normalizeChoiceValues(paramName, value)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
			continue
		}

		if choices, ok := cfg["choices"]; ok {
			spec, err := normalizeChoiceValues(paramName, choices)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
			continue
		}
		_, hasType := cfg["type"]
		_, hasKind := cfg["kind"]
		if values, ok := cfg["values"]; ok && !hasType && !hasKind {
			spec, err := normalizeChoiceValues(paramName, values)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
			continue
		}

		declared := cfg["type"]
		if declared == nil {
			declared = cfg["kind"]
		}
		kind := "float_range"
		if s, ok := declared.(string); ok && strings.TrimSpace(s) != "" {
			kind = strings.ToLower(strings.TrimSpace(s))
		}

		switch kind {
		case "choice", "choices", "categorical":
			values, ok := cfg["values"]
			if !ok || values == nil {
				return nil, errs.Invalid("%s: %s requires 'values'", paramName, kind)
			}
			spec, err := normalizeChoiceValues(paramName, values)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		case "int", "int_range":
			spec, err := normalizeRange(paramName, cfg, kindIntRange)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		case "float", "float_range":
			spec, err := normalizeRange(paramName, cfg, kindFloatRange)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		default:
			return nil, errs.Invalid("%s: unsupported type '%s'", paramName, kind)
		}
	}
	return specs, nil
}

func roundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	snapped := math.Round(value/step) * step
	return math.Round(snapped*1e10) / 1e10
}

func coerceForGrid(spec ParameterSpec, value float64) interface{} {
	switch spec.Kind {
	case kindIntRange:
		return int(math.Round(roundToStep(value, spec.Step)))
	case kindFloatRange:
		return roundToStep(value, spec.Step)
	default:
		return value
	}
}

func dedupeValues(values []interface{}) []interface{} {
	seen := map[string]bool{}
	out := make([]interface{}, 0, len(values))
	for _, value := range values {
		key := fmt.Sprintf("%v", value)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, value)
	}
	return out
}

// candidateValues produces the per-parameter value list for one layer. Later
// layers refine around the anchors with radius (max-min)/2^(layer+1).
func candidateValues(spec ParameterSpec, layer int, anchors []map[string]interface{}) ([]interface{}, error) {
	if spec.Kind == kindChoice {
		return dedupeValues(spec.Values), nil
	}
	if spec.Kind != kindIntRange && spec.Kind != kindFloatRange {
		return nil, errs.Invalid("%s: unsupported range kind: %s", spec.Name, spec.Kind)
	}

	span := spec.Max - spec.Min
	if span < 0 {
		return nil, errs.Invalid("%s: max must be >= min", spec.Name)
	}

	if spec.Step > 0 {
		var values []interface{}
		for current := spec.Min; current <= spec.Max+1e-12; current += spec.Step {
			values = append(values, coerceForGrid(spec, current))
		}
		last := coerceForGrid(spec, spec.Max)
		if len(values) == 0 || fmt.Sprintf("%v", values[len(values)-1]) != fmt.Sprintf("%v", last) {
			values = append(values, last)
		}
		return dedupeValues(values), nil
	}

	if span == 0 {
		return []interface{}{coerceForGrid(spec, spec.Min)}, nil
	}

	broadProbes := []interface{}{
		coerceForGrid(spec, spec.Min),
		coerceForGrid(spec, spec.Min+span/2.0),
		coerceForGrid(spec, spec.Max),
	}
	if len(anchors) == 0 {
		return dedupeValues(broadProbes), nil
	}

	radius := span / math.Pow(2, float64(layer+1))
	pointSet := map[float64]bool{}
	for _, anchor := range anchors {
		raw, ok := anchor[spec.Name]
		if !ok {
			continue
		}
		anchorValue, err := coerceFloat(raw, spec.Name)
		if err != nil {
			continue
		}
		for _, delta := range []float64{0, -radius, radius} {
			candidate := math.Min(spec.Max, math.Max(spec.Min, anchorValue+delta))
			pointSet[candidate] = true
		}
	}
	if len(pointSet) == 0 {
		return dedupeValues(broadProbes), nil
	}

	points := make([]float64, 0, len(pointSet))
	for point := range pointSet {
		points = append(points, point)
	}
	sort.Float64s(points)
	values := make([]interface{}, 0, len(points))
	for _, point := range points {
		values = append(values, coerceForGrid(spec, point))
	}
	return dedupeValues(values), nil
}

// generateParamGrid builds the cartesian product of the per-parameter value
// lists for one layer.
func generateParamGrid(specs []ParameterSpec, layer int, anchors []map[string]interface{}) ([]map[string]interface{}, error) {
	perParam := make([][]interface{}, len(specs))
	for i, spec := range specs {
		values, err := candidateValues(spec, layer, anchors)
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			return nil, errs.Invalid("failed to generate values for parameter '%s'", spec.Name)
		}
		perParam[i] = values
	}

	grid := []map[string]interface{}{{}}
	for i, values := range perParam {
		next := make([]map[string]interface{}, 0, len(grid)*len(values))
		for _, partial := range grid {
			for _, value := range values {
				candidate := make(map[string]interface{}, len(partial)+1)
				for key, existing := range partial {
					candidate[key] = existing
				}
				candidate[specs[i].Name] = value
				next = append(next, candidate)
			}
		}
		grid = next
	}
	return grid, nil
}

// candidateKey canonicalizes a parameter set for dedupe across layers.
func candidateKey(params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&builder, "%s=%v;", key, params[key])
	}
	return builder.String()
}
