package tuning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObjectiveDefaults(t *testing.T) {
	objective, err := ParseObjective(nil)
	require.NoError(t, err)
	assert.Equal(t, "sharpe", objective.Metric)
	assert.True(t, objective.Maximize)
	assert.Equal(t, map[string]float64{"sharpe": 1.0}, objective.Weights)

	objective, err = ParseObjective(map[string]interface{}{"metric": "cagr", "maximize": false})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"cagr": -1.0}, objective.Weights)
}

func TestParseObjectiveErrors(t *testing.T) {
	_, err := ParseObjective(map[string]interface{}{"metric": "   "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "objective.metric is required")

	_, err = ParseObjective(map[string]interface{}{"metric": "sharpe", "weights": "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "objective.weights must be an object when provided")

	_, err = ParseObjective(map[string]interface{}{"metric": "sharpe", "weights": map[string]interface{}{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "objective.weights must not be empty")

	_, err = ParseObjective(map[string]interface{}{
		"metric":  "sharpe",
		"weights": map[string]interface{}{"sharpe": "high"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "objective.weights[sharpe] must be a numeric value")
}

func TestObjectiveScoreDirection(t *testing.T) {
	objective, err := ParseObjective(map[string]interface{}{"metric": "max_drawdown"})
	require.NoError(t, err)
	// deeper drawdown scores worse: -(-0.3) > -(-0.1) is false
	score, metric, err := objective.Score(map[string]interface{}{"max_drawdown": -0.1})
	require.NoError(t, err)
	assert.Equal(t, "max_drawdown", metric)
	assert.InDelta(t, 0.1, score, 1e-9)
}

func TestObjectiveScoreWeighted(t *testing.T) {
	objective, err := ParseObjective(map[string]interface{}{
		"metric": "sharpe",
		"weights": map[string]interface{}{
			"sharpe":       2.0,
			"max_drawdown": 1.0,
		},
	})
	require.NoError(t, err)

	score, metric, err := objective.Score(map[string]interface{}{
		"sharpe":       1.5,
		"max_drawdown": -0.2,
	})
	require.NoError(t, err)
	assert.Equal(t, "max_drawdown,sharpe", metric)
	assert.InDelta(t, 2.0*1.5+1.0*(-1.0)*(-0.2), score, 1e-9)

	_, _, err = objective.Score(map[string]interface{}{"cagr": 0.1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "objective cannot be computed; no candidate metrics available")
}
