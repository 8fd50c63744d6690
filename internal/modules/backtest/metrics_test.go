package backtest

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeMetrics(t *testing.T) {
	metrics, err := ComputeMetrics([]float64{100, 110, 121}, 4)
	require.NoError(t, err)
	assert.InDelta(t, 121.0, metrics.FinalEquity, 1e-9)
	assert.InDelta(t, 0.21, metrics.TotalReturn, 1e-9)
	// identical daily returns have zero variance, so sharpe collapses to 0
	assert.Zero(t, metrics.Sharpe)
	assert.Zero(t, metrics.MaxDrawdown)
	assert.Equal(t, 4, metrics.TradeCount)

	years := 2.0 / 252.0
	expectedCAGR := math.Pow(1.21, 1.0/years) - 1.0
	assert.InDelta(t, expectedCAGR, metrics.CAGR, 1e-6)
}

func TestComputeMetricsDrawdownAndSharpe(t *testing.T) {
	metrics, err := ComputeMetrics([]float64{100, 120, 90, 130}, 2)
	require.NoError(t, err)
	assert.InDelta(t, -0.25, metrics.MaxDrawdown, 1e-9)
	assert.NotZero(t, metrics.Sharpe)
}

func TestComputeMetricsValidation(t *testing.T) {
	_, err := ComputeMetrics([]float64{100}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need at least 2 points to compute metrics")

	_, err = ComputeMetrics([]float64{100, 0, 50}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "equity became non-positive; metrics invalid")
}

func TestDrawdowns(t *testing.T) {
	out := Drawdowns([]float64{100, 120, 90, 130})
	require.Len(t, out, 4)
	assert.InDelta(t, 0.0, out[0], 1e-9)
	assert.InDelta(t, 0.0, out[1], 1e-9)
	assert.InDelta(t, -0.25, out[2], 1e-9)
	assert.InDelta(t, 0.0, out[3], 1e-9)
}

func TestMovingAverageNaNPadding(t *testing.T) {
	out := movingAverage([]float64{10, 12, 14, 16}, 3)
	require.Len(t, out, 4)
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 12.0, out[2], 1e-9)
	assert.InDelta(t, 14.0, out[3], 1e-9)
}
