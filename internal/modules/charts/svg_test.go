package charts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLineChart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "equity.svg")
	labels := []string{"2024-01-01", "2024-01-02", "2024-01-03"}
	values := []float64{100000, 101500, 99800}

	require.NoError(t, WriteLineChart(path, "Equity - demo", labels, values))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	svg := string(content)
	assert.Contains(t, svg, `width="960" height="420"`)
	assert.Contains(t, svg, `fill="#0f172a"`)
	assert.Contains(t, svg, `stroke="#22d3ee"`)
	assert.Contains(t, svg, `fill="#f59e0b"`)
	assert.Contains(t, svg, "Equity - demo")
	assert.Contains(t, svg, "last=2024-01-03 value=99800.0000")
}

func TestWriteLineChartSinglePoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "single.svg")
	require.NoError(t, WriteLineChart(path, "One", []string{"2024-01-01"}, []float64{42}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	// a single point lands on the horizontal midline of the plot area
	assert.Contains(t, string(content), `cx="480.00"`)
}

func TestWriteLineChartRejectsMismatchedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.svg")
	err := WriteLineChart(path, "Bad", []string{"a", "b"}, []float64{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid chart data")

	err = WriteLineChart(path, "Empty", nil, nil)
	require.Error(t, err)
}

func TestWriteLineChartEscapesTitle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "esc.svg")
	require.NoError(t, WriteLineChart(path, "a<b & c", []string{"x"}, []float64{1}))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "a&lt;b &amp; c")
}
