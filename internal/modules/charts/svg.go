// Package charts renders run artifacts as self-contained SVG line charts.
// Plain SVG keeps artifacts diffable and viewable without a frontend.
package charts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aristath/finagent/internal/errs"
)

const (
	chartWidth  = 960
	chartHeight = 420
	margin      = 40
	chartTop    = 70
)

// scale maps values onto the vertical pixel range, inverted so larger values
// render higher. A flat series sits on the midline.
func scale(values []float64, low, high float64) []float64 {
	minV, maxV := values[0], values[0]
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	out := make([]float64, len(values))
	if maxV == minV {
		mid := (low + high) / 2.0
		for i := range out {
			out[i] = mid
		}
		return out
	}
	for i, v := range values {
		out[i] = high - ((v-minV)/(maxV-minV))*(high-low)
	}
	return out
}

// WriteLineChart renders one series to path.
func WriteLineChart(path, title string, xLabels []string, yValues []float64) error {
	if len(xLabels) == 0 || len(yValues) == 0 || len(xLabels) != len(yValues) {
		return errs.Invalid("invalid chart data")
	}

	chartLeft := float64(margin)
	chartRight := float64(chartWidth - margin)
	chartBottom := float64(chartHeight - margin)

	count := len(yValues)
	pointsX := make([]float64, count)
	for i := range pointsX {
		if count == 1 {
			pointsX[i] = (chartLeft + chartRight) / 2.0
		} else {
			pointsX[i] = chartLeft + float64(i)*((chartRight-chartLeft)/float64(count-1))
		}
	}
	pointsY := scale(yValues, chartTop, chartBottom)

	var polyline strings.Builder
	for i := range pointsX {
		if i > 0 {
			polyline.WriteByte(' ')
		}
		fmt.Fprintf(&polyline, "%.2f,%.2f", pointsX[i], pointsY[i])
	}

	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">
  <rect x="0" y="0" width="%d" height="%d" fill="#0f172a"/>
  <text x="%d" y="36" fill="#e2e8f0" font-size="22" font-family="monospace">%s</text>
  <line x1="%.0f" y1="%.0f" x2="%.0f" y2="%.0f" stroke="#334155" stroke-width="1"/>
  <line x1="%.0f" y1="%d" x2="%.0f" y2="%.0f" stroke="#334155" stroke-width="1"/>
  <polyline points="%s" fill="none" stroke="#22d3ee" stroke-width="2"/>
  <circle cx="%.2f" cy="%.2f" r="4" fill="#f59e0b"/>
  <text x="%d" y="%d" fill="#94a3b8" font-size="12" font-family="monospace">last=%s value=%.4f</text>
</svg>
`,
		chartWidth, chartHeight, chartWidth, chartHeight,
		chartWidth, chartHeight,
		margin, escapeText(title),
		chartLeft, chartBottom, chartRight, chartBottom,
		chartLeft, chartTop, chartLeft, chartBottom,
		polyline.String(),
		pointsX[count-1], pointsY[count-1],
		margin, chartHeight-12, escapeText(xLabels[count-1]), yValues[count-1],
	)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	if err := os.WriteFile(path, []byte(svg), 0o644); err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	return nil
}

func escapeText(value string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return replacer.Replace(value)
}
