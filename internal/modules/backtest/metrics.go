package backtest

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/finagent/internal/errs"
)

const tradingDaysPerYear = 252.0

// ComputeMetrics derives the standard metric set from a daily equity series.
// Sharpe is annualized from daily returns; drawdown is the deepest
// peak-to-trough ratio seen.
func ComputeMetrics(equityByDay []float64, tradeCount int) (*Metrics, error) {
	if len(equityByDay) < 2 {
		return nil, errs.Invalid("need at least 2 points to compute metrics")
	}

	returns := make([]float64, 0, len(equityByDay)-1)
	for i := 1; i < len(equityByDay); i++ {
		prev := equityByDay[i-1]
		if prev <= 0 {
			return nil, errs.Invalid("equity became non-positive; metrics invalid")
		}
		returns = append(returns, (equityByDay[i]-prev)/prev)
	}

	initial := equityByDay[0]
	final := equityByDay[len(equityByDay)-1]
	totalReturn := final/initial - 1.0

	years := math.Max(float64(len(equityByDay)-1)/tradingDaysPerYear, 1.0/tradingDaysPerYear)
	cagr := math.Pow(final/initial, 1.0/years) - 1.0

	meanRet := stat.Mean(returns, nil)
	stdDev := math.Sqrt(stat.PopVariance(returns, nil))
	sharpe := 0.0
	if stdDev != 0 {
		sharpe = (meanRet / stdDev) * math.Sqrt(tradingDaysPerYear)
	}

	peak := equityByDay[0]
	maxDrawdown := 0.0
	for _, value := range equityByDay {
		if value > peak {
			peak = value
		}
		if drawdown := value/peak - 1.0; drawdown < maxDrawdown {
			maxDrawdown = drawdown
		}
	}

	return &Metrics{
		FinalEquity: final,
		TotalReturn: totalReturn,
		CAGR:        cagr,
		Sharpe:      sharpe,
		MaxDrawdown: maxDrawdown,
		TradeCount:  tradeCount,
	}, nil
}

// Drawdowns returns the running drawdown series for charting.
func Drawdowns(equity []float64) []float64 {
	out := make([]float64, len(equity))
	if len(equity) == 0 {
		return out
	}
	peak := equity[0]
	for i, value := range equity {
		if value > peak {
			peak = value
		}
		out[i] = value/peak - 1.0
	}
	return out
}
