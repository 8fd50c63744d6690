package marketdata

import (
	"github.com/markcheno/go-talib"

	"github.com/aristath/finagent/internal/errs"
)

// ComputeSMAFeatures derives rolling short/long simple moving averages over
// closes per symbol and replaces the derived feature set. Windows at the
// start of a series average over the rows available so far, so every bar in
// range gets a feature row. Returns the number of rows inserted.
func (r *Repository) ComputeSMAFeatures(universe []string, startDate, endDate string, shortWindow, longWindow int) (int, error) {
	if shortWindow < 1 || longWindow < 2 || shortWindow >= longWindow {
		return 0, errs.Invalid("invalid windows: require 1 <= short_window < long_window")
	}
	if len(universe) == 0 {
		return 0, errs.Invalid("universe must not be empty")
	}

	bars, err := r.QueryOHLCVRange(universe, startDate, endDate)
	if err != nil {
		return 0, err
	}

	type feature struct {
		timestamp string
		symbol    string
		smaShort  float64
		smaLong   float64
	}
	var features []feature

	// bars are ordered (symbol, timestamp) so each symbol forms one
	// contiguous run.
	for start := 0; start < len(bars); {
		end := start
		for end < len(bars) && bars[end].Symbol == bars[start].Symbol {
			end++
		}
		closes := make([]float64, 0, end-start)
		for _, bar := range bars[start:end] {
			closes = append(closes, bar.Close)
		}
		smaShort := rollingMean(closes, shortWindow)
		smaLong := rollingMean(closes, longWindow)
		for i, bar := range bars[start:end] {
			features = append(features, feature{
				timestamp: bar.Timestamp,
				symbol:    bar.Symbol,
				smaShort:  smaShort[i],
				smaLong:   smaLong[i],
			})
		}
		start = end
	}

	tx, err := r.db.Begin()
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM market_technicals WHERE source = 'stage1_sma'`); err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO market_technicals (timestamp, symbol, sma_short, sma_long, source)
		VALUES (?, ?, ?, ?, 'stage1_sma')`)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}
	defer stmt.Close()

	for _, f := range features {
		if _, err := stmt.Exec(f.timestamp, f.symbol, f.smaShort, f.smaLong); err != nil {
			return 0, errs.Wrap(errs.KindInternal, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}

	if len(features) == 0 {
		return 0, errs.Invalid("no technical rows generated")
	}
	return len(features), nil
}

// rollingMean computes a trailing mean with partial windows at the head:
// talib's SMA once a full window is available, an expanding mean before
// that so every bar in range gets a value.
func rollingMean(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	head := len(values)
	if head > window-1 {
		head = window - 1
	}
	sum := 0.0
	for i := 0; i < head; i++ {
		sum += values[i]
		out[i] = sum / float64(i+1)
	}
	if len(values) >= window {
		sma := talib.Sma(values, window)
		copy(out[window-1:], sma[window-1:])
	}
	return out
}
