package screener

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/finagent/internal/modules/marketdata"
)

func setup(t *testing.T) (*Service, *marketdata.Repository) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	market, err := marketdata.NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	return NewService(market, zerolog.Nop()), market
}

func seed(t *testing.T, market *marketdata.Repository, symbol string, closes []float64) {
	t.Helper()
	days := []string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"}
	rows := make([]marketdata.OHLCVRow, len(closes))
	for i := range closes {
		rows[i] = marketdata.OHLCVRow{
			Timestamp: days[i], PublishedAt: days[i], Symbol: symbol,
			Open: closes[i], High: closes[i], Low: closes[i], Close: closes[i], Volume: 100,
			SourceFile: "seed.csv", DatasetHash: "hash",
		}
	}
	_, err := market.InsertOHLCVRows(rows)
	require.NoError(t, err)
}

func seedScreen(t *testing.T, market *marketdata.Repository) {
	// AAA trends up, BBB trends down
	seed(t, market, "AAA", []float64{10, 11, 12, 13, 14})
	seed(t, market, "BBB", []float64{20, 19, 18, 17, 16})
	_, err := market.ComputeSMAFeatures([]string{"AAA", "BBB"}, "2024-01-01", "2024-01-05", 1, 2)
	require.NoError(t, err)
}

func screenRequest(formula string) *Request {
	return &Request{
		Formula:  formula,
		AsOf:     "2024-01-05",
		Universe: []string{"AAA", "BBB"},
		TopK:     10,
	}
}

func TestRunFiltersByFormula(t *testing.T) {
	svc, market := setup(t)
	seedScreen(t, market)

	result, err := svc.Run(context.Background(), screenRequest("return_1d_pct > 0"))
	require.NoError(t, err)
	assert.Equal(t, 1, result["count"])
	rows := result["rows"].([]map[string]interface{})
	require.Len(t, rows, 1)
	assert.Equal(t, "AAA", rows[0]["symbol"])
	assert.Equal(t, "2024-01-05", rows[0]["timestamp"])
	assert.InDelta(t, 14.0, rows[0]["close"].(float64), 1e-9)
	// (14-13)/13 * 100
	assert.InDelta(t, 7.6923, rows[0]["return_1d_pct"].(float64), 1e-3)
}

func TestRunDerivedColumns(t *testing.T) {
	svc, market := setup(t)
	seedScreen(t, market)

	result, err := svc.Run(context.Background(), screenRequest("sma_gap_pct > 0"))
	require.NoError(t, err)
	rows := result["rows"].([]map[string]interface{})
	require.Len(t, rows, 1)
	assert.Equal(t, "AAA", rows[0]["symbol"])
	// short=14, long=(13+14)/2: gap (14-13.5)/13.5 * 100
	assert.InDelta(t, 3.7037, rows[0]["sma_gap_pct"].(float64), 1e-3)
	// flat bars: high == low
	assert.InDelta(t, 0.0, rows[0]["day_range_pct"].(float64), 1e-9)
}

func TestRunRankAndOrder(t *testing.T) {
	svc, market := setup(t)
	seedScreen(t, market)

	// default rank: close descending
	result, err := svc.Run(context.Background(), screenRequest("close > 0"))
	require.NoError(t, err)
	assert.Equal(t, "close", result["rank_by"])
	assert.Equal(t, "desc", result["sort_order"])
	rows := result["rows"].([]map[string]interface{})
	require.Len(t, rows, 2)
	assert.Equal(t, "BBB", rows[0]["symbol"])

	req := screenRequest("close > 0")
	req.RankBy = "return_1d_pct"
	req.SortOrder = "asc"
	result, err = svc.Run(context.Background(), req)
	require.NoError(t, err)
	rows = result["rows"].([]map[string]interface{})
	assert.Equal(t, "BBB", rows[0]["symbol"])
	assert.Equal(t, "AAA", rows[1]["symbol"])

	req = screenRequest("close > 0")
	req.TopK = 1
	result, err = svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, result["count"])
}

func TestRunValidation(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	req := screenRequest("close > 0")
	req.TopK = 0
	_, err := svc.Run(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "top_k must be positive")

	req = screenRequest("close > 0")
	req.Universe = nil
	_, err = svc.Run(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "universe must not be empty")

	req = screenRequest("close > 0")
	req.SortOrder = "sideways"
	_, err = svc.Run(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sort_order must be one of: asc, desc")

	req = screenRequest("pe_ratio > 10")
	_, err = svc.Run(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown identifier in formula")

	req = screenRequest("close > 0")
	req.RankBy = "garbage_col"
	_, err = svc.Run(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown identifier in formula: garbage_col")
}
