package worldstate

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

func setupService(t *testing.T) (*Service, *marketdata.Repository) {
	t.Helper()
	analyticsDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { analyticsDB.Close() })
	stateDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { stateDB.Close() })

	market, err := marketdata.NewRepository(analyticsDB, zerolog.Nop())
	require.NoError(t, err)
	repo, err := NewRepository(stateDB, zerolog.Nop())
	require.NoError(t, err)
	return NewService(market, repo, zerolog.Nop()), market
}

func seedBars(t *testing.T, market *marketdata.Repository, rows []marketdata.OHLCVRow) {
	t.Helper()
	_, err := market.InsertOHLCVRows(rows)
	require.NoError(t, err)
}

func bar(symbol, ts string, close float64) marketdata.OHLCVRow {
	return marketdata.OHLCVRow{
		Timestamp: ts, PublishedAt: ts, Symbol: symbol,
		Open: close, High: close, Low: close, Close: close, Volume: 100,
		SourceFile: "seed.csv", DatasetHash: "hash",
	}
}

func TestBuildManifestDeterministicHash(t *testing.T) {
	svc, market := setupService(t)
	seedBars(t, market, []marketdata.OHLCVRow{
		bar("AAA", "2024-01-01", 10), bar("AAA", "2024-01-02", 11),
		bar("BBB", "2024-01-01", 20),
	})

	first, err := svc.BuildManifest(context.Background(), []string{"AAA", "BBB"}, "2024-01-01", "2024-01-02", "none")
	require.NoError(t, err)
	assert.Equal(t, 3, first.RowCount)
	assert.Len(t, first.DataHash, 64)
	assert.Equal(t, "none", first.AdjustmentPolicy)

	second, err := svc.BuildManifest(context.Background(), []string{"AAA", "BBB"}, "2024-01-01", "2024-01-02", "none")
	require.NoError(t, err)
	assert.Equal(t, first.DataHash, second.DataHash)
	assert.NotEqual(t, first.ManifestID, second.ManifestID)

	// a different adjustment policy perturbs the hash even for identical rows
	adjusted, err := svc.BuildManifest(context.Background(), []string{"AAA", "BBB"}, "2024-01-01", "2024-01-02", "split_adjusted")
	require.NoError(t, err)
	assert.NotEqual(t, first.DataHash, adjusted.DataHash)
}

func TestBuildManifestRejectsMissingSymbols(t *testing.T) {
	svc, market := setupService(t)
	seedBars(t, market, []marketdata.OHLCVRow{bar("AAA", "2024-01-01", 10)})

	_, err := svc.BuildManifest(context.Background(), []string{"AAA", "ZZZ"}, "2024-01-01", "2024-01-02", "none")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critical PIT data missing for symbols: [ZZZ]")
}

func TestBuildManifestRejectsUnknownPolicy(t *testing.T) {
	svc, _ := setupService(t)
	_, err := svc.BuildManifest(context.Background(), []string{"AAA"}, "2024-01-01", "2024-01-02", "survivorship")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported adjustment_policy=survivorship")
}

func TestManifestRoundTrip(t *testing.T) {
	svc, market := setupService(t)
	seedBars(t, market, []marketdata.OHLCVRow{bar("AAA", "2024-01-01", 10)})

	manifest, err := svc.BuildManifest(context.Background(), []string{"AAA"}, "2024-01-01", "2024-01-02", "none")
	require.NoError(t, err)

	loaded, err := svc.repo.GetManifest(context.Background(), manifest.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, manifest.DataHash, loaded.DataHash)
	assert.Equal(t, manifest.Universe, loaded.Universe)

	_, err = svc.repo.GetManifest(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "world_manifest not found")
}

func TestCompletenessReport(t *testing.T) {
	svc, market := setupService(t)
	seedBars(t, market, []marketdata.OHLCVRow{
		bar("AAA", "2024-01-01", 10), bar("AAA", "2024-01-02", 11),
	})
	_, err := market.ComputeSMAFeatures([]string{"AAA"}, "2024-01-01", "2024-01-02", 1, 2)
	require.NoError(t, err)

	report, err := svc.BuildCompletenessReport([]string{"AAA", "BBB"}, "2024-01-01", "2024-01-02", false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalSymbols)
	assert.Equal(t, 1, report.CoveredSymbols)
	require.Len(t, report.SkippedInstruments, 1)
	assert.Equal(t, "BBB", report.SkippedInstruments[0].Symbol)
	assert.Equal(t, "missing_ohlcv_rows", report.SkippedInstruments[0].FallbackReason)
	assert.Equal(t, "critical_missing_ohlcv_rows", report.FallbackReason)

	_, err = svc.BuildCompletenessReport([]string{"AAA", "BBB"}, "2024-01-01", "2024-01-02", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict completeness check failed")
}

func TestCompletenessReportFeatureGap(t *testing.T) {
	svc, market := setupService(t)
	seedBars(t, market, []marketdata.OHLCVRow{bar("AAA", "2024-01-01", 10)})

	report, err := svc.BuildCompletenessReport([]string{"AAA"}, "2024-01-01", "2024-01-02", true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CoveredSymbols)
	require.Len(t, report.SkippedFeatures, 1)
	assert.Equal(t, "sma_short,sma_long", report.SkippedFeatures[0].Feature)
	assert.Equal(t, "technical_features_missing", report.FallbackReason)
}

func TestValidatePITDetectsLeaks(t *testing.T) {
	svc, market := setupService(t)
	leaky := bar("AAA", "2024-01-02", 11)
	leaky.PublishedAt = "2024-01-05"
	seedBars(t, market, []marketdata.OHLCVRow{bar("AAA", "2024-01-01", 10), leaky})

	report, err := svc.ValidatePIT([]string{"AAA"}, "2024-01-01", "2024-01-02", false)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, 1, report.LeakRows)
	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0], "future publication leaks detected: 1 rows")

	_, err = svc.ValidatePIT([]string{"AAA"}, "2024-01-01", "2024-01-02", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PIT validation failed in strict mode")
}

func TestValidatePITCleanWindow(t *testing.T) {
	svc, market := setupService(t)
	seedBars(t, market, []marketdata.OHLCVRow{bar("AAA", "2024-01-01", 10)})

	report, err := svc.ValidatePIT([]string{"AAA"}, "2024-01-01", "2024-01-02", true)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Zero(t, report.LeakRows)
	assert.Empty(t, report.Errors)
}
