package worldstate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/marketdata"
)

// Adjustment policies accepted by the manifest builder. Only the policy name
// participates in the data hash for now; price rewriting is a later stage.
const (
	PolicyNone          = "none"
	PolicySplitAdjusted = "split_adjusted"
	PolicyTotalReturn   = "total_return"
)

// Manifest pins the exact data window a run consumed. Identical inputs
// produce an identical data hash.
type Manifest struct {
	ManifestID           string   `json:"manifest_id"`
	Universe             []string `json:"universe"`
	StartDate            string   `json:"start_date"`
	EndDate              string   `json:"end_date"`
	DataHash             string   `json:"data_hash"`
	RowCount             int      `json:"row_count"`
	FundamentalsRowCount int      `json:"fundamentals_row_count"`
	CorporateActionsRows int      `json:"corporate_actions_row_count"`
	RatingsRowCount      int      `json:"ratings_row_count"`
	AdjustmentPolicy     string   `json:"adjustment_policy"`
}

// SkippedInstrument records a symbol excluded from coverage and why.
type SkippedInstrument struct {
	Symbol         string `json:"symbol"`
	FallbackReason string `json:"fallback_reason"`
}

// SkippedFeature records a derived feature gap for a covered symbol.
type SkippedFeature struct {
	Symbol         string `json:"symbol"`
	Feature        string `json:"feature"`
	FallbackReason string `json:"fallback_reason"`
}

// CompletenessReport describes data coverage for a universe and range.
type CompletenessReport struct {
	Universe           []string            `json:"universe"`
	StartDate          string              `json:"start_date"`
	EndDate            string              `json:"end_date"`
	StrictMode         bool                `json:"strict_mode"`
	TotalSymbols       int                 `json:"total_symbols"`
	CoveredSymbols     int                 `json:"covered_symbols"`
	SkippedInstruments []SkippedInstrument `json:"skipped_instruments"`
	SkippedFeatures    []SkippedFeature    `json:"skipped_features"`
	FallbackReason     string              `json:"fallback_reason,omitempty"`
}

// PITReport is the result of a publication-time leak scan.
type PITReport struct {
	Universe    []string `json:"universe"`
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
	StrictMode  bool     `json:"strict_mode"`
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors"`
	Remediation []string `json:"remediation"`
	LeakRows    int      `json:"leak_rows"`
}

// Service builds manifests and validation reports from the analytics store.
type Service struct {
	market *marketdata.Repository
	repo   *Repository
	log    zerolog.Logger
}

// NewService wires the world-state builder.
func NewService(market *marketdata.Repository, repo *Repository, log zerolog.Logger) *Service {
	return &Service{market: market, repo: repo, log: log.With().Str("module", "worldstate").Logger()}
}

// BuildManifest snapshots the OHLCV window for the universe, hashes every row
// together with the auxiliary dataset counts and the adjustment policy, and
// persists the result. Symbols with zero rows in range fail the build.
func (s *Service) BuildManifest(ctx context.Context, universe []string, startDate, endDate, adjustmentPolicy string) (*Manifest, error) {
	if len(universe) == 0 {
		return nil, errs.Invalid("universe must not be empty")
	}
	policy := strings.ToLower(strings.TrimSpace(adjustmentPolicy))
	if policy == "" {
		policy = PolicyNone
	}
	switch policy {
	case PolicyNone, PolicySplitAdjusted, PolicyTotalReturn:
	default:
		return nil, errs.Invalid(
			"unsupported adjustment_policy=%s; expected one of: none, split_adjusted, total_return",
			adjustmentPolicy)
	}

	rows, err := s.market.QueryOHLCVRange(universe, startDate, endDate)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.Invalid("no market rows available for requested universe/date range")
	}

	fundamentals, actions, ratings, err := s.market.ManifestCounts(universe, startDate, endDate)
	if err != nil {
		return nil, err
	}

	bySymbol := make(map[string]int, len(universe))
	for _, symbol := range universe {
		bySymbol[symbol] = 0
	}
	hasher := sha256.New()
	for _, row := range rows {
		bySymbol[row.Symbol]++
		hasher.Write([]byte(strings.Join([]string{
			row.Symbol,
			row.Timestamp,
			row.PublishedAt,
			formatFloat(row.Open),
			formatFloat(row.High),
			formatFloat(row.Low),
			formatFloat(row.Close),
			formatFloat(row.Volume),
			row.DatasetHash,
		}, "|")))
	}
	fmt.Fprintf(hasher, "adjustment_policy=%s", policy)
	fmt.Fprintf(hasher, "fundamentals_count=%d", fundamentals)
	fmt.Fprintf(hasher, "actions_count=%d", actions)
	fmt.Fprintf(hasher, "ratings_count=%d", ratings)

	var missing []string
	for _, symbol := range universe {
		if bySymbol[symbol] == 0 {
			missing = append(missing, symbol)
		}
	}
	if len(missing) > 0 {
		return nil, errs.Invalid("critical PIT data missing for symbols: %v", missing)
	}

	manifest := &Manifest{
		ManifestID:           uuid.New().String(),
		Universe:             universe,
		StartDate:            startDate,
		EndDate:              endDate,
		DataHash:             hex.EncodeToString(hasher.Sum(nil)),
		RowCount:             len(rows),
		FundamentalsRowCount: fundamentals,
		CorporateActionsRows: actions,
		RatingsRowCount:      ratings,
		AdjustmentPolicy:     policy,
	}
	if err := s.repo.SaveManifest(ctx, manifest); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("manifest_id", manifest.ManifestID).
		Int("row_count", manifest.RowCount).
		Str("data_hash", manifest.DataHash[:12]).
		Msg("World manifest built")
	return manifest, nil
}

// BuildCompletenessReport checks per-symbol OHLCV and technical coverage.
// In strict mode a missing-OHLCV symbol is a hard failure.
func (s *Service) BuildCompletenessReport(universe []string, startDate, endDate string, strictMode bool) (*CompletenessReport, error) {
	if len(universe) == 0 {
		return nil, errs.Invalid("universe must not be empty")
	}

	ohlcvCounts, err := s.market.CountBySymbol(universe, startDate, endDate)
	if err != nil {
		return nil, err
	}
	technicalCounts, err := s.market.TechnicalCountBySymbol(universe, startDate, endDate)
	if err != nil {
		return nil, err
	}

	report := &CompletenessReport{
		Universe:           universe,
		StartDate:          startDate,
		EndDate:            endDate,
		StrictMode:         strictMode,
		TotalSymbols:       len(universe),
		SkippedInstruments: []SkippedInstrument{},
		SkippedFeatures:    []SkippedFeature{},
	}
	for _, symbol := range universe {
		if ohlcvCounts[symbol] <= 0 {
			report.SkippedInstruments = append(report.SkippedInstruments, SkippedInstrument{
				Symbol:         symbol,
				FallbackReason: "missing_ohlcv_rows",
			})
			continue
		}
		if technicalCounts[symbol] <= 0 {
			report.SkippedFeatures = append(report.SkippedFeatures, SkippedFeature{
				Symbol:         symbol,
				Feature:        "sma_short,sma_long",
				FallbackReason: "missing_technical_rows",
			})
		}
	}

	if len(report.SkippedInstruments) > 0 {
		report.FallbackReason = "critical_missing_ohlcv_rows"
	} else if len(report.SkippedFeatures) > 0 {
		report.FallbackReason = "technical_features_missing"
	}

	if strictMode && len(report.SkippedInstruments) > 0 {
		return nil, errs.Invalid("strict completeness check failed: missing critical PIT dependencies (OHLCV rows)").
			WithRemediation("import required OHLCV data for all requested symbols/date range")
	}

	report.CoveredSymbols = len(universe) - len(report.SkippedInstruments)
	return report, nil
}

// ValidatePIT scans the window for publication-time leaks and missing
// critical fields. In strict mode any finding is a hard failure.
func (s *Service) ValidatePIT(universe []string, startDate, endDate string, strictMode bool) (*PITReport, error) {
	if len(universe) == 0 {
		return nil, errs.Invalid("universe must not be empty")
	}

	rows, err := s.market.QueryOHLCVRange(universe, startDate, endDate)
	if err != nil {
		return nil, err
	}

	report := &PITReport{
		Universe:    universe,
		StartDate:   startDate,
		EndDate:     endDate,
		StrictMode:  strictMode,
		Errors:      []string{},
		Remediation: []string{},
	}
	if len(rows) == 0 {
		report.Errors = append(report.Errors, "no market_ohlcv rows available for universe/date range")
		report.Remediation = append(report.Remediation, "import OHLCV data for requested universe/date range")
	}

	bySymbol := make(map[string]int, len(universe))
	for _, symbol := range universe {
		bySymbol[symbol] = 0
	}
	missingFields := 0
	for _, row := range rows {
		if _, ok := bySymbol[row.Symbol]; ok {
			bySymbol[row.Symbol]++
		}
		if row.Timestamp == "" || row.PublishedAt == "" {
			missingFields++
			continue
		}
		if row.PublishedAt > row.Timestamp {
			report.LeakRows++
		}
	}

	var missing []string
	for _, symbol := range universe {
		if bySymbol[symbol] == 0 {
			missing = append(missing, symbol)
		}
	}
	if len(missing) > 0 {
		report.Errors = append(report.Errors, fmt.Sprintf("missing rows for symbols: %v", missing))
		report.Remediation = append(report.Remediation, "import OHLCV rows for all requested symbols")
	}
	if missingFields > 0 {
		report.Errors = append(report.Errors,
			fmt.Sprintf("rows missing critical published_at/timestamp fields: %d", missingFields))
		report.Remediation = append(report.Remediation,
			"backfill market_ohlcv.published_at for all rows (published_at = timestamp)")
	}
	if report.LeakRows > 0 {
		report.Errors = append(report.Errors,
			fmt.Sprintf("future publication leaks detected: %d rows where published_at > timestamp", report.LeakRows))
		report.Remediation = append(report.Remediation,
			"fix source publication timestamps and re-import; published_at must be <= timestamp for PIT safety")
	}

	report.Valid = len(report.Errors) == 0
	if strictMode && !report.Valid {
		return nil, errs.Invalid("PIT validation failed in strict mode: %s", strings.Join(report.Errors, "; ")).
			WithRemediation(strings.Join(report.Remediation, " | "))
	}
	return report, nil
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}
