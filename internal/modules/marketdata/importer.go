package marketdata

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/audit"
)

var (
	requiredOHLCVColumns        = []string{"timestamp", "symbol", "open", "high", "low", "close", "volume"}
	requiredFundamentalsColumns = []string{"symbol", "published_at"}
	requiredActionColumns       = []string{"symbol", "effective_at", "action_type"}
	requiredRatingsColumns      = []string{"symbol", "revised_at", "agency", "rating"}
)

// ImportResult summarizes one completed file import.
type ImportResult struct {
	SourcePath   string `json:"source_path"`
	RowsInserted int    `json:"rows_inserted"`
	DatasetHash  string `json:"dataset_hash"`
}

// Importer loads local CSV datasets into the analytics store and records an
// audit event per successful import.
type Importer struct {
	repo  *Repository
	audit *audit.Repository
	log   zerolog.Logger
}

// NewImporter creates an importer bound to the analytics repository.
func NewImporter(repo *Repository, auditRepo *audit.Repository, log zerolog.Logger) *Importer {
	return &Importer{repo: repo, audit: auditRepo, log: log.With().Str("module", "marketdata").Logger()}
}

func hashFile(path string) (string, error) {
	handle, err := os.Open(path)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	defer handle.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, handle); err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

func ensureSupportedInput(path string) error {
	if _, err := os.Stat(path); err != nil {
		return errs.Invalid("input file not found: %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return nil
	case ".parquet":
		return errs.Invalid("parquet import is not available in this build; convert %s to .csv", path)
	default:
		return errs.Invalid("only .csv and .parquet are supported in Stage 1")
	}
}

// csvTable is a header-indexed CSV file loaded fully into memory. Import
// files are operator-curated datasets, not streaming feeds.
type csvTable struct {
	header  []string
	index   map[string]int
	records [][]string
}

func readCSV(path string) (*csvTable, error) {
	handle, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer handle.Close()

	reader := csv.NewReader(handle)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errs.Invalid("failed to parse csv %s: %v", path, err)
	}
	if len(rows) == 0 {
		return &csvTable{index: map[string]int{}}, nil
	}

	table := &csvTable{header: rows[0], index: make(map[string]int, len(rows[0])), records: rows[1:]}
	for i, column := range table.header {
		table.index[strings.TrimSpace(column)] = i
	}
	return table, nil
}

func (t *csvTable) validateColumns(required []string) error {
	var missing []string
	for _, column := range required {
		if _, ok := t.index[column]; !ok {
			missing = append(missing, column)
		}
	}
	if len(missing) > 0 {
		return errs.Invalid("missing required columns: %v", missing)
	}
	return nil
}

func (t *csvTable) value(record []string, column string) string {
	i, ok := t.index[column]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// ensureEventTimeValues rejects files where the event-time column has blanks.
func (t *csvTable) ensureEventTimeValues(column string) error {
	missing := 0
	for _, record := range t.records {
		if t.value(record, column) == "" {
			missing++
		}
	}
	if missing > 0 {
		return errs.Invalid("%s is required for all rows; found %d rows missing %s", column, missing, column)
	}
	return nil
}

func parseFloatStrict(raw, column string, line int) (float64, error) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errs.Invalid("invalid %s value %q at row %d", column, raw, line)
	}
	return value, nil
}

// tryParseFloat mirrors a lenient numeric cast: unparseable values become
// null rather than failing the import.
func tryParseFloat(raw string) (float64, bool) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// ImportOHLCVFile ingests one price file. The publication time of every bar
// is set to the bar timestamp itself, which keeps local files trivially
// point-in-time clean.
func (imp *Importer) ImportOHLCVFile(ctx context.Context, path string) (*ImportResult, error) {
	absPath, err := filepath.Abs(path)
	if err == nil {
		path = absPath
	}
	if err := ensureSupportedInput(path); err != nil {
		return nil, err
	}
	datasetHash, err := hashFile(path)
	if err != nil {
		return nil, err
	}
	table, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	if err := table.validateColumns(requiredOHLCVColumns); err != nil {
		return nil, err
	}

	rows := make([]OHLCVRow, 0, len(table.records))
	for i, record := range table.records {
		line := i + 2
		row := OHLCVRow{
			Timestamp:   table.value(record, "timestamp"),
			Symbol:      table.value(record, "symbol"),
			SourceFile:  path,
			DatasetHash: datasetHash,
		}
		row.PublishedAt = row.Timestamp
		if row.Open, err = parseFloatStrict(table.value(record, "open"), "open", line); err != nil {
			return nil, err
		}
		if row.High, err = parseFloatStrict(table.value(record, "high"), "high", line); err != nil {
			return nil, err
		}
		if row.Low, err = parseFloatStrict(table.value(record, "low"), "low", line); err != nil {
			return nil, err
		}
		if row.Close, err = parseFloatStrict(table.value(record, "close"), "close", line); err != nil {
			return nil, err
		}
		if row.Volume, err = parseFloatStrict(table.value(record, "volume"), "volume", line); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	inserted, err := imp.repo.InsertOHLCVRows(rows)
	if err != nil {
		return nil, err
	}
	if inserted <= 0 {
		return nil, errs.Invalid("no rows inserted from %s", path)
	}

	result := &ImportResult{SourcePath: path, RowsInserted: inserted, DatasetHash: datasetHash}
	imp.appendAudit(ctx, "data.import", result)
	return result, nil
}

// ImportFundamentalsFile ingests a fundamentals file keyed by published_at.
func (imp *Importer) ImportFundamentalsFile(ctx context.Context, path string) (*ImportResult, error) {
	return imp.importAuxiliary(ctx, path, auxiliarySpec{
		required:   requiredFundamentalsColumns,
		eventTime:  "published_at",
		auditEvent: "data.import.fundamentals",
		insert: func(table *csvTable, record []string, datasetHash, now string) (string, []interface{}) {
			query := `INSERT INTO company_fundamentals
				(symbol, published_at, pe_ratio, eps, payload_json, source_file, dataset_hash, ingested_at)
				VALUES (?, ?, ?, ?, '{}', ?, ?, ?)`
			return query, []interface{}{
				table.value(record, "symbol"),
				table.value(record, "published_at"),
				nullableFloat(table.value(record, "pe_ratio")),
				nullableFloat(table.value(record, "eps")),
				path, datasetHash, now,
			}
		},
	})
}

// ImportCorporateActionsFile ingests a corporate-actions file keyed by
// effective_at.
func (imp *Importer) ImportCorporateActionsFile(ctx context.Context, path string) (*ImportResult, error) {
	return imp.importAuxiliary(ctx, path, auxiliarySpec{
		required:   requiredActionColumns,
		eventTime:  "effective_at",
		auditEvent: "data.import.corporate_actions",
		insert: func(table *csvTable, record []string, datasetHash, now string) (string, []interface{}) {
			query := `INSERT INTO corporate_actions
				(symbol, effective_at, action_type, action_value, payload_json, source_file, dataset_hash, ingested_at)
				VALUES (?, ?, ?, ?, '{}', ?, ?, ?)`
			return query, []interface{}{
				table.value(record, "symbol"),
				table.value(record, "effective_at"),
				table.value(record, "action_type"),
				nullableFloat(table.value(record, "action_value")),
				path, datasetHash, now,
			}
		},
	})
}

// ImportRatingsFile ingests an analyst-ratings file keyed by revised_at.
func (imp *Importer) ImportRatingsFile(ctx context.Context, path string) (*ImportResult, error) {
	return imp.importAuxiliary(ctx, path, auxiliarySpec{
		required:   requiredRatingsColumns,
		eventTime:  "revised_at",
		auditEvent: "data.import.ratings",
		insert: func(table *csvTable, record []string, datasetHash, now string) (string, []interface{}) {
			query := `INSERT INTO analyst_ratings
				(symbol, revised_at, agency, rating, payload_json, source_file, dataset_hash, ingested_at)
				VALUES (?, ?, ?, ?, '{}', ?, ?, ?)`
			return query, []interface{}{
				table.value(record, "symbol"),
				table.value(record, "revised_at"),
				table.value(record, "agency"),
				table.value(record, "rating"),
				path, datasetHash, now,
			}
		},
	})
}

type auxiliarySpec struct {
	required   []string
	eventTime  string
	auditEvent string
	insert     func(table *csvTable, record []string, datasetHash, now string) (string, []interface{})
}

func (imp *Importer) importAuxiliary(ctx context.Context, path string, spec auxiliarySpec) (*ImportResult, error) {
	absPath, err := filepath.Abs(path)
	if err == nil {
		path = absPath
	}
	if err := ensureSupportedInput(path); err != nil {
		return nil, err
	}
	datasetHash, err := hashFile(path)
	if err != nil {
		return nil, err
	}
	table, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	if err := table.validateColumns(spec.required); err != nil {
		return nil, err
	}
	if err := table.ensureEventTimeValues(spec.eventTime); err != nil {
		return nil, err
	}

	tx, err := imp.repo.db.Begin()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)
	inserted := 0
	for _, record := range table.records {
		query, args := spec.insert(table, record, datasetHash, now)
		if _, err := tx.Exec(query, args...); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		inserted++
	}
	if inserted <= 0 {
		return nil, errs.Invalid("no rows inserted from %s", path)
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	result := &ImportResult{SourcePath: path, RowsInserted: inserted, DatasetHash: datasetHash}
	imp.appendAudit(ctx, spec.auditEvent, result)
	return result, nil
}

func (imp *Importer) appendAudit(ctx context.Context, eventType string, result *ImportResult) {
	if imp.audit == nil {
		return
	}
	err := imp.audit.Append(ctx, eventType, map[string]interface{}{
		"source_path":   result.SourcePath,
		"rows_inserted": result.RowsInserted,
		"dataset_hash":  result.DatasetHash,
	})
	if err != nil {
		imp.log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to append import audit event")
	}
}

func nullableFloat(raw string) interface{} {
	if value, ok := tryParseFloat(raw); ok {
		return value
	}
	return nil
}
