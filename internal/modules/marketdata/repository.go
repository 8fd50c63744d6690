// Package marketdata owns the columnar analytics store: point-in-time OHLCV,
// technicals, fundamentals, corporate actions, ratings, instruments and
// quotes. No other package writes these tables.
package marketdata

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS market_ohlcv (
	timestamp TEXT NOT NULL,
	published_at TEXT,
	symbol TEXT NOT NULL,
	open REAL NOT NULL,
	high REAL NOT NULL,
	low REAL NOT NULL,
	close REAL NOT NULL,
	volume REAL NOT NULL,
	source_file TEXT NOT NULL,
	dataset_hash TEXT NOT NULL,
	ingested_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_market_ohlcv_symbol_ts ON market_ohlcv(symbol, timestamp);
CREATE TABLE IF NOT EXISTS market_technicals (
	timestamp TEXT NOT NULL,
	symbol TEXT NOT NULL,
	sma_short REAL,
	sma_long REAL,
	source TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_market_technicals_symbol_ts ON market_technicals(symbol, timestamp);
CREATE TABLE IF NOT EXISTS market_instruments (
	instrument_token TEXT NOT NULL,
	exchange TEXT,
	segment TEXT,
	tradingsymbol TEXT NOT NULL,
	name TEXT,
	lot_size REAL,
	tick_size REAL,
	expiry TEXT,
	strike REAL,
	instrument_type TEXT,
	source TEXT NOT NULL,
	dataset_hash TEXT NOT NULL,
	fetched_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS market_quotes (
	quote_key TEXT NOT NULL,
	instrument_token TEXT,
	last_price REAL,
	payload_json TEXT NOT NULL,
	source TEXT NOT NULL,
	fetched_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS company_fundamentals (
	symbol TEXT NOT NULL,
	published_at TEXT NOT NULL,
	pe_ratio REAL,
	eps REAL,
	payload_json TEXT NOT NULL,
	source_file TEXT NOT NULL,
	dataset_hash TEXT NOT NULL,
	ingested_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS corporate_actions (
	symbol TEXT NOT NULL,
	effective_at TEXT NOT NULL,
	action_type TEXT NOT NULL,
	action_value REAL,
	payload_json TEXT NOT NULL,
	source_file TEXT NOT NULL,
	dataset_hash TEXT NOT NULL,
	ingested_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS analyst_ratings (
	symbol TEXT NOT NULL,
	revised_at TEXT NOT NULL,
	agency TEXT NOT NULL,
	rating TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	source_file TEXT NOT NULL,
	dataset_hash TEXT NOT NULL,
	ingested_at TEXT NOT NULL
);
`

// OHLCVRow is one point-in-time price row.
type OHLCVRow struct {
	Timestamp   string  `json:"timestamp"`
	PublishedAt string  `json:"published_at"`
	Symbol      string  `json:"symbol"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	SourceFile  string  `json:"source_file"`
	DatasetHash string  `json:"dataset_hash"`
}

// FundamentalsRow is the strict as-of fundamentals view.
type FundamentalsRow struct {
	Symbol      string  `json:"symbol"`
	PublishedAt string  `json:"published_at"`
	PERatio     float64 `json:"pe_ratio"`
	EPS         float64 `json:"eps"`
}

// InstrumentRow mirrors one broker instrument listing.
type InstrumentRow struct {
	InstrumentToken string
	Exchange        string
	Segment         string
	TradingSymbol   string
	Name            string
	LotSize         float64
	TickSize        float64
	Expiry          string
	Strike          float64
	InstrumentType  string
	DatasetHash     string
}

// Repository provides parameterized reads and importer-only writes over the
// analytics database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository and its schema.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &Repository{db: db, log: log.With().Str("repo", "marketdata").Logger()}, nil
}

// DB exposes the handle for read-only analytical SQL (screener CTEs).
func (r *Repository) DB() *sql.DB {
	return r.db
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func universeArgs(universe []string, extra ...interface{}) []interface{} {
	args := make([]interface{}, 0, len(universe)+len(extra))
	for _, symbol := range universe {
		args = append(args, symbol)
	}
	return append(args, extra...)
}

// InsertOHLCVRows bulk-inserts price rows inside one transaction and returns
// the number inserted.
func (r *Repository) InsertOHLCVRows(rows []OHLCVRow) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO market_ohlcv
			(timestamp, published_at, symbol, open, high, low, close, volume, source_file, dataset_hash, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, row := range rows {
		publishedAt := row.PublishedAt
		if publishedAt == "" {
			publishedAt = row.Timestamp
		}
		if _, err := stmt.Exec(row.Timestamp, publishedAt, row.Symbol,
			row.Open, row.High, row.Low, row.Close, row.Volume,
			row.SourceFile, row.DatasetHash, now); err != nil {
			return 0, errs.Wrap(errs.KindInternal, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}
	return len(rows), nil
}

// QueryOHLCVRange returns rows for the universe and inclusive date range in
// deterministic (symbol, timestamp) order.
func (r *Repository) QueryOHLCVRange(universe []string, startDate, endDate string) ([]OHLCVRow, error) {
	if len(universe) == 0 {
		return nil, errs.Invalid("universe must not be empty")
	}
	query := fmt.Sprintf(`
		SELECT timestamp, COALESCE(published_at, timestamp), symbol, open, high, low, close, volume, source_file, dataset_hash
		FROM market_ohlcv
		WHERE symbol IN (%s)
		  AND substr(timestamp, 1, 10) BETWEEN ? AND ?
		ORDER BY symbol ASC, timestamp ASC`, placeholders(len(universe)))

	rows, err := r.db.Query(query, universeArgs(universe, startDate, endDate)...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	var out []OHLCVRow
	for rows.Next() {
		var row OHLCVRow
		if err := rows.Scan(&row.Timestamp, &row.PublishedAt, &row.Symbol,
			&row.Open, &row.High, &row.Low, &row.Close, &row.Volume,
			&row.SourceFile, &row.DatasetHash); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// QueryLatestCloses returns the trailing lookback window of closes per symbol
// ending at endDate, ordered (symbol, timestamp).
func (r *Repository) QueryLatestCloses(universe []string, endDate string, lookbackDays int) ([]OHLCVRow, error) {
	if len(universe) == 0 {
		return nil, errs.Invalid("universe must not be empty")
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return nil, errs.Invalid("invalid end_date: %s", endDate)
	}
	start := end.AddDate(0, 0, -lookbackDays).Format("2006-01-02")
	return r.QueryOHLCVRange(universe, start, endDate)
}

// CountOHLCVRange counts rows for the universe and range.
func (r *Repository) CountOHLCVRange(universe []string, startDate, endDate string) (int, error) {
	if len(universe) == 0 {
		return 0, errs.Invalid("universe must not be empty")
	}
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM market_ohlcv
		WHERE symbol IN (%s) AND substr(timestamp, 1, 10) BETWEEN ? AND ?`,
		placeholders(len(universe)))
	var count int
	err := r.db.QueryRow(query, universeArgs(universe, startDate, endDate)...).Scan(&count)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}
	return count, nil
}

// CountBySymbol returns per-symbol OHLCV counts within the range.
func (r *Repository) CountBySymbol(universe []string, startDate, endDate string) (map[string]int, error) {
	if len(universe) == 0 {
		return nil, errs.Invalid("universe must not be empty")
	}
	query := fmt.Sprintf(`
		SELECT symbol, COUNT(*) FROM market_ohlcv
		WHERE symbol IN (%s) AND substr(timestamp, 1, 10) BETWEEN ? AND ?
		GROUP BY symbol`, placeholders(len(universe)))
	rows, err := r.db.Query(query, universeArgs(universe, startDate, endDate)...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	counts := make(map[string]int, len(universe))
	for rows.Next() {
		var symbol string
		var count int
		if err := rows.Scan(&symbol, &count); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		counts[symbol] = count
	}
	return counts, rows.Err()
}

// TechnicalCountBySymbol returns per-symbol technical feature counts.
func (r *Repository) TechnicalCountBySymbol(universe []string, startDate, endDate string) (map[string]int, error) {
	if len(universe) == 0 {
		return nil, errs.Invalid("universe must not be empty")
	}
	query := fmt.Sprintf(`
		SELECT symbol, COUNT(*) FROM market_technicals
		WHERE symbol IN (%s) AND substr(timestamp, 1, 10) BETWEEN ? AND ?
		GROUP BY symbol`, placeholders(len(universe)))
	rows, err := r.db.Query(query, universeArgs(universe, startDate, endDate)...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	counts := make(map[string]int, len(universe))
	for rows.Next() {
		var symbol string
		var count int
		if err := rows.Scan(&symbol, &count); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		counts[symbol] = count
	}
	return counts, rows.Err()
}

// LeakCounts reports PIT violations for the range: rows where the publication
// time postdates the bar, and rows with null timestamps.
func (r *Repository) LeakCounts(universe []string, startDate, endDate string) (leaks, nullRows int, err error) {
	if len(universe) == 0 {
		return 0, 0, errs.Invalid("universe must not be empty")
	}
	base := fmt.Sprintf(`FROM market_ohlcv
		WHERE symbol IN (%s) AND substr(timestamp, 1, 10) BETWEEN ? AND ?`,
		placeholders(len(universe)))
	args := universeArgs(universe, startDate, endDate)

	if err = r.db.QueryRow(`SELECT COUNT(*) `+base+` AND published_at > timestamp`, args...).Scan(&leaks); err != nil {
		return 0, 0, errs.Wrap(errs.KindInternal, err)
	}
	if err = r.db.QueryRow(`SELECT COUNT(*) `+base+` AND (timestamp IS NULL OR published_at IS NULL)`, args...).Scan(&nullRows); err != nil {
		return 0, 0, errs.Wrap(errs.KindInternal, err)
	}
	return leaks, nullRows, nil
}

// ManifestCounts returns the auxiliary dataset counts that feed the world
// manifest hash: fundamentals and ratings known by the end of the range,
// corporate actions effective within it.
func (r *Repository) ManifestCounts(universe []string, startDate, endDate string) (fundamentals, actions, ratings int, err error) {
	endOfDay := endDate + "T23:59:59"
	n := placeholders(len(universe))

	query := fmt.Sprintf(`SELECT COUNT(*) FROM company_fundamentals
		WHERE symbol IN (%s) AND published_at <= ?`, n)
	if err := r.db.QueryRow(query, universeArgs(universe, endOfDay)...).Scan(&fundamentals); err != nil {
		return 0, 0, 0, errs.Wrap(errs.KindInternal, err)
	}

	query = fmt.Sprintf(`SELECT COUNT(*) FROM corporate_actions
		WHERE symbol IN (%s) AND substr(effective_at, 1, 10) BETWEEN ? AND ?`, n)
	if err := r.db.QueryRow(query, universeArgs(universe, startDate, endDate)...).Scan(&actions); err != nil {
		return 0, 0, 0, errs.Wrap(errs.KindInternal, err)
	}

	query = fmt.Sprintf(`SELECT COUNT(*) FROM analyst_ratings
		WHERE symbol IN (%s) AND revised_at <= ?`, n)
	if err := r.db.QueryRow(query, universeArgs(universe, endOfDay)...).Scan(&ratings); err != nil {
		return 0, 0, 0, errs.Wrap(errs.KindInternal, err)
	}
	return fundamentals, actions, ratings, nil
}

// QueryFundamentalsAsOf returns the latest fundamentals row published at or
// before as_of.
func (r *Repository) QueryFundamentalsAsOf(symbol, asOf string) (*FundamentalsRow, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, errs.Invalid("symbol is required")
	}
	if strings.TrimSpace(asOf) == "" {
		return nil, errs.Invalid("as_of is required")
	}
	row := r.db.QueryRow(`
		SELECT symbol, published_at, COALESCE(pe_ratio, 0), COALESCE(eps, 0)
		FROM company_fundamentals
		WHERE symbol = ? AND published_at <= ?
		ORDER BY published_at DESC
		LIMIT 1`, symbol, asOf)

	var out FundamentalsRow
	if err := row.Scan(&out.Symbol, &out.PublishedAt, &out.PERatio, &out.EPS); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("no fundamentals row found for symbol=%s as_of=%s", symbol, asOf)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return &out, nil
}

// ResolveUniverse validates requested symbols against locally available data
// and returns them sorted.
func (r *Repository) ResolveUniverse(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return nil, errs.Invalid("requested_symbols must not be empty")
	}
	query := fmt.Sprintf(`SELECT DISTINCT symbol FROM market_ohlcv WHERE symbol IN (%s) ORDER BY symbol`,
		placeholders(len(requested)))
	rows, err := r.db.Query(query, universeArgs(requested)...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	found := map[string]bool{}
	var resolved []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		found[symbol] = true
		resolved = append(resolved, symbol)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	var missing []string
	seen := map[string]bool{}
	for _, symbol := range requested {
		if !found[symbol] && !seen[symbol] {
			missing = append(missing, symbol)
			seen[symbol] = true
		}
	}
	if len(missing) > 0 {
		sortStrings(missing)
		return nil, errs.Invalid("symbols not found in local data: %v", missing)
	}
	return resolved, nil
}

// ReplaceInstruments swaps the instrument listing for one source.
func (r *Repository) ReplaceInstruments(source string, instruments []InstrumentRow) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM market_instruments WHERE source = ?`, source); err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	stmt, err := tx.Prepare(`
		INSERT INTO market_instruments
			(instrument_token, exchange, segment, tradingsymbol, name, lot_size, tick_size, expiry, strike, instrument_type, source, dataset_hash, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}
	defer stmt.Close()

	for _, inst := range instruments {
		if _, err := stmt.Exec(inst.InstrumentToken, nullable(inst.Exchange), nullable(inst.Segment),
			inst.TradingSymbol, nullable(inst.Name), inst.LotSize, inst.TickSize,
			nullable(inst.Expiry), inst.Strike, nullable(inst.InstrumentType),
			source, inst.DatasetHash, now); err != nil {
			return 0, errs.Wrap(errs.KindInternal, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.KindInternal, err)
	}
	return len(instruments), nil
}

// InsertQuote persists one last-price quote row.
func (r *Repository) InsertQuote(quoteKey, instrumentToken string, lastPrice float64, payloadJSON, source string) error {
	_, err := r.db.Exec(`
		INSERT INTO market_quotes (quote_key, instrument_token, last_price, payload_json, source, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		quoteKey, nullable(instrumentToken), lastPrice, payloadJSON, source,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	return nil
}

func nullable(value string) interface{} {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func sortStrings(values []string) {
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j] < values[j-1]; j-- {
			values[j], values[j-1] = values[j-1], values[j]
		}
	}
}
