package screener

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/marketdata"
)

// Service runs compiled formulas over the analytics store.
type Service struct {
	market *marketdata.Repository
	log    zerolog.Logger
}

// NewService wires the screener.
func NewService(market *marketdata.Repository, log zerolog.Logger) *Service {
	return &Service{market: market, log: log.With().Str("module", "screener").Logger()}
}

// Request describes one screen.
type Request struct {
	Formula   string   `json:"formula"`
	AsOf      string   `json:"as_of"`
	Universe  []string `json:"universe"`
	TopK      int      `json:"top_k"`
	RankBy    string   `json:"rank_by"`
	SortOrder string   `json:"sort_order"`
}

// The screen joins each symbol's latest price row with its latest technicals
// and the close one row earlier, then derives the percentage columns the
// formula language exposes. Rank and filter expressions are compiled from
// the closed identifier set, never interpolated from raw input.
const screenQuery = `
WITH latest_price AS (
  SELECT
    symbol,
    substr(timestamp, 1, 10) AS timestamp,
    open,
    high,
    low,
    close,
    volume,
    ROW_NUMBER() OVER (PARTITION BY symbol ORDER BY timestamp DESC) AS rn
  FROM market_ohlcv
  WHERE symbol IN (%[1]s)
    AND substr(timestamp, 1, 10) <= ?
),
latest_tech AS (
  SELECT
    symbol,
    sma_short,
    sma_long,
    ROW_NUMBER() OVER (PARTITION BY symbol ORDER BY timestamp DESC) AS rn
  FROM market_technicals
  WHERE symbol IN (%[1]s)
    AND substr(timestamp, 1, 10) <= ?
),
previous_price AS (
  SELECT
    symbol,
    close AS prev_close,
    ROW_NUMBER() OVER (PARTITION BY symbol ORDER BY timestamp DESC) AS rn
  FROM market_ohlcv
  WHERE symbol IN (%[1]s)
    AND substr(timestamp, 1, 10) <= ?
),
base AS (
  SELECT
    p.symbol,
    p.timestamp,
    p.open,
    p.high,
    p.low,
    p.close,
    p.volume,
    t.sma_short,
    t.sma_long,
    prev.prev_close,
    CASE
      WHEN t.sma_long IS NULL OR t.sma_long = 0 THEN NULL
      ELSE ((t.sma_short - t.sma_long) / t.sma_long) * 100.0
    END AS sma_gap_pct,
    CASE
      WHEN p.close = 0 THEN NULL
      ELSE ((p.high - p.low) / p.close) * 100.0
    END AS day_range_pct,
    CASE
      WHEN prev.prev_close IS NULL OR prev.prev_close = 0 THEN NULL
      ELSE ((p.close - prev.prev_close) / prev.prev_close) * 100.0
    END AS return_1d_pct
  FROM latest_price p
  LEFT JOIN latest_tech t ON t.symbol = p.symbol AND t.rn = 1
  LEFT JOIN previous_price prev ON prev.symbol = p.symbol AND prev.rn = 2
  WHERE p.rn = 1
)
SELECT *
FROM base
WHERE %[2]s
ORDER BY %[3]s %[4]s, close DESC, symbol ASC
LIMIT ?`

// Run screens the universe as of a date and returns matching rows ranked by
// the rank expression (default: close).
func (s *Service) Run(ctx context.Context, req *Request) (map[string]interface{}, error) {
	if req.TopK <= 0 {
		return nil, errs.Invalid("top_k must be positive")
	}
	if len(req.Universe) == 0 {
		return nil, errs.Invalid("universe must not be empty")
	}
	sortOrder := strings.ToLower(strings.TrimSpace(req.SortOrder))
	if sortOrder == "" {
		sortOrder = "desc"
	}
	if sortOrder != "asc" && sortOrder != "desc" {
		return nil, errs.Invalid("sort_order must be one of: asc, desc")
	}

	compiled, err := ValidateFormula(req.Formula)
	if err != nil {
		return nil, err
	}
	rankSQL := "close"
	if strings.TrimSpace(req.RankBy) != "" {
		rankCompiled, err := ValidateFormula(req.RankBy)
		if err != nil {
			return nil, err
		}
		rankSQL = rankCompiled.SQLExpression
	}

	marks := make([]string, len(req.Universe))
	for i := range marks {
		marks[i] = "?"
	}
	query := fmt.Sprintf(screenQuery, strings.Join(marks, ","),
		compiled.SQLExpression, rankSQL, strings.ToUpper(sortOrder))

	args := make([]interface{}, 0, 3*len(req.Universe)+4)
	for i := 0; i < 3; i++ {
		for _, symbol := range req.Universe {
			args = append(args, symbol)
		}
		args = append(args, req.AsOf)
	}
	args = append(args, req.TopK)

	rows, err := s.market.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	payloadRows := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, column := range columns {
			value := values[i]
			if bytes, ok := value.([]byte); ok {
				value = string(bytes)
			}
			row[column] = value
		}
		payloadRows = append(payloadRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	rankBy := req.RankBy
	if strings.TrimSpace(rankBy) == "" {
		rankBy = "close"
	}
	return map[string]interface{}{
		"formula":        req.Formula,
		"sql_expression": compiled.SQLExpression,
		"identifiers":    compiled.Identifiers,
		"as_of":          req.AsOf,
		"universe":       req.Universe,
		"rank_by":        rankBy,
		"sort_order":     sortOrder,
		"rows":           payloadRows,
		"count":          len(payloadRows),
	}, nil
}
