package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
)

const tradingViewScanBase = "https://scanner.tradingview.com/india/scan"

// TradingViewClient runs scans against the TradingView India screener using a
// browser session cookie.
type TradingViewClient struct {
	log       zerolog.Logger
	baseURL   string
	sessionID string
}

// NewTradingViewClient wires a client with the configured session cookie.
// An empty session id leaves the connector unconfigured.
func NewTradingViewClient(sessionID string, log zerolog.Logger) *TradingViewClient {
	return &TradingViewClient{
		log:       log.With().Str("provider", "tradingview").Logger(),
		baseURL:   tradingViewScanBase,
		sessionID: strings.TrimSpace(sessionID),
	}
}

// Configured reports whether a session cookie is available.
func (c *TradingViewClient) Configured() bool {
	return c.sessionID != ""
}

// Scan posts one screener scan and returns the raw payload.
func (c *TradingViewClient) Scan(ctx context.Context, where []map[string]interface{},
	columns []string, limit int) (map[string]interface{}, error) {

	if limit <= 0 {
		return nil, errs.Invalid("limit must be positive")
	}
	if !c.Configured() {
		return nil, errs.Invalid("missing TradingView session; set FIN_AGENT_TRADINGVIEW_SESSIONID in .env.local")
	}
	if where == nil {
		where = []map[string]interface{}{}
	}
	if len(columns) == 0 {
		columns = []string{"name", "close", "volume"}
	}
	payload := map[string]interface{}{
		"filter":  where,
		"options": map[string]interface{}{"lang": "en"},
		"symbols": map[string]interface{}{
			"query":   map[string]interface{}{"types": []interface{}{}},
			"tickers": []interface{}{},
		},
		"columns": columns,
		"sort":    map[string]interface{}{"sortBy": "volume", "sortOrder": "desc"},
		"range":   []int{0, limit},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	raw, err := httpText(ctx, newHTTPClient(20*time.Second), "POST", c.baseURL,
		map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
			"Origin":       "https://www.tradingview.com",
			"Referer":      "https://www.tradingview.com/",
			"Cookie":       "sessionid=" + c.sessionID,
			"User-Agent":   "fin-agent/0.1",
		}, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "tradingview_invalid_json_response")
	}
	return parsed, nil
}
