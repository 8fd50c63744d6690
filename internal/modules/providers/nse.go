package providers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
)

const nseQuotesBase = "https://www.nseindia.com/api/quote-equity"

// NSEClient fetches public equity quotes from the NSE site API.
type NSEClient struct {
	log     zerolog.Logger
	baseURL string
}

// NewNSEClient wires a client against the NSE quote endpoint.
func NewNSEClient(log zerolog.Logger) *NSEClient {
	return &NSEClient{log: log.With().Str("provider", "nse").Logger(), baseURL: nseQuotesBase}
}

// FetchEquityQuote loads the raw quote payload for one symbol.
func (c *NSEClient) FetchEquityQuote(ctx context.Context, symbol string) (map[string]interface{}, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		return nil, errs.Invalid("symbol is required")
	}
	payload, err := httpText(ctx, newHTTPClient(0), "GET", c.baseURL+"?symbol="+key,
		map[string]string{
			"User-Agent": "fin-agent/0.1",
			"Accept":     "application/json",
		}, nil)
	if err != nil {
		return nil, err
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "nse_invalid_json_response")
	}
	return parsed, nil
}
