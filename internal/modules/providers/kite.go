package providers

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/config"
	"github.com/aristath/finagent/internal/errs"
)

const (
	kiteAPIBase   = "https://api.kite.trade"
	kiteLoginBase = "https://kite.zerodha.com/connect/login"
)

// KiteClient talks to the Kite Connect v3 API.
type KiteClient struct {
	cfg       *config.KiteConfig
	log       zerolog.Logger
	apiBase   string
	loginBase string
}

// NewKiteClient wires a client against the production Kite endpoints.
func NewKiteClient(cfg *config.KiteConfig, log zerolog.Logger) *KiteClient {
	return &KiteClient{
		cfg:       cfg,
		log:       log.With().Str("provider", "kite").Logger(),
		apiBase:   kiteAPIBase,
		loginBase: kiteLoginBase,
	}
}

// NewOAuthState returns a fresh opaque state token for the login round trip.
func NewOAuthState() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// LoginURL builds the hosted login URL carrying the OAuth state.
func (c *KiteClient) LoginURL(state string) (string, error) {
	if state == "" {
		return "", errs.Invalid("state is required")
	}
	query := url.Values{}
	query.Set("v", "3")
	query.Set("api_key", c.cfg.APIKey)
	query.Set("state", state)
	return c.loginBase + "?" + query.Encode(), nil
}

func (c *KiteClient) authHeaders(accessToken string) map[string]string {
	return map[string]string{
		"Authorization":  fmt.Sprintf("token %s:%s", c.cfg.APIKey, accessToken),
		"X-Kite-Version": "3",
	}
}

// CreateSession exchanges the request token and loads the user profile into
// one session payload.
func (c *KiteClient) CreateSession(ctx context.Context, requestToken string) (map[string]interface{}, error) {
	token, err := c.ExchangeRequestToken(ctx, requestToken)
	if err != nil {
		return nil, err
	}
	accessToken := strings.TrimSpace(stringValue(token["access_token"]))
	if accessToken == "" {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite token response missing access_token")
	}
	profile, err := c.FetchProfile(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"connected_at": utcNow(),
		"token":        token,
		"profile":      profile,
	}, nil
}

// ExchangeRequestToken posts the checksum-signed token exchange.
func (c *KiteClient) ExchangeRequestToken(ctx context.Context, requestToken string) (map[string]interface{}, error) {
	if requestToken == "" {
		return nil, errs.Invalid("request_token is required")
	}
	sum := sha256.Sum256([]byte(c.cfg.APIKey + requestToken + c.cfg.APISecret))
	form := url.Values{}
	form.Set("api_key", c.cfg.APIKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", hex.EncodeToString(sum[:]))

	response, err := httpJSON(ctx, newHTTPClient(0), "POST", c.apiBase+"/session/token",
		map[string]string{
			"Content-Type":   "application/x-www-form-urlencoded",
			"X-Kite-Version": "3",
		}, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	if response["status"] != "success" {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite token exchange failed: %v", response)
	}
	data, ok := response["data"].(map[string]interface{})
	if !ok {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite token exchange response missing data payload")
	}
	return data, nil
}

// FetchProfile loads the connected user's profile.
func (c *KiteClient) FetchProfile(ctx context.Context, accessToken string) (map[string]interface{}, error) {
	if accessToken == "" {
		return nil, errs.Invalid("access_token is required")
	}
	response, err := httpJSON(ctx, newHTTPClient(0), "GET", c.apiBase+"/user/profile", c.authHeaders(accessToken), nil)
	if err != nil {
		return nil, err
	}
	if response["status"] != "success" {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite profile fetch failed: %v", response)
	}
	data, ok := response["data"].(map[string]interface{})
	if !ok {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite profile response missing data payload")
	}
	return data, nil
}

// FetchHoldings loads the portfolio holdings list.
func (c *KiteClient) FetchHoldings(ctx context.Context, accessToken string) ([]map[string]interface{}, error) {
	if accessToken == "" {
		return nil, errs.Invalid("access_token is required")
	}
	response, err := httpJSON(ctx, newHTTPClient(0), "GET", c.apiBase+"/portfolio/holdings", c.authHeaders(accessToken), nil)
	if err != nil {
		return nil, err
	}
	if response["status"] != "success" {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite holdings fetch failed: %v", response)
	}
	data, ok := response["data"].([]interface{})
	if !ok {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite holdings response missing data list payload")
	}
	rows := make([]map[string]interface{}, 0, len(data))
	for _, item := range data {
		row, ok := item.(map[string]interface{})
		if !ok {
			return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite holdings row is not an object")
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FetchInstruments downloads the instrument dump. The production endpoint
// serves CSV; a JSON object payload (local mocks) is also accepted.
func (c *KiteClient) FetchInstruments(ctx context.Context, accessToken, exchange string) ([]map[string]interface{}, error) {
	if accessToken == "" {
		return nil, errs.Invalid("access_token is required")
	}
	endpoint := c.apiBase + "/instruments"
	if strings.TrimSpace(exchange) != "" {
		endpoint += "/" + url.PathEscape(strings.TrimSpace(exchange))
	}
	payload, err := httpText(ctx, newHTTPClient(2*defaultHTTPTimeout), "GET", endpoint, c.authHeaders(accessToken), nil)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(strings.TrimSpace(payload), "{") {
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite instruments JSON parse failed: %v", err)
		}
		if parsed["status"] != "success" {
			return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite instruments fetch failed: %v", parsed)
		}
		data, ok := parsed["data"].([]interface{})
		if !ok {
			return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite instruments JSON response missing data list payload")
		}
		rows := make([]map[string]interface{}, 0, len(data))
		for _, item := range data {
			row, ok := item.(map[string]interface{})
			if !ok {
				return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite instruments row is not an object")
			}
			rows = append(rows, row)
		}
		return rows, nil
	}

	reader := csv.NewReader(strings.NewReader(payload))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite instruments CSV parse failed: %v", err)
	}
	if len(records) == 0 || len(records[0]) == 0 {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite instruments CSV response missing header row")
	}
	header := records[0]
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	var missing []string
	for _, required := range []string{"instrument_token", "tradingsymbol", "exchange", "segment"} {
		if _, ok := index[required]; !ok {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite instruments CSV missing required columns: %v", missing)
	}

	rows := make([]map[string]interface{}, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]interface{}, len(header))
		for name, i := range index {
			if i < len(record) {
				row[name] = record[i]
			} else {
				row[name] = ""
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite instruments CSV returned zero rows")
	}
	return rows, nil
}

// FetchHistoricalCandles loads one instrument's OHLCV rows for a range.
func (c *KiteClient) FetchHistoricalCandles(ctx context.Context, accessToken, instrumentToken, interval,
	fromTS, toTS string) ([]map[string]interface{}, error) {

	if accessToken == "" {
		return nil, errs.Invalid("access_token is required")
	}
	if strings.TrimSpace(instrumentToken) == "" {
		return nil, errs.Invalid("instrument_token is required")
	}
	if strings.TrimSpace(interval) == "" {
		return nil, errs.Invalid("interval is required")
	}
	if strings.TrimSpace(fromTS) == "" || strings.TrimSpace(toTS) == "" {
		return nil, errs.Invalid("from_ts and to_ts are required")
	}
	query := url.Values{}
	query.Set("from", fromTS)
	query.Set("to", toTS)
	query.Set("continuous", "0")
	query.Set("oi", "0")
	endpoint := fmt.Sprintf("%s/instruments/historical/%s/%s?%s",
		c.apiBase, url.PathEscape(instrumentToken), url.PathEscape(interval), query.Encode())

	response, err := httpJSON(ctx, newHTTPClient(2*defaultHTTPTimeout), "GET", endpoint, c.authHeaders(accessToken), nil)
	if err != nil {
		return nil, err
	}
	if response["status"] != "success" {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite historical candles fetch failed: %v", response)
	}
	data, ok := response["data"].(map[string]interface{})
	if !ok {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite historical candles response missing data payload")
	}
	candles, ok := data["candles"].([]interface{})
	if !ok {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite historical candles response missing candles list")
	}

	rows := make([]map[string]interface{}, 0, len(candles))
	for _, item := range candles {
		values, ok := item.([]interface{})
		if !ok || len(values) < 6 {
			return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite candle row must be list with at least 6 values")
		}
		row := map[string]interface{}{
			"timestamp": stringValue(values[0]),
			"open":      floatValue(values[1]),
			"high":      floatValue(values[2]),
			"low":       floatValue(values[3]),
			"close":     floatValue(values[4]),
			"volume":    floatValue(values[5]),
			"oi":        nil,
		}
		if len(values) > 6 && values[6] != nil {
			row["oi"] = floatValue(values[6])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FetchLTP loads last-traded prices for exchange:symbol instrument keys.
func (c *KiteClient) FetchLTP(ctx context.Context, accessToken string, instruments []string) (map[string]map[string]interface{}, error) {
	if accessToken == "" {
		return nil, errs.Invalid("access_token is required")
	}
	if len(instruments) == 0 {
		return nil, errs.Invalid("instruments must not be empty")
	}
	query := url.Values{}
	for _, instrument := range instruments {
		query.Add("i", instrument)
	}
	response, err := httpJSON(ctx, newHTTPClient(0), "GET", c.apiBase+"/quote/ltp?"+query.Encode(),
		c.authHeaders(accessToken), nil)
	if err != nil {
		return nil, err
	}
	if response["status"] != "success" {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite LTP fetch failed: %v", response)
	}
	data, ok := response["data"].(map[string]interface{})
	if !ok {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite LTP response missing data object")
	}
	quotes := make(map[string]map[string]interface{}, len(data))
	for key, value := range data {
		row, ok := value.(map[string]interface{})
		if !ok {
			return nil, errs.Newf(errs.KindUpstreamUnavailable, "Kite LTP row is not an object for key=%s", key)
		}
		quotes[key] = row
	}
	return quotes, nil
}

// mapKiteError reclassifies upstream failures that mean the stored access
// token is stale, so callers get a reauth signal instead of a bad gateway.
func mapKiteError(err error) error {
	if err == nil {
		return nil
	}
	if errs.KindOf(err) == errs.KindInvalid {
		return err
	}
	text := err.Error()
	if strings.Contains(text, "TokenException") || strings.Contains(strings.ToLower(text), "invalid or has expired") {
		return errs.Newf(errs.KindReauthRequired, "kite access token is invalid or expired: %s", text).
			WithRemediation("call /v1/auth/kite/connect and complete login again")
	}
	return errs.Newf(errs.KindUpstreamUnavailable, "failed to fetch data from kite: %s", text)
}

func stringValue(value interface{}) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func floatValue(value interface{}) float64 {
	switch typed := value.(type) {
	case float64:
		return typed
	case float32:
		return float64(typed)
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	case json.Number:
		f, _ := typed.Float64()
		return f
	default:
		return 0
	}
}
