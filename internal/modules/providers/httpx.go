// Package providers integrates the external market-data connectors: the Kite
// broker API (OAuth, instruments, candles, quotes), NSE equity quotes and the
// TradingView scanner. Connector sessions are stored encrypted at rest and
// every outbound call goes through the per-provider rate limiter.
package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/finagent/internal/errs"
)

const defaultHTTPTimeout = 15 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

// httpText performs one request and returns the raw body. Upstream failures
// carry the status and response detail so callers can log the source error.
func httpText(ctx context.Context, client *http.Client, method, url string,
	headers map[string]string, body io.Reader) (string, error) {

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errs.Newf(errs.KindUpstreamUnavailable, "network_error url=%s detail=%v", url, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.Newf(errs.KindUpstreamUnavailable, "network_error url=%s detail=%v", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errs.Newf(errs.KindUpstreamUnavailable,
			"http_error status=%d url=%s detail=%s", resp.StatusCode, url, strings.TrimSpace(string(payload)))
	}
	if strings.TrimSpace(string(payload)) == "" {
		return "", errs.Newf(errs.KindUpstreamUnavailable, "empty_response url=%s", url)
	}
	return string(payload), nil
}

// httpJSON performs one request and decodes the body into a JSON object.
func httpJSON(ctx context.Context, client *http.Client, method, url string,
	headers map[string]string, body io.Reader) (map[string]interface{}, error) {

	payload, err := httpText(ctx, client, method, url, headers, body)
	if err != nil {
		return nil, err
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "invalid_json_response url=%s payload=%s", url, payload)
	}
	return parsed, nil
}
