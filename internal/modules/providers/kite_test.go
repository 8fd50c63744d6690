package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/finagent/internal/config"
	"github.com/aristath/finagent/internal/errs"
)

func testKiteConfig() *config.KiteConfig {
	return &config.KiteConfig{
		APIKey:      "key9999",
		APISecret:   "apisecret",
		RedirectURI: "http://localhost:8000/v1/auth/kite/callback",
	}
}

func testKiteClient(t *testing.T, handler http.Handler) *KiteClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewKiteClient(testKiteConfig(), zerolog.Nop())
	client.apiBase = server.URL
	return client
}

func TestLoginURL(t *testing.T) {
	client := NewKiteClient(testKiteConfig(), zerolog.Nop())

	loginURL, err := client.LoginURL("state-1")
	require.NoError(t, err)
	assert.Contains(t, loginURL, "https://kite.zerodha.com/connect/login?")
	assert.Contains(t, loginURL, "api_key=key9999")
	assert.Contains(t, loginURL, "state=state-1")
	assert.Contains(t, loginURL, "v=3")

	_, err = client.LoginURL("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state is required")
}

func TestNewOAuthState(t *testing.T) {
	state := NewOAuthState()
	assert.Len(t, state, 32)
	assert.NotEqual(t, state, NewOAuthState())
}

func TestExchangeRequestToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/session/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "key9999", r.PostFormValue("api_key"))
		assert.Equal(t, "rt-1", r.PostFormValue("request_token"))
		sum := sha256.Sum256([]byte("key9999" + "rt-1" + "apisecret"))
		assert.Equal(t, hex.EncodeToString(sum[:]), r.PostFormValue("checksum"))
		assert.Equal(t, "3", r.Header.Get("X-Kite-Version"))
		fmt.Fprint(w, `{"status":"success","data":{"access_token":"tok-0123456789","login_time":"2026-08-24 10:00:00"}}`)
	})
	client := testKiteClient(t, mux)

	token, err := client.ExchangeRequestToken(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-0123456789", token["access_token"])

	_, err = client.ExchangeRequestToken(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_token is required")
}

func TestCreateSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/session/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","data":{"access_token":"tok-0123456789"}}`)
	})
	mux.HandleFunc("/user/profile", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token key9999:tok-0123456789", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"status":"success","data":{"user_id":"AB1234","user_name":"Test User"}}`)
	})
	client := testKiteClient(t, mux)

	session, err := client.CreateSession(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.NotEmpty(t, session["connected_at"])
	profile := session["profile"].(map[string]interface{})
	assert.Equal(t, "AB1234", profile["user_id"])
	token := session["token"].(map[string]interface{})
	assert.Equal(t, "tok-0123456789", token["access_token"])
}

func TestCreateSessionMissingAccessToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/session/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","data":{"login_time":"2026-08-24 10:00:00"}}`)
	})
	client := testKiteClient(t, mux)

	_, err := client.CreateSession(context.Background(), "rt-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Kite token response missing access_token")
}

func TestFetchInstrumentsCSV(t *testing.T) {
	csvBody := "instrument_token,exchange,segment,tradingsymbol,name,lot_size,tick_size,expiry,strike,instrument_type\n" +
		"12345,NSE,NSE,AAA,Alpha Industries,1,0.05,,0,EQ\n" +
		"67890,NSE,NSE,BBB,Beta Labs,1,0.05,,0,EQ\n"
	mux := http.NewServeMux()
	mux.HandleFunc("/instruments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, csvBody)
	})
	client := testKiteClient(t, mux)

	rows, err := client.FetchInstruments(context.Background(), "tok", "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "12345", rows[0]["instrument_token"])
	assert.Equal(t, "AAA", rows[0]["tradingsymbol"])
	assert.Equal(t, "Beta Labs", rows[1]["name"])
}

func TestFetchInstrumentsMissingColumns(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instruments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "instrument_token,tradingsymbol\n12345,AAA\n")
	})
	client := testKiteClient(t, mux)

	_, err := client.FetchInstruments(context.Background(), "tok", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Kite instruments CSV missing required columns")
	assert.Contains(t, err.Error(), "exchange")
}

func TestFetchInstrumentsJSONMock(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instruments/NSE", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","data":[{"instrument_token":"12345","tradingsymbol":"AAA","exchange":"NSE","segment":"NSE"}]}`)
	})
	client := testKiteClient(t, mux)

	rows, err := client.FetchInstruments(context.Background(), "tok", "NSE")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "AAA", rows[0]["tradingsymbol"])
}

func TestFetchHistoricalCandles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instruments/historical/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024-01-01", r.URL.Query().Get("from"))
		assert.Equal(t, "2024-01-05", r.URL.Query().Get("to"))
		fmt.Fprint(w, `{"status":"success","data":{"candles":[
			["2024-01-03T09:15:00+0530",100,101.5,99.5,101,5000],
			["2024-01-04T09:15:00+0530",101,102,100,101.5,6000,42]
		]}}`)
	})
	client := testKiteClient(t, mux)

	rows, err := client.FetchHistoricalCandles(context.Background(), "tok", "12345", "day", "2024-01-01", "2024-01-05")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-01-03T09:15:00+0530", rows[0]["timestamp"])
	assert.InDelta(t, 101.0, rows[0]["close"].(float64), 1e-9)
	assert.Nil(t, rows[0]["oi"])
	assert.InDelta(t, 42.0, rows[1]["oi"].(float64), 1e-9)

	_, err = client.FetchHistoricalCandles(context.Background(), "tok", "", "day", "2024-01-01", "2024-01-05")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instrument_token is required")

	_, err = client.FetchHistoricalCandles(context.Background(), "tok", "12345", "day", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from_ts and to_ts are required")
}

func TestFetchLTP(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote/ltp", func(w http.ResponseWriter, r *http.Request) {
		assert.ElementsMatch(t, []string{"NSE:AAA", "NSE:BBB"}, r.URL.Query()["i"])
		fmt.Fprint(w, `{"status":"success","data":{
			"NSE:AAA":{"instrument_token":12345,"last_price":101.5},
			"NSE:BBB":{"instrument_token":67890,"last_price":55.25}
		}}`)
	})
	client := testKiteClient(t, mux)

	quotes, err := client.FetchLTP(context.Background(), "tok", []string{"NSE:AAA", "NSE:BBB"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.InDelta(t, 101.5, quotes["NSE:AAA"]["last_price"].(float64), 1e-9)

	_, err = client.FetchLTP(context.Background(), "tok", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instruments must not be empty")
}

func TestUpstreamHTTPError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user/profile", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"status":"error","message":"upstream down"}`)
	})
	client := testKiteClient(t, mux)

	_, err := client.FetchProfile(context.Background(), "tok")
	require.Error(t, err)
	assert.Equal(t, errs.KindUpstreamUnavailable, errs.KindOf(err))
	assert.Contains(t, err.Error(), "http_error status=502")
}

func TestMapKiteError(t *testing.T) {
	err := mapKiteError(errs.Newf(errs.KindUpstreamUnavailable,
		`Kite profile fetch failed: map[error_type:TokenException message:token expired]`))
	assert.Equal(t, errs.KindReauthRequired, errs.KindOf(err))
	assert.Contains(t, err.Error(), "kite access token is invalid or expired")

	err = mapKiteError(errs.Newf(errs.KindUpstreamUnavailable, "http_error status=500 url=x detail=boom"))
	assert.Equal(t, errs.KindUpstreamUnavailable, errs.KindOf(err))
	assert.Contains(t, err.Error(), "failed to fetch data from kite")

	// client-side validation passes through untouched
	err = mapKiteError(errs.Invalid("instruments must not be empty"))
	assert.Equal(t, errs.KindInvalid, errs.KindOf(err))
}
