package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/config"
	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/audit"
	"github.com/aristath/finagent/internal/modules/marketdata"
	"github.com/aristath/finagent/internal/modules/ratelimit"
	"github.com/aristath/finagent/internal/security"
)

// oauthStateMaxAgeSeconds bounds how long a pending login state stays valid.
const oauthStateMaxAgeSeconds = 900

// Service orchestrates the connector flows: Kite OAuth and data pulls, NSE
// quotes and TradingView scans, all behind the provider rate limiter.
type Service struct {
	kite          *KiteClient
	kiteConfigErr error
	nse           *NSEClient
	tv            *TradingViewClient
	repo          *Repository
	market        *marketdata.Repository
	limiter       *ratelimit.Limiter
	audit         *audit.Repository
	limits        map[string]config.ProviderLimit
	log           zerolog.Logger
}

// NewService wires the provider service. kite is nil when the broker env vars
// are absent; kiteConfigErr then carries the reason for status reporting.
func NewService(kite *KiteClient, kiteConfigErr error, nse *NSEClient, tv *TradingViewClient,
	repo *Repository, market *marketdata.Repository, limiter *ratelimit.Limiter,
	auditRepo *audit.Repository, limits map[string]config.ProviderLimit, log zerolog.Logger) *Service {

	return &Service{
		kite:          kite,
		kiteConfigErr: kiteConfigErr,
		nse:           nse,
		tv:            tv,
		repo:          repo,
		market:        market,
		limiter:       limiter,
		audit:         auditRepo,
		limits:        limits,
		log:           log.With().Str("module", "providers").Logger(),
	}
}

// CandlesFetchRequest describes one historical-candles pull.
type CandlesFetchRequest struct {
	Symbol          string `json:"symbol"`
	InstrumentToken string `json:"instrument_token"`
	Interval        string `json:"interval"`
	FromTS          string `json:"from_ts"`
	ToTS            string `json:"to_ts"`
	Persist         bool   `json:"persist"`
	UseCache        bool   `json:"use_cache"`
	ForceRefresh    bool   `json:"force_refresh"`
}

func (s *Service) kiteClient() (*KiteClient, error) {
	if s.kite == nil {
		return nil, errs.Internal("invalid Kite config: %v", s.kiteConfigErr)
	}
	return s.kite, nil
}

// kiteAccessToken loads the stored session's access token or demands reauth.
func (s *Service) kiteAccessToken(ctx context.Context) (string, map[string]interface{}, error) {
	session, err := s.repo.GetConnectorSession(ctx, "kite")
	if err != nil {
		return "", nil, err
	}
	if session == nil {
		return "", nil, errs.Newf(errs.KindReauthRequired, "kite session not found").
			WithRemediation("call /v1/auth/kite/connect and complete login")
	}
	token, _ := session["token"].(map[string]interface{})
	accessToken := strings.TrimSpace(stringValue(token["access_token"]))
	if accessToken == "" {
		return "", nil, errs.Newf(errs.KindReauthRequired, "kite access token missing in stored session").
			WithRemediation("call /v1/auth/kite/connect and complete login")
	}
	return accessToken, session, nil
}

// Connect starts a Kite login round trip and returns the hosted login URL.
func (s *Service) Connect(ctx context.Context) (map[string]interface{}, error) {
	client, err := s.kiteClient()
	if err != nil {
		return nil, err
	}
	state := NewOAuthState()
	if err := s.repo.CreateOAuthState(ctx, "kite", state); err != nil {
		return nil, err
	}
	connectURL, err := client.LoginURL(state)
	if err != nil {
		return nil, err
	}
	s.appendAudit(ctx, "auth.kite.connect.requested", map[string]interface{}{
		"connector":    "kite",
		"redirect_uri": client.cfg.RedirectURI,
	})
	return map[string]interface{}{
		"connector":    "kite",
		"connect_url":  connectURL,
		"redirect_uri": client.cfg.RedirectURI,
		"state":        state,
	}, nil
}

// Callback completes the login round trip: consumes the OAuth state, swaps
// the request token for a session and stores it encrypted.
func (s *Service) Callback(ctx context.Context, requestToken, state, action, status, callbackErr string) (map[string]interface{}, error) {
	if action == "cancel" || status == "error" || callbackErr != "" {
		return nil, errs.Invalid("kite authorization was not completed action=%s status=%s error=%s",
			action, status, callbackErr)
	}
	if requestToken == "" {
		return nil, errs.Invalid("missing required query param: request_token")
	}

	stateMode := "provided"
	resolvedState := state
	if resolvedState != "" {
		if err := s.repo.ConsumeOAuthState(ctx, "kite", resolvedState, oauthStateMaxAgeSeconds); err != nil {
			return nil, err
		}
	} else {
		stateMode = "latest_pending"
		latest, err := s.repo.ConsumeLatestOAuthState(ctx, "kite", oauthStateMaxAgeSeconds)
		if err != nil {
			return nil, err
		}
		resolvedState = latest
	}

	client, err := s.kiteClient()
	if err != nil {
		return nil, err
	}
	session, err := client.CreateSession(ctx, requestToken)
	if err != nil {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "failed to complete Kite token exchange: %v", err)
	}
	if err := s.repo.UpsertConnectorSession(ctx, "kite", session); err != nil {
		return nil, err
	}

	profile, _ := session["profile"].(map[string]interface{})
	s.appendAudit(ctx, "auth.kite.connected", map[string]interface{}{
		"connector":    "kite",
		"state_mode":   stateMode,
		"oauth_state":  resolvedState,
		"kite_user_id": profile["user_id"],
		"user_name":    profile["user_name"],
	})
	return map[string]interface{}{
		"connector":    "kite",
		"status":       "connected",
		"state_mode":   stateMode,
		"kite_user_id": profile["user_id"],
		"user_name":    profile["user_name"],
		"connected_at": session["connected_at"],
	}, nil
}

// Status reports the Kite connector's configuration and connection state
// without touching the upstream API.
func (s *Service) Status(ctx context.Context) (map[string]interface{}, error) {
	session, err := s.repo.GetConnectorSession(ctx, "kite")
	if err != nil {
		return nil, err
	}
	response := map[string]interface{}{
		"connector":  "kite",
		"configured": s.kite != nil,
		"connected":  session != nil,
	}
	if s.kite == nil {
		response["config_error"] = stringValue(s.kiteConfigErr)
		return response, nil
	}

	apiKey := s.kite.cfg.APIKey
	response["redirect_uri"] = s.kite.cfg.RedirectURI
	if len(apiKey) >= 4 {
		response["api_key_suffix"] = apiKey[len(apiKey)-4:]
	} else {
		response["api_key_suffix"] = apiKey
	}

	if session != nil {
		profile, _ := session["profile"].(map[string]interface{})
		token, _ := session["token"].(map[string]interface{})
		response["kite_user_id"] = profile["user_id"]
		response["user_name"] = profile["user_name"]
		response["email"] = profile["email"]
		response["connected_at"] = session["connected_at"]
		response["login_time"] = token["login_time"]
		response["access_token_masked"] = security.MaskSecret(stringValue(token["access_token"]))
	}
	return response, nil
}

// Profile fetches the connected user's profile from Kite.
func (s *Service) Profile(ctx context.Context) (map[string]interface{}, error) {
	if _, err := s.limiter.Enforce("kite"); err != nil {
		return nil, err
	}
	client, err := s.kiteClient()
	if err != nil {
		return nil, err
	}
	accessToken, _, err := s.kiteAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	profile, err := client.FetchProfile(ctx, accessToken)
	if err != nil {
		return nil, mapKiteError(err)
	}
	return map[string]interface{}{"connector": "kite", "profile": profile}, nil
}

// Holdings fetches the connected account's holdings.
func (s *Service) Holdings(ctx context.Context) (map[string]interface{}, error) {
	if _, err := s.limiter.Enforce("kite"); err != nil {
		return nil, err
	}
	client, err := s.kiteClient()
	if err != nil {
		return nil, err
	}
	accessToken, _, err := s.kiteAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	holdings, err := client.FetchHoldings(ctx, accessToken)
	if err != nil {
		return nil, mapKiteError(err)
	}
	return map[string]interface{}{
		"connector": "kite",
		"holdings":  holdings,
		"count":     len(holdings),
	}, nil
}

// InstrumentsSync replaces the local instrument listing with a fresh dump.
func (s *Service) InstrumentsSync(ctx context.Context, exchange string, maxRows int) (map[string]interface{}, error) {
	if maxRows <= 0 {
		return nil, errs.Invalid("max_rows must be positive")
	}
	if _, err := s.limiter.Enforce("kite"); err != nil {
		return nil, err
	}
	client, err := s.kiteClient()
	if err != nil {
		return nil, err
	}
	accessToken, _, err := s.kiteAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := client.FetchInstruments(ctx, accessToken, exchange)
	if err != nil {
		return nil, mapKiteError(err)
	}

	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	datasetHash := jsonHash(rows)
	instruments := make([]marketdata.InstrumentRow, 0, len(rows))
	for _, row := range rows {
		instruments = append(instruments, marketdata.InstrumentRow{
			InstrumentToken: strings.TrimSpace(stringValue(row["instrument_token"])),
			Exchange:        strings.TrimSpace(stringValue(row["exchange"])),
			Segment:         strings.TrimSpace(stringValue(row["segment"])),
			TradingSymbol:   strings.TrimSpace(stringValue(row["tradingsymbol"])),
			Name:            strings.TrimSpace(stringValue(row["name"])),
			LotSize:         numericValue(row["lot_size"]),
			TickSize:        numericValue(row["tick_size"]),
			Expiry:          strings.TrimSpace(stringValue(row["expiry"])),
			Strike:          numericValue(row["strike"]),
			InstrumentType:  strings.TrimSpace(stringValue(row["instrument_type"])),
			DatasetHash:     datasetHash,
		})
	}
	count, err := s.market.ReplaceInstruments("kite", instruments)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, "kite.instruments.sync", map[string]interface{}{
		"exchange":     exchange,
		"rows":         count,
		"dataset_hash": datasetHash,
	})
	return map[string]interface{}{
		"connector":    "kite",
		"rows":         count,
		"dataset_hash": datasetHash,
	}, nil
}

// CandlesFetch pulls historical candles, optionally persisting them into the
// analytics store. Repeat requests for the same range hit the cache without
// spending a rate-limit slot.
func (s *Service) CandlesFetch(ctx context.Context, req *CandlesFetchRequest) (map[string]interface{}, error) {
	for field, value := range map[string]string{
		"symbol":           req.Symbol,
		"instrument_token": req.InstrumentToken,
		"interval":         req.Interval,
		"from_ts":          req.FromTS,
		"to_ts":            req.ToTS,
	} {
		if strings.TrimSpace(value) == "" {
			return nil, errs.Invalid("%s is required", field)
		}
	}

	cacheKey := jsonHash(map[string]interface{}{
		"symbol":           req.Symbol,
		"instrument_token": req.InstrumentToken,
		"interval":         req.Interval,
		"from_ts":          req.FromTS,
		"to_ts":            req.ToTS,
	})
	if req.UseCache && !req.ForceRefresh {
		cached, err := s.repo.GetCandleCache(ctx, cacheKey)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			s.appendAudit(ctx, "kite.candles.fetch.cache_hit", map[string]interface{}{
				"symbol":           req.Symbol,
				"instrument_token": req.InstrumentToken,
				"interval":         req.Interval,
				"cache_key":        cacheKey,
				"dataset_hash":     cached.DatasetHash,
				"rows":             cached.RowCount,
			})
			return map[string]interface{}{
				"connector":      "kite",
				"symbol":         req.Symbol,
				"interval":       req.Interval,
				"rows":           cached.RowCount,
				"persisted_rows": 0,
				"dataset_hash":   cached.DatasetHash,
				"cache_hit":      true,
				"cache_key":      cacheKey,
			}, nil
		}
	}

	if _, err := s.limiter.Enforce("kite"); err != nil {
		return nil, err
	}
	client, err := s.kiteClient()
	if err != nil {
		return nil, err
	}
	accessToken, _, err := s.kiteAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := client.FetchHistoricalCandles(ctx, accessToken,
		req.InstrumentToken, req.Interval, req.FromTS, req.ToTS)
	if err != nil {
		return nil, mapKiteError(err)
	}

	inserted := 0
	datasetHash := jsonHash(rows)
	if req.Persist {
		ohlcv := make([]marketdata.OHLCVRow, 0, len(rows))
		for _, row := range rows {
			stamp := stringValue(row["timestamp"])
			ohlcv = append(ohlcv, marketdata.OHLCVRow{
				Timestamp:   stamp,
				PublishedAt: stamp,
				Symbol:      req.Symbol,
				Open:        floatValue(row["open"]),
				High:        floatValue(row["high"]),
				Low:         floatValue(row["low"]),
				Close:       floatValue(row["close"]),
				Volume:      floatValue(row["volume"]),
				SourceFile:  "kite_api",
				DatasetHash: datasetHash,
			})
		}
		if inserted, err = s.market.InsertOHLCVRows(ohlcv); err != nil {
			return nil, err
		}
		if err := s.repo.UpsertCandleCache(ctx, &CandleCacheEntry{
			CacheKey:        cacheKey,
			Symbol:          req.Symbol,
			InstrumentToken: req.InstrumentToken,
			Interval:        req.Interval,
			FromTS:          req.FromTS,
			ToTS:            req.ToTS,
			RowCount:        len(rows),
			DatasetHash:     datasetHash,
			Rows:            rows,
		}); err != nil {
			return nil, err
		}
	}

	s.appendAudit(ctx, "kite.candles.fetch", map[string]interface{}{
		"symbol":           req.Symbol,
		"instrument_token": req.InstrumentToken,
		"interval":         req.Interval,
		"rows":             len(rows),
		"persisted_rows":   inserted,
		"dataset_hash":     datasetHash,
		"cache_key":        cacheKey,
	})
	return map[string]interface{}{
		"connector":      "kite",
		"symbol":         req.Symbol,
		"interval":       req.Interval,
		"rows":           len(rows),
		"persisted_rows": inserted,
		"dataset_hash":   datasetHash,
		"cache_hit":      false,
		"cache_key":      cacheKey,
	}, nil
}

// QuotesFetch pulls last-traded prices and optionally persists them.
func (s *Service) QuotesFetch(ctx context.Context, instruments []string, persist bool) (map[string]interface{}, error) {
	if len(instruments) == 0 {
		return nil, errs.Invalid("instruments must not be empty")
	}
	if _, err := s.limiter.Enforce("kite"); err != nil {
		return nil, err
	}
	client, err := s.kiteClient()
	if err != nil {
		return nil, err
	}
	accessToken, _, err := s.kiteAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	quotes, err := client.FetchLTP(ctx, accessToken, instruments)
	if err != nil {
		return nil, mapKiteError(err)
	}

	persisted := 0
	if persist {
		for key, row := range quotes {
			payloadJSON, err := json.Marshal(row)
			if err != nil {
				return nil, errs.Wrap(errs.KindInternal, err)
			}
			if err := s.market.InsertQuote(key, strings.TrimSpace(stringValue(row["instrument_token"])),
				floatValue(row["last_price"]), string(payloadJSON), "kite"); err != nil {
				return nil, err
			}
			persisted++
		}
	}

	s.appendAudit(ctx, "kite.quotes.fetch", map[string]interface{}{
		"requested": len(instruments),
		"received":  len(quotes),
		"persisted": persisted,
	})
	return map[string]interface{}{
		"connector": "kite",
		"requested": len(instruments),
		"received":  len(quotes),
		"persisted": persisted,
		"quotes":    quotes,
	}, nil
}

// NSEQuote fetches one public equity quote.
func (s *Service) NSEQuote(ctx context.Context, symbol string) (map[string]interface{}, error) {
	if _, err := s.limiter.Enforce("nse"); err != nil {
		return nil, err
	}
	payload, err := s.nse.FetchEquityQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"provider": "nse", "payload": payload}, nil
}

// TradingViewScan runs one scanner query.
func (s *Service) TradingViewScan(ctx context.Context, where []map[string]interface{},
	columns []string, limit int) (map[string]interface{}, error) {

	if _, err := s.limiter.Enforce("tradingview"); err != nil {
		return nil, err
	}
	payload, err := s.tv.Scan(ctx, where, columns, limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"provider": "tradingview", "payload": payload}, nil
}

// Health summarizes each provider's configuration, connection and limits.
func (s *Service) Health(ctx context.Context) (map[string]interface{}, error) {
	kiteSession, err := s.repo.GetConnectorSession(ctx, "kite")
	if err != nil {
		return nil, err
	}
	providerEntry := func(provider string, configured, connected bool) map[string]interface{} {
		limit := s.limits[provider]
		return map[string]interface{}{
			"configured": configured,
			"connected":  connected,
			"rate_limit": map[string]interface{}{
				"max_requests":   limit.MaxRequests,
				"window_seconds": limit.WindowSeconds,
			},
		}
	}
	tradingview := providerEntry("tradingview", s.tv.Configured(), s.tv.Configured())
	tradingview["optional"] = true
	return map[string]interface{}{
		"providers": map[string]interface{}{
			"kite":        providerEntry("kite", s.kite != nil, kiteSession != nil),
			"nse":         providerEntry("nse", true, true),
			"tradingview": tradingview,
		},
	}, nil
}

func (s *Service) appendAudit(ctx context.Context, eventType string, payload map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, eventType, payload); err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to append provider audit event")
	}
}

// jsonHash fingerprints a payload with canonical (sorted-key) JSON.
func jsonHash(payload interface{}) string {
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(stringValue(payload))
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// numericValue parses instrument-dump numbers that arrive as CSV strings or
// JSON floats.
func numericValue(value interface{}) float64 {
	if s, ok := value.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return floatValue(value)
}
