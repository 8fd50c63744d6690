package server

import (
	"net/http"

	"github.com/aristath/finagent/internal/modules/providers"
)

func (s *Server) handleKiteConnect(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Providers.Connect(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleKiteCallback lands the broker redirect; everything arrives as query
// parameters.
func (s *Server) handleKiteCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result, err := s.deps.Providers.Callback(r.Context(),
		query.Get("request_token"),
		query.Get("state"),
		query.Get("action"),
		query.Get("status"),
		query.Get("error"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleKiteStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Providers.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleKiteProfile(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Providers.Profile(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleKiteHoldings(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Providers.Holdings(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleKiteInstrumentsSync(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Exchange string `json:"exchange"`
		MaxRows  int    `json:"max_rows"`
	}{Exchange: "NSE", MaxRows: 20000}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Providers.InstrumentsSync(r.Context(), req.Exchange, req.MaxRows)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleKiteCandlesFetch(w http.ResponseWriter, r *http.Request) {
	req := providers.CandlesFetchRequest{Persist: true, UseCache: true}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Providers.CandlesFetch(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleKiteQuotesFetch(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Instruments []string `json:"instruments"`
		Persist     bool     `json:"persist"`
	}{Persist: true}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Providers.QuotesFetch(r.Context(), req.Instruments, req.Persist)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleNSEQuote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Providers.NSEQuote(r.Context(), req.Symbol)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTradingViewScreenerRun(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Where   []map[string]interface{} `json:"where"`
		Columns []string                 `json:"columns"`
		Limit   int                      `json:"limit"`
	}{Limit: 50}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Providers.TradingViewScan(r.Context(), req.Where, req.Columns, req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProvidersHealth(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Providers.Health(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
