package server

import (
	"net/http"
)

type importRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleImportOHLCV(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Importer.ImportOHLCVFile(r.Context(), req.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleImportFundamentals(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Importer.ImportFundamentalsFile(r.Context(), req.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleImportCorporateActions(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Importer.ImportCorporateActionsFile(r.Context(), req.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleImportRatings(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Importer.ImportRatingsFile(r.Context(), req.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFundamentalsAsOf(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
		AsOf   string `json:"as_of"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	row, err := s.deps.Market.QueryFundamentalsAsOf(req.Symbol, req.AsOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"row": row})
}

func (s *Server) handleUniverseResolve(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	if !s.decodeJSON(w, r, &symbols) {
		return
	}
	universe, err := s.deps.Market.ResolveUniverse(symbols)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"universe": universe})
}

func (s *Server) handleTechnicalsCompute(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Universe    []string `json:"universe"`
		StartDate   string   `json:"start_date"`
		EndDate     string   `json:"end_date"`
		ShortWindow int      `json:"short_window"`
		LongWindow  int      `json:"long_window"`
	}{ShortWindow: 5, LongWindow: 20}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	resolved, err := s.deps.Market.ResolveUniverse(req.Universe)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.deps.Market.ComputeSMAFeatures(resolved, req.StartDate, req.EndDate, req.ShortWindow, req.LongWindow)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rows_inserted": rows,
		"universe":      resolved,
	})
}
