package server

import (
	"net/http"

	"github.com/aristath/finagent/internal/modules/screener"
)

func (s *Server) handleScreenerFormulaValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Formula string `json:"formula"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	validation, err := screener.ValidateFormula(req.Formula)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, validation)
}

func (s *Server) handleScreenerRun(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Formula   string   `json:"formula"`
		AsOf      string   `json:"as_of"`
		Universe  []string `json:"universe"`
		TopK      int      `json:"top_k"`
		RankBy    string   `json:"rank_by"`
		SortOrder string   `json:"sort_order"`
	}{TopK: 50, SortOrder: "desc"}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Screener.Run(r.Context(), &screener.Request{
		Formula:   req.Formula,
		AsOf:      req.AsOf,
		Universe:  req.Universe,
		TopK:      req.TopK,
		RankBy:    req.RankBy,
		SortOrder: req.SortOrder,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.appendAudit(r, "screener.run", map[string]interface{}{
		"formula":       req.Formula,
		"as_of":         req.AsOf,
		"universe_size": len(req.Universe),
		"count":         result["count"],
	})
	s.writeJSON(w, http.StatusOK, result)
}
