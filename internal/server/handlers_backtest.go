package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/finagent/internal/modules/tax"
)

func (s *Server) handleBacktestRunsList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.deps.BacktestRuns.ListRuns(r.Context(), r.URL.Query().Get("strategy_version_id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleBacktestRunDetail(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.BacktestRuns.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleBacktestCompare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaselineRunID  string `json:"baseline_run_id"`
		CandidateRunID string `json:"candidate_run_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	report, err := s.deps.Backtests.CompareRuns(r.Context(), req.BaselineRunID, req.CandidateRunID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleBacktestTaxReport decodes over the default-seeded request so omitted
// rate fields keep the statutory defaults.
func (s *Server) handleBacktestTaxReport(w http.ResponseWriter, r *http.Request) {
	req := tax.NewReportRequest("")
	if !s.decodeJSON(w, r, req) {
		return
	}
	report, err := s.deps.Tax.Report(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
