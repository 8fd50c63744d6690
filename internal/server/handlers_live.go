package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/finagent/internal/errs"
)

type liveLifecycleRequest struct {
	StrategyVersionID string `json:"strategy_version_id"`
}

func (s *Server) handleLiveActivate(w http.ResponseWriter, r *http.Request) {
	var req liveLifecycleRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Live.Activate(r.Context(), req.StrategyVersionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLivePause(w http.ResponseWriter, r *http.Request) {
	var req liveLifecycleRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Live.Pause(r.Context(), req.StrategyVersionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLiveStop(w http.ResponseWriter, r *http.Request) {
	var req liveLifecycleRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Live.Stop(r.Context(), req.StrategyVersionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLiveStatesList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	states, err := s.deps.LiveStates.ListStates(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"states": states,
		"count":  len(states),
	})
}

func (s *Server) handleLiveStateDetail(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.LiveStates.GetState(r.Context(), chi.URLParam(r, "strategyVersionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// handleLiveFeed lists recent insights; strategy_version_id narrows the feed
// to one running version.
func (s *Server) handleLiveFeed(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	insights, err := s.deps.LiveStates.ListInsights(r.Context(), r.URL.Query().Get("strategy_version_id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"insights": insights,
		"count":    len(insights),
	})
}

func (s *Server) handleLiveBoundaryCandidates(w http.ResponseWriter, r *http.Request) {
	strategyVersionID := r.URL.Query().Get("strategy_version_id")
	if strategyVersionID == "" {
		s.writeError(w, r, errs.Invalid("strategy_version_id is required"))
		return
	}
	topK, err := queryInt(r, "top_k", 10)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.deps.Live.CandidatesForVersion(r.Context(), strategyVersionID, topK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVisualizeBoundary(w http.ResponseWriter, r *http.Request) {
	req := struct {
		StrategyVersionID string `json:"strategy_version_id"`
		TopK              int    `json:"top_k"`
	}{TopK: 10}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.TopK > 100 {
		s.writeError(w, r, errs.Invalid("top_k must be at most 100"))
		return
	}
	result, err := s.deps.Live.VisualizeBoundary(r.Context(), req.StrategyVersionID, req.TopK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleAnalysisDeepDive reports turnover, exposure and suggestion
// diagnostics for a completed backtest run.
func (s *Server) handleAnalysisDeepDive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"run_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.RunID == "" {
		s.writeError(w, r, errs.Invalid("run_id is required"))
		return
	}
	result, err := s.deps.Analysis.DeepDive(r.Context(), req.RunID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVisualizeTradeBlotter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"run_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Analysis.VisualizeTradeBlotter(r.Context(), req.RunID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
