package server

import (
	"net/http"
)

type worldBuildRequest struct {
	Universe         []string `json:"universe"`
	StartDate        string   `json:"start_date"`
	EndDate          string   `json:"end_date"`
	AdjustmentPolicy string   `json:"adjustment_policy"`
}

type worldValidationRequest struct {
	worldBuildRequest
	StrictMode *bool `json:"strict_mode"`
}

func (r *worldValidationRequest) strict() bool {
	if r.StrictMode == nil {
		return true
	}
	return *r.StrictMode
}

// handleWorldStateBuild enforces the world-state time budget before building
// the manifest; the response carries both the manifest and the budget line.
func (s *Server) handleWorldStateBuild(w http.ResponseWriter, r *http.Request) {
	var req worldBuildRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	budget, err := s.deps.Preflight.EnforceWorldStateBudget(
		req.Universe, req.StartDate, req.EndDate, s.deps.Config.MaxWorldStateSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	manifest, err := s.deps.World.BuildManifest(r.Context(), req.Universe, req.StartDate, req.EndDate, req.AdjustmentPolicy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"manifest_id":                 manifest.ManifestID,
		"universe":                    manifest.Universe,
		"start_date":                  manifest.StartDate,
		"end_date":                    manifest.EndDate,
		"data_hash":                   manifest.DataHash,
		"row_count":                   manifest.RowCount,
		"fundamentals_row_count":      manifest.FundamentalsRowCount,
		"corporate_actions_row_count": manifest.CorporateActionsRows,
		"ratings_row_count":           manifest.RatingsRowCount,
		"adjustment_policy":           manifest.AdjustmentPolicy,
		"preflight":                   budget,
	})
}

func (s *Server) handleWorldStateCompleteness(w http.ResponseWriter, r *http.Request) {
	var req worldValidationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	report, err := s.deps.World.BuildCompletenessReport(req.Universe, req.StartDate, req.EndDate, req.strict())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleWorldStateValidatePIT(w http.ResponseWriter, r *http.Request) {
	var req worldValidationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	report, err := s.deps.World.ValidatePIT(req.Universe, req.StartDate, req.EndDate, req.strict())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePreflightWorldState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		worldBuildRequest
		MaxAllowedSeconds float64 `json:"max_allowed_seconds"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	budget, err := s.deps.Preflight.EnforceWorldStateBudget(
		req.Universe, req.StartDate, req.EndDate, req.MaxAllowedSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, budget)
}

func (s *Server) handlePreflightCustomCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		worldBuildRequest
		ComplexityMultiplier float64 `json:"complexity_multiplier"`
		MaxAllowedSeconds    float64 `json:"max_allowed_seconds"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	budget, err := s.deps.Preflight.EnforceCustomCodeBudget(
		req.Universe, req.StartDate, req.EndDate, req.ComplexityMultiplier, req.MaxAllowedSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, budget)
}
