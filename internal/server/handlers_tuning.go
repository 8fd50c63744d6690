package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/backtest"
	"github.com/aristath/finagent/internal/modules/jobs"
	"github.com/aristath/finagent/internal/modules/preflight"
	"github.com/aristath/finagent/internal/modules/tuning"
)

// TuningJobType is the job type the async tuning pathway runs under. The DI
// container registers the matching job function on the manager.
const TuningJobType = "tuning.run"

// handleTuningRun enforces the tuning budget and submits the run as an async
// job; progress streams over /v1/events/jobs.
func (s *Server) handleTuningRun(w http.ResponseWriter, r *http.Request) {
	req := struct {
		tuning.TuneRequest
		PerTrialEstimatedSeconds float64 `json:"per_trial_estimated_seconds"`
	}{PerTrialEstimatedSeconds: 0.5}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.MaxTrials == 0 {
		req.MaxTrials = 20
	}
	budget, err := preflight.EnforceTuningBudget(
		req.MaxTrials, req.PerTrialEstimatedSeconds, s.deps.Config.MaxBacktestSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	payload := map[string]interface{}{}
	encoded, err := json.Marshal(req.TuneRequest)
	if err != nil {
		s.writeError(w, r, errs.Wrap(errs.KindInternal, err))
		return
	}
	if err := json.Unmarshal(encoded, &payload); err != nil {
		s.writeError(w, r, errs.Wrap(errs.KindInternal, err))
		return
	}

	jobID, err := s.deps.Jobs.Submit(r.Context(), TuningJobType, payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":    jobID,
		"status":    jobs.StatusQueued,
		"job_type":  TuningJobType,
		"preflight": budget,
	})
}

// handleTuningSearchSpaceDerive derives a layered tuning plan from an inline
// base strategy definition.
func (s *Server) handleTuningSearchSpaceDerive(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Strategy             *backtest.Spec       `json:"strategy"`
		OptimizationTarget   string               `json:"optimization_target"`
		RiskMode             string               `json:"risk_mode"`
		PolicyMode           string               `json:"policy_mode"`
		IncludeLayers        []string             `json:"include_layers"`
		FreezeParams         map[string]float64   `json:"freeze_params"`
		SearchSpaceOverrides map[string][]float64 `json:"search_space_overrides"`
	}{OptimizationTarget: "sharpe", RiskMode: "balanced"}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Strategy == nil {
		s.writeError(w, r, errs.Invalid("strategy is required"))
		return
	}
	plan, err := tuning.DeriveTuningPlan(req.Strategy, req.RiskMode, req.OptimizationTarget, tuning.PlanRequest{
		PolicyMode:           req.PolicyMode,
		IncludeLayers:        req.IncludeLayers,
		FreezeParams:         req.FreezeParams,
		SearchSpaceOverrides: req.SearchSpaceOverrides,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleTuningRunsList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.deps.TuningRuns.ListRuns(r.Context(), r.URL.Query().Get("strategy_name"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleTuningRunDetail(w http.ResponseWriter, r *http.Request) {
	tuningRunID := chi.URLParam(r, "tuningRunID")
	run, err := s.deps.TuningRuns.GetTuningRun(r.Context(), tuningRunID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trials, err := s.deps.TuningRuns.ListTrials(r.Context(), tuningRunID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	decisions, err := s.deps.TuningRuns.ListLayerDecisions(r.Context(), tuningRunID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tuning_run_id":   run.TuningRunID,
		"strategy_name":   run.StrategyName,
		"payload":         run.Payload,
		"created_at":      run.CreatedAt,
		"trials":          trials,
		"layer_decisions": decisions,
	})
}
