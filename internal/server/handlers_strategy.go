package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/finagent/internal/modules/backtest"
	"github.com/aristath/finagent/internal/modules/preflight"
	"github.com/aristath/finagent/internal/modules/sandbox"
	"github.com/aristath/finagent/internal/modules/strategy"
)

func (s *Server) handleCodeStrategyValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StrategyName string `json:"strategy_name"`
		SourceCode   string `json:"source_code"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	validation, err := strategy.ValidateSource(req.SourceCode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy_name": req.StrategyName,
		"validation":    validation,
	})
}

func (s *Server) handleCodeStrategySave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StrategyName string `json:"strategy_name"`
		SourceCode   string `json:"source_code"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	validation, err := strategy.ValidateSource(req.SourceCode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.deps.Strategies.SaveCodeVersion(r.Context(), req.StrategyName, req.SourceCode, validation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.appendAudit(r, "code.strategy.save", map[string]interface{}{
		"strategy_name":       req.StrategyName,
		"strategy_id":         saved.StrategyID,
		"strategy_version_id": saved.VersionID,
		"version_number":      saved.VersionNumber,
	})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy_id":         saved.StrategyID,
		"strategy_version_id": saved.VersionID,
		"version_number":      saved.VersionNumber,
		"validation":          validation,
	})
}

func (s *Server) handleCodeStrategiesList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	strategies, err := s.deps.Strategies.ListCodeStrategies(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": strategies,
		"count":      len(strategies),
	})
}

func (s *Server) handleCodeStrategyVersionsList(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "strategyID")
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	versions, err := s.deps.Strategies.ListCodeVersions(r.Context(), strategyID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy_id": strategyID,
		"versions":    versions,
		"count":       len(versions),
	})
}

// handleCodeStrategyRunSandbox validates the source and executes it once in
// the sandbox against a caller-supplied data bundle, without touching the
// market stores.
func (s *Server) handleCodeStrategyRunSandbox(w http.ResponseWriter, r *http.Request) {
	req := struct {
		SourceCode     string                   `json:"source_code"`
		TimeoutSeconds int                      `json:"timeout_seconds"`
		MemoryMB       int                      `json:"memory_mb"`
		CPUSeconds     int                      `json:"cpu_seconds"`
		DataBundle     map[string]interface{}   `json:"data_bundle"`
		Frame          []map[string]interface{} `json:"frame"`
		Context        map[string]interface{}   `json:"context"`
	}{TimeoutSeconds: 5, MemoryMB: 256, CPUSeconds: 2}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	validation, err := strategy.ValidateSource(req.SourceCode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.deps.Sandbox.Run(r.Context(), &sandbox.Request{
		SourceCode:     req.SourceCode,
		TimeoutSeconds: req.TimeoutSeconds,
		MemoryMB:       req.MemoryMB,
		CPUSeconds:     req.CPUSeconds,
		DataBundle:     req.DataBundle,
		Frame:          req.Frame,
		Context:        req.Context,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.appendAudit(r, "code.strategy.run_sandbox", map[string]interface{}{
		"run_id":      result.RunID,
		"result_path": result.ResultPath,
	})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      result.Status,
		"run_id":      result.RunID,
		"result_path": result.ResultPath,
		"outputs":     result.Outputs,
		"validation":  validation,
	})
}

// handleCodeStrategyBacktest prices a code strategy over stored market data.
// The custom-code budget is enforced up front with a complexity multiplier
// derived from the source length.
func (s *Server) handleCodeStrategyBacktest(w http.ResponseWriter, r *http.Request) {
	req := struct {
		StrategyName   string   `json:"strategy_name"`
		SourceCode     string   `json:"source_code"`
		Universe       []string `json:"universe"`
		StartDate      string   `json:"start_date"`
		EndDate        string   `json:"end_date"`
		InitialCapital float64  `json:"initial_capital"`
		TimeoutSeconds int      `json:"timeout_seconds"`
		MemoryMB       int      `json:"memory_mb"`
		CPUSeconds     int      `json:"cpu_seconds"`
	}{TimeoutSeconds: 5, MemoryMB: 256, CPUSeconds: 2}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	multiplier := preflight.ComplexityMultiplier(req.SourceCode)
	budget, err := s.deps.Preflight.EnforceCustomCodeBudget(
		req.Universe, req.StartDate, req.EndDate, multiplier, s.deps.Config.MaxBacktestSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	run, err := s.deps.Backtests.RunCode(r.Context(), &backtest.CodeRequest{
		StrategyName:   req.StrategyName,
		SourceCode:     req.SourceCode,
		Universe:       req.Universe,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		InitialCapital: req.InitialCapital,
		TimeoutSeconds: req.TimeoutSeconds,
		MemoryMB:       req.MemoryMB,
		CPUSeconds:     req.CPUSeconds,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.appendAudit(r, "code.backtest.run", map[string]interface{}{
		"run_id":              run.RunID,
		"strategy_name":       req.StrategyName,
		"strategy_version_id": run.StrategyVersionID,
		"signals_count":       run.SignalsCount,
		"preflight":           budget,
	})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":              run.RunID,
		"strategy_name":       run.StrategyName,
		"strategy_version_id": run.StrategyVersionID,
		"world_manifest_id":   run.WorldManifestID,
		"metrics":             run.Metrics,
		"artifacts":           run.Artifacts,
		"sandbox_run_id":      run.SandboxRunID,
		"signals_count":       run.SignalsCount,
		"preflight":           budget,
	})
}

func (s *Server) handleCodeStrategyAnalyze(w http.ResponseWriter, r *http.Request) {
	req := struct {
		RunID          string `json:"run_id"`
		SourceCode     string `json:"source_code"`
		MaxSuggestions int    `json:"max_suggestions"`
	}{MaxSuggestions: 5}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	report, err := s.deps.Analysis.AnalyzeCodeRun(r.Context(), req.RunID, req.SourceCode, req.MaxSuggestions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.appendAudit(r, "code.analysis.deep_dive", map[string]interface{}{
		"run_id":           req.RunID,
		"suggestion_count": report["suggestion_count"],
		"mode":             report["mode"],
		"auto_apply":       report["auto_apply"],
	})
	s.writeJSON(w, http.StatusOK, report)
}

// appendAudit is best-effort; a failed audit write is logged, not surfaced.
func (s *Server) appendAudit(r *http.Request, eventType string, payload map[string]interface{}) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Append(r.Context(), eventType, payload); err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("Failed to append audit event")
	}
}
