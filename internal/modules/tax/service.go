package tax

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/audit"
	"github.com/aristath/finagent/internal/modules/backtest"
)

// ReportRequest selects the run and the rate overrides. Use
// NewReportRequest for the default rates.
type ReportRequest struct {
	RunID               string  `json:"run_id"`
	Enabled             bool    `json:"enabled"`
	STCGRate            float64 `json:"stcg_rate"`
	LTCGRate            float64 `json:"ltcg_rate"`
	LTCGExemptionAmount float64 `json:"ltcg_exemption_amount"`
	ApplyCess           bool    `json:"apply_cess"`
	CessRate            float64 `json:"cess_rate"`
	IncludeCharges      bool    `json:"include_charges"`
}

// NewReportRequest returns a disabled request carrying the default rates.
func NewReportRequest(runID string) *ReportRequest {
	defaults := DefaultIndiaAssumptions()
	return &ReportRequest{
		RunID:               runID,
		STCGRate:            defaults.STCGRate,
		LTCGRate:            defaults.LTCGRate,
		LTCGExemptionAmount: defaults.LTCGExemptionAmount,
		ApplyCess:           defaults.ApplyCess,
		CessRate:            defaults.CessRate,
		IncludeCharges:      defaults.IncludeCharges,
	}
}

// Service computes and persists post-tax overlays for backtest runs.
type Service struct {
	runs  *backtest.Repository
	repo  *Repository
	audit *audit.Repository
	log   zerolog.Logger
}

func NewService(runs *backtest.Repository, repo *Repository, auditRepo *audit.Repository, log zerolog.Logger) *Service {
	return &Service{
		runs:  runs,
		repo:  repo,
		audit: auditRepo,
		log:   log.With().Str("module", "tax").Logger(),
	}
}

// strategyFromRun prefers the payload's strategy block, falling back to the
// flat code-strategy payload fields.
func strategyFromRun(payload map[string]interface{}) map[string]interface{} {
	if strategy, ok := payload["strategy"].(map[string]interface{}); ok && len(strategy) > 0 {
		return strategy
	}
	maxPositions := 1
	if universe, ok := payload["universe"].([]interface{}); ok && len(universe) > 0 {
		maxPositions = len(universe)
	}
	return map[string]interface{}{
		"strategy_name":   payload["strategy_name"],
		"initial_capital": payload["initial_capital"],
		"max_positions":   maxPositions,
		"universe":        payload["universe"],
		"start_date":      payload["start_date"],
		"end_date":        payload["end_date"],
	}
}

// Report runs the overlay for one backtest run. Disabled requests return a
// hint instead of a report; nothing is persisted.
func (s *Service) Report(ctx context.Context, req *ReportRequest) (map[string]interface{}, error) {
	if req.STCGRate <= 0 {
		return nil, errs.Invalid("stcg_rate must be positive")
	}
	if req.LTCGRate <= 0 {
		return nil, errs.Invalid("ltcg_rate must be positive")
	}
	if req.LTCGExemptionAmount < 0 {
		return nil, errs.Invalid("ltcg_exemption_amount must be non-negative")
	}
	if req.CessRate < 0 {
		return nil, errs.Invalid("cess_rate must be non-negative")
	}

	run, err := s.runs.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if !req.Enabled {
		return map[string]interface{}{
			"run_id":  req.RunID,
			"enabled": false,
			"message": "tax overlay disabled; set enabled=true to compute post-tax report",
		}, nil
	}

	tradePath, _ := run.Artifacts["trade_blotter_path"].(string)
	tradePath = strings.TrimSpace(tradePath)
	if tradePath == "" {
		return nil, errs.Invalid("run artifacts missing trade_blotter_path")
	}

	assumptions := DefaultIndiaAssumptions()
	assumptions.STCGRate = req.STCGRate
	assumptions.LTCGRate = req.LTCGRate
	assumptions.LTCGExemptionAmount = req.LTCGExemptionAmount
	assumptions.ApplyCess = req.ApplyCess
	assumptions.CessRate = req.CessRate
	assumptions.IncludeCharges = req.IncludeCharges

	report, err := ComputeReport(tradePath, strategyFromRun(run.Payload), assumptions)
	if err != nil {
		return nil, err
	}
	reportID, err := s.repo.SaveReport(ctx, req.RunID, report)
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		if err := s.audit.Append(ctx, "backtest.tax.report", map[string]interface{}{
			"run_id":                req.RunID,
			"report_id":             reportID,
			"enabled":               true,
			"stcg_rate":             req.STCGRate,
			"ltcg_rate":             req.LTCGRate,
			"ltcg_exemption_amount": req.LTCGExemptionAmount,
			"apply_cess":            req.ApplyCess,
			"cess_rate":             req.CessRate,
			"include_charges":       req.IncludeCharges,
		}); err != nil {
			s.log.Warn().Err(err).Msg("Failed to append tax audit event")
		}
	}

	response := map[string]interface{}{
		"run_id":    req.RunID,
		"report_id": reportID,
		"enabled":   true,
	}
	for key, value := range report {
		response[key] = value
	}
	return response, nil
}
