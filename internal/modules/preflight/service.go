// Package preflight estimates expected runtimes from row counts and rejects
// work that would blow its compute budget before it starts.
package preflight

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/marketdata"
)

// Per-row runtime coefficients, calibrated against observed runs.
const (
	backtestSecondsPerRow   = 0.0002
	worldStateSecondsPerRow = 0.0001
	worldStateSecondsPerSym = 0.01
	customCodeSecondsPerRow = 0.00035
)

// Service computes runtime estimates against the analytics store.
type Service struct {
	market *marketdata.Repository
	log    zerolog.Logger
}

func NewService(market *marketdata.Repository, log zerolog.Logger) *Service {
	return &Service{
		market: market,
		log:    log.With().Str("module", "preflight").Logger(),
	}
}

// ComplexityMultiplier derives a 1..5 multiplier from source length, one unit
// per 120 lines.
func ComplexityMultiplier(sourceCode string) float64 {
	multiplier := float64(len(strings.Split(sourceCode, "\n"))) / 120.0
	if multiplier < 1.0 {
		return 1.0
	}
	if multiplier > 5.0 {
		return 5.0
	}
	return multiplier
}

func (s *Service) countMarketRows(universe []string, startDate, endDate string) (int, error) {
	if len(universe) == 0 {
		return 0, errs.Invalid("preflight failed: universe must not be empty")
	}
	count, err := s.market.CountOHLCVRange(universe, startDate, endDate)
	if err != nil {
		return 0, err
	}
	if count <= 0 {
		return 0, errs.Invalid("preflight failed: no rows available for requested range")
	}
	return count, nil
}

// EstimateBacktestSeconds estimates a classic backtest over the range.
func (s *Service) EstimateBacktestSeconds(universe []string, startDate, endDate string) (float64, error) {
	rows, err := s.countMarketRows(universe, startDate, endDate)
	if err != nil {
		return 0, err
	}
	return float64(rows) * backtestSecondsPerRow, nil
}

// EstimateWorldStateSeconds estimates a world-state build, with a per-symbol
// surcharge for the mixin queries.
func (s *Service) EstimateWorldStateSeconds(universe []string, startDate, endDate string) (float64, error) {
	rows, err := s.countMarketRows(universe, startDate, endDate)
	if err != nil {
		return 0, err
	}
	return float64(rows)*worldStateSecondsPerRow + float64(len(universe))*worldStateSecondsPerSym, nil
}

// EstimateTuningSeconds scales a per-trial estimate across the trial count.
func EstimateTuningSeconds(numTrials int, perTrialEstimatedSeconds float64) (float64, error) {
	if numTrials <= 0 {
		return 0, errs.Invalid("preflight failed: num_trials must be positive")
	}
	if perTrialEstimatedSeconds <= 0 {
		return 0, errs.Invalid("preflight failed: per_trial_estimated_seconds must be positive")
	}
	return float64(numTrials) * perTrialEstimatedSeconds, nil
}

// EstimateCustomCodeSeconds estimates a sandboxed code-strategy backtest.
func (s *Service) EstimateCustomCodeSeconds(universe []string, startDate, endDate string,
	complexityMultiplier float64) (float64, error) {

	if complexityMultiplier <= 0 {
		return 0, errs.Invalid("preflight failed: complexity_multiplier must be positive")
	}
	rows, err := s.countMarketRows(universe, startDate, endDate)
	if err != nil {
		return 0, err
	}
	return float64(rows) * customCodeSecondsPerRow * complexityMultiplier, nil
}

func budgetResult(estimated, maxAllowed float64) map[string]float64 {
	return map[string]float64{
		"estimated_seconds":   estimated,
		"max_allowed_seconds": maxAllowed,
	}
}

func budgetExceeded(estimated, maxAllowed float64, remediation string) error {
	return errs.Newf(errs.KindBudgetExceeded,
		"preflight budget exceeded: estimated_seconds=%.2f, max_allowed_seconds=%.2f",
		estimated, maxAllowed).WithRemediation(remediation)
}

// EnforceWorldStateBudget rejects world-state builds whose estimate exceeds
// the allowed seconds.
func (s *Service) EnforceWorldStateBudget(universe []string, startDate, endDate string,
	maxEstimatedSeconds float64) (map[string]float64, error) {

	if maxEstimatedSeconds <= 0 {
		return nil, errs.Invalid("max_estimated_seconds must be positive")
	}
	estimated, err := s.EstimateWorldStateSeconds(universe, startDate, endDate)
	if err != nil {
		return nil, err
	}
	if estimated > maxEstimatedSeconds {
		return nil, budgetExceeded(estimated, maxEstimatedSeconds,
			"Reduce universe size/date range before world-state build.")
	}
	return budgetResult(estimated, maxEstimatedSeconds), nil
}

// EnforceTuningBudget rejects tuning runs whose total estimate exceeds the
// allowed seconds.
func EnforceTuningBudget(numTrials int, perTrialEstimatedSeconds, maxEstimatedSeconds float64) (map[string]float64, error) {
	if maxEstimatedSeconds <= 0 {
		return nil, errs.Invalid("max_estimated_seconds must be positive")
	}
	estimated, err := EstimateTuningSeconds(numTrials, perTrialEstimatedSeconds)
	if err != nil {
		return nil, err
	}
	if estimated > maxEstimatedSeconds {
		return nil, budgetExceeded(estimated, maxEstimatedSeconds,
			"Reduce num_trials or per-trial compute complexity.")
	}
	return budgetResult(estimated, maxEstimatedSeconds), nil
}

// EnforceCustomCodeBudget rejects sandboxed backtests whose estimate exceeds
// the allowed seconds.
func (s *Service) EnforceCustomCodeBudget(universe []string, startDate, endDate string,
	complexityMultiplier, maxEstimatedSeconds float64) (map[string]float64, error) {

	if maxEstimatedSeconds <= 0 {
		return nil, errs.Invalid("max_estimated_seconds must be positive")
	}
	estimated, err := s.EstimateCustomCodeSeconds(universe, startDate, endDate, complexityMultiplier)
	if err != nil {
		return nil, err
	}
	if estimated > maxEstimatedSeconds {
		return nil, budgetExceeded(estimated, maxEstimatedSeconds,
			"Reduce date range, universe size, or code complexity.")
	}
	return budgetResult(estimated, maxEstimatedSeconds), nil
}

// EnforceBacktestBudget rejects classic backtests whose estimate exceeds the
// allowed seconds.
func (s *Service) EnforceBacktestBudget(universe []string, startDate, endDate string,
	maxEstimatedSeconds float64) (map[string]float64, error) {

	if maxEstimatedSeconds <= 0 {
		return nil, errs.Invalid("max_estimated_seconds must be positive")
	}
	estimated, err := s.EstimateBacktestSeconds(universe, startDate, endDate)
	if err != nil {
		return nil, err
	}
	if estimated > maxEstimatedSeconds {
		return nil, budgetExceeded(estimated, maxEstimatedSeconds,
			"Reduce universe size, shorten date range, or increase granularity.")
	}
	return budgetResult(estimated, maxEstimatedSeconds), nil
}
