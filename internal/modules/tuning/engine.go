package tuning

import (
	"context"
	"math/rand"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/audit"
	"github.com/aristath/finagent/internal/modules/backtest"
	"github.com/aristath/finagent/internal/modules/worldstate"
)

// codeRunFunc executes one code-strategy candidate. Tests stub it out.
type codeRunFunc func(ctx context.Context, req *backtest.CodeRequest) (*backtest.CodeResult, error)

// EventFunc receives progress events from a tuning run.
type EventFunc func(event map[string]interface{})

// Service coordinates tuning runs over the backtest engine.
type Service struct {
	backtests *backtest.Service
	world     *worldstate.Service
	repo      *Repository
	audit     *audit.Repository
	runCode   codeRunFunc
	log       zerolog.Logger
}

// NewService wires the tuning engine.
func NewService(backtests *backtest.Service, world *worldstate.Service,
	repo *Repository, auditRepo *audit.Repository, log zerolog.Logger) *Service {
	s := &Service{
		backtests: backtests,
		world:     world,
		repo:      repo,
		audit:     auditRepo,
		log:       log.With().Str("module", "tuning").Logger(),
	}
	if backtests != nil {
		s.runCode = backtests.RunCode
	}
	return s
}

// TuneRequest describes one layered code-strategy tuning run.
type TuneRequest struct {
	StrategyName      string                 `json:"strategy_name"`
	SourceCode        string                 `json:"source_code"`
	Universe          []string               `json:"universe"`
	StartDate         string                 `json:"start_date"`
	EndDate           string                 `json:"end_date"`
	InitialCapital    float64                `json:"initial_capital"`
	SearchSpace       map[string]interface{} `json:"search_space"`
	Objective         map[string]interface{} `json:"objective,omitempty"`
	MaxTrials         int                    `json:"max_trials"`
	MaxLayers         int                    `json:"max_layers"`
	KeepTop           int                    `json:"keep_top"`
	TimeoutSeconds    int                    `json:"timeout_seconds"`
	MemoryMB          int                    `json:"memory_mb"`
	CPUSeconds        int                    `json:"cpu_seconds"`
	MaxTrialsPerLayer int                    `json:"max_trials_per_layer,omitempty"`
	Context           map[string]interface{} `json:"context,omitempty"`
	RandomSeed        int64                  `json:"random_seed,omitempty"`
	OnlyPlan          bool                   `json:"only_plan,omitempty"`

	Events EventFunc `json:"-"`
}

func (req *TuneRequest) applyDefaults() {
	if req.MaxTrials == 0 {
		req.MaxTrials = 12
	}
	if req.MaxLayers == 0 {
		req.MaxLayers = 2
	}
	if req.KeepTop == 0 {
		req.KeepTop = 1
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = 5
	}
	if req.MemoryMB == 0 {
		req.MemoryMB = 256
	}
	if req.CPUSeconds == 0 {
		req.CPUSeconds = 2
	}
}

func (req *TuneRequest) validate() error {
	if strings.TrimSpace(req.StrategyName) == "" {
		return errs.Invalid("strategy_name is required")
	}
	if strings.TrimSpace(req.SourceCode) == "" {
		return errs.Invalid("source_code is required")
	}
	if len(req.Universe) == 0 {
		return errs.Invalid("universe is required")
	}
	if req.MaxTrials <= 0 {
		return errs.Invalid("max_trials must be positive")
	}
	if req.MaxLayers <= 0 {
		return errs.Invalid("max_layers must be positive")
	}
	if req.KeepTop <= 0 {
		return errs.Invalid("keep_top must be positive")
	}
	if req.TimeoutSeconds <= 0 {
		return errs.Invalid("timeout_seconds must be positive")
	}
	if req.MemoryMB <= 0 {
		return errs.Invalid("memory_mb must be positive")
	}
	if req.CPUSeconds <= 0 {
		return errs.Invalid("cpu_seconds must be positive")
	}
	if req.MaxTrialsPerLayer < 0 {
		return errs.Invalid("max_trials_per_layer must be positive")
	}
	return nil
}

func (req *TuneRequest) emit(event map[string]interface{}) {
	if req.Events != nil {
		req.Events(event)
	}
}

func metricsAsMap(m *backtest.Metrics) map[string]interface{} {
	return map[string]interface{}{
		"final_equity": m.FinalEquity,
		"total_return": m.TotalReturn,
		"cagr":         m.CAGR,
		"sharpe":       m.Sharpe,
		"max_drawdown": m.MaxDrawdown,
		"trade_count":  float64(m.TradeCount),
	}
}

func (s *Service) runCandidate(ctx context.Context, req *TuneRequest,
	params map[string]interface{}, objective *Objective, seed int64) (map[string]interface{}, error) {

	baseContext := req.Context
	if baseContext == nil {
		baseContext = map[string]interface{}{}
	}
	result, err := s.runCode(ctx, &backtest.CodeRequest{
		StrategyName:   req.StrategyName,
		SourceCode:     req.SourceCode,
		Universe:       req.Universe,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		InitialCapital: req.InitialCapital,
		TimeoutSeconds: req.TimeoutSeconds,
		MemoryMB:       req.MemoryMB,
		CPUSeconds:     req.CPUSeconds,
		Context: map[string]interface{}{
			"tuning_params": params,
			"base_context":  baseContext,
			"seed":          seed,
		},
	})
	if err != nil {
		return nil, err
	}

	metrics := metricsAsMap(result.Metrics)
	score, metricUsed, err := objective.Score(metrics)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"run_id":       result.RunID,
		"score":        score,
		"score_metric": metricUsed,
		"metrics":      metrics,
		"params":       params,
	}, nil
}

// Tune explores the declared search space layer by layer, refining around the
// top candidates of each layer, under global and per-layer trial caps.
func (s *Service) Tune(ctx context.Context, req *TuneRequest) (map[string]interface{}, error) {
	req.applyDefaults()
	if err := req.validate(); err != nil {
		return nil, err
	}

	objective, err := ParseObjective(req.Objective)
	if err != nil {
		return nil, err
	}
	specs, err := ParseSearchSpace(req.SearchSpace)
	if err != nil {
		return nil, err
	}

	candidatePlan := make([]map[string]interface{}, 0, len(specs))
	for _, spec := range specs {
		values, err := candidateValues(spec, 0, nil)
		if err != nil {
			return nil, err
		}
		sampleValues := values
		if len(sampleValues) > 12 {
			sampleValues = sampleValues[:12]
		}
		candidatePlan = append(candidatePlan, map[string]interface{}{
			"parameter":     spec.Name,
			"kind":          spec.Kind,
			"sample_count":  len(values),
			"sample_values": sampleValues,
		})
	}

	objectivePayload := map[string]interface{}{
		"metric":   objective.Metric,
		"maximize": objective.Maximize,
		"weights":  objective.Weights,
	}

	// Persist the run up front so trials and progress land on a stable id.
	var runID string
	if s.repo != nil && !req.OnlyPlan {
		runID, err = s.repo.SaveTuningRun(ctx, req.StrategyName, jsonRoundTrip(map[string]interface{}{
			"status":           "running",
			"objective":        objectivePayload,
			"trials_requested": req.MaxTrials,
			"candidate_plan":   candidatePlan,
		}))
		if err != nil {
			return nil, err
		}
	}
	emit := func(event map[string]interface{}) {
		req.emit(event)
		s.recordStage(ctx, runID, event)
	}

	emit(map[string]interface{}{
		"event":            "tuning.plan.ready",
		"requested_trials": req.MaxTrials,
		"max_layers":       req.MaxLayers,
		"keep_top":         req.KeepTop,
		"candidate_plan":   candidatePlan,
	})

	if req.OnlyPlan {
		return map[string]interface{}{
			"status":               "planned",
			"objective":            objectivePayload,
			"evaluated_candidates": []map[string]interface{}{},
			"best_candidate":       nil,
			"layer_decisions":      []map[string]interface{}{},
			"trials_attempted":     0,
			"trials_requested":     req.MaxTrials,
			"candidate_plan":       candidatePlan,
		}, nil
	}

	rng := rand.New(rand.NewSource(req.RandomSeed))
	var layerDecisions []map[string]interface{}
	var evaluated []map[string]interface{}
	var bestCandidate map[string]interface{}
	evaluatedKeys := map[string]bool{}
	var anchors []map[string]interface{}
	remainingTrials := req.MaxTrials

	for layer := 0; layer < req.MaxLayers; layer++ {
		if remainingTrials <= 0 {
			break
		}

		candidates, err := generateParamGrid(specs, layer, anchors)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			break
		}
		if req.MaxTrialsPerLayer > 0 && len(candidates) > req.MaxTrialsPerLayer {
			candidates = candidates[:req.MaxTrialsPerLayer]
		}

		rng.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
		var selected []map[string]interface{}
		for _, candidate := range candidates {
			key := candidateKey(candidate)
			if evaluatedKeys[key] {
				continue
			}
			evaluatedKeys[key] = true
			selected = append(selected, candidate)
			if len(selected) >= remainingTrials {
				break
			}
		}
		if len(selected) == 0 {
			break
		}

		emit(map[string]interface{}{
			"event":            "tuning.layer.started",
			"layer":            layer,
			"requested":        len(selected),
			"remaining_trials": remainingTrials,
		})

		var layerResults []map[string]interface{}
		for index, params := range selected {
			result, err := s.runCandidate(ctx, req, params, objective, rng.Int63())
			if err != nil {
				emit(map[string]interface{}{
					"event":           "tuning.candidate.failed",
					"layer":           layer,
					"candidate_index": index,
					"params":          params,
					"error":           err.Error(),
				})
				continue
			}

			candidate := map[string]interface{}{
				"run_id":       result["run_id"],
				"params":       params,
				"metrics":      result["metrics"],
				"score":        result["score"],
				"score_metric": result["score_metric"],
				"layer":        layer,
			}
			evaluated = append(evaluated, candidate)
			layerResults = append(layerResults, candidate)
			remainingTrials--

			if s.repo != nil && runID != "" {
				metrics, _ := result["metrics"].(map[string]interface{})
				backtestRunID, _ := result["run_id"].(string)
				score, _ := result["score"].(float64)
				if err := s.repo.AppendTrial(ctx, runID, backtestRunID, params, metrics, score); err != nil {
					return nil, err
				}
			}

			emit(map[string]interface{}{
				"event":           "tuning.candidate.evaluated",
				"layer":           layer,
				"candidate_index": index,
				"params":          params,
				"metrics":         candidate["metrics"],
				"score":           candidate["score"],
				"run_id":          candidate["run_id"],
			})
		}
		if len(layerResults) == 0 {
			break
		}

		sortCandidatesByScore(layerResults)
		top := layerResults
		if len(top) > req.KeepTop {
			top = top[:req.KeepTop]
		}
		anchors = anchors[:0]
		for _, row := range top {
			anchors = append(anchors, row["params"].(map[string]interface{}))
		}
		decision := map[string]interface{}{
			"layer":           layerLabel(layer),
			"enabled":         true,
			"reason":          layerReason(len(selected), len(top)),
			"candidate_count": len(selected),
			"layer_kept":      len(top),
		}
		layerDecisions = append(layerDecisions, decision)
		if s.repo != nil && runID != "" {
			if err := s.repo.AppendLayerDecision(ctx, runID, layerLabel(layer), true,
				layerReason(len(selected), len(top)), decision); err != nil {
				return nil, err
			}
		}

		bestForLayer := top[0]
		if bestCandidate == nil || bestForLayer["score"].(float64) > bestCandidate["score"].(float64) {
			bestCandidate = bestForLayer
		}

		emit(map[string]interface{}{
			"event":      "tuning.layer.completed",
			"layer":      layer,
			"best_score": bestForLayer["score"],
			"attempted":  len(layerResults),
		})
	}

	if bestCandidate == nil {
		if s.repo != nil && runID != "" {
			if err := s.repo.UpdateTuningRun(ctx, runID, map[string]interface{}{"status": "failed"}); err != nil {
				s.log.Warn().Err(err).Str("tuning_run_id", runID).Msg("Failed to mark tuning run failed")
			}
		}
		return nil, errs.Invalid("tuning run produced no successful candidates")
	}

	result := map[string]interface{}{
		"status":               "completed",
		"objective":            objectivePayload,
		"evaluated_candidates": evaluated,
		"best_candidate":       bestCandidate,
		"layer_decisions":      layerDecisions,
		"trials_attempted":     len(evaluated),
		"trials_requested":     req.MaxTrials,
	}
	if runID != "" {
		result["tuning_run_id"] = runID
		if err := s.repo.UpdateTuningRun(ctx, runID, jsonRoundTrip(result)); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// recordStage deep-merges a progress event into the stored run payload under
// result.stage so readers of the run see where the exploration is.
func (s *Service) recordStage(ctx context.Context, runID string, event map[string]interface{}) {
	if s.repo == nil || runID == "" {
		return
	}
	err := s.repo.UpdateTuningRun(ctx, runID, map[string]interface{}{
		"result": map[string]interface{}{"stage": event},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("tuning_run_id", runID).Msg("Failed to merge tuning progress")
	}
}

func sortCandidatesByScore(rows []map[string]interface{}) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j]["score"].(float64) > rows[j-1]["score"].(float64); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}
