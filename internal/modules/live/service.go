package live

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/config"
	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/audit"
	"github.com/aristath/finagent/internal/modules/backtest"
	"github.com/aristath/finagent/internal/modules/charts"
	"github.com/aristath/finagent/internal/modules/marketdata"
	"github.com/aristath/finagent/internal/modules/sandbox"
	"github.com/aristath/finagent/internal/modules/strategy"
)

// similarityBasis names the ranking method behind boundary candidates so
// feed consumers can tell it apart from other similarity scores.
const similarityBasis = "distance_to_signal_decision_boundary"

const (
	defaultLookbackDays   = 180
	defaultTimeoutSeconds = 5
	defaultMemoryMB       = 256
	defaultCPUSeconds     = 2
)

// Service builds live snapshots and drives the activation lifecycle.
type Service struct {
	market     *marketdata.Repository
	strategies *strategy.Repository
	runs       *backtest.Repository
	sandbox    *sandbox.Runner
	repo       *Repository
	audit      *audit.Repository
	paths      config.RuntimePaths
	log        zerolog.Logger
}

// NewService wires the live module.
func NewService(market *marketdata.Repository, strategies *strategy.Repository, runs *backtest.Repository,
	sandboxRunner *sandbox.Runner, repo *Repository, auditRepo *audit.Repository,
	paths config.RuntimePaths, log zerolog.Logger) *Service {

	return &Service{
		market:     market,
		strategies: strategies,
		runs:       runs,
		sandbox:    sandboxRunner,
		repo:       repo,
		audit:      auditRepo,
		paths:      paths,
		log:        log.With().Str("module", "live").Logger(),
	}
}

// Runtime is the resolved execution context for an activated version: the
// validated source plus the universe and end date its latest backtest
// established.
type Runtime struct {
	StrategyVersionID string   `json:"strategy_version_id"`
	StrategyName      string   `json:"strategy_name"`
	SourceCode        string   `json:"source_code"`
	Universe          []string `json:"universe"`
	EndDate           string   `json:"end_date"`
	LatestRunID       string   `json:"latest_run_id"`
}

// ResolveRuntime loads a code strategy version and derives its live runtime
// from the most recent backtest run. Every failure names the endpoint that
// repairs it.
func (s *Service) ResolveRuntime(ctx context.Context, strategyVersionID string) (*Runtime, error) {
	version, err := s.strategies.GetCodeVersion(ctx, strategyVersionID)
	if err != nil {
		return nil, err
	}
	if version.Validation == nil || !version.Validation.Valid {
		return nil, errs.Invalid(
			"code strategy version is not valid for runtime: strategy_version_id=%s; re-validate and save strategy code before activation",
			strategyVersionID)
	}

	runs, err := s.runs.ListRuns(ctx, strategyVersionID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, errs.NotFound(
			"no backtest run found for strategy_version_id=%s; run /v1/code-strategy/backtest first to establish runtime universe",
			strategyVersionID)
	}
	latest := runs[0]

	rawUniverse, _ := latest.Payload["universe"].([]interface{})
	if len(rawUniverse) == 0 {
		return nil, errs.Invalid(
			"backtest payload missing universe for strategy_version_id=%s; rerun /v1/code-strategy/backtest with a non-empty universe",
			strategyVersionID)
	}
	universe := make([]string, len(rawUniverse))
	for i, item := range rawUniverse {
		universe[i] = fmt.Sprintf("%v", item)
	}

	endDate := strings.TrimSpace(fmt.Sprintf("%v", latest.Payload["end_date"]))
	if endDate == "" || endDate == "<nil>" {
		return nil, errs.Invalid(
			"backtest payload missing end_date for strategy_version_id=%s; rerun /v1/code-strategy/backtest with explicit date range",
			strategyVersionID)
	}

	return &Runtime{
		StrategyVersionID: version.VersionID,
		StrategyName:      version.StrategyName,
		SourceCode:        version.SourceCode,
		Universe:          universe,
		EndDate:           endDate,
		LatestRunID:       latest.RunID,
	}, nil
}

// SnapshotRequest describes one live snapshot build.
type SnapshotRequest struct {
	SourceCode     string   `json:"source_code"`
	Universe       []string `json:"universe"`
	EndDate        string   `json:"end_date"`
	LookbackDays   int      `json:"lookback_days"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	MemoryMB       int      `json:"memory_mb"`
	CPUSeconds     int      `json:"cpu_seconds"`
}

func (r *SnapshotRequest) applyDefaults() {
	if r.LookbackDays == 0 {
		r.LookbackDays = defaultLookbackDays
	}
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = defaultTimeoutSeconds
	}
	if r.MemoryMB == 0 {
		r.MemoryMB = defaultMemoryMB
	}
	if r.CPUSeconds == 0 {
		r.CPUSeconds = defaultCPUSeconds
	}
}

func dateKey(timestamp string) string {
	if len(timestamp) >= 10 {
		return timestamp[:10]
	}
	return timestamp
}

func signalStrength(raw interface{}) float64 {
	switch v := raw.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	case nil:
	}
	return 0.5
}

// BuildSnapshot runs the strategy over the trailing lookback window and maps
// its latest signals to boundary distances. Symbols the strategy stays silent
// on surface as neutral "watch" rows so the feed always covers the universe.
func (s *Service) BuildSnapshot(ctx context.Context, req *SnapshotRequest) ([]map[string]interface{}, error) {
	if len(req.Universe) == 0 {
		return nil, errs.Invalid("universe must not be empty for live snapshot")
	}
	req.applyDefaults()

	bars, err := s.market.QueryLatestCloses(req.Universe, req.EndDate, req.LookbackDays)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, errs.Invalid("no OHLCV rows available for live snapshot")
	}

	frame := make([]map[string]interface{}, 0, len(bars))
	type latestPoint struct {
		date  string
		close float64
	}
	latestBySymbol := map[string]latestPoint{}
	for _, bar := range bars {
		day := dateKey(bar.Timestamp)
		frame = append(frame, map[string]interface{}{
			"symbol":    bar.Symbol,
			"timestamp": day,
			"close":     bar.Close,
		})
		latestBySymbol[bar.Symbol] = latestPoint{date: day, close: bar.Close}
	}

	universeValues := make([]interface{}, len(req.Universe))
	for i, symbol := range req.Universe {
		universeValues[i] = symbol
	}
	sandboxResult, err := s.sandbox.Run(ctx, &sandbox.Request{
		SourceCode:     req.SourceCode,
		TimeoutSeconds: req.TimeoutSeconds,
		MemoryMB:       req.MemoryMB,
		CPUSeconds:     req.CPUSeconds,
		DataBundle:     map[string]interface{}{"universe": universeValues},
		Frame:          frame,
		Context:        map[string]interface{}{"mode": "live", "end_date": req.EndDate},
	})
	if err != nil {
		return nil, err
	}

	signalRows, ok := sandboxResult.Outputs["signals"].([]interface{})
	if !ok {
		return nil, errs.Invalid("strategy generate_signals must return list for live snapshot")
	}

	// first signal row per symbol wins
	signalBySymbol := map[string]map[string]interface{}{}
	for _, item := range signalRows {
		row, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		symbol := strings.TrimSpace(fmt.Sprintf("%v", row["symbol"]))
		if _, known := latestBySymbol[symbol]; !known {
			continue
		}
		if _, seen := signalBySymbol[symbol]; !seen {
			signalBySymbol[symbol] = row
		}
	}

	symbols := make([]string, 0, len(latestBySymbol))
	for symbol := range latestBySymbol {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	snapshot := make([]map[string]interface{}, 0, len(symbols))
	for _, symbol := range symbols {
		latest := latestBySymbol[symbol]
		item := signalBySymbol[symbol]
		if item == nil {
			item = map[string]interface{}{}
		}

		action := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", item["signal"])))
		switch action {
		case "buy", "sell", "watch", "hold":
		default:
			action = "watch"
		}
		reasonCode := strings.TrimSpace(fmt.Sprintf("%v", item["reason_code"]))
		if reasonCode == "" || reasonCode == "<nil>" {
			reasonCode = "signal_" + action
		}

		strength := signalStrength(item["strength"])
		strength = math.Max(0.0, math.Min(1.0, strength))
		distance := 0.5 - strength
		absDistance := math.Abs(distance)

		snapshot = append(snapshot, map[string]interface{}{
			"symbol":                   symbol,
			"date":                     latest.date,
			"close":                    latest.close,
			"action":                   action,
			"reason_code":              reasonCode,
			"score":                    math.Round(absDistance*1e8) / 1e8,
			"signal_strength":          strength,
			"distance_to_boundary":     distance,
			"abs_distance_to_boundary": absDistance,
			"similarity_basis":         similarityBasis,
			"signal_payload":           item,
		})
	}
	return snapshot, nil
}

// BoundaryCandidates ranks snapshot rows by closeness to the decision
// boundary, ties broken by symbol, and keeps the topK nearest.
func BoundaryCandidates(snapshot []map[string]interface{}, topK int) ([]map[string]interface{}, error) {
	if topK <= 0 {
		return nil, errs.Invalid("top_k must be positive")
	}
	ordered := make([]map[string]interface{}, len(snapshot))
	copy(ordered, snapshot)
	sort.SliceStable(ordered, func(i, j int) bool {
		left, _ := ordered[i]["abs_distance_to_boundary"].(float64)
		right, _ := ordered[j]["abs_distance_to_boundary"].(float64)
		if left != right {
			return left < right
		}
		leftSymbol, _ := ordered[i]["symbol"].(string)
		rightSymbol, _ := ordered[j]["symbol"].(string)
		return leftSymbol < rightSymbol
	})
	if topK < len(ordered) {
		ordered = ordered[:topK]
	}
	return ordered, nil
}

// WriteBoundaryChart renders candidate boundary distances to a timestamped
// SVG under the boundary artifact dir and returns its path.
func (s *Service) WriteBoundaryChart(strategyVersionID string, candidates []map[string]interface{}) (string, error) {
	dir := s.paths.BoundaryDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	now := time.Now().UTC()
	stamp := now.Format("20060102150405") + fmt.Sprintf("%06d", now.Nanosecond()/1000)
	chartPath := filepath.Join(dir, fmt.Sprintf("boundary-%s-%s.svg", strategyVersionID, stamp))

	labels := make([]string, len(candidates))
	values := make([]float64, len(candidates))
	for i, row := range candidates {
		labels[i], _ = row["symbol"].(string)
		values[i], _ = row["distance_to_boundary"].(float64)
	}
	if err := charts.WriteLineChart(chartPath, "Boundary Distance - "+strategyVersionID, labels, values); err != nil {
		return "", err
	}
	return chartPath, nil
}

// Activate resolves the version's runtime, snapshots the current boundary
// state, publishes every row to the insight feed and marks the version
// active.
func (s *Service) Activate(ctx context.Context, strategyVersionID string) (map[string]interface{}, error) {
	runtime, err := s.ResolveRuntime(ctx, strategyVersionID)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.BuildSnapshot(ctx, &SnapshotRequest{
		SourceCode: runtime.SourceCode,
		Universe:   runtime.Universe,
		EndDate:    runtime.EndDate,
	})
	if err != nil {
		return nil, err
	}

	for _, row := range snapshot {
		action, _ := row["action"].(string)
		symbol, _ := row["symbol"].(string)
		reasonCode, _ := row["reason_code"].(string)
		score, _ := row["score"].(float64)
		if err := s.repo.AppendInsight(ctx, runtime.StrategyVersionID, action, symbol, reasonCode, score, row); err != nil {
			return nil, err
		}
	}

	err = s.repo.UpsertState(ctx, runtime.StrategyVersionID, runtime.StrategyName, "active", map[string]interface{}{
		"last_snapshot_size":     len(snapshot),
		"universe_size":          len(runtime.Universe),
		"latest_backtest_run_id": runtime.LatestRunID,
		"updated_at":             time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, "live.activate", map[string]interface{}{
		"strategy_version_id": runtime.StrategyVersionID,
		"insight_count":       len(snapshot),
	})

	return map[string]interface{}{
		"strategy_version_id": runtime.StrategyVersionID,
		"status":              "active",
		"insight_count":       len(snapshot),
	}, nil
}

// Pause marks an activated version paused, stamping when.
func (s *Service) Pause(ctx context.Context, strategyVersionID string) (map[string]interface{}, error) {
	return s.transition(ctx, strategyVersionID, "paused", "paused_at")
}

// Stop marks an activated version stopped, stamping when.
func (s *Service) Stop(ctx context.Context, strategyVersionID string) (map[string]interface{}, error) {
	return s.transition(ctx, strategyVersionID, "stopped", "stopped_at")
}

func (s *Service) transition(ctx context.Context, strategyVersionID, status, stampKey string) (map[string]interface{}, error) {
	state, err := s.repo.GetState(ctx, strategyVersionID)
	if err != nil {
		return nil, err
	}
	payload := make(map[string]interface{}, len(state.Payload)+1)
	for key, value := range state.Payload {
		payload[key] = value
	}
	payload[stampKey] = time.Now().UTC().Format(time.RFC3339Nano)

	if err := s.repo.UpsertState(ctx, strategyVersionID, state.StrategyName, status, payload); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"strategy_version_id": strategyVersionID,
		"status":              status,
	}, nil
}

// SnapshotForVersion resolves a version's runtime and builds its snapshot.
func (s *Service) SnapshotForVersion(ctx context.Context, strategyVersionID string) (*Runtime, []map[string]interface{}, error) {
	runtime, err := s.ResolveRuntime(ctx, strategyVersionID)
	if err != nil {
		return nil, nil, err
	}
	snapshot, err := s.BuildSnapshot(ctx, &SnapshotRequest{
		SourceCode: runtime.SourceCode,
		Universe:   runtime.Universe,
		EndDate:    runtime.EndDate,
	})
	if err != nil {
		return nil, nil, err
	}
	return runtime, snapshot, nil
}

// CandidatesForVersion is the feed-facing boundary ranking for one version.
func (s *Service) CandidatesForVersion(ctx context.Context, strategyVersionID string, topK int) (map[string]interface{}, error) {
	runtime, snapshot, err := s.SnapshotForVersion(ctx, strategyVersionID)
	if err != nil {
		return nil, err
	}
	candidates, err := BoundaryCandidates(snapshot, topK)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"strategy_version_id": runtime.StrategyVersionID,
		"candidates":          candidates,
		"count":               len(candidates),
		"similarity_method":   similarityBasis,
	}, nil
}

// VisualizeBoundary ranks candidates and renders their distance chart.
func (s *Service) VisualizeBoundary(ctx context.Context, strategyVersionID string, topK int) (map[string]interface{}, error) {
	runtime, snapshot, err := s.SnapshotForVersion(ctx, strategyVersionID)
	if err != nil {
		return nil, err
	}
	candidates, err := BoundaryCandidates(snapshot, topK)
	if err != nil {
		return nil, err
	}
	chartPath, err := s.WriteBoundaryChart(runtime.StrategyVersionID, candidates)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"strategy_version_id": runtime.StrategyVersionID,
		"boundary_chart_path": chartPath,
		"candidates":          candidates,
		"similarity_method":   similarityBasis,
	}, nil
}

// RefreshActive rebuilds the snapshot for every active strategy and appends
// the fresh rows to the feed. Intended to run on a cron schedule; a version
// whose refresh fails is skipped so one broken strategy cannot stall the
// rest.
func (s *Service) RefreshActive(ctx context.Context, limit int) (int, error) {
	states, err := s.repo.ListStates(ctx, "active", limit)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, state := range states {
		runtime, snapshot, err := s.SnapshotForVersion(ctx, state.StrategyVersionID)
		if err != nil {
			s.log.Warn().Err(err).
				Str("strategy_version_id", state.StrategyVersionID).
				Msg("Live refresh skipped strategy version")
			continue
		}
		for _, row := range snapshot {
			action, _ := row["action"].(string)
			symbol, _ := row["symbol"].(string)
			reasonCode, _ := row["reason_code"].(string)
			score, _ := row["score"].(float64)
			if err := s.repo.AppendInsight(ctx, runtime.StrategyVersionID, action, symbol, reasonCode, score, row); err != nil {
				return refreshed, err
			}
		}
		payload := make(map[string]interface{}, len(state.Payload)+2)
		for key, value := range state.Payload {
			payload[key] = value
		}
		payload["last_snapshot_size"] = len(snapshot)
		payload["last_refreshed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
		if err := s.repo.UpsertState(ctx, runtime.StrategyVersionID, state.StrategyName, "active", payload); err != nil {
			return refreshed, err
		}
		refreshed++
	}
	return refreshed, nil
}

func (s *Service) appendAudit(ctx context.Context, eventType string, payload map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, eventType, payload); err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to append live audit event")
	}
}
