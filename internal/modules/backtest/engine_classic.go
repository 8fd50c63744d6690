package backtest

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/config"
	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/audit"
	"github.com/aristath/finagent/internal/modules/charts"
	"github.com/aristath/finagent/internal/modules/marketdata"
	"github.com/aristath/finagent/internal/modules/sandbox"
	"github.com/aristath/finagent/internal/modules/strategy"
	"github.com/aristath/finagent/internal/modules/worldstate"
)

// Service runs backtests and persists their records and artifacts.
type Service struct {
	market     *marketdata.Repository
	strategies *strategy.Repository
	world      *worldstate.Service
	sandbox    *sandbox.Runner
	runs       *Repository
	audit      *audit.Repository
	paths      config.RuntimePaths
	log        zerolog.Logger
}

// NewService wires the backtest engine.
func NewService(market *marketdata.Repository, strategies *strategy.Repository,
	world *worldstate.Service, sandboxRunner *sandbox.Runner, runs *Repository,
	auditRepo *audit.Repository, paths config.RuntimePaths, log zerolog.Logger) *Service {
	return &Service{
		market:     market,
		strategies: strategies,
		world:      world,
		sandbox:    sandboxRunner,
		runs:       runs,
		audit:      auditRepo,
		paths:      paths,
		log:        log.With().Str("module", "backtest").Logger(),
	}
}

// movingAverage is NaN-padded until a full window is available, so a partial
// window can never fire a signal.
func movingAverage(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	sum := 0.0
	for i, value := range values {
		sum += value
		if i >= window {
			sum -= values[i-window]
		}
		if i+1 < window {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(window)
	}
	return out
}

func dateKey(timestamp string) string {
	if len(timestamp) >= 10 {
		return timestamp[:10]
	}
	return timestamp
}

func artifactStamp() string {
	now := time.Now().UTC()
	return now.Format("20060102150405") + fmt.Sprintf("%06d", now.Nanosecond()/1000)
}

// RunClassic simulates the crossover strategy per symbol with equal capital
// allocation and fee-adjusted fills, then persists the run.
func (s *Service) RunClassic(ctx context.Context, spec *Spec, manifest *worldstate.Manifest) (*Run, error) {
	if spec.SignalType != "sma_crossover" {
		return nil, errs.Invalid("unsupported signal_type: %s", spec.SignalType)
	}
	if spec.ShortWindow >= spec.LongWindow {
		return nil, errs.Invalid("short_window must be less than long_window")
	}
	if len(spec.Universe) > spec.MaxPositions {
		return nil, errs.Invalid("universe size exceeds max_positions")
	}

	bars, err := s.market.QueryOHLCVRange(spec.Universe, spec.StartDate, spec.EndDate)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, errs.Invalid("no OHLCV rows found for strategy range")
	}

	type point struct {
		ts    string
		close float64
	}
	bySymbol := map[string][]point{}
	for _, bar := range bars {
		bySymbol[bar.Symbol] = append(bySymbol[bar.Symbol], point{ts: bar.Timestamp, close: bar.Close})
	}
	var missing []string
	for _, symbol := range spec.Universe {
		if len(bySymbol[symbol]) == 0 {
			missing = append(missing, symbol)
		}
	}
	if len(missing) > 0 {
		return nil, errs.Invalid("missing OHLCV rows for symbols: %v", missing)
	}

	cashPerSymbol := spec.InitialCapital / float64(len(spec.Universe))
	feeRate := spec.CostBPS / 10000.0
	tradeCount := 0
	equityByDate := map[string]float64{}
	var tradeRows []TradeRow
	var signalRows []SignalRow

	for _, symbol := range spec.Universe {
		points := bySymbol[symbol]
		closes := make([]float64, len(points))
		for i, p := range points {
			closes[i] = p.close
		}
		shortMA := movingAverage(closes, spec.ShortWindow)
		longMA := movingAverage(closes, spec.LongWindow)

		cash := cashPerSymbol
		shares := 0.0
		prevSignal := false
		var openTrade *TradeRow

		for i, p := range points {
			day := dateKey(p.ts)
			canSignal := !math.IsNaN(shortMA[i]) && !math.IsNaN(longMA[i])
			buySignal := canSignal && shortMA[i] > longMA[i]

			reasonCode := "insufficient_history"
			if canSignal {
				switch {
				case buySignal && !prevSignal:
					reasonCode = "sma_cross_up"
				case !buySignal && prevSignal:
					reasonCode = "sma_cross_down"
				case buySignal:
					reasonCode = "trend_above"
				default:
					reasonCode = "trend_below"
				}
			}

			buyFlag := 0.0
			if buySignal {
				buyFlag = 1.0
			}
			signalRows = append(signalRows, SignalRow{
				Symbol: symbol, Timestamp: day, Close: p.close,
				SMAShort: shortMA[i], SMALong: longMA[i],
				BuySignal: buyFlag, ReasonCode: reasonCode,
			})

			if buySignal && !prevSignal && shares == 0.0 {
				gross := cash
				net := gross - gross*feeRate
				if net <= 0 {
					return nil, errs.Invalid("net capital after fees is non-positive")
				}
				shares = net / p.close
				cash = 0.0
				tradeCount++
				openTrade = &TradeRow{
					Symbol:      symbol,
					EntryTS:     day,
					EntryPrice:  p.close,
					EntryReason: "sma_cross_up",
				}
			}

			if !buySignal && prevSignal && shares > 0.0 {
				gross := shares * p.close
				cash = gross - gross*feeRate
				shares = 0.0
				tradeCount++
				if openTrade != nil {
					openTrade.ExitTS = day
					openTrade.ExitPrice = p.close
					openTrade.PnL = cash - cashPerSymbol
					openTrade.ExitReason = "sma_cross_down"
					tradeRows = append(tradeRows, *openTrade)
					openTrade = nil
				}
			}

			prevSignal = buySignal
			equityByDate[day] += cash + shares*p.close
		}

		// forced liquidation at window end for any open position
		if shares > 0.0 {
			last := points[len(points)-1]
			gross := shares * last.close
			cash = gross - gross*feeRate
			shares = 0.0
			tradeCount++
			equityByDate[dateKey(last.ts)] += cash
			if openTrade != nil {
				openTrade.ExitTS = dateKey(last.ts)
				openTrade.ExitPrice = last.close
				openTrade.PnL = cash - cashPerSymbol
				openTrade.ExitReason = "end_of_window"
				tradeRows = append(tradeRows, *openTrade)
				openTrade = nil
			}
		}
	}

	orderedDates := make([]string, 0, len(equityByDate))
	for day := range equityByDate {
		orderedDates = append(orderedDates, day)
	}
	sort.Strings(orderedDates)
	equitySeries := make([]float64, len(orderedDates))
	for i, day := range orderedDates {
		equitySeries[i] = equityByDate[day]
	}

	metrics, err := ComputeMetrics(equitySeries, tradeCount)
	if err != nil {
		return nil, err
	}

	runDir := s.paths.RunsDir()
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	stamp := artifactStamp()
	artifacts := Artifacts{
		EquityCurvePath:   filepath.Join(runDir, "equity-"+stamp+".svg"),
		DrawdownPath:      filepath.Join(runDir, "drawdown-"+stamp+".svg"),
		TradeBlotterPath:  filepath.Join(runDir, "trades-"+stamp+".csv"),
		SignalContextPath: filepath.Join(runDir, "signals-"+stamp+".csv"),
	}
	if err := charts.WriteLineChart(artifacts.EquityCurvePath,
		"Equity Curve - "+spec.StrategyName, orderedDates, equitySeries); err != nil {
		return nil, err
	}
	if err := charts.WriteLineChart(artifacts.DrawdownPath,
		"Drawdown - "+spec.StrategyName, orderedDates, Drawdowns(equitySeries)); err != nil {
		return nil, err
	}
	if err := writeTradeBlotter(artifacts.TradeBlotterPath, tradeRows); err != nil {
		return nil, err
	}
	if err := writeSignalContext(artifacts.SignalContextPath, signalRows); err != nil {
		return nil, err
	}

	versionRef, err := s.strategies.SaveSpecVersion(ctx, spec.StrategyName, spec.toMap())
	if err != nil {
		return nil, err
	}
	metricsMap := metricsToMap(metrics)
	runID, err := s.runs.SaveRun(ctx, versionRef.VersionID, manifest.ManifestID,
		metricsMap,
		map[string]interface{}{
			"equity_curve_path":   artifacts.EquityCurvePath,
			"drawdown_path":       artifacts.DrawdownPath,
			"trade_blotter_path":  artifacts.TradeBlotterPath,
			"signal_context_path": artifacts.SignalContextPath,
		},
		map[string]interface{}{
			"strategy": spec.toMap(),
			"manifest": manifest,
		})
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, "backtest.run", map[string]interface{}{
		"run_id":              runID,
		"strategy_version_id": versionRef.VersionID,
		"world_manifest_id":   manifest.ManifestID,
		"metrics":             metricsMap,
	})

	return &Run{
		RunID:             runID,
		StrategyName:      spec.StrategyName,
		StrategyVersionID: versionRef.VersionID,
		WorldManifestID:   manifest.ManifestID,
		Metrics:           metrics,
		Artifacts:         artifacts,
	}, nil
}

func (s *Service) appendAudit(ctx context.Context, eventType string, payload map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, eventType, payload); err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to append backtest audit event")
	}
}

func metricsToMap(m *Metrics) map[string]interface{} {
	return map[string]interface{}{
		"final_equity": m.FinalEquity,
		"total_return": m.TotalReturn,
		"cagr":         m.CAGR,
		"sharpe":       m.Sharpe,
		"max_drawdown": m.MaxDrawdown,
		"trade_count":  m.TradeCount,
	}
}

func formatCSVFloat(value float64) string {
	if math.IsNaN(value) {
		return "nan"
	}
	return strconv.FormatFloat(value, 'g', -1, 64)
}

func writeTradeBlotter(path string, rows []TradeRow) error {
	handle, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	defer handle.Close()

	writer := csv.NewWriter(handle)
	if err := writer.Write([]string{
		"symbol", "entry_ts", "exit_ts", "entry_price", "exit_price", "pnl", "entry_reason", "exit_reason",
	}); err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	for _, row := range rows {
		if err := writer.Write([]string{
			row.Symbol, row.EntryTS, row.ExitTS,
			formatCSVFloat(row.EntryPrice), formatCSVFloat(row.ExitPrice), formatCSVFloat(row.PnL),
			row.EntryReason, row.ExitReason,
		}); err != nil {
			return errs.Wrap(errs.KindInternal, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	return nil
}

func writeSignalContext(path string, rows []SignalRow) error {
	handle, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	defer handle.Close()

	writer := csv.NewWriter(handle)
	if err := writer.Write([]string{
		"symbol", "timestamp", "close", "sma_short", "sma_long", "buy_signal", "reason_code",
	}); err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	for _, row := range rows {
		if err := writer.Write([]string{
			row.Symbol, row.Timestamp,
			formatCSVFloat(row.Close), formatCSVFloat(row.SMAShort), formatCSVFloat(row.SMALong),
			formatCSVFloat(row.BuySignal), row.ReasonCode,
		}); err != nil {
			return errs.Wrap(errs.KindInternal, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	return nil
}
