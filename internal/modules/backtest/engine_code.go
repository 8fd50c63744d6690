package backtest

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/charts"
	"github.com/aristath/finagent/internal/modules/sandbox"
	"github.com/aristath/finagent/internal/modules/strategy"
)

// CodeRequest describes one code-strategy backtest.
type CodeRequest struct {
	StrategyName   string   `json:"strategy_name"`
	SourceCode     string   `json:"source_code"`
	Universe       []string `json:"universe"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	InitialCapital float64  `json:"initial_capital"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	MemoryMB       int      `json:"memory_mb"`
	CPUSeconds     int      `json:"cpu_seconds"`

	// Context entries are merged into the sandbox context on top of the
	// standard start_date/end_date/initial_capital keys. The tuning engine
	// uses this to pass tuning_params and a per-trial seed.
	Context map[string]interface{} `json:"context,omitempty"`
}

// CodeResult is the API-facing summary of a code-strategy backtest.
type CodeResult struct {
	RunID             string    `json:"run_id"`
	StrategyName      string    `json:"strategy_name"`
	StrategyVersionID string    `json:"strategy_version_id"`
	WorldManifestID   string    `json:"world_manifest_id"`
	Metrics           *Metrics  `json:"metrics"`
	Artifacts         Artifacts `json:"artifacts"`
	SandboxRunID      string    `json:"sandbox_run_id"`
	SignalsCount      int       `json:"signals_count"`
}

// RunCode validates and versions the source, snapshots prices, executes the
// strategy in the sandbox and prices the resulting buy signals with an
// equal-allocation, carry-forward model.
func (s *Service) RunCode(ctx context.Context, req *CodeRequest) (*CodeResult, error) {
	if len(req.Universe) == 0 {
		return nil, errs.Invalid("universe must not be empty")
	}
	if req.InitialCapital <= 0 {
		return nil, errs.Invalid("initial_capital must be positive")
	}

	validation, err := strategy.ValidateSource(req.SourceCode)
	if err != nil {
		return nil, err
	}
	versionRef, err := s.strategies.SaveCodeVersion(ctx, req.StrategyName, req.SourceCode, validation)
	if err != nil {
		return nil, err
	}

	bars, err := s.market.QueryOHLCVRange(req.Universe, req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, errs.Invalid("no OHLCV rows found for requested universe/date range")
	}

	type pricePoint struct {
		day   string
		close float64
	}
	frame := make([]map[string]interface{}, 0, len(bars))
	bySymbol := map[string][]pricePoint{}
	closeByDay := map[string]map[string]float64{}
	dateSet := map[string]bool{}
	for _, bar := range bars {
		day := dateKey(bar.Timestamp)
		frame = append(frame, map[string]interface{}{
			"symbol":    bar.Symbol,
			"timestamp": day,
			"close":     bar.Close,
		})
		bySymbol[bar.Symbol] = append(bySymbol[bar.Symbol], pricePoint{day: day, close: bar.Close})
		if closeByDay[bar.Symbol] == nil {
			closeByDay[bar.Symbol] = map[string]float64{}
		}
		closeByDay[bar.Symbol][day] = bar.Close
		dateSet[day] = true
	}

	universeValues := make([]interface{}, len(req.Universe))
	for i, symbol := range req.Universe {
		universeValues[i] = symbol
	}
	sandboxContext := map[string]interface{}{
		"start_date":      req.StartDate,
		"end_date":        req.EndDate,
		"initial_capital": req.InitialCapital,
	}
	for key, value := range req.Context {
		sandboxContext[key] = value
	}
	sandboxResult, err := s.sandbox.Run(ctx, &sandbox.Request{
		SourceCode:     req.SourceCode,
		TimeoutSeconds: req.TimeoutSeconds,
		MemoryMB:       req.MemoryMB,
		CPUSeconds:     req.CPUSeconds,
		DataBundle:     map[string]interface{}{"universe": universeValues},
		Frame:          frame,
		Context:        sandboxContext,
	})
	if err != nil {
		return nil, err
	}

	signals, _ := sandboxResult.Outputs["signals"].([]interface{})
	activeSymbols := map[string]bool{}
	for _, item := range signals {
		row, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		symbol, _ := row["symbol"].(string)
		signal, _ := row["signal"].(string)
		if strings.ToLower(signal) == "buy" && len(bySymbol[symbol]) > 0 {
			activeSymbols[symbol] = true
		}
	}

	orderedDates := make([]string, 0, len(dateSet))
	for day := range dateSet {
		orderedDates = append(orderedDates, day)
	}
	sort.Strings(orderedDates)
	if len(orderedDates) < 2 {
		return nil, errs.Invalid("need at least two dates for code strategy backtest")
	}

	var equitySeries []float64
	tradeCount := 0
	if len(activeSymbols) == 0 {
		equitySeries = make([]float64, len(orderedDates))
		for i := range equitySeries {
			equitySeries[i] = req.InitialCapital
		}
	} else {
		allocation := req.InitialCapital / float64(len(activeSymbols))
		tradeCount = len(activeSymbols) * 2

		symbolPoints := map[string]map[string]float64{}
		firstClose := map[string]float64{}
		for symbol := range activeSymbols {
			points := bySymbol[symbol]
			byDay := make(map[string]float64, len(points))
			for _, p := range points {
				byDay[p.day] = p.close
			}
			symbolPoints[symbol] = byDay
			firstClose[symbol] = points[0].close
		}

		lastClose := map[string]float64{}
		for _, day := range orderedDates {
			total := 0.0
			for symbol := range activeSymbols {
				if close, ok := symbolPoints[symbol][day]; ok {
					lastClose[symbol] = close
				}
				close, ok := lastClose[symbol]
				if !ok {
					close = firstClose[symbol]
				}
				total += allocation * (close / firstClose[symbol])
			}
			equitySeries = append(equitySeries, total)
		}
	}

	metrics, err := ComputeMetrics(equitySeries, tradeCount)
	if err != nil {
		return nil, err
	}

	runDir := s.paths.CodeBacktestsDir()
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
		"Code Strategy Equity - "+req.StrategyName, orderedDates, equitySeries); err != nil {
		return nil, err
	}
	if err := charts.WriteLineChart(artifacts.DrawdownPath,
		"Code Strategy Drawdown - "+req.StrategyName, orderedDates, Drawdowns(equitySeries)); err != nil {
		return nil, err
	}

	blotterRows := make([]TradeRow, 0, len(activeSymbols))
	orderedSymbols := make([]string, 0, len(activeSymbols))
	for symbol := range activeSymbols {
		orderedSymbols = append(orderedSymbols, symbol)
	}
	sort.Strings(orderedSymbols)
	for _, symbol := range orderedSymbols {
		points := bySymbol[symbol]
		entry := points[0]
		exit := points[len(points)-1]
		allocation := req.InitialCapital / float64(len(activeSymbols))
		blotterRows = append(blotterRows, TradeRow{
			Symbol:      symbol,
			EntryTS:     entry.day,
			ExitTS:      exit.day,
			EntryPrice:  entry.close,
			ExitPrice:   exit.close,
			PnL:         allocation * (exit.close/entry.close - 1),
			EntryReason: "signal_buy",
			ExitReason:  "end_of_window",
		})
	}
	if err := writeTradeBlotter(artifacts.TradeBlotterPath, blotterRows); err != nil {
		return nil, err
	}
	if err := writeCodeSignalContext(artifacts.SignalContextPath, signals, closeByDay); err != nil {
		return nil, err
	}

	manifest, err := s.world.BuildManifest(ctx, req.Universe, req.StartDate, req.EndDate, "")
	if err != nil {
		return nil, err
	}

	signalsPayload := make([]interface{}, len(signals))
	copy(signalsPayload, signals)
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
			"mode":           "code_strategy",
			"strategy_name":  req.StrategyName,
			"universe":       universeValues,
			"start_date":     req.StartDate,
			"end_date":       req.EndDate,
			"signals":        signalsPayload,
			"sandbox_run_id": sandboxResult.RunID,
		})
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, "code.backtest.run", map[string]interface{}{
		"run_id":              runID,
		"strategy_name":       req.StrategyName,
		"strategy_version_id": versionRef.VersionID,
		"signals_count":       len(signals),
		"sandbox_run_id":      sandboxResult.RunID,
		"metrics":             metricsMap,
	})

	return &CodeResult{
		RunID:             runID,
		StrategyName:      req.StrategyName,
		StrategyVersionID: versionRef.VersionID,
		WorldManifestID:   manifest.ManifestID,
		Metrics:           metrics,
		Artifacts:         artifacts,
		SandboxRunID:      sandboxResult.RunID,
		SignalsCount:      len(signals),
	}, nil
}

// writeCodeSignalContext flattens the raw strategy signals into CSV. A signal
// without a matching price bar keeps close at zero.
func writeCodeSignalContext(path string, signals []interface{}, closes map[string]map[string]float64) error {
	handle, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	defer handle.Close()

	writer := csv.NewWriter(handle)
	if err := writer.Write([]string{
		"symbol", "timestamp", "close", "signal", "strength", "reason_code",
	}); err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	for _, item := range signals {
		row, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		symbol, _ := row["symbol"].(string)
		signal, _ := row["signal"].(string)
		timestamp, _ := row["timestamp"].(string)
		strength, _ := row["strength"].(float64)
		reason, _ := row["reason_code"].(string)
		if reason == "" {
			reason, _ = row["reason"].(string)
		}
		if reason == "" {
			reason = "strategy_signal"
		}
		close := closes[symbol][timestamp]
		if err := writer.Write([]string{
			symbol, timestamp, formatCSVFloat(close), signal, formatCSVFloat(strength), reason,
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
