// Package backtest runs strategies against world-state snapshots and
// persists reproducible run records with chart and CSV artifacts.
package backtest

// Metrics summarizes one equity curve.
type Metrics struct {
	FinalEquity float64 `json:"final_equity"`
	TotalReturn float64 `json:"total_return"`
	CAGR        float64 `json:"cagr"`
	Sharpe      float64 `json:"sharpe"`
	MaxDrawdown float64 `json:"max_drawdown"`
	TradeCount  int     `json:"trade_count"`
}

// Artifacts lists the files a run produced.
type Artifacts struct {
	EquityCurvePath   string `json:"equity_curve_path"`
	DrawdownPath      string `json:"drawdown_path"`
	TradeBlotterPath  string `json:"trade_blotter_path,omitempty"`
	SignalContextPath string `json:"signal_context_path,omitempty"`
}

// Run is the API-facing summary of a completed backtest.
type Run struct {
	RunID             string    `json:"run_id"`
	StrategyName      string    `json:"strategy_name"`
	StrategyVersionID string    `json:"strategy_version_id"`
	WorldManifestID   string    `json:"world_manifest_id"`
	Metrics           *Metrics  `json:"metrics"`
	Artifacts         Artifacts `json:"artifacts"`
}

// Spec is a declarative moving-average strategy definition.
type Spec struct {
	StrategyID     string   `json:"strategy_id"`
	StrategyName   string   `json:"strategy_name"`
	Universe       []string `json:"universe"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	InitialCapital float64  `json:"initial_capital"`
	SignalType     string   `json:"signal_type"`
	ShortWindow    int      `json:"short_window"`
	LongWindow     int      `json:"long_window"`
	MaxPositions   int      `json:"max_positions"`
	CostBPS        float64  `json:"cost_bps"`
}

// toMap flattens a Spec into a JSON-shaped payload for version storage.
func (s *Spec) toMap() map[string]interface{} {
	universe := make([]interface{}, len(s.Universe))
	for i, symbol := range s.Universe {
		universe[i] = symbol
	}
	return map[string]interface{}{
		"strategy_id":     s.StrategyID,
		"strategy_name":   s.StrategyName,
		"universe":        universe,
		"start_date":      s.StartDate,
		"end_date":        s.EndDate,
		"initial_capital": s.InitialCapital,
		"signal_type":     s.SignalType,
		"short_window":    s.ShortWindow,
		"long_window":     s.LongWindow,
		"max_positions":   s.MaxPositions,
		"cost_bps":        s.CostBPS,
	}
}

// TradeRow is one round trip in the blotter.
type TradeRow struct {
	Symbol      string
	EntryTS     string
	ExitTS      string
	EntryPrice  float64
	ExitPrice   float64
	PnL         float64
	EntryReason string
	ExitReason  string
}

// SignalRow is one bar of signal context.
type SignalRow struct {
	Symbol     string
	Timestamp  string
	Close      float64
	SMAShort   float64
	SMALong    float64
	BuySignal  float64
	ReasonCode string
}
