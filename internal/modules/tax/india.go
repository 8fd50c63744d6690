// Package tax overlays Indian capital-gains and transaction charges on a
// backtest's trade blotter. It is an estimate on top of recorded trades, not
// a filing document.
package tax

import (
	"encoding/csv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/finagent/internal/errs"
)

// IndiaAssumptions captures the rates the overlay applies. Zero values are
// meaningful, so construct with DefaultIndiaAssumptions and override.
type IndiaAssumptions struct {
	STCGRate              float64 `json:"stcg_rate"`
	LTCGRate              float64 `json:"ltcg_rate"`
	LTCGThresholdDays     int     `json:"ltcg_threshold_days"`
	LTCGExemptionAmount   float64 `json:"ltcg_exemption_amount"`
	BrokerageBps          float64 `json:"brokerage_bps"`
	STTSellBps            float64 `json:"stt_sell_bps"`
	ExchangeTxnBps        float64 `json:"exchange_txn_bps"`
	SEBIBps               float64 `json:"sebi_bps"`
	StampBuyBps           float64 `json:"stamp_buy_bps"`
	GSTRate               float64 `json:"gst_rate"`
	ApplyCess             bool    `json:"apply_cess"`
	CessRate              float64 `json:"cess_rate"`
	IncludeCharges        bool    `json:"include_charges"`
	CapitalAllocationMode string  `json:"capital_allocation_mode"`
}

// DefaultIndiaAssumptions reflects FY2024-25 equity delivery rates.
func DefaultIndiaAssumptions() IndiaAssumptions {
	return IndiaAssumptions{
		STCGRate:              0.20,
		LTCGRate:              0.125,
		LTCGThresholdDays:     365,
		LTCGExemptionAmount:   125000.0,
		BrokerageBps:          3.0,
		STTSellBps:            10.0,
		ExchangeTxnBps:        0.35,
		SEBIBps:               0.001,
		StampBuyBps:           1.5,
		GSTRate:               0.18,
		ApplyCess:             true,
		CessRate:              0.04,
		IncludeCharges:        true,
		CapitalAllocationMode: "equal_max_positions",
	}
}

func (a IndiaAssumptions) asMap() map[string]interface{} {
	return map[string]interface{}{
		"stcg_rate":               a.STCGRate,
		"ltcg_rate":               a.LTCGRate,
		"ltcg_threshold_days":     a.LTCGThresholdDays,
		"ltcg_exemption_amount":   a.LTCGExemptionAmount,
		"brokerage_bps":           a.BrokerageBps,
		"stt_sell_bps":            a.STTSellBps,
		"exchange_txn_bps":        a.ExchangeTxnBps,
		"sebi_bps":                a.SEBIBps,
		"stamp_buy_bps":           a.StampBuyBps,
		"gst_rate":                a.GSTRate,
		"apply_cess":              a.ApplyCess,
		"cess_rate":               a.CessRate,
		"include_charges":         a.IncludeCharges,
		"capital_allocation_mode": a.CapitalAllocationMode,
	}
}

func safeFloat(value string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return f
}

func holdingDays(entryTS, exitTS string) int {
	entry, err := time.Parse("2006-01-02", entryTS)
	if err != nil {
		return 0
	}
	exit, err := time.Parse("2006-01-02", exitTS)
	if err != nil {
		return 0
	}
	days := int(exit.Sub(entry).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// tradeNotional assumes capital is split evenly across max_positions.
func tradeNotional(strategy map[string]interface{}) float64 {
	initialCapital := numberOf(strategy, "initial_capital")
	maxPositions := int(numberOf(strategy, "max_positions"))
	if maxPositions < 1 {
		maxPositions = 1
	}
	return initialCapital / float64(maxPositions)
}

func numberOf(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		return safeFloat(v)
	}
	return 0
}

func readBlotter(path string) ([]map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Invalid("trade blotter artifact not found: %s", path)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if len(records) == 0 {
		return []map[string]string{}, nil
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ComputeReport classifies each winning trade as STCG or LTCG by holding
// period, estimates turnover-based charges, and nets everything against the
// gross profit.
func ComputeReport(tradeBlotterPath string, strategy map[string]interface{},
	assumptions IndiaAssumptions) (map[string]interface{}, error) {

	rows, err := readBlotter(tradeBlotterPath)
	if err != nil {
		return nil, err
	}

	var grossProfit, taxableSTCG, taxableLTCG, totalTurnover float64
	for _, row := range rows {
		entry := safeFloat(row["entry_price"])
		exit := safeFloat(row["exit_price"])
		pnl := safeFloat(row["pnl"])
		grossProfit += pnl

		notional := tradeNotional(strategy)
		qty := 0.0
		if entry > 0 {
			qty = notional / entry
		}
		buyValue := qty * entry
		sellValue := qty * exit
		totalTurnover += abs(buyValue) + abs(sellValue)

		if pnl > 0 {
			if holdingDays(row["entry_ts"], row["exit_ts"]) >= assumptions.LTCGThresholdDays {
				taxableLTCG += pnl
			} else {
				taxableSTCG += pnl
			}
		}
	}

	brokerage := totalTurnover * (assumptions.BrokerageBps / 10000.0)
	stt := totalTurnover * (assumptions.STTSellBps / 10000.0) * 0.5
	exchange := totalTurnover * (assumptions.ExchangeTxnBps / 10000.0)
	sebi := totalTurnover * (assumptions.SEBIBps / 10000.0)
	stamp := totalTurnover * (assumptions.StampBuyBps / 10000.0) * 0.5
	gst := (brokerage + exchange) * assumptions.GSTRate

	stcgTax := taxableSTCG * assumptions.STCGRate
	ltcgAfterExemption := taxableLTCG - assumptions.LTCGExemptionAmount
	if ltcgAfterExemption < 0 {
		ltcgAfterExemption = 0
	}
	ltcgTax := ltcgAfterExemption * assumptions.LTCGRate
	incomeTaxSubtotal := stcgTax + ltcgTax

	cess := 0.0
	if assumptions.ApplyCess {
		cess = incomeTaxSubtotal * assumptions.CessRate
	}
	chargesTotal := 0.0
	if assumptions.IncludeCharges {
		chargesTotal = gst + stt + exchange + sebi + stamp
	}
	totalTax := incomeTaxSubtotal + cess + chargesTotal

	return map[string]interface{}{
		"metrics_pre_tax": map[string]interface{}{
			"gross_profit": grossProfit,
			"trade_count":  len(rows),
			"taxable_stcg": taxableSTCG,
			"taxable_ltcg": taxableLTCG,
		},
		"metrics_post_tax": map[string]interface{}{
			"total_tax":            totalTax,
			"net_profit_after_tax": grossProfit - totalTax,
		},
		"tax_breakdown": map[string]interface{}{
			"stcg_tax":                     stcgTax,
			"ltcg_tax":                     ltcgTax,
			"ltcg_taxable_after_exemption": ltcgAfterExemption,
			"brokerage":                    brokerage,
			"stt":                          stt,
			"exchange":                     exchange,
			"sebi":                         sebi,
			"stamp":                        stamp,
			"gst":                          gst,
			"cess":                         cess,
			"income_tax_subtotal":          incomeTaxSubtotal,
			"charges_total":                chargesTotal,
		},
		"assumptions": assumptions.asMap(),
	}, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
