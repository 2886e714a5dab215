package runtime

import (
	"encoding/json"
	"os"
)

// parseReport extracts the metric projection from a pass's report.json.
// Returns nil when the file is missing, empty, or not a JSON object;
// the caller maps that to a Failed pass. Parsing is lenient: absent
// fields surface as nil values, never as errors.
func parseReport(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil
	}

	main := section(obj, "main")
	trade := section(obj, "tradeStatistics")
	equity := section(obj, "equity")

	netProfit := main["netProfit"]
	if netProfit == nil {
		netProfit = trade["netProfit"]
	}

	return map[string]any{
		"main":   main,
		"trade":  trade,
		"equity": equity,

		"netProfit":     netProfit,
		"endingEquity":  main["endingEquity"],
		"endingBalance": main["endingBalance"],

		"profitFactor":  allOf(trade, "profitFactor"),
		"totalTrades":   allOf(trade, "totalTrades"),
		"winningTrades": allOf(trade, "winningTrades"),
		"losingTrades":  allOf(trade, "losingTrades"),
		"averageTrade":  allOf(trade, "averageTrade"),

		"maxEquityDrawdownPercent":  equity["maxEquityDrawdownPercent"],
		"maxBalanceDrawdownPercent": equity["maxBalanceDrawdownPercent"],
		"maxEquityDrawdownAbsolute": equity["maxEquityDrawdownAbsolute"],
		"maxBalanceDrawdownAbsolute": equity["maxBalanceDrawdownAbsolute"],
	}
}

// section returns obj[key] as an object, or an empty map.
func section(obj map[string]any, key string) map[string]any {
	if m, ok := obj[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// allOf returns m[key]["all"] for the report's per-direction stat
// objects. A bare scalar passes through as-is.
func allOf(m map[string]any, key string) any {
	switch v := m[key].(type) {
	case map[string]any:
		return v["all"]
	default:
		return v
	}
}
