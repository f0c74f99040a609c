// Package sink publishes ranked spread snapshots: a human-readable console
// rendering and an optional Redis feed for downstream consumers.
package sink

import (
	"fmt"
	"strings"

	"krw-contango-bot/internal/spread"
)

// RenderRows formats ranked snapshots one line per opportunity: the long
// spot leg, the short perp leg, then spread, funding and net columns.
func RenderRows(rows []spread.Snapshot) string {
	if len(rows) == 0 {
		return "No contango opportunities above threshold."
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		fundingStr := "n/a"
		if row.HasFunding {
			fundingStr = fmt.Sprintf("%.4f%%", row.FundingRate*100)
		}
		lines = append(lines, fmt.Sprintf(
			"%-8s | Long %s spot (ask) @%.8f USD | Short %s perp (bid) @%.8f USD (spread %.6f USD, %.3f%%, funding %s, net %.3f%%)",
			row.Asset,
			row.SpotVenue,
			row.SpotPrice,
			row.FuturesVenue,
			row.FuturesPrice,
			row.SpreadUSD,
			row.Pct,
			fundingStr,
			row.NetPct,
		))
	}
	return strings.Join(lines, "\n")
}
