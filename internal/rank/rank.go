// Package rank orders spread snapshots into the operator-facing opportunity
// list. Top is a pure function of its inputs so rankings are reproducible.
package rank

import (
	"sort"

	"krw-contango-bot/internal/spread"
)

// Top filters snapshots below minPct, sorts descending by spread percentage
// and truncates to n. Ties break on higher funding rate, then lexical asset
// order, then venue pair, so equal inputs always rank identically.
func Top(snaps []spread.Snapshot, minPct float64, n int) []spread.Snapshot {
	out := make([]spread.Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		if snap.Pct < minPct {
			continue
		}
		out = append(out, snap)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Less(out[j], out[i])
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Less reports whether a ranks strictly below b.
func Less(a, b spread.Snapshot) bool {
	if a.Pct != b.Pct {
		return a.Pct < b.Pct
	}
	if a.FundingRate != b.FundingRate {
		return a.FundingRate < b.FundingRate
	}
	if a.Asset != b.Asset {
		return a.Asset > b.Asset
	}
	if a.SpotVenue != b.SpotVenue {
		return a.SpotVenue > b.SpotVenue
	}
	return a.FuturesVenue > b.FuturesVenue
}
