package sink

import (
	"strings"
	"testing"

	"krw-contango-bot/internal/spread"
	"krw-contango-bot/internal/venue"
)

func TestRenderRowsEmpty(t *testing.T) {
	out := RenderRows(nil)
	if !strings.Contains(out, "No contango opportunities") {
		t.Fatalf("unexpected empty rendering: %q", out)
	}
}

func TestRenderRowsFormatsLegsAndFunding(t *testing.T) {
	rows := []spread.Snapshot{
		{
			Asset:        "BTC",
			SpotVenue:    venue.Upbit,
			FuturesVenue: venue.OKX,
			SpotPrice:    100,
			FuturesPrice: 101,
			SpreadUSD:    1,
			Pct:          1.0,
			NetPct:       0.8,
			FundingRate:  0.0001,
			HasFunding:   true,
		},
		{
			Asset:        "ETH",
			SpotVenue:    venue.Bithumb,
			FuturesVenue: venue.Gate,
			SpotPrice:    10,
			FuturesPrice: 10.05,
			SpreadUSD:    0.05,
			Pct:          0.5,
			NetPct:       0.3,
		},
	}
	out := RenderRows(rows)
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected one line per row, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "Long upbit spot (ask)") || !strings.Contains(lines[0], "Short okx perp (bid)") {
		t.Fatalf("legs missing from line: %q", lines[0])
	}
	if !strings.Contains(lines[0], "funding 0.0100%") {
		t.Fatalf("expected funding rendered as percent: %q", lines[0])
	}
	if !strings.Contains(lines[1], "funding n/a") {
		t.Fatalf("expected n/a funding for missing snapshot: %q", lines[1])
	}
}
