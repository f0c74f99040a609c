package spread

import (
	"math"
	"testing"
	"time"

	"krw-contango-bot/internal/quotebook"
	"krw-contango-bot/internal/venue"
)

var now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func spotView(asset string, bid, ask float64, at time.Time) quotebook.View {
	return quotebook.View{
		VenueID: venue.Upbit,
		Market:  venue.MarketSpot,
		Quotes:  map[string]venue.Quote{asset: {VenueID: venue.Upbit, Asset: asset, Bid: bid, Ask: ask, Time: at}},
		Funding: map[string]venue.FundingSnapshot{},
	}
}

func futView(asset string, bid, ask float64, at time.Time) quotebook.View {
	return quotebook.View{
		VenueID: venue.OKX,
		Market:  venue.MarketFutures,
		Quotes:  map[string]venue.Quote{asset: {VenueID: venue.OKX, Asset: asset, Bid: bid, Ask: ask, Time: at}},
		Funding: map[string]venue.FundingSnapshot{},
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeUsesConservativeSides(t *testing.T) {
	views := []quotebook.View{
		spotView("BTC", 99.0, 100.0, now),
		futView("BTC", 101.0, 101.5, now),
	}
	snaps := NewAggregator(5 * time.Second).Compute(now, views)
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	snap := snaps[0]
	if snap.SpotPrice != 100.0 {
		t.Fatalf("expected spot ask 100, got %v", snap.SpotPrice)
	}
	if snap.FuturesPrice != 101.0 {
		t.Fatalf("expected futures bid 101, got %v", snap.FuturesPrice)
	}
	if !almostEqual(snap.SpreadUSD, 1.0) {
		t.Fatalf("expected spread 1.0, got %v", snap.SpreadUSD)
	}
	if !almostEqual(snap.Pct, 1.0) {
		t.Fatalf("expected pct 1.0, got %v", snap.Pct)
	}
	// Round trip fees: upbit 0.05% and okx 0.05%, both legs twice.
	wantNet := 1.0 - (0.0005*2+0.0005*2)*100
	if !almostEqual(snap.NetPct, wantNet) {
		t.Fatalf("expected net pct %v, got %v", wantNet, snap.NetPct)
	}
}

func TestComputeSkipsStaleQuotes(t *testing.T) {
	agg := NewAggregator(5 * time.Second)
	views := []quotebook.View{
		spotView("BTC", 99.0, 100.0, now.Add(-6*time.Second)),
		futView("BTC", 101.0, 101.5, now),
	}
	if snaps := agg.Compute(now, views); len(snaps) != 0 {
		t.Fatalf("expected stale spot quote to block the pair, got %d snapshots", len(snaps))
	}

	views = []quotebook.View{
		spotView("BTC", 99.0, 100.0, now.Add(-5*time.Second)),
		futView("BTC", 101.0, 101.5, now),
	}
	if snaps := agg.Compute(now, views); len(snaps) != 1 {
		t.Fatalf("expected quote exactly at the window edge to pass, got %d", len(snaps))
	}
}

func TestComputeAttachesFunding(t *testing.T) {
	fv := futView("BTC", 101.0, 101.5, now)
	fv.Funding["BTC"] = venue.FundingSnapshot{VenueID: venue.OKX, Asset: "BTC", Rate: 0.0001, Time: now}
	snaps := NewAggregator(5 * time.Second).Compute(now, []quotebook.View{spotView("BTC", 99, 100, now), fv})
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	snap := snaps[0]
	if !snap.HasFunding || snap.FundingRate != 0.0001 {
		t.Fatalf("expected funding attached, got %+v", snap)
	}
	// 0.01% per 8h epoch, 3 epochs a day, 365 days.
	want := 0.0001 * 3 * 365 * 100
	if !almostEqual(snap.AnnualizedFundingPct, want) {
		t.Fatalf("expected annualized funding %v, got %v", want, snap.AnnualizedFundingPct)
	}
}

func TestComputePairsEveryVenueCombination(t *testing.T) {
	spot2 := spotView("BTC", 98, 99, now)
	spot2.VenueID = venue.Bithumb
	spot2.Quotes["BTC"] = venue.Quote{VenueID: venue.Bithumb, Asset: "BTC", Bid: 98, Ask: 99, Time: now}
	views := []quotebook.View{
		spotView("BTC", 99, 100, now),
		spot2,
		futView("BTC", 101, 101.5, now),
	}
	snaps := NewAggregator(5 * time.Second).Compute(now, views)
	if len(snaps) != 2 {
		t.Fatalf("expected one snapshot per spot/futures pair, got %d", len(snaps))
	}
}

func TestComputeOmitsAssetsMissingOneSide(t *testing.T) {
	views := []quotebook.View{
		spotView("BTC", 99, 100, now),
		futView("ETH", 10, 10.1, now),
	}
	if snaps := NewAggregator(5 * time.Second).Compute(now, views); len(snaps) != 0 {
		t.Fatalf("expected no snapshot without both legs, got %d", len(snaps))
	}
}
