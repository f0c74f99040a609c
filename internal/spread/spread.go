// Package spread joins fresh spot and futures quotes into contango spread
// snapshots. The computation is conservative for the hedge direction: buying
// spot and selling futures, so the spot ask and futures bid are used.
package spread

import (
	"time"

	"krw-contango-bot/internal/quotebook"
	"krw-contango-bot/internal/venue"
)

// fundingEpochsPerYear annualizes an 8h funding epoch (3 per day).
const fundingEpochsPerYear = 3 * 365

// Snapshot is an immutable spread observation for one (asset, spot venue,
// futures venue) tuple. A new snapshot replaces, never mutates, a prior one.
type Snapshot struct {
	Asset        string
	SpotVenue    venue.ID
	FuturesVenue venue.ID
	SpotPrice    float64 // spot best ask, USD
	FuturesPrice float64 // futures best bid, USD
	SpreadUSD    float64
	Pct          float64
	NetPct       float64 // fee-adjusted, round trip on both legs
	FundingRate  float64
	HasFunding   bool
	NextFunding  time.Time
	// AnnualizedFundingPct is the funding-adjusted carry metric assuming 8h
	// funding epochs.
	AnnualizedFundingPct float64
	ComputedAt           time.Time
}

type Aggregator struct {
	freshness time.Duration
}

func NewAggregator(freshness time.Duration) *Aggregator {
	return &Aggregator{freshness: freshness}
}

// Fresh reports whether a quote timestamp lies within the freshness window
// of now.
func (a *Aggregator) Fresh(t, now time.Time) bool {
	if t.IsZero() {
		return false
	}
	return now.Sub(t) <= a.freshness
}

// Compute pairs every asset that has a fresh quote on at least one spot and
// one futures view. Assets with no fresh pair are omitted; a snapshot never
// references a stale quote.
func (a *Aggregator) Compute(now time.Time, views []quotebook.View) []Snapshot {
	var spot, futures []quotebook.View
	for _, view := range views {
		if view.Market == venue.MarketSpot {
			spot = append(spot, view)
		} else {
			futures = append(futures, view)
		}
	}
	var out []Snapshot
	for _, sv := range spot {
		for asset, spotQuote := range sv.Quotes {
			if spotQuote.Ask <= 0 || !a.Fresh(spotQuote.Time, now) {
				continue
			}
			for _, fv := range futures {
				futQuote, ok := fv.Quotes[asset]
				if !ok || futQuote.Bid <= 0 || !a.Fresh(futQuote.Time, now) {
					continue
				}
				snap := build(asset, spotQuote, futQuote, now)
				if funding, ok := fv.Funding[asset]; ok {
					snap.FundingRate = funding.Rate
					snap.HasFunding = true
					snap.NextFunding = funding.NextFunding
					snap.AnnualizedFundingPct = funding.Rate * fundingEpochsPerYear * 100
				}
				out = append(out, snap)
			}
		}
	}
	return out
}

func build(asset string, spotQuote, futQuote venue.Quote, now time.Time) Snapshot {
	spread := futQuote.Bid - spotQuote.Ask
	pct := spread / spotQuote.Ask * 100
	feePct := (venue.TakerFee(spotQuote.VenueID)*2 + venue.TakerFee(futQuote.VenueID)*2) * 100
	return Snapshot{
		Asset:        asset,
		SpotVenue:    spotQuote.VenueID,
		FuturesVenue: futQuote.VenueID,
		SpotPrice:    spotQuote.Ask,
		FuturesPrice: futQuote.Bid,
		SpreadUSD:    spread,
		Pct:          pct,
		NetPct:       pct - feePct,
		ComputedAt:   now,
	}
}
