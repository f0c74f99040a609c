// Package venue defines the boundary between exchange feed adapters and the
// rest of the engine: normalized quote and funding events flowing out, and
// normalized order requests flowing in.
package venue

import (
	"context"
	"errors"
	"time"
)

type ID string

const (
	Upbit       ID = "upbit"
	Bithumb     ID = "bithumb"
	OKX         ID = "okx"
	Gate        ID = "gate"
	Hyperliquid ID = "hyperliquid"
)

type Market string

const (
	MarketSpot    Market = "spot"
	MarketFutures Market = "futures"
)

// Taker fee per leg, as a fraction of notional.
var takerFees = map[ID]float64{
	Upbit:       0.0005,
	Bithumb:     0.0004,
	OKX:         0.0005,
	Gate:        0.0005,
	Hyperliquid: 0.00035,
}

func TakerFee(id ID) float64 {
	return takerFees[id]
}

var ErrFeedDisconnected = errors.New("venue feed disconnected")

// Quote is the latest best bid/ask for one asset on one venue. Prices are in
// USD; KRW spot venues convert through their own USDT/KRW book before
// emitting. Time is the event time reported by the venue, not receipt time.
type Quote struct {
	VenueID ID
	Asset   string
	Bid     float64
	Ask     float64
	BidSize float64
	AskSize float64
	Time    time.Time
}

func (q Quote) Venue() ID { return q.VenueID }

// Valid reports whether the quote respects the bid <= ask invariant when both
// sides are present.
func (q Quote) Valid() bool {
	if q.Bid > 0 && q.Ask > 0 {
		return q.Bid <= q.Ask
	}
	return q.Bid > 0 || q.Ask > 0
}

// FundingSnapshot is the current funding rate for a perpetual contract.
type FundingSnapshot struct {
	VenueID     ID
	Asset       string
	Rate        float64
	NextFunding time.Time
	Time        time.Time
}

func (f FundingSnapshot) Venue() ID { return f.VenueID }

// FeedDisconnected signals a recoverable transport failure. The adapter is
// expected to reconnect and resume; consumers stale-mark the affected book.
type FeedDisconnected struct {
	VenueID ID
	Err     error
	At      time.Time
}

func (d FeedDisconnected) Venue() ID { return d.VenueID }

// Event is one item in a venue feed: Quote, FundingSnapshot or
// FeedDisconnected.
type Event interface {
	Venue() ID
}

// Adapter produces an unbounded stream of normalized events for one venue.
// Run blocks until ctx is cancelled, reconnecting internally on transport
// failure; it never terminates the process.
type Adapter interface {
	ID() ID
	Market() Market
	Run(ctx context.Context, out chan<- Event) error
}

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderRequest struct {
	VenueID     ID
	Asset       string
	Side        Side
	Qty         float64
	NotionalUSD float64
	// RefPrice is the engine's view of the price at decision time, used by
	// the dry-run gateway for synthetic fills.
	RefPrice float64
}

type OrderResult struct {
	OrderID  string
	VenueID  ID
	Asset    string
	Side     Side
	Qty      float64
	AvgPrice float64
	FilledAt time.Time
}

// OrderPlacer is the order-submission side of the adapter boundary. The core
// never signs or authenticates venue requests itself; live placements are
// delegated through this interface.
type OrderPlacer interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}
