package hedge

import (
	"time"

	"krw-contango-bot/internal/venue"
)

// State is the per-asset ladder state. HALTED is entered when a tranche is
// left with a single confirmed leg; no automatic action runs for the asset
// until the operator resolves it.
type State string

const (
	StateFlat   State = "FLAT"
	StateHedged State = "HEDGED"
	StateHalted State = "HALTED"
)

type TrancheState string

const (
	TrancheOpen TrancheState = "OPEN"
	// TrancheOpenFuturesOnly: the futures short confirmed but the spot buy
	// failed after retries. The short is exposed.
	TrancheOpenFuturesOnly TrancheState = "OPEN_FUTURES_ONLY"
	// TrancheCloseSpotOnly: on unwind the spot sell confirmed but the
	// futures buy-back failed after retries. The short is exposed.
	TrancheCloseSpotOnly TrancheState = "CLOSE_SPOT_ONLY"
	TrancheClosed        TrancheState = "CLOSED"
)

// Tranche is one fixed-size increment of a hedge position. It is created
// only by a two-leg open sequence and leaves the ladder only through a
// two-leg close or an operator resolution.
type Tranche struct {
	ID                int64        `msgpack:"id"`
	Asset             string       `msgpack:"asset"`
	NotionalUSD       float64      `msgpack:"notional_usd"`
	Qty               float64      `msgpack:"qty"`
	SpotVenue         venue.ID     `msgpack:"spot_venue"`
	FuturesVenue      venue.ID     `msgpack:"futures_venue"`
	EntrySpotPrice    float64      `msgpack:"entry_spot_price"`
	EntryFuturesPrice float64      `msgpack:"entry_futures_price"`
	FuturesOrderID    string       `msgpack:"futures_order_id"`
	SpotOrderID       string       `msgpack:"spot_order_id"`
	OpenedAt          time.Time    `msgpack:"opened_at"`
	State             TrancheState `msgpack:"state"`
}

// Faulted reports whether the tranche has exactly one confirmed leg.
func (t Tranche) Faulted() bool {
	return t.State == TrancheOpenFuturesOnly || t.State == TrancheCloseSpotOnly
}

type Action int

const (
	ActionNone Action = iota
	ActionOpen
	ActionClose
)

// Decision is the ladder's verdict for one spread snapshot.
type Decision struct {
	Action      Action
	NotionalUSD float64
}

// LedgerSnapshot is the persistable form of a ladder, written to the state
// store after every mutation so a restart cannot forget an exposed leg.
type LedgerSnapshot struct {
	Asset       string    `msgpack:"asset"`
	State       State     `msgpack:"state"`
	NextID      int64     `msgpack:"next_id"`
	Tranches    []Tranche `msgpack:"tranches"`
	UpdatedAtMS int64     `msgpack:"updated_at_ms"`
}
