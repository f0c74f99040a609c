package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"krw-contango-bot/internal/hedge"
	"krw-contango-bot/internal/spread"
	"krw-contango-bot/internal/venue"

	"go.uber.org/zap"
)

var ladderCfg = hedge.Config{EntryPct: 1.0, ExitPct: 0.2, TrancheUSD: 50, MaxNotionalUSD: 2000}

func testSnap() spread.Snapshot {
	return spread.Snapshot{
		Asset:        "BTC",
		SpotVenue:    venue.Upbit,
		FuturesVenue: venue.OKX,
		SpotPrice:    100,
		FuturesPrice: 101,
	}
}

func fastCfg() Config {
	return Config{MaxLegRetries: 3, RetryBackoff: time.Millisecond, LegTimeout: 100 * time.Millisecond}
}

type legKey struct {
	venueID venue.ID
	side    venue.Side
}

// fakeGateway fails a scripted number of times per leg, then fills.
type fakeGateway struct {
	mu       sync.Mutex
	failures map[legKey]int
	calls    []legKey
	next     int
	block    chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failures: make(map[legKey]int)}
}

func (g *fakeGateway) Mode() string { return "fake" }

func (g *fakeGateway) SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return venue.OrderResult{}, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := legKey{req.VenueID, req.Side}
	g.calls = append(g.calls, key)
	if g.failures[key] > 0 {
		g.failures[key]--
		return venue.OrderResult{}, errors.New("venue rejected order")
	}
	g.next++
	return venue.OrderResult{
		OrderID:  fmt.Sprintf("ord-%d", g.next),
		VenueID:  req.VenueID,
		Asset:    req.Asset,
		Side:     req.Side,
		Qty:      req.Qty,
		AvgPrice: req.RefPrice,
		FilledAt: time.Now(),
	}, nil
}

func (g *fakeGateway) callCount(key legKey) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == key {
			n++
		}
	}
	return n
}

type nopCounters struct{}

func (nopCounters) OrderPlaced() {}
func (nopCounters) OrderFailed() {}

func TestSequenceOpenOrdersFuturesFirst(t *testing.T) {
	gw := newFakeGateway()
	seq := New(gw, fastCfg(), nopCounters{}, zap.NewNop())
	ladder := hedge.NewLadder("BTC", ladderCfg)

	conf, err := seq.SequenceOpen(context.Background(), ladder, testSnap(), 50)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if len(gw.calls) != 2 {
		t.Fatalf("expected 2 legs, got %d", len(gw.calls))
	}
	if gw.calls[0] != (legKey{venue.OKX, venue.Sell}) {
		t.Fatalf("expected futures sell first, got %+v", gw.calls[0])
	}
	if gw.calls[1] != (legKey{venue.Upbit, venue.Buy}) {
		t.Fatalf("expected spot buy second, got %+v", gw.calls[1])
	}
	if ladder.State() != hedge.StateHedged {
		t.Fatalf("expected HEDGED, got %s", ladder.State())
	}
	if conf.Qty != 50.0/101.0 {
		t.Fatalf("expected qty from futures price, got %v", conf.Qty)
	}
}

func TestSequenceOpenFuturesFailureLeavesLadderClean(t *testing.T) {
	gw := newFakeGateway()
	gw.failures[legKey{venue.OKX, venue.Sell}] = 10
	seq := New(gw, fastCfg(), nopCounters{}, zap.NewNop())
	ladder := hedge.NewLadder("BTC", ladderCfg)

	_, err := seq.SequenceOpen(context.Background(), ladder, testSnap(), 50)
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, ErrPartialHedge) {
		t.Fatalf("first-leg failure must not be a partial hedge: %v", err)
	}
	if ladder.State() != hedge.StateFlat {
		t.Fatalf("expected FLAT, got %s", ladder.State())
	}
	if got := gw.callCount(legKey{venue.OKX, venue.Sell}); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if got := gw.callCount(legKey{venue.Upbit, venue.Buy}); got != 0 {
		t.Fatalf("spot leg must not run after futures failure, got %d calls", got)
	}
}

func TestSequenceOpenSpotFailureHalts(t *testing.T) {
	gw := newFakeGateway()
	gw.failures[legKey{venue.Upbit, venue.Buy}] = 10
	seq := New(gw, fastCfg(), nopCounters{}, zap.NewNop())
	ladder := hedge.NewLadder("BTC", ladderCfg)

	_, err := seq.SequenceOpen(context.Background(), ladder, testSnap(), 50)
	if !errors.Is(err, ErrPartialHedge) {
		t.Fatalf("expected partial hedge error, got %v", err)
	}
	var partial *PartialHedgeError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialHedgeError, got %T", err)
	}
	if ladder.State() != hedge.StateHalted {
		t.Fatalf("expected HALTED, got %s", ladder.State())
	}
	faulted := ladder.FaultedTranches()
	if len(faulted) != 1 || faulted[0].State != hedge.TrancheOpenFuturesOnly {
		t.Fatalf("expected OPEN_FUTURES_ONLY tranche, got %+v", faulted)
	}
	if faulted[0].FuturesOrderID == "" {
		t.Fatalf("expected filled futures order id on the faulted tranche")
	}
}

func TestSequenceOpenRetriesTransientFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.failures[legKey{venue.OKX, venue.Sell}] = 2
	seq := New(gw, fastCfg(), nopCounters{}, zap.NewNop())
	ladder := hedge.NewLadder("BTC", ladderCfg)

	if _, err := seq.SequenceOpen(context.Background(), ladder, testSnap(), 50); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := gw.callCount(legKey{venue.OKX, venue.Sell}); got != 3 {
		t.Fatalf("expected 3 futures attempts, got %d", got)
	}
}

func TestSequenceCloseOrdersSpotFirst(t *testing.T) {
	gw := newFakeGateway()
	seq := New(gw, fastCfg(), nopCounters{}, zap.NewNop())
	ladder := hedge.NewLadder("BTC", ladderCfg)
	if _, err := seq.SequenceOpen(context.Background(), ladder, testSnap(), 50); err != nil {
		t.Fatalf("open: %v", err)
	}

	closeSnap := testSnap()
	closeSnap.SpotPrice = 100.5
	closeSnap.FuturesPrice = 100.6
	conf, err := seq.SequenceClose(context.Background(), ladder, closeSnap)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if gw.calls[2] != (legKey{venue.Upbit, venue.Sell}) {
		t.Fatalf("expected spot sell first on close, got %+v", gw.calls[2])
	}
	if gw.calls[3] != (legKey{venue.OKX, venue.Buy}) {
		t.Fatalf("expected futures buy second on close, got %+v", gw.calls[3])
	}
	if ladder.State() != hedge.StateFlat {
		t.Fatalf("expected FLAT after close, got %s", ladder.State())
	}
	// Short from 101 covered at 100.6, spot 100 sold at 100.5.
	qty := 50.0 / 101.0
	wantPnL := qty * ((101.0 - 100.6) + (100.5 - 100.0))
	if diff := conf.PnLUSD - wantPnL; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected pnl %v, got %v", wantPnL, conf.PnLUSD)
	}
}

func TestSequenceCloseFuturesFailureHalts(t *testing.T) {
	gw := newFakeGateway()
	seq := New(gw, fastCfg(), nopCounters{}, zap.NewNop())
	ladder := hedge.NewLadder("BTC", ladderCfg)
	if _, err := seq.SequenceOpen(context.Background(), ladder, testSnap(), 50); err != nil {
		t.Fatalf("open: %v", err)
	}

	gw.failures[legKey{venue.OKX, venue.Buy}] = 10
	_, err := seq.SequenceClose(context.Background(), ladder, testSnap())
	if !errors.Is(err, ErrPartialHedge) {
		t.Fatalf("expected partial hedge error, got %v", err)
	}
	if ladder.State() != hedge.StateHalted {
		t.Fatalf("expected HALTED, got %s", ladder.State())
	}
	faulted := ladder.FaultedTranches()
	if len(faulted) != 1 || faulted[0].State != hedge.TrancheCloseSpotOnly {
		t.Fatalf("expected CLOSE_SPOT_ONLY tranche, got %+v", faulted)
	}
}

func TestSequenceCloseSpotFailureLeavesTrancheHedged(t *testing.T) {
	gw := newFakeGateway()
	seq := New(gw, fastCfg(), nopCounters{}, zap.NewNop())
	ladder := hedge.NewLadder("BTC", ladderCfg)
	if _, err := seq.SequenceOpen(context.Background(), ladder, testSnap(), 50); err != nil {
		t.Fatalf("open: %v", err)
	}

	gw.failures[legKey{venue.Upbit, venue.Sell}] = 10
	_, err := seq.SequenceClose(context.Background(), ladder, testSnap())
	if err == nil || errors.Is(err, ErrPartialHedge) {
		t.Fatalf("expected clean abort, got %v", err)
	}
	if ladder.State() != hedge.StateHedged {
		t.Fatalf("expected tranche untouched, got %s", ladder.State())
	}
}

func TestSequenceCloseWithoutOpenTranche(t *testing.T) {
	seq := New(newFakeGateway(), fastCfg(), nopCounters{}, zap.NewNop())
	ladder := hedge.NewLadder("BTC", ladderCfg)
	if _, err := seq.SequenceClose(context.Background(), ladder, testSnap()); !errors.Is(err, ErrNoOpenTranche) {
		t.Fatalf("expected ErrNoOpenTranche, got %v", err)
	}
}

func TestSingleFlightPerAsset(t *testing.T) {
	gw := newFakeGateway()
	gw.block = make(chan struct{})
	seq := New(gw, fastCfg(), nopCounters{}, zap.NewNop())
	ladder := hedge.NewLadder("BTC", ladderCfg)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := seq.SequenceOpen(context.Background(), ladder, testSnap(), 50)
		done <- err
	}()
	<-started
	// Wait until the first sequence holds the asset slot.
	deadline := time.After(time.Second)
	for {
		if _, err := seq.SequenceOpen(context.Background(), ladder, testSnap(), 50); errors.Is(err, ErrBusy) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("second sequence never observed ErrBusy")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(gw.block)
	if err := <-done; err != nil {
		t.Fatalf("first sequence failed: %v", err)
	}
}

func TestLegTimeoutCountsAsFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.block = make(chan struct{}) // never closed, every attempt times out
	cfg := Config{MaxLegRetries: 2, RetryBackoff: time.Millisecond, LegTimeout: 10 * time.Millisecond}
	seq := New(gw, cfg, nopCounters{}, zap.NewNop())
	ladder := hedge.NewLadder("BTC", ladderCfg)

	_, err := seq.SequenceOpen(context.Background(), ladder, testSnap(), 50)
	if err == nil {
		t.Fatalf("expected timeout failure")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in chain, got %v", err)
	}
	if ladder.State() != hedge.StateFlat {
		t.Fatalf("timed-out first leg must leave the ladder flat, got %s", ladder.State())
	}
}
