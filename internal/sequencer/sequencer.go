// Package sequencer executes the two-leg hedge sequences. Legs are strictly
// ordered so the short futures leg is never the one left naked: opens place
// futures first, closes place spot first. A leg that fails after retries
// leaves the tranche faulted and the asset halted rather than rolled back
// blind.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"krw-contango-bot/internal/gateway"
	"krw-contango-bot/internal/hedge"
	"krw-contango-bot/internal/spread"
	"krw-contango-bot/internal/venue"

	"go.uber.org/zap"
)

var (
	// ErrBusy means a sequence for the asset is already in flight. The
	// caller skips the tick; it does not queue.
	ErrBusy = errors.New("sequence already in flight for asset")

	ErrPartialHedge = errors.New("partial hedge")

	ErrNoOpenTranche = errors.New("no open tranche to close")
)

// PartialHedgeError carries the faulted tranche so alerting can name the
// exposed leg.
type PartialHedgeError struct {
	Tranche hedge.Tranche
	Leg     venue.OrderRequest
	Err     error
}

func (e *PartialHedgeError) Error() string {
	return fmt.Sprintf("partial hedge on %s tranche %d: %s leg on %s failed: %v",
		e.Tranche.Asset, e.Tranche.ID, e.Leg.Side, e.Leg.VenueID, e.Err)
}

func (e *PartialHedgeError) Unwrap() error { return e.Err }

func (e *PartialHedgeError) Is(target error) bool { return target == ErrPartialHedge }

type Config struct {
	MaxLegRetries int
	RetryBackoff  time.Duration
	LegTimeout    time.Duration
}

// Confirmation summarizes one completed sequence.
type Confirmation struct {
	TrancheID   int64
	Asset       string
	Action      hedge.Action
	NotionalUSD float64
	Qty         float64
	SpotPrice   float64
	FutPrice    float64
	// PnLUSD is set on close only: futures short pnl plus spot leg pnl.
	PnLUSD float64
}

// Counters reports per-leg outcomes.
type Counters interface {
	OrderPlaced()
	OrderFailed()
}

type Sequencer struct {
	gw       gateway.Gateway
	cfg      Config
	counters Counters
	log      *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(gw gateway.Gateway, cfg Config, counters Counters, log *zap.Logger) *Sequencer {
	if cfg.MaxLegRetries < 1 {
		cfg.MaxLegRetries = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.LegTimeout <= 0 {
		cfg.LegTimeout = 10 * time.Second
	}
	return &Sequencer{
		gw:       gw,
		cfg:      cfg,
		counters: counters,
		log:      log,
		inflight: make(map[string]struct{}),
	}
}

func (s *Sequencer) tryAcquire(asset string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[asset]; busy {
		return false
	}
	s.inflight[asset] = struct{}{}
	return true
}

func (s *Sequencer) release(asset string) {
	s.mu.Lock()
	delete(s.inflight, asset)
	s.mu.Unlock()
}

// SequenceOpen opens one tranche: short the futures leg, then buy spot.
// A futures failure aborts cleanly. A spot failure after the futures fill
// records the tranche as OPEN_FUTURES_ONLY and halts the ladder.
func (s *Sequencer) SequenceOpen(ctx context.Context, ladder *hedge.Ladder, snap spread.Snapshot, notionalUSD float64) (Confirmation, error) {
	asset := ladder.Asset()
	if !s.tryAcquire(asset) {
		return Confirmation{}, ErrBusy
	}
	defer s.release(asset)

	qty := notionalUSD / snap.FuturesPrice

	futReq := venue.OrderRequest{
		VenueID:     snap.FuturesVenue,
		Asset:       asset,
		Side:        venue.Sell,
		Qty:         qty,
		NotionalUSD: notionalUSD,
		RefPrice:    snap.FuturesPrice,
	}
	futRes, err := s.placeLeg(ctx, futReq)
	if err != nil {
		// First leg never filled, nothing is exposed.
		return Confirmation{}, fmt.Errorf("open futures leg: %w", err)
	}

	tranche := hedge.Tranche{
		ID:                ladder.NextTrancheID(),
		Asset:             asset,
		NotionalUSD:       notionalUSD,
		Qty:               futRes.Qty,
		SpotVenue:         snap.SpotVenue,
		FuturesVenue:      snap.FuturesVenue,
		EntryFuturesPrice: futRes.AvgPrice,
		FuturesOrderID:    futRes.OrderID,
		OpenedAt:          futRes.FilledAt,
	}

	spotReq := venue.OrderRequest{
		VenueID:     snap.SpotVenue,
		Asset:       asset,
		Side:        venue.Buy,
		Qty:         futRes.Qty,
		NotionalUSD: notionalUSD,
		RefPrice:    snap.SpotPrice,
	}
	spotRes, err := s.placeLeg(ctx, spotReq)
	if err != nil {
		ladder.RecordPartialOpen(tranche)
		s.log.Error("spot leg failed after futures fill, halting asset",
			zap.String("asset", asset),
			zap.Int64("tranche_id", tranche.ID),
			zap.Error(err))
		return Confirmation{}, &PartialHedgeError{Tranche: tranche, Leg: spotReq, Err: err}
	}

	tranche.EntrySpotPrice = spotRes.AvgPrice
	tranche.SpotOrderID = spotRes.OrderID
	ladder.CommitOpen(tranche)

	return Confirmation{
		TrancheID:   tranche.ID,
		Asset:       asset,
		Action:      hedge.ActionOpen,
		NotionalUSD: notionalUSD,
		Qty:         tranche.Qty,
		SpotPrice:   spotRes.AvgPrice,
		FutPrice:    futRes.AvgPrice,
	}, nil
}

// SequenceClose unwinds the oldest open tranche: sell spot, then buy back
// the futures short. A spot failure aborts cleanly. A futures failure after
// the spot fill records CLOSE_SPOT_ONLY and halts the ladder.
func (s *Sequencer) SequenceClose(ctx context.Context, ladder *hedge.Ladder, snap spread.Snapshot) (Confirmation, error) {
	asset := ladder.Asset()
	if !s.tryAcquire(asset) {
		return Confirmation{}, ErrBusy
	}
	defer s.release(asset)

	tranche, ok := ladder.OldestOpen()
	if !ok {
		return Confirmation{}, ErrNoOpenTranche
	}

	spotReq := venue.OrderRequest{
		VenueID:     tranche.SpotVenue,
		Asset:       asset,
		Side:        venue.Sell,
		Qty:         tranche.Qty,
		NotionalUSD: tranche.NotionalUSD,
		RefPrice:    snap.SpotPrice,
	}
	spotRes, err := s.placeLeg(ctx, spotReq)
	if err != nil {
		// Tranche untouched, both legs still hedged.
		return Confirmation{}, fmt.Errorf("close spot leg: %w", err)
	}

	futReq := venue.OrderRequest{
		VenueID:     tranche.FuturesVenue,
		Asset:       asset,
		Side:        venue.Buy,
		Qty:         tranche.Qty,
		NotionalUSD: tranche.NotionalUSD,
		RefPrice:    snap.FuturesPrice,
	}
	futRes, err := s.placeLeg(ctx, futReq)
	if err != nil {
		if recErr := ladder.RecordPartialClose(tranche.ID); recErr != nil {
			s.log.Error("failed to record partial close", zap.Int64("tranche_id", tranche.ID), zap.Error(recErr))
		}
		s.log.Error("futures buy-back failed after spot sell, halting asset",
			zap.String("asset", asset),
			zap.Int64("tranche_id", tranche.ID),
			zap.Error(err))
		return Confirmation{}, &PartialHedgeError{Tranche: tranche, Leg: futReq, Err: err}
	}

	if err := ladder.CommitClose(tranche.ID); err != nil {
		return Confirmation{}, err
	}

	pnl := tranche.Qty * ((tranche.EntryFuturesPrice - futRes.AvgPrice) + (spotRes.AvgPrice - tranche.EntrySpotPrice))
	return Confirmation{
		TrancheID:   tranche.ID,
		Asset:       asset,
		Action:      hedge.ActionClose,
		NotionalUSD: tranche.NotionalUSD,
		Qty:         tranche.Qty,
		SpotPrice:   spotRes.AvgPrice,
		FutPrice:    futRes.AvgPrice,
		PnLUSD:      pnl,
	}, nil
}

// placeLeg submits one order with bounded retries. Every attempt runs under
// its own deadline; a timed-out attempt counts as a failure like any other.
func (s *Sequencer) placeLeg(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	backoff := s.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxLegRetries; attempt++ {
		legCtx, cancel := context.WithTimeout(ctx, s.cfg.LegTimeout)
		res, err := s.gw.SubmitOrder(legCtx, req)
		cancel()
		if err == nil {
			s.counters.OrderPlaced()
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return venue.OrderResult{}, ctx.Err()
		}
		s.log.Warn("order leg failed",
			zap.String("venue", string(req.VenueID)),
			zap.String("asset", req.Asset),
			zap.String("side", string(req.Side)),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == s.cfg.MaxLegRetries {
			break
		}
		select {
		case <-ctx.Done():
			return venue.OrderResult{}, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	s.counters.OrderFailed()
	return venue.OrderResult{}, fmt.Errorf("leg failed after %d attempts: %w", s.cfg.MaxLegRetries, lastErr)
}
