// Package gateway routes order requests to the configured execution mode:
// synthetic fills in dry-run, delegated venue placers in live.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"krw-contango-bot/internal/venue"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrExchange marks failures that came from a venue rather than from the
// engine itself. The sequencer treats these as retryable leg failures.
var ErrExchange = errors.New("exchange error")

type Gateway interface {
	SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error)
	Mode() string
}

// DryRun fills every order immediately at the request's reference price.
type DryRun struct {
	log *zap.Logger

	mu   sync.Mutex
	next int
}

func NewDryRun(log *zap.Logger) *DryRun {
	return &DryRun{log: log}
}

func (g *DryRun) Mode() string { return "dry_run" }

func (g *DryRun) SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return venue.OrderResult{}, err
	}
	if req.RefPrice <= 0 {
		return venue.OrderResult{}, fmt.Errorf("dry-run order for %s on %s has no reference price", req.Asset, req.VenueID)
	}
	g.mu.Lock()
	g.next++
	orderID := fmt.Sprintf("dry-%d", g.next)
	g.mu.Unlock()

	res := venue.OrderResult{
		OrderID:  orderID,
		VenueID:  req.VenueID,
		Asset:    req.Asset,
		Side:     req.Side,
		Qty:      req.Qty,
		AvgPrice: req.RefPrice,
		FilledAt: time.Now(),
	}
	g.log.Info("dry-run fill",
		zap.String("order_id", res.OrderID),
		zap.String("venue", string(res.VenueID)),
		zap.String("asset", res.Asset),
		zap.String("side", string(res.Side)),
		zap.Float64("qty", res.Qty),
		zap.Float64("price", res.AvgPrice))
	return res, nil
}

// Live delegates to per-venue order placers. Submissions are paced by a
// shared limiter so a burst of tranche legs cannot trip venue rate limits.
type Live struct {
	log     *zap.Logger
	limiter *rate.Limiter

	mu      sync.RWMutex
	placers map[venue.ID]venue.OrderPlacer
}

func NewLive(log *zap.Logger, ordersPerSecond float64) *Live {
	if ordersPerSecond <= 0 {
		ordersPerSecond = 5
	}
	return &Live{
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(ordersPerSecond), 1),
		placers: make(map[venue.ID]venue.OrderPlacer),
	}
}

func (g *Live) Mode() string { return "live" }

// Register installs the placer for one venue. Submitting to a venue with no
// registered placer is an error, not a silent no-op.
func (g *Live) Register(id venue.ID, placer venue.OrderPlacer) {
	g.mu.Lock()
	g.placers[id] = placer
	g.mu.Unlock()
}

func (g *Live) SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	g.mu.RLock()
	placer, ok := g.placers[req.VenueID]
	g.mu.RUnlock()
	if !ok {
		return venue.OrderResult{}, fmt.Errorf("no order placer registered for %s", req.VenueID)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return venue.OrderResult{}, err
	}
	res, err := placer.SubmitOrder(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return venue.OrderResult{}, err
		}
		return venue.OrderResult{}, fmt.Errorf("%w: %s %s %s: %v", ErrExchange, req.VenueID, req.Side, req.Asset, err)
	}
	g.log.Info("order filled",
		zap.String("order_id", res.OrderID),
		zap.String("venue", string(res.VenueID)),
		zap.String("asset", res.Asset),
		zap.String("side", string(res.Side)),
		zap.Float64("qty", res.Qty),
		zap.Float64("price", res.AvgPrice))
	return res, nil
}
