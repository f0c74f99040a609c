// Package quotebook caches the latest quote and funding snapshot per asset
// for one venue. Each book has exactly one writer, the consumer loop fed by
// that venue's adapter; readers take copied views.
package quotebook

import (
	"context"
	"sync"
	"time"

	"krw-contango-bot/internal/venue"

	"go.uber.org/zap"
)

type Book struct {
	venueID venue.ID
	market  venue.Market

	mu            sync.RWMutex
	quotes        map[string]venue.Quote
	funding       map[string]venue.FundingSnapshot
	invalidatedAt time.Time
}

func New(id venue.ID, market venue.Market) *Book {
	return &Book{
		venueID: id,
		market:  market,
		quotes:  make(map[string]venue.Quote),
		funding: make(map[string]venue.FundingSnapshot),
	}
}

func (b *Book) VenueID() venue.ID    { return b.venueID }
func (b *Book) Market() venue.Market { return b.market }

// ApplyQuote stores q if it is newer than the cached quote for the same
// asset. Ordering is by event timestamp, never arrival order; out-of-order
// quotes are dropped and reported via the false return.
func (b *Book) ApplyQuote(q venue.Quote) bool {
	if !q.Valid() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.quotes[q.Asset]; ok && q.Time.Before(prev.Time) {
		return false
	}
	b.quotes[q.Asset] = q
	return true
}

func (b *Book) ApplyFunding(f venue.FundingSnapshot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.funding[f.Asset]; ok && f.Time.Before(prev.Time) {
		return false
	}
	b.funding[f.Asset] = f
	return true
}

// Invalidate stale-marks every cached entry. Entries only reappear in views
// once a fresh event for their asset arrives after the mark.
func (b *Book) Invalidate(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if at.After(b.invalidatedAt) {
		b.invalidatedAt = at
	}
}

// View is a point-in-time copy of one venue's book.
type View struct {
	VenueID venue.ID
	Market  venue.Market
	Quotes  map[string]venue.Quote
	Funding map[string]venue.FundingSnapshot
}

func (b *Book) Snapshot() View {
	b.mu.RLock()
	defer b.mu.RUnlock()
	view := View{
		VenueID: b.venueID,
		Market:  b.market,
		Quotes:  make(map[string]venue.Quote, len(b.quotes)),
		Funding: make(map[string]venue.FundingSnapshot, len(b.funding)),
	}
	for asset, quote := range b.quotes {
		if !quote.Time.After(b.invalidatedAt) {
			continue
		}
		view.Quotes[asset] = quote
	}
	for asset, snap := range b.funding {
		if !snap.Time.After(b.invalidatedAt) {
			continue
		}
		view.Funding[asset] = snap
	}
	return view
}

// Counters reports applied and dropped event totals for the consume loop.
type Counters interface {
	QuoteApplied()
	QuoteDropped()
	FeedReconnect()
}

// Consume is the single-writer loop for this book. It drains events until
// ctx is cancelled or the channel closes.
func (b *Book) Consume(ctx context.Context, events <-chan venue.Event, counters Counters, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case venue.Quote:
				if b.ApplyQuote(e) {
					counters.QuoteApplied()
				} else {
					counters.QuoteDropped()
					log.Debug("quote dropped",
						zap.String("venue", string(e.VenueID)),
						zap.String("asset", e.Asset),
						zap.Time("event_time", e.Time),
					)
				}
			case venue.FundingSnapshot:
				if !b.ApplyFunding(e) {
					counters.QuoteDropped()
				}
			case venue.FeedDisconnected:
				b.Invalidate(e.At)
				counters.FeedReconnect()
				log.Warn("feed disconnected, book stale-marked",
					zap.String("venue", string(e.VenueID)),
					zap.Error(e.Err),
				)
			}
		}
	}
}
