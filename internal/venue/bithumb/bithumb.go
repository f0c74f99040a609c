// Package bithumb streams Bithumb KRW order books. The frame format matches
// Upbit's public websocket (type "orderbook", orderbook_units), with the
// market code carried in the "code" field.
package bithumb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"krw-contango-bot/internal/venue"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	wsURL          = "wss://ws-api.bithumb.com/websocket/v1"
	subscribeChunk = 50
	usdtMarket     = "KRW-USDT"
)

type Adapter struct {
	assets         []string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger
	subLimiter     *rate.Limiter

	mu      sync.Mutex
	usdtKRW float64
}

func New(assets []string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Adapter {
	return &Adapter{
		assets:         assets,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
		subLimiter:     rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
}

func (a *Adapter) ID() venue.ID         { return venue.Bithumb }
func (a *Adapter) Market() venue.Market { return venue.MarketSpot }

func (a *Adapter) Run(ctx context.Context, out chan<- venue.Event) error {
	feed := &venue.Feed{
		URL:            wsURL,
		ReconnectDelay: a.reconnectDelay,
		PingInterval:   a.pingInterval,
		Log:            a.log,
		Subscribe:      a.subscribe,
		Handle: func(ctx context.Context, _ *venue.Conn, data []byte) {
			a.handle(ctx, out, data)
		},
		Ping: func(ctx context.Context, conn *venue.Conn) error {
			return conn.WriteText(ctx, "PING")
		},
		OnDisconnect: func(err error) {
			emit(ctx, out, venue.FeedDisconnected{VenueID: venue.Bithumb, Err: err, At: time.Now().UTC()})
		},
	}
	return feed.Run(ctx)
}

func (a *Adapter) subscribe(ctx context.Context, conn *venue.Conn) error {
	codes := make([]string, 0, len(a.assets)+1)
	codes = append(codes, usdtMarket)
	for _, asset := range a.assets {
		if asset == "USDT" {
			continue
		}
		codes = append(codes, "KRW-"+asset)
	}
	for i := 0; i < len(codes); i += subscribeChunk {
		end := i + subscribeChunk
		if end > len(codes) {
			end = len(codes)
		}
		if err := a.subLimiter.Wait(ctx); err != nil {
			return err
		}
		payload := []any{
			map[string]string{"ticket": fmt.Sprintf("contango-%d", time.Now().UnixNano())},
			map[string]any{"type": "orderbook", "codes": codes[i:end], "is_only_realtime": true},
			map[string]string{"format": "DEFAULT"},
		}
		if err := conn.WriteJSON(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

type orderbookFrame struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
	Units     []struct {
		AskPrice float64 `json:"ask_price"`
		BidPrice float64 `json:"bid_price"`
		AskSize  float64 `json:"ask_size"`
		BidSize  float64 `json:"bid_size"`
	} `json:"orderbook_units"`
}

func (a *Adapter) handle(ctx context.Context, out chan<- venue.Event, data []byte) {
	var frame orderbookFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	quote, ok := a.parse(frame)
	if !ok {
		return
	}
	emit(ctx, out, quote)
}

func (a *Adapter) parse(frame orderbookFrame) (venue.Quote, bool) {
	if frame.Type != "orderbook" || frame.Code == "" || len(frame.Units) == 0 {
		return venue.Quote{}, false
	}
	top := frame.Units[0]
	if top.AskPrice <= 0 {
		return venue.Quote{}, false
	}
	eventTime := time.Now().UTC()
	if frame.Timestamp > 0 {
		eventTime = time.UnixMilli(frame.Timestamp).UTC()
	}
	a.mu.Lock()
	if frame.Code == usdtMarket {
		a.usdtKRW = top.AskPrice
	}
	usdtKRW := a.usdtKRW
	a.mu.Unlock()
	if frame.Code == usdtMarket || usdtKRW <= 0 {
		return venue.Quote{}, false
	}
	base := strings.TrimPrefix(frame.Code, "KRW-")
	return venue.Quote{
		VenueID: venue.Bithumb,
		Asset:   base,
		Bid:     top.BidPrice / usdtKRW,
		Ask:     top.AskPrice / usdtKRW,
		BidSize: top.BidSize,
		AskSize: top.AskSize,
		Time:    eventTime,
	}, true
}

func emit(ctx context.Context, out chan<- venue.Event, ev venue.Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
