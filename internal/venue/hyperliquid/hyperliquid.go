// Package hyperliquid streams Hyperliquid perps: bbo for best bid/ask and
// activeAssetCtx for funding.
package hyperliquid

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"krw-contango-bot/internal/venue"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	wsURL          = "wss://api.hyperliquid.xyz/ws"
	subscribeChunk = 40
)

type Adapter struct {
	assets         []string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger
	subLimiter     *rate.Limiter
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

func (a *Adapter) ID() venue.ID         { return venue.Hyperliquid }
func (a *Adapter) Market() venue.Market { return venue.MarketFutures }

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
			return conn.WriteJSON(ctx, map[string]string{"method": "ping"})
		},
		OnDisconnect: func(err error) {
			emit(ctx, out, venue.FeedDisconnected{VenueID: venue.Hyperliquid, Err: err, At: time.Now().UTC()})
		},
	}
	return feed.Run(ctx)
}

func (a *Adapter) subscribe(ctx context.Context, conn *venue.Conn) error {
	for _, subType := range []string{"bbo", "activeAssetCtx"} {
		for i, asset := range a.assets {
			if i%subscribeChunk == 0 {
				if err := a.subLimiter.Wait(ctx); err != nil {
					return err
				}
			}
			msg := map[string]any{
				"method":       "subscribe",
				"subscription": map[string]string{"type": subType, "coin": asset},
			}
			if err := conn.WriteJSON(ctx, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

type message struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type bboData struct {
	Coin string       `json:"coin"`
	Time int64        `json:"time"`
	BBO  [2]*bboLevel `json:"bbo"`
}

type bboLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
}

type assetCtxData struct {
	Coin string `json:"coin"`
	Ctx  struct {
		Funding string `json:"funding"`
	} `json:"ctx"`
}

func (a *Adapter) handle(ctx context.Context, out chan<- venue.Event, data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Channel {
	case "bbo":
		var payload bboData
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return
		}
		if q, ok := parseBBO(payload); ok {
			emit(ctx, out, q)
		}
	case "activeAssetCtx":
		var payload assetCtxData
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return
		}
		if f, ok := parseCtx(payload); ok {
			emit(ctx, out, f)
		}
	}
}

func parseBBO(payload bboData) (venue.Quote, bool) {
	coin := strings.ToUpper(payload.Coin)
	if coin == "" {
		return venue.Quote{}, false
	}
	at := time.Now().UTC()
	if payload.Time > 0 {
		at = time.UnixMilli(payload.Time).UTC()
	}
	quote := venue.Quote{VenueID: venue.Hyperliquid, Asset: coin, Time: at}
	if bid := payload.BBO[0]; bid != nil {
		quote.Bid = parseFloat(bid.Px)
		quote.BidSize = parseFloat(bid.Sz)
	}
	if ask := payload.BBO[1]; ask != nil {
		quote.Ask = parseFloat(ask.Px)
		quote.AskSize = parseFloat(ask.Sz)
	}
	if quote.Bid <= 0 && quote.Ask <= 0 {
		return venue.Quote{}, false
	}
	return quote, true
}

func parseCtx(payload assetCtxData) (venue.FundingSnapshot, bool) {
	coin := strings.ToUpper(payload.Coin)
	if coin == "" || payload.Ctx.Funding == "" {
		return venue.FundingSnapshot{}, false
	}
	return venue.FundingSnapshot{
		VenueID: venue.Hyperliquid,
		Asset:   coin,
		Rate:    parseFloat(payload.Ctx.Funding),
		Time:    time.Now().UTC(),
	}, true
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func emit(ctx context.Context, out chan<- venue.Event, ev venue.Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
