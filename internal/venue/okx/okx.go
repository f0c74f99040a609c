// Package okx streams OKX USDT-settled perpetual swaps over the public
// websocket: tickers and books5 for best bid/ask, funding-rate for the
// current funding snapshot.
package okx

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
	wsURL          = "wss://ws.okx.com:8443/ws/v5/public"
	subscribeChunk = 20
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

func (a *Adapter) ID() venue.ID         { return venue.OKX }
func (a *Adapter) Market() venue.Market { return venue.MarketFutures }

func instID(asset string) string {
	return asset + "-USDT-SWAP"
}

// baseAsset recovers the base symbol from an OKX instrument id.
func baseAsset(instID string) string {
	return strings.SplitN(instID, "-", 2)[0]
}

func (a *Adapter) Run(ctx context.Context, out chan<- venue.Event) error {
	feed := &venue.Feed{
		URL:            wsURL,
		ReconnectDelay: a.reconnectDelay,
		PingInterval:   a.pingInterval,
		Log:            a.log,
		Subscribe:      a.subscribe,
		Handle: func(ctx context.Context, conn *venue.Conn, data []byte) {
			a.handle(ctx, conn, out, data)
		},
		Ping: func(ctx context.Context, conn *venue.Conn) error {
			return conn.WriteText(ctx, "ping")
		},
		OnDisconnect: func(err error) {
			emit(ctx, out, venue.FeedDisconnected{VenueID: venue.OKX, Err: err, At: time.Now().UTC()})
		},
	}
	return feed.Run(ctx)
}

func (a *Adapter) subscribe(ctx context.Context, conn *venue.Conn) error {
	for _, channel := range []string{"tickers", "books5", "funding-rate"} {
		for i := 0; i < len(a.assets); i += subscribeChunk {
			end := i + subscribeChunk
			if end > len(a.assets) {
				end = len(a.assets)
			}
			if err := a.subLimiter.Wait(ctx); err != nil {
				return err
			}
			args := make([]map[string]string, 0, end-i)
			for _, asset := range a.assets[i:end] {
				args = append(args, map[string]string{"channel": channel, "instId": instID(asset)})
			}
			if err := conn.WriteJSON(ctx, map[string]any{"op": "subscribe", "args": args}); err != nil {
				return err
			}
		}
	}
	return nil
}

type message struct {
	Event string `json:"event"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []json.RawMessage `json:"data"`
}

type tickerEntry struct {
	InstID string `json:"instId"`
	BidPx  string `json:"bidPx"`
	BidSz  string `json:"bidSz"`
	AskPx  string `json:"askPx"`
	AskSz  string `json:"askSz"`
	TS     string `json:"ts"`
}

type booksEntry struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	TS   string     `json:"ts"`
}

type fundingEntry struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	TS              string `json:"ts"`
}

func (a *Adapter) handle(ctx context.Context, conn *venue.Conn, out chan<- venue.Event, data []byte) {
	raw := string(data)
	if raw == "pong" {
		return
	}
	if raw == "ping" {
		_ = conn.WriteText(ctx, "pong")
		return
	}
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Event == "error" {
		a.log.Warn("okx subscription error", zap.String("payload", raw))
		return
	}
	if msg.Event != "" || len(msg.Data) == 0 {
		return
	}
	switch msg.Arg.Channel {
	case "tickers":
		for _, entry := range msg.Data {
			if q, ok := parseTicker(entry); ok {
				emit(ctx, out, q)
			}
		}
	case "books5":
		for _, entry := range msg.Data {
			if q, ok := parseBooks(msg.Arg.InstID, entry); ok {
				emit(ctx, out, q)
			}
		}
	case "funding-rate":
		for _, entry := range msg.Data {
			if f, ok := parseFunding(entry); ok {
				emit(ctx, out, f)
			}
		}
	}
}

func parseTicker(data json.RawMessage) (venue.Quote, bool) {
	var entry tickerEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.InstID == "" {
		return venue.Quote{}, false
	}
	bid := parseFloat(entry.BidPx)
	ask := parseFloat(entry.AskPx)
	if bid <= 0 && ask <= 0 {
		return venue.Quote{}, false
	}
	return venue.Quote{
		VenueID: venue.OKX,
		Asset:   baseAsset(entry.InstID),
		Bid:     bid,
		Ask:     ask,
		BidSize: parseFloat(entry.BidSz),
		AskSize: parseFloat(entry.AskSz),
		Time:    eventTime(entry.TS),
	}, true
}

func parseBooks(instID string, data json.RawMessage) (venue.Quote, bool) {
	if instID == "" {
		return venue.Quote{}, false
	}
	var entry booksEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return venue.Quote{}, false
	}
	quote := venue.Quote{VenueID: venue.OKX, Asset: baseAsset(instID), Time: eventTime(entry.TS)}
	if len(entry.Bids) > 0 && len(entry.Bids[0]) >= 2 {
		quote.Bid = parseFloat(entry.Bids[0][0])
		quote.BidSize = parseFloat(entry.Bids[0][1])
	}
	if len(entry.Asks) > 0 && len(entry.Asks[0]) >= 2 {
		quote.Ask = parseFloat(entry.Asks[0][0])
		quote.AskSize = parseFloat(entry.Asks[0][1])
	}
	if quote.Bid <= 0 && quote.Ask <= 0 {
		return venue.Quote{}, false
	}
	return quote, true
}

func parseFunding(data json.RawMessage) (venue.FundingSnapshot, bool) {
	var entry fundingEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.InstID == "" {
		return venue.FundingSnapshot{}, false
	}
	snap := venue.FundingSnapshot{
		VenueID:     venue.OKX,
		Asset:       baseAsset(entry.InstID),
		Rate:        parseFloat(entry.FundingRate),
		NextFunding: parseMillis(entry.NextFundingTime),
		Time:        eventTime(entry.TS),
	}
	return snap, true
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func eventTime(ts string) time.Time {
	if t := parseMillis(ts); !t.IsZero() {
		return t
	}
	return time.Now().UTC()
}

func emit(ctx context.Context, out chan<- venue.Event, ev venue.Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
