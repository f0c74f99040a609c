// Package gate streams Gate USDT-settled perpetual futures: futures.tickers
// for best bid/ask, futures.order_book for book tops, futures.funding_rate
// for funding snapshots.
package gate

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
	wsURL          = "wss://fx-ws.gateio.ws/v4/ws/usdt"
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

func (a *Adapter) ID() venue.ID         { return venue.Gate }
func (a *Adapter) Market() venue.Market { return venue.MarketFutures }

func contract(asset string) string {
	return asset + "_USDT"
}

func baseAsset(contract string) string {
	return strings.SplitN(contract, "_", 2)[0]
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
			return conn.WriteJSON(ctx, map[string]any{"time": time.Now().Unix(), "channel": "futures.ping"})
		},
		OnDisconnect: func(err error) {
			emit(ctx, out, venue.FeedDisconnected{VenueID: venue.Gate, Err: err, At: time.Now().UTC()})
		},
	}
	return feed.Run(ctx)
}

func (a *Adapter) subscribe(ctx context.Context, conn *venue.Conn) error {
	contracts := make([]string, 0, len(a.assets))
	for _, asset := range a.assets {
		contracts = append(contracts, contract(asset))
	}
	for _, channel := range []string{"futures.tickers", "futures.order_book", "futures.funding_rate"} {
		for i := 0; i < len(contracts); i += subscribeChunk {
			end := i + subscribeChunk
			if end > len(contracts) {
				end = len(contracts)
			}
			if err := a.subLimiter.Wait(ctx); err != nil {
				return err
			}
			var payload any = contracts[i:end]
			if channel == "futures.order_book" {
				books := make([][]string, 0, end-i)
				for _, c := range contracts[i:end] {
					books = append(books, []string{c, "20", "0"})
				}
				payload = books
			}
			msg := map[string]any{
				"time":    time.Now().Unix(),
				"channel": channel,
				"event":   "subscribe",
				"payload": payload,
			}
			if err := conn.WriteJSON(ctx, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

type message struct {
	Time    int64           `json:"time"`
	TimeMS  int64           `json:"time_ms"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Result  json.RawMessage `json:"result"`
}

type tickerEntry struct {
	Contract string `json:"contract"`
	BestBid  string `json:"best_bid"`
	BestAsk  string `json:"best_ask"`
}

type bookEntry struct {
	Contract string      `json:"contract"`
	Bids     []bookLevel `json:"bids"`
	Asks     []bookLevel `json:"asks"`
	T        int64       `json:"t"`
}

type bookLevel struct {
	P string  `json:"p"`
	S float64 `json:"s"`
}

type fundingEntry struct {
	Contract string `json:"contract"`
	Rate     string `json:"funding_rate"`
}

func (a *Adapter) handle(ctx context.Context, conn *venue.Conn, out chan<- venue.Event, data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Event {
	case "subscribe", "pong":
		return
	case "ping":
		_ = conn.WriteJSON(ctx, map[string]any{"time": time.Now().Unix(), "channel": "futures.pong"})
		return
	}
	if len(msg.Result) == 0 {
		return
	}
	at := messageTime(msg)
	switch msg.Channel {
	case "futures.tickers":
		var entries []tickerEntry
		if err := json.Unmarshal(msg.Result, &entries); err != nil {
			return
		}
		for _, entry := range entries {
			if q, ok := parseTicker(entry, at); ok {
				emit(ctx, out, q)
			}
		}
	case "futures.order_book":
		var entry bookEntry
		if err := json.Unmarshal(msg.Result, &entry); err != nil {
			return
		}
		if q, ok := parseBook(entry, at); ok {
			emit(ctx, out, q)
		}
	case "futures.funding_rate":
		var entries []fundingEntry
		if err := json.Unmarshal(msg.Result, &entries); err != nil {
			// single-object results appear on some channels
			var one fundingEntry
			if err := json.Unmarshal(msg.Result, &one); err != nil {
				return
			}
			entries = []fundingEntry{one}
		}
		for _, entry := range entries {
			if f, ok := parseFunding(entry, at); ok {
				emit(ctx, out, f)
			}
		}
	}
}

func messageTime(msg message) time.Time {
	if msg.TimeMS > 0 {
		return time.UnixMilli(msg.TimeMS).UTC()
	}
	if msg.Time > 0 {
		return time.Unix(msg.Time, 0).UTC()
	}
	return time.Now().UTC()
}

func parseTicker(entry tickerEntry, at time.Time) (venue.Quote, bool) {
	if entry.Contract == "" {
		return venue.Quote{}, false
	}
	bid := parseFloat(entry.BestBid)
	ask := parseFloat(entry.BestAsk)
	if bid <= 0 && ask <= 0 {
		return venue.Quote{}, false
	}
	return venue.Quote{
		VenueID: venue.Gate,
		Asset:   baseAsset(entry.Contract),
		Bid:     bid,
		Ask:     ask,
		Time:    at,
	}, true
}

func parseBook(entry bookEntry, at time.Time) (venue.Quote, bool) {
	if entry.Contract == "" {
		return venue.Quote{}, false
	}
	if entry.T > 0 {
		at = time.UnixMilli(entry.T).UTC()
	}
	quote := venue.Quote{VenueID: venue.Gate, Asset: baseAsset(entry.Contract), Time: at}
	if len(entry.Bids) > 0 {
		quote.Bid = parseFloat(entry.Bids[0].P)
		quote.BidSize = entry.Bids[0].S
	}
	if len(entry.Asks) > 0 {
		quote.Ask = parseFloat(entry.Asks[0].P)
		quote.AskSize = entry.Asks[0].S
	}
	if quote.Bid <= 0 && quote.Ask <= 0 {
		return venue.Quote{}, false
	}
	return quote, true
}

func parseFunding(entry fundingEntry, at time.Time) (venue.FundingSnapshot, bool) {
	if entry.Contract == "" || entry.Rate == "" {
		return venue.FundingSnapshot{}, false
	}
	return venue.FundingSnapshot{
		VenueID: venue.Gate,
		Asset:   baseAsset(entry.Contract),
		Rate:    parseFloat(entry.Rate),
		Time:    at,
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
