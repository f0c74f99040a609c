// Command monitor runs the venue feeds and prints ranked contango
// opportunities without touching the trading side. Useful for eyeballing
// the spread surface before enabling the bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"krw-contango-bot/internal/app"
	"krw-contango-bot/internal/config"
	"krw-contango-bot/internal/logging"
	"krw-contango-bot/internal/metrics"
	"krw-contango-bot/internal/quotebook"
	"krw-contango-bot/internal/rank"
	"krw-contango-bot/internal/sink"
	"krw-contango-bot/internal/spread"
	"krw-contango-bot/internal/venue"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "print one snapshot after warmup and exit")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	minPct := flag.Float64("min-pct", -1, "minimum spread percent (default from config)")
	topN := flag.Int("top", 0, "rows to display (default from config)")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if *minPct < 0 {
		*minPct = cfg.Strategy.MinSpreadPct
	}
	if *topN <= 0 {
		*topN = cfg.Strategy.TopN
	}
	log := logging.New(cfg.Log)

	adapters, err := app.BuildAdapters(cfg, log)
	if err != nil {
		log.Error("failed to build adapters", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	books := make([]*quotebook.Book, 0, len(adapters))
	counters := metrics.NewNoop()
	for _, adapter := range adapters {
		book := quotebook.New(adapter.ID(), adapter.Market())
		books = append(books, book)
		events := make(chan venue.Event, 1024)
		go func(ad venue.Adapter) {
			if err := ad.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("adapter stopped", zap.String("venue", string(ad.ID())), zap.Error(err))
			}
		}(adapter)
		go book.Consume(ctx, events, counters, log)
	}

	agg := spread.NewAggregator(cfg.Feed.FreshnessWindow)
	render := func() {
		now := time.Now()
		views := make([]quotebook.View, 0, len(books))
		for _, book := range books {
			views = append(views, book.Snapshot())
		}
		ranked := rank.Top(agg.Compute(now, views), *minPct, *topN)
		fmt.Printf("\n[%s] KRW contango opportunities (min %.2f%%):\n", now.Format("2006-01-02 15:04:05"), *minPct)
		fmt.Println(sink.RenderRows(ranked))
	}

	// Let the subscriptions warm up before the first render.
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
	}
	render()
	if *once {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			render()
		}
	}
}
