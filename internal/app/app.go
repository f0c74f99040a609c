// Package app wires the engine together: venue feeds into per-venue quote
// books, books into the spread aggregator, ranked spreads into the per-asset
// hedge ladders, and ladder decisions into the two-leg sequencer.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"krw-contango-bot/internal/alerts"
	"krw-contango-bot/internal/config"
	"krw-contango-bot/internal/gateway"
	"krw-contango-bot/internal/hedge"
	"krw-contango-bot/internal/history"
	"krw-contango-bot/internal/metrics"
	"krw-contango-bot/internal/quotebook"
	"krw-contango-bot/internal/rank"
	"krw-contango-bot/internal/sequencer"
	"krw-contango-bot/internal/sink"
	"krw-contango-bot/internal/spread"
	"krw-contango-bot/internal/state"
	"krw-contango-bot/internal/state/sqlite"
	"krw-contango-bot/internal/venue"

	"go.uber.org/zap"
)

const eventBuffer = 1024

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlite.Store
	adapters []venue.Adapter
	books    map[venue.ID]*quotebook.Book
	agg      *spread.Aggregator
	gw       gateway.Gateway
	seq      *sequencer.Sequencer
	ladders  map[string]*hedge.Ladder
	metrics  *metrics.Metrics
	prom     *metrics.Prometheus
	alerts   *alerts.Telegram
	history  *history.Writer
	redis    *sink.RedisSink
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	adapters, err := BuildAdapters(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	books := make(map[venue.ID]*quotebook.Book, len(adapters))
	for _, adapter := range adapters {
		books[adapter.ID()] = quotebook.New(adapter.ID(), adapter.Market())
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	var gw gateway.Gateway
	switch cfg.Exec.Mode {
	case config.ModeDryRun:
		gw = gateway.NewDryRun(log)
	case config.ModeLive:
		for _, name := range append(append([]string{}, cfg.Venues.Spot...), cfg.Venues.Futures...) {
			if !config.CredentialsPresent(name) {
				_ = store.Close()
				return nil, fmt.Errorf("live mode requires %s API credentials in the environment", name)
			}
		}
		gw = gateway.NewLive(log, cfg.Exec.OrderRatePerSec)
	default:
		_ = store.Close()
		return nil, fmt.Errorf("unknown execution mode %q", cfg.Exec.Mode)
	}

	histWriter, err := history.New(cfg.History, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ladderCfg := hedge.Config{
		EntryPct:       cfg.Strategy.EntryThresholdPct,
		ExitPct:        cfg.Strategy.ExitThresholdPct,
		TrancheUSD:     cfg.Strategy.TrancheUSD,
		MaxNotionalUSD: cfg.Strategy.MaxNotionalUSD,
	}
	ladders := make(map[string]*hedge.Ladder, len(cfg.Venues.Assets))
	for _, asset := range cfg.Venues.Assets {
		ladders[asset] = hedge.NewLadder(asset, ladderCfg)
	}

	seqCfg := sequencer.Config{
		MaxLegRetries: cfg.Exec.MaxLegRetries,
		RetryBackoff:  cfg.Exec.RetryBackoff,
		LegTimeout:    cfg.Exec.LegTimeout,
	}

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		adapters: adapters,
		books:    books,
		agg:      spread.NewAggregator(cfg.Feed.FreshnessWindow),
		gw:       gw,
		seq:      sequencer.New(gw, seqCfg, m, log),
		ladders:  ladders,
		metrics:  m,
		prom:     prom,
		alerts:   alerts.NewTelegram(cfg.Telegram, log),
		history:  histWriter,
		redis:    sink.NewRedis(cfg.Sink, log),
	}, nil
}

// BuildAdapters maps the configured venue names onto feed adapters. Shared
// with cmd/monitor, which runs the same feeds without the trading side.
func BuildAdapters(cfg *config.Config, log *zap.Logger) ([]venue.Adapter, error) {
	names := append(append([]string{}, cfg.Venues.Spot...), cfg.Venues.Futures...)
	adapters := make([]venue.Adapter, 0, len(names))
	for _, name := range names {
		adapter, err := newAdapter(name, cfg, log)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

// RegisterPlacer installs a live order placer for one venue. It is a no-op
// in dry-run mode.
func (a *App) RegisterPlacer(id venue.ID, placer venue.OrderPlacer) {
	if live, ok := a.gw.(*gateway.Live); ok {
		live.Register(id, placer)
	}
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer func() {
		if a.history != nil {
			_ = a.history.Close()
		}
		if a.redis != nil {
			_ = a.redis.Close()
		}
	}()

	if err := a.reconcile(ctx); err != nil {
		return err
	}
	if a.history != nil {
		a.history.Start(ctx)
	}
	a.serveMetrics(ctx)

	for _, adapter := range a.adapters {
		events := make(chan venue.Event, eventBuffer)
		book := a.books[adapter.ID()]
		go func(ad venue.Adapter) {
			if err := ad.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("adapter stopped", zap.String("venue", string(ad.ID())), zap.Error(err))
			}
		}(adapter)
		go book.Consume(ctx, events, a.metrics, a.log)
	}

	a.log.Info("engine started",
		zap.String("mode", a.gw.Mode()),
		zap.Int("venues", len(a.adapters)),
		zap.Int("assets", len(a.ladders)),
		zap.Duration("tick", a.cfg.Strategy.TickInterval),
	)

	ticker := time.NewTicker(a.cfg.Strategy.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.tick(ctx); err != nil {
				a.log.Error("tick failed", zap.Error(err))
			}
		}
	}
}

// reconcile restores persisted ladders before any feed or tick starts. A
// ladder that restores HALTED stays halted and is re-announced.
func (a *App) reconcile(ctx context.Context) error {
	snaps, err := state.LoadAllLedgers(ctx, a.store)
	if err != nil {
		return fmt.Errorf("load ledgers: %w", err)
	}
	ladderCfg := hedge.Config{
		EntryPct:       a.cfg.Strategy.EntryThresholdPct,
		ExitPct:        a.cfg.Strategy.ExitThresholdPct,
		TrancheUSD:     a.cfg.Strategy.TrancheUSD,
		MaxNotionalUSD: a.cfg.Strategy.MaxNotionalUSD,
	}
	for asset, snap := range snaps {
		ladder := hedge.Restore(snap, ladderCfg)
		a.ladders[asset] = ladder
		a.log.Info("ladder restored",
			zap.String("asset", asset),
			zap.String("state", string(ladder.State())),
			zap.Int("tranches", len(snap.Tranches)),
			zap.Float64("open_notional_usd", ladder.OpenNotional()),
		)
		if faulted := ladder.FaultedTranches(); len(faulted) > 0 {
			msg := alerts.HaltedOnStartMessage(asset, len(faulted))
			if err := a.alerts.Send(ctx, msg); err != nil {
				a.log.Warn("halt alert failed", zap.Error(err))
			}
		}
	}
	return nil
}

func (a *App) serveMetrics(ctx context.Context) {
	if !a.cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	if a.prom != nil {
		mux.Handle("/metrics", a.prom.Handler())
	}
	mux.HandleFunc("/resolve", a.handleResolve)
	server := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// handleResolve is the operator endpoint that clears a faulted tranche
// after its exposed leg was reconciled on the venue out-of-band.
func (a *App) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	asset := r.URL.Query().Get("asset")
	trancheID, err := strconv.ParseInt(r.URL.Query().Get("tranche"), 10, 64)
	if err != nil {
		http.Error(w, "tranche must be an integer id", http.StatusBadRequest)
		return
	}
	if err := a.ResolvePartial(r.Context(), asset, trancheID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fmt.Fprintf(w, "resolved %s tranche %d\n", asset, trancheID)
}

// ResolvePartial clears a faulted tranche and persists the ladder. The
// asset resumes automatic action on the next tick if no other fault
// remains.
func (a *App) ResolvePartial(ctx context.Context, asset string, trancheID int64) error {
	ladder, ok := a.ladders[asset]
	if !ok {
		return fmt.Errorf("unknown asset %q", asset)
	}
	if err := ladder.ResolvePartial(trancheID); err != nil {
		return err
	}
	if err := state.SaveLedgerSnapshot(ctx, a.store, ladder.Snapshot()); err != nil {
		a.log.Error("ledger persist failed", zap.String("asset", asset), zap.Error(err))
	}
	if a.history != nil {
		a.history.EnqueueTrancheEvent(history.TrancheEvent{
			Time:         time.Now(),
			Asset:        asset,
			TrancheID:    trancheID,
			Event:        "resolved",
			TrancheState: string(hedge.TrancheClosed),
		})
	}
	a.log.Info("partial hedge resolved",
		zap.String("asset", asset),
		zap.Int64("tranche_id", trancheID),
		zap.String("state", string(ladder.State())),
	)
	return nil
}

func (a *App) tick(ctx context.Context) error {
	now := time.Now()
	views := make([]quotebook.View, 0, len(a.books))
	for _, book := range a.books {
		views = append(views, book.Snapshot())
	}
	a.countStale(now, views)

	snaps := a.agg.Compute(now, views)
	for range snaps {
		a.metrics.SnapshotsComputed.Inc()
	}
	ranked := rank.Top(snaps, a.cfg.Strategy.MinSpreadPct, a.cfg.Strategy.TopN)

	if len(ranked) > 0 {
		a.log.Info("opportunities",
			zap.Int("count", len(ranked)),
			zap.String("best_asset", ranked[0].Asset),
			zap.Float64("best_pct", ranked[0].Pct),
			zap.Float64("best_net_pct", ranked[0].NetPct),
		)
	}
	for _, row := range ranked {
		if a.history != nil {
			a.history.EnqueueSpread(row)
		}
	}
	if a.redis != nil {
		a.redis.Publish(ctx, ranked)
	}

	// Ladder decisions read the unfiltered snapshots: the min-pct filter
	// and top-N cut shape the operator list, but a hedged asset must still
	// see its spread collapse below the exit threshold.
	best := bestPerAsset(snaps)
	byAsset := snapshotsByAsset(snaps)
	for asset, ladder := range a.ladders {
		snap, ok := best[asset]
		if !ok {
			// No fresh pair for the asset this tick; no action either way.
			continue
		}
		a.evaluateAsset(ctx, ladder, snap, byAsset[asset])
	}
	return nil
}

func (a *App) countStale(now time.Time, views []quotebook.View) {
	for _, view := range views {
		for _, quote := range view.Quotes {
			if !a.agg.Fresh(quote.Time, now) {
				a.metrics.StaleSkipped.Inc()
			}
		}
	}
}

// bestPerAsset keeps the widest-spread snapshot per asset.
func bestPerAsset(snaps []spread.Snapshot) map[string]spread.Snapshot {
	best := make(map[string]spread.Snapshot, len(snaps))
	for _, snap := range snaps {
		if cur, ok := best[snap.Asset]; !ok || snap.Pct > cur.Pct {
			best[snap.Asset] = snap
		}
	}
	return best
}

func snapshotsByAsset(snaps []spread.Snapshot) map[string][]spread.Snapshot {
	byAsset := make(map[string][]spread.Snapshot)
	for _, snap := range snaps {
		byAsset[snap.Asset] = append(byAsset[snap.Asset], snap)
	}
	return byAsset
}

func (a *App) evaluateAsset(ctx context.Context, ladder *hedge.Ladder, snap spread.Snapshot, assetSnaps []spread.Snapshot) {
	decision := ladder.Evaluate(snap.Pct)
	switch decision.Action {
	case hedge.ActionOpen:
		if a.cfg.Strategy.NonNegativeFundingRequired() && snap.HasFunding && snap.FundingRate < 0 {
			a.log.Debug("entry blocked by negative funding",
				zap.String("asset", snap.Asset),
				zap.Float64("funding_rate", snap.FundingRate),
			)
			return
		}
		a.openTranche(ctx, ladder, snap, decision.NotionalUSD)
	case hedge.ActionClose:
		a.closeTranche(ctx, ladder, assetSnaps)
	}
}

func (a *App) openTranche(ctx context.Context, ladder *hedge.Ladder, snap spread.Snapshot, notionalUSD float64) {
	conf, err := a.seq.SequenceOpen(ctx, ladder, snap, notionalUSD)
	if err != nil {
		a.handleSequenceError(ladder, snap, err, "open")
		return
	}
	a.metrics.TranchesOpened.Inc()
	a.persistAndRecord(ctx, ladder, conf, "open", string(hedge.TrancheOpen))
	a.log.Info("tranche opened",
		zap.String("asset", conf.Asset),
		zap.Int64("tranche_id", conf.TrancheID),
		zap.Float64("notional_usd", conf.NotionalUSD),
		zap.Float64("spread_pct", snap.Pct),
		zap.Float64("open_notional_usd", ladder.OpenNotional()),
	)
}

// closeTranche unwinds against the venue pair the oldest tranche was
// opened on, not whichever pair ranks widest this tick. A pair with no
// fresh quotes defers the close to a later tick.
func (a *App) closeTranche(ctx context.Context, ladder *hedge.Ladder, assetSnaps []spread.Snapshot) {
	target, ok := ladder.OldestOpen()
	if !ok {
		return
	}
	snap, ok := pairSnapshot(assetSnaps, target.SpotVenue, target.FuturesVenue)
	if !ok {
		a.log.Warn("close deferred, no fresh quotes for tranche venue pair",
			zap.String("asset", target.Asset),
			zap.Int64("tranche_id", target.ID),
			zap.String("spot_venue", string(target.SpotVenue)),
			zap.String("futures_venue", string(target.FuturesVenue)),
		)
		return
	}
	conf, err := a.seq.SequenceClose(ctx, ladder, snap)
	if err != nil {
		if errors.Is(err, sequencer.ErrNoOpenTranche) {
			return
		}
		a.handleSequenceError(ladder, snap, err, "close")
		return
	}
	a.metrics.TranchesClosed.Inc()
	a.persistAndRecord(ctx, ladder, conf, "close", string(hedge.TrancheClosed))
	a.log.Info("tranche closed",
		zap.String("asset", conf.Asset),
		zap.Int64("tranche_id", conf.TrancheID),
		zap.Float64("pnl_usd", conf.PnLUSD),
		zap.Float64("spread_pct", snap.Pct),
		zap.Float64("open_notional_usd", ladder.OpenNotional()),
	)
}

func (a *App) handleSequenceError(ladder *hedge.Ladder, snap spread.Snapshot, err error, action string) {
	if errors.Is(err, sequencer.ErrBusy) {
		return
	}
	var partial *sequencer.PartialHedgeError
	if errors.As(err, &partial) {
		a.metrics.PartialHedges.Inc()
		// The engine may be shutting down with the tick context already
		// cancelled, but the exposed leg must reach the ledger before the
		// process exits.
		persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := state.SaveLedgerSnapshot(persistCtx, a.store, ladder.Snapshot()); err != nil {
			a.log.Error("ledger persist failed", zap.String("asset", snap.Asset), zap.Error(err))
		}
		faulted := currentTranche(ladder, partial.Tranche.ID, partial.Tranche)
		if a.history != nil {
			a.history.EnqueueTrancheEvent(history.TrancheEvent{
				Time:         time.Now(),
				Asset:        faulted.Asset,
				TrancheID:    faulted.ID,
				Event:        "partial_" + action,
				TrancheState: string(faulted.State),
				NotionalUSD:  faulted.NotionalUSD,
				Qty:          faulted.Qty,
			})
		}
		if alertErr := a.alerts.Send(persistCtx, alerts.PartialHedgeMessage(faulted)); alertErr != nil {
			a.log.Warn("partial hedge alert failed", zap.Error(alertErr))
		}
		return
	}
	a.log.Warn("sequence aborted cleanly",
		zap.String("asset", snap.Asset),
		zap.String("action", action),
		zap.Error(err),
	)
}

func pairSnapshot(snaps []spread.Snapshot, spotVenue, futuresVenue venue.ID) (spread.Snapshot, bool) {
	for _, snap := range snaps {
		if snap.SpotVenue == spotVenue && snap.FuturesVenue == futuresVenue {
			return snap, true
		}
	}
	return spread.Snapshot{}, false
}

// currentTranche prefers the ladder's view of the faulted tranche, which
// carries the state set by the partial record.
func currentTranche(ladder *hedge.Ladder, id int64, fallback hedge.Tranche) hedge.Tranche {
	for _, t := range ladder.FaultedTranches() {
		if t.ID == id {
			return t
		}
	}
	return fallback
}

func (a *App) persistAndRecord(ctx context.Context, ladder *hedge.Ladder, conf sequencer.Confirmation, event, trancheState string) {
	if err := state.SaveLedgerSnapshot(ctx, a.store, ladder.Snapshot()); err != nil {
		a.log.Error("ledger persist failed", zap.String("asset", conf.Asset), zap.Error(err))
	}
	if a.history != nil {
		a.history.EnqueueTrancheEvent(history.TrancheEvent{
			Time:         time.Now(),
			Asset:        conf.Asset,
			TrancheID:    conf.TrancheID,
			Event:        event,
			TrancheState: trancheState,
			NotionalUSD:  conf.NotionalUSD,
			Qty:          conf.Qty,
			SpotPrice:    conf.SpotPrice,
			FutPrice:     conf.FutPrice,
			PnLUSD:       conf.PnLUSD,
		})
	}
}
